// Package extract classifies menu lines and parses their structured fields.
package extract

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sommelier/internal/detect"
	"github.com/sells-group/sommelier/internal/metrics"
	"github.com/sells-group/sommelier/internal/model"
	"github.com/sells-group/sommelier/internal/parser"
	"github.com/sells-group/sommelier/internal/textnorm"
	"github.com/sells-group/sommelier/pkg/llm"
)

var whiskeyHints = []string{
	"whisky", "whiskey", "scotch", "bourbon", "rye", "islay", "speyside", "highland",
	"lowland", "campbeltown", "single malt", "blended", "cask", "sherry", "peat", "peated",
}

var (
	wineTokens    = textnorm.Words("wine", "vino", "vin")
	whiskeyTokens = textnorm.Words("whisky", "whiskey")
	vintageYear   = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	ageYears      = regexp.MustCompile(`\b(\d{1,2})\s*(?:yo\b|y\.o\.|years?\s*old\b)`)
	sizeML        = regexp.MustCompile(`\b(\d{2,4})\s*ml\b`)
)

const (
	detectedWineFloor    = 0.75
	detectedWhiskeyFloor = 0.7
	keywordConfidence    = 0.55
	baseParseConfidence  = 0.4
)

// Store is the persistence the extractor needs.
type Store interface {
	ListMenuItems(ctx context.Context, menuID string) ([]model.MenuItem, error)
	UpdateMenuItemCandidate(ctx context.Context, itemID string, c model.Candidate) error
}

// Extractor turns menu lines into candidates.
type Extractor struct {
	store      Store
	detector   detect.Detector
	wine       parser.FieldParser
	whiskey    parser.FieldParser
	classifier *llmClassifier
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithDetector overrides the alcohol detector.
func WithDetector(d detect.Detector) Option {
	return func(e *Extractor) { e.detector = d }
}

// WithParsers overrides the wine and whiskey field parsers.
func WithParsers(wine, whiskey parser.FieldParser) Option {
	return func(e *Extractor) {
		e.wine = wine
		e.whiskey = whiskey
	}
}

// WithLLM enables the LLM classification fallback for lines no rule could
// categorise. A nil client leaves it disabled.
func WithLLM(client llm.Client, model string) Option {
	return func(e *Extractor) {
		if client != nil {
			e.classifier = &llmClassifier{client: client, model: model}
		}
	}
}

// New creates an Extractor with the rule-based collaborators as defaults.
func New(store Store, opts ...Option) *Extractor {
	e := &Extractor{
		store:    store,
		detector: detect.NewRuleDetector(),
		wine:     parser.NewWineParser(),
		whiskey:  parser.NewWhiskeyParser(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Result summarises one extraction pass.
type Result struct {
	Report   model.BatchReport
	Counters model.RunCounters
}

// ExtractMenu classifies and persists every line of a menu, one at a time.
// Line failures are logged and recorded in the report; only a failure to
// list the menu's lines is returned.
func (e *Extractor) ExtractMenu(ctx context.Context, menuID string) (*Result, error) {
	items, err := e.store.ListMenuItems(ctx, menuID)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: list items for menu %s", menuID)
	}

	res := &Result{}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "extract: cancelled")
		}

		var cand model.Candidate
		err := model.Guard(func() error {
			cand = e.Classify(ctx, item)
			return e.store.UpdateMenuItemCandidate(ctx, item.ID, cand)
		})
		res.Report.Record(item.ID, err)
		if err != nil {
			metrics.ItemErrors.WithLabelValues(string(model.StageExtractCandidates)).Inc()
			zap.L().Warn("extract: line failed",
				zap.String("menu_id", menuID),
				zap.String("item_id", item.ID),
				zap.String("item_name", item.Name),
				zap.Error(err),
			)
			continue
		}

		metrics.RecordExtraction(cand.Category, cand.NeedsReview)
		res.Counters.ItemsProcessed++
		if cand.NeedsReview {
			res.Counters.NeedsReviewCount++
			if model.IsUncategorized(cand.Category) {
				res.Counters.UnresolvedCount++
			}
		}
	}

	zap.L().Info("extract: menu classified",
		zap.String("menu_id", menuID),
		zap.Int("items", len(items)),
		zap.Int("processed", res.Counters.ItemsProcessed),
		zap.Int("needs_review", res.Counters.NeedsReviewCount),
		zap.Int("failed", len(res.Report.Failures())),
	)
	return res, nil
}

// Classify computes the candidate for one line. It never fails: a line with
// no usable signal comes back uncategorised and flagged for review.
func (e *Extractor) Classify(ctx context.Context, item model.MenuItem) model.Candidate {
	text := textnorm.Normalize(item.SectionName, item.Name, item.Description)

	category, confidence := e.categorize(item, text)
	fields, parseConf := parseFields(item, text)

	var deep parser.FieldParser
	switch category {
	case model.CategoryWine:
		deep = e.wine
	case model.CategoryWhiskey:
		deep = e.whiskey
	}
	if deep != nil {
		extra, conf := deep.Parse(item)
		fields = fields.Merge(extra)
		parseConf = math.Max(parseConf, conf)
		confidence = math.Max(confidence, conf)
	}

	if category == "" && e.classifier != nil {
		if cat, conf, ok := e.classifier.classify(ctx, item); ok {
			category, confidence = cat, conf
		}
	}

	confidence = model.ClampConfidence(confidence)
	parseConf = model.ClampConfidence(parseConf)

	return model.Candidate{
		Category:                 category,
		ClassificationConfidence: confidence,
		ParsedFields:             fields,
		ParseConfidence:          parseConf,
		NeedsReview:              model.ReviewRequired(category, confidence, parseConf),
	}
}

// categorize applies the detector first and keyword heuristics second. The
// first matching branch wins.
func (e *Extractor) categorize(item model.MenuItem, text string) (string, float64) {
	det := e.detector.Detect(item.SectionName, item.Name, item.Description)

	if det.Decided && det.Alcoholic {
		switch {
		case det.Classification == model.CategoryWine || wineTokens.MatchString(text):
			return model.CategoryWine, math.Max(det.Confidence, detectedWineFloor)
		case hasWhiskeyHint(text):
			return model.CategoryWhiskey, math.Max(det.Confidence, detectedWhiskeyFloor)
		case strings.TrimSpace(det.Classification) != "":
			return det.Classification, det.Confidence
		default:
			return model.CategoryOtherSpirit, det.Confidence
		}
	}

	if det.Decided {
		return "", 0
	}

	switch {
	case hasWhiskeyHint(text):
		return model.CategoryWhiskey, keywordConfidence
	case wineTokens.MatchString(text) || vintageYear.MatchString(text):
		return model.CategoryWine, keywordConfidence
	}
	return "", 0
}

func hasWhiskeyHint(text string) bool {
	if whiskeyTokens.MatchString(text) {
		return true
	}
	for _, h := range whiskeyHints {
		if strings.Contains(text, h) {
			return true
		}
	}
	return false
}

// parseFields seeds the parsed fields from the raw line and the generic
// patterns, each found field adding a fixed increment to the confidence.
func parseFields(item model.MenuItem, text string) (model.Fields, float64) {
	fields := model.Fields{
		model.FieldNameRaw:        item.Name,
		model.FieldDescriptionRaw: item.Description,
		model.FieldPrice:          item.Price,
	}
	conf := baseParseConfidence

	if n, ok := firstInt(ageYears, text); ok {
		fields[model.FieldAgeYears] = n
		conf += 0.2
	}
	if n, ok := firstInt(vintageYear, text); ok {
		fields[model.FieldVintageYear] = n
		conf += 0.2
	}
	if n, ok := firstInt(sizeML, text); ok {
		fields[model.FieldSizeML] = n
		conf += 0.1
	}

	if item.ABV != nil {
		fields[model.FieldABV] = *item.ABV
		conf += 0.2
	} else if m := detect.ABVPattern.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64); err == nil {
			fields[model.FieldABV] = v
			conf += 0.2
		}
	}

	return fields, math.Min(conf, 1.0)
}

func firstInt(re *regexp.Regexp, text string) (int, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	return n, err == nil
}
