package parser

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sells-group/sommelier/internal/model"
	"github.com/sells-group/sommelier/internal/textnorm"
)

var whiskeyTypes = []patternLabel{
	{"irish_single_malt", textnorm.Pattern(`irish\s+single\s+malt`)},
	{"single_malt", textnorm.Pattern(`single\s+malt`)},
	{"blended_malt", textnorm.Pattern(`blended\s+malt`)},
	{"blended_scotch", textnorm.Pattern(`blended\s+scotch`)},
	{"bourbon", textnorm.Pattern(`bourbon`)},
	{"rye", textnorm.Pattern(`rye\s+whiske?y`)},
	{"tennessee", textnorm.Pattern(`tennessee`)},
	{"irish_single_pot", textnorm.Pattern(`single\s+pot\s+still`)},
	{"irish_blended", textnorm.Pattern(`irish\s+blend(?:ed)?`)},
	{"japanese", textnorm.Pattern(`japanese`)},
	{"canadian", textnorm.Pattern(`canadian`)},
	{"single_grain", textnorm.Pattern(`single\s+grain`)},
}

var whiskeyRegionKeywords = []patternLabel{
	{"islay", textnorm.Pattern(`islay`)},
	{"speyside", textnorm.Pattern(`speyside`)},
	{"highland", textnorm.Pattern(`highlands?`)},
	{"lowland", textnorm.Pattern(`lowlands?`)},
	{"campbeltown", textnorm.Pattern(`campbeltown`)},
	{"islands", textnorm.Pattern(`islands?`)},
	{"ireland", textnorm.Pattern(`irish|ireland`)},
	{"kentucky", textnorm.Pattern(`kentucky`)},
	{"tennessee", textnorm.Pattern(`tennessee`)},
	{"japan", textnorm.Pattern(`japan(?:ese)?`)},
	{"canada", textnorm.Pattern(`canadian?`)},
}

var caskTypes = []patternLabel{
	{"sherry_cask", textnorm.Pattern(`(?:sherry|oloroso|pedro\s+xim[ée]nez|px)(?:\s*(?:cask|barrel|butt|finish|matured|aged))?`)},
	{"bourbon_cask", textnorm.Pattern(`(?:bourbon|american\s+oak)\s*(?:cask|barrel|finish|matured|aged)`)},
	{"port_cask", textnorm.Pattern(`(?:port|ruby|tawny)\s*(?:cask|pipe|finish|matured|aged)`)},
	{"wine_cask", textnorm.Pattern(`(?:wine|red\s+wine|white\s+wine|burgundy|bordeaux|sauternes|madeira|marsala)\s*(?:cask|barrel|barrique|finish|matured|aged)`)},
	{"rum_cask", textnorm.Pattern(`rum\s*(?:cask|barrel|finish|matured|aged)`)},
	{"virgin_oak", textnorm.Pattern(`virgin\s+oak`)},
	{"double_cask", textnorm.Pattern(`double\s*(?:cask|wood|matured)`)},
	{"triple_cask", textnorm.Pattern(`triple\s*(?:cask|wood|matured)`)},
	{"refill", textnorm.Pattern(`refill`)},
}

var independentBottlers = []string{
	"gordon & macphail", "signatory", "cadenhead", "berry bros",
	"douglas laing", "hunter laing", "adelphi", "blackadder",
	"murray mcdavid", "compass box", "wemyss", "scotch malt whisky society",
	"smws", "that boutique-y", "chieftain's", "duncan taylor",
}

var distilleryRegions = map[string]string{
	// Islay
	"ardbeg": "islay", "bowmore": "islay", "bruichladdich": "islay", "bunnahabhain": "islay",
	"caol ila": "islay", "kilchoman": "islay", "lagavulin": "islay", "laphroaig": "islay",
	"port charlotte": "islay", "octomore": "islay",
	// Speyside
	"aberlour": "speyside", "balvenie": "speyside", "benriach": "speyside", "cardhu": "speyside",
	"cragganmore": "speyside", "craigellachie": "speyside", "dufftown": "speyside",
	"glenfarclas": "speyside", "glenfiddich": "speyside", "glenlivet": "speyside",
	"glen grant": "speyside", "glen moray": "speyside", "glenrothes": "speyside",
	"glenallachie": "speyside", "knockando": "speyside", "macallan": "speyside",
	"mortlach": "speyside", "strathisla": "speyside", "tamdhu": "speyside", "tomintoul": "speyside",
	// Highland
	"aberfeldy": "highland", "ardmore": "highland", "balblair": "highland", "ben nevis": "highland",
	"clynelish": "highland", "dalmore": "highland", "dalwhinnie": "highland", "deanston": "highland",
	"edradour": "highland", "fettercairn": "highland", "glen garioch": "highland",
	"glengoyne": "highland", "glenmorangie": "highland", "oban": "highland",
	"old pulteney": "highland", "royal lochnagar": "highland", "tomatin": "highland",
	"tullibardine": "highland",
	// Lowland
	"auchentoshan": "lowland", "bladnoch": "lowland", "glenkinchie": "lowland", "kingsbarns": "lowland",
	// Campbeltown
	"glen scotia": "campbeltown", "kilkerran": "campbeltown", "springbank": "campbeltown",
	// Islands
	"arran": "islands", "highland park": "islands", "jura": "islands", "ledaig": "islands",
	"scapa": "islands", "talisker": "islands", "tobermory": "islands",
	// Ireland
	"bushmills": "ireland", "connemara": "ireland", "cooley": "ireland", "dingle": "ireland",
	"green spot": "ireland", "jameson": "ireland", "kilbeggan": "ireland", "midleton": "ireland",
	"powers": "ireland", "redbreast": "ireland", "teeling": "ireland", "tullamore": "ireland",
	"tyrconnell": "ireland", "yellow spot": "ireland", "writers tears": "ireland",
	"writer's tears": "ireland",
	// Kentucky and Tennessee
	"baker's": "kentucky", "basil hayden": "kentucky", "blantons": "kentucky",
	"blanton's": "kentucky", "booker's": "kentucky", "buffalo trace": "kentucky",
	"bulleit": "kentucky", "eagle rare": "kentucky", "elijah craig": "kentucky",
	"evan williams": "kentucky", "four roses": "kentucky", "heaven hill": "kentucky",
	"jim beam": "kentucky", "knob creek": "kentucky", "maker's mark": "kentucky",
	"makers mark": "kentucky", "michter's": "kentucky", "michters": "kentucky",
	"old forester": "kentucky", "old fitzgerald": "kentucky", "pappy van winkle": "kentucky",
	"rabbit hole": "kentucky", "russell's reserve": "kentucky", "wild turkey": "kentucky",
	"weller": "kentucky", "woodford reserve": "kentucky", "rittenhouse": "kentucky",
	"sazerac":       "kentucky",
	"jack daniel's": "tennessee", "jack daniels": "tennessee", "george dickel": "tennessee",
	"uncle nearest": "tennessee",
	// Other American
	"whistlepig": "american_other", "high west": "american_other", "templeton": "american_other",
	// Japan
	"hakushu": "japan", "hibiki": "japan", "nikka": "japan", "yamazaki": "japan",
	"yoichi": "japan", "miyagikyo": "japan", "chichibu": "japan", "mars shinshu": "japan",
	"togouchi": "japan", "akashi": "japan",
	// Canada
	"crown royal": "canada", "lot 40": "canada", "canadian club": "canada",
	"pike creek": "canada", "forty creek": "canada",
}

// distilleryNames is sorted longest first so "highland park" wins over any
// shorter name it contains.
var distilleryNames = func() []string {
	names := make([]string, 0, len(distilleryRegions))
	for name := range distilleryRegions {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	return names
}()

var (
	whiskeyAge     = regexp.MustCompile(`\b(\d{1,2})\s*(?:yo|y\.o\.|years?\s*old|yr)\b`)
	bareAge        = regexp.MustCompile(`\b(\d{1,2})\b`)
	whiskeyABV     = regexp.MustCompile(`\b(\d{2,3}(?:[.,]\d{1,2})?)\s*%?\s*(?:abv|vol|alc)\b`)
	bottledBy      = textnorm.Pattern(`bottled\s+by`)
	limitedEdition = textnorm.Pattern(`limited\s+edition|special\s+release|cask\s+strength|single\s+cask|small\s+batch|hand\s+picked|distillery\s+exclusive|allocated`)
	ryeWord        = textnorm.Pattern(`rye`)
	bourbonWord    = textnorm.Pattern(`bourbon`)
	singleWord     = textnorm.Pattern(`single`)
)

// WhiskeyParser extracts distillery, region, style, cask, bottler, age and
// strength from a whiskey line.
type WhiskeyParser struct{}

// NewWhiskeyParser returns the default whiskey parser.
func NewWhiskeyParser() *WhiskeyParser { return &WhiskeyParser{} }

// Parse implements FieldParser.
func (WhiskeyParser) Parse(item model.MenuItem) (model.Fields, float64) {
	text := lineText(item)
	fields := model.Fields{}

	distillery := textnorm.FirstWord(text, distilleryNames)
	if distillery != "" {
		fields[model.FieldDistillery] = textnorm.Title(distillery)
	}

	region := detectWhiskeyRegion(text, distillery)
	if region != "" {
		fields[model.FieldWhiskeyRegion] = region
	}

	wtype := detectWhiskeyType(text, region)
	if wtype != "" {
		fields[model.FieldWhiskeyType] = wtype
	}

	cask := firstLabel(caskTypes, text)
	if cask != "" {
		fields[model.FieldCaskType] = cask
	}

	fields[model.FieldBottler] = detectBottler(text)
	if limitedEdition.MatchString(text) {
		fields[model.FieldLimitedEdition] = true
	}

	age, hasAge := detectAge(text, distillery)
	if hasAge {
		fields[model.FieldAgeYears] = age
	}

	abv, hasABV := detectWhiskeyABV(text, item.ABV)
	if hasABV {
		fields[model.FieldABV] = abv
	}

	conf := score(0.15,
		when(distillery != "", 0.25),
		when(region != "", 0.15),
		when(wtype != "", 0.15),
		when(cask != "", 0.1),
		when(hasAge, 0.1),
		when(hasABV, 0.1),
	)
	return fields, conf
}

func detectWhiskeyRegion(text, distillery string) string {
	if r, ok := distilleryRegions[distillery]; ok {
		return r
	}
	return firstLabel(whiskeyRegionKeywords, text)
}

func detectWhiskeyType(text, region string) string {
	if t := firstLabel(whiskeyTypes, text); t != "" {
		return t
	}
	switch region {
	case "kentucky":
		if bourbonWord.MatchString(text) || !ryeWord.MatchString(text) {
			return "bourbon"
		}
	case "tennessee":
		return "tennessee"
	case "ireland":
		if !singleWord.MatchString(text) {
			return "irish_blended"
		}
	case "japan":
		return "japanese"
	case "canada":
		return "canadian"
	}
	return ""
}

func detectBottler(text string) string {
	for _, ib := range independentBottlers {
		if strings.Contains(text, ib) {
			return "IB"
		}
	}
	if bottledBy.MatchString(text) {
		return "IB"
	}
	return "OB"
}

// detectAge reads an explicit age statement, falling back to a bare number
// right after the distillery name as in "Macallan 18".
func detectAge(text, distillery string) (int, bool) {
	if m := whiskeyAge.FindStringSubmatch(text); m != nil {
		age, err := strconv.Atoi(m[1])
		return age, err == nil
	}
	if distillery == "" {
		return 0, false
	}
	_, after, found := strings.Cut(text, distillery)
	if !found {
		return 0, false
	}
	m := bareAge.FindStringSubmatch(after)
	if m == nil {
		return 0, false
	}
	age, err := strconv.Atoi(m[1])
	if err != nil || age < 3 || age > 50 {
		return 0, false
	}
	return age, true
}

func detectWhiskeyABV(text string, structured *float64) (float64, bool) {
	if m := whiskeyABV.FindStringSubmatch(text); m != nil {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
		if err == nil {
			return v, true
		}
	}
	if structured != nil {
		return *structured, true
	}
	return 0, false
}
