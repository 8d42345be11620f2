package parser

import (
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/sells-group/sommelier/internal/model"
	"github.com/sells-group/sommelier/internal/textnorm"
)

var redGrapes = []string{
	"cabernet sauvignon", "merlot", "pinot noir", "syrah", "shiraz", "malbec", "tempranillo",
	"sangiovese", "nebbiolo", "grenache", "garnacha", "mourvèdre", "monastrell", "barbera",
	"primitivo", "zinfandel", "pinotage", "carmenere", "gamay", "petit verdot",
	"nero d'avola", "aglianico", "montepulciano", "corvina", "tannat", "touriga nacional",
}

var whiteGrapes = []string{
	"chardonnay", "sauvignon blanc", "riesling", "pinot grigio", "pinot gris",
	"gewürztraminer", "viognier", "chenin blanc", "semillon", "muscadet",
	"albariño", "verdejo", "grüner veltliner", "torrontés", "vermentino",
	"trebbiano", "garganega", "fiano", "greco", "cortese", "arneis", "pecorino",
	"marsanne", "roussanne", "müller-thurgau", "silvaner", "furmint",
}

var roseGrapes = []string{
	"grenache", "garnacha", "cinsault", "mourvèdre", "syrah", "pinot noir", "tempranillo",
}

var allGrapes = uniq(redGrapes, whiteGrapes, roseGrapes)

var appellations = uniq([]string{
	// France
	"bordeaux", "bourgogne", "burgundy", "champagne", "alsace", "loire", "rhône", "rhone",
	"beaujolais", "languedoc", "provence", "côtes du rhône", "cotes du rhone",
	"saint-émilion", "saint-julien", "pauillac", "margaux", "médoc", "haut-médoc",
	"pomerol", "sauternes", "chablis", "meursault", "puligny-montrachet",
	"chassagne-montrachet", "gevrey-chambertin", "nuits-saint-georges",
	"côte de beaune", "côte de nuits", "pouilly-fuissé", "pouilly-fumé",
	"sancerre", "vouvray", "muscadet", "chinon", "côtes de provence",
	"châteauneuf-du-pape", "hermitage", "côte-rôtie", "gigondas",
	"crozes-hermitage", "condrieu", "minervois", "corbières",
}, []string{
	// Italy
	"chianti", "barolo", "barbaresco", "brunello di montalcino", "valpolicella",
	"amarone", "soave", "prosecco", "franciacorta", "asti", "lambrusco", "verdicchio",
	"montepulciano d'abruzzo", "primitivo di manduria", "nero d'avola",
	"etna", "sicilia", "toscana", "piemonte", "veneto", "trentino", "alto adige",
	"friuli", "collio", "bolgheri", "maremma", "montalcino", "langhe", "roero",
	"gavi", "gattinara", "ghemme", "lugana", "ribolla gialla",
}, []string{
	// Spain
	"rioja", "ribera del duero", "priorat", "penedès", "rueda", "rías baixas",
	"rias baixas", "navarra", "jumilla", "toro", "cava", "jerez", "sherry",
	"valdepeñas", "la mancha", "somontano", "campo de borja",
}, []string{
	// Elsewhere
	"napa valley", "sonoma", "willamette valley", "barossa valley",
	"margaret river", "marlborough", "hawke's bay", "stellenbosch",
	"mendoza", "mâcon", "douro", "vinho verde", "porto", "port",
	"mosel", "rheingau", "pfalz", "tokaj", "wachau", "kamptal",
})

type label struct{ pattern, name string }

// Longer patterns first so "docg" is not read as "doc".
var wineClassifications = []label{
	{"docg", "DOCG"}, {"d.o.c.g.", "DOCG"}, {"doc", "DOC"}, {"d.o.c.", "DOC"},
	{"dop", "DOP"}, {"igt", "IGT"}, {"aoc", "AOC"}, {"aop", "AOP"},
	{"grand cru", "Grand Cru"}, {"premier cru", "Premier Cru"}, {"1er cru", "Premier Cru"},
	{"gran reserva", "Gran Reserva"}, {"reserva", "Reserva"}, {"riserva", "Riserva"},
	{"crianza", "Crianza"}, {"classico", "Classico"}, {"superiore", "Superiore"},
	{"spätlese", "Spätlese"}, {"auslese", "Auslese"}, {"kabinett", "Kabinett"},
}

type patternLabel struct {
	name string
	re   *regexp.Regexp
}

var serveTypes = []patternLabel{
	{"glass", textnorm.Pattern(`glass|bicchiere|verre|copa|glas`)},
	{"bottle", textnorm.Pattern(`bottle|bottiglia|bouteille|botella|flasche|75\s*cl|750\s*ml`)},
	{"carafe", textnorm.Pattern(`carafe|caraffa|jarra|half\s*bottle|37\.?5\s*cl|375\s*ml`)},
	{"magnum", textnorm.Pattern(`magnum|1\.?5\s*l|150\s*cl`)},
}

var wineColors = []patternLabel{
	{"red", textnorm.Pattern(`red|rosso|rouge|tinto|rotwein`)},
	{"white", textnorm.Pattern(`white|bianco|blanc|blanco|weißwein|weisswein`)},
	{"rosé", textnorm.Pattern(`ros[ée]|rosato|rosado`)},
	{"sparkling", textnorm.Pattern(`sparkling|spumante|mousseux|espumoso|sekt|brut|prosecco|champagne|cava|crémant|franciacorta`)},
	{"dessert", textnorm.Pattern(`dessert|sweet\s+wine|passito|vin\s+santo|moscato\s+d'asti|sauternes|tokaji|ice\s+wine|eiswein|late\s+harvest`)},
	{"fortified", textnorm.Pattern(`port|porto|sherry|jerez|madeira|marsala|vermouth`)},
}

var (
	wineVintage   = regexp.MustCompile(`\b(19[6-9]\d|20[0-2]\d)\b`)
	producerTrim  = regexp.MustCompile(`^[\s,\-–]+|[\s,\-–]+$`)
	collapseSpace = regexp.MustCompile(`\s{2,}`)
)

// WineParser extracts grape, appellation, classification, colour, serve
// type, producer and vintage from a wine line.
type WineParser struct{}

// NewWineParser returns the default wine parser.
func NewWineParser() *WineParser { return &WineParser{} }

// Parse implements FieldParser.
func (WineParser) Parse(item model.MenuItem) (model.Fields, float64) {
	text := lineText(item)
	fields := model.Fields{}

	grapes := detectGrapes(text)
	if len(grapes) > 0 {
		titled := make([]string, len(grapes))
		for i, g := range grapes {
			titled[i] = textnorm.Title(g)
		}
		fields[model.FieldGrapeVariety] = titled
	}

	appellation := textnorm.FirstWord(text, appellations)
	if appellation != "" {
		fields[model.FieldAppellation] = textnorm.Title(appellation)
	}

	if c := detectClassification(text); c != "" {
		fields[model.FieldClassification] = c
	}

	color := detectColor(text, textnorm.Normalize(item.SectionName))
	if color == "" && len(grapes) > 0 {
		color = colorFromGrape(grapes[0])
	}
	if color != "" {
		fields[model.FieldWineColor] = color
	}

	if serve := firstLabel(serveTypes, text); serve != "" {
		fields[model.FieldServeType] = serve
	}

	if producer := extractProducer(item.Name, grapes, appellation); producer != "" {
		fields[model.FieldProducer] = producer
	}

	if m := wineVintage.FindStringSubmatch(text); m != nil {
		year, _ := strconv.Atoi(m[1])
		fields[model.FieldVintageYear] = year
	}

	conf := score(0.3,
		when(len(grapes) > 0, 0.15),
		when(appellation != "", 0.15),
		when(fields[model.FieldClassification] != nil, 0.1),
		when(color != "", 0.1),
		when(fields[model.FieldVintageYear] != nil, 0.1),
		when(fields[model.FieldServeType] != nil, 0.05),
		when(fields[model.FieldProducer] != nil, 0.05),
	)
	return fields, conf
}

func detectGrapes(text string) []string {
	var found []string
	for _, g := range allGrapes {
		if textnorm.ContainsWord(text, g) {
			found = append(found, g)
			if len(found) == 3 {
				break
			}
		}
	}
	return found
}

func detectClassification(text string) string {
	for _, c := range wineClassifications {
		if textnorm.ContainsWord(text, c.pattern) {
			return c.name
		}
	}
	return ""
}

// The section name wins over item text, e.g. "Red Wines".
func detectColor(text, section string) string {
	if c := firstLabel(wineColors, section); c != "" {
		return c
	}
	return firstLabel(wineColors, text)
}

func firstLabel(labels []patternLabel, text string) string {
	if text == "" {
		return ""
	}
	for _, l := range labels {
		if l.re.MatchString(text) {
			return l.name
		}
	}
	return ""
}

func colorFromGrape(grape string) string {
	red, white := slices.Contains(redGrapes, grape), slices.Contains(whiteGrapes, grape)
	switch {
	case red && !white:
		return "red"
	case white && !red:
		return "white"
	}
	return ""
}

// extractProducer treats whatever is left of the item name after removing
// grapes, appellation and vintage as the producer.
func extractProducer(name string, grapes []string, appellation string) string {
	producer := textnorm.NFC(name)
	strip := append([]string{}, grapes...)
	if appellation != "" {
		strip = append(strip, appellation)
	}
	for _, token := range strip {
		re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(token))
		producer = re.ReplaceAllString(producer, "")
	}
	producer = wineVintage.ReplaceAllString(producer, "")
	producer = collapseSpace.ReplaceAllString(producer, " ")
	producer = strings.TrimSpace(producerTrim.ReplaceAllString(producer, ""))
	if len([]rune(producer)) <= 2 {
		return ""
	}
	return producer
}

func uniq(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range lists {
		for _, v := range l {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}
