package detect

import (
	"regexp"
	"strings"

	"provis/internal/types"
)

// storeDetector finds declarative data models and raw SQL usage across
// Prisma schemas, ORM classes and plain query strings.
type storeDetector struct{}

func (d *storeDetector) Name() string { return "store" }

var (
	rePrismaModel  = regexp.MustCompile(`(?m)^model\s+(\w+)\s*\{`)
	reTypeORMModel = regexp.MustCompile(`@Entity\s*\(\s*[^)]*\)\s*(?:export\s+)?class\s+(\w+)`)
	reSequelize    = regexp.MustCompile(`sequelize\.define\s*\(\s*['"]([^'"]+)['"]`)
	reRawSQL       = []*regexp.Regexp{
		regexp.MustCompile(`(?i)CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?(\w+)`),
		regexp.MustCompile(`(?i)INSERT\s+INTO\s+(\w+)`),
		regexp.MustCompile(`(?i)UPDATE\s+(\w+)\s+SET`),
		regexp.MustCompile(`(?i)DELETE\s+FROM\s+(\w+)`),
		regexp.MustCompile(`(?i)SELECT\s+[^;]*?\s+FROM\s+(\w+)`),
	}
)

func (d *storeDetector) Detect(in Input) (Result, error) {
	var stores []types.StoreItem

	if strings.HasSuffix(in.Path, ".prisma") {
		stores = append(stores, matchStores(in, rePrismaModel, "prisma", 0.95)...)
	}

	switch {
	case isScriptLang(in.Language):
		stores = append(stores, matchStores(in, reTypeORMModel, "typeorm", confStructural)...)
		stores = append(stores, matchStores(in, reSequelize, "sequelize", confStructural)...)
	case in.Language == "python" && in.Parsed != nil:
		stores = append(stores, d.pythonModels(in)...)
	}

	if len(stores) == 0 {
		stores = d.rawSQL(in)
	}
	if len(stores) == 0 {
		return Result{}, nil
	}
	hyp := false
	for _, s := range stores {
		hyp = hyp || s.Hypothesis
	}
	res := Result{Stores: stores, Hypothesis: hyp}
	if hyp {
		res.ReasonCode = types.ReasonPatternFallback
	}
	return res, nil
}

func matchStores(in Input, re *regexp.Regexp, kind string, conf float64) []types.StoreItem {
	var stores []types.StoreItem
	for _, m := range re.FindAllSubmatchIndex(in.Content, -1) {
		ln := lineOf(in.Content, m[0])
		stores = append(stores, types.StoreItem{
			Name:       string(in.Content[m[2]:m[3]]),
			Kind:       kind,
			Confidence: conf,
			Evidence:   []types.EvidenceSpan{span(in.Path, ln, ln)},
		})
	}
	return stores
}

func (d *storeDetector) pythonModels(in Input) []types.StoreItem {
	var stores []types.StoreItem
	for _, cls := range in.Parsed.Classes {
		kind := ""
		for _, base := range cls.Bases {
			switch {
			case base == "Base" || strings.HasSuffix(base, "DeclarativeBase"):
				kind = "sqlalchemy"
			case base == "models.Model" || strings.HasSuffix(base, ".Model"):
				kind = "django"
			}
		}
		if kind == "" {
			continue
		}
		stores = append(stores, types.StoreItem{
			Name:       cls.Name,
			Kind:       kind,
			Confidence: confStructural,
			Evidence:   []types.EvidenceSpan{span(in.Path, cls.Line, cls.End)},
		})
	}
	return stores
}

// rawSQL scans string content for statement shapes. The matches are
// coarse, so they stay hypotheses.
func (d *storeDetector) rawSQL(in Input) []types.StoreItem {
	if !isScriptLang(in.Language) && in.Language != "python" {
		return nil
	}
	seen := map[string]bool{}
	var stores []types.StoreItem
	for _, re := range reRawSQL {
		for _, m := range re.FindAllSubmatchIndex(in.Content, -1) {
			table := string(in.Content[m[2]:m[3]])
			if seen[table] {
				continue
			}
			seen[table] = true
			ln := lineOf(in.Content, m[0])
			stores = append(stores, types.StoreItem{
				Name:       table,
				Kind:       "sql",
				Confidence: confFallback,
				Hypothesis: true,
				ReasonCode: types.ReasonPatternFallback,
				Evidence:   []types.EvidenceSpan{span(in.Path, ln, ln)},
			})
		}
	}
	return stores
}
