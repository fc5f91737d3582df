package detect

import (
	"regexp"
	"strings"

	"provis/internal/types"
)

// externalDetector finds third-party service integrations: known SDK
// imports, service-wrapper class names and secret-looking env reads.
type externalDetector struct{}

func (d *externalDetector) Name() string { return "external" }

// knownSDKs maps service name to the packages that identify it, across
// both package ecosystems.
var knownSDKs = map[string][]string{
	"stripe":        {"stripe"},
	"aws":           {"aws-sdk", "@aws-sdk", "boto3"},
	"sendgrid":      {"@sendgrid/mail", "sendgrid"},
	"twilio":        {"twilio"},
	"firebase":      {"firebase", "firebase-admin", "firebase_admin"},
	"mongodb":       {"mongodb", "mongoose", "pymongo"},
	"redis":         {"redis", "ioredis"},
	"elasticsearch": {"@elastic/elasticsearch", "elasticsearch"},
	"postgres":      {"pg", "postgres", "psycopg2", "asyncpg"},
	"mysql":         {"mysql2", "pymysql"},
}

// envStoplist holds variables that name infrastructure, not secrets.
var envStoplist = map[string]bool{
	"node_env": true, "port": true, "host": true, "path": true,
}

var (
	reServiceClass = regexp.MustCompile(`class\s+(\w*Service\w*)\s*[({:]`)
	reProcessEnv   = regexp.MustCompile(`process\.env\.(\w+)`)
	reOsEnviron    = regexp.MustCompile(`os\.environ(?:\.get\s*\(\s*|\[\s*)['"](\w+)['"]`)
	reOsGetenv     = regexp.MustCompile(`os\.getenv\s*\(\s*['"](\w+)['"]`)
)

func (d *externalDetector) Detect(in Input) (Result, error) {
	var externals []types.ExternalItem
	externals = append(externals, d.knownSDKImports(in)...)
	externals = append(externals, d.serviceClasses(in)...)
	externals = append(externals, d.envReads(in)...)
	if len(externals) == 0 {
		return Result{}, nil
	}
	hyp := false
	for _, e := range externals {
		hyp = hyp || e.Hypothesis
	}
	res := Result{Externals: externals, Hypothesis: hyp}
	if hyp {
		res.ReasonCode = types.ReasonPatternFallback
	}
	return res, nil
}

func (d *externalDetector) knownSDKImports(in Input) []types.ExternalItem {
	if in.Parsed == nil {
		return nil
	}
	var externals []types.ExternalItem
	for _, imp := range in.Parsed.Imports {
		service, pkg, ok := lookupSDK(imp.Raw)
		if !ok {
			continue
		}
		externals = append(externals, types.ExternalItem{
			Name:       service,
			Kind:       "sdk",
			Package:    pkg,
			Confidence: confStructural,
			Evidence:   []types.EvidenceSpan{span(in.Path, imp.Line, imp.End)},
		})
	}
	return externals
}

func lookupSDK(raw string) (service, pkg string, ok bool) {
	for service, packages := range knownSDKs {
		for _, pkg := range packages {
			if raw == pkg || strings.HasPrefix(raw, pkg+"/") || strings.HasPrefix(raw, pkg+".") {
				return service, pkg, true
			}
		}
	}
	return "", "", false
}

// serviceClasses flags *Service wrappers. Naming alone proves little, so
// these stay hypotheses at half confidence.
func (d *externalDetector) serviceClasses(in Input) []types.ExternalItem {
	var externals []types.ExternalItem
	if in.Parsed != nil {
		for _, cls := range in.Parsed.Classes {
			if !strings.Contains(cls.Name, "Service") {
				continue
			}
			externals = append(externals, types.ExternalItem{
				Name:       cls.Name,
				Kind:       "custom",
				Package:    "unknown",
				Confidence: 0.5,
				Hypothesis: true,
				ReasonCode: types.ReasonPatternFallback,
				Evidence:   []types.EvidenceSpan{span(in.Path, cls.Line, cls.End)},
			})
		}
		return externals
	}
	for _, m := range reServiceClass.FindAllSubmatchIndex(in.Content, -1) {
		ln := lineOf(in.Content, m[0])
		externals = append(externals, types.ExternalItem{
			Name:       string(in.Content[m[2]:m[3]]),
			Kind:       "custom",
			Package:    "unknown",
			Confidence: 0.5,
			Hypothesis: true,
			ReasonCode: types.ReasonPatternFallback,
			Evidence:   []types.EvidenceSpan{span(in.Path, ln, ln)},
		})
	}
	return externals
}

func (d *externalDetector) envReads(in Input) []types.ExternalItem {
	seen := map[string]bool{}
	var externals []types.ExternalItem
	record := func(key, source string, offset int) {
		if envStoplist[strings.ToLower(key)] || seen[key] {
			return
		}
		seen[key] = true
		ln := lineOf(in.Content, offset)
		externals = append(externals, types.ExternalItem{
			Name:       key,
			Kind:       "env",
			Package:    source,
			Confidence: confFallback,
			Hypothesis: true,
			ReasonCode: types.ReasonPatternFallback,
			Evidence:   []types.EvidenceSpan{span(in.Path, ln, ln)},
		})
	}
	for _, m := range reProcessEnv.FindAllSubmatchIndex(in.Content, -1) {
		record(string(in.Content[m[2]:m[3]]), "process.env", m[0])
	}
	for _, m := range reOsEnviron.FindAllSubmatchIndex(in.Content, -1) {
		record(string(in.Content[m[2]:m[3]]), "os.environ", m[0])
	}
	for _, m := range reOsGetenv.FindAllSubmatchIndex(in.Content, -1) {
		record(string(in.Content[m[2]:m[3]]), "os.getenv", m[0])
	}
	return externals
}
