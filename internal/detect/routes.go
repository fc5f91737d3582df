package detect

import (
	"path"
	"regexp"
	"strings"

	"provis/internal/types"
)

var httpMethods = map[string]bool{
	"get": true, "post": true, "put": true, "delete": true,
	"patch": true, "options": true, "head": true,
}

func isScriptLang(lang string) bool {
	switch lang {
	case "javascript", "jsx", "typescript", "tsx":
		return true
	}
	return false
}

// nextJSDetector derives routes from Next.js file conventions: app router
// directories, pages router files and api handlers.
type nextJSDetector struct{}

func (d *nextJSDetector) Name() string { return "nextjs" }

func (d *nextJSDetector) Detect(in Input) (Result, error) {
	if !isScriptLang(in.Language) {
		return Result{}, nil
	}
	parts := strings.Split(in.Path, "/")
	var routes []types.RouteItem

	if idx := indexOf(parts, "app"); idx >= 0 && isRouteFile(parts[len(parts)-1], "page", "route") {
		routes = append(routes, d.appRoutes(in, parts[idx+1:])...)
	} else if idx := indexOf(parts, "pages"); idx >= 0 {
		routes = append(routes, d.pagesRoutes(in, parts[idx+1:])...)
	}
	if routes == nil {
		return Result{}, nil
	}
	return Result{Routes: routes}, nil
}

func (d *nextJSDetector) appRoutes(in Input, parts []string) []types.RouteItem {
	routePath := joinRouteParts(parts, "page", "route")
	isAPI := strings.HasSuffix(strings.TrimSuffix(in.Path, path.Ext(in.Path)), "route") ||
		indexOf(parts, "api") >= 0
	methods := []string{"GET"}
	if isAPI {
		methods = exportedHTTPMethods(in.Content)
	}
	routes := make([]types.RouteItem, 0, len(methods))
	for _, m := range methods {
		routes = append(routes, types.RouteItem{
			Method:     m,
			Path:       routePath,
			Handler:    "page",
			Confidence: confStructural,
			Evidence:   []types.EvidenceSpan{span(in.Path, 1, 1)},
		})
	}
	return routes
}

func (d *nextJSDetector) pagesRoutes(in Input, parts []string) []types.RouteItem {
	routePath := joinRouteParts(parts, "index")
	if indexOf(parts, "api") >= 0 {
		methods := exportedHTTPMethods(in.Content)
		routes := make([]types.RouteItem, 0, len(methods))
		for _, m := range methods {
			routes = append(routes, types.RouteItem{
				Method:     m,
				Path:       routePath,
				Handler:    "handler",
				Confidence: confStructural,
				Evidence:   []types.EvidenceSpan{span(in.Path, 1, 1)},
			})
		}
		return routes
	}
	return []types.RouteItem{{
		Method:     "GET",
		Path:       routePath,
		Handler:    "page",
		Confidence: confStructural,
		Evidence:   []types.EvidenceSpan{span(in.Path, 1, 1)},
	}}
}

func isRouteFile(base string, stems ...string) bool {
	stem := strings.TrimSuffix(base, path.Ext(base))
	for _, s := range stems {
		if stem == s {
			return true
		}
	}
	return false
}

// joinRouteParts builds "/a/[id]/b" from path segments, dropping the
// framework filenames given in skip.
func joinRouteParts(parts []string, skip ...string) string {
	var out []string
	for i, part := range parts {
		if i == len(parts)-1 {
			part = strings.TrimSuffix(part, path.Ext(part))
		}
		skipped := false
		for _, s := range skip {
			if part == s {
				skipped = true
			}
		}
		if skipped {
			continue
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		return "/"
	}
	return "/" + strings.Join(out, "/")
}

var (
	reExportMethod = regexp.MustCompile(`(?i)export\s+(?:async\s+)?function\s+(GET|POST|PUT|DELETE|PATCH|OPTIONS|HEAD)\b`)
	reConstMethod  = regexp.MustCompile(`(?i)(?:const|let|var)\s+(GET|POST|PUT|DELETE|PATCH|OPTIONS|HEAD)\s*=`)
)

func exportedHTTPMethods(content []byte) []string {
	seen := map[string]bool{}
	var out []string
	for _, re := range []*regexp.Regexp{reExportMethod, reConstMethod} {
		for _, m := range re.FindAllSubmatch(content, -1) {
			method := strings.ToUpper(string(m[1]))
			if !seen[method] {
				seen[method] = true
				out = append(out, method)
			}
		}
	}
	if len(out) == 0 {
		return []string{"GET"}
	}
	return out
}

// expressDetector finds server routes registered on app/router objects.
// Structural matches come from the parsed call list; a lexical tier takes
// over when parsing was unavailable, and a last-resort string-literal scan
// produces re-ranked hypotheses.
type expressDetector struct {
	reranker *Reranker
}

func (d *expressDetector) Name() string { return "express" }

var (
	reAppRoute     = regexp.MustCompile(`(?i)(?:app|express|router)\.(get|post|put|delete|patch|options|head)\s*\(\s*['"]([^'"]+)['"]`)
	reChainedRoute = regexp.MustCompile(`(?i)(?:app|router)\.route\s*\(\s*['"]([^'"]+)['"]\s*\)\.(get|post|put|delete|patch|options|head)`)
	reVerbLiteral  = regexp.MustCompile(`(?i)\b(GET|POST|PUT|DELETE|PATCH|OPTIONS|HEAD)\b\s*[:\s]*['"](/[^'"]*)['"]`)
	reRouteInQual  = regexp.MustCompile(`\.route\s*\(\s*['"]([^'"]+)['"]`)
)

func (d *expressDetector) Detect(in Input) (Result, error) {
	if !isScriptLang(in.Language) {
		return Result{}, nil
	}
	routes := d.structural(in)
	if len(routes) == 0 {
		routes = d.lexical(in)
	}
	if len(routes) == 0 {
		routes = d.stringLiteralScan(in)
		if len(routes) > 0 && d.reranker != nil {
			routes = d.reranker.RerankRoutes(routes, in.Content)
		}
	}
	if len(routes) == 0 {
		return Result{}, nil
	}
	hyp := false
	for _, r := range routes {
		hyp = hyp || r.Hypothesis
	}
	res := Result{Routes: routes, Hypothesis: hyp}
	if hyp {
		res.ReasonCode = types.ReasonPatternFallback
	}
	return res, nil
}

func (d *expressDetector) structural(in Input) []types.RouteItem {
	if in.Parsed == nil {
		return nil
	}
	var routes []types.RouteItem
	for _, call := range in.Parsed.Calls {
		if !httpMethods[strings.ToLower(call.Name)] {
			continue
		}
		var routePath string
		switch {
		case isRouterQualifier(call.Qualifier) && len(call.StringArgs) > 0 && strings.HasPrefix(call.StringArgs[0], "/"):
			routePath = call.StringArgs[0]
		case strings.Contains(call.Qualifier, ".route"):
			// Chained builder: app.route("/x").get(handler).
			if m := reRouteInQual.FindStringSubmatch(call.Qualifier); m != nil {
				routePath = m[1]
			}
		}
		if routePath == "" {
			continue
		}
		item := types.RouteItem{
			Method:     strings.ToUpper(call.Name),
			Path:       routePath,
			Handler:    "handler",
			Confidence: confStructural,
			Evidence:   []types.EvidenceSpan{span(in.Path, call.Line, call.End)},
		}
		if n := len(call.IdentArgs); n > 0 {
			item.Handler = call.IdentArgs[n-1]
			item.Middlewares = call.IdentArgs[:n-1]
		}
		routes = append(routes, item)
	}
	return routes
}

func isRouterQualifier(q string) bool {
	lq := strings.ToLower(q)
	return lq == "app" || lq == "router" || lq == "express" || strings.HasSuffix(lq, "router")
}

func (d *expressDetector) lexical(in Input) []types.RouteItem {
	var routes []types.RouteItem
	for _, m := range reAppRoute.FindAllSubmatchIndex(in.Content, -1) {
		method := strings.ToUpper(string(in.Content[m[2]:m[3]]))
		routePath := string(in.Content[m[4]:m[5]])
		ln := lineOf(in.Content, m[0])
		routes = append(routes, types.RouteItem{
			Method:     method,
			Path:       routePath,
			Handler:    "handler",
			Confidence: confStructural,
			Evidence:   []types.EvidenceSpan{span(in.Path, ln, ln)},
		})
	}
	for _, m := range reChainedRoute.FindAllSubmatchIndex(in.Content, -1) {
		routePath := string(in.Content[m[2]:m[3]])
		method := strings.ToUpper(string(in.Content[m[4]:m[5]]))
		ln := lineOf(in.Content, m[0])
		routes = append(routes, types.RouteItem{
			Method:     method,
			Path:       routePath,
			Handler:    "handler",
			Confidence: confStructural,
			Evidence:   []types.EvidenceSpan{span(in.Path, ln, ln)},
		})
	}
	return routes
}

func (d *expressDetector) stringLiteralScan(in Input) []types.RouteItem {
	var routes []types.RouteItem
	for _, m := range reVerbLiteral.FindAllSubmatchIndex(in.Content, -1) {
		method := strings.ToUpper(string(in.Content[m[2]:m[3]]))
		routePath := string(in.Content[m[4]:m[5]])
		ln := lineOf(in.Content, m[0])
		routes = append(routes, types.RouteItem{
			Method:     method,
			Path:       routePath,
			Handler:    "unknown",
			Confidence: confFallback,
			Hypothesis: true,
			ReasonCode: types.ReasonPatternFallback,
			Evidence:   []types.EvidenceSpan{span(in.Path, ln, ln)},
		})
	}
	return routes
}

// reactRouterDetector finds client-side route tables.
type reactRouterDetector struct{}

func (d *reactRouterDetector) Name() string { return "react_router" }

var (
	reRouteObject = regexp.MustCompile(`{\s*path:\s*['"]([^'"]+)['"]\s*,\s*element:`)
	reRouteJSX    = regexp.MustCompile(`<Route\s+[^>]*path=['"]([^'"]+)['"]`)
)

func (d *reactRouterDetector) Detect(in Input) (Result, error) {
	if !isScriptLang(in.Language) {
		return Result{}, nil
	}
	var routes []types.RouteItem
	for _, re := range []*regexp.Regexp{reRouteObject, reRouteJSX} {
		for _, m := range re.FindAllSubmatchIndex(in.Content, -1) {
			ln := lineOf(in.Content, m[0])
			routes = append(routes, types.RouteItem{
				Method:     "GET",
				Path:       string(in.Content[m[2]:m[3]]),
				Handler:    "component",
				Confidence: 0.8,
				Evidence:   []types.EvidenceSpan{span(in.Path, ln, ln)},
			})
		}
	}
	if len(routes) == 0 {
		return Result{}, nil
	}
	return Result{Routes: routes}, nil
}

// pythonRouteDetector covers decorator routing (FastAPI, Flask), Django
// URL tables and class-based views.
type pythonRouteDetector struct{}

func (d *pythonRouteDetector) Name() string { return "python_routes" }

var (
	rePyDecorator = regexp.MustCompile(`(?m)^\s*@\w+\.(get|post|put|delete|patch|route)\s*\(\s*['"]([^'"]+)['"]`)
	reViewClass   = regexp.MustCompile(`(?m)^class\s+(\w+View)\s*\(`)
)

func (d *pythonRouteDetector) Detect(in Input) (Result, error) {
	if in.Language != "python" {
		return Result{}, nil
	}
	var routes []types.RouteItem
	if in.Parsed != nil {
		routes = d.structural(in)
	}
	if len(routes) == 0 {
		routes = d.lexical(in)
	}
	if len(routes) == 0 {
		return Result{}, nil
	}
	hyp := false
	for _, r := range routes {
		hyp = hyp || r.Hypothesis
	}
	res := Result{Routes: routes, Hypothesis: hyp}
	if hyp {
		res.ReasonCode = types.ReasonPatternFallback
	}
	return res, nil
}

func (d *pythonRouteDetector) structural(in Input) []types.RouteItem {
	var routes []types.RouteItem
	for _, dec := range in.Parsed.Decorators {
		i := strings.LastIndex(dec.Name, ".")
		if i < 0 || len(dec.StringArgs) == 0 {
			continue
		}
		verb := dec.Name[i+1:]
		switch {
		case httpMethods[verb]:
			// FastAPI style: @app.get("/users").
			routes = append(routes, types.RouteItem{
				Method:     strings.ToUpper(verb),
				Path:       dec.StringArgs[0],
				Handler:    dec.Target,
				Confidence: 0.95,
				Evidence:   []types.EvidenceSpan{span(in.Path, dec.Line, dec.End)},
			})
		case verb == "route":
			// Flask style: @app.route("/users") defaults to GET.
			routes = append(routes, types.RouteItem{
				Method:     "GET",
				Path:       dec.StringArgs[0],
				Handler:    dec.Target,
				Confidence: confStructural,
				Evidence:   []types.EvidenceSpan{span(in.Path, dec.Line, dec.End)},
			})
		}
	}
	for _, call := range in.Parsed.Calls {
		switch {
		case (call.Name == "path" || call.Name == "url" || call.Name == "re_path") && call.Qualifier == "" && len(call.StringArgs) > 0:
			item := types.RouteItem{
				Method:     "GET",
				Path:       "/" + strings.TrimPrefix(call.StringArgs[0], "/"),
				Handler:    "view",
				Confidence: confStructural,
				Evidence:   []types.EvidenceSpan{span(in.Path, call.Line, call.End)},
			}
			if len(call.IdentArgs) > 0 {
				item.Handler = call.IdentArgs[len(call.IdentArgs)-1]
			}
			routes = append(routes, item)
		case call.Name == "register" && strings.Contains(strings.ToLower(call.Qualifier), "router") && len(call.StringArgs) > 0:
			item := types.RouteItem{
				Method:     "GET",
				Path:       "/" + strings.TrimPrefix(call.StringArgs[0], "/"),
				Handler:    "viewset",
				Confidence: confStructural,
				Evidence:   []types.EvidenceSpan{span(in.Path, call.Line, call.End)},
			}
			if len(call.IdentArgs) > 0 {
				item.Handler = call.IdentArgs[len(call.IdentArgs)-1]
			}
			routes = append(routes, item)
		}
	}
	// Class-based views are a weak signal without the URL table.
	for _, cls := range in.Parsed.Classes {
		if !hasViewBase(cls.Bases) {
			continue
		}
		routes = append(routes, types.RouteItem{
			Method:     "GET",
			Path:       "/" + strings.ToLower(strings.TrimSuffix(cls.Name, "View")),
			Handler:    cls.Name,
			Confidence: confFallback,
			Hypothesis: true,
			ReasonCode: types.ReasonPatternFallback,
			Evidence:   []types.EvidenceSpan{span(in.Path, cls.Line, cls.End)},
		})
	}
	return routes
}

func hasViewBase(bases []string) bool {
	for _, b := range bases {
		if strings.HasSuffix(b, "View") || strings.HasSuffix(b, "ViewSet") || strings.HasSuffix(b, "APIView") {
			return true
		}
	}
	return false
}

func (d *pythonRouteDetector) lexical(in Input) []types.RouteItem {
	var routes []types.RouteItem
	for _, m := range rePyDecorator.FindAllSubmatchIndex(in.Content, -1) {
		verb := strings.ToLower(string(in.Content[m[2]:m[3]]))
		method := "GET"
		if verb != "route" {
			method = strings.ToUpper(verb)
		}
		ln := lineOf(in.Content, m[0])
		routes = append(routes, types.RouteItem{
			Method:     method,
			Path:       string(in.Content[m[4]:m[5]]),
			Handler:    "handler",
			Confidence: confStructural,
			Evidence:   []types.EvidenceSpan{span(in.Path, ln, ln)},
		})
	}
	return routes
}

func indexOf(parts []string, want string) int {
	for i, p := range parts {
		if p == want {
			return i
		}
	}
	return -1
}
