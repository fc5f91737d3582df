package parse

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// ScriptParser handles JavaScript, TypeScript and their JSX dialects.
type ScriptParser struct {
	js  *sitter.Parser
	ts  *sitter.Parser
	tsx *sitter.Parser
}

func NewScriptParser() *ScriptParser {
	js := sitter.NewParser()
	js.SetLanguage(javascript.GetLanguage())

	ts := sitter.NewParser()
	ts.SetLanguage(typescript.GetLanguage())

	tx := sitter.NewParser()
	tx.SetLanguage(tsx.GetLanguage())

	return &ScriptParser{js: js, ts: ts, tsx: tx}
}

func (s *ScriptParser) Language() string { return "script" }

func (s *ScriptParser) Extensions() []string {
	return []string{".js", ".jsx", ".mjs", ".cjs", ".ts", ".mts", ".cts", ".tsx"}
}

func (s *ScriptParser) Parse(filename string, content []byte) (*Result, error) {
	var p *sitter.Parser
	var lang string
	switch {
	case strings.HasSuffix(filename, ".tsx"):
		p, lang = s.tsx, "tsx"
	case strings.HasSuffix(filename, ".ts") || strings.HasSuffix(filename, ".mts") || strings.HasSuffix(filename, ".cts"):
		p, lang = s.ts, "typescript"
	default:
		// The JS grammar accepts JSX, so .jsx shares it.
		p, lang = s.js, "javascript"
	}

	tree, err := p.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	res := &Result{Language: lang}
	s.walk(tree.RootNode(), content, res, false)
	return res, nil
}

func (s *ScriptParser) walk(node *sitter.Node, content []byte, res *Result, exported bool) {
	if node == nil {
		return
	}
	switch node.Type() {
	case "import_statement":
		if src := node.ChildByFieldName("source"); src != nil {
			res.Imports = append(res.Imports, RawImport{
				Raw:  unquote(src.Content(content)),
				Kind: "esm",
				Line: line(node),
				End:  endLine(node),
			})
		}
		return

	case "export_statement":
		s.collectExportClause(node, content, res)
		for i := 0; i < int(node.ChildCount()); i++ {
			s.walk(node.Child(i), content, res, true)
		}
		return

	case "call_expression":
		s.recordCall(node, content, res)
		// Arguments may contain nested functions and further calls.
		for i := 0; i < int(node.ChildCount()); i++ {
			s.walk(node.Child(i), content, res, false)
		}
		return

	case "function_declaration":
		if fn := s.extractFunction(node, content); fn != nil {
			if exported {
				res.Exports = append(res.Exports, fn.Name)
			}
			res.Functions = append(res.Functions, *fn)
			s.walk(node.ChildByFieldName("body"), content, res, false)
		}
		return

	case "class_declaration":
		s.extractClass(node, content, res, exported)
		return

	case "lexical_declaration", "variable_declaration":
		s.extractDeclarators(node, content, res, exported)
		return
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		s.walk(node.Child(i), content, res, false)
	}
}

func (s *ScriptParser) collectExportClause(node *sitter.Node, content []byte, res *Result) {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() != "export_clause" {
			continue
		}
		for j := 0; j < int(child.NamedChildCount()); j++ {
			spec := child.NamedChild(j)
			if spec.Type() != "export_specifier" {
				continue
			}
			if name := spec.ChildByFieldName("name"); name != nil {
				res.Exports = append(res.Exports, name.Content(content))
			}
		}
	}
}

func (s *ScriptParser) recordCall(node *sitter.Node, content []byte, res *Result) {
	fnNode := node.ChildByFieldName("function")
	if fnNode == nil {
		return
	}
	call := Call{Line: line(node), End: endLine(node)}
	switch fnNode.Type() {
	case "identifier":
		call.Name = fnNode.Content(content)
	case "import":
		call.Name = "import"
	case "member_expression":
		if prop := fnNode.ChildByFieldName("property"); prop != nil {
			call.Name = prop.Content(content)
		}
		if obj := fnNode.ChildByFieldName("object"); obj != nil {
			call.Qualifier = strings.TrimSpace(obj.Content(content))
		}
	default:
		call.Name = strings.TrimSpace(fnNode.Content(content))
	}
	if call.Name == "" {
		return
	}

	if args := node.ChildByFieldName("arguments"); args != nil {
		call.Arity = int(args.NamedChildCount())
		for i := 0; i < int(args.NamedChildCount()); i++ {
			arg := args.NamedChild(i)
			switch arg.Type() {
			case "string":
				call.StringArgs = append(call.StringArgs, unquote(arg.Content(content)))
			case "identifier":
				call.IdentArgs = append(call.IdentArgs, arg.Content(content))
			}
		}
	}
	res.Calls = append(res.Calls, call)

	// require("x") and import("x") double as module references.
	if len(call.StringArgs) >= 1 {
		switch call.Name {
		case "require":
			res.Imports = append(res.Imports, RawImport{
				Raw: call.StringArgs[0], Kind: "cjs", Line: call.Line, End: call.End,
			})
		case "import":
			res.Imports = append(res.Imports, RawImport{
				Raw: call.StringArgs[0], Kind: "esm", Dynamic: true, Line: call.Line, End: call.End,
			})
		}
	}
}

func (s *ScriptParser) extractFunction(node *sitter.Node, content []byte) *FunctionOut {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return nil
	}
	fn := &FunctionOut{Name: nameNode.Content(content)}
	if params := node.ChildByFieldName("parameters"); params != nil {
		fn.Params = splitParams(params.Content(content))
	}
	fn.Calls = calleeNames(node.ChildByFieldName("body"), content)
	fn.Line = line(node)
	fn.End = endLine(node)
	return fn
}

func (s *ScriptParser) extractClass(node *sitter.Node, content []byte, res *Result, exported bool) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	cls := ClassOut{Name: nameNode.Content(content), Line: line(node), End: endLine(node)}
	for i := 0; i < int(node.ChildCount()); i++ {
		if h := node.Child(i); h.Type() == "class_heritage" {
			base := strings.TrimSpace(strings.TrimPrefix(h.Content(content), "extends"))
			if base != "" {
				cls.Bases = append(cls.Bases, base)
			}
		}
	}
	if body := node.ChildByFieldName("body"); body != nil {
		for i := 0; i < int(body.NamedChildCount()); i++ {
			m := body.NamedChild(i)
			if m.Type() != "method_definition" {
				continue
			}
			if mn := m.ChildByFieldName("name"); mn != nil {
				cls.Methods = append(cls.Methods, mn.Content(content))
			}
			s.walk(m.ChildByFieldName("body"), content, res, false)
		}
	}
	if exported {
		res.Exports = append(res.Exports, cls.Name)
	}
	res.Classes = append(res.Classes, cls)
}

func (s *ScriptParser) extractDeclarators(node *sitter.Node, content []byte, res *Result, exported bool) {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() != "variable_declarator" {
			continue
		}
		nameNode := child.ChildByFieldName("name")
		valueNode := child.ChildByFieldName("value")
		if nameNode == nil || valueNode == nil {
			continue
		}
		name := nameNode.Content(content)
		switch valueNode.Type() {
		case "arrow_function", "function", "function_expression":
			fn := FunctionOut{Name: name, Line: line(child), End: endLine(child)}
			if params := valueNode.ChildByFieldName("parameters"); params != nil {
				fn.Params = splitParams(params.Content(content))
			}
			fn.Calls = calleeNames(valueNode, content)
			res.Functions = append(res.Functions, fn)
			if exported {
				res.Exports = append(res.Exports, name)
			}
			s.walk(valueNode.ChildByFieldName("body"), content, res, false)
		default:
			if exported {
				res.Exports = append(res.Exports, name)
			}
			s.walk(valueNode, content, res, false)
		}
	}
}

func calleeNames(node *sitter.Node, content []byte) []string {
	if node == nil {
		return nil
	}
	var out []string
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		if n.Type() == "call_expression" || n.Type() == "call" {
			if fn := n.ChildByFieldName("function"); fn != nil {
				switch fn.Type() {
				case "identifier":
					out = append(out, fn.Content(content))
				case "member_expression", "attribute":
					if prop := fn.ChildByFieldName("property"); prop != nil {
						out = append(out, prop.Content(content))
					} else if attr := fn.ChildByFieldName("attribute"); attr != nil {
						out = append(out, attr.Content(content))
					}
				}
			}
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			visit(n.Child(i))
		}
	}
	visit(node)
	return dedupeStrings(out)
}

func splitParams(raw string) []string {
	raw = strings.Trim(strings.TrimSpace(raw), "()")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if i := strings.IndexAny(p, ":="); i >= 0 {
			p = strings.TrimSpace(p[:i])
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func unquote(raw string) string {
	raw = strings.TrimSpace(raw)
	// Strip string prefixes used by Python literals (f"", r"", b"").
	for len(raw) > 0 && raw[0] != '\'' && raw[0] != '"' && raw[0] != '`' {
		raw = raw[1:]
	}
	if len(raw) >= 2 {
		first, last := raw[0], raw[len(raw)-1]
		if first == last && (first == '\'' || first == '"' || first == '`') {
			return raw[1 : len(raw)-1]
		}
	}
	return raw
}

func line(n *sitter.Node) int    { return int(n.StartPoint().Row) + 1 }
func endLine(n *sitter.Node) int { return int(n.EndPoint().Row) + 1 }
