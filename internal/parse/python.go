package parse

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// PythonParser extracts imports, definitions and decorators from Python.
type PythonParser struct {
	parser *sitter.Parser
}

func NewPythonParser() *PythonParser {
	p := sitter.NewParser()
	p.SetLanguage(python.GetLanguage())
	return &PythonParser{parser: p}
}

func (p *PythonParser) Language() string { return "python" }

func (p *PythonParser) Extensions() []string { return []string{".py"} }

func (p *PythonParser) Parse(filename string, content []byte) (*Result, error) {
	tree, err := p.parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	res := &Result{Language: "python"}
	p.walk(tree.RootNode(), content, res, true)
	return res, nil
}

func (p *PythonParser) walk(node *sitter.Node, content []byte, res *Result, topLevel bool) {
	if node == nil {
		return
	}
	switch node.Type() {
	case "import_statement":
		// import a.b, c as d
		for i := 0; i < int(node.NamedChildCount()); i++ {
			child := node.NamedChild(i)
			switch child.Type() {
			case "dotted_name":
				res.Imports = append(res.Imports, RawImport{
					Raw: child.Content(content), Kind: "py", Line: line(node), End: endLine(node),
				})
			case "aliased_import":
				if name := child.ChildByFieldName("name"); name != nil {
					res.Imports = append(res.Imports, RawImport{
						Raw: name.Content(content), Kind: "py", Line: line(node), End: endLine(node),
					})
				}
			}
		}
		return

	case "import_from_statement":
		// from .pkg import x / from a.b import y
		raw := ""
		if mod := node.ChildByFieldName("module_name"); mod != nil {
			raw = mod.Content(content)
		}
		if raw != "" {
			res.Imports = append(res.Imports, RawImport{
				Raw: raw, Kind: "py", Line: line(node), End: endLine(node),
			})
		}
		return

	case "decorated_definition":
		p.extractDecorated(node, content, res, topLevel)
		return

	case "function_definition":
		fn := p.extractFunction(node, content, nil)
		if topLevel {
			res.Exports = append(res.Exports, fn.Name)
		}
		res.Functions = append(res.Functions, fn)
		p.collectCalls(node.ChildByFieldName("body"), content, res)
		return

	case "class_definition":
		p.extractClass(node, content, res, topLevel, nil)
		return

	case "call":
		p.recordCall(node, content, res)
		for i := 0; i < int(node.ChildCount()); i++ {
			p.walk(node.Child(i), content, res, false)
		}
		return
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		p.walk(node.Child(i), content, res, topLevel && node.Type() == "module")
	}
}

func (p *PythonParser) extractDecorated(node *sitter.Node, content []byte, res *Result, topLevel bool) {
	var names []string
	var decos []Decorator
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if child.Type() != "decorator" {
			continue
		}
		d := Decorator{Line: line(child), End: endLine(child)}
		// Decorator body is either a dotted name or a call.
		inner := child.NamedChild(0)
		if inner == nil {
			continue
		}
		if inner.Type() == "call" {
			if fn := inner.ChildByFieldName("function"); fn != nil {
				d.Name = fn.Content(content)
			}
			if args := inner.ChildByFieldName("arguments"); args != nil {
				for j := 0; j < int(args.NamedChildCount()); j++ {
					arg := args.NamedChild(j)
					if arg.Type() == "string" {
						d.StringArgs = append(d.StringArgs, unquote(arg.Content(content)))
					}
				}
			}
		} else {
			d.Name = inner.Content(content)
		}
		names = append(names, d.Name)
		decos = append(decos, d)
	}

	def := node.ChildByFieldName("definition")
	if def == nil {
		return
	}
	switch def.Type() {
	case "function_definition":
		fn := p.extractFunction(def, content, names)
		for i := range decos {
			decos[i].Target = fn.Name
			decos[i].TargetKind = "function"
		}
		if topLevel {
			res.Exports = append(res.Exports, fn.Name)
		}
		res.Functions = append(res.Functions, fn)
		p.collectCalls(def.ChildByFieldName("body"), content, res)
	case "class_definition":
		clsName := p.extractClass(def, content, res, topLevel, names)
		for i := range decos {
			decos[i].Target = clsName
			decos[i].TargetKind = "class"
		}
	}
	res.Decorators = append(res.Decorators, decos...)
}

func (p *PythonParser) extractFunction(node *sitter.Node, content []byte, decorators []string) FunctionOut {
	fn := FunctionOut{Decorators: decorators, Line: line(node), End: endLine(node)}
	if name := node.ChildByFieldName("name"); name != nil {
		fn.Name = name.Content(content)
	}
	if params := node.ChildByFieldName("parameters"); params != nil {
		fn.Params = splitParams(params.Content(content))
	}
	fn.Calls = calleeNames(node.ChildByFieldName("body"), content)
	return fn
}

func (p *PythonParser) extractClass(node *sitter.Node, content []byte, res *Result, topLevel bool, decorators []string) string {
	cls := ClassOut{Decorators: decorators, Line: line(node), End: endLine(node)}
	if name := node.ChildByFieldName("name"); name != nil {
		cls.Name = name.Content(content)
	}
	if supers := node.ChildByFieldName("superclasses"); supers != nil {
		for i := 0; i < int(supers.NamedChildCount()); i++ {
			arg := supers.NamedChild(i)
			switch arg.Type() {
			case "identifier", "attribute":
				cls.Bases = append(cls.Bases, arg.Content(content))
			}
		}
	}
	if body := node.ChildByFieldName("body"); body != nil {
		for i := 0; i < int(body.NamedChildCount()); i++ {
			member := body.NamedChild(i)
			switch member.Type() {
			case "function_definition":
				if mn := member.ChildByFieldName("name"); mn != nil {
					cls.Methods = append(cls.Methods, mn.Content(content))
				}
				p.collectCalls(member.ChildByFieldName("body"), content, res)
			case "decorated_definition":
				if def := member.ChildByFieldName("definition"); def != nil && def.Type() == "function_definition" {
					if mn := def.ChildByFieldName("name"); mn != nil {
						cls.Methods = append(cls.Methods, mn.Content(content))
					}
					p.collectCalls(def.ChildByFieldName("body"), content, res)
				}
			}
		}
	}
	if topLevel && cls.Name != "" {
		res.Exports = append(res.Exports, cls.Name)
	}
	res.Classes = append(res.Classes, cls)
	return cls.Name
}

func (p *PythonParser) recordCall(node *sitter.Node, content []byte, res *Result) {
	fnNode := node.ChildByFieldName("function")
	if fnNode == nil {
		return
	}
	call := Call{Line: line(node), End: endLine(node)}
	switch fnNode.Type() {
	case "identifier":
		call.Name = fnNode.Content(content)
	case "attribute":
		if attr := fnNode.ChildByFieldName("attribute"); attr != nil {
			call.Name = attr.Content(content)
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
}

// collectCalls records calls inside a body without re-walking definitions.
func (p *PythonParser) collectCalls(node *sitter.Node, content []byte, res *Result) {
	if node == nil {
		return
	}
	if node.Type() == "call" {
		p.recordCall(node, content, res)
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		p.collectCalls(node.Child(i), content, res)
	}
}
