package ast

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/format"
	"go/token"
	"strings"
)

const instrumentationMarker = "// Code generated by adli. DO NOT EDIT."

// renderFile prints the transformed file with the generated-code marker on top.
func renderFile(fset *token.FileSet, file *ast.File) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(instrumentationMarker)
	buf.WriteString("\n\n")
	if err := format.Node(&buf, fset, file); err != nil {
		return nil, fmt.Errorf("failed to format code: %w", err)
	}
	return buf.Bytes(), nil
}

// exprText renders an expression canonically.
func exprText(e ast.Expr) string {
	var buf bytes.Buffer
	if err := format.Node(&buf, token.NewFileSet(), e); err != nil {
		return ""
	}
	return buf.String()
}

// renderStripped renders a shallow copy of n with nested bodies removed, so
// the text describes the node itself and never the code it contains.
func renderStripped(n ast.Node) string {
	node := stripped(n)

	var lits []*ast.FuncLit
	ast.Inspect(node, func(c ast.Node) bool {
		if fl, ok := c.(*ast.FuncLit); ok {
			lits = append(lits, fl)
			return false
		}
		return true
	})
	bodies := make([]*ast.BlockStmt, len(lits))
	for i, fl := range lits {
		bodies[i] = fl.Body
		fl.Body = &ast.BlockStmt{}
	}
	defer func() {
		for i, fl := range lits {
			fl.Body = bodies[i]
		}
	}()

	var buf bytes.Buffer
	if err := format.Node(&buf, token.NewFileSet(), node); err != nil {
		return ""
	}
	return strings.TrimSpace(buf.String())
}

func stripped(n ast.Node) ast.Node {
	empty := func() *ast.BlockStmt { return &ast.BlockStmt{} }

	switch x := n.(type) {
	case *ast.FuncDecl:
		c := *x
		c.Doc = nil
		c.Body = nil
		return &c
	case *ast.FuncLit:
		c := *x
		c.Body = empty()
		return &c
	case *ast.IfStmt:
		c := *x
		c.Body = empty()
		c.Else = nil
		return &c
	case *ast.ForStmt:
		c := *x
		c.Body = empty()
		return &c
	case *ast.RangeStmt:
		c := *x
		c.Body = empty()
		return &c
	case *ast.SwitchStmt:
		c := *x
		c.Body = empty()
		return &c
	case *ast.TypeSwitchStmt:
		c := *x
		c.Body = empty()
		return &c
	case *ast.SelectStmt:
		c := *x
		c.Body = empty()
		return &c
	case *ast.CaseClause:
		c := *x
		c.Body = nil
		return &c
	case *ast.CommClause:
		c := *x
		c.Body = nil
		return &c
	case *ast.BlockStmt:
		return empty()
	case *ast.LabeledStmt:
		c := *x
		if s, ok := stripped(x.Stmt).(ast.Stmt); ok {
			c.Stmt = s
		}
		return &c
	case *ast.ValueSpec:
		return &ast.GenDecl{Tok: token.VAR, Specs: []ast.Spec{x}}
	}
	return n
}
