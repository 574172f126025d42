package ast

import (
	"encoding/json"
	"errors"
	"fmt"
	"go/ast"
	"go/token"
	"strconv"
	"strings"

	"github.com/smith-xyz/go-adli/pkg/injector/types"
)

var ErrInvalidDirective = errors.New("invalid adli directive")

// DirectiveError reports a malformed directive and where it was found.
type DirectiveError struct {
	Pos  token.Position
	Type string
	Err  error
}

func (e *DirectiveError) Error() string {
	return fmt.Sprintf("%s: %s directive: %v", e.Pos, e.Type, e.Err)
}

func (e *DirectiveError) Unwrap() error {
	return ErrInvalidDirective
}

// directiveLiteral returns the string literal of `_ = "..."` or `var _ = "..."`.
func directiveLiteral(n ast.Node) (*ast.BasicLit, bool) {
	switch x := n.(type) {
	case *ast.AssignStmt:
		if x.Tok != token.ASSIGN || len(x.Lhs) != 1 || len(x.Rhs) != 1 || !isBlank(x.Lhs[0]) {
			return nil, false
		}
		lit, ok := x.Rhs[0].(*ast.BasicLit)
		return lit, ok && lit.Kind == token.STRING
	case *ast.DeclStmt:
		gd, ok := x.Decl.(*ast.GenDecl)
		if !ok || len(gd.Specs) != 1 {
			return nil, false
		}
		return directiveLiteral(gd.Specs[0])
	case *ast.GenDecl:
		if x.Tok != token.VAR || len(x.Specs) != 1 {
			return nil, false
		}
		return directiveLiteral(x.Specs[0])
	case *ast.ValueSpec:
		if len(x.Names) != 1 || x.Names[0].Name != "_" || len(x.Values) != 1 || x.Type != nil {
			return nil, false
		}
		lit, ok := x.Values[0].(*ast.BasicLit)
		return lit, ok && lit.Kind == token.STRING
	}
	return nil, false
}

func isBlank(e ast.Expr) bool {
	id, ok := e.(*ast.Ident)
	return ok && id.Name == "_"
}

// parseDirective decodes n when it is a directive. Inert strings that are not
// JSON objects with an adli_ type are ordinary statements.
func parseDirective(fset *token.FileSet, n ast.Node) (types.Directive, bool, error) {
	lit, ok := directiveLiteral(n)
	if !ok {
		return types.Directive{}, false, nil
	}
	text, err := strconv.Unquote(lit.Value)
	if err != nil {
		return types.Directive{}, false, nil
	}
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") {
		return types.Directive{}, false, nil
	}

	var d types.Directive
	if err := json.Unmarshal([]byte(text), &d); err != nil || !strings.HasPrefix(d.Type, types.DirectivePrefix) {
		return types.Directive{}, false, nil
	}

	switch d.Type {
	case types.DirectiveDisableVariable, types.DirectiveMetadata, types.DirectiveEncodeOutput, types.DirectiveAbstractionID:
	default:
		return d, true, &DirectiveError{Pos: fset.Position(lit.Pos()), Type: d.Type, Err: errors.New("unknown directive type")}
	}
	return d, true, nil
}

func directiveError(fset *token.FileSet, n ast.Node, d types.Directive, err error) error {
	return &DirectiveError{Pos: fset.Position(n.Pos()), Type: d.Type, Err: err}
}

// directiveNames accepts either "name" or ["name", ...].
func directiveNames(raw json.RawMessage) ([]string, error) {
	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		return names, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, errors.New("value must be a string or a list of strings")
	}
	return []string{single}, nil
}

// ScanMetadata returns the first adli_metadata directive found in file.
func ScanMetadata(fset *token.FileSet, file *ast.File) (map[string]any, error) {
	var (
		meta    map[string]any
		scanErr error
	)
	ast.Inspect(file, func(n ast.Node) bool {
		if meta != nil || scanErr != nil {
			return false
		}
		d, ok, err := parseDirective(fset, n)
		if err != nil || !ok || d.Type != types.DirectiveMetadata {
			return true
		}
		if err := json.Unmarshal(d.Value, &meta); err != nil {
			scanErr = directiveError(fset, n, d, fmt.Errorf("value must be an object: %w", err))
		}
		return false
	})
	return meta, scanErr
}
