package ast

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"

	"github.com/smith-xyz/go-adli/pkg/injector/types"
)

// relocate re-parses the rendered output and records where each checkpoint's
// node ended up. The injected checkpoint calls act as the markers.
func (e *engine) relocate(src []byte) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, e.opts.FileID, src, parser.ParseComments)
	if err != nil {
		return fmt.Errorf("transformed code is invalid Go: %w", err)
	}

	byID := make(map[int]*types.Checkpoint, len(e.checkpoints))
	for _, cp := range e.checkpoints {
		byID[cp.ID] = cp
	}
	found := make(map[int]bool, len(e.checkpoints))
	mark := func(id int, n ast.Node) {
		cp, ok := byID[id]
		if !ok || found[id] {
			return
		}
		found[id] = true
		cp.InjectedSpan = types.Span{
			Start: fset.Position(n.Pos()).Line,
			End:   fset.Position(n.End()).Line,
		}
	}

	scanList := func(list []ast.Stmt) {
		for i, stmt := range list {
			id, ok := e.marker(stmt)
			if !ok || i+1 >= len(list) {
				continue
			}
			if cp := byID[id]; cp != nil && !cp.Category.LogsInsideBody() {
				mark(id, list[i+1])
			}
		}
	}
	bodyMarker := func(owner ast.Node, list []ast.Stmt, category types.Category) {
		for _, stmt := range list {
			id, ok := e.marker(stmt)
			if !ok {
				continue
			}
			if cp := byID[id]; cp != nil && cp.Category == category {
				mark(id, owner)
			}
			return
		}
	}

	ast.Inspect(file, func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.FuncDecl:
			if x.Body != nil {
				bodyMarker(x, x.Body.List, types.CategoryFunction)
			}
		case *ast.FuncLit:
			bodyMarker(x, x.Body.List, types.CategoryFunction)
		case *ast.BlockStmt:
			if len(x.List) > 0 {
				if id, ok := e.marker(x.List[0]); ok && byID[id] != nil && byID[id].Category == types.CategoryBlock {
					mark(id, x)
				}
			}
			scanList(x.List)
		case *ast.CaseClause:
			bodyMarker(x, x.Body, types.CategoryBlock)
			scanList(x.Body)
		case *ast.CommClause:
			bodyMarker(x, x.Body, types.CategoryBlock)
			scanList(x.Body)
		case *ast.ValueSpec:
			for _, v := range x.Values {
				if id, ok := e.globalMarker(v); ok {
					mark(id, x)
				}
			}
		}
		return true
	})

	for _, cp := range e.checkpoints {
		if !found[cp.ID] {
			return fmt.Errorf("%w: checkpoint %d (%s) not found in output", ErrMissingPosition, cp.ID, cp.Node)
		}
	}
	return nil
}

// marker returns the checkpoint id of an injected Stmt or StmtCtx call.
func (e *engine) marker(stmt ast.Stmt) (int, bool) {
	es, ok := stmt.(*ast.ExprStmt)
	if !ok {
		return 0, false
	}
	call, ok := es.X.(*ast.CallExpr)
	if !ok || !e.isRuntimeFunc(call.Fun, fnStmt, fnStmtCtx) {
		return 0, false
	}
	idx := 0
	if call.Fun.(*ast.SelectorExpr).Sel.Name == fnStmtCtx {
		idx = 1
	}
	if len(call.Args) <= idx {
		return 0, false
	}
	return intArg(call.Args[idx])
}

// globalMarker returns the non-zero checkpoint id of a wrapped package-level
// initializer.
func (e *engine) globalMarker(v ast.Expr) (int, bool) {
	call, ok := v.(*ast.CallExpr)
	if !ok || len(call.Args) == 0 {
		return 0, false
	}
	fun := call.Fun
	if ix, ok := fun.(*ast.IndexExpr); ok {
		fun = ix.X
	}
	if !e.isRuntimeFunc(fun, fnGlobal) {
		return 0, false
	}
	id, ok := intArg(call.Args[0])
	return id, ok && id != 0
}

func (e *engine) isRuntimeFunc(fun ast.Expr, names ...string) bool {
	sel, ok := fun.(*ast.SelectorExpr)
	if !ok {
		return false
	}
	pkg, ok := sel.X.(*ast.Ident)
	if !ok || pkg.Name != e.calls.alias {
		return false
	}
	for _, name := range names {
		if sel.Sel.Name == name {
			return true
		}
	}
	return false
}

func intArg(x ast.Expr) (int, bool) {
	lit, ok := x.(*ast.BasicLit)
	if !ok || lit.Kind != token.INT {
		return 0, false
	}
	n, err := strconv.Atoi(lit.Value)
	return n, err == nil
}
