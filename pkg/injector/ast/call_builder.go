package ast

import (
	"go/ast"
	"go/token"
	"strconv"
)

const (
	RuntimeImportPath = "github.com/smith-xyz/go-adli/pkg/adli"
	RuntimeAlias      = "__adli"

	// TraceRootVariable marks the enclosing function as a unique trace root when assigned.
	TraceRootVariable = "adliTraceID"
	tempPrefix        = "__adliTmp"

	fnStmt     = "Stmt"
	fnStmtCtx  = "StmtCtx"
	fnVar      = "Var"
	fnVarCtx   = "VarCtx"
	fnGlobal   = "Global"
	fnEncode   = "Encode"
	fnHeader   = "Header"
	fnRecover  = "Recover"
	fnClose    = "Close"
	fnWithTask = "WithTask"
)

// callBuilder creates runtime calls. Every node it returns is freshly
// allocated; pos anchors the call next to the code it describes so the
// printer keeps surrounding comments in place.
type callBuilder struct {
	alias string
	used  bool
}

func (b *callBuilder) fun(name string, pos token.Pos) *ast.SelectorExpr {
	b.used = true
	return &ast.SelectorExpr{
		X:   &ast.Ident{Name: b.alias, NamePos: pos},
		Sel: ast.NewIdent(name),
	}
}

func (b *callBuilder) call(name string, pos token.Pos, args ...ast.Expr) *ast.CallExpr {
	return &ast.CallExpr{Fun: b.fun(name, pos), Args: args}
}

func intLit(n int) *ast.BasicLit {
	return &ast.BasicLit{Kind: token.INT, Value: strconv.Itoa(n)}
}

func strLit(s string) *ast.BasicLit {
	return &ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(s)}
}

// checkpoint builds Stmt(id), or StmtCtx(ctx, id) when a context is in scope.
func (b *callBuilder) checkpoint(id int, ctx string, pos token.Pos) ast.Stmt {
	if ctx != "" {
		return &ast.ExprStmt{X: b.call(fnStmtCtx, pos, ast.NewIdent(ctx), intLit(id))}
	}
	return &ast.ExprStmt{X: b.call(fnStmt, pos, intLit(id))}
}

func (b *callBuilder) variable(id int, ctx string, value ast.Expr, pos token.Pos) *ast.CallExpr {
	if ctx != "" {
		return b.call(fnVarCtx, pos, ast.NewIdent(ctx), intLit(id), value)
	}
	return b.call(fnVar, pos, intLit(id), value)
}

// logVariable builds `target = Var(id, target)` when assign is set, so decoded
// correlation payloads replace tokens, `Var(id, &target)` when ref is set and
// `Var(id, target)` otherwise.
func (b *callBuilder) logVariable(id int, ctx string, target ast.Expr, assign, ref bool, pos token.Pos) ast.Stmt {
	arg := cloneExpr(target, pos)
	if ref && !assign {
		arg = &ast.UnaryExpr{OpPos: pos, Op: token.AND, X: arg}
	}
	value := b.variable(id, ctx, arg, pos)
	if !assign {
		return &ast.ExprStmt{X: value}
	}
	return &ast.AssignStmt{
		Lhs:    []ast.Expr{cloneExpr(target, pos)},
		TokPos: pos,
		Tok:    token.ASSIGN,
		Rhs:    []ast.Expr{value},
	}
}

// temp builds `name := Var(id, value)`.
func (b *callBuilder) temp(name string, id int, ctx string, value ast.Expr, pos token.Pos) ast.Stmt {
	return &ast.AssignStmt{
		Lhs:    []ast.Expr{&ast.Ident{Name: name, NamePos: pos}},
		TokPos: pos,
		Tok:    token.DEFINE,
		Rhs:    []ast.Expr{b.variable(id, ctx, value, pos)},
	}
}

// global wraps a package-level initializer. typ, when set, becomes the
// explicit type argument so untyped constants keep the declared type.
func (b *callBuilder) global(cp, id int, typ ast.Expr, value ast.Expr, pos token.Pos) ast.Expr {
	var fun ast.Expr = b.fun(fnGlobal, pos)
	if typ != nil {
		fun = &ast.IndexExpr{X: fun, Index: typ}
	}
	return &ast.CallExpr{Fun: fun, Args: []ast.Expr{intLit(cp), intLit(id), value}}
}

// encode builds `name = Encode("name", name)`.
func (b *callBuilder) encode(name string, pos token.Pos) ast.Stmt {
	return &ast.AssignStmt{
		Lhs:    []ast.Expr{&ast.Ident{Name: name, NamePos: pos}},
		TokPos: pos,
		Tok:    token.ASSIGN,
		Rhs:    []ast.Expr{b.call(fnEncode, pos, strLit(name), ast.NewIdent(name))},
	}
}

func (b *callBuilder) header(metadata, basePath string, pos token.Pos) ast.Stmt {
	return &ast.ExprStmt{X: b.call(fnHeader, pos, strLit(metadata), strLit(basePath))}
}

func (b *callBuilder) deferred(name string, pos token.Pos) ast.Stmt {
	return &ast.DeferStmt{Defer: pos, Call: b.call(name, pos)}
}

func (b *callBuilder) withTask(ctx ast.Expr) ast.Expr {
	return b.call(fnWithTask, ctx.Pos(), ctx)
}

// cloneExpr copies an access path expression with every position set to pos.
// It returns nil for expression kinds that never appear in loggable paths.
func cloneExpr(e ast.Expr, pos token.Pos) ast.Expr {
	switch x := e.(type) {
	case *ast.Ident:
		return &ast.Ident{Name: x.Name, NamePos: pos}
	case *ast.BasicLit:
		return &ast.BasicLit{Kind: x.Kind, Value: x.Value, ValuePos: pos}
	case *ast.SelectorExpr:
		return &ast.SelectorExpr{X: cloneExpr(x.X, pos), Sel: &ast.Ident{Name: x.Sel.Name, NamePos: pos}}
	case *ast.IndexExpr:
		return &ast.IndexExpr{X: cloneExpr(x.X, pos), Lbrack: pos, Index: cloneExpr(x.Index, pos), Rbrack: pos}
	case *ast.StarExpr:
		return &ast.StarExpr{Star: pos, X: cloneExpr(x.X, pos)}
	case *ast.ParenExpr:
		return &ast.ParenExpr{Lparen: pos, X: cloneExpr(x.X, pos), Rparen: pos}
	case *ast.BinaryExpr:
		return &ast.BinaryExpr{X: cloneExpr(x.X, pos), OpPos: pos, Op: x.Op, Y: cloneExpr(x.Y, pos)}
	case *ast.UnaryExpr:
		return &ast.UnaryExpr{OpPos: pos, Op: x.Op, X: cloneExpr(x.X, pos)}
	}
	return nil
}

// cloneable reports whether cloneExpr can copy e completely.
func cloneable(e ast.Expr) bool {
	switch x := e.(type) {
	case *ast.Ident, *ast.BasicLit:
		return true
	case *ast.SelectorExpr:
		return cloneable(x.X)
	case *ast.IndexExpr:
		return cloneable(x.X) && cloneable(x.Index)
	case *ast.StarExpr:
		return cloneable(x.X)
	case *ast.ParenExpr:
		return cloneable(x.X)
	case *ast.BinaryExpr:
		return cloneable(x.X) && cloneable(x.Y)
	case *ast.UnaryExpr:
		return x.Op != token.ARROW && cloneable(x.X)
	}
	return false
}
