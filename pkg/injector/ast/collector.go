package ast

import (
	"go/ast"
	"go/token"
	"strconv"

	"github.com/smith-xyz/go-adli/pkg/injector/types"
)

// builtins whose first argument is treated as written
var mutatingBuiltins = map[string]bool{
	"append": true,
	"clear":  true,
	"copy":   true,
	"delete": true,
}

// varLog is a pending variable log, materialized once per insertion point.
type varLog struct {
	id     int
	target ast.Expr
	assign bool
	// ref logs the address of target instead of a copy.
	ref bool
}

// collector gathers the variables written by the node behind one checkpoint.
type collector struct {
	e            *engine
	checkpointID int
	hoist        bool
	hoisted      []ast.Stmt
	logs         []varLog
	seen         map[string]int
}

// newCollector returns a collector for checkpointID. hoist allows index
// expressions with side effects to be moved into temporaries; it must only
// be set where the moved evaluation still runs exactly once.
func (e *engine) newCollector(checkpointID int, hoist bool) *collector {
	return &collector{
		e:            e,
		checkpointID: checkpointID,
		hoist:        hoist,
		seen:         make(map[string]int),
	}
}

// fork returns a collector for the same checkpoint that shares c's dedup
// state but materializes its own logs.
func (c *collector) fork() *collector {
	return &collector{e: c.e, checkpointID: c.checkpointID, hoist: c.hoist, seen: c.seen}
}

func (c *collector) assignment(lhs []ast.Expr, assign bool) {
	for _, target := range lhs {
		c.target(target, assign)
	}
}

func (c *collector) declared(names []*ast.Ident) {
	for _, name := range names {
		c.target(name, true)
	}
}

// fields records function receivers and parameters. Context parameters are
// identity carriers and are not logged.
func (c *collector) fields(lists ...*ast.FieldList) {
	for _, fl := range lists {
		if fl == nil {
			continue
		}
		for _, f := range fl.List {
			if c.e.isContextType(f.Type) {
				continue
			}
			for _, name := range f.Names {
				c.target(name, true)
			}
		}
	}
}

// callSites treats method receivers, &x arguments and the first argument of
// mutating builtins as writes when they resolve to a known variable. The
// right operand of && and || may not run, so calls inside it are ignored.
func (c *collector) callSites(nodes ...ast.Node) {
	for _, n := range nodes {
		if n == nil {
			continue
		}
		ast.Inspect(n, func(x ast.Node) bool {
			switch v := x.(type) {
			case *ast.FuncLit:
				return false
			case *ast.BinaryExpr:
				if v.Op == token.LAND || v.Op == token.LOR {
					c.callSites(v.X)
					return false
				}
			case *ast.CallExpr:
				switch fun := v.Fun.(type) {
				case *ast.SelectorExpr:
					c.tracked(fun.X)
				case *ast.Ident:
					if mutatingBuiltins[fun.Name] && len(v.Args) > 0 {
						c.tracked(v.Args[0])
					}
				}
				for _, arg := range v.Args {
					if u, ok := arg.(*ast.UnaryExpr); ok && u.Op == token.AND {
						c.tracked(u.X)
					}
				}
			}
			return true
		})
	}
}

// tracked logs a call-site write. Paths without index steps are addressable
// and logged by reference so lock-holding values are never copied.
func (c *collector) tracked(expr ast.Expr) {
	root, keys, pending, ok := unwind(expr)
	if !ok || len(pending) > 0 || !c.e.scope.known(root.Name) {
		return
	}
	n := len(c.logs)
	c.target(expr, false)
	if len(c.logs) > n && addressable(keys) {
		c.logs[n].ref = true
	}
}

func addressable(keys []types.Key) bool {
	for _, k := range keys {
		if k.Kind == types.KeyIndex || k.Kind == types.KeyTemp {
			return false
		}
	}
	return true
}

// target records one written access path.
func (c *collector) target(expr ast.Expr, assign bool) {
	root, keys, pending, ok := unwind(expr)
	if !ok || root.Name == "_" || c.e.isDisabled(root.Name) {
		return
	}
	if len(keys) == 0 && root.Name == c.e.ctxName() {
		return
	}
	if len(pending) > 0 {
		if !c.hoist {
			return
		}
		for i, ix := range pending {
			if ix != nil {
				keys[i] = types.Key{Kind: types.KeyTemp, Value: c.hoistIndex(ix)}
			}
		}
	}
	if !cloneable(expr) {
		return
	}

	syntax := exprText(expr)
	if idx, dup := c.seen[syntax]; dup {
		c.e.variables[idx].Reuses++
		return
	}

	id := c.e.counter.NextVariable()
	c.seen[syntax] = len(c.e.variables)
	c.e.variables = append(c.e.variables, types.Variable{
		ID:                  id,
		CheckpointID:        c.checkpointID,
		Name:                root.Name,
		KeyPath:             keys,
		Syntax:              syntax,
		EnclosingFunctionID: c.e.scope.fn.id,
		IsGlobal:            !c.e.scope.local(root.Name),
	})
	c.logs = append(c.logs, varLog{id: id, target: expr, assign: assign && len(keys) == 0})
}

// hoistIndex moves ix.Index into `__adliTmpN := Var(id, index)` and
// substitutes the temporary into the original expression.
func (c *collector) hoistIndex(ix *ast.IndexExpr) string {
	id := c.e.counter.NextVariable()
	name := tempPrefix + strconv.Itoa(id)
	pos := ix.Index.Pos()

	c.e.variables = append(c.e.variables, types.Variable{
		ID:                  id,
		CheckpointID:        c.checkpointID,
		Name:                name,
		KeyPath:             []types.Key{},
		Syntax:              exprText(ix.Index),
		EnclosingFunctionID: c.e.scope.fn.id,
		IsTemporary:         true,
	})
	c.hoisted = append(c.hoisted, c.e.calls.temp(name, id, c.e.ctxName(), ix.Index, pos))
	ix.Index = &ast.Ident{Name: name, NamePos: pos}
	return name
}

func (c *collector) stmts(pos token.Pos) []ast.Stmt {
	if len(c.logs) == 0 {
		return nil
	}
	ctx := c.e.ctxName()
	out := make([]ast.Stmt, 0, len(c.logs))
	for _, l := range c.logs {
		out = append(out, c.e.calls.logVariable(l.id, ctx, l.target, l.assign, l.ref, pos))
	}
	return out
}

// unwind walks an access path from the outermost accessor to the root
// identifier, prepending each key. pending is parallel to keys and holds the
// index expressions whose index has side effects.
func unwind(expr ast.Expr) (root *ast.Ident, keys []types.Key, pending []*ast.IndexExpr, ok bool) {
	keys = []types.Key{}
	var hasPending bool
	for {
		switch x := expr.(type) {
		case *ast.Ident:
			if !hasPending {
				pending = nil
			}
			return x, keys, pending, true
		case *ast.ParenExpr:
			expr = x.X
		case *ast.SelectorExpr:
			keys = append([]types.Key{{Kind: types.KeyField, Value: x.Sel.Name}}, keys...)
			pending = append([]*ast.IndexExpr{nil}, pending...)
			expr = x.X
		case *ast.StarExpr:
			keys = append([]types.Key{{Kind: types.KeyDeref}}, keys...)
			pending = append([]*ast.IndexExpr{nil}, pending...)
			expr = x.X
		case *ast.IndexExpr:
			var p *ast.IndexExpr
			if hasSideEffects(x.Index) {
				p = x
				hasPending = true
			}
			keys = append([]types.Key{{Kind: types.KeyIndex, Value: exprText(x.Index)}}, keys...)
			pending = append([]*ast.IndexExpr{p}, pending...)
			expr = x.X
		default:
			return nil, nil, nil, false
		}
	}
}

func hasSideEffects(e ast.Expr) bool {
	found := false
	ast.Inspect(e, func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.FuncLit:
			return false
		case *ast.CallExpr:
			found = true
		case *ast.UnaryExpr:
			if x.Op == token.ARROW {
				found = true
			}
		}
		return !found
	})
	return found
}

// Collect returns the variables written by node for checkpointID, along with
// any temporaries hoisted out of it. known lists variables already declared
// in the enclosing function; counter supplies variable ids.
func Collect(node ast.Node, checkpointID, functionID int, known []string, counter *types.Counter) ([]types.Variable, []ast.Stmt) {
	if counter == nil {
		counter = &types.Counter{}
	}
	e := newEngine(token.NewFileSet(), &ast.File{Name: ast.NewIdent("main")}, counter, Options{})
	e.pushFunction(functionID, "")
	for _, name := range known {
		e.scope.declare(name)
	}

	c := e.newCollector(checkpointID, true)
	switch x := node.(type) {
	case *ast.FuncDecl:
		c.fields(x.Recv, x.Type.Params)
	case *ast.FuncLit:
		c.fields(x.Type.Params)
	case ast.Stmt:
		e.collectSimple(c, x)
	default:
		c.callSites(node)
	}
	return e.variables, c.hoisted
}

// collectSimple records the writes of a simple statement, declaring the
// names it introduces in the current scope.
func (e *engine) collectSimple(c *collector, stmt ast.Stmt) {
	switch s := stmt.(type) {
	case *ast.AssignStmt:
		c.callSites(exprNodes(s.Rhs)...)
		if s.Tok == token.DEFINE {
			for _, lhs := range s.Lhs {
				if id, ok := lhs.(*ast.Ident); ok {
					e.scope.declare(id.Name)
				}
			}
		}
		c.assignment(s.Lhs, true)
	case *ast.IncDecStmt:
		c.assignment([]ast.Expr{s.X}, true)
	case *ast.DeclStmt:
		gd, ok := s.Decl.(*ast.GenDecl)
		if !ok || gd.Tok != token.VAR {
			return
		}
		for _, spec := range gd.Specs {
			vs := spec.(*ast.ValueSpec)
			c.callSites(exprNodes(vs.Values)...)
			for _, name := range vs.Names {
				e.scope.declare(name.Name)
			}
			c.declared(vs.Names)
		}
	case *ast.ExprStmt:
		c.callSites(s.X)
	case *ast.SendStmt:
		c.callSites(s.Chan, s.Value)
	}
}

func exprNodes(exprs []ast.Expr) []ast.Node {
	nodes := make([]ast.Node, len(exprs))
	for i, e := range exprs {
		nodes[i] = e
	}
	return nodes
}
