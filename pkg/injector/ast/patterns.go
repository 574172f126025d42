package ast

import (
	"go/ast"
	"go/token"

	"github.com/smith-xyz/go-adli/pkg/injector/types"
)

func classify(stmt ast.Stmt) types.Category {
	switch s := stmt.(type) {
	case *ast.IfStmt, *ast.SwitchStmt, *ast.TypeSwitchStmt, *ast.SelectStmt:
		return types.CategoryConditional
	case *ast.ForStmt, *ast.RangeStmt:
		return types.CategoryLoop
	case *ast.BlockStmt, *ast.CaseClause, *ast.CommClause:
		return types.CategoryBlock
	case *ast.LabeledStmt:
		return classify(s.Stmt)
	}
	return types.CategoryStatement
}

// visitList instruments a statement list. Directives are consumed here and
// replaced by whatever statements they expand to.
func (e *engine) visitList(list []ast.Stmt) ([]ast.Stmt, error) {
	out := make([]ast.Stmt, 0, len(list)*2)
	for _, stmt := range list {
		d, ok, err := parseDirective(e.fset, stmt)
		if err != nil {
			return nil, err
		}
		if ok {
			expanded, err := e.applyDirective(stmt, d, true)
			if err != nil {
				return nil, err
			}
			out = append(out, expanded...)
			continue
		}

		pre, node, post, err := e.visitStmt(stmt)
		if err != nil {
			return nil, err
		}
		out = append(out, pre...)
		out = append(out, node)
		out = append(out, post...)
	}
	return out, e.err
}

// visitStmt returns the statements to place before and after stmt along
// with the node that takes its place.
func (e *engine) visitStmt(stmt ast.Stmt) (pre []ast.Stmt, node ast.Stmt, post []ast.Stmt, err error) {
	if l, ok := stmt.(*ast.LabeledStmt); ok {
		pre, node, post, err = e.visitStmt(l.Stmt)
		l.Stmt = node
		return pre, l, post, err
	}

	switch classify(stmt) {
	case types.CategoryConditional:
		return e.conditional(stmt)
	case types.CategoryLoop:
		return e.loop(stmt)
	case types.CategoryBlock:
		if b, ok := stmt.(*ast.BlockStmt); ok {
			return nil, b, nil, e.block(b)
		}
	}
	return e.simple(stmt)
}

func (e *engine) simple(stmt ast.Stmt) ([]ast.Stmt, ast.Stmt, []ast.Stmt, error) {
	if _, ok := stmt.(*ast.EmptyStmt); ok {
		return nil, stmt, nil, nil
	}
	cp, err := e.addCheckpoint(stmt, types.CategoryStatement)
	if err != nil {
		return nil, nil, nil, err
	}
	if g, ok := stmt.(*ast.GoStmt); ok {
		if fl, ok := g.Call.Fun.(*ast.FuncLit); ok {
			e.async[fl] = true
		}
		e.propagateTask(g.Call)
	}
	e.visitFuncLits(stmt)

	c := e.newCollector(cp.ID, true)
	e.collectSimple(c, stmt)

	ctx := e.ctxName()
	pre := append(c.hoisted, e.calls.checkpoint(cp.ID, ctx, stmt.Pos()))
	if terminates(stmt) {
		return pre, stmt, nil, nil
	}
	return pre, stmt, c.stmts(stmt.End()), nil
}

// propagateTask gives a goroutine its own task by wrapping context arguments.
func (e *engine) propagateTask(call *ast.CallExpr) {
	ctx := e.ctxName()
	if ctx == "" {
		return
	}
	for i, arg := range call.Args {
		if id, ok := arg.(*ast.Ident); ok && id.Name == ctx {
			call.Args[i] = e.calls.withTask(arg)
		}
	}
}

// terminates reports whether nothing placed after stmt could run.
func terminates(stmt ast.Stmt) bool {
	switch s := stmt.(type) {
	case *ast.ReturnStmt, *ast.BranchStmt:
		return true
	case *ast.ExprStmt:
		call, ok := s.X.(*ast.CallExpr)
		if !ok {
			return false
		}
		id, ok := call.Fun.(*ast.Ident)
		return ok && id.Name == "panic"
	}
	return false
}

func (e *engine) conditional(stmt ast.Stmt) ([]ast.Stmt, ast.Stmt, []ast.Stmt, error) {
	cp, err := e.addCheckpoint(stmt, types.CategoryConditional)
	if err != nil {
		return nil, nil, nil, err
	}
	e.pushBlock()
	defer e.pop()

	switch s := stmt.(type) {
	case *ast.IfStmt:
		e.visitFuncLits(s.Init, s.Cond)
		setup := e.header(cp.ID, s.Init, nil)
		cond := setup.fork()
		cond.callSites(s.Cond)
		if err := e.body(s.Body, joined(setup, cond)); err != nil {
			return nil, nil, nil, err
		}
		// Calls in the condition are only known to have run on the taken
		// branch, so else branches see the init writes alone.
		switch el := s.Else.(type) {
		case *ast.BlockStmt:
			if err := e.body(el, setup.stmts); err != nil {
				return nil, nil, nil, err
			}
		case *ast.IfStmt:
			pre, node, post, err := e.visitStmt(el)
			if err != nil {
				return nil, nil, nil, err
			}
			list := setup.stmts(el.Pos())
			list = append(list, pre...)
			list = append(list, node)
			list = append(list, post...)
			s.Else = &ast.BlockStmt{Lbrace: el.Pos(), List: list, Rbrace: el.End()}
		}

	case *ast.SwitchStmt:
		e.visitFuncLits(s.Init, s.Tag)
		header := e.header(cp.ID, s.Init, s.Tag)
		for _, clause := range s.Body.List {
			if err := e.caseClause(clause.(*ast.CaseClause), header, ""); err != nil {
				return nil, nil, nil, err
			}
		}

	case *ast.TypeSwitchStmt:
		e.visitFuncLits(s.Init, s.Assign)
		header := e.header(cp.ID, s.Init, nil)
		bound := ""
		if as, ok := s.Assign.(*ast.AssignStmt); ok && len(as.Lhs) == 1 {
			if id, ok := as.Lhs[0].(*ast.Ident); ok {
				bound = id.Name
			}
		}
		for _, clause := range s.Body.List {
			if err := e.caseClause(clause.(*ast.CaseClause), header, bound); err != nil {
				return nil, nil, nil, err
			}
		}

	case *ast.SelectStmt:
		for _, clause := range s.Body.List {
			if err := e.commClause(clause.(*ast.CommClause)); err != nil {
				return nil, nil, nil, err
			}
		}
	}

	pre := []ast.Stmt{e.calls.checkpoint(cp.ID, e.ctxName(), stmt.Pos())}
	return pre, stmt, nil, nil
}

// header collects the writes of a conditional's init statement and header
// expression. They are logged at the top of every branch, never hoisted, so
// the header is still evaluated exactly once.
func (e *engine) header(id int, init ast.Stmt, expr ast.Expr) *collector {
	c := e.newCollector(id, false)
	if init != nil {
		e.collectSimple(c, init)
	}
	if expr != nil {
		c.callSites(expr)
	}
	return c
}

// joined concatenates the logs of several collectors at one insertion point.
func joined(cs ...*collector) func(token.Pos) []ast.Stmt {
	return func(pos token.Pos) []ast.Stmt {
		var out []ast.Stmt
		for _, c := range cs {
			out = append(out, c.stmts(pos)...)
		}
		return out
	}
}

// body instruments a branch body that has no checkpoint of its own.
func (e *engine) body(b *ast.BlockStmt, head func(token.Pos) []ast.Stmt) error {
	e.pushBlock()
	defer e.pop()

	list, err := e.visitList(b.List)
	if err != nil {
		return err
	}
	b.List = append(head(b.Lbrace), list...)
	return nil
}

func (e *engine) caseClause(cc *ast.CaseClause, header *collector, bound string) error {
	cp, err := e.addCheckpoint(cc, types.CategoryBlock)
	if err != nil {
		return err
	}
	e.visitFuncLits(exprNodes(cc.List)...)
	e.pushBlock()
	defer e.pop()

	own := e.newCollector(cp.ID, false)
	if bound != "" {
		e.scope.declare(bound)
		own.target(&ast.Ident{Name: bound, NamePos: cc.Colon}, true)
	}
	list, err := e.visitList(cc.Body)
	if err != nil {
		return err
	}

	head := []ast.Stmt{e.calls.checkpoint(cp.ID, e.ctxName(), cc.Colon)}
	head = append(head, header.stmts(cc.Colon)...)
	head = append(head, own.stmts(cc.Colon)...)
	cc.Body = append(head, list...)
	return nil
}

func (e *engine) commClause(cc *ast.CommClause) error {
	cp, err := e.addCheckpoint(cc, types.CategoryBlock)
	if err != nil {
		return err
	}
	if cc.Comm != nil {
		e.visitFuncLits(cc.Comm)
	}
	e.pushBlock()
	defer e.pop()

	own := e.newCollector(cp.ID, false)
	if as, ok := cc.Comm.(*ast.AssignStmt); ok {
		e.collectSimple(own, as)
	}
	list, err := e.visitList(cc.Body)
	if err != nil {
		return err
	}

	head := []ast.Stmt{e.calls.checkpoint(cp.ID, e.ctxName(), cc.Colon)}
	head = append(head, own.stmts(cc.Colon)...)
	cc.Body = append(head, list...)
	return nil
}

func (e *engine) loop(stmt ast.Stmt) ([]ast.Stmt, ast.Stmt, []ast.Stmt, error) {
	cp, err := e.addCheckpoint(stmt, types.CategoryLoop)
	if err != nil {
		return nil, nil, nil, err
	}
	e.pushBlock()
	defer e.pop()

	vars := e.newCollector(cp.ID, false)
	var body *ast.BlockStmt
	switch s := stmt.(type) {
	case *ast.ForStmt:
		e.visitFuncLits(s.Init, s.Cond, s.Post)
		if s.Init != nil {
			e.collectSimple(vars, s.Init)
		}
		if s.Post != nil {
			e.collectSimple(vars, s.Post)
		}
		if s.Cond != nil {
			vars.callSites(s.Cond)
		}
		body = s.Body
	case *ast.RangeStmt:
		e.visitFuncLits(s.Key, s.Value, s.X)
		var targets []ast.Expr
		for _, x := range []ast.Expr{s.Key, s.Value} {
			if x == nil {
				continue
			}
			if id, ok := x.(*ast.Ident); ok && s.Tok == token.DEFINE {
				e.scope.declare(id.Name)
			}
			targets = append(targets, x)
		}
		vars.assignment(targets, true)
		body = s.Body
	}

	ctx := e.ctxName()
	err = e.body(body, vars.stmts)
	if err != nil {
		return nil, nil, nil, err
	}
	if n := len(body.List); n == 0 || !terminates(body.List[n-1]) {
		body.List = append(body.List, e.calls.checkpoint(cp.ID, ctx, body.Rbrace))
	}

	pre := []ast.Stmt{e.calls.checkpoint(cp.ID, ctx, stmt.Pos())}
	return pre, stmt, nil, nil
}

func (e *engine) block(b *ast.BlockStmt) error {
	cp, err := e.addCheckpoint(b, types.CategoryBlock)
	if err != nil {
		return err
	}
	e.pushBlock()
	defer e.pop()

	list, err := e.visitList(b.List)
	if err != nil {
		return err
	}
	b.List = append([]ast.Stmt{e.calls.checkpoint(cp.ID, e.ctxName(), b.Lbrace)}, list...)
	return nil
}
