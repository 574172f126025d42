package ast

import (
	"encoding/json"
	"errors"
	"fmt"
	"go/ast"
	"go/token"
	"maps"
	"strconv"
	"strings"

	"golang.org/x/tools/go/ast/astutil"

	"github.com/smith-xyz/go-adli/pkg/injector/types"
)

var ErrMissingPosition = errors.New("node has no source position")

type Options struct {
	// FileID identifies the file in checkpoint records. Defaults to the
	// file name recorded in the FileSet.
	FileID string
	// IsEntry marks the file holding the program's main function.
	IsEntry bool
	// BasePath and ProgramMetadata are passed to the header event of the entry file.
	BasePath        string
	ProgramMetadata string
	Abstractions    *types.Abstractions
	// RuntimeImportPath overrides the import path of the runtime logger.
	RuntimeImportPath string
}

type Result struct {
	File        *ast.File
	Source      []byte
	Checkpoints []types.Checkpoint
	Variables   []types.Variable
	Metadata    map[string]any
}

type function struct {
	id       int
	ctx      string
	disabled map[string]bool
}

type scope struct {
	parent *scope
	fn     *function
	names  map[string]bool
}

func (s *scope) declare(name string) {
	if name != "_" {
		s.names[name] = true
	}
}

func (s *scope) lookup(name string) *scope {
	for c := s; c != nil; c = c.parent {
		if c.names[name] {
			return c
		}
	}
	return nil
}

// local reports whether name resolves to a declaration inside a function.
func (s *scope) local(name string) bool {
	d := s.lookup(name)
	return d != nil && d.parent != nil
}

func (s *scope) known(name string) bool {
	return s.lookup(name) != nil
}

type engine struct {
	fset    *token.FileSet
	file    *ast.File
	counter *types.Counter
	opts    Options
	calls   *callBuilder

	scope          *scope
	globalDisabled map[string]bool
	contextPkg     string

	checkpoints     []*types.Checkpoint
	variables       []types.Variable
	metadata        map[string]any
	abstraction     string
	declAbstraction map[ast.Decl]string
	async           map[*ast.FuncLit]bool
	err             error
}

func newEngine(fset *token.FileSet, file *ast.File, counter *types.Counter, opts Options) *engine {
	if opts.RuntimeImportPath == "" {
		opts.RuntimeImportPath = RuntimeImportPath
	}
	e := &engine{
		fset:            fset,
		file:            file,
		counter:         counter,
		opts:            opts,
		calls:           &callBuilder{alias: RuntimeAlias},
		globalDisabled:  make(map[string]bool),
		declAbstraction: make(map[ast.Decl]string),
		async:           make(map[*ast.FuncLit]bool),
		scope: &scope{
			fn:    &function{disabled: make(map[string]bool)},
			names: make(map[string]bool),
		},
	}
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil || path != "context" {
			continue
		}
		e.contextPkg = "context"
		if imp.Name != nil {
			e.contextPkg = imp.Name.Name
		}
	}
	return e
}

// Inject instruments file in place and renders the result. Checkpoint and
// variable ids are drawn from counter so that several files can share one
// numbering space.
func Inject(fset *token.FileSet, file *ast.File, counter *types.Counter, opts Options) (*Result, error) {
	if file == nil {
		return nil, errors.New("no file to instrument")
	}
	if counter == nil {
		counter = &types.Counter{}
	}
	if opts.FileID == "" {
		opts.FileID = fset.Position(file.Package).Filename
	}

	e := newEngine(fset, file, counter, opts)
	if err := e.run(); err != nil {
		return nil, fmt.Errorf("failed to instrument %s: %w", opts.FileID, err)
	}

	src, err := renderFile(fset, file)
	if err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", opts.FileID, err)
	}
	if err := e.relocate(src); err != nil {
		return nil, fmt.Errorf("failed to relocate %s: %w", opts.FileID, err)
	}

	result := &Result{
		File:        file,
		Source:      src,
		Checkpoints: make([]types.Checkpoint, len(e.checkpoints)),
		Variables:   e.variables,
		Metadata:    e.metadata,
	}
	for i, cp := range e.checkpoints {
		result.Checkpoints[i] = *cp
	}
	return result, nil
}

func (e *engine) run() error {
	if err := e.checkPos(e.file); err != nil {
		return err
	}

	for _, decl := range e.file.Decls {
		gd, ok := decl.(*ast.GenDecl)
		if !ok || gd.Tok != token.VAR {
			continue
		}
		for _, spec := range gd.Specs {
			for _, name := range spec.(*ast.ValueSpec).Names {
				e.scope.declare(name.Name)
			}
		}
	}
	if err := e.packageDirectives(); err != nil {
		return err
	}

	for _, decl := range e.file.Decls {
		e.abstraction = e.declAbstraction[decl]
		var err error
		switch d := decl.(type) {
		case *ast.FuncDecl:
			err = e.visitFuncDecl(d)
		case *ast.GenDecl:
			err = e.visitGenDecl(d)
		}
		if err != nil {
			return err
		}
	}
	if e.err != nil {
		return e.err
	}

	if e.calls.used {
		astutil.AddNamedImport(e.fset, e.file, RuntimeAlias, e.opts.RuntimeImportPath)
	}
	return nil
}

// packageDirectives consumes `var _ = "..."` directives before any function
// is visited, so package-wide settings apply regardless of declaration order.
func (e *engine) packageDirectives() error {
	decls := e.file.Decls[:0]
	pending := ""
	for _, decl := range e.file.Decls {
		gd, ok := decl.(*ast.GenDecl)
		if !ok || gd.Tok != token.VAR {
			if pending != "" {
				e.declAbstraction[decl] = pending
				pending = ""
			}
			decls = append(decls, decl)
			continue
		}

		specs := gd.Specs[:0]
		for _, spec := range gd.Specs {
			d, ok, err := parseDirective(e.fset, spec)
			if err != nil {
				return err
			}
			if !ok {
				specs = append(specs, spec)
				continue
			}
			if d.Type == types.DirectiveAbstractionID {
				id, err := e.abstractionValue(spec, d)
				if err != nil {
					return err
				}
				pending = id
				continue
			}
			if _, err := e.applyDirective(spec, d, false); err != nil {
				return err
			}
		}
		gd.Specs = specs
		if len(specs) == 0 {
			continue
		}
		if pending != "" {
			e.declAbstraction[decl] = pending
			pending = ""
		}
		decls = append(decls, decl)
	}
	e.file.Decls = decls
	return nil
}

// applyDirective executes one directive and returns the statements that
// replace it.
func (e *engine) applyDirective(n ast.Node, d types.Directive, local bool) ([]ast.Stmt, error) {
	switch d.Type {
	case types.DirectiveDisableVariable:
		names, err := directiveNames(d.Value)
		if err != nil {
			return nil, directiveError(e.fset, n, d, err)
		}
		set := e.globalDisabled
		if local {
			set = e.scope.fn.disabled
		}
		for _, name := range names {
			set[name] = true
		}
	case types.DirectiveMetadata:
		if e.metadata != nil {
			return nil, nil
		}
		var meta map[string]any
		if err := json.Unmarshal(d.Value, &meta); err != nil {
			return nil, directiveError(e.fset, n, d, fmt.Errorf("value must be an object: %w", err))
		}
		e.metadata = meta
	case types.DirectiveEncodeOutput:
		if !local {
			return nil, directiveError(e.fset, n, d, errors.New("only valid inside a function"))
		}
		names, err := directiveNames(d.Value)
		if err != nil {
			return nil, directiveError(e.fset, n, d, err)
		}
		out := make([]ast.Stmt, 0, len(names))
		for _, name := range names {
			out = append(out, e.calls.encode(name, n.Pos()))
		}
		return out, nil
	case types.DirectiveAbstractionID:
		id, err := e.abstractionValue(n, d)
		if err != nil {
			return nil, err
		}
		e.abstraction = id
	}
	return nil, nil
}

func (e *engine) abstractionValue(n ast.Node, d types.Directive) (string, error) {
	var id string
	if err := json.Unmarshal(d.Value, &id); err != nil || id == "" {
		return "", directiveError(e.fset, n, d, errors.New("value must be a non-empty string"))
	}
	return id, nil
}

func (e *engine) isDisabled(name string) bool {
	return e.scope.fn.disabled[name] || e.globalDisabled[name]
}

func (e *engine) ctxName() string {
	return e.scope.fn.ctx
}

func (e *engine) pushFunction(id int, ctx string) {
	e.scope = &scope{
		parent: e.scope,
		fn:     &function{id: id, ctx: ctx, disabled: make(map[string]bool)},
		names:  make(map[string]bool),
	}
}

func (e *engine) pushBlock() {
	e.scope = &scope{parent: e.scope, fn: e.scope.fn, names: make(map[string]bool)}
}

func (e *engine) pop() {
	e.scope = e.scope.parent
}

func (e *engine) isContextType(typ ast.Expr) bool {
	sel, ok := typ.(*ast.SelectorExpr)
	if !ok || e.contextPkg == "" || sel.Sel.Name != "Context" {
		return false
	}
	pkg, ok := sel.X.(*ast.Ident)
	return ok && pkg.Name == e.contextPkg
}

// contextParam returns the name of the first named context.Context parameter.
func (e *engine) contextParam(params *ast.FieldList) string {
	if params == nil {
		return ""
	}
	for _, f := range params.List {
		if !e.isContextType(f.Type) {
			continue
		}
		for _, name := range f.Names {
			if name.Name != "_" {
				return name.Name
			}
		}
	}
	return ""
}

func (e *engine) checkPos(n ast.Node) error {
	if !n.Pos().IsValid() || !n.End().IsValid() || e.fset.File(n.Pos()) == nil {
		return fmt.Errorf("%w: %s", ErrMissingPosition, nodeKind(n))
	}
	return nil
}

func nodeKind(n ast.Node) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", n), "*ast.")
}

// addCheckpoint registers n in pre-order. The stripped rendering is taken
// before any of n's children are modified.
func (e *engine) addCheckpoint(n ast.Node, category types.Category) (*types.Checkpoint, error) {
	if err := e.checkPos(n); err != nil {
		return nil, err
	}
	start := e.fset.Position(n.Pos())
	end := e.fset.Position(n.End())

	cp := &types.Checkpoint{
		ID:                  e.counter.NextCheckpoint(),
		File:                e.opts.FileID,
		EnclosingFunctionID: e.scope.fn.id,
		Category:            category,
		Node:                nodeKind(n),
		SourceSpan:          types.Span{Start: start.Line, End: end.Line},
		RenderedText:        renderStripped(n),
	}
	if e.abstraction != "" {
		cp.AbstractionID = e.abstraction
		if e.opts.Abstractions != nil {
			cp.AbstractionVariables = e.opts.Abstractions.Variables[e.abstraction]
		}
		e.abstraction = ""
	} else if id, vars := e.opts.Abstractions.Lookup(start.Line); id != "" {
		cp.AbstractionID = id
		cp.AbstractionVariables = vars
	}
	e.checkpoints = append(e.checkpoints, cp)
	return cp, nil
}

// visitFuncLits instruments function literals found in header nodes. It does
// not descend into the literals it finds; each one is visited as a function.
func (e *engine) visitFuncLits(nodes ...ast.Node) {
	for _, n := range nodes {
		if n == nil {
			continue
		}
		ast.Inspect(n, func(x ast.Node) bool {
			if e.err != nil {
				return false
			}
			fl, ok := x.(*ast.FuncLit)
			if !ok {
				return true
			}
			if err := e.visitFuncLit(fl); err != nil {
				e.err = err
			}
			return false
		})
	}
}

func (e *engine) visitFuncDecl(fd *ast.FuncDecl) error {
	if fd.Body == nil {
		return nil
	}
	cp, err := e.addCheckpoint(fd, types.CategoryFunction)
	if err != nil {
		return err
	}
	if err := e.function(cp, fd.Recv, fd.Type, fd.Body, e.contextParam(fd.Type.Params), nil); err != nil {
		return err
	}

	if e.opts.IsEntry && e.file.Name.Name == "main" && fd.Recv == nil && fd.Name.Name == "main" {
		pos := fd.Body.Lbrace
		meta := e.opts.ProgramMetadata
		if meta == "" {
			meta = "{}"
		}
		prologue := []ast.Stmt{
			e.calls.header(meta, e.opts.BasePath, pos),
			e.calls.deferred(fnClose, pos),
			e.calls.deferred(fnRecover, pos),
		}
		fd.Body.List = append(prologue, fd.Body.List...)
	}
	return nil
}

func (e *engine) visitFuncLit(fl *ast.FuncLit) error {
	cp, err := e.addCheckpoint(fl, types.CategoryFunction)
	if err != nil {
		return err
	}
	cp.IsAsync = e.async[fl]

	ctx := e.ctxName()
	if own := e.contextParam(fl.Type.Params); own != "" {
		ctx = own
	} else if declares(fl.Type.Params, ctx) {
		ctx = ""
	}
	return e.function(cp, nil, fl.Type, fl.Body, ctx, e.scope.fn.disabled)
}

// function instruments a function body: the checkpoint and parameter logs
// become its first statements.
func (e *engine) function(cp *types.Checkpoint, recv *ast.FieldList, ft *ast.FuncType, body *ast.BlockStmt, ctx string, inherited map[string]bool) error {
	e.pushFunction(cp.ID, ctx)
	defer e.pop()

	maps.Copy(e.scope.fn.disabled, inherited)
	for _, stmt := range body.List {
		d, ok, err := parseDirective(e.fset, stmt)
		if err != nil {
			return err
		}
		if ok && d.Type == types.DirectiveDisableVariable {
			if _, err := e.applyDirective(stmt, d, true); err != nil {
				return err
			}
		}
	}
	for _, fl := range []*ast.FieldList{recv, ft.Params, ft.Results} {
		if fl == nil {
			continue
		}
		for _, f := range fl.List {
			for _, name := range f.Names {
				e.scope.declare(name.Name)
			}
		}
	}
	cp.IsUniqueTraceRoot = assignsTraceRoot(body)

	params := e.newCollector(cp.ID, false)
	params.fields(recv, ft.Params)

	list, err := e.visitList(body.List)
	if err != nil {
		return err
	}
	head := []ast.Stmt{e.calls.checkpoint(cp.ID, ctx, body.Lbrace)}
	head = append(head, params.stmts(body.Lbrace)...)
	body.List = append(head, list...)
	return nil
}

func declares(fl *ast.FieldList, name string) bool {
	if fl == nil || name == "" {
		return false
	}
	for _, f := range fl.List {
		for _, n := range f.Names {
			if n.Name == name {
				return true
			}
		}
	}
	return false
}

// assignsTraceRoot reports whether body itself, not a nested literal,
// assigns the reserved trace-root variable.
func assignsTraceRoot(body *ast.BlockStmt) bool {
	found := false
	ast.Inspect(body, func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.FuncLit:
			return false
		case *ast.AssignStmt:
			for _, lhs := range x.Lhs {
				if id, ok := lhs.(*ast.Ident); ok && id.Name == TraceRootVariable {
					found = true
				}
			}
		case *ast.ValueSpec:
			for _, id := range x.Names {
				if id.Name == TraceRootVariable {
					found = true
				}
			}
		}
		return !found
	})
	return found
}

// visitGenDecl wraps package-level initializers so their values are logged
// when the package is initialized.
func (e *engine) visitGenDecl(gd *ast.GenDecl) error {
	if gd.Tok != token.VAR {
		return nil
	}
	for _, spec := range gd.Specs {
		vs := spec.(*ast.ValueSpec)
		if len(vs.Values) == 0 {
			continue
		}
		var wrap []int
		if len(vs.Values) == len(vs.Names) {
			for i, name := range vs.Names {
				if name.Name != "_" && !e.isDisabled(name.Name) {
					wrap = append(wrap, i)
				}
			}
		}
		if len(wrap) == 0 {
			e.visitFuncLits(exprNodes(vs.Values)...)
			continue
		}

		cp, err := e.addCheckpoint(vs, types.CategoryStatement)
		if err != nil {
			return err
		}
		e.visitFuncLits(exprNodes(vs.Values)...)
		for n, i := range wrap {
			id := e.counter.NextVariable()
			name := vs.Names[i].Name
			e.variables = append(e.variables, types.Variable{
				ID:           id,
				CheckpointID: cp.ID,
				Name:         name,
				KeyPath:      []types.Key{},
				Syntax:       name,
				IsGlobal:     true,
			})
			checkpointArg := 0
			if n == 0 {
				checkpointArg = cp.ID
			}
			vs.Values[i] = e.calls.global(checkpointArg, id, vs.Type, vs.Values[i], vs.Values[i].Pos())
		}
	}
	return e.err
}
