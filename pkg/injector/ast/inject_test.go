package ast

import (
	"errors"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
	"testing"

	"github.com/smith-xyz/go-adli/pkg/injector/types"
)

func injectSource(t *testing.T, src string, counter *types.Counter, opts Options) *Result {
	t.Helper()
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "test.go", src, parser.ParseComments)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if counter == nil {
		counter = &types.Counter{}
	}
	result, err := Inject(fset, file, counter, opts)
	if err != nil {
		t.Fatalf("Inject failed: %v", err)
	}
	return result
}

func checkpointsByCategory(result *Result, category types.Category) []types.Checkpoint {
	var out []types.Checkpoint
	for _, cp := range result.Checkpoints {
		if cp.Category == category {
			out = append(out, cp)
		}
	}
	return out
}

func TestInject_PackageVar(t *testing.T) {
	result := injectSource(t, "package main\n\nvar x = 1\n", nil, Options{})

	if len(result.Checkpoints) != 1 {
		t.Fatalf("Expected 1 checkpoint, got %d", len(result.Checkpoints))
	}
	cp := result.Checkpoints[0]
	if cp.Category != types.CategoryStatement || cp.Node != "ValueSpec" || cp.EnclosingFunctionID != 0 {
		t.Errorf("Unexpected checkpoint: %+v", cp)
	}
	if cp.RenderedText != "var x = 1" {
		t.Errorf("Expected rendered text %q, got %q", "var x = 1", cp.RenderedText)
	}

	if len(result.Variables) != 1 {
		t.Fatalf("Expected 1 variable, got %d", len(result.Variables))
	}
	v := result.Variables[0]
	if v.Name != "x" || len(v.KeyPath) != 0 || !v.IsGlobal || v.CheckpointID != cp.ID {
		t.Errorf("Unexpected variable: %+v", v)
	}

	output := string(result.Source)
	if !strings.HasPrefix(output, instrumentationMarker) {
		t.Error("Expected generated-code marker at the top of the output")
	}
	if !strings.Contains(output, "var x = __adli.Global(1, 1, 1)") {
		t.Errorf("Expected wrapped initializer, got:\n%s", output)
	}
	if !strings.Contains(output, `__adli "github.com/smith-xyz/go-adli/pkg/adli"`) {
		t.Error("Expected runtime import to be added")
	}
	if cp.InjectedSpan.Start == 0 {
		t.Error("Expected injected span to be filled")
	}
}

func TestInject_TypedPackageVars(t *testing.T) {
	src := `package main

var (
	a, b int64 = 1, 2
	_        = 3
	c, d     = pair()
)

func pair() (int, int) { return 1, 2 }
`
	result := injectSource(t, src, nil, Options{})
	output := string(result.Source)

	if !strings.Contains(output, "__adli.Global[int64](1, 1, 1)") {
		t.Errorf("Expected typed wrapper for a, got:\n%s", output)
	}
	if !strings.Contains(output, "__adli.Global[int64](0, 2, 2)") {
		t.Errorf("Expected second value wrapped without checkpoint, got:\n%s", output)
	}
	if got := strings.Count(output, "__adli.Global"); got != 2 {
		t.Errorf("Blank and multi-value specs must not be wrapped, got %d wrappers:\n%s", got, output)
	}
	if len(result.Variables) != 2 {
		t.Errorf("Expected 2 variables, got %d", len(result.Variables))
	}
}

func TestInject_FunctionWithConditional(t *testing.T) {
	src := `package p

func f(a int) int {
	if a > 0 {
		return a
	}
	return 0
}
`
	result := injectSource(t, src, nil, Options{})

	if len(result.Checkpoints) != 4 {
		t.Fatalf("Expected 4 checkpoints, got %d", len(result.Checkpoints))
	}
	fn := result.Checkpoints[0]
	if fn.Category != types.CategoryFunction || fn.EnclosingFunctionID != 0 {
		t.Errorf("Unexpected function checkpoint: %+v", fn)
	}
	if fn.RenderedText != "func f(a int) int" {
		t.Errorf("Unexpected rendered text: %q", fn.RenderedText)
	}
	for _, cp := range result.Checkpoints[1:] {
		if cp.EnclosingFunctionID != fn.ID {
			t.Errorf("Checkpoint %d: expected enclosing function %d, got %d", cp.ID, fn.ID, cp.EnclosingFunctionID)
		}
	}
	if result.Checkpoints[1].Category != types.CategoryConditional {
		t.Errorf("Expected conditional, got %s", result.Checkpoints[1].Category)
	}
	if !strings.HasPrefix(result.Checkpoints[1].RenderedText, "if a > 0") {
		t.Errorf("Unexpected conditional text: %q", result.Checkpoints[1].RenderedText)
	}

	output := string(result.Source)
	for _, want := range []string{"__adli.Stmt(1)", "a = __adli.Var(1, a)", "__adli.Stmt(2)", "__adli.Stmt(3)", "__adli.Stmt(4)"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected output to contain %q:\n%s", want, output)
		}
	}
}

func TestInject_DisableDirective(t *testing.T) {
	src := `package p

func g() {
	_ = "{\"type\":\"adli_disable_variable\",\"value\":[\"secret\"]}"
	secret := 1
	other := 2
	_, _ = secret, other
}
`
	result := injectSource(t, src, nil, Options{})
	output := string(result.Source)

	if strings.Contains(output, "adli_disable_variable") {
		t.Error("Directive should be consumed")
	}
	if strings.Contains(output, "secret = __adli.Var") {
		t.Error("Disabled variable should not be logged")
	}
	if !strings.Contains(output, "other = __adli.Var(1, other)") {
		t.Errorf("Expected other to be logged:\n%s", output)
	}
	if len(result.Checkpoints) != 4 {
		t.Errorf("Expected 4 checkpoints, got %d", len(result.Checkpoints))
	}
	for _, v := range result.Variables {
		if v.Name == "secret" {
			t.Error("Disabled variable must not be recorded")
		}
	}
}

func TestInject_GlobalDisableDirective(t *testing.T) {
	src := `package p

func use() {
	token = "b"
}

var _ = "{\"type\":\"adli_disable_variable\",\"value\":\"token\"}"

var token = "a"
`
	result := injectSource(t, src, nil, Options{})
	if len(result.Variables) != 0 {
		t.Errorf("Expected no variables, got %+v", result.Variables)
	}
	if strings.Contains(string(result.Source), "adli_disable_variable") {
		t.Error("Package directive should be removed")
	}
}

func TestInject_RangeLoop(t *testing.T) {
	src := `package p

func h() int {
	y := 0
	for i := range 3 {
		y = i
	}
	return y
}
`
	result := injectSource(t, src, nil, Options{})

	loops := checkpointsByCategory(result, types.CategoryLoop)
	if len(loops) != 1 {
		t.Fatalf("Expected 1 loop checkpoint, got %d", len(loops))
	}
	output := string(result.Source)
	marker := "__adli.Stmt(3)"
	if got := strings.Count(output, marker); got != 2 {
		t.Errorf("Expected %s twice, got %d:\n%s", marker, got, output)
	}
	if !strings.Contains(output, "i = __adli.Var(2, i)") {
		t.Errorf("Expected loop variable log:\n%s", output)
	}
	if !strings.Contains(output, "y = __adli.Var(3, y)") {
		t.Errorf("Expected body assignment log:\n%s", output)
	}
}

func TestInject_ForLoopFoldsDuplicates(t *testing.T) {
	src := `package p

func sum(n int) (total int) {
	for i := 0; i < n; i++ {
		total += i
	}
	return
}
`
	result := injectSource(t, src, nil, Options{})

	var loopVar *types.Variable
	for i := range result.Variables {
		if result.Variables[i].Name == "i" {
			loopVar = &result.Variables[i]
		}
	}
	if loopVar == nil {
		t.Fatal("Expected loop variable to be recorded")
	}
	if loopVar.Reuses != 1 {
		t.Errorf("Expected init and post writes to fold, got reuses %d", loopVar.Reuses)
	}
}

func TestInject_PreOrderAndUniqueAcrossFiles(t *testing.T) {
	counter := &types.Counter{}
	srcs := []string{
		`package p

func a() {
	x := 1
	if x > 0 {
		x++
	}
}
`,
		`package p

func b(n int) {
	for n > 0 {
		n--
	}
}
`,
	}

	seenCP := map[int]bool{}
	seenVar := map[int]bool{}
	for _, src := range srcs {
		result := injectSource(t, src, counter, Options{})
		last := 0
		for _, cp := range result.Checkpoints {
			if seenCP[cp.ID] {
				t.Errorf("Duplicate checkpoint id %d", cp.ID)
			}
			seenCP[cp.ID] = true
			if cp.ID <= last {
				t.Errorf("Checkpoint ids not increasing: %d after %d", cp.ID, last)
			}
			if cp.EnclosingFunctionID != 0 && cp.ID <= cp.EnclosingFunctionID {
				t.Errorf("Checkpoint %d precedes its function %d", cp.ID, cp.EnclosingFunctionID)
			}
			last = cp.ID
		}
		for _, v := range result.Variables {
			if seenVar[v.ID] {
				t.Errorf("Duplicate variable id %d", v.ID)
			}
			seenVar[v.ID] = true
		}
	}
	if counter.Checkpoint != len(seenCP)+1 {
		t.Errorf("Counter not advanced: %d", counter.Checkpoint)
	}
}

func TestInject_ElseIf(t *testing.T) {
	src := `package p

func sign(n int) string {
	if n < 0 {
		return "neg"
	} else if n == 0 {
		return "zero"
	} else {
		return "pos"
	}
}
`
	result := injectSource(t, src, nil, Options{})

	conds := checkpointsByCategory(result, types.CategoryConditional)
	if len(conds) != 2 {
		t.Fatalf("Expected 2 conditionals, got %d", len(conds))
	}
	if conds[1].EnclosingFunctionID != result.Checkpoints[0].ID {
		t.Error("Nested conditional should belong to the function")
	}
	if _, err := parser.ParseFile(token.NewFileSet(), "out.go", result.Source, 0); err != nil {
		t.Errorf("Output does not parse: %v", err)
	}
}

func TestInject_IfInitLoggedInEveryBranch(t *testing.T) {
	src := `package p

func lookup(m map[string]int) int {
	if v, ok := m["k"]; ok {
		return v
	} else {
		return -1
	}
}
`
	result := injectSource(t, src, nil, Options{})
	output := string(result.Source)

	if got := strings.Count(output, "ok = __adli.Var("); got != 2 {
		t.Errorf("Expected header variable logged in both branches, got %d:\n%s", got, output)
	}
}

func TestInject_HoistsSideEffectingIndex(t *testing.T) {
	src := `package p

func m(a []int, next func() int) {
	a[next()] = 1
}
`
	result := injectSource(t, src, nil, Options{})
	output := string(result.Source)

	if !strings.Contains(output, "__adliTmp3 := __adli.Var(3, next())") {
		t.Errorf("Expected hoisted temporary:\n%s", output)
	}
	if !strings.Contains(output, "a[__adliTmp3] = 1") {
		t.Errorf("Expected substituted index:\n%s", output)
	}
	if !strings.Contains(output, "__adli.Var(4, a[__adliTmp3])") {
		t.Errorf("Expected access path log:\n%s", output)
	}
	if strings.Index(output, "__adliTmp3 :=") > strings.Index(output, "__adli.Stmt(2)") {
		t.Error("Temporary must be declared before the checkpoint")
	}

	temp := result.Variables[2]
	if !temp.IsTemporary || temp.Syntax != "next()" {
		t.Errorf("Unexpected temporary record: %+v", temp)
	}
	path := result.Variables[3]
	if len(path.KeyPath) != 1 || path.KeyPath[0].Kind != types.KeyTemp || path.KeyPath[0].Value != "__adliTmp3" {
		t.Errorf("Unexpected key path: %+v", path.KeyPath)
	}
}

func TestInject_CallSites(t *testing.T) {
	src := `package p

import "fmt"

var registry = map[string]int{}

func c(items []counter) {
	var buf counter
	buf.Add(1)
	fill(&buf)
	delete(registry, "k")
	items[0].Reset()
	fmt.Println(buf)
}
`
	result := injectSource(t, src, nil, Options{})
	output := string(result.Source)

	for _, want := range []string{"__adli.Var(4, &buf)\n", "__adli.Var(5, &buf)\n", "__adli.Var(6, &registry)\n", "__adli.Var(7, items[0])\n"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected output to contain %q:\n%s", want, output)
		}
	}
	if strings.Contains(output, "&items[0]") {
		t.Errorf("Indexed receivers must be logged by value:\n%s", output)
	}
	for _, v := range result.Variables {
		if v.Name == "fmt" {
			t.Error("Package names must not be tracked")
		}
		if v.Name == "registry" && !v.IsGlobal {
			t.Error("registry should be global")
		}
	}
}

func TestInject_ShortCircuitGuards(t *testing.T) {
	src := `package p

func check(p *node, s []node) bool {
	if p != nil && p.child.ok() {
		return true
	} else {
		p = nil
	}
	v := p == nil || p.child.ok()
	for i := 0; i < len(s) && s[i].ok(); i++ {
	}
	return v
}
`
	result := injectSource(t, src, nil, Options{})
	output := string(result.Source)

	for _, unwanted := range []string{"p.child)", "s[i])"} {
		if strings.Contains(output, unwanted) {
			t.Errorf("Guarded operand %q must not be logged:\n%s", unwanted, output)
		}
	}
	for _, v := range result.Variables {
		if v.Syntax == "p.child" || v.Syntax == "s[i]" {
			t.Errorf("Unexpected variable %s", v.Syntax)
		}
	}
}

func TestInject_ElseSkipsConditionCalls(t *testing.T) {
	src := `package p

func f(w *writer, r reader) {
	if err := w.flush(); r.ready() {
		println(err)
	} else {
		println("idle")
	}
}
`
	result := injectSource(t, src, nil, Options{})
	output := string(result.Source)

	idx := strings.Index(output, "} else {")
	if idx < 0 {
		t.Fatalf("Expected an else branch:\n%s", output)
	}
	then, els := output[:idx], output[idx:]
	if !strings.Contains(then, "&r)") {
		t.Errorf("Expected the taken branch to log the condition receiver:\n%s", output)
	}
	if strings.Contains(els, "&r)") {
		t.Errorf("Else branch must not log the condition receiver:\n%s", output)
	}
	for _, branch := range []string{then, els} {
		if !strings.Contains(branch, "err = __adli.Var(") {
			t.Errorf("Expected the init write in both branches:\n%s", output)
		}
	}
}

func TestInject_EncodeDirective(t *testing.T) {
	src := `package p

func produce() string {
	msg := "hi"
	_ = "{\"type\":\"adli_encode_output\",\"value\":[\"msg\"]}"
	return msg
}
`
	result := injectSource(t, src, nil, Options{})
	if !strings.Contains(string(result.Source), `msg = __adli.Encode("msg", msg)`) {
		t.Errorf("Expected encode call:\n%s", result.Source)
	}
}

func TestInject_MetadataAndAbstraction(t *testing.T) {
	src := `package p

var _ = "{\"type\":\"adli_metadata\",\"value\":{\"service\":\"demo\"}}"

func work() {
	_ = "{\"type\":\"adli_abstraction_id\",\"value\":\"2-1\"}"
	step()
	step()
}
`
	result := injectSource(t, src, nil, Options{})

	if result.Metadata["service"] != "demo" {
		t.Errorf("Expected metadata, got %v", result.Metadata)
	}
	if result.Checkpoints[1].AbstractionID != "2-1" {
		t.Errorf("Expected abstraction on the next checkpoint, got %+v", result.Checkpoints[1])
	}
	if result.Checkpoints[2].AbstractionID != "" {
		t.Error("Abstraction id must attach to one checkpoint only")
	}
}

func TestInject_AbstractionMap(t *testing.T) {
	src := `package p

func work() {
	step()
}
`
	abs := &types.Abstractions{
		ByLine:    map[int]string{4: "1-1"},
		Variables: map[string][]string{"1-1": {"total"}},
	}
	result := injectSource(t, src, nil, Options{Abstractions: abs})
	cp := result.Checkpoints[1]
	if cp.AbstractionID != "1-1" || len(cp.AbstractionVariables) != 1 {
		t.Errorf("Unexpected abstraction data: %+v", cp)
	}
}

func TestInject_UnknownDirective(t *testing.T) {
	src := `package p

func bad() {
	_ = "{\"type\":\"adli_bogus\"}"
}
`
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "test.go", src, 0)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	_, err = Inject(fset, file, &types.Counter{}, Options{})
	if !errors.Is(err, ErrInvalidDirective) {
		t.Errorf("Expected ErrInvalidDirective, got %v", err)
	}
}

func TestInject_InertStringsAreStatements(t *testing.T) {
	src := `package p

func inert() {
	_ = "{\"type\":\"other\"}"
	_ = "not json"
}
`
	result := injectSource(t, src, nil, Options{})
	if len(result.Checkpoints) != 3 {
		t.Errorf("Expected inert strings to be instrumented, got %d checkpoints", len(result.Checkpoints))
	}
}

func TestInject_MissingPosition(t *testing.T) {
	file := &ast.File{
		Name: ast.NewIdent("p"),
		Decls: []ast.Decl{&ast.FuncDecl{
			Name: ast.NewIdent("f"),
			Type: &ast.FuncType{Params: &ast.FieldList{}},
			Body: &ast.BlockStmt{},
		}},
	}
	_, err := Inject(token.NewFileSet(), file, &types.Counter{}, Options{FileID: "synthetic.go"})
	if !errors.Is(err, ErrMissingPosition) {
		t.Errorf("Expected ErrMissingPosition, got %v", err)
	}
}

func TestInject_EntryMain(t *testing.T) {
	src := `package main

func main() {
	run()
}

func run() {}
`
	result := injectSource(t, src, nil, Options{IsEntry: true, BasePath: "/srv/app", ProgramMetadata: `{"service":"demo"}`})
	output := string(result.Source)

	header := strings.Index(output, "__adli.Header(")
	closer := strings.Index(output, "defer __adli.Close()")
	recoverer := strings.Index(output, "defer __adli.Recover()")
	stmt := strings.Index(output, "__adli.Stmt(1)")
	if header < 0 || closer < header || recoverer < closer || stmt < recoverer {
		t.Errorf("Unexpected entry prologue:\n%s", output)
	}
	if !strings.Contains(output, `"/srv/app"`) {
		t.Error("Expected base path in header call")
	}

	notEntry := injectSource(t, src, nil, Options{})
	if strings.Contains(string(notEntry.Source), "__adli.Header(") {
		t.Error("Only the entry file gets a header")
	}
}

func TestInject_ContextAndGoroutines(t *testing.T) {
	src := `package p

import "context"

func serve(ctx context.Context, n int) {
	go func(ctx context.Context) {
		handle(ctx)
	}(ctx)
}
`
	result := injectSource(t, src, nil, Options{})
	output := string(result.Source)

	for _, want := range []string{"__adli.StmtCtx(ctx, 1)", "n = __adli.VarCtx(ctx, 1, n)", "__adli.WithTask(ctx)"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected output to contain %q:\n%s", want, output)
		}
	}
	if strings.Contains(output, "ctx = __adli.") {
		t.Error("Context parameters must not be logged")
	}

	funcs := checkpointsByCategory(result, types.CategoryFunction)
	if len(funcs) != 2 {
		t.Fatalf("Expected 2 functions, got %d", len(funcs))
	}
	lit := funcs[1]
	if !lit.IsAsync || lit.EnclosingFunctionID != funcs[0].ID {
		t.Errorf("Unexpected literal checkpoint: %+v", lit)
	}
	if lit.RenderedText != "func(ctx context.Context) {\n}" && !strings.HasPrefix(lit.RenderedText, "func(ctx context.Context)") {
		t.Errorf("Unexpected literal text: %q", lit.RenderedText)
	}
}

func TestInject_SwitchClauses(t *testing.T) {
	src := `package p

func kind(v any) int {
	switch x := v.(type) {
	case int:
		return x
	default:
		return 0
	}
}
`
	result := injectSource(t, src, nil, Options{})
	output := string(result.Source)

	blocks := checkpointsByCategory(result, types.CategoryBlock)
	if len(blocks) != 2 {
		t.Fatalf("Expected 2 clause checkpoints, got %d", len(blocks))
	}
	for _, want := range []string{"x = __adli.Var(2, x)", "x = __adli.Var(3, x)"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected output to contain %q:\n%s", want, output)
		}
	}
	for _, cp := range blocks {
		if cp.InjectedSpan.Start == 0 {
			t.Errorf("Clause %d has no injected span", cp.ID)
		}
	}
}

func TestInject_SelectAndLabels(t *testing.T) {
	src := `package p

func drain(ch chan int) {
outer:
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				break outer
			}
			_ = v
		default:
			return
		}
	}
}
`
	result := injectSource(t, src, nil, Options{})
	output := string(result.Source)

	if !strings.Contains(output, "break outer") {
		t.Error("Label must be preserved")
	}
	if !strings.Contains(output, "v = __adli.Var(") {
		t.Errorf("Expected received value log:\n%s", output)
	}
	if len(checkpointsByCategory(result, types.CategoryLoop)) != 1 {
		t.Error("Expected loop checkpoint for labeled for")
	}
}

func TestInject_TraceRoot(t *testing.T) {
	src := `package p

func handler() {
	adliTraceID := "req"
	_ = adliTraceID
}

func helper() {
	go func() {
		adliTraceID := "inner"
		_ = adliTraceID
	}()
}
`
	result := injectSource(t, src, nil, Options{})
	if !result.Checkpoints[0].IsUniqueTraceRoot {
		t.Error("handler should be a trace root")
	}
	for _, cp := range result.Checkpoints {
		if cp.RenderedText == "func helper()" && cp.IsUniqueTraceRoot {
			t.Error("Nested literal must not mark its parent")
		}
	}
}

func TestInject_BareBlockAndPanics(t *testing.T) {
	src := `package p

func fail(err error) {
	{
		x := 1
		_ = x
	}
	panic(err)
}
`
	result := injectSource(t, src, nil, Options{})
	output := string(result.Source)

	if len(checkpointsByCategory(result, types.CategoryBlock)) != 1 {
		t.Error("Expected block checkpoint")
	}
	if strings.Contains(output[strings.Index(output, "panic(err)"):], "__adli.") {
		t.Errorf("Nothing may follow a panic:\n%s", output)
	}
}

func TestInject_NoCheckpointsNoImport(t *testing.T) {
	result := injectSource(t, "package p\n\ntype T struct{}\n\nconst c = 1\n", nil, Options{})
	if len(result.Checkpoints) != 0 {
		t.Errorf("Expected no checkpoints, got %d", len(result.Checkpoints))
	}
	if strings.Contains(string(result.Source), "go-adli/pkg/adli") {
		t.Error("Unmodified file must not import the runtime")
	}
}
