package adli

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarAndGlobal(t *testing.T) {
	l, out := newTestLogger(t)
	useDefault(t, l)

	assert.Equal(t, 42, Global(5, 9, 42))
	assert.Equal(t, "x", Global(0, 10, "x"))
	assert.Equal(t, []int{1}, Var(11, []int{1}))

	events := readEvents(t, out.Bytes())
	require.Len(t, events, 4)
	assert.Equal(t, EventExecution, events[0]["type"])
	assert.Equal(t, float64(5), events[0]["checkpointId"])
	assert.Equal(t, float64(9), events[1]["variableId"])
	assert.Equal(t, float64(10), events[2]["variableId"])
}

func TestEncodeThenVar_RestoresPayload(t *testing.T) {
	l, _ := newTestLogger(t)
	useDefault(t, l)

	msg := Encode("msg", "hello")
	assert.NotEqual(t, "hello", msg)
	assert.True(t, IsToken(msg))
	assert.Equal(t, "hello", Var(1, msg))

	var boxed any = []int{1, 2}
	boxed = Encode("boxed", boxed)
	_, isToken := boxed.(Token)
	assert.True(t, isToken)
	assert.Equal(t, []int{1, 2}, Var(2, boxed))

	n := Encode("n", 5)
	assert.Equal(t, 5, n)

	c := l.Counters()
	assert.Equal(t, uint64(3), c.Outputs)
	assert.Equal(t, uint64(2), c.Inputs)
}

func TestEncodeThenVar_RestoresBytes(t *testing.T) {
	l, out := newTestLogger(t)
	useDefault(t, l)

	data := Encode("data", []byte("hello"))
	assert.True(t, IsToken(data))
	assert.Equal(t, []byte("hello"), Var(1, data))

	events := readEvents(t, out.Bytes())
	require.Len(t, events, 3)
	assert.Equal(t, EventOutput, events[0]["type"])
	assert.Equal(t, "hello", events[0]["value"])
	assert.Equal(t, EventInput, events[1]["type"])
	assert.Equal(t, "hello", events[1]["value"])
	assert.Equal(t, EventVariable, events[2]["type"])
	assert.Equal(t, "hello", events[2]["value"])
}

func TestVarCtx(t *testing.T) {
	l, out := newTestLogger(t)
	useDefault(t, l)
	ctx := WithTask(context.Background())

	StmtCtx(ctx, 1)
	VarCtx(ctx, 2, "v")

	events := readEvents(t, out.Bytes())
	require.Len(t, events, 2)
	assert.Equal(t, TaskID(ctx), events[0]["taskId"])
	assert.Equal(t, TaskID(ctx), events[1]["scopeCorrelationId"])
}

func TestRecover_LogsAndRepanics(t *testing.T) {
	l, out := newTestLogger(t)
	useDefault(t, l)

	assert.PanicsWithValue(t, "fatal", func() {
		defer Recover()
		Stmt(1)
		panic("fatal")
	})

	assert.Equal(t, uint64(1), l.Counters().Exceptions)
	events := readEvents(t, out.Bytes())
	require.Len(t, events, 2)
	assert.Equal(t, EventException, events[1]["type"])
}

func TestRecover_NoPanic(t *testing.T) {
	l, out := newTestLogger(t)
	useDefault(t, l)

	assert.NotPanics(t, func() {
		defer Recover()
	})
	assert.Empty(t, out.Bytes())
}

func TestGoroutineID(t *testing.T) {
	self := goroutineID()
	require.NotZero(t, self)

	var other uint64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		other = goroutineID()
	}()
	wg.Wait()

	assert.NotZero(t, other)
	assert.NotEqual(t, self, other)
}

func TestWithTask(t *testing.T) {
	assert.Equal(t, "", TaskID(context.Background()))

	ctx := WithTask(context.Background())
	task, ok := TaskFrom(ctx)
	require.True(t, ok)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, goroutineID(), task.Origin)

	child := WithTask(ctx)
	assert.NotEqual(t, TaskID(ctx), TaskID(child))
}

func TestDetectToken(t *testing.T) {
	tok := Token{ExecutionID: "e", ExecutionIndex: 3, Value: "v"}

	tests := []struct {
		name string
		in   any
		want bool
	}{
		{"token", tok, true},
		{"token pointer", &tok, true},
		{"nil token pointer", (*Token)(nil), false},
		{"json text", tok.String(), true},
		{"json bytes", []byte(tok.String()), true},
		{"map", map[string]any{TokenExecutionIDKey: "e", TokenExecutionIndexKey: float64(3), TokenValueKey: nil}, true},
		{"map with extra key", map[string]any{TokenExecutionIDKey: "e", TokenExecutionIndexKey: 3, TokenValueKey: 1, "x": 1}, false},
		{"negative index", map[string]any{TokenExecutionIDKey: "e", TokenExecutionIndexKey: -1, TokenValueKey: 1}, false},
		{"plain string", "hello", false},
		{"number", 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsToken(tt.in))
		})
	}
}

func TestLedgerEviction(t *testing.T) {
	lg := newLedger(2)
	lg.record(1, "a")
	lg.record(2, "b")
	lg.record(3, "c")

	_, ok := lg.lookup(1)
	assert.False(t, ok)
	name, ok := lg.lookup(3)
	assert.True(t, ok)
	assert.Equal(t, "c", name)

	m := lg.metrics()
	assert.Equal(t, int64(1), m["evictions"])
	assert.Equal(t, int64(1), m["matches"])
	assert.Equal(t, int64(1), m["misses"])
}
