package adli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Config controls a Logger. The zero value writes uncompressed events to
// the adli directory under os.TempDir.
type Config struct {
	Dir             string
	ExecutionID     string
	MaxDepth        int
	Compress        bool
	CallStack       bool
	CallStackDepth  int
	MaxCorrelations int
	Disabled        bool
	// Writer replaces the file sink, mostly for tests.
	Writer io.Writer
}

func ConfigFromEnv() Config {
	return Config{
		Dir:             os.Getenv(ENV_LOG_DIR),
		ExecutionID:     os.Getenv(ENV_EXECUTION_ID),
		MaxDepth:        getEnvInt(ENV_MAX_DEPTH, defaultMaxDepth),
		Compress:        os.Getenv(ENV_LOG_COMPRESS) == compressionZstd,
		CallStack:       os.Getenv(ENV_CALL_STACK) == "true",
		CallStackDepth:  getEnvInt(ENV_CALL_STACK_DEPTH, defaultCallStackDepth),
		MaxCorrelations: getEnvInt(ENV_MAX_CORRELATIONS, defaultMaxCorrelations),
		Disabled:        os.Getenv(ENV_DISABLED) == "true",
	}
}

func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			return i
		}
	}
	return defaultValue
}

// Counters is a snapshot of how many events of each kind were emitted.
type Counters struct {
	Events     uint64 `json:"events"`
	Statements uint64 `json:"statements"`
	Variables  uint64 `json:"variables"`
	Exceptions uint64 `json:"exceptions"`
	Headers    uint64 `json:"headers"`
	Inputs     uint64 `json:"inputs"`
	Outputs    uint64 `json:"outputs"`
	Dropped    uint64 `json:"dropped"`
}

type counters struct {
	events, statements, variables, exceptions atomic.Uint64
	headers, inputs, outputs, dropped         atomic.Uint64
}

// Logger emits runtime events for one execution. It is safe for concurrent use
// and never returns errors to the instrumented program.
type Logger struct {
	cfg         Config
	executionID string
	sink        sink
	ledger      *ledger
	counts      counters
}

// New creates a Logger. When the log file cannot be opened the Logger is
// still usable but discards events; the error is returned for callers that care.
func New(cfg Config) (*Logger, error) {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.CallStackDepth <= 0 {
		cfg.CallStackDepth = defaultCallStackDepth
	}
	if cfg.ExecutionID == "" {
		cfg.ExecutionID = uuid.NewString()
	}

	l := &Logger{
		cfg:         cfg,
		executionID: cfg.ExecutionID,
		sink:        discardSink{},
		ledger:      newLedger(cfg.MaxCorrelations),
	}

	switch {
	case cfg.Disabled:
	case cfg.Writer != nil:
		l.sink = newWriterSink(cfg.Writer)
	default:
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join(os.TempDir(), defaultLogDirName)
		}
		s, err := openFileSink(dir, l.executionID, cfg.Compress)
		if err != nil {
			return l, err
		}
		l.sink = s
	}
	return l, nil
}

var (
	defaultLogger atomic.Pointer[Logger]
	defaultMu     sync.Mutex
)

// Default returns the process-wide Logger used by injected code, creating it
// from the environment on first use.
func Default() *Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	l, _ := New(ConfigFromEnv())
	defaultLogger.Store(l)
	return l
}

// SetDefault replaces the process-wide Logger.
func SetDefault(l *Logger) {
	defaultLogger.Store(l)
}

func (l *Logger) ExecutionID() string {
	return l.executionID
}

// Path returns the log file path, or "" when events are not written to a file.
func (l *Logger) Path() string {
	if s, ok := l.sink.(*streamSink); ok {
		return s.path
	}
	return ""
}

func (l *Logger) Counters() Counters {
	return Counters{
		Events:     l.counts.events.Load(),
		Statements: l.counts.statements.Load(),
		Variables:  l.counts.variables.Load(),
		Exceptions: l.counts.exceptions.Load(),
		Headers:    l.counts.headers.Load(),
		Inputs:     l.counts.inputs.Load(),
		Outputs:    l.counts.outputs.Load(),
		Dropped:    l.counts.dropped.Load(),
	}
}

// CorrelationMetrics reports token ledger activity.
func (l *Logger) CorrelationMetrics() map[string]int64 {
	return l.ledger.metrics()
}

func (l *Logger) Close() error {
	return l.sink.close()
}

// LogStmt records that checkpoint id is about to execute.
func (l *Logger) LogStmt(id int) {
	l.logStmt(nil, id)
}

// LogStmtContext is LogStmt with task identity taken from ctx.
func (l *Logger) LogStmtContext(ctx context.Context, id int) {
	l.logStmt(ctx, id)
}

func (l *Logger) logStmt(ctx context.Context, id int) {
	defer l.swallow()

	l.counts.statements.Add(1)
	e := l.newEvent(EventExecution).
		Int("checkpointId", id).
		Uint("threadId", goroutineID())
	if task, ok := TaskFrom(ctx); ok {
		e.Uint("coroutineId", task.Origin).Str("taskId", task.ID)
	}
	if l.cfg.CallStack {
		if stack, err := json.Marshal(callStack(l.cfg.CallStackDepth)); err == nil {
			e.Raw("callStack", stack)
		}
	}
	l.write(e)
}

// LogVariable records the value of variable id and returns it. Correlation
// tokens are unwrapped first, so the caller receives the original payload.
func (l *Logger) LogVariable(id int, value any) any {
	return l.logVariable(nil, id, value)
}

func (l *Logger) LogVariableContext(ctx context.Context, id int, value any) any {
	return l.logVariable(ctx, id, value)
}

func (l *Logger) logVariable(ctx context.Context, id int, value any) (out any) {
	out = value
	defer l.swallow()

	out = l.DecodeInput(value)

	l.counts.variables.Add(1)
	payload, err := encodeValue(out, l.cfg.MaxDepth)
	e := l.newEvent(EventVariable).
		Int("variableId", id).
		Uint("threadId", goroutineID()).
		Raw("value", payload)
	if taskID := TaskID(ctx); taskID != "" {
		e.Str("scopeCorrelationId", taskID)
	}
	if err != nil {
		e.Str("error", err.Error())
	}
	l.write(e)
	return out
}

// LogException records a recovered panic value with the current stack.
func (l *Logger) LogException(recovered any) {
	defer l.swallow()

	l.counts.exceptions.Add(1)
	payload, _ := encodeValue(recovered, l.cfg.MaxDepth)
	trace := fmt.Sprintf("panic: %s\n\n%s", displayText(recovered), debug.Stack())
	e := l.newEvent(EventException).
		Uint("threadId", goroutineID()).
		Raw("panic", payload).
		Str("formattedTrace", trace)
	l.write(e)
}

// LogHeader records program metadata at the start of an execution.
// metadata is JSON text produced at instrumentation time.
func (l *Logger) LogHeader(metadata string, basePath string) {
	defer l.swallow()

	l.counts.headers.Add(1)
	raw := json.RawMessage("{}")
	if metadata != "" {
		raw = json.RawMessage(metadata)
		if !json.Valid(raw) {
			raw = marshalText(metadata)
		}
	}
	e := l.newEvent(EventHeader).
		Raw("programMetadata", raw).
		Str("executionId", l.executionID).
		Str("timestamp", time.Now().UTC().Format(time.RFC3339Nano)).
		Str("basePath", basePath)
	l.write(e)
}

// EncodeOutput wraps value into a Token and records the handoff.
func (l *Logger) EncodeOutput(name string, value any) (tok Token) {
	tok = Token{ExecutionID: l.executionID, Value: value}
	defer l.swallow()

	l.counts.outputs.Add(1)
	payload, err := encodeValue(value, l.cfg.MaxDepth)
	e := l.newEvent(EventOutput)
	tok.ExecutionIndex = e.index
	e.Str("name", name).
		Uint("threadId", goroutineID()).
		Str("executionId", l.executionID).
		Uint("executionIndex", e.index).
		Raw("value", payload)
	if err != nil {
		e.Str("error", err.Error())
	}
	l.ledger.record(e.index, name)
	l.write(e)
	return tok
}

// DecodeInput returns the payload of a Token, emitting an input event, and
// any other value unchanged.
func (l *Logger) DecodeInput(value any) any {
	tok, ok := detectToken(value)
	if !ok {
		return value
	}
	l.logInput(tok)
	return tok.Value
}

func (l *Logger) logInput(tok Token) {
	defer l.swallow()

	l.counts.inputs.Add(1)
	local := tok.ExecutionID == l.executionID
	name := ""
	if local {
		name, _ = l.ledger.lookup(tok.ExecutionIndex)
	}
	payload, _ := encodeValue(tok.Value, l.cfg.MaxDepth)
	e := l.newEvent(EventInput)
	if name != "" {
		e.Str("name", name)
	}
	e.Uint("threadId", goroutineID()).
		Str("executionId", tok.ExecutionID).
		Uint("executionIndex", tok.ExecutionIndex).
		Bool("local", local).
		Raw("value", payload)
	l.write(e)
}

func (l *Logger) newEvent(kind string) *event {
	return newEvent(kind, l.counts.events.Add(1))
}

func (l *Logger) write(e *event) {
	if err := l.sink.write(e.finish()); err != nil {
		l.counts.dropped.Add(1)
	}
}

// swallow keeps emission failures away from the instrumented program.
func (l *Logger) swallow() {
	if r := recover(); r != nil {
		l.counts.dropped.Add(1)
	}
}
