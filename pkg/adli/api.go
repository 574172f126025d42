package adli

import "context"

// The functions below are the calls spliced into instrumented programs.
// They all delegate to Default().

func Stmt(id int) {
	Default().LogStmt(id)
}

func StmtCtx(ctx context.Context, id int) {
	Default().LogStmtContext(ctx, id)
}

// Var logs v as variable id and returns it, or the decoded payload when v is
// a correlation token whose payload has type T.
func Var[T any](id int, v T) T {
	return coerce(Default().LogVariable(id, v), v)
}

func VarCtx[T any](ctx context.Context, id int, v T) T {
	return coerce(Default().LogVariableContext(ctx, id, v), v)
}

// Global instruments a package-level initializer: it logs checkpoint cp (when
// non-zero) and then variable id.
func Global[T any](cp, id int, v T) T {
	if cp > 0 {
		Default().LogStmt(cp)
	}
	return Var(id, v)
}

// Encode records v as an output named name. Interface-typed values become the
// Token itself; strings and byte slices become its JSON text. Other types
// cannot carry a token and are returned unchanged after the output is logged.
// A byte slice payload travels as text so Var can restore it.
func Encode[T any](name string, v T) T {
	var payload any = v
	if b, ok := any(&v).(*[]byte); ok {
		payload = string(*b)
	}
	tok := Default().EncodeOutput(name, payload)

	var out any = tok
	switch any(v).(type) {
	case string:
		out = tok.String()
	case []byte:
		out = []byte(tok.String())
	}
	return coerce(out, v)
}

func coerce[T any](out any, fallback T) T {
	if t, ok := out.(T); ok {
		return t
	}
	if s, ok := out.(string); ok {
		if t, ok := any([]byte(s)).(T); ok {
			return t
		}
	}
	return fallback
}

// Header emits the execution header.
func Header(metadata, basePath string) {
	Default().LogHeader(metadata, basePath)
}

// Recover must be deferred directly. It logs the panic and re-panics with the
// same value.
func Recover() {
	if r := recover(); r != nil {
		Default().LogException(r)
		panic(r)
	}
}

func Close() {
	_ = Default().Close()
}
