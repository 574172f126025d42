package adli

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the id out of the "goroutine N [running]:" stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	i := bytes.IndexByte(b, ' ')
	if i <= 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(b[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Task identifies a unit of concurrent work started with WithTask.
type Task struct {
	ID string
	// Origin is the goroutine that created the task.
	Origin uint64
}

type taskKey struct{}

// WithTask returns a child context carrying a fresh task identity.
func WithTask(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, taskKey{}, Task{ID: uuid.NewString(), Origin: goroutineID()})
}

func TaskFrom(ctx context.Context) (Task, bool) {
	if ctx == nil {
		return Task{}, false
	}
	t, ok := ctx.Value(taskKey{}).(Task)
	return t, ok
}

// TaskID returns the task id stored in ctx, or "".
func TaskID(ctx context.Context) string {
	t, _ := TaskFrom(ctx)
	return t.ID
}

// callStack returns up to depth function names of the caller's stack,
// skipping frames that belong to this package.
func callStack(depth int) []string {
	if depth <= 0 {
		return nil
	}
	pcs := make([]uintptr, depth+8)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	stack := make([]string, 0, depth)
	for len(stack) < depth {
		frame, more := frames.Next()
		if frame.Function != "" && !strings.HasPrefix(frame.Function, runtimePackagePrefix) {
			stack = append(stack, frame.Function)
		}
		if !more {
			break
		}
	}
	return stack
}
