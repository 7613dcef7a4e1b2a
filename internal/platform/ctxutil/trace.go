package ctxutil

import "context"

type traceDataKey struct{}

// TraceData carries the request/trace identifiers of one HTTP request so
// its log lines can be correlated. The trace-context middleware attaches
// it and the request logger reads it; alarm wakes do not carry it.
type TraceData struct {
	TraceID   string
	RequestID string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	val := ctx.Value(traceDataKey{})
	if td, ok := val.(*TraceData); ok {
		return td
	}
	return nil
}

// Default returns context.Background() when ctx is nil, so internal
// helpers never have to special-case a missing caller context.
func Default(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
