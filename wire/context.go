package wire

import "context"

type ctxKey struct{}

// With binds the wire's send handle into the context. Any code running
// under the returned context, including nested tool code, can emit events
// without being handed the wire explicitly. Because the binding lives in
// the context, an inner run's binding shadows the outer one and the outer
// binding is restored automatically when the inner context goes out of
// scope.
func With(ctx context.Context, w *Wire) context.Context {
	return context.WithValue(ctx, ctxKey{}, w)
}

// FromContext returns the wire bound to the context, if any.
func FromContext(ctx context.Context) (*Wire, bool) {
	w, ok := ctx.Value(ctxKey{}).(*Wire)
	return w, ok
}

// Emit sends a message on the wire bound to the context. A no-op when no
// wire is bound, so emitting code never needs a nil check.
func Emit(ctx context.Context, msg Message) {
	if w, ok := FromContext(ctx); ok {
		w.Send(msg)
	}
}
