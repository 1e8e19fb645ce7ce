package events

import "context"

// Emitter receives domain events as they are committed. Implementations
// must not block the caller for long; slow sinks should buffer or drop.
type Emitter interface {
	Emit(ctx context.Context, event *BaseEvent)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, event *BaseEvent)

// Emit calls f(ctx, event).
func (f EmitterFunc) Emit(ctx context.Context, event *BaseEvent) {
	f(ctx, event)
}

// MultiEmitter fans every event out to all registered sinks in order.
type MultiEmitter struct {
	sinks []Emitter
}

// NewMultiEmitter creates a fanout over the given sinks.
func NewMultiEmitter(sinks ...Emitter) *MultiEmitter {
	return &MultiEmitter{sinks: sinks}
}

// Add appends a sink. Not safe to call after events start flowing.
func (m *MultiEmitter) Add(sink Emitter) {
	m.sinks = append(m.sinks, sink)
}

// Emit delivers the event to every sink.
func (m *MultiEmitter) Emit(ctx context.Context, event *BaseEvent) {
	for _, s := range m.sinks {
		s.Emit(ctx, event)
	}
}

// NopEmitter discards all events.
type NopEmitter struct{}

// Emit discards the event.
func (NopEmitter) Emit(context.Context, *BaseEvent) {}

type correlationKey struct{}

// ContextWithCorrelation tags a context with the request correlation ID
// so events emitted while handling it can be traced back.
func ContextWithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext returns the correlation ID attached to ctx,
// or empty.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
