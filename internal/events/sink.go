package events

import (
	"log/slog"
)

// Sink receives lifecycle events synchronously, in emission order. A sink
// must return quickly; it cannot influence the run it observes.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e Event)

// Emit calls f.
func (f SinkFunc) Emit(e Event) { f(e) }

// MultiSink fans an event out to every member in order.
type MultiSink []Sink

// Emit delivers e to each member; a panicking member does not stop the rest.
func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		Deliver(nil, s, e)
	}
}

// Deliver hands e to sink and swallows any panic it raises. A nil sink is a no-op.
func Deliver(logger *slog.Logger, sink Sink, e Event) {
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			if logger == nil {
				logger = slog.Default()
			}
			logger.Warn("event sink panicked",
				"event", e.EventType(),
				"pipeline_id", e.PipelineID(),
				"panic", r)
		}
	}()
	sink.Emit(e)
}
