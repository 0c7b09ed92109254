package progress

import "context"

// Sink consumes batches of progress events. Implementations may be invoked
// repeatedly and must honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies it so the coordinator and
// the download workers stay unaware of buffering.
type Emitter interface {
	Emit(evt Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(evt Event)

// Emit calls f(evt).
func (f EmitterFunc) Emit(evt Event) {
	f(evt)
}
