package notification

// Listener receives delivery and interaction events.
//
// Callbacks run on the dispatching goroutine, one at a time, in the order
// the transitions happened. A listener may call back into the scheduler
// (for example Acknowledge from OnFired); the resulting events are delivered
// after the current callback returns.
type Listener interface {
	OnFired(r Record)
	OnAcknowledged(r Record)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Fired        func(Record)
	Acknowledged func(Record)
}

func (l ListenerFuncs) OnFired(r Record) {
	if l.Fired != nil {
		l.Fired(r)
	}
}

func (l ListenerFuncs) OnAcknowledged(r Record) {
	if l.Acknowledged != nil {
		l.Acknowledged(r)
	}
}

// Sink observes every transition, including schedule and cancel.
// It is used for persistence and must not block.
type Sink interface {
	Observe(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Observe(ev Event) { f(ev) }
