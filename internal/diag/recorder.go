package diag

import (
	"log"
	"sync"
)

// Sink receives every event the recorder sees. Implementations must be
// cheap or internally buffered: sinks run on the save/load path.
type Sink interface {
	WriteEvent(Event) error
}

// Recorder fans events out to a human logger and any number of sinks.
// A nil *Recorder discards everything, so callers never need to guard.
type Recorder struct {
	mu    sync.Mutex
	log   *log.Logger
	sinks []Sink
}

func NewRecorder(l *log.Logger, sinks ...Sink) *Recorder {
	return &Recorder{log: l, sinks: sinks}
}

// Attach adds a sink after construction, for surfaces that come up late
// (the observer hub, the catalog).
func (r *Recorder) Attach(s Sink) {
	if r == nil || s == nil {
		return
	}
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Event stamps and distributes e. Sink failures are logged, never
// propagated: diagnostics must not fail the operation they describe.
func (r *Recorder) Event(e Event) {
	if r == nil {
		return
	}
	if e.At.IsZero() {
		e.At = nowUTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.log != nil {
		r.log.Printf("%s", e.String())
	}
	for _, s := range r.sinks {
		if err := s.WriteEvent(e); err != nil && r.log != nil {
			r.log.Printf("diag sink error: %v", err)
		}
	}
}
