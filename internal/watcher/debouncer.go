package watcher

import (
	"sync"
	"time"
)

// debouncer coalesces rapid events per path so one save in an editor
// (create, write, rename dance) becomes one index update. Coalescing
// rules:
//
//	CREATE + MODIFY = CREATE
//	CREATE + DELETE = nothing
//	MODIFY + DELETE = DELETE
//	DELETE + CREATE = MODIFY
type debouncer struct {
	window time.Duration
	output chan []Event

	mu      sync.Mutex
	pending map[string]*pendingEvent
	timer   *time.Timer
	stopped bool
}

type pendingEvent struct {
	event   Event
	firstOp Op
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{
		window:  window,
		output:  make(chan []Event, 16),
		pending: map[string]*pendingEvent{},
	}
}

func (d *debouncer) add(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if existing, ok := d.pending[ev.Path]; ok {
		merged, keep := coalesce(existing.firstOp, ev)
		if !keep {
			delete(d.pending, ev.Path)
		} else {
			existing.event = merged
		}
	} else {
		d.pending[ev.Path] = &pendingEvent{event: ev, firstOp: ev.Op}
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

// coalesce merges a new event into a pending one. keep=false means the
// pair cancelled out.
func coalesce(first Op, next Event) (Event, bool) {
	switch {
	case first == OpCreate && next.Op == OpModify:
		return Event{Path: next.Path, Op: OpCreate}, true
	case first == OpCreate && next.Op == OpDelete:
		return Event{}, false
	case first == OpDelete && next.Op == OpCreate:
		return Event{Path: next.Path, Op: OpModify}, true
	default:
		return next, true
	}
}

func (d *debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || len(d.pending) == 0 {
		return
	}

	batch := make([]Event, 0, len(d.pending))
	for _, pe := range d.pending {
		batch = append(batch, pe.event)
	}
	d.pending = map[string]*pendingEvent{}

	select {
	case d.output <- batch:
	default:
		// Consumer stalled; drop rather than block the event pump.
	}
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}
