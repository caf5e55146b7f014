package turn

import (
	"time"
)

// defaultListenerBuffer bounds each listener's event channel. A listener
// that falls this far behind is dropped rather than stalling the turn.
const defaultListenerBuffer = 256

// Subscription is one listener's view of a turn's event stream. The
// channel is closed after a terminal event, or when Cancel is called.
type Subscription struct {
	// C delivers events in the order every other subscriber sees them.
	C <-chan Event

	l *listener
	t *Turn
}

// Cancel detaches the listener. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.t.removeListener(s.l)
}

type listener struct {
	ch     chan Event
	closed bool
}

// Subscribe attaches a listener to the turn. If the turn is already
// banned the listener receives only a BannedEvent and is not registered.
// Otherwise it first receives a snapshot of the accumulated message
// (catch-up) and then every future event.
func (t *Turn) Subscribe() *Subscription {
	l := &listener{ch: make(chan Event, defaultListenerBuffer)}
	sub := &Subscription{C: l.ch, l: l, t: t}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.banned {
		l.ch <- t.event(EventBanned, func(e *Event) { e.Message = t.finalMessage() })
		close(l.ch)
		l.closed = true
		return sub
	}
	// The catch-up snapshot goes into the channel under the lock so no
	// concurrent delta can slip in ahead of it.
	snapshot := t.acc
	l.ch <- t.event(EventMessageDelta, func(e *Event) { e.Message = &snapshot })
	if t.finished {
		u := t.usage
		l.ch <- t.event(EventFinished, func(e *Event) {
			e.Message = &snapshot
			e.Usage = &u
		})
		close(l.ch)
		l.closed = true
		return sub
	}
	t.listeners = append(t.listeners, l)
	return sub
}

// notify fans an event out to every live listener. Must be called with
// t.mu held. A listener whose channel is full or already closed is
// removed; one broken subscriber never stops delivery to the rest.
func (t *Turn) notify(ev Event) {
	kept := t.listeners[:0]
	for _, l := range t.listeners {
		if l.closed {
			continue
		}
		select {
		case l.ch <- ev:
			kept = append(kept, l)
		default:
			l.closed = true
			close(l.ch)
		}
	}
	t.listeners = kept
	if ev.Terminal() {
		for _, l := range t.listeners {
			if !l.closed {
				l.closed = true
				close(l.ch)
			}
		}
		t.listeners = nil
	}
}

func (t *Turn) removeListener(target *listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.listeners[:0]
	for _, l := range t.listeners {
		if l == target {
			if !l.closed {
				l.closed = true
				close(l.ch)
			}
			continue
		}
		kept = append(kept, l)
	}
	t.listeners = kept
}

// heartbeatLoop emits keep-alive events decoupled from generation
// progress, until the turn's scope ends.
func (t *Turn) heartbeatLoop(interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-tick.C:
			t.mu.Lock()
			if t.finished || t.banned {
				t.mu.Unlock()
				return
			}
			t.notify(t.event(EventHeartbeat, nil))
			t.mu.Unlock()
		}
	}
}
