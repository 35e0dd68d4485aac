package gateway

import (
	"sync"

	"github.com/haasonsaas/conversa/internal/conversaerr"
	"github.com/haasonsaas/conversa/internal/orchestrator"
)

// boundedSink is an orchestrator.EventSink backed by a fixed-capacity
// channel. A slow consumer first gets a single warning event when the
// buffer fills, then — if it still hasn't drained by the next overflow —
// a terminal error{Backpressure} event and the channel is closed, ending
// the stream. This mirrors Executor.sem's bounded-concurrency idiom,
// applied to event delivery instead of tool dispatch.
type boundedSink struct {
	mu      sync.Mutex
	ch      chan orchestrator.Event
	warned  bool
	stopped bool
}

func newBoundedSink(capacity int) *boundedSink {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &boundedSink{ch: make(chan orchestrator.Event, capacity)}
}

// Emit implements orchestrator.EventSink. It must only be called from the
// single goroutine running the dispatched turn.
func (b *boundedSink) Emit(e orchestrator.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}

	select {
	case b.ch <- e:
		return
	default:
	}

	if !b.warned {
		b.warned = true
		select {
		case b.ch <- orchestrator.Event{
			Kind:      orchestrator.EventWarning,
			SessionID: e.SessionID,
			TurnID:    e.TurnID,
			Text:      "event buffer saturated; slow down or expect termination",
		}:
		default:
		}
		return
	}

	b.stopped = true
	cerr := conversaerr.New(conversaerr.KindBackpressure, "stream consumer too slow; connection closing")
	select {
	case b.ch <- orchestrator.Event{Kind: orchestrator.EventError, SessionID: e.SessionID, TurnID: e.TurnID, Err: cerr}:
	default:
	}
	close(b.ch)
}

// closeIfOpen closes the channel once the producing turn has finished,
// unless Emit already closed it on backpressure.
func (b *boundedSink) closeIfOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.ch)
}

func (b *boundedSink) events() <-chan orchestrator.Event {
	return b.ch
}
