package health

import (
	"context"
	"sync"

	"github.com/cpunk-club/cpunk-verifier/pkg/models"
	"github.com/cpunk-club/cpunk-verifier/pkg/verifier"
)

// DefaultEventLogSize is how many recent session events /events keeps
const DefaultEventLogSize = 200

// EventLog keeps the most recent verification events in a ring
type EventLog struct {
	mu     sync.Mutex
	size   int
	next   int
	full   bool
	events []models.SessionEvent
}

// NewEventLog creates a ring holding up to size events
func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = DefaultEventLogSize
	}
	return &EventLog{size: size, events: make([]models.SessionEvent, size)}
}

// Add stores ev, overwriting the oldest event once the ring is full
func (l *EventLog) Add(ev models.SessionEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[l.next] = ev
	l.next = (l.next + 1) % l.size
	if l.next == 0 {
		l.full = true
	}
}

// Recent returns the stored events, oldest first
func (l *EventLog) Recent() []models.SessionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]models.SessionEvent(nil), l.events[:l.next]...)
	}
	out := make([]models.SessionEvent, 0, l.size)
	out = append(out, l.events[l.next:]...)
	return append(out, l.events[:l.next]...)
}

// Follow records every event v publishes until ctx ends or the verifier closes
func (l *EventLog) Follow(ctx context.Context, v *verifier.Verifier) error {
	ch := make(chan models.SessionEvent, 64)
	sub := v.SubscribeEvents(ch)
	defer sub.Unsubscribe()

	for {
		select {
		case ev := <-ch:
			l.Add(ev)
		case err := <-sub.Err():
			return err
		case <-ctx.Done():
			return nil
		}
	}
}
