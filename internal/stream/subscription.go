package stream

import (
	"context"
	"sync"
	"time"

	"github.com/XavierBriggs/fortuna/services/odds-feed/pkg/models"
)

// Subscription is one connection's registration under a session. It doubles
// as the unsubscribe token.
type Subscription struct {
	ID        string
	SessionID string
	CreatedAt time.Time

	// sendMu serializes producers so the drop-oldest step cannot interleave
	sendMu sync.Mutex
	queue  chan models.Event

	now func() time.Time
}

func newSubscription(id, sessionID string, capacity int, now func() time.Time) *Subscription {
	return &Subscription{
		ID:        id,
		SessionID: sessionID,
		CreatedAt: now(),
		queue:     make(chan models.Event, capacity),
		now:       now,
	}
}

// Events exposes the delivery channel. It is never closed; consumers stop
// reading when their own context ends.
func (s *Subscription) Events() <-chan models.Event {
	return s.queue
}

// Pending returns the number of undelivered events
func (s *Subscription) Pending() int {
	return len(s.queue)
}

// enqueue hands ev to the connection without blocking. When the queue is full
// the oldest pending event is discarded; it reports how many were discarded.
func (s *Subscription) enqueue(ev models.Event) int {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	dropped := 0
	for {
		select {
		case s.queue <- ev:
			return dropped
		default:
		}

		select {
		case <-s.queue:
			dropped++
		default:
		}
	}
}

// Next blocks until an event arrives, the keepalive window passes, or ctx
// ends. A keepalive timeout yields a synthetic ping event.
func (s *Subscription) Next(ctx context.Context, keepalive time.Duration) (models.Event, error) {
	timer := time.NewTimer(keepalive)
	defer timer.Stop()

	select {
	case ev := <-s.queue:
		return ev, nil
	case <-timer.C:
		return models.NewEvent(models.EventTypePing, s.SessionID, nil, s.now()), nil
	case <-ctx.Done():
		return models.Event{}, ctx.Err()
	}
}
