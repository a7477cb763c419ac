// Package broadcast fans reservation events out to the viewers watching a
// showtime.  Every subscription owns a bounded queue, so Publish never waits
// on a viewer; a viewer that falls a full queue behind is evicted and has to
// resubscribe, which hands it a fresh snapshot.
package broadcast

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/seat-sync/internal/model"
)

// DefaultBuffer is the per-subscription queue length used when none is set.
const DefaultBuffer = 64

// Subscription is one viewer channel on a showtime topic.
type Subscription struct {
	ShowtimeID string
	SessionID  string

	events  chan model.ReservationEvent
	evicted bool
	closed  bool
}

// Events delivers the subscription's events in commit order.  The channel is
// closed on Unsubscribe or eviction.
func (s *Subscription) Events() <-chan model.ReservationEvent { return s.events }

// Evicted reports whether the hub dropped the subscription because it fell
// behind.  Only meaningful once Events is closed.
func (s *Subscription) Evicted() bool { return s.evicted }

// Hub is a topic-per-showtime publish/subscribe mechanism.  Per seat, it
// only forwards events newer than the last one it delivered, so events that
// arrive late from another instance cannot roll a viewer's seat back.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
	buffer int
	log    *logrus.Entry
}

type topic struct {
	subs map[*Subscription]struct{}
	last map[string]uint64 // seat id -> highest delivered sequence
}

// NewHub returns a hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int, log *logrus.Entry) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Hub{
		topics: make(map[string]*topic),
		buffer: buffer,
		log:    log.WithField("component", "broadcast"),
	}
}

// Subscribe joins showtimeID on behalf of sessionID.  Events originated by
// sessionID are never delivered to this subscription.  sessionID may be empty
// for read-only viewers.
func (h *Hub) Subscribe(showtimeID, sessionID string) *Subscription {
	sub := &Subscription{
		ShowtimeID: showtimeID,
		SessionID:  sessionID,
		events:     make(chan model.ReservationEvent, h.buffer),
	}
	h.mu.Lock()
	t, ok := h.topics[showtimeID]
	if !ok {
		t = &topic{
			subs: make(map[*Subscription]struct{}),
			last: make(map[string]uint64),
		}
		h.topics[showtimeID] = t
	}
	t.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel.  Calling it more than once
// is harmless.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

// removeLocked drops sub; the topic goes with its last subscriber.  A later
// subscriber starts from a snapshot, which already covers every sequence
// the topic had seen.
func (h *Hub) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.events)
	if t, ok := h.topics[sub.ShowtimeID]; ok {
		delete(t.subs, sub)
		if len(t.subs) == 0 {
			delete(h.topics, sub.ShowtimeID)
		}
	}
}

// Publish enqueues ev for every subscriber of its showtime except the
// originating session and returns the number of subscriptions it reached.
// An event whose sequence is not above the last one delivered for the same
// seat is stale and dropped.  Publish never blocks on a subscriber.
func (h *Hub) Publish(ev model.ReservationEvent) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[ev.ShowtimeID]
	if !ok {
		return 0
	}
	if ev.Sequence > 0 {
		if ev.Sequence <= t.last[ev.SeatID] {
			h.log.WithFields(logrus.Fields{
				"showtime_id": ev.ShowtimeID,
				"seat_id":     ev.SeatID,
				"sequence":    ev.Sequence,
				"delivered":   t.last[ev.SeatID],
			}).Debug("dropping stale event")
			return 0
		}
		t.last[ev.SeatID] = ev.Sequence
	}

	var lagging []*Subscription
	delivered := 0
	for sub := range t.subs {
		if ev.SessionID != "" && sub.SessionID == ev.SessionID {
			continue
		}
		select {
		case sub.events <- ev:
			delivered++
		default:
			lagging = append(lagging, sub)
		}
	}
	for _, sub := range lagging {
		sub.evicted = true
		h.removeLocked(sub)
		h.log.WithFields(logrus.Fields{
			"showtime_id": sub.ShowtimeID,
			"session_id":  sub.SessionID,
		}).Warn("evicted lagging subscriber")
	}
	return delivered
}

// Subscribers returns the number of live subscriptions on showtimeID.
func (h *Hub) Subscribers(showtimeID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[showtimeID]; ok {
		return len(t.subs)
	}
	return 0
}
