// Package session keeps the booking sessions of viewers that are selecting
// seats.  A session is pure bookkeeping: it records which seats it holds and
// when it was last active, and has no goroutine of its own.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/seat-sync/internal/model"
)

// ErrNotFound is returned for unknown or already destroyed sessions.
var ErrNotFound = errors.New("session: not found")

// Store is a concurrency-safe in-memory set of booking sessions.  All
// returned sessions are deep copies.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*model.BookingSession
	now      func() time.Time
	newID    func() string
	leases   Leases
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// WithLeases mirrors session liveness into l.
func WithLeases(l Leases) Option {
	return func(s *Store) { s.leases = l }
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*model.BookingSession),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		leases:   noLeases{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.leases == nil {
		s.leases = noLeases{}
	}
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time { return s.now() }

// Create starts a session for viewerID on showtimeID.
func (s *Store) Create(showtimeID, viewerID string) model.BookingSession {
	now := s.now()
	sess := &model.BookingSession{
		ID:             s.newID(),
		ShowtimeID:     showtimeID,
		ViewerID:       viewerID,
		CreatedAt:      now,
		LastActivityAt: now,
		HeldSeats:      make(map[string]time.Time),
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	s.leases.Renew(sess.ID)
	return sess.Clone()
}

// Get returns the session with id.
func (s *Store) Get(id string) (model.BookingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.BookingSession{}, ErrNotFound
	}
	return sess.Clone(), nil
}

// Touch refreshes the session's last activity time.
func (s *Store) Touch(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		sess.LastActivityAt = s.now()
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.leases.Renew(id)
	return nil
}

// AddHeld records that the session now holds seatID and touches it.
func (s *Store) AddHeld(id, seatID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		now := s.now()
		sess.HeldSeats[seatID] = now
		sess.LastActivityAt = now
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.leases.Renew(id)
	return nil
}

// RemoveHeld forgets seatID.  Removing a seat the session does not hold is
// not an error.
func (s *Store) RemoveHeld(id, seatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	delete(sess.HeldSeats, seatID)
	return nil
}

// Delete removes the session and returns its final state.  After Delete no
// further AddHeld can succeed for the id.
func (s *Store) Delete(id string) (model.BookingSession, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return model.BookingSession{}, ErrNotFound
	}
	s.leases.Revoke(id)
	return sess.Clone(), nil
}

// Idle returns the sessions whose last activity is at least threshold ago.
func (s *Store) Idle(now time.Time, threshold time.Duration) []model.BookingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.BookingSession
	for _, sess := range s.sessions {
		if sess.IdleSince(now, threshold) {
			out = append(out, sess.Clone())
		}
	}
	return out
}

// StaleHolds returns, per session id, the seats held for at least ttl.
func (s *Store) StaleHolds(now time.Time, ttl time.Duration) map[string][]string {
	out := make(map[string][]string)
	if ttl <= 0 {
		return out
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		for seatID, at := range sess.HeldSeats {
			if now.Sub(at) >= ttl {
				out[id] = append(out[id], seatID)
			}
		}
	}
	return out
}

// Count returns the number of live sessions on showtimeID.
func (s *Store) Count(showtimeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.ShowtimeID == showtimeID {
			n++
		}
	}
	return n
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
