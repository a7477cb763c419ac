package model

import (
	"sort"
	"time"
)

// BookingSession is one viewer's in-progress seat selection for a showtime.
// HeldSeats maps each held seat ID to the time the hold was taken.
type BookingSession struct {
	ID             string               `json:"id"`
	ShowtimeID     string               `json:"showtime_id"`
	ViewerID       string               `json:"viewer_id"`
	CreatedAt      time.Time            `json:"created_at"`
	LastActivityAt time.Time            `json:"last_activity_at"`
	HeldSeats      map[string]time.Time `json:"-"`
}

// HeldSeatIDs returns the held seat IDs in ascending order.
func (s BookingSession) HeldSeatIDs() []string {
	ids := make([]string, 0, len(s.HeldSeats))
	for id := range s.HeldSeats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Holds reports whether the session currently holds seatID.
func (s BookingSession) Holds(seatID string) bool {
	_, ok := s.HeldSeats[seatID]
	return ok
}

// IdleSince reports whether the session has seen no activity for at least
// threshold as of now.  A non-positive threshold disables idling.
func (s BookingSession) IdleSince(now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		return false
	}
	return now.Sub(s.LastActivityAt) >= threshold
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (s BookingSession) Clone() BookingSession {
	held := make(map[string]time.Time, len(s.HeldSeats))
	for id, at := range s.HeldSeats {
		held[id] = at
	}
	s.HeldSeats = held
	return s
}
