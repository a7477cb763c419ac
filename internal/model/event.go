package model

import "time"

// EventType names a seat state transition.
type EventType string

const (
	EventSeatHeld     EventType = "seat_held"
	EventSeatReleased EventType = "seat_released"
	EventSeatReserved EventType = "seat_reserved"
)

// ReservationEvent is emitted once per committed seat transition.  Sequence
// is the registry version produced by the transition, so events of one
// showtime are totally ordered.  SessionID identifies the originator and is
// empty for transitions not caused by a booking session (e.g. a cancelled
// reservation returning to sale).
type ReservationEvent struct {
	Type       EventType `json:"type"`
	ShowtimeID string    `json:"showtime_id"`
	SeatID     string    `json:"seat_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Sequence   uint64    `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
}
