package model

// SeatStatus is the reservation state of a seat within one showtime.
type SeatStatus string

const (
	SeatAvailable   SeatStatus = "available"
	SeatHeld        SeatStatus = "held"
	SeatReserved    SeatStatus = "reserved"
	SeatUnavailable SeatStatus = "unavailable"
)

// Valid reports whether s is one of the known statuses.
func (s SeatStatus) Valid() bool {
	switch s {
	case SeatAvailable, SeatHeld, SeatReserved, SeatUnavailable:
		return true
	}
	return false
}

// Seat describes one seat of a showtime's seating map.  Row, Column and
// SeatTypeID come from the hall catalog and are never changed by the
// reservation core; Status and HeldBy are owned by the seat registry.
//
// Fields:
//	ID         – identifier, unique within the showtime.
//	Label      – human readable position such as "A5".
//	Row        – row label of the seat (A, B, ... AA).
//	Column     – position within the row, 1-based.
//	SeatTypeID – catalog seat type (STANDARD, VIP, ACCESSIBLE).
//	Status     – available, held, reserved or unavailable.
//	HeldBy     – booking session holding the seat, empty unless held.
type Seat struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	Row        string     `json:"row"`
	Column     uint32     `json:"column"`
	SeatTypeID string     `json:"seat_type_id"`
	Status     SeatStatus `json:"status"`
	HeldBy     string     `json:"held_by,omitempty"`
}

// Snapshot is a point-in-time copy of a showtime's seat registry.  Version
// is the sequence of the last committed mutation; events with a sequence at
// or below it are already reflected in Seats.
type Snapshot struct {
	ShowtimeID string `json:"showtime_id"`
	Version    uint64 `json:"version"`
	Seats      []Seat `json:"seats"`
}
