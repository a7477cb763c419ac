package reservation

import "errors"

// Failures surfaced to callers of the coordinator.  All of them are
// recoverable by the client: re-render, resync from a snapshot or open a new
// session.
var (
	// ErrSeatUnavailable means another session won the seat or it is
	// reserved / unavailable.
	ErrSeatUnavailable = errors.New("seat unavailable")

	// ErrNotOwner means the seat is not held by the calling session.
	ErrNotOwner = errors.New("seat not held by this session")

	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")

	ErrSeatNotFound     = errors.New("seat not found")
	ErrShowtimeNotFound = errors.New("showtime not found")

	// ErrShowtimeMismatch means a session was used against another showtime.
	ErrShowtimeMismatch = errors.New("session belongs to a different showtime")

	// ErrNothingHeld is returned by Checkout for a session without holds.
	ErrNothingHeld = errors.New("session holds no seats")
)
