// Package registry holds the authoritative per-showtime seat map.  The
// registry is the only shared mutable state of the reservation core and
// exposes a single mutation primitive, CompareAndSet, so that concurrent
// writers can never overwrite each other's transitions.
package registry

import (
	"context"
	"errors"

	"github.com/iliyamo/seat-sync/internal/model"
)

// ErrConflict is returned by CompareAndSet when the seat's current state does
// not match the expected one.
var ErrConflict = errors.New("registry: seat state conflict")

// ErrSeatNotFound is returned when the seat is not part of the showtime.
var ErrSeatNotFound = errors.New("registry: seat not found")

// ErrShowtimeNotFound is returned when the showtime has not been loaded.
var ErrShowtimeNotFound = errors.New("registry: showtime not loaded")

// Registry is the authoritative store of seat states, partitioned by showtime.
type Registry interface {
	// Load seeds a showtime with its seats.  Loading a showtime that is
	// already present is a no-op so concurrent loaders cannot reset state.
	Load(ctx context.Context, showtimeID string, seats []model.Seat) error

	// Has reports whether the showtime has been loaded.
	Has(ctx context.Context, showtimeID string) (bool, error)

	// Snapshot returns a copy of all seats of the showtime and the current
	// version.  Seats are ordered by row then column.
	Snapshot(ctx context.Context, showtimeID string) (model.Snapshot, error)

	// Seat returns a single seat.
	Seat(ctx context.Context, showtimeID, seatID string) (model.Seat, error)

	// CompareAndSet moves seatID from expected to next and returns the new
	// showtime version.  When expected is held the seat must also be held by
	// sessionID.  HeldBy becomes sessionID when next is held and is cleared
	// otherwise.  A mismatch yields ErrConflict and leaves the seat untouched.
	CompareAndSet(ctx context.Context, showtimeID, seatID string, expected, next model.SeatStatus, sessionID string) (uint64, error)

	// Showtimes lists the loaded showtimes.
	Showtimes(ctx context.Context) ([]string, error)

	// Holders maps every held seat of the showtime to its session.
	Holders(ctx context.Context, showtimeID string) (map[string]string, error)
}

// Evictor is implemented by registries that can forget a showtime.  The
// showtime is reloaded from the catalog on its next use.
type Evictor interface {
	Evict(ctx context.Context, showtimeID string) error
}

// matches implements the shared compare step of CompareAndSet.
func matches(seat model.Seat, expected model.SeatStatus, sessionID string) bool {
	if seat.Status != expected {
		return false
	}
	if expected == model.SeatHeld && seat.HeldBy != sessionID {
		return false
	}
	return true
}
