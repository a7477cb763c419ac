package registry

import (
	"context"
	"sync"

	"github.com/iliyamo/seat-sync/internal/model"
)

// Memory is an in-process Registry.  Each showtime has its own lock; there is
// no lock shared across showtimes beyond the short-lived map lookup.
type Memory struct {
	mu        sync.RWMutex
	showtimes map[string]*showtimeSeats
}

type showtimeSeats struct {
	mu      sync.Mutex
	seats   map[string]*model.Seat
	version uint64
}

// NewMemory returns an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{showtimes: make(map[string]*showtimeSeats)}
}

func (m *Memory) showtime(id string) (*showtimeSeats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.showtimes[id]
	return st, ok
}

func (m *Memory) Load(_ context.Context, showtimeID string, seats []model.Seat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.showtimes[showtimeID]; ok {
		return nil
	}
	st := &showtimeSeats{seats: make(map[string]*model.Seat, len(seats))}
	for _, s := range seats {
		seat := s
		if !seat.Status.Valid() {
			seat.Status = model.SeatAvailable
		}
		if seat.Status != model.SeatHeld {
			seat.HeldBy = ""
		}
		st.seats[seat.ID] = &seat
	}
	m.showtimes[showtimeID] = st
	return nil
}

func (m *Memory) Has(_ context.Context, showtimeID string) (bool, error) {
	_, ok := m.showtime(showtimeID)
	return ok, nil
}

func (m *Memory) Snapshot(_ context.Context, showtimeID string) (model.Snapshot, error) {
	st, ok := m.showtime(showtimeID)
	if !ok {
		return model.Snapshot{}, ErrShowtimeNotFound
	}
	st.mu.Lock()
	seats := make([]model.Seat, 0, len(st.seats))
	for _, s := range st.seats {
		seats = append(seats, *s)
	}
	version := st.version
	st.mu.Unlock()

	sortSeats(seats)
	return model.Snapshot{ShowtimeID: showtimeID, Version: version, Seats: seats}, nil
}

func (m *Memory) Seat(_ context.Context, showtimeID, seatID string) (model.Seat, error) {
	st, ok := m.showtime(showtimeID)
	if !ok {
		return model.Seat{}, ErrShowtimeNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.seats[seatID]
	if !ok {
		return model.Seat{}, ErrSeatNotFound
	}
	return *s, nil
}

func (m *Memory) CompareAndSet(_ context.Context, showtimeID, seatID string, expected, next model.SeatStatus, sessionID string) (uint64, error) {
	st, ok := m.showtime(showtimeID)
	if !ok {
		return 0, ErrShowtimeNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.seats[seatID]
	if !ok {
		return 0, ErrSeatNotFound
	}
	if !matches(*s, expected, sessionID) {
		return 0, ErrConflict
	}
	s.Status = next
	if next == model.SeatHeld {
		s.HeldBy = sessionID
	} else {
		s.HeldBy = ""
	}
	st.version++
	return st.version, nil
}

func (m *Memory) Showtimes(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.showtimes))
	for id := range m.showtimes {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Memory) Holders(_ context.Context, showtimeID string) (map[string]string, error) {
	st, ok := m.showtime(showtimeID)
	if !ok {
		return nil, ErrShowtimeNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	holders := make(map[string]string)
	for id, s := range st.seats {
		if s.Status == model.SeatHeld {
			holders[id] = s.HeldBy
		}
	}
	return holders, nil
}

// Evict forgets the showtime and its version.
func (m *Memory) Evict(_ context.Context, showtimeID string) error {
	m.mu.Lock()
	delete(m.showtimes, showtimeID)
	m.mu.Unlock()
	return nil
}
