package reservation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/seat-sync/internal/broadcast"
	"github.com/iliyamo/seat-sync/internal/model"
	"github.com/iliyamo/seat-sync/internal/registry"
	"github.com/iliyamo/seat-sync/internal/session"
)

const showtime = "st-1"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type staticCatalog map[string][]model.Seat

func (s staticCatalog) ShowtimeSeats(_ context.Context, id string) ([]model.Seat, error) {
	return s[id], nil
}

type stubFinalizer struct {
	mu    sync.Mutex
	err   error
	calls [][]string
}

func (f *stubFinalizer) MarkReserved(_ context.Context, _ string, seatIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, seatIDs)
	return f.err
}

type fixture struct {
	coord    *Coordinator
	hub      *broadcast.Hub
	registry registry.Registry
	clock    *clock
	final    *stubFinalizer
}

func newFixture(t *testing.T, idle time.Duration) *fixture {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)}
	reg := registry.NewMemory()
	hub := broadcast.NewHub(64, nil)
	final := &stubFinalizer{}
	catalog := staticCatalog{showtime: {
		{ID: "A1", Label: "A1", Row: "A", Column: 1, SeatTypeID: "STANDARD", Status: model.SeatAvailable},
		{ID: "A5", Label: "A5", Row: "A", Column: 5, SeatTypeID: "STANDARD", Status: model.SeatAvailable},
		{ID: "B1", Label: "B1", Row: "B", Column: 1, SeatTypeID: "VIP", Status: model.SeatAvailable},
		{ID: "B2", Label: "B2", Row: "B", Column: 2, SeatTypeID: "VIP", Status: model.SeatReserved},
	}}
	coord := NewCoordinator(Deps{
		Registry:  reg,
		Sessions:  session.NewStore(session.WithClock(clk.Now)),
		Publisher: hub,
		Catalog:   catalog,
		Finalizer: final,
		Watchers:  hub,
	}, idle, nil)
	return &fixture{coord: coord, hub: hub, registry: reg, clock: clk, final: final}
}

func (f *fixture) open(t *testing.T, viewer string) model.BookingSession {
	t.Helper()
	sess, err := f.coord.OpenSession(context.Background(), showtime, viewer)
	require.NoError(t, err)
	return sess
}

func (f *fixture) status(t *testing.T, seatID string) model.Seat {
	t.Helper()
	seat, err := f.registry.Seat(context.Background(), showtime, seatID)
	require.NoError(t, err)
	return seat
}

func next(t *testing.T, sub *broadcast.Subscription) model.ReservationEvent {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	default:
		t.Fatal("expected an event")
		return model.ReservationEvent{}
	}
}

func none(t *testing.T, sub *broadcast.Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestCoordinator_ContestedSeat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10*time.Minute)
	a := f.open(t, "viewer-a")
	b := f.open(t, "viewer-b")
	subA := f.hub.Subscribe(showtime, a.ID)
	subB := f.hub.Subscribe(showtime, b.ID)

	ev, err := f.coord.HoldSeat(ctx, a.ID, "A5")
	require.NoError(t, err)
	assert.Equal(t, model.EventSeatHeld, ev.Type)

	got := next(t, subB)
	assert.Equal(t, model.EventSeatHeld, got.Type)
	assert.Equal(t, "A5", got.SeatID)
	assert.Equal(t, a.ID, got.SessionID)

	_, err = f.coord.HoldSeat(ctx, b.ID, "A5")
	assert.ErrorIs(t, err, ErrSeatUnavailable)
	none(t, subA)
	none(t, subB)

	f.clock.Advance(11 * time.Minute)
	res := NewReaper(f.coord, time.Second, 0, nil).Sweep(ctx)
	// both sessions were idle
	assert.Equal(t, 2, res.ExpiredSessions)
	assert.Equal(t, 1, res.ReleasedSeats)
	assert.Equal(t, model.SeatAvailable, f.status(t, "A5").Status)

	got = next(t, subB)
	assert.Equal(t, model.EventSeatReleased, got.Type)
	assert.Equal(t, "A5", got.SeatID)
}

func TestCoordinator_ConcurrentHoldsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)
	observer := f.hub.Subscribe(showtime, "")

	const n = 32
	sessions := make([]model.BookingSession, n)
	for i := range sessions {
		sessions[i] = f.open(t, "viewer")
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   []string
		losses int
	)
	for _, s := range sessions {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.coord.HoldSeat(ctx, id, "B1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins = append(wins, id)
			case errors.Is(err, ErrSeatUnavailable):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(s.ID)
	}
	wg.Wait()

	require.Len(t, wins, 1)
	assert.Equal(t, n-1, losses)
	seat := f.status(t, "B1")
	assert.Equal(t, model.SeatHeld, seat.Status)
	assert.Equal(t, wins[0], seat.HeldBy)

	ev := next(t, observer)
	assert.Equal(t, wins[0], ev.SessionID)
	none(t, observer)
}

func TestCoordinator_HoldSeatErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10*time.Minute)
	s := f.open(t, "viewer")

	_, err := f.coord.HoldSeat(ctx, s.ID, "B2")
	assert.ErrorIs(t, err, ErrSeatUnavailable)

	_, err = f.coord.HoldSeat(ctx, s.ID, "Z9")
	assert.ErrorIs(t, err, ErrSeatNotFound)

	_, err = f.coord.HoldSeat(ctx, "missing", "A1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	f.clock.Advance(10 * time.Minute)
	_, err = f.coord.HoldSeat(ctx, s.ID, "A1")
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, model.SeatAvailable, f.status(t, "A1").Status)
}

func TestCoordinator_HoldSeatTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10*time.Minute)
	s := f.open(t, "viewer")
	observer := f.hub.Subscribe(showtime, "")

	_, err := f.coord.HoldSeat(ctx, s.ID, "A1")
	require.NoError(t, err)
	ev, err := f.coord.HoldSeat(ctx, s.ID, "A1")
	require.NoError(t, err)
	assert.Empty(t, ev.Type)

	next(t, observer)
	none(t, observer)
}

func TestCoordinator_OpenSessionUnknownShowtime(t *testing.T) {
	f := newFixture(t, time.Minute)
	_, err := f.coord.OpenSession(context.Background(), "nope", "viewer")
	assert.ErrorIs(t, err, ErrShowtimeNotFound)

	_, err = f.coord.Snapshot(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrShowtimeNotFound)
}

func TestCoordinator_ReleaseSeatRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10*time.Minute)
	a := f.open(t, "viewer-a")
	b := f.open(t, "viewer-b")

	_, err := f.coord.HoldSeat(ctx, a.ID, "A1")
	require.NoError(t, err)

	_, err = f.coord.ReleaseSeat(ctx, b.ID, "A1")
	assert.ErrorIs(t, err, ErrNotOwner)
	seat := f.status(t, "A1")
	assert.Equal(t, model.SeatHeld, seat.Status)
	assert.Equal(t, a.ID, seat.HeldBy)

	_, err = f.coord.ReleaseSeat(ctx, a.ID, "A5")
	assert.ErrorIs(t, err, ErrNotOwner)

	ev, err := f.coord.ReleaseSeat(ctx, a.ID, "A1")
	require.NoError(t, err)
	assert.Equal(t, model.EventSeatReleased, ev.Type)
	assert.Equal(t, model.SeatAvailable, f.status(t, "A1").Status)

	sess, err := f.coord.Session(a.ID)
	require.NoError(t, err)
	assert.Empty(t, sess.HeldSeats)
}

func TestCoordinator_ReleaseAllIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10*time.Minute)
	s := f.open(t, "viewer")
	for _, id := range []string{"A1", "A5", "B1"} {
		_, err := f.coord.HoldSeat(ctx, s.ID, id)
		require.NoError(t, err)
	}
	observer := f.hub.Subscribe(showtime, "")

	n, err := f.coord.ReleaseAll(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = f.coord.ReleaseAll(ctx, s.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	for i := 0; i < 3; i++ {
		assert.Equal(t, model.EventSeatReleased, next(t, observer).Type)
	}
	none(t, observer)

	// the session survives a bulk release
	_, err = f.coord.HoldSeat(ctx, s.ID, "A1")
	assert.NoError(t, err)
}

func TestCoordinator_CancelSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10*time.Minute)
	s := f.open(t, "viewer")
	_, err := f.coord.HoldSeat(ctx, s.ID, "A1")
	require.NoError(t, err)

	n, err := f.coord.CancelSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.SeatAvailable, f.status(t, "A1").Status)

	_, err = f.coord.CancelSession(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.coord.HoldSeat(ctx, s.ID, "A5")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.coord.ReleaseAll(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCoordinator_SequenceFollowsCommitOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10*time.Minute)
	s := f.open(t, "viewer")
	observer := f.hub.Subscribe(showtime, "")

	for i := 0; i < 5; i++ {
		_, err := f.coord.HoldSeat(ctx, s.ID, "A1")
		require.NoError(t, err)
		_, err = f.coord.ReleaseSeat(ctx, s.ID, "A1")
		require.NoError(t, err)
	}

	var last uint64
	for i := 0; i < 10; i++ {
		ev := next(t, observer)
		if i%2 == 0 {
			assert.Equal(t, model.EventSeatHeld, ev.Type)
		} else {
			assert.Equal(t, model.EventSeatReleased, ev.Type)
		}
		assert.Greater(t, ev.Sequence, last)
		last = ev.Sequence
	}

	snap, err := f.coord.Snapshot(ctx, showtime)
	require.NoError(t, err)
	assert.Equal(t, last, snap.Version)
}

func TestCoordinator_Checkout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10*time.Minute)
	s := f.open(t, "viewer")
	for _, id := range []string{"A5", "A1"} {
		_, err := f.coord.HoldSeat(ctx, s.ID, id)
		require.NoError(t, err)
	}
	observer := f.hub.Subscribe(showtime, "")

	h, err := f.coord.Checkout(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"A1", "A5"}, h.SeatIDs)
	assert.Equal(t, s.ID, h.Session.ID)
	require.Len(t, f.final.calls, 1)
	assert.Equal(t, []string{"A1", "A5"}, f.final.calls[0])

	assert.Equal(t, model.SeatReserved, f.status(t, "A1").Status)
	assert.Equal(t, model.SeatReserved, f.status(t, "A5").Status)
	assert.Equal(t, model.EventSeatReserved, next(t, observer).Type)
	assert.Equal(t, model.EventSeatReserved, next(t, observer).Type)

	_, err = f.coord.Session(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	other := f.open(t, "viewer-2")
	_, err = f.coord.Checkout(ctx, other.ID)
	assert.ErrorIs(t, err, ErrNothingHeld)
}

func TestCoordinator_CheckoutFailureReturnsSeats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10*time.Minute)
	f.final.err = errors.New("db down")
	s := f.open(t, "viewer")
	_, err := f.coord.HoldSeat(ctx, s.ID, "A1")
	require.NoError(t, err)
	observer := f.hub.Subscribe(showtime, "")

	_, err = f.coord.Checkout(ctx, s.ID)
	require.Error(t, err)
	assert.Equal(t, model.SeatAvailable, f.status(t, "A1").Status)
	assert.Equal(t, model.EventSeatReleased, next(t, observer).Type)
	none(t, observer)
}

func TestCoordinator_RestoreSeats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10*time.Minute)

	n, err := f.coord.RestoreSeats(ctx, showtime, []string{"B2"})
	require.NoError(t, err)
	assert.Zero(t, n, "showtime not loaded yet")

	_, err = f.coord.Snapshot(ctx, showtime)
	require.NoError(t, err)
	observer := f.hub.Subscribe(showtime, "")

	n, err = f.coord.RestoreSeats(ctx, showtime, []string{"B2", "A1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.SeatAvailable, f.status(t, "B2").Status)

	ev := next(t, observer)
	assert.Equal(t, "B2", ev.SeatID)
	assert.Empty(t, ev.SessionID)
}

func TestCoordinator_TouchExtendsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10*time.Minute)
	s := f.open(t, "viewer")

	f.clock.Advance(9 * time.Minute)
	require.NoError(t, f.coord.Touch(s.ID))
	f.clock.Advance(9 * time.Minute)

	_, err := f.coord.HoldSeat(ctx, s.ID, "A1")
	assert.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	assert.ErrorIs(t, f.coord.Touch(s.ID), ErrSessionExpired)
}

func TestCoordinator_LateSubscriberConverges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10*time.Minute)
	a := f.open(t, "viewer-a")
	b := f.open(t, "viewer-b")

	var wg sync.WaitGroup
	churn := func(sid, seatID string) {
		defer wg.Done()
		for i := 0; i < 8; i++ {
			if _, err := f.coord.HoldSeat(ctx, sid, seatID); err == nil {
				_, _ = f.coord.ReleaseSeat(ctx, sid, seatID)
			}
		}
	}
	wg.Add(2)
	go churn(a.ID, "A1")
	go churn(b.ID, "A5")

	sub := f.hub.Subscribe(showtime, "")
	snap, err := f.coord.Snapshot(ctx, showtime)
	require.NoError(t, err)
	wg.Wait()

	view := make(map[string]model.SeatStatus, len(snap.Seats))
	for _, s := range snap.Seats {
		view[s.ID] = s.Status
	}
	last := snap.Version
	for done := false; !done; {
		select {
		case ev := <-sub.Events():
			if ev.Sequence <= snap.Version {
				continue
			}
			require.Greater(t, ev.Sequence, last)
			last = ev.Sequence
			switch ev.Type {
			case model.EventSeatHeld:
				view[ev.SeatID] = model.SeatHeld
			case model.EventSeatReleased:
				view[ev.SeatID] = model.SeatAvailable
			case model.EventSeatReserved:
				view[ev.SeatID] = model.SeatReserved
			}
		default:
			done = true
		}
	}

	final, err := f.coord.Snapshot(ctx, showtime)
	require.NoError(t, err)
	assert.Equal(t, final.Version, last)
	for _, s := range final.Seats {
		assert.Equal(t, s.Status, view[s.ID], s.ID)
	}
}
