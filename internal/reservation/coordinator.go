// Package reservation coordinates seat holds.  The Coordinator is the only
// writer of the seat registry: it validates sessions, applies compare-and-set
// transitions and publishes one event per committed transition.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/iliyamo/seat-sync/internal/model"
	"github.com/iliyamo/seat-sync/internal/registry"
	"github.com/iliyamo/seat-sync/internal/session"
)

// Publisher receives committed reservation events.  Publish must not block.
type Publisher interface {
	Publish(ev model.ReservationEvent) int
}

// Catalog supplies the static seat map of a showtime, with seats already sold
// marked reserved and inactive seats marked unavailable.  An empty result
// means the showtime does not exist or cannot be sold.
type Catalog interface {
	ShowtimeSeats(ctx context.Context, showtimeID string) ([]model.Seat, error)
}

// Finalizer durably records seats handed off to checkout.
type Finalizer interface {
	MarkReserved(ctx context.Context, showtimeID string, seatIDs []string) error
}

// Liveness reports which sessions are alive on any instance sharing the
// registry.
type Liveness interface {
	Alive(ctx context.Context, sessionIDs []string) (map[string]bool, error)
}

// Watchers counts the live event subscriptions of a showtime.
type Watchers interface {
	Subscribers(showtimeID string) int
}

// Deps are the collaborators of a Coordinator.  Catalog, Finalizer,
// Liveness and Watchers are optional.
type Deps struct {
	Registry  registry.Registry
	Sessions  *session.Store
	Publisher Publisher
	Catalog   Catalog
	Finalizer Finalizer
	Liveness  Liveness
	Watchers  Watchers
}

// lockStripes bounds the number of showtime locks.  Showtimes that hash to
// the same stripe share a lock.
const lockStripes = 256

// Coordinator mutates the seat registry on behalf of booking sessions.
type Coordinator struct {
	registry  registry.Registry
	sessions  *session.Store
	publisher Publisher
	catalog   Catalog
	finalizer Finalizer
	liveness  Liveness
	watchers  Watchers
	idle      time.Duration

	locks [lockStripes]sync.Mutex
	loads singleflight.Group

	usedMu sync.Mutex
	used   map[string]time.Time // showtime id -> last load or snapshot

	log *logrus.Entry
}

// Handoff is the result of a checkout: the destroyed session and the seats
// now reserved for it.
type Handoff struct {
	Session model.BookingSession
	SeatIDs []string
}

// NewCoordinator builds a Coordinator.  Sessions idle for idleTimeout are
// treated as expired even before the reaper collects them.
func NewCoordinator(deps Deps, idleTimeout time.Duration, log *logrus.Entry) *Coordinator {
	if deps.Registry == nil || deps.Sessions == nil || deps.Publisher == nil {
		panic("reservation: registry, sessions and publisher are required")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		registry:  deps.Registry,
		sessions:  deps.Sessions,
		publisher: deps.Publisher,
		catalog:   deps.Catalog,
		finalizer: deps.Finalizer,
		liveness:  deps.Liveness,
		watchers:  deps.Watchers,
		idle:      idleTimeout,
		used:      make(map[string]time.Time),
		log:       log.WithField("component", "coordinator"),
	}
}

// lock returns the mutex that orders commits and publishes of one showtime.
func (c *Coordinator) lock(showtimeID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(showtimeID))
	return &c.locks[h.Sum32()%lockStripes]
}

// ensureLoaded seeds the registry from the catalog the first time a showtime
// is used.  The caller holds the showtime lock.
func (c *Coordinator) ensureLoaded(ctx context.Context, showtimeID string) error {
	ok, err := c.registry.Has(ctx, showtimeID)
	if err != nil {
		return fmt.Errorf("check registry: %w", err)
	}
	if ok {
		c.markUsed(showtimeID)
		return nil
	}
	if c.catalog == nil {
		return ErrShowtimeNotFound
	}
	_, err, _ = c.loads.Do(showtimeID, func() (interface{}, error) {
		seats, err := c.catalog.ShowtimeSeats(ctx, showtimeID)
		if err != nil {
			return nil, fmt.Errorf("load seat catalog: %w", err)
		}
		if len(seats) == 0 {
			return nil, ErrShowtimeNotFound
		}
		if err := c.registry.Load(ctx, showtimeID, seats); err != nil {
			return nil, err
		}
		c.log.WithFields(logrus.Fields{"showtime_id": showtimeID, "seats": len(seats)}).Info("showtime loaded")
		return nil, nil
	})
	if err == nil {
		c.markUsed(showtimeID)
	}
	return err
}

func (c *Coordinator) markUsed(showtimeID string) {
	c.usedMu.Lock()
	c.used[showtimeID] = c.sessions.Now()
	c.usedMu.Unlock()
}

// OpenSession starts seat selection for viewerID on showtimeID.
func (c *Coordinator) OpenSession(ctx context.Context, showtimeID, viewerID string) (model.BookingSession, error) {
	mu := c.lock(showtimeID)
	mu.Lock()
	defer mu.Unlock()
	if err := c.ensureLoaded(ctx, showtimeID); err != nil {
		return model.BookingSession{}, err
	}
	sess := c.sessions.Create(showtimeID, viewerID)
	c.log.WithFields(logrus.Fields{"session_id": sess.ID, "showtime_id": showtimeID}).Debug("session opened")
	return sess, nil
}

// Session returns a session without checking for expiry.
func (c *Coordinator) Session(sessionID string) (model.BookingSession, error) {
	sess, err := c.sessions.Get(sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return model.BookingSession{}, ErrSessionNotFound
	}
	return sess, err
}

// Touch records viewer activity on a live session.
func (c *Coordinator) Touch(sessionID string) error {
	if _, err := c.activeSession(sessionID); err != nil {
		return err
	}
	if err := c.sessions.Touch(sessionID); err != nil {
		return ErrSessionNotFound
	}
	return nil
}

func (c *Coordinator) activeSession(sessionID string) (model.BookingSession, error) {
	sess, err := c.Session(sessionID)
	if err != nil {
		return model.BookingSession{}, err
	}
	if sess.IdleSince(c.sessions.Now(), c.idle) {
		return model.BookingSession{}, ErrSessionExpired
	}
	return sess, nil
}

// Snapshot returns the authoritative seat map of a showtime.
func (c *Coordinator) Snapshot(ctx context.Context, showtimeID string) (model.Snapshot, error) {
	mu := c.lock(showtimeID)
	mu.Lock()
	defer mu.Unlock()
	if err := c.ensureLoaded(ctx, showtimeID); err != nil {
		return model.Snapshot{}, err
	}
	snap, err := c.registry.Snapshot(ctx, showtimeID)
	if errors.Is(err, registry.ErrShowtimeNotFound) {
		return model.Snapshot{}, ErrShowtimeNotFound
	}
	return snap, err
}

// HoldSeat claims seatID for the session.  Losing the race to another session
// yields ErrSeatUnavailable; the call is never retried.  Holding a seat the
// session already holds succeeds without a new event.
func (c *Coordinator) HoldSeat(ctx context.Context, sessionID, seatID string) (model.ReservationEvent, error) {
	sess, err := c.activeSession(sessionID)
	if err != nil {
		return model.ReservationEvent{}, err
	}
	mu := c.lock(sess.ShowtimeID)
	mu.Lock()
	defer mu.Unlock()

	version, err := c.registry.CompareAndSet(ctx, sess.ShowtimeID, seatID, model.SeatAvailable, model.SeatHeld, sessionID)
	switch {
	case errors.Is(err, registry.ErrConflict):
		seat, serr := c.registry.Seat(ctx, sess.ShowtimeID, seatID)
		if serr == nil && seat.Status == model.SeatHeld && seat.HeldBy == sessionID {
			if err := c.sessions.AddHeld(sessionID, seatID); err != nil {
				return model.ReservationEvent{}, ErrSessionNotFound
			}
			return model.ReservationEvent{}, nil
		}
		return model.ReservationEvent{}, ErrSeatUnavailable
	case errors.Is(err, registry.ErrSeatNotFound):
		return model.ReservationEvent{}, ErrSeatNotFound
	case errors.Is(err, registry.ErrShowtimeNotFound):
		return model.ReservationEvent{}, ErrShowtimeNotFound
	case err != nil:
		return model.ReservationEvent{}, fmt.Errorf("hold seat: %w", err)
	}

	if err := c.sessions.AddHeld(sessionID, seatID); err != nil {
		// Session destroyed concurrently; undo the unpublished hold.
		if _, rerr := c.registry.CompareAndSet(ctx, sess.ShowtimeID, seatID, model.SeatHeld, model.SeatAvailable, sessionID); rerr != nil {
			c.log.WithError(rerr).WithField("seat_id", seatID).Error("failed to revert orphaned hold")
		}
		return model.ReservationEvent{}, ErrSessionNotFound
	}
	return c.emit(model.EventSeatHeld, sess.ShowtimeID, seatID, sessionID, version), nil
}

// ReleaseSeat gives seatID back.  The seat must be held by this session,
// otherwise ErrNotOwner is returned and the registry is left unchanged.
func (c *Coordinator) ReleaseSeat(ctx context.Context, sessionID, seatID string) (model.ReservationEvent, error) {
	return c.releaseSeat(ctx, sessionID, seatID, true)
}

// releaseSeat releases one seat; touch records the call as viewer activity.
func (c *Coordinator) releaseSeat(ctx context.Context, sessionID, seatID string, touch bool) (model.ReservationEvent, error) {
	sess, err := c.Session(sessionID)
	if err != nil {
		return model.ReservationEvent{}, err
	}
	mu := c.lock(sess.ShowtimeID)
	mu.Lock()
	defer mu.Unlock()

	version, err := c.registry.CompareAndSet(ctx, sess.ShowtimeID, seatID, model.SeatHeld, model.SeatAvailable, sessionID)
	switch {
	case errors.Is(err, registry.ErrConflict):
		_ = c.sessions.RemoveHeld(sessionID, seatID)
		return model.ReservationEvent{}, ErrNotOwner
	case errors.Is(err, registry.ErrSeatNotFound):
		return model.ReservationEvent{}, ErrSeatNotFound
	case errors.Is(err, registry.ErrShowtimeNotFound):
		return model.ReservationEvent{}, ErrShowtimeNotFound
	case err != nil:
		return model.ReservationEvent{}, fmt.Errorf("release seat: %w", err)
	}
	_ = c.sessions.RemoveHeld(sessionID, seatID)
	if touch {
		_ = c.sessions.Touch(sessionID)
	}
	return c.emit(model.EventSeatReleased, sess.ShowtimeID, seatID, sessionID, version), nil
}

// ReleaseAll releases every seat the session holds and keeps the session.
// Seats that are already released are skipped, so calling it again is a
// no-op.  It returns the number of seats released by this call.
func (c *Coordinator) ReleaseAll(ctx context.Context, sessionID string) (int, error) {
	sess, err := c.Session(sessionID)
	if err != nil {
		return 0, err
	}
	mu := c.lock(sess.ShowtimeID)
	mu.Lock()
	defer mu.Unlock()
	n := c.releaseLocked(ctx, sess)
	_ = c.sessions.Touch(sessionID)
	return n, nil
}

// CancelSession destroys the session on the viewer's request and releases
// its seats.
func (c *Coordinator) CancelSession(ctx context.Context, sessionID string) (int, error) {
	return c.destroy(ctx, sessionID, "cancelled")
}

// ExpireSession destroys an abandoned session and releases its seats.
func (c *Coordinator) ExpireSession(ctx context.Context, sessionID string) (int, error) {
	return c.destroy(ctx, sessionID, "expired")
}

func (c *Coordinator) destroy(ctx context.Context, sessionID, reason string) (int, error) {
	sess, err := c.sessions.Delete(sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return 0, ErrSessionNotFound
	}
	if err != nil {
		return 0, err
	}
	mu := c.lock(sess.ShowtimeID)
	mu.Lock()
	n := c.releaseLocked(ctx, sess)
	mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"showtime_id": sess.ShowtimeID,
		"released":    n,
		"reason":      reason,
	}).Info("session destroyed")
	return n, nil
}

// releaseLocked releases the session's seats one compare-and-set at a time.
// The caller holds the showtime lock.
func (c *Coordinator) releaseLocked(ctx context.Context, sess model.BookingSession) int {
	released := 0
	for _, seatID := range sess.HeldSeatIDs() {
		version, err := c.registry.CompareAndSet(ctx, sess.ShowtimeID, seatID, model.SeatHeld, model.SeatAvailable, sess.ID)
		_ = c.sessions.RemoveHeld(sess.ID, seatID)
		switch {
		case err == nil:
			c.emit(model.EventSeatReleased, sess.ShowtimeID, seatID, sess.ID, version)
			released++
		case errors.Is(err, registry.ErrConflict), errors.Is(err, registry.ErrSeatNotFound):
			// already released
		default:
			c.log.WithError(err).WithFields(logrus.Fields{
				"session_id": sess.ID,
				"seat_id":    seatID,
			}).Error("failed to release seat")
		}
	}
	return released
}

// Checkout hands the session's held seats over to checkout: the session is
// destroyed, its seats become reserved and are persisted by the Finalizer.
// If persisting fails the seats return to sale.
func (c *Coordinator) Checkout(ctx context.Context, sessionID string) (Handoff, error) {
	current, err := c.activeSession(sessionID)
	if err != nil {
		return Handoff{}, err
	}
	if len(current.HeldSeats) == 0 {
		return Handoff{}, ErrNothingHeld
	}
	sess, err := c.sessions.Delete(sessionID)
	if err != nil {
		return Handoff{}, ErrSessionNotFound
	}

	type committed struct {
		seatID  string
		version uint64
	}
	var done []committed
	mu := c.lock(sess.ShowtimeID)
	mu.Lock()
	for _, seatID := range sess.HeldSeatIDs() {
		version, err := c.registry.CompareAndSet(ctx, sess.ShowtimeID, seatID, model.SeatHeld, model.SeatReserved, sessionID)
		if err != nil {
			c.log.WithError(err).WithField("seat_id", seatID).Warn("seat lost before checkout")
			continue
		}
		done = append(done, committed{seatID: seatID, version: version})
	}
	mu.Unlock()

	if len(done) == 0 {
		return Handoff{}, ErrNothingHeld
	}
	seatIDs := make([]string, 0, len(done))
	for _, d := range done {
		seatIDs = append(seatIDs, d.seatID)
	}

	if c.finalizer != nil {
		if err := c.finalizer.MarkReserved(ctx, sess.ShowtimeID, seatIDs); err != nil {
			mu.Lock()
			for _, seatID := range seatIDs {
				version, rerr := c.registry.CompareAndSet(ctx, sess.ShowtimeID, seatID, model.SeatReserved, model.SeatAvailable, "")
				if rerr != nil {
					c.log.WithError(rerr).WithField("seat_id", seatID).Error("failed to return seat after checkout failure")
					continue
				}
				c.emit(model.EventSeatReleased, sess.ShowtimeID, seatID, sessionID, version)
			}
			mu.Unlock()
			return Handoff{}, fmt.Errorf("finalize reservation: %w", err)
		}
	}

	mu.Lock()
	for _, d := range done {
		c.emit(model.EventSeatReserved, sess.ShowtimeID, d.seatID, sessionID, d.version)
	}
	mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"showtime_id": sess.ShowtimeID,
		"seats":       len(seatIDs),
	}).Info("session handed off to checkout")
	return Handoff{Session: sess, SeatIDs: seatIDs}, nil
}

// RestoreSeats returns reserved seats to sale after their reservation was
// cancelled outside this service.  Showtimes that are not loaded are skipped;
// they will read the current state from the catalog when first used.
func (c *Coordinator) RestoreSeats(ctx context.Context, showtimeID string, seatIDs []string) (int, error) {
	ok, err := c.registry.Has(ctx, showtimeID)
	if err != nil {
		return 0, fmt.Errorf("check registry: %w", err)
	}
	if !ok {
		return 0, nil
	}
	mu := c.lock(showtimeID)
	mu.Lock()
	defer mu.Unlock()
	restored := 0
	for _, seatID := range seatIDs {
		version, err := c.registry.CompareAndSet(ctx, showtimeID, seatID, model.SeatReserved, model.SeatAvailable, "")
		if err != nil {
			continue
		}
		c.emit(model.EventSeatReleased, showtimeID, seatID, "", version)
		restored++
	}
	return restored, nil
}

// ReleaseOrphans returns held seats to sale when their session is neither
// local nor alive on another instance, which happens when an instance stops
// while its sessions hold seats in a shared registry.  It is a no-op without
// a Liveness.
func (c *Coordinator) ReleaseOrphans(ctx context.Context) (int, error) {
	if c.liveness == nil {
		return 0, nil
	}
	showtimes, err := c.registry.Showtimes(ctx)
	if err != nil {
		return 0, fmt.Errorf("list showtimes: %w", err)
	}
	released := 0
	for _, showtimeID := range showtimes {
		holders, err := c.registry.Holders(ctx, showtimeID)
		if err != nil {
			if errors.Is(err, registry.ErrShowtimeNotFound) {
				continue
			}
			return released, fmt.Errorf("list holders: %w", err)
		}
		// holders unknown to this instance
		remote := make(map[string]bool)
		var ids []string
		for _, sessionID := range holders {
			if _, checked := remote[sessionID]; checked {
				continue
			}
			_, err := c.sessions.Get(sessionID)
			remote[sessionID] = err != nil
			if err != nil {
				ids = append(ids, sessionID)
			}
		}
		if len(ids) == 0 {
			continue
		}
		alive, err := c.liveness.Alive(ctx, ids)
		if err != nil {
			return released, fmt.Errorf("check session leases: %w", err)
		}

		mu := c.lock(showtimeID)
		mu.Lock()
		for seatID, sessionID := range holders {
			if alive[sessionID] || !remote[sessionID] {
				continue
			}
			version, err := c.registry.CompareAndSet(ctx, showtimeID, seatID, model.SeatHeld, model.SeatAvailable, sessionID)
			if err != nil {
				// released or re-held since the scan
				continue
			}
			c.emit(model.EventSeatReleased, showtimeID, seatID, sessionID, version)
			released++
			c.log.WithFields(logrus.Fields{
				"showtime_id": showtimeID,
				"seat_id":     seatID,
				"session_id":  sessionID,
			}).Warn("released seat of a vanished session")
		}
		mu.Unlock()
	}
	return released, nil
}

// EvictIdle forgets showtimes that nobody loaded or watched for retention
// and that have no sessions or subscribers left.  Only registries that
// implement registry.Evictor release memory; the rest are merely untracked.
// It returns the number of evicted showtimes.
func (c *Coordinator) EvictIdle(ctx context.Context, retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	now := c.sessions.Now()
	var stale []string
	c.usedMu.Lock()
	for id, at := range c.used {
		if now.Sub(at) >= retention {
			stale = append(stale, id)
		}
	}
	c.usedMu.Unlock()

	evictor, canEvict := c.registry.(registry.Evictor)
	evicted := 0
	for _, showtimeID := range stale {
		mu := c.lock(showtimeID)
		mu.Lock()
		if c.sessions.Count(showtimeID) > 0 || (c.watchers != nil && c.watchers.Subscribers(showtimeID) > 0) {
			mu.Unlock()
			continue
		}
		c.usedMu.Lock()
		if at, ok := c.used[showtimeID]; ok && now.Sub(at) < retention {
			c.usedMu.Unlock()
			mu.Unlock()
			continue
		}
		delete(c.used, showtimeID)
		c.usedMu.Unlock()
		if canEvict {
			if err := evictor.Evict(ctx, showtimeID); err != nil {
				c.log.WithError(err).WithField("showtime_id", showtimeID).Error("evict showtime")
			} else {
				evicted++
			}
		}
		mu.Unlock()
	}
	return evicted
}

func (c *Coordinator) emit(typ model.EventType, showtimeID, seatID, sessionID string, version uint64) model.ReservationEvent {
	ev := model.ReservationEvent{
		Type:       typ,
		ShowtimeID: showtimeID,
		SeatID:     seatID,
		SessionID:  sessionID,
		Sequence:   version,
		Timestamp:  c.sessions.Now(),
	}
	c.publisher.Publish(ev)
	return ev
}
