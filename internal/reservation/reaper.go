package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Reaper periodically expires idle sessions and, when a hold TTL is
// configured, releases individual seats held for too long.  It also frees
// seats of sessions that vanished with their instance and forgets idle
// showtimes.
type Reaper struct {
	coord     *Coordinator
	interval  time.Duration
	holdTTL   time.Duration
	retention time.Duration
	log       *logrus.Entry
}

// SweepResult counts what a single sweep did.
type SweepResult struct {
	ExpiredSessions  int
	ReleasedSeats    int
	OrphanedSeats    int
	EvictedShowtimes int
}

// ReaperOption customises a Reaper.
type ReaperOption func(*Reaper)

// WithRetention evicts showtimes unused for d.  Zero keeps them forever.
func WithRetention(d time.Duration) ReaperOption {
	return func(r *Reaper) { r.retention = d }
}

// NewReaper builds a Reaper.  The idle threshold is the coordinator's; a
// holdTTL of zero disables per-seat expiry.
func NewReaper(coord *Coordinator, interval, holdTTL time.Duration, log *logrus.Entry, opts ...ReaperOption) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Reaper{
		coord:    coord,
		interval: interval,
		holdTTL:  holdTTL,
		log:      log.WithField("component", "reaper"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.WithField("interval", r.interval).Info("reaper started")
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return nil
		case <-t.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass.  Sessions destroyed concurrently are skipped.
func (r *Reaper) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := r.coord.sessions.Now()

	if r.coord.idle > 0 {
		for _, sess := range r.coord.sessions.Idle(now, r.coord.idle) {
			n, err := r.coord.ExpireSession(ctx, sess.ID)
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			if err != nil {
				r.log.WithError(err).WithField("session_id", sess.ID).Error("expire session")
				continue
			}
			res.ExpiredSessions++
			res.ReleasedSeats += n
		}
	}

	for sessionID, seatIDs := range r.coord.sessions.StaleHolds(now, r.holdTTL) {
		for _, seatID := range seatIDs {
			_, err := r.coord.releaseSeat(ctx, sessionID, seatID, false)
			switch {
			case err == nil:
				res.ReleasedSeats++
			case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrNotOwner):
			default:
				r.log.WithError(err).WithFields(logrus.Fields{
					"session_id": sessionID,
					"seat_id":    seatID,
				}).Error("release stale hold")
			}
		}
	}

	n, err := r.coord.ReleaseOrphans(ctx)
	if err != nil {
		r.log.WithError(err).Error("release orphaned holds")
	}
	res.OrphanedSeats = n
	res.EvictedShowtimes = r.coord.EvictIdle(ctx, r.retention)

	if res != (SweepResult{}) {
		r.log.WithFields(logrus.Fields{
			"expired_sessions":  res.ExpiredSessions,
			"released_seats":    res.ReleasedSeats,
			"orphaned_seats":    res.OrphanedSeats,
			"evicted_showtimes": res.EvictedShowtimes,
		}).Info("sweep finished")
	}
	return res
}
