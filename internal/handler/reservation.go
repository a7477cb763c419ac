// Package handler exposes the seat reservation API over HTTP and WebSocket.
package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/seat-sync/internal/middleware"
	"github.com/iliyamo/seat-sync/internal/model"
	"github.com/iliyamo/seat-sync/internal/queue"
	"github.com/iliyamo/seat-sync/internal/reservation"
)

// Reservations is the coordinator surface used by the handlers.
type Reservations interface {
	OpenSession(ctx context.Context, showtimeID, viewerID string) (model.BookingSession, error)
	Session(sessionID string) (model.BookingSession, error)
	Touch(sessionID string) error
	Snapshot(ctx context.Context, showtimeID string) (model.Snapshot, error)
	HoldSeat(ctx context.Context, sessionID, seatID string) (model.ReservationEvent, error)
	ReleaseSeat(ctx context.Context, sessionID, seatID string) (model.ReservationEvent, error)
	ReleaseAll(ctx context.Context, sessionID string) (int, error)
	CancelSession(ctx context.Context, sessionID string) (int, error)
	Checkout(ctx context.Context, sessionID string) (reservation.Handoff, error)
}

// CheckoutPublisher notifies the checkout service of a handoff.
type CheckoutPublisher interface {
	PublishCheckout(ctx context.Context, ev queue.CheckoutRequested) error
}

// ReservationHandler serves session and seat endpoints.
type ReservationHandler struct {
	reservations Reservations
	checkouts    CheckoutPublisher
	log          *logrus.Entry
}

// NewReservationHandler builds the handler; checkouts may be nil when no
// broker is configured.
func NewReservationHandler(res Reservations, checkouts CheckoutPublisher, log *logrus.Entry) *ReservationHandler {
	if res == nil {
		panic("nil reservations passed to NewReservationHandler")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ReservationHandler{reservations: res, checkouts: checkouts, log: log.WithField("component", "http")}
}

type sessionResponse struct {
	ID             string    `json:"id"`
	ShowtimeID     string    `json:"showtime_id"`
	ViewerID       string    `json:"viewer_id"`
	HeldSeats      []string  `json:"held_seats"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func toSessionResponse(s model.BookingSession) sessionResponse {
	held := s.HeldSeatIDs()
	if held == nil {
		held = []string{}
	}
	return sessionResponse{
		ID:             s.ID,
		ShowtimeID:     s.ShowtimeID,
		ViewerID:       s.ViewerID,
		HeldSeats:      held,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
	}
}

type seatRequest struct {
	SessionID string `json:"session_id"`
	SeatID    string `json:"seat_id"`
}

type seatResponse struct {
	SeatID   string           `json:"seat_id"`
	Status   model.SeatStatus `json:"status"`
	Sequence uint64           `json:"sequence,omitempty"`
}

// session loads a session and checks it belongs to the caller and showtime.
func (h *ReservationHandler) session(c echo.Context, sessionID string) (model.BookingSession, error) {
	return ownedSession(h.reservations, c.Param("id"), middleware.ViewerID(c), sessionID)
}

func ownedSession(res Reservations, showtimeID, viewerID, sessionID string) (model.BookingSession, error) {
	sess, err := res.Session(sessionID)
	if err != nil {
		return model.BookingSession{}, err
	}
	if sess.ShowtimeID != showtimeID {
		return model.BookingSession{}, reservation.ErrShowtimeMismatch
	}
	if sess.ViewerID != viewerID {
		return model.BookingSession{}, errForbidden
	}
	return sess, nil
}

// OpenSession handles POST /v1/showtimes/:id/sessions.
func (h *ReservationHandler) OpenSession(c echo.Context) error {
	sess, err := h.reservations.OpenSession(c.Request().Context(), c.Param("id"), middleware.ViewerID(c))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, toSessionResponse(sess))
}

// GetSession handles GET /v1/showtimes/:id/sessions/:sid.
func (h *ReservationHandler) GetSession(c echo.Context) error {
	sess, err := h.session(c, c.Param("sid"))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, toSessionResponse(sess))
}

// CancelSession handles DELETE /v1/showtimes/:id/sessions/:sid.
func (h *ReservationHandler) CancelSession(c echo.Context) error {
	sess, err := h.session(c, c.Param("sid"))
	if err != nil {
		return writeError(c, h.log, err)
	}
	n, err := h.reservations.CancelSession(c.Request().Context(), sess.ID)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"released": n})
}

// ReleaseAll handles DELETE /v1/showtimes/:id/sessions/:sid/seats.
func (h *ReservationHandler) ReleaseAll(c echo.Context) error {
	sess, err := h.session(c, c.Param("sid"))
	if err != nil {
		return writeError(c, h.log, err)
	}
	n, err := h.reservations.ReleaseAll(c.Request().Context(), sess.ID)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"released": n})
}

// Checkout handles POST /v1/showtimes/:id/sessions/:sid/checkout.  The
// seats are reserved before the broker is notified; a failed notification
// is logged and does not fail the request.
func (h *ReservationHandler) Checkout(c echo.Context) error {
	sess, err := h.session(c, c.Param("sid"))
	if err != nil {
		return writeError(c, h.log, err)
	}
	ctx := c.Request().Context()
	handoff, err := h.reservations.Checkout(ctx, sess.ID)
	if err != nil {
		return writeError(c, h.log, err)
	}
	if h.checkouts != nil {
		ev := queue.CheckoutRequested{
			ShowtimeID:  handoff.Session.ShowtimeID,
			SessionID:   handoff.Session.ID,
			ViewerID:    handoff.Session.ViewerID,
			SeatIDs:     handoff.SeatIDs,
			RequestedAt: time.Now().UTC(),
		}
		if err := h.checkouts.PublishCheckout(ctx, ev); err != nil {
			h.log.WithError(err).WithField("session_id", sess.ID).Warn("checkout notification failed")
		}
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"session_id": handoff.Session.ID,
		"seat_ids":   handoff.SeatIDs,
	})
}

func (h *ReservationHandler) bindSeat(c echo.Context) (model.BookingSession, seatRequest, error) {
	var req seatRequest
	if err := c.Bind(&req); err != nil {
		return model.BookingSession{}, req, invalid("malformed body")
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.SeatID = strings.TrimSpace(req.SeatID)
	if req.SessionID == "" || req.SeatID == "" {
		return model.BookingSession{}, req, invalid("session_id and seat_id are required")
	}
	sess, err := h.session(c, req.SessionID)
	return sess, req, err
}

// Hold handles POST /v1/showtimes/:id/hold.
func (h *ReservationHandler) Hold(c echo.Context) error {
	sess, req, err := h.bindSeat(c)
	if err != nil {
		return writeError(c, h.log, err)
	}
	ev, err := h.reservations.HoldSeat(c.Request().Context(), sess.ID, req.SeatID)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, seatResponse{SeatID: req.SeatID, Status: model.SeatHeld, Sequence: ev.Sequence})
}

// Release handles POST /v1/showtimes/:id/release.
func (h *ReservationHandler) Release(c echo.Context) error {
	sess, req, err := h.bindSeat(c)
	if err != nil {
		return writeError(c, h.log, err)
	}
	ev, err := h.reservations.ReleaseSeat(c.Request().Context(), sess.ID, req.SeatID)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, seatResponse{SeatID: req.SeatID, Status: model.SeatAvailable, Sequence: ev.Sequence})
}

// Seats handles GET /v1/showtimes/:id/seats and returns the live snapshot.
func (h *ReservationHandler) Seats(c echo.Context) error {
	snap, err := h.reservations.Snapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, snap)
}
