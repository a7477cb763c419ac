package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/seat-sync/internal/reservation"
)

var (
	errForbidden      = errors.New("session belongs to another viewer")
	errInvalidRequest = errors.New("invalid request")
)

type apiError struct {
	status int
	code   string
}

var apiErrors = []struct {
	err error
	apiError
}{
	{reservation.ErrSeatUnavailable, apiError{http.StatusConflict, "seat_unavailable"}},
	{reservation.ErrNotOwner, apiError{http.StatusConflict, "not_owner"}},
	{reservation.ErrNothingHeld, apiError{http.StatusConflict, "nothing_held"}},
	{reservation.ErrSessionExpired, apiError{http.StatusGone, "session_expired"}},
	{reservation.ErrSessionNotFound, apiError{http.StatusNotFound, "session_not_found"}},
	{reservation.ErrSeatNotFound, apiError{http.StatusNotFound, "seat_not_found"}},
	{reservation.ErrShowtimeNotFound, apiError{http.StatusNotFound, "showtime_not_found"}},
	{reservation.ErrShowtimeMismatch, apiError{http.StatusBadRequest, "showtime_mismatch"}},
	{errForbidden, apiError{http.StatusForbidden, "forbidden"}},
	{errInvalidRequest, apiError{http.StatusBadRequest, "invalid_request"}},
}

// classify maps a coordinator error to its HTTP status and error code.
func classify(err error) apiError {
	for _, e := range apiErrors {
		if errors.Is(err, e.err) {
			return e.apiError
		}
	}
	return apiError{http.StatusInternalServerError, "internal"}
}

// writeError renders err as {"error": code, "message": text}.  Unexpected
// errors are logged and their text is not exposed.
func writeError(c echo.Context, log *logrus.Entry, err error) error {
	ae := classify(err)
	msg := err.Error()
	if ae.status == http.StatusInternalServerError {
		log.WithError(err).WithFields(logrus.Fields{
			"method": c.Request().Method,
			"path":   c.Path(),
		}).Error("request failed")
		msg = "internal error"
	}
	return c.JSON(ae.status, echo.Map{"error": ae.code, "message": msg})
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", errInvalidRequest, msg)
}
