package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/seat-sync/internal/model"
)

// SnapshotSource provides a showtime's seat map.
type SnapshotSource interface {
	Snapshot(ctx context.Context, showtimeID string) (model.Snapshot, error)
}

// LayoutHandler serves the static seat layout.  It carries no live state so
// responses can be cached.
type LayoutHandler struct {
	seats SnapshotSource
	log   *logrus.Entry
}

func NewLayoutHandler(seats SnapshotSource, log *logrus.Entry) *LayoutHandler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LayoutHandler{seats: seats, log: log.WithField("component", "http")}
}

type layoutSeat struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Column     uint32 `json:"column"`
	SeatTypeID string `json:"seat_type_id"`
}

type layoutRow struct {
	Row   string       `json:"row"`
	Seats []layoutSeat `json:"seats"`
}

// Layout handles GET /v1/showtimes/:id/layout.
func (h *LayoutHandler) Layout(c echo.Context) error {
	snap, err := h.seats.Snapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"showtime_id": snap.ShowtimeID,
		"rows":        groupRows(snap.Seats),
	})
}

// groupRows groups seats that are already ordered by row and column.
func groupRows(seats []model.Seat) []layoutRow {
	rows := []layoutRow{}
	for _, s := range seats {
		if n := len(rows); n == 0 || rows[n-1].Row != s.Row {
			rows = append(rows, layoutRow{Row: s.Row})
		}
		last := &rows[len(rows)-1]
		last.Seats = append(last.Seats, layoutSeat{
			ID:         s.ID,
			Label:      s.Label,
			Column:     s.Column,
			SeatTypeID: s.SeatTypeID,
		})
	}
	return rows
}
