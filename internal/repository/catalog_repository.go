package repository

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/iliyamo/seat-sync/internal/model"
)

// CatalogRepo reads the seat map of a show from the back office schema.
type CatalogRepo struct {
	db *sql.DB
}

// NewCatalogRepo constructs a CatalogRepo with the given DB handle.
func NewCatalogRepo(db *sql.DB) *CatalogRepo {
	return &CatalogRepo{db: db}
}

// ShowtimeSeats returns every seat of the show's hall.  Inactive seats are
// unavailable and seats whose show_seats row is RESERVED are reserved; all
// others are available.  An unknown show yields an empty slice.
func (r *CatalogRepo) ShowtimeSeats(ctx context.Context, showtimeID string) ([]model.Seat, error) {
	showID, err := strconv.ParseUint(showtimeID, 10, 64)
	if err != nil || showID == 0 {
		return nil, nil
	}
	const q = `SELECT se.id, se.row_label, se.seat_number, se.seat_type, se.is_active,
	                  COALESCE(ss.status, 'FREE')
	           FROM shows s
	           JOIN seats se ON se.hall_id = s.hall_id
	           LEFT JOIN show_seats ss ON ss.show_id = s.id AND ss.seat_id = se.id
	           WHERE s.id = ?
	           ORDER BY se.row_label, se.seat_number`
	rows, err := r.db.QueryContext(ctx, q, showID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Seat
	for rows.Next() {
		var (
			id       uint64
			row      string
			number   uint32
			seatType string
			active   bool
			status   string
		)
		if err := rows.Scan(&id, &row, &number, &seatType, &active, &status); err != nil {
			return nil, err
		}
		result = append(result, model.Seat{
			ID:         strconv.FormatUint(id, 10),
			Label:      row + strconv.FormatUint(uint64(number), 10),
			Row:        row,
			Column:     number,
			SeatTypeID: seatType,
			Status:     seatStatus(active, status),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// seatStatus maps back office columns onto a live seat status.  HELD rows
// written by older booking flows are treated as free.
func seatStatus(active bool, status string) model.SeatStatus {
	switch {
	case !active:
		return model.SeatUnavailable
	case status == "RESERVED":
		return model.SeatReserved
	default:
		return model.SeatAvailable
	}
}
