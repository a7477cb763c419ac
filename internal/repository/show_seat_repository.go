package repository // repository for show seat persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// ShowSeatRepo encapsulates database operations for show_seats.
type ShowSeatRepo struct {
	db *sql.DB
}

// NewShowSeatRepo constructs a ShowSeatRepo given a DB handle.
func NewShowSeatRepo(db *sql.DB) *ShowSeatRepo {
	return &ShowSeatRepo{db: db}
}

// MarkReserved records the seats of a checkout handoff as RESERVED in one
// transaction.  Rows are upserted because show_seats may not exist for every
// hall seat.  If any seat is already reserved nothing is written and
// ErrConflict is returned.
func (r *ShowSeatRepo) MarkReserved(ctx context.Context, showtimeID string, seatIDs []string) error {
	if len(seatIDs) == 0 {
		return nil
	}
	showID, err := strconv.ParseUint(showtimeID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid show id %q: %w", showtimeID, err)
	}
	ids := make([]interface{}, 0, len(seatIDs)+1)
	ids = append(ids, showID)
	for _, s := range seatIDs {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid seat id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(seatIDs)), ",")

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// Lock the rows first so concurrent handoffs serialize.
	var reserved int
	lockQ := `SELECT COUNT(*) FROM show_seats
	          WHERE show_id = ? AND seat_id IN (` + placeholders + `) AND status = 'RESERVED'
	          FOR UPDATE`
	if err := tx.QueryRowContext(ctx, lockQ, ids...).Scan(&reserved); err != nil {
		return err
	}
	if reserved > 0 {
		return ErrConflict
	}

	query := `INSERT INTO show_seats (show_id, seat_id, status, price_cents, version) VALUES `
	args := make([]interface{}, 0, len(seatIDs)*2)
	for i, id := range ids[1:] {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, 'RESERVED', 0, 0)"
		args = append(args, showID, id)
	}
	query += ` ON DUPLICATE KEY UPDATE status = 'RESERVED', version = version + 1`
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
