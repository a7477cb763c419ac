// Package queue exchanges checkout and cancellation messages with the
// booking back office over RabbitMQ.
package queue

import "time"

// CheckoutRequested is published when a booking session hands its held
// seats over to checkout.  The seats are already reserved.
type CheckoutRequested struct {
	ShowtimeID  string    `json:"showtime_id"`
	SessionID   string    `json:"session_id"`
	ViewerID    string    `json:"viewer_id"`
	SeatIDs     []string  `json:"seat_ids"`
	RequestedAt time.Time `json:"requested_at"`
}

// ReservationCancelled is consumed when the back office cancels a
// reservation; its seats go back on sale.
type ReservationCancelled struct {
	ShowtimeID string   `json:"showtime_id"`
	SeatIDs    []string `json:"seat_ids"`
}
