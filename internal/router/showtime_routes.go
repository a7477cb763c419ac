package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/seat-sync/internal/handler"
	"github.com/iliyamo/seat-sync/internal/middleware"
)

// Showtime bundles the handlers and middleware of the showtime API.
type Showtime struct {
	Reservations *handler.ReservationHandler
	Layout       *handler.LayoutHandler
	Stream       *handler.StreamHandler
	JWTSecret    string
	RateLimit    echo.MiddlewareFunc // guards seat mutations, may be nil
	Cache        echo.MiddlewareFunc // caches the layout, may be nil
}

// RegisterShowtime registers the showtime endpoints under /v1/showtimes.
// Seat maps are public; sessions, seat mutations and the live stream
// require a viewer token.
func RegisterShowtime(e *echo.Echo, s Showtime) {
	rateLimit := orNoop(s.RateLimit)
	cache := orNoop(s.Cache)

	pub := e.Group("/v1/showtimes/:id")
	pub.GET("/seats", s.Reservations.Seats)
	pub.GET("/layout", s.Layout.Layout, cache)

	g := e.Group("/v1/showtimes/:id", middleware.JWTAuth(s.JWTSecret))
	g.POST("/sessions", s.Reservations.OpenSession)
	g.GET("/sessions/:sid", s.Reservations.GetSession)
	g.DELETE("/sessions/:sid", s.Reservations.CancelSession)
	g.DELETE("/sessions/:sid/seats", s.Reservations.ReleaseAll)
	g.POST("/sessions/:sid/checkout", s.Reservations.Checkout)
	g.POST("/hold", s.Reservations.Hold, rateLimit)
	g.POST("/release", s.Reservations.Release, rateLimit)
	g.GET("/stream", s.Stream.Stream)
}

func orNoop(mw echo.MiddlewareFunc) echo.MiddlewareFunc {
	if mw != nil {
		return mw
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
}
