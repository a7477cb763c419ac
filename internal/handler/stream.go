package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/seat-sync/internal/broadcast"
	"github.com/iliyamo/seat-sync/internal/middleware"
	"github.com/iliyamo/seat-sync/internal/model"
)

// Subscriber registers live event subscriptions.
type Subscriber interface {
	Subscribe(showtimeID, sessionID string) *broadcast.Subscription
	Unsubscribe(sub *broadcast.Subscription)
}

// StreamConfig holds WebSocket timings.
type StreamConfig struct {
	JoinTimeout  time.Duration // time allowed for the join message
	PongWait     time.Duration // read deadline, extended by every pong
	PingInterval time.Duration // must be shorter than PongWait
	WriteTimeout time.Duration
}

// DefaultStreamConfig returns the timings used in production.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		JoinTimeout:  10 * time.Second,
		PongWait:     60 * time.Second,
		PingInterval: 54 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// StreamHandler pushes seat events of one showtime to a viewer.
type StreamHandler struct {
	reservations Reservations
	hub          Subscriber
	cfg          StreamConfig
	upgrader     websocket.Upgrader
	log          *logrus.Entry
}

func NewStreamHandler(res Reservations, hub Subscriber, cfg StreamConfig, log *logrus.Entry) *StreamHandler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &StreamHandler{
		reservations: res,
		hub:          hub,
		cfg:          cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// access is controlled by the bearer token
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.WithField("component", "stream"),
	}
}

// clientMessage is sent by the viewer: "join" first, then "ping" or any
// other type to signal activity.
type clientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// serverMessage is pushed to the viewer.
type serverMessage struct {
	Type     string                  `json:"type"` // snapshot | event | pong | resync | error
	Snapshot *model.Snapshot         `json:"snapshot,omitempty"`
	Event    *model.ReservationEvent `json:"event,omitempty"`
	Error    string                  `json:"error,omitempty"`
	Message  string                  `json:"message,omitempty"`
}

func errorMessage(err error) serverMessage {
	return serverMessage{Type: "error", Error: classify(err).code, Message: err.Error()}
}

// Stream handles GET /v1/showtimes/:id/stream.  After the join message the
// viewer receives a snapshot followed by every event committed after it.
// Events whose sequence is not above the snapshot version are already
// reflected in it and are not sent.  Closing the socket never releases held
// seats.
func (h *StreamHandler) Stream(c echo.Context) error {
	showtimeID := c.Param("id")
	viewerID := middleware.ViewerID(c)

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already replied
		h.log.WithError(err).Debug("upgrade failed")
		return nil
	}
	defer conn.Close()
	log := h.log.WithFields(logrus.Fields{"showtime_id": showtimeID, "viewer_id": viewerID})

	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.JoinTimeout))
	var join clientMessage
	if err := conn.ReadJSON(&join); err != nil || join.Type != "join" {
		h.closeWith(conn, serverMessage{Type: "error", Error: "invalid_request", Message: "expected join message"})
		return nil
	}
	if join.SessionID != "" {
		if _, err := ownedSession(h.reservations, showtimeID, viewerID, join.SessionID); err != nil {
			h.closeWith(conn, errorMessage(err))
			return nil
		}
		if err := h.reservations.Touch(join.SessionID); err != nil {
			h.closeWith(conn, errorMessage(err))
			return nil
		}
	}

	// subscribe before reading the snapshot so nothing falls in between
	sub := h.hub.Subscribe(showtimeID, join.SessionID)
	defer h.hub.Unsubscribe(sub)

	snap, err := h.reservations.Snapshot(c.Request().Context(), showtimeID)
	if err != nil {
		h.closeWith(conn, errorMessage(err))
		return nil
	}
	if err := h.write(conn, serverMessage{Type: "snapshot", Snapshot: &snap}); err != nil {
		return nil
	}
	log.WithField("session_id", join.SessionID).Debug("viewer joined")

	replies := make(chan serverMessage, 4)
	done := make(chan struct{})
	go h.readLoop(conn, join.SessionID, replies, done)

	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return nil
		case msg := <-replies:
			if msg.Type == "error" {
				h.closeWith(conn, msg)
				return nil
			}
			if err := h.write(conn, msg); err != nil {
				return nil
			}
		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Evicted() {
					log.Warn("viewer evicted, asking for resync")
					h.closeWith(conn, serverMessage{Type: "resync", Message: "event stream fell behind"})
				}
				return nil
			}
			if ev.Sequence <= snap.Version {
				// already part of the snapshot
				continue
			}
			if err := h.write(conn, serverMessage{Type: "event", Event: &ev}); err != nil {
				return nil
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				return nil
			}
		}
	}
}

// readLoop consumes viewer messages.  Every message counts as activity on
// the joined session.  It never writes to conn.
func (h *StreamHandler) readLoop(conn *websocket.Conn, sessionID string, replies chan<- serverMessage, done chan<- struct{}) {
	defer close(done)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				h.log.WithError(err).Debug("read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		if sessionID != "" {
			if err := h.reservations.Touch(sessionID); err != nil {
				select {
				case replies <- errorMessage(err):
				default:
				}
				// wait for the writer to close the connection
				for {
					if _, _, err := conn.NextReader(); err != nil {
						return
					}
				}
			}
		}
		if msg.Type == "ping" {
			select {
			case replies <- serverMessage{Type: "pong"}:
			default:
			}
		}
	}
}

func (h *StreamHandler) write(conn *websocket.Conn, msg serverMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	return conn.WriteJSON(msg)
}

// closeWith sends a final message followed by a normal close frame.
func (h *StreamHandler) closeWith(conn *websocket.Conn, msg serverMessage) {
	_ = h.write(conn, msg)
	code := websocket.CloseNormalClosure
	if msg.Type == "error" {
		code = websocket.ClosePolicyViolation
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, msg.Type),
		time.Now().Add(h.cfg.WriteTimeout))
}
