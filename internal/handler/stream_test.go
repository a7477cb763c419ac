package handler

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/seat-sync/internal/model"
)

func dial(t *testing.T, srv *httptest.Server, showtime, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/showtimes/" + showtime + "/stream?access_token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg serverMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func join(t *testing.T, conn *websocket.Conn, sessionID string) model.Snapshot {
	t.Helper()
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "join", SessionID: sessionID}))
	msg := readMessage(t, conn)
	require.Equal(t, "snapshot", msg.Type, msg.Message)
	require.NotNil(t, msg.Snapshot)
	return *msg.Snapshot
}

func TestStream_ContestedSeat(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.e)
	defer srv.Close()

	alice, bob := viewerToken(t, "alice"), viewerToken(t, "bob")
	a := env.open(t, "1", alice)
	b := env.open(t, "1", bob)

	connA := dial(t, srv, "1", alice)
	connB := dial(t, srv, "1", bob)
	snap := join(t, connA, a.ID)
	assert.Len(t, snap.Seats, 3)
	join(t, connB, b.ID)
	require.Eventually(t, func() bool { return env.hub.Subscribers("1") == 2 }, time.Second, 10*time.Millisecond)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/showtimes/1/hold", alice, seatBody(a.ID, "A5")).Code)

	msg := readMessage(t, connB)
	require.Equal(t, "event", msg.Type)
	assert.Equal(t, model.EventSeatHeld, msg.Event.Type)
	assert.Equal(t, "A5", msg.Event.SeatID)
	assert.Greater(t, msg.Event.Sequence, snap.Version)

	rec := env.do(t, http.MethodPost, "/v1/showtimes/1/hold", bob, seatBody(b.ID, "A5"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, connB.WriteJSON(clientMessage{Type: "ping"}))
	assert.Equal(t, "pong", readMessage(t, connB).Type)

	// the originator does not receive its own event
	require.NoError(t, connA.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var none serverMessage
	err := connA.ReadJSON(&none)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected message %+v", none)
}

func TestStream_DisconnectKeepsHolds(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.e)
	defer srv.Close()

	alice := viewerToken(t, "alice")
	a := env.open(t, "1", alice)
	conn := dial(t, srv, "1", alice)
	join(t, conn, a.ID)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/showtimes/1/hold", alice, seatBody(a.ID, "A1")).Code)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return env.hub.Subscribers("1") == 0 }, time.Second, 10*time.Millisecond)

	sess, err := env.coord.Session(a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"A1"}, sess.HeldSeatIDs())
}

func TestStream_SpectatorWithoutSession(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.e)
	defer srv.Close()

	alice := viewerToken(t, "alice")
	a := env.open(t, "1", alice)
	conn := dial(t, srv, "1", viewerToken(t, "guest"))
	join(t, conn, "")

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/showtimes/1/hold", alice, seatBody(a.ID, "A1")).Code)
	msg := readMessage(t, conn)
	assert.Equal(t, "event", msg.Type)
	assert.Equal(t, a.ID, msg.Event.SessionID)
}

func TestStream_JoinErrors(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.e)
	defer srv.Close()

	alice, bob := viewerToken(t, "alice"), viewerToken(t, "bob")
	a := env.open(t, "1", alice)

	cases := []struct {
		name     string
		showtime string
		token    string
		msg      clientMessage
		code     string
	}{
		{"foreign session", "1", bob, clientMessage{Type: "join", SessionID: a.ID}, "forbidden"},
		{"wrong showtime", "2", alice, clientMessage{Type: "join", SessionID: a.ID}, "showtime_mismatch"},
		{"unknown session", "1", alice, clientMessage{Type: "join", SessionID: "nope"}, "session_not_found"},
		{"not a join", "1", alice, clientMessage{Type: "ping"}, "invalid_request"},
		{"unknown showtime", "404", alice, clientMessage{Type: "join"}, "showtime_not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := dial(t, srv, tc.showtime, tc.token)
			require.NoError(t, conn.WriteJSON(tc.msg))
			msg := readMessage(t, conn)
			assert.Equal(t, "error", msg.Type)
			assert.Equal(t, tc.code, msg.Error)

			_, _, err := conn.ReadMessage()
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
		})
	}
}

func TestStream_RequiresToken(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/showtimes/1/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStream_JoinRejectsIdleSession(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.e)
	defer srv.Close()

	alice := viewerToken(t, "alice")
	a := env.open(t, "1", alice)
	env.clock.Advance(11 * time.Minute)

	conn := dial(t, srv, "1", alice)
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "join", SessionID: a.ID}))
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "session_expired", msg.Error)
	assert.Equal(t, 0, env.hub.Subscribers("1"))
}
