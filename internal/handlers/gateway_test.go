package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/realtime-core/internal/messaging"
	"github.com/mossy-p/realtime-core/internal/middleware"
	"github.com/mossy-p/realtime-core/internal/models"
	"github.com/mossy-p/realtime-core/internal/notify"
	"github.com/mossy-p/realtime-core/internal/presence"
	"github.com/mossy-p/realtime-core/internal/registry"
	"github.com/mossy-p/realtime-core/internal/signaling"
	"github.com/mossy-p/realtime-core/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "gateway-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type harness struct {
	srv     *httptest.Server
	mem     *store.Memory
	reg     *registry.Registry
	calls   *signaling.Coordinator
	gateway *Gateway
}

func newHarness(t *testing.T, tweak func(*GatewayConfig)) *harness {
	t.Helper()
	return newHarnessWithBeats(t, tweak, nil)
}

func newHarnessWithBeats(t *testing.T, tweak func(*GatewayConfig), beats HeartbeatSink) *harness {
	t.Helper()

	mem := store.NewMemory()
	mem.AddUser(1, 2, 3)
	mem.SetGroup(10, 1, 2, 3)

	reg := registry.New(0, nil, nil)
	tracker := presence.New(reg, time.Minute, nil)
	fanout := notify.NewFanout(mem, reg, nil)
	router := messaging.NewRouter(mem, mem, reg, fanout, nil)
	calls := signaling.New(reg, fanout, signaling.Timeouts{Offered: time.Minute, Answered: time.Minute, Active: time.Hour}, nil, nil)

	cfg := GatewayConfig{JWTSecret: testSecret, AuthGraceFrames: 3, SendBuffer: 64}
	if tweak != nil {
		tweak(&cfg)
	}
	gw := NewGateway(cfg, Services{Registry: reg, Router: router, Calls: calls, Presence: tracker, Users: mem, Heartbeats: beats}, nil, nil)

	engine := gin.New()
	Routes{
		Gateway:        gw,
		Router:         router,
		Presence:       tracker,
		Users:          mem,
		JWTSecret:      testSecret,
		AllowedOrigins: []string{"*"},
	}.Register(engine)

	srv := httptest.NewServer(engine)
	t.Cleanup(func() {
		gw.Shutdown()
		srv.Close()
	})
	return &harness{srv: srv, mem: mem, reg: reg, calls: calls, gateway: gw}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *harness) connectAs(t *testing.T, userID int64) *websocket.Conn {
	t.Helper()
	conn := h.dial(t)
	send(t, conn, models.Frame{Type: models.FrameAuth, UserID: userID})
	ok := read(t, conn)
	require.Equal(t, models.FrameAuthOK, ok.Type, "auth failed: %s", ok.Error)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, f models.Frame) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(f))
}

func read(t *testing.T, conn *websocket.Conn) models.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f models.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readType skips frames until one of type want arrives.
func readType(t *testing.T, conn *websocket.Conn, want models.FrameType) models.Frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		if f := read(t, conn); f.Type == want {
			return f
		}
	}
	t.Fatalf("no %s frame received", want)
	return models.Frame{}
}

type beatRecorder struct {
	seen chan int64
}

func (b *beatRecorder) Refresh(_ context.Context, userID int64) error {
	b.seen <- userID
	return nil
}

func TestHeartbeatRefreshesSink(t *testing.T) {
	beats := &beatRecorder{seen: make(chan int64, 4)}
	h := newHarnessWithBeats(t, nil, beats)
	a := h.connectAs(t, 1)
	assert.Equal(t, int64(1), <-beats.seen, "auth counts as a heartbeat")

	send(t, a, models.Frame{Type: models.FrameHeartbeat})
	select {
	case id := <-beats.seen:
		assert.Equal(t, int64(1), id)
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat not forwarded")
	}
}

func TestFramesBeforeAuthAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t)

	send(t, conn, models.Frame{Type: models.FrameMessage, ToUserID: 2, Content: "too early"})
	send(t, conn, models.Frame{Type: models.FrameAuth, UserID: 1})

	f := read(t, conn)
	assert.Equal(t, models.FrameAuthOK, f.Type)
	assert.Equal(t, int64(1), f.UserID)

	msgs, err := h.mem.Between(context.Background(), 1, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAuthUnknownUserKeepsSocketOpen(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t)

	send(t, conn, models.Frame{Type: models.FrameAuth, UserID: 99})
	f := read(t, conn)
	assert.Equal(t, models.FrameAuthError, f.Type)
	assert.Equal(t, "auth_required", f.Code)

	// retry on the same socket
	send(t, conn, models.Frame{Type: models.FrameAuth, UserID: 2})
	assert.Equal(t, models.FrameAuthOK, read(t, conn).Type)
	assert.True(t, h.reg.IsOnline(2))
}

func TestTooManyFramesBeforeAuthClosesSocket(t *testing.T) {
	h := newHarness(t, func(c *GatewayConfig) { c.AuthGraceFrames = 2 })
	conn := h.dial(t)

	for i := 0; i < 3; i++ {
		send(t, conn, models.Frame{Type: models.FrameHeartbeat})
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestTokenAuth(t *testing.T) {
	h := newHarness(t, func(c *GatewayConfig) { c.RequireToken = true })

	conn := h.dial(t)
	send(t, conn, models.Frame{Type: models.FrameAuth, UserID: 1})
	assert.Equal(t, models.FrameAuthError, read(t, conn).Type)

	other, err := middleware.IssueToken(testSecret, 2, time.Hour)
	require.NoError(t, err)
	send(t, conn, models.Frame{Type: models.FrameAuth, UserID: 1, Token: other})
	assert.Equal(t, models.FrameAuthError, read(t, conn).Type)

	mine, err := middleware.IssueToken(testSecret, 1, time.Hour)
	require.NoError(t, err)
	send(t, conn, models.Frame{Type: models.FrameAuth, Token: mine})
	f := read(t, conn)
	assert.Equal(t, models.FrameAuthOK, f.Type)
	assert.Equal(t, int64(1), f.UserID)
}

func TestDirectMessageDelivery(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connectAs(t, 1)
	b := h.connectAs(t, 2)

	send(t, a, models.Frame{Type: models.FrameMessage, ToUserID: 2, Content: "hi", ClientID: "c-1"})

	ack := readType(t, a, models.FrameMessage)
	assert.Equal(t, "c-1", ack.ClientID)
	require.NotNil(t, ack.Message)
	assert.NotZero(t, ack.Message.ID)

	got := readType(t, b, models.FrameMessage)
	require.NotNil(t, got.Message)
	assert.Equal(t, "hi", got.Message.Content)
	assert.Equal(t, ack.Message.ID, got.Message.ID)

	send(t, b, models.Frame{Type: models.FrameMarkRead, MessageID: got.Message.ID})
	receipt := readType(t, a, models.FrameMessageRead)
	assert.Equal(t, got.Message.ID, receipt.MessageID)
	require.NotNil(t, receipt.ReadAt)
}

func TestDirectMessageOrdering(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connectAs(t, 1)
	b := h.connectAs(t, 2)

	for _, text := range []string{"m1", "m2", "m3"} {
		send(t, a, models.Frame{Type: models.FrameMessage, ToUserID: 2, Content: text})
	}
	for _, want := range []string{"m1", "m2", "m3"} {
		assert.Equal(t, want, readType(t, b, models.FrameMessage).Message.Content)
	}
}

func TestMessageErrorEchoesClientID(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connectAs(t, 1)

	send(t, a, models.Frame{Type: models.FrameMessage, ToUserID: 2, ClientID: "empty-1"})
	f := readType(t, a, models.FrameMessageError)
	assert.Equal(t, "empty-1", f.ClientID)
	assert.Equal(t, "invalid_frame", f.Code)
}

func TestGroupMessageFanOut(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connectAs(t, 1)
	b := h.connectAs(t, 2)
	c := h.connectAs(t, 3)

	send(t, a, models.Frame{Type: models.FrameGroupMessage, GroupID: 10, Content: "all"})
	assert.Equal(t, "all", readType(t, b, models.FrameGroupMessage).GroupMessage.Content)
	assert.Equal(t, "all", readType(t, c, models.FrameGroupMessage).GroupMessage.Content)
	assert.Equal(t, models.FrameGroupMessage, readType(t, a, models.FrameGroupMessage).Type)
}

func TestPresenceQuery(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connectAs(t, 1)
	h.connectAs(t, 2)

	send(t, a, models.Frame{Type: models.FramePresenceQuery, UserIDs: []int64{2, 3}})
	f := readType(t, a, models.FramePresence)
	assert.Equal(t, map[int64]bool{2: true, 3: false}, f.Statuses)
}

func TestPresenceQueryRejectsOversizedList(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connectAs(t, 1)

	ids := make([]int64, maxPresenceQuery+1)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	send(t, a, models.Frame{Type: models.FramePresenceQuery, UserIDs: ids})
	f := readType(t, a, models.FramePresence)
	assert.Equal(t, "invalid_frame", f.Code)
	assert.Empty(t, f.Statuses)

	// the connection stays usable
	send(t, a, models.Frame{Type: models.FramePresenceQuery, UserIDs: []int64{1}})
	f = readType(t, a, models.FramePresence)
	assert.Equal(t, map[int64]bool{1: true}, f.Statuses)
}

func TestCallOverSockets(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connectAs(t, 1)
	b := h.connectAs(t, 2)
	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

	send(t, a, models.Frame{Type: models.FrameCallOffer, TargetUserID: 2, Offer: offer})
	got := readType(t, b, models.FrameCallOffer)
	assert.Equal(t, int64(1), got.FromUserID)
	assert.JSONEq(t, string(offer), string(got.Offer))

	send(t, b, models.Frame{Type: models.FrameCallAnswer, TargetUserID: 1, Answer: json.RawMessage(`{"type":"answer"}`)})
	readType(t, a, models.FrameCallAnswer)

	send(t, a, models.Frame{Type: models.FrameICECandidate, TargetUserID: 2, Candidate: json.RawMessage(`{"candidate":"x"}`)})
	readType(t, b, models.FrameICECandidate)

	send(t, b, models.Frame{Type: models.FrameCallConnected, TargetUserID: 1})
	require.Eventually(t, func() bool {
		s, ok := h.calls.Session("1:2")
		return ok && s.State == models.CallActive
	}, 2*time.Second, 10*time.Millisecond)

	send(t, a, models.Frame{Type: models.FrameCallEnded, TargetUserID: 2})
	readType(t, b, models.FrameCallEnded)
	assert.Equal(t, 0, h.calls.ActiveSessions())
}

func TestCallToOfflineUser(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connectAs(t, 1)

	send(t, a, models.Frame{Type: models.FrameCallOffer, TargetUserID: 3, Offer: json.RawMessage(`{}`)})
	f := readType(t, a, models.FrameCallError)
	assert.Equal(t, "target_unreachable", f.Code)
	assert.Equal(t, int64(3), f.TargetUserID)

	notes := h.mem.Notifications(3)
	require.Len(t, notes, 1)
	assert.Equal(t, models.NotificationMissedCall, notes[0].Type)
}

func TestCallerSocketDropEndsCall(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connectAs(t, 1)
	b := h.connectAs(t, 2)

	send(t, a, models.Frame{Type: models.FrameCallOffer, TargetUserID: 2, Offer: json.RawMessage(`{}`)})
	readType(t, b, models.FrameCallOffer)

	require.NoError(t, a.Close())
	f := readType(t, b, models.FrameCallEnded)
	assert.Equal(t, int64(1), f.FromUserID)

	a2 := h.connectAs(t, 1)
	send(t, b, models.Frame{Type: models.FrameCallOffer, TargetUserID: 1, Offer: json.RawMessage(`{}`)})
	readType(t, a2, models.FrameCallOffer)
}

func TestShutdownClosesSockets(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connectAs(t, 1)

	h.gateway.Shutdown()

	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := a.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Eventually(t, func() bool { return !h.reg.IsOnline(1) }, 2*time.Second, 10*time.Millisecond)
}
