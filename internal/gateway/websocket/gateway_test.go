package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/queue"
	"github.com/agentgate/agentgate/pkg/protocol"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _ *Client, msg *protocol.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
}

func (d *recordingDispatcher) types() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.msgs))
	for i, m := range d.msgs {
		out[i] = m.Type
	}
	return out
}

func testConfig(token string) *config.Config {
	return &config.Config{
		Auth:    config.AuthConfig{Token: token},
		Session: config.SessionConfig{MaxSessions: 10},
		Queue:   config.QueueConfig{TTL: 3600, MaxPerSession: 100},
		Gateway: config.GatewayConfig{PingInterval: 15, ActivityGrace: 30},
	}
}

func startGateway(t *testing.T, token string) (*httptest.Server, *Gateway, *recordingDispatcher, *queue.DeliveryQueue) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := testConfig(token)
	log := logger.Default()

	hub := NewHub(&cfg.Gateway, log)
	dq := queue.New(&cfg.Queue, nil, log)
	dq.SetRegistry(hub)

	dispatcher := &recordingDispatcher{}
	handler := NewHandler(dispatcher, dq, log)
	gw := NewGateway(cfg, hub, handler, log)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	router := gin.New()
	gw.SetupRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return srv, gw, dispatcher, dq
}

func wsURL(srv *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) *protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg protocol.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return &msg
}

func sendMessage(t *testing.T, conn *websocket.Conn, msgType, requestID string, data any) {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, requestID, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
}

func TestConnectSendsWelcome(t *testing.T) {
	srv, _, _, _ := startGateway(t, "")
	conn := dial(t, wsURL(srv, ""))

	msg := readMessage(t, conn)
	assert.Equal(t, protocol.TypeWelcome, msg.Type)

	var welcome protocol.Welcome
	require.NoError(t, msg.ParseData(&welcome))
	assert.NotEmpty(t, welcome.ClientID)
	assert.Equal(t, ServerVersion, welcome.ServerVersion)
	assert.Equal(t, 10, welcome.MaxSessions)
	assert.Contains(t, welcome.Capabilities, "stream")
}

func TestAuthRejectsBadToken(t *testing.T) {
	srv, _, _, _ := startGateway(t, "secret")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=wrong"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected policy violation close, got %v", err)
}

func TestAuthAcceptsQueryToken(t *testing.T) {
	srv, _, _, _ := startGateway(t, "secret")
	conn := dial(t, wsURL(srv, "token=secret"))

	msg := readMessage(t, conn)
	assert.Equal(t, protocol.TypeWelcome, msg.Type)
}

func TestPingPong(t *testing.T) {
	srv, _, _, _ := startGateway(t, "")
	conn := dial(t, wsURL(srv, ""))
	readMessage(t, conn) // welcome

	sendMessage(t, conn, protocol.TypePing, "req-1", protocol.PingRequest{})

	msg := readMessage(t, conn)
	assert.Equal(t, protocol.TypePong, msg.Type)
	assert.Equal(t, "req-1", msg.RequestID)
}

func TestInvalidJSONReturnsError(t *testing.T) {
	srv, _, _, _ := startGateway(t, "")
	conn := dial(t, wsURL(srv, ""))
	readMessage(t, conn) // welcome

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	msg := readMessage(t, conn)
	assert.Equal(t, protocol.TypeError, msg.Type)
	var errData protocol.ErrorData
	require.NoError(t, msg.ParseData(&errData))
	assert.Equal(t, "INVALID_REQUEST", errData.Code)
}

func TestSubscribeReplaysQueuedEvents(t *testing.T) {
	srv, _, _, dq := startGateway(t, "")

	// Queue an event while nobody is listening.
	ev, err := protocol.NewEvent(protocol.TypeAssistantMessage,
		protocol.AssistantMessageData{SessionID: "s1", Final: true})
	require.NoError(t, err)
	dq.Enqueue("s1", ev)
	require.True(t, dq.HasQueued("s1"))

	conn := dial(t, wsURL(srv, ""))
	readMessage(t, conn) // welcome

	sendMessage(t, conn, protocol.TypeSubscribe, "req-1",
		protocol.SubscribeRequest{Events: []string{"*"}, SessionIDs: []string{"s1"}})

	msg := readMessage(t, conn)
	assert.Equal(t, protocol.TypeAssistantMessage, msg.Type)
	assert.NotEmpty(t, msg.ID)

	// Replay does not remove; acknowledging does.
	require.True(t, dq.HasQueued("s1"))
	sendMessage(t, conn, protocol.TypeAcknowledgeMessages, "req-2",
		protocol.AcknowledgeRequest{MessageIDs: []string{msg.ID}})

	require.Eventually(t, func() bool { return !dq.HasQueued("s1") },
		2*time.Second, 10*time.Millisecond)
}

func TestLiveClientReceivesSessionEvents(t *testing.T) {
	srv, _, _, dq := startGateway(t, "")
	conn := dial(t, wsURL(srv, ""))
	readMessage(t, conn) // welcome

	sendMessage(t, conn, protocol.TypeSubscribe, "req-1",
		protocol.SubscribeRequest{Events: []string{"*"}, SessionIDs: []string{"s1"}})
	time.Sleep(100 * time.Millisecond)

	ev, err := protocol.NewEvent(protocol.TypeToolUse,
		protocol.ToolUseData{SessionID: "s1", Name: "Bash"})
	require.NoError(t, err)
	dq.Enqueue("s1", ev)

	msg := readMessage(t, conn)
	assert.Equal(t, protocol.TypeToolUse, msg.Type)

	// Delivered live, so nothing was stored.
	assert.False(t, dq.HasQueued("s1"))
}

func TestEventFilterSkipsUnwantedTypes(t *testing.T) {
	srv, _, _, dq := startGateway(t, "")
	conn := dial(t, wsURL(srv, ""))
	readMessage(t, conn) // welcome

	sendMessage(t, conn, protocol.TypeSubscribe, "req-1",
		protocol.SubscribeRequest{Events: []string{protocol.TypeAssistantMessage}, SessionIDs: []string{"s1"}})
	time.Sleep(100 * time.Millisecond)

	tool, err := protocol.NewEvent(protocol.TypeToolUse, protocol.ToolUseData{SessionID: "s1"})
	require.NoError(t, err)
	dq.Enqueue("s1", tool)

	final, err := protocol.NewEvent(protocol.TypeAssistantMessage,
		protocol.AssistantMessageData{SessionID: "s1", Final: true})
	require.NoError(t, err)
	dq.Enqueue("s1", final)

	msg := readMessage(t, conn)
	assert.Equal(t, protocol.TypeAssistantMessage, msg.Type)

	// The filtered toolUse counted as delivered and was not stored.
	assert.False(t, dq.HasQueued("s1"))
}

func TestDomainMessagesReachDispatcher(t *testing.T) {
	srv, _, dispatcher, _ := startGateway(t, "")
	conn := dial(t, wsURL(srv, ""))
	readMessage(t, conn) // welcome

	sendMessage(t, conn, protocol.TypeAsk, "req-1", protocol.AskRequest{Prompt: "hello"})

	require.Eventually(t, func() bool {
		return len(dispatcher.types()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, protocol.TypeAsk, dispatcher.types()[0])
}

func TestRegisterDevice(t *testing.T) {
	srv, _, _, _ := startGateway(t, "")
	conn := dial(t, wsURL(srv, ""))
	readMessage(t, conn) // welcome

	sendMessage(t, conn, protocol.TypeRegisterDevice, "req-1",
		protocol.RegisterDeviceRequest{DeviceToken: "tok-1"})

	msg := readMessage(t, conn)
	assert.Equal(t, protocol.TypeDeviceRegistered, msg.Type)
	assert.Equal(t, "req-1", msg.RequestID)
}
