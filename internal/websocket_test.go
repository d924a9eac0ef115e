package internal_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-topic-chat/internal"
)

// testServer 啟動完整的 HTTP + WebSocket 服務
type testServer struct {
	*testBroker
	hub    *internal.WebSocketHub
	server *httptest.Server
}

func newTestServer(t *testing.T, wsCfg internal.WebSocketConfig, opts ...brokerOption) *testServer {
	t.Helper()

	b := newTestBroker(t, opts...)
	hub := internal.NewWebSocketHub(wsCfg, b.registry, b.messages, nil, testLogger())
	handler := internal.NewHandler(b.registry, b.messages, hub, nil, testLogger())
	server := httptest.NewServer(handler.Routes())
	t.Cleanup(server.Close)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
	})

	return &testServer{testBroker: b, hub: hub, server: server}
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
}

func (s *testServer) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL(), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame 讀取下一個訊框
func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// readUntil 讀取直到出現指定類型的訊框
func readUntil(t *testing.T, conn *websocket.Conn, kind string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := readFrame(t, conn)
		if frame["type"] == kind {
			return frame
		}
	}
	t.Fatalf("no %q frame received", kind)
	return nil
}

// readCloseCode 讀取直到連線被關閉，回傳關閉碼
func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return closeErr.Code
		}
		t.Fatalf("unexpected read error: %v", err)
		return 0
	}
}

func TestWebSocket_EndToEnd(t *testing.T) {
	s := newTestServer(t, internal.DefaultWebSocketConfig())

	alice := s.dial(t, nil)
	require.NoError(t, alice.WriteJSON(joinFrame("alice", "general")))
	joined := readFrame(t, alice)
	assert.Equal(t, "joined", joined["type"])
	assert.Equal(t, "alice", joined["username"])

	second := s.dial(t, nil)
	require.NoError(t, second.WriteJSON(joinFrame("alice", "general")))
	joined = readFrame(t, second)
	assert.Equal(t, "alice#1", joined["username"])

	require.NoError(t, second.WriteJSON(map[string]any{"type": "message", "message": "hello"}))

	msg := readUntil(t, alice, "message")
	assert.Equal(t, "alice#1", msg["username"])
	assert.Equal(t, "hello", msg["message"])
	assert.NotEmpty(t, msg["expires_at"])

	ack := readUntil(t, second, "ack")
	assert.EqualValues(t, 2, ack["recipients"])
	assert.Equal(t, msg["message_id"], ack["message_id"])

	require.NoError(t, second.WriteJSON(map[string]any{"type": "leave"}))
	left := readUntil(t, second, "left")
	assert.Equal(t, "alice#1", left["username"])
	assert.Equal(t, websocket.CloseNormalClosure, readCloseCode(t, second))

	require.Eventually(t, func() bool {
		return len(s.registry.MembersOf("general")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_HandshakeCloseCodes(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantCode int
	}{
		{name: "invalid json", payload: "{oops", wantCode: websocket.CloseUnsupportedData},
		{name: "not a join", payload: `{"type":"list"}`, wantCode: websocket.CloseProtocolError},
		{name: "unknown type", payload: `{"type":"dance"}`, wantCode: websocket.CloseProtocolError},
		{name: "join missing fields", payload: `{"type":"join"}`, wantCode: websocket.ClosePolicyViolation},
		{name: "join rejected", payload: `{"type":"join","username":"root","topic":"general"}`, wantCode: websocket.ClosePolicyViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, internal.DefaultWebSocketConfig())
			conn := s.dial(t, nil)

			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.payload)))
			errFrame := readFrame(t, conn)
			assert.Equal(t, "error", errFrame["type"])
			assert.Equal(t, tt.wantCode, readCloseCode(t, conn))
		})
	}
}

func TestWebSocket_OriginCheck(t *testing.T) {
	cfg := internal.DefaultWebSocketConfig()
	cfg.AllowedOrigins = []string{"https://Chat.Example.com", "not a url"}
	s := newTestServer(t, cfg)

	tests := []struct {
		name    string
		origin  string
		allowed bool
	}{
		{name: "allowed origin", origin: "https://chat.example.com", allowed: true},
		{name: "no origin header", origin: "", allowed: true},
		{name: "other origin", origin: "https://evil.example.com", allowed: false},
		{name: "scheme mismatch", origin: "http://chat.example.com", allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}

			conn, resp, err := websocket.DefaultDialer.Dial(s.wsURL(), header)
			if tt.allowed {
				require.NoError(t, err)
				conn.Close()
				return
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}

func TestWebSocket_FrameTooLarge(t *testing.T) {
	cfg := internal.DefaultWebSocketConfig()
	cfg.MaxFrameBytes = 256
	s := newTestServer(t, cfg)

	conn := s.dial(t, nil)
	require.NoError(t, conn.WriteJSON(joinFrame("alice", "general")))
	readFrame(t, conn)

	big := map[string]any{"type": "message", "message": strings.Repeat("a", 1024)}
	require.NoError(t, conn.WriteJSON(big))

	require.Eventually(t, func() bool {
		return len(s.registry.ListTopics()) == 0
	}, 2*time.Second, 10*time.Millisecond, "oversized frame disconnects the session")
}

func TestWebSocket_LongestValidMessageAccepted(t *testing.T) {
	text := strings.Repeat("中", internal.MaxMessageLength)

	tests := []struct {
		name    string
		payload []byte
	}{
		{
			name:    "utf-8",
			payload: []byte(`{"type":"message","message":"` + text + `"}`),
		},
		{
			name:    "ascii escaped",
			payload: []byte(`{"type":"message","message":"` + strings.Repeat(`\u4e2d`, internal.MaxMessageLength) + `"}`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, internal.DefaultWebSocketConfig())
			conn := s.dial(t, nil)
			require.NoError(t, conn.WriteJSON(joinFrame("alice", "general")))
			readFrame(t, conn)

			require.NoError(t, conn.WriteMessage(websocket.TextMessage, tt.payload))

			msg := readUntil(t, conn, "message")
			assert.Equal(t, text, msg["message"])
			ack := readUntil(t, conn, "ack")
			assert.EqualValues(t, 1, ack["recipients"])
		})
	}
}

func TestWebSocket_Shutdown(t *testing.T) {
	s := newTestServer(t, internal.DefaultWebSocketConfig())

	conn := s.dial(t, nil)
	require.NoError(t, conn.WriteJSON(joinFrame("alice", "general")))
	readFrame(t, conn)
	require.Eventually(t, func() bool { return s.hub.ActiveSessions() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.hub.Shutdown(ctx))

	assert.Equal(t, websocket.CloseGoingAway, readCloseCode(t, conn))
	assert.Empty(t, s.registry.ListTopics())
	assert.EqualValues(t, 0, s.hub.ActiveSessions())

	// 關閉後拒絕新連線
	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
