package internal

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-topic-chat/pkg/logger"
)

// 系統設計問題：
//   如何讓每條連線的讀寫互不干擾，又不讓慢客戶端拖累廣播？
//
// 核心挑戰：
//   1. gorilla/websocket 同一時間只允許一個寫入者
//   2. 廣播者很多（每個發送者的 Session 都會寫別人的連線）
//   3. 心跳機制：檢測死連接（網絡異常、客戶端崩潰）
//   4. 關機時要等所有 Session 收尾
//
// 設計方案：
//   ✅ 每條連線一個緩衝 channel + 單一 writePump
//   ✅ Send 不阻塞：緩衝區滿直接回傳 ErrSendFailed
//   ✅ Ping/Pong 心跳（54s/60s）
//   ✅ Hub 用 WaitGroup 追蹤所有 Session

// MinFrameBytes 最長合法訊息所需的訊框大小
//
// 5000 字元以 \uXXXX 轉義時每字元 6 位元組，另加 JSON 外框。
const MinFrameBytes = 6*MaxMessageLength + 1024

// DefaultMaxFrameBytes 預設單一訊框上限
const DefaultMaxFrameBytes = 64 * 1024

// WebSocketConfig WebSocket 傳輸層配置
type WebSocketConfig struct {
	AllowedOrigins []string      // "*" 允許所有來源
	MaxFrameBytes  int64         // 單一訊框上限
	SendQueueSize  int           // 每條連線的發送緩衝
	PingPeriod     time.Duration // 發送 Ping 的間隔
	PongWait       time.Duration // 等待 Pong 的期限（必須大於 PingPeriod）
	WriteWait      time.Duration // 單次寫入期限
}

// DefaultWebSocketConfig 預設傳輸層配置
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		AllowedOrigins: []string{"*"},
		MaxFrameBytes:  DefaultMaxFrameBytes,
		SendQueueSize:  256,
		PingPeriod:     54 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
	}
}

// WebSocketHub 接受 WebSocket 連線並為每條連線執行一個 Session
//
// Hub 不再保存連線表：成員關係屬於 Registry，Hub 只負責
// 升級、來源檢查，以及關機時等待所有 Session 結束。
type WebSocketHub struct {
	registry *Registry
	messages *MessageManager
	audit    *logger.Auditor
	logger   *slog.Logger
	cfg      WebSocketConfig
	upgrader websocket.Upgrader

	allowedOrigins map[string]struct{}
	allowAll       bool

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	active atomic.Int64
}

// NewWebSocketHub 創建 WebSocket Hub
func NewWebSocketHub(cfg WebSocketConfig, registry *Registry, messages *MessageManager, audit *logger.Auditor, logger *slog.Logger) *WebSocketHub {
	ctx, cancel := context.WithCancel(context.Background())

	hub := &WebSocketHub{
		registry:       registry,
		messages:       messages,
		audit:          audit,
		logger:         logger,
		cfg:            cfg,
		allowedOrigins: make(map[string]struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}

	origins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	for _, origin := range origins {
		hub.allowedOrigins[origin] = struct{}{}
	}
	hub.allowAll = allowAll

	hub.upgrader = websocket.Upgrader{
		CheckOrigin:     hub.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return hub
}

// ServeWS 處理 WebSocket 連線
//
// Session 在請求的 goroutine 中執行，直到連線結束才返回。
func (hub *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	hub.mu.Lock()
	if hub.closed {
		hub.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	hub.wg.Add(1)
	hub.mu.Unlock()
	defer hub.wg.Done()

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已經回應了錯誤狀態碼
		hub.logger.Warn("升級 WebSocket 失敗", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	transport := newWSTransport(conn, hub.cfg, hub.logger)
	go transport.writePump()

	hub.active.Add(1)
	defer hub.active.Add(-1)

	session := NewSession(transport, hub.registry, hub.messages, hub.audit, hub.logger)
	session.Run(hub.ctx)
}

// ActiveSessions 目前執行中的 Session 數
func (hub *WebSocketHub) ActiveSessions() int64 {
	return hub.active.Load()
}

// Shutdown 停止接受新連線，關閉所有 Session 並等待收尾
func (hub *WebSocketHub) Shutdown(ctx context.Context) error {
	hub.mu.Lock()
	hub.closed = true
	hub.mu.Unlock()

	hub.cancel()

	done := make(chan struct{})
	go func() {
		hub.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		hub.logger.Info("WebSocket Hub 已停止")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("等待 Session 結束逾時: %w", ctx.Err())
	}
}

// checkOrigin 來源檢查
//
// 沒有 Origin 標頭的請求來自非瀏覽器客戶端，直接放行。
func (hub *WebSocketHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || hub.allowAll {
		return true
	}

	normalized, ok := normalizeOrigin(origin)
	if ok {
		if _, allowed := hub.allowedOrigins[normalized]; allowed {
			return true
		}
	}

	hub.audit.SecurityEvent(r.Context(), "origin_rejected",
		"origin", origin,
		"remote_addr", r.RemoteAddr)
	return false
}

func normalizeOrigins(origins []string) ([]string, bool) {
	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAll = true
			continue
		}
		if n, ok := normalizeOrigin(trimmed); ok {
			normalized = append(normalized, n)
		}
	}
	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// outbound 發送佇列中的項目（資料訊框或關閉標記）
type outbound struct {
	data   []byte
	close  bool
	code   int
	reason string
}

// wsTransport 以 gorilla/websocket 實作 Transport
type wsTransport struct {
	conn       *websocket.Conn
	cfg        WebSocketConfig
	logger     *slog.Logger
	remoteAddr string

	send         chan outbound
	done         chan struct{}
	closeOnce    sync.Once
	shutdownOnce sync.Once
}

func newWSTransport(conn *websocket.Conn, cfg WebSocketConfig, logger *slog.Logger) *wsTransport {
	t := &wsTransport{
		conn:       conn,
		cfg:        cfg,
		logger:     logger,
		remoteAddr: conn.RemoteAddr().String(),
		send:       make(chan outbound, cfg.SendQueueSize),
		done:       make(chan struct{}),
	}

	if cfg.MaxFrameBytes > 0 {
		conn.SetReadLimit(cfg.MaxFrameBytes)
	}
	if err := conn.SetReadDeadline(time.Now().Add(cfg.PongWait)); err != nil {
		logger.Error("設置讀取期限失敗", "error", err)
	}
	// 收到 Pong 重置超時
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})
	return t
}

// Receive 讀取下一個文字訊框（二進位訊框忽略）
//
// 只能由單一 goroutine 呼叫。
func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}

		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				t.logger.Debug("WebSocket 讀取錯誤", "error", err, "remote_addr", t.remoteAddr)
			}
			t.shutdown()
			return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}

		// 讀到資料代表連線仍活著
		if err := t.conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}

		if messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

// Send 放入發送佇列，不阻塞
func (t *wsTransport) Send(_ context.Context, frame []byte) error {
	select {
	case <-t.done:
		return fmt.Errorf("%w: connection closed", ErrSendFailed)
	default:
	}

	select {
	case t.send <- outbound{data: frame}:
		return nil
	default:
		return fmt.Errorf("%w: send queue full", ErrSendFailed)
	}
}

// Close 排入關閉標記，讓之前的訊框先送出
//
// 佇列已滿時直接關閉底層連線。
func (t *wsTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		select {
		case <-t.done:
			return
		default:
		}

		select {
		case t.send <- outbound{close: true, code: code, reason: reason}:
		default:
			t.shutdown()
		}
	})
	return nil
}

// RemoteAddr 對端位址
func (t *wsTransport) RemoteAddr() string {
	return t.remoteAddr
}

// shutdown 關閉底層連線（可重複呼叫）
func (t *wsTransport) shutdown() {
	t.shutdownOnce.Do(func() {
		close(t.done)
		_ = t.conn.Close()
	})
}

// writePump 唯一的寫入者
//
// 心跳：每 PingPeriod 發送 Ping，對端在 PongWait 內沒有任何回應，
// readPump 端的讀取期限到期，Receive 回傳 ErrDisconnected。
func (t *wsTransport) writePump() {
	ticker := time.NewTicker(t.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		t.shutdown()
	}()

	for {
		select {
		case out := <-t.send:
			if err := t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait)); err != nil {
				return
			}

			if out.close {
				msg := websocket.FormatCloseMessage(out.code, out.reason)
				if err := t.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
					t.logger.Debug("發送關閉訊框失敗", "error", err, "remote_addr", t.remoteAddr)
				}
				return
			}

			if err := t.conn.WriteMessage(websocket.TextMessage, out.data); err != nil {
				t.logger.Debug("發送訊框失敗", "error", err, "remote_addr", t.remoteAddr)
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(t.cfg.WriteWait)
			if err := t.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}

		case <-t.done:
			return
		}
	}
}
