package internal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/koopa0/system-design/14-topic-chat/pkg/logger"
)

// ServerName /stats 回報的服務名稱
const ServerName = "topic-chat"

// Handler HTTP 請求處理器
//
// 只提供唯讀查詢；所有狀態變更都走 WebSocket 協議。
type Handler struct {
	registry *Registry
	messages *MessageManager
	hub      *WebSocketHub
	audit    *logger.Auditor
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler 創建 HTTP 處理器
func NewHandler(registry *Registry, messages *MessageManager, hub *WebSocketHub, audit *logger.Auditor, logger *slog.Logger) *Handler {
	return &Handler{
		registry: registry,
		messages: messages,
		hub:      hub,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// 查詢 API
	mux.HandleFunc("GET /api/v1/topics", wrap(h.listTopics))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	// WebSocket（升級後的連線不經過 loggerMiddleware，避免包裝 Hijacker）
	if h.hub != nil {
		mux.HandleFunc("GET /ws", h.recoverer(h.hub.ServeWS))
	}

	return mux
}

// listTopics 列出主題
func (h *Handler) listTopics(w http.ResponseWriter, r *http.Request) {
	topics := h.registry.ListTopics()
	h.jsonResponse(w, map[string]any{
		"topics": topics,
		"total":  len(topics),
	}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status":      "healthy",
		"timestamp":   h.now().Unix(),
		"connections": h.registry.Stats(),
		"messages":    h.messages.Stats(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"server":      ServerName,
		"timestamp":   h.now().Unix(),
		"connections": h.registry.Stats(),
		"messages":    h.messages.Stats(),
	}
	if h.hub != nil {
		body["sessions"] = h.hub.ActiveSessions()
	}
	h.jsonResponse(w, body, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)
				h.audit.SecurityEvent(r.Context(), "unhandled_exception",
					"path", r.URL.Path,
					"error", fmt.Sprint(err))

				h.errorResponse(w, "Internal server error", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
