package logger

import (
	"context"
	"log/slog"
)

// Auditor 記錄安全與連線相關的稽核事件
//
// 稽核事件與一般日誌共用同一個 handler，以 audit 屬性區分類別，
// 方便在日誌平台上過濾。
type Auditor struct {
	logger *slog.Logger
}

// NewAuditor 建立稽核記錄器
func NewAuditor(logger *slog.Logger) *Auditor {
	return &Auditor{logger: logger.With("audit", true)}
}

// SecurityEvent 記錄安全事件（驗證失敗、容量超限、注入嘗試等）
func (a *Auditor) SecurityEvent(ctx context.Context, event string, attrs ...any) {
	if a == nil {
		return
	}
	a.logger.WarnContext(ctx, "security_event", append([]any{"event", event}, attrs...)...)
}

// ConnectionEvent 記錄連線事件（connect / disconnect / timeout）
func (a *Auditor) ConnectionEvent(ctx context.Context, username, topic, action, origin string) {
	if a == nil {
		return
	}
	a.logger.InfoContext(ctx, "connection_event",
		"event", action,
		"username", username,
		"topic", topic,
		"origin", origin)
}

// MessageEvent 記錄訊息處理階段
func (a *Auditor) MessageEvent(ctx context.Context, stage, username, topic string, attrs ...any) {
	if a == nil {
		return
	}
	base := []any{"event", stage, "username", username, "topic", topic}
	a.logger.DebugContext(ctx, "message_event", append(base, attrs...)...)
}
