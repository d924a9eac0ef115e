package internal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/koopa0/system-design/14-topic-chat/pkg/errors"
	"github.com/koopa0/system-design/14-topic-chat/pkg/logger"
)

// 系統設計問題：
//   訊息只需要「短暫存在」：廣播完、確認完就可以丟掉，
//   但又要防止洪水攻擊與注入內容。
//
// 設計方案：
//   ✅ 固定視窗速率限制（計數存在 Registry 的連線上）
//   ✅ 每則訊息一個 time.AfterFunc，TTL 到期自動移除
//   ✅ 定期 sweep 作為備援
//   ✅ 廣播逐一發送，單一接收者失敗不影響其他人

// Message 一則廣播訊息（建立後不可變）
type Message struct {
	ID        string
	Sender    string
	Topic     string
	Text      string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired 訊息在 now 時是否已過期
func (m Message) Expired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

// SendRecorder 訊息管理器對 Registry 的依賴
//
// 連線的速率計數屬於 Registry，訊息管理器只透過這兩個操作讀寫。
type SendRecorder interface {
	AllowSend(name, topic string) error
	RecordSend(name, topic string) error
}

// MessageConfig 訊息管理器配置
type MessageConfig struct {
	TTL                time.Duration    // 訊息存活時間
	RateLimitPerMinute int              // 僅用於統計輸出，實際計數在 Registry
	Clock              func() time.Time // nil 時使用 time.Now
}

// MessageStats 訊息統計
type MessageStats struct {
	TotalMessages      int `json:"total_messages"`
	ExpirationSeconds  int `json:"expiration_seconds"`
	RateLimitPerMinute int `json:"rate_limit_per_minute"`
}

// MessageManager 訊息生命週期管理器
type MessageManager struct {
	messages  map[string]Message     // messageID -> Message
	timers    map[string]*time.Timer // messageID -> 到期計時器
	mu        sync.RWMutex
	cfg       MessageConfig
	rooms     SendRecorder
	validator *Validator
	audit     *logger.Auditor
	logger    *slog.Logger
	stopped   bool
}

// NewMessageManager 創建訊息管理器
func NewMessageManager(cfg MessageConfig, rooms SendRecorder, validator *Validator, audit *logger.Auditor, logger *slog.Logger) *MessageManager {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &MessageManager{
		messages:  make(map[string]Message),
		timers:    make(map[string]*time.Timer),
		cfg:       cfg,
		rooms:     rooms,
		validator: validator,
		audit:     audit,
		logger:    logger,
	}
}

// Accept 接受一則訊息
//
// 檢查順序：
//  1. 速率限制（未通過不計數）
//  2. 清理後的內容驗證（未通過不計數）
//  3. 建立訊息、記錄發送、排程到期
func (m *MessageManager) Accept(ctx context.Context, sender Connection, text string) (Message, error) {
	if err := m.rooms.AllowSend(sender.Name, sender.Topic); err != nil {
		if apperrors.IsRateLimited(err) {
			m.audit.SecurityEvent(ctx, "rate_limit_exceeded",
				"username", sender.Name,
				"topic", sender.Topic,
				"max_per_minute", m.cfg.RateLimitPerMinute)
		}
		return Message{}, err
	}

	text = SanitizeText(text)
	if err := m.validator.ValidateMessageText(ctx, text); err != nil {
		return Message{}, err
	}

	if err := m.rooms.RecordSend(sender.Name, sender.Topic); err != nil {
		return Message{}, err
	}

	now := m.cfg.Clock()
	msg := Message{
		ID:        uuid.NewString(),
		Sender:    StripControlChars(sender.Name),
		Topic:     StripControlChars(sender.Topic),
		Text:      text,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.TTL),
	}

	m.mu.Lock()
	m.messages[msg.ID] = msg
	if !m.stopped {
		id := msg.ID
		m.timers[id] = time.AfterFunc(m.cfg.TTL, func() { m.expire(id) })
	}
	m.mu.Unlock()

	m.logger.DebugContext(ctx, "訊息已建立", "message_id", msg.ID, "length", len(msg.Text))
	return msg, nil
}

// expire 到期移除（訊息不存在時為 no-op）
func (m *MessageManager) expire(id string) {
	m.mu.Lock()
	_, exists := m.messages[id]
	delete(m.messages, id)
	delete(m.timers, id)
	m.mu.Unlock()

	if exists {
		m.logger.Debug("訊息已過期", "message_id", id)
	}
}

// Broadcast 廣播訊息到成員快照（包含發送者本人）
//
// 回傳沒有發生傳輸錯誤的發送數。訊息過期或已被移除後停止投遞。
func (m *MessageManager) Broadcast(ctx context.Context, msg Message, members []Connection) int {
	frame, err := json.Marshal(NewChatFrame(msg))
	if err != nil {
		m.logger.ErrorContext(ctx, "序列化訊息失敗", "message_id", msg.ID, "error", err)
		return 0
	}

	delivered := 0
	for _, member := range members {
		if !m.deliverable(msg) {
			m.logger.WarnContext(ctx, "訊息已過期，停止廣播",
				"message_id", msg.ID,
				"delivered", delivered)
			break
		}

		if member.Transport == nil {
			continue
		}
		if err := member.Transport.Send(ctx, frame); err != nil {
			m.logger.ErrorContext(ctx, "發送訊息失敗",
				"recipient", member.Name,
				"message_id", msg.ID,
				"error", err)
			m.audit.SecurityEvent(ctx, "message_send_failed",
				"recipient", member.Name,
				"message_id", msg.ID,
				"error", err.Error())
			continue
		}
		delivered++
	}

	m.logger.DebugContext(ctx, "訊息已廣播", "message_id", msg.ID, "recipients", delivered)
	return delivered
}

// deliverable 訊息仍在表中且未過期
func (m *MessageManager) deliverable(msg Message) bool {
	if msg.Expired(m.cfg.Clock()) {
		return false
	}
	m.mu.RLock()
	_, exists := m.messages[msg.ID]
	m.mu.RUnlock()
	return exists
}

// IsValid 訊息是否存在且未過期
func (m *MessageManager) IsValid(id string) bool {
	m.mu.RLock()
	msg, exists := m.messages[id]
	m.mu.RUnlock()
	return exists && !msg.Expired(m.cfg.Clock())
}

// SweepExpired 清除所有已過期的訊息（冪等）
func (m *MessageManager) SweepExpired() int {
	now := m.cfg.Clock()

	m.mu.Lock()
	var expired []string
	for id, msg := range m.messages {
		if msg.Expired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(m.messages, id)
		if timer, ok := m.timers[id]; ok {
			timer.Stop()
			delete(m.timers, id)
		}
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		m.logger.Info("已清理過期訊息", "count", len(expired))
	}
	return len(expired)
}

// Stats 獲取統計資訊
func (m *MessageManager) Stats() MessageStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MessageStats{
		TotalMessages:      len(m.messages),
		ExpirationSeconds:  int(m.cfg.TTL.Seconds()),
		RateLimitPerMinute: m.cfg.RateLimitPerMinute,
	}
}

// Stop 停止所有到期計時器
//
// 之後接受的訊息不再排程計時器，只能由 SweepExpired 清除。
func (m *MessageManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
	m.stopped = true
	m.logger.Info("訊息管理器已停止")
}
