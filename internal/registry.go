package internal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/14-topic-chat/pkg/errors"
	"github.com/koopa0/system-design/14-topic-chat/pkg/logger"
)

// RegistryConfig 連線註冊表配置
type RegistryConfig struct {
	MaxTopics              int              // 全域主題上限
	MaxConnectionsPerTopic int              // 每個主題的連線上限
	RateLimitPerMinute     int              // 每條連線每分鐘可發送的訊息數
	Clock                  func() time.Time // nil 時使用 time.Now
}

// Registry 連線註冊表
//
// 系統設計考量：
//
//  1. 單一臨界區：
//     每個公開操作只取一次鎖，呼叫者不會看到「加入到一半」的狀態。
//     主題刪除與最後一位成員離開在同一個臨界區完成。
//
//  2. 快照：
//     MembersOf 回傳副本，廣播時不持有鎖，
//     並發的加入/離開只影響下一次快照。
//
//  3. 不跨元件持鎖：
//     Registry 從不呼叫 MessageManager，MessageManager 呼叫 Registry 時也不持有自己的鎖。
type Registry struct {
	topics    map[string]*Topic // topic -> Topic
	mu        sync.RWMutex
	cfg       RegistryConfig
	validator *Validator
	audit     *logger.Auditor
	logger    *slog.Logger
}

// JoinResult 加入結果
type JoinResult struct {
	Username string // 實際分配的名稱（可能帶 #N 後綴）
	Topic    string // 標準化後的主題
}

// JoinHook 在新連線對其他成員可見之前執行
//
// 執行時持有 Registry 寫鎖：不可阻塞，也不可再呼叫 Registry。
type JoinHook func(JoinResult)

// RegistryStats 註冊表統計
type RegistryStats struct {
	TotalClients           int `json:"total_clients"`
	TotalTopics            int `json:"total_topics"`
	MaxTopics              int `json:"max_topics"`
	MaxConnectionsPerTopic int `json:"max_connections_per_topic"`
}

// NewRegistry 創建連線註冊表
func NewRegistry(cfg RegistryConfig, validator *Validator, audit *logger.Auditor, logger *slog.Logger) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Registry{
		topics:    make(map[string]*Topic),
		cfg:       cfg,
		validator: validator,
		audit:     audit,
		logger:    logger,
	}
}

// Join 加入主題
//
// 步驟：
//  1. 驗證並標準化名稱與主題
//  2. 新主題且主題數已滿 → 拒絕
//  3. 主題連線數已滿 → 拒絕
//  4. 名稱衝突時依序嘗試 name#1、name#2…，取最小可用後綴
//  5. 建立連線，必要時建立主題
//  6. 在同一個臨界區內執行 hooks，所以任何 MembersOf 快照都晚於 hooks
func (r *Registry) Join(ctx context.Context, rawName, rawTopic string, transport Transport, origin string, hooks ...JoinHook) (JoinResult, error) {
	if err := r.validator.ValidateJoin(ctx, rawName, rawTopic); err != nil {
		return JoinResult{}, err
	}

	name := StripControlChars(Canonicalize(rawName, MaxUsernameLength))
	topicName := StripControlChars(Canonicalize(rawTopic, MaxTopicLength))

	r.mu.Lock()
	defer r.mu.Unlock()

	topic, exists := r.topics[topicName]
	if !exists && len(r.topics) >= r.cfg.MaxTopics {
		r.audit.SecurityEvent(ctx, "topic_limit_exceeded",
			"current_topics", len(r.topics),
			"max_topics", r.cfg.MaxTopics)
		return JoinResult{}, apperrors.ErrTopicLimit
	}

	if exists && len(topic.Members) >= r.cfg.MaxConnectionsPerTopic {
		r.audit.SecurityEvent(ctx, "topic_full",
			"topic", topicName,
			"connections", len(topic.Members),
			"max_connections", r.cfg.MaxConnectionsPerTopic)
		return JoinResult{}, apperrors.ErrTopicFull
	}

	now := r.cfg.Clock()
	if !exists {
		topic = newTopic(topicName, now)
		r.topics[topicName] = topic
	}

	assigned := uniqueName(name, topic.Members)
	topic.Members[assigned] = &Connection{
		Name:        assigned,
		Topic:       topicName,
		CreatedAt:   now,
		Transport:   transport,
		Origin:      origin,
		windowStart: now,
	}
	topic.LastActivity = now

	result := JoinResult{Username: assigned, Topic: topicName}
	for _, hook := range hooks {
		hook(result)
	}

	r.audit.ConnectionEvent(ctx, assigned, topicName, "connect", origin)
	r.logger.InfoContext(ctx, "使用者加入主題",
		"username", assigned,
		"topic", topicName,
		"members", len(topic.Members))

	return result, nil
}

// uniqueName 在主題內找出最小可用的名稱
func uniqueName(name string, members map[string]*Connection) string {
	if _, taken := members[name]; !taken {
		return name
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s#%d", name, i)
		if _, taken := members[candidate]; !taken {
			return candidate
		}
	}
}

// Leave 離開主題
//
// 冪等：連線不存在時回傳 false。最後一位成員離開時同時刪除主題。
func (r *Registry) Leave(ctx context.Context, name, topicName string) bool {
	r.mu.Lock()
	conn, removed := r.removeLocked(name, topicName)
	r.mu.Unlock()

	if !removed {
		return false
	}

	r.audit.ConnectionEvent(ctx, name, topicName, "disconnect", conn.Origin)
	r.logger.InfoContext(ctx, "使用者離開主題", "username", name, "topic", topicName)
	return true
}

// removeLocked 移除連線（需持有寫鎖）
func (r *Registry) removeLocked(name, topicName string) (*Connection, bool) {
	topic, exists := r.topics[topicName]
	if !exists {
		return nil, false
	}
	conn, exists := topic.Members[name]
	if !exists {
		return nil, false
	}

	delete(topic.Members, name)
	if len(topic.Members) == 0 {
		delete(r.topics, topicName)
		r.logger.Debug("主題已刪除（無成員）", "topic", topicName)
	} else {
		topic.LastActivity = r.cfg.Clock()
	}
	return conn, true
}

// Lookup 查詢連線
func (r *Registry) Lookup(name, topicName string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topic, exists := r.topics[topicName]
	if !exists {
		return Connection{}, false
	}
	conn, exists := topic.Members[name]
	if !exists {
		return Connection{}, false
	}
	return *conn, true
}

// MembersOf 取得主題成員快照
func (r *Registry) MembersOf(topicName string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topic, exists := r.topics[topicName]
	if !exists {
		return []Connection{}
	}

	members := make([]Connection, 0, len(topic.Members))
	for _, conn := range topic.Members {
		members = append(members, *conn)
	}
	return members
}

// ListTopics 列出所有主題（依名稱排序）
func (r *Registry) ListTopics() []TopicSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]TopicSummary, 0, len(r.topics))
	for _, topic := range r.topics {
		result = append(result, topic.summary())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Topic < result[j].Topic
	})
	return result
}

// AllowSend 檢查連線目前是否允許發送（不修改狀態）
func (r *Registry) AllowSend(name, topicName string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, err := r.connLocked(name, topicName)
	if err != nil {
		return err
	}
	if !conn.allowSend(r.cfg.Clock(), r.cfg.RateLimitPerMinute) {
		return apperrors.ErrRateLimited
	}
	return nil
}

// RecordSend 推進連線的速率計數並累計主題訊息數
//
// 連線屬於 Registry，所以計數的修改也在這裡完成。
func (r *Registry) RecordSend(name, topicName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, err := r.connLocked(name, topicName)
	if err != nil {
		return err
	}

	now := r.cfg.Clock()
	if !conn.recordSend(now, r.cfg.RateLimitPerMinute) {
		return apperrors.ErrRateLimited
	}

	topic := r.topics[topicName]
	topic.MessageCount++
	topic.LastActivity = now
	return nil
}

// connLocked 取得連線指標（需持有鎖）
func (r *Registry) connLocked(name, topicName string) (*Connection, error) {
	topic, exists := r.topics[topicName]
	if !exists {
		return nil, apperrors.ErrConnectionNotFound
	}
	conn, exists := topic.Members[name]
	if !exists {
		return nil, apperrors.ErrConnectionNotFound
	}
	return conn, nil
}

// SweepIdle 移除存在時間超過 maxAge 的連線
//
// 由外部排程定期呼叫（見 Sweeper）。被移除的連線會在鎖外關閉傳輸層，
// 讓對應的 Session 走正常的 Closed 路徑；那時 Leave 回傳 false，屬正常情況。
func (r *Registry) SweepIdle(ctx context.Context, maxAge time.Duration) int {
	now := r.cfg.Clock()

	r.mu.Lock()
	var evicted []*Connection
	for _, topic := range r.topics {
		for _, conn := range topic.Members {
			if now.Sub(conn.CreatedAt) > maxAge {
				evicted = append(evicted, conn)
			}
		}
	}
	for _, conn := range evicted {
		r.removeLocked(conn.Name, conn.Topic)
	}
	r.mu.Unlock()

	for _, conn := range evicted {
		r.audit.SecurityEvent(ctx, "inactive_connection_removed",
			"username", conn.Name,
			"topic", conn.Topic,
			"inactive_seconds", int(maxAge.Seconds()))
		r.audit.ConnectionEvent(ctx, conn.Name, conn.Topic, "timeout", conn.Origin)
		if conn.Transport != nil {
			if err := conn.Transport.Close(CloseGoingAway, "connection timeout"); err != nil {
				r.logger.Debug("關閉逾時連線失敗", "username", conn.Name, "error", err)
			}
		}
	}

	if len(evicted) > 0 {
		r.logger.Info("已清理逾時連線", "count", len(evicted))
	}
	return len(evicted)
}

// CloseAll 關閉所有連線的傳輸層（伺服器關閉時使用）
//
// 只關閉傳輸層，成員移除交給各 Session 的收尾流程。
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.RLock()
	transports := make([]Transport, 0)
	for _, topic := range r.topics {
		for _, conn := range topic.Members {
			if conn.Transport != nil {
				transports = append(transports, conn.Transport)
			}
		}
	}
	r.mu.RUnlock()

	for _, t := range transports {
		_ = t.Close(code, reason)
	}
}

// Stats 獲取統計資訊
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, topic := range r.topics {
		total += len(topic.Members)
	}

	return RegistryStats{
		TotalClients:           total,
		TotalTopics:            len(r.topics),
		MaxTopics:              r.cfg.MaxTopics,
		MaxConnectionsPerTopic: r.cfg.MaxConnectionsPerTopic,
	}
}
