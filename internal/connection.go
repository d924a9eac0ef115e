package internal

import (
	"time"
)

// 系統設計問題：
//   同一個主題裡有多個使用者，如何管理誰在線上、誰說了多少話？
//
// 核心挑戰：
//   1. 身分唯一：同一主題內名稱不可重複（alice / alice#1）
//   2. 所有權：連線狀態只能由 Registry 修改，其他元件拿到的都是副本
//   3. 速率限制：每條連線都有自己的計數視窗
//   4. 資源回收：主題沒人就刪除，不留空殼

// RateWindow 固定視窗速率限制的時間長度
const RateWindow = 60 * time.Second

// Connection 一個已加入主題的客戶端
//
// Registry 只回傳值副本：Session 持有 (name, topic) 這組 key，
// 不持有指標，連線被移除後也不會留下懸空參照。
type Connection struct {
	Name      string
	Topic     string
	CreatedAt time.Time
	Transport Transport
	Origin    string // 僅用於日誌

	messageCount int       // 目前視窗內的發送數
	windowStart  time.Time // 目前視窗的起點
}

// MessageCount 目前視窗內已發送的訊息數
func (c Connection) MessageCount() int {
	return c.messageCount
}

// WindowStart 目前速率視窗的起點
func (c Connection) WindowStart() time.Time {
	return c.windowStart
}

// allowSend 檢查是否允許發送（不修改狀態）
func (c *Connection) allowSend(now time.Time, limit int) bool {
	if now.Sub(c.windowStart) >= RateWindow {
		return true
	}
	return c.messageCount < limit
}

// recordSend 固定視窗計數
//
// 視窗過期 → 重置為 (1, now)；否則未達上限 → 計數加一；
// 達到上限則拒絕且不修改狀態。視窗交界處允許短暫的 2 倍突發，這是固定視窗的既有取捨。
func (c *Connection) recordSend(now time.Time, limit int) bool {
	if now.Sub(c.windowStart) >= RateWindow {
		c.messageCount = 1
		c.windowStart = now
		return true
	}
	if c.messageCount < limit {
		c.messageCount++
		return true
	}
	return false
}

// Topic 主題（聊天室）
type Topic struct {
	Name         string
	Members      map[string]*Connection // name -> Connection
	CreatedAt    time.Time
	LastActivity time.Time
	MessageCount int
}

func newTopic(name string, now time.Time) *Topic {
	return &Topic{
		Name:         name,
		Members:      make(map[string]*Connection),
		CreatedAt:    now,
		LastActivity: now,
	}
}

// summary 產生主題摘要（需持有 Registry 鎖）
func (t *Topic) summary() TopicSummary {
	return TopicSummary{
		Topic:        t.Name,
		UserCount:    len(t.Members),
		CreatedAt:    t.CreatedAt,
		MessageCount: t.MessageCount,
		LastActivity: t.LastActivity,
	}
}

// TopicSummary 主題摘要（list 回應與 HTTP API 共用）
type TopicSummary struct {
	Topic        string    `json:"topic"`
	UserCount    int       `json:"user_count"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
	LastActivity time.Time `json:"last_activity"`
}
