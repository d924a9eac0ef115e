package internal

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/koopa0/system-design/14-topic-chat/pkg/errors"
)

// 訊框類型
const (
	KindJoin      = "join"
	KindMessage   = "message"
	KindList      = "list"
	KindLeave     = "leave"
	KindHeartbeat = "heartbeat"

	KindJoined = "joined"
	KindAck    = "ack"
	KindError  = "error"
	KindLeft   = "left"
)

// frameValidator 檢查入站訊框的必要欄位
//
// message 欄位用指標表示「是否出現」：空字串交給內容驗證處理，缺欄位才是格式錯誤。
var frameValidator = validator.New()

// InboundFrame 入站訊框（封閉集合，以 type switch 分派）
type InboundFrame interface {
	Kind() string
}

// JoinFrame 加入請求
//
// 缺少的欄位視為空字串，交給名稱與主題驗證拒絕。
type JoinFrame struct {
	Username string `json:"username"`
	Topic    string `json:"topic"`
}

// MessageFrame 發送訊息
type MessageFrame struct {
	Message *string `json:"message" validate:"required"`
}

// ListFrame 列出主題
type ListFrame struct{}

// LeaveFrame 離開主題
type LeaveFrame struct{}

// HeartbeatFrame 應用層心跳
type HeartbeatFrame struct{}

func (JoinFrame) Kind() string      { return KindJoin }
func (MessageFrame) Kind() string   { return KindMessage }
func (ListFrame) Kind() string      { return KindList }
func (LeaveFrame) Kind() string     { return KindLeave }
func (HeartbeatFrame) Kind() string { return KindHeartbeat }

// DecodeFrame 解析入站訊框
//
// 錯誤一律為 *AppError：JSON 格式錯誤或缺欄位 → ErrInvalidJSON，
// 未知類型 → UnknownType。
func DecodeFrame(data []byte) (InboundFrame, error) {
	var envelope struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, apperrors.ErrInvalidJSON.WithDetails(err.Error())
	}
	if envelope.Type == nil {
		return nil, apperrors.ErrInvalidJSON.WithDetails("missing type")
	}

	var frame InboundFrame
	switch *envelope.Type {
	case KindJoin:
		var f JoinFrame
		if err := decodeInto(data, &f); err != nil {
			return nil, err
		}
		frame = f
	case KindMessage:
		var f MessageFrame
		if err := decodeInto(data, &f); err != nil {
			return nil, err
		}
		frame = f
	case KindList:
		frame = ListFrame{}
	case KindLeave:
		frame = LeaveFrame{}
	case KindHeartbeat:
		frame = HeartbeatFrame{}
	default:
		return nil, apperrors.UnknownType(*envelope.Type)
	}
	return frame, nil
}

func decodeInto(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.ErrInvalidJSON.WithDetails(err.Error())
	}
	if err := frameValidator.Struct(v); err != nil {
		return apperrors.ErrInvalidJSON.WithDetails(err.Error())
	}
	return nil
}

// 出站訊框

// JoinedFrame 加入成功
type JoinedFrame struct {
	Type      string `json:"type"`
	Username  string `json:"username"`
	Topic     string `json:"topic"`
	Timestamp int64  `json:"timestamp"`
}

// ChatFrame 廣播訊息
type ChatFrame struct {
	Type      string    `json:"type"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp int64     `json:"timestamp"`
	MessageID string    `json:"message_id"`
	Topic     string    `json:"topic"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AckFrame 發送確認
type AckFrame struct {
	Type       string `json:"type"`
	MessageID  string `json:"message_id"`
	Recipients int    `json:"recipients"`
	Timestamp  int64  `json:"timestamp"`
}

// ListResponseFrame 主題列表
type ListResponseFrame struct {
	Type      string         `json:"type"`
	Topics    []TopicSummary `json:"topics"`
	Timestamp int64          `json:"timestamp"`
}

// ErrorFrame 錯誤
type ErrorFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// LeftFrame 離開成功
type LeftFrame struct {
	Type      string `json:"type"`
	Username  string `json:"username"`
	Topic     string `json:"topic"`
	Timestamp int64  `json:"timestamp"`
}

// HeartbeatAckFrame 心跳回應
type HeartbeatAckFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
}

// NewChatFrame 由訊息建立廣播訊框
func NewChatFrame(msg Message) ChatFrame {
	return ChatFrame{
		Type:      KindMessage,
		Username:  msg.Sender,
		Message:   msg.Text,
		Timestamp: msg.CreatedAt.Unix(),
		MessageID: msg.ID,
		Topic:     msg.Topic,
		ExpiresAt: msg.ExpiresAt.UTC(),
	}
}

func newJoinedFrame(username, topic string, now time.Time) JoinedFrame {
	return JoinedFrame{Type: KindJoined, Username: username, Topic: topic, Timestamp: now.Unix()}
}

func newAckFrame(messageID string, recipients int, now time.Time) AckFrame {
	return AckFrame{Type: KindAck, MessageID: messageID, Recipients: recipients, Timestamp: now.Unix()}
}

func newListFrame(topics []TopicSummary, now time.Time) ListResponseFrame {
	return ListResponseFrame{Type: KindList, Topics: topics, Timestamp: now.Unix()}
}

func newErrorFrame(message string, now time.Time) ErrorFrame {
	return ErrorFrame{Type: KindError, Message: message, Timestamp: now.Unix()}
}

func newLeftFrame(username, topic string, now time.Time) LeftFrame {
	return LeftFrame{Type: KindLeft, Username: username, Topic: topic, Timestamp: now.Unix()}
}

func newHeartbeatFrame(now time.Time) HeartbeatAckFrame {
	return HeartbeatAckFrame{Type: KindHeartbeat, Timestamp: now.Unix(), Status: "received"}
}
