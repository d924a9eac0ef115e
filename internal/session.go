package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/koopa0/system-design/14-topic-chat/pkg/errors"
	"github.com/koopa0/system-design/14-topic-chat/pkg/logger"
)

// SessionState 連線協議狀態
//
// 有限狀態機：
//
//	Connecting → Joined → Closed
//	     └────────────────↑
//
// 狀態轉換規則：
//   - Connecting → Joined：第一個訊框是合法的 join 且 Registry 接受
//   - Connecting → Closed：解析失敗、不是 join、Registry 拒絕、斷線
//   - Joined → Closed：leave、斷線、Context 取消
type SessionState int

const (
	StateConnecting SessionState = iota
	StateJoined
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session 單一連線的協議狀態機
//
// Session 只持有 (username, topic) 這組 key，
// 連線物件本身由 Registry 擁有。
type Session struct {
	id        string
	transport Transport
	registry  *Registry
	messages  *MessageManager
	audit     *logger.Auditor
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	state    SessionState
	username string
	topic    string
	joined   bool
	leftOnce sync.Once
}

// NewSession 創建 Session
func NewSession(transport Transport, registry *Registry, messages *MessageManager, audit *logger.Auditor, logger *slog.Logger) *Session {
	return &Session{
		id:        uuid.NewString(),
		transport: transport,
		registry:  registry,
		messages:  messages,
		audit:     audit,
		logger:    logger,
		now:       time.Now,
		state:     StateConnecting,
	}
}

// ID 連線 ID（僅用於日誌）
func (s *Session) ID() string {
	return s.id
}

// State 目前狀態
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity 已分配的名稱與主題（尚未加入時為空）
func (s *Session) Identity() (username, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username, s.topic
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Run 執行狀態機直到 Closed
//
// 無論從哪條路徑結束，只要曾經分配過名稱，都會呼叫一次 Registry.Leave。
// Context 取消時關閉傳輸層，讓等待中的 Receive 返回。
func (s *Session) Run(ctx context.Context) {
	ctx = logger.WithConnID(ctx, s.id)

	stop := context.AfterFunc(ctx, func() {
		_ = s.transport.Close(CloseGoingAway, "server shutdown")
	})
	defer stop()
	defer s.finalize(ctx)

	s.logger.DebugContext(ctx, "連線建立", "remote_addr", s.transport.RemoteAddr())

	if !s.handshake(ctx) {
		return
	}

	username, topic := s.Identity()
	s.loop(logger.WithIdentity(ctx, username, topic))
}

// handshake Connecting 狀態：第一個訊框必須是 join
func (s *Session) handshake(ctx context.Context) bool {
	data, err := s.transport.Receive(ctx)
	if err != nil {
		s.logger.DebugContext(ctx, "握手期間斷線", "error", err)
		s.setState(StateClosed)
		return false
	}

	frame, err := DecodeFrame(data)
	if err != nil && !errors.Is(err, apperrors.ErrInvalidJSON) {
		// 可解析但類型未知：仍不是 join
		frame, err = nil, nil
	}
	if err != nil {
		s.reject(ctx, apperrors.ErrInvalidJSON, CloseUnsupported, "Invalid JSON")
		return false
	}

	join, ok := frame.(JoinFrame)
	if !ok {
		s.reject(ctx, apperrors.ErrJoinRequired, CloseProtocolError, "Protocol error")
		return false
	}

	// joined 訊框在成員可見之前排入佇列，之後的廣播一定排在它後面
	welcome := func(result JoinResult) {
		s.send(ctx, newJoinedFrame(result.Username, result.Topic, s.now()))
	}
	result, err := s.registry.Join(ctx, join.Username, join.Topic, s.transport, s.transport.RemoteAddr(), welcome)
	if err != nil {
		s.reject(ctx, err, ClosePolicyViolation, "Join failed")
		return false
	}

	s.mu.Lock()
	s.username = result.Username
	s.topic = result.Topic
	s.joined = true
	s.state = StateJoined
	s.mu.Unlock()
	return true
}

// reject 握手失敗：送出錯誤訊框後關閉
func (s *Session) reject(ctx context.Context, err error, code int, reason string) {
	s.logger.InfoContext(ctx, "握手失敗", "reason", apperrors.ClientMessage(err), "close_code", code)
	s.sendError(ctx, err)
	s.setState(StateClosed)
	if cerr := s.transport.Close(code, reason); cerr != nil {
		s.logger.DebugContext(ctx, "關閉連線失敗", "error", cerr)
	}
}

// loop Joined 狀態：接收、解析、分派
func (s *Session) loop(ctx context.Context) {
	for s.State() == StateJoined {
		data, err := s.transport.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrDisconnected) {
				s.logger.InfoContext(ctx, "連線中斷")
			} else {
				s.logger.WarnContext(ctx, "接收訊框失敗", "error", err)
			}
			s.setState(StateClosed)
			return
		}

		s.dispatchSafely(ctx, data)
	}
}

// dispatchSafely 單次迭代的故障不會終止健康的連線
func (s *Session) dispatchSafely(ctx context.Context, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			username, topic := s.Identity()
			s.logger.ErrorContext(ctx, "處理訊框時發生 panic", "error", r)
			s.audit.SecurityEvent(ctx, "message_loop_error",
				"username", username,
				"topic", topic,
				"error", fmt.Sprint(r))
			s.sendError(ctx, apperrors.ErrInternal)
		}
	}()

	frame, err := DecodeFrame(data)
	if err != nil {
		s.sendError(ctx, err)
		return
	}

	switch f := frame.(type) {
	case MessageFrame:
		s.handleMessage(ctx, *f.Message)
	case ListFrame:
		s.send(ctx, newListFrame(s.registry.ListTopics(), s.now()))
	case LeaveFrame:
		s.handleLeave(ctx)
	case HeartbeatFrame:
		s.send(ctx, newHeartbeatFrame(s.now()))
	case JoinFrame:
		// 重複 join 視為狀態查詢，不建立第二條連線
		username, topic := s.Identity()
		s.logger.DebugContext(ctx, "重複加入請求")
		s.send(ctx, newJoinedFrame(username, topic, s.now()))
	default:
		s.sendError(ctx, apperrors.UnknownType(frame.Kind()))
	}
}

// handleMessage accept → 取新快照 → broadcast → ack
func (s *Session) handleMessage(ctx context.Context, text string) {
	username, topic := s.Identity()

	sender, ok := s.registry.Lookup(username, topic)
	if !ok {
		// 連線已被逾時清理，傳輸層稍後會被關閉
		s.logger.WarnContext(ctx, "找不到連線")
		s.sendError(ctx, apperrors.ErrConnectionNotFound)
		s.setState(StateClosed)
		return
	}

	msg, err := s.messages.Accept(ctx, sender, text)
	if err != nil {
		s.audit.MessageEvent(ctx, "rejected", username, topic, "reason", apperrors.ClientMessage(err))
		s.sendError(ctx, err)
		return
	}

	members := s.registry.MembersOf(topic)
	recipients := s.messages.Broadcast(ctx, msg, members)
	s.audit.MessageEvent(ctx, "broadcast_complete", username, topic,
		"message_id", msg.ID,
		"recipients", recipients)

	s.send(ctx, newAckFrame(msg.ID, recipients, s.now()))
}

// handleLeave 主動離開，之後進入 Closed
func (s *Session) handleLeave(ctx context.Context) {
	username, topic := s.Identity()
	s.leave(ctx)
	s.send(ctx, newLeftFrame(username, topic, s.now()))
	s.setState(StateClosed)
	if err := s.transport.Close(CloseNormal, "left"); err != nil {
		s.logger.DebugContext(ctx, "關閉連線失敗", "error", err)
	}
}

// leave 最多呼叫一次 Registry.Leave
func (s *Session) leave(ctx context.Context) {
	s.mu.Lock()
	joined := s.joined
	username, topic := s.username, s.topic
	s.mu.Unlock()

	if !joined {
		return
	}
	s.leftOnce.Do(func() {
		s.registry.Leave(ctx, username, topic)
	})
}

// finalize Closed 狀態的唯一收尾流程
func (s *Session) finalize(ctx context.Context) {
	if r := recover(); r != nil {
		s.logger.ErrorContext(ctx, "Session 異常終止", "error", r)
	}
	s.setState(StateClosed)
	s.leave(ctx)
	_ = s.transport.Close(CloseNormal, "")
	s.logger.DebugContext(ctx, "連線收尾完成")
}

// send 編碼並送出訊框；失敗只記錄，斷線會由下一次 Receive 發現
func (s *Session) send(ctx context.Context, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.ErrorContext(ctx, "序列化訊框失敗", "error", err)
		return
	}
	if err := s.transport.Send(ctx, data); err != nil {
		s.logger.DebugContext(ctx, "發送訊框失敗", "error", err)
	}
}

func (s *Session) sendError(ctx context.Context, err error) {
	s.send(ctx, newErrorFrame(apperrors.ClientMessage(err), s.now()))
}
