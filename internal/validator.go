package internal

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	apperrors "github.com/koopa0/system-design/14-topic-chat/pkg/errors"
	"github.com/koopa0/system-design/14-topic-chat/pkg/logger"
)

// 輸入限制
const (
	MaxUsernameLength = 20
	MaxTopicLength    = 50
	MaxMessageLength  = 5000
)

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{1,20}$`)
	topicPattern    = regexp.MustCompile(`^[a-zA-Z0-9_]{1,50}$`)
	nonIdentChars   = regexp.MustCompile(`[^a-z0-9_]`)
	controlChars    = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)

	// 保留字，名稱與主題都不可使用（不分大小寫）
	reservedWords = map[string]struct{}{
		"admin":     {},
		"root":      {},
		"system":    {},
		"null":      {},
		"undefined": {},
	}
)

// injectionSignature 注入攻擊特徵
type injectionSignature struct {
	name    string
	pattern *regexp.Regexp
}

var injectionSignatures = []injectionSignature{
	{"script_tag", regexp.MustCompile(`(?i)<script[^>]*>.*?</script>`)},
	{"javascript_uri", regexp.MustCompile(`(?i)javascript:`)},
	{"event_handler", regexp.MustCompile(`(?i)on\w+\s*=`)},
	{"css_expression", regexp.MustCompile(`(?i)expression\s*\(`)},
	{"css_import", regexp.MustCompile(`(?i)@import`)},
}

// Validator 輸入驗證器
//
// 驗證本身沒有副作用，唯一的輸出是稽核事件：
// 每一次拒絕都會留下 security_event，方便追蹤惡意輸入。
type Validator struct {
	audit *logger.Auditor
}

// NewValidator 創建驗證器
func NewValidator(audit *logger.Auditor) *Validator {
	return &Validator{audit: audit}
}

// ValidateJoin 驗證加入請求的名稱與主題
func (v *Validator) ValidateJoin(ctx context.Context, username, topic string) error {
	if !usernamePattern.MatchString(username) {
		v.audit.SecurityEvent(ctx, "invalid_username_format",
			"username", username,
			"length", utf8.RuneCountInString(username))
		return apperrors.ErrInvalidUsername
	}

	if !topicPattern.MatchString(topic) {
		v.audit.SecurityEvent(ctx, "invalid_topic_format",
			"topic", topic,
			"length", utf8.RuneCountInString(topic))
		return apperrors.ErrInvalidTopic
	}

	if isReserved(username) {
		v.audit.SecurityEvent(ctx, "reserved_username", "username", username)
		return apperrors.ErrInvalidUsername
	}

	if isReserved(topic) {
		v.audit.SecurityEvent(ctx, "reserved_topic", "topic", topic)
		return apperrors.ErrInvalidTopic
	}

	return nil
}

// ValidateMessageText 驗證訊息內容
func (v *Validator) ValidateMessageText(ctx context.Context, text string) error {
	length := utf8.RuneCountInString(text)
	if length == 0 || length > MaxMessageLength {
		v.audit.SecurityEvent(ctx, "invalid_message_length", "length", length)
		return apperrors.ErrInvalidMessage
	}

	for _, sig := range injectionSignatures {
		if sig.pattern.MatchString(text) {
			v.audit.SecurityEvent(ctx, "potential_injection", "pattern", sig.name)
			return apperrors.ErrInvalidMessage
		}
	}

	return nil
}

func isReserved(s string) bool {
	_, ok := reservedWords[strings.ToLower(s)]
	return ok
}

// Canonicalize 將名稱或主題轉為作為 map key 的標準形式
//
// 去除空白、轉小寫、移除 [a-z0-9_] 以外的字元，最後截斷到 maxLen。
// 只用於名稱與主題，訊息內容不做這個處理。
func Canonicalize(raw string, maxLen int) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = nonIdentChars.ReplaceAllString(s, "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// StripControlChars 移除控制字元，保留換行與 tab
func StripControlChars(text string) string {
	return controlChars.ReplaceAllString(text, "")
}

// SanitizeText 移除控制字元後去除前後空白
func SanitizeText(text string) string {
	return strings.TrimSpace(StripControlChars(text))
}
