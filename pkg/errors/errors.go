// Package errors 提供聊天服務的錯誤分類
//
// 所有「拒絕」都是正常結果而非故障：驗證失敗、容量不足、速率限制、協議錯誤。
// 這些錯誤以 *AppError 回傳，Message 欄位即為送給客戶端的錯誤文字。
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInvalidInput 無效輸入（名稱、主題、訊息內容）
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeQuotaExceeded 容量超限（主題數、每主題連線數）
	ErrCodeQuotaExceeded = "QUOTA_EXCEEDED"
	// ErrCodeRateLimited 發送速率超限
	ErrCodeRateLimited = "RATE_LIMITED"
	// ErrCodeProtocol 協議錯誤（JSON 格式、訊息類型）
	ErrCodeProtocol = "PROTOCOL_ERROR"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is
//
// 錯誤碼與訊息都相同才視為同一錯誤，
// 例如 ErrTopicFull 與 ErrTopicLimit 同屬 QUOTA_EXCEEDED 但不相等。
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回帶有詳細資訊的副本（不修改預定義錯誤）
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤（訊息即客戶端看到的文字）
var (
	ErrInvalidUsername = New(ErrCodeInvalidInput, "Username must be 1-20 alphanumeric characters")
	ErrInvalidTopic    = New(ErrCodeInvalidInput, "Topic must be 1-50 alphanumeric characters")
	ErrInvalidMessage  = New(ErrCodeInvalidInput, "Message must be 1-5000 characters")

	ErrTopicLimit = New(ErrCodeQuotaExceeded, "Server at maximum topic capacity")
	ErrTopicFull  = New(ErrCodeQuotaExceeded, "Topic is full, please try another")

	ErrRateLimited = New(ErrCodeRateLimited, "Rate limit exceeded, please slow down")

	ErrInvalidJSON  = New(ErrCodeProtocol, "Invalid JSON format")
	ErrJoinRequired = New(ErrCodeProtocol, "First message must be join request")

	ErrConnectionNotFound = New(ErrCodeNotFound, "Connection not found")

	ErrInternal = New(ErrCodeInternal, "Internal server error")
)

// UnknownType 未知的訊息類型
func UnknownType(kind string) *AppError {
	return New(ErrCodeProtocol, fmt.Sprintf("Unknown message type: %s", kind))
}

// ClientMessage 取得可回傳給客戶端的錯誤文字
//
// 非 AppError 的錯誤屬於內部故障，不外洩細節。
func ClientMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return ErrInternal.Message
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsInvalidInput 檢查是否為驗證錯誤
func IsInvalidInput(err error) bool {
	return hasCode(err, ErrCodeInvalidInput)
}

// IsQuotaExceeded 檢查是否為容量超限錯誤
func IsQuotaExceeded(err error) bool {
	return hasCode(err, ErrCodeQuotaExceeded)
}

// IsRateLimited 檢查是否為速率限制錯誤
func IsRateLimited(err error) bool {
	return hasCode(err, ErrCodeRateLimited)
}

// IsProtocol 檢查是否為協議錯誤
func IsProtocol(err error) bool {
	return hasCode(err, ErrCodeProtocol)
}
