package internal

import (
	"context"
	"errors"
)

// 傳輸層錯誤
var (
	// ErrDisconnected 連線已中斷（客戶端關閉或網路錯誤）
	ErrDisconnected = errors.New("transport disconnected")
	// ErrSendFailed 發送失敗（連線已關閉或發送佇列已滿）
	ErrSendFailed = errors.New("transport send failed")
)

// 關閉碼（RFC 6455）
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	CloseUnsupported     = 1003
	ClosePolicyViolation = 1008
)

// Transport 雙向訊框傳輸
//
// Session 與廣播只依賴這個介面，WebSocket 是其中一種實作，測試則使用記憶體實作。
// Send 必須可以被多個 goroutine 同時呼叫且不阻塞。
type Transport interface {
	// Receive 等待下一個訊框；連線關閉時回傳 ErrDisconnected
	Receive(ctx context.Context) ([]byte, error)
	// Send 發送一個訊框；失敗時回傳 ErrSendFailed
	Send(ctx context.Context, frame []byte) error
	// Close 以指定關閉碼關閉連線，可重複呼叫
	Close(code int, reason string) error
	// RemoteAddr 對端位址（僅用於日誌）
	RemoteAddr() string
}
