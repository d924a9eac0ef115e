package internal_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-topic-chat/internal"
)

// testLogger 創建測試用的 logger
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError, // 測試時只顯示錯誤
	}))
}

// fakeClock 可手動推進的時鐘
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeTransport 記憶體傳輸層
type fakeTransport struct {
	addr  string
	inbox chan []byte
	done  chan struct{}

	mu          sync.Mutex
	sent        [][]byte
	failSend    bool
	closed      bool
	closeCode   int
	closeReason string
	closeOnce   sync.Once
}

func newFakeTransport(addr string) *fakeTransport {
	return &fakeTransport{
		addr:  addr,
		inbox: make(chan []byte, 64),
		done:  make(chan struct{}),
	}
}

func (f *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.inbox:
		return data, nil
	case <-f.done:
		return nil, internal.ErrDisconnected
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", internal.ErrDisconnected, ctx.Err())
	}
}

func (f *fakeTransport) Send(_ context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.failSend {
		return internal.ErrSendFailed
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.closeCode = code
		f.closeReason = reason
		f.mu.Unlock()
		close(f.done)
	})
	return nil
}

func (f *fakeTransport) RemoteAddr() string {
	return f.addr
}

// push 送入一個客戶端訊框（any 會被編碼為 JSON，[]byte 與 string 原樣送入）
func (f *fakeTransport) push(t *testing.T, frame any) {
	t.Helper()
	var data []byte
	switch v := frame.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		var err error
		data, err = json.Marshal(v)
		require.NoError(t, err)
	}
	f.inbox <- data
}

func (f *fakeTransport) setFailSend(fail bool) {
	f.mu.Lock()
	f.failSend = fail
	f.mu.Unlock()
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) closeInfo() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeReason
}

// frames 目前收到的所有訊框
func (f *fakeTransport) frames() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()

	result := make([]map[string]any, 0, len(f.sent))
	for _, data := range f.sent {
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err == nil {
			result = append(result, frame)
		}
	}
	return result
}

// framesOfType 篩選指定類型的訊框
func (f *fakeTransport) framesOfType(kind string) []map[string]any {
	var result []map[string]any
	for _, frame := range f.frames() {
		if frame["type"] == kind {
			result = append(result, frame)
		}
	}
	return result
}

// waitFrame 等待第 n 個（從 1 起算）指定類型的訊框
func (f *fakeTransport) waitFrame(t *testing.T, kind string, n int) map[string]any {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.framesOfType(kind)) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %q frame(s)", n, kind)
	return f.framesOfType(kind)[n-1]
}

// testBroker 組裝好的核心元件
type testBroker struct {
	registry *internal.Registry
	messages *internal.MessageManager
	clock    *fakeClock
}

type brokerOption func(*internal.RegistryConfig, *internal.MessageConfig)

func withLimits(maxTopics, perTopic int) brokerOption {
	return func(rc *internal.RegistryConfig, _ *internal.MessageConfig) {
		rc.MaxTopics = maxTopics
		rc.MaxConnectionsPerTopic = perTopic
	}
}

func withRateLimit(perMinute int) brokerOption {
	return func(rc *internal.RegistryConfig, mc *internal.MessageConfig) {
		rc.RateLimitPerMinute = perMinute
		mc.RateLimitPerMinute = perMinute
	}
}

func withTTL(ttl time.Duration) brokerOption {
	return func(_ *internal.RegistryConfig, mc *internal.MessageConfig) {
		mc.TTL = ttl
	}
}

// withClock 讓 Registry 與 MessageManager 共用假時鐘
func withClock(clock *fakeClock) brokerOption {
	return func(rc *internal.RegistryConfig, mc *internal.MessageConfig) {
		rc.Clock = clock.Now
		mc.Clock = clock.Now
	}
}

func newTestBroker(t *testing.T, opts ...brokerOption) *testBroker {
	t.Helper()

	rc := internal.RegistryConfig{
		MaxTopics:              1000,
		MaxConnectionsPerTopic: 100,
		RateLimitPerMinute:     60,
	}
	mc := internal.MessageConfig{
		TTL:                30 * time.Second,
		RateLimitPerMinute: 60,
	}
	b := &testBroker{}
	for _, opt := range opts {
		opt(&rc, &mc)
	}

	logger := testLogger()
	validator := internal.NewValidator(nil)
	b.registry = internal.NewRegistry(rc, validator, nil, logger)
	b.messages = internal.NewMessageManager(mc, b.registry, validator, nil, logger)
	t.Cleanup(b.messages.Stop)
	return b
}

// join 直接透過 Registry 加入，回傳分配的名稱
func (b *testBroker) join(t *testing.T, name, topic string) (string, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport(name + "@test")
	result, err := b.registry.Join(context.Background(), name, topic, transport, "test")
	require.NoError(t, err)
	return result.Username, transport
}
