package internal_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-topic-chat/internal"
	apperrors "github.com/koopa0/system-design/14-topic-chat/pkg/errors"
)

func TestRegistry_Join(t *testing.T) {
	tests := []struct {
		name      string
		rawName   string
		rawTopic  string
		wantName  string
		wantTopic string
		wantErr   error
	}{
		{name: "canonicalizes", rawName: "Alice", rawTopic: "General", wantName: "alice", wantTopic: "general"},
		{name: "keeps underscores", rawName: "bob_1", rawTopic: "room_2", wantName: "bob_1", wantTopic: "room_2"},
		{name: "invalid username", rawName: "bad name", rawTopic: "general", wantErr: apperrors.ErrInvalidUsername},
		{name: "invalid topic", rawName: "alice", rawTopic: "no-dash", wantErr: apperrors.ErrInvalidTopic},
		{name: "reserved topic", rawName: "alice", rawTopic: "admin", wantErr: apperrors.ErrInvalidTopic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBroker(t)
			result, err := b.registry.Join(context.Background(), tt.rawName, tt.rawTopic, newFakeTransport("x"), "test")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, b.registry.ListTopics())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, result.Username)
			assert.Equal(t, tt.wantTopic, result.Topic)

			conn, ok := b.registry.Lookup(result.Username, result.Topic)
			require.True(t, ok)
			assert.Equal(t, "test", conn.Origin)
			assert.Equal(t, 0, conn.MessageCount())
		})
	}
}

func TestRegistry_JoinSuffixesDuplicateNames(t *testing.T) {
	b := newTestBroker(t)

	first, _ := b.join(t, "alice", "general")
	second, _ := b.join(t, "alice", "general")
	third, _ := b.join(t, "ALICE", "general")

	assert.Equal(t, "alice", first)
	assert.Equal(t, "alice#1", second)
	assert.Equal(t, "alice#2", third)

	// 釋放的最小後綴會被重新使用
	require.True(t, b.registry.Leave(context.Background(), "alice#1", "general"))
	again, _ := b.join(t, "alice", "general")
	assert.Equal(t, "alice#1", again)

	// 不同主題互不影響
	other, _ := b.join(t, "alice", "sports")
	assert.Equal(t, "alice", other)
}

func TestRegistry_ConcurrentSameNameJoins(t *testing.T) {
	b := newTestBroker(t)

	const n = 20
	names := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := b.registry.Join(context.Background(), "alice", "general", newFakeTransport("x"), "test")
			assert.NoError(t, err)
			names[i] = result.Username
		}(i)
	}
	wg.Wait()

	want := []string{"alice"}
	for i := 1; i < n; i++ {
		want = append(want, fmt.Sprintf("alice#%d", i))
	}
	sort.Strings(want)
	sort.Strings(names)
	assert.Equal(t, want, names)
	assert.Len(t, b.registry.MembersOf("general"), n)
}

func TestRegistry_TopicLimit(t *testing.T) {
	b := newTestBroker(t, withLimits(1000, 100))

	for i := 0; i < 1000; i++ {
		b.join(t, "user", fmt.Sprintf("topic%d", i))
	}

	_, err := b.registry.Join(context.Background(), "user", "onemore", newFakeTransport("x"), "test")
	assert.ErrorIs(t, err, apperrors.ErrTopicLimit)
	assert.True(t, apperrors.IsQuotaExceeded(err))

	// 既有主題仍然可以加入
	name, _ := b.join(t, "user", "topic0")
	assert.Equal(t, "user#1", name)

	assert.Equal(t, 1000, b.registry.Stats().TotalTopics)
}

func TestRegistry_TopicFull(t *testing.T) {
	b := newTestBroker(t, withLimits(10, 3))

	for i := 0; i < 3; i++ {
		b.join(t, fmt.Sprintf("user%d", i), "general")
	}

	_, err := b.registry.Join(context.Background(), "late", "general", newFakeTransport("x"), "test")
	require.ErrorIs(t, err, apperrors.ErrTopicFull)
	assert.Equal(t, "Topic is full, please try another", apperrors.ClientMessage(err))
	assert.Len(t, b.registry.MembersOf("general"), 3)

	// 有人離開後可以加入
	b.registry.Leave(context.Background(), "user0", "general")
	_, err = b.registry.Join(context.Background(), "late", "general", newFakeTransport("x"), "test")
	assert.NoError(t, err)
}

func TestRegistry_Leave(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	b.join(t, "alice", "general")
	b.join(t, "bob", "general")

	assert.True(t, b.registry.Leave(ctx, "alice", "general"))
	assert.False(t, b.registry.Leave(ctx, "alice", "general"), "second leave is a no-op")
	assert.False(t, b.registry.Leave(ctx, "ghost", "nowhere"))

	topics := b.registry.ListTopics()
	require.Len(t, topics, 1)
	assert.Equal(t, 1, topics[0].UserCount)

	// 最後一位離開，主題消失
	assert.True(t, b.registry.Leave(ctx, "bob", "general"))
	assert.Empty(t, b.registry.ListTopics())
	_, ok := b.registry.Lookup("bob", "general")
	assert.False(t, ok)
}

func TestRegistry_MembersOfIsSnapshot(t *testing.T) {
	b := newTestBroker(t)
	b.join(t, "alice", "general")
	b.join(t, "bob", "general")

	snapshot := b.registry.MembersOf("general")
	require.Len(t, snapshot, 2)

	b.join(t, "carol", "general")
	b.registry.Leave(context.Background(), "alice", "general")

	assert.Len(t, snapshot, 2)
	assert.Len(t, b.registry.MembersOf("general"), 2)
	assert.Empty(t, b.registry.MembersOf("missing"))
}

func TestRegistry_ListTopicsSorted(t *testing.T) {
	b := newTestBroker(t)
	b.join(t, "a", "zeta")
	b.join(t, "b", "alpha")
	b.join(t, "c", "mid")
	b.join(t, "d", "alpha")

	topics := b.registry.ListTopics()
	require.Len(t, topics, 3)
	assert.Equal(t, "alpha", topics[0].Topic)
	assert.Equal(t, 2, topics[0].UserCount)
	assert.Equal(t, "mid", topics[1].Topic)
	assert.Equal(t, "zeta", topics[2].Topic)
}

func TestRegistry_RateLimit(t *testing.T) {
	clock := newFakeClock()
	b := newTestBroker(t, withClock(clock))
	name, _ := b.join(t, "alice", "general")

	for i := 0; i < 60; i++ {
		require.NoError(t, b.registry.AllowSend(name, "general"), "send %d", i+1)
		require.NoError(t, b.registry.RecordSend(name, "general"), "send %d", i+1)
	}

	// 第 61 則被拒絕，且不修改狀態
	assert.ErrorIs(t, b.registry.AllowSend(name, "general"), apperrors.ErrRateLimited)
	assert.ErrorIs(t, b.registry.RecordSend(name, "general"), apperrors.ErrRateLimited)
	conn, _ := b.registry.Lookup(name, "general")
	assert.Equal(t, 60, conn.MessageCount())

	// 視窗內仍被拒絕
	clock.Advance(59 * time.Second)
	assert.ErrorIs(t, b.registry.AllowSend(name, "general"), apperrors.ErrRateLimited)

	// 滿 60 秒後重置為 (1, now)
	clock.Advance(time.Second)
	require.NoError(t, b.registry.AllowSend(name, "general"))
	require.NoError(t, b.registry.RecordSend(name, "general"))
	conn, _ = b.registry.Lookup(name, "general")
	assert.Equal(t, 1, conn.MessageCount())
	assert.Equal(t, clock.Now(), conn.WindowStart())

	topics := b.registry.ListTopics()
	require.Len(t, topics, 1)
	assert.Equal(t, 61, topics[0].MessageCount)
}

func TestRegistry_RateLimitUnknownConnection(t *testing.T) {
	b := newTestBroker(t)

	err := b.registry.AllowSend("ghost", "general")
	assert.True(t, apperrors.IsNotFound(err))
	err = b.registry.RecordSend("ghost", "general")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRegistry_SweepIdle(t *testing.T) {
	clock := newFakeClock()
	b := newTestBroker(t, withClock(clock))

	_, oldTransport := b.join(t, "old", "general")
	clock.Advance(200 * time.Second)
	_, newTransport := b.join(t, "fresh", "general")
	_, loneTransport := b.join(t, "lone", "quiet")
	clock.Advance(150 * time.Second)

	removed := b.registry.SweepIdle(context.Background(), 300*time.Second)
	assert.Equal(t, 1, removed)

	_, ok := b.registry.Lookup("old", "general")
	assert.False(t, ok)
	assert.True(t, oldTransport.isClosed())
	code, reason := oldTransport.closeInfo()
	assert.Equal(t, internal.CloseGoingAway, code)
	assert.Equal(t, "connection timeout", reason)

	assert.False(t, newTransport.isClosed())
	assert.False(t, loneTransport.isClosed())

	// 逾時移除後 Leave 為 no-op
	assert.False(t, b.registry.Leave(context.Background(), "old", "general"))

	// 整個主題都逾時則主題一併刪除
	clock.Advance(300 * time.Second)
	assert.Equal(t, 2, b.registry.SweepIdle(context.Background(), 300*time.Second))
	assert.Empty(t, b.registry.ListTopics())
	assert.Equal(t, 0, b.registry.SweepIdle(context.Background(), 300*time.Second))
}

func TestRegistry_CloseAllAndStats(t *testing.T) {
	b := newTestBroker(t, withLimits(5, 7))
	_, t1 := b.join(t, "alice", "general")
	_, t2 := b.join(t, "bob", "sports")

	stats := b.registry.Stats()
	assert.Equal(t, internal.RegistryStats{
		TotalClients:           2,
		TotalTopics:            2,
		MaxTopics:              5,
		MaxConnectionsPerTopic: 7,
	}, stats)

	b.registry.CloseAll(internal.CloseGoingAway, "server shutdown")
	assert.True(t, t1.isClosed())
	assert.True(t, t2.isClosed())

	// CloseAll 只關閉傳輸層，成員由 Session 收尾時移除
	assert.Equal(t, 2, b.registry.Stats().TotalClients)
}

func TestRegistry_JoinHookRunsBeforeMemberVisible(t *testing.T) {
	b := newTestBroker(t)
	b.join(t, "bob", "general")

	var hookResult internal.JoinResult
	snapshot := make(chan int, 1)
	transport := newFakeTransport("alice@test")

	result, err := b.registry.Join(context.Background(), "alice", "general", transport, "test", func(res internal.JoinResult) {
		hookResult = res
		go func() { snapshot <- len(b.registry.MembersOf("general")) }()

		// hook 執行期間快照必須等待
		select {
		case n := <-snapshot:
			t.Errorf("snapshot taken while join hook was running (%d members)", n)
		case <-time.After(50 * time.Millisecond):
		}
	})
	require.NoError(t, err)
	assert.Equal(t, result, hookResult)

	select {
	case n := <-snapshot:
		assert.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("snapshot never completed")
	}
}

func TestRegistry_JoinHookSkippedOnRejection(t *testing.T) {
	b := newTestBroker(t, withLimits(10, 1))
	b.join(t, "bob", "general")

	called := false
	_, err := b.registry.Join(context.Background(), "alice", "general", newFakeTransport("x"), "test", func(internal.JoinResult) {
		called = true
	})
	require.ErrorIs(t, err, apperrors.ErrTopicFull)
	assert.False(t, called)
}
