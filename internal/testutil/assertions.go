package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ScreenRelay/internal/protocol"
)

// TestAssertions 测试断言工具
type TestAssertions struct {
	t *testing.T
}

// NewTestAssertions 创建测试断言工具
func NewTestAssertions(t *testing.T) *TestAssertions {
	return &TestAssertions{t: t}
}

// AssertConnected 断言客户端已连接
func (ta *TestAssertions) AssertConnected(client *TestClient) {
	ta.t.Helper()
	assert.True(ta.t, client.IsConnected(), "Client should be connected")
}

// AssertNoEvent 断言在等待时间内没有收到事件
func (ta *TestAssertions) AssertNoEvent(client *TestClient, event string, wait time.Duration) {
	ta.t.Helper()
	time.Sleep(wait)
	assert.Empty(ta.t, client.Events(event), "Unexpected %s events", event)
}

// AssertScreenSequence 断言 student-screen 事件的序列号按连接严格递增
func (ta *TestAssertions) AssertScreenSequence(client *TestClient) {
	ta.t.Helper()

	last := make(map[string]uint64)
	for _, e := range client.Events(protocol.EventStudentScreen) {
		p, err := protocol.ParseStudentScreen(e.Payload)
		require.NoError(ta.t, err)
		assert.Greater(ta.t, p.Seq, last[p.ConnectionID],
			"Sequence not increasing for %s", p.ConnectionID)
		last[p.ConnectionID] = p.Seq
	}
}

// AssertErrorCode 断言收到带指定错误码的 error 事件
func (ta *TestAssertions) AssertErrorCode(client *TestClient, code string) {
	ta.t.Helper()

	events := client.MustWaitForEvents(protocol.EventError, 1)
	for _, e := range events {
		p, err := protocol.ParseError(e.Payload)
		require.NoError(ta.t, err)
		if p.Code == code {
			return
		}
	}
	ta.t.Errorf("No error event with code %q among %d errors", code, len(events))
}
