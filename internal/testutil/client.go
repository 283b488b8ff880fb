package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"ScreenRelay/internal/protocol"
	"ScreenRelay/internal/relay"
)

// TestClient 测试客户端包装器，记录收到的事件
type TestClient struct {
	*relay.Channel
	t *testing.T

	mu           sync.RWMutex
	received     []ReceivedEvent
	stateChanges []StateChange
}

// ReceivedEvent 接收到的事件
type ReceivedEvent struct {
	Event     string
	Payload   *structpb.Value
	Timestamp time.Time
}

// StateChange 状态变化
type StateChange struct {
	OldState  relay.State
	NewState  relay.State
	Timestamp time.Time
}

// 服务器会推送的全部事件
var serverEvents = []string{
	protocol.EventStudentsList,
	protocol.EventStudentJoined,
	protocol.EventStudentLeft,
	protocol.EventStudentScreen,
	protocol.EventStudentAudio,
	protocol.EventError,
}

// NewTestClient 创建测试客户端，尚未连接
func NewTestClient(t *testing.T, serverURL string) *TestClient {
	t.Helper()

	cfg := relay.DefaultConfig(serverURL)
	cfg.ReconnectInterval = 20 * time.Millisecond
	cfg.MaxReconnectTries = 0
	cfg.HandshakeTimeout = 2 * time.Second

	tc := &TestClient{Channel: relay.New(cfg), t: t}
	tc.setupHandlers()
	t.Cleanup(tc.Channel.Disconnect)
	return tc
}

func (tc *TestClient) setupHandlers() {
	for _, event := range serverEvents {
		event := event
		tc.Channel.On(event, func(payload *structpb.Value) {
			tc.mu.Lock()
			tc.received = append(tc.received, ReceivedEvent{
				Event:     event,
				Payload:   payload,
				Timestamp: time.Now(),
			})
			tc.mu.Unlock()
		})
	}

	tc.Channel.OnStateChange(func(oldState, newState relay.State) {
		tc.mu.Lock()
		tc.stateChanges = append(tc.stateChanges, StateChange{
			OldState:  oldState,
			NewState:  newState,
			Timestamp: time.Now(),
		})
		tc.mu.Unlock()
	})
}

// ConnectAndRegister 连接并以指定身份注册
func (tc *TestClient) ConnectAndRegister(role protocol.Role, userID, name string) {
	tc.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(tc.t, tc.Connect(ctx, ""), "Failed to connect test client")
	require.True(tc.t, tc.Emit(protocol.EventRegister, protocol.RegisterPayload{
		UserID: userID,
		Role:   role,
		Name:   name,
	}), "Failed to send register")
}

// Events 返回指定事件的全部记录，event 为空返回所有事件
func (tc *TestClient) Events(event string) []ReceivedEvent {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	out := make([]ReceivedEvent, 0, len(tc.received))
	for _, e := range tc.received {
		if event == "" || e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// StateChanges 返回状态变化记录
func (tc *TestClient) StateChanges() []StateChange {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := make([]StateChange, len(tc.stateChanges))
	copy(out, tc.stateChanges)
	return out
}

// Clear 清空已记录的事件
func (tc *TestClient) Clear() {
	tc.mu.Lock()
	tc.received = nil
	tc.mu.Unlock()
}

// WaitForEvents 等待收到指定数量的事件
func (tc *TestClient) WaitForEvents(event string, expectedCount int, timeout time.Duration) ([]ReceivedEvent, error) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if events := tc.Events(event); len(events) >= expectedCount {
			return events, nil
		}
		time.Sleep(10 * time.Millisecond)
	}

	return nil, fmt.Errorf("timeout waiting for %s: expected %d, got %d",
		event, expectedCount, len(tc.Events(event)))
}

// MustWaitForEvents 等待事件，超时直接失败
func (tc *TestClient) MustWaitForEvents(event string, expectedCount int) []ReceivedEvent {
	tc.t.Helper()
	events, err := tc.WaitForEvents(event, expectedCount, 3*time.Second)
	require.NoError(tc.t, err)
	return events
}
