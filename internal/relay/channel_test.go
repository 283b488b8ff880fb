package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"ScreenRelay/internal/protocol"
)

// echoServer 把收到的 screen-data 作为 student-screen 原样返回
type echoServer struct {
	*httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
	dials atomic.Int32
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()

	s := &echoServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.dials.Add(1)
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.DecodeMessage(data)
			if err != nil {
				continue
			}
			blob, err := protocol.ParseBlob(msg.Payload)
			if err != nil {
				continue
			}
			raw, _ := protocol.EncodeMessage(protocol.EventStudentScreen, protocol.StudentScreenPayload{
				ConnectionID: "echo",
				Data:         blob,
			})
			s.mu.Lock()
			conn.WriteMessage(websocket.BinaryMessage, raw)
			s.mu.Unlock()
		}
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *echoServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

// dropAll 断开所有连接，模拟网络中断
func (s *echoServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func testChannelConfig(url string) *Config {
	cfg := DefaultConfig(url)
	cfg.ReconnectInterval = 20 * time.Millisecond
	cfg.MaxReconnectTries = 3
	cfg.HandshakeTimeout = time.Second
	return cfg
}

// TestEmitWhileDisconnected 测试未连接时发送
func TestEmitWhileDisconnected(t *testing.T) {
	ch := New(testChannelConfig("ws://127.0.0.1:1/ws"))

	assert.NotPanics(t, func() {
		assert.False(t, ch.Emit(protocol.EventScreenData, "frame"))
	})
	assert.Equal(t, StateDisconnected, ch.State())
	assert.Equal(t, uint64(1), ch.GetStats()["dropped"])

	// 断开未连接的通道没有副作用
	ch.Disconnect()
	ch.Disconnect()
	assert.Equal(t, StateDisconnected, ch.State())
}

// TestEmitInOrder 测试连接后按顺序送达
func TestEmitInOrder(t *testing.T) {
	server := newEchoServer(t)
	ch := New(testChannelConfig(server.wsURL()))
	defer ch.Disconnect()

	var mu sync.Mutex
	var got []string
	ch.On(protocol.EventStudentScreen, func(v *structpb.Value) {
		p, err := protocol.ParseStudentScreen(v)
		assert.NoError(t, err)
		mu.Lock()
		got = append(got, p.Data)
		mu.Unlock()
	})

	// 连接前发送的事件被丢弃
	ch.Emit(protocol.EventScreenData, "lost")

	require.NoError(t, ch.Connect(context.Background(), ""))
	assert.True(t, ch.IsConnected())

	want := []string{"F1", "F2", "F3", "F4", "F5"}
	for _, f := range want {
		require.True(t, ch.Emit(protocol.EventScreenData, f))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, want, got)
	mu.Unlock()
}

// TestHandlersAdditive 测试多个处理器与取消订阅
func TestHandlersAdditive(t *testing.T) {
	server := newEchoServer(t)
	ch := New(testChannelConfig(server.wsURL()))
	defer ch.Disconnect()

	var a, b atomic.Int32
	offA := ch.On(protocol.EventStudentScreen, func(*structpb.Value) { a.Add(1) })
	ch.On(protocol.EventStudentScreen, func(*structpb.Value) { b.Add(1) })

	require.NoError(t, ch.Connect(context.Background(), ""))
	ch.Emit(protocol.EventScreenData, "x")
	require.Eventually(t, func() bool { return a.Load() == 1 && b.Load() == 1 }, time.Second, 5*time.Millisecond)

	offA()
	ch.Emit(protocol.EventScreenData, "y")
	require.Eventually(t, func() bool { return b.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), a.Load())

	ch.Off(protocol.EventStudentScreen)
	ch.Emit(protocol.EventScreenData, "z")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), b.Load())
}

// TestStateTransitions 测试状态变化通知
func TestStateTransitions(t *testing.T) {
	server := newEchoServer(t)
	ch := New(testChannelConfig(server.wsURL()))

	var mu sync.Mutex
	var states []State
	ch.OnStateChange(func(_, newState State) {
		mu.Lock()
		states = append(states, newState)
		mu.Unlock()
	})

	require.NoError(t, ch.Connect(context.Background(), ""))
	ch.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, states)
}

// TestReconnectAfterDrop 测试意外断开后自动重连
func TestReconnectAfterDrop(t *testing.T) {
	server := newEchoServer(t)
	ch := New(testChannelConfig(server.wsURL()))
	defer ch.Disconnect()

	var connected atomic.Int32
	ch.OnStateChange(func(_, newState State) {
		if newState == StateConnected {
			connected.Add(1)
		}
	})

	require.NoError(t, ch.Connect(context.Background(), ""))
	server.dropAll()

	require.Eventually(t, func() bool { return connected.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, ch.IsConnected())
	assert.Equal(t, int32(1), ch.GetStats()["reconnects"])
	require.Eventually(t, func() bool { return server.dials.Load() == 2 }, time.Second, 5*time.Millisecond)
}

// TestReconnectGivesUp 测试重连次数用尽后停在断开状态
func TestReconnectGivesUp(t *testing.T) {
	server := newEchoServer(t)
	ch := New(testChannelConfig(server.wsURL()))
	defer ch.Disconnect()

	require.NoError(t, ch.Connect(context.Background(), ""))
	server.Close()
	server.dropAll()

	require.Eventually(t, func() bool { return ch.State() == StateDisconnected }, 3*time.Second, 10*time.Millisecond)

	assert.False(t, ch.EnsureConnection(context.Background()))
}

// TestConnectReplacesLink 测试重复连接只保留一条连接
func TestConnectReplacesLink(t *testing.T) {
	server := newEchoServer(t)
	ch := New(testChannelConfig(server.wsURL()))
	defer ch.Disconnect()

	require.NoError(t, ch.Connect(context.Background(), ""))
	require.NoError(t, ch.Connect(context.Background(), server.wsURL()))
	assert.True(t, ch.EnsureConnection(context.Background()))
	require.Eventually(t, func() bool { return server.dials.Load() == 2 }, time.Second, 5*time.Millisecond)

	var n atomic.Int32
	ch.On(protocol.EventStudentScreen, func(*structpb.Value) { n.Add(1) })
	ch.Emit(protocol.EventScreenData, "once")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), n.Load())
}

// TestConnectFailure 测试连接失败
func TestConnectFailure(t *testing.T) {
	ch := New(testChannelConfig(""))
	assert.ErrorIs(t, ch.Connect(context.Background(), ""), ErrNoEndpoint)

	ch = New(testChannelConfig("ws://127.0.0.1:1/ws"))
	assert.Error(t, ch.Connect(context.Background(), ""))
	assert.Equal(t, StateDisconnected, ch.State())
}

// TestCheckEndpoint 测试健康探测
func TestCheckEndpoint(t *testing.T) {
	server := newEchoServer(t)
	assert.NoError(t, CheckEndpoint(context.Background(), server.wsURL()))

	u, err := HealthURL("wss://relay.example.com/ws?token=1")
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.com/health", u)

	_, err = HealthURL("ftp://x")
	assert.Error(t, err)

	server.Close()
	assert.Error(t, CheckEndpoint(context.Background(), server.wsURL()))
}

// newBadFrameServer 连接后先发送无法解码的帧，再发送一帧正常画面
func newBadFrameServer(t *testing.T) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.BinaryMessage, []byte{0xFF, 0xFF})
		conn.WriteMessage(websocket.BinaryMessage, []byte{0x0B, 0xBA, 0, 0, 0, 2, 0xFF, 0xFF})
		raw, _ := protocol.EncodeMessage(protocol.EventStudentScreen, protocol.StudentScreenPayload{ConnectionID: "c1", Data: "F1"})
		conn.WriteMessage(websocket.BinaryMessage, raw)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

// TestBadFramesCounted 测试无法解码的帧被丢弃并计数，连接保持
func TestBadFramesCounted(t *testing.T) {
	server := newBadFrameServer(t)
	ch := New(testChannelConfig("ws" + strings.TrimPrefix(server.URL, "http") + "/ws"))
	defer ch.Disconnect()

	got := make(chan string, 1)
	ch.On(protocol.EventStudentScreen, func(v *structpb.Value) {
		p, err := protocol.ParseStudentScreen(v)
		if assert.NoError(t, err) {
			got <- p.Data
		}
	})
	require.NoError(t, ch.Connect(context.Background(), ""))

	select {
	case data := <-got:
		assert.Equal(t, "F1", data)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for screen")
	}
	assert.Equal(t, uint64(2), ch.BadFrames())
	assert.Equal(t, uint64(2), ch.GetStats()["bad_frames"])
	assert.True(t, ch.IsConnected())
}
