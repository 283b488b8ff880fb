package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/types/known/structpb"

	"ScreenRelay/internal/protocol"
)

// State 通道连接状态
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// ErrNoEndpoint 未指定服务器地址
var ErrNoEndpoint = errors.New("relay endpoint is empty")

// Handler 事件处理器
type Handler func(payload *structpb.Value)

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState State)

// Config 通道配置
type Config struct {
	URL               string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	PongWait          time.Duration
	WriteTimeout      time.Duration
	ReconnectInterval time.Duration
	MaxReconnectTries int
	EnableCompression bool
	UserAgent         string
	ReadLimit         int64
}

// DefaultConfig 返回默认配置
func DefaultConfig(url string) *Config {
	return &Config{
		URL:               url,
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 25 * time.Second,
		PongWait:          60 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReconnectInterval: time.Second,
		MaxReconnectTries: 5,
		EnableCompression: true,
		UserAgent:         "ScreenRelay/1.0",
		ReadLimit:         protocol.MaxFrameSize,
	}
}

// link 一条活动连接
type link struct {
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

type handlerEntry struct {
	id uint64
	fn Handler
}

type stateEntry struct {
	id uint64
	fn StateChangeHandler
}

// Channel 可重连的websocket事件通道
// 同一时刻最多一条活动连接；单个读goroutine按到达顺序分发事件
//
// 状态变化处理器同步调用，处理器内不能调用 Connect / Disconnect / EnsureConnection
type Channel struct {
	config *Config
	dialer *websocket.Dialer
	state  atomic.Int32

	// lifecycleMu 串行化连接建立、断开和重连接管
	lifecycleMu     sync.Mutex
	reconnectCancel context.CancelFunc

	mu       sync.RWMutex
	link     *link
	endpoint string

	writeMu sync.Mutex // 专用于WebSocket写入同步

	handlersMu    sync.RWMutex
	handlers      map[string][]handlerEntry
	stateHandlers []stateEntry
	nextID        uint64

	sent       atomic.Uint64
	received   atomic.Uint64
	dropped    atomic.Uint64
	badFrames  atomic.Uint64
	reconnects atomic.Int32
}

// New 创建通道
func New(config *Config) *Channel {
	if config == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout
	dialer.EnableCompression = config.EnableCompression

	return &Channel{
		config:   config,
		dialer:   &dialer,
		handlers: make(map[string][]handlerEntry),
		endpoint: config.URL,
	}
}

// State 当前连接状态
func (c *Channel) State() State {
	return State(c.state.Load())
}

// IsConnected 是否已连接
func (c *Channel) IsConnected() bool {
	return c.State() == StateConnected
}

// Endpoint 最近一次连接的地址
func (c *Channel) Endpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint
}

// Connect 建立连接，已有连接或进行中的重连会先被拆除
// endpoint 为空时使用配置中的地址
func (c *Channel) Connect(ctx context.Context, endpoint string) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if endpoint == "" {
		endpoint = c.Endpoint()
	}
	if endpoint == "" {
		return ErrNoEndpoint
	}

	c.cancelReconnect()
	c.teardown()

	c.setState(StateConnecting)
	l, err := c.dial(ctx, endpoint)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("connect failed: %w", err)
	}

	c.attach(l, endpoint)
	log.Printf("Relay channel connected: %s", endpoint)
	return nil
}

// Disconnect 断开连接并停止重连，可重复调用
func (c *Channel) Disconnect() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.cancelReconnect()
	if c.teardown() {
		log.Printf("Relay channel disconnected")
	}
	c.setState(StateDisconnected)
}

// EnsureConnection 未连接时重新连接，返回当前是否已连接
func (c *Channel) EnsureConnection(ctx context.Context) bool {
	if c.IsConnected() {
		return true
	}
	if err := c.Connect(ctx, ""); err != nil {
		log.Printf("Ensure connection failed: %v", err)
	}
	return c.IsConnected()
}

// Emit 发送事件，未连接时丢弃并记录，不排队
// 返回消息是否已写入连接
func (c *Channel) Emit(event string, payload interface{}) bool {
	if c.State() != StateConnected {
		c.dropped.Add(1)
		log.Printf("Emit %s dropped: channel %s", event, c.State())
		return false
	}

	raw, err := protocol.EncodeMessage(event, payload)
	if err != nil {
		c.dropped.Add(1)
		log.Printf("Emit %s failed: %v", event, err)
		return false
	}

	c.mu.RLock()
	l := c.link
	c.mu.RUnlock()
	if l == nil {
		c.dropped.Add(1)
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	l.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := l.conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		c.dropped.Add(1)
		log.Printf("Emit %s failed: %v", event, err)
		return false
	}

	c.sent.Add(1)
	return true
}

// On 订阅事件，返回取消订阅的函数；同一事件的多个处理器依次调用
func (c *Channel) On(event string, h Handler) func() {
	c.handlersMu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: id, fn: h})
	c.handlersMu.Unlock()

	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()

		entries := c.handlers[event]
		for i, e := range entries {
			if e.id == id {
				c.handlers[event] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
		if len(c.handlers[event]) == 0 {
			delete(c.handlers, event)
		}
	}
}

// Off 移除事件的全部处理器
func (c *Channel) Off(event string) {
	c.handlersMu.Lock()
	delete(c.handlers, event)
	c.handlersMu.Unlock()
}

// OnStateChange 订阅状态变化，返回取消订阅的函数
func (c *Channel) OnStateChange(h StateChangeHandler) func() {
	c.handlersMu.Lock()
	c.nextID++
	id := c.nextID
	c.stateHandlers = append(c.stateHandlers, stateEntry{id: id, fn: h})
	c.handlersMu.Unlock()

	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		for i, e := range c.stateHandlers {
			if e.id == id {
				c.stateHandlers = append(c.stateHandlers[:i:i], c.stateHandlers[i+1:]...)
				return
			}
		}
	}
}

// dial 建立websocket连接
func (c *Channel) dial(ctx context.Context, endpoint string) (*link, error) {
	headers := http.Header{
		"User-Agent": []string{c.config.UserAgent},
	}

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial failed: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	if c.config.ReadLimit > 0 {
		conn.SetReadLimit(c.config.ReadLimit)
	}

	return &link{conn: conn, done: make(chan struct{})}, nil
}

// attach 接管新连接，调用方持有 lifecycleMu
func (c *Channel) attach(l *link, endpoint string) {
	c.mu.Lock()
	c.link = l
	c.endpoint = endpoint
	c.mu.Unlock()

	c.setState(StateConnected)

	go c.readLoop(l)
	go c.heartbeatLoop(l)
}

// teardown 关闭当前连接，调用方持有 lifecycleMu
func (c *Channel) teardown() bool {
	c.mu.Lock()
	l := c.link
	c.link = nil
	c.mu.Unlock()

	if l == nil {
		return false
	}

	c.writeMu.Lock()
	l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	l.close()
	return true
}

func (c *Channel) cancelReconnect() {
	if c.reconnectCancel != nil {
		c.reconnectCancel()
		c.reconnectCancel = nil
	}
}

// readLoop 消息读取循环，事件按到达顺序在本goroutine中分发
func (c *Channel) readLoop(l *link) {
	pongWait := c.config.PongWait
	if pongWait > 0 {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		l.conn.SetPongHandler(func(string) error {
			return l.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		messageType, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			log.Printf("Read message failed: %v", err)
			c.handleLinkLost(l)
			return
		}

		if pongWait > 0 {
			l.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			c.badFrames.Add(1)
			log.Printf("Decode message failed: %v", err)
			continue
		}

		c.received.Add(1)
		c.dispatch(msg)
	}
}

func (c *Channel) dispatch(msg protocol.Message) {
	c.handlersMu.RLock()
	entries := c.handlers[msg.Event]
	handlers := make([]Handler, len(entries))
	for i, e := range entries {
		handlers[i] = e.fn
	}
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		h(msg.Payload)
	}
}

// heartbeatLoop 定时发送ping，对端的pong刷新读超时
func (c *Channel) heartbeatLoop(l *link) {
	if c.config.HeartbeatInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				log.Printf("Send heartbeat failed: %v", err)
				return
			}
		}
	}
}

// handleLinkLost 连接意外断开，启动有限次数的固定间隔重连
func (c *Channel) handleLinkLost(l *link) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	endpoint := c.endpoint
	c.mu.Unlock()
	l.close()

	if c.config.MaxReconnectTries <= 0 {
		c.setState(StateDisconnected)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.reconnectCancel = cancel
	c.setState(StateReconnecting)

	go c.reconnect(ctx, endpoint)
}

// reconnect 重连循环
func (c *Channel) reconnect(ctx context.Context, endpoint string) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.config.ReconnectInterval), uint64(c.config.MaxReconnectTries)),
		ctx,
	)

	attempt := 0
	var l *link
	err := backoff.Retry(func() error {
		attempt++
		log.Printf("Reconnecting... (attempt %d/%d)", attempt, c.config.MaxReconnectTries+1)

		dialCtx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
		defer cancel()

		nl, err := c.dial(dialCtx, endpoint)
		if err != nil {
			return err
		}
		l = nl
		return nil
	}, policy)

	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if ctx.Err() != nil {
		// 已被 Connect / Disconnect 接管
		if l != nil {
			l.close()
		}
		return
	}
	c.reconnectCancel = nil

	if err != nil {
		log.Printf("Reconnect failed: %v", err)
		c.setState(StateDisconnected)
		return
	}

	c.reconnects.Add(1)
	log.Printf("Reconnected successfully")
	c.attach(l, endpoint)
}

// setState 设置状态并通知订阅者
func (c *Channel) setState(newState State) {
	oldState := State(c.state.Swap(int32(newState)))
	if oldState == newState {
		return
	}

	c.handlersMu.RLock()
	handlers := make([]StateChangeHandler, len(c.stateHandlers))
	for i, e := range c.stateHandlers {
		handlers[i] = e.fn
	}
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		h(oldState, newState)
	}
}

// BadFrames 无法解码而被丢弃的消息数
func (c *Channel) BadFrames() uint64 {
	return c.badFrames.Load()
}

// GetStats 获取通道统计信息
func (c *Channel) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"state":      c.State().String(),
		"endpoint":   c.Endpoint(),
		"sent":       c.sent.Load(),
		"received":   c.received.Load(),
		"dropped":    c.dropped.Load(),
		"bad_frames": c.badFrames.Load(),
		"reconnects": c.reconnects.Load(),
	}
}
