// Package relayserver 中继服务器：登记参与者并把学生的画面和音频转发给所有管理端
package relayserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"ScreenRelay/internal/grpcserver"
	"ScreenRelay/internal/logger"
	"ScreenRelay/internal/protocol"
	"ScreenRelay/internal/registry"
)

// Config 中继服务器配置
type Config struct {
	Addr              string
	MaxConnections    int           // <=0 不限制
	ReadLimit         int64         // 单条消息上限
	WriteTimeout      time.Duration // 单次写超时
	PongWait          time.Duration // 读超时，收到客户端ping时刷新
	PingInterval      time.Duration // 服务器主动ping间隔，0 表示不发送
	SendBuffer        int           // 每个连接的发送队列长度
	EnableCompression bool
	GRPCHealthAddr    string // 为空不启动gRPC健康检查
}

// DefaultConfig 返回默认配置
func DefaultConfig(addr string) *Config {
	return &Config{
		Addr:              addr,
		MaxConnections:    1000,
		ReadLimit:         protocol.MaxFrameSize,
		WriteTimeout:      10 * time.Second,
		PongWait:          60 * time.Second,
		PingInterval:      30 * time.Second,
		SendBuffer:        64,
		EnableCompression: true,
	}
}

var ErrAlreadyRunning = errors.New("server is already running")

// Server 中继服务器
type Server struct {
	config     *Config
	registry   *registry.Registry
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	logs       *logger.WebSocketLogger
	health     *grpcserver.HealthServer

	listener net.Listener

	// clients 连接id -> *client
	clients sync.Map
	connWg  sync.WaitGroup

	// membershipMu 串行化注册表变更和成员通知的入队顺序
	membershipMu sync.Mutex

	isRunning atomic.Bool
	startTime time.Time

	totalMessages atomic.Uint64
	relayed       atomic.Uint64
	dropped       atomic.Uint64
	rejected      atomic.Uint64
	oversized     atomic.Uint64
}

// New 创建中继服务器
func New(config *Config) *Server {
	if config == nil {
		config = DefaultConfig(":8080")
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}

	s := &Server{
		config:   config,
		registry: registry.New(config.MaxConnections),
		router:   mux.NewRouter(),
		logs:     logger.NewWebSocketLogger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			EnableCompression: config.EnableCompression,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有源
			},
		},
		startTime: time.Now(),
	}
	if config.GRPCHealthAddr != "" {
		s.health = grpcserver.NewHealthServer()
	}

	s.setupRoutes()
	s.httpServer = &http.Server{
		Handler:     s.handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Registry 返回服务器使用的注册表
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Start 开始监听，Addr 可以使用 :0 随机端口
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	lis, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.isRunning.Store(false)
		return fmt.Errorf("listen %s failed: %w", s.config.Addr, err)
	}
	s.listener = lis

	if s.health != nil {
		if err := s.health.Start(s.config.GRPCHealthAddr); err != nil {
			lis.Close()
			s.isRunning.Store(false)
			return err
		}
		s.health.SetServing(true)
	}

	go s.logs.Run()
	go func() {
		if err := s.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Printf("Relay server error: %v", err)
		}
	}()

	log.Printf("Relay server listening on %s", lis.Addr())
	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// URL 客户端使用的websocket地址
func (s *Server) URL() string {
	return "ws://" + s.Addr() + "/ws"
}

// HealthAddr gRPC健康检查地址，未启用时为空
func (s *Server) HealthAddr() string {
	if s.health == nil {
		return ""
	}
	return s.health.Addr()
}

// Shutdown 关闭所有连接并停止服务
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	log.Printf("Shutting down relay server...")

	if s.health != nil {
		s.health.SetServing(false)
	}

	err := s.httpServer.Shutdown(ctx)

	s.clients.Range(func(key, value interface{}) bool {
		value.(*client).close("Server shutdown")
		return true
	})
	s.connWg.Wait()

	s.logs.Stop()
	if s.health != nil {
		s.health.Stop(ctx)
	}
	return err
}

// ForceDisconnectAll 强制断开所有连接
func (s *Server) ForceDisconnectAll() {
	log.Printf("Force disconnecting all connections")
	s.clients.Range(func(key, value interface{}) bool {
		value.(*client).close("Force disconnect")
		return true
	})
}

// handleWebSocket 处理客户端websocket连接
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.isRunning.Load() {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	connID, err := s.registry.Open()
	if err != nil {
		s.rejected.Add(1)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.registry.Close(connID)
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := newClient(connID, wsConn, s.config)
	s.clients.Store(connID, c)
	s.connWg.Add(2)

	s.logs.LogInfo("relay", connID, "connection opened from %s", r.RemoteAddr)

	go func() {
		defer s.connWg.Done()
		c.writePump()
	}()

	s.readPump(c)
}

// readPump 读取客户端事件，同一连接的事件在本goroutine中按顺序处理
func (s *Server) readPump(c *client) {
	defer func() {
		c.close("Connection ended")
		s.clients.Delete(c.id)
		s.leave(c.id)
		s.connWg.Done()
	}()

	if s.config.ReadLimit > 0 {
		c.conn.SetReadLimit(s.config.ReadLimit)
	}
	s.extendReadDeadline(c)
	c.conn.SetPingHandler(func(data string) error {
		s.extendReadDeadline(c)
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.config.WriteTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	c.conn.SetPongHandler(func(string) error {
		s.extendReadDeadline(c)
		return nil
	})

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("Connection %s read error: %v", c.id, err)
			}
			return
		}
		s.extendReadDeadline(c)

		c.received.Add(1)
		s.totalMessages.Add(1)

		if messageType != websocket.BinaryMessage {
			s.sendError(c, codeBadFrame, "binary frames only")
			continue
		}

		msg, err := protocol.DecodeMessage(raw)
		if err != nil {
			s.sendError(c, codeBadFrame, err.Error())
			continue
		}

		s.route(c, msg)
	}
}

func (s *Server) extendReadDeadline(c *client) {
	if s.config.PongWait > 0 {
		c.conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	}
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() map[string]interface{} {
	stats := s.registry.Stats()
	return map[string]interface{}{
		"running":             s.isRunning.Load(),
		"uptime_seconds":      time.Since(s.startTime).Seconds(),
		"current_connections": stats.Connections,
		"total_connections":   stats.TotalOpened,
		"students":            stats.Students,
		"admins":              stats.Admins,
		"total_messages":      s.totalMessages.Load(),
		"relayed_messages":    s.relayed.Load(),
		"dropped_messages":    s.dropped.Load(),
		"rejected":            s.rejected.Load(),
		"oversized_messages":  s.oversized.Load(),
		"log_subscribers":     s.logs.ClientCount(),
	}
}
