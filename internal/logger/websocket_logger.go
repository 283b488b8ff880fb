package logger

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// LogMessage 日志消息结构
type LogMessage struct {
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	Module       string    `json:"module"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// WebSocketLogger 把中继事件广播给运维端的日志订阅者
type WebSocketLogger struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan LogMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stop       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewWebSocketLogger 创建新的WebSocket日志器
func NewWebSocketLogger() *WebSocketLogger {
	return &WebSocketLogger{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan LogMessage, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stop:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源
			},
		},
	}
}

// Run 启动广播循环，直到 Stop 被调用
func (wsl *WebSocketLogger) Run() {
	for {
		select {
		case <-wsl.stop:
			wsl.mu.Lock()
			for client := range wsl.clients {
				client.Close()
				delete(wsl.clients, client)
			}
			wsl.mu.Unlock()
			return

		case client := <-wsl.register:
			wsl.mu.Lock()
			wsl.clients[client] = true
			count := len(wsl.clients)
			wsl.mu.Unlock()
			log.Printf("Log stream client connected, total: %d", count)

		case client := <-wsl.unregister:
			wsl.mu.Lock()
			if _, ok := wsl.clients[client]; ok {
				delete(wsl.clients, client)
				client.Close()
			}
			count := len(wsl.clients)
			wsl.mu.Unlock()
			log.Printf("Log stream client disconnected, total: %d", count)

		case message := <-wsl.broadcast:
			wsl.mu.Lock()
			for client := range wsl.clients {
				client.SetWriteDeadline(time.Now().Add(time.Second))
				if err := client.WriteJSON(message); err != nil {
					log.Printf("Send log message failed: %v", err)
					delete(wsl.clients, client)
					client.Close()
				}
			}
			wsl.mu.Unlock()
		}
	}
}

// Stop 停止广播并断开所有订阅者
func (wsl *WebSocketLogger) Stop() {
	wsl.stopOnce.Do(func() { close(wsl.stop) })
}

// ClientCount 当前订阅者数量
func (wsl *WebSocketLogger) ClientCount() int {
	wsl.mu.RLock()
	defer wsl.mu.RUnlock()
	return len(wsl.clients)
}

func (wsl *WebSocketLogger) publish(level, module, connID, message string) {
	if connID != "" {
		log.Printf("[%s] %s (%s): %s", level, module, connID, message)
	} else {
		log.Printf("[%s] %s: %s", level, module, message)
	}

	select {
	case wsl.broadcast <- LogMessage{
		Level:        level,
		Message:      message,
		Module:       module,
		ConnectionID: connID,
		Timestamp:    time.Now(),
	}:
	default:
		// 通道满了，丢弃消息避免阻塞
	}
}

// LogInfo 记录信息日志
func (wsl *WebSocketLogger) LogInfo(module, connID, format string, args ...interface{}) {
	wsl.publish("INFO", module, connID, fmt.Sprintf(format, args...))
}

// LogWarning 记录警告日志
func (wsl *WebSocketLogger) LogWarning(module, connID, format string, args ...interface{}) {
	wsl.publish("WARNING", module, connID, fmt.Sprintf(format, args...))
}

// LogError 记录错误日志
func (wsl *WebSocketLogger) LogError(module, connID, format string, args ...interface{}) {
	wsl.publish("ERROR", module, connID, fmt.Sprintf(format, args...))
}

// HandleWebSocket 处理日志订阅连接
func (wsl *WebSocketLogger) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Log stream upgrade failed: %v", err)
		return
	}

	// 先发欢迎消息，之后所有写入都由 Run 完成
	conn.WriteJSON(LogMessage{
		Level:     "INFO",
		Message:   "connected to relay log stream",
		Module:    "logstream",
		Timestamp: time.Now(),
	})

	select {
	case wsl.register <- conn:
	case <-wsl.stop:
		conn.Close()
		return
	}

	defer func() {
		select {
		case wsl.unregister <- conn:
		case <-wsl.stop:
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Log stream connection error: %v", err)
			}
			return
		}
	}
}
