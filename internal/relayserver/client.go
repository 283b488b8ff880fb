package relayserver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// client 一个websocket连接及其发送队列
// 所有数据帧由 writePump 写出，控制帧可以并发写
type client struct {
	id     string
	conn   *websocket.Conn
	config *Config

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	connectedAt time.Time
	received    atomic.Uint64
	sent        atomic.Uint64
	dropped     atomic.Uint64
}

func newClient(id string, conn *websocket.Conn, config *Config) *client {
	return &client{
		id:          id,
		conn:        conn,
		config:      config,
		send:        make(chan []byte, config.SendBuffer),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
}

// enqueue 把帧放入发送队列，队列满或连接已关闭时返回false
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// close 发送关闭帧并断开连接，可重复调用
func (c *client) close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		c.conn.Close()
	})
}

// writePump 串行写出发送队列，并定时ping
func (c *client) writePump() {
	var tick <-chan time.Time
	if c.config.PingInterval > 0 {
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.close("Write failed")
				return
			}
			c.sent.Add(1)
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout)); err != nil {
				c.close("Ping failed")
				return
			}
		}
	}
}
