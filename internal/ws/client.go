package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 1 << 20
	sendBufferSize = 64
)

// Client 是一个已加入房间的 WebSocket 连接。send 只会被 close 关闭一次，
// 关闭后的 enqueue 直接返回 false。
type Client struct {
	conn     *websocket.Conn
	streamID string
	userID   *string
	send     chan []byte

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, streamID string, userID *string) *Client {
	return &Client{
		conn:     conn,
		streamID: streamID,
		userID:   userID,
		send:     make(chan []byte, sendBufferSize),
	}
}

// UserID 返回认证用户 ID，匿名连接为 nil。
func (c *Client) UserID() *string { return c.userID }

// enqueue 非阻塞；队列已满或已关闭都算投递失败。
func (c *Client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump(reg *Registry) {
	defer func() {
		reg.Leave(c.streamID, c)
		c.close()
	}()
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug().Err(err).Str("stream", c.streamID).Msg("ws read closed")
			}
			return
		}
		// 二进制帧按 UTF-8 文本处理，长度校验交给 Broadcast。
		reg.Broadcast(c.streamID, c, string(data))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
