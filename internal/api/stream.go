package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/betbot/stakepilot/internal/domain"
	"github.com/betbot/stakepilot/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	clientSendSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message 推送消息
type Message struct {
	Type string      `json:"type"` // advice / report
	Data interface{} `json:"data"`
}

type streamClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub 建议推送：广播不阻塞，慢客户端直接丢消息
type Hub struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	closed  bool
}

// NewHub 创建推送中心
func NewHub() *Hub {
	return &Hub{clients: make(map[*streamClient]struct{})}
}

// Clients 当前连接数
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishAdvice 推送一条建议
func (h *Hub) PublishAdvice(adv domain.Advice) {
	h.Broadcast(Message{Type: "advice", Data: adv})
}

// Broadcast 推送给所有客户端
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("推送消息编码失败: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Debug("客户端发送队列已满，丢弃消息")
		}
	}
}

// Close 断开所有客户端
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
		metrics.StreamClients.Add(-1)
	}
}

func (h *Hub) register(c *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.StreamClients.Add(1)
	return true
}

func (h *Hub) unregister(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		metrics.StreamClients.Add(-1)
	}
}

// ServeWS 升级为 websocket 并开始推送
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("websocket 升级失败: %v", err)
		return
	}
	client := &streamClient{hub: h, conn: conn, send: make(chan []byte, clientSendSize)}
	if !h.register(client) {
		_ = conn.Close()
		return
	}
	log.Debugf("推送客户端已连接: %s", c.ClientIP())

	go client.writePump()
	go client.readPump()
}

// readPump 只处理控制帧，用于发现断线
func (c *streamClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("推送客户端读取错误: %v", err)
			}
			return
		}
	}
}

func (c *streamClient) writePump() {
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
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
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
