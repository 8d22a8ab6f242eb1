package service

import (
	"encoding/json"
	"errors"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"geochat_backend/pkg/logger"
	"geochat_backend/pkg/monitoring"
	"geochat_backend/pkg/security"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	shardCount     = 32
	sendBuffer     = 64
)

// 下行帧类型
const (
	FrameSnapshot = "snapshot"
	FrameStatus   = "status"
	FrameError    = "error"
	FrameNearby   = "nearby"
	FrameSent     = "sent"
)

var ErrClientClosed = errors.New("websocket client closed")

// Frame is one server to client message.
type Frame struct {
	Type  string      `json:"type"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// InboundFrame is one client to server message.
type InboundFrame struct {
	Type      string   `json:"type"`
	Content   string   `json:"content,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	MaxKm     float64  `json:"max_km,omitempty"`
}

type Client struct {
	hub    *LiveHub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	UserID string
}

// Push queues f for the writer. A client that cannot keep up is closed
// rather than allowed to stall the view that feeds it.
func (c *Client) Push(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		c.hub.log.Warn("slow websocket client dropped", zap.String("userId", c.UserID))
		c.Close()
		return ErrClientClosed
	}
}

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.unregister(c)
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.Close()
	}()
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// ReadLoop decodes inbound frames and hands them to handle until the
// connection goes away. It blocks; the client is closed on return.
func (c *Client) ReadLoop(handle func(InboundFrame)) {
	defer c.Close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket unexpected close", zap.Error(err), zap.String("userId", c.UserID))
			}
			return
		}
		var in InboundFrame
		if err := json.Unmarshal(message, &in); err != nil {
			c.Push(Frame{Type: FrameError, Error: "malformed frame"})
			continue
		}
		handle(in)
	}
}

type shard struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

// LiveHub tracks the websocket clients of this instance. Delivery is driven
// by each client's own live view; the hub owns connection lifecycle.
type LiveHub struct {
	shards   [shardCount]*shard
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewLiveHub(allowedOrigins []string) *LiveHub {
	h := &LiveHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     security.CheckOrigin(allowedOrigins),
		},
		log: logger.Named("hub"),
	}
	for i := 0; i < shardCount; i++ {
		h.shards[i] = &shard{clients: make(map[string]map[*Client]struct{})}
	}
	return h
}

func (h *LiveHub) getShard(userID string) *shard {
	f := fnv.New32a()
	f.Write([]byte(userID))
	return h.shards[f.Sum32()%shardCount]
}

// Serve upgrades the request and registers the client. On error the
// upgrader has already answered the request.
func (h *LiveHub) Serve(w http.ResponseWriter, r *http.Request, userID string) (*Client, error) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err), zap.String("userId", userID))
		return nil, err
	}
	c := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		UserID: userID,
	}
	s := h.getShard(userID)
	s.mu.Lock()
	set, ok := s.clients[userID]
	if !ok {
		set = make(map[*Client]struct{})
		s.clients[userID] = set
	}
	set[c] = struct{}{}
	s.mu.Unlock()
	monitoring.SocketClients.Inc()

	go c.writePump()
	return c, nil
}

func (h *LiveHub) unregister(c *Client) {
	s := h.getShard(c.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.clients[c.UserID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(s.clients, c.UserID)
	}
	monitoring.SocketClients.Dec()
}

// Count returns the number of open clients.
func (h *LiveHub) Count() int {
	n := 0
	for _, s := range h.shards {
		s.mu.RLock()
		for _, set := range s.clients {
			n += len(set)
		}
		s.mu.RUnlock()
	}
	return n
}

// Shutdown closes every client. Handlers blocked in ReadLoop return and tear
// down their views.
func (h *LiveHub) Shutdown() {
	var all []*Client
	for _, s := range h.shards {
		s.mu.RLock()
		for _, set := range s.clients {
			for c := range set {
				all = append(all, c)
			}
		}
		s.mu.RUnlock()
	}
	for _, c := range all {
		c.Close()
	}
	h.log.Info("live hub stopped", zap.Int("closedConnections", len(all)))
}
