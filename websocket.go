package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"roomchat/domain"
	"roomchat/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

var (
	errClientClosed  = errors.New("connection closed")
	errSendQueueFull = errors.New("send queue full")
	errRateLimited   = errors.New("too many messages, slow down")
)

type WSManager struct {
	engine   *protocol.Engine
	cfg      *Config
	upgrader websocket.Upgrader
	clients  map[*WSClient]bool
	closing  bool
	mutex    sync.RWMutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// WSClient is one upgraded connection. It is the domain.Connection the
// engine addresses notifications to.
type WSClient struct {
	id        string
	conn      *websocket.Conn
	principal *domain.Principal
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
	manager   *WSManager
}

var _ domain.Connection = (*WSClient)(nil)

func NewWSManager(engine *protocol.Engine, cfg *Config) *WSManager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &WSManager{
		engine:  engine,
		cfg:     cfg,
		clients: make(map[*WSClient]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     m.checkOrigin,
	}
	return m
}

func (m *WSManager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if originAllowed(m.cfg.AllowedOrigins, origin) {
		return true
	}
	slog.Warn("rejected websocket origin", "origin", origin)
	return false
}

func (m *WSManager) HandleConnection(w http.ResponseWriter, r *http.Request, principal *domain.Principal) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "username", principal.Username, "error", err)
		return
	}

	client := &WSClient{
		id:        uuid.NewString(),
		conn:      conn,
		principal: principal,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		limiter:   rate.NewLimiter(rate.Limit(m.cfg.RateLimit.PerSecond), m.cfg.RateLimit.Burst),
		manager:   m,
	}

	if !m.register(client) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (m *WSManager) register(client *WSClient) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closing {
		return false
	}
	m.clients[client] = true
	m.wg.Add(2)
	slog.Info("client connected", "clientId", client.id, "username", client.principal.Username)
	return true
}

func (m *WSManager) unregister(client *WSClient) {
	m.mutex.Lock()
	delete(m.clients, client)
	m.mutex.Unlock()
	slog.Info("client disconnected", "clientId", client.id, "username", client.principal.Username)
}

func (m *WSManager) ClientCount() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.clients)
}

// Shutdown closes every client and waits for their pumps to finish or for
// ctx to expire. New connections are refused from the first call on.
func (m *WSManager) Shutdown(ctx context.Context) error {
	m.mutex.Lock()
	m.closing = true
	clients := make([]*WSClient, 0, len(m.clients))
	for client := range m.clients {
		clients = append(clients, client)
	}
	m.mutex.Unlock()

	for _, client := range clients {
		client.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	defer m.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *WSClient) ID() string {
	return c.id
}

// Send queues data without blocking. A full queue means the peer is not
// keeping up and the caller should drop it.
func (c *WSClient) Send(data []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return errSendQueueFull
	}
}

func (c *WSClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *WSClient) readPump() {
	m := c.manager
	defer func() {
		m.engine.Apply(context.Background(), protocol.Event{
			Kind:      protocol.KindDisconnect,
			Conn:      c,
			Principal: c.principal,
		})
		m.unregister(c)
		c.Close()
		m.wg.Done()
	}()

	c.conn.SetReadLimit(m.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	m.engine.Apply(m.ctx, protocol.Event{Kind: protocol.KindConnect, Conn: c, Principal: c.principal})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "clientId", c.id, "error", err)
			}
			return
		}

		if !c.limiter.Allow() {
			m.engine.Reject(c, errRateLimited)
			continue
		}

		ev, err := protocol.Decode(messageBytes, c, c.principal)
		if err != nil {
			slog.Debug("rejected client frame", "clientId", c.id, "error", err)
			m.engine.Reject(c, err)
			continue
		}

		if _, err := m.engine.Apply(m.ctx, ev); err != nil {
			slog.Debug("event not applied", "clientId", c.id, "event", ev.Kind.String(), "error", err)
		}
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.manager.wg.Done()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
