package services

import (
	"net/http"
	"sync"
	"time"

	"homecam-bridge/backend/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	HandshakeTimeout: 30 * time.Second,
}

// Connection wraps one WebSocket leg (browser or edge-gateway). Writes are
// serialized through the mutex so handlers and sweeps can send concurrently.
type Connection struct {
	id         string
	clientType string
	userID     string
	deviceID   string

	mu sync.Mutex
	ws *websocket.Conn
}

func newConnection(ws *websocket.Conn, clientType, userID string) *Connection {
	return &Connection{
		id:         uuid.NewString(),
		clientType: clientType,
		userID:     userID,
		ws:         ws,
	}
}

func (c *Connection) ID() string         { return c.id }
func (c *Connection) ClientType() string { return c.clientType }
func (c *Connection) UserID() string     { return c.userID }
func (c *Connection) DeviceID() string   { return c.deviceID }

func (c *Connection) Send(env models.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return websocket.ErrCloseSent
	}
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(env)
}

// IsAlive probes the socket with a protocol-level ping. A write failure
// means the peer is gone; the offline sweep acts on that.
func (c *Connection) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return false
	}
	err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(2*time.Second))
	return err == nil
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return nil
	}
	err := c.ws.Close()
	c.ws = nil
	return err
}
