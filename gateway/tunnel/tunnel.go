package tunnel

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"homecam-bridge/backend/models"

	"github.com/gorilla/websocket"
)

const (
	maxReconnectAttempts = 5
	pingInterval         = 30 * time.Second
	handshakeTimeout     = 30 * time.Second
)

// Handler consumes one inbound envelope type from the cloud.
type Handler func(payload json.RawMessage)

// Tunnel holds the single outbound websocket to the cloud broker. All
// cloud traffic for this gateway, signaling and control alike, rides on it.
type Tunnel struct {
	cloudURL  string
	authToken string
	gatewayID string

	mu   sync.Mutex
	conn *websocket.Conn

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	// OnDisconnect runs when an established connection is lost, before any
	// reconnect attempt. The media layer uses it to tear down streams the
	// cloud can no longer control.
	OnDisconnect func()

	// OnReconnect runs after a successful reconnect, before the read loop
	// resumes. The discovery layer uses it to replay camera state.
	OnReconnect func()

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func New(cloudURL, authToken string) *Tunnel {
	return &Tunnel{
		cloudURL:  cloudURL,
		authToken: authToken,
		gatewayID: deriveGatewayID(),
		handlers:  make(map[string]Handler),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (t *Tunnel) GatewayID() string {
	return t.gatewayID
}

// Handle registers the handler for one envelope type. Registration must
// happen before Run; the dispatch table is not resized afterwards.
func (t *Tunnel) Handle(msgType string, h Handler) {
	t.handlersMu.Lock()
	t.handlers[msgType] = h
	t.handlersMu.Unlock()
}

// Run connects and pumps inbound envelopes until Close is called or the
// reconnect attempts run out.
func (t *Tunnel) Run() error {
	defer close(t.done)

	attempt := 0
	for {
		select {
		case <-t.stop:
			return nil
		default:
		}

		if err := t.connect(); err != nil {
			attempt++
			if attempt > maxReconnectAttempts {
				return fmt.Errorf("cloud tunnel: giving up after %d attempts: %w", maxReconnectAttempts, err)
			}
			wait := time.Duration(attempt) * 5 * time.Second
			log.Printf("Tunnel: connect attempt %d failed (%v), retrying in %s", attempt, err, wait)
			select {
			case <-time.After(wait):
			case <-t.stop:
				return nil
			}
			continue
		}

		if attempt > 0 && t.OnReconnect != nil {
			t.OnReconnect()
		}
		attempt = 0

		t.readLoop()

		if t.OnDisconnect != nil {
			t.OnDisconnect()
		}

		select {
		case <-t.stop:
			return nil
		default:
			attempt = 1
			log.Printf("Tunnel: connection to %s lost, reconnecting", t.cloudURL)
		}
	}
}

func (t *Tunnel) connect() error {
	u, err := url.Parse(t.cloudURL)
	if err != nil {
		return fmt.Errorf("parse cloud URL: %w", err)
	}
	q := u.Query()
	q.Set("token", t.authToken)
	q.Set("deviceId", t.gatewayID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	log.Printf("Tunnel: connected to %s as %s", t.cloudURL, t.gatewayID)
	go t.pingLoop(conn)
	return nil
}

func (t *Tunnel) readLoop() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			conn.Close()
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			return
		}

		t.handlersMu.RLock()
		h, ok := t.handlers[env.Type]
		t.handlersMu.RUnlock()
		if !ok {
			log.Printf("Tunnel: no handler for message type %q", env.Type)
			continue
		}
		h(env.Payload)
	}
}

// Send serializes one envelope to the cloud. Concurrent senders share one
// socket, so writes go through the mutex.
func (t *Tunnel) Send(msgType string, payload interface{}) error {
	env := models.NewEnvelope(msgType, payload)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("tunnel not connected")
	}
	t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.conn.WriteJSON(env)
}

func (t *Tunnel) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			if t.conn != conn {
				t.mu.Unlock()
				return
			}
			t.mu.Unlock()
			if err := t.Send(models.MsgPing, map[string]int64{"ts": time.Now().Unix()}); err != nil {
				return
			}
		case <-t.stop:
			return
		}
	}
}

// Close stops reconnect attempts and tears down the socket.
func (t *Tunnel) Close() {
	t.stopOnce.Do(func() {
		close(t.stop)
		t.mu.Lock()
		if t.conn != nil {
			t.conn.Close()
			t.conn = nil
		}
		t.mu.Unlock()
	})
}

// Done is closed once Run has returned.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// deriveGatewayID builds a stable identifier from the hostname and the
// first hardware MAC, so the cloud sees the same device across restarts.
func deriveGatewayID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "gateway"
	}

	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
				continue
			}
			return fmt.Sprintf("gw-%s-%s", host, hex.EncodeToString(iface.HardwareAddr))
		}
	}

	// No usable interface; fall back to a random suffix.
	buf := make([]byte, 4)
	rand.Read(buf)
	return fmt.Sprintf("gw-%s-%s", host, hex.EncodeToString(buf))
}
