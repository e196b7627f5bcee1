package services

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"homecam-bridge/backend/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	sessionSweepInterval = 60 * time.Second
	sessionStaleAfter    = 5 * time.Minute
)

// Sentinel results for device matching; all of these are expected outcomes
// the REST layer translates into normal negative responses.
var (
	ErrNoDevice           = errors.New("no device available")
	ErrDeviceNotConnected = errors.New("device not connected")
	ErrSessionNotFound    = errors.New("session not found")
	ErrTargetUnavailable  = errors.New("target connection not available")
)

// brokerConn is one leg of a session as the dispatch handlers see it.
// *Connection implements it for real sockets; tests substitute fakes.
type brokerConn interface {
	ConnectionHandle
	UserID() string
	ClientType() string
	DeviceID() string
}

type handlerFunc func(conn brokerConn, env models.Envelope)

// SignalingBroker matches browsers to devices, owns the Session table and
// relays WebRTC negotiation between the two WebSocket legs. Messages are
// routed through per-role dispatch tables rather than type switches.
type SignalingBroker struct {
	registry *DeviceRegistry
	db       *gorm.DB

	mu       sync.RWMutex
	sessions map[string]*models.Session
	conns    map[string]ConnectionHandle

	browserHandlers map[string]handlerFunc
	gatewayHandlers map[string]handlerFunc

	startTime time.Time
	stopSweep chan struct{}
	sweepOnce sync.Once
}

func NewSignalingBroker(registry *DeviceRegistry, db *gorm.DB) *SignalingBroker {
	b := &SignalingBroker{
		registry:  registry,
		db:        db,
		sessions:  make(map[string]*models.Session),
		conns:     make(map[string]ConnectionHandle),
		startTime: time.Now(),
		stopSweep: make(chan struct{}),
	}

	b.browserHandlers = map[string]handlerFunc{
		models.MsgRequestDevice:    b.handleRequestDevice,
		models.MsgOffer:            b.relayFromBrowser,
		models.MsgAnswer:           b.relayFromBrowser,
		models.MsgBrowserCandidate: b.relayFromBrowser,
		models.MsgEndSession:       b.handleEndSession,
		models.MsgPing:             b.handleBrowserPing,
	}
	b.gatewayHandlers = map[string]handlerFunc{
		models.MsgCameraStatus: b.handleCameraStatus,
		models.MsgWebRTCAnswer: b.relayFromGateway,
		models.MsgICECandidate: b.relayFromGateway,
		models.MsgPing:         b.handleGatewayPing,
	}

	go b.sweepStaleSessions()

	return b
}

// Close stops the staleness sweep.
func (b *SignalingBroker) Close() {
	b.sweepOnce.Do(func() { close(b.stopSweep) })
}

// HandleBrowserSocket upgrades a viewer connection and pumps its messages
// through the browser dispatch table until the socket dies.
func (b *SignalingBroker) HandleBrowserSocket(c *gin.Context) {
	ws, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Broker] browser upgrade failed: %v", err)
		return
	}

	conn := newConnection(ws, models.ClientBrowser, c.GetString("user_id"))
	b.addConn(conn)
	log.Printf("[Broker] browser %s connected (user %s)", conn.id, conn.userID)

	b.readLoop(conn, b.browserHandlers)

	b.removeConn(conn.id)
	b.endSessionsForConnection(conn.id, "browser disconnected")
	conn.Close()
}

// HandleGatewaySocket upgrades an edge-gateway tunnel. The gateway
// identifies itself with a stable deviceId query parameter so reconnects
// map onto the same Device record.
func (b *SignalingBroker) HandleGatewaySocket(c *gin.Context) {
	deviceID := c.Query("deviceId")
	if deviceID == "" {
		c.JSON(400, gin.H{"error": "deviceId is required"})
		return
	}

	ws, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Broker] gateway upgrade failed: %v", err)
		return
	}

	conn := newConnection(ws, models.ClientGateway, c.GetString("user_id"))
	conn.deviceID = deviceID
	b.addConn(conn)

	b.registry.Register(&models.Device{
		DeviceID:  deviceID,
		UserID:    conn.userID,
		IPAddress: c.ClientIP(),
	}, conn)
	log.Printf("[Broker] gateway %s connected as device %s", conn.id, deviceID)

	b.readLoop(conn, b.gatewayHandlers)

	b.removeConn(conn.id)
	b.endSessionsForConnection(conn.id, "gateway disconnected")
	// A reconnect may have already replaced this socket; only the current
	// connection is allowed to take the device offline.
	b.registry.MarkOfflineIfCurrent(deviceID, conn.id)
	conn.Close()
}

func (b *SignalingBroker) readLoop(conn *Connection, table map[string]handlerFunc) {
	for {
		var env models.Envelope
		conn.mu.Lock()
		ws := conn.ws
		conn.mu.Unlock()
		if ws == nil {
			return
		}
		if err := ws.ReadJSON(&env); err != nil {
			log.Printf("[Broker] %s %s read ended: %v", conn.clientType, conn.id, err)
			return
		}
		b.dispatch(conn, table, env)
	}
}

func (b *SignalingBroker) dispatch(conn brokerConn, table map[string]handlerFunc, env models.Envelope) {
	handler, ok := table[env.Type]
	if !ok {
		// Protocol error: answered, connection stays open.
		conn.Send(models.NewEnvelope(models.MsgError, gin.H{
			"message": "unknown message type: " + env.Type,
		}))
		return
	}
	handler(conn, env)
}

type requestDevicePayload struct {
	CameraID     string                    `json:"cameraId,omitempty"`
	Requirements models.DeviceRequirements `json:"requirements"`
}

func (b *SignalingBroker) handleRequestDevice(conn brokerConn, env models.Envelope) {
	var req requestDevicePayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			conn.Send(models.NewEnvelope(models.MsgError, gin.H{"message": "malformed request-device payload"}))
			return
		}
	}

	sess, err := b.CreateSession(conn.UserID(), conn.ID(), "", req.CameraID, req.Requirements)
	if err == ErrNoDevice {
		conn.Send(models.NewEnvelope(models.MsgNoDeviceAvailable, gin.H{"message": "no device available"}))
		return
	}
	if err == ErrDeviceNotConnected {
		conn.Send(models.NewEnvelope(models.MsgDeviceNotConnected, gin.H{"message": "device not connected"}))
		return
	}
	if err != nil {
		conn.Send(models.NewEnvelope(models.MsgError, gin.H{"message": err.Error()}))
		return
	}

	dev, _ := b.registry.Device(sess.DeviceID)
	conn.Send(models.NewEnvelope(models.MsgDeviceAssigned, gin.H{
		"sessionId": sess.SessionID,
		"deviceId":  sess.DeviceID,
		"cameraId":  sess.CameraID,
		"cameras":   dev.Cameras,
	}))
}

// CreateSession matches the user to a device (an explicit deviceID skips
// matching), creates the Session record and pushes session-request plus
// start_stream down the device tunnel. The browser leg may be empty when
// the session is created over REST.
func (b *SignalingBroker) CreateSession(userID, browserConnID, deviceID, cameraID string, req models.DeviceRequirements) (*models.Session, error) {
	var dev *models.Device
	if deviceID != "" {
		d, ok := b.registry.Device(deviceID)
		if !ok || d.UserID != userID {
			// Foreign devices look exactly like absent ones.
			return nil, ErrNoDevice
		}
		dev = &d
	} else {
		dev = b.registry.GetAvailableDevice(userID, req)
		if dev == nil {
			return nil, ErrNoDevice
		}
	}

	target := b.registry.Connection(dev.DeviceID)
	if target == nil {
		return nil, ErrDeviceNotConnected
	}

	if cameraID == "" && len(dev.Cameras) > 0 {
		cameraID = dev.Cameras[0].ID
	}

	now := time.Now()
	sess := &models.Session{
		SessionID:           uuid.NewString(),
		UserID:              userID,
		DeviceID:            dev.DeviceID,
		CameraID:            cameraID,
		BrowserConnectionID: browserConnID,
		DeviceConnectionID:  target.ID(),
		Status:              models.SessionAssigned,
		CreatedAt:           now,
		LastActivity:        now,
	}

	b.mu.Lock()
	b.sessions[sess.SessionID] = sess
	b.mu.Unlock()
	b.registry.IncrementSessionCount(dev.DeviceID)
	b.persistSession(sess)

	if err := target.Send(models.NewEnvelope(models.MsgSessionRequest, gin.H{
		"sessionId": sess.SessionID,
		"cameraId":  cameraID,
		"userId":    userID,
	})); err != nil {
		log.Printf("[Broker] session-request push failed for %s: %v", sess.SessionID, err)
	}
	if err := target.Send(models.NewEnvelope(models.MsgStartStream, models.StreamControlPayload{
		CameraID:  cameraID,
		SessionID: sess.SessionID,
	})); err != nil {
		log.Printf("[Broker] start_stream push failed for %s: %v", sess.SessionID, err)
	}

	log.Printf("[Broker] session %s assigned to device %s (camera %s)", sess.SessionID, dev.DeviceID, cameraID)
	return sess, nil
}

// Session returns a copy of an active session owned by the user.
func (b *SignalingBroker) Session(userID, sessionID string) (models.Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sess, ok := b.sessions[sessionID]
	if !ok || sess.UserID != userID {
		return models.Session{}, false
	}
	return *sess, true
}

// The tunnel protocol names the same messages differently on the device
// side, so relays translate the envelope type and pass the payload through.
var browserToGatewayType = map[string]string{
	models.MsgOffer:            models.MsgWebRTCOffer,
	models.MsgAnswer:           models.MsgWebRTCAnswer,
	models.MsgBrowserCandidate: models.MsgICECandidate,
}

var gatewayToBrowserType = map[string]string{
	models.MsgWebRTCAnswer: models.MsgAnswer,
	models.MsgICECandidate: models.MsgBrowserCandidate,
}

type relayRef struct {
	SessionID string `json:"sessionId"`
	CameraID  string `json:"cameraId"`
}

func (b *SignalingBroker) relayFromBrowser(conn brokerConn, env models.Envelope) {
	var ref relayRef
	if len(env.Payload) > 0 {
		json.Unmarshal(env.Payload, &ref)
	}

	b.mu.Lock()
	sess, ok := b.sessions[ref.SessionID]
	if !ok || sess.UserID != conn.UserID() {
		b.mu.Unlock()
		conn.Send(models.NewEnvelope(models.MsgError, gin.H{"message": "session not found"}))
		return
	}
	sess.LastActivity = time.Now()
	if env.Type == models.MsgOffer && sess.Status == models.SessionAssigned {
		sess.Status = models.SessionNegotiating
	}
	targetID := sess.DeviceConnectionID
	cameraID := sess.CameraID
	sessionID := sess.SessionID
	b.mu.Unlock()

	if err := b.forward(targetID, browserToGatewayType[env.Type], env.Payload, sessionID, cameraID, models.ClientBrowser); err != nil {
		conn.Send(models.NewEnvelope(models.MsgError, gin.H{"message": ErrTargetUnavailable.Error()}))
	}
}

func (b *SignalingBroker) relayFromGateway(conn brokerConn, env models.Envelope) {
	var ref relayRef
	if len(env.Payload) > 0 {
		json.Unmarshal(env.Payload, &ref)
	}

	b.mu.Lock()
	sess := b.sessions[ref.SessionID]
	if sess != nil && sess.DeviceConnectionID != conn.ID() {
		// Not this gateway's session.
		sess = nil
	}
	if sess == nil {
		// Gateways may omit sessionId and tag by camera instead.
		for _, s := range b.sessions {
			if s.DeviceConnectionID == conn.ID() && s.CameraID == ref.CameraID {
				sess = s
				break
			}
		}
	}
	if sess == nil {
		conn.Send(models.NewEnvelope(models.MsgError, gin.H{"message": "session not found"}))
		b.mu.Unlock()
		return
	}
	sess.LastActivity = time.Now()
	if env.Type == models.MsgWebRTCAnswer && sess.Status == models.SessionNegotiating {
		sess.Status = models.SessionActive
	}
	targetID := sess.BrowserConnectionID
	sessionID := sess.SessionID
	cameraID := sess.CameraID
	b.mu.Unlock()

	if err := b.forward(targetID, gatewayToBrowserType[env.Type], env.Payload, sessionID, cameraID, models.ClientGateway); err != nil {
		conn.Send(models.NewEnvelope(models.MsgError, gin.H{"message": ErrTargetUnavailable.Error()}))
	}
}

// forward re-tags the payload with sessionId/cameraId/from and writes it to
// the target leg. The payload body itself passes through untouched.
func (b *SignalingBroker) forward(targetConnID, msgType string, payload json.RawMessage, sessionID, cameraID, from string) error {
	target := b.connByID(targetConnID)
	if target == nil {
		return ErrTargetUnavailable
	}

	body := make(map[string]interface{})
	if len(payload) > 0 {
		json.Unmarshal(payload, &body)
	}
	body["sessionId"] = sessionID
	if cameraID != "" {
		body["cameraId"] = cameraID
	}
	body["from"] = from

	if err := target.Send(models.NewEnvelope(msgType, body)); err != nil {
		return ErrTargetUnavailable
	}
	return nil
}

// RelayToDevice pushes a signaling message from the REST surface onto the
// session's device leg, as if it came from the browser leg.
func (b *SignalingBroker) RelayToDevice(userID, sessionID, browserType string, payload interface{}) error {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	if !ok || sess.UserID != userID {
		b.mu.Unlock()
		return ErrSessionNotFound
	}
	sess.LastActivity = time.Now()
	if browserType == models.MsgOffer && sess.Status == models.SessionAssigned {
		sess.Status = models.SessionNegotiating
	}
	targetID := sess.DeviceConnectionID
	cameraID := sess.CameraID
	b.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.forward(targetID, browserToGatewayType[browserType], raw, sessionID, cameraID, models.ClientBrowser)
}

// SendPTZ forwards a best-effort PTZ gesture to the gateway that announced
// the camera. No acknowledgement is expected.
func (b *SignalingBroker) SendPTZ(userID, cameraID, action string, speed float64) error {
	dev, ok := b.registry.DeviceForCamera(userID, cameraID)
	if !ok {
		return ErrNoDevice
	}
	target := b.registry.Connection(dev.DeviceID)
	if target == nil {
		return ErrDeviceNotConnected
	}
	return target.Send(models.NewEnvelope(models.MsgPTZCommand, models.PTZPayload{
		CameraID: cameraID,
		Action:   action,
		Speed:    speed,
	}))
}

type endSessionPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

func (b *SignalingBroker) handleEndSession(conn brokerConn, env models.Envelope) {
	var p endSessionPayload
	if len(env.Payload) > 0 {
		json.Unmarshal(env.Payload, &p)
	}
	if p.Reason == "" {
		p.Reason = "ended by client"
	}

	b.mu.RLock()
	sess, ok := b.sessions[p.SessionID]
	owned := ok && sess.UserID == conn.UserID()
	b.mu.RUnlock()
	if !owned {
		conn.Send(models.NewEnvelope(models.MsgError, gin.H{"message": ErrSessionNotFound.Error()}))
		return
	}

	if err := b.EndSession(p.SessionID, p.Reason); err != nil {
		conn.Send(models.NewEnvelope(models.MsgError, gin.H{"message": err.Error()}))
	}
}

// EndSession tears a session down: both legs get session-ended, the device
// additionally gets stop_stream, the device counter is decremented and the
// record leaves the active map (the durable row is kept, marked ended).
func (b *SignalingBroker) EndSession(sessionID, reason string) error {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(b.sessions, sessionID)
	now := time.Now()
	sess.Status = models.SessionEnded
	sess.EndedAt = &now
	sess.EndReason = reason
	snapshot := *sess
	b.mu.Unlock()

	ended := models.NewEnvelope(models.MsgSessionEnded, gin.H{
		"sessionId": snapshot.SessionID,
		"cameraId":  snapshot.CameraID,
		"reason":    reason,
	})
	if browser := b.connByID(snapshot.BrowserConnectionID); browser != nil {
		browser.Send(ended)
	}
	if device := b.connByID(snapshot.DeviceConnectionID); device != nil {
		device.Send(ended)
		device.Send(models.NewEnvelope(models.MsgStopStream, models.StreamControlPayload{
			CameraID:  snapshot.CameraID,
			SessionID: snapshot.SessionID,
		}))
	}

	b.registry.DecrementSessionCount(snapshot.DeviceID)
	b.persistSession(&snapshot)
	log.Printf("[Broker] session %s ended: %s", sessionID, reason)
	return nil
}

func (b *SignalingBroker) handleBrowserPing(conn brokerConn, _ models.Envelope) {
	conn.Send(models.NewEnvelope(models.MsgPong, gin.H{"timestamp": time.Now().UnixMilli()}))
}

func (b *SignalingBroker) handleGatewayPing(conn brokerConn, _ models.Envelope) {
	b.registry.Touch(conn.DeviceID())
}

func (b *SignalingBroker) handleCameraStatus(conn brokerConn, env models.Envelope) {
	var p models.CameraStatusPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		conn.Send(models.NewEnvelope(models.MsgError, gin.H{"message": "malformed camera_status payload"}))
		return
	}
	deviceID := conn.DeviceID()
	if deviceID == "" {
		deviceID = p.DeviceID
	}
	b.registry.UpsertCamera(deviceID, p.Camera)
	b.registry.Touch(deviceID)
	log.Printf("[Broker] camera %s %s on device %s", p.Camera.ID, p.Status, deviceID)
}

func (b *SignalingBroker) endSessionsForConnection(connID, reason string) {
	b.mu.RLock()
	var ids []string
	for id, sess := range b.sessions {
		if sess.BrowserConnectionID == connID || sess.DeviceConnectionID == connID {
			ids = append(ids, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range ids {
		b.EndSession(id, reason)
	}
}

func (b *SignalingBroker) sweepStaleSessions() {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopSweep:
			return
		case <-ticker.C:
			b.EndStaleSessions(time.Now())
		}
	}
}

// EndStaleSessions ends every session idle longer than the staleness
// window, as of the given instant.
func (b *SignalingBroker) EndStaleSessions(now time.Time) {
	b.mu.RLock()
	var stale []string
	for id, sess := range b.sessions {
		if now.Sub(sess.LastActivity) > sessionStaleAfter {
			stale = append(stale, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range stale {
		b.EndSession(id, "session timeout")
	}
}

// ActiveSessionCount reports the size of the active session map.
func (b *SignalingBroker) ActiveSessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Stats summarizes broker state for the status endpoint.
func (b *SignalingBroker) Stats() map[string]interface{} {
	online, total := b.registry.Counts()
	b.mu.RLock()
	sessions := len(b.sessions)
	conns := len(b.conns)
	b.mu.RUnlock()

	return map[string]interface{}{
		"uptimeSeconds":  int(time.Since(b.startTime).Seconds()),
		"devicesOnline":  online,
		"devicesTotal":   total,
		"activeSessions": sessions,
		"connections":    conns,
	}
}

func (b *SignalingBroker) addConn(conn ConnectionHandle) {
	b.mu.Lock()
	b.conns[conn.ID()] = conn
	b.mu.Unlock()
}

func (b *SignalingBroker) removeConn(id string) {
	b.mu.Lock()
	delete(b.conns, id)
	b.mu.Unlock()
}

func (b *SignalingBroker) connByID(id string) ConnectionHandle {
	if id == "" {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conns[id]
}

func (b *SignalingBroker) persistSession(sess *models.Session) {
	if b.db == nil {
		return
	}
	if err := b.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(sess).Error; err != nil {
		log.Printf("[Broker] failed to persist session %s: %v", sess.SessionID, err)
	}
}
