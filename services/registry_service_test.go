package services

import (
	"sync"
	"testing"

	"homecam-bridge/backend/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn stands in for a live websocket leg in tests.
type fakeConn struct {
	id         string
	userID     string
	clientType string
	deviceID   string
	alive      bool
	failSend   bool

	mu   sync.Mutex
	sent []models.Envelope
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, alive: true}
}

func (f *fakeConn) ID() string { return f.id }
func (f *fakeConn) UserID() string { return f.userID }
func (f *fakeConn) ClientType() string { return f.clientType }
func (f *fakeConn) DeviceID() string { return f.deviceID }
func (f *fakeConn) IsAlive() bool { return f.alive }
func (f *fakeConn) Close() error { return nil }

var _ brokerConn = (*fakeConn)(nil)

func (f *fakeConn) Send(env models.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return assert.AnError
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeConn) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, env := range f.sent {
		out[i] = env.Type
	}
	return out
}

func (f *fakeConn) lastOfType(msgType string) (models.Envelope, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Type == msgType {
			return f.sent[i], true
		}
	}
	return models.Envelope{}, false
}

func newTestRegistry(t *testing.T) *DeviceRegistry {
	t.Helper()
	r := NewDeviceRegistry(nil, "")
	t.Cleanup(r.Close)
	return r
}

func TestRegisterKeepsSessionCountOnReconnect(t *testing.T) {
	r := newTestRegistry(t)
	conn := newFakeConn("c1")

	r.Register(&models.Device{DeviceID: "gw-1", UserID: "alice"}, conn)
	r.IncrementSessionCount("gw-1")

	// The gateway reconnects with a fresh socket.
	conn2 := newFakeConn("c2")
	r.Register(&models.Device{DeviceID: "gw-1", UserID: "alice"}, conn2)

	dev, ok := r.Device("gw-1")
	require.True(t, ok)
	assert.Equal(t, 1, dev.SessionCount)
	assert.Equal(t, models.DeviceOnline, dev.Status)
	assert.Equal(t, "c2", dev.ConnectionID)
	assert.Same(t, conn2, r.Connection("gw-1").(*fakeConn))
}

func TestUnregisterChecksOwnership(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&models.Device{DeviceID: "gw-1", UserID: "alice"}, newFakeConn("c1"))

	require.Error(t, r.Unregister("mallory", "gw-1"))

	require.NoError(t, r.Unregister("alice", "gw-1"))
	dev, ok := r.Device("gw-1")
	require.True(t, ok, "unregister is a soft delete")
	assert.Equal(t, models.DeviceOffline, dev.Status)
	assert.Nil(t, r.Connection("gw-1"))
}

func TestGetAvailableDevicePicksLeastLoaded(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&models.Device{DeviceID: "gw-1", UserID: "alice"}, newFakeConn("c1"))
	r.Register(&models.Device{DeviceID: "gw-2", UserID: "alice"}, newFakeConn("c2"))
	r.IncrementSessionCount("gw-1")

	dev := r.GetAvailableDevice("alice", models.DeviceRequirements{})
	require.NotNil(t, dev)
	assert.Equal(t, "gw-2", dev.DeviceID)
}

func TestGetAvailableDeviceSkipsOtherUsersAndOffline(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&models.Device{DeviceID: "gw-1", UserID: "bob"}, newFakeConn("c1"))
	r.Register(&models.Device{DeviceID: "gw-2", UserID: "alice"}, newFakeConn("c2"))
	r.MarkOffline("gw-2")

	assert.Nil(t, r.GetAvailableDevice("alice", models.DeviceRequirements{}))
}

func TestGetAvailableDeviceRequiresLiveConnection(t *testing.T) {
	r := newTestRegistry(t)
	// Registered over REST, never connected a tunnel.
	r.Register(&models.Device{DeviceID: "gw-1", UserID: "alice"}, nil)

	assert.Nil(t, r.GetAvailableDevice("alice", models.DeviceRequirements{}))
}

func TestGetAvailableDeviceFiltersCapabilities(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&models.Device{
		DeviceID:     "gw-1",
		UserID:       "alice",
		Capabilities: map[string]string{"video": "true"},
	}, newFakeConn("c1"))

	req := models.DeviceRequirements{Capabilities: map[string]string{"ptz": "true"}}
	assert.Nil(t, r.GetAvailableDevice("alice", req))

	req = models.DeviceRequirements{Capabilities: map[string]string{"video": "true"}}
	assert.NotNil(t, r.GetAvailableDevice("alice", req))
}

func TestGetAvailableDeviceFiltersByDistance(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&models.Device{
		DeviceID: "gw-oslo",
		UserID:   "alice",
		Location: &models.Location{Latitude: 59.91, Longitude: 10.75},
	}, newFakeConn("c1"))

	near := models.DeviceRequirements{Location: &models.LocationRequirement{
		Latitude: 59.95, Longitude: 10.75, MaxDistance: 50,
	}}
	require.NotNil(t, r.GetAvailableDevice("alice", near))

	far := models.DeviceRequirements{Location: &models.LocationRequirement{
		Latitude: 48.85, Longitude: 2.35, MaxDistance: 100,
	}}
	assert.Nil(t, r.GetAvailableDevice("alice", far))
}

func TestUpsertCameraFoldsCapabilities(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&models.Device{DeviceID: "gw-1", UserID: "alice"}, newFakeConn("c1"))

	r.UpsertCamera("gw-1", models.Camera{ID: "axis-192-168-1-20", IP: "192.168.1.20"})
	dev, _ := r.Device("gw-1")
	assert.Equal(t, "true", dev.Capabilities["video"])
	assert.Empty(t, dev.Capabilities["ptz"])

	r.UpsertCamera("gw-1", models.Camera{ID: "axis-192-168-1-21", IP: "192.168.1.21", HasPTZ: true})
	dev, _ = r.Device("gw-1")
	assert.Equal(t, "true", dev.Capabilities["ptz"])
	assert.Len(t, dev.Cameras, 2)

	// Re-announcing a camera replaces it instead of duplicating.
	r.UpsertCamera("gw-1", models.Camera{ID: "axis-192-168-1-20", IP: "192.168.1.20", Name: "front door"})
	dev, _ = r.Device("gw-1")
	require.Len(t, dev.Cameras, 2)
	assert.Equal(t, "front door", dev.Cameras[0].Name)
}

func TestDeviceForCamera(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&models.Device{DeviceID: "gw-1", UserID: "alice"}, newFakeConn("c1"))
	r.UpsertCamera("gw-1", models.Camera{ID: "axis-192-168-1-20"})

	dev, ok := r.DeviceForCamera("alice", "axis-192-168-1-20")
	require.True(t, ok)
	assert.Equal(t, "gw-1", dev.DeviceID)

	_, ok = r.DeviceForCamera("bob", "axis-192-168-1-20")
	assert.False(t, ok, "camera lookup is scoped to the owner")
}

func TestDecrementSessionCountFloorsAtZero(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&models.Device{DeviceID: "gw-1", UserID: "alice"}, newFakeConn("c1"))

	r.DecrementSessionCount("gw-1")
	r.DecrementSessionCount("gw-1")
	dev, _ := r.Device("gw-1")
	assert.Equal(t, 0, dev.SessionCount)
}

func TestSessionCountBalance(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&models.Device{DeviceID: "gw-1", UserID: "alice"}, newFakeConn("c1"))

	// N creates followed by M <= N ends leave exactly N-M open.
	for i := 0; i < 5; i++ {
		r.IncrementSessionCount("gw-1")
	}
	for i := 0; i < 3; i++ {
		r.DecrementSessionCount("gw-1")
	}
	dev, _ := r.Device("gw-1")
	assert.Equal(t, 2, dev.SessionCount)
}

func TestStaleSocketTeardownKeepsReconnectedDeviceOnline(t *testing.T) {
	r := newTestRegistry(t)
	old := newFakeConn("c1")
	r.Register(&models.Device{DeviceID: "gw-1", UserID: "alice"}, old)
	replacement := newFakeConn("c2")
	r.Register(&models.Device{DeviceID: "gw-1", UserID: "alice"}, replacement)

	// The old socket's read loop exits after the reconnect already landed.
	r.MarkOfflineIfCurrent("gw-1", old.ID())

	dev, ok := r.Device("gw-1")
	require.True(t, ok)
	assert.Equal(t, models.DeviceOnline, dev.Status)
	assert.Same(t, replacement, r.Connection("gw-1").(*fakeConn))
	require.NotNil(t, r.GetAvailableDevice("alice", models.DeviceRequirements{}))

	// When the current socket goes away for real, offline sticks.
	r.MarkOfflineIfCurrent("gw-1", replacement.ID())
	dev, _ = r.Device("gw-1")
	assert.Equal(t, models.DeviceOffline, dev.Status)
	assert.Nil(t, r.Connection("gw-1"))
}

func TestLivenessSweepMarksDeadConnectionsOffline(t *testing.T) {
	r := newTestRegistry(t)
	dead := newFakeConn("c1")
	dead.alive = false
	r.Register(&models.Device{DeviceID: "gw-1", UserID: "alice"}, dead)
	r.Register(&models.Device{DeviceID: "gw-2", UserID: "alice"}, newFakeConn("c2"))

	r.checkLiveness()

	dev, _ := r.Device("gw-1")
	assert.Equal(t, models.DeviceOffline, dev.Status)
	dev, _ = r.Device("gw-2")
	assert.Equal(t, models.DeviceOnline, dev.Status)
}

func TestCounts(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&models.Device{DeviceID: "gw-1", UserID: "alice"}, newFakeConn("c1"))
	r.Register(&models.Device{DeviceID: "gw-2", UserID: "bob"}, newFakeConn("c2"))
	r.MarkOffline("gw-2")

	online, total := r.Counts()
	assert.Equal(t, 1, online)
	assert.Equal(t, 2, total)
}
