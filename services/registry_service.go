package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"homecam-bridge/backend/models"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConnectionHandle is the registry's view of a live gateway socket. The
// broker's connection wrapper implements it; tests substitute fakes.
type ConnectionHandle interface {
	ID() string
	IsAlive() bool
	Send(env models.Envelope) error
	Close() error
}

const offlineSweepInterval = 30 * time.Second

// DeviceRegistry tracks which gateways are online, for which user, with
// which capabilities and current session load. The in-memory tables are the
// source of truth for presence; Postgres and Redis, when configured, are
// best-effort durable mirrors.
type DeviceRegistry struct {
	mu      sync.RWMutex
	devices map[string]*models.Device
	conns   map[string]ConnectionHandle // deviceId -> live socket

	db    *gorm.DB
	redis *redis.Client

	stopSweep chan struct{}
	sweepOnce sync.Once
}

func NewDeviceRegistry(db *gorm.DB, redisURL string) *DeviceRegistry {
	r := &DeviceRegistry{
		devices:   make(map[string]*models.Device),
		conns:     make(map[string]ConnectionHandle),
		db:        db,
		stopSweep: make(chan struct{}),
	}

	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Printf("[Registry] invalid REDIS_URL, running in-memory only: %v", err)
		} else {
			r.redis = redis.NewClient(opts)
		}
	} else {
		log.Println("[Registry] REDIS_URL not set, device state is in-memory only")
	}

	go r.sweepOffline()

	return r
}

// Close stops the background offline sweep.
func (r *DeviceRegistry) Close() {
	r.sweepOnce.Do(func() { close(r.stopSweep) })
}

// Register upserts a device record and, when conn is non-nil, attaches the
// live socket and flips the device online. Re-registration of a known
// device keeps its session count.
func (r *DeviceRegistry) Register(dev *models.Device, conn ConnectionHandle) {
	r.mu.Lock()
	existing, known := r.devices[dev.DeviceID]
	if known {
		existing.UserID = dev.UserID
		existing.IPAddress = dev.IPAddress
		if dev.Location != nil {
			existing.Location = dev.Location
		}
		if dev.Capabilities != nil {
			existing.Capabilities = dev.Capabilities
		}
		if len(dev.Cameras) > 0 {
			existing.Cameras = dev.Cameras
		}
		dev = existing
	} else {
		if dev.Capabilities == nil {
			dev.Capabilities = make(map[string]string)
		}
		r.devices[dev.DeviceID] = dev
	}

	dev.Status = models.DeviceOnline
	dev.LastSeen = time.Now()
	if conn != nil {
		dev.ConnectionID = conn.ID()
		r.conns[dev.DeviceID] = conn
	}
	snapshot := *dev
	r.mu.Unlock()

	r.persist(&snapshot)
	log.Printf("[Registry] device %s registered for user %s (known=%v)", snapshot.DeviceID, snapshot.UserID, known)
}

// Unregister soft-deletes a device: the record stays, status goes offline.
// The caller must own the device.
func (r *DeviceRegistry) Unregister(userID, deviceID string) error {
	r.mu.Lock()
	dev, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("device %s not found", deviceID)
	}
	if dev.UserID != userID {
		r.mu.Unlock()
		return fmt.Errorf("device %s is not owned by user %s", deviceID, userID)
	}
	dev.Status = models.DeviceOffline
	dev.ConnectionID = ""
	delete(r.conns, deviceID)
	snapshot := *dev
	r.mu.Unlock()

	r.persist(&snapshot)
	return nil
}

// MarkOffline flips a device offline and drops its socket handle. The
// durable record is kept.
func (r *DeviceRegistry) MarkOffline(deviceID string) {
	r.mu.Lock()
	dev, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return
	}
	dev.Status = models.DeviceOffline
	dev.ConnectionID = ""
	delete(r.conns, deviceID)
	snapshot := *dev
	r.mu.Unlock()

	r.persist(&snapshot)
	log.Printf("[Registry] device %s marked offline", deviceID)
}

// MarkOfflineIfCurrent is MarkOffline guarded by connection identity: a
// teardown racing a reconnect must not take down the fresh socket that
// already replaced it.
func (r *DeviceRegistry) MarkOfflineIfCurrent(deviceID, connID string) {
	r.mu.Lock()
	dev, ok := r.devices[deviceID]
	if !ok || dev.ConnectionID != connID {
		r.mu.Unlock()
		return
	}
	dev.Status = models.DeviceOffline
	dev.ConnectionID = ""
	delete(r.conns, deviceID)
	snapshot := *dev
	r.mu.Unlock()

	r.persist(&snapshot)
	log.Printf("[Registry] device %s marked offline", deviceID)
}

// Touch refreshes lastSeen, e.g. on a tunnel ping.
func (r *DeviceRegistry) Touch(deviceID string) {
	r.mu.Lock()
	if dev, ok := r.devices[deviceID]; ok {
		dev.LastSeen = time.Now()
	}
	r.mu.Unlock()
}

// UpsertCamera records a camera announced by a gateway and folds its
// abilities into the device capability set.
func (r *DeviceRegistry) UpsertCamera(deviceID string, cam models.Camera) {
	r.mu.Lock()
	dev, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return
	}

	replaced := false
	for i := range dev.Cameras {
		if dev.Cameras[i].ID == cam.ID {
			dev.Cameras[i] = cam
			replaced = true
			break
		}
	}
	if !replaced {
		dev.Cameras = append(dev.Cameras, cam)
	}

	if dev.Capabilities == nil {
		dev.Capabilities = make(map[string]string)
	}
	dev.Capabilities["video"] = "true"
	if cam.HasPTZ {
		dev.Capabilities["ptz"] = "true"
	}
	dev.LastSeen = time.Now()
	snapshot := *dev
	r.mu.Unlock()

	r.persist(&snapshot)
}

// Device returns a copy of the record, if known.
func (r *DeviceRegistry) Device(deviceID string) (models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[deviceID]
	if !ok {
		return models.Device{}, false
	}
	return *dev, true
}

// DevicesForUser returns copies of every device owned by the user.
func (r *DeviceRegistry) DevicesForUser(userID string) []models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Device, 0)
	for _, dev := range r.devices {
		if dev.UserID == userID {
			out = append(out, *dev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Connection returns the live socket for a device, if any.
func (r *DeviceRegistry) Connection(deviceID string) ConnectionHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[deviceID]
}

// DeviceForCamera finds the user's device that announced the given camera.
func (r *DeviceRegistry) DeviceForCamera(userID, cameraID string) (models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, dev := range r.devices {
		if dev.UserID != userID {
			continue
		}
		for _, cam := range dev.Cameras {
			if cam.ID == cameraID {
				return *dev, true
			}
		}
	}
	return models.Device{}, false
}

// GetAvailableDevice returns the least-loaded online device of the user
// that has a live socket and satisfies every requirement. A nil result is
// the normal "no device" outcome, not an error.
func (r *DeviceRegistry) GetAvailableDevice(userID string, req models.DeviceRequirements) *models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *models.Device
	for id, dev := range r.devices {
		if dev.UserID != userID || dev.Status != models.DeviceOnline {
			continue
		}
		if _, hasConn := r.conns[id]; !hasConn {
			continue
		}
		if !capabilitiesSatisfied(dev.Capabilities, req.Capabilities) {
			continue
		}
		if req.Location != nil && req.Location.MaxDistance > 0 {
			if dev.Location == nil {
				continue
			}
			dist := haversineKm(req.Location.Latitude, req.Location.Longitude,
				dev.Location.Latitude, dev.Location.Longitude)
			if dist > req.Location.MaxDistance {
				continue
			}
		}
		if best == nil || dev.SessionCount < best.SessionCount {
			best = dev
		}
	}

	if best == nil {
		return nil
	}
	snapshot := *best
	return &snapshot
}

// IncrementSessionCount bumps the open-session counter for a device.
func (r *DeviceRegistry) IncrementSessionCount(deviceID string) {
	r.mu.Lock()
	dev, ok := r.devices[deviceID]
	if ok {
		dev.SessionCount++
	}
	var snapshot models.Device
	if ok {
		snapshot = *dev
	}
	r.mu.Unlock()
	if ok {
		r.persist(&snapshot)
	}
}

// DecrementSessionCount lowers the counter, never below zero.
func (r *DeviceRegistry) DecrementSessionCount(deviceID string) {
	r.mu.Lock()
	dev, ok := r.devices[deviceID]
	if ok && dev.SessionCount > 0 {
		dev.SessionCount--
	}
	var snapshot models.Device
	if ok {
		snapshot = *dev
	}
	r.mu.Unlock()
	if ok {
		r.persist(&snapshot)
	}
}

// Counts reports online devices and total known devices.
func (r *DeviceRegistry) Counts() (online int, total int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, dev := range r.devices {
		total++
		if dev.Status == models.DeviceOnline {
			online++
		}
	}
	return online, total
}

func (r *DeviceRegistry) sweepOffline() {
	ticker := time.NewTicker(offlineSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.checkLiveness()
		}
	}
}

func (r *DeviceRegistry) checkLiveness() {
	r.mu.RLock()
	handles := make(map[string]ConnectionHandle, len(r.conns))
	for id, conn := range r.conns {
		handles[id] = conn
	}
	r.mu.RUnlock()

	// Liveness probes do socket I/O, so they run outside the lock. The
	// conditional offline guards against a reconnect landing mid-probe.
	for deviceID, conn := range handles {
		if !conn.IsAlive() {
			log.Printf("[Registry] device %s failed liveness check", deviceID)
			r.MarkOfflineIfCurrent(deviceID, conn.ID())
		}
	}
}

func (r *DeviceRegistry) persist(dev *models.Device) {
	if r.db != nil {
		if err := r.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(dev).Error; err != nil {
			log.Printf("[Registry] failed to persist device %s: %v", dev.DeviceID, err)
		}
	}
	if r.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		raw, err := json.Marshal(dev)
		if err != nil {
			return
		}
		if err := r.redis.Set(ctx, "device:"+dev.DeviceID, raw, 0).Err(); err != nil {
			log.Printf("[Registry] redis mirror failed for %s: %v", dev.DeviceID, err)
		}
	}
}

func capabilitiesSatisfied(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// haversineKm is the great-circle distance between two WGS84 points.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
