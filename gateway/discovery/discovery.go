package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"homecam-bridge/backend/gateway/ptz"
	"homecam-bridge/backend/models"

	"github.com/deepch/vdk/format/rtspv2"
	"github.com/grandcat/zeroconf"
)

const (
	mdnsInterval   = 60 * time.Second
	mdnsBrowseFor  = 5 * time.Second
	scanInterval   = 5 * time.Minute
	tcpProbeWait   = 2 * time.Second
	rtspProbeWait  = 3 * time.Second
	scanConcurrent = 32
)

// mDNS service types Axis cameras are known to advertise under.
var mdnsServices = []string{"_axis-video._tcp", "_rtsp._tcp", "_http._tcp"}

// Sender reports camera presence up the cloud tunnel.
type Sender interface {
	Send(msgType string, payload interface{}) error
	GatewayID() string
}

// Discoverer finds Axis cameras on the local network over mDNS and by
// sweeping the gateway's /24 for live RTSP endpoints. Discovered cameras
// are announced to the cloud and kept in a local map for the media and
// PTZ layers.
type Discoverer struct {
	sender   Sender
	ptz      *ptz.Controller
	username string
	password string

	mu      sync.RWMutex
	cameras map[string]*models.Camera

	stop     chan struct{}
	stopOnce sync.Once
}

func New(sender Sender, ptzCtl *ptz.Controller, username, password string) *Discoverer {
	return &Discoverer{
		sender:   sender,
		ptz:      ptzCtl,
		username: username,
		password: password,
		cameras:  make(map[string]*models.Camera),
		stop:     make(chan struct{}),
	}
}

// Run loops mDNS browsing and subnet sweeps until Close. The first sweep
// of each kind runs immediately so the cloud sees cameras at startup.
func (d *Discoverer) Run() {
	go d.mdnsLoop()
	go d.scanLoop()
}

func (d *Discoverer) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
}

func (d *Discoverer) mdnsLoop() {
	for {
		d.browseMDNS()
		select {
		case <-d.stop:
			return
		case <-time.After(mdnsInterval):
		}
	}
}

func (d *Discoverer) browseMDNS() {
	for _, service := range mdnsServices {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			log.Printf("Discovery: mDNS resolver: %v", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), mdnsBrowseFor)
		entries := make(chan *zeroconf.ServiceEntry)
		go func(svc string) {
			for entry := range entries {
				d.handleMDNSEntry(svc, entry)
			}
		}(service)

		if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
			log.Printf("Discovery: mDNS browse %s: %v", service, err)
			cancel()
			continue
		}
		<-ctx.Done()
		cancel()
	}
}

func (d *Discoverer) handleMDNSEntry(service string, entry *zeroconf.ServiceEntry) {
	// The generic service types pick up anything on the LAN; only the
	// dedicated Axis type is trusted outright.
	if service != "_axis-video._tcp" &&
		!strings.Contains(strings.ToLower(entry.Instance), "axis") {
		return
	}
	if len(entry.AddrIPv4) == 0 {
		return
	}

	ip := entry.AddrIPv4[0].String()
	name := entry.Instance
	if name == "" {
		name = "Axis camera " + ip
	}
	d.addCamera(ip, name, models.StatusDiscovered)
}

func (d *Discoverer) scanLoop() {
	for {
		d.scanSubnet()
		select {
		case <-d.stop:
			return
		case <-time.After(scanInterval):
		}
	}
}

// scanSubnet sweeps the /24 of every local IPv4 interface for hosts
// answering RTSP on 554. A TCP accept alone is not enough; the host must
// also complete an RTSP handshake on the Axis media path before it counts
// as a camera.
func (d *Discoverer) scanSubnet() {
	subnets, err := localSubnets()
	if err != nil {
		log.Printf("Discovery: cannot determine local subnets: %v", err)
		return
	}

	sem := make(chan struct{}, scanConcurrent)
	var wg sync.WaitGroup
	for _, sn := range subnets {
		for host := 1; host <= 254; host++ {
			ip := fmt.Sprintf("%s.%d", sn.prefix, host)
			if ip == sn.self {
				continue
			}
			select {
			case <-d.stop:
				wg.Wait()
				return
			default:
			}

			wg.Add(1)
			sem <- struct{}{}
			go func(ip string) {
				defer wg.Done()
				defer func() { <-sem }()
				if d.probeHost(ip) {
					d.addCamera(ip, "Axis camera "+ip, models.StatusDiscovered)
				}
			}(ip)
		}
	}
	wg.Wait()
}

func (d *Discoverer) probeHost(ip string) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(ip, "554"), tcpProbeWait)
	if err != nil {
		return false
	}
	conn.Close()

	client, err := rtspv2.Dial(rtspv2.RTSPClientOptions{
		URL:              models.RTSPURLFor(d.username, d.password, ip),
		DisableAudio:     true,
		DialTimeout:      rtspProbeWait,
		ReadWriteTimeout: rtspProbeWait,
	})
	if err != nil {
		return false
	}
	client.Close()
	return true
}

// addCamera records a camera and announces it to the cloud. Rediscovery of
// a known camera maps onto the same derived id, refreshes its name and PTZ
// capability, and re-announces so the cloud record converges.
func (d *Discoverer) addCamera(ip, name, status string) {
	id := models.CameraIDFromIP(ip)

	d.mu.Lock()
	cam, known := d.cameras[id]
	if !known {
		cam = &models.Camera{
			ID:       id,
			Name:     name,
			IP:       ip,
			Port:     554,
			RTSPURL:  models.RTSPURLFor(d.username, d.password, ip),
			Username: d.username,
			Password: d.password,
		}
		d.cameras[id] = cam
	} else if name != "" && name != "Axis camera "+ip {
		// The subnet sweep only knows the generic name; never let it
		// clobber a name learned over mDNS.
		cam.Name = name
	}
	snapshot := *cam
	d.mu.Unlock()

	snapshot.HasPTZ = d.ptz.HasPTZ(&snapshot)

	d.mu.Lock()
	cam.HasPTZ = snapshot.HasPTZ
	d.mu.Unlock()

	if !known {
		log.Printf("Discovery: camera %s at %s (ptz=%v)", id, ip, snapshot.HasPTZ)
	}
	d.announce(&snapshot, status)
}

func (d *Discoverer) announce(cam *models.Camera, status string) {
	err := d.sender.Send(models.MsgCameraStatus, models.CameraStatusPayload{
		DeviceID: d.sender.GatewayID(),
		Camera:   *cam,
		Status:   status,
	})
	if err != nil {
		log.Printf("Discovery: announce camera %s: %v", cam.ID, err)
	}
}

// ReplayCameras re-announces every known camera, used after the tunnel
// reconnects so the cloud registry converges on current state.
func (d *Discoverer) ReplayCameras() {
	d.mu.RLock()
	cams := make([]*models.Camera, 0, len(d.cameras))
	for _, cam := range d.cameras {
		cams = append(cams, cam)
	}
	d.mu.RUnlock()

	for _, cam := range cams {
		d.announce(cam, models.StatusReconnected)
	}
}

// Camera returns a discovered camera by id, or nil.
func (d *Discoverer) Camera(id string) *models.Camera {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cameras[id]
}

// Cameras returns a snapshot of the discovered set.
func (d *Discoverer) Cameras() []*models.Camera {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*models.Camera, 0, len(d.cameras))
	for _, cam := range d.cameras {
		out = append(out, cam)
	}
	return out
}

type subnet struct {
	prefix string // "a.b.c"
	self   string
}

// localSubnets returns the /24 prefix and own address for every up,
// non-loopback IPv4 interface, deduplicated by prefix.
func localSubnets() ([]subnet, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []subnet
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil {
			continue
		}
		parts := strings.Split(ip4.String(), ".")
		prefix := strings.Join(parts[:3], ".")
		if seen[prefix] {
			continue
		}
		seen[prefix] = true
		out = append(out, subnet{prefix: prefix, self: ip4.String()})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no non-loopback IPv4 interface")
	}
	return out, nil
}
