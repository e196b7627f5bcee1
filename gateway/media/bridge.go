package media

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"homecam-bridge/backend/gateway/ptz"
	"homecam-bridge/backend/models"

	"github.com/deepch/vdk/av"
	"github.com/deepch/vdk/format/rtspv2"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

const rtspDialTimeout = 10 * time.Second

// Sender pushes signaling envelopes back up the cloud tunnel.
type Sender interface {
	Send(msgType string, payload interface{}) error
}

// Bridge pulls RTSP video off the local cameras and feeds it into WebRTC
// peer connections negotiated through the cloud. One stream per camera;
// a new offer for a streaming camera displaces the previous viewer.
type Bridge struct {
	sender Sender
	ptz    *ptz.Controller

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	cam       *models.Camera
	track     *webrtc.TrackLocalStaticSample
	pc        *webrtc.PeerConnection
	sessionID string
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewBridge(sender Sender, ptzCtl *ptz.Controller) *Bridge {
	return &Bridge{
		sender:  sender,
		ptz:     ptzCtl,
		streams: make(map[string]*stream),
	}
}

// StartStream spins up the RTSP pull loop for a camera. Calling it again
// while the stream is running is a no-op.
func (b *Bridge) StartStream(cam *models.Camera) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.streams[cam.ID]; ok {
		return nil
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		"video", cam.ID,
	)
	if err != nil {
		return fmt.Errorf("create video track: %w", err)
	}

	st := &stream{
		cam:   cam,
		track: track,
		stop:  make(chan struct{}),
	}
	b.streams[cam.ID] = st

	go b.pullRTSP(st)
	log.Printf("Bridge: started stream for camera %s (%s)", cam.ID, cam.RTSPURL)
	return nil
}

// pullRTSP runs one RTSP session for the stream. When the camera drops the
// session the stream is torn down rather than redialed; the cloud decides
// whether to start it again. Samples are withheld until the first keyframe
// so the decoder never starts on a partial GOP.
func (b *Bridge) pullRTSP(st *stream) {
	client, err := rtspv2.Dial(rtspv2.RTSPClientOptions{
		URL:              st.cam.RTSPURL,
		DisableAudio:     true,
		DialTimeout:      rtspDialTimeout,
		ReadWriteTimeout: rtspDialTimeout,
	})
	if err != nil {
		log.Printf("Bridge: RTSP dial %s failed: %v", st.cam.ID, err)
		b.StopStream(st.cam.ID)
		return
	}
	defer client.Close()

	b.consume(st, client)

	select {
	case <-st.stop:
	default:
		b.StopStream(st.cam.ID)
	}
}

func (b *Bridge) consume(st *stream, client *rtspv2.RTSPClient) {
	var videoIdx int8 = -1
	for i, codec := range client.CodecData {
		if codec.Type().IsVideo() {
			videoIdx = int8(i)
			break
		}
	}

	keyframeSeen := false
	var prevTime time.Duration

	for {
		select {
		case <-st.stop:
			return
		case signal := <-client.Signals:
			switch signal {
			case rtspv2.SignalCodecUpdate:
				videoIdx = -1
				for i, codec := range client.CodecData {
					if codec.Type().IsVideo() {
						videoIdx = int8(i)
						break
					}
				}
			case rtspv2.SignalStreamRTPStop:
				log.Printf("Bridge: RTSP stream stopped for camera %s", st.cam.ID)
				return
			}
		case pkt := <-client.OutgoingPacketQueue:
			if pkt.Idx != videoIdx {
				continue
			}
			if pkt.IsKeyFrame {
				keyframeSeen = true
			}
			if !keyframeSeen {
				continue
			}
			b.writeSample(st, pkt, &prevTime)
		}
	}
}

func (b *Bridge) writeSample(st *stream, pkt *av.Packet, prevTime *time.Duration) {
	duration := pkt.Time - *prevTime
	if duration <= 0 || duration > time.Second {
		duration = 40 * time.Millisecond
	}
	*prevTime = pkt.Time

	if err := st.track.WriteSample(media.Sample{
		Data:     pkt.Data,
		Duration: duration,
	}); err != nil {
		log.Printf("Bridge: write sample for camera %s: %v", st.cam.ID, err)
	}
}

// HandleOffer answers a browser SDP offer for a camera whose stream is
// already running. The answer and all local ICE candidates flow back up the
// tunnel tagged with the camera and session so the cloud can route them to
// the right browser leg.
func (b *Bridge) HandleOffer(cam *models.Camera, sessionID, sdp string) error {
	b.mu.Lock()
	st := b.streams[cam.ID]
	if st == nil {
		b.mu.Unlock()
		return fmt.Errorf("no stream available for camera %s", cam.ID)
	}
	if st.pc != nil {
		// Single-viewer policy: the newest offer wins.
		st.pc.Close()
		st.pc = nil
	}
	b.mu.Unlock()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	if _, err := pc.AddTrack(st.track); err != nil {
		pc.Close()
		return fmt.Errorf("add track: %w", err)
	}

	if st.cam.HasPTZ {
		dc, err := pc.CreateDataChannel("ptz", nil)
		if err != nil {
			log.Printf("Bridge: ptz datachannel for %s: %v", cam.ID, err)
		} else {
			b.handlePTZChannel(st.cam, dc)
		}
		// Some browsers open their own channel instead.
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			b.handlePTZChannel(st.cam, dc)
		})
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Printf("Bridge: marshal candidate for camera %s: %v", cam.ID, err)
			return
		}
		payload := models.CandidatePayload{
			SessionID: sessionID,
			CameraID:  cam.ID,
			Candidate: raw,
		}
		if err := b.sender.Send(models.MsgICECandidate, payload); err != nil {
			log.Printf("Bridge: send candidate for camera %s: %v", cam.ID, err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("Bridge: camera %s peer connection %s", cam.ID, state)
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		pc.Close()
		return fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return fmt.Errorf("set local description: %w", err)
	}

	b.mu.Lock()
	if b.streams[cam.ID] != st {
		// The stream was stopped while negotiating.
		b.mu.Unlock()
		pc.Close()
		return fmt.Errorf("stream stopped during negotiation for camera %s", cam.ID)
	}
	st.pc = pc
	st.sessionID = sessionID
	b.mu.Unlock()

	return b.sender.Send(models.MsgWebRTCAnswer, models.SDPPayload{
		SessionID: sessionID,
		CameraID:  cam.ID,
		SDP:       answer.SDP,
	})
}

func (b *Bridge) handlePTZChannel(cam *models.Camera, dc *webrtc.DataChannel) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var cmd struct {
			Action string  `json:"action"`
			Speed  float64 `json:"speed"`
		}
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			log.Printf("Bridge: bad PTZ datachannel message for %s: %v", cam.ID, err)
			return
		}
		if err := b.ptz.Execute(cam, cmd.Action, cmd.Speed); err != nil {
			log.Printf("Bridge: PTZ %s on camera %s: %v", cmd.Action, cam.ID, err)
		}
	})
}

// HandleRemoteCandidate feeds a browser ICE candidate into the camera's
// peer connection. Candidates arriving before an offer, or after the peer
// is gone, are dropped.
func (b *Bridge) HandleRemoteCandidate(cameraID string, payload models.CandidatePayload) {
	b.mu.Lock()
	st := b.streams[cameraID]
	var pc *webrtc.PeerConnection
	if st != nil {
		pc = st.pc
	}
	b.mu.Unlock()
	if pc == nil {
		return
	}

	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(payload.Candidate, &init); err != nil {
		log.Printf("Bridge: bad candidate for camera %s: %v", cameraID, err)
		return
	}
	if err := pc.AddICECandidate(init); err != nil {
		log.Printf("Bridge: add candidate for camera %s: %v", cameraID, err)
	}
}

// StopStream tears down the RTSP pull and the peer connection for one
// camera. Unknown cameras are a no-op.
func (b *Bridge) StopStream(cameraID string) {
	b.mu.Lock()
	st := b.streams[cameraID]
	delete(b.streams, cameraID)
	var pc *webrtc.PeerConnection
	if st != nil {
		// Detach under the lock so a concurrent HandleOffer cannot slip
		// a fresh PeerConnection into a stream being torn down.
		pc = st.pc
		st.pc = nil
	}
	b.mu.Unlock()
	if st == nil {
		return
	}

	st.stopOnce.Do(func() { close(st.stop) })
	if pc != nil {
		pc.Close()
	}
	log.Printf("Bridge: stopped stream for camera %s", cameraID)
}

// StopAll tears down every active stream, used when the cloud tunnel is
// lost so no orphaned peer connections linger.
func (b *Bridge) StopAll() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.streams))
	for id := range b.streams {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.StopStream(id)
	}
}

// Streaming reports whether a camera currently has an active pull loop.
func (b *Bridge) Streaming(cameraID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.streams[cameraID]
	return ok
}
