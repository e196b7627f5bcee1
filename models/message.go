package models

import "encoding/json"

// Envelope is the wire format shared by the tunnel and both broker legs.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope. Marshal failures are a
// programming error (all payload types are plain structs/maps) and yield an
// envelope with an empty payload rather than a panic.
func NewEnvelope(msgType string, payload interface{}) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{Type: msgType}
	}
	return Envelope{Type: msgType, Payload: raw}
}

// Gateway → cloud message types.
const (
	MsgCameraStatus = "camera_status"
	MsgWebRTCAnswer = "webrtc_answer"
	MsgICECandidate = "ice_candidate"
	MsgPing         = "ping"
)

// Cloud → gateway message types.
const (
	MsgStartStream = "start_stream"
	MsgStopStream  = "stop_stream"
	MsgWebRTCOffer = "webrtc_offer"
	MsgPTZCommand  = "ptz_command"
)

// Browser ↔ broker message types.
const (
	MsgRequestDevice      = "request-device"
	MsgOffer              = "offer"
	MsgAnswer             = "answer"
	MsgBrowserCandidate   = "ice-candidate"
	MsgEndSession         = "end-session"
	MsgPong               = "pong"
	MsgError              = "error"
	MsgDeviceAssigned     = "device-assigned"
	MsgNoDeviceAvailable  = "no-device-available"
	MsgDeviceNotConnected = "device-not-connected"
	MsgSessionRequest     = "session-request"
	MsgSessionEnded       = "session-ended"
)

// Connection roles on the broker side.
const (
	ClientBrowser = "browser"
	ClientGateway = "edge-gateway"
)

// CameraStatusPayload travels up the tunnel whenever a camera is discovered
// or replayed after a reconnect.
type CameraStatusPayload struct {
	DeviceID string `json:"deviceId"`
	Camera   Camera `json:"camera"`
	Status   string `json:"status"` // StatusDiscovered or StatusReconnected
}

// Camera presence states carried in camera_status envelopes.
const (
	StatusDiscovered  = "discovered"
	StatusReconnected = "reconnected"
)

// StreamControlPayload drives start_stream / stop_stream on the gateway.
type StreamControlPayload struct {
	CameraID  string `json:"cameraId"`
	SessionID string `json:"sessionId,omitempty"`
}

// SDPPayload carries an offer or answer, tagged with the camera it is for.
type SDPPayload struct {
	CameraID  string `json:"cameraId"`
	SessionID string `json:"sessionId,omitempty"`
	SDP       string `json:"sdp"`
}

// CandidatePayload carries one ICE candidate in either direction.
type CandidatePayload struct {
	CameraID  string          `json:"cameraId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Candidate json.RawMessage `json:"candidate"`
}

// PTZPayload is a single best-effort control gesture.
type PTZPayload struct {
	CameraID string  `json:"cameraId"`
	Action   string  `json:"action"`
	Speed    float64 `json:"speed"`
}

// PTZ actions understood by the control translator.
const (
	PTZPanLeft  = "pan_left"
	PTZPanRight = "pan_right"
	PTZTiltUp   = "tilt_up"
	PTZTiltDown = "tilt_down"
	PTZZoomIn   = "zoom_in"
	PTZZoomOut  = "zoom_out"
	PTZStop     = "stop"
)
