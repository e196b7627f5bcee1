package main

import (
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"homecam-bridge/backend/config"
	"homecam-bridge/backend/gateway/discovery"
	"homecam-bridge/backend/gateway/media"
	"homecam-bridge/backend/gateway/ptz"
	"homecam-bridge/backend/gateway/tunnel"
	"homecam-bridge/backend/models"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()

	ptzCtl := ptz.NewController()
	tun := tunnel.New(cfg.Gateway.CloudURL, cfg.Gateway.AuthToken)
	bridge := media.NewBridge(tun, ptzCtl)
	disc := discovery.New(tun, ptzCtl, cfg.Gateway.CameraUsername, cfg.Gateway.CameraPassword)

	registerHandlers(tun, bridge, disc, ptzCtl)
	tun.OnDisconnect = bridge.StopAll
	tun.OnReconnect = disc.ReplayCameras

	disc.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- tun.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Gateway: received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("Gateway: tunnel terminated: %v", err)
		}
	}

	disc.Close()
	bridge.StopAll()
	tun.Close()
	log.Println("Gateway: shutdown complete")
}

func registerHandlers(tun *tunnel.Tunnel, bridge *media.Bridge, disc *discovery.Discoverer, ptzCtl *ptz.Controller) {
	tun.Handle(models.MsgStartStream, func(raw json.RawMessage) {
		var p models.StreamControlPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Printf("Gateway: bad start_stream payload: %v", err)
			return
		}
		cam := disc.Camera(p.CameraID)
		if cam == nil {
			log.Printf("Gateway: start_stream for unknown camera %s", p.CameraID)
			return
		}
		if err := bridge.StartStream(cam); err != nil {
			log.Printf("Gateway: start stream %s: %v", p.CameraID, err)
		}
	})

	tun.Handle(models.MsgStopStream, func(raw json.RawMessage) {
		var p models.StreamControlPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Printf("Gateway: bad stop_stream payload: %v", err)
			return
		}
		bridge.StopStream(p.CameraID)
	})

	tun.Handle(models.MsgWebRTCOffer, func(raw json.RawMessage) {
		var p models.SDPPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Printf("Gateway: bad webrtc_offer payload: %v", err)
			return
		}
		cam := disc.Camera(p.CameraID)
		if cam == nil {
			log.Printf("Gateway: offer for unknown camera %s", p.CameraID)
			return
		}
		if err := bridge.HandleOffer(cam, p.SessionID, p.SDP); err != nil {
			log.Printf("Gateway: handle offer for %s: %v", p.CameraID, err)
		}
	})

	tun.Handle(models.MsgICECandidate, func(raw json.RawMessage) {
		var p models.CandidatePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Printf("Gateway: bad ice_candidate payload: %v", err)
			return
		}
		bridge.HandleRemoteCandidate(p.CameraID, p)
	})

	tun.Handle(models.MsgPTZCommand, func(raw json.RawMessage) {
		var p models.PTZPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Printf("Gateway: bad ptz_command payload: %v", err)
			return
		}
		cam := disc.Camera(p.CameraID)
		if cam == nil {
			log.Printf("Gateway: PTZ for unknown camera %s", p.CameraID)
			return
		}
		if err := ptzCtl.Execute(cam, p.Action, p.Speed); err != nil {
			log.Printf("Gateway: PTZ %s on %s: %v", p.Action, p.CameraID, err)
		}
	})

	tun.Handle(models.MsgSessionEnded, func(raw json.RawMessage) {
		var p models.StreamControlPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Printf("Gateway: bad session-ended payload: %v", err)
			return
		}
		if p.CameraID != "" {
			bridge.StopStream(p.CameraID)
		}
	})

	tun.Handle(models.MsgPong, func(json.RawMessage) {})
}
