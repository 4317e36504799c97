package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ethan/mediahub/pkg/flv"
	ourtp "github.com/ethan/mediahub/pkg/rtp"
	"github.com/ethan/mediahub/pkg/streamhub"
)

// WHIPSession terminates a WHIP ingest PeerConnection: it accepts the
// publisher's H.264/Opus tracks, depacketizes each, and writes the result
// into a hub stream the same way the RTSP/GB28181 ingest sessions do.
type WHIPSession struct {
	logger *slog.Logger
	id     streamhub.Identifier
	hub    *streamhub.Hub
	stream *streamhub.Stream

	pc     *webrtc.PeerConnection
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWHIPSession publishes id into hub and returns a session ready for
// Negotiate.
func NewWHIPSession(ctx context.Context, id streamhub.Identifier, hub *streamhub.Hub, logger *slog.Logger) (*WHIPSession, error) {
	stream, err := hub.Publish(id, streamhub.NewSubscriberID())
	if err != nil {
		return nil, fmt.Errorf("publish whip stream: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	return &WHIPSession{
		logger: logger,
		id:     id,
		hub:    hub,
		stream: stream,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Negotiate sets the publisher's SDP offer as the remote description,
// wires OnTrack handlers for the video/audio m-lines it describes, and
// returns the local SDP answer.
func (s *WHIPSession) Negotiate(ctx context.Context, offerSDP string) (string, error) {
	m := &webrtc.MediaEngine{}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return "", fmt.Errorf("register H264 codec: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return "", fmt.Errorf("register Opus codec: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return "", fmt.Errorf("create peer connection: %w", err)
	}
	s.pc = pc

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Info("whip peer connection state changed", "stream", s.id.String(), "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			s.Close()
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			go s.readVideoTrack(track)
		case webrtc.RTPCodecTypeAudio:
			go s.readAudioTrack(track)
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	select {
	case <-gatherComplete:
	case <-time.After(10 * time.Second):
		return "", fmt.Errorf("ICE gathering timeout")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	s.logger.Info("whip negotiation complete", "stream", s.id.String())
	return pc.LocalDescription().SDP, nil
}

func (s *WHIPSession) readVideoTrack(track *webrtc.TrackRemote) {
	proc := ourtp.NewH264Processor()
	seqSent := false
	var currentTS uint32

	proc.OnFrame = func(nalus []byte, keyframe bool) {
		if !seqSent && len(proc.GetSPS()) > 0 && len(proc.GetPPS()) > 0 {
			s.stream.Write(streamhub.Frame{
				Kind:    streamhub.FrameKindVideoSequenceHeader,
				Codec:   streamhub.CodecH264,
				Payload: flv.BuildAVCDecoderConfigurationRecord(proc.GetSPS(), proc.GetPPS()),
			})
			seqSent = true
		}
		s.stream.Write(streamhub.Frame{
			Kind:      streamhub.FrameKindVideo,
			Codec:     streamhub.CodecH264,
			Timestamp: currentTS / 90,
			KeyFrame:  keyframe,
			Payload:   nalus,
		})
	}

	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			s.logger.Debug("whip video track closed", "stream", s.id.String(), "error", err)
			return
		}
		currentTS = packet.Timestamp
		if err := proc.ProcessPacket(packet); err != nil {
			s.logger.Debug("h264 depacketize error", "category", "whip", "stream", s.id.String(), "error", err)
		}
	}
}

func (s *WHIPSession) readAudioTrack(track *webrtc.TrackRemote) {
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			s.logger.Debug("whip audio track closed", "stream", s.id.String(), "error", err)
			return
		}
		s.stream.Write(streamhub.Frame{
			Kind:      streamhub.FrameKindAudio,
			Codec:     streamhub.CodecOpus,
			Timestamp: packet.Timestamp / 48,
			Payload:   packet.Payload,
		})
	}
}

// Close unpublishes the stream and tears down the PeerConnection.
func (s *WHIPSession) Close() {
	s.cancel()
	s.hub.Unpublish(s.id, "")
	if s.pc != nil {
		s.pc.Close()
	}
}
