package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"

	"github.com/ethan/mediahub/pkg/flv"
	"github.com/ethan/mediahub/pkg/streamhub"
)

// Bridge subscribes to a hub stream and re-packetizes its frames onto a
// locally WHEP-negotiated WebRTC PeerConnection. It replaces the previous
// Cloudflare Calls relay hop with a direct offer/answer exchange: the
// viewer posts its SDP offer to pkg/api's WHEP endpoint, which hands it to
// Negotiate and returns the answer straight back in the HTTP response.
type Bridge struct {
	logger     *slog.Logger
	id         streamhub.Identifier
	hub        *streamhub.Hub
	subscriber *streamhub.Subscriber

	pc          *webrtc.PeerConnection
	videoTrack  *webrtc.TrackLocalStaticRTP
	audioTrack  *webrtc.TrackLocalStaticRTP
	videoSender *webrtc.RTPSender // RTCP reader for video track
	audioSender *webrtc.RTPSender // RTCP reader for audio track
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	// Leaky bucket pacer smoothing frame delivery into RTP timing.
	pacer *Pacer

	// H.264 RTP packetization
	h264Payloader *codecs.H264Payloader
	videoSeqNum   uint16
	videoMu       sync.Mutex // Protects sequence number

	// Audio RTP packetization
	audioSeqNum uint16
	audioMu     sync.Mutex // Protects audio sequence number

	// Timestamp validation and diagnostics
	lastVideoTS uint32
	tsWarnCount uint32

	// Cached AVC parameter sets from the stream's video sequence header,
	// prepended to the AVCC sample ahead of every keyframe so the H.264
	// depacketizer on the viewer's end always has SPS/PPS to decode with.
	avcMu sync.Mutex
	avc   *flv.Mpeg4Avc

	// Cached connection state (to avoid blocking on pc.ConnectionState())
	connStateMu     sync.RWMutex
	cachedConnState webrtc.PeerConnectionState
}

// NewBridge creates a WHEP bridge that will stream id's frames out over
// WebRTC once Start and Negotiate are called.
func NewBridge(ctx context.Context, id streamhub.Identifier, hub *streamhub.Hub, logger *slog.Logger) (*Bridge, error) {
	ctx, cancel := context.WithCancel(ctx)

	b := &Bridge{
		logger:          logger,
		id:              id,
		hub:             hub,
		ctx:             ctx,
		cancel:          cancel,
		h264Payloader:   &codecs.H264Payloader{},
		videoSeqNum:     uint16(time.Now().UnixNano() & 0xFFFF), // Random starting sequence number
		cachedConnState: webrtc.PeerConnectionStateNew,
	}

	b.pacer = NewPacer(ctx, logger)

	return b, nil
}

// Start builds the PeerConnection and local tracks and subscribes to the
// hub stream; call Negotiate afterward with the viewer's SDP offer.
func (b *Bridge) Start(ctx context.Context) error {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}

	m := &webrtc.MediaEngine{}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=4d001f",
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return fmt.Errorf("register H264 codec: %w", err)
	}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return fmt.Errorf("register Opus codec: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))

	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	b.pc = pc

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		b.connStateMu.Lock()
		b.cachedConnState = state
		b.connStateMu.Unlock()
		b.logger.Info("peer connection state changed", "stream", b.id.String(), "state", state.String())
	})

	videoTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		fmt.Sprintf("%s-video", b.id.Name),
		b.id.String(),
	)
	if err != nil {
		return fmt.Errorf("create video track: %w", err)
	}
	b.videoTrack = videoTrack

	videoSender, err := pc.AddTrack(videoTrack)
	if err != nil {
		return fmt.Errorf("add video track: %w", err)
	}
	b.videoSender = videoSender

	audioTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		fmt.Sprintf("%s-audio", b.id.Name),
		b.id.String(),
	)
	if err != nil {
		return fmt.Errorf("create audio track: %w", err)
	}
	b.audioTrack = audioTrack

	audioSender, err := pc.AddTrack(audioTrack)
	if err != nil {
		return fmt.Errorf("add audio track: %w", err)
	}
	b.audioSender = audioSender

	b.logger.Info("WHEP peer connection created with tracks", "stream", b.id.String())

	b.startRTCPReaders()

	b.subscriber = &streamhub.Subscriber{
		ID:      streamhub.NewSubscriberID(),
		OnFrame: b.onFrame,
		OnClose: func() { b.logger.Info("whep stream closed by publisher", "stream", b.id.String()) },
	}
	if err := b.hub.Subscribe(b.id, b.subscriber); err != nil {
		return fmt.Errorf("subscribe to stream: %w", err)
	}

	return nil
}

// onFrame is the hub subscriber callback: it tracks the stream's parameter
// sets and forwards video/audio frames into the pacer.
func (b *Bridge) onFrame(f streamhub.Frame) {
	switch f.Kind {
	case streamhub.FrameKindVideoSequenceHeader:
		avc, err := flv.ParseAVCDecoderConfigurationRecord(f.Payload)
		if err != nil {
			b.logger.Warn("failed to parse AVC decoder configuration record", "stream", b.id.String(), "error", err)
			return
		}
		b.avcMu.Lock()
		b.avc = avc
		b.avcMu.Unlock()

	case streamhub.FrameKindVideo:
		sample := f.Payload
		if f.KeyFrame {
			b.avcMu.Lock()
			avc := b.avc
			b.avcMu.Unlock()
			if avc != nil && len(avc.SPS) > 0 && len(avc.PPS) > 0 {
				sample = prependParameterSetsAVCC(avc.SPS[0], avc.PPS[0], f.Payload)
			}
		}
		if err := b.WriteVideoSample(sample, f.Timestamp*90); err != nil {
			b.logger.Warn("write video sample failed", "stream", b.id.String(), "error", err)
		}

	case streamhub.FrameKindAudio:
		if err := b.WriteAudioSample(f.Payload, f.Timestamp*48); err != nil {
			b.logger.Warn("write audio sample failed", "stream", b.id.String(), "error", err)
		}
	}
}

// prependParameterSetsAVCC prepends SPS and PPS as their own length-prefixed
// NAL units ahead of an existing AVCC sample, so the packetizer emits them
// as separate RTP NAL units before the keyframe slice.
func prependParameterSetsAVCC(sps, pps, sample []byte) []byte {
	out := make([]byte, 0, 4+len(sps)+4+len(pps)+len(sample))
	out = appendLengthPrefixed(out, sps)
	out = appendLengthPrefixed(out, pps)
	return append(out, sample...)
}

func appendLengthPrefixed(dst, nalu []byte) []byte {
	var length [4]byte
	length[0] = byte(len(nalu) >> 24)
	length[1] = byte(len(nalu) >> 16)
	length[2] = byte(len(nalu) >> 8)
	length[3] = byte(len(nalu))
	dst = append(dst, length[:]...)
	return append(dst, nalu...)
}

// Negotiate answers the viewer's WHEP SDP offer and returns the local SDP
// answer. It also starts the pacer, since the PeerConnection is usable for
// writes only once negotiation completes.
func (b *Bridge) Negotiate(ctx context.Context, offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := b.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := b.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := b.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(b.pc)
	select {
	case <-gatherComplete:
	case <-time.After(10 * time.Second):
		return "", fmt.Errorf("ICE gathering timeout")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	localSDP := b.pc.LocalDescription().SDP
	b.logger.Info("WHEP negotiation complete", "stream", b.id.String())

	b.pacer.SetWriteCallbacks(b.writeVideoSampleDirect, b.writeAudioSampleDirect)
	b.pacer.Start()
	b.logger.Info("pacer started - frame delivery will be smoothed", "stream", b.id.String())

	return localSDP, nil
}

// WriteVideoRTP writes a video RTP packet to the WebRTC track
func (b *Bridge) WriteVideoRTP(packet *rtp.Packet) error {
	if b.videoTrack == nil {
		return fmt.Errorf("video track not initialized")
	}

	if err := b.videoTrack.WriteRTP(packet); err != nil {
		if err == io.ErrClosedPipe {
			return nil // Track closed gracefully
		}
		return err
	}

	return nil
}

// WriteVideoSample enqueues H.264 video data (AVCC-framed) to the pacer.
// sourceTimestamp is in the 90kHz RTP clock domain.
func (b *Bridge) WriteVideoSample(data []byte, sourceTimestamp uint32) error {
	if b.videoTrack == nil {
		return fmt.Errorf("video track not initialized")
	}

	b.videoMu.Lock()
	defer b.videoMu.Unlock()

	if b.lastVideoTS > 0 {
		if sourceTimestamp < b.lastVideoTS {
			b.tsWarnCount++
			b.logger.Warn("video timestamp went backwards",
				"last_ts", b.lastVideoTS,
				"current_ts", sourceTimestamp,
				"delta", int64(sourceTimestamp)-int64(b.lastVideoTS),
				"occurrence_count", b.tsWarnCount)
		}

		delta := sourceTimestamp - b.lastVideoTS
		expectedDelta := uint32(90000 / 30) // ~3000 for 30fps
		if delta > expectedDelta*3 {
			b.logger.Warn("large timestamp gap detected",
				"delta", delta,
				"expected", expectedDelta,
				"delta_ms", delta/90)
		}
	}

	b.lastVideoTS = sourceTimestamp

	packet := &PacedPacket{
		Timestamp:  sourceTimestamp,
		NALUs:      data,
		TrackType:  "video",
		ReceivedAt: time.Now(),
	}

	return b.pacer.EnqueueVideo(packet)
}

// writeVideoSampleDirect is the actual write function called by the pacer
// This performs the packetization and WriteRTP after pacing delay
// Note: Mutex must NOT be locked here as this is called from pacer goroutine
func (b *Bridge) writeVideoSampleDirect(data []byte, sourceTimestamp uint32) error {
	if b.videoTrack == nil {
		return fmt.Errorf("video track not initialized")
	}

	nalus, err := extractNALUs(data)
	if err != nil {
		return fmt.Errorf("extract NAL units: %w", err)
	}

	b.videoMu.Lock()
	seqNum := b.videoSeqNum
	b.videoMu.Unlock()

	timestamp := sourceTimestamp

	const mtu = 1200
	for naluIdx, nalu := range nalus {
		payloads := b.h264Payloader.Payload(mtu, nalu)

		for i, payload := range payloads {
			packet := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    96,
					SequenceNumber: seqNum,
					Timestamp:      timestamp,
					Marker:         (naluIdx == len(nalus)-1) && (i == len(payloads)-1),
				},
				Payload: payload,
			}

			if err := b.videoTrack.WriteRTP(packet); err != nil {
				if err == io.ErrClosedPipe {
					return nil
				}
				b.logger.Error("failed to write RTP packet",
					"nalu", naluIdx+1,
					"total_nalus", len(nalus),
					"packet_num", i+1,
					"total_packets", len(payloads),
					"timestamp", timestamp,
					"connection_state", b.GetConnectionState().String(),
					"error", err)
				return fmt.Errorf("write RTP packet NALU %d/%d pkt %d/%d (state=%s): %w",
					naluIdx+1, len(nalus), i+1, len(payloads), b.GetConnectionState().String(), err)
			}

			seqNum++
		}
	}

	b.videoMu.Lock()
	b.videoSeqNum = seqNum
	b.videoMu.Unlock()

	return nil
}

// extractNALUs extracts individual NAL units from AVC format data
// AVC format: [4-byte length][NAL data][4-byte length][NAL data]...
// Returns slice of raw NAL units (without length prefixes)
func extractNALUs(data []byte) ([][]byte, error) {
	var nalus [][]byte
	offset := 0

	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, fmt.Errorf("incomplete NAL unit at offset %d: need 4 bytes for length, have %d", offset, len(data)-offset)
		}

		naluLen := int(data[offset])<<24 | int(data[offset+1])<<16 | int(data[offset+2])<<8 | int(data[offset+3])
		offset += 4

		if offset+naluLen > len(data) {
			return nil, fmt.Errorf("invalid NAL unit length %d at offset %d: exceeds data bounds", naluLen, offset-4)
		}

		nalu := data[offset : offset+naluLen]
		nalus = append(nalus, nalu)

		offset += naluLen
	}

	return nalus, nil
}

// WriteAudioRTP writes an audio RTP packet to the WebRTC track
func (b *Bridge) WriteAudioRTP(packet *rtp.Packet) error {
	if b.audioTrack == nil {
		return fmt.Errorf("audio track not initialized")
	}

	if err := b.audioTrack.WriteRTP(packet); err != nil {
		if err == io.ErrClosedPipe {
			return nil
		}
		return err
	}

	return nil
}

// WriteAudioSample enqueues an audio frame to the pacer. sourceTimestamp is
// in the 48kHz RTP clock domain. Audio is forwarded as received: this
// bridge does not transcode, so a non-Opus source stream plays out as
// whatever codec it was published with.
func (b *Bridge) WriteAudioSample(data []byte, sourceTimestamp uint32) error {
	if b.audioTrack == nil {
		return fmt.Errorf("audio track not initialized")
	}

	packet := &PacedPacket{
		Timestamp:  sourceTimestamp,
		NALUs:      data,
		TrackType:  "audio",
		ReceivedAt: time.Now(),
	}

	return b.pacer.EnqueueAudio(packet)
}

// writeAudioSampleDirect is the actual write function called by the pacer
func (b *Bridge) writeAudioSampleDirect(data []byte, sourceTimestamp uint32) error {
	if b.audioTrack == nil {
		return fmt.Errorf("audio track not initialized")
	}

	b.audioMu.Lock()
	defer b.audioMu.Unlock()

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: b.audioSeqNum,
			Timestamp:      sourceTimestamp,
		},
		Payload: data,
	}

	b.audioSeqNum++

	return b.WriteAudioRTP(packet)
}

// GetConnectionState returns the cached peer connection state
// This uses the cached value to avoid blocking on pc.ConnectionState()
func (b *Bridge) GetConnectionState() webrtc.PeerConnectionState {
	b.connStateMu.RLock()
	defer b.connStateMu.RUnlock()
	return b.cachedConnState
}

// startRTCPReaders spawns goroutines to read RTCP feedback from the viewer
func (b *Bridge) startRTCPReaders() {
	if b.videoSender != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.readRTCP(b.videoSender, "video")
		}()
	}

	if b.audioSender != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.readRTCP(b.audioSender, "audio")
		}()
	}
}

// readRTCP reads RTCP packets from an RTPSender and logs feedback
func (b *Bridge) readRTCP(sender *webrtc.RTPSender, trackType string) {
	b.logger.Info("[rtcp:reader] started", "track", trackType)

	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			select {
			case <-b.ctx.Done():
				b.logger.Info("[rtcp:reader] stopped (context cancelled)", "track", trackType)
				return
			default:
				if err == io.EOF || err == io.ErrClosedPipe {
					b.logger.Info("[rtcp:reader] stopped (track closed)", "track", trackType)
					return
				}
				b.logger.Error("[rtcp:reader] read error", "track", trackType, "error", err)
				return
			}
		}

		for _, packet := range packets {
			switch pkt := packet.(type) {
			case *rtcp.PictureLossIndication:
				b.logger.Warn("RTCP PLI received - viewer requesting keyframe",
					"track", trackType,
					"media_ssrc", pkt.MediaSSRC,
					"sender_ssrc", pkt.SenderSSRC)

			case *rtcp.FullIntraRequest:
				b.logger.Warn("RTCP FIR received - viewer requesting keyframe",
					"track", trackType,
					"media_ssrc", pkt.MediaSSRC)

			case *rtcp.ReceiverEstimatedMaximumBitrate:
				b.logger.Debug("RTCP REMB received",
					"track", trackType,
					"bitrate_bps", pkt.Bitrate)

			case *rtcp.ReceiverReport:
				b.logger.Debug("RTCP RR received",
					"track", trackType,
					"ssrc", pkt.SSRC,
					"reports", len(pkt.Reports))

			default:
				b.logger.Debug("RTCP packet received",
					"track", trackType,
					"type", fmt.Sprintf("%T", packet))
			}
		}
	}
}

// Close closes the bridge and all resources
func (b *Bridge) Close() error {
	b.logger.Info("closing bridge", "stream", b.id.String())

	if b.pacer != nil {
		b.pacer.Stop()
	}

	if b.subscriber != nil {
		b.hub.Unsubscribe(b.id, b.subscriber.ID)
	}

	b.cancel()
	b.wg.Wait()

	if b.pc != nil {
		if err := b.pc.Close(); err != nil {
			b.logger.Error("error closing peer connection", "error", err)
		}
	}

	return nil
}
