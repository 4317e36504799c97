// Package gb28181 implements GB28181 RTP/PS ingest: a UDP listener
// demultiplexes incoming RTP packets by SSRC, reorders each SSRC's packets
// through a small jitter buffer, and feeds the reassembled PS stream into
// pkg/mpegps before publishing elementary-stream frames into the hub.
package gb28181

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/ethan/mediahub/pkg/flv"
	"github.com/ethan/mediahub/pkg/mpegps"
	"github.com/ethan/mediahub/pkg/mpegts"
	"github.com/ethan/mediahub/pkg/streamhub"
)

// Registrar resolves a pre-registered SSRC to the stream it should publish
// under; pkg/api.Server satisfies this via its GB28181 registration table.
type Registrar interface {
	LookupGB28181(ssrc uint32) (streamhub.Identifier, bool)
}

// jitterWindow bounds how many out-of-order packets a device's reorder
// buffer holds before the oldest is flushed regardless of gaps, the same
// bounded-queue discipline as the teacher's command queue (adapted here
// from command priority to RTP sequence order).
const jitterWindow = 64

// packetHeap is a min-heap over RTP sequence numbers, container/heap
// wired the same way the teacher's ticketHeap was, substituting sequence
// order for command priority.
type packetHeap []*rtp.Packet

func (h packetHeap) Len() int { return len(h) }
func (h packetHeap) Less(i, j int) bool {
	return seqLess(h[i].SequenceNumber, h[j].SequenceNumber)
}
func (h packetHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *packetHeap) Push(x any)   { *h = append(*h, x.(*rtp.Packet)) }
func (h *packetHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// seqLess compares RTP sequence numbers with wraparound awareness, so a
// buffer spanning a 65535->0 rollover still orders correctly.
func seqLess(a, b uint16) bool {
	return int16(a-b) < 0
}

// jitterBuffer reorders packets for one SSRC before they reach the PS
// demuxer, which requires an in-order byte stream.
type jitterBuffer struct {
	mu   sync.Mutex
	heap packetHeap
}

func newJitterBuffer() *jitterBuffer {
	jb := &jitterBuffer{}
	heap.Init(&jb.heap)
	return jb
}

// push adds a packet and returns every packet now safe to deliver in
// order: once the buffer is at capacity, the oldest (lowest sequence
// number) is popped regardless of whether an earlier gap exists, bounding
// both memory and reordering latency.
func (jb *jitterBuffer) push(p *rtp.Packet) []*rtp.Packet {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	heap.Push(&jb.heap, p)
	var out []*rtp.Packet
	for jb.heap.Len() > jitterWindow {
		out = append(out, heap.Pop(&jb.heap).(*rtp.Packet))
	}
	return out
}

// drain flushes every remaining packet in sequence order.
func (jb *jitterBuffer) drain() []*rtp.Packet {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	out := make([]*rtp.Packet, 0, jb.heap.Len())
	for jb.heap.Len() > 0 {
		out = append(out, heap.Pop(&jb.heap).(*rtp.Packet))
	}
	return out
}

// deviceSession tracks per-SSRC demux state.
type deviceSession struct {
	ssrc    uint32
	jitter  *jitterBuffer
	demuxer *mpegps.Demuxer
	avc     *flv.Mpeg4Avc
	seqSent bool
	stream  *streamhub.Stream
	dumpFile *os.File
	lastSeen time.Time
}

// Config controls GB28181 ingest behavior.
type Config struct {
	ListenAddr string
	DumpToFile bool
	DumpDir    string
}

// Server listens for GB28181 RTP/PS ingest over UDP.
type Server struct {
	cfg       Config
	hub       *streamhub.Hub
	registrar Registrar
	logger    *slog.Logger

	mu      sync.Mutex
	devices map[uint32]*deviceSession

	onPublish func(streamhub.Identifier)
}

// NewServer returns a GB28181 ingest server bound to hub, resolving SSRCs
// through registrar (typically pkg/api.Server's pre-registration table).
func NewServer(cfg Config, hub *streamhub.Hub, registrar Registrar, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		hub:       hub,
		registrar: registrar,
		logger:    logger,
		devices:   make(map[uint32]*deviceSession),
	}
}

// OnPublish registers a callback invoked after a device's PS stream is first
// published to the hub, mirroring the OnFrame/OnRTPPacket callback-field
// idiom used throughout the ingest sessions. The composition root uses this
// to trigger a remux into the RTMP namespace.
func (s *Server) OnPublish(fn func(streamhub.Identifier)) {
	s.onPublish = fn
}

// Serve reads UDP datagrams until ctx is cancelled. Each datagram is one
// RTP packet carrying a fragment of the device's PS stream.
func (s *Server) Serve(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("resolve gb28181 listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen gb28181 udp: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	s.logger.Info("gb28181 ingest listening", "address", s.cfg.ListenAddr)

	buf := make([]byte, 65535)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("read gb28181 udp: %w", err)
			}
		}

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			s.logger.Debug("failed to unmarshal RTP packet", "category", "gb28181", "error", err)
			continue
		}

		s.handlePacket(packet)
	}
}

func (s *Server) handlePacket(packet *rtp.Packet) {
	dev := s.deviceFor(packet.SSRC)
	dev.lastSeen = time.Now()

	ordered := dev.jitter.push(packet)
	for _, p := range ordered {
		s.demux(dev, p)
	}
}

func (s *Server) deviceFor(ssrc uint32) *deviceSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dev, ok := s.devices[ssrc]; ok {
		return dev
	}

	dev := &deviceSession{
		ssrc:    ssrc,
		jitter:  newJitterBuffer(),
		demuxer: mpegps.NewDemuxer(),
	}
	if s.cfg.DumpToFile {
		path := filepath.Join(s.cfg.DumpDir, fmt.Sprintf("ssrc-%08x.ps", ssrc))
		if f, err := os.Create(path); err == nil {
			dev.dumpFile = f
		} else {
			s.logger.Warn("failed to open gb28181 dump file", "ssrc", ssrc, "error", err)
		}
	}
	s.devices[ssrc] = dev
	return dev
}

func (s *Server) demux(dev *deviceSession, p *rtp.Packet) {
	if dev.dumpFile != nil {
		dev.dumpFile.Write(p.Payload)
	}

	frames, err := dev.demuxer.Write(p.Payload)
	if err != nil {
		s.logger.Debug("ps demux error", "category", "gb28181", "ssrc", dev.ssrc, "error", err)
		return
	}
	if len(frames) == 0 {
		return
	}

	if dev.stream == nil {
		id, ok := s.registrar.LookupGB28181(dev.ssrc)
		if !ok {
			s.logger.Warn("gb28181 packet for unregistered ssrc", "ssrc", dev.ssrc)
			return
		}
		stream, err := s.hub.Publish(id, fmt.Sprintf("gb28181-%08x", dev.ssrc))
		if err != nil {
			s.logger.Warn("gb28181 publish failed", "ssrc", dev.ssrc, "stream", id.String(), "error", err)
			return
		}
		dev.stream = stream
		dev.avc = &flv.Mpeg4Avc{NaluLengthSize: 4}
		s.logger.Info("gb28181 stream published", "ssrc", dev.ssrc, "stream", id.String())
		if s.onPublish != nil {
			s.onPublish(id)
		}
	}

	for _, f := range frames {
		s.publishFrame(dev, f)
	}
}

func (s *Server) publishFrame(dev *deviceSession, f mpegps.Frame) {
	switch f.Stream.CodecID {
	case mpegts.CodecH264, mpegts.CodecH265:
		s.publishVideoFrame(dev, f)
	case mpegts.CodecAAC:
		dev.stream.Write(streamhub.Frame{
			Kind:      streamhub.FrameKindAudio,
			Codec:     streamhub.CodecAAC,
			Timestamp: ptsToMillis(f.PTS),
			Payload:   f.Payload,
		})
	}
}

func (s *Server) publishVideoFrame(dev *deviceSession, f mpegps.Frame) {
	sps, pps := extractParameterSets(f.Payload)
	if len(sps) > 0 {
		dev.avc.SPS = [][]byte{sps}
	}
	if len(pps) > 0 {
		dev.avc.PPS = [][]byte{pps}
	}

	avcc, containsIDR := flv.AnnexBToAVCC(f.Payload)
	if len(avcc) == 0 {
		return
	}

	codec := streamhub.CodecH264
	if f.Stream.CodecID == mpegts.CodecH265 {
		codec = streamhub.CodecH265
	}

	if !dev.seqSent && len(dev.avc.SPS) > 0 && len(dev.avc.PPS) > 0 {
		seqHeader := flv.BuildAVCDecoderConfigurationRecord(dev.avc.SPS[0], dev.avc.PPS[0])
		dev.stream.Write(streamhub.Frame{
			Kind:      streamhub.FrameKindVideoSequenceHeader,
			Codec:     codec,
			Timestamp: ptsToMillis(f.PTS),
			Payload:   seqHeader,
		})
		dev.seqSent = true
	}

	dev.stream.Write(streamhub.Frame{
		Kind:      streamhub.FrameKindVideo,
		Codec:     codec,
		Timestamp: ptsToMillis(f.PTS),
		KeyFrame:  containsIDR,
		Payload:   avcc,
	})
}

// extractParameterSets scans Annex-B NALs for the first SPS/PPS, which
// AnnexBToAVCC discards from its own output since they belong in the
// sequence header rather than every sample.
func extractParameterSets(annexB []byte) (sps, pps []byte) {
	for _, nal := range flv.SplitAnnexB(annexB) {
		if len(nal) == 0 {
			continue
		}
		switch nal[0] & flv.NALTypeMask {
		case flv.NALTypeSPS:
			sps = nal
		case flv.NALTypePPS:
			pps = nal
		}
	}
	return sps, pps
}

// ptsToMillis converts a 90kHz PTS (GB28181's PS clock domain) to the
// millisecond timestamps streamhub.Frame uses throughout the hub.
func ptsToMillis(pts uint64) uint32 {
	return uint32(pts / 90)
}

// Shutdown closes every open dump file; called on process shutdown.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dev := range s.devices {
		if dev.dumpFile != nil {
			dev.dumpFile.Close()
		}
	}
}
