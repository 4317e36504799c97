package rtsp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	psdp "github.com/pion/sdp/v3"

	ourtp "github.com/ethan/mediahub/pkg/rtp"
	"github.com/ethan/mediahub/pkg/streamhub"
)

// track describes one SETUP'd media track on a Session, server-side
// counterpart to Client's Channel.
type track struct {
	channelID   byte // RTP channel; RTCP is channelID+1
	mediaType   string
	control     string
	payloadType uint8
	codec       streamhub.Codec
}

// Server accepts RTSP connections for both push (ANNOUNCE/RECORD) and pull
// (DESCRIBE/SETUP/PLAY) against the shared stream hub.
type Server struct {
	hub    *streamhub.Hub
	logger *slog.Logger

	onPublish func(streamhub.Identifier)
}

// NewServer returns a Server bound to hub.
func NewServer(hub *streamhub.Hub, logger *slog.Logger) *Server {
	return &Server{hub: hub, logger: logger}
}

// OnPublish registers a callback invoked after a publisher's ANNOUNCE/RECORD
// succeeds, mirroring the OnFrame/OnRTPPacket callback-field idiom used
// throughout the ingest sessions. The composition root uses this to trigger
// a remux into the RTMP namespace without the server needing to know about
// pkg/remux.
func (s *Server) OnPublish(fn func(streamhub.Identifier)) {
	s.onPublish = fn
}

// Serve accepts connections on ln until ctx is cancelled, one goroutine per
// Session, the same accept-loop-plus-goroutine-per-connection shape as
// rtmp.Server.Serve.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}
		session := newSession(conn, s.hub, s.logger.With("remote_addr", conn.RemoteAddr().String()))
		session.onPublish = s.onPublish
		go session.serve(ctx)
	}
}

// session handles one RTSP TCP connection, either as a publisher
// (ANNOUNCE/RECORD) or a player (DESCRIBE/PLAY), never both.
type session struct {
	conn   net.Conn
	reader *bufio.Reader
	hub    *streamhub.Hub
	logger *slog.Logger

	writeMu    sync.Mutex
	sessionID  string
	id         streamhub.Identifier
	tracks     map[string]*track // keyed by control attribute
	byChannel  map[byte]*track

	stream       *streamhub.Stream // set once ANNOUNCE/RECORD establishes a publisher
	h264         *ourtp.H264Processor
	aac          *ourtp.AACProcessor
	subscriberID string

	onPublish func(streamhub.Identifier)
}

func newSession(conn net.Conn, hub *streamhub.Hub, logger *slog.Logger) *session {
	return &session{
		conn:      conn,
		reader:    bufio.NewReaderSize(conn, 65536),
		hub:       hub,
		logger:    logger,
		sessionID: streamhub.NewSubscriberID(),
		tracks:    make(map[string]*track),
		byChannel: make(map[byte]*track),
	}
}

func (sess *session) serve(ctx context.Context) {
	defer sess.cleanup()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			sess.conn.Close()
		case <-done:
		}
	}()

	for {
		req, err := sess.readRequest()
		if err != nil {
			if err != io.EOF {
				sess.logger.Debug("rtsp read request failed", "error", err)
			}
			return
		}

		if err := sess.dispatch(ctx, req); err != nil {
			sess.logger.Warn("rtsp request failed", "method", req.Method, "error", err)
			return
		}

		// RECORD and PLAY hand the connection over to streaming; the
		// request/response loop ends and the streaming loop owns reads.
		if req.Method == "RECORD" {
			sess.runRecordLoop(ctx)
			return
		}
		if req.Method == "PLAY" {
			sess.runPlayLoop(ctx)
			return
		}
	}
}

func (sess *session) cleanup() {
	if sess.stream != nil {
		sess.hub.Unpublish(sess.id, sess.sessionID)
	}
	if sess.subscriberID != "" {
		sess.hub.Unsubscribe(sess.id, sess.subscriberID)
	}
	sess.conn.Close()
}

func (sess *session) dispatch(ctx context.Context, req *Request) error {
	switch req.Method {
	case "OPTIONS":
		return sess.handleOptions(req)
	case "ANNOUNCE":
		return sess.handleAnnounce(req)
	case "DESCRIBE":
		return sess.handleDescribe(req)
	case "SETUP":
		return sess.handleSetup(req)
	case "RECORD":
		return sess.handleRecord(req)
	case "PLAY":
		return sess.handlePlay(req)
	case "TEARDOWN":
		return sess.writeResponse(req, 200, "OK", nil, "")
	default:
		return sess.writeResponse(req, 501, "Not Implemented", nil, "")
	}
}

func (sess *session) handleOptions(req *Request) error {
	hdr := map[string]string{"Public": "OPTIONS, DESCRIBE, ANNOUNCE, SETUP, RECORD, PLAY, TEARDOWN"}
	return sess.writeResponse(req, 200, "OK", hdr, "")
}

// handleAnnounce parses the publisher's SDP offer and records track/codec
// mapping by control attribute; SETUP requests reference tracks by their
// control-relative URL, the same scheme Client.parseSDP consumes on pull.
func (sess *session) handleAnnounce(req *Request) error {
	sess.id = identifierFromURL(req.URL)

	sd := &psdp.SessionDescription{}
	if err := sd.Unmarshal(req.Body); err != nil {
		return sess.writeResponse(req, 400, "Bad Request", nil, "")
	}

	channelID := byte(0)
	for _, md := range sd.MediaDescriptions {
		if len(md.MediaName.Formats) == 0 {
			continue
		}
		pt, err := strconv.Atoi(md.MediaName.Formats[0])
		if err != nil {
			continue
		}

		control := ""
		for _, a := range md.Attributes {
			if a.Key == "control" {
				control = a.Value
			}
		}

		codec := streamhub.CodecUnknown
		for _, a := range md.Attributes {
			if a.Key != "rtpmap" {
				continue
			}
			v := strings.ToUpper(a.Value)
			switch {
			case strings.Contains(v, "H264"):
				codec = streamhub.CodecH264
			case strings.Contains(v, "H265"):
				codec = streamhub.CodecH265
			case strings.Contains(v, "MPEG4-GENERIC"):
				codec = streamhub.CodecAAC
			}
		}

		t := &track{
			channelID:   channelID,
			mediaType:   md.MediaName.Media,
			control:     control,
			payloadType: uint8(pt),
			codec:       codec,
		}
		sess.tracks[control] = t
		sess.byChannel[channelID] = t
		channelID += 2
	}

	return sess.writeResponse(req, 200, "OK", nil, "")
}

// handleSetup binds the requested track's interleaved channel numbers,
// matching the control-URL suffix the client sent.
func (sess *session) handleSetup(req *Request) error {
	control := lastPathSegment(req.URL)
	t, ok := sess.tracks[control]
	if !ok {
		// Single-track session announced without a distinguishing control
		// suffix; fall back to the first track in map iteration order,
		// which is not fixed when several tracks were announced.
		for _, candidate := range sess.tracks {
			t = candidate
			ok = true
			break
		}
		if !ok {
			return sess.writeResponse(req, 404, "Not Found", nil, "")
		}
	}

	hdr := map[string]string{
		"Session":   sess.sessionID,
		"Transport": fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=%d-%d", t.channelID, t.channelID+1),
	}
	return sess.writeResponse(req, 200, "OK", hdr, "")
}

func (sess *session) handleRecord(req *Request) error {
	stream, err := sess.hub.Publish(sess.id, sess.sessionID)
	if err != nil {
		return sess.writeResponse(req, 455, "Method Not Valid In This State", nil, "")
	}
	sess.stream = stream

	sess.h264 = ourtp.NewH264Processor()
	sess.h264.OnFrame = func(nalus []byte, keyframe bool) {
		stream.Write(streamhub.Frame{Kind: streamhub.FrameKindVideo, Codec: streamhub.CodecH264, KeyFrame: keyframe, Payload: nalus})
	}
	sess.aac = ourtp.NewAACProcessor()
	sess.aac.OnFrame = func(frame []byte) {
		stream.Write(streamhub.Frame{Kind: streamhub.FrameKindAudio, Codec: streamhub.CodecAAC, Payload: frame})
	}

	sess.logger.Info("rtsp publish started", "stream", sess.id.String())
	if sess.onPublish != nil {
		sess.onPublish(sess.id)
	}
	return sess.writeResponse(req, 200, "OK", map[string]string{"Session": sess.sessionID}, "")
}

// handleDescribe answers with a minimal static SDP; parameter sets travel
// in-band (SPS/PPS prepended to each keyframe, per ourtp.H264Processor),
// so the answer doesn't need sprop-parameter-sets for playback to start.
func (sess *session) handleDescribe(req *Request) error {
	sess.id = identifierFromURL(req.URL)
	if _, ok := sess.hub.Lookup(sess.id); !ok {
		return sess.writeResponse(req, 404, "Not Found", nil, "")
	}

	sd := &psdp.SessionDescription{
		Version: 0,
		Origin: psdp.Origin{
			Username: "-", SessionID: 1, SessionVersion: 1,
			NetworkType: "IN", AddressType: "IP4", UnicastAddress: "0.0.0.0",
		},
		SessionName: psdp.SessionName(sess.id.String()),
		TimeDescriptions: []psdp.TimeDescription{{Timing: psdp.Timing{StartTime: 0, StopTime: 0}}},
		MediaDescriptions: []*psdp.MediaDescription{
			{
				MediaName: psdp.MediaName{Media: "video", Protos: []string{"RTP", "AVP"}, Formats: []string{"96"}},
				Attributes: []psdp.Attribute{
					{Key: "rtpmap", Value: "96 H264/90000"},
					{Key: "control", Value: "trackID=0"},
				},
			},
			{
				MediaName: psdp.MediaName{Media: "audio", Protos: []string{"RTP", "AVP"}, Formats: []string{"97"}},
				Attributes: []psdp.Attribute{
					{Key: "rtpmap", Value: "97 MPEG4-GENERIC/48000/2"},
					{Key: "control", Value: "trackID=1"},
				},
			},
		},
	}

	sess.tracks["trackID=0"] = &track{channelID: 0, mediaType: "video", control: "trackID=0", payloadType: 96, codec: streamhub.CodecH264}
	sess.tracks["trackID=1"] = &track{channelID: 2, mediaType: "audio", control: "trackID=1", payloadType: 97, codec: streamhub.CodecAAC}

	body, err := sd.Marshal()
	if err != nil {
		return err
	}
	hdr := map[string]string{"Content-Type": "application/sdp", "Content-Base": req.URL + "/"}
	return sess.writeResponse(req, 200, "OK", hdr, string(body))
}

func (sess *session) handlePlay(req *Request) error {
	for _, t := range sess.tracks {
		sess.byChannel[t.channelID] = t
	}
	sess.subscriberID = streamhub.NewSubscriberID()

	sub := &streamhub.Subscriber{
		ID: sess.subscriberID,
		OnFrame: func(f streamhub.Frame) {
			sess.writeFrame(f)
		},
		OnClose: func() {
			sess.conn.Close()
		},
	}

	if err := sess.hub.Subscribe(sess.id, sub); err != nil {
		return sess.writeResponse(req, 404, "Not Found", nil, "")
	}

	sess.logger.Info("rtsp play started", "stream", sess.id.String())
	return sess.writeResponse(req, 200, "OK", map[string]string{"Session": sess.sessionID}, "")
}

// runRecordLoop consumes interleaved RTP frames for the remainder of the
// connection's life, the server-side mirror of Client.ReadPackets.
func (sess *session) runRecordLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := sess.conn.SetReadDeadline(time.Now().Add(30 * time.Second)); err != nil {
			return
		}

		header, err := sess.reader.Peek(4)
		if err != nil {
			return
		}
		if header[0] != '$' {
			// Interleaved keepalive OPTIONS may arrive mid-stream.
			if _, err := sess.reader.ReadByte(); err != nil {
				return
			}
			continue
		}

		channel := header[1]
		size := binary.BigEndian.Uint16(header[2:4])
		if _, err := sess.reader.Discard(4); err != nil {
			return
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(sess.reader, payload); err != nil {
			return
		}

		if channel%2 != 0 {
			continue // RTCP, not processed on the ingest path
		}

		t, ok := sess.byChannel[channel]
		if !ok {
			continue
		}

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(payload); err != nil {
			continue
		}

		switch t.codec {
		case streamhub.CodecH264:
			_ = sess.h264.ProcessPacket(packet)
		case streamhub.CodecAAC:
			_ = sess.aac.ProcessPacket(packet)
		}
	}
}

// runPlayLoop keeps the connection open (reading and discarding any
// keepalive OPTIONS/TEARDOWN) while the subscriber callback above writes
// frames out; it returns once the peer disconnects.
func (sess *session) runPlayLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := sess.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			return
		}
		if _, err := sess.readRequest(); err != nil {
			return
		}
	}
}

var (
	videoPacketizer = ourtp.NewH264Packetizer
	audioPacketizer = ourtp.NewAACPacketizer
)

// writeFrame packetizes a hub Frame back into RTP and writes it out over
// the interleaved TCP channel matching its media type.
func (sess *session) writeFrame(f streamhub.Frame) {
	var t *track
	for _, candidate := range sess.tracks {
		if (f.Kind == streamhub.FrameKindVideo || f.Kind == streamhub.FrameKindVideoSequenceHeader) && candidate.mediaType == "video" {
			t = candidate
			break
		}
		if (f.Kind == streamhub.FrameKindAudio || f.Kind == streamhub.FrameKindAudioSequenceHeader) && candidate.mediaType == "audio" {
			t = candidate
			break
		}
	}
	if t == nil {
		return
	}

	switch f.Kind {
	case streamhub.FrameKindVideo, streamhub.FrameKindVideoSequenceHeader:
		packetizer := videoPacketizer(t.payloadType)
		packets, err := packetizer.Packetize(f.Payload, f.Timestamp*90) // ms -> 90kHz
		if err != nil {
			return
		}
		for _, p := range packets {
			sess.writeInterleaved(t.channelID, p)
		}
	case streamhub.FrameKindAudio, streamhub.FrameKindAudioSequenceHeader:
		packetizer := audioPacketizer(t.payloadType)
		p := packetizer.Packetize(f.Payload, f.Timestamp*48) // ms -> 48kHz
		sess.writeInterleaved(t.channelID, p)
	}
}

func (sess *session) writeInterleaved(channel byte, p *rtp.Packet) {
	payload, err := p.Marshal()
	if err != nil {
		return
	}
	var buf bytes.Buffer
	buf.WriteByte('$')
	buf.WriteByte(channel)
	binary.Write(&buf, binary.BigEndian, uint16(len(payload)))
	buf.Write(payload)

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	_ = sess.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	sess.conn.Write(buf.Bytes())
}

func identifierFromURL(u string) streamhub.Identifier {
	trimmed := strings.TrimPrefix(u, "rtsp://")
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 2 {
		return streamhub.Identifier{App: parts[0], Name: parts[1]}
	}
	return streamhub.Identifier{App: "live", Name: trimmed}
}

func lastPathSegment(u string) string {
	parts := strings.Split(u, "/")
	return parts[len(parts)-1]
}

// Request represents a parsed RTSP request line plus headers and body.
type Request struct {
	Method string
	URL    string
	CSeq   int
	Header map[string]string
	Body   []byte
}

func (sess *session) readRequest() (*Request, error) {
	line, err := sess.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) < 3 {
		return nil, fmt.Errorf("invalid request line: %q", line)
	}

	req := &Request{Method: parts[0], URL: parts[1], Header: make(map[string]string)}

	var contentLength int
	for {
		hline, err := sess.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		hline = strings.TrimSpace(hline)
		if hline == "" {
			break
		}
		idx := strings.IndexByte(hline, ':')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(hline[:idx])
		value := strings.TrimSpace(hline[idx+1:])
		req.Header[key] = value
		if key == "CSeq" {
			req.CSeq, _ = strconv.Atoi(value)
		}
		if key == "Content-Length" {
			contentLength, _ = strconv.Atoi(value)
		}
	}

	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(sess.reader, body); err != nil {
			return nil, err
		}
		req.Body = body
	}

	return req, nil
}

func (sess *session) writeResponse(req *Request, code int, reason string, header map[string]string, body string) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	var buf strings.Builder
	fmt.Fprintf(&buf, "RTSP/1.0 %d %s\r\n", code, reason)
	fmt.Fprintf(&buf, "CSeq: %d\r\n", req.CSeq)
	for k, v := range header {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	if body != "" {
		fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(body))
	}
	buf.WriteString("\r\n")
	buf.WriteString(body)

	if err := sess.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	_, err := sess.conn.Write([]byte(buf.String()))
	return err
}
