package rtmp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ethan/mediahub/pkg/amf0"
	"github.com/ethan/mediahub/pkg/bytesio"
	"github.com/ethan/mediahub/pkg/flv"
	"github.com/ethan/mediahub/pkg/streamhub"
)

// command channel/stream IDs used for every session; this server never
// multiplexes more than one NetStream per connection, so fixed IDs are
// enough.
const (
	csidProtocolControl = 2
	csidCommand         = 3
	csidAudio           = 6
	csidVideo           = 7

	streamIDControl = 0
	streamIDMedia   = 1
)

// Session drives one RTMP connection end to end: handshake, chunk
// assembly, AMF0 command dispatch, and frame translation to/from the
// stream hub.
type Session struct {
	conn   net.Conn
	hub    *streamhub.Hub
	logger *slog.Logger

	cr *ChunkReader
	cw *ChunkWriter

	mu          sync.Mutex
	app         string
	publishing  *streamhub.Stream
	publishID   streamhub.Identifier
	subscriberID string
	playing     streamhub.Identifier
}

// NewSession wraps conn for the given Hub.
func NewSession(conn net.Conn, hub *streamhub.Hub, logger *slog.Logger) *Session {
	return &Session{
		conn:   conn,
		hub:    hub,
		logger: logger.With("component", "rtmp", "remote", conn.RemoteAddr().String()),
		cr:     NewChunkReader(conn),
		cw:     NewChunkWriter(conn),
	}
}

// Serve performs the handshake and runs the chunk-read loop until the
// connection closes or ctx is cancelled.
func (s *Session) Serve(ctx context.Context) error {
	if err := ServerHandshake(s.conn); err != nil {
		return fmt.Errorf("rtmp: handshake: %w", err)
	}
	s.logger.Info("handshake complete")

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		msg, err := s.cr.ReadMessage()
		if err != nil {
			s.cleanup()
			return fmt.Errorf("rtmp: read message: %w", err)
		}
		if err := s.handleMessage(msg); err != nil {
			s.logger.Warn("message handling error", "error", err)
		}
	}
}

func (s *Session) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishing != nil {
		s.hub.Unpublish(s.publishID, s.subscriberID)
		s.publishing = nil
	}
	if s.subscriberID != "" {
		s.hub.Unsubscribe(s.playing, s.subscriberID)
	}
}

func (s *Session) handleMessage(msg *Message) error {
	switch msg.TypeID {
	case MsgTypeSetChunkSize:
		r := bytesio.NewReader(msg.Payload)
		size, err := r.ReadU32()
		if err != nil {
			return err
		}
		s.cr.SetChunkSize(size)
		return nil
	case MsgTypeAMF0Command:
		return s.handleCommand(msg.Payload)
	case MsgTypeAudio:
		return s.handleAudio(msg)
	case MsgTypeVideo:
		return s.handleVideo(msg)
	case MsgTypeAMF0Data:
		return s.handleData(msg.Payload)
	default:
		return nil
	}
}

func (s *Session) handleCommand(payload []byte) error {
	values, err := amf0.ReadAll(payload)
	if err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	if len(values) == 0 {
		return fmt.Errorf("empty command")
	}
	name, ok := values[0].(string)
	if !ok {
		return fmt.Errorf("command name not a string")
	}
	var transactionID float64
	if len(values) > 1 {
		transactionID, _ = values[1].(float64)
	}

	s.logger.Debug("command received", "name", name)

	switch name {
	case "connect":
		return s.onConnect(values, transactionID)
	case "releaseStream", "FCPublish", "FCUnpublish":
		return nil // acknowledged implicitly; no state change needed
	case "createStream":
		return s.onCreateStream(transactionID)
	case "publish":
		return s.onPublish(values)
	case "play":
		return s.onPlay(values)
	case "deleteStream":
		s.cleanup()
		return nil
	default:
		return nil
	}
}

func (s *Session) onConnect(values []interface{}, transactionID float64) error {
	if len(values) > 2 {
		if obj, ok := values[2].(amf0.Object); ok {
			if app, ok := obj.Get("app"); ok {
				s.app, _ = app.(string)
			}
		}
	}
	s.logger.Info("connect", "app", s.app)

	if err := s.sendControl(MsgTypeWindowAckSize, encodeU32(2500000)); err != nil {
		return err
	}
	peerBW := append(encodeU32(2500000), 2) // limit type "dynamic"
	if err := s.sendControl(MsgTypeSetPeerBandwidth, peerBW); err != nil {
		return err
	}
	if err := s.sendControl(MsgTypeSetChunkSize, encodeU32(4096)); err != nil {
		return err
	}
	s.cw.SetChunkSize(4096)

	result := amf0.Object{
		{Key: "fmsVer", Value: "FMS/3,0,1,123"},
		{Key: "capabilities", Value: float64(31)},
	}
	info := amf0.Object{
		{Key: "level", Value: "status"},
		{Key: "code", Value: "NetConnection.Connect.Success"},
		{Key: "description", Value: "Connection succeeded."},
	}
	return s.sendCommand(csidCommand, streamIDControl, "_result", transactionID, result, info)
}

func (s *Session) onCreateStream(transactionID float64) error {
	return s.sendCommand(csidCommand, streamIDControl, "_result", transactionID, nil, float64(streamIDMedia))
}

func (s *Session) onPublish(values []interface{}) error {
	var streamKey string
	if len(values) > 3 {
		streamKey, _ = values[3].(string)
	}
	id := streamhub.Identifier{App: s.app, Name: streamKey}
	sessionID := s.conn.RemoteAddr().String()

	stream, err := s.hub.Publish(id, sessionID)
	if err != nil {
		_ = s.sendCommand(csidCommand, streamIDMedia, "onStatus", float64(0), nil, amf0.Object{
			{Key: "level", Value: "error"},
			{Key: "code", Value: "NetStream.Publish.BadName"},
			{Key: "description", Value: err.Error()},
		})
		return err
	}

	s.mu.Lock()
	s.publishing = stream
	s.publishID = id
	s.mu.Unlock()

	s.logger.Info("publish started", "app", s.app, "name", streamKey)

	return s.sendCommand(csidCommand, streamIDMedia, "onStatus", float64(0), nil, amf0.Object{
		{Key: "level", Value: "status"},
		{Key: "code", Value: "NetStream.Publish.Start"},
		{Key: "description", Value: "Publishing " + streamKey + "."},
	})
}

func (s *Session) onPlay(values []interface{}) error {
	var streamKey string
	if len(values) > 3 {
		streamKey, _ = values[3].(string)
	}
	id := streamhub.Identifier{App: s.app, Name: streamKey}

	subID := streamhub.NewSubscriberID()
	sub := &streamhub.Subscriber{
		ID: subID,
		OnFrame: func(f streamhub.Frame) {
			if err := s.sendFrame(f); err != nil {
				s.logger.Warn("failed to forward frame", "error", err)
			}
		},
		OnClose: func() {
			_ = s.sendCommand(csidCommand, streamIDMedia, "onStatus", float64(0), nil, amf0.Object{
				{Key: "level", Value: "status"},
				{Key: "code", Value: "NetStream.Play.UnpublishNotify"},
			})
		},
	}

	if err := s.hub.Subscribe(id, sub); err != nil {
		return err
	}

	s.mu.Lock()
	s.subscriberID = subID
	s.playing = id
	s.mu.Unlock()

	s.logger.Info("play started", "app", s.app, "name", streamKey)

	return s.sendCommand(csidCommand, streamIDMedia, "onStatus", float64(0), nil, amf0.Object{
		{Key: "level", Value: "status"},
		{Key: "code", Value: "NetStream.Play.Start"},
		{Key: "description", Value: "Started playing " + streamKey + "."},
	})
}

func (s *Session) handleAudio(msg *Message) error {
	s.mu.Lock()
	stream := s.publishing
	s.mu.Unlock()
	if stream == nil || len(msg.Payload) == 0 {
		return nil
	}

	hdr, err := flv.ParseAudioTagHeader(msg.Payload)
	if err != nil {
		return err
	}
	body := msg.Payload[hdr.HeaderLen:]
	kind := streamhub.FrameKindAudio
	if hdr.SoundFormat == flv.SoundFormatAAC && hdr.AACPacketType == flv.AACPacketTypeSeqHeader {
		kind = streamhub.FrameKindAudioSequenceHeader
	}
	stream.Write(streamhub.Frame{
		Kind:      kind,
		Codec:     streamhub.CodecAAC,
		Timestamp: msg.Timestamp,
		Payload:   body,
	})
	return nil
}

func (s *Session) handleVideo(msg *Message) error {
	s.mu.Lock()
	stream := s.publishing
	s.mu.Unlock()
	if stream == nil || len(msg.Payload) == 0 {
		return nil
	}

	hdr, err := flv.ParseVideoTagHeader(msg.Payload)
	if err != nil {
		return err
	}
	body := msg.Payload[hdr.HeaderLen:]

	codec := streamhub.CodecH264
	if hdr.CodecID == flv.CodecIDHEVC {
		codec = streamhub.CodecH265
	}

	kind := streamhub.FrameKindVideo
	if hdr.AVCPacketType == flv.AVCPacketTypeSeqHeader {
		kind = streamhub.FrameKindVideoSequenceHeader
	}

	stream.Write(streamhub.Frame{
		Kind:      kind,
		Codec:     codec,
		Timestamp: msg.Timestamp,
		KeyFrame:  hdr.FrameType == flv.FrameTypeKey,
		Payload:   body,
	})
	return nil
}

func (s *Session) handleData(payload []byte) error {
	s.mu.Lock()
	stream := s.publishing
	s.mu.Unlock()
	if stream == nil {
		return nil
	}
	stream.Write(streamhub.Frame{Kind: streamhub.FrameKindMetadata, Payload: payload})
	return nil
}

// sendFrame translates a hub Frame back into an FLV-tag-shaped RTMP
// audio/video message and writes it to the wire.
func (s *Session) sendFrame(f streamhub.Frame) error {
	switch f.Kind {
	case streamhub.FrameKindVideo, streamhub.FrameKindVideoSequenceHeader:
		codecID := uint8(flv.CodecIDAVC)
		if f.Codec == streamhub.CodecH265 {
			codecID = flv.CodecIDHEVC
		}
		packetType := uint8(flv.AVCPacketTypeNALU)
		frameType := uint8(flv.FrameTypeInter)
		if f.Kind == streamhub.FrameKindVideoSequenceHeader {
			packetType = flv.AVCPacketTypeSeqHeader
			frameType = flv.FrameTypeKey
		} else if f.KeyFrame {
			frameType = flv.FrameTypeKey
		}
		body := append(flv.BuildVideoTagHeader(frameType, codecID, packetType, 0), f.Payload...)
		return s.cw.WriteMessage(csidVideo, &Message{TypeID: MsgTypeVideo, StreamID: streamIDMedia, Timestamp: f.Timestamp, Payload: body})
	case streamhub.FrameKindAudio, streamhub.FrameKindAudioSequenceHeader:
		packetType := uint8(flv.AACPacketTypeRaw)
		if f.Kind == streamhub.FrameKindAudioSequenceHeader {
			packetType = flv.AACPacketTypeSeqHeader
		}
		body := append(flv.BuildAACAudioTagHeader(packetType), f.Payload...)
		return s.cw.WriteMessage(csidAudio, &Message{TypeID: MsgTypeAudio, StreamID: streamIDMedia, Timestamp: f.Timestamp, Payload: body})
	case streamhub.FrameKindMetadata:
		return s.cw.WriteMessage(csidCommand, &Message{TypeID: MsgTypeAMF0Data, StreamID: streamIDMedia, Timestamp: f.Timestamp, Payload: f.Payload})
	default:
		return nil
	}
}

func (s *Session) sendCommand(csid, streamID uint32, name string, transactionID float64, args ...interface{}) error {
	w := bytesio.NewWriter(128)
	values := append([]interface{}{name, transactionID}, args...)
	if err := amf0.WriteAll(w, values...); err != nil {
		return err
	}
	return s.cw.WriteMessage(csid, &Message{TypeID: MsgTypeAMF0Command, StreamID: streamID, Payload: w.Bytes()})
}

func (s *Session) sendControl(typeID uint8, payload []byte) error {
	return s.cw.WriteMessage(csidProtocolControl, &Message{TypeID: typeID, StreamID: streamIDControl, Payload: payload})
}

func encodeU32(v uint32) []byte {
	w := bytesio.NewWriter(4)
	w.WriteU32(v)
	return w.Bytes()
}

// Server accepts RTMP connections on a listener and dispatches a Session
// per connection.
type Server struct {
	hub    *streamhub.Hub
	logger *slog.Logger
}

// NewServer returns a Server publishing/subscribing against hub.
func NewServer(hub *streamhub.Hub, logger *slog.Logger) *Server {
	return &Server{hub: hub, logger: logger.With("component", "rtmp-server")}
}

// Serve accepts connections on ln until ctx is cancelled.
func (srv *Server) Serve(ctx context.Context, ln net.Listener) error {
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
				return fmt.Errorf("rtmp: accept: %w", err)
			}
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		_ = conn.SetDeadline(time.Time{})
		go func() {
			session := NewSession(conn, srv.hub, srv.logger)
			if err := session.Serve(ctx); err != nil {
				srv.logger.Debug("session ended", "error", err)
			}
			conn.Close()
		}()
	}
}
