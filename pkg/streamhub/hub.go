// Package streamhub implements the publish/subscribe fan-out at the center
// of the media server: every ingest session (RTMP, RTSP, GB28181, WHIP)
// publishes frames into a Stream, and every output session (RTMP play,
// RTSP play, WHEP, remuxer) subscribes to one.
package streamhub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrStreamExists is returned by Hub.Publish when a publisher is already
// active for the given Identifier.
var ErrStreamExists = errors.New("streamhub: stream already published")

// ErrStreamNotFound is returned by Hub.Subscribe when no publisher is
// currently active for the given Identifier.
var ErrStreamNotFound = errors.New("streamhub: stream not found")

// Identifier names a stream by application/instance-name, the same pairing
// used across RTMP (app/stream), RTSP (mount path), and GB28181 (device
// SSRC mapped to a stream name by the API service).
type Identifier struct {
	App  string
	Name string
}

func (id Identifier) String() string {
	return fmt.Sprintf("%s/%s", id.App, id.Name)
}

// Codec identifies the elementary stream codec carried by a Frame, shared
// across every ingest/remux path so downstream consumers don't need to
// re-sniff it.
type Codec uint8

const (
	CodecUnknown Codec = iota
	CodecH264
	CodecH265
	CodecAAC
	CodecOpus
	CodecPCMA
	CodecPCMU
)

// FrameKind distinguishes the handful of things that flow through a
// Stream: media payloads, and the sequence-header / metadata events a late
// subscriber needs replayed before the first keyframe.
type FrameKind uint8

const (
	FrameKindVideo FrameKind = iota
	FrameKindAudio
	FrameKindVideoSequenceHeader // AVCDecoderConfigurationRecord / HEVCDecoderConfigurationRecord
	FrameKindAudioSequenceHeader // AudioSpecificConfig
	FrameKindMetadata            // AMF0 onMetaData-equivalent, codec-agnostic
)

// Frame is the unit of data passed from a publisher into a Stream and
// fanned out to every Subscriber. Payload is always in AVCC/HVCC framing
// for video (length-prefixed NALUs), raw AAC for audio.
type Frame struct {
	Kind      FrameKind
	Codec     Codec
	Timestamp uint32 // milliseconds, matching the RTMP/FLV clock domain
	KeyFrame  bool
	Payload   []byte
}

// Event is published on a Hub-wide channel so operators (an HTTP API, a
// notifier webhook) can react to publishers/subscribers coming and going,
// grounded on the RTSPDisconnect/WebRTCDisconnect callback pattern.
type Event struct {
	Type      EventType
	Stream    Identifier
	SessionID string
	At        time.Time
}

// EventType enumerates the lifecycle transitions a Stream can emit.
type EventType uint8

const (
	EventPublish EventType = iota
	EventUnpublish
	EventSubscribe
	EventUnsubscribe
)

// gopCacheLimit bounds how many frames (from the last keyframe forward) a
// Stream retains for late joiners; it is not a duration, since ingest
// frame rates vary across RTMP/RTSP/GB28181 sources.
const gopCacheLimit = 512

// Subscriber receives fanned-out frames. OnFrame must not block; slow
// consumers should buffer internally and drop/backpressure on their own
// goroutine, mirroring the bridge's leaky-bucket pacer upstream of it.
type Subscriber struct {
	ID      string
	OnFrame func(Frame)
	OnClose func()
}

// Stream holds one publisher's sequence headers, a bounded GOP cache, and
// the fan-out list of subscribers.
type Stream struct {
	ID     Identifier
	hub    *Hub
	logger *slog.Logger

	mu              sync.RWMutex
	videoSeqHeader  *Frame
	audioSeqHeader  *Frame
	metadata        *Frame
	gopCache        []Frame
	subscribers     map[string]*Subscriber
	publisherClosed bool

	frameCount atomic.Uint64
	startedAt  time.Time
}

// Hub owns every active Stream, keyed by Identifier.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	streams map[Identifier]*Stream

	events   chan Event
	eventsWG sync.WaitGroup

	pullTrigger func(Identifier)
}

// NewHub returns an empty Hub. Events is buffered so a slow listener
// cannot stall a publish/subscribe call; overflow is dropped and logged.
func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{
		logger:  logger,
		streams: make(map[Identifier]*Stream),
		events:  make(chan Event, 256),
	}
	return h
}

// Events returns the channel operators should range over to observe
// publish/unpublish/subscribe/unsubscribe transitions.
func (h *Hub) Events() <-chan Event {
	return h.events
}

// SetPullTrigger installs the callback invoked on a Subscribe miss, giving a
// relay-pull client manager (pkg/rtsp.PullManager) a chance to fetch the
// stream from an upstream source before the caller retries, matching the
// rtmp_pull_enabled/relay-subscribe behavior of the original hub: a missing
// identifier still replies ErrStreamNotFound immediately, but asynchronously
// kicks off an upstream pull so a subsequent Subscribe can succeed.
func (h *Hub) SetPullTrigger(fn func(Identifier)) {
	h.pullTrigger = fn
}

func (h *Hub) emit(ev Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("dropping stream event, listener too slow", "type", ev.Type, "stream", ev.Stream.String())
	}
}

// Publish registers a new Stream for id. Returns ErrStreamExists if a
// publisher is already active, matching the "single active publisher per
// name" invariant shared by RTMP, RTSP, and GB28181 ingest.
func (h *Hub) Publish(id Identifier, sessionID string) (*Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.streams[id]; exists {
		return nil, ErrStreamExists
	}

	s := &Stream{
		ID:          id,
		hub:         h,
		logger:      h.logger.With("stream", id.String()),
		subscribers: make(map[string]*Subscriber),
		startedAt:   time.Now(),
	}
	h.streams[id] = s
	h.logger.Info("stream published", "stream", id.String(), "session_id", sessionID)
	h.emit(Event{Type: EventPublish, Stream: id, SessionID: sessionID, At: time.Now()})
	return s, nil
}

// Lookup returns the active Stream for id, if any.
func (h *Hub) Lookup(id Identifier) (*Stream, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.streams[id]
	return s, ok
}

// Unpublish tears down a Stream, notifying every subscriber's OnClose.
func (h *Hub) Unpublish(id Identifier, sessionID string) {
	h.mu.Lock()
	s, ok := h.streams[id]
	if ok {
		delete(h.streams, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.publisherClosed = true
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.OnClose != nil {
			sub.OnClose()
		}
	}

	h.logger.Info("stream unpublished", "stream", id.String(), "frames", s.frameCount.Load(), "uptime", time.Since(s.startedAt))
	h.emit(Event{Type: EventUnpublish, Stream: id, SessionID: sessionID, At: time.Now()})
}

// Subscribe attaches sub to the stream named by id. On success, the
// subscriber is immediately replayed the stored sequence headers and GOP
// cache so it can start decoding without waiting for the next keyframe.
func (h *Hub) Subscribe(id Identifier, sub *Subscriber) error {
	h.mu.RLock()
	s, ok := h.streams[id]
	h.mu.RUnlock()
	if !ok {
		if h.pullTrigger != nil {
			go h.pullTrigger(id)
		}
		return ErrStreamNotFound
	}

	s.mu.Lock()
	s.subscribers[sub.ID] = sub
	replay := s.replayLocked()
	s.mu.Unlock()

	for _, f := range replay {
		sub.OnFrame(f)
	}

	h.logger.Info("subscriber attached", "stream", id.String(), "subscriber", sub.ID)
	h.emit(Event{Type: EventSubscribe, Stream: id, SessionID: sub.ID, At: time.Now()})
	return nil
}

// Unsubscribe detaches a subscriber without affecting the publisher.
func (h *Hub) Unsubscribe(id Identifier, subscriberID string) {
	h.mu.RLock()
	s, ok := h.streams[id]
	h.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.subscribers, subscriberID)
	s.mu.Unlock()
	h.emit(Event{Type: EventUnsubscribe, Stream: id, SessionID: subscriberID, At: time.Now()})
}

// replayLocked returns the sequence headers (if any) followed by the GOP
// cache, in emission order. Caller must hold s.mu.
func (s *Stream) replayLocked() []Frame {
	var out []Frame
	if s.metadata != nil {
		out = append(out, *s.metadata)
	}
	if s.videoSeqHeader != nil {
		out = append(out, *s.videoSeqHeader)
	}
	if s.audioSeqHeader != nil {
		out = append(out, *s.audioSeqHeader)
	}
	out = append(out, s.gopCache...)
	return out
}

// Write fans a frame out to every current subscriber and, for video/audio
// frames, appends it to the GOP cache (reset on each keyframe).
func (s *Stream) Write(f Frame) {
	s.frameCount.Add(1)

	s.mu.Lock()
	switch f.Kind {
	case FrameKindVideoSequenceHeader:
		s.videoSeqHeader = &f
	case FrameKindAudioSequenceHeader:
		s.audioSeqHeader = &f
	case FrameKindMetadata:
		s.metadata = &f
	case FrameKindVideo:
		if f.KeyFrame {
			s.gopCache = s.gopCache[:0]
		}
		if len(s.gopCache) < gopCacheLimit {
			s.gopCache = append(s.gopCache, f)
		}
	case FrameKindAudio:
		if len(s.gopCache) < gopCacheLimit {
			s.gopCache = append(s.gopCache, f)
		}
	}
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.OnFrame(f)
	}
}

// SubscriberCount reports the current fan-out width, used by the API
// surface and by idle-timeout logic in the session layer.
func (s *Stream) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// List returns every currently published Identifier.
func (h *Hub) List() []Identifier {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Identifier, 0, len(h.streams))
	for id := range h.streams {
		out = append(out, id)
	}
	return out
}

// NewSubscriberID returns a unique (UUID) identity, used for subscriber
// and publisher session IDs by RTMP play, RTSP, WHIP/WHEP and the remuxer.
func NewSubscriberID() string {
	return uuid.NewString()
}

// Shutdown unpublishes every stream, used on process shutdown so every
// subscriber sees a clean close rather than a dropped connection.
func (h *Hub) Shutdown(ctx context.Context) {
	for _, id := range h.List() {
		h.Unpublish(id, "shutdown")
	}
}
