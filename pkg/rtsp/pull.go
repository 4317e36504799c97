package rtsp

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	pionRTP "github.com/pion/rtp"

	ourtp "github.com/ethan/mediahub/pkg/rtp"
	"github.com/ethan/mediahub/pkg/streamhub"
)

// PullManager dials a configured upstream RTSP URL and republishes it into
// the hub the first time a subscriber misses on that identifier, grounded
// on original_source's RtspPullClientManager: a subscribe against a
// not-yet-present stream triggers an on-demand pull rather than requiring
// every upstream to be pulled eagerly at startup.
type PullManager struct {
	hub     *streamhub.Hub
	sources map[streamhub.Identifier]string
	logger  *slog.Logger

	mu     sync.Mutex
	active map[streamhub.Identifier]context.CancelFunc
}

// NewPullManager builds a PullManager from a "app/name" -> URL map, the
// shape pkg/config.RTSPConfig.PullSources parses from the .env file.
func NewPullManager(hub *streamhub.Hub, sources map[string]string, logger *slog.Logger) *PullManager {
	m := &PullManager{
		hub:     hub,
		sources: make(map[streamhub.Identifier]string, len(sources)),
		logger:  logger,
		active:  make(map[streamhub.Identifier]context.CancelFunc),
	}
	for key, url := range sources {
		app, name, ok := strings.Cut(key, "/")
		if !ok {
			logger.Warn("ignoring malformed rtsp pull source key, want app/name", "key", key)
			continue
		}
		m.sources[streamhub.Identifier{App: app, Name: name}] = url
	}
	return m
}

// Trigger starts a pull for id if a source URL is configured and no pull is
// already in flight, matching the original manager's "the client session
// with id exists" dedup check. Safe to call from streamhub.Hub's
// SetPullTrigger callback.
func (m *PullManager) Trigger(id streamhub.Identifier) {
	url, ok := m.sources[id]
	if !ok {
		return
	}

	m.mu.Lock()
	if _, running := m.active[id]; running {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.active[id] = cancel
	m.mu.Unlock()

	go m.pull(ctx, id, url)
}

func (m *PullManager) pull(ctx context.Context, id streamhub.Identifier, url string) {
	logger := m.logger.With("stream", id.String(), "upstream", url)
	defer func() {
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()
	}()

	client := NewClient(url, logger)
	if err := client.Connect(ctx); err != nil {
		logger.Error("rtsp pull connect failed", "error", err)
		return
	}
	defer client.Close()

	stream, err := m.hub.Publish(id, streamhub.NewSubscriberID())
	if err != nil {
		logger.Warn("rtsp pull publish failed", "error", err)
		return
	}
	defer m.hub.Unpublish(id, "")

	h264Proc := ourtp.NewH264Processor()
	h264Proc.OnFrame = func(nalus []byte, keyframe bool) {
		stream.Write(streamhub.Frame{Kind: streamhub.FrameKindVideo, Codec: streamhub.CodecH264, KeyFrame: keyframe, Payload: nalus})
	}
	aacProc := ourtp.NewAACProcessor()
	aacProc.OnFrame = func(frame []byte) {
		stream.Write(streamhub.Frame{Kind: streamhub.FrameKindAudio, Codec: streamhub.CodecAAC, Payload: frame})
	}

	client.OnRTPPacket = func(channel byte, packet *pionRTP.Packet) {
		ch, ok := client.Channels[channel]
		if !ok {
			return
		}
		switch ch.MediaType {
		case "video":
			if err := h264Proc.ProcessPacket(packet); err != nil {
				logger.Debug("rtsp pull h264 process error", "error", err)
			}
		case "audio":
			if err := aacProc.ProcessPacket(packet); err != nil {
				logger.Debug("rtsp pull aac process error", "error", err)
			}
		}
	}

	if err := client.SetupTracks(ctx); err != nil {
		logger.Error("rtsp pull setup failed", "error", err)
		return
	}
	if err := client.Play(ctx); err != nil {
		logger.Error("rtsp pull play failed", "error", err)
		return
	}

	logger.Info("rtsp pull started")
	if err := client.ReadPackets(ctx); err != nil && ctx.Err() == nil {
		logger.Warn("rtsp pull stopped with error", "error", err)
	}
}

// Stop cancels every in-flight pull, for use during shutdown.
func (m *PullManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.active {
		cancel()
		delete(m.active, id)
	}
}
