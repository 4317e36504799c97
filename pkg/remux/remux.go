// Package remux implements the frame-domain remuxers: hub clients that
// subscribe under one Identifier and publish under another, so a stream
// ingested over RTSP, WHIP, or GB28181 is also reachable as an RTMP
// stream. Unlike the teacher's relay (which only ever spoke Cloudflare
// WebRTC), every ingest session here already writes streamhub.Frame in
// RTMP-ready form (AVCC video, FLV-shaped sequence headers), so a
// remuxer's job is the cross-namespace republish and timestamp rebasing,
// not per-frame container transcoding.
package remux

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethan/mediahub/pkg/streamhub"
)

// Remuxer republishes every frame from a source stream under a target
// Identifier, rebasing timestamps so a target subscriber sees a timeline
// starting near zero regardless of how long the source has been live.
type Remuxer struct {
	hub    *streamhub.Hub
	source streamhub.Identifier
	target streamhub.Identifier
	logger *slog.Logger

	sub          *streamhub.Subscriber
	targetStream *streamhub.Stream

	mu            sync.Mutex
	haveVideoBase bool
	baseVideoTS   uint32
	haveAudioBase bool
	baseAudioTS   uint32
}

// New subscribes to source and publishes a rebased copy of its frames
// under target. Returns an error if source has no active publisher or
// target is already published.
func New(hub *streamhub.Hub, source, target streamhub.Identifier, logger *slog.Logger) (*Remuxer, error) {
	targetStream, err := hub.Publish(target, streamhub.NewSubscriberID())
	if err != nil {
		return nil, fmt.Errorf("publish remux target %s: %w", target.String(), err)
	}

	r := &Remuxer{
		hub:          hub,
		source:       source,
		target:       target,
		logger:       logger,
		targetStream: targetStream,
	}

	r.sub = &streamhub.Subscriber{
		ID:      streamhub.NewSubscriberID(),
		OnFrame: r.onFrame,
		OnClose: func() {
			logger.Info("remux source closed", "source", source.String(), "target", target.String())
			hub.Unpublish(target, "")
		},
	}

	if err := hub.Subscribe(source, r.sub); err != nil {
		hub.Unpublish(target, "")
		return nil, fmt.Errorf("subscribe remux source %s: %w", source.String(), err)
	}

	logger.Info("remuxer started", "source", source.String(), "target", target.String())
	return r, nil
}

// onFrame rebases video/audio timestamps to the first frame seen on this
// subscription and republishes the frame unchanged otherwise: sequence
// headers and metadata pass straight through since they already carry no
// timeline position, and ingest already produced RTMP-ready payloads.
func (r *Remuxer) onFrame(f streamhub.Frame) {
	switch f.Kind {
	case streamhub.FrameKindVideo:
		r.mu.Lock()
		if !r.haveVideoBase {
			r.haveVideoBase = true
			r.baseVideoTS = f.Timestamp
		}
		base := r.baseVideoTS
		r.mu.Unlock()
		f.Timestamp = rebase(f.Timestamp, base)

	case streamhub.FrameKindAudio:
		r.mu.Lock()
		if !r.haveAudioBase {
			r.haveAudioBase = true
			r.baseAudioTS = f.Timestamp
		}
		base := r.baseAudioTS
		r.mu.Unlock()
		f.Timestamp = rebase(f.Timestamp, base)
	}

	r.targetStream.Write(f)
}

func rebase(ts, base uint32) uint32 {
	if ts < base {
		return 0
	}
	return ts - base
}

// Close tears the remuxer down: it unsubscribes from the source and
// unpublishes the target, which in turn disconnects every subscriber of
// the remuxed stream.
func (r *Remuxer) Close() {
	r.hub.Unsubscribe(r.source, r.sub.ID)
	r.hub.Unpublish(r.target, "")
}

// RTSPTarget names the RTMP-facing identity a remuxed RTSP stream is
// published under, mirroring the teacher's original_source convention of
// renaming the app segment to the source protocol's name.
func RTSPTarget(source streamhub.Identifier) streamhub.Identifier {
	return streamhub.Identifier{App: "rtsp", Name: source.Name}
}

// WHIPTarget names the RTMP-facing identity a remuxed WHIP stream is
// published under.
func WHIPTarget(source streamhub.Identifier) streamhub.Identifier {
	return streamhub.Identifier{App: "whip", Name: source.Name}
}

// GB28181Target names the RTMP-facing identity a remuxed GB28181 stream
// is published under.
func GB28181Target(source streamhub.Identifier) streamhub.Identifier {
	return streamhub.Identifier{App: "gb28181", Name: source.Name}
}
