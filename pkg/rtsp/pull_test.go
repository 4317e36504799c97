package rtsp

import (
	"log/slog"
	"os"
	"testing"

	"github.com/ethan/mediahub/pkg/streamhub"
)

func TestNewPullManagerParsesAppNameKeys(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	m := NewPullManager(streamhub.NewHub(logger), map[string]string{
		"live/cam1":  "rtsp://upstream/cam1",
		"malformed":  "rtsp://ignored",
		"live/cam2":  "rtsp://upstream/cam2",
	}, logger)

	if len(m.sources) != 2 {
		t.Fatalf("expected 2 valid sources, got %d: %+v", len(m.sources), m.sources)
	}
	if got := m.sources[streamhub.Identifier{App: "live", Name: "cam1"}]; got != "rtsp://upstream/cam1" {
		t.Fatalf("sources[live/cam1] = %q", got)
	}
}

func TestTriggerIgnoresUnconfiguredIdentifier(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	m := NewPullManager(streamhub.NewHub(logger), map[string]string{}, logger)

	m.Trigger(streamhub.Identifier{App: "live", Name: "cam1"})

	if len(m.active) != 0 {
		t.Fatalf("expected no active pulls, got %d", len(m.active))
	}
}

func TestTriggerDedupsConcurrentPulls(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	id := streamhub.Identifier{App: "live", Name: "cam1"}
	m := NewPullManager(streamhub.NewHub(logger), map[string]string{"live/cam1": "rtsp://127.0.0.1:0/cam1"}, logger)

	m.Trigger(id)
	m.Trigger(id)

	m.mu.Lock()
	n := len(m.active)
	m.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly 1 active pull after duplicate triggers, got %d", n)
	}
	m.Stop()
}
