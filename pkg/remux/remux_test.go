package remux

import (
	"log/slog"
	"os"
	"testing"

	"github.com/ethan/mediahub/pkg/streamhub"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRemuxerRebasesTimestampsFromFirstFrame(t *testing.T) {
	hub := streamhub.NewHub(testLogger())
	source := streamhub.Identifier{App: "live", Name: "cam1"}
	sourceStream, err := hub.Publish(source, "pub-1")
	if err != nil {
		t.Fatal(err)
	}

	target := RTSPTarget(source)
	if target != (streamhub.Identifier{App: "rtsp", Name: "cam1"}) {
		t.Fatalf("RTSPTarget = %+v", target)
	}

	r, err := New(hub, source, target, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var got []streamhub.Frame
	sub := &streamhub.Subscriber{ID: "viewer-1", OnFrame: func(f streamhub.Frame) { got = append(got, f) }}
	if err := hub.Subscribe(target, sub); err != nil {
		t.Fatal(err)
	}

	sourceStream.Write(streamhub.Frame{Kind: streamhub.FrameKindVideo, KeyFrame: true, Timestamp: 1000, Payload: []byte{0xAA}})
	sourceStream.Write(streamhub.Frame{Kind: streamhub.FrameKindVideo, Timestamp: 1033, Payload: []byte{0xBB}})
	sourceStream.Write(streamhub.Frame{Kind: streamhub.FrameKindVideo, Timestamp: 1066, Payload: []byte{0xCC}})

	if len(got) != 3 {
		t.Fatalf("got %d frames, want 3", len(got))
	}
	wantTimestamps := []uint32{0, 33, 66}
	for i, want := range wantTimestamps {
		if got[i].Timestamp != want {
			t.Errorf("frame %d timestamp = %d, want %d", i, got[i].Timestamp, want)
		}
	}
}

func TestRemuxerUnpublishesTargetWhenSourceCloses(t *testing.T) {
	hub := streamhub.NewHub(testLogger())
	source := streamhub.Identifier{App: "live", Name: "cam1"}
	if _, err := hub.Publish(source, "pub-1"); err != nil {
		t.Fatal(err)
	}

	target := WHIPTarget(source)
	if _, err := New(hub, source, target, testLogger()); err != nil {
		t.Fatal(err)
	}

	hub.Unpublish(source, "pub-1")

	if _, ok := hub.Lookup(target); ok {
		t.Fatal("expected remux target to be unpublished when source closes")
	}
}

func TestGB28181TargetNamesApp(t *testing.T) {
	source := streamhub.Identifier{App: "live", Name: "device-01"}
	if got := GB28181Target(source); got.App != "gb28181" || got.Name != "device-01" {
		t.Fatalf("GB28181Target = %+v", got)
	}
}
