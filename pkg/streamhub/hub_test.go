package streamhub

import (
	"log/slog"
	"os"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPublishSubscribeReplaysGOPCache(t *testing.T) {
	h := NewHub(testLogger())
	id := Identifier{App: "live", Name: "cam1"}

	s, err := h.Publish(id, "pub-1")
	if err != nil {
		t.Fatal(err)
	}

	s.Write(Frame{Kind: FrameKindVideoSequenceHeader, Payload: []byte{0x01}})
	s.Write(Frame{Kind: FrameKindVideo, KeyFrame: true, Payload: []byte{0xAA}})
	s.Write(Frame{Kind: FrameKindVideo, KeyFrame: false, Payload: []byte{0xBB}})

	var got []Frame
	sub := &Subscriber{ID: "sub-1", OnFrame: func(f Frame) { got = append(got, f) }}
	if err := h.Subscribe(id, sub); err != nil {
		t.Fatal(err)
	}

	if len(got) != 3 {
		t.Fatalf("expected seq header + 2 cached frames, got %d", len(got))
	}
	if got[0].Kind != FrameKindVideoSequenceHeader {
		t.Fatalf("expected sequence header first, got %v", got[0].Kind)
	}

	s.Write(Frame{Kind: FrameKindVideo, KeyFrame: false, Payload: []byte{0xCC}})
	if len(got) != 4 {
		t.Fatalf("expected live frame fanned out, got %d frames", len(got))
	}
}

func TestPublishTwiceFails(t *testing.T) {
	h := NewHub(testLogger())
	id := Identifier{App: "live", Name: "cam1"}
	if _, err := h.Publish(id, "pub-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Publish(id, "pub-2"); err != ErrStreamExists {
		t.Fatalf("expected ErrStreamExists, got %v", err)
	}
}

func TestSubscribeMissingStreamFails(t *testing.T) {
	h := NewHub(testLogger())
	err := h.Subscribe(Identifier{App: "live", Name: "missing"}, &Subscriber{ID: "sub", OnFrame: func(Frame) {}})
	if err != ErrStreamNotFound {
		t.Fatalf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestUnpublishClosesSubscribers(t *testing.T) {
	h := NewHub(testLogger())
	id := Identifier{App: "live", Name: "cam1"}
	if _, err := h.Publish(id, "pub-1"); err != nil {
		t.Fatal(err)
	}

	closed := false
	sub := &Subscriber{ID: "sub-1", OnFrame: func(Frame) {}, OnClose: func() { closed = true }}
	if err := h.Subscribe(id, sub); err != nil {
		t.Fatal(err)
	}

	h.Unpublish(id, "pub-1")
	if !closed {
		t.Fatal("expected OnClose to be called")
	}
	if _, ok := h.Lookup(id); ok {
		t.Fatal("expected stream to be removed from hub")
	}
}

func TestSubscribeMissingStreamFiresPullTrigger(t *testing.T) {
	h := NewHub(testLogger())
	id := Identifier{App: "live", Name: "missing"}

	var mu sync.Mutex
	var got Identifier
	done := make(chan struct{})
	h.SetPullTrigger(func(triggered Identifier) {
		mu.Lock()
		got = triggered
		mu.Unlock()
		close(done)
	})

	if err := h.Subscribe(id, &Subscriber{ID: "sub", OnFrame: func(Frame) {}}); err != ErrStreamNotFound {
		t.Fatalf("expected ErrStreamNotFound, got %v", err)
	}

	<-done
	mu.Lock()
	defer mu.Unlock()
	if got != id {
		t.Fatalf("pull trigger fired for %+v, want %+v", got, id)
	}
}

func TestKeyframeResetsGOPCache(t *testing.T) {
	h := NewHub(testLogger())
	id := Identifier{App: "live", Name: "cam1"}
	s, _ := h.Publish(id, "pub-1")

	s.Write(Frame{Kind: FrameKindVideo, KeyFrame: true, Payload: []byte{0x01}})
	s.Write(Frame{Kind: FrameKindVideo, KeyFrame: false, Payload: []byte{0x02}})
	s.Write(Frame{Kind: FrameKindVideo, KeyFrame: true, Payload: []byte{0x03}})

	var got []Frame
	sub := &Subscriber{ID: "sub-1", OnFrame: func(f Frame) { got = append(got, f) }}
	if err := h.Subscribe(id, sub); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Payload[0] != 0x03 {
		t.Fatalf("expected GOP cache reset at second keyframe, got %v", got)
	}
}
