package rtmp

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

func TestChunkWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	cw := NewChunkWriter(&buf)
	msg := &Message{TypeID: MsgTypeVideo, StreamID: 1, Timestamp: 1000, Payload: bytes.Repeat([]byte{0xAB}, 300)}
	if err := cw.WriteMessage(csidVideo, msg); err != nil {
		t.Fatal(err)
	}

	cr := NewChunkReader(&buf)
	got, err := cr.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if got.TypeID != msg.TypeID || got.StreamID != msg.StreamID || got.Timestamp != msg.Timestamp {
		t.Fatalf("header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Payload, msg.Payload) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(got.Payload), len(msg.Payload))
	}
}

func TestChunkWriterSplitsAcrossChunkSize(t *testing.T) {
	var buf bytes.Buffer
	cw := NewChunkWriter(&buf)
	cw.SetChunkSize(64)
	msg := &Message{TypeID: MsgTypeAudio, StreamID: 1, Payload: bytes.Repeat([]byte{0x01}, 200)}
	if err := cw.WriteMessage(csidAudio, msg); err != nil {
		t.Fatal(err)
	}

	cr := NewChunkReader(&buf)
	cr.SetChunkSize(64)
	got, err := cr.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Payload, msg.Payload) {
		t.Fatalf("payload mismatch after multi-chunk reassembly: got %d want %d", len(got.Payload), len(msg.Payload))
	}
}

// TestFMT3InheritsPreviousDeltaForNewMessage exercises a csid's fmt
// sequence [0,1,2,3] with timestamp/delta [t=100, Δ=10, Δ=20, -], which
// must produce absolute timestamps [100,110,130,150]: a fmt3 chunk that
// starts a brand new message (rather than continuing a fragmented one)
// carries no timestamp field of its own and reuses the previous
// message's delta, per RTMP spec §5.3.1.3.
func TestFMT3InheritsPreviousDeltaForNewMessage(t *testing.T) {
	const csid = 4
	var buf bytes.Buffer

	// fmt0: csid=4, ts=100, length=1, typeID=8 (audio), streamID=1, payload=0xAA
	buf.Write(buildBasicHeader(0, csid))
	buf.Write([]byte{0, 0, 100, 0, 0, 1, 8, 1, 0, 0, 0})
	buf.WriteByte(0xAA)

	// fmt1: delta=10, length=1, typeID=8 -> ts=110, payload=0xBB
	buf.Write(buildBasicHeader(1, csid))
	buf.Write([]byte{0, 0, 10, 0, 0, 1, 8})
	buf.WriteByte(0xBB)

	// fmt2: delta=20 -> ts=130, payload=0xCC
	buf.Write(buildBasicHeader(2, csid))
	buf.Write([]byte{0, 0, 20})
	buf.WriteByte(0xCC)

	// fmt3: new message, reuses delta=20 -> ts=150, payload=0xDD
	buf.Write(buildBasicHeader(3, csid))
	buf.WriteByte(0xDD)

	cr := NewChunkReader(&buf)
	want := []struct {
		ts      uint32
		payload byte
	}{
		{100, 0xAA},
		{110, 0xBB},
		{130, 0xCC},
		{150, 0xDD},
	}
	for i, w := range want {
		msg, err := cr.ReadMessage()
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if msg.Timestamp != w.ts {
			t.Errorf("message %d: timestamp = %d, want %d", i, msg.Timestamp, w.ts)
		}
		if len(msg.Payload) != 1 || msg.Payload[0] != w.payload {
			t.Errorf("message %d: payload = %v, want [%#x]", i, msg.Payload, w.payload)
		}
	}
}

func TestBasicHeaderEncodingBoundaries(t *testing.T) {
	cases := []struct {
		csid   uint32
		nBytes int
	}{
		{3, 1},
		{63, 1},
		{64, 2},
		{319, 2},
		{320, 3},
		{65599, 3},
	}
	for _, c := range cases {
		h := buildBasicHeader(0, c.csid)
		if len(h) != c.nBytes {
			t.Errorf("csid %d: expected %d-byte basic header, got %d", c.csid, c.nBytes, len(h))
		}
	}
}

func TestServerHandshakeSimpleFallback(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- ServerHandshake(serverConn) }()

	go func() {
		c0c1 := make([]byte, 1+handshakePacketSize)
		c0c1[0] = handshakeVersion // all-zero C1: no valid complex-handshake digest
		clientConn.Write(c0c1)

		s0s1s2 := make([]byte, 1+2*handshakePacketSize)
		io.ReadFull(clientConn, s0s1s2)

		c2 := make([]byte, handshakePacketSize)
		copy(c2, s0s1s2[1:1+handshakePacketSize]) // echo S1 back as C2
		clientConn.Write(c2)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("handshake failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake timed out")
	}
}
