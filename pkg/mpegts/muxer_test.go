package mpegts

import (
	"testing"
)

func TestWritePATPMTProducesSyncBytes(t *testing.T) {
	m := NewMuxer()
	p := m.AddProgram(1)
	if p == nil {
		t.Fatal("expected program")
	}
	s := p.AddStream(CodecH264, 0xE0)
	m.AssignPID(s)

	packets := m.WritePATPMT()
	if len(packets) != 2 {
		t.Fatalf("expected PAT + 1 PMT, got %d", len(packets))
	}
	for i, pkt := range packets {
		if len(pkt) != tsPacketSize {
			t.Fatalf("packet %d: expected %d bytes, got %d", i, tsPacketSize, len(pkt))
		}
		if pkt[0] != syncByte {
			t.Fatalf("packet %d: missing sync byte", i)
		}
	}
}

func TestWriteFrameProducesFullPackets(t *testing.T) {
	m := NewMuxer()
	p := m.AddProgram(1)
	s := p.AddStream(CodecH264, 0xE0)
	m.AssignPID(s)

	payload := make([]byte, 500)
	for i := range payload {
		payload[i] = byte(i)
	}
	packets := m.WriteFrame(p, s, 90000, 90000, true, payload)
	if len(packets) < 3 { // PAT + PMT + at least one TS packet for 500 bytes
		t.Fatalf("expected at least 3 packets, got %d", len(packets))
	}
	for i, pkt := range packets {
		if len(pkt) != tsPacketSize {
			t.Fatalf("packet %d: expected %d bytes, got %d", i, tsPacketSize, len(pkt))
		}
	}
}

func TestAddStreamCapEnforced(t *testing.T) {
	m := NewMuxer()
	p := m.AddProgram(1)
	for i := 0; i < maxStreamsPerPMT; i++ {
		if s := p.AddStream(CodecH264, 0xE0); s == nil {
			t.Fatalf("expected stream %d to be added", i)
		}
	}
	if s := p.AddStream(CodecH264, 0xE0); s != nil {
		t.Fatal("expected nil past maxStreamsPerPMT")
	}
}

func TestAddProgramCapEnforced(t *testing.T) {
	m := NewMuxer()
	for i := 0; i < maxPMTs; i++ {
		if p := m.AddProgram(uint16(i + 1)); p == nil {
			t.Fatalf("expected program %d to be added", i)
		}
	}
	if p := m.AddProgram(99); p != nil {
		t.Fatal("expected nil past maxPMTs")
	}
}
