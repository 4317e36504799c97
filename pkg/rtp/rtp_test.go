package rtp

import (
	"bytes"
	"testing"

	pionrtp "github.com/pion/rtp"
)

func TestH264ProcessorSingleNALU(t *testing.T) {
	p := NewH264Processor()
	var got []byte
	var keyframe bool
	p.OnFrame = func(nalus []byte, kf bool) { got = nalus; keyframe = kf }

	pkt := &pionrtp.Packet{
		Header:  pionrtp.Header{Marker: true},
		Payload: append([]byte{0x65}, []byte{0x01, 0x02}...),
	}
	if err := p.ProcessPacket(pkt); err != nil {
		t.Fatal(err)
	}
	if !keyframe {
		t.Fatal("expected keyframe")
	}
	if len(got) == 0 {
		t.Fatal("expected emitted frame")
	}
}

func TestH264ProcessorFUAReassembly(t *testing.T) {
	p := NewH264Processor()
	var got []byte
	p.OnFrame = func(nalus []byte, kf bool) { got = nalus }

	fuIndicator := byte(0x3C) // forbidden=0, nri=01, type=28 (FU-A)
	startHeader := byte(0x85) // start=1, end=0, type=5 (IDR)
	endHeader := byte(0x45)   // start=0, end=1, type=5

	start := &pionrtp.Packet{Payload: []byte{fuIndicator, startHeader, 0xAA, 0xBB}}
	end := &pionrtp.Packet{Header: pionrtp.Header{Marker: true}, Payload: []byte{fuIndicator, endHeader, 0xCC}}

	if err := p.ProcessPacket(start); err != nil {
		t.Fatal(err)
	}
	if err := p.ProcessPacket(end); err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 {
		t.Fatal("expected reassembled frame")
	}
}

// TestH264ProcessorAccumulatesMultiNALUAccessUnit exercises an access unit
// sent as two single-NALU packets (no aggregation, no fragmentation) with
// the RTP marker bit set only on the last one — gating emission solely on
// packet.Marker would silently drop the first NALU.
func TestH264ProcessorAccumulatesMultiNALUAccessUnit(t *testing.T) {
	p := NewH264Processor()
	var frames [][]byte
	p.OnFrame = func(nalus []byte, kf bool) { frames = append(frames, append([]byte(nil), nalus...)) }

	aud := &pionrtp.Packet{Payload: []byte{0x09, 0xF0}} // AUD, type 9, no marker
	idr := &pionrtp.Packet{Header: pionrtp.Header{Marker: true}, Payload: []byte{0x65, 0xAA, 0xBB}}

	if err := p.ProcessPacket(aud); err != nil {
		t.Fatal(err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected no emission before marker, got %d frames", len(frames))
	}
	if err := p.ProcessPacket(idr); err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected exactly one emitted access unit, got %d", len(frames))
	}

	nalus, err := SplitAVCC(frames[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(nalus) != 2 {
		t.Fatalf("expected both NALUs in the emitted access unit, got %d", len(nalus))
	}
	if nalus[0][0]&0x1F != 9 || nalus[1][0]&0x1F != 5 {
		t.Fatalf("unexpected NALU types in access unit: %v", nalus)
	}
}

func TestH264ProcessorSTAPB(t *testing.T) {
	p := NewH264Processor()
	var got []byte
	p.OnFrame = func(nalus []byte, kf bool) { got = nalus }

	sps := []byte{0x67, 0x01, 0x02}
	pps := []byte{0x68, 0x03}
	payload := []byte{0x19, 0x00, 0x00} // STAP-B header (type 25) + 2-byte DON
	payload = append(payload, byte(len(sps)>>8), byte(len(sps)))
	payload = append(payload, sps...)
	payload = append(payload, byte(len(pps)>>8), byte(len(pps)))
	payload = append(payload, pps...)

	pkt := &pionrtp.Packet{Header: pionrtp.Header{Marker: true}, Payload: payload}
	if err := p.ProcessPacket(pkt); err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 {
		t.Fatal("expected emitted access unit from STAP-B")
	}
	if !bytes.Equal(p.GetSPS(), sps) || !bytes.Equal(p.GetPPS(), pps) {
		t.Fatalf("expected SPS/PPS extracted from STAP-B, got sps=%v pps=%v", p.GetSPS(), p.GetPPS())
	}
}

func TestH264ProcessorFUB(t *testing.T) {
	p := NewH264Processor()
	var got []byte
	var keyframe bool
	p.OnFrame = func(nalus []byte, kf bool) { got = nalus; keyframe = kf }

	fuIndicator := byte(0x3D) // type 29 (FU-B)
	startHeader := byte(0x85) // start=1, end=0, type=5 (IDR)
	endHeader := byte(0x45)   // start=0, end=1, type=5

	start := &pionrtp.Packet{Payload: []byte{fuIndicator, startHeader, 0x00, 0x01, 0xAA, 0xBB}} // + 2-byte DON
	end := &pionrtp.Packet{Header: pionrtp.Header{Marker: true}, Payload: []byte{fuIndicator, endHeader, 0xCC}}

	if err := p.ProcessPacket(start); err != nil {
		t.Fatal(err)
	}
	if err := p.ProcessPacket(end); err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 {
		t.Fatal("expected reassembled frame from FU-B")
	}
	if !keyframe {
		t.Fatal("expected keyframe detection for FU-B reassembled IDR")
	}
}

func TestH265ProcessorSingleNALU(t *testing.T) {
	p := NewH265Processor()
	var keyframe bool
	p.OnFrame = func(nalus []byte, kf bool) { keyframe = kf }

	// NAL header: type=19 (IDR_W_RADL) -> bits 9-14 = 19
	header := uint16(19) << 9
	payload := []byte{byte(header >> 8), byte(header), 0xAA, 0xBB}
	pkt := &pionrtp.Packet{Header: pionrtp.Header{Marker: true}, Payload: payload}
	if err := p.ProcessPacket(pkt); err != nil {
		t.Fatal(err)
	}
	if !keyframe {
		t.Fatal("expected keyframe detection for IDR_W_RADL")
	}
}

func TestAACProcessorSplitsAccessUnits(t *testing.T) {
	p := NewAACProcessor()
	var frames [][]byte
	p.OnFrame = func(f []byte) { frames = append(frames, append([]byte(nil), f...)) }

	au1 := []byte{0x11, 0x22, 0x33}
	au2 := []byte{0x44, 0x55}

	auHeadersLen := uint16(32) // 2 headers * 16 bits
	payload := make([]byte, 0)
	payload = append(payload, byte(auHeadersLen>>8), byte(auHeadersLen))
	payload = append(payload, byte(uint16(len(au1))<<3>>8), byte(uint16(len(au1))<<3))
	payload = append(payload, byte(uint16(len(au2))<<3>>8), byte(uint16(len(au2))<<3))
	payload = append(payload, au1...)
	payload = append(payload, au2...)

	pkt := &pionrtp.Packet{Payload: payload}
	if err := p.ProcessPacket(pkt); err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 AUs, got %d", len(frames))
	}
	if !bytes.Equal(frames[0], au1) || !bytes.Equal(frames[1], au2) {
		t.Fatalf("AU payload mismatch: %v %v", frames[0], frames[1])
	}
}

func TestH264PacketizerRoundTripsThroughDepacketizer(t *testing.T) {
	packetizer := NewH264Packetizer(96)
	sample := appendNALU(nil, []byte{0x65, 0xAA, 0xBB, 0xCC})
	packets, err := packetizer.Packetize(sample, 90000)
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) == 0 {
		t.Fatal("expected at least one packet")
	}

	proc := NewH264Processor()
	var got []byte
	proc.OnFrame = func(nalus []byte, kf bool) { got = nalus }
	for _, pkt := range packets {
		if err := proc.ProcessPacket(pkt); err != nil {
			t.Fatal(err)
		}
	}
	if len(got) == 0 {
		t.Fatal("expected depacketized frame")
	}
}

func TestAACPacketizerRoundTripsThroughDepacketizer(t *testing.T) {
	packetizer := NewAACPacketizer(97)
	frame := []byte{0x01, 0x02, 0x03, 0x04}
	pkt := packetizer.Packetize(frame, 1024)

	proc := NewAACProcessor()
	var got []byte
	proc.OnFrame = func(f []byte) { got = append([]byte(nil), f...) }
	if err := proc.ProcessPacket(pkt); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, frame) {
		t.Fatalf("expected round-tripped AAC frame, got %v", got)
	}
}
