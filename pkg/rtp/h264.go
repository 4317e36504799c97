package rtp

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

const (
	// NAL Unit types
	NALUTypeUnspecified = 0
	NALUTypePFrame      = 1
	NALUTypeIFrame      = 5
	NALUTypeSEI         = 6
	NALUTypeSPS         = 7
	NALUTypePPS         = 8
	NALUTypeAUD         = 9
	NALUTypeSTAPA       = 24 // Single-Time Aggregation Packet A
	NALUTypeSTAPB       = 25 // Single-Time Aggregation Packet B (STAP-A + leading DON)
	NALUTypeMTAP16      = 26 // Multi-Time Aggregation Packet, 16-bit TS offset
	NALUTypeMTAP24      = 27 // Multi-Time Aggregation Packet, 24-bit TS offset
	NALUTypeFUA         = 28 // Fragmentation Unit A
	NALUTypeFUB         = 29 // Fragmentation Unit B (FU-A + leading DON on the start fragment)
)

// H264Processor depacketizes H.264 RTP packets (RFC 6184) into AVCC-framed
// access units. Ingest here spans RTSP/GB28181/WHIP sources, so beyond the
// FU-A/STAP-A pair the teacher's RTSP client needed, this also covers
// STAP-B/MTAP16/MTAP24/FU-B, whose only difference from their -A siblings is
// a DON (decoding order number) field this processor parses past and
// discards — streams are consumed in arrival order, not DON order.
type H264Processor struct {
	fuBuffer []byte // reassembly buffer for an in-progress FU-A/FU-B NALU
	sps      []byte
	pps      []byte

	auFrame    []byte // AVCC-framed NALUs accumulated for the in-progress access unit
	auKeyframe bool

	OnFrame func(nalus []byte, keyframe bool) // called once per access unit (RTP marker bit)
}

// NewH264Processor creates a new H.264 RTP processor.
func NewH264Processor() *H264Processor {
	return &H264Processor{
		fuBuffer: make([]byte, 0, 1024*1024), // 1MB initial buffer
		auFrame:  make([]byte, 0, 1024*1024),
	}
}

// ProcessPacket processes an RTP packet containing H.264 data. A complete
// access unit may span several packets (one NALU per packet, no
// aggregation) with the RTP marker bit set only on its last packet; this
// processor accumulates every NALU it sees for the unmarked packets and
// only hands the access unit to OnFrame once the marker arrives, instead of
// gating per-packet emission on the marker bit (which would silently drop
// every non-final NALU of a multi-NALU access unit).
func (p *H264Processor) ProcessPacket(packet *rtp.Packet) error {
	if len(packet.Payload) == 0 {
		return nil
	}

	naluType := packet.Payload[0] & 0x1F

	var err error
	switch naluType {
	case NALUTypeFUA, NALUTypeFUB:
		err = p.processFU(packet, naluType == NALUTypeFUB)
	case NALUTypeSTAPA, NALUTypeSTAPB:
		err = p.processSTAP(packet, naluType == NALUTypeSTAPB)
	case NALUTypeMTAP16:
		err = p.processMTAP(packet, 2)
	case NALUTypeMTAP24:
		err = p.processMTAP(packet, 3)
	default:
		err = p.appendCompletedNALU(packet.Payload, naluType)
	}
	if err != nil {
		return err
	}

	if packet.Marker {
		p.emitAccessUnit()
	}
	return nil
}

// processFU handles fragmented NAL units (FU-A/FU-B). FU-B differs only in
// a 2-byte DON immediately after the FU header on the start fragment.
func (p *H264Processor) processFU(packet *rtp.Packet, isFUB bool) error {
	if len(packet.Payload) < 2 {
		return fmt.Errorf("FU packet too short")
	}

	fuIndicator := packet.Payload[0]
	fuHeader := packet.Payload[1]
	payload := packet.Payload[2:]

	start := (fuHeader & 0x80) != 0
	end := (fuHeader & 0x40) != 0
	naluType := fuHeader & 0x1F

	if start {
		if isFUB {
			if len(payload) < 2 {
				return fmt.Errorf("FU-B start packet too short for DON")
			}
			payload = payload[2:] // skip DON, arrival order is used instead
		}
		p.fuBuffer = p.fuBuffer[:0]
		nalHeader := (fuIndicator & 0xE0) | naluType
		p.fuBuffer = append(p.fuBuffer, nalHeader)
	}

	p.fuBuffer = append(p.fuBuffer, payload...)

	if end {
		return p.appendCompletedNALU(p.fuBuffer, naluType)
	}
	return nil
}

// processSTAP expands a STAP-A/STAP-B aggregation packet. STAP-B carries a
// 2-byte DON right after the NAL header, before the usual size+NALU loop.
func (p *H264Processor) processSTAP(packet *rtp.Packet, isSTAPB bool) error {
	payload := packet.Payload[1:]
	if isSTAPB {
		if len(payload) < 2 {
			return fmt.Errorf("STAP-B packet too short for DON")
		}
		payload = payload[2:]
	}

	for len(payload) > 2 {
		naluSize := binary.BigEndian.Uint16(payload[:2])
		payload = payload[2:]

		if len(payload) < int(naluSize) {
			return fmt.Errorf("STAP NALU size exceeds payload")
		}

		nalu := payload[:naluSize]
		payload = payload[naluSize:]

		if err := p.appendCompletedNALU(nalu, nalu[0]&0x1F); err != nil {
			return err
		}
	}
	return nil
}

// processMTAP expands an MTAP16/MTAP24 aggregation packet: NAL header (1) +
// DONB (2), then a run of NALU size (2) + DOND (1) + TS offset
// (tsOffsetLen bytes) + NALU payload. The TS offset refines each NALU's
// presentation time relative to the RTP timestamp; since every NALU here
// still lands in the same access unit this processor discards it, same as
// DON.
func (p *H264Processor) processMTAP(packet *rtp.Packet, tsOffsetLen int) error {
	payload := packet.Payload[1:]
	if len(payload) < 2 {
		return fmt.Errorf("MTAP packet too short for DONB")
	}
	payload = payload[2:]

	headerLen := 2 + 1 + tsOffsetLen
	for len(payload) > headerLen {
		naluSize := int(binary.BigEndian.Uint16(payload[:2]))
		payload = payload[headerLen:]

		naluPayloadLen := naluSize - (1 + tsOffsetLen)
		if naluPayloadLen < 0 || len(payload) < naluPayloadLen {
			return fmt.Errorf("MTAP NALU size exceeds payload")
		}

		nalu := payload[:naluPayloadLen]
		payload = payload[naluPayloadLen:]

		if err := p.appendCompletedNALU(nalu, nalu[0]&0x1F); err != nil {
			return err
		}
	}
	return nil
}

// appendCompletedNALU tracks SPS/PPS, flags the in-progress access unit as
// a keyframe if this NALU is an IDR slice, and appends the NALU (AVCC
// length-prefixed) to the access unit buffer. It does not emit — emission
// happens once per access unit, when the RTP marker bit arrives.
func (p *H264Processor) appendCompletedNALU(nalu []byte, naluType uint8) error {
	switch naluType {
	case NALUTypeSPS:
		p.sps = append([]byte(nil), nalu...)
	case NALUTypePPS:
		p.pps = append([]byte(nil), nalu...)
	case NALUTypeIFrame:
		p.auKeyframe = true
	}

	p.auFrame = appendNALU(p.auFrame, nalu)
	return nil
}

// emitAccessUnit hands the accumulated access unit to OnFrame, prepending
// SPS/PPS ahead of a keyframe so a late subscriber's decoder always has
// parameter sets alongside the first IDR it receives.
func (p *H264Processor) emitAccessUnit() {
	defer func() {
		p.auFrame = p.auFrame[:0]
		p.auKeyframe = false
	}()

	if len(p.auFrame) == 0 || p.OnFrame == nil {
		return
	}

	frame := p.auFrame
	if p.auKeyframe && len(p.sps) > 0 && len(p.pps) > 0 {
		frame = make([]byte, 0, len(p.sps)+len(p.pps)+len(p.auFrame)+8)
		frame = appendNALU(frame, p.sps)
		frame = appendNALU(frame, p.pps)
		frame = append(frame, p.auFrame...)
	}

	p.OnFrame(frame, p.auKeyframe)
}

// appendNALU appends a NALU with length prefix (AVC format)
func appendNALU(dst, nalu []byte) []byte {
	// AVC format: 4-byte length prefix + NALU data
	length := uint32(len(nalu))
	dst = append(dst,
		byte(length>>24),
		byte(length>>16),
		byte(length>>8),
		byte(length),
	)
	return append(dst, nalu...)
}

// GetSPS returns the stored SPS
func (p *H264Processor) GetSPS() []byte {
	return p.sps
}

// GetPPS returns the stored PPS
func (p *H264Processor) GetPPS() []byte {
	return p.pps
}
