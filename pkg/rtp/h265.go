package rtp

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

const (
	// H.265 NAL unit types relevant to depacketization (RFC 7798 §4).
	H265NALUTypeVPS     = 32
	H265NALUTypeSPS     = 33
	H265NALUTypePPS     = 34
	H265NALUTypeAUD     = 35
	H265NALUTypeIDRW    = 19
	H265NALUTypeIDRN    = 20
	H265NALUTypeCRA     = 21
	H265NALUTypeAP      = 48 // Aggregation Packet
	H265NALUTypeFU      = 49 // Fragmentation Unit
)

// H265Processor depacketizes H.265/HEVC RTP payloads (RFC 7798), mirroring
// H264Processor's fragmentation/aggregation handling with the 2-byte NAL
// header and 1-byte FU header RFC 7798 uses in place of H.264's single
// header byte.
type H265Processor struct {
	buffer  []byte
	vps     []byte
	sps     []byte
	pps     []byte
	OnFrame func(nalus []byte, keyframe bool)
}

// NewH265Processor creates a new H.265 RTP processor.
func NewH265Processor() *H265Processor {
	return &H265Processor{buffer: make([]byte, 0, 1024*1024)}
}

func h265NALUType(header uint16) uint8 {
	return uint8((header >> 9) & 0x3F)
}

// ProcessPacket processes an RTP packet containing H.265 data.
func (p *H265Processor) ProcessPacket(packet *rtp.Packet) error {
	if len(packet.Payload) < 2 {
		return nil
	}
	header := binary.BigEndian.Uint16(packet.Payload[:2])
	naluType := h265NALUType(header)

	switch naluType {
	case H265NALUTypeFU:
		return p.processFU(packet, header)
	case H265NALUTypeAP:
		return p.processAP(packet)
	default:
		return p.processSingleNALU(packet, naluType)
	}
}

func (p *H265Processor) processFU(packet *rtp.Packet, header uint16) error {
	if len(packet.Payload) < 3 {
		return fmt.Errorf("h265: FU packet too short")
	}
	fuHeader := packet.Payload[2]
	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0
	fragType := fuHeader & 0x3F
	payload := packet.Payload[3:]

	if start {
		p.buffer = p.buffer[:0]
		// Reconstruct the 2-byte NAL header with the real fragment type.
		reconstructed := (header &^ (0x3F << 9)) | (uint16(fragType) << 9)
		p.buffer = append(p.buffer, byte(reconstructed>>8), byte(reconstructed))
	}
	p.buffer = append(p.buffer, payload...)

	if end {
		return p.emitNALU(p.buffer, fragType, packet.Marker)
	}
	return nil
}

func (p *H265Processor) processAP(packet *rtp.Packet) error {
	payload := packet.Payload[2:] // skip AP's own 2-byte NAL header
	var nalus []byte
	for len(payload) > 2 {
		size := binary.BigEndian.Uint16(payload[:2])
		payload = payload[2:]
		if len(payload) < int(size) || size < 2 {
			return fmt.Errorf("h265: AP NALU size exceeds payload")
		}
		nalu := payload[:size]
		payload = payload[size:]
		nalus = appendNALU(nalus, nalu)
		p.rememberParameterSet(nalu, h265NALUType(binary.BigEndian.Uint16(nalu[:2])))
	}
	if len(nalus) > 0 && p.OnFrame != nil {
		p.OnFrame(nalus, false)
	}
	return nil
}

func (p *H265Processor) processSingleNALU(packet *rtp.Packet, naluType uint8) error {
	return p.emitNALU(packet.Payload, naluType, packet.Marker)
}

func (p *H265Processor) rememberParameterSet(nalu []byte, naluType uint8) {
	switch naluType {
	case H265NALUTypeVPS:
		p.vps = append([]byte(nil), nalu...)
	case H265NALUTypeSPS:
		p.sps = append([]byte(nil), nalu...)
	case H265NALUTypePPS:
		p.pps = append([]byte(nil), nalu...)
	}
}

func (p *H265Processor) emitNALU(nalu []byte, naluType uint8, marker bool) error {
	p.rememberParameterSet(nalu, naluType)

	isKeyframe := naluType == H265NALUTypeIDRW || naluType == H265NALUTypeIDRN || naluType == H265NALUTypeCRA

	var frame []byte
	if isKeyframe && len(p.vps) > 0 && len(p.sps) > 0 && len(p.pps) > 0 {
		frame = appendNALU(frame, p.vps)
		frame = appendNALU(frame, p.sps)
		frame = appendNALU(frame, p.pps)
		frame = appendNALU(frame, nalu)
	} else {
		frame = appendNALU(frame, nalu)
	}

	if p.OnFrame != nil && marker {
		p.OnFrame(frame, isKeyframe)
	}
	return nil
}

// GetParameterSets returns the most recently seen VPS/SPS/PPS.
func (p *H265Processor) GetParameterSets() (vps, sps, pps []byte) {
	return p.vps, p.sps, p.pps
}
