package rtp

import (
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// H264Packetizer fragments AVCC-framed H.264 samples into RTP packets
// (STAP-A for small frames is intentionally skipped in favor of FU-A +
// single-NAL, matching what pion's H264Payloader already emits), grounded
// on the bridge's writeVideoSampleDirect loop.
type H264Packetizer struct {
	payloader *codecs.H264Payloader
	seq       uint16
	payloadType uint8
	mtu         int
}

// NewH264Packetizer returns a packetizer starting at a random-ish sequence
// number, mirroring the bridge's seeded-from-clock behavior.
func NewH264Packetizer(payloadType uint8) *H264Packetizer {
	return &H264Packetizer{
		payloader:   &codecs.H264Payloader{},
		seq:         uint16(time.Now().UnixNano() & 0xFFFF),
		payloadType: payloadType,
		mtu:         1200,
	}
}

// Packetize splits one AVCC sample (4-byte length prefixed NALUs) into RTP
// packets at the given 90kHz timestamp, marking the last packet.
func (p *H264Packetizer) Packetize(avccSample []byte, timestamp uint32) ([]*rtp.Packet, error) {
	nalus, err := SplitAVCC(avccSample)
	if err != nil {
		return nil, err
	}

	var packets []*rtp.Packet
	for naluIdx, nalu := range nalus {
		payloads := p.payloader.Payload(p.mtu, nalu)
		for i, payload := range payloads {
			packets = append(packets, &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    p.payloadType,
					SequenceNumber: p.seq,
					Timestamp:      timestamp,
					Marker:         naluIdx == len(nalus)-1 && i == len(payloads)-1,
				},
				Payload: payload,
			})
			p.seq++
		}
	}
	return packets, nil
}

// SplitAVCC extracts raw NAL units (without their 4-byte length prefixes)
// out of an AVCC-framed sample.
func SplitAVCC(data []byte) ([][]byte, error) {
	var nalus [][]byte
	offset := 0
	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, errShortNALULength
		}
		n := int(data[offset])<<24 | int(data[offset+1])<<16 | int(data[offset+2])<<8 | int(data[offset+3])
		offset += 4
		if offset+n > len(data) {
			return nil, errShortNALULength
		}
		nalus = append(nalus, data[offset:offset+n])
		offset += n
	}
	return nalus, nil
}

// AACPacketizer packs raw AAC access units into RFC 3640 AU-header
// framing, one AU per RTP packet (the common "AAC-hbr" interleaving-free
// case this server's ingest paths produce).
type AACPacketizer struct {
	seq         uint16
	payloadType uint8
}

// NewAACPacketizer returns a packetizer for payloadType.
func NewAACPacketizer(payloadType uint8) *AACPacketizer {
	return &AACPacketizer{
		seq:         uint16(time.Now().UnixNano() & 0xFFFF),
		payloadType: payloadType,
	}
}

// Packetize wraps one raw AAC access unit in a 4-byte AU-headers-length +
// AU-header preamble (sizelength=13, indexlength=3) per RFC 3640 §3.3.6.
func (p *AACPacketizer) Packetize(frame []byte, timestamp uint32) *rtp.Packet {
	auHeader := uint16(len(frame)) << 3 // 13-bit size, 3-bit index (always 0, no interleaving)
	payload := make([]byte, 4+len(frame))
	payload[0] = 0x00
	payload[1] = 0x10 // AU-headers-length = 16 bits
	payload[2] = byte(auHeader >> 8)
	payload[3] = byte(auHeader)
	copy(payload[4:], frame)

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    p.payloadType,
			SequenceNumber: p.seq,
			Timestamp:      timestamp,
			Marker:         true,
		},
		Payload: payload,
	}
	p.seq++
	return pkt
}
