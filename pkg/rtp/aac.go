package rtp

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

const (
	// AAC constants
	AACClockRate = 48000
	AUTime       = 1024 // Samples per AAC frame
)

// AACProcessor depacketizes AAC-hbr RTP payloads (RFC 3640, sizelength=13,
// indexlength=3/indexdeltalength=3) into raw access units. The RTSP pull
// client and the RTSP server's RECORD path use it; GB28181 audio arrives
// inside MPEG-PS and RTMP audio is not RTP-framed.
type AACProcessor struct {
	OnFrame func(frame []byte) // called once per access unit in the packet
}

// NewAACProcessor creates a new AAC RTP processor.
func NewAACProcessor() *AACProcessor {
	return &AACProcessor{}
}

// ProcessPacket splits one RTP packet into its AAC access units. A single
// packet may interleave several access units (each preceded by its own
// 16-bit AU header); every one is emitted, not just the first.
func (p *AACProcessor) ProcessPacket(packet *rtp.Packet) error {
	if len(packet.Payload) < 2 {
		return fmt.Errorf("AAC packet too short")
	}

	auHeadersLengthBits := binary.BigEndian.Uint16(packet.Payload[:2])
	auHeadersLengthBytes := int((auHeadersLengthBits + 7) / 8)

	if len(packet.Payload) < 2+auHeadersLengthBytes {
		return fmt.Errorf("AAC packet malformed: AU-headers-length exceeds payload")
	}

	auHeaders := packet.Payload[2 : 2+auHeadersLengthBytes]
	auData := packet.Payload[2+auHeadersLengthBytes:]

	offset := 0
	for len(auHeaders) >= 2 {
		// Each AU header is 16 bits: 13-bit size, 3-bit index/index-delta.
		auSize := int(binary.BigEndian.Uint16(auHeaders[:2]) >> 3)
		auHeaders = auHeaders[2:]

		if offset+auSize > len(auData) {
			return fmt.Errorf("AAC packet malformed: AU size exceeds payload")
		}

		frame := auData[offset : offset+auSize]
		offset += auSize

		if p.OnFrame != nil && len(frame) > 0 {
			p.OnFrame(frame)
		}
	}

	return nil
}
