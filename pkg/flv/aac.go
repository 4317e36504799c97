package flv

import "errors"

// ErrMalformedASC is returned when an AudioSpecificConfig cannot be parsed.
var ErrMalformedASC = errors.New("flv: malformed AudioSpecificConfig")

// AACSamplingFrequencies is the ADTS/ASC sampling-frequency-index table.
var AACSamplingFrequencies = [16]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350, 0, 0, 0,
}

// Mpeg4Aac holds the parsed AudioSpecificConfig fields needed for ADTS
// framing (spec.md §4.2.3).
type Mpeg4Aac struct {
	Profile                uint8 // AAC object type, ADTS encodes profile = objectType-1
	SamplingFrequencyIndex uint8
	ChannelConfiguration   uint8

	// Extended ASC fields (SBR/PS), present when the object type signals
	// spectral band replication or parametric stereo.
	ExtensionSamplingFrequencyIndex uint8
	SBRPresent                     bool
	PSPresent                      bool
}

// ParseAudioSpecificConfig decodes the 2-byte (or longer, for SBR/PS)
// AudioSpecificConfig carried in the first AAC sequence header.
func ParseAudioSpecificConfig(data []byte) (*Mpeg4Aac, error) {
	if len(data) < 2 {
		return nil, ErrMalformedASC
	}
	r := NewBitReader(data)
	asc := &Mpeg4Aac{}
	asc.Profile = uint8(r.ReadNBits(5))
	asc.SamplingFrequencyIndex = uint8(r.ReadNBits(4))
	if asc.SamplingFrequencyIndex == 0x0F {
		r.ReadNBits(24) // explicit frequency, uncommon; not retained
	}
	asc.ChannelConfiguration = uint8(r.ReadNBits(4))

	if asc.Profile == 5 || asc.Profile == 29 { // SBR, or SBR+PS
		asc.SBRPresent = true
		if asc.Profile == 29 {
			asc.PSPresent = true
		}
		asc.ExtensionSamplingFrequencyIndex = uint8(r.ReadNBits(4))
		asc.Profile = uint8(r.ReadNBits(5)) // underlying object type
	}
	return asc, nil
}

// BuildAudioSpecificConfig serializes a minimal 2-byte ASC (no SBR/PS
// extension), which covers the LC-AAC path the RTP/RTSP/GB28181 ingest
// sessions in this package exercise.
func BuildAudioSpecificConfig(profile, samplingFreqIdx, channelConfig uint8) []byte {
	w := NewBitWriter()
	w.WriteNBits(uint32(profile), 5)
	w.WriteNBits(uint32(samplingFreqIdx), 4)
	w.WriteNBits(uint32(channelConfig), 4)
	w.WriteNBits(0, 3) // align to 2 bytes: frameLengthFlag, dependsOnCoreCoder, extensionFlag
	return w.Bytes()
}

// BuildADTSHeader returns the 7-byte ADTS header for a raw AAC payload of
// length payloadLen, per spec.md §4.2.3.
func BuildADTSHeader(asc *Mpeg4Aac, payloadLen int) []byte {
	frameLen := payloadLen + 7
	h := make([]byte, 7)
	h[0] = 0xFF
	h[1] = 0xF1 // syncword low + MPEG-4 + layer 00 + no CRC
	profileMinusOne := asc.Profile - 1
	h[2] = (profileMinusOne << 6) | (asc.SamplingFrequencyIndex << 2) | ((asc.ChannelConfiguration >> 2) & 0x01)
	h[3] = ((asc.ChannelConfiguration & 0x03) << 6) | byte(frameLen>>11)
	h[4] = byte(frameLen >> 3)
	h[5] = (byte(frameLen&0x07) << 5) | 0x1F
	h[6] = 0xFC
	return h
}

// SplitADTS parses a buffer containing one or more back-to-back ADTS
// frames and returns their raw AAC payloads (headers stripped).
func SplitADTS(data []byte) ([][]byte, error) {
	var frames [][]byte
	pos := 0
	for pos+7 <= len(data) {
		if data[pos] != 0xFF || data[pos+1]&0xF0 != 0xF0 {
			return frames, ErrMalformedASC
		}
		frameLen := (int(data[pos+3]&0x03) << 11) | (int(data[pos+4]) << 3) | (int(data[pos+5]) >> 5)
		if frameLen < 7 || pos+frameLen > len(data) {
			return frames, ErrMalformedASC
		}
		frames = append(frames, data[pos+7:pos+frameLen])
		pos += frameLen
	}
	return frames, nil
}
