package flv

import (
	"encoding/binary"
	"errors"
)

// AnnexBStartCode is the 4-byte Annex-B NAL start code emitted by this
// package. (3-byte start codes are accepted on read but never produced.)
var AnnexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// NAL unit type constants relevant to SPS/PPS/IDR classification.
const (
	NALTypeMask = 0x1F
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
)

// ErrMalformedAVCC is returned when an AVCDecoderConfigurationRecord or an
// AVCC-framed sample cannot be parsed.
var ErrMalformedAVCC = errors.New("flv: malformed AVCC data")

// Mpeg4Avc holds the parsed AVCDecoderConfigurationRecord, with every
// SPS/PPS stored as a full NAL unit (header byte included); their
// Annex-B form is built on demand for prepending before an IDR.
type Mpeg4Avc struct {
	Profile        uint8
	Compatibility  uint8
	Level          uint8
	NaluLengthSize int
	SPS            [][]byte
	PPS            [][]byte
}

// AnnexBParameterSets returns the stored SPS/PPS NALs concatenated with
// Annex-B start codes, in SPS-then-PPS order.
func (r *Mpeg4Avc) AnnexBParameterSets() []byte {
	var out []byte
	for _, sps := range r.SPS {
		out = append(out, AnnexBStartCode...)
		out = append(out, sps...)
	}
	for _, pps := range r.PPS {
		out = append(out, AnnexBStartCode...)
		out = append(out, pps...)
	}
	return out
}

// ParseAVCDecoderConfigurationRecord decodes the body of the first AVC
// video sequence header (spec.md §4.2.2).
func ParseAVCDecoderConfigurationRecord(data []byte) (*Mpeg4Avc, error) {
	if len(data) < 6 {
		return nil, ErrMalformedAVCC
	}
	rec := &Mpeg4Avc{
		Profile:        data[1],
		Compatibility:  data[2],
		Level:          data[3],
		NaluLengthSize: int(data[4]&0x03) + 1,
	}
	pos := 5
	numSPS := int(data[pos] & 0x1F)
	pos++
	for i := 0; i < numSPS; i++ {
		if pos+2 > len(data) {
			return nil, ErrMalformedAVCC
		}
		l := int(binary.BigEndian.Uint16(data[pos:]))
		pos += 2
		if pos+l > len(data) {
			return nil, ErrMalformedAVCC
		}
		rec.SPS = append(rec.SPS, append([]byte(nil), data[pos:pos+l]...))
		pos += l
	}
	if pos >= len(data) {
		return nil, ErrMalformedAVCC
	}
	numPPS := int(data[pos])
	pos++
	for i := 0; i < numPPS; i++ {
		if pos+2 > len(data) {
			return nil, ErrMalformedAVCC
		}
		l := int(binary.BigEndian.Uint16(data[pos:]))
		pos += 2
		if pos+l > len(data) {
			return nil, ErrMalformedAVCC
		}
		rec.PPS = append(rec.PPS, append([]byte(nil), data[pos:pos+l]...))
		pos += l
	}
	return rec, nil
}

// BuildAVCDecoderConfigurationRecord serializes an AVCDecoderConfigurationRecord
// from the first observed SPS/PPS, used by a remuxer synthesizing an RTMP
// sequence header from RTSP/WHIP/GB28181 SDP-less parameter sets.
func BuildAVCDecoderConfigurationRecord(sps, pps []byte) []byte {
	out := make([]byte, 0, 11+len(sps)+len(pps))
	out = append(out, 0x01) // version
	if len(sps) >= 4 {
		out = append(out, sps[1], sps[2], sps[3]) // profile, compat, level
	} else {
		out = append(out, 0x42, 0xC0, 0x1E)
	}
	out = append(out, 0xFF) // reserved(6) + nalu_length_size_minus_one(2) = 3 -> 4-byte lengths
	out = append(out, 0xE1) // reserved(3) + num_sps(5) = 1
	out = appendU16Prefixed(out, sps)
	out = append(out, 0x01) // num_pps
	out = appendU16Prefixed(out, pps)
	return out
}

func appendU16Prefixed(out, data []byte) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(data)))
	out = append(out, l[:]...)
	return append(out, data...)
}

// SplitAnnexB slices data (Annex-B form, 3- or 4-byte start codes) into
// individual NAL units without their start codes.
func SplitAnnexB(data []byte) [][]byte {
	var nals [][]byte
	starts := findStartCodes(data)
	for i, s := range starts {
		begin := s.offset + s.length
		var end int
		if i+1 < len(starts) {
			end = starts[i+1].offset
		} else {
			end = len(data)
		}
		if begin < end {
			nals = append(nals, data[begin:end])
		}
	}
	return nals
}

type startCodeLoc struct {
	offset int
	length int
}

func findStartCodes(data []byte) []startCodeLoc {
	var out []startCodeLoc
	for i := 0; i+2 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 {
			if data[i+2] == 1 {
				out = append(out, startCodeLoc{offset: i, length: 3})
				i += 2
				continue
			}
			if i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1 {
				out = append(out, startCodeLoc{offset: i, length: 4})
				i += 3
				continue
			}
		}
	}
	return out
}

// AVCCToAnnexB converts a single AVCC-framed sample (NALs prefixed by
// rec.NaluLengthSize big-endian length bytes) to Annex-B. If the sample
// contains an IDR NAL and sps/pps have not yet been emitted by the caller
// in this output (firstIDRInOutput == true), the stored SPS/PPS pair is
// prepended immediately before that IDR, per spec.md testable property 3.
func AVCCToAnnexB(rec *Mpeg4Avc, sample []byte, firstIDRInOutput bool) ([]byte, error) {
	var out []byte
	pos := 0
	paramSetsEmitted := false
	for pos < len(sample) {
		if pos+rec.NaluLengthSize > len(sample) {
			return nil, ErrMalformedAVCC
		}
		length := readLength(sample[pos:pos+rec.NaluLengthSize], rec.NaluLengthSize)
		pos += rec.NaluLengthSize
		if pos+length > len(sample) {
			return nil, ErrMalformedAVCC
		}
		nal := sample[pos : pos+length]
		pos += length

		naluType := nal[0] & NALTypeMask
		if naluType == NALTypeIDR && firstIDRInOutput && !paramSetsEmitted {
			out = append(out, rec.AnnexBParameterSets()...)
			paramSetsEmitted = true
		}
		out = append(out, AnnexBStartCode...)
		out = append(out, nal...)
	}
	return out, nil
}

// AnnexBToAVCC strips Annex-B start codes and SPS/PPS/AUD NALs, then
// re-encapsulates the remaining NALs with a 4-byte big-endian length
// prefix each, as used when a remuxer re-wraps RTSP/WHIP/GB28181 frames
// into an FLV/RTMP video tag (spec.md §4.5).
func AnnexBToAVCC(data []byte) (avcc []byte, containsIDR bool) {
	for _, nal := range SplitAnnexB(data) {
		if len(nal) == 0 {
			continue
		}
		naluType := nal[0] & NALTypeMask
		switch naluType {
		case NALTypeSPS, NALTypePPS, NALTypeAUD:
			continue
		case NALTypeIDR:
			containsIDR = true
		}
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(nal)))
		avcc = append(avcc, l[:]...)
		avcc = append(avcc, nal...)
	}
	return avcc, containsIDR
}

func readLength(b []byte, size int) int {
	v := 0
	for i := 0; i < size; i++ {
		v = v<<8 | int(b[i])
	}
	return v
}
