package flv

import (
	"bytes"
	"testing"
)

var testSPS = []byte{0x67, 0x42, 0xC0, 0x1E, 0x95, 0xA0, 0x28, 0x0F, 0x68, 0x40}
var testPPS = []byte{0x68, 0xCE, 0x38, 0x80}

func buildAVCCSample(naluLen int, nals ...[]byte) []byte {
	var out []byte
	for _, n := range nals {
		l := make([]byte, naluLen)
		switch naluLen {
		case 1:
			l[0] = byte(len(n))
		case 2:
			l[0] = byte(len(n) >> 8)
			l[1] = byte(len(n))
		case 4:
			l[0] = byte(len(n) >> 24)
			l[1] = byte(len(n) >> 16)
			l[2] = byte(len(n) >> 8)
			l[3] = byte(len(n))
		}
		out = append(out, l...)
		out = append(out, n...)
	}
	return out
}

func TestAVCCToAnnexBPrependsSPSPPSBeforeIDR(t *testing.T) {
	rec := &Mpeg4Avc{NaluLengthSize: 4, SPS: [][]byte{testSPS}, PPS: [][]byte{testPPS}}
	idr := append([]byte{0x65}, []byte{0x01, 0x02, 0x03}...)
	sample := buildAVCCSample(4, idr)

	annexB, err := AVCCToAnnexB(rec, sample, true)
	if err != nil {
		t.Fatal(err)
	}
	nals := SplitAnnexB(annexB)
	if len(nals) != 3 {
		t.Fatalf("expected sps+pps+idr, got %d nals", len(nals))
	}
	if nals[0][0]&NALTypeMask != NALTypeSPS || nals[1][0]&NALTypeMask != NALTypePPS || nals[2][0]&NALTypeMask != NALTypeIDR {
		t.Fatalf("unexpected NAL order: %v %v %v", nals[0][0]&0x1F, nals[1][0]&0x1F, nals[2][0]&0x1F)
	}

	// A subsequent non-IDR frame must carry no injected parameter sets.
	pFrame := append([]byte{0x61}, []byte{0xAA}...)
	sample2 := buildAVCCSample(4, pFrame)
	annexB2, err := AVCCToAnnexB(rec, sample2, false)
	if err != nil {
		t.Fatal(err)
	}
	nals2 := SplitAnnexB(annexB2)
	if len(nals2) != 1 || nals2[0][0]&NALTypeMask != NALTypeSlice {
		t.Fatalf("expected single P-slice, got %d nals", len(nals2))
	}
}

func TestAnnexBToAVCCRoundTrip(t *testing.T) {
	idr := append([]byte{0x65}, []byte{0x01, 0x02, 0x03}...)
	var annexB []byte
	annexB = append(annexB, AnnexBStartCode...)
	annexB = append(annexB, idr...)

	avcc, containsIDR := AnnexBToAVCC(annexB)
	if !containsIDR {
		t.Fatal("expected containsIDR true")
	}
	if len(avcc) != 4+len(idr) {
		t.Fatalf("unexpected AVCC length %d", len(avcc))
	}
	if !bytes.Equal(avcc[4:], idr) {
		t.Fatalf("payload mismatch")
	}
}

func TestParseAVCDecoderConfigurationRecord(t *testing.T) {
	record := BuildAVCDecoderConfigurationRecord(testSPS[1:], testPPS[1:])
	rec, err := ParseAVCDecoderConfigurationRecord(record)
	if err != nil {
		t.Fatal(err)
	}
	if rec.NaluLengthSize != 4 {
		t.Fatalf("expected length size 4, got %d", rec.NaluLengthSize)
	}
	if len(rec.SPS) != 1 || !bytes.Equal(rec.SPS[0], testSPS[1:]) {
		t.Fatalf("SPS mismatch")
	}
	if len(rec.PPS) != 1 || !bytes.Equal(rec.PPS[0], testPPS[1:]) {
		t.Fatalf("PPS mismatch")
	}
}

func TestParseSPSWidthHeight(t *testing.T) {
	info, err := ParseSPS(testSPS)
	if err != nil {
		t.Fatal(err)
	}
	if info.Width <= 0 || info.Height <= 0 {
		t.Fatalf("expected positive dimensions, got %dx%d", info.Width, info.Height)
	}
}
