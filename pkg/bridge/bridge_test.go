package bridge

import "testing"

func TestExtractNALUsSplitsAVCCLengthPrefixes(t *testing.T) {
	data := []byte{
		0x00, 0x00, 0x00, 0x02, 0xAA, 0xBB,
		0x00, 0x00, 0x00, 0x01, 0xCC,
	}
	nalus, err := extractNALUs(data)
	if err != nil {
		t.Fatalf("extractNALUs: %v", err)
	}
	if len(nalus) != 2 {
		t.Fatalf("got %d NALUs, want 2", len(nalus))
	}
	if string(nalus[0]) != "\xAA\xBB" || string(nalus[1]) != "\xCC" {
		t.Fatalf("nalus = %x", nalus)
	}
}

func TestExtractNALUsRejectsTruncatedLength(t *testing.T) {
	if _, err := extractNALUs([]byte{0x00, 0x00, 0x00, 0x05, 0x01}); err == nil {
		t.Fatal("expected error for truncated NAL unit")
	}
}

func TestPrependParameterSetsAVCCOrdersSPSPPSSample(t *testing.T) {
	sps := []byte{0x67, 0x01}
	pps := []byte{0x68}
	sample := []byte{0x00, 0x00, 0x00, 0x02, 0x65, 0xAA}

	out := prependParameterSetsAVCC(sps, pps, sample)
	nalus, err := extractNALUs(out)
	if err != nil {
		t.Fatalf("extractNALUs: %v", err)
	}
	if len(nalus) != 3 {
		t.Fatalf("got %d NALUs, want 3", len(nalus))
	}
	if string(nalus[0]) != string(sps) || string(nalus[1]) != string(pps) {
		t.Fatalf("nalus[0:2] = %x, want sps=%x pps=%x", nalus[:2], sps, pps)
	}
	if string(nalus[2]) != "\x65\xAA" {
		t.Fatalf("nalus[2] = %x", nalus[2])
	}
}
