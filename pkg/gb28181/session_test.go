package gb28181

import (
	"testing"

	"github.com/pion/rtp"
)

func TestSeqLessHandlesWraparound(t *testing.T) {
	cases := []struct {
		a, b uint16
		want bool
	}{
		{1, 2, true},
		{2, 1, false},
		{65535, 0, true},
		{0, 65535, false},
	}
	for _, c := range cases {
		if got := seqLess(c.a, c.b); got != c.want {
			t.Errorf("seqLess(%d, %d) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestJitterBufferFlushesInOrderAtCapacity(t *testing.T) {
	jb := newJitterBuffer()

	var flushed []*rtp.Packet
	// Push jitterWindow+1 packets out of order; the buffer should start
	// flushing once it exceeds capacity, always returning the lowest
	// sequence number first.
	seqs := make([]uint16, jitterWindow+1)
	for i := range seqs {
		seqs[i] = uint16(jitterWindow - i) // descending, i.e. reverse order
	}
	for _, seq := range seqs {
		p := &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}}
		flushed = append(flushed, jb.push(p)...)
	}
	flushed = append(flushed, jb.drain()...)

	if len(flushed) != len(seqs) {
		t.Fatalf("flushed %d packets, want %d", len(flushed), len(seqs))
	}
	for i := 1; i < len(flushed); i++ {
		if seqLess(flushed[i].SequenceNumber, flushed[i-1].SequenceNumber) {
			t.Fatalf("flush order violated at index %d: %d before %d", i, flushed[i-1].SequenceNumber, flushed[i].SequenceNumber)
		}
	}
}

func TestExtractParameterSets(t *testing.T) {
	sps := []byte{0x67, 0x01, 0x02}
	pps := []byte{0x68, 0x03}
	idr := []byte{0x65, 0xAA}

	var annexB []byte
	for _, nal := range [][]byte{sps, pps, idr} {
		annexB = append(annexB, 0x00, 0x00, 0x00, 0x01)
		annexB = append(annexB, nal...)
	}

	gotSPS, gotPPS := extractParameterSets(annexB)
	if string(gotSPS) != string(sps) {
		t.Errorf("sps = % x, want % x", gotSPS, sps)
	}
	if string(gotPPS) != string(pps) {
		t.Errorf("pps = % x, want % x", gotPPS, pps)
	}
}
