package mpegps

import (
	"bytes"
	"testing"

	"github.com/ethan/mediahub/pkg/mpegts"
)

func buildPackHeader() []byte {
	b := make([]byte, 14)
	b[0], b[1], b[2], b[3] = 0x00, 0x00, 0x01, 0xBA
	b[4] = 0x44 // marker bits pattern, not validated by this demuxer
	b[13] = 0x00
	return b
}

func buildPSM(streamID byte, streamType byte) []byte {
	var body bytes.Buffer
	body.WriteByte(0xE0) // stream map version etc, not validated
	body.WriteByte(0xFF)
	body.WriteByte(0x00) // program_stream_info_length high
	body.WriteByte(0x00) // program_stream_info_length low
	esMap := []byte{streamType, streamID, 0x00, 0x00}
	body.WriteByte(byte(len(esMap) >> 8))
	body.WriteByte(byte(len(esMap)))
	body.Write(esMap)

	var out bytes.Buffer
	out.Write([]byte{0x00, 0x00, 0x01, 0xBC})
	length := body.Len()
	out.WriteByte(byte(length >> 8))
	out.WriteByte(byte(length))
	out.Write(body.Bytes())
	return out.Bytes()
}

func buildPES(streamID byte, pts uint64, payload []byte) []byte {
	var hdr bytes.Buffer
	hdr.WriteByte(0x80) // flags1
	hdr.WriteByte(0x80) // PTS-only flag
	hdr.WriteByte(5)    // header_data_length
	hdr.Write(encodeTimestampForTest(pts))

	var out bytes.Buffer
	out.Write([]byte{0x00, 0x00, 0x01, streamID})
	packetLength := hdr.Len() + len(payload)
	out.WriteByte(byte(packetLength >> 8))
	out.WriteByte(byte(packetLength))
	out.Write(hdr.Bytes())
	out.Write(payload)
	return out.Bytes()
}

func encodeTimestampForTest(ts uint64) []byte {
	v := ts & 0x1FFFFFFFF
	out := make([]byte, 5)
	out[0] = (0x2 << 4) | byte((v>>30)&0x07)<<1 | 0x01
	out[1] = byte(v >> 22)
	out[2] = byte((v>>15)&0x7F)<<1 | 0x01
	out[3] = byte(v >> 7)
	out[4] = byte((v&0x7F)<<1) | 0x01
	return out
}

func TestDemuxerParsesPackPSMAndPES(t *testing.T) {
	d := NewDemuxer()
	payload := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xAA, 0xBB}

	var stream []byte
	stream = append(stream, buildPackHeader()...)
	stream = append(stream, buildPSM(0xE0, 0x1B)...)
	stream = append(stream, buildPES(0xE0, 90000, payload)...)

	frames, err := d.Write(stream)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	f := frames[0]
	if f.Stream.CodecID != mpegts.CodecH264 {
		t.Fatalf("expected H264 codec, got %d", f.Stream.CodecID)
	}
	if f.PTS != 90000 {
		t.Fatalf("expected PTS 90000, got %d", f.PTS)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestDemuxerHandlesFragmentedWrites(t *testing.T) {
	d := NewDemuxer()
	payload := []byte{0xAA, 0xBB, 0xCC}
	var stream []byte
	stream = append(stream, buildPackHeader()...)
	stream = append(stream, buildPES(0xC0, 90000, payload)...)

	// Feed byte by byte to exercise the not-enough-bytes path.
	var frames []Frame
	for i := 0; i < len(stream); i++ {
		got, err := d.Write(stream[i : i+1])
		if err != nil {
			t.Fatal(err)
		}
		frames = append(frames, got...)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame across fragmented writes, got %d", len(frames))
	}
	if frames[0].Stream.CodecID != mpegts.CodecAAC {
		t.Fatalf("expected default AAC codec for 0xC0 stream id, got %d", frames[0].Stream.CodecID)
	}
}

func TestDemuxerSkipsGarbageBytes(t *testing.T) {
	d := NewDemuxer()
	garbage := []byte{0x11, 0x22, 0x33}
	payload := []byte{0x01, 0x02}
	var stream []byte
	stream = append(stream, garbage...)
	stream = append(stream, buildPES(0xE0, 1000, payload)...)

	frames, err := d.Write(stream)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame after skipping garbage, got %d", len(frames))
	}
}
