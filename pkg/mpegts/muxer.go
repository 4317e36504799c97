// Package mpegts implements the MPEG-TS muxer (PAT/PMT/PES/TS packetizer)
// used to wrap GB28181/RTSP-origin frames for any downstream consumer that
// expects transport-stream framing, and the codec constants the GB28181
// PS demuxer shares with it.
package mpegts

import (
	"github.com/ethan/mediahub/pkg/bytesio"
)

// Elementary stream codec identifiers, shared with the PS demuxer.
const (
	CodecH264 = 0x1B
	CodecH265 = 0x24
	CodecAAC  = 0x0F
)

const (
	tsPacketSize  = 188
	syncByte      = 0x47
	patPID        = 0x0000
	patPeriod     = 50 // PAT/PMT re-emission cadence, in WriteFrame calls
	maxPMTs       = 4
	maxStreamsPerPMT = 4
	firstElementaryPID = 0x0100
)

// Stream describes one elementary stream registered with a Program.
type Stream struct {
	PID                     uint16
	CodecID                 uint8
	StreamID                uint8 // PES stream_id (0xE0.. video, 0xC0.. audio)
	ContinuityCounter       uint8
	DataAlignmentIndicator  bool
}

// Program is a single PMT's worth of elementary streams.
type Program struct {
	ProgramNumber uint16
	PMTPID        uint16
	PCRPID        uint16
	Streams       []*Stream
	continuity    uint8
}

// Muxer maintains PAT/PMT state for up to maxPMTs programs and emits
// 188-byte TS packets on WriteFrame.
type Muxer struct {
	programs     []*Program
	nextPID      uint16
	patContinuity uint8
	tickSincePAT int
	out          [][]byte // accumulated packets for the current Write call
}

// NewMuxer returns an empty Muxer. At least one program must be added via
// AddProgram before writing frames.
func NewMuxer() *Muxer {
	return &Muxer{nextPID: firstElementaryPID}
}

// AddProgram registers a new program (PMT) and returns it. Fails silently
// past maxPMTs per spec.md §4.3.1 ("at most 4 PMTs"); callers should check
// len(m.programs) first if they need to detect the cap.
func (m *Muxer) AddProgram(programNumber uint16) *Program {
	if len(m.programs) >= maxPMTs {
		return nil
	}
	p := &Program{ProgramNumber: programNumber, PMTPID: m.nextPID}
	m.nextPID++
	m.programs = append(m.programs, p)
	return p
}

// AddStream registers an elementary stream on p; its PID is set by a
// separate Muxer.AssignPID call. Unless PCRPID is set, the first video
// stream added becomes the PCR carrier.
func (p *Program) AddStream(codecID uint8, streamID uint8) *Stream {
	if len(p.Streams) >= maxStreamsPerPMT {
		return nil
	}
	s := &Stream{CodecID: codecID, StreamID: streamID}
	p.Streams = append(p.Streams, s)
	return s
}

// AssignPID must be called once per stream after AddStream, mirroring the
// muxer's auto-incrementing PID space (kept separate so tests can assert
// PID assignment order deterministically).
func (m *Muxer) AssignPID(s *Stream) {
	s.PID = m.nextPID
	m.nextPID++
}

// WritePATPMT emits the PAT followed by every program's PMT. Called on
// the PAT_PERIOD cadence, starting with the muxer's very first frame.
func (m *Muxer) WritePATPMT() [][]byte {
	var packets [][]byte
	packets = append(packets, m.buildPAT())
	for _, p := range m.programs {
		packets = append(packets, m.buildPMT(p))
	}
	m.tickSincePAT = 0
	return packets
}

func (m *Muxer) buildPAT() []byte {
	w := bytesio.NewWriter(tsPacketSize)
	section := bytesio.NewWriter(0)
	section.WriteU16(1) // transport_stream_id
	section.WriteU8(0xC1 | 0x00) // version 0, current_next_indicator 1
	section.WriteU8(0) // section_number
	section.WriteU8(0) // last_section_number
	for _, p := range m.programs {
		section.WriteU16(p.ProgramNumber)
		section.WriteU16(0xE000 | p.PMTPID)
	}
	psiHeader := bytesio.NewWriter(0)
	psiHeader.WriteU8(0x00) // table_id: program_association_section
	sectionLen := section.Len() + 4 // + CRC32 placeholder
	psiHeader.WriteU16(uint16(0xB000) | uint16(sectionLen))
	payload := append(psiHeader.Bytes(), section.Bytes()...)
	payload = append(payload, crc32Stub(payload)...)

	writeTSHeader(w, patPID, true, m.patContinuity)
	m.patContinuity = (m.patContinuity + 1) & 0x0F
	w.WriteU8(0x00) // pointer_field
	w.WriteBytes(payload)
	padToPacketSize(w)
	return w.Bytes()
}

func (m *Muxer) buildPMT(p *Program) []byte {
	w := bytesio.NewWriter(tsPacketSize)
	section := bytesio.NewWriter(0)
	section.WriteU16(p.ProgramNumber)
	section.WriteU8(0xC1)
	section.WriteU8(0)
	section.WriteU8(0)
	section.WriteU16(0xE000 | pcrPID(p))
	section.WriteU16(0xF000) // program_info_length = 0
	for _, s := range p.Streams {
		section.WriteU8(s.CodecID)
		section.WriteU16(0xE000 | s.PID)
		section.WriteU16(0xF000) // ES_info_length = 0
	}
	psiHeader := bytesio.NewWriter(0)
	psiHeader.WriteU8(0x02) // table_id: TS_program_map_section
	sectionLen := section.Len() + 4
	psiHeader.WriteU16(uint16(0xB000) | uint16(sectionLen))
	payload := append(psiHeader.Bytes(), section.Bytes()...)
	payload = append(payload, crc32Stub(payload)...)

	writeTSHeader(w, p.PMTPID, true, p.continuity)
	p.continuity = (p.continuity + 1) & 0x0F
	w.WriteU8(0x00)
	w.WriteBytes(payload)
	padToPacketSize(w)
	return w.Bytes()
}

func pcrPID(p *Program) uint16 {
	if p.PCRPID != 0 {
		return p.PCRPID
	}
	for _, s := range p.Streams {
		if s.CodecID == CodecH264 || s.CodecID == CodecH265 {
			return s.PID
		}
	}
	if len(p.Streams) > 0 {
		return p.Streams[0].PID
	}
	return 0x1FFF
}

// WriteFrame splits one elementary-stream access unit into PES-wrapped TS
// packets, re-emitting PAT/PMT first if the PAT_PERIOD cadence elapsed or
// this is the very first packet (spec.md §4.3.1 "write cadence").
func (m *Muxer) WriteFrame(p *Program, s *Stream, pts, dts uint64, keyFrame bool, payload []byte) [][]byte {
	var packets [][]byte
	if m.tickSincePAT == 0 {
		packets = append(packets, m.WritePATPMT()...)
	}
	m.tickSincePAT++
	if m.tickSincePAT >= patPeriod {
		m.tickSincePAT = 0
	}

	pes := buildPESHeader(s.StreamID, pts, dts, s.CodecID == CodecH264 || s.CodecID == CodecH265)
	full := append(pes, payload...)

	first := true
	isPCRCarrier := s.PID == pcrPID(p)
	for len(full) > 0 {
		w := bytesio.NewWriter(tsPacketSize)
		writeTSHeader(w, s.PID, first, s.ContinuityCounter)
		s.ContinuityCounter = (s.ContinuityCounter + 1) & 0x0F

		headerLen := 4
		needsAdaptation := first && (isPCRCarrier || keyFrame)
		afLenPos := -1
		if needsAdaptation {
			af := buildAdaptationField(pts, isPCRCarrier, first && keyFrame)
			w.OrU8At(3, 0x20) // set adaptation_field_control bit
			afLenPos = w.Len()
			w.WriteBytes(af)
			headerLen += len(af)
		}

		remainingInPacket := tsPacketSize - headerLen
		n := remainingInPacket
		if n > len(full) {
			n = len(full)
		}
		if n < remainingInPacket && !needsAdaptation {
			// Need a stuffing adaptation field to pad the last packet exactly.
			stuffLen := remainingInPacket - n
			af := buildStuffingAdaptationField(stuffLen)
			w.OrU8At(3, 0x20)
			w.WriteBytes(af)
		} else if n < remainingInPacket && needsAdaptation {
			// extend the adaptation field's stuffing to fill exactly.
			extra := remainingInPacket - n
			currentAFLen := int(w.Bytes()[afLenPos])
			w.WriteU8At(afLenPos, byte(currentAFLen+extra))
			for i := 0; i < extra; i++ {
				w.WriteU8(0xFF)
			}
		}
		w.WriteBytes(full[:n])
		full = full[n:]
		first = false
		packets = append(packets, w.Bytes())
	}
	return packets
}

func writeTSHeader(w *bytesio.Writer, pid uint16, pusi bool, continuity uint8) {
	w.WriteU8(syncByte)
	b1 := byte(pid >> 8 & 0x1F)
	if pusi {
		b1 |= 0x40
	}
	w.WriteU8(b1)
	w.WriteU8(byte(pid))
	w.WriteU8(0x10 | (continuity & 0x0F)) // payload-only by default; OR'd with 0x20 if adaptation added
}

func padToPacketSize(w *bytesio.Writer) {
	for w.Len() < tsPacketSize {
		w.WriteU8(0xFF)
	}
}

// buildAdaptationField returns an adaptation field carrying PCR and/or the
// random_access_indicator, sized to at least its own header.
func buildAdaptationField(pts uint64, withPCR, randomAccess bool) []byte {
	w := bytesio.NewWriter(8)
	w.WriteU8(0) // length placeholder
	flags := byte(0)
	if randomAccess {
		flags |= 0x40
	}
	if withPCR {
		flags |= 0x10
	}
	w.WriteU8(flags)
	if withPCR {
		w.WriteBytes(encodePCR(pts))
	}
	out := w.Bytes()
	out[0] = byte(len(out) - 1)
	return out
}

func buildStuffingAdaptationField(totalLen int) []byte {
	if totalLen == 1 {
		// A lone adaptation_field_length byte of 0 pads exactly one byte.
		return []byte{0x00}
	}
	out := make([]byte, totalLen)
	out[0] = byte(totalLen - 1)
	out[1] = 0x00
	for i := 2; i < totalLen; i++ {
		out[i] = 0xFF
	}
	return out
}

// encodePCR packs the 33-bit PCR base and 9-bit extension per ITU-T
// H.222.0, from a 90kHz-scaled pts (spec.md §4.3.1 "PCR encoding").
func encodePCR(pts uint64) []byte {
	base := pts & 0x1FFFFFFFF
	ext := uint16(0)
	out := make([]byte, 6)
	out[0] = byte(base >> 25)
	out[1] = byte(base >> 17)
	out[2] = byte(base >> 9)
	out[3] = byte(base >> 1)
	out[4] = byte((base&0x1)<<7) | 0x7E | byte(ext>>8)
	out[5] = byte(ext)
	return out
}

// buildPESHeader serializes a PES header with PTS/DTS flags set, optionally
// injecting an AUD NAL immediately after for H.264/H.265 streams so strict
// demuxers that require access-unit delimiters stay happy.
func buildPESHeader(streamID uint8, pts, dts uint64, injectAUD bool) []byte {
	w := bytesio.NewWriter(19)
	w.WriteU8(0x00)
	w.WriteU8(0x00)
	w.WriteU8(0x01)
	w.WriteU8(streamID)
	w.WriteU16(0) // PES_packet_length: 0 allowed for video
	w.WriteU8(0x80)
	ptsDtsFlags := byte(0x80)
	optionalLen := 5
	if dts != pts {
		ptsDtsFlags = 0xC0
		optionalLen = 10
	}
	w.WriteU8(ptsDtsFlags)
	w.WriteU8(byte(optionalLen))
	w.WriteBytes(encodeTimestamp(pts, ptsDtsFlags>>6))
	if dts != pts {
		w.WriteBytes(encodeTimestamp(dts, 0x1))
	}
	if injectAUD {
		w.WriteBytes([]byte{0x00, 0x00, 0x00, 0x01, 0x09, 0xF0})
	}
	return w.Bytes()
}

// encodeTimestamp packs a 33-bit PTS/DTS value with the marker-bit
// patterns spec.md §4.3.1 requires (0010 for PTS-only, 0011/0001 for
// PTS+DTS pairs).
func encodeTimestamp(ts uint64, marker byte) []byte {
	v := ts & 0x1FFFFFFFF
	out := make([]byte, 5)
	out[0] = (marker << 4) | byte((v>>30)&0x07)<<1 | 0x01
	out[1] = byte(v >> 22)
	out[2] = byte((v>>15)&0x7F)<<1 | 0x01
	out[3] = byte(v >> 7)
	out[4] = byte((v&0x7F)<<1) | 0x01
	return out
}

// crc32Stub computes the MPEG-2 CRC32 used by PSI sections.
func crc32Stub(data []byte) []byte {
	crc := crc32MPEG2(data)
	out := make([]byte, 4)
	out[0] = byte(crc >> 24)
	out[1] = byte(crc >> 16)
	out[2] = byte(crc >> 8)
	out[3] = byte(crc)
	return out
}

func crc32MPEG2(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b) << 24
		for i := 0; i < 8; i++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
