package rtmp

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Message type IDs (RTMP spec §7.1).
const (
	MsgTypeSetChunkSize     = 1
	MsgTypeAbort            = 2
	MsgTypeAck              = 3
	MsgTypeUserControl      = 4
	MsgTypeWindowAckSize    = 5
	MsgTypeSetPeerBandwidth = 6
	MsgTypeAudio            = 8
	MsgTypeVideo            = 9
	MsgTypeAMF3Data         = 15
	MsgTypeAMF3Command      = 17
	MsgTypeAMF0Data         = 18
	MsgTypeAMF0Command      = 20

	defaultChunkSize      = 128
	extendedTimestampMark = 0xFFFFFF
)

// chunkHeader is one parsed Basic Header + Message Header, with FMT3
// inheritance resolved against the chunk stream's previous header.
type chunkHeader struct {
	fmtType         uint8
	csid            uint32
	timestamp       uint32 // absolute timestamp for this chunk's message
	timestampDelta  uint32
	messageLength   uint32
	messageTypeID   uint8
	messageStreamID uint32
}

// chunkStreamState tracks, per CSID, the header needed to interpret a
// following FMT 1/2/3 chunk and the in-progress message assembly buffer.
type chunkStreamState struct {
	lastHeader chunkHeader
	assembling []byte
	remaining  uint32
}

// ChunkReader reads RTMP chunks off a byte stream and reassembles them
// into complete Messages, tracking per-CSID state the way the chunk
// format's FMT inheritance requires.
type ChunkReader struct {
	r         io.Reader
	chunkSize uint32
	streams   map[uint32]*chunkStreamState
}

// NewChunkReader wraps r, which must deliver bytes in order (a buffered
// net.Conn in practice).
func NewChunkReader(r io.Reader) *ChunkReader {
	return &ChunkReader{r: r, chunkSize: defaultChunkSize, streams: make(map[uint32]*chunkStreamState)}
}

// SetChunkSize updates the negotiated maximum chunk payload size, called
// when a Set Chunk Size control message arrives.
func (cr *ChunkReader) SetChunkSize(size uint32) {
	cr.chunkSize = size
}

// Message is one fully reassembled RTMP message (a command, audio frame,
// video frame, or protocol-control message).
type Message struct {
	TypeID    uint8
	StreamID  uint32
	Timestamp uint32
	Payload   []byte
}

// ReadMessage blocks until one complete message has been assembled,
// possibly reading many chunks across several chunk streams interleaved
// on the wire.
func (cr *ChunkReader) ReadMessage() (*Message, error) {
	for {
		hdr, err := cr.readChunkHeader()
		if err != nil {
			return nil, err
		}

		state, ok := cr.streams[hdr.csid]
		if !ok {
			state = &chunkStreamState{}
			cr.streams[hdr.csid] = state
		}

		if state.remaining == 0 {
			state.remaining = hdr.messageLength
			state.assembling = make([]byte, 0, hdr.messageLength)
		}

		toRead := state.remaining
		if toRead > cr.chunkSize {
			toRead = cr.chunkSize
		}
		buf := make([]byte, toRead)
		if _, err := io.ReadFull(cr.r, buf); err != nil {
			return nil, fmt.Errorf("rtmp: read chunk payload: %w", err)
		}
		state.assembling = append(state.assembling, buf...)
		state.remaining -= toRead

		state.lastHeader = hdr

		if state.remaining == 0 {
			msg := &Message{
				TypeID:    hdr.messageTypeID,
				StreamID:  hdr.messageStreamID,
				Timestamp: hdr.timestamp,
				Payload:   state.assembling,
			}
			state.assembling = nil
			return msg, nil
		}
	}
}

// readChunkHeader parses one Basic Header + Message Header (+ extended
// timestamp), resolving FMT1/2/3 inheritance against the previous header
// seen for this CSID.
func (cr *ChunkReader) readChunkHeader() (chunkHeader, error) {
	var b [1]byte
	if _, err := io.ReadFull(cr.r, b[:]); err != nil {
		return chunkHeader{}, fmt.Errorf("rtmp: read basic header: %w", err)
	}
	fmtType := b[0] >> 6
	csidRaw := b[0] & 0x3F

	var csid uint32
	switch csidRaw {
	case 0:
		var b1 [1]byte
		if _, err := io.ReadFull(cr.r, b1[:]); err != nil {
			return chunkHeader{}, fmt.Errorf("rtmp: read basic header (2-byte): %w", err)
		}
		csid = uint32(b1[0]) + 64
	case 1:
		var b2 [2]byte
		if _, err := io.ReadFull(cr.r, b2[:]); err != nil {
			return chunkHeader{}, fmt.Errorf("rtmp: read basic header (3-byte): %w", err)
		}
		csid = uint32(b2[0]) + 64 + uint32(b2[1])<<8
	default:
		csid = uint32(csidRaw)
	}

	prevState, hasPrev := cr.streams[csid]
	var prev chunkHeader
	if hasPrev {
		prev = prevState.lastHeader
	}

	h := chunkHeader{fmtType: fmtType, csid: csid}

	switch fmtType {
	case 0:
		var mh [11]byte
		if _, err := io.ReadFull(cr.r, mh[:]); err != nil {
			return chunkHeader{}, fmt.Errorf("rtmp: read message header fmt0: %w", err)
		}
		ts := readU24(mh[0:3])
		h.messageLength = readU24(mh[3:6])
		h.messageTypeID = mh[6]
		h.messageStreamID = binary.LittleEndian.Uint32(mh[7:11])
		if ts == extendedTimestampMark {
			ts, _ = cr.readExtendedTimestamp()
		}
		h.timestamp = ts
	case 1:
		var mh [7]byte
		if _, err := io.ReadFull(cr.r, mh[:]); err != nil {
			return chunkHeader{}, fmt.Errorf("rtmp: read message header fmt1: %w", err)
		}
		delta := readU24(mh[0:3])
		h.messageLength = readU24(mh[3:6])
		h.messageTypeID = mh[6]
		h.messageStreamID = prev.messageStreamID
		if delta == extendedTimestampMark {
			delta, _ = cr.readExtendedTimestamp()
		}
		h.timestampDelta = delta
		h.timestamp = prev.timestamp + delta
	case 2:
		var mh [3]byte
		if _, err := io.ReadFull(cr.r, mh[:]); err != nil {
			return chunkHeader{}, fmt.Errorf("rtmp: read message header fmt2: %w", err)
		}
		delta := readU24(mh[0:3])
		if delta == extendedTimestampMark {
			delta, _ = cr.readExtendedTimestamp()
		}
		h.timestampDelta = delta
		h.timestamp = prev.timestamp + delta
		h.messageLength = prev.messageLength
		h.messageTypeID = prev.messageTypeID
		h.messageStreamID = prev.messageStreamID
	case 3:
		if !hasPrev {
			return chunkHeader{}, fmt.Errorf("rtmp: fmt3 chunk with no prior header for csid %d", csid)
		}
		h = prev
		h.fmtType = 3
		// fmt3 carries no timestamp field of its own. If the previous
		// message is still being assembled (remaining > 0), this chunk
		// continues it and the timestamp doesn't change. Otherwise this
		// fmt3 starts a brand new message that reuses the previous
		// message's delta (RTMP spec §5.3.1.3).
		if prevState.remaining == 0 {
			h.timestamp = prev.timestamp + prev.timestampDelta
		}
	default:
		return chunkHeader{}, fmt.Errorf("rtmp: invalid fmt %d", fmtType)
	}

	return h, nil
}

func (cr *ChunkReader) readExtendedTimestamp() (uint32, error) {
	var ext [4]byte
	if _, err := io.ReadFull(cr.r, ext[:]); err != nil {
		return 0, fmt.Errorf("rtmp: read extended timestamp: %w", err)
	}
	return binary.BigEndian.Uint32(ext[:]), nil
}

func readU24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// ChunkWriter splits outgoing Messages into chunks of chunkSize, always
// emitting an FMT0 header for the first chunk of a message and FMT3 for
// continuations, which is simpler (and always correct) than tracking
// per-CSID deltas on the write side.
type ChunkWriter struct {
	w         io.Writer
	chunkSize uint32
}

// NewChunkWriter wraps w.
func NewChunkWriter(w io.Writer) *ChunkWriter {
	return &ChunkWriter{w: w, chunkSize: defaultChunkSize}
}

// SetChunkSize updates the outgoing chunk payload size.
func (cw *ChunkWriter) SetChunkSize(size uint32) {
	cw.chunkSize = size
}

// WriteMessage writes msg as one or more chunks on csid.
func (cw *ChunkWriter) WriteMessage(csid uint32, msg *Message) error {
	payload := msg.Payload
	first := true
	for len(payload) > 0 || first && len(msg.Payload) == 0 {
		n := uint32(len(payload))
		if n > cw.chunkSize {
			n = cw.chunkSize
		}
		var header []byte
		if first {
			header = buildFMT0Header(csid, msg.Timestamp, uint32(len(msg.Payload)), msg.TypeID, msg.StreamID)
		} else {
			header = buildFMT3Header(csid)
		}
		if _, err := cw.w.Write(header); err != nil {
			return fmt.Errorf("rtmp: write chunk header: %w", err)
		}
		if n > 0 {
			if _, err := cw.w.Write(payload[:n]); err != nil {
				return fmt.Errorf("rtmp: write chunk payload: %w", err)
			}
			payload = payload[n:]
		}
		first = false
		if len(msg.Payload) == 0 {
			break
		}
	}
	return nil
}

func buildBasicHeader(fmtType uint8, csid uint32) []byte {
	switch {
	case csid < 64:
		return []byte{fmtType<<6 | byte(csid)}
	case csid < 64+256:
		return []byte{fmtType << 6, byte(csid - 64)}
	default:
		v := csid - 64
		return []byte{fmtType<<6 | 1, byte(v), byte(v >> 8)}
	}
}

func buildFMT0Header(csid uint32, timestamp, length uint32, typeID uint8, streamID uint32) []byte {
	basic := buildBasicHeader(0, csid)
	out := make([]byte, len(basic)+11)
	copy(out, basic)
	pos := len(basic)
	ts := timestamp
	if ts > extendedTimestampMark {
		ts = extendedTimestampMark
	}
	out[pos], out[pos+1], out[pos+2] = byte(ts>>16), byte(ts>>8), byte(ts)
	out[pos+3], out[pos+4], out[pos+5] = byte(length>>16), byte(length>>8), byte(length)
	out[pos+6] = typeID
	binary.LittleEndian.PutUint32(out[pos+7:pos+11], streamID)
	if timestamp > extendedTimestampMark {
		ext := make([]byte, 4)
		binary.BigEndian.PutUint32(ext, timestamp)
		out = append(out, ext...)
	}
	return out
}

func buildFMT3Header(csid uint32) []byte {
	return buildBasicHeader(3, csid)
}
