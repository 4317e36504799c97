package bytesio

import (
	"encoding/binary"
	"math"
	"net"
	"time"
)

// Writer accumulates bytes for a single protocol message or chunk, with
// patch-in-place helpers used by the MPEG-TS muxer (adaptation field
// flags and length) and a Prepend helper for splicing bytes in front.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer. cap is an optional size hint.
func NewWriter(capHint int) *Writer {
	return &Writer{buf: make([]byte, 0, capHint)}
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// WriteU8 appends a single byte.
func (w *Writer) WriteU8(b uint8) { w.buf = append(w.buf, b) }

// WriteU16 appends a 16-bit big-endian integer.
func (w *Writer) WriteU16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteU24 appends a 24-bit big-endian integer.
func (w *Writer) WriteU24(v uint32) {
	w.buf = append(w.buf, byte(v>>16), byte(v>>8), byte(v))
}

// WriteU32 appends a 32-bit big-endian integer.
func (w *Writer) WriteU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteU32LE appends a 32-bit little-endian integer.
func (w *Writer) WriteU32LE(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteU64 appends a 64-bit big-endian integer.
func (w *Writer) WriteU64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteF64 appends a big-endian IEEE-754 double.
func (w *Writer) WriteF64(v float64) {
	w.WriteU64(math.Float64bits(v))
}

// WriteBytes appends raw bytes verbatim.
func (w *Writer) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// Prepend splices buf before everything written so far.
func (w *Writer) Prepend(buf []byte) {
	w.buf = append(append([]byte(nil), buf...), w.buf...)
}

// WriteU8At overwrites the byte at pos.
func (w *Writer) WriteU8At(pos int, b uint8) {
	if pos >= 0 && pos < len(w.buf) {
		w.buf[pos] = b
	}
}

// OrU8At ORs b into the byte at pos, used to set individual adaptation
// field flag bits without clobbering ones already written.
func (w *Writer) OrU8At(pos int, b uint8) {
	if pos >= 0 && pos < len(w.buf) {
		w.buf[pos] |= b
	}
}

// AddU8At adds b to the byte at pos, wrapping per normal uint8 overflow.
func (w *Writer) AddU8At(pos int, b uint8) {
	if pos >= 0 && pos < len(w.buf) {
		w.buf[pos] += b
	}
}

// AsyncWriter flushes accumulated writes to a network transport with a
// per-call timeout, matching the writer-side contract in spec.md §4.1.
type AsyncWriter struct {
	conn net.Conn
}

// NewAsyncWriter wraps conn for timed flushes.
func NewAsyncWriter(conn net.Conn) *AsyncWriter {
	return &AsyncWriter{conn: conn}
}

// Flush writes buf to the transport, failing with ErrTimeout if deadline
// elapses before the write completes. A zero deadline disables the timeout.
func (w *AsyncWriter) Flush(buf []byte, deadline time.Duration) error {
	if deadline > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
			return err
		}
	} else {
		_ = w.conn.SetWriteDeadline(time.Time{})
	}
	_, err := w.conn.Write(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return ErrTimeout
		}
		return err
	}
	return nil
}
