package bytesio

import "testing"

func TestReaderPrimitives(t *testing.T) {
	w := NewWriter(0)
	w.WriteU8(0xAB)
	w.WriteU16(0x1234)
	w.WriteU24(0x556677)
	w.WriteU32(0x89ABCDEF)
	w.WriteF64(3.5)

	r := NewReader(w.Bytes())

	if v, err := r.ReadU8(); err != nil || v != 0xAB {
		t.Fatalf("ReadU8 = %x, %v", v, err)
	}
	if v, err := r.ReadU16(); err != nil || v != 0x1234 {
		t.Fatalf("ReadU16 = %x, %v", v, err)
	}
	if v, err := r.ReadU24(); err != nil || v != 0x556677 {
		t.Fatalf("ReadU24 = %x, %v", v, err)
	}
	if v, err := r.ReadU32(); err != nil || v != 0x89ABCDEF {
		t.Fatalf("ReadU32 = %x, %v", v, err)
	}
	if v, err := r.ReadF64(); err != nil || v != 3.5 {
		t.Fatalf("ReadF64 = %v, %v", v, err)
	}
}

func TestReaderUnderflow(t *testing.T) {
	r := NewReader([]byte{0x01})
	if _, err := r.ReadU32(); err != ErrNotEnoughBytes {
		t.Fatalf("expected ErrNotEnoughBytes, got %v", err)
	}
}

func TestAdvanceDoesNotConsume(t *testing.T) {
	r := NewReader([]byte{0x00, 0x00, 0x09, 0xFF})
	v, err := r.AdvanceU24()
	if err != nil || v != 0x000009 {
		t.Fatalf("AdvanceU24 = %x, %v", v, err)
	}
	if r.Len() != 4 {
		t.Fatalf("advance consumed bytes, Len=%d", r.Len())
	}
}

func TestWriterPatchHelpers(t *testing.T) {
	w := NewWriter(0)
	w.WriteU8(0x00)
	w.WriteU8(0x10)
	w.OrU8At(0, 0x01)
	w.AddU8At(1, 0x02)
	w.WriteU8At(1, 0xFF)
	if w.Bytes()[0] != 0x01 {
		t.Fatalf("OrU8At failed: %x", w.Bytes()[0])
	}
	if w.Bytes()[1] != 0xFF {
		t.Fatalf("WriteU8At failed: %x", w.Bytes()[1])
	}
}

func TestWriterPrepend(t *testing.T) {
	w := NewWriter(0)
	w.WriteBytes([]byte{0x05, 0x06})
	w.Prepend([]byte{0x01, 0x02, 0x03})
	if string(w.Bytes()) != string([]byte{0x01, 0x02, 0x03, 0x05, 0x06}) {
		t.Fatalf("unexpected prepend result: %v", w.Bytes())
	}
}
