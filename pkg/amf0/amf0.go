// Package amf0 implements the Action Message Format version 0 tagged-value
// encoding used by RTMP command and data messages.
package amf0

import (
	"errors"
	"fmt"

	"github.com/ethan/mediahub/pkg/bytesio"
)

// Marker bytes, per the AMF0 spec.
const (
	markerNumber       = 0x00
	markerBoolean      = 0x01
	markerString       = 0x02
	markerObject       = 0x03
	markerNull         = 0x05
	markerUndefined    = 0x06
	markerECMAArray    = 0x08
	markerObjectEnd    = 0x09
	markerStrictArray  = 0x0A
	markerLongString   = 0x0C
)

var objectEndSentinel = [3]byte{0x00, 0x00, 0x09}

// ErrUnsupportedMarker is returned for AMF0 markers this package does not
// implement (Date, Reference, XML, AMF3 switch marker, etc).
var ErrUnsupportedMarker = errors.New("amf0: unsupported marker")

// Property is a single ordered key/value pair inside an Object or ECMA
// array; ordering is preserved on round-trip per spec.md §8.1.
type Property struct {
	Key   string
	Value interface{}
}

// Object is an ordered map, represented as a slice of Property to keep key
// order stable across encode/decode, which a Go map cannot guarantee.
type Object []Property

// Get returns the value for key and whether it was present.
func (o Object) Get(key string) (interface{}, bool) {
	for _, p := range o {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// ECMAArray is an AMF0 ECMA array: like Object but carries a declared
// length prefix that readers must not trust (spec.md §4.2.1).
type ECMAArray []Property

// Null is the AMF0 Null singleton value.
type Null struct{}

// ReadAny reads one tagged AMF0 value.
func ReadAny(r *bytesio.Reader) (interface{}, error) {
	marker, err := r.ReadU8()
	if err != nil {
		return nil, err
	}
	switch marker {
	case markerNumber:
		return r.ReadF64()
	case markerBoolean:
		b, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	case markerString:
		return readUTF8(r)
	case markerLongString:
		return readLongUTF8(r)
	case markerNull, markerUndefined:
		return Null{}, nil
	case markerObject:
		return readObjectBody(r)
	case markerECMAArray:
		if _, err := r.ReadU32(); err != nil { // declared length, untrusted
			return nil, err
		}
		props, err := readPropertyList(r)
		if err != nil {
			return nil, err
		}
		return ECMAArray(props), nil
	case markerStrictArray:
		count, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		items := make([]interface{}, 0, count)
		for i := uint32(0); i < count; i++ {
			v, err := ReadAny(r)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnsupportedMarker, marker)
	}
}

func readUTF8(r *bytesio.Reader) (string, error) {
	n, err := r.ReadU16()
	if err != nil {
		return "", err
	}
	b, err := r.ReadBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readLongUTF8(r *bytesio.Reader) (string, error) {
	n, err := r.ReadU32()
	if err != nil {
		return "", err
	}
	b, err := r.ReadBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// readPropertyList reads name/value pairs until the 3-byte object-end
// sentinel is found. The sentinel is detected by peeking 3 bytes ahead of
// every candidate key; some encoders omit it or miscount a declared ECMA
// array length, so this scan — not the length — is authoritative.
func readPropertyList(r *bytesio.Reader) ([]Property, error) {
	var props []Property
	for {
		peek, err := r.AdvanceU24()
		if err == nil && peek == 0x000009 {
			_ = r.AdvanceBytes(3)
			return props, nil
		}
		key, err := readUTF8(r)
		if err != nil {
			return nil, err
		}
		val, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		props = append(props, Property{Key: key, Value: val})
	}
}

func readObjectBody(r *bytesio.Reader) (Object, error) {
	props, err := readPropertyList(r)
	if err != nil {
		return nil, err
	}
	return Object(props), nil
}

// WriteAny encodes v and appends it to w. Supported Go types are float64,
// bool, string, Null, Object, ECMAArray, and []interface{}.
func WriteAny(w *bytesio.Writer, v interface{}) error {
	switch val := v.(type) {
	case nil, Null:
		w.WriteU8(markerNull)
	case float64:
		w.WriteU8(markerNumber)
		w.WriteF64(val)
	case int:
		w.WriteU8(markerNumber)
		w.WriteF64(float64(val))
	case bool:
		w.WriteU8(markerBoolean)
		if val {
			w.WriteU8(1)
		} else {
			w.WriteU8(0)
		}
	case string:
		if len(val) > 0xFFFF {
			w.WriteU8(markerLongString)
			w.WriteU32(uint32(len(val)))
		} else {
			w.WriteU8(markerString)
			w.WriteU16(uint16(len(val)))
		}
		w.WriteBytes([]byte(val))
	case Object:
		w.WriteU8(markerObject)
		for _, p := range val {
			writeUTF8Key(w, p.Key)
			if err := WriteAny(w, p.Value); err != nil {
				return err
			}
		}
		w.WriteBytes(objectEndSentinel[:])
	case ECMAArray:
		w.WriteU8(markerECMAArray)
		w.WriteU32(uint32(len(val)))
		for _, p := range val {
			writeUTF8Key(w, p.Key)
			if err := WriteAny(w, p.Value); err != nil {
				return err
			}
		}
		w.WriteBytes(objectEndSentinel[:])
	case []interface{}:
		w.WriteU8(markerStrictArray)
		w.WriteU32(uint32(len(val)))
		for _, item := range val {
			if err := WriteAny(w, item); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("amf0: unsupported Go type %T", v)
	}
	return nil
}

func writeUTF8Key(w *bytesio.Writer, s string) {
	w.WriteU16(uint16(len(s)))
	w.WriteBytes([]byte(s))
}

// WriteAll encodes a sequence of values back to back, as used for RTMP
// command messages (e.g. ["connect", transactionID, commandObject]).
func WriteAll(w *bytesio.Writer, values ...interface{}) error {
	for i, v := range values {
		if err := WriteAny(w, v); err != nil {
			return fmt.Errorf("value %d: %w", i, err)
		}
	}
	return nil
}

// ReadAll decodes every value in buf until the reader is exhausted.
func ReadAll(buf []byte) ([]interface{}, error) {
	r := bytesio.NewReader(buf)
	var out []interface{}
	for r.Len() > 0 {
		v, err := ReadAny(r)
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}
