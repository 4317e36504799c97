package amf0

import (
	"reflect"
	"testing"

	"github.com/ethan/mediahub/pkg/bytesio"
)

func roundTrip(t *testing.T, v interface{}) interface{} {
	t.Helper()
	w := bytesio.NewWriter(0)
	if err := WriteAny(w, v); err != nil {
		t.Fatalf("WriteAny(%v): %v", v, err)
	}
	r := bytesio.NewReader(w.Bytes())
	got, err := ReadAny(r)
	if err != nil {
		t.Fatalf("ReadAny: %v", err)
	}
	return got
}

func TestNumberRoundTrip(t *testing.T) {
	got := roundTrip(t, 3.25)
	if got.(float64) != 3.25 {
		t.Fatalf("got %v", got)
	}
}

func TestBooleanRoundTrip(t *testing.T) {
	if roundTrip(t, true).(bool) != true {
		t.Fatal("bool round trip failed")
	}
}

func TestStringRoundTrip(t *testing.T) {
	if roundTrip(t, "live").(string) != "live" {
		t.Fatal("string round trip failed")
	}
}

func TestObjectRoundTripPreservesOrder(t *testing.T) {
	obj := Object{
		{Key: "app", Value: "live"},
		{Key: "type", Value: "nonprivate"},
		{Key: "flashVer", Value: "FMLE/3.0"},
	}
	got := roundTrip(t, obj).(Object)
	if !reflect.DeepEqual(obj, got) {
		t.Fatalf("order not preserved: got %+v", got)
	}
}

func TestECMAArrayTrustsSentinelNotLength(t *testing.T) {
	arr := ECMAArray{{Key: "width", Value: 1920.0}, {Key: "height", Value: 1080.0}}
	w := bytesio.NewWriter(0)
	if err := WriteAny(w, arr); err != nil {
		t.Fatal(err)
	}
	buf := w.Bytes()
	// Zero out the declared length (bytes 1-4 after the marker) the way some
	// encoders do; the sentinel scan must still find the real end.
	buf[1], buf[2], buf[3], buf[4] = 0, 0, 0, 0
	r := bytesio.NewReader(buf)
	got, err := ReadAny(r)
	if err != nil {
		t.Fatalf("ReadAny: %v", err)
	}
	gotArr := got.(ECMAArray)
	if len(gotArr) != 2 || gotArr[0].Key != "width" {
		t.Fatalf("got %+v", gotArr)
	}
}

func TestStrictArrayRoundTrip(t *testing.T) {
	arr := []interface{}{1.0, "x", true}
	got := roundTrip(t, arr).([]interface{})
	if !reflect.DeepEqual(arr, got) {
		t.Fatalf("got %+v", got)
	}
}
