package rtmp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

const (
	handshakeVersion    = 0x03
	handshakePacketSize = 1536
	digestBlockOffset   = 8 // offset of the 4-byte digest-offset field within the 1536-byte packet

	serverKeyLen = 36
)

// genuinely constant key material from the published RTMP complex
// handshake scheme (Adobe's "FMS"/"FP" key strings), truncated to the
// portion actually mixed into the server digest.
var rtmpServerKey = []byte{
	'G', 'e', 'n', 'u', 'i', 'n', 'e', ' ', 'A', 'd', 'o', 'b', 'e', ' ',
	'F', 'l', 'a', 's', 'h', ' ', 'M', 'e', 'd', 'i', 'a', ' ', 'S', 'e', 'r', 'v', 'e', 'r', ' ',
	'0', '0', '1',
}

// ServerHandshake performs the server side of the RTMP handshake on conn.
// It first attempts the complex (digest-verified) handshake; any failure
// to validate a digest falls back to the simple byte-for-byte echo
// handshake, since real-world encoders frequently send C1 with the digest
// field zeroed.
func ServerHandshake(conn io.ReadWriter) error {
	var c0c1 [1 + handshakePacketSize]byte
	if _, err := io.ReadFull(conn, c0c1[:]); err != nil {
		return fmt.Errorf("rtmp: read C0+C1: %w", err)
	}
	if c0c1[0] != handshakeVersion {
		return fmt.Errorf("rtmp: unsupported handshake version 0x%02x", c0c1[0])
	}
	c1 := c0c1[1:]

	digestOffset, ok := findClientDigest(c1)

	var s1 [handshakePacketSize]byte
	copy(s1[0:4], c1[0:4]) // echo timestamp
	if _, err := rand.Read(s1[8:]); err != nil {
		return fmt.Errorf("rtmp: generate S1 random: %w", err)
	}

	var s2 [handshakePacketSize]byte
	if ok {
		clientDigest := c1[digestOffset : digestOffset+32]
		serverDigestKey := hmacSHA256(rtmpServerKey, clientDigest)
		if _, err := rand.Read(s2[:handshakePacketSize-32]); err != nil {
			return fmt.Errorf("rtmp: generate S2 random: %w", err)
		}
		signature := hmacSHA256(serverDigestKey, s2[:handshakePacketSize-32])
		copy(s2[handshakePacketSize-32:], signature)
	} else {
		copy(s2[:], c1) // simple handshake: S2 echoes C1 verbatim
	}

	out := make([]byte, 1+2*handshakePacketSize)
	out[0] = handshakeVersion
	copy(out[1:], s1[:])
	copy(out[1+handshakePacketSize:], s2[:])
	if _, err := conn.Write(out); err != nil {
		return fmt.Errorf("rtmp: write S0+S1+S2: %w", err)
	}

	c2 := make([]byte, handshakePacketSize)
	if _, err := io.ReadFull(conn, c2); err != nil {
		return fmt.Errorf("rtmp: read C2: %w", err)
	}
	return nil
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// findClientDigest locates the 32-byte digest inside C1 using the two
// candidate schemes real encoders use (digest-offset field at byte 8, or
// at byte 772 for "scheme 1"), validating the HMAC before trusting it.
// Returns ok=false when neither scheme validates, signaling a simple
// (non-digest) handshake.
func findClientDigest(c1 []byte) (offset int, ok bool) {
	for _, schemeOffsetField := range []int{8, 772} {
		off := computeDigestOffset(c1, schemeOffsetField)
		if off+32 > len(c1) {
			continue
		}
		if validateClientDigest(c1, off) {
			return off, true
		}
	}
	return 0, false
}

func computeDigestOffset(c1 []byte, offsetField int) int {
	sum := int(c1[offsetField]) + int(c1[offsetField+1]) + int(c1[offsetField+2]) + int(c1[offsetField+3])
	return offsetField + 4 + sum%728
}

func validateClientDigest(c1 []byte, digestOffset int) bool {
	// The well-known client partial key; only the first 30 bytes are used
	// when validating the client's half of the complex handshake.
	clientPartialKey := []byte("Genuine Adobe Flash Player 001")[:30]

	joined := make([]byte, 0, len(c1)-32)
	joined = append(joined, c1[:digestOffset]...)
	joined = append(joined, c1[digestOffset+32:]...)

	expected := hmacSHA256(clientPartialKey, joined)
	actual := c1[digestOffset : digestOffset+32]
	return hmacEqual(expected, actual)
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
