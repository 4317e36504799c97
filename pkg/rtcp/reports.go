// Package rtcp composes and tracks RTCP sender/receiver reports for the
// RTP-based ingest and egress paths (RTSP, GB28181, WHIP/WHEP), grounded
// on the feedback-reading loop in the teacher's bridge package but adding
// the report-composition side it never needed (Cloudflare handled that
// for it).
package rtcp

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
)

const ntpEpochOffset = 2208988800 // seconds between 1900-01-01 and 1970-01-01

// StreamStats accumulates the counters an RTP receiver needs to build a
// Receiver Report, and a sender needs to build a Sender Report.
type StreamStats struct {
	mu sync.Mutex

	ssrc       uint32
	clockRate  uint32
	packets    uint32
	octets     uint32
	highestSeq uint32
	baseSeq    uint32
	seenFirst  bool
	lastSeq    uint16
	cycles     uint32

	expectedPrior uint32
	receivedPrior uint32

	lastRTPTime      uint32
	lastArrival      time.Time
	jitter           float64
	lastSRTimestamp  uint32
	lastSRReceivedAt time.Time
}

// NewStreamStats returns a tracker for one SSRC at the given clock rate.
func NewStreamStats(ssrc, clockRate uint32) *StreamStats {
	return &StreamStats{ssrc: ssrc, clockRate: clockRate}
}

// OnPacket records one received RTP packet's sequence number, timestamp,
// and payload size, updating the running jitter estimate per RFC 3550
// §6.4.1.
func (s *StreamStats) OnPacket(seq uint16, rtpTimestamp uint32, payloadLen int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.packets++
	s.octets += uint32(payloadLen)

	if !s.seenFirst {
		s.seenFirst = true
		s.baseSeq = uint32(seq)
		s.lastSeq = seq
	} else {
		if seq < s.lastSeq && s.lastSeq-seq > 0x8000 {
			s.cycles++
		}
		s.lastSeq = seq

		if !s.lastArrival.IsZero() {
			arrivalRTP := uint32(now.Sub(s.lastArrival).Seconds() * float64(s.clockRate))
			transit := int64(arrivalRTP) - int64(rtpTimestamp-s.lastRTPTime)
			if transit < 0 {
				transit = -transit
			}
			d := float64(transit)
			s.jitter += (d - s.jitter) / 16
		}
	}
	s.highestSeq = s.cycles<<16 | uint32(seq)
	s.lastRTPTime = rtpTimestamp
	s.lastArrival = now
}

// OnSenderReport records the NTP/RTP timestamp pair from a received SR so
// this stream can compute DLSR/LSR in its next receiver report.
func (s *StreamStats) OnSenderReport(sr *rtcp.SenderReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSRTimestamp = uint32(sr.NTPTime >> 16)
	s.lastSRReceivedAt = time.Now()
}

// ReceiverReport builds an RTCP Receiver Report block for this stream,
// suitable for sending back to the remote party (RFC 3550 §6.4.2).
func (s *StreamStats) ReceiverReport(reporterSSRC uint32) *rtcp.ReceiverReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	expected := s.highestSeq - s.baseSeq + 1
	lost := uint32(0)
	if expected > s.packets {
		lost = expected - s.packets
	}
	var fractionLost uint8
	expectedInterval := expected - s.expectedPrior
	receivedInterval := s.packets - s.receivedPrior
	lostInterval := int64(expectedInterval) - int64(receivedInterval)
	if expectedInterval != 0 && lostInterval > 0 {
		fractionLost = uint8((lostInterval << 8) / int64(expectedInterval))
	}
	s.expectedPrior = expected
	s.receivedPrior = s.packets

	var dlsr uint32
	if !s.lastSRReceivedAt.IsZero() {
		dlsr = uint32(time.Since(s.lastSRReceivedAt).Seconds() * 65536)
	}

	return &rtcp.ReceiverReport{
		SSRC: reporterSSRC,
		Reports: []rtcp.ReceptionReport{{
			SSRC:               s.ssrc,
			FractionLost:       fractionLost,
			TotalLost:          lost,
			LastSequenceNumber: s.highestSeq,
			Jitter:             uint32(s.jitter),
			LastSenderReport:   s.lastSRTimestamp,
			Delay:              dlsr,
		}},
	}
}

// SenderReport builds an RTCP Sender Report for an outgoing stream,
// pairing the current wall-clock time with the given RTP timestamp.
func SenderReport(ssrc uint32, rtpTimestamp uint32, packetCount, octetCount uint32) *rtcp.SenderReport {
	now := time.Now()
	ntpSeconds := uint64(now.Unix()) + ntpEpochOffset
	ntpFraction := uint64(now.Nanosecond()) * (1 << 32) / 1e9

	return &rtcp.SenderReport{
		SSRC:        ssrc,
		NTPTime:     ntpSeconds<<32 | ntpFraction,
		RTPTime:     rtpTimestamp,
		PacketCount: packetCount,
		OctetCount:  octetCount,
	}
}

// PictureLossIndication builds a PLI requesting a keyframe from mediaSSRC.
// No other package in this repository calls it.
func PictureLossIndication(senderSSRC, mediaSSRC uint32) *rtcp.PictureLossIndication {
	return &rtcp.PictureLossIndication{SenderSSRC: senderSSRC, MediaSSRC: mediaSSRC}
}
