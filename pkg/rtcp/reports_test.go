package rtcp

import "testing"

func TestStreamStatsReceiverReportTracksLoss(t *testing.T) {
	s := NewStreamStats(12345, 90000)
	s.OnPacket(1, 1000, 100)
	s.OnPacket(2, 2000, 100)
	// skip sequence 3: packet loss
	s.OnPacket(4, 4000, 100)

	rr := s.ReceiverReport(9999)
	if len(rr.Reports) != 1 {
		t.Fatalf("expected 1 reception report, got %d", len(rr.Reports))
	}
	if rr.Reports[0].TotalLost != 1 {
		t.Fatalf("expected 1 lost packet, got %d", rr.Reports[0].TotalLost)
	}
	if rr.Reports[0].SSRC != 12345 {
		t.Fatalf("unexpected SSRC %d", rr.Reports[0].SSRC)
	}
}

func TestSenderReportFieldsPopulated(t *testing.T) {
	sr := SenderReport(42, 90000, 10, 1500)
	if sr.SSRC != 42 || sr.RTPTime != 90000 || sr.PacketCount != 10 || sr.OctetCount != 1500 {
		t.Fatalf("unexpected sender report: %+v", sr)
	}
	if sr.NTPTime == 0 {
		t.Fatal("expected non-zero NTP time")
	}
}

func TestPictureLossIndicationFields(t *testing.T) {
	pli := PictureLossIndication(1, 2)
	if pli.SenderSSRC != 1 || pli.MediaSSRC != 2 {
		t.Fatalf("unexpected PLI: %+v", pli)
	}
}
