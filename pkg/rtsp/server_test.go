package rtsp

import (
	"bufio"
	"net"
	"testing"
	"time"

	"log/slog"

	"github.com/ethan/mediahub/pkg/streamhub"
)

func TestIdentifierFromURL(t *testing.T) {
	cases := map[string]streamhub.Identifier{
		"rtsp://host:8554/live/cam1": {App: "live", Name: "cam1"},
		"rtsp://host:8554/cam1":      {App: "live", Name: "cam1"},
	}
	for url, want := range cases {
		if got := identifierFromURL(url); got != want {
			t.Errorf("identifierFromURL(%q) = %+v, want %+v", url, got, want)
		}
	}
}

func TestLastPathSegment(t *testing.T) {
	if got := lastPathSegment("rtsp://host/live/cam1/trackID=0"); got != "trackID=0" {
		t.Errorf("lastPathSegment = %q, want trackID=0", got)
	}
}

func TestSessionReadRequestParsesHeadersAndBody(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	sess := newSession(serverConn, streamhub.NewHub(slog.Default()), slog.Default())

	go func() {
		clientConn.Write([]byte("ANNOUNCE rtsp://host/live/cam1 RTSP/1.0\r\nCSeq: 1\r\nContent-Length: 5\r\n\r\nhello"))
	}()

	req, err := sess.readRequest()
	if err != nil {
		t.Fatalf("readRequest: %v", err)
	}
	if req.Method != "ANNOUNCE" || req.CSeq != 1 || string(req.Body) != "hello" {
		t.Fatalf("parsed request mismatch: %+v body=%q", req, req.Body)
	}
}

func TestSessionWriteResponseFormatsStatusLine(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	sess := newSession(serverConn, streamhub.NewHub(slog.Default()), slog.Default())
	req := &Request{CSeq: 7}

	errCh := make(chan error, 1)
	go func() { errCh <- sess.writeResponse(req, 200, "OK", map[string]string{"Session": "abc"}, "") }()

	reader := bufio.NewReader(clientConn)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if line != "RTSP/1.0 200 OK\r\n" {
		t.Fatalf("status line = %q", line)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writeResponse: %v", err)
	}
}
