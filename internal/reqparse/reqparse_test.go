package reqparse

import (
	"bufio"
	"strings"
	"testing"
)

func parseString(t *testing.T, raw string) *Request {
	t.Helper()
	req, err := Parse(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	return req
}

func TestOriginFormUsesHostHeader(t *testing.T) {
	req := parseString(t, "GET /x HTTP/1.1\r\nHost: example.org\r\n\r\n")
	if req.Host != "example.org" || req.Port != 80 {
		t.Fatalf("got host=%q port=%d", req.Host, req.Port)
	}
	if req.Path != "/x" {
		t.Fatalf("got path=%q", req.Path)
	}
}

func TestAbsoluteFormParsesAuthority(t *testing.T) {
	req := parseString(t, "GET http://example.com:8080/a/b?c=1 HTTP/1.1\r\nHost: example.com\r\n\r\n")
	if req.Host != "example.com" || req.Port != 8080 {
		t.Fatalf("got host=%q port=%d", req.Host, req.Port)
	}
	if req.Path != "/a/b?c=1" {
		t.Fatalf("expected path preserved verbatim, got %q", req.Path)
	}
}

func TestAbsoluteFormDefaultPort(t *testing.T) {
	req := parseString(t, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")
	if req.Port != 80 {
		t.Fatalf("expected default port 80, got %d", req.Port)
	}
}

func TestConnectRequiresExplicitPort(t *testing.T) {
	_, err := Parse(bufio.NewReader(strings.NewReader("CONNECT example.com HTTP/1.1\r\n\r\n")))
	if err == nil {
		t.Fatalf("expected error for CONNECT without explicit port")
	}
}

func TestConnectParsesAuthorityForm(t *testing.T) {
	req := parseString(t, "CONNECT example.com:443 HTTP/1.1\r\n\r\n")
	if !req.IsConnect || req.Host != "example.com" || req.Port != 443 {
		t.Fatalf("got isConnect=%v host=%q port=%d", req.IsConnect, req.Host, req.Port)
	}
}

func TestMissingHostFailsOriginForm(t *testing.T) {
	_, err := Parse(bufio.NewReader(strings.NewReader("GET / HTTP/1.1\r\n\r\n")))
	if err == nil {
		t.Fatalf("expected MISSING_HOST error")
	}
}

func TestObsFoldJoinsContinuationLines(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: example.org\r\nX-Long: first\r\n second\r\n\r\n"
	req := parseString(t, raw)
	if got := req.Get("X-Long"); got != "first second" {
		t.Fatalf("expected joined continuation, got %q", got)
	}
}

func TestIPv6HostBracketsStrippedForComparisonAndRestoredForDial(t *testing.T) {
	req := parseString(t, "CONNECT [::1]:443 HTTP/1.1\r\n\r\n")
	if req.Host != "::1" {
		t.Fatalf("expected unbracketed host for comparison, got %q", req.Host)
	}
	if req.DialAddr() != "[::1]:443" {
		t.Fatalf("expected rebracketed dial address, got %q", req.DialAddr())
	}
}

func TestHeaderBlockExceedsMaxSizeFails(t *testing.T) {
	var b strings.Builder
	b.WriteString("GET / HTTP/1.1\r\nHost: example.org\r\n")
	for i := 0; i < 20000; i++ {
		b.WriteString("X-Pad: aaaaaaaaaa\r\n")
	}
	b.WriteString("\r\n")
	_, err := Parse(bufio.NewReader(strings.NewReader(b.String())))
	if err == nil {
		t.Fatalf("expected MALFORMED_REQUEST for oversized header block")
	}
}

func TestStripHeaderRemovesLineAndPreservesOthers(t *testing.T) {
	block := []byte("Host: example.org\r\nProxy-Connection: keep-alive\r\nAccept: */*\r\n\r\n")
	out := StripHeader(block, "Proxy-Connection")
	got := string(out)
	if strings.Contains(got, "Proxy-Connection") {
		t.Fatalf("expected Proxy-Connection removed, got %q", got)
	}
	if !strings.Contains(got, "Host: example.org") || !strings.Contains(got, "Accept: */*") {
		t.Fatalf("expected other headers preserved, got %q", got)
	}
}
