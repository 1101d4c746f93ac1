package forwarder

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/forwardgate/forwardgate/internal/ferrors"
	"github.com/forwardgate/forwardgate/internal/reqparse"
)

// fakeUpstream starts a one-shot TCP listener that reads a request and
// writes back a canned response, returning its address.
func fakeUpstream(t *testing.T, handler func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func parseReq(t *testing.T, raw, dialAddr string) *reqparse.Request {
	t.Helper()
	req, err := reqparse.Parse(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	host, portStr, err := net.SplitHostPort(dialAddr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	req.Host = host
	req.Port = port
	return req
}

func TestForwardRelaysSimpleResponse(t *testing.T) {
	addr := fakeUpstream(t, func(conn net.Conn) {
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		if !strings.Contains(string(buf[:n]), "GET /x HTTP/1.1") {
			t.Errorf("unexpected request: %q", buf[:n])
		}
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	})

	req := parseReq(t, "GET /x HTTP/1.1\r\nHost: example.org\r\n\r\n", addr)
	var client bytes.Buffer
	result, err := Forward(&client, bufio.NewReader(strings.NewReader("")), req, time.Second, time.Second)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if result.StatusCode != 200 {
		t.Fatalf("expected status 200, got %d", result.StatusCode)
	}
	if !strings.Contains(client.String(), "hello") {
		t.Fatalf("expected body relayed, got %q", client.String())
	}
}

func TestForwardStripsProxyConnectionHeader(t *testing.T) {
	addr := fakeUpstream(t, func(conn net.Conn) {
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		if strings.Contains(string(buf[:n]), "Proxy-Connection") {
			t.Errorf("expected Proxy-Connection stripped, got %q", buf[:n])
		}
		io.WriteString(conn, "HTTP/1.1 204 No Content\r\n\r\n")
	})

	req := parseReq(t, "GET / HTTP/1.1\r\nHost: example.org\r\nProxy-Connection: keep-alive\r\n\r\n", addr)
	var client bytes.Buffer
	_, err := Forward(&client, bufio.NewReader(strings.NewReader("")), req, time.Second, time.Second)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
}

func TestForwardRelaysDeclaredRequestBody(t *testing.T) {
	received := make(chan string, 1)
	addr := fakeUpstream(t, func(conn net.Conn) {
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		received <- string(buf[:n])
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	})

	req := parseReq(t, "POST / HTTP/1.1\r\nHost: example.org\r\nContent-Length: 4\r\n\r\n", addr)
	var client bytes.Buffer
	_, err := Forward(&client, bufio.NewReader(strings.NewReader("body")), req, time.Second, time.Second)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	got := <-received
	if !strings.Contains(got, "body") {
		t.Fatalf("expected request body relayed, got %q", got)
	}
}

// TestForwardReturnsPromptlyWhenUpstreamKeepsConnectionOpen guards against
// the relay blocking for the full ioTimeout after a well-framed response:
// real origin servers routinely keep the connection open past the end of
// the response (the HTTP/1.1 default), and the relay must rely on the
// declared Content-Length rather than waiting for EOF.
func TestForwardReturnsPromptlyWhenUpstreamKeepsConnectionOpen(t *testing.T) {
	addr := fakeUpstream(t, func(conn net.Conn) {
		buf := make([]byte, 4096)
		conn.Read(buf)
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
		time.Sleep(500 * time.Millisecond)
	})

	req := parseReq(t, "GET / HTTP/1.1\r\nHost: example.org\r\n\r\n", addr)
	var client bytes.Buffer
	start := time.Now()
	result, err := Forward(&client, bufio.NewReader(strings.NewReader("")), req, time.Second, 2*time.Second)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if result.StatusCode != 200 {
		t.Fatalf("expected status 200, got %d", result.StatusCode)
	}
	if !strings.HasSuffix(client.String(), "hello") {
		t.Fatalf("expected body relayed, got %q", client.String())
	}
	if elapsed >= 400*time.Millisecond {
		t.Fatalf("Forward took %v; expected it to return once Content-Length bytes were relayed instead of waiting on the still-open upstream connection", elapsed)
	}
}

// TestForwardRelaysChunkedResponseBody covers the Transfer-Encoding:
// chunked framing path of the response relay.
func TestForwardRelaysChunkedResponseBody(t *testing.T) {
	addr := fakeUpstream(t, func(conn net.Conn) {
		buf := make([]byte, 4096)
		conn.Read(buf)
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"+
			"5\r\nhello\r\n0\r\n\r\n")
		time.Sleep(200 * time.Millisecond)
	})

	req := parseReq(t, "GET / HTTP/1.1\r\nHost: example.org\r\n\r\n", addr)
	var client bytes.Buffer
	start := time.Now()
	_, err := Forward(&client, bufio.NewReader(strings.NewReader("")), req, time.Second, 2*time.Second)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !strings.Contains(client.String(), "5\r\nhello\r\n0\r\n\r\n") {
		t.Fatalf("expected chunked body relayed verbatim, got %q", client.String())
	}
	if elapsed >= 150*time.Millisecond {
		t.Fatalf("Forward took %v; expected it to return once the terminating chunk was relayed", elapsed)
	}
}

func TestForwardReportsUpstreamConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing listening now

	req := parseReq(t, "GET / HTTP/1.1\r\nHost: example.org\r\n\r\n", addr)
	var client bytes.Buffer
	_, err = Forward(&client, bufio.NewReader(strings.NewReader("")), req, time.Second, time.Second)
	if err == nil {
		t.Fatalf("expected connect error")
	}
	if kind, ok := ferrors.KindOf(err); !ok || kind != ferrors.UpstreamConnect {
		t.Fatalf("expected UpstreamConnect kind, got %v", err)
	}
}
