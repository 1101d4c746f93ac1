package tunnel

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/forwardgate/forwardgate/internal/ferrors"
)

// tcpPair returns two connected *net.TCPConn endpoints over loopback, so
// CloseWrite (half-close) behaves like a real client/upstream socket.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		acceptCh <- conn
	}()

	clientSide, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	serverSide := <-acceptCh
	if serverSide == nil {
		t.Fatalf("accept failed")
	}
	return clientSide, serverSide
}

func TestDialFailureReturnsUpstreamConnectError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(addr, time.Second)
	if err == nil {
		t.Fatalf("expected dial error")
	}
	if kind, ok := ferrors.KindOf(err); !ok || kind != ferrors.UpstreamConnect {
		t.Fatalf("expected UpstreamConnect kind, got %v", err)
	}
}

func TestRelayCopiesBothDirectionsAndCountsBytes(t *testing.T) {
	client, clientPeer := tcpPair(t)
	upstream, upstreamPeer := tcpPair(t)
	defer client.Close()
	defer upstream.Close()

	done := make(chan Result, 1)
	go func() {
		done <- Relay(client, upstream, time.Second)
	}()

	// Simulate the real client writing a short payload (standing in for a
	// TLS ClientHello), and the real upstream answering with its own
	// payload, then both sides closing.
	go func() {
		clientPeer.Write([]byte("hello-from-client"))
		if tc, ok := clientPeer.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()
	go func() {
		buf := make([]byte, 64)
		n, _ := io.ReadFull(upstreamPeer, buf[:len("hello-from-client")])
		_ = n
		upstreamPeer.Write([]byte("hello-from-upstream"))
		if tc, ok := upstreamPeer.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()

	select {
	case result := <-done:
		if result.ClientToUpstream != int64(len("hello-from-client")) {
			t.Fatalf("expected client->upstream byte count %d, got %d", len("hello-from-client"), result.ClientToUpstream)
		}
		if result.UpstreamToClient != int64(len("hello-from-upstream")) {
			t.Fatalf("expected upstream->client byte count %d, got %d", len("hello-from-upstream"), result.UpstreamToClient)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("relay did not complete")
	}

	clientPeer.Close()
	upstreamPeer.Close()
}
