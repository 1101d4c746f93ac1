// Package tunnel implements the CONNECT Tunnel (spec §4.4): it dials the
// destination, supplies the literal 200 acknowledgement that the caller
// writes to the client, and then relays opaque bytes in both directions
// until both directions have closed.
package tunnel

import (
	"net"
	"sync"
	"time"

	"github.com/forwardgate/forwardgate/internal/ferrors"
	"github.com/forwardgate/forwardgate/internal/protoconst"
)

// Result reports the byte counts relayed in each direction once the tunnel
// has torn down.
type Result struct {
	ClientToUpstream int64
	UpstreamToClient int64
}

// halfCloser is implemented by net.TCPConn; it lets one direction of a
// duplex relay signal EOF to its peer (a TCP FIN) without severing the
// other direction.
type halfCloser interface {
	CloseWrite() error
}

// Dial dials the destination within connectTimeout, reporting a failure as
// an UpstreamConnect error. It does not write the client-facing
// "200 Connection Established" acknowledgement itself; callers write that
// after a successful dial so a failed dial can still produce a 502.
func Dial(addr string, connectTimeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: connectTimeout}
	upstream, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, ferrors.NewUpstreamConnect(addr, err)
	}
	return upstream, nil
}

// EstablishedResponse is the literal acknowledgement line written to the
// client once the upstream dial succeeds.
const EstablishedResponse = "HTTP/1.1 200 Connection Established\r\n\r\n"

// Relay duplex-copies bytes between client and upstream using a fixed-size
// buffer per direction, applying ioTimeout as an idle-read deadline on
// both legs. Each direction issues a CloseWrite on the peer once its read
// side reaches EOF, so the opposite direction can still drain in-flight
// bytes (and, for TLS, a close_notify) before the whole connection is torn
// down by the caller's deferred Close.
func Relay(client, upstream net.Conn, ioTimeout time.Duration) Result {
	var result Result
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		result.ClientToUpstream = copyDirection(upstream, client, ioTimeout)
	}()
	go func() {
		defer wg.Done()
		result.UpstreamToClient = copyDirection(client, upstream, ioTimeout)
	}()

	wg.Wait()
	return result
}

// copyDirection copies from src to dst with an idle-read deadline renewed
// on every read, half-closing dst's write side on EOF.
func copyDirection(dst, src net.Conn, ioTimeout time.Duration) int64 {
	buf := make([]byte, protoconst.RelayBufferSize)
	var total int64

	for {
		if ioTimeout > 0 {
			src.SetReadDeadline(time.Now().Add(ioTimeout))
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				break
			}
		}
		if rerr != nil {
			break
		}
	}

	if hc, ok := dst.(halfCloser); ok {
		hc.CloseWrite()
	}
	return total
}
