// Package forwarder implements the HTTP Forwarder (spec §4.3): it dials the
// destination for a plain (non-CONNECT) request, rewrites the request line
// to origin-form, relays the request and response bodies, and reports the
// outcome for the event logger.
package forwarder

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/forwardgate/forwardgate/internal/ferrors"
	"github.com/forwardgate/forwardgate/internal/protoconst"
	"github.com/forwardgate/forwardgate/internal/reqparse"
)

// Result reports the outcome of one forwarded transaction.
type Result struct {
	// StatusCode is the upstream's response status line code, parsed from
	// the first response line; zero if the response never started.
	StatusCode int

	// BytesRelayed is the number of response body bytes (plus status line
	// and headers) copied back to the client.
	BytesRelayed int64
}

// Forward dials req's destination, writes the origin-form request, relays
// any declared request body, then relays the upstream response back to
// client. connectTimeout bounds the dial (a dial that times out is reported
// as UpstreamTimeout, any other dial failure as UpstreamConnect); ioTimeout
// bounds every subsequent read and write on the upstream connection. No
// deadline is set on the client leg: reads from clientReader and writes to
// client are not bounded by ioTimeout.
func Forward(client io.Writer, clientReader *bufio.Reader, req *reqparse.Request, connectTimeout, ioTimeout time.Duration) (Result, error) {
	dialer := net.Dialer{Timeout: connectTimeout}
	upstream, err := dialer.Dial("tcp", req.DialAddr())
	if err != nil {
		if isTimeout(err) {
			return Result{}, ferrors.NewUpstreamTimeout("dial", err)
		}
		return Result{}, ferrors.NewUpstreamConnect(req.DialAddr(), err)
	}
	defer upstream.Close()

	if err := writeRequest(upstream, req, ioTimeout); err != nil {
		return Result{}, err
	}

	if err := relayRequestBody(upstream, clientReader, req, ioTimeout); err != nil {
		return Result{}, err
	}

	return relayResponse(client, upstream, ioTimeout)
}

// writeRequest sends the rewritten origin-form start line followed by the
// original header block (with Proxy-Connection stripped, since it is
// hop-by-hop and not meaningful to the upstream server).
func writeRequest(upstream net.Conn, req *reqparse.Request, ioTimeout time.Duration) error {
	if err := upstream.SetWriteDeadline(time.Now().Add(ioTimeout)); err != nil {
		return ferrors.NewUpstreamIO("set-write-deadline", err)
	}

	startLine := req.Method + " " + req.Path + " " + req.Version + "\r\n"
	if _, err := io.WriteString(upstream, startLine); err != nil {
		return ferrors.NewUpstreamIO("write-start-line", err)
	}

	block := reqparse.StripHeader(req.HeaderBlock, "Proxy-Connection")
	if _, err := upstream.Write(block); err != nil {
		return ferrors.NewUpstreamIO("write-headers", err)
	}
	return nil
}

// relayRequestBody copies the client's request body to upstream when the
// request declares one via Content-Length or chunked Transfer-Encoding.
// Requests with neither header (the common case for GET/HEAD) have no
// body to relay.
func relayRequestBody(upstream net.Conn, clientReader *bufio.Reader, req *reqparse.Request, ioTimeout time.Duration) error {
	if strings.EqualFold(req.Get("Transfer-Encoding"), "chunked") {
		return relayChunkedBody(upstream, clientReader, ioTimeout)
	}

	cl := req.Get("Content-Length")
	if cl == "" {
		return nil
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || n < 0 {
		return ferrors.NewMalformedRequest("parse-content-length", "invalid Content-Length", err)
	}
	if n == 0 {
		return nil
	}

	if err := upstream.SetWriteDeadline(time.Now().Add(ioTimeout)); err != nil {
		return ferrors.NewUpstreamIO("set-write-deadline", err)
	}
	if _, err := io.CopyN(upstream, clientReader, n); err != nil {
		return ferrors.NewClientIO("relay-request-body", err)
	}
	return nil
}

// relayChunkedBody forwards a chunked request body verbatim, chunk by
// chunk, until the terminating zero-length chunk (and any trailer) has
// been copied.
func relayChunkedBody(upstream net.Conn, clientReader *bufio.Reader, ioTimeout time.Duration) error {
	for {
		if err := upstream.SetWriteDeadline(time.Now().Add(ioTimeout)); err != nil {
			return ferrors.NewUpstreamIO("set-write-deadline", err)
		}

		sizeLine, err := clientReader.ReadString('\n')
		if err != nil {
			return ferrors.NewClientIO("read-chunk-size", err)
		}
		if _, err := io.WriteString(upstream, sizeLine); err != nil {
			return ferrors.NewUpstreamIO("write-chunk-size", err)
		}

		sizeField := strings.TrimRight(sizeLine, "\r\n")
		if semi := strings.IndexByte(sizeField, ';'); semi >= 0 {
			sizeField = sizeField[:semi]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 64)
		if err != nil {
			return ferrors.NewMalformedRequest("parse-chunk-size", "invalid chunk size", err)
		}

		if size == 0 {
			// Copy the trailer block up to and including the terminating
			// blank line.
			for {
				line, err := clientReader.ReadString('\n')
				if err != nil {
					return ferrors.NewClientIO("read-trailer", err)
				}
				if _, err := io.WriteString(upstream, line); err != nil {
					return ferrors.NewUpstreamIO("write-trailer", err)
				}
				if strings.TrimRight(line, "\r\n") == "" {
					return nil
				}
			}
		}

		if _, err := io.CopyN(upstream, clientReader, size+2); err != nil {
			return ferrors.NewClientIO("relay-chunk-data", err)
		}
	}
}

// relayResponse copies the upstream's status line, headers, and body back
// to client using a fixed-size buffer, counting bytes as it goes. It
// returns the parsed status code when the status line was read
// successfully, even if the body relay later fails partway through.
//
// Like relayRequestBody on the request side, the body is relayed according
// to the response's own declared framing: a Content-Length is read to
// exact length, a chunked Transfer-Encoding is read chunk by chunk to its
// terminating zero-length chunk, and only when neither header is present
// does the relay fall back to reading until the upstream closes or the I/O
// deadline elapses. Without this, an upstream that keeps its connection
// open past the end of a well-framed response (the HTTP/1.1 default) would
// otherwise block the relay for the full ioTimeout even though the
// transaction already completed successfully.
func relayResponse(client io.Writer, upstream net.Conn, ioTimeout time.Duration) (Result, error) {
	reader := bufio.NewReader(upstream)

	if err := upstream.SetReadDeadline(time.Now().Add(ioTimeout)); err != nil {
		return Result{}, ferrors.NewUpstreamIO("set-read-deadline", err)
	}

	statusLine, err := reader.ReadString('\n')
	if err != nil {
		if isTimeout(err) {
			return Result{}, ferrors.NewUpstreamTimeout("read-status-line", err)
		}
		return Result{}, ferrors.NewUpstreamIO("read-status-line", err)
	}

	status := parseStatusCode(statusLine)
	result := Result{StatusCode: status}

	n, err := io.WriteString(client, statusLine)
	result.BytesRelayed += int64(n)
	if err != nil {
		return result, ferrors.NewClientIO("write-status-line", err)
	}

	contentLength := int64(-1)
	chunked := false

	for {
		if err := upstream.SetReadDeadline(time.Now().Add(ioTimeout)); err != nil {
			return result, ferrors.NewUpstreamIO("set-read-deadline", err)
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if isTimeout(err) {
				return result, ferrors.NewUpstreamTimeout("read-response-headers", err)
			}
			return result, ferrors.NewUpstreamIO("read-response-headers", err)
		}

		wn, werr := io.WriteString(client, line)
		result.BytesRelayed += int64(wn)
		if werr != nil {
			return result, ferrors.NewClientIO("write-response-headers", werr)
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}

		name, value, ok := splitHeaderLine(trimmed)
		if !ok {
			continue
		}
		switch {
		case strings.EqualFold(name, "Content-Length"):
			if parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil && parsed >= 0 {
				contentLength = parsed
			}
		case strings.EqualFold(name, "Transfer-Encoding"):
			if strings.EqualFold(strings.TrimSpace(value), "chunked") {
				chunked = true
			}
		}
	}

	switch {
	case chunked:
		if err := relayChunkedResponseBody(client, reader, upstream, ioTimeout, &result); err != nil {
			return result, err
		}
	case contentLength == 0:
		// No body declared.
	case contentLength > 0:
		if err := relayFixedLengthResponseBody(client, reader, upstream, ioTimeout, contentLength, &result); err != nil {
			return result, err
		}
	default:
		if err := relayUntilEOFResponseBody(client, reader, upstream, ioTimeout, &result); err != nil {
			return result, err
		}
	}

	return result, nil
}

// splitHeaderLine splits a trimmed "name: value" response header line.
func splitHeaderLine(line string) (name, value string, ok bool) {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:colon]), strings.TrimSpace(line[colon+1:]), true
}

// relayFixedLengthResponseBody relays exactly length bytes of the response
// body from reader to client, counting bytes into result. Reaching EOF
// before length bytes have been relayed is an upstream I/O error, not a
// clean end of transaction.
func relayFixedLengthResponseBody(client io.Writer, reader *bufio.Reader, upstream net.Conn, ioTimeout time.Duration, length int64, result *Result) error {
	buf := make([]byte, protoconst.RelayBufferSize)
	remaining := length
	for remaining > 0 {
		if err := upstream.SetReadDeadline(time.Now().Add(ioTimeout)); err != nil {
			return ferrors.NewUpstreamIO("set-read-deadline", err)
		}
		want := int64(len(buf))
		if remaining < want {
			want = remaining
		}
		rn, rerr := reader.Read(buf[:want])
		if rn > 0 {
			wn, werr := client.Write(buf[:rn])
			result.BytesRelayed += int64(wn)
			if werr != nil {
				return ferrors.NewClientIO("relay-response-body", werr)
			}
			remaining -= int64(rn)
		}
		if rerr != nil {
			if rerr == io.EOF {
				if remaining == 0 {
					return nil
				}
				return ferrors.NewUpstreamIO("relay-response-body", rerr)
			}
			if isTimeout(rerr) {
				return ferrors.NewUpstreamTimeout("relay-response-body", rerr)
			}
			return ferrors.NewUpstreamIO("relay-response-body", rerr)
		}
	}
	return nil
}

// relayChunkedResponseBody relays a chunked response body chunk by chunk,
// including the terminating zero-length chunk and any trailer, mirroring
// relayChunkedBody on the request side.
func relayChunkedResponseBody(client io.Writer, reader *bufio.Reader, upstream net.Conn, ioTimeout time.Duration, result *Result) error {
	for {
		if err := upstream.SetReadDeadline(time.Now().Add(ioTimeout)); err != nil {
			return ferrors.NewUpstreamIO("set-read-deadline", err)
		}

		sizeLine, err := reader.ReadString('\n')
		if err != nil {
			if isTimeout(err) {
				return ferrors.NewUpstreamTimeout("read-chunk-size", err)
			}
			return ferrors.NewUpstreamIO("read-chunk-size", err)
		}
		wn, werr := io.WriteString(client, sizeLine)
		result.BytesRelayed += int64(wn)
		if werr != nil {
			return ferrors.NewClientIO("write-chunk-size", werr)
		}

		sizeField := strings.TrimRight(sizeLine, "\r\n")
		if semi := strings.IndexByte(sizeField, ';'); semi >= 0 {
			sizeField = sizeField[:semi]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 64)
		if err != nil {
			return ferrors.NewUpstreamIO("parse-chunk-size", err)
		}

		if size == 0 {
			for {
				if err := upstream.SetReadDeadline(time.Now().Add(ioTimeout)); err != nil {
					return ferrors.NewUpstreamIO("set-read-deadline", err)
				}
				line, err := reader.ReadString('\n')
				if err != nil {
					if isTimeout(err) {
						return ferrors.NewUpstreamTimeout("read-trailer", err)
					}
					return ferrors.NewUpstreamIO("read-trailer", err)
				}
				wn, werr := io.WriteString(client, line)
				result.BytesRelayed += int64(wn)
				if werr != nil {
					return ferrors.NewClientIO("write-trailer", werr)
				}
				if strings.TrimRight(line, "\r\n") == "" {
					return nil
				}
			}
		}

		if err := relayFixedLengthResponseBody(client, reader, upstream, ioTimeout, size+2, result); err != nil {
			return err
		}
	}
}

// relayUntilEOFResponseBody relays the response body with no declared
// framing, reading until the upstream closes, errors, or the I/O deadline
// elapses. This is the fallback path used only when the response declares
// neither Content-Length nor chunked Transfer-Encoding.
func relayUntilEOFResponseBody(client io.Writer, reader *bufio.Reader, upstream net.Conn, ioTimeout time.Duration, result *Result) error {
	buf := make([]byte, protoconst.RelayBufferSize)
	for {
		if err := upstream.SetReadDeadline(time.Now().Add(ioTimeout)); err != nil {
			return ferrors.NewUpstreamIO("set-read-deadline", err)
		}
		rn, rerr := reader.Read(buf)
		if rn > 0 {
			wn, werr := client.Write(buf[:rn])
			result.BytesRelayed += int64(wn)
			if werr != nil {
				return ferrors.NewClientIO("relay-response-body", werr)
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			if isTimeout(rerr) {
				return ferrors.NewUpstreamTimeout("relay-response-body", rerr)
			}
			return ferrors.NewUpstreamIO("relay-response-body", rerr)
		}
	}
}

func parseStatusCode(statusLine string) int {
	fields := strings.SplitN(strings.TrimRight(statusLine, "\r\n"), " ", 3)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
