// Package reqparse implements the Request Parser: it reads a client's
// request far enough to identify its destination, without depending on
// net/http, so the original header bytes can be forwarded byte-for-byte.
package reqparse

import (
	"bufio"
	"net"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/forwardgate/forwardgate/internal/ferrors"
	"github.com/forwardgate/forwardgate/internal/protoconst"
)

// HeaderField preserves one header line's original name casing and value.
type HeaderField struct {
	Name  string
	Value string
}

// Request is the immutable record produced by Parse.
type Request struct {
	Method    string
	Target    string
	Version   string
	Host      string
	Port      int
	IsConnect bool

	// Path is the request-target rewritten to origin-form (used by the
	// forwarder); empty for CONNECT.
	Path string

	Headers []HeaderField

	// HeaderBlock holds the raw header-block bytes (every header line plus
	// the terminating empty line) exactly as received, so the forwarder can
	// relay them without re-encoding.
	HeaderBlock []byte
}

// DialAddr returns "host:port" (rebracketing IPv6 literals) suitable for
// net.Dial.
func (r *Request) DialAddr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Get returns the first value of the named header, case-insensitively, or
// "" if absent.
func (r *Request) Get(name string) string {
	canon := textproto.CanonicalMIMEHeaderKey(name)
	for _, h := range r.Headers {
		if textproto.CanonicalMIMEHeaderKey(h.Name) == canon {
			return h.Value
		}
	}
	return ""
}

// StartLine renders "METHOD TARGET VERSION".
func (r *Request) StartLine() string {
	return r.Method + " " + r.Target + " " + r.Version
}

// Parse reads a single request from reader: the start line, the header
// block (bounded to protoconst.MaxHeaderBytes, accepting bare LF as a
// fallback line terminator), and derives the request's destination.
func Parse(reader *bufio.Reader) (*Request, error) {
	startLine, err := readLine(reader)
	if err != nil {
		return nil, ferrors.NewMalformedRequest("read-start-line", "could not read request line", err)
	}

	parts := strings.SplitN(startLine, " ", 3)
	if len(parts) != 3 {
		return nil, ferrors.NewMalformedRequest("parse-start-line", "expected \"METHOD TARGET VERSION\"", nil)
	}

	req := &Request{
		Method:  strings.ToUpper(parts[0]),
		Target:  parts[1],
		Version: parts[2],
	}
	req.IsConnect = req.Method == "CONNECT"

	headers, block, err := readHeaders(reader)
	if err != nil {
		return nil, err
	}
	req.Headers = headers
	req.HeaderBlock = block

	if err := deriveDestination(req); err != nil {
		return nil, err
	}

	return req, nil
}

// readLine reads one line, accepting either CRLF or a bare LF terminator.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readHeaders reads header lines until the terminating empty line (CRLF CRLF
// or, as a fallback, a bare LF LF), joining obs-fold continuations into the
// previous header's value. It returns the parsed fields in wire order and
// the raw bytes of the header block (including the terminator) so the
// forwarder can relay them verbatim.
func readHeaders(r *bufio.Reader) ([]HeaderField, []byte, error) {
	var fields []HeaderField
	var block []byte
	total := 0
	lastIdx := -1

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, nil, ferrors.NewMalformedRequest("read-headers", "connection closed before headers terminated", err)
		}

		total += len(line)
		if total > protoconst.MaxHeaderBytes {
			return nil, nil, ferrors.NewMalformedRequest("read-headers", "header block exceeds maximum size", nil)
		}
		block = append(block, line...)

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}

		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if lastIdx < 0 {
				continue
			}
			fields[lastIdx].Value = fields[lastIdx].Value + " " + strings.TrimSpace(trimmed)
			continue
		}

		colon := strings.IndexByte(trimmed, ':')
		if colon < 0 {
			continue
		}
		name := strings.TrimSpace(trimmed[:colon])
		value := strings.TrimSpace(trimmed[colon+1:])
		fields = append(fields, HeaderField{Name: name, Value: value})
		lastIdx = len(fields) - 1
	}

	return fields, block, nil
}

// deriveDestination implements spec §4.1's three-way destination rule.
func deriveDestination(req *Request) error {
	if req.IsConnect {
		host, port, err := splitHostPort(req.Target, 0)
		if err != nil {
			return ferrors.NewMalformedRequest("parse-target", "CONNECT target must be host:port with an explicit port", err)
		}
		req.Host = strings.ToLower(host)
		req.Port = port
		return nil
	}

	if !strings.HasPrefix(req.Target, "/") && strings.Contains(req.Target, "://") {
		return deriveAbsoluteForm(req)
	}

	return deriveOriginForm(req)
}

func deriveAbsoluteForm(req *Request) error {
	schemeIdx := strings.Index(req.Target, "://")
	rest := req.Target[schemeIdx+3:]

	authority := rest
	path := "/"
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		authority = rest[:slash]
		path = rest[slash:]
	}
	if authority == "" {
		return ferrors.NewMalformedRequest("parse-target", "absolute-form target has no authority", nil)
	}

	host, port, err := splitHostPort(authority, 80)
	if err != nil {
		return ferrors.NewMalformedRequest("parse-target", "invalid absolute-form authority", err)
	}
	req.Host = strings.ToLower(host)
	req.Port = port
	req.Path = path
	return nil
}

func deriveOriginForm(req *Request) error {
	hostHeader := req.Get("Host")
	if hostHeader == "" {
		return ferrors.NewMissingHost("parse-target")
	}
	host, port, err := splitHostPort(hostHeader, 80)
	if err != nil {
		return ferrors.NewMalformedRequest("parse-target", "invalid Host header", err)
	}
	req.Host = strings.ToLower(host)
	req.Port = port
	req.Path = req.Target
	return nil
}

// splitHostPort splits "host:port" or "[ipv6]:port", defaulting the port to
// defaultPort when no port is present and defaultPort > 0. defaultPort == 0
// means a missing port is an error (used for CONNECT's authority-form,
// which requires an explicit port per spec §4.1).
func splitHostPort(hostport string, defaultPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		if defaultPort <= 0 {
			return "", 0, err
		}
		// net.SplitHostPort fails on a bare host with no colon; treat the
		// whole string as the host and apply the default port.
		if ae, ok := err.(*net.AddrError); ok && strings.Contains(ae.Err, "missing port") {
			return stripBrackets(hostport), defaultPort, nil
		}
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return stripBrackets(host), port, nil
}

// StripHeader removes every line for the named header (and any obs-fold
// continuation lines belonging to it) from a raw header block, leaving the
// remaining lines byte-identical. Used by the forwarder to optionally drop
// the hop-by-hop Proxy-Connection header per spec §6.
func StripHeader(block []byte, name string) []byte {
	canon := textproto.CanonicalMIMEHeaderKey(name)
	lines := splitLinesKeepEnds(block)
	out := make([]byte, 0, len(block))
	skipping := false
	for _, line := range lines {
		trimmed := strings.TrimRight(string(line), "\r\n")
		isContinuation := strings.HasPrefix(trimmed, " ") || strings.HasPrefix(trimmed, "\t")
		if isContinuation {
			if skipping {
				continue
			}
			out = append(out, line...)
			continue
		}
		skipping = false
		if colon := strings.IndexByte(trimmed, ':'); colon >= 0 {
			if textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(trimmed[:colon])) == canon {
				skipping = true
				continue
			}
		}
		out = append(out, line...)
	}
	return out
}

func splitLinesKeepEnds(block []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := 0; i < len(block); i++ {
		if block[i] == '\n' {
			lines = append(lines, block[start:i+1])
			start = i + 1
		}
	}
	if start < len(block) {
		lines = append(lines, block[start:])
	}
	return lines
}

func stripBrackets(host string) string {
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host[1 : len(host)-1]
	}
	return host
}
