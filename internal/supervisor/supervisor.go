// Package supervisor implements the Connection Supervisor (spec §4.5): the
// accept loop, concurrency gate, per-connection dispatch, and graceful
// shutdown that ties the rest of the pipeline together.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"github.com/forwardgate/forwardgate/internal/accesslog"
	"github.com/forwardgate/forwardgate/internal/ferrors"
	"github.com/forwardgate/forwardgate/internal/forwarder"
	"github.com/forwardgate/forwardgate/internal/obslog"
	"github.com/forwardgate/forwardgate/internal/reqparse"
	"github.com/forwardgate/forwardgate/internal/ruleset"
	"github.com/forwardgate/forwardgate/internal/tunnel"
)

// Config bundles the runtime knobs the supervisor needs; it mirrors the
// fields of config.Config without importing that package, so supervisor
// stays usable from tests with hand-built values.
type Config struct {
	InitialReadTimeout time.Duration
	ConnectTimeout     time.Duration
	IOTimeout          time.Duration
	ShutdownGrace      time.Duration
	ConcurrencyLimit   int
}

// Supervisor owns the listening socket, the filter engine, and the access
// log sink, dispatching each accepted connection through the pipeline.
type Supervisor struct {
	cfg   Config
	rules *ruleset.Engine
	log   *accesslog.Writer
}

// New constructs a Supervisor bound to the given filter engine and access
// log sink.
func New(cfg Config, rules *ruleset.Engine, log *accesslog.Writer) *Supervisor {
	return &Supervisor{cfg: cfg, rules: rules, log: log}
}

// Serve binds addr, wraps the listener in a bounded-concurrency gate, and
// accepts connections until ctx is cancelled (typically by a signal
// handler installed by RunUntilSignal). When ctx is cancelled it closes
// the listener, stops accepting, and waits up to ShutdownGrace for
// in-flight handlers to finish before returning.
//
// Serve does not take a backlog parameter: net.Listen has no portable way
// to set the kernel listen queue depth (the runtime calls listen() itself,
// after any ListenConfig.Control callback has run, with a backlog it
// derives from the platform's SOMAXCONN, so there is nothing in the
// standard library to plumb a configured value into). The config file's backlog field is accepted and validated
// for compatibility with spec §6 but otherwise unused; burst admission
// beyond ConcurrencyLimit is bounded by the kernel's own default queue
// depth instead.
func (s *Supervisor) Serve(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	limited := netutil.LimitListener(ln, s.cfg.ConcurrencyLimit)

	obslog.For("supervisor").Info().Str("addr", addr).Int("concurrency_limit", s.cfg.ConcurrencyLimit).Msg("listening")

	var inFlight sync.WaitGroup
	closed := make(chan struct{})
	go func() {
		<-ctx.Done()
		limited.Close()
		close(closed)
	}()

	for {
		conn, err := limited.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				<-closed
				return waitWithGrace(&inFlight, s.cfg.ShutdownGrace)
			default:
				if errors.Is(err, net.ErrClosed) {
					return waitWithGrace(&inFlight, s.cfg.ShutdownGrace)
				}
				obslog.For("supervisor").Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		inFlight.Add(1)
		go func() {
			defer inFlight.Done()
			s.handle(conn)
		}()
	}
}

// waitWithGrace waits for wg to drain, giving up after grace elapses.
func waitWithGrace(wg *sync.WaitGroup, grace time.Duration) error {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		obslog.For("supervisor").Warn().Msg("shutdown grace period expired with handlers still in flight")
	}
	return nil
}

// RunUntilSignal runs Serve and blocks until SIGINT/SIGTERM, then cancels
// the server context and waits up to ShutdownGrace for in-flight handlers
// to finish before returning.
func RunUntilSignal(s *Supervisor, addr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return s.Serve(ctx, addr)
}

// handle runs the per-connection state machine described in spec §4.5:
// ACCEPTED -> PARSED -> DECIDED -> (RESPOND_403 | TUNNELING | FORWARDING)
// -> CLOSED, with any step able to divert to an error response.
func (s *Supervisor) handle(conn net.Conn) {
	defer conn.Close()

	client := conn
	clientAddr := client.RemoteAddr().String()

	readTimeout := s.cfg.InitialReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	client.SetReadDeadline(time.Now().Add(readTimeout))

	reader := bufio.NewReader(client)
	req, err := reqparse.Parse(reader)
	if err != nil {
		s.respondError(client, clientAddr, "-", "-", err)
		return
	}
	client.SetReadDeadline(time.Time{})

	dest := net.JoinHostPort(req.Host, strconv.Itoa(req.Port))
	requestLine := req.StartLine()

	if s.rules.IsBlocked(req.Host, req.Port) {
		writeResponse(client, 403, "Forbidden", "Access Denied")
		s.log.Write(accesslog.Record{
			Severity:    accesslog.Warning,
			Verdict:     accesslog.Blocked,
			Client:      clientAddr,
			Destination: dest,
			RequestLine: requestLine,
		})
		return
	}

	if req.IsConnect {
		s.handleConnect(client, clientAddr, dest, requestLine, req)
		return
	}

	s.handleForward(client, clientAddr, dest, requestLine, req, reader)
}

func (s *Supervisor) handleConnect(client net.Conn, clientAddr, dest, requestLine string, req *reqparse.Request) {
	upstream, err := tunnel.Dial(req.DialAddr(), s.cfg.ConnectTimeout)
	if err != nil {
		writeResponse(client, 502, "Bad Gateway", "")
		s.logError(clientAddr, dest, requestLine, err)
		return
	}
	defer upstream.Close()

	if _, err := client.Write([]byte(tunnel.EstablishedResponse)); err != nil {
		s.logError(clientAddr, dest, requestLine, ferrors.NewClientIO("write-connect-ack", err))
		return
	}

	result := tunnel.Relay(client, upstream, s.cfg.IOTimeout)
	s.log.Write(accesslog.Record{
		Severity:    accesslog.Info,
		Verdict:     accesslog.Allowed,
		Client:      clientAddr,
		Destination: dest,
		RequestLine: requestLine,
		Status:      intPtr(200),
		Bytes:       int64Ptr(result.ClientToUpstream + result.UpstreamToClient),
	})
}

func (s *Supervisor) handleForward(client net.Conn, clientAddr, dest, requestLine string, req *reqparse.Request, reader *bufio.Reader) {
	result, err := forwarder.Forward(client, reader, req, s.cfg.ConnectTimeout, s.cfg.IOTimeout)
	if err != nil {
		kind, _ := ferrors.KindOf(err)
		switch kind {
		case ferrors.UpstreamConnect:
			writeResponse(client, 502, "Bad Gateway", "")
		case ferrors.UpstreamTimeout:
			if result.BytesRelayed == 0 {
				writeResponse(client, 504, "Gateway Timeout", "")
			}
		}
		s.logError(clientAddr, dest, requestLine, err)
		return
	}

	s.log.Write(accesslog.Record{
		Severity:    accesslog.Info,
		Verdict:     accesslog.Allowed,
		Client:      clientAddr,
		Destination: dest,
		RequestLine: requestLine,
		Status:      intPtr(result.StatusCode),
		Bytes:       int64Ptr(result.BytesRelayed),
	})
}

// respondError handles a parse-time failure, before a destination has been
// derived; client/dest are best-effort labels for the log record.
func (s *Supervisor) respondError(client net.Conn, clientAddr, dest, requestLine string, err error) {
	writeResponse(client, 400, "Bad Request", "")
	s.logError(clientAddr, dest, requestLine, err)
}

func (s *Supervisor) logError(clientAddr, dest, requestLine string, err error) {
	reason := err.Error()
	if kind, ok := ferrors.KindOf(err); ok {
		reason = string(kind)
	}
	s.log.Write(accesslog.Record{
		Severity:    accesslog.Error,
		Verdict:     accesslog.Errored,
		Client:      clientAddr,
		Destination: dest,
		RequestLine: requestLine,
		Reason:      reason,
	})
}

// writeResponse writes a minimal complete HTTP/1.1 error response with a
// fixed Content-Length, per spec §6.
func writeResponse(w net.Conn, status int, reason, body string) {
	resp := "HTTP/1.1 " + strconv.Itoa(status) + " " + reason + "\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
		"Connection: close\r\n\r\n" + body
	w.Write([]byte(resp))
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
