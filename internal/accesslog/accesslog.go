// Package accesslog implements the Event Logger: the fixed-schema,
// one-line-per-transaction record described in spec §3/§6, serialized to a
// single log file.
package accesslog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Severity is the record's severity level.
type Severity string

const (
	Info    Severity = "INFO"
	Warning Severity = "WARNING"
	Error   Severity = "ERROR"
)

// Verdict is the record's outcome.
type Verdict string

const (
	Allowed Verdict = "ALLOWED"
	Blocked Verdict = "BLOCKED"
	Errored Verdict = "ERROR"
)

// Record is one structured transaction record.
type Record struct {
	Time        time.Time
	Severity    Severity
	Verdict     Verdict
	Client      string // client endpoint, "ip:port"
	Destination string // destination endpoint, "host:port"
	RequestLine string // "METHOD TARGET VERSION"

	// Status and Bytes are populated for ALLOWED records only; both are
	// omitted from the line for BLOCKED records.
	Status *int
	Bytes  *int64

	// Reason is the free-text field used in place of Status/Bytes for
	// ERROR records.
	Reason string
}

// Format renders the record per spec §6:
//
//	YYYY-MM-DD HH:MM:SS - LEVEL - VERDICT | CLIENT -> DEST | METHOD TARGET VERSION | STATUS | BYTES
func (r Record) Format() string {
	base := fmt.Sprintf("%s - %s - %s | %s -> %s | %s",
		r.Time.Format("2006-01-02 15:04:05"),
		r.Severity, r.Verdict, r.Client, r.Destination, r.RequestLine)

	switch r.Verdict {
	case Errored:
		return base + " | " + r.Reason
	case Blocked:
		return base
	default:
		status := 0
		if r.Status != nil {
			status = *r.Status
		}
		var bytes int64
		if r.Bytes != nil {
			bytes = *r.Bytes
		}
		return fmt.Sprintf("%s | %d | %d bytes", base, status, bytes)
	}
}

// Writer is the single-owner append-only log sink. Callers never interleave
// partial writes: Write serializes through a mutex and drops the record on
// I/O failure (reporting the error to onError, if set) rather than blocking
// or propagating the error to the connection supervisor (spec §4.6).
type Writer struct {
	mu      sync.Mutex
	f       *os.File
	onError func(error)
}

// Open creates or appends to the log file at path.
func Open(path string, onError func(error)) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{f: f, onError: onError}, nil
}

// Write serializes rec and appends it to the log file. Errors are reported
// via onError (if set) and otherwise dropped.
func (w *Writer) Write(rec Record) {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	line := rec.Format() + "\n"

	w.mu.Lock()
	_, err := w.f.WriteString(line)
	w.mu.Unlock()

	if err != nil && w.onError != nil {
		w.onError(err)
	}
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
