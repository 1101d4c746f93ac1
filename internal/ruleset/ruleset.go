// Package ruleset implements the host/IP blocklist: parsing the rule file
// format, evaluating allow/deny decisions, and reloading the rule set
// atomically when the backing file changes.
package ruleset

import (
	"bufio"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/forwardgate/forwardgate/internal/protoconst"
)

// kind tags which of the three rule variants a parsed rule is.
type kind int

const (
	kindExactHost kind = iota
	kindSuffixWildcard
	kindIPLiteral
)

// rule is one parsed line from the rule file.
type rule struct {
	kind   kind
	host   string // lower-cased exact host, or the "D" part of "*.D"
	ip     net.IP
	ipFrom4 bool
}

// snapshot is an immutable, fully-parsed rule set. Readers always observe
// either an entire old snapshot or an entire new one, never a partial mix.
type snapshot struct {
	rules []rule
}

// Engine is the Filter Engine: it evaluates (host, port) pairs against the
// current snapshot and lazily reloads the snapshot when the rule file's
// mtime changes.
type Engine struct {
	path string

	current atomic.Pointer[snapshot]

	// reloadMu serializes reload attempts; stat/parse happen off to the
	// side and the result is published with current.Store, so readers
	// never block on reloadMu.
	reloadMu   chanMutex
	lastMod    time.Time
	lastSize   int64
	warnedOnce atomic.Bool

	onError func(error)
}

// chanMutex is a trivial non-blocking-try mutex: reload attempts that lose
// the race simply skip this tick rather than queueing up behind a slow
// reload, since the next decision will just try again.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	c := make(chanMutex, 1)
	c <- struct{}{}
	return c
}

func (c chanMutex) tryLock() bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

func (c chanMutex) unlock() {
	c <- struct{}{}
}

// New constructs an Engine bound to the given rule file path. onError, if
// non-nil, is invoked (at most once per distinct failure) when the rule
// file cannot be read; the engine degrades to a fully-permissive empty
// rule set in that case rather than failing decisions.
func New(path string, onError func(error)) *Engine {
	e := &Engine{
		path:     path,
		reloadMu: newChanMutex(),
		onError:  onError,
	}
	e.current.Store(&snapshot{})
	e.reload(true)
	return e
}

// IsBlocked reports whether (host, port) matches a deny rule. It triggers a
// lazy reload check first.
func (e *Engine) IsBlocked(host string, port int) bool {
	e.maybeReload()
	snap := e.current.Load()
	return snap.matches(host)
}

// maybeReload stats the rule file and, if its mtime or size differ from the
// last observed values, reloads and atomically swaps the snapshot.
func (e *Engine) maybeReload() {
	if !e.reloadMu.tryLock() {
		return
	}
	defer e.reloadMu.unlock()
	e.reload(false)
}

func (e *Engine) reload(initial bool) {
	info, err := os.Stat(e.path)
	if err != nil {
		if e.onError != nil && !e.warnedOnce.Swap(true) {
			e.onError(err)
		}
		e.lastMod = time.Time{}
		e.lastSize = 0
		e.current.Store(&snapshot{})
		return
	}

	if !initial && info.ModTime().Equal(e.lastMod) && info.Size() == e.lastSize {
		return
	}

	rules, err := parseFile(e.path)
	if err != nil {
		if e.onError != nil && !e.warnedOnce.Swap(true) {
			e.onError(err)
		}
		e.current.Store(&snapshot{})
		return
	}

	e.lastMod = info.ModTime()
	e.lastSize = info.Size()
	e.warnedOnce.Store(false)
	e.current.Store(&snapshot{rules: rules})
}

func parseFile(path string) ([]rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rules []rule
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rules = append(rules, parseRule(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

func parseRule(line string) rule {
	if ip := net.ParseIP(line); ip != nil {
		return rule{kind: kindIPLiteral, ip: ip, ipFrom4: ip.To4() != nil}
	}
	if strings.HasPrefix(line, "*.") {
		return rule{kind: kindSuffixWildcard, host: strings.ToLower(line[2:])}
	}
	return rule{kind: kindExactHost, host: strings.ToLower(line)}
}

// matches performs the O(N) first-match-wins scan described in spec §4.2.
func (s *snapshot) matches(host string) bool {
	lowered := strings.ToLower(unbracket(host))
	hostIP := net.ParseIP(lowered)

	for _, r := range s.rules {
		switch r.kind {
		case kindIPLiteral:
			if hostIP == nil {
				continue
			}
			if hostIP.To4() != nil && r.ipFrom4 {
				if hostIP.Equal(r.ip) {
					return true
				}
			} else if hostIP.To4() == nil && !r.ipFrom4 {
				if hostIP.Equal(r.ip) {
					return true
				}
			}
		case kindExactHost:
			if hostIP != nil {
				continue
			}
			if lowered == r.host {
				return true
			}
		case kindSuffixWildcard:
			if hostIP != nil {
				continue
			}
			if lowered == r.host || strings.HasSuffix(lowered, "."+r.host) {
				return true
			}
		}
	}
	return false
}

func unbracket(host string) string {
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host[1 : len(host)-1]
	}
	return host
}

// ReloadCheckInterval is a default interval for callers that want to poll
// on a timer; nothing in this package reads it. The engine itself checks
// the rule file on every IsBlocked call and never spawns a background
// goroutine, keeping its suspension points limited to the stat call made
// inline with IsBlocked, per spec §5.
var ReloadCheckInterval = protoconst.DefaultRuleReloadCheck
