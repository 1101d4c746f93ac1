// Package protoconst defines magic numbers and default values shared across
// the proxy's request-handling pipeline.
package protoconst

import "time"

// Connection and I/O timeouts.
const (
	DefaultConnectTimeout  = 10 * time.Second
	DefaultIOTimeout       = 30 * time.Second
	DefaultShutdownGrace   = 5 * time.Second
	DefaultRuleReloadCheck = 2 * time.Second
)

// Protocol limits.
const (
	// MaxHeaderBytes bounds the header block (header lines plus the
	// terminating empty line) read from a client; the start line is not
	// counted against it.
	MaxHeaderBytes = 16 * 1024

	// RelayBufferSize is the fixed-size buffer used for both HTTP response
	// relaying and CONNECT duplex relaying.
	RelayBufferSize = 8 * 1024
)

// Listener defaults.
const (
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 8888
	DefaultConcurrencyLimit = 10
	DefaultBacklog          = 100
)

// DefaultBlockedDomainsFile and DefaultLogFile are the config fallbacks
// named in the configuration file format.
const (
	DefaultBlockedDomainsFile = "config/blocked_domains.txt"
	DefaultLogFile            = "logs/proxy.log"
)
