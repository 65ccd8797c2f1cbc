package qcfg

import (
	"fmt"
	"time"
)

const (
	// DefaultMaxPeers is the default number of outbound peers.
	DefaultMaxPeers = 8

	// DefaultPeerBackoff is the default time an address is skipped after
	// its peer disconnected.
	DefaultPeerBackoff = 30 * time.Second

	// DefaultReconnectInterval is the default interval of the reconnect
	// check while no peer is connected.
	DefaultReconnectInterval = 5 * time.Second

	// DefaultMaxBufferedBytes is the default cap of unparsed bytes per
	// peer.
	DefaultMaxBufferedBytes = 10 * 1024 * 1024

	// DefaultDialTimeout is the default timeout of an outbound dial.
	DefaultDialTimeout = 10 * time.Second
)

// P2P holds the peer-to-peer configuration.
//
//nolint:lll
type P2P struct {
	Connect []string `long:"connect" description:"Connect only to the specified peers at startup. Disables DNS seeding unless dnsseed is set explicitly."`

	MaxPeers int `long:"maxpeers" description:"Maximum number of outbound peers."`

	DNSSeed bool `long:"dnsseed" description:"Discover peers through the network's DNS seeds."`

	DNSServer string `long:"dnsserver" description:"Resolve DNS seeds through this DNS server (host:port) instead of the system resolver."`

	UserAgent string `long:"useragent" description:"Override the user agent advertised to peers."`

	ProtocolVersion uint32 `long:"protocolversion" description:"Override the advertised protocol version."`

	Backoff time.Duration `long:"backoff" description:"Time an address is skipped after its peer disconnected."`

	Reconnect time.Duration `long:"reconnect" description:"Interval of the reconnect check while no peer is connected."`

	DialTimeout time.Duration `long:"dialtimeout" description:"Timeout of an outbound connection attempt."`

	DialRate float64 `long:"dialrate" description:"Maximum outbound connection attempts per second, 0 for no limit."`

	MaxBuffer int `long:"maxbuffer" description:"Maximum number of unparsed bytes buffered per peer before it is disconnected."`

	NoKeepAlive bool `long:"nokeepalive" description:"Do not replace disconnected peers immediately."`
}

// DefaultP2P returns the default peer-to-peer configuration.
func DefaultP2P() *P2P {
	return &P2P{
		MaxPeers:    DefaultMaxPeers,
		DNSSeed:     true,
		Backoff:     DefaultPeerBackoff,
		Reconnect:   DefaultReconnectInterval,
		DialTimeout: DefaultDialTimeout,
		MaxBuffer:   DefaultMaxBufferedBytes,
	}
}

// Validate checks the peer-to-peer configuration.
func (p *P2P) Validate() error {
	if p.MaxPeers < 1 {
		return fmt.Errorf("maxpeers must be at least 1, got %d",
			p.MaxPeers)
	}
	if p.Backoff < 0 || p.Reconnect <= 0 || p.DialTimeout <= 0 {
		return fmt.Errorf("backoff must not be negative, reconnect " +
			"and dialtimeout must be positive")
	}
	if p.DialRate < 0 {
		return fmt.Errorf("dialrate must not be negative")
	}

	// A peer must be able to buffer at least one maximum size block
	// header frame.
	if p.MaxBuffer < 1024 {
		return fmt.Errorf("maxbuffer must be at least 1024 bytes, "+
			"got %d", p.MaxBuffer)
	}
	if len(p.Connect) == 0 && !p.DNSSeed {
		return fmt.Errorf("no peer source: set connect or enable " +
			"dnsseed")
	}

	return nil
}
