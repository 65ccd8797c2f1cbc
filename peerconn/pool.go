package peerconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/qtumsync/chainreg"
	"github.com/lightninglabs/qtumsync/peer"
	"github.com/lightninglabs/qtumsync/qwire"
	"github.com/lightninglabs/qtumsync/subscribe"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/lnd/tor"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxSize is the default number of simultaneous peers.
	DefaultMaxSize = 8

	// DefaultBackoff is how long a disconnected address is skipped.
	DefaultBackoff = 30 * time.Second

	// DefaultReconnectInterval is how often an empty pool retries.
	DefaultReconnectInterval = 5 * time.Second

	// DefaultDialTimeout bounds a single outbound dial.
	DefaultDialTimeout = 10 * time.Second

	// peerEventPrefix namespaces the events re-emitted for peer messages.
	peerEventPrefix = "peer"
)

// Event names published by the pool in addition to one "peer<command>"
// event per command of the wire dispatch table.
const (
	EventReady      = "peerready"
	EventDisconnect = "peerdisconnect"
	EventSeedError  = "seederror"
)

var (
	// ErrPoolShuttingDown is returned when the pool is stopping.
	ErrPoolShuttingDown = errors.New("pool shutting down")

	// ErrUnknownEvent is returned when subscribing to an event the pool
	// never publishes.
	ErrUnknownEvent = errors.New("unknown event")

	// ErrPeerNotConnected is returned by SendTo for unknown peers.
	ErrPeerNotConnected = errors.New("peer is not connected")

	// ErrNoPeers is returned when no ready peer is available.
	ErrNoPeers = errors.New("no ready peers")
)

// MessageEvent returns the name of the event carrying messages of the given
// command.
func MessageEvent(command string) string {
	return peerEventPrefix + command
}

// Address is an entry of the address book. Entries are never removed, a
// disconnect only moves them to the back with a retry deadline.
type Address struct {
	// IP is the address of the remote node.
	IP net.IP

	// Port is the remote's listening port.
	Port uint16

	// RetryTime is the earliest time the address may be dialed again.
	RetryTime time.Time
}

// NewAddress creates an address book entry.
func NewAddress(ip net.IP, port uint16) *Address {
	return &Address{IP: ip, Port: port}
}

// ID returns the identity of the address, ip:port.
func (a *Address) ID() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// PeerMessage is a message received from a peer.
type PeerMessage struct {
	Peer *peer.Peer
	Msg  wire.Message
}

// Event returns the namespaced event the message was published on.
func (m *PeerMessage) Event() string {
	return MessageEvent(m.Msg.Command())
}

// PeerDisconnect is published once for every peer the pool loses.
type PeerDisconnect struct {
	Peer *peer.Peer
	Err  error
}

// SeedError reports a DNS seed that could not be resolved.
type SeedError struct {
	Seed string
	Err  error
}

// Error returns a human readable description of the failed seed.
func (e *SeedError) Error() string {
	return fmt.Sprintf("dns seed %v: %v", e.Seed, e.Err)
}

// Unwrap returns the resolution error.
func (e *SeedError) Unwrap() error {
	return e.Err
}

// Config holds the pool's collaborators and limits.
type Config struct {
	// ChainParams selects the network.
	ChainParams *chainreg.Params

	// StaticPeers are host:port entries added to the front of the
	// address book on start.
	StaticPeers []string

	// MaxSize is the number of simultaneous peers.
	MaxSize int

	// KeepAlive makes the pool replace a lost peer immediately.
	KeepAlive bool

	// DNSSeed enables seeding the address book from the network's DNS
	// seeds.
	DNSSeed bool

	// DNSServer is an optional host:port resolver queried directly for
	// seed records instead of the system resolver.
	DNSServer string

	// Net is used to dial peers and resolve host names.
	Net tor.Net

	// Dial overrides dialing through Net. Used by tests.
	Dial func(addr string) (net.Conn, error)

	// DialTimeout bounds a single dial through Net.
	DialTimeout time.Duration

	// DialLimiter optionally limits the rate of outbound dials.
	DialLimiter *rate.Limiter

	// Backoff is how long a disconnected address is skipped.
	Backoff time.Duration

	// ReconnectTicker fires the retry of an empty pool.
	ReconnectTicker ticker.Ticker

	// Clock is used for backoff deadlines.
	Clock clock.Clock

	// UserAgent is advertised to every peer.
	UserAgent string

	// BestHeight is advertised in our version messages.
	BestHeight func() int32

	// MaxBufferedBytes caps every peer's unparsed data.
	MaxBufferedBytes int
}

// Pool owns the address book and the bounded set of active peers. It is the
// single point other services receive peer messages from.
type Pool struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	cfg *Config

	mu        sync.Mutex
	addrs     []*Address
	addrIndex map[string]*Address
	peers     map[string]*peer.Peer

	// dials counts the connection attempts made so far.
	dials atomic.Uint64

	msgServers       map[string]*subscribe.Server[*PeerMessage]
	readyServer      *subscribe.Server[*peer.Peer]
	disconnectServer *subscribe.Server[*PeerDisconnect]
	seedErrorServer  *subscribe.Server[*SeedError]

	ctx    context.Context
	cancel context.CancelFunc

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a pool. The event table is fixed here, subscribing to any
// other name fails.
func New(cfg *Config) *Pool {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReconnectTicker == nil {
		cfg.ReconnectTicker = ticker.New(DefaultReconnectInterval)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Net == nil {
		cfg.Net = &tor.ClearNet{}
	}

	msgServers := make(map[string]*subscribe.Server[*PeerMessage])
	for _, cmd := range qwire.Commands {
		event := MessageEvent(cmd)
		msgServers[event] = subscribe.NewServer[*PeerMessage](event)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		cfg:        cfg,
		addrIndex:  make(map[string]*Address),
		peers:      make(map[string]*peer.Peer),
		msgServers: msgServers,
		readyServer: subscribe.NewServer[*peer.Peer](
			EventReady,
		),
		disconnectServer: subscribe.NewServer[*PeerDisconnect](
			EventDisconnect,
		),
		seedErrorServer: subscribe.NewServer[*SeedError](
			EventSeedError,
		),
		ctx:    ctx,
		cancel: cancel,
		quit:   make(chan struct{}),
	}
}

// Start seeds the address book and opens the first connections.
func (p *Pool) Start() error {
	if !atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		return nil
	}

	log.Infof("Peer pool starting, max %d peers", p.cfg.MaxSize)

	for _, s := range p.servers() {
		if err := s.Start(); err != nil {
			return err
		}
	}

	for _, hostPort := range p.cfg.StaticPeers {
		addrs, err := p.resolve(hostPort)
		if err != nil {
			log.Warnf("Unable to resolve peer %v: %v", hostPort, err)
			continue
		}
		for _, addr := range addrs {
			p.AddAddress(addr)
		}
	}

	p.fillConnections()

	if p.cfg.DNSSeed {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()

			p.seed(p.ctx)
			p.fillConnections()
		}()
	}

	p.cfg.ReconnectTicker.Resume()

	p.wg.Add(1)
	go p.reconnectHandler()

	return nil
}

// Stop disconnects every peer and releases all subscribers.
func (p *Pool) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.stopped, 0, 1) {
		return nil
	}

	log.Info("Peer pool shutting down")

	close(p.quit)
	p.cancel()
	p.cfg.ReconnectTicker.Stop()

	p.mu.Lock()
	peers := make([]*peer.Peer, 0, len(p.peers))
	for _, pr := range p.peers {
		peers = append(peers, pr)
	}
	p.mu.Unlock()

	for _, pr := range peers {
		pr.Disconnect(ErrPoolShuttingDown)
	}
	p.wg.Wait()

	for _, pr := range peers {
		pr.WaitForDisconnect()
	}

	for _, s := range p.servers() {
		_ = s.Stop()
	}

	return nil
}

// server is the life cycle of a subscription server of any event type.
type server interface {
	Start() error
	Stop() error
}

// servers returns every subscription server of the pool.
func (p *Pool) servers() []server {
	servers := []server{
		p.readyServer, p.disconnectServer, p.seedErrorServer,
	}
	for _, s := range p.msgServers {
		servers = append(servers, s)
	}

	return servers
}

// stopping returns true once Stop was called.
func (p *Pool) stopping() bool {
	return atomic.LoadInt32(&p.stopped) == 1
}

// AddAddress appends addr to the back of the address book unless an entry
// with the same identity exists. It returns true if the address was new.
func (p *Pool) AddAddress(addr *Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := addr.ID()
	if _, ok := p.addrIndex[id]; ok {
		return false
	}

	p.addrIndex[id] = addr
	p.addrs = append(p.addrs, addr)

	log.Tracef("Added address %v", id)

	return true
}

// Addresses returns a copy of the address book in priority order.
func (p *Pool) Addresses() []Address {
	p.mu.Lock()
	defer p.mu.Unlock()

	addrs := make([]Address, 0, len(p.addrs))
	for _, addr := range p.addrs {
		addrs = append(addrs, *addr)
	}

	return addrs
}

// Dials returns the number of connection attempts made so far.
func (p *Pool) Dials() uint64 {
	return p.dials.Load()
}

// fillConnections opens connections to the first eligible addresses until
// the pool holds MaxSize peers. Addresses already in use or still backing
// off are skipped.
func (p *Pool) fillConnections() {
	p.mu.Lock()
	if p.stopping() {
		p.mu.Unlock()
		return
	}

	now := p.cfg.Clock.Now()

	var pending []*peer.Peer
	for _, addr := range p.addrs {
		if len(p.peers) >= p.cfg.MaxSize {
			break
		}

		id := addr.ID()
		if _, ok := p.peers[id]; ok {
			continue
		}
		if now.Before(addr.RetryTime) {
			continue
		}

		pr := p.newPeer(id)
		p.peers[id] = pr
		pending = append(pending, pr)

		p.wg.Add(1)
	}
	p.mu.Unlock()

	for _, pr := range pending {
		go p.connectPeer(pr)
	}
}

// newPeer creates the peer for the given address with the pool's callbacks.
func (p *Pool) newPeer(addr string) *peer.Peer {
	dial := p.cfg.Dial
	if dial == nil {
		dial = func(addr string) (net.Conn, error) {
			return p.cfg.Net.Dial("tcp", addr, p.cfg.DialTimeout)
		}
	}

	return peer.NewPeer(&peer.Config{
		Addr:             addr,
		ChainParams:      p.cfg.ChainParams,
		UserAgent:        p.cfg.UserAgent,
		BestHeight:       p.cfg.BestHeight,
		Dial:             dial,
		MaxBufferedBytes: p.cfg.MaxBufferedBytes,
		OnReady:          p.handleReady,
		OnMessage:        p.handleMessage,
		OnDisconnect:     p.handleDisconnect,
	})
}

// connectPeer dials a peer, waiting for the dial limiter first.
//
// NOTE: This method MUST be run as a goroutine.
func (p *Pool) connectPeer(pr *peer.Peer) {
	defer p.wg.Done()

	if p.cfg.DialLimiter != nil {
		if err := p.cfg.DialLimiter.Wait(p.ctx); err != nil {
			pr.Disconnect(fmt.Errorf("dial limiter: %w", err))
			return
		}
	}

	p.dials.Add(1)
	log.Debugf("Connecting to %v", pr)

	if err := pr.Connect(); err != nil {
		log.Debugf("Unable to connect to %v: %v", pr, err)
	}
}

// handleReady publishes a peer that completed its handshake.
func (p *Pool) handleReady(pr *peer.Peer) {
	log.Infof("Peer %v ready, height %d, agent %v", pr, pr.StartHeight(),
		pr.UserAgent())

	_ = p.readyServer.SendUpdate(pr)
}

// handleMessage learns addresses from addr messages and re-emits every
// message on its namespaced event.
func (p *Pool) handleMessage(pr *peer.Peer, msg wire.Message) {
	if m, ok := msg.(*wire.MsgAddr); ok {
		var added int
		for _, na := range m.AddrList {
			if p.AddAddress(NewAddress(na.IP, na.Port)) {
				added++
			}
		}
		log.Debugf("Learned %d new addresses from %v", added, pr)
	}

	s, ok := p.msgServers[MessageEvent(msg.Command())]
	if !ok {
		return
	}

	_ = s.SendUpdate(&PeerMessage{Peer: pr, Msg: msg})
}

// handleDisconnect deprioritizes the peer's address, publishes the loss and
// replaces the peer when the pool is in keep-alive mode.
func (p *Pool) handleDisconnect(pr *peer.Peer, err error) {
	p.mu.Lock()
	if cur, ok := p.peers[pr.Addr()]; ok && cur == pr {
		delete(p.peers, pr.Addr())
	}
	p.deprioritize(pr.Addr())
	p.mu.Unlock()

	log.Debugf("Peer %v disconnected: %v", pr, err)

	_ = p.disconnectServer.SendUpdate(&PeerDisconnect{Peer: pr, Err: err})

	if p.cfg.KeepAlive && !p.stopping() {
		p.fillConnections()
	}
}

// deprioritize moves the address to the back of the book with a retry
// deadline.
//
// NOTE: p.mu must be held.
func (p *Pool) deprioritize(id string) {
	addr, ok := p.addrIndex[id]
	if !ok {
		return
	}

	addr.RetryTime = p.cfg.Clock.Now().Add(p.cfg.Backoff)

	for i, a := range p.addrs {
		if a != addr {
			continue
		}

		p.addrs = append(p.addrs[:i], p.addrs[i+1:]...)
		p.addrs = append(p.addrs, addr)

		return
	}
}

// reconnectHandler retries filling the pool while it holds no peers. An
// empty address book is seeded again first.
//
// NOTE: This method MUST be run as a goroutine.
func (p *Pool) reconnectHandler() {
	defer p.wg.Done()

	for {
		select {
		case <-p.cfg.ReconnectTicker.Ticks():
			p.mu.Lock()
			numPeers, numAddrs := len(p.peers), len(p.addrs)
			p.mu.Unlock()

			if numPeers != 0 {
				continue
			}

			if numAddrs == 0 && p.cfg.DNSSeed {
				p.seed(p.ctx)
			}

			log.Debugf("No peers connected, retrying")
			p.fillConnections()

		case <-p.quit:
			return
		}
	}
}

// Connect opens connections up to the pool size. It is called on start and
// may be called again at any time.
func (p *Pool) Connect() {
	p.fillConnections()
}

// Connections returns every peer that completed its handshake.
func (p *Pool) Connections() []*peer.Peer {
	p.mu.Lock()
	defer p.mu.Unlock()

	peers := make([]*peer.Peer, 0, len(p.peers))
	for _, pr := range p.peers {
		if pr.State() == peer.Ready {
			peers = append(peers, pr)
		}
	}

	return peers
}

// NumPeers returns the number of peers connecting or connected.
func (p *Pool) NumPeers() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.peers)
}

// BestPeer returns the ready peer advertising the highest start height.
func (p *Pool) BestPeer() (*peer.Peer, error) {
	var best *peer.Peer
	for _, pr := range p.Connections() {
		if best == nil || pr.StartHeight() > best.StartHeight() {
			best = pr
		}
	}

	if best == nil {
		return nil, ErrNoPeers
	}

	return best, nil
}

// Broadcast sends msg to every ready peer and returns how many accepted it.
func (p *Pool) Broadcast(msg wire.Message) int {
	var sent int
	for _, pr := range p.Connections() {
		if err := pr.SendMessage(msg); err != nil {
			log.Debugf("Unable to send %v to %v: %v", msg.Command(),
				pr, err)
			continue
		}
		sent++
	}

	return sent
}

// SendTo sends msg to the peer with the given address.
func (p *Pool) SendTo(addr string, msg wire.Message) error {
	p.mu.Lock()
	pr, ok := p.peers[addr]
	p.mu.Unlock()

	if !ok || pr.State() != peer.Ready {
		return fmt.Errorf("%w: %v", ErrPeerNotConnected, addr)
	}

	return pr.SendMessage(msg)
}

// SubscribeMessages returns a client receiving every message of the given
// command from any peer.
func (p *Pool) SubscribeMessages(command string) (
	*subscribe.Client[*PeerMessage], error) {

	s, ok := p.msgServers[MessageEvent(command)]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownEvent,
			MessageEvent(command))
	}

	return s.Subscribe()
}

// SubscribeReady returns a client receiving every peer that becomes ready.
func (p *Pool) SubscribeReady() (*subscribe.Client[*peer.Peer], error) {
	return p.readyServer.Subscribe()
}

// SubscribeDisconnects returns a client receiving every lost peer.
func (p *Pool) SubscribeDisconnects() (*subscribe.Client[*PeerDisconnect],
	error) {

	return p.disconnectServer.Subscribe()
}

// SubscribeSeedErrors returns a client receiving DNS seed failures.
func (p *Pool) SubscribeSeedErrors() (*subscribe.Client[*SeedError], error) {
	return p.seedErrorServer.Subscribe()
}
