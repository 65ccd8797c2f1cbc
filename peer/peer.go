package peer

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightninglabs/qtumsync/build"
	"github.com/lightninglabs/qtumsync/chainreg"
	"github.com/lightninglabs/qtumsync/qwire"
	"github.com/lightningnetwork/lnd/queue"
)

const (
	// DefaultMaxBufferedBytes is the largest amount of unparsed data we
	// hold for a peer before giving up on it.
	DefaultMaxBufferedBytes = 10 * 1024 * 1024

	// outgoingQueueLen is the buffer size of the channel which houses
	// messages to be sent across the wire.
	outgoingQueueLen = 50

	// readBufferSize is the size of a single socket read.
	readBufferSize = 64 * 1024

	// writeTimeout bounds a single frame write.
	writeTimeout = 30 * time.Second
)

var (
	// ErrPeerDisconnected is returned when sending to a peer that has
	// already been torn down.
	ErrPeerDisconnected = errors.New("peer disconnected")

	// ErrBufferOverflow is the disconnect reason for a peer whose
	// unparsed data exceeded the buffer cap.
	ErrBufferOverflow = errors.New("receive buffer overflow")

	// ErrAlreadyConnecting is returned by Connect on a used instance.
	ErrAlreadyConnecting = errors.New("peer already connecting")
)

// State is the position of a peer in its connection life cycle. A peer only
// moves forward; a disconnected peer is never reused.
type State uint32

const (
	// Disconnected is both the initial and the terminal state.
	Disconnected State = iota

	// Connecting means a dial is in progress.
	Connecting

	// Connected means the transport is up and our version was sent.
	Connected

	// Ready means the handshake completed and the peer may be used.
	Ready
)

// String returns a human readable name of the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Config holds everything a Peer needs from its owner.
type Config struct {
	// Addr is the host:port of the remote peer.
	Addr string

	// ChainParams selects the network magic and protocol version.
	ChainParams *chainreg.Params

	// UserAgent is the user agent advertised in our version message.
	UserAgent string

	// BestHeight returns our current best height for the version
	// message.
	BestHeight func() int32

	// Dial opens the transport connection.
	Dial func(addr string) (net.Conn, error)

	// MaxBufferedBytes caps unparsed received data. Zero means
	// DefaultMaxBufferedBytes.
	MaxBufferedBytes int

	// OnReady is called once, after the remote acknowledged our version.
	OnReady func(*Peer)

	// OnMessage is called for every decoded message, in order, from the
	// peer's read goroutine.
	OnMessage func(*Peer, wire.Message)

	// OnDisconnect is called exactly once when the peer is torn down.
	OnDisconnect func(*Peer, error)
}

// remoteInfo is what the remote told us in its version message.
type remoteInfo struct {
	protocolVersion uint32
	startHeight     int32
	userAgent       string
	services        wire.ServiceFlag
}

// Peer is a single outbound connection to a Qtum node. It performs the
// version handshake in either order, answers pings and forwards everything it
// receives to its owner.
type Peer struct {
	started int32 // To be used atomically.

	cfg *Config

	state atomic.Uint32

	// connMtx guards conn against a Disconnect racing the dial.
	connMtx sync.Mutex
	conn    net.Conn

	// versionSent is set once our version message has been queued.
	versionSent atomic.Bool

	remoteMtx sync.RWMutex
	remote    remoteInfo

	readyOnce      sync.Once
	disconnectOnce sync.Once
	disconnectErr  error

	outgoingQueue *queue.ConcurrentQueue

	log btclog.Logger

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewPeer creates a peer in the Disconnected state. Connect must be called to
// open the connection.
func NewPeer(cfg *Config) *Peer {
	if cfg.MaxBufferedBytes == 0 {
		cfg.MaxBufferedBytes = DefaultMaxBufferedBytes
	}

	prefix := fmt.Sprintf("Peer(%v):", cfg.Addr)

	return &Peer{
		cfg:           cfg,
		outgoingQueue: queue.NewConcurrentQueue(outgoingQueueLen),
		log:           build.NewPrefixLog(prefix, log),
		quit:          make(chan struct{}),
	}
}

// Addr returns the address the peer was created for. It doubles as the
// peer's identity.
func (p *Peer) Addr() string {
	return p.cfg.Addr
}

// String returns the peer's address.
func (p *Peer) String() string {
	return p.cfg.Addr
}

// State returns the current state of the peer.
func (p *Peer) State() State {
	return State(p.state.Load())
}

// StartHeight returns the best height the remote advertised in its version
// message.
func (p *Peer) StartHeight() int32 {
	p.remoteMtx.RLock()
	defer p.remoteMtx.RUnlock()

	return p.remote.startHeight
}

// UserAgent returns the remote's advertised user agent.
func (p *Peer) UserAgent() string {
	p.remoteMtx.RLock()
	defer p.remoteMtx.RUnlock()

	return p.remote.userAgent
}

// ProtocolVersion returns the protocol version the remote advertised.
func (p *Peer) ProtocolVersion() uint32 {
	p.remoteMtx.RLock()
	defer p.remoteMtx.RUnlock()

	return p.remote.protocolVersion
}

// Connect dials the remote and starts the handshake. It blocks for the
// duration of the dial. A failed dial disconnects the peer.
func (p *Peer) Connect() error {
	if !atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		return ErrAlreadyConnecting
	}

	select {
	case <-p.quit:
		return ErrPeerDisconnected
	default:
	}

	p.state.Store(uint32(Connecting))
	p.log.Debugf("Connecting")

	conn, err := p.cfg.Dial(p.cfg.Addr)
	if err != nil {
		err = fmt.Errorf("unable to dial: %w", err)
		p.Disconnect(err)

		return err
	}

	return p.start(conn)
}

// Attach starts the peer on an already established connection. It is used
// for tests and for transports dialed by the caller.
func (p *Peer) Attach(conn net.Conn) error {
	if !atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		return ErrAlreadyConnecting
	}

	return p.start(conn)
}

// start brings up the read and write handlers and sends our version.
func (p *Peer) start(conn net.Conn) error {
	// A concurrent Disconnect may have won the race with the dial.
	p.connMtx.Lock()
	select {
	case <-p.quit:
		p.connMtx.Unlock()
		conn.Close()

		return ErrPeerDisconnected
	default:
	}
	p.conn = conn
	p.state.Store(uint32(Connected))
	p.wg.Add(2)
	p.connMtx.Unlock()
	p.log.Debugf("Connected")

	p.outgoingQueue.Start()

	go p.writeHandler()
	go p.readHandler()

	return p.sendVersion()
}

// sendVersion queues our version message unless it was already sent.
func (p *Peer) sendVersion() error {
	if !p.versionSent.CompareAndSwap(false, true) {
		return nil
	}

	var bestHeight int32
	if p.cfg.BestHeight != nil {
		bestHeight = p.cfg.BestHeight()
	}

	me := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	you := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	if tcpAddr, ok := p.conn.RemoteAddr().(*net.TCPAddr); ok {
		you = wire.NewNetAddressIPPort(
			tcpAddr.IP, uint16(tcpAddr.Port), wire.SFNodeNetwork,
		)
	}

	msg := wire.NewMsgVersion(me, you, rand.Uint64(), bestHeight)
	msg.ProtocolVersion = int32(p.cfg.ChainParams.ProtocolVersion)
	msg.UserAgent = p.cfg.UserAgent
	msg.Services = wire.SFNodeWitness

	return p.SendMessage(msg)
}

// SendMessage queues msg for delivery to the remote.
func (p *Peer) SendMessage(msg wire.Message) error {
	if p.State() == Disconnected {
		return ErrPeerDisconnected
	}

	select {
	case p.outgoingQueue.ChanIn() <- msg:
		return nil

	case <-p.quit:
		return ErrPeerDisconnected
	}
}

// Disconnect tears the connection down. It is idempotent: the state change,
// the socket close and the OnDisconnect callback happen once no matter how
// many times or from where it is called.
func (p *Peer) Disconnect(reason error) {
	p.disconnectOnce.Do(func() {
		p.connMtx.Lock()
		p.disconnectErr = reason
		p.state.Store(uint32(Disconnected))

		close(p.quit)
		if p.conn != nil {
			p.conn.Close()
		}
		p.connMtx.Unlock()

		p.log.Debugf("Disconnected: %v", reason)

		if p.cfg.OnDisconnect != nil {
			p.cfg.OnDisconnect(p, reason)
		}
	})
}

// WaitForDisconnect blocks until the peer is disconnected and both handlers
// have exited.
func (p *Peer) WaitForDisconnect() {
	<-p.quit
	p.wg.Wait()
}

// DisconnectReason returns the error the peer was disconnected with, or nil
// while it is still up.
func (p *Peer) DisconnectReason() error {
	p.connMtx.Lock()
	defer p.connMtx.Unlock()

	return p.disconnectErr
}

// Quit returns a channel closed when the peer disconnects.
func (p *Peer) Quit() <-chan struct{} {
	return p.quit
}

// readHandler feeds the socket into the frame parser and handles every
// decoded message in order.
//
// NOTE: This method MUST be run as a goroutine.
func (p *Peer) readHandler() {
	defer p.wg.Done()

	parser := qwire.NewParser(
		p.cfg.ChainParams.Net, p.cfg.ChainParams.ProtocolVersion,
	)
	buf := make([]byte, readBufferSize)

	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			_, _ = parser.Write(buf[:n])
		}
		if err != nil {
			p.Disconnect(fmt.Errorf("read failed: %w", err))
			return
		}

		if parser.Buffered() > p.cfg.MaxBufferedBytes {
			p.log.Warnf("Unparsed data exceeds %d bytes",
				p.cfg.MaxBufferedBytes)
			p.Disconnect(ErrBufferOverflow)

			return
		}

		for {
			msg, err := parser.Next()
			if err != nil {
				p.log.Debugf("Dropping message: %v", err)
				continue
			}
			if msg == nil {
				break
			}

			p.handleMessage(msg)

			select {
			case <-p.quit:
				return
			default:
			}
		}
	}
}

// handleMessage runs the handshake and keepalive logic before forwarding msg.
func (p *Peer) handleMessage(msg wire.Message) {
	p.log.Tracef("Received %v", newLogClosure(func() string {
		return spew.Sdump(msg)
	}))

	switch m := msg.(type) {
	case *wire.MsgVersion:
		p.remoteMtx.Lock()
		p.remote = remoteInfo{
			protocolVersion: uint32(m.ProtocolVersion),
			startHeight:     m.LastBlock,
			userAgent:       m.UserAgent,
			services:        m.Services,
		}
		p.remoteMtx.Unlock()

		p.log.Debugf("Version %d, height %d, agent %v",
			m.ProtocolVersion, m.LastBlock, m.UserAgent)

		if err := p.SendMessage(wire.NewMsgVerAck()); err != nil {
			return
		}
		if err := p.sendVersion(); err != nil {
			return
		}

	case *wire.MsgVerAck:
		if p.state.CompareAndSwap(uint32(Connected), uint32(Ready)) {
			p.readyOnce.Do(func() {
				p.log.Infof("Handshake complete")

				if p.cfg.OnReady != nil {
					p.cfg.OnReady(p)
				}
			})
		}

	case *wire.MsgPing:
		_ = p.SendMessage(wire.NewMsgPong(m.Nonce))
	}

	if p.cfg.OnMessage != nil {
		p.cfg.OnMessage(p, msg)
	}
}

// writeHandler serializes queued messages onto the socket.
//
// NOTE: This method MUST be run as a goroutine.
func (p *Peer) writeHandler() {
	defer p.wg.Done()
	defer p.outgoingQueue.Stop()

	params := p.cfg.ChainParams
	for {
		select {
		case item := <-p.outgoingQueue.ChanOut():
			msg := item.(wire.Message)

			frame, err := qwire.EncodeMessage(
				msg, params.ProtocolVersion, params.Net,
			)
			if err != nil {
				p.log.Errorf("Unable to encode %v: %v",
					msg.Command(), err)
				continue
			}

			deadline := time.Now().Add(writeTimeout)
			_ = p.conn.SetWriteDeadline(deadline)
			if _, err := p.conn.Write(frame); err != nil {
				p.Disconnect(fmt.Errorf("write failed: %w", err))
				return
			}

			p.log.Tracef("Sent %v", msg.Command())

		case <-p.quit:
			return
		}
	}
}

// logClosure is used to provide a closure over expensive logging operations
// so they don't have to be performed when the logging level doesn't warrant
// it.
type logClosure func() string

// String invokes the underlying function and returns the result.
func (c logClosure) String() string {
	return c()
}

// newLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
