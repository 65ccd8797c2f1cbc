package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/lru"
	"github.com/lightninglabs/qtumsync/chainreg"
	"github.com/lightninglabs/qtumsync/peer"
	"github.com/lightninglabs/qtumsync/peerconn"
	"github.com/lightninglabs/qtumsync/qwire"
	"github.com/lightninglabs/qtumsync/subscribe"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultInvCacheSize is the number of announced items remembered so
	// each is requested only once.
	DefaultInvCacheSize = 1000

	// DefaultTxCacheSize is the number of our own transactions kept to
	// answer getdata requests.
	DefaultTxCacheSize = 100

	// DefaultBlockCacheSize is the number of unrequested blocks kept so a
	// later fetch of one of them is answered without a round trip.
	DefaultBlockCacheSize = 32

	// DefaultBlockTimeout bounds the wait for a requested block.
	DefaultBlockTimeout = 5 * time.Second

	// DefaultHeaderTimeout bounds the wait for a headers reply.
	DefaultHeaderTimeout = 30 * time.Second
)

// Event names published by the service.
const (
	EventBlock = "p2p/block"
	EventTx    = "p2p/tx"
)

var (
	// ErrBlockTimeout is returned when a requested block did not arrive
	// in time. It is recoverable, the fetch should be issued again.
	ErrBlockTimeout = errors.New("timed out waiting for block")

	// ErrHeadersTimeout is returned when a peer did not answer a
	// getheaders request in time.
	ErrHeadersTimeout = errors.New("timed out waiting for headers")

	// ErrServiceShuttingDown is returned when the service is stopping.
	ErrServiceShuttingDown = errors.New("p2p service shutting down")
)

// BlockFilter is the range requested from a peer with getblocks: the blocks
// after StartHash up to and including EndHash.
type BlockFilter struct {
	StartHash chainhash.Hash
	EndHash   chainhash.Hash
}

// PeerSource is the part of the peer pool the service needs.
type PeerSource interface {
	// SubscribeMessages returns a client for one message command.
	SubscribeMessages(command string) (
		*subscribe.Client[*peerconn.PeerMessage], error)

	// BestPeer returns the ready peer with the highest start height.
	BestPeer() (*peer.Peer, error)

	// Connections returns every ready peer.
	Connections() []*peer.Peer

	// Broadcast sends a message to every ready peer.
	Broadcast(msg wire.Message) int
}

// Config holds the service's collaborators and limits.
type Config struct {
	// Peers is the pool the service talks through.
	Peers PeerSource

	// ChainParams selects the protocol version of our requests.
	ChainParams *chainreg.Params

	// InvCacheSize is the capacity of the inventory dedup cache.
	InvCacheSize uint

	// TxCacheSize is the capacity of the outgoing transaction cache.
	TxCacheSize uint

	// BlockTimeout bounds GetP2PBlock.
	BlockTimeout time.Duration

	// HeaderTimeout bounds GetHeaders.
	HeaderTimeout time.Duration

	// Clock drives the timeouts.
	Clock clock.Clock
}

// Service turns peer messages into block and header fetches. It requests
// every new inventory item once, resolves block waiters and publishes the
// blocks and transactions nobody waited for.
type Service struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	cfg *Config

	invMtx   sync.Mutex
	invCache lru.Cache

	txCache    lru.KVCache
	blockCache lru.KVCache

	waiterMtx     sync.Mutex
	blockWaiters  map[chainhash.Hash][]chan *qwire.MsgBlock
	headerWaiters map[string]chan *qwire.MsgHeaders

	blockServer *subscribe.Server[*qwire.MsgBlock]
	txServer    *subscribe.Server[*wire.MsgTx]

	clients []*subscribe.Client[*peerconn.PeerMessage]

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewService creates the P2P service.
func NewService(cfg *Config) *Service {
	if cfg.InvCacheSize == 0 {
		cfg.InvCacheSize = DefaultInvCacheSize
	}
	if cfg.TxCacheSize == 0 {
		cfg.TxCacheSize = DefaultTxCacheSize
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = DefaultBlockTimeout
	}
	if cfg.HeaderTimeout == 0 {
		cfg.HeaderTimeout = DefaultHeaderTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Service{
		cfg:           cfg,
		invCache:      lru.NewCache(cfg.InvCacheSize),
		txCache:       lru.NewKVCache(cfg.TxCacheSize),
		blockCache:    lru.NewKVCache(DefaultBlockCacheSize),
		blockWaiters:  make(map[chainhash.Hash][]chan *qwire.MsgBlock),
		headerWaiters: make(map[string]chan *qwire.MsgHeaders),
		blockServer:   subscribe.NewServer[*qwire.MsgBlock](EventBlock),
		txServer:      subscribe.NewServer[*wire.MsgTx](EventTx),
		quit:          make(chan struct{}),
	}
}

// Start subscribes to the pool and starts handling messages.
func (s *Service) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	log.Info("P2P service starting")

	if err := s.blockServer.Start(); err != nil {
		return err
	}
	if err := s.txServer.Start(); err != nil {
		return err
	}

	commands := []string{
		qwire.CmdInv, qwire.CmdBlock, qwire.CmdTx, qwire.CmdGetData,
		qwire.CmdHeaders, qwire.CmdNotFound,
	}
	for _, cmd := range commands {
		client, err := s.cfg.Peers.SubscribeMessages(cmd)
		if err != nil {
			return fmt.Errorf("unable to subscribe to %v: %w", cmd,
				err)
		}

		s.clients = append(s.clients, client)

		s.wg.Add(1)
		go s.messageHandler(client)
	}

	return nil
}

// Stop cancels every subscription and fails pending fetches.
func (s *Service) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return nil
	}

	log.Info("P2P service shutting down")

	close(s.quit)
	for _, client := range s.clients {
		client.Cancel()
	}
	s.wg.Wait()

	_ = s.blockServer.Stop()
	_ = s.txServer.Stop()

	return nil
}

// messageHandler handles the messages of one subscription in order.
//
// NOTE: This method MUST be run as a goroutine.
func (s *Service) messageHandler(
	client *subscribe.Client[*peerconn.PeerMessage]) {

	defer s.wg.Done()

	for {
		select {
		case pm, ok := <-client.Updates():
			if !ok {
				return
			}
			s.handleMessage(pm)

		case <-client.Quit():
			return

		case <-s.quit:
			return
		}
	}
}

// handleMessage dispatches a single peer message.
func (s *Service) handleMessage(pm *peerconn.PeerMessage) {
	switch m := pm.Msg.(type) {
	case *wire.MsgInv:
		s.handleInv(pm.Peer, m)

	case *qwire.MsgBlock:
		s.handleBlock(m)

	case *wire.MsgTx:
		_ = s.txServer.SendUpdate(m)

	case *wire.MsgGetData:
		s.handleGetData(pm.Peer, m)

	case *qwire.MsgHeaders:
		s.waiterMtx.Lock()
		waiter, ok := s.headerWaiters[pm.Peer.Addr()]
		delete(s.headerWaiters, pm.Peer.Addr())
		s.waiterMtx.Unlock()

		if ok {
			waiter <- m
		}

	case *wire.MsgNotFound:
		for _, iv := range m.InvList {
			log.Debugf("Peer %v does not have %v", pm.Peer, iv)
		}
	}
}

// handleInv requests every announced block or transaction we have not
// requested before.
func (s *Service) handleInv(pr *peer.Peer, msg *wire.MsgInv) {
	getData := wire.NewMsgGetData()

	s.invMtx.Lock()
	for _, iv := range msg.InvList {
		if !qwire.IsBlockInv(iv) && !qwire.IsTxInv(iv) {
			continue
		}
		if s.invCache.Contains(iv.Hash) {
			continue
		}
		s.invCache.Add(iv.Hash)

		if err := getData.AddInvVect(iv); err != nil {
			break
		}
	}
	s.invMtx.Unlock()

	if len(getData.InvList) == 0 {
		return
	}

	log.Tracef("Requesting %d items from %v", len(getData.InvList), pr)

	if err := pr.SendMessage(getData); err != nil {
		log.Debugf("Unable to send getdata to %v: %v", pr, err)
	}
}

// handleBlock resolves the waiters of a block or publishes it.
func (s *Service) handleBlock(block *qwire.MsgBlock) {
	hash := block.BlockHash()

	s.waiterMtx.Lock()
	waiters, ok := s.blockWaiters[hash]
	delete(s.blockWaiters, hash)
	s.waiterMtx.Unlock()

	if ok {
		for _, waiter := range waiters {
			waiter <- block
		}

		return
	}

	s.blockCache.Add(hash, block)

	log.Tracef("Received block %v", hash)

	_ = s.blockServer.SendUpdate(block)
}

// handleGetData answers requests for our own transactions.
func (s *Service) handleGetData(pr *peer.Peer, msg *wire.MsgGetData) {
	for _, iv := range msg.InvList {
		if !qwire.IsTxInv(iv) {
			continue
		}

		tx, ok := s.txCache.Lookup(iv.Hash)
		if !ok {
			continue
		}

		if err := pr.SendMessage(tx.(*wire.MsgTx)); err != nil {
			log.Debugf("Unable to send tx to %v: %v", pr, err)
			return
		}
	}
}

// GetP2PBlock requests the range of filter from the best peer and waits for
// the target block. Blocks of the range other than the target are published
// as they arrive. ErrBlockTimeout is returned when the target did not arrive
// within the block timeout.
func (s *Service) GetP2PBlock(ctx context.Context, filter *BlockFilter,
	target chainhash.Hash) (*qwire.MsgBlock, error) {

	waiter := make(chan *qwire.MsgBlock, 1)

	s.waiterMtx.Lock()
	s.blockWaiters[target] = append(s.blockWaiters[target], waiter)
	s.waiterMtx.Unlock()

	// The block may already have arrived with an earlier range.
	if cached, ok := s.blockCache.Lookup(target); ok {
		s.removeBlockWaiter(target, waiter)
		return cached.(*qwire.MsgBlock), nil
	}

	pr, err := s.cfg.Peers.BestPeer()
	if err != nil {
		s.removeBlockWaiter(target, waiter)
		return nil, err
	}

	getBlocks, err := qwire.NewGetBlocks(
		s.cfg.ChainParams.ProtocolVersion, &filter.StartHash,
		&filter.EndHash,
	)
	if err != nil {
		s.removeBlockWaiter(target, waiter)
		return nil, err
	}

	log.Debugf("Requesting block %v from %v", target, pr)

	if err := pr.SendMessage(getBlocks); err != nil {
		s.removeBlockWaiter(target, waiter)
		return nil, err
	}

	select {
	case block := <-waiter:
		return block, nil

	case <-s.cfg.Clock.TickAfter(s.cfg.BlockTimeout):
		s.removeBlockWaiter(target, waiter)
		return nil, fmt.Errorf("%w: %v", ErrBlockTimeout, target)

	case <-ctx.Done():
		s.removeBlockWaiter(target, waiter)
		return nil, ctx.Err()

	case <-s.quit:
		s.removeBlockWaiter(target, waiter)
		return nil, ErrServiceShuttingDown
	}
}

// removeBlockWaiter unregisters a waiter that gave up.
func (s *Service) removeBlockWaiter(hash chainhash.Hash,
	waiter chan *qwire.MsgBlock) {

	s.waiterMtx.Lock()
	defer s.waiterMtx.Unlock()

	waiters := s.blockWaiters[hash]
	for i, w := range waiters {
		if w == waiter {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}

	if len(waiters) == 0 {
		delete(s.blockWaiters, hash)
		return
	}
	s.blockWaiters[hash] = waiters
}

// GetHeaders asks the best peer for the headers following the locator.
func (s *Service) GetHeaders(ctx context.Context,
	locator []*chainhash.Hash) (*qwire.MsgHeaders, error) {

	pr, err := s.cfg.Peers.BestPeer()
	if err != nil {
		return nil, err
	}

	msg, err := qwire.NewGetHeaders(
		s.cfg.ChainParams.ProtocolVersion, locator,
	)
	if err != nil {
		return nil, err
	}

	waiter := make(chan *qwire.MsgHeaders, 1)

	s.waiterMtx.Lock()
	s.headerWaiters[pr.Addr()] = waiter
	s.waiterMtx.Unlock()

	removeWaiter := func() {
		s.waiterMtx.Lock()
		if s.headerWaiters[pr.Addr()] == waiter {
			delete(s.headerWaiters, pr.Addr())
		}
		s.waiterMtx.Unlock()
	}

	if err := pr.SendMessage(msg); err != nil {
		removeWaiter()
		return nil, err
	}

	select {
	case headers := <-waiter:
		return headers, nil

	case <-s.cfg.Clock.TickAfter(s.cfg.HeaderTimeout):
		removeWaiter()
		return nil, fmt.Errorf("%w from %v", ErrHeadersTimeout, pr)

	case <-pr.Quit():
		removeWaiter()
		return nil, fmt.Errorf("peer %v: %w", pr, peer.ErrPeerDisconnected)

	case <-ctx.Done():
		removeWaiter()
		return nil, ctx.Err()

	case <-s.quit:
		removeWaiter()
		return nil, ErrServiceShuttingDown
	}
}

// ClearInventoryCache forgets every announced item, so the next
// announcement of any of them is requested again.
func (s *Service) ClearInventoryCache() {
	s.invMtx.Lock()
	defer s.invMtx.Unlock()

	s.invCache = lru.NewCache(s.cfg.InvCacheSize)
}

// GetConnections returns the number of ready peers.
func (s *Service) GetConnections() int {
	return len(s.cfg.Peers.Connections())
}

// GetBestHeight returns the highest height advertised by a ready peer.
func (s *Service) GetBestHeight() int32 {
	pr, err := s.cfg.Peers.BestPeer()
	if err != nil {
		return 0
	}

	return pr.StartHeight()
}

// SendTransaction caches tx and announces it to every ready peer. Peers
// requesting it afterwards are served from the cache.
func (s *Service) SendTransaction(tx *wire.MsgTx) error {
	hash := tx.TxHash()
	s.txCache.Add(hash, tx)

	inv := wire.NewMsgInv()
	iv := wire.NewInvVect(wire.InvTypeTx, &hash)
	if err := inv.AddInvVect(iv); err != nil {
		return err
	}

	if s.cfg.Peers.Broadcast(inv) == 0 {
		return peerconn.ErrNoPeers
	}

	return nil
}

// SubscribeBlocks returns a client receiving every block that arrived
// without being requested by a fetch.
func (s *Service) SubscribeBlocks() (*subscribe.Client[*qwire.MsgBlock],
	error) {

	return s.blockServer.Subscribe()
}

// SubscribeTxs returns a client receiving every relayed transaction.
func (s *Service) SubscribeTxs() (*subscribe.Client[*wire.MsgTx], error) {
	return s.txServer.Subscribe()
}
