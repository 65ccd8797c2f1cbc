package blocksync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/qtumsync/chaindb"
	"github.com/lightninglabs/qtumsync/chainio"
	"github.com/lightninglabs/qtumsync/chainreg"
	"github.com/lightninglabs/qtumsync/headersync"
	"github.com/lightninglabs/qtumsync/p2p"
	"github.com/lightninglabs/qtumsync/qwire"
	"github.com/lightninglabs/qtumsync/subscribe"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultReadAhead is the number of blocks requested per fetch.
	DefaultReadAhead = 2

	// DefaultReorgDepth is the deepest reorg that can be resolved without
	// an offline resync.
	DefaultReorgDepth = 144

	// DefaultRetryInterval is the delay before a fetch is issued again
	// after it failed for lack of a usable peer.
	DefaultRetryInterval = time.Second

	// TipName is the name the block tip is stored under.
	TipName = "block"
)

// Event names published by the service.
const (
	EventBlock = "block/block"
	EventReorg = "block/reorg"
)

var (
	// ErrReorgTooDeep is returned when no common ancestor exists within
	// the reorg depth. It is fatal.
	ErrReorgTooDeep = errors.New("reorg deeper than the retained window")

	// ErrMissingRecord is returned when a block record the tip depends
	// on is missing. It is fatal.
	ErrMissingRecord = errors.New("missing block record")

	// ErrServiceShuttingDown is returned when the service is stopping.
	ErrServiceShuttingDown = errors.New("block service shutting down")

	// errFetchFailed is returned by a catch-up step whose fetch found no
	// usable peer.
	errFetchFailed = errors.New("block fetch failed")
)

// HeaderChain is the part of the header service the block service needs.
type HeaderChain interface {
	// GetBlockHeader returns the header record at a height or with a
	// hash.
	GetBlockHeader(id fn.Either[int32, chainhash.Hash]) (
		*chaindb.HeaderRecord, error)

	// GetBestHeight returns the height of the header tip.
	GetBestHeight() int32

	// GetEndHash returns the next block after tipHeight and the end of
	// the read-ahead window.
	GetEndHash(tipHeight, readAhead int32) (chainhash.Hash,
		chainhash.Hash, error)

	// IsSynced returns true when headers caught up.
	IsSynced() bool

	// SubscribeBlocks returns a client receiving relayed blocks that
	// extended the header chain.
	SubscribeBlocks() (*subscribe.Client[*headersync.LiveBlock], error)

	// SubscribeSynced returns a client notified each time headers caught
	// up.
	SubscribeSynced() (*subscribe.Client[*chaindb.Tip], error)
}

// BlockSource is the part of the P2P service the block service needs.
type BlockSource interface {
	// GetP2PBlock fetches the target block of the filter range.
	GetP2PBlock(ctx context.Context, filter *p2p.BlockFilter,
		target chainhash.Hash) (*qwire.MsgBlock, error)

	// ClearInventoryCache forgets every announced item.
	ClearInventoryCache()
}

// Store persists block records and the block tip.
type Store interface {
	chaindb.TipStore

	// PutBlock stores a record and moves the named tip to it.
	PutBlock(tipName string, record *chaindb.BlockRecord) error

	// HasBlock returns true when a record of the hash exists.
	HasBlock(hash chainhash.Hash) (bool, error)

	// FetchBlocks returns the records of a height range.
	FetchBlocks(startHeight, endHeight int32) ([]*chaindb.BlockRecord,
		error)

	// DeleteBlocks removes records.
	DeleteBlocks(records []*chaindb.BlockRecord) error

	// DeleteBlocksAbove removes every record above height.
	DeleteBlocksAbove(height int32) error
}

// Config holds the service's collaborators and limits.
type Config struct {
	// ChainParams provides the genesis block.
	ChainParams *chainreg.Params

	// Headers is the header chain blocks are fetched along.
	Headers HeaderChain

	// P2P fetches blocks from peers.
	P2P BlockSource

	// Store persists block records and the tip.
	Store Store

	// Dispatcher notifies the dependent services.
	Dispatcher *chainio.Dispatcher

	// ReadAhead is the number of blocks requested per fetch.
	ReadAhead int32

	// ReorgDepth is the maximum supported reorg depth.
	ReorgDepth int

	// RetryInterval is the delay before a failed fetch is retried.
	RetryInterval time.Duration

	// Clock drives the retry delay.
	Clock clock.Clock

	// Fatal is called with an error the service cannot recover from.
	Fatal func(error)
}

// BlockEvent is published for every applied block.
type BlockEvent struct {
	Block  *qwire.MsgBlock
	Height int32
}

// Service downloads blocks along the header chain and applies them through
// the dependent services, one at a time and in order. It rolls the chain
// back when the header chain left the block tip.
type Service struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	cfg *Config

	// tipMtx guards tip and window.
	tipMtx sync.RWMutex
	tip    *chaindb.Tip
	window *recentWindow

	synced atomic.Bool

	// fatalOnce makes sure Fatal is called once.
	fatalOnce sync.Once

	queue *blockQueue

	// chainLock is held by a catch-up step and by a header rollback, so
	// the two never overlap.
	chainLock chan struct{}

	// resync is signaled when a block was dropped because it did not
	// build on the tip.
	resync chan struct{}

	blockServer *subscribe.Server[*BlockEvent]
	reorgServer *subscribe.Server[*chainio.ReorgEvent]

	gm *fn.GoroutineManager
}

// NewService creates a block service.
func NewService(cfg *Config) *Service {
	if cfg.ReadAhead == 0 {
		cfg.ReadAhead = DefaultReadAhead
	}
	if cfg.ReorgDepth == 0 {
		cfg.ReorgDepth = DefaultReorgDepth
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Fatal == nil {
		cfg.Fatal = func(err error) {
			log.Criticalf("Block sync failed: %v", err)
		}
	}

	return &Service{
		cfg:         cfg,
		window:      newRecentWindow(cfg.ReorgDepth),
		queue:       newBlockQueue(),
		chainLock:   make(chan struct{}, 1),
		resync:      make(chan struct{}, 1),
		blockServer: subscribe.NewServer[*BlockEvent](EventBlock),
		reorgServer: subscribe.NewServer[*chainio.ReorgEvent](
			EventReorg,
		),
		gm: fn.NewGoroutineManager(),
	}
}

// Start restores the tip and the window, applies the genesis block to an
// empty chain and launches the sync loop.
func (s *Service) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	log.Info("Block service starting")

	if err := s.blockServer.Start(); err != nil {
		return err
	}
	if err := s.reorgServer.Start(); err != nil {
		return err
	}

	ctx := context.Background()
	if err := s.bootstrap(ctx); err != nil {
		return err
	}

	synced, err := s.cfg.Headers.SubscribeSynced()
	if err != nil {
		return err
	}
	live, err := s.cfg.Headers.SubscribeBlocks()
	if err != nil {
		synced.Cancel()
		return err
	}

	s.gm.Go(ctx, s.blockHandler)
	s.gm.Go(ctx, func(ctx context.Context) {
		s.syncHandler(ctx, synced, live)
	})

	return nil
}

// Stop waits for the block in flight and stops the service.
func (s *Service) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return nil
	}

	log.Info("Block service shutting down...")
	defer log.Debug("Block service shutdown complete")

	s.gm.Stop()

	if err := s.blockServer.Stop(); err != nil {
		return err
	}

	return s.reorgServer.Stop()
}

// bootstrap loads the tip, removes records a crash left above it, refills
// the window and applies the genesis block when the chain is empty.
func (s *Service) bootstrap(ctx context.Context) error {
	genesis := s.cfg.ChainParams.GenesisBlock

	tip, err := s.cfg.Store.FetchTip(TipName)
	switch {
	case errors.Is(err, chaindb.ErrTipNotFound):
		tip = &chaindb.Tip{Hash: genesis.BlockHash()}

	case err != nil:
		return err
	}

	if err := s.cfg.Store.DeleteBlocksAbove(tip.Height); err != nil {
		return err
	}

	start := tip.Height - int32(s.cfg.ReorgDepth) + 1
	if start < 0 {
		start = 0
	}
	records, err := s.cfg.Store.FetchBlocks(start, tip.Height)
	if err != nil {
		return err
	}

	s.tipMtx.Lock()
	s.tip = tip
	for _, record := range records {
		s.window.Push(windowEntry{
			Height:   record.Height,
			Hash:     record.Hash,
			PrevHash: record.PrevHash,
		})
	}
	s.tipMtx.Unlock()

	log.Infof("Block tip at %v, %d blocks in reorg window", tip,
		len(records))

	if tip.Height != 0 {
		return nil
	}

	exists, err := s.cfg.Store.HasBlock(genesis.BlockHash())
	if err != nil || exists {
		return err
	}

	log.Infof("Applying genesis block %v", genesis.BlockHash())

	return s.applyBlock(ctx, genesis, 0)
}

// blockHandler applies queued blocks one at a time. An error aborts the
// queue and is fatal.
//
// NOTE: This method MUST be run as a goroutine.
func (s *Service) blockHandler(ctx context.Context) {
	for {
		block, ok := s.queue.Pop(ctx.Done())
		if !ok {
			return
		}

		// A block is applied to completion even when the service is
		// stopping.
		err := s.processBlock(context.WithoutCancel(ctx), block)
		if err != nil {
			s.queue.Abort(err)
			s.fail(err)

			return
		}

		s.queue.Done()
	}
}

// processBlock applies block if it builds on the tip. Known blocks are
// skipped and blocks off the tip are dropped.
func (s *Service) processBlock(ctx context.Context,
	block *qwire.MsgBlock) error {

	hash := block.BlockHash()

	exists, err := s.cfg.Store.HasBlock(hash)
	if err != nil {
		return err
	}
	if exists {
		log.Debugf("Skipping known block %v", hash)
		return nil
	}

	tip := s.GetBlockTip()
	if block.Header.PrevBlock != tip.Hash {
		log.Debugf("Dropping block %v: parent %v is not tip %v", hash,
			block.Header.PrevBlock, tip)

		select {
		case s.resync <- struct{}{}:
		default:
		}

		return nil
	}

	return s.applyBlock(ctx, block, tip.Height+1)
}

// applyBlock runs the dependent services on block, then stores its record
// and the new tip and notifies subscribers.
func (s *Service) applyBlock(ctx context.Context, block *qwire.MsgBlock,
	height int32) error {

	err := s.cfg.Dispatcher.DispatchBlock(ctx, block, height)
	if err != nil {
		return fmt.Errorf("apply block %v at height %d: %w",
			block.BlockHash(), height, err)
	}

	record := chaindb.NewBlockRecord(block, height)
	if err := s.cfg.Store.PutBlock(TipName, record); err != nil {
		return err
	}

	s.tipMtx.Lock()
	s.window.Push(windowEntry{
		Height:   record.Height,
		Hash:     record.Hash,
		PrevHash: record.PrevHash,
	})
	s.tip = record.Tip()
	s.tipMtx.Unlock()

	log.Debugf("Block tip now %v", record.Tip())

	return s.publish(s.blockServer.SendUpdate(&BlockEvent{
		Block:  block,
		Height: height,
	}))
}

// publish maps a subscription server error.
func (s *Service) publish(err error) error {
	if errors.Is(err, subscribe.ErrServerShuttingDown) {
		return ErrServiceShuttingDown
	}

	return err
}

// fail reports a fatal error unless the service is shutting down.
func (s *Service) fail(err error) {
	if errors.Is(err, ErrServiceShuttingDown) ||
		errors.Is(err, context.Canceled) {

		return
	}

	s.fatalOnce.Do(func() {
		log.Errorf("Block sync halted: %v", err)
		s.cfg.Fatal(err)
	})
}

// syncHandler drives the block tip towards the header tip. Each time
// headers caught up the blocks missing are fetched, afterwards relayed
// blocks are applied as they arrive.
//
// NOTE: This method MUST be run as a goroutine.
func (s *Service) syncHandler(ctx context.Context,
	synced *subscribe.Client[*chaindb.Tip],
	live *subscribe.Client[*headersync.LiveBlock]) {

	defer synced.Cancel()
	defer live.Cancel()

	if s.cfg.Headers.IsSynced() {
		if err := s.onHeadersSynced(ctx); err != nil {
			s.fail(err)
			return
		}
	}

	for {
		var err error

		select {
		case <-synced.Updates():
			err = s.onHeadersSynced(ctx)

		case lb := <-live.Updates():
			// Until the tip caught up, relayed blocks are fetched
			// in order by the catch-up.
			if s.synced.Load() {
				log.Debugf("Queueing relayed block %v at "+
					"height %d", lb.Block.BlockHash(),
					lb.Height)

				s.queue.Push(lb.Block)
			}

		case <-s.resync:
			err = s.catchUp(ctx)

		case <-synced.Quit():
			return

		case <-live.Quit():
			return

		case <-ctx.Done():
			return
		}

		if err != nil {
			s.fail(err)
			return
		}
	}
}

// onHeadersSynced notifies the dependent services and catches the block
// tip up.
func (s *Service) onHeadersSynced(ctx context.Context) error {
	if err := s.cfg.Dispatcher.DispatchHeaders(ctx); err != nil {
		return err
	}

	return s.catchUp(ctx)
}

// catchUp fetches and applies blocks until the block tip reached the header
// tip, rolling back first if the header chain no longer contains the tip.
// Fetch timeouts are retried.
func (s *Service) catchUp(ctx context.Context) error {
	for {
		release, err := s.lockChain(ctx)
		if err != nil {
			return err
		}
		done, err := s.catchUpStep(ctx)
		release()

		switch {
		case errors.Is(err, errFetchFailed):
			// No usable peer, wait outside of the chain lock so a
			// header rollback is not held up.
			select {
			case <-s.cfg.Clock.TickAfter(s.cfg.RetryInterval):
				continue

			case <-ctx.Done():
				return ErrServiceShuttingDown
			}

		case err != nil:
			return err

		case done:
			return nil
		}
	}
}

// catchUpStep compares the block tip with the header chain and fetches the
// next block. It returns true once there is nothing left to do until headers
// sync again.
//
// NOTE: The chain lock must be held.
func (s *Service) catchUpStep(ctx context.Context) (bool, error) {
	if !s.cfg.Headers.IsSynced() {
		log.Debug("Headers syncing, pausing block sync")
		return true, nil
	}

	// Headers and tip are only compared with nothing in flight.
	if err := s.queue.WaitDrained(ctx); err != nil {
		return false, err
	}

	tip := s.GetBlockTip()
	onChain, err := s.onHeaderChain(tip)
	if err != nil {
		return false, err
	}
	if !onChain {
		s.synced.Store(false)

		return false, s.reorg(ctx)
	}

	if tip.Height >= s.cfg.Headers.GetBestHeight() {
		return true, s.markSynced(ctx)
	}
	s.synced.Store(false)

	target, end, err := s.cfg.Headers.GetEndHash(
		tip.Height, s.cfg.ReadAhead,
	)
	switch {
	case errors.Is(err, headersync.ErrNothingToFetch):
		return false, nil

	case err != nil:
		return false, err
	}

	filter := &p2p.BlockFilter{StartHash: tip.Hash, EndHash: end}
	block, err := s.cfg.P2P.GetP2PBlock(ctx, filter, target)
	switch {
	case errors.Is(err, p2p.ErrBlockTimeout):
		log.Debugf("Fetching block %v timed out, requesting again",
			target)

		s.cfg.P2P.ClearInventoryCache()

		return false, nil

	case ctx.Err() != nil:
		return false, ErrServiceShuttingDown

	case err != nil:
		log.Debugf("Unable to fetch block %v: %v", target, err)

		return false, errFetchFailed
	}

	s.queue.Push(block)

	return false, nil
}

// lockChain takes the chain lock. While it is held the header chain is not
// rolled back.
func (s *Service) lockChain(ctx context.Context) (func(), error) {
	select {
	case s.chainLock <- struct{}{}:
		return func() { <-s.chainLock }, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// onHeaderChain returns true if the header chain contains tip.
func (s *Service) onHeaderChain(tip *chaindb.Tip) (bool, error) {
	header, err := s.cfg.Headers.GetBlockHeader(
		fn.NewLeft[int32, chainhash.Hash](tip.Height),
	)
	switch {
	case errors.Is(err, chaindb.ErrHeaderNotFound):
		return false, nil

	case err != nil:
		return false, err
	}

	return header.Hash() == tip.Hash, nil
}

// markSynced switches to relayed blocks and notifies the dependent services
// the first time the tip reached the header tip.
func (s *Service) markSynced(ctx context.Context) error {
	if s.synced.Swap(true) {
		return nil
	}

	log.Infof("Blocks synced at %v", s.GetBlockTip())

	return s.cfg.Dispatcher.DispatchSynced(ctx)
}

// reorg rolls the tip back to the newest block of the window that is still
// on the header chain and unwinds the dependent services.
//
// NOTE: The queue must be drained and the chain lock held.
func (s *Service) reorg(ctx context.Context) error {
	s.tipMtx.RLock()
	tip := s.tip
	entries := s.window.Newest()
	s.tipMtx.RUnlock()

	var ancestor *chaindb.Tip
	for _, entry := range entries {
		onChain, err := s.onHeaderChain(&chaindb.Tip{
			Height: entry.Height,
			Hash:   entry.Hash,
		})
		if err != nil {
			return err
		}
		if onChain {
			ancestor = &chaindb.Tip{
				Height: entry.Height,
				Hash:   entry.Hash,
			}
			break
		}
	}
	if ancestor == nil {
		return fmt.Errorf("%w: no common ancestor within %d blocks "+
			"of %v", ErrReorgTooDeep, s.window.Depth(), tip)
	}

	discarded, err := s.cfg.Store.FetchBlocks(
		ancestor.Height+1, tip.Height,
	)
	if err != nil {
		return err
	}
	if len(discarded) != int(tip.Height-ancestor.Height) {
		return fmt.Errorf("%w: found %d blocks between %v and %v",
			ErrMissingRecord, len(discarded), ancestor, tip)
	}

	// Newest first.
	for i, j := 0, len(discarded)-1; i < j; i, j = i+1, j-1 {
		discarded[i], discarded[j] = discarded[j], discarded[i]
	}

	log.Infof("Reorg: rolling block tip back from %v to %v", tip,
		ancestor)

	if err := s.cfg.Store.PutTip(TipName, ancestor); err != nil {
		return err
	}

	s.tipMtx.Lock()
	s.tip = ancestor
	s.window.Truncate(ancestor.Height)
	s.tipMtx.Unlock()

	event := &chainio.ReorgEvent{
		Height:    ancestor.Height,
		Hash:      ancestor.Hash,
		Discarded: discarded,
	}
	err = s.cfg.Dispatcher.DispatchReorg(context.WithoutCancel(ctx), event)
	if err != nil {
		return err
	}

	if err := s.cfg.Store.DeleteBlocks(discarded); err != nil {
		return err
	}

	return s.publish(s.reorgServer.SendUpdate(event))
}

// GetBlockTip returns the block tip.
func (s *Service) GetBlockTip() *chaindb.Tip {
	s.tipMtx.RLock()
	defer s.tipMtx.RUnlock()

	return s.tip
}

// IsSynced returns true when the block tip reached the header tip and
// relayed blocks are applied as they arrive.
func (s *Service) IsSynced() bool {
	return s.synced.Load()
}

// WaitDrained blocks until no block is queued or being applied.
func (s *Service) WaitDrained(ctx context.Context) error {
	return s.queue.WaitDrained(ctx)
}

// PauseSync waits until no block is being fetched, queued or applied and
// keeps the catch-up from reading the header chain until release is called.
// The header service holds it while it rolls headers back.
func (s *Service) PauseSync(ctx context.Context) (func(), error) {
	release, err := s.lockChain(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.queue.WaitDrained(ctx); err != nil {
		release()
		return nil, err
	}

	return release, nil
}

// SubscribeBlocks returns a client receiving every applied block.
func (s *Service) SubscribeBlocks() (*subscribe.Client[*BlockEvent], error) {
	return s.blockServer.Subscribe()
}

// SubscribeReorgs returns a client receiving every reorg.
func (s *Service) SubscribeReorgs() (*subscribe.Client[*chainio.ReorgEvent],
	error) {

	return s.reorgServer.Subscribe()
}
