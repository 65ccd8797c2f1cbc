package headersync

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/qtumsync/chaindb"
	"github.com/lightninglabs/qtumsync/chainreg"
	"github.com/lightninglabs/qtumsync/qwire"
	"github.com/lightninglabs/qtumsync/subscribe"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultCheckpoint is how far the header tip is rolled back on start
	// and on reorg before headers are requested again.
	DefaultCheckpoint = 2000

	// DefaultRetryInterval is the delay before a failed headers request
	// is issued again.
	DefaultRetryInterval = time.Second

	// TipName is the name the header tip is stored under.
	TipName = "header"
)

// Event names published by the service.
const (
	EventBlock  = "header/block"
	EventSynced = "header/synced"
)

var (
	// ErrNonContiguous is returned when a peer delivered a header that
	// does not build on the previous one. It is fatal.
	ErrNonContiguous = errors.New("non-contiguous headers")

	// ErrNothingToFetch is returned by GetEndHash when the given tip is
	// already at the header tip.
	ErrNothingToFetch = errors.New("no header above tip")

	// ErrServiceShuttingDown is returned when the service is stopping.
	ErrServiceShuttingDown = errors.New("header service shutting down")
)

// HeaderSource is the part of the P2P service the header service needs.
type HeaderSource interface {
	// GetHeaders asks the best peer for the headers after the locator.
	GetHeaders(ctx context.Context,
		locator []*chainhash.Hash) (*qwire.MsgHeaders, error)

	// SubscribeBlocks returns a client receiving relayed blocks.
	SubscribeBlocks() (*subscribe.Client[*qwire.MsgBlock], error)
}

// Store persists the header chain.
type Store interface {
	chaindb.TipStore

	// PutHeaders stores header records.
	PutHeaders(records []*chaindb.HeaderRecord) error

	// FetchHeaderByHash returns the record of the hash.
	FetchHeaderByHash(hash chainhash.Hash) (*chaindb.HeaderRecord, error)

	// FetchHeaderByHeight returns the record at height.
	FetchHeaderByHeight(height int32) (*chaindb.HeaderRecord, error)

	// DeleteHeadersAbove removes every record above height.
	DeleteHeadersAbove(height int32) error
}

// Config holds the service's collaborators.
type Config struct {
	// ChainParams provides the genesis block.
	ChainParams *chainreg.Params

	// P2P delivers headers and relayed blocks.
	P2P HeaderSource

	// Store persists headers and the header tip.
	Store Store

	// Checkpoint is the rollback distance on start and on reorg.
	Checkpoint int32

	// RetryInterval is the delay before a failed request is retried.
	RetryInterval time.Duration

	// PauseBlocks, if set, is called before the header chain is rolled
	// back for a reorg. It returns once no block is being fetched or
	// applied, and block sync stays paused until release is called.
	PauseBlocks func(ctx context.Context) (release func(), err error)

	// Clock drives the retry delay.
	Clock clock.Clock

	// Fatal is called with an error the service cannot recover from.
	// The service stops syncing afterwards.
	Fatal func(error)
}

// LiveBlock is a relayed block that extends the header chain.
type LiveBlock struct {
	Block  *qwire.MsgBlock
	Height int32
}

// Service syncs the chain of headers from peers. Headers are requested in
// batches from the tip until a short batch signals the chain caught up, from
// then on relayed blocks extend the chain one at a time.
type Service struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	cfg *Config

	// mtx guards lastHeader and synced.
	mtx        sync.RWMutex
	lastHeader *chaindb.HeaderRecord
	synced     bool

	blockServer  *subscribe.Server[*LiveBlock]
	syncedServer *subscribe.Server[*chaindb.Tip]

	ctx    context.Context
	cancel context.CancelFunc

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewService creates a header service.
func NewService(cfg *Config) *Service {
	if cfg.Checkpoint == 0 {
		cfg.Checkpoint = DefaultCheckpoint
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Fatal == nil {
		cfg.Fatal = func(err error) {
			log.Criticalf("Header sync failed: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		cfg:          cfg,
		blockServer:  subscribe.NewServer[*LiveBlock](EventBlock),
		syncedServer: subscribe.NewServer[*chaindb.Tip](EventSynced),
		ctx:          ctx,
		cancel:       cancel,
		quit:         make(chan struct{}),
	}
}

// Start rolls the header tip back by the checkpoint distance and launches
// the sync loop.
func (s *Service) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	log.Info("Header service starting")

	if err := s.blockServer.Start(); err != nil {
		return err
	}
	if err := s.syncedServer.Start(); err != nil {
		return err
	}

	tip, err := s.cfg.Store.FetchTip(TipName)
	switch {
	case errors.Is(err, chaindb.ErrTipNotFound):
		tip = &chaindb.Tip{Hash: s.cfg.ChainParams.GenesisHash}

	case err != nil:
		return err
	}

	if err := s.rollback(tip.Height - s.cfg.Checkpoint); err != nil {
		return err
	}

	blocks, err := s.cfg.P2P.SubscribeBlocks()
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go s.syncHandler(blocks)

	return nil
}

// Stop stops the sync loop.
func (s *Service) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return nil
	}

	log.Info("Header service shutting down...")
	defer log.Debug("Header service shutdown complete")

	s.cancel()
	close(s.quit)
	s.wg.Wait()

	if err := s.blockServer.Stop(); err != nil {
		return err
	}

	return s.syncedServer.Stop()
}

// rollback moves the header tip down to height, reseeding the chain from
// the genesis block when height is zero or below.
func (s *Service) rollback(height int32) error {
	var (
		last *chaindb.HeaderRecord
		err  error
	)
	if height <= 0 {
		genesis := s.cfg.ChainParams.GenesisBlock
		last = &chaindb.HeaderRecord{
			Header:    genesis.Header,
			Height:    0,
			Chainwork: new(big.Int).Set(chainreg.StartingChainWork),
		}
		err = s.cfg.Store.PutHeaders([]*chaindb.HeaderRecord{last})
	} else {
		last, err = s.cfg.Store.FetchHeaderByHeight(height)
	}
	if err != nil {
		return fmt.Errorf("rollback to height %d: %w", height, err)
	}

	if err := s.cfg.Store.DeleteHeadersAbove(last.Height); err != nil {
		return err
	}
	if err := s.cfg.Store.PutTip(TipName, last.Tip()); err != nil {
		return err
	}

	log.Infof("Header tip rolled back to %v", last.Tip())

	s.mtx.Lock()
	s.lastHeader = last
	s.synced = false
	s.mtx.Unlock()

	return nil
}

// syncHandler catches the header chain up with the network and then extends
// it with relayed blocks.
//
// NOTE: This method MUST be run as a goroutine.
func (s *Service) syncHandler(
	blocks *subscribe.Client[*qwire.MsgBlock]) {

	defer s.wg.Done()
	defer blocks.Cancel()

	if err := s.syncHeaders(); err != nil {
		s.fail(err)
		return
	}

	for {
		select {
		case block := <-blocks.Updates():
			if err := s.handleBlock(block); err != nil {
				s.fail(err)
				return
			}

		case <-blocks.Quit():
			return

		case <-s.quit:
			return
		}
	}
}

// fail reports a fatal error unless the service is shutting down.
func (s *Service) fail(err error) {
	if errors.Is(err, ErrServiceShuttingDown) {
		return
	}

	log.Errorf("Header sync halted: %v", err)
	s.cfg.Fatal(err)
}

// syncHeaders requests batches of headers from the tip until a batch
// shorter than the protocol maximum arrives. Request failures are retried,
// a non-contiguous batch is fatal.
func (s *Service) syncHeaders() error {
	for {
		last := s.GetLastHeader()
		hash := last.Hash()

		log.Debugf("Requesting headers after %v", last.Tip())

		msg, err := s.cfg.P2P.GetHeaders(
			s.ctx, []*chainhash.Hash{&hash},
		)
		if err != nil {
			log.Debugf("Headers request failed: %v", err)

			select {
			case <-s.cfg.Clock.TickAfter(s.cfg.RetryInterval):
				continue

			case <-s.quit:
				return ErrServiceShuttingDown
			}
		}

		records, err := connectHeaders(last, msg.Headers)
		if err != nil {
			return err
		}

		if len(records) > 0 {
			if err := s.commit(records); err != nil {
				return err
			}
		}

		if len(msg.Headers) < wire.MaxBlockHeadersPerMsg {
			return s.markSynced()
		}
	}
}

// connectHeaders builds the records of headers on top of last. Every header
// must reference the one before it.
func connectHeaders(last *chaindb.HeaderRecord,
	headers []*qwire.BlockHeader) ([]*chaindb.HeaderRecord, error) {

	records := make([]*chaindb.HeaderRecord, 0, len(headers))
	for _, header := range headers {
		prevHash := last.Hash()
		if header.PrevBlock != prevHash {
			return nil, fmt.Errorf("%w: header %v at height %d "+
				"references %v, expected %v", ErrNonContiguous,
				header.BlockHash(), last.Height+1,
				header.PrevBlock, prevHash)
		}

		chainwork := new(big.Int).Add(
			last.Chainwork, blockchain.CalcWork(header.Bits),
		)
		record := &chaindb.HeaderRecord{
			Header:    *header,
			Height:    last.Height + 1,
			Chainwork: chainwork,
		}

		records = append(records, record)
		last = record
	}

	return records, nil
}

// commit persists records that extend the chain and moves the tip to the
// last one.
func (s *Service) commit(records []*chaindb.HeaderRecord) error {
	last := records[len(records)-1]

	if err := s.cfg.Store.PutHeaders(records); err != nil {
		return err
	}
	if err := s.cfg.Store.PutTip(TipName, last.Tip()); err != nil {
		return err
	}

	s.mtx.Lock()
	s.lastHeader = last
	s.mtx.Unlock()

	log.Debugf("Header tip now %v", last.Tip())

	return nil
}

// markSynced flags the chain as caught up and notifies subscribers.
func (s *Service) markSynced() error {
	s.mtx.Lock()
	s.synced = true
	tip := s.lastHeader.Tip()
	s.mtx.Unlock()

	log.Infof("Headers synced at %v", tip)

	err := s.syncedServer.SendUpdate(tip)
	if errors.Is(err, subscribe.ErrServerShuttingDown) {
		return ErrServiceShuttingDown
	}

	return err
}

// handleBlock extends the header chain with a relayed block. A block that
// does not build on the last header rolls the chain back to the checkpoint
// and syncs it again.
func (s *Service) handleBlock(block *qwire.MsgBlock) error {
	hash := block.BlockHash()

	_, err := s.cfg.Store.FetchHeaderByHash(hash)
	switch {
	case err == nil:
		log.Tracef("Ignoring known block %v", hash)
		return nil

	case !errors.Is(err, chaindb.ErrHeaderNotFound):
		return err
	}

	last := s.GetLastHeader()
	if block.Header.PrevBlock == last.Hash() {
		records, err := connectHeaders(
			last, []*qwire.BlockHeader{&block.Header},
		)
		if err != nil {
			return err
		}
		if err := s.commit(records); err != nil {
			return err
		}

		err = s.blockServer.SendUpdate(&LiveBlock{
			Block:  block,
			Height: records[0].Height,
		})
		if errors.Is(err, subscribe.ErrServerShuttingDown) {
			return ErrServiceShuttingDown
		}

		return err
	}

	log.Infof("Block %v does not extend header tip %v, resyncing "+
		"headers", hash, last.Tip())

	return s.reorg(last.Height - s.cfg.Checkpoint)
}

// reorg rolls the header chain back once no block is being applied and
// syncs it again.
func (s *Service) reorg(height int32) error {
	s.mtx.Lock()
	s.synced = false
	s.mtx.Unlock()

	if s.cfg.PauseBlocks != nil {
		release, err := s.cfg.PauseBlocks(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return ErrServiceShuttingDown
			}

			return err
		}
		err = s.rollback(height)
		release()
		if err != nil {
			return err
		}
	} else if err := s.rollback(height); err != nil {
		return err
	}

	return s.syncHeaders()
}

// GetBlockHeader returns the header record at a height or with a hash.
func (s *Service) GetBlockHeader(
	id fn.Either[int32, chainhash.Hash]) (*chaindb.HeaderRecord, error) {

	var (
		record *chaindb.HeaderRecord
		err    error
	)
	id.WhenLeft(func(height int32) {
		record, err = s.cfg.Store.FetchHeaderByHeight(height)
	})
	id.WhenRight(func(hash chainhash.Hash) {
		record, err = s.cfg.Store.FetchHeaderByHash(hash)
	})

	return record, err
}

// GetBlockHeaderByHeight returns the header record at height.
func (s *Service) GetBlockHeaderByHeight(
	height int32) (*chaindb.HeaderRecord, error) {

	return s.GetBlockHeader(fn.NewLeft[int32, chainhash.Hash](height))
}

// GetLastHeader returns the record at the header tip.
func (s *Service) GetLastHeader() *chaindb.HeaderRecord {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.lastHeader
}

// GetBestHeight returns the height of the header tip.
func (s *Service) GetBestHeight() int32 {
	return s.GetLastHeader().Height
}

// IsSynced returns true when the header chain caught up with the network
// and is not being resynced.
func (s *Service) IsSynced() bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.synced
}

// GetEndHash returns the hash of the block after tipHeight and the hash of
// the last block of a read-ahead window above the tip, capped at the header
// tip.
func (s *Service) GetEndHash(tipHeight, readAhead int32) (chainhash.Hash,
	chainhash.Hash, error) {

	best := s.GetBestHeight()
	if tipHeight >= best {
		return chainhash.Hash{}, chainhash.Hash{}, fmt.Errorf("%w: "+
			"tip %d, header tip %d", ErrNothingToFetch, tipHeight,
			best)
	}

	target, err := s.cfg.Store.FetchHeaderByHeight(tipHeight + 1)
	if err != nil {
		return chainhash.Hash{}, chainhash.Hash{}, err
	}

	endHeight := tipHeight + readAhead
	if readAhead < 1 {
		endHeight = tipHeight + 1
	}
	if endHeight > best {
		endHeight = best
	}

	end, err := s.cfg.Store.FetchHeaderByHeight(endHeight)
	if err != nil {
		return chainhash.Hash{}, chainhash.Hash{}, err
	}

	return target.Hash(), end.Hash(), nil
}

// SubscribeBlocks returns a client receiving every relayed block that
// extended the header chain, with its height.
func (s *Service) SubscribeBlocks() (*subscribe.Client[*LiveBlock], error) {
	return s.blockServer.Subscribe()
}

// SubscribeSynced returns a client receiving the header tip each time the
// header chain caught up.
func (s *Service) SubscribeSynced() (*subscribe.Client[*chaindb.Tip],
	error) {

	return s.syncedServer.Subscribe()
}
