package headersync

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/qtumsync/chaindb"
	"github.com/lightninglabs/qtumsync/chainreg"
	"github.com/lightninglabs/qtumsync/internal/chaintest"
	"github.com/lightninglabs/qtumsync/qwire"
	"github.com/lightninglabs/qtumsync/subscribe"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

var testParams = chainreg.RegTestParams

// fakeSource answers headers requests from a chain the test controls.
type fakeSource struct {
	t *testing.T

	mu    sync.Mutex
	chain []*qwire.MsgBlock

	// mangle, if set, rewrites every reply before it is returned.
	mangle func([]*qwire.BlockHeader) []*qwire.BlockHeader

	// failures is the number of requests to fail before answering.
	failures int

	// silent makes every request block until its context is done.
	silent bool

	requests atomic.Int32

	blocks *subscribe.Server[*qwire.MsgBlock]
}

func newFakeSource(t *testing.T, chain []*qwire.MsgBlock) *fakeSource {
	blocks := subscribe.NewServer[*qwire.MsgBlock]("p2p/block")
	require.NoError(t, blocks.Start())
	t.Cleanup(func() {
		require.NoError(t, blocks.Stop())
	})

	return &fakeSource{t: t, chain: chain, blocks: blocks}
}

func (f *fakeSource) setChain(chain []*qwire.MsgBlock) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.chain = chain
}

func (f *fakeSource) GetHeaders(ctx context.Context,
	locator []*chainhash.Hash) (*qwire.MsgHeaders, error) {

	f.requests.Add(1)

	f.mu.Lock()
	if f.silent {
		f.mu.Unlock()
		<-ctx.Done()

		return nil, ctx.Err()
	}
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()

		return nil, context.DeadlineExceeded
	}
	defer f.mu.Unlock()

	// Like a real peer, an unknown locator is answered from genesis.
	start := 0
	for i, block := range f.chain {
		if block.BlockHash() == *locator[0] {
			start = i
			break
		}
	}

	end := start + 1 + wire.MaxBlockHeadersPerMsg
	if end > len(f.chain) {
		end = len(f.chain)
	}
	headers := chaintest.Headers(f.chain[start+1 : end])
	if f.mangle != nil {
		headers = f.mangle(headers)
	}

	msg := qwire.NewMsgHeaders()
	for _, header := range headers {
		require.NoError(f.t, msg.AddBlockHeader(header))
	}

	return msg, nil
}

func (f *fakeSource) SubscribeBlocks() (*subscribe.Client[*qwire.MsgBlock],
	error) {

	return f.blocks.Subscribe()
}

type testHarness struct {
	t      *testing.T
	db     *chaindb.DB
	source *fakeSource
	svc    *Service
	fatal  chan error
	pauses   atomic.Int32
	releases atomic.Int32

	// pausedSynced is set if blocks were paused while headers still
	// reported synced.
	pausedSynced atomic.Bool
}

func newTestHarness(t *testing.T, db *chaindb.DB,
	source *fakeSource) *testHarness {

	h := &testHarness{
		t:      t,
		db:     db,
		source: source,
		fatal:  make(chan error, 1),
	}
	h.svc = NewService(&Config{
		ChainParams:   testParams,
		P2P:           source,
		Store:         db,
		Checkpoint:    5,
		RetryInterval: 10 * time.Millisecond,
		PauseBlocks: func(context.Context) (func(), error) {
			h.pauses.Add(1)
			if h.svc.IsSynced() {
				h.pausedSynced.Store(true)
			}

			return func() { h.releases.Add(1) }, nil
		},
		Fatal: func(err error) {
			h.fatal <- err
		},
	})

	return h
}

func (h *testHarness) start() {
	require.NoError(h.t, h.svc.Start())
	h.t.Cleanup(func() {
		require.NoError(h.t, h.svc.Stop())
	})
}

func newTestDB(t *testing.T) *chaindb.DB {
	db, err := chaindb.Open(&chaindb.Config{DBPath: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

// waitSynced waits until the service caught up and returns its tip.
func waitSynced(t *testing.T, s *Service) *chaindb.Tip {
	require.Eventually(t, s.IsSynced, testTimeout, 10*time.Millisecond)

	return s.GetLastHeader().Tip()
}

// waitForTip drains synced events until one reports height.
func waitForTip(t *testing.T, synced *subscribe.Client[*chaindb.Tip],
	height int32) *chaindb.Tip {

	for {
		select {
		case tip := <-synced.Updates():
			if tip.Height == height {
				return tip
			}

		case <-time.After(testTimeout):
			t.Fatalf("headers not synced to height %d", height)
			return nil
		}
	}
}

// TestSyncFromGenesis asserts an empty store syncs the full chain over
// several batches and computes the cumulative chainwork.
func TestSyncFromGenesis(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain(testParams, wire.MaxBlockHeadersPerMsg+50)
	source := newFakeSource(t, chain)
	source.failures = 2

	h := newTestHarness(t, newTestDB(t), source)
	h.start()
	tip := waitSynced(t, h.svc)

	best := int32(len(chain) - 1)
	require.Equal(t, best, tip.Height)
	require.Equal(t, chain[best].BlockHash(), tip.Hash)
	require.True(t, h.svc.IsSynced())
	require.Equal(t, best, h.svc.GetBestHeight())

	// Two failed requests, a full batch and a short one.
	require.EqualValues(t, 4, source.requests.Load())

	work := blockchain.CalcWork(chain[1].Header.Bits)
	expected := new(big.Int).Mul(work, big.NewInt(int64(best)))
	expected.Add(expected, chainreg.StartingChainWork)
	require.Zero(t, expected.Cmp(h.svc.GetLastHeader().Chainwork))

	stored, err := h.db.FetchTip(TipName)
	require.NoError(t, err)
	require.Equal(t, tip, stored)

	record, err := h.svc.GetBlockHeaderByHeight(1234)
	require.NoError(t, err)
	require.Equal(t, chain[1234].BlockHash(), record.Hash())
}

// TestNonContiguousHeaders asserts a batch with a gap is fatal and none of
// its headers are accepted.
func TestNonContiguousHeaders(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain(testParams, 10)
	source := newFakeSource(t, chain)
	source.mangle = func(
		headers []*qwire.BlockHeader) []*qwire.BlockHeader {

		return append(headers[:4:4], headers[5:]...)
	}

	h := newTestHarness(t, newTestDB(t), source)
	h.start()

	select {
	case err := <-h.fatal:
		require.ErrorIs(t, err, ErrNonContiguous)
	case <-time.After(testTimeout):
		t.Fatal("no fatal error")
	}

	require.Zero(t, h.svc.GetBestHeight())
	require.False(t, h.svc.IsSynced())

	_, err := h.db.FetchHeaderByHeight(1)
	require.ErrorIs(t, err, chaindb.ErrHeaderNotFound)
}

// TestStartRollback asserts the tip is rolled back by the checkpoint
// distance on start, and reseeded from genesis when that reaches zero.
func TestStartRollback(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		length int
		height int32
	}{
		{name: "above checkpoint", length: 12, height: 7},
		{name: "below checkpoint", length: 3, height: 0},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			db := newTestDB(t)
			chain := chaintest.NewChain(testParams, tc.length)

			first := newTestHarness(t, db, newFakeSource(t, chain))
			require.NoError(t, first.svc.Start())
			tip := waitSynced(t, first.svc)
			require.EqualValues(t, tc.length, tip.Height)
			require.NoError(t, first.svc.Stop())

			source := newFakeSource(t, chain)
			source.silent = true
			second := newTestHarness(t, db, source)
			second.start()

			require.Equal(t, tc.height, second.svc.GetBestHeight())
			require.False(t, second.svc.IsSynced())

			last := second.svc.GetLastHeader()
			require.Equal(
				t, chain[tc.height].BlockHash(), last.Hash(),
			)
			if tc.height == 0 {
				require.Zero(t, chainreg.StartingChainWork.Cmp(
					last.Chainwork,
				))
			}

			_, err := db.FetchHeaderByHeight(tc.height + 1)
			require.ErrorIs(t, err, chaindb.ErrHeaderNotFound)
		})
	}
}

// TestLiveBlocks asserts relayed blocks extend the chain and known blocks
// are ignored.
func TestLiveBlocks(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain(testParams, 5)
	source := newFakeSource(t, chain)

	h := newTestHarness(t, newTestDB(t), source)
	h.start()
	waitSynced(t, h.svc)

	live, err := h.svc.SubscribeBlocks()
	require.NoError(t, err)

	next := chaintest.Extend(chain[5], 5, 2, 0)
	require.NoError(t, source.blocks.SendUpdate(chain[4]))
	require.NoError(t, source.blocks.SendUpdate(next[0]))
	require.NoError(t, source.blocks.SendUpdate(next[0]))
	require.NoError(t, source.blocks.SendUpdate(next[1]))

	for i, block := range next {
		select {
		case lb := <-live.Updates():
			require.Equal(
				t, block.BlockHash(), lb.Block.BlockHash(),
			)
			require.EqualValues(t, 6+i, lb.Height)
		case <-time.After(testTimeout):
			t.Fatal("live block not published")
		}
	}

	require.EqualValues(t, 7, h.svc.GetBestHeight())
	require.Zero(t, h.pauses.Load())
}

// TestReorg asserts a relayed block off the tip rolls the chain back while
// block sync is paused and syncs the new branch.
func TestReorg(t *testing.T) {
	t.Parallel()

	chainA := chaintest.NewChain(testParams, 10)
	source := newFakeSource(t, chainA)

	h := newTestHarness(t, newTestDB(t), source)
	h.start()
	waitSynced(t, h.svc)

	synced, err := h.svc.SubscribeSynced()
	require.NoError(t, err)

	chainB := chaintest.Fork(chainA, 7, 5, 1)
	source.setChain(chainB)
	require.NoError(t, source.blocks.SendUpdate(chainB[12]))

	tip := waitForTip(t, synced, 12)
	require.Equal(t, chainB[12].BlockHash(), tip.Hash)
	require.EqualValues(t, 1, h.pauses.Load())
	require.EqualValues(t, 1, h.releases.Load())
	require.False(t, h.pausedSynced.Load())

	for height := int32(8); height <= 12; height++ {
		record, err := h.svc.GetBlockHeaderByHeight(height)
		require.NoError(t, err)
		require.Equal(t, chainB[height].BlockHash(), record.Hash())
	}

	_, err = h.db.FetchHeaderByHash(chainA[10].BlockHash())
	require.ErrorIs(t, err, chaindb.ErrHeaderNotFound)
}

// TestGetEndHash checks the fetch window for a block tip.
func TestGetEndHash(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain(testParams, 10)
	h := newTestHarness(t, newTestDB(t), newFakeSource(t, chain))
	h.start()
	waitSynced(t, h.svc)

	testCases := []struct {
		name      string
		tip       int32
		readAhead int32
		target    int32
		end       int32
		err       error
	}{
		{name: "window", tip: 3, readAhead: 2, target: 4, end: 5},
		{name: "capped", tip: 9, readAhead: 2, target: 10, end: 10},
		{name: "no read-ahead", tip: 0, readAhead: 0, target: 1, end: 1},
		{name: "at tip", tip: 10, readAhead: 2, err: ErrNothingToFetch},
	}

	for _, tc := range testCases {
		target, end, err := h.svc.GetEndHash(tc.tip, tc.readAhead)
		if tc.err != nil {
			require.ErrorIs(t, err, tc.err, tc.name)
			continue
		}

		require.NoError(t, err, tc.name)
		require.Equal(t, chain[tc.target].BlockHash(), target, tc.name)
		require.Equal(t, chain[tc.end].BlockHash(), end, tc.name)
	}
}
