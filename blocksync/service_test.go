package blocksync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/qtumsync/chaindb"
	"github.com/lightninglabs/qtumsync/chainio"
	"github.com/lightninglabs/qtumsync/chainreg"
	"github.com/lightninglabs/qtumsync/headersync"
	"github.com/lightninglabs/qtumsync/internal/chaintest"
	"github.com/lightninglabs/qtumsync/p2p"
	"github.com/lightninglabs/qtumsync/qwire"
	"github.com/lightninglabs/qtumsync/subscribe"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

var (
	testParams = chainreg.RegTestParams

	errDummy = errors.New("dummy error")
)

// fakeHeaders is a header chain the test controls.
type fakeHeaders struct {
	mu     sync.Mutex
	chain  []*qwire.MsgBlock
	synced bool

	// onSyncedCheck, if set, runs once right after the next IsSynced
	// call read the flag.
	onSyncedCheck func()

	live   *subscribe.Server[*headersync.LiveBlock]
	caught *subscribe.Server[*chaindb.Tip]
}

func newFakeHeaders(t *testing.T, chain []*qwire.MsgBlock) *fakeHeaders {
	f := &fakeHeaders{
		chain:  chain,
		synced: true,
		live: subscribe.NewServer[*headersync.LiveBlock](
			headersync.EventBlock,
		),
		caught: subscribe.NewServer[*chaindb.Tip](
			headersync.EventSynced,
		),
	}
	require.NoError(t, f.live.Start())
	require.NoError(t, f.caught.Start())
	t.Cleanup(func() {
		require.NoError(t, f.live.Stop())
		require.NoError(t, f.caught.Stop())
	})

	return f
}

// switchChain replaces the header chain and announces it caught up.
func (f *fakeHeaders) switchChain(t *testing.T, chain []*qwire.MsgBlock) {
	f.mu.Lock()
	f.chain = chain
	f.synced = true
	f.mu.Unlock()

	last := chain[len(chain)-1]
	require.NoError(t, f.caught.SendUpdate(&chaindb.Tip{
		Height: int32(len(chain) - 1),
		Hash:   last.BlockHash(),
	}))
}

func (f *fakeHeaders) record(height int32) (*chaindb.HeaderRecord, error) {
	if height < 0 || int(height) >= len(f.chain) {
		return nil, fmt.Errorf("%w: height %d",
			chaindb.ErrHeaderNotFound, height)
	}

	return &chaindb.HeaderRecord{
		Header: f.chain[height].Header,
		Height: height,
	}, nil
}

func (f *fakeHeaders) GetBlockHeader(id fn.Either[int32, chainhash.Hash]) (
	*chaindb.HeaderRecord, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		record *chaindb.HeaderRecord
		err    = chaindb.ErrHeaderNotFound
	)
	id.WhenLeft(func(height int32) {
		record, err = f.record(height)
	})
	id.WhenRight(func(hash chainhash.Hash) {
		for height, block := range f.chain {
			if block.BlockHash() == hash {
				record, err = f.record(int32(height))
			}
		}
	})

	return record, err
}

func (f *fakeHeaders) GetBestHeight() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return int32(len(f.chain) - 1)
}

func (f *fakeHeaders) GetEndHash(tipHeight, readAhead int32) (chainhash.Hash,
	chainhash.Hash, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	best := int32(len(f.chain) - 1)
	if tipHeight >= best {
		return chainhash.Hash{}, chainhash.Hash{},
			headersync.ErrNothingToFetch
	}

	end := tipHeight + readAhead
	if end > best {
		end = best
	}

	return f.chain[tipHeight+1].BlockHash(), f.chain[end].BlockHash(), nil
}

func (f *fakeHeaders) IsSynced() bool {
	f.mu.Lock()
	synced := f.synced
	hook := f.onSyncedCheck
	f.onSyncedCheck = nil
	f.mu.Unlock()

	if hook != nil {
		hook()
	}

	return synced
}

func (f *fakeHeaders) SubscribeBlocks() (
	*subscribe.Client[*headersync.LiveBlock], error) {

	return f.live.Subscribe()
}

func (f *fakeHeaders) SubscribeSynced() (*subscribe.Client[*chaindb.Tip],
	error) {

	return f.caught.Subscribe()
}

// fakeP2P serves blocks from a set the test controls.
type fakeP2P struct {
	mu       sync.Mutex
	blocks   map[chainhash.Hash]*qwire.MsgBlock
	timeouts int

	clears atomic.Int32
}

func newFakeP2P(chains ...[]*qwire.MsgBlock) *fakeP2P {
	f := &fakeP2P{blocks: make(map[chainhash.Hash]*qwire.MsgBlock)}
	for _, chain := range chains {
		f.add(chain...)
	}

	return f
}

func (f *fakeP2P) add(blocks ...*qwire.MsgBlock) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, block := range blocks {
		f.blocks[block.BlockHash()] = block
	}
}

func (f *fakeP2P) GetP2PBlock(_ context.Context, _ *p2p.BlockFilter,
	target chainhash.Hash) (*qwire.MsgBlock, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.timeouts > 0 {
		f.timeouts--
		return nil, p2p.ErrBlockTimeout
	}

	block, ok := f.blocks[target]
	if !ok {
		return nil, fmt.Errorf("block %v unknown", target)
	}

	return block, nil
}

func (f *fakeP2P) ClearInventoryCache() {
	f.clears.Add(1)
}

// recorder collects the hook calls of every test consumer in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, call)
}

// filter returns the calls of one hook.
func (r *recorder) filter(hook string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []string
	for _, call := range r.calls {
		if strings.Contains(call, ":"+hook) {
			result = append(result, call)
		}
	}

	return result
}

// testConsumer records its hook calls and fails OnBlock at failAt.
type testConsumer struct {
	name   string
	deps   []string
	rec    *recorder
	failAt int32
}

func (c *testConsumer) Name() string {
	return c.name
}

func (c *testConsumer) Dependencies() []string {
	return c.deps
}

func (c *testConsumer) OnHeaders(context.Context) error {
	c.rec.add(c.name + ":headers")
	return nil
}

func (c *testConsumer) OnBlock(_ context.Context, _ *qwire.MsgBlock,
	height int32) error {

	if height == c.failAt {
		return errDummy
	}
	c.rec.add(fmt.Sprintf("%s:block:%d", c.name, height))

	return nil
}

func (c *testConsumer) OnReorg(_ context.Context,
	event *chainio.ReorgEvent) error {

	c.rec.add(fmt.Sprintf("%s:reorg:%d", c.name, event.Height))
	return nil
}

func (c *testConsumer) OnSynced(context.Context) error {
	c.rec.add(c.name + ":synced")
	return nil
}

type testHarness struct {
	t       *testing.T
	db      *chaindb.DB
	headers *fakeHeaders
	p2p     *fakeP2P
	rec     *recorder
	fatal   chan error
	svc     *Service
}

type harnessOption func(*Config, *testConsumer)

func withDepth(depth int) harnessOption {
	return func(cfg *Config, _ *testConsumer) {
		cfg.ReorgDepth = depth
	}
}

func withFailAt(height int32) harnessOption {
	return func(_ *Config, c *testConsumer) {
		c.failAt = height
	}
}

func newTestHarness(t *testing.T, db *chaindb.DB, headers *fakeHeaders,
	source *fakeP2P, opts ...harnessOption) *testHarness {

	h := &testHarness{
		t:       t,
		db:      db,
		headers: headers,
		p2p:     source,
		rec:     &recorder{},
		fatal:   make(chan error, 1),
	}

	a := &testConsumer{name: "a", rec: h.rec, failAt: -1}
	b := &testConsumer{
		name: "b", deps: []string{"a"}, rec: h.rec, failAt: -1,
	}
	graph, err := chainio.NewGraph(b, a)
	require.NoError(t, err)

	cfg := &Config{
		ChainParams:   testParams,
		Headers:       headers,
		P2P:           source,
		Store:         db,
		Dispatcher:    chainio.NewDispatcher(graph),
		RetryInterval: 10 * time.Millisecond,
		Fatal: func(err error) {
			h.fatal <- err
		},
	}
	for _, opt := range opts {
		opt(cfg, b)
	}
	h.svc = NewService(cfg)

	return h
}

func (h *testHarness) start() {
	require.NoError(h.t, h.svc.Start())
	h.t.Cleanup(func() {
		require.NoError(h.t, h.svc.Stop())
	})
}

func (h *testHarness) waitTip(block *qwire.MsgBlock) {
	require.Eventually(h.t, func() bool {
		return h.svc.GetBlockTip().Hash == block.BlockHash()
	}, testTimeout, 10*time.Millisecond)
}

func newTestDB(t *testing.T) *chaindb.DB {
	db, err := chaindb.Open(&chaindb.Config{DBPath: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

// applied lists the expected block calls of both consumers.
func applied(from, to int32) []string {
	var calls []string
	for height := from; height <= to; height++ {
		calls = append(calls,
			fmt.Sprintf("a:block:%d", height),
			fmt.Sprintf("b:block:%d", height),
		)
	}

	return calls
}

// TestCatchUp asserts an empty chain applies genesis and every block up to
// the header tip in order, retrying a timed out fetch.
func TestCatchUp(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain(testParams, 20)
	source := newFakeP2P(chain)
	source.timeouts = 1

	h := newTestHarness(t, newTestDB(t), newFakeHeaders(t, chain), source)
	h.start()
	h.waitTip(chain[20])

	require.Eventually(t, h.svc.IsSynced, testTimeout, 10*time.Millisecond)
	require.Equal(t, applied(0, 20), h.rec.filter("block"))
	require.Equal(
		t, []string{"a:headers", "b:headers"}, h.rec.filter("headers"),
	)
	require.Equal(
		t, []string{"a:synced", "b:synced"}, h.rec.filter("synced"),
	)
	require.EqualValues(t, 1, source.clears.Load())

	tip, err := h.db.FetchTip(TipName)
	require.NoError(t, err)
	require.Equal(t, h.svc.GetBlockTip(), tip)

	record, err := h.db.FetchBlockByHeight(20)
	require.NoError(t, err)
	require.Equal(t, chain[20].BlockHash(), record.Hash)
	require.Equal(t, chain[19].BlockHash(), record.PrevHash)

	require.NoError(t, h.svc.WaitDrained(context.Background()))
}

// TestIdempotentApply asserts relayed blocks are applied once, known ones
// are skipped.
func TestIdempotentApply(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain(testParams, 5)
	headers := newFakeHeaders(t, chain)

	h := newTestHarness(t, newTestDB(t), headers, newFakeP2P(chain))
	h.start()
	require.Eventually(t, h.svc.IsSynced, testTimeout, 10*time.Millisecond)

	events, err := h.svc.SubscribeBlocks()
	require.NoError(t, err)

	next := chaintest.Extend(chain[5], 5, 1, 0)[0]
	headers.mu.Lock()
	headers.chain = append(headers.chain, next)
	headers.mu.Unlock()

	for _, lb := range []*headersync.LiveBlock{
		{Block: chain[5], Height: 5},
		{Block: next, Height: 6},
		{Block: next, Height: 6},
	} {
		require.NoError(t, headers.live.SendUpdate(lb))
	}

	select {
	case event := <-events.Updates():
		require.Equal(t, next.BlockHash(), event.Block.BlockHash())
		require.EqualValues(t, 6, event.Height)
	case <-time.After(testTimeout):
		t.Fatal("block not applied")
	}

	require.NoError(t, h.svc.WaitDrained(context.Background()))
	require.Equal(t, applied(0, 6), h.rec.filter("block"))
}

// TestReorg runs the single block reorg: tip A10, the header chain switches
// to B10 built on A9.
func TestReorg(t *testing.T) {
	t.Parallel()

	chainA := chaintest.NewChain(testParams, 10)
	chainB := chaintest.Fork(chainA, 9, 2, 1)
	headers := newFakeHeaders(t, chainA)

	h := newTestHarness(
		t, newTestDB(t), headers, newFakeP2P(chainA, chainB),
	)
	h.start()
	h.waitTip(chainA[10])
	require.Eventually(t, h.svc.IsSynced, testTimeout, 10*time.Millisecond)

	reorgs, err := h.svc.SubscribeReorgs()
	require.NoError(t, err)

	headers.switchChain(t, chainB)

	select {
	case event := <-reorgs.Updates():
		require.EqualValues(t, 9, event.Height)
		require.Equal(t, chainA[9].BlockHash(), event.Hash)
		require.Len(t, event.Discarded, 1)
		require.Equal(
			t, chainA[10].BlockHash(), event.Discarded[0].Hash,
		)
	case <-time.After(testTimeout):
		t.Fatal("no reorg")
	}

	h.waitTip(chainB[11])

	require.Equal(
		t, []string{"b:reorg:9", "a:reorg:9"}, h.rec.filter("reorg"),
	)
	expected := append(applied(0, 10), applied(10, 11)...)
	require.Equal(t, expected, h.rec.filter("block"))

	exists, err := h.db.HasBlock(chainA[10].BlockHash())
	require.NoError(t, err)
	require.False(t, exists)

	record, err := h.db.FetchBlockByHeight(10)
	require.NoError(t, err)
	require.Equal(t, chainB[10].BlockHash(), record.Hash)
}

// TestReorgDiscardsRange asserts a deeper reorg is delivered as one event
// carrying every discarded block, newest first.
func TestReorgDiscardsRange(t *testing.T) {
	t.Parallel()

	chainA := chaintest.NewChain(testParams, 12)
	chainB := chaintest.Fork(chainA, 8, 6, 1)
	headers := newFakeHeaders(t, chainA)

	h := newTestHarness(
		t, newTestDB(t), headers, newFakeP2P(chainA, chainB),
	)
	h.start()
	require.Eventually(t, h.svc.IsSynced, testTimeout, 10*time.Millisecond)

	reorgs, err := h.svc.SubscribeReorgs()
	require.NoError(t, err)

	headers.switchChain(t, chainB)

	select {
	case event := <-reorgs.Updates():
		require.EqualValues(t, 8, event.Height)
		require.Len(t, event.Discarded, 4)
		for i, record := range event.Discarded {
			require.Equal(
				t, chainA[12-i].BlockHash(), record.Hash,
			)
		}
	case <-time.After(testTimeout):
		t.Fatal("no reorg")
	}

	h.waitTip(chainB[14])
	require.Len(t, h.rec.filter("reorg"), 2)
}

// TestReorgTooDeep asserts a divergence below the window is fatal.
func TestReorgTooDeep(t *testing.T) {
	t.Parallel()

	chainA := chaintest.NewChain(testParams, 20)
	chainB := chaintest.Fork(chainA, 10, 12, 1)
	headers := newFakeHeaders(t, chainA)

	h := newTestHarness(
		t, newTestDB(t), headers, newFakeP2P(chainA, chainB),
		withDepth(5),
	)
	h.start()
	require.Eventually(t, h.svc.IsSynced, testTimeout, 10*time.Millisecond)

	headers.switchChain(t, chainB)

	select {
	case err := <-h.fatal:
		require.ErrorIs(t, err, ErrReorgTooDeep)
	case <-time.After(testTimeout):
		t.Fatal("no fatal error")
	}

	require.Equal(t, chainA[20].BlockHash(), h.svc.GetBlockTip().Hash)
	require.Empty(t, h.rec.filter("reorg"))
}

// TestHeaderRollbackDuringCatchUp asserts a header rollback starting right
// after a catch-up step saw synced headers waits for the step, and the step
// does not mistake the shortened header chain for a reorg.
func TestHeaderRollbackDuringCatchUp(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain(testParams, 20)
	headers := newFakeHeaders(t, chain)

	h := newTestHarness(
		t, newTestDB(t), headers, newFakeP2P(chain), withDepth(5),
	)
	h.start()
	h.waitTip(chain[20])
	require.Eventually(t, h.svc.IsSynced, testTimeout, 10*time.Millisecond)

	// Roll the header chain back to height 5 the way the header service
	// does: leave the synced state, then pause block sync and cut the
	// chain.
	rolledBack := make(chan error, 1)
	headers.mu.Lock()
	headers.onSyncedCheck = func() {
		headers.mu.Lock()
		headers.synced = false
		headers.mu.Unlock()

		go func() {
			release, err := h.svc.PauseSync(context.Background())
			if err != nil {
				rolledBack <- err
				return
			}

			headers.mu.Lock()
			headers.chain = chain[:6]
			headers.mu.Unlock()

			release()
			rolledBack <- nil
		}()
	}
	headers.mu.Unlock()

	h.svc.resync <- struct{}{}

	select {
	case err := <-rolledBack:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("header rollback not completed")
	}

	// A catch-up against the rolled back headers waits for them to sync.
	h.svc.resync <- struct{}{}
	require.Never(t, func() bool {
		return len(h.fatal) > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, chain[20].BlockHash(), h.svc.GetBlockTip().Hash)
	require.Empty(t, h.rec.filter("reorg"))

	// Headers synced the same chain again, nothing is unwound.
	headers.switchChain(t, chain)
	require.NoError(t, h.svc.WaitDrained(context.Background()))
	require.Never(t, func() bool {
		return len(h.fatal) > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, chain[20].BlockHash(), h.svc.GetBlockTip().Hash)
	require.Empty(t, h.rec.filter("reorg"))
	require.True(t, h.svc.IsSynced())
}

// TestPauseSync asserts a pause holds catch-up back until it is released.
func TestPauseSync(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain(testParams, 10)
	headers := newFakeHeaders(t, chain[:6])

	h := newTestHarness(t, newTestDB(t), headers, newFakeP2P(chain))
	h.start()
	h.waitTip(chain[5])

	release, err := h.svc.PauseSync(context.Background())
	require.NoError(t, err)

	// A second pause waits for the first one.
	ctx, cancel := context.WithTimeout(
		context.Background(), 50*time.Millisecond,
	)
	defer cancel()
	_, err = h.svc.PauseSync(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	headers.switchChain(t, chain)
	require.Never(t, func() bool {
		return h.svc.GetBlockTip().Height > 5
	}, 200*time.Millisecond, 10*time.Millisecond)

	release()
	h.waitTip(chain[10])
}

// TestApplyFailure asserts a failing dependent aborts the pipeline without
// committing the block.
func TestApplyFailure(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain(testParams, 5)
	h := newTestHarness(
		t, newTestDB(t), newFakeHeaders(t, chain), newFakeP2P(chain),
		withFailAt(3),
	)
	h.start()

	select {
	case err := <-h.fatal:
		require.ErrorIs(t, err, errDummy)
	case <-time.After(testTimeout):
		t.Fatal("no fatal error")
	}

	require.EqualValues(t, 2, h.svc.GetBlockTip().Height)
	require.ErrorIs(t, h.svc.WaitDrained(context.Background()), errDummy)

	exists, err := h.db.HasBlock(chain[3].BlockHash())
	require.NoError(t, err)
	require.False(t, exists)

	// Consumer a saw the block, b failed on it and no later block
	// reached either of them.
	require.Equal(
		t, append(applied(0, 2), "a:block:3"), h.rec.filter("block"),
	)
}

// TestRestart asserts a restarted service resumes from the stored tip,
// drops records above it and does not apply genesis again.
func TestRestart(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	chain := chaintest.NewChain(testParams, 10)

	first := newTestHarness(t, db, newFakeHeaders(t, chain[:8]),
		newFakeP2P(chain))
	require.NoError(t, first.svc.Start())
	first.waitTip(chain[7])
	require.NoError(t, first.svc.Stop())

	// A record above the tip, as left by a crash during a reorg.
	stray := chaindb.NewBlockRecord(chain[8], 8)
	require.NoError(t, db.PutBlock("stray", stray))

	headers := newFakeHeaders(t, chain[:8])
	second := newTestHarness(t, db, headers, newFakeP2P(chain))
	second.start()
	require.Eventually(
		t, second.svc.IsSynced, testTimeout, 10*time.Millisecond,
	)

	// Genesis up to the tip.
	second.svc.tipMtx.RLock()
	require.Equal(t, 8, second.svc.window.Len())
	second.svc.tipMtx.RUnlock()

	headers.switchChain(t, chain)
	second.waitTip(chain[10])
	require.Equal(t, applied(8, 10), second.rec.filter("block"))
}
