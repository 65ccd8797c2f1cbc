package monitoring

import (
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/lightninglabs/qtumsync/blocksync"
	"github.com/lightninglabs/qtumsync/chaindb"
	"github.com/lightninglabs/qtumsync/chainio"
	"github.com/lightninglabs/qtumsync/chainreg"
	"github.com/lightninglabs/qtumsync/headersync"
	"github.com/lightninglabs/qtumsync/internal/chaintest"
	"github.com/lightninglabs/qtumsync/peer"
	"github.com/lightninglabs/qtumsync/peerconn"
	"github.com/lightninglabs/qtumsync/subscribe"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// fakeEvents implements every event source the metrics subscribe to.
type fakeEvents struct {
	blocks      *subscribe.Server[*blocksync.BlockEvent]
	reorgs      *subscribe.Server[*chainio.ReorgEvent]
	synced      *subscribe.Server[*chaindb.Tip]
	ready       *subscribe.Server[*peer.Peer]
	disconnects *subscribe.Server[*peerconn.PeerDisconnect]
	seedErrors  *subscribe.Server[*peerconn.SeedError]
	numPeers    int
}

func startServer[T any](t *testing.T, name string) *subscribe.Server[T] {
	s := subscribe.NewServer[T](name)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})

	return s
}

func newFakeEvents(t *testing.T) *fakeEvents {
	return &fakeEvents{
		blocks: startServer[*blocksync.BlockEvent](
			t, blocksync.EventBlock,
		),
		reorgs: startServer[*chainio.ReorgEvent](
			t, blocksync.EventReorg,
		),
		synced: startServer[*chaindb.Tip](t, headersync.EventSynced),
		ready:  startServer[*peer.Peer](t, peerconn.EventReady),
		disconnects: startServer[*peerconn.PeerDisconnect](
			t, peerconn.EventDisconnect,
		),
		seedErrors: startServer[*peerconn.SeedError](
			t, peerconn.EventSeedError,
		),
		numPeers: 3,
	}
}

func (f *fakeEvents) SubscribeBlocks() (
	*subscribe.Client[*blocksync.BlockEvent], error) {

	return f.blocks.Subscribe()
}

func (f *fakeEvents) SubscribeReorgs() (
	*subscribe.Client[*chainio.ReorgEvent], error) {

	return f.reorgs.Subscribe()
}

func (f *fakeEvents) SubscribeSynced() (*subscribe.Client[*chaindb.Tip],
	error) {

	return f.synced.Subscribe()
}

func (f *fakeEvents) SubscribeReady() (*subscribe.Client[*peer.Peer],
	error) {

	return f.ready.Subscribe()
}

func (f *fakeEvents) SubscribeDisconnects() (
	*subscribe.Client[*peerconn.PeerDisconnect], error) {

	return f.disconnects.Subscribe()
}

func (f *fakeEvents) SubscribeSeedErrors() (
	*subscribe.Client[*peerconn.SeedError], error) {

	return f.seedErrors.Subscribe()
}

func (f *fakeEvents) NumPeers() int {
	return f.numPeers
}

// TestMetrics asserts the collectors follow the published events.
func TestMetrics(t *testing.T) {
	t.Parallel()

	events := newFakeEvents(t)
	m := NewMetrics(events, events, events)
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		require.NoError(t, m.Stop())
	})

	eventually := func(expected float64, value func() float64) {
		require.Eventually(t, func() bool {
			return value() == expected
		}, testTimeout, 10*time.Millisecond)
	}

	chain := chaintest.NewChain(chainreg.RegTestParams, 7)
	require.NoError(t, events.blocks.SendUpdate(&blocksync.BlockEvent{
		Block: chain[7], Height: 7,
	}))
	eventually(1, func() float64 {
		return testutil.ToFloat64(m.blocksApplied)
	})
	eventually(1, func() float64 {
		return testutil.ToFloat64(m.txsApplied)
	})
	eventually(7, func() float64 {
		return testutil.ToFloat64(m.blockHeight)
	})

	require.NoError(t, events.reorgs.SendUpdate(&chainio.ReorgEvent{
		Height: 5,
		Discarded: []*chaindb.BlockRecord{
			chaindb.NewBlockRecord(chain[7], 7),
			chaindb.NewBlockRecord(chain[6], 6),
		},
	}))
	eventually(1, func() float64 {
		return testutil.ToFloat64(m.reorgs)
	})
	eventually(5, func() float64 {
		return testutil.ToFloat64(m.blockHeight)
	})

	require.NoError(t, events.synced.SendUpdate(&chaindb.Tip{Height: 9}))
	require.NoError(t, events.ready.SendUpdate(&peer.Peer{}))
	require.NoError(t, events.seedErrors.SendUpdate(&peerconn.SeedError{
		Seed: "seed.example", Err: fmt.Errorf("no such host"),
	}))

	eventually(9, func() float64 {
		return testutil.ToFloat64(m.headerHeight)
	})
	eventually(3, func() float64 {
		return testutil.ToFloat64(m.peers)
	})
	eventually(1, func() float64 {
		return testutil.ToFloat64(
			m.seedErrors.WithLabelValues("seed.example"),
		)
	})
}

// TestExporter asserts the registry is served on /metrics.
func TestExporter(t *testing.T) {
	t.Parallel()

	events := newFakeEvents(t)
	m := NewMetrics(events, events, events)

	e := NewExporter("127.0.0.1:0", m.Registry())
	require.NoError(t, e.Start())
	t.Cleanup(func() {
		require.NoError(t, e.Stop())
	})

	resp, err := http.Get(fmt.Sprintf("http://%v/metrics", e.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "qtumsync_block_height")
	require.Contains(t, string(body), "go_goroutines")
}
