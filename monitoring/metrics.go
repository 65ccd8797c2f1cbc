package monitoring

import (
	"sync"
	"sync/atomic"

	"github.com/lightninglabs/qtumsync/blocksync"
	"github.com/lightninglabs/qtumsync/chaindb"
	"github.com/lightninglabs/qtumsync/chainio"
	"github.com/lightninglabs/qtumsync/peer"
	"github.com/lightninglabs/qtumsync/peerconn"
	"github.com/lightninglabs/qtumsync/subscribe"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "qtumsync"

// BlockEvents publishes applied blocks and reorgs.
type BlockEvents interface {
	SubscribeBlocks() (*subscribe.Client[*blocksync.BlockEvent], error)
	SubscribeReorgs() (*subscribe.Client[*chainio.ReorgEvent], error)
}

// HeaderEvents publishes the header tip each time headers caught up.
type HeaderEvents interface {
	SubscribeSynced() (*subscribe.Client[*chaindb.Tip], error)
}

// PeerEvents publishes the pool's peer events.
type PeerEvents interface {
	SubscribeReady() (*subscribe.Client[*peer.Peer], error)
	SubscribeDisconnects() (*subscribe.Client[*peerconn.PeerDisconnect],
		error)
	SubscribeSeedErrors() (*subscribe.Client[*peerconn.SeedError], error)
	NumPeers() int
}

// Metrics keeps the sync engine's collectors up to date from its events.
type Metrics struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	registry *prometheus.Registry

	blockHeight   prometheus.Gauge
	headerHeight  prometheus.Gauge
	peers         prometheus.Gauge
	blocksApplied prometheus.Counter
	txsApplied    prometheus.Counter
	reorgs        prometheus.Counter
	reorgDepth    prometheus.Histogram
	disconnects   prometheus.Counter
	seedErrors    *prometheus.CounterVec

	blocks  BlockEvents
	headers HeaderEvents
	pool    PeerEvents

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewMetrics creates the collectors and registers them in a fresh
// registry.
func NewMetrics(blocks BlockEvents, headers HeaderEvents,
	pool PeerEvents) *Metrics {

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		blockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "block_height",
			Help:      "Height of the block tip.",
		}),
		headerHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "header_height",
			Help:      "Height of the header tip when last synced.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Number of ready peers.",
		}),
		blocksApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_applied_total",
			Help:      "Blocks applied to the chain.",
		}),
		txsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_applied_total",
			Help:      "Transactions in applied blocks.",
		}),
		reorgs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reorgs_total",
			Help:      "Chain reorganizations executed.",
		}),
		reorgDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reorg_depth",
			Help:      "Blocks discarded per reorganization.",
			Buckets:   []float64{1, 2, 3, 6, 12, 24, 48, 144},
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_disconnects_total",
			Help:      "Peer sessions that ended.",
		}),
		seedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_seed_errors_total",
			Help:      "Failed DNS seed lookups.",
		}, []string{"seed"}),
		blocks:  blocks,
		headers: headers,
		pool:    pool,
		quit:    make(chan struct{}),
	}

	m.registry.MustRegister(
		m.blockHeight, m.headerHeight, m.peers, m.blocksApplied,
		m.txsApplied, m.reorgs, m.reorgDepth, m.disconnects,
		m.seedErrors,
	)

	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Start subscribes to the events and updates the collectors until stopped.
func (m *Metrics) Start() error {
	if !atomic.CompareAndSwapInt32(&m.started, 0, 1) {
		return nil
	}

	blocks, err := m.blocks.SubscribeBlocks()
	if err != nil {
		return err
	}
	reorgs, err := m.blocks.SubscribeReorgs()
	if err != nil {
		return err
	}
	synced, err := m.headers.SubscribeSynced()
	if err != nil {
		return err
	}
	ready, err := m.pool.SubscribeReady()
	if err != nil {
		return err
	}
	disconnects, err := m.pool.SubscribeDisconnects()
	if err != nil {
		return err
	}
	seedErrors, err := m.pool.SubscribeSeedErrors()
	if err != nil {
		return err
	}

	m.wg.Add(6)
	go handleEvents(m, blocks, func(e *blocksync.BlockEvent) {
		m.blockHeight.Set(float64(e.Height))
		m.blocksApplied.Inc()
		m.txsApplied.Add(float64(len(e.Block.Transactions)))
	})
	go handleEvents(m, reorgs, func(e *chainio.ReorgEvent) {
		m.blockHeight.Set(float64(e.Height))
		m.reorgs.Inc()
		m.reorgDepth.Observe(float64(len(e.Discarded)))
	})
	go handleEvents(m, synced, func(tip *chaindb.Tip) {
		m.headerHeight.Set(float64(tip.Height))
	})
	go handleEvents(m, ready, func(*peer.Peer) {
		m.peers.Set(float64(m.pool.NumPeers()))
	})
	go handleEvents(m, disconnects, func(*peerconn.PeerDisconnect) {
		m.peers.Set(float64(m.pool.NumPeers()))
		m.disconnects.Inc()
	})
	go handleEvents(m, seedErrors, func(e *peerconn.SeedError) {
		m.seedErrors.WithLabelValues(e.Seed).Inc()
	})

	return nil
}

// Stop stops updating the collectors.
func (m *Metrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.stopped, 0, 1) {
		return nil
	}

	close(m.quit)
	m.wg.Wait()

	return nil
}

// handleEvents applies update to every event of client.
//
// NOTE: This function MUST be run as a goroutine.
func handleEvents[T any](m *Metrics, client *subscribe.Client[T],
	update func(T)) {

	defer m.wg.Done()
	defer client.Cancel()

	for {
		select {
		case event := <-client.Updates():
			update(event)

		case <-client.Quit():
			return

		case <-m.quit:
			return
		}
	}
}
