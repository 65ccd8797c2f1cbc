package qtumsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lightninglabs/qtumsync/blocksync"
	"github.com/lightninglabs/qtumsync/chaindb"
	"github.com/lightninglabs/qtumsync/chainio"
	"github.com/lightninglabs/qtumsync/headersync"
	"github.com/lightninglabs/qtumsync/monitoring"
	"github.com/lightninglabs/qtumsync/p2p"
	"github.com/lightninglabs/qtumsync/peerconn"
	"github.com/lightninglabs/qtumsync/txindex"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/lnd/tor"
	"golang.org/x/time/rate"
)

// errNoPeers is returned by the peer health check while the pool holds no
// ready peer.
var errNoPeers = errors.New("no connected peers")

// subService is a component of the server with a start/stop lifecycle.
type subService interface {
	Start() error
	Stop() error
}

// namedService pairs a sub service with the name used in log messages.
type namedService struct {
	name    string
	service subService
}

// server wires the sync engine's services together. Every collaborator is
// created and passed explicitly in dependency order, start follows that
// order and stop runs in reverse.
type server struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	cfg *Config

	// fatal reports an unrecoverable error and requests shutdown.
	fatal func(error)

	db       *chaindb.DB
	pool     *peerconn.Pool
	p2p      *p2p.Service
	headers  *headersync.Service
	txIndex  *txindex.Index
	blocks   *blocksync.Service
	metrics  *monitoring.Metrics
	exporter *monitoring.Exporter
	health   *healthcheck.Monitor

	// services lists the components in start order.
	services []namedService

	// startedServices is the number of services started so far.
	startedServices int

	mu sync.Mutex
}

// newServer creates every service of the daemon. The database is opened
// here, nothing is started.
func newServer(cfg *Config, fatal func(error)) (*server, error) {
	s := &server{
		cfg:   cfg,
		fatal: fatal,
	}

	var err error
	s.db, err = chaindb.Open(&chaindb.Config{
		DBPath: cfg.DataDir,
		Bolt:   cfg.DB.Bolt,
	})
	if err != nil {
		return nil, err
	}

	// Any failure below must release the database again.
	success := false
	defer func() {
		if !success {
			if err := s.db.Close(); err != nil {
				qtsdLog.Errorf("Unable to close chain db: %v",
					err)
			}
		}
	}()

	var dialLimiter *rate.Limiter
	if cfg.P2P.DialRate > 0 {
		dialLimiter = rate.NewLimiter(rate.Limit(cfg.P2P.DialRate), 1)
	}

	s.pool = peerconn.New(&peerconn.Config{
		ChainParams:      cfg.ChainParams,
		StaticPeers:      cfg.P2P.Connect,
		MaxSize:          cfg.P2P.MaxPeers,
		KeepAlive:        !cfg.P2P.NoKeepAlive,
		DNSSeed:          cfg.P2P.DNSSeed,
		DNSServer:        cfg.P2P.DNSServer,
		Net:              &tor.ClearNet{},
		DialTimeout:      cfg.P2P.DialTimeout,
		DialLimiter:      dialLimiter,
		Backoff:          cfg.P2P.Backoff,
		ReconnectTicker:  ticker.New(cfg.P2P.Reconnect),
		UserAgent:        cfg.P2P.UserAgent,
		BestHeight:       s.bestHeight,
		MaxBufferedBytes: cfg.P2P.MaxBuffer,
	})

	s.p2p = p2p.NewService(&p2p.Config{
		Peers:         s.pool,
		ChainParams:   cfg.ChainParams,
		InvCacheSize:  cfg.Sync.InvCacheSize,
		TxCacheSize:   cfg.Sync.TxCacheSize,
		BlockTimeout:  cfg.Sync.BlockTimeout,
		HeaderTimeout: cfg.Sync.HeaderTimeout,
	})

	s.headers = headersync.NewService(&headersync.Config{
		ChainParams: cfg.ChainParams,
		P2P:         s.p2p,
		Store:       s.db,
		Checkpoint:  cfg.Sync.Checkpoint,

		// The block service is created below. The header service only
		// calls this once it is running, after every service has been
		// created.
		PauseBlocks: func(ctx context.Context) (func(), error) {
			return s.blocks.PauseSync(ctx)
		},
		Fatal: fatal,
	})

	var consumers []chainio.Consumer
	if !cfg.Sync.NoTxIndex {
		s.txIndex, err = txindex.New(s.db)
		if err != nil {
			return nil, err
		}
		consumers = append(consumers, s.txIndex)
	}

	graph, err := chainio.NewGraph(consumers...)
	if err != nil {
		return nil, err
	}

	s.blocks = blocksync.NewService(&blocksync.Config{
		ChainParams: cfg.ChainParams,
		Headers:     s.headers,
		P2P:         s.p2p,
		Store:       s.db,
		Dispatcher:  chainio.NewDispatcher(graph),
		ReadAhead:   cfg.Sync.ReadAhead,
		ReorgDepth:  cfg.Sync.ReorgDepth,
		Fatal:       fatal,
	})

	s.metrics = monitoring.NewMetrics(s.blocks, s.headers, s.pool)

	s.services = []namedService{
		{"peer pool", s.pool},
		{"p2p service", s.p2p},
		{"header service", s.headers},
		{"block service", s.blocks},
		{"metrics", s.metrics},
	}

	if cfg.Prometheus.Enable {
		s.exporter = monitoring.NewExporter(
			cfg.Prometheus.Listen, s.metrics.Registry(),
		)
		s.services = append(s.services, namedService{
			"prometheus exporter", s.exporter,
		})
	}

	s.health = healthcheck.NewMonitor(&healthcheck.Config{
		Checks:   s.healthChecks(),
		Shutdown: s.healthShutdown,
	})
	s.services = append(s.services, namedService{
		"health monitor", s.health,
	})

	success = true

	return s, nil
}

// bestHeight returns the persisted block tip height, advertised in our
// version messages.
func (s *server) bestHeight() int32 {
	tip, err := s.db.FetchTip(blocksync.TipName)
	if err != nil {
		return 0
	}

	return tip.Height
}

// healthChecks returns the observations run by the health monitor.
func (s *server) healthChecks() []*healthcheck.Observation {
	peersCfg := s.cfg.HealthChecks.Peers
	peersCheck := healthcheck.NewObservation(
		"peers", s.checkPeers, peersCfg.Interval, peersCfg.Timeout,
		peersCfg.Backoff, peersCfg.Attempts,
	)

	diskCfg := s.cfg.HealthChecks.DiskCheck
	diskCheck := healthcheck.NewObservation(
		"disk space",
		func() error {
			free, err := healthcheck.AvailableDiskSpaceRatio(
				s.cfg.DataDir,
			)
			if err != nil {
				return err
			}

			// If we have more free space than we require,
			// we return a nil error.
			if free > diskCfg.RequiredRemaining {
				return nil
			}

			return fmt.Errorf("require: %v free space, got: %v",
				diskCfg.RequiredRemaining, free)
		},
		diskCfg.Interval, diskCfg.Timeout, diskCfg.Backoff,
		diskCfg.Attempts,
	)

	return []*healthcheck.Observation{peersCheck, diskCheck}
}

// checkPeers fails while no peer completed its handshake. Peers still
// dialing or handshaking do not count.
func (s *server) checkPeers() error {
	if len(s.pool.Connections()) == 0 {
		return errNoPeers
	}

	return nil
}

// healthShutdown is called by the health monitor when a check failed all of
// its attempts.
func (s *server) healthShutdown(format string, params ...interface{}) {
	s.fatal(fmt.Errorf("health check failed: "+format, params...))
}

// Start starts every service in dependency order. If a service fails to
// start, the services started before it are stopped again.
func (s *server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ns := range s.services {
		qtsdLog.Debugf("Starting %v", ns.name)

		if err := ns.service.Start(); err != nil {
			atomic.StoreInt32(&s.stopped, 1)
			_ = s.stopServices()

			return fmt.Errorf("unable to start %v: %w", ns.name,
				err)
		}
		s.startedServices++
	}

	qtsdLog.Infof("All services started, network %v",
		s.cfg.ChainParams.Name)

	return nil
}

// Stop stops every started service in reverse start order and closes the
// database.
func (s *server) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stopServices()
}

// stopServices stops the started services and closes the database.
//
// NOTE: mu must be held.
func (s *server) stopServices() error {
	var errs []error
	for i := s.startedServices - 1; i >= 0; i-- {
		ns := s.services[i]
		qtsdLog.Debugf("Stopping %v", ns.name)

		if err := ns.service.Stop(); err != nil {
			qtsdLog.Errorf("Unable to stop %v: %v", ns.name, err)
			errs = append(errs, err)
		}
	}
	s.startedServices = 0

	if err := s.db.Close(); err != nil {
		qtsdLog.Errorf("Unable to close chain db: %v", err)
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
