package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultListen is the default address of the exporter.
const DefaultListen = "127.0.0.1:8989"

// Exporter serves a registry on /metrics.
type Exporter struct {
	listen   string
	registry *prometheus.Registry

	started sync.Once
	addr    net.Addr
	server  *http.Server
	wg      sync.WaitGroup
}

// NewExporter creates an exporter for registry on the listen address. The
// Go runtime and process collectors are added to the registry.
func NewExporter(listen string, registry *prometheus.Registry) *Exporter {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	)

	return &Exporter{
		listen:   listen,
		registry: registry,
	}
}

// Start launches the Prometheus exporter on the configured address. The
// listener is bound before Start returns.
func (e *Exporter) Start() error {
	var err error
	e.started.Do(func() {
		var lis net.Listener
		lis, err = net.Listen("tcp", e.listen)
		if err != nil {
			return
		}

		e.addr = lis.Addr()

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(
			e.registry, promhttp.HandlerOpts{},
		))
		e.server = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		log.Infof("Prometheus exporter started on %v/metrics",
			lis.Addr())

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()

			err := e.server.Serve(lis)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Prometheus exporter failed: %v", err)
			}
		}()
	})

	return err
}

// Addr returns the bound address once started.
func (e *Exporter) Addr() net.Addr {
	return e.addr
}

// Stop shuts the exporter down.
func (e *Exporter) Stop() error {
	if e.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := e.server.Shutdown(ctx)
	e.wg.Wait()

	return err
}
