// Package region wires the region controller: the power type registry, the
// rack connection directory, the dispatcher and the HTTP surface over them.
package region

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tinkerbelle-io/tb-power/internal/catalog"
	"github.com/tinkerbelle-io/tb-power/internal/power"
	"github.com/tinkerbelle-io/tb-power/internal/signing"
	"github.com/tinkerbelle-io/tb-power/internal/transport"
)

const DefaultRefreshInterval = 5 * time.Minute

var (
	catalogRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tbpower_catalog_refresh_total",
		Help: "Catalog refreshes by trigger",
	}, []string{"trigger"})

	powerTypesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tbpower_power_types",
		Help: "Number of power types in the region registry, including the empty type",
	})
)

// Options configures a Service.
type Options struct {
	Token            string             // bearer token racks must present
	SigningKey       ed25519.PrivateKey // signs calls to racks when set
	Origin           string
	DispatchTimeout  time.Duration
	DiscoveryTimeout time.Duration
	RefreshInterval  time.Duration
	Registry         *catalog.Registry // defaults to catalog.Default
}

// Service is a running region controller.
type Service struct {
	Registry   *catalog.Registry
	Directory  *transport.Directory
	Dispatcher *power.Dispatcher
	Server     *transport.Server

	source          *RackSource
	refreshInterval time.Duration
	refreshMu       sync.Mutex
	log             *slog.Logger
}

// New creates the region service. Catalogs are merged whenever a rack
// connects.
func New(opts Options) *Service {
	reg := opts.Registry
	if reg == nil {
		reg = catalog.Default
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}

	dir := transport.NewDirectory(opts.DiscoveryTimeout)
	scfg := transport.ServerConfig{Token: opts.Token}
	if opts.SigningKey != nil {
		scfg.Signer = signing.NewSigner(opts.SigningKey, opts.Origin)
	}

	s := &Service{
		Registry:        reg,
		Directory:       dir,
		Dispatcher:      power.NewDispatcher(dir, power.WithDefaultDeadline(opts.DispatchTimeout)),
		Server:          transport.NewServer(dir, scfg),
		source:          NewRackSource(dir),
		refreshInterval: opts.RefreshInterval,
		log:             slog.Default().With("component", "region"),
	}
	powerTypesGauge.Set(float64(len(reg.Names())))

	dir.OnRegister(func(clusterID string) {
		ctx, cancel := context.WithTimeout(context.Background(), power.DefaultDeadline)
		defer cancel()
		s.log.Info("rack connected, refreshing power types", "cluster", clusterID)
		s.refresh(ctx, "connect")
	})
	return s
}

// PowerTypes refreshes the registry from every connected rack, skipping
// racks that fail, and returns the name -> description view.
func (s *Service) PowerTypes(ctx context.Context) map[string]string {
	return s.refresh(ctx, "request")
}

func (s *Service) refresh(ctx context.Context, trigger string) map[string]string {
	// One refresh at a time.
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	catalogRefreshTotal.WithLabelValues(trigger).Inc()
	types, _ := catalog.PowerTypes(ctx, s.source, s.Registry, true)
	powerTypesGauge.Set(float64(len(types)))
	return types
}

// ValidateRequest checks req's power type and parameters against the
// registry. An unknown power type triggers one refresh before failing, since
// the owning rack may have connected after the last merge.
func (s *Service) ValidateRequest(ctx context.Context, req power.Request) error {
	err := s.Registry.ValidateParameters(req.PowerType, req.Parameters)
	if errors.Is(err, catalog.ErrUnknownPowerType) {
		s.refresh(ctx, "validate")
		err = s.Registry.ValidateParameters(req.PowerType, req.Parameters)
	}
	return err
}

// Run refreshes the catalog periodically until ctx ends.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx, "periodic")
		}
	}
}

// ListenAndServe serves the HTTP API on addr until ctx ends.
func (s *Service) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
		// Rack connections are hijacked, so Shutdown does not close them;
		// deriving request contexts from ctx does.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go s.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("region listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
