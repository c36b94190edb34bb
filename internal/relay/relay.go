// Package relay assembles every component into one running process:
// config in, HTTP server and watchdog sweeps out. This is the single
// place that pays the Dispatcher<->Hub construction-order cost — the
// dispatcher needs a *vessel.Hub field, vessel.Hub needs a dispatcher
// as its ResultHandler — by building the dispatcher first with a nil
// Hub and wiring the hub back in afterward.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ocx/vessel-relay/internal/apexclient"
	"github.com/ocx/vessel-relay/internal/audit"
	"github.com/ocx/vessel-relay/internal/capitalflow"
	"github.com/ocx/vessel-relay/internal/config"
	"github.com/ocx/vessel-relay/internal/dispatch"
	"github.com/ocx/vessel-relay/internal/gate"
	"github.com/ocx/vessel-relay/internal/httpapi"
	"github.com/ocx/vessel-relay/internal/identitydoc"
	"github.com/ocx/vessel-relay/internal/metrics"
	"github.com/ocx/vessel-relay/internal/positionstate"
	"github.com/ocx/vessel-relay/internal/ratelimit"
	"github.com/ocx/vessel-relay/internal/registry"
	"github.com/ocx/vessel-relay/internal/runner"
	"github.com/ocx/vessel-relay/internal/taskstore"
	"github.com/ocx/vessel-relay/internal/vessel"
	"github.com/ocx/vessel-relay/internal/watchdog"
)

// Relay bundles every long-lived component for one process lifetime.
type Relay struct {
	cfg config.Config

	Audit        *audit.Logger
	Availability *registry.Availability
	Sessions     *registry.Sessions
	Tasks        *taskstore.Store
	Hub          *vessel.Hub
	Dispatcher   *dispatch.Dispatcher
	CapitalFlow  *capitalflow.Engine
	Metrics      *metrics.Registry
	Watchdog     *watchdog.Watchdog
	Router       *mux.Router

	server *http.Server
}

// New wires every component from cfg and the already-opened durable
// task store. It opens the audit log; callers should call Close on
// shutdown.
func New(cfg config.Config, durable taskstore.Durable) (*Relay, error) {
	auditLog, err := audit.New(cfg.Audit.LogPath, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: opening audit log: %w", err)
	}

	gateV := gate.New(cfg.SpawnSecret, cfg.Gate.ArtifactDir, cfg.Gate.ApexName, cfg.Gate.CacheTTL, cfg.Registry.Whitelist)
	avail := registry.NewAvailability(cfg.Registry.Whitelist, cfg.Gate.ApexName, cfg.Registry.SnapshotPath, cfg.Registry.ManagerHeartbeatLimit)
	sessions := registry.NewSessions(cfg.Session.Timeout)
	tasks := taskstore.New(durable)
	identity := identitydoc.New(cfg.Runner.ConfigDir)
	runnr := runner.New(runner.Config{
		ExecutorPath: cfg.Runner.ExecutorPath, RunscPath: cfg.Runner.RunscPath,
		ConfigDir: cfg.Runner.ConfigDir, SelfAddr: cfg.Runner.SelfAddr,
	})
	apex := apexclient.New(cfg.Apex.BaseURL, cfg.Apex.StatusTimeout, cfg.Apex.TradeTimeout, cfg.Apex.SellTimeout, cfg.Apex.TransferTimeout, cfg.Apex.NotifyTimeout)

	dispatcher := dispatch.New(cfg.Gate.ApexName, cfg.Registry.Whitelist, gateV, avail, sessions, nil,
		tasks, identity, runnr, apex, auditLog, cfg.Session.Timeout)

	hub := vessel.NewHub(cfg.Vessel.MaxConnections, tasks, dispatcher)
	dispatcher.Hub = hub

	reg := metrics.New(prometheus.DefaultRegisterer)

	cf := &capitalflow.Engine{
		ApexName: cfg.Gate.ApexName, Apex: apex, Availability: avail, Audit: auditLog, Metrics: reg,
		Constants: capitalflow.Constants{
			GasReserveSOL: cfg.CapitalFlow.GasReserveSOL, SelfReserveSOL: cfg.CapitalFlow.SelfReserveSOL,
			TxFeeBufferSOL: cfg.CapitalFlow.TxFeeBufferSOL, MinReturnableSOL: cfg.CapitalFlow.MinReturnableSOL,
			DustUSDThreshold: cfg.CapitalFlow.DustUSDThreshold, GasSellThreshold: cfg.CapitalFlow.GasSellThreshold,
		},
	}

	limiter := ratelimit.New(cfg.RateLimit.TradeLimit, cfg.RateLimit.TradeWindow, cfg.RateLimit.ReadLimit, cfg.RateLimit.ReadWindow)
	stop := make(chan struct{})
	limiter.RunCleanup(5*time.Minute, stop)

	whitelist := make(map[string]struct{}, len(cfg.Registry.Whitelist))
	for _, w := range cfg.Registry.Whitelist {
		whitelist[w] = struct{}{}
	}

	posState := positionstate.New(cfg.PositionState.Path)

	router := httpapi.NewRouter(&httpapi.Deps{
		Dispatcher: dispatcher, Availability: avail, Sessions: sessions, Tasks: tasks, Hub: hub,
		Apex: apex, CapitalFlow: cf, Limiter: limiter, Metrics: reg, Audit: auditLog,
		Gate: gateV, PositionState: posState,
		ApexName: cfg.Gate.ApexName, RelayToken: cfg.RelayToken, VesselToken: cfg.RelayToken,
		Whitelist: whitelist, HandshakeTimeout: cfg.Vessel.HandshakeTimeout,
	})

	wd := &watchdog.Watchdog{
		Sessions: sessions, Availability: avail, Hub: hub, Dispatch: dispatcher,
		Audit: auditLog, Apex: apex, Interval: cfg.Watchdog.Interval,
	}

	return &Relay{
		cfg: cfg, Audit: auditLog, Availability: avail, Sessions: sessions, Tasks: tasks,
		Hub: hub, Dispatcher: dispatcher, CapitalFlow: cf, Metrics: reg, Watchdog: wd, Router: router,
		server: &http.Server{Addr: cfg.Server.Addr, Handler: router},
	}, nil
}

// Run starts the watchdog sweeps and blocks serving HTTP until ctx is
// cancelled, then shuts the server down gracefully.
func (r *Relay) Run(ctx context.Context) error {
	r.Watchdog.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return r.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Close releases the audit log. It does not close the durable task
// store passed to New.
func (r *Relay) Close() error {
	if err := r.Audit.Close(); err != nil {
		return err
	}
	return nil
}
