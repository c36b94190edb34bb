// Package httpapi wires the REST surface spec.md §6 / SPEC_FULL.md §4.O
// name: the spawn/kill/release dispatcher entrypoints, the read-only
// proxies onto the apex API, the availability and session registries,
// and the vessel websocket upgrade — all behind one middleware chain.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/vessel-relay/internal/apexclient"
	"github.com/ocx/vessel-relay/internal/audit"
	"github.com/ocx/vessel-relay/internal/capitalflow"
	"github.com/ocx/vessel-relay/internal/dispatch"
	"github.com/ocx/vessel-relay/internal/gate"
	"github.com/ocx/vessel-relay/internal/metrics"
	"github.com/ocx/vessel-relay/internal/positionstate"
	"github.com/ocx/vessel-relay/internal/ratelimit"
	"github.com/ocx/vessel-relay/internal/registry"
	"github.com/ocx/vessel-relay/internal/taskstore"
	"github.com/ocx/vessel-relay/internal/vessel"
)

// Deps is the narrow set of components the router needs — deliberately
// not the whole process struct, so this package never imports
// internal/relay and stays free of the construction-order cycle that
// lives there instead.
type Deps struct {
	Dispatcher    *dispatch.Dispatcher
	Availability  *registry.Availability
	Sessions      *registry.Sessions
	Tasks         *taskstore.Store
	Hub           *vessel.Hub
	Apex          *apexclient.Client
	CapitalFlow   *capitalflow.Engine
	Limiter       *ratelimit.Limiter
	Metrics       *metrics.Registry
	Audit         *audit.Logger
	Gate          *gate.Verifier
	PositionState *positionstate.Reader

	ApexName         string
	RelayToken       string
	VesselToken      string
	Whitelist        map[string]struct{}
	HandshakeTimeout time.Duration
}

// NewRouter builds the full mux.Router, chain and all.
func NewRouter(d *Deps) *mux.Router {
	h := &handlers{d: d}

	r := mux.NewRouter()
	r.Use(recoverMiddleware, requestLogMiddleware)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws/{vessel_id}", h.handleWebSocket).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(relayTokenAuth(d.RelayToken), requesterAttribution)

	trade := api.NewRoute().Subrouter()
	trade.Use(rateLimited(d.Limiter.Trade, "trade", d.ApexName, d.rateLimitRejected))

	read := api.NewRoute().Subrouter()
	read.Use(rateLimited(d.Limiter.Read, "read", d.ApexName, d.rateLimitRejected))

	// Agent dispatch.
	trade.HandleFunc("/agents/spawn", h.handleSpawn).Methods(http.MethodPost)
	trade.HandleFunc("/agents/{worker}/assign", h.handleAssignDeprecated).Methods(http.MethodPost)
	trade.HandleFunc("/agents/{worker}/release", h.handleRelease).Methods(http.MethodPost)
	trade.HandleFunc("/agents/{worker}/checkin", h.handleCheckin).Methods(http.MethodPost)
	trade.HandleFunc("/agents/{worker}/role", h.handleSetWorkerRole).Methods(http.MethodPost)
	trade.HandleFunc("/sessions/{session_id}/kill", h.handleKillSession).Methods(http.MethodPost)
	trade.HandleFunc("/tasks", h.handleSubmitTask).Methods(http.MethodPost)

	read.HandleFunc("/agents/availability", h.handleAvailability).Methods(http.MethodGet)
	read.HandleFunc("/agents/{worker}/role", h.handleWorkerRole).Methods(http.MethodGet)
	read.HandleFunc("/sessions", h.handleListSessions).Methods(http.MethodGet)
	read.HandleFunc("/sessions/{session_id}", h.handleGetSession).Methods(http.MethodGet)
	read.HandleFunc("/vessels", h.handleListVessels).Methods(http.MethodGet)
	read.HandleFunc("/tasks/{task_id}", h.handleGetTask).Methods(http.MethodGet)
	read.HandleFunc("/wallet/{worker}/status", h.handleWalletStatus).Methods(http.MethodGet)
	read.HandleFunc("/wallet/{worker}/transactions", h.handleWalletTransactions).Methods(http.MethodGet)
	read.HandleFunc("/wallet/{worker}/positions", h.handleWalletPositions).Methods(http.MethodGet)
	read.HandleFunc("/position-state", h.handlePositionState).Methods(http.MethodGet)
	read.HandleFunc("/activity", h.handleActivity).Methods(http.MethodGet)
	read.HandleFunc("/compliance/log", h.handleComplianceLog).Methods(http.MethodGet)
	read.HandleFunc("/compliance/report", h.handleComplianceReport).Methods(http.MethodGet)

	// Capital-moving trade actions, proxied to the apex API.
	trade.HandleFunc("/trade/buy", h.handleBuy).Methods(http.MethodPost)
	trade.HandleFunc("/trade/sell", h.handleSell).Methods(http.MethodPost)
	trade.HandleFunc("/trade/transfer", h.handleTransfer).Methods(http.MethodPost)
	trade.HandleFunc("/wallet/transfer-sol", h.handleTransferSOL).Methods(http.MethodPost)
	trade.HandleFunc("/notify", h.handleNotify).Methods(http.MethodPost)

	return r
}

func (d *Deps) rateLimitRejected(bucket string) {
	if d.Metrics != nil {
		d.Metrics.RateLimitRejected.WithLabelValues(bucket).Inc()
	}
	if d.Audit != nil {
		d.Audit.Emit(audit.ActionRateLimited, map[string]any{"bucket": bucket})
	}
}
