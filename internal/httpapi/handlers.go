package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ocx/vessel-relay/internal/apexclient"
	"github.com/ocx/vessel-relay/internal/audit"
	"github.com/ocx/vessel-relay/internal/registry"
	"github.com/ocx/vessel-relay/internal/relayerr"
	"github.com/ocx/vessel-relay/internal/taskstore"
)

type handlers struct {
	d *Deps
}

func decodeJSON(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return relayerr.Wrap(relayerr.KindValidation, "decoding request body", err)
	}
	return nil
}

// --- Agent dispatch ---

type spawnRequest struct {
	Worker   string `json:"worker"`
	JobType  string `json:"job_type"`
	Prompt   string `json:"prompt"`
	Mode     string `json:"mode"`
	MaxTurns int    `json:"max_turns"`
}

func (h *handlers) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateWhitelisted(req.Worker, h.d.Whitelist); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.d.Dispatcher.Spawn(r.Context(), requesterFrom(r), req.Worker, req.JobType, req.Prompt, registry.Mode(req.Mode), req.MaxTurns)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) handleAssignDeprecated(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusGone, map[string]string{"error": "assign is deprecated; use spawn"})
}

func (h *handlers) handleRelease(w http.ResponseWriter, r *http.Request) {
	worker := mux.Vars(r)["worker"]
	if err := h.d.authorizeWorkerWrite(requesterFrom(r), worker); err != nil {
		writeError(w, err)
		return
	}
	if err := h.d.Dispatcher.Release(worker); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (h *handlers) handleCheckin(w http.ResponseWriter, r *http.Request) {
	worker := mux.Vars(r)["worker"]
	if err := h.d.authorizeWorkerWrite(requesterFrom(r), worker); err != nil {
		writeError(w, err)
		return
	}
	if err := h.d.Availability.Heartbeat(worker); err != nil {
		writeError(w, translateRegistryErr(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setRoleRequest struct {
	Role       string `json:"role"`
	Assignment string `json:"assignment"`
}

// handleSetWorkerRole lets apex (or the worker itself, once gated)
// assign a busy role directly, outside the spawn flow — spec.md §6's
// "set role-assignment" write.
func (h *handlers) handleSetWorkerRole(w http.ResponseWriter, r *http.Request) {
	worker := mux.Vars(r)["worker"]
	if err := h.d.authorizeWorkerWrite(requesterFrom(r), worker); err != nil {
		writeError(w, err)
		return
	}
	var req setRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.d.Availability.MarkBusy(worker, registry.Role(req.Role), req.Assignment); err != nil {
		writeError(w, translateRegistryErr(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) handleKillSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	if sess, ok := h.d.Sessions.Get(sessionID); ok {
		if err := h.d.authorizeWorkerWrite(requesterFrom(r), sess.Worker); err != nil {
			writeError(w, err)
			return
		}
	}
	status, err := h.d.Dispatcher.Kill(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// --- Availability / sessions / vessels (read-only) ---

func (h *handlers) handleAvailability(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Availability.Snapshot())
}

func (h *handlers) handleWorkerRole(w http.ResponseWriter, r *http.Request) {
	worker := mux.Vars(r)["worker"]
	if err := h.d.authorizeWorkerRead(requesterFrom(r), worker); err != nil {
		writeError(w, err)
		return
	}
	wk, ok := h.d.Availability.Get(worker)
	if !ok {
		writeError(w, relayerr.New(relayerr.KindNotFound, "unknown worker"))
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

func (h *handlers) handleListSessions(w http.ResponseWriter, r *http.Request) {
	requester := requesterFrom(r)
	all := h.d.Sessions.All()
	if requester == h.d.ApexName {
		writeJSON(w, http.StatusOK, all)
		return
	}
	if wk, ok := h.d.Availability.Get(requester); ok && wk.Role == registry.RoleHealth {
		writeJSON(w, http.StatusOK, all)
		return
	}
	own := make([]registry.Session, 0, len(all))
	for _, s := range all {
		if s.Worker == requester {
			own = append(own, s)
		}
	}
	writeJSON(w, http.StatusOK, own)
}

func (h *handlers) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	sess, ok := h.d.Sessions.Get(sessionID)
	if !ok {
		writeError(w, relayerr.New(relayerr.KindNotFound, "unknown session"))
		return
	}
	if err := h.d.authorizeWorkerRead(requesterFrom(r), sess.Worker); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *handlers) handleListVessels(w http.ResponseWriter, r *http.Request) {
	connected := h.d.Hub.ConnectedSet()
	ids := make([]string, 0, len(connected))
	for id := range connected {
		ids = append(ids, id)
	}
	writeJSON(w, http.StatusOK, ids)
}

func (h *handlers) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	task, ok, err := h.d.Tasks.Get(r.Context(), taskID)
	if err != nil {
		writeError(w, relayerr.Wrap(relayerr.KindInternal, "loading task", err))
		return
	}
	if !ok {
		writeError(w, relayerr.New(relayerr.KindNotFound, "unknown task"))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *handlers) handleActivity(w http.ResponseWriter, r *http.Request) {
	events, err := h.d.Audit.Tail(100)
	if err != nil {
		writeError(w, relayerr.Wrap(relayerr.KindInternal, "reading activity log", err))
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type submitTaskRequest struct {
	VesselID       string         `json:"vessel_id"`
	TaskType       string         `json:"task_type"`
	Payload        map[string]any `json:"payload"`
	Priority       int            `json:"priority"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}

func (h *handlers) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.VesselID == "" {
		writeError(w, relayerr.New(relayerr.KindValidation, "vessel_id is required"))
		return
	}

	t := taskstore.Task{
		TaskID:         uuid.NewString(),
		VesselID:       req.VesselID,
		TaskType:       taskstore.Type(req.TaskType),
		Payload:        req.Payload,
		Priority:       req.Priority,
		TimeoutSeconds: req.TimeoutSeconds,
		SubmittedAt:    time.Now().UTC(),
	}
	if err := h.d.Tasks.Submit(r.Context(), t); err != nil {
		writeError(w, relayerr.Wrap(relayerr.KindInternal, "submitting task", err))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// complianceActions are the audit tags relevant to a compliance review:
// denials, rate limiting and anything that moved capital.
var complianceActions = map[string]struct{}{
	audit.ActionGateDenied:       {},
	audit.ActionGateFailClosed:   {},
	audit.ActionCrossAgentDenied: {},
	audit.ActionRateLimited:      {},
	audit.ActionRejected:         {},
	audit.ActionTransferProxy:    {},
	audit.ActionCapitalReturned:  {},
	audit.ActionCapitalStranded:  {},
	audit.ActionManagerTimeout:   {},
}

func (h *handlers) handleComplianceLog(w http.ResponseWriter, r *http.Request) {
	events, err := h.d.Audit.Tail(1000)
	if err != nil {
		writeError(w, relayerr.Wrap(relayerr.KindInternal, "reading compliance log", err))
		return
	}
	filtered := make([]audit.Event, 0, len(events))
	for _, e := range events {
		if _, ok := complianceActions[e.Action]; ok {
			filtered = append(filtered, e)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}

func (h *handlers) handleComplianceReport(w http.ResponseWriter, r *http.Request) {
	events, err := h.d.Audit.Tail(1000)
	if err != nil {
		writeError(w, relayerr.Wrap(relayerr.KindInternal, "building compliance report", err))
		return
	}
	counts := make(map[string]int, len(complianceActions))
	for _, e := range events {
		if _, ok := complianceActions[e.Action]; ok {
			counts[e.Action]++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"window_events": len(events),
		"by_action":     counts,
		"workers":       h.d.Availability.Snapshot(),
	})
}

// --- Apex-proxied wallet/trade actions ---

func (h *handlers) handleWalletStatus(w http.ResponseWriter, r *http.Request) {
	worker := mux.Vars(r)["worker"]
	if err := h.d.authorizeWorkerRead(requesterFrom(r), worker); err != nil {
		writeError(w, err)
		return
	}
	holdings, err := h.d.Apex.Status(r.Context(), worker)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, holdings)
}

func (h *handlers) handleWalletTransactions(w http.ResponseWriter, r *http.Request) {
	worker := mux.Vars(r)["worker"]
	if err := h.d.authorizeWorkerRead(requesterFrom(r), worker); err != nil {
		writeError(w, err)
		return
	}
	txs, err := h.d.Apex.Transactions(r.Context(), worker)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *handlers) handleWalletPositions(w http.ResponseWriter, r *http.Request) {
	worker := mux.Vars(r)["worker"]
	if err := h.d.authorizeWorkerRead(requesterFrom(r), worker); err != nil {
		writeError(w, err)
		return
	}
	positions, err := h.d.Apex.Positions(r.Context(), worker)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// handlePositionState serves the side process's position-state file
// verbatim. It names no single worker, so it carries no per-worker
// authorization check — any authenticated caller may read it.
func (h *handlers) handlePositionState(w http.ResponseWriter, r *http.Request) {
	if h.d.PositionState == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	state, err := h.d.PositionState.Read()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type buyRequest struct {
	Worker      string  `json:"worker"`
	TokenMint   string  `json:"token_mint"`
	AmountSOL   float64 `json:"amount_sol"`
	SlippageBps int     `json:"slippage_bps"`
}

func (h *handlers) handleBuy(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := firstErr(
		validateWhitelisted(req.Worker, h.d.Whitelist),
		validateMint(req.TokenMint),
		validateBuyAmount(req.AmountSOL),
		validateSlippage(req.SlippageBps),
		h.d.authorizeWorkerWrite(requesterFrom(r), req.Worker),
	); err != nil {
		writeError(w, err)
		return
	}

	out, err := h.d.Apex.Buy(r.Context(), apexclient.BuyRequest{
		Worker: req.Worker, TokenMint: req.TokenMint, AmountSOL: req.AmountSOL, SlippageBp: req.SlippageBps,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.d.Audit.Emit(audit.ActionTransferProxy, map[string]any{"action": "buy", "worker": req.Worker, "mint": req.TokenMint})
	writeJSON(w, http.StatusOK, out)
}

type sellRequest struct {
	Worker      string  `json:"worker"`
	TokenMint   string  `json:"token_mint"`
	Percent     float64 `json:"percent"`
	SlippageBps int     `json:"slippage_bps"`
}

func (h *handlers) handleSell(w http.ResponseWriter, r *http.Request) {
	var req sellRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := firstErr(
		validateWhitelisted(req.Worker, h.d.Whitelist),
		validateMint(req.TokenMint),
		validateSellPercent(req.Percent),
		validateSlippage(req.SlippageBps),
		h.d.authorizeWorkerWrite(requesterFrom(r), req.Worker),
	); err != nil {
		writeError(w, err)
		return
	}

	out, err := h.d.Apex.Sell(r.Context(), apexclient.SellRequest{
		Worker: req.Worker, TokenMint: req.TokenMint, Percent: req.Percent, SlippageBp: req.SlippageBps,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	// The capital-flow engine runs after the response, per spec.md §4.K:
	// the caller's HTTP round trip never waits on dust classification.
	if h.d.CapitalFlow != nil {
		go h.d.CapitalFlow.Run(context.Background(), req.Worker, req.Percent)
	}

	writeJSON(w, http.StatusOK, out)
}

type transferRequest struct {
	Worker    string  `json:"worker"`
	TokenMint string  `json:"token_mint"`
	Percent   float64 `json:"percent"`
}

func (h *handlers) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := firstErr(
		validateWhitelisted(req.Worker, h.d.Whitelist),
		validateMint(req.TokenMint),
		validateTransferPercent(req.Percent),
		h.d.authorizeWorkerWrite(requesterFrom(r), req.Worker),
	); err != nil {
		writeError(w, err)
		return
	}

	out, err := h.d.Apex.Transfer(r.Context(), apexclient.TransferRequest{
		Worker: req.Worker, TokenMint: req.TokenMint, Percent: req.Percent,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.d.Audit.Emit(audit.ActionTransferProxy, map[string]any{"action": "transfer", "worker": req.Worker, "mint": req.TokenMint})
	writeJSON(w, http.StatusOK, out)
}

type transferSOLRequest struct {
	FromWorker string  `json:"from_worker"`
	ToWorker   string  `json:"to_worker"`
	AmountSOL  float64 `json:"amount_sol"`
}

func (h *handlers) handleTransferSOL(w http.ResponseWriter, r *http.Request) {
	var req transferSOLRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := firstErr(
		validateWhitelisted(req.FromWorker, h.d.Whitelist),
		validateTransferSOLAmount(req.AmountSOL),
		h.d.authorizeWorkerWrite(requesterFrom(r), req.FromWorker),
	); err != nil {
		writeError(w, err)
		return
	}

	out, err := h.d.Apex.TransferSOL(r.Context(), apexclient.TransferSOLRequest{
		FromWorker: req.FromWorker, ToWorker: req.ToWorker, AmountSOL: req.AmountSOL,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.d.Audit.Emit(audit.ActionTransferProxy, map[string]any{"action": "transfer_sol", "from": req.FromWorker, "to": req.ToWorker})
	writeJSON(w, http.StatusOK, out)
}

type notifyRequest struct {
	Message string `json:"message"`
	Worker  string `json:"worker,omitempty"`
}

func (h *handlers) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.d.Apex.Notify(r.Context(), apexclient.NotifyRequest{Message: req.Message, Worker: req.Worker}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// --- Vessel websocket upgrade ---

func (h *handlers) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	vesselID := mux.Vars(r)["vessel_id"]
	h.d.Hub.HandleWebSocket(w, r, vesselID, h.d.VesselToken, h.d.HandshakeTimeout)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func translateRegistryErr(err error) error {
	switch err {
	case registry.ErrUnknownWorker:
		return relayerr.New(relayerr.KindNotFound, "unknown worker")
	case registry.ErrNotManager:
		return relayerr.New(relayerr.KindValidation, "worker is not in the manager role")
	default:
		return relayerr.Wrap(relayerr.KindInternal, "registry operation failed", err)
	}
}
