// Package capitalflow implements the post-sell capital-flow state
// machine (spec.md §4.K): probe holdings, classify dust, conditionally
// return residual SOL, release the worker, and notify the operator.
package capitalflow

import (
	"context"
	"fmt"

	"github.com/ocx/vessel-relay/internal/apexclient"
	"github.com/ocx/vessel-relay/internal/audit"
	"github.com/ocx/vessel-relay/internal/metrics"
	"github.com/ocx/vessel-relay/internal/registry"
)

// Constants is the reference configuration from spec.md §4.K.
type Constants struct {
	GasReserveSOL    float64
	SelfReserveSOL   float64
	TxFeeBufferSOL   float64
	MinReturnableSOL float64
	DustUSDThreshold float64
	GasSellThreshold float64
}

// Engine runs the capital-flow algorithm. It never retries a failed
// apex call; failures are logged and, where the spec calls for it,
// surfaced to the operator instead of the calling request.
type Engine struct {
	ApexName     string
	Apex         *apexclient.Client
	Availability *registry.Availability
	Audit        *audit.Logger
	Metrics      *metrics.Registry
	Constants    Constants
}

// Run executes the engine for one post-sell event. It is always
// invoked asynchronously by the sell-proxy handler — the caller's HTTP
// response does not wait on it.
func (e *Engine) Run(ctx context.Context, worker string, percentSold float64) {
	if worker == e.ApexName {
		return // apex IS the capital pool; nothing to classify or return
	}

	holdings, err := e.Apex.Status(ctx, worker)
	if err != nil {
		e.Audit.Emit(audit.ActionCapitalStranded, map[string]any{"worker": worker, "reason": "status_unreachable", "error": err.Error()})
		return
	}

	hasTokens := anyRawTokens(holdings.Tokens)
	if hasTokens {
		hasTokens = e.classifyDust(ctx, worker, percentSold, holdings)
	}

	if hasTokens {
		e.partialReturn(ctx, worker, holdings)
		return
	}
	e.finalReturnAndRelease(ctx, worker, holdings)
}

func anyRawTokens(tokens []apexclient.Token) bool {
	for _, tok := range tokens {
		if tok.UIAmount > 0 {
			return true
		}
	}
	return false
}

// classifyDust reports whether the worker's residual position still
// counts as "has tokens" after rounding-artifact and stranded-agent
// handling (spec.md §4.K).
func (e *Engine) classifyDust(ctx context.Context, worker string, percentSold float64, holdings apexclient.Holdings) bool {
	if percentSold >= 100 {
		return false // rounding artifact after a 100% sell
	}
	if holdings.SOLBalance >= e.Constants.GasSellThreshold {
		return true // agent can still afford to act on the position
	}

	// Agent is stranded — can they afford to sell at all?
	totalUSD := 0.0
	pricingFailed := false
	for _, tok := range holdings.Tokens {
		if !tok.PriceOK {
			pricingFailed = true
			break
		}
		totalUSD += tok.USDValue
	}

	if pricingFailed {
		e.notify(ctx, fmt.Sprintf("worker %s stranded with unpriced tokens; leaving as-is", worker))
		e.Audit.Emit(audit.ActionCapitalStranded, map[string]any{"worker": worker, "reason": "pricing_failed"})
		e.Metrics.CapitalFlowOutcome.WithLabelValues(metrics.OutcomeStranded).Inc()
		return true // fail safe: don't release
	}
	if totalUSD < e.Constants.DustUSDThreshold {
		return false // dust, write off
	}

	e.notify(ctx, fmt.Sprintf("worker %s stranded with $%.2f in tokens; leaving as-is", worker, totalUSD))
	e.Audit.Emit(audit.ActionCapitalStranded, map[string]any{"worker": worker, "reason": "stranded_with_value", "usd": totalUSD})
	e.Metrics.CapitalFlowOutcome.WithLabelValues(metrics.OutcomeStranded).Inc()
	return true
}

// partialReturn handles the "agent still manages residual position"
// branch: return whatever SOL is safely above reserve+buffer.
func (e *Engine) partialReturn(ctx context.Context, worker string, holdings apexclient.Holdings) {
	returnable := holdings.SOLBalance - e.Constants.GasReserveSOL - e.Constants.TxFeeBufferSOL
	if returnable <= e.Constants.MinReturnableSOL {
		return
	}

	if _, err := e.Apex.TransferSOL(ctx, apexclient.TransferSOLRequest{FromWorker: worker, ToWorker: e.ApexName, AmountSOL: returnable}); err != nil {
		e.Audit.Emit(audit.ActionCapitalStranded, map[string]any{"worker": worker, "reason": "transfer_failed", "error": err.Error()})
		return
	}

	e.Audit.Emit(audit.ActionCapitalReturned, map[string]any{"worker": worker, "amount_sol": returnable, "outcome": "partial"})
	e.Metrics.CapitalFlowOutcome.WithLabelValues(metrics.OutcomePartialReturn).Inc()
	e.notify(ctx, fmt.Sprintf("partial return: %.4f SOL from %s", returnable, worker))
}

// finalReturnAndRelease handles the "final sell" branch: return
// everything above the buffer, then release the worker regardless of
// whether the transfer succeeded — an empty position must not hold
// the worker hostage (spec.md §4.K failure semantics).
func (e *Engine) finalReturnAndRelease(ctx context.Context, worker string, holdings apexclient.Holdings) {
	if holdings.SOLBalance > e.Constants.MinReturnableSOL {
		amount := holdings.SOLBalance - e.Constants.TxFeeBufferSOL
		if _, err := e.Apex.TransferSOL(ctx, apexclient.TransferSOLRequest{FromWorker: worker, ToWorker: e.ApexName, AmountSOL: amount}); err != nil {
			e.Audit.Emit(audit.ActionCapitalStranded, map[string]any{"worker": worker, "reason": "final_transfer_failed", "error": err.Error()})
		} else {
			e.Audit.Emit(audit.ActionCapitalReturned, map[string]any{"worker": worker, "amount_sol": amount, "outcome": "final"})
			e.Metrics.CapitalFlowOutcome.WithLabelValues(metrics.OutcomeFinalReturn).Inc()
			e.notify(ctx, fmt.Sprintf("final return: %.4f SOL from %s", amount, worker))
		}
	}

	if err := e.Availability.MarkIdle(worker); err != nil {
		e.Audit.Emit(audit.ActionCapitalStranded, map[string]any{"worker": worker, "reason": "release_failed", "error": err.Error()})
		return
	}
	e.Audit.Emit(audit.ActionWorkerReleased, map[string]any{"worker": worker})
	e.Metrics.CapitalFlowOutcome.WithLabelValues(metrics.OutcomeReleased).Inc()
	e.notify(ctx, fmt.Sprintf("released: %s", worker))
}

func (e *Engine) notify(ctx context.Context, message string) {
	if err := e.Apex.Notify(ctx, apexclient.NotifyRequest{Message: message}); err != nil {
		e.Audit.Emit(audit.ActionCapitalStranded, map[string]any{"reason": "notify_failed", "error": err.Error()})
	}
}
