package httpapi

import (
	"github.com/ocx/vessel-relay/internal/audit"
	"github.com/ocx/vessel-relay/internal/registry"
	"github.com/ocx/vessel-relay/internal/relayerr"
)

// authorizeWorkerWrite enforces spec.md §6's authorization classes for
// any write action scoped to a single worker: apex may act on anyone's
// behalf, any other caller may only act on itself, and every non-apex
// write additionally requires a currently-valid gate artifact.
func (d *Deps) authorizeWorkerWrite(requester, target string) error {
	if requester == d.ApexName {
		return nil
	}
	if requester != target {
		d.Audit.Emit(audit.ActionCrossAgentDenied, map[string]any{"requester": requester, "target": target})
		return relayerr.New(relayerr.KindCrossAgent, "cannot act on another worker's behalf")
	}
	ok, err := d.Gate.Verify(target)
	if err != nil {
		d.Audit.Emit(audit.ActionGateFailClosed, map[string]any{"worker": target})
		return relayerr.New(relayerr.KindGateDenied, "gate verification unavailable")
	}
	if !ok {
		d.Audit.Emit(audit.ActionGateDenied, map[string]any{"worker": target})
		return relayerr.New(relayerr.KindGateDenied, "no valid gate artifact")
	}
	return nil
}

// authorizeWorkerRead enforces the read side of the same classes: apex
// and Health-role workers may read any worker's data; everyone else
// may only read its own.
func (d *Deps) authorizeWorkerRead(requester, target string) error {
	if requester == d.ApexName || requester == target {
		return nil
	}
	if w, ok := d.Availability.Get(requester); ok && w.Role == registry.RoleHealth {
		return nil
	}
	d.Audit.Emit(audit.ActionCrossAgentDenied, map[string]any{"requester": requester, "target": target})
	return relayerr.New(relayerr.KindCrossAgent, "cannot read another worker's data")
}
