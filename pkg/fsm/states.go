package fsm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/superfly/fsm"

	"github.com/tietjen/generate-linux-templates/pkg/catalog"
	"github.com/tietjen/generate-linux-templates/pkg/errors"
	"github.com/tietjen/generate-linux-templates/pkg/provision"
)

// AttemptStore reads attempts back from the ledger.
type AttemptStore interface {
	GetAttempt(ctx context.Context, id string) (*provision.Attempt, error)
}

// stepHandler returns the FSM transition that advances an attempt out of
// from. Attempts already past from, or already terminal, pass through so
// later handlers become no-ops.
func (m *Machine) stepHandler(name string, from provision.State) func(context.Context, *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	return func(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
		slog.Info("fsm_state_"+name, "attempt_id", req.Msg.AttemptID, "image", req.Msg.ImageKey)

		// Check retry limit
		if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
			slog.Error("max_retries_exceeded", "attempt_id", req.Msg.AttemptID, "max_retries", m.maxRetries)
			return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
		}

		a, img, err := m.load(ctx, req.Msg)
		if err != nil {
			slog.Error("attempt_load_failed", "attempt_id", req.Msg.AttemptID, "error", err)
			return nil, fsm.Abort(err)
		}

		resp := req.W.Msg
		if resp == nil {
			resp = &ProvisionResponse{}
		}

		if a.State != from {
			slog.Debug("fsm_state_passthrough", "attempt_id", a.ID, "state", a.State, "handler", name)
			resp.State = string(a.State)
			resp.Detail = a.Detail
			return fsm.NewResponse(resp), nil
		}

		stepCtx := context.WithoutCancel(ctx)
		if m.cancelled() && a.State.Cancellable() {
			m.prov.Cancel(stepCtx, a, context.Canceled)
			return nil, fsm.Abort(fmt.Errorf("attempt %s cancelled before %s", a.ID, name))
		}

		if err := m.prov.Step(stepCtx, img, a); err != nil {
			// The provisioner already compensated; never let the FSM retry.
			return nil, fsm.Abort(err)
		}

		resp.State = string(a.State)
		resp.Detail = a.Detail
		return fsm.NewResponse(resp), nil
	}
}

func (m *Machine) load(ctx context.Context, req *ProvisionRequest) (*provision.Attempt, catalog.Image, error) {
	img, ok := m.catalog.Lookup(req.ImageKey)
	if !ok {
		return nil, catalog.Image{}, fmt.Errorf("image %q not in catalog", req.ImageKey)
	}

	a, err := m.store.GetAttempt(ctx, req.AttemptID)
	if err != nil {
		return nil, img, errors.Wrap(err, "failed to load attempt")
	}
	if a == nil {
		return nil, img, fmt.Errorf("attempt %s not found in ledger", req.AttemptID)
	}
	return a, img, nil
}
