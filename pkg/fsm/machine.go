// Package fsm drives the provisioning pipeline through superfly/fsm so each
// step is journaled before the next one runs. It executes exactly the same
// steps as the in-process driver; the ledger remains the record of truth.
package fsm

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/superfly/fsm"

	"github.com/tietjen/generate-linux-templates/pkg/catalog"
	"github.com/tietjen/generate-linux-templates/pkg/errors"
	"github.com/tietjen/generate-linux-templates/pkg/provision"
)

// Machine holds dependencies for FSM transitions
type Machine struct {
	prov       *provision.Provisioner
	store      AttemptStore
	catalog    *catalog.Catalog
	maxRetries int

	manager *fsm.Manager
	start   fsm.Start[ProvisionRequest, ProvisionResponse]

	// runCtx is the caller's context for the run in flight, read by
	// handler goroutines. Runs are sequential, so one slot is enough.
	runCtx atomic.Pointer[context.Context]
}

// NewMachine creates a new FSM machine. prov must record into store.
func NewMachine(prov *provision.Provisioner, store AttemptStore, c *catalog.Catalog, maxRetries int) *Machine {
	return &Machine{
		prov:       prov,
		store:      store,
		catalog:    c,
		maxRetries: maxRetries,
	}
}

// Register registers the provisioning FSM with manager
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) error {
	start, _, err := fsm.Register[ProvisionRequest, ProvisionResponse](manager, "template-provision").
		Start(StateDownload, m.stepHandler(StateDownload, provision.StateIdle)).
		To(StateCreate, m.stepHandler(StateCreate, provision.StateImageAcquired)).
		To(StateDiskAttach, m.stepHandler(StateDiskAttach, provision.StateVMAllocated)).
		To(StateConfigure, m.stepHandler(StateConfigure, provision.StateDiskAttached)).
		To(StateCloudInit, m.stepHandler(StateCloudInit, provision.StateProfileApplied)).
		To(StateConvert, m.stepHandler(StateConvert, provision.StateCloudInitAttached)).
		To(StateCleanup, m.stepHandler(StateCleanup, provision.StateConverted)).
		End(StateDone).
		Build(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to register FSM")
	}

	m.manager = manager
	m.start = start
	return nil
}

// Provision runs one image through the journaled pipeline and waits for it
// to finish. It satisfies batch.Pipeline.
func (m *Machine) Provision(ctx context.Context, batchID string, img catalog.Image) provision.Outcome {
	a := m.prov.Begin(ctx, batchID, img)
	m.setRunContext(ctx)
	defer m.setRunContext(nil)

	// The run must finish even if ctx is cancelled; handlers observe the
	// cancellation at step boundaries.
	runCtx := context.WithoutCancel(ctx)
	req := &ProvisionRequest{AttemptID: a.ID, ImageKey: img.Key}

	version, err := m.start(runCtx, a.ID, fsm.NewRequest(req, &ProvisionResponse{}))
	if err != nil {
		slog.Error("fsm_start_failed", "attempt_id", a.ID, "error", err)
		m.prov.Abort(runCtx, a, errors.Wrap(err, "FSM start failed"))
		return a.Outcome()
	}
	slog.Info("fsm_started", "attempt_id", a.ID, "image", img.Key, "version", version)

	waitErr := m.manager.Wait(runCtx, version)
	if waitErr != nil {
		slog.Warn("fsm_run_ended_with_error", "attempt_id", a.ID, "error", waitErr)
	}

	final, err := m.store.GetAttempt(runCtx, a.ID)
	if err != nil || final == nil {
		slog.Error("fsm_attempt_reload_failed", "attempt_id", a.ID, "error", err)
		return a.Outcome()
	}
	if !final.State.Terminal() {
		reason := waitErr
		if reason == nil {
			reason = errors.New("journal run ended before the pipeline finished")
		}
		m.prov.Abort(runCtx, final, reason)
	}
	return final.Outcome()
}

func (m *Machine) setRunContext(ctx context.Context) {
	if ctx == nil {
		m.runCtx.Store(nil)
		return
	}
	m.runCtx.Store(&ctx)
}

// cancelled reports whether the caller of the run in flight gave up.
func (m *Machine) cancelled() bool {
	ctx := m.runCtx.Load()
	return ctx != nil && (*ctx).Err() != nil
}

// Open creates an FSM manager journaling into dbPath and registers a machine
// on it. The caller must Shutdown the returned manager.
func Open(ctx context.Context, dbPath string, m *Machine) (*fsm.Manager, error) {
	slog.Info("fsm_manager_init", "db_path", dbPath)

	manager, err := fsm.New(fsm.Config{DBPath: dbPath})
	if err != nil {
		return nil, errors.Wrap(err, "FSM manager failed")
	}
	if err := m.Register(ctx, manager); err != nil {
		manager.Shutdown(10 * time.Second)
		return nil, err
	}
	return manager, nil
}
