// Package provision turns one catalog image into a Proxmox VE template.
//
// The pipeline is an explicit state machine. Each forward transition is a
// single step against the host; each completed state has a compensation
// entry that undoes its side effects when a later step fails or the run is
// cancelled at a step boundary.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/tietjen/generate-linux-templates/pkg/catalog"
	"github.com/tietjen/generate-linux-templates/pkg/errors"
	"github.com/tietjen/generate-linux-templates/pkg/qm"
	"github.com/tietjen/generate-linux-templates/pkg/security"
	"github.com/tietjen/generate-linux-templates/pkg/storage"
)

// Fetcher downloads an image to a local path.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) (*storage.DownloadResult, error)
}

// Recorder persists attempts as they move through the pipeline.
type Recorder interface {
	SaveAttempt(ctx context.Context, a *Attempt) error
}

// Provisioner drives images through the pipeline one step at a time.
type Provisioner struct {
	hv         qm.Hypervisor
	fetcher    Fetcher
	validator  *security.Validator
	cfg        Config
	recorder   Recorder
	now        func() time.Time
	removeFile func(string) error
}

// New creates a provisioner. recorder may be nil.
func New(hv qm.Hypervisor, fetcher Fetcher, validator *security.Validator, cfg Config, recorder Recorder) *Provisioner {
	return &Provisioner{
		hv:         hv,
		fetcher:    fetcher,
		validator:  validator,
		cfg:        cfg,
		recorder:   recorder,
		now:        time.Now,
		removeFile: os.Remove,
	}
}

// Provision runs the whole pipeline for img and returns its outcome.
// Cancelling ctx stops the run at the next step boundary.
func (p *Provisioner) Provision(ctx context.Context, batchID string, img catalog.Image) Outcome {
	a := p.Begin(ctx, batchID, img)
	p.Run(ctx, img, a)
	return a.Outcome()
}

// Begin creates and records a new attempt in the idle state.
func (p *Provisioner) Begin(ctx context.Context, batchID string, img catalog.Image) *Attempt {
	a := &Attempt{
		ID:         uuid.NewString(),
		BatchID:    batchID,
		ImageKey:   img.Key,
		TemplateID: img.TemplateID,
		State:      StateIdle,
		StartedAt:  p.now(),
	}
	slog.Info("provision_started", "image", img.Key, "vm_id", img.TemplateID, "attempt_id", a.ID)
	p.record(ctx, a)
	return a
}

// Run steps a until it reaches a terminal state. Steps execute on a context
// that ignores cancellation; ctx is only consulted between steps.
func (p *Provisioner) Run(ctx context.Context, img catalog.Image, a *Attempt) {
	stepCtx := context.WithoutCancel(ctx)
	for !a.State.Terminal() {
		if ctx.Err() != nil && a.State.Cancellable() {
			p.Cancel(stepCtx, a, context.Cause(ctx))
			return
		}
		p.Step(stepCtx, img, a)
	}
}

// Step performs the single transition out of a.State. On failure the
// completed state is compensated and a ends in StateFailed; the step error
// is returned.
func (p *Provisioner) Step(ctx context.Context, img catalog.Image, a *Attempt) error {
	if a.State.Terminal() {
		return nil
	}
	t, ok := transitions[a.State]
	if !ok {
		return fmt.Errorf("no transition from state %s", a.State)
	}

	start := p.now()
	slog.Info("provision_step_started", "image", a.ImageKey, "vm_id", a.TemplateID, "step", t.step, "from", a.State)

	reached, err := t.run(p, ctx, img, a)
	if err != nil {
		slog.Error("provision_step_failed", "image", a.ImageKey, "vm_id", a.TemplateID, "step", t.step, "error", err)
		p.rollback(ctx, a)
		p.fail(a, t.step, err)
		p.record(ctx, a)
		return err
	}

	a.State = reached
	if reached.Terminal() {
		a.FinishedAt = p.now()
		slog.Info("provision_finished",
			"image", a.ImageKey,
			"vm_id", a.TemplateID,
			"status", a.Status(),
			"warnings", len(a.Warnings),
			"duration", a.FinishedAt.Sub(a.StartedAt).Round(time.Millisecond))
	} else {
		slog.Info("provision_step_complete",
			"image", a.ImageKey,
			"vm_id", a.TemplateID,
			"state", reached,
			"duration", p.now().Sub(start).Round(time.Millisecond))
	}
	p.record(ctx, a)
	return nil
}

// Cancel compensates the last completed state and fails the attempt at the
// step that would have run next.
func (p *Provisioner) Cancel(ctx context.Context, a *Attempt, cause error) {
	if cause == nil {
		cause = context.Canceled
	}
	slog.Warn("provision_cancelled", "image", a.ImageKey, "vm_id", a.TemplateID, "state", a.State)
	a.Cancelled = true
	p.Abort(ctx, a, errors.Wrap(cause, "cancelled before step"))
}

// Abort stops a non-terminal attempt from outside the pipeline: the last
// completed state is compensated and the attempt fails at its next step.
func (p *Provisioner) Abort(ctx context.Context, a *Attempt, reason error) {
	if a.State.Terminal() {
		return
	}
	next := transitions[a.State].step
	slog.Warn("provision_aborted", "image", a.ImageKey, "vm_id", a.TemplateID, "state", a.State, "next_step", next, "reason", reason)

	p.rollback(ctx, a)
	p.fail(a, next, reason)
	p.record(ctx, a)
}

func (p *Provisioner) fail(a *Attempt, step string, err error) {
	a.State = StateFailed
	a.FailedStep = step
	a.Detail = err.Error()
	a.FinishedAt = p.now()
}

func (p *Provisioner) warn(a *Attempt, err error, elevated bool) {
	msg := err.Error()
	if elevated {
		msg = "manual cleanup required: " + msg
		slog.Error("provision_warning_elevated", "image", a.ImageKey, "vm_id", a.TemplateID, "warning", msg)
	} else {
		slog.Warn("provision_warning", "image", a.ImageKey, "vm_id", a.TemplateID, "warning", msg)
	}
	a.Warnings = append(a.Warnings, Warning{Message: msg, Elevated: elevated})
}

// record persists a; ledger failures never change the outcome.
func (p *Provisioner) record(ctx context.Context, a *Attempt) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.SaveAttempt(ctx, a); err != nil {
		slog.Error("attempt_record_failed", "attempt_id", a.ID, "state", a.State, "error", err)
	}
}
