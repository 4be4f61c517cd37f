package provision

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/tietjen/generate-linux-templates/pkg/catalog"
	"github.com/tietjen/generate-linux-templates/pkg/errors"
	"github.com/tietjen/generate-linux-templates/pkg/qm"
)

type stepFunc func(p *Provisioner, ctx context.Context, img catalog.Image, a *Attempt) (State, error)

type transition struct {
	step string
	run  stepFunc
}

// transitions maps each non-terminal state to the step leaving it.
var transitions = map[State]transition{
	StateIdle:              {step: StepDownload, run: (*Provisioner).acquireImage},
	StateImageAcquired:     {step: StepCreate, run: (*Provisioner).allocateVM},
	StateVMAllocated:       {step: StepDiskAttach, run: (*Provisioner).attachDisk},
	StateDiskAttached:      {step: StepConfigure, run: (*Provisioner).applyProfile},
	StateProfileApplied:    {step: StepCloudInit, run: (*Provisioner).attachCloudInit},
	StateCloudInitAttached: {step: StepConvert, run: (*Provisioner).convert},
	StateConverted:         {step: StepCleanup, run: (*Provisioner).cleanup},
}

// Cancellable reports whether a cancel request is honoured in state s. Once
// the VM is a template only the local cleanup remains, so it runs.
func (s State) Cancellable() bool {
	return !s.Terminal() && s != StateConverted
}

func (p *Provisioner) acquireImage(ctx context.Context, img catalog.Image, a *Attempt) (State, error) {
	dest, err := p.validator.Destination(p.cfg.WorkDir, img.Filename)
	if err != nil {
		return "", errors.Wrap(err, "invalid image file name")
	}
	a.ImagePath = dest

	res, err := p.fetcher.Fetch(ctx, img.URL, dest)
	if err != nil {
		return "", err
	}
	a.ImageSize = res.Size
	return StateImageAcquired, nil
}

func (p *Provisioner) allocateVM(ctx context.Context, img catalog.Image, a *Attempt) (State, error) {
	exists, err := p.hv.VMExists(ctx, img.TemplateID)
	if err != nil {
		return "", err
	}
	if exists {
		conflict := &errors.ConflictError{VMID: img.TemplateID}
		slog.Info("provision_skipped", "image", img.Key, "vm_id", img.TemplateID, "reason", conflict.Error())
		a.Detail = conflict.Error()
		if err := p.removeImage(ctx, a); err != nil {
			p.warn(a, err, false)
		}
		return StateSkippedExists, nil
	}

	err = p.hv.CreateVM(ctx, qm.VMSpec{
		ID:     img.TemplateID,
		Name:   img.Name,
		OSType: img.OSFamily.OSType(),
		Memory: p.cfg.Memory,
		Cores:  p.cfg.Cores,
		Bridge: p.cfg.Bridge,
	})
	if err != nil {
		return "", err
	}
	return StateVMAllocated, nil
}

func (p *Provisioner) attachDisk(ctx context.Context, img catalog.Image, a *Attempt) (State, error) {
	err := p.hv.ImportDisk(ctx, img.TemplateID, qm.DiskSpec{
		Storage:   p.cfg.Storage,
		ImagePath: a.ImagePath,
		MinSizeGB: p.cfg.DiskMinGB,
	})
	if err != nil {
		return "", err
	}
	return StateDiskAttached, nil
}

func (p *Provisioner) applyProfile(ctx context.Context, img catalog.Image, a *Attempt) (State, error) {
	if err := p.hv.SetConfig(ctx, img.TemplateID, qm.Profile{OSType: img.OSFamily.OSType()}); err != nil {
		return "", err
	}
	return StateProfileApplied, nil
}

func (p *Provisioner) attachCloudInit(ctx context.Context, img catalog.Image, a *Attempt) (State, error) {
	err := p.hv.AttachCloudInit(ctx, img.TemplateID, qm.CloudInitSpec{
		Storage:    p.cfg.Storage,
		SSHKeyFile: p.cfg.SSHKeyFile,
		Username:   p.cfg.Username,
	})
	if err != nil {
		return "", err
	}
	return StateCloudInitAttached, nil
}

func (p *Provisioner) convert(ctx context.Context, img catalog.Image, a *Attempt) (State, error) {
	if err := p.hv.ConvertToTemplate(ctx, img.TemplateID); err != nil {
		return "", err
	}
	return StateConverted, nil
}

// cleanup never fails the attempt: a residual image is a warning.
func (p *Provisioner) cleanup(ctx context.Context, img catalog.Image, a *Attempt) (State, error) {
	if err := p.removeImage(ctx, a); err != nil {
		p.warn(a, err, false)
	}
	return StateCleanedUp, nil
}

// undo is one compensating action.
type undo struct {
	name string
	run  func(p *Provisioner, ctx context.Context, a *Attempt) error
}

var (
	undoImage = undo{name: "remove_image", run: (*Provisioner).removeImage}
	undoVM    = undo{name: "destroy_vm", run: (*Provisioner).destroyVM}
)

// compensations lists, per last completed state, what must be undone when
// the attempt stops there without finishing.
var compensations = map[State][]undo{
	StateIdle:              {undoImage},
	StateImageAcquired:     {undoImage},
	StateVMAllocated:       {undoVM, undoImage},
	StateDiskAttached:      {undoVM, undoImage},
	StateProfileApplied:    {undoVM, undoImage},
	StateCloudInitAttached: {undoVM, undoImage},
	StateConverted:         {undoImage},
}

// rollback runs the compensation entry for a.State once. Failures become
// elevated warnings and are not retried.
func (p *Provisioner) rollback(ctx context.Context, a *Attempt) {
	for _, u := range compensations[a.State] {
		slog.Info("rollback_action", "image", a.ImageKey, "vm_id", a.TemplateID, "state", a.State, "action", u.name)
		if err := u.run(p, ctx, a); err != nil {
			p.warn(a, err, true)
		}
	}
}

func (p *Provisioner) removeImage(ctx context.Context, a *Attempt) error {
	if a.ImagePath == "" {
		return nil
	}
	if err := p.removeFile(a.ImagePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &errors.CleanupError{Kind: errors.ResidualFile, Target: a.ImagePath, Err: err}
	}
	slog.Info("image_removed", "image", a.ImageKey, "path", a.ImagePath)
	a.ImagePath = ""
	return nil
}

func (p *Provisioner) destroyVM(ctx context.Context, a *Attempt) error {
	if err := p.hv.DestroyVM(ctx, a.TemplateID); err != nil {
		return &errors.CleanupError{
			Kind:   errors.RollbackFailed,
			Target: fmt.Sprintf("vm %d", a.TemplateID),
			Err:    err,
		}
	}
	return nil
}
