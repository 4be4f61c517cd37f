// Package preflight checks that the host can run the provisioning pipeline.
// Checks are read-only and independent; all of them run even when an
// earlier one fails.
package preflight

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/tietjen/generate-linux-templates/pkg/errors"
	"github.com/tietjen/generate-linux-templates/pkg/qm"
)

const defaultNetDir = "/sys/class/net"

// Requirements are the host facts the pipeline depends on.
type Requirements struct {
	SSHKeyFile string
	Storage    string
	Bridge     string
	WorkDir    string
}

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Name   string                  `json:"name" yaml:"name"`
	Passed bool                    `json:"passed" yaml:"passed"`
	Detail string                  `json:"detail" yaml:"detail"`
	Err    *errors.ValidationError `json:"-" yaml:"-"`
}

// Validator runs environment checks against a host.
type Validator struct {
	host    qm.Host
	geteuid func() int
	netDir  string
}

// NewValidator creates a validator for host.
func NewValidator(host qm.Host) *Validator {
	return &Validator{host: host, geteuid: unix.Geteuid, netDir: defaultNetDir}
}

// Validate runs every check and returns their results in a fixed order.
func (v *Validator) Validate(ctx context.Context, req Requirements) []CheckResult {
	results := []CheckResult{
		v.checkTool(ctx),
		v.checkStorage(ctx, req.Storage),
		v.checkKeyfile(req.SSHKeyFile),
		v.checkPrivilege(),
		v.checkBridge(req.Bridge),
		v.checkWorkDir(req.WorkDir),
	}

	failed := 0
	for _, r := range results {
		if r.Passed {
			slog.Info("preflight_check_passed", "check", r.Name, "detail", r.Detail)
		} else {
			failed++
			slog.Error("preflight_check_failed", "check", r.Name, "kind", r.Err.Kind, "detail", r.Detail)
		}
	}
	slog.Info("preflight_complete", "checks", len(results), "failed", failed)
	return results
}

// Failures returns the validation errors of the failed checks.
func Failures(results []CheckResult) []*errors.ValidationError {
	var errs []*errors.ValidationError
	for _, r := range results {
		if !r.Passed {
			errs = append(errs, r.Err)
		}
	}
	return errs
}

func pass(name, detail string) CheckResult {
	return CheckResult{Name: name, Passed: true, Detail: detail}
}

func fail(name string, kind errors.ValidationKind, detail string) CheckResult {
	return CheckResult{
		Name:   name,
		Detail: detail,
		Err:    &errors.ValidationError{Kind: kind, Detail: detail},
	}
}

func (v *Validator) checkTool(ctx context.Context) CheckResult {
	const name = "qm_tool"
	version, err := v.host.Version(ctx)
	if err != nil {
		return fail(name, errors.MissingDependency, fmt.Sprintf("qm is not invocable: %v", err))
	}
	return pass(name, version)
}

func (v *Validator) checkStorage(ctx context.Context, storage string) CheckResult {
	const name = "storage"
	ok, err := v.host.StorageExists(ctx, storage)
	switch {
	case err != nil:
		return fail(name, errors.MissingStorage, fmt.Sprintf("cannot query storage %q: %v", storage, err))
	case !ok:
		return fail(name, errors.MissingStorage, fmt.Sprintf("storage %q not found or not accessible", storage))
	}
	return pass(name, storage)
}

func (v *Validator) checkKeyfile(path string) CheckResult {
	const name = "ssh_keyfile"
	f, err := os.Open(path)
	if err != nil {
		return fail(name, errors.MissingKeyfile, fmt.Sprintf("ssh keyfile %s not readable: %v", path, err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() || info.Size() == 0 {
		return fail(name, errors.MissingKeyfile, fmt.Sprintf("ssh keyfile %s is empty or not a file", path))
	}
	return pass(name, path)
}

func (v *Validator) checkPrivilege() CheckResult {
	const name = "privilege"
	if euid := v.geteuid(); euid != 0 {
		return fail(name, errors.InsufficientPrivilege, fmt.Sprintf("running as uid %d, qm requires root", euid))
	}
	return pass(name, "root")
}

func (v *Validator) checkBridge(bridge string) CheckResult {
	const name = "bridge"
	if _, err := os.Stat(filepath.Join(v.netDir, bridge)); err != nil {
		return fail(name, errors.MissingBridge, fmt.Sprintf("network bridge %q not found", bridge))
	}
	return pass(name, bridge)
}

func (v *Validator) checkWorkDir(dir string) CheckResult {
	const name = "work_dir"
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fail(name, errors.UnwritableWorkDir, fmt.Sprintf("work dir %s does not exist", dir))
	}
	if err := unix.Access(dir, unix.W_OK); err != nil {
		return fail(name, errors.UnwritableWorkDir, fmt.Sprintf("work dir %s not writable: %v", dir, err))
	}
	return pass(name, dir)
}
