// Package qm drives Proxmox VE through its qm and pvesm command line tools.
package qm

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tietjen/generate-linux-templates/pkg/errors"
)

// Client implements Hypervisor and Host on top of a Runner.
type Client struct {
	runner Runner
}

// NewClient creates a qm client. A nil runner executes commands locally.
func NewClient(runner Runner) *Client {
	if runner == nil {
		runner = NewExecRunner()
	}
	return &Client{runner: runner}
}

func (c *Client) qm(ctx context.Context, args ...string) (string, error) {
	return c.runner.Run(ctx, QMBinary, args...)
}

func (c *Client) set(ctx context.Context, id int, opts ...string) error {
	args := append([]string{"set", strconv.Itoa(id)}, opts...)
	_, err := c.qm(ctx, args...)
	return err
}

func (c *Client) VMExists(ctx context.Context, id int) (bool, error) {
	out, err := c.qm(ctx, "status", strconv.Itoa(id))
	if err == nil {
		slog.Info("vm_exists", "vm_id", id, "status", strings.TrimSpace(out))
		return true, nil
	}

	var toolErr *errors.ToolError
	if errors.As(err, &toolErr) && toolErr.Kind == errors.ToolNonZeroExit && strings.Contains(out, "does not exist") {
		return false, nil
	}
	return false, errors.Wrap(err, fmt.Sprintf("failed to query VM %d", id))
}

func (c *Client) CreateVM(ctx context.Context, spec VMSpec) error {
	slog.Info("vm_create", "vm_id", spec.ID, "name", spec.Name, "ostype", spec.OSType)

	_, err := c.qm(ctx, "create", strconv.Itoa(spec.ID),
		"--name", spec.Name,
		"--ostype", spec.OSType,
		"--memory", strconv.Itoa(spec.Memory),
		"--cores", strconv.Itoa(spec.Cores),
		"--cpu", CPUType,
		"--net0", "virtio,bridge="+spec.Bridge,
		"--serial0", SerialDevice,
		"--vga", VGADevice,
		"--scsihw", SCSIController,
	)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("failed to create VM %d", spec.ID))
	}
	return nil
}

func (c *Client) ImportDisk(ctx context.Context, id int, disk DiskSpec) error {
	abs, err := filepath.Abs(disk.ImagePath)
	if err != nil {
		return errors.Wrap(err, "failed to resolve image path")
	}
	slog.Info("disk_import", "vm_id", id, "storage", disk.Storage, "image", abs)

	volume := fmt.Sprintf("%s:0,import-from=%s,discard=on", disk.Storage, abs)
	if err := c.set(ctx, id, "--"+BootDisk, volume); err != nil {
		return errors.Wrap(err, fmt.Sprintf("failed to import disk for VM %d", id))
	}

	if disk.MinSizeGB <= 0 {
		return nil
	}

	size := fmt.Sprintf("%dG", disk.MinSizeGB)
	out, err := c.qm(ctx, "disk", "resize", strconv.Itoa(id), BootDisk, size)
	if err != nil {
		// qm refuses to shrink; the imported disk is already large enough.
		if strings.Contains(strings.ToLower(out), "shrinking") {
			slog.Info("disk_resize_skipped", "vm_id", id, "size", size, "reason", "already_larger")
			return nil
		}
		return errors.Wrap(err, fmt.Sprintf("failed to resize disk for VM %d", id))
	}
	return nil
}

func (c *Client) SetConfig(ctx context.Context, id int, profile Profile) error {
	slog.Info("vm_configure", "vm_id", id)

	err := c.set(ctx, id,
		"--boot", BootOrder,
		"--agent", AgentOptions,
		"--ostype", profile.OSType,
	)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("failed to configure VM %d", id))
	}
	return nil
}

func (c *Client) AttachCloudInit(ctx context.Context, id int, ci CloudInitSpec) error {
	slog.Info("cloud_init_attach", "vm_id", id, "storage", ci.Storage, "user", ci.Username)

	err := c.set(ctx, id,
		"--"+CloudInitSlot, ci.Storage+":cloudinit",
		"--sshkeys", ci.SSHKeyFile,
		"--ciuser", ci.Username,
		"--ipconfig0", IPConfig,
	)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("failed to attach cloud-init to VM %d", id))
	}
	return nil
}

func (c *Client) ConvertToTemplate(ctx context.Context, id int) error {
	slog.Info("vm_convert_template", "vm_id", id)

	if _, err := c.qm(ctx, "template", strconv.Itoa(id)); err != nil {
		return errors.Wrap(err, fmt.Sprintf("failed to convert VM %d to template", id))
	}
	return nil
}

func (c *Client) DestroyVM(ctx context.Context, id int) error {
	slog.Info("vm_destroy", "vm_id", id)

	if _, err := c.qm(ctx, "destroy", strconv.Itoa(id), "--purge"); err != nil {
		return errors.Wrap(err, fmt.Sprintf("failed to destroy VM %d", id))
	}
	return nil
}

func (c *Client) Version(ctx context.Context) (string, error) {
	out, err := c.qm(ctx, "version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *Client) StorageExists(ctx context.Context, storage string) (bool, error) {
	_, err := c.runner.Run(ctx, PVESMBinary, "status", "--storage", storage)
	if err == nil {
		return true, nil
	}

	var toolErr *errors.ToolError
	if errors.As(err, &toolErr) && toolErr.Kind == errors.ToolNonZeroExit {
		return false, nil
	}
	return false, err
}
