package qm

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/tietjen/generate-linux-templates/pkg/errors"
)

// fakeRunner records invocations and answers from a scripted table keyed by
// the joined argv.
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	outputs map[string]string
	fail    map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{outputs: map[string]string{}, fail: map[string]bool{}}
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	argv := append([]string{name}, args...)
	f.calls = append(f.calls, argv)
	key := strings.Join(argv, " ")
	out := f.outputs[key]
	if f.fail[key] {
		return out, &errors.ToolError{Kind: errors.ToolNonZeroExit, Command: argv, ExitCode: 2, Output: out}
	}
	return out, nil
}

func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmds := make([]string, len(f.calls))
	for i, c := range f.calls {
		cmds[i] = strings.Join(c, " ")
	}
	return cmds
}

func TestCreateVM_Args(t *testing.T) {
	r := newFakeRunner()
	c := NewClient(r)

	err := c.CreateVM(context.Background(), VMSpec{
		ID: 9000, Name: "debian-12-template", OSType: "l26", Memory: 1024, Cores: 4, Bridge: "vmbr0",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	want := "qm create 9000 --name debian-12-template --ostype l26 --memory 1024 --cores 4 " +
		"--cpu host --net0 virtio,bridge=vmbr0 --serial0 socket --vga serial0 --scsihw virtio-scsi-single"
	if got := r.commands(); len(got) != 1 || got[0] != want {
		t.Errorf("commands = %q\nwant %q", got, want)
	}
}

func TestImportDisk_Args(t *testing.T) {
	r := newFakeRunner()
	c := NewClient(r)

	err := c.ImportDisk(context.Background(), 9000, DiskSpec{Storage: "local-zfs", ImagePath: "/var/tmp/img.qcow2", MinSizeGB: 8})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}

	got := r.commands()
	want := []string{
		"qm set 9000 --scsi0 local-zfs:0,import-from=/var/tmp/img.qcow2,discard=on",
		"qm disk resize 9000 scsi0 8G",
	}
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("commands = %q\nwant %q", got, want)
	}
}

func TestImportDisk_ShrinkRefusalTolerated(t *testing.T) {
	r := newFakeRunner()
	key := "qm disk resize 9000 scsi0 8G"
	r.fail[key] = true
	r.outputs[key] = "disk size '10G' is smaller than current size; shrinking disks is not supported"

	c := NewClient(r)
	if err := c.ImportDisk(context.Background(), 9000, DiskSpec{Storage: "local-zfs", ImagePath: "/tmp/x.img", MinSizeGB: 8}); err != nil {
		t.Errorf("expected shrink refusal to be tolerated, got %v", err)
	}
}

func TestImportDisk_ResizeFailure(t *testing.T) {
	r := newFakeRunner()
	key := "qm disk resize 9000 scsi0 8G"
	r.fail[key] = true
	r.outputs[key] = "storage is full"

	c := NewClient(r)
	err := c.ImportDisk(context.Background(), 9000, DiskSpec{Storage: "local-zfs", ImagePath: "/tmp/x.img", MinSizeGB: 8})

	var toolErr *errors.ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected ToolError, got %v", err)
	}
}

func TestVMExists(t *testing.T) {
	tests := []struct {
		name    string
		fail    bool
		output  string
		want    bool
		wantErr bool
	}{
		{name: "running", output: "status: stopped\n", want: true},
		{name: "missing", fail: true, output: "Configuration file 'nodes/pve/qemu-server/9000.conf' does not exist", want: false},
		{name: "other failure", fail: true, output: "permission denied", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newFakeRunner()
			r.outputs["qm status 9000"] = tt.output
			r.fail["qm status 9000"] = tt.fail

			exists, err := NewClient(r).VMExists(context.Background(), 9000)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if exists != tt.want {
				t.Errorf("exists = %v, want %v", exists, tt.want)
			}
		})
	}
}

func TestProfileAndCloudInit_Args(t *testing.T) {
	r := newFakeRunner()
	c := NewClient(r)
	ctx := context.Background()

	if err := c.SetConfig(ctx, 9002, Profile{OSType: "l26"}); err != nil {
		t.Fatal(err)
	}
	if err := c.AttachCloudInit(ctx, 9002, CloudInitSpec{Storage: "local-zfs", SSHKeyFile: "/root/id_rsa.pub", Username: "admin"}); err != nil {
		t.Fatal(err)
	}
	if err := c.ConvertToTemplate(ctx, 9002); err != nil {
		t.Fatal(err)
	}
	if err := c.DestroyVM(ctx, 9002); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"qm set 9002 --boot order=scsi0 --agent enabled=1,fstrim_cloned_disks=1 --ostype l26",
		"qm set 9002 --ide2 local-zfs:cloudinit --sshkeys /root/id_rsa.pub --ciuser admin --ipconfig0 ip=dhcp,ip6=auto",
		"qm template 9002",
		"qm destroy 9002 --purge",
	}
	got := r.commands()
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("commands = %q\nwant %q", got, want)
	}
}

func TestStorageExists(t *testing.T) {
	r := newFakeRunner()
	r.fail["pvesm status --storage missing"] = true
	c := NewClient(r)

	ok, err := c.StorageExists(context.Background(), "local-zfs")
	if err != nil || !ok {
		t.Errorf("local-zfs: ok=%v err=%v", ok, err)
	}
	ok, err = c.StorageExists(context.Background(), "missing")
	if err != nil || ok {
		t.Errorf("missing: ok=%v err=%v", ok, err)
	}
}

func TestExecRunner_ToolNotFound(t *testing.T) {
	_, err := NewExecRunner().Run(context.Background(), "definitely-not-a-real-tool-9000")

	var toolErr *errors.ToolError
	if !errors.As(err, &toolErr) || toolErr.Kind != errors.ToolNotFound {
		t.Fatalf("expected tool_not_found, got %v", err)
	}
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	out, err := NewExecRunner().Run(context.Background(), "sh", "-c", "echo boom; exit 3")

	var toolErr *errors.ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected ToolError, got %v", err)
	}
	if toolErr.Kind != errors.ToolNonZeroExit || toolErr.ExitCode != 3 {
		t.Errorf("unexpected error: %+v", toolErr)
	}
	if strings.TrimSpace(out) != "boom" {
		t.Errorf("output = %q", out)
	}
}
