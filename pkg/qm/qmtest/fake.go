// Package qmtest provides an in-memory Hypervisor for tests.
package qmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/tietjen/generate-linux-templates/pkg/errors"
	"github.com/tietjen/generate-linux-templates/pkg/qm"
)

// Operation names used for call tracking and failure injection.
const (
	OpExists    = "vm_exists"
	OpCreate    = "create_vm"
	OpImport    = "import_disk"
	OpConfigure = "set_config"
	OpCloudInit = "attach_cloud_init"
	OpConvert   = "convert_to_template"
	OpDestroy   = "destroy_vm"
)

// VM is the fake host's record of a VM.
type VM struct {
	Spec      qm.VMSpec
	Disk      *qm.DiskSpec
	Profile   *qm.Profile
	CloudInit *qm.CloudInitSpec
	Template  bool
}

// Call is one recorded invocation.
type Call struct {
	Op string
	ID int
}

// Hypervisor is a stateful fake: created VMs exist until destroyed, so a
// second run for the same ID observes the first.
type Hypervisor struct {
	mu    sync.Mutex
	vms   map[int]*VM
	fail  map[string]map[int]error
	calls []Call
}

// New returns an empty fake host.
func New() *Hypervisor {
	return &Hypervisor{
		vms:  make(map[int]*VM),
		fail: make(map[string]map[int]error),
	}
}

// FailOn makes op fail for id with err. A nil err produces a ToolError.
func (h *Hypervisor) FailOn(op string, id int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		err = &errors.ToolError{
			Kind:     errors.ToolNonZeroExit,
			Command:  []string{"qm", op, fmt.Sprint(id)},
			ExitCode: 255,
			Output:   "injected failure",
		}
	}
	if h.fail[op] == nil {
		h.fail[op] = make(map[int]error)
	}
	h.fail[op][id] = err
}

// AddVM registers a pre-existing VM.
func (h *Hypervisor) AddVM(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.vms[id] = &VM{Spec: qm.VMSpec{ID: id}}
}

// VM returns the record for id, or nil.
func (h *Hypervisor) VM(id int) *VM {
	h.mu.Lock()
	defer h.mu.Unlock()
	vm, ok := h.vms[id]
	if !ok {
		return nil
	}
	cp := *vm
	return &cp
}

// Calls returns the recorded invocations in order.
func (h *Hypervisor) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}

// Ops returns the recorded operation names for id.
func (h *Hypervisor) Ops(id int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ops []string
	for _, c := range h.calls {
		if c.ID == id {
			ops = append(ops, c.Op)
		}
	}
	return ops
}

// begin records the call and returns an injected failure, if any. Callers
// hold h.mu.
func (h *Hypervisor) begin(op string, id int) error {
	h.calls = append(h.calls, Call{Op: op, ID: id})
	return h.fail[op][id]
}

func (h *Hypervisor) lookup(op string, id int) (*VM, error) {
	vm, ok := h.vms[id]
	if !ok {
		return nil, &errors.ToolError{
			Kind:     errors.ToolNonZeroExit,
			Command:  []string{"qm", op, fmt.Sprint(id)},
			ExitCode: 2,
			Output:   fmt.Sprintf("Configuration file 'nodes/pve/qemu-server/%d.conf' does not exist", id),
		}
	}
	return vm, nil
}

func (h *Hypervisor) VMExists(ctx context.Context, id int) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin(OpExists, id); err != nil {
		return false, err
	}
	_, ok := h.vms[id]
	return ok, nil
}

func (h *Hypervisor) CreateVM(ctx context.Context, spec qm.VMSpec) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin(OpCreate, spec.ID); err != nil {
		return err
	}
	if _, ok := h.vms[spec.ID]; ok {
		return &errors.ToolError{
			Kind:     errors.ToolNonZeroExit,
			Command:  []string{"qm", "create", fmt.Sprint(spec.ID)},
			ExitCode: 255,
			Output:   fmt.Sprintf("VM %d already exists", spec.ID),
		}
	}
	h.vms[spec.ID] = &VM{Spec: spec}
	return nil
}

func (h *Hypervisor) ImportDisk(ctx context.Context, id int, disk qm.DiskSpec) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin(OpImport, id); err != nil {
		return err
	}
	vm, err := h.lookup(OpImport, id)
	if err != nil {
		return err
	}
	vm.Disk = &disk
	return nil
}

func (h *Hypervisor) SetConfig(ctx context.Context, id int, profile qm.Profile) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin(OpConfigure, id); err != nil {
		return err
	}
	vm, err := h.lookup(OpConfigure, id)
	if err != nil {
		return err
	}
	vm.Profile = &profile
	return nil
}

func (h *Hypervisor) AttachCloudInit(ctx context.Context, id int, ci qm.CloudInitSpec) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin(OpCloudInit, id); err != nil {
		return err
	}
	vm, err := h.lookup(OpCloudInit, id)
	if err != nil {
		return err
	}
	vm.CloudInit = &ci
	return nil
}

func (h *Hypervisor) ConvertToTemplate(ctx context.Context, id int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin(OpConvert, id); err != nil {
		return err
	}
	vm, err := h.lookup(OpConvert, id)
	if err != nil {
		return err
	}
	vm.Template = true
	return nil
}

func (h *Hypervisor) DestroyVM(ctx context.Context, id int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin(OpDestroy, id); err != nil {
		return err
	}
	if _, err := h.lookup(OpDestroy, id); err != nil {
		return err
	}
	delete(h.vms, id)
	return nil
}

var _ qm.Hypervisor = (*Hypervisor)(nil)
