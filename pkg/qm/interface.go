package qm

import "context"

// VMSpec describes the VM shell created for a template.
type VMSpec struct {
	ID     int
	Name   string
	OSType string
	Memory int
	Cores  int
	Bridge string
}

// DiskSpec describes the boot disk imported from a downloaded image.
type DiskSpec struct {
	Storage   string
	ImagePath string
	MinSizeGB int
}

// Profile is the fixed hardware profile applied after the disk is attached.
type Profile struct {
	OSType string
}

// CloudInitSpec describes the cloud-init drive and its user data.
type CloudInitSpec struct {
	Storage    string
	SSHKeyFile string
	Username   string
}

// Hypervisor is the capability surface the provisioning pipeline needs from
// the host. Implementations must be synchronous.
type Hypervisor interface {
	// VMExists reports whether a VM with the given ID is registered
	VMExists(ctx context.Context, id int) (bool, error)

	// CreateVM creates an empty VM shell
	CreateVM(ctx context.Context, spec VMSpec) error

	// ImportDisk imports an image as the primary disk and grows it to the minimum size
	ImportDisk(ctx context.Context, id int, disk DiskSpec) error

	// SetConfig applies the boot, agent and OS type profile
	SetConfig(ctx context.Context, id int, profile Profile) error

	// AttachCloudInit adds and configures the cloud-init drive
	AttachCloudInit(ctx context.Context, id int, ci CloudInitSpec) error

	// ConvertToTemplate turns the VM into a template
	ConvertToTemplate(ctx context.Context, id int) error

	// DestroyVM removes the VM and its disks
	DestroyVM(ctx context.Context, id int) error
}

// Host is the read-only surface used by environment checks.
type Host interface {
	// Version invokes the management tool to prove it is runnable
	Version(ctx context.Context) (string, error)

	// StorageExists reports whether a storage target resolves on the host
	StorageExists(ctx context.Context, storage string) (bool, error)
}
