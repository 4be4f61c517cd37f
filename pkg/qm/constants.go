package qm

// Fixed hardware profile shared by every generated template.
const (
	CPUType        = "host"
	SCSIController = "virtio-scsi-single"
	SerialDevice   = "socket"
	VGADevice      = "serial0"
	BootOrder      = "order=scsi0"
	AgentOptions   = "enabled=1,fstrim_cloned_disks=1"
	IPConfig       = "ip=dhcp,ip6=auto"
	BootDisk       = "scsi0"
	CloudInitSlot  = "ide2"
)

// Tool binaries.
const (
	QMBinary    = "qm"
	PVESMBinary = "pvesm"
)
