package fsm

// ProvisionRequest is the FSM input. The ledger row named by AttemptID is
// the source of truth; the request only points at it.
type ProvisionRequest struct {
	AttemptID string
	ImageKey  string
}

// ProvisionResponse is the FSM output (accumulated across transitions)
type ProvisionResponse struct {
	State  string
	Detail string
}

// State names, one per pipeline step
const (
	StateDownload   = "download"
	StateCreate     = "create"
	StateDiskAttach = "disk_attach"
	StateConfigure  = "configure"
	StateCloudInit  = "cloud_init"
	StateConvert    = "convert"
	StateCleanup    = "cleanup"
	StateDone       = "done"
)
