package provision

import "time"

// State is a position in the provisioning pipeline.
type State string

const (
	StateIdle              State = "idle"
	StateImageAcquired     State = "image_acquired"
	StateVMAllocated       State = "vm_allocated"
	StateDiskAttached      State = "disk_attached"
	StateProfileApplied    State = "profile_applied"
	StateCloudInitAttached State = "cloud_init_attached"
	StateConverted         State = "converted"
	StateCleanedUp         State = "cleaned_up"
	StateFailed            State = "failed"
	StateSkippedExists     State = "skipped_exists"
)

// Terminal reports whether no further step runs from s.
func (s State) Terminal() bool {
	switch s {
	case StateCleanedUp, StateFailed, StateSkippedExists:
		return true
	}
	return false
}

// Step names reported in failed outcomes.
const (
	StepDownload   = "download"
	StepCreate     = "create"
	StepDiskAttach = "disk_attach"
	StepConfigure  = "configure"
	StepCloudInit  = "cloud_init"
	StepConvert    = "convert"
	StepCleanup    = "cleanup"
)

// Status is the final verdict for one image.
type Status string

const (
	StatusCreated       Status = "created"
	StatusSkippedExists Status = "skipped_exists"
	StatusFailed        Status = "failed"
	StatusInProgress    Status = "in_progress"
)

// Config is the resolved provisioning profile. It is passed by value and
// never modified by the pipeline.
type Config struct {
	SSHKeyFile string
	Username   string
	Storage    string
	Bridge     string
	Cores      int
	Memory     int
	DiskMinGB  int
	WorkDir    string
}

// Warning is a non-fatal problem attached to an outcome. Elevated warnings
// need manual operator attention.
type Warning struct {
	Message  string `json:"message" yaml:"message"`
	Elevated bool   `json:"elevated" yaml:"elevated"`
}

// Attempt is the mutable record of one image run. It is what the ledger
// stores and what the durable driver resumes from.
type Attempt struct {
	ID         string    `json:"id" yaml:"id"`
	BatchID    string    `json:"batch_id" yaml:"batch_id"`
	ImageKey   string    `json:"image_key" yaml:"image_key"`
	TemplateID int       `json:"template_id" yaml:"template_id"`
	State      State     `json:"state" yaml:"state"`
	FailedStep string    `json:"failed_step,omitempty" yaml:"failed_step,omitempty"`
	Detail     string    `json:"detail,omitempty" yaml:"detail,omitempty"`
	Cancelled  bool      `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`
	ImagePath  string    `json:"image_path,omitempty" yaml:"image_path,omitempty"`
	ImageSize  int64     `json:"image_size,omitempty" yaml:"image_size,omitempty"`
	Warnings   []Warning `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// Status derives the verdict from the attempt's state.
func (a *Attempt) Status() Status {
	switch a.State {
	case StateCleanedUp:
		return StatusCreated
	case StateSkippedExists:
		return StatusSkippedExists
	case StateFailed:
		return StatusFailed
	}
	return StatusInProgress
}

// Outcome returns an immutable snapshot of the attempt.
func (a *Attempt) Outcome() Outcome {
	o := Outcome{
		AttemptID:  a.ID,
		ImageKey:   a.ImageKey,
		TemplateID: a.TemplateID,
		Status:     a.Status(),
		FailedStep: a.FailedStep,
		Detail:     a.Detail,
		Cancelled:  a.Cancelled,
		Warnings:   append([]Warning(nil), a.Warnings...),
	}
	if !a.FinishedAt.IsZero() {
		o.Duration = a.FinishedAt.Sub(a.StartedAt)
	}
	return o
}

// Outcome is the reported result of provisioning one image.
type Outcome struct {
	AttemptID  string        `json:"attempt_id" yaml:"attempt_id"`
	ImageKey   string        `json:"image_key" yaml:"image_key"`
	TemplateID int           `json:"template_id" yaml:"template_id"`
	Status     Status        `json:"status" yaml:"status"`
	FailedStep string        `json:"failed_step,omitempty" yaml:"failed_step,omitempty"`
	Detail     string        `json:"error_detail,omitempty" yaml:"error_detail,omitempty"`
	Cancelled  bool          `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`
	Warnings   []Warning     `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
}
