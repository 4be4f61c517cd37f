package batch

import (
	"time"

	"github.com/tietjen/generate-linux-templates/pkg/catalog"
	"github.com/tietjen/generate-linux-templates/pkg/provision"
)

// Report summarizes one batch run.
type Report struct {
	BatchID      string              `json:"batch_id" yaml:"batch_id"`
	StartedAt    time.Time           `json:"started_at" yaml:"started_at"`
	Duration     time.Duration       `json:"duration" yaml:"duration"`
	Outcomes     []provision.Outcome `json:"outcomes" yaml:"outcomes"`
	Created      int                 `json:"created" yaml:"created"`
	Skipped      int                 `json:"skipped" yaml:"skipped"`
	Failed       int                 `json:"failed" yaml:"failed"`
	NotAttempted []string            `json:"not_attempted,omitempty" yaml:"not_attempted,omitempty"`
	Cancelled    bool                `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`
}

// ImageWarning ties a warning to the image that produced it.
type ImageWarning struct {
	ImageKey          string `json:"image_key" yaml:"image_key"`
	provision.Warning `yaml:",inline"`
}

func (r *Report) add(o provision.Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Status {
	case provision.StatusCreated:
		r.Created++
	case provision.StatusSkippedExists:
		r.Skipped++
	default:
		r.Failed++
	}
}

func (r *Report) skip(images []catalog.Image) {
	for _, img := range images {
		r.NotAttempted = append(r.NotAttempted, img.Key)
	}
}

// Failures returns the failed outcomes in run order.
func (r *Report) Failures() []provision.Outcome {
	var failed []provision.Outcome
	for _, o := range r.Outcomes {
		if o.Status == provision.StatusFailed {
			failed = append(failed, o)
		}
	}
	return failed
}

// Warnings returns every warning of every outcome in run order.
func (r *Report) Warnings() []ImageWarning {
	var warnings []ImageWarning
	for _, o := range r.Outcomes {
		for _, w := range o.Warnings {
			warnings = append(warnings, ImageWarning{ImageKey: o.ImageKey, Warning: w})
		}
	}
	return warnings
}

// OK reports whether every requested image was created or skipped.
func (r *Report) OK() bool {
	return r.Failed == 0 && len(r.NotAttempted) == 0
}
