package output

import (
	"encoding/json"
	"fmt"

	"github.com/tietjen/generate-linux-templates/pkg/batch"
	"github.com/tietjen/generate-linux-templates/pkg/catalog"
	"github.com/tietjen/generate-linux-templates/pkg/preflight"
	"github.com/tietjen/generate-linux-templates/pkg/provision"
)

// JSONFormatter formats results as JSON.
type JSONFormatter struct{}

func marshalJSON(v any, what string) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s to JSON: %w", what, err)
	}
	return string(data) + "\n", nil
}

// FormatImages outputs the catalog as a JSON array in catalog order.
func (f *JSONFormatter) FormatImages(images []catalog.Image) (string, error) {
	if len(images) == 0 {
		return "[]\n", nil
	}
	return marshalJSON(images, "images")
}

func (f *JSONFormatter) FormatChecks(checks []preflight.CheckResult) (string, error) {
	return marshalJSON(checks, "checks")
}

// FormatReport includes the derived failure and warning lists so consumers
// need not recompute them.
func (f *JSONFormatter) FormatReport(report *batch.Report) (string, error) {
	return marshalJSON(reportDocument(report), "report")
}

func (f *JSONFormatter) FormatAttempts(attempts []*provision.Attempt) (string, error) {
	if len(attempts) == 0 {
		return "[]\n", nil
	}
	return marshalJSON(attempts, "attempts")
}

type reportDoc struct {
	batch.Report `yaml:",inline"`
	Failures     []provision.Outcome  `json:"failures,omitempty" yaml:"failures,omitempty"`
	Warnings     []batch.ImageWarning `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

func reportDocument(r *batch.Report) reportDoc {
	return reportDoc{Report: *r, Failures: r.Failures(), Warnings: r.Warnings()}
}
