// Package output renders catalog, preflight, batch and history data as
// tables, JSON or YAML.
package output

import (
	"fmt"

	"github.com/tietjen/generate-linux-templates/pkg/batch"
	"github.com/tietjen/generate-linux-templates/pkg/catalog"
	"github.com/tietjen/generate-linux-templates/pkg/preflight"
	"github.com/tietjen/generate-linux-templates/pkg/provision"
)

// Format represents an output format type.
type Format string

const (
	// FormatTable is a human-readable table format.
	FormatTable Format = "table"
	// FormatYAML is a YAML format.
	FormatYAML Format = "yaml"
	// FormatJSON is a JSON format for machine consumption.
	FormatJSON Format = "json"
)

// Formatter renders command results.
type Formatter interface {
	// FormatImages formats catalog entries.
	FormatImages(images []catalog.Image) (string, error)

	// FormatChecks formats environment check results.
	FormatChecks(checks []preflight.CheckResult) (string, error)

	// FormatReport formats a batch report.
	FormatReport(report *batch.Report) (string, error)

	// FormatAttempts formats ledger history.
	FormatAttempts(attempts []*provision.Attempt) (string, error)
}

// Options contains options for formatting output.
type Options struct {
	// Format specifies the output format.
	Format Format
	// NoHeaders omits headers in table format.
	NoHeaders bool
}

// NewFormatter creates a new Formatter based on the specified format.
func NewFormatter(opts Options) (Formatter, error) {
	switch opts.Format {
	case FormatTable, "":
		return &TableFormatter{NoHeaders: opts.NoHeaders}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, yaml, json)", opts.Format)
	}
}

// ValidateFormat checks if a format string is valid.
func ValidateFormat(format string) error {
	switch Format(format) {
	case FormatTable, FormatYAML, FormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid format: %s (valid formats: table, yaml, json)", format)
	}
}
