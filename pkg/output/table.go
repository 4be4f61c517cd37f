package output

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tietjen/generate-linux-templates/pkg/batch"
	"github.com/tietjen/generate-linux-templates/pkg/catalog"
	"github.com/tietjen/generate-linux-templates/pkg/preflight"
	"github.com/tietjen/generate-linux-templates/pkg/provision"
)

// TableFormatter formats results as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

func newTabWriter(buf *bytes.Buffer) *tabwriter.Writer {
	return tabwriter.NewWriter(buf, 0, 0, 2, ' ', 0)
}

// FormatImages formats catalog entries as a table.
func (f *TableFormatter) FormatImages(images []catalog.Image) (string, error) {
	if len(images) == 0 {
		return "No images found\n", nil
	}

	var buf bytes.Buffer
	w := newTabWriter(&buf)
	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "KEY\tVM_ID\tNAME\tOS\tDESCRIPTION")
	}
	for _, img := range images {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			img.Key, img.TemplateID, img.Name, img.OSFamily, dash(img.Description))
	}
	_ = w.Flush()
	return buf.String(), nil
}

// FormatChecks formats environment checks as a table.
func (f *TableFormatter) FormatChecks(checks []preflight.CheckResult) (string, error) {
	var buf bytes.Buffer
	w := newTabWriter(&buf)
	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "CHECK\tRESULT\tDETAIL")
	}
	failed := 0
	for _, c := range checks {
		result := "ok"
		if !c.Passed {
			result = "FAIL"
			failed++
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", c.Name, result, dash(c.Detail))
	}
	_ = w.Flush()

	if failed == 0 {
		buf.WriteString("\nEnvironment ready\n")
	} else {
		fmt.Fprintf(&buf, "\n%d of %d checks failed\n", failed, len(checks))
	}
	return buf.String(), nil
}

// FormatReport formats a batch report: one row per image, then the summary,
// warnings and any images that were not attempted.
func (f *TableFormatter) FormatReport(report *batch.Report) (string, error) {
	var buf bytes.Buffer
	w := newTabWriter(&buf)
	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "IMAGE\tVM_ID\tSTATUS\tSTEP\tDURATION\tDETAIL")
	}
	for _, o := range report.Outcomes {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			o.ImageKey, o.TemplateID, o.Status, dash(o.FailedStep),
			o.Duration.Round(time.Second), dash(firstLine(o.Detail)))
	}
	_ = w.Flush()

	fmt.Fprintf(&buf, "\ncreated: %d, skipped: %d, failed: %d (%s)\n",
		report.Created, report.Skipped, report.Failed, report.Duration.Round(time.Second))

	if warnings := report.Warnings(); len(warnings) > 0 {
		buf.WriteString("\nWarnings:\n")
		for _, wn := range warnings {
			marker := "-"
			if wn.Elevated {
				marker = "!"
			}
			fmt.Fprintf(&buf, "  %s %s: %s\n", marker, wn.ImageKey, wn.Message)
		}
	}

	if len(report.NotAttempted) > 0 {
		reason := "fail-fast"
		if report.Cancelled {
			reason = "cancelled"
		}
		fmt.Fprintf(&buf, "\nNot attempted (%s): %s\n", reason, strings.Join(report.NotAttempted, ", "))
	}
	return buf.String(), nil
}

// FormatAttempts formats ledger history as a table.
func (f *TableFormatter) FormatAttempts(attempts []*provision.Attempt) (string, error) {
	if len(attempts) == 0 {
		return "No attempts recorded\n", nil
	}

	var buf bytes.Buffer
	w := newTabWriter(&buf)
	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "ATTEMPT\tIMAGE\tVM_ID\tSTATUS\tSTEP\tSIZE\tSTARTED\tWARNINGS")
	}
	for _, a := range attempts {
		size := "-"
		if a.ImageSize > 0 {
			size = humanize.IBytes(uint64(a.ImageSize))
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%d\n",
			shortID(a.ID), a.ImageKey, a.TemplateID, a.Status(), dash(a.FailedStep),
			size, humanize.Time(a.StartedAt), len(a.Warnings))
	}
	_ = w.Flush()
	return buf.String(), nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
