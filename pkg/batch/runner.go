// Package batch provisions a selection of catalog images one after another
// and summarizes the results.
package batch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tietjen/generate-linux-templates/pkg/catalog"
	"github.com/tietjen/generate-linux-templates/pkg/errors"
	"github.com/tietjen/generate-linux-templates/pkg/provision"
)

// AllImages selects the whole catalog.
const AllImages = "all"

// Pipeline provisions a single image.
type Pipeline interface {
	Provision(ctx context.Context, batchID string, img catalog.Image) provision.Outcome
}

// Runner runs images strictly sequentially in catalog order.
type Runner struct {
	catalog  *catalog.Catalog
	pipeline Pipeline
	failFast bool
}

// NewRunner creates a batch runner. With failFast the batch stops after the
// first failed image.
func NewRunner(c *catalog.Catalog, pipeline Pipeline, failFast bool) *Runner {
	return &Runner{catalog: c, pipeline: pipeline, failFast: failFast}
}

// Run provisions the images named by keys, or the whole catalog when keys
// is empty or contains AllImages. Unknown keys are rejected before any image
// is touched. A failed image never stops the batch unless failFast is set;
// cancelling ctx stops it after the current image.
func (r *Runner) Run(ctx context.Context, keys []string) (*Report, error) {
	images, err := SelectImages(r.catalog, keys)
	if err != nil {
		return nil, err
	}

	report := &Report{BatchID: uuid.NewString(), StartedAt: time.Now()}
	slog.Info("batch_started", "batch_id", report.BatchID, "images", len(images), "fail_fast", r.failFast)

	for i, img := range images {
		if ctx.Err() != nil {
			report.Cancelled = true
			report.skip(images[i:])
			break
		}

		slog.Info("batch_image_started", "batch_id", report.BatchID, "image", img.Key, "position", i+1, "of", len(images))
		out := r.pipeline.Provision(ctx, report.BatchID, img)
		report.add(out)

		if out.Cancelled {
			report.Cancelled = true
			report.skip(images[i+1:])
			break
		}
		if r.failFast && out.Status == provision.StatusFailed {
			slog.Warn("batch_fail_fast", "batch_id", report.BatchID, "image", img.Key)
			report.skip(images[i+1:])
			break
		}
	}

	report.Duration = time.Since(report.StartedAt)
	slog.Info("batch_complete",
		"batch_id", report.BatchID,
		"created", report.Created,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"not_attempted", len(report.NotAttempted),
		"warnings", len(report.Warnings()),
		"duration", report.Duration.Round(time.Millisecond))
	return report, nil
}

// SelectImages resolves keys against c in catalog order. Empty keys or any
// AllImages entry select the whole catalog.
func SelectImages(c *catalog.Catalog, keys []string) ([]catalog.Image, error) {
	for _, k := range keys {
		if k == AllImages {
			return c.Images(), nil
		}
	}
	images, err := c.Select(keys)
	if err != nil {
		return nil, errors.Wrap(err, "invalid image selection")
	}
	return images, nil
}
