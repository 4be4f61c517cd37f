package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tietjen/generate-linux-templates/pkg/batch"
	"github.com/tietjen/generate-linux-templates/pkg/catalog"
	"github.com/tietjen/generate-linux-templates/pkg/db"
	"github.com/tietjen/generate-linux-templates/pkg/errors"
	appfsm "github.com/tietjen/generate-linux-templates/pkg/fsm"
	"github.com/tietjen/generate-linux-templates/pkg/output"
	"github.com/tietjen/generate-linux-templates/pkg/preflight"
	"github.com/tietjen/generate-linux-templates/pkg/provision"
	"github.com/tietjen/generate-linux-templates/pkg/qm"
	"github.com/tietjen/generate-linux-templates/pkg/security"
	"github.com/tietjen/generate-linux-templates/pkg/storage"
)

var (
	provisionAll          bool
	provisionImages       []string
	provisionFailFast     bool
	provisionSkipValidate bool
	provisionJournal      bool
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Build templates for catalog images",
	Long: `Builds one template per selected image, in catalog order:
  --all              Every image in the catalog
  --image <key>      Only the named images (repeatable)

Images whose template ID already exists are skipped. Interrupting stops the
batch after rolling back the image in progress.`,
	Args: cobra.NoArgs,
	RunE: runProvision,
}

func init() {
	rootCmd.AddCommand(provisionCmd)
	provisionCmd.Flags().BoolVar(&provisionAll, "all", false, "Provision every catalog image")
	provisionCmd.Flags().StringSliceVar(&provisionImages, "image", nil, "Provision the named image (repeatable)")
	provisionCmd.Flags().BoolVar(&provisionFailFast, "fail-fast", false, "Stop after the first failed image")
	provisionCmd.Flags().BoolVar(&provisionSkipValidate, "skip-validate", false, "Skip environment checks")
	provisionCmd.Flags().BoolVar(&provisionJournal, "journal", false, "Journal each step through the FSM store")
	provisionCmd.MarkFlagsMutuallyExclusive("all", "image")
	provisionCmd.MarkFlagsOneRequired("all", "image")
}

func runProvision(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cat, err := loadCatalog()
	if err != nil {
		return err
	}

	keys := provisionImages
	if provisionAll {
		keys = []string{batch.AllImages}
	}
	// Resolved up front to know whether an S3 client is needed; the runner
	// applies the same selection.
	selected, err := batch.SelectImages(cat, keys)
	if err != nil {
		return err
	}

	fsmDBPath := ""
	if provisionJournal {
		fsmDBPath = cfg.FSMDBPath
	}
	if err := ensureDirectories(cfg.SQLitePath, fsmDBPath, cfg.WorkDir); err != nil {
		return err
	}

	hv := qm.NewClient(nil)

	if !provisionSkipValidate {
		results := runChecks(ctx, hv, cfg)
		if failed := preflight.Failures(results); len(failed) > 0 {
			if err := render(func(f output.Formatter) (string, error) {
				return f.FormatChecks(results)
			}); err != nil {
				return err
			}
			return fmt.Errorf("environment not ready: %d checks failed (use --skip-validate to override)", len(failed))
		}
		slog.Info("environment_validated", "checks", len(results))
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	var objects storage.ObjectSource
	if needsS3(selected) {
		s3Client, err := storage.NewClient(ctx, cfg.S3Region)
		if err != nil {
			return errors.Wrap(err, "S3 client failed")
		}
		objects = s3Client
	}

	validator := security.NewValidator(cfg.MaxImageSize)
	downloader := storage.NewDownloader(nil, objects, validator, storage.Options{
		Retries:       cfg.DownloadRetries,
		RetryInterval: cfg.DownloadRetryInterval,
	})
	prov := provision.New(hv, downloader, validator, cfg.Provision(), repo)

	var pipeline batch.Pipeline = prov
	if provisionJournal {
		machine := appfsm.NewMachine(prov, repo, cat, cfg.FSMMaxRetries)
		manager, err := appfsm.Open(ctx, cfg.FSMDBPath, machine)
		if err != nil {
			return err
		}
		defer manager.Shutdown(10 * time.Second)
		pipeline = machine
	}

	report, err := batch.NewRunner(cat, pipeline, provisionFailFast).Run(ctx, keys)
	if err != nil {
		return err
	}
	slog.Info("batch_completed",
		"batch_id", report.BatchID,
		"created", report.Created,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"not_attempted", len(report.NotAttempted),
		"duration", report.Duration.Round(time.Millisecond))

	if err := render(func(f output.Formatter) (string, error) {
		return f.FormatReport(report)
	}); err != nil {
		return err
	}

	switch {
	case report.Cancelled:
		return errors.New("batch cancelled")
	case !report.OK():
		return fmt.Errorf("%d of %d images failed", report.Failed, len(selected))
	}
	return nil
}

func needsS3(images []catalog.Image) bool {
	for _, img := range images {
		if strings.HasPrefix(img.URL, "s3://") {
			return true
		}
	}
	return false
}
