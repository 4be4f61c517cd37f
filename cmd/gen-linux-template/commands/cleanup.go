package commands

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tietjen/generate-linux-templates/pkg/db"
	"github.com/tietjen/generate-linux-templates/pkg/errors"
	"github.com/tietjen/generate-linux-templates/pkg/storage"
)

var (
	cleanupOrphaned  bool
	cleanupOlderThan time.Duration
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove leftover downloads and old ledger entries",
	Long: `Clean up what interrupted runs left behind:
  --orphaned               Delete images still referenced by finished attempts, and partial downloads
  --older-than <duration>  Prune finished attempts older than the duration from the ledger`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Remove residual downloads")
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 0, "Prune finished attempts older than this (e.g. 720h)")
	cleanupCmd.MarkFlagsOneRequired("orphaned", "older-than")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	ctx := context.Background()

	if cleanupOrphaned {
		removed, err := removeResidual(ctx, repo)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d residual image(s)\n", removed)

		if _, err := os.Stat(cfg.WorkDir); err == nil {
			partials, err := storage.RemovePartials(cfg.WorkDir)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d partial download(s)\n", len(partials))
		}
	}

	if cleanupOlderThan > 0 {
		pruned, err := repo.PruneBefore(ctx, time.Now().Add(-cleanupOlderThan))
		if err != nil {
			return errors.Wrap(err, "failed to prune ledger")
		}
		fmt.Printf("Pruned %d attempt(s)\n", pruned)
	}

	return nil
}

// removeResidual deletes images that finished attempts still reference. A
// file that is already gone counts as removed.
func removeResidual(ctx context.Context, repo *db.Repository) (int, error) {
	residual, err := repo.ListResidual(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list residual images")
	}

	removed := 0
	for _, a := range residual {
		if err := os.Remove(a.ImagePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("residual_remove_failed", "attempt_id", a.ID, "path", a.ImagePath, "error", err)
			continue
		}
		if err := repo.ClearImagePath(ctx, a.ID); err != nil {
			slog.Warn("residual_clear_failed", "attempt_id", a.ID, "error", err)
			continue
		}
		slog.Info("residual_removed", "attempt_id", a.ID, "image", a.ImageKey, "path", a.ImagePath)
		removed++
	}
	return removed, nil
}
