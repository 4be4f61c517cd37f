package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tietjen/generate-linux-templates/pkg/db"
	"github.com/tietjen/generate-linux-templates/pkg/errors"
	"github.com/tietjen/generate-linux-templates/pkg/output"
)

var (
	historyImage string
	historyBatch string
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded provisioning attempts, newest first",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyImage, "image", "", "Only attempts for this image key")
	historyCmd.Flags().StringVar(&historyBatch, "batch", "", "Only attempts from this batch ID")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum attempts to show (0 for all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
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

	attempts, err := repo.ListAttempts(context.Background(), db.Filter{
		ImageKey: historyImage,
		BatchID:  historyBatch,
		Limit:    historyLimit,
	})
	if err != nil {
		return errors.Wrap(err, "failed to list attempts")
	}

	return render(func(f output.Formatter) (string, error) {
		return f.FormatAttempts(attempts)
	})
}
