package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tietjen/generate-linux-templates/internal/config"
	"github.com/tietjen/generate-linux-templates/pkg/output"
	"github.com/tietjen/generate-linux-templates/pkg/preflight"
	"github.com/tietjen/generate-linux-templates/pkg/qm"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that this host can build templates",
	Long: `Runs every environment check and reports all of them: qm availability,
storage, SSH key, root privilege, network bridge and work directory.`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	results := runChecks(cmd.Context(), qm.NewClient(nil), cfg)
	if err := render(func(f output.Formatter) (string, error) {
		return f.FormatChecks(results)
	}); err != nil {
		return err
	}

	if failed := preflight.Failures(results); len(failed) > 0 {
		return fmt.Errorf("%d environment checks failed", len(failed))
	}
	return nil
}

func runChecks(ctx context.Context, host qm.Host, cfg *config.Config) []preflight.CheckResult {
	if ctx == nil {
		ctx = context.Background()
	}
	p := cfg.Provision()
	return preflight.NewValidator(host).Validate(ctx, preflight.Requirements{
		SSHKeyFile: p.SSHKeyFile,
		Storage:    p.Storage,
		Bridge:     p.Bridge,
		WorkDir:    p.WorkDir,
	})
}
