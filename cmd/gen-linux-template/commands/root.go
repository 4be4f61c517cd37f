package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tietjen/generate-linux-templates/internal/config"
	"github.com/tietjen/generate-linux-templates/pkg/catalog"
	"github.com/tietjen/generate-linux-templates/pkg/errors"
	"github.com/tietjen/generate-linux-templates/pkg/output"
)

var (
	configPath  string
	catalogPath string
	outputFmt   string
	noHeaders   bool
	logLevel    string
	logFormat   string
	logFile     string
)

var rootCmd = &cobra.Command{
	Use:   "gen-linux-template",
	Short: "Build Proxmox VE templates from Linux cloud images",
	Long: `Downloads official cloud images, imports them into Proxmox VE with qm,
applies a cloud-init ready profile and converts each VM into a template.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := output.ValidateFormat(outputFmt); err != nil {
			return err
		}
		return setupLogging(logLevel, logFormat, logFile)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeLogging()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		closeLogging()
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Config file (JSON or YAML)")
	flags.StringVar(&catalogPath, "catalog", "", "Image catalog file (default: built-in catalog)")
	flags.StringVarP(&outputFmt, "output", "o", string(output.FormatTable), "Output format: table, json, yaml")
	flags.BoolVar(&noHeaders, "no-headers", false, "Omit table headers")
	flags.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", "text", "Log format: text, json")
	flags.StringVar(&logFile, "log-file", "", "Also write logs to this file")

	d := config.Defaults()
	flags.String("ssh-keyfile", d.SSHKeyFile, "Public key injected through cloud-init")
	flags.String("username", d.Username, "Cloud-init default user")
	flags.String("storage", d.Storage, "Proxmox storage for disks and cloud-init drives")
	flags.String("bridge", d.Bridge, "Network bridge for net0")
	flags.String("work-dir", d.WorkDir, "Directory for downloaded images")
	flags.String("sqlite-path", d.SQLitePath, "SQLite ledger path")
	flags.String("fsm-db-path", d.FSMDBPath, "FSM journal directory")
	flags.String("s3-region", d.S3Region, "Region for s3:// image URLs")

	for key, flag := range map[string]string{
		"ssh_keyfile": "ssh-keyfile",
		"username":    "username",
		"storage":     "storage",
		"bridge":      "bridge",
		"work_dir":    "work-dir",
		"sqlite_path": "sqlite-path",
		"fsm_db_path": "fsm-db-path",
		"s3_region":   "s3-region",
	} {
		viper.BindPFlag(key, flags.Lookup(flag))
	}
}

// loadConfig resolves and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper(), configPath)
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}

func loadCatalog() (*catalog.Catalog, error) {
	if catalogPath == "" {
		return catalog.Default()
	}
	c, err := catalog.Load(catalogPath)
	if err != nil {
		return nil, errors.Wrap(err, "catalog load failed")
	}
	return c, nil
}

func newFormatter() (output.Formatter, error) {
	return output.NewFormatter(output.Options{Format: output.Format(outputFmt), NoHeaders: noHeaders})
}

// render formats a result and writes it to stdout.
func render(format func(output.Formatter) (string, error)) error {
	f, err := newFormatter()
	if err != nil {
		return err
	}
	out, err := format(f)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}
