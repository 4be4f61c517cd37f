package commands

import (
	"github.com/spf13/cobra"

	"github.com/tietjen/generate-linux-templates/pkg/output"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List images in the catalog",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	c, err := loadCatalog()
	if err != nil {
		return err
	}
	return render(func(f output.Formatter) (string, error) {
		return f.FormatImages(c.Images())
	})
}
