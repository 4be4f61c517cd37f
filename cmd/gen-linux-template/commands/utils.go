package commands

import (
	"os"
	"path/filepath"

	"github.com/tietjen/generate-linux-templates/pkg/errors"
)

// ensureDirectories creates the directories a command writes into. Empty
// paths are skipped.
func ensureDirectories(sqlitePath, fsmDBPath, workDir string) error {
	// Ledger directory
	if sqlitePath != "" {
		if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
			return errors.Wrap(err, "failed to create database directory")
		}
	}

	// FSM journal directory (only with --journal)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	if workDir != "" {
		if err := os.MkdirAll(workDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
	}

	return nil
}
