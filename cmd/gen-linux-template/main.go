package main

import (
	"log/slog"
	"os"

	"github.com/tietjen/generate-linux-templates/cmd/gen-linux-template/commands"
)

func main() {
	// Replaced once flags are parsed; covers errors raised before that.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
