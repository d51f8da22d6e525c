package main

import (
	"log/slog"
	"os"

	"github.com/opz3-tools/opz3-imager/cmd/opz3-imager/commands"
)

func main() {
	// Initialize structured logger with text format for readability
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
