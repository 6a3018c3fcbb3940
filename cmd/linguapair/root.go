package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/Linguapair/internal/logging"
	"github.com/BioHazard786/Linguapair/internal/ui"
	"github.com/BioHazard786/Linguapair/internal/version"
)

var flagServer string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "linguapair",
	Short:   "Find a language exchange partner and talk peer-to-peer",
	Long:    `Linguapair matches you with someone who speaks the language you are learning and wants to learn yours, then connects the two of you directly over WebRTC with a text chat alongside.`,
	Version: version.Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Errors only by default, the chat screen owns the terminal.
		logging.Init(slog.LevelError)
	},
}

// Execute runs the root command. Interrupts cancel the command's context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagServer, "server", "s", "", "broker websocket URL (env LINGUAPAIR_SERVER, default ws://localhost:3000/ws)")
}
