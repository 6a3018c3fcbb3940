package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/Linguapair/internal/config"
	"github.com/BioHazard786/Linguapair/internal/errs"
	"github.com/BioHazard786/Linguapair/internal/ui"
)

var iceCmd = &cobra.Command{
	Use:   "ice",
	Short: "Show the ICE servers the broker hands out",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClient(config.ClientOptions{ServerURL: flagServer})
		if err != nil {
			return errs.New("load config", err)
		}
		showICE(cmd.Context(), cfg.ConfigURL())
		return nil
	},
}

// showICE fetches the broker's ICE servers, falling back to the defaults,
// and prints them as a table.
func showICE(ctx context.Context, configURL string) {
	stop := ui.RunConnectionSpinner("Fetching " + configURL)
	servers, err := config.FetchICEServers(ctx, configURL)
	stop()
	if err != nil {
		slog.Debug("ice config fetch failed", "error", err)
		ui.PrintWarning(fmt.Sprintf("could not fetch ICE servers (%v), showing the defaults", err))
		servers = config.DefaultICEServers()
	} else {
		ui.PrintSuccess(fmt.Sprintf("%d ICE servers from %s", len(servers), configURL))
	}

	ui.RenderICETable(os.Stdout, servers)
	if !config.HasRelay(servers) {
		ui.PrintInfo("join --relay needs a TURN server on the broker")
	}
}

func init() {
	rootCmd.AddCommand(iceCmd)
}
