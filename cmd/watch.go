package cmd

import (
	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/webscan-engine/internal/tui"
)

var watchGateway string

var watchCmd = &cobra.Command{
	Use:   "watch <scan-id>",
	Short: "Live terminal view of a running scan",
	Long: `Connects to a running gateway and renders the scan's event stream as a
live dashboard: phase, progress, per-module status, and findings as they
are discovered.

Works against completed scans too — the gateway replays recent events to
late subscribers.

Example:
  webscan watch 2f6b1c0a --gateway http://127.0.0.1:6090`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return tui.Watch(cmd.Context(), watchGateway, args[0])
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchGateway, "gateway", "http://127.0.0.1:6090",
		"base URL of the webscan gateway")
}
