package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/webscan-engine/internal/config"
	"github.com/CosmoTheDev/webscan-engine/internal/profiles"
	"github.com/CosmoTheDev/webscan-engine/internal/scanner"
)

var scannersCmd = &cobra.Command{
	Use:   "scanners",
	Short: "List available scanners and scan profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		fmt.Println("Scanners:")
		for _, meta := range scanner.All() {
			note := ""
			if meta.NeedsInventory {
				note = " (needs crawl inventory)"
			}
			fmt.Printf("  %-14s stage %s  %-12s %s%s\n",
				meta.Name, meta.Stage, meta.Category, meta.Description, note)
		}

		list, err := profiles.List(cfg.Profiles.Dir)
		if err != nil {
			return fmt.Errorf("listing profiles: %w", err)
		}
		fmt.Println("\nProfiles:")
		for _, p := range list {
			origin := "user"
			if p.Bundled {
				origin = "bundled"
			}
			fmt.Printf("  %-14s %-8s %s\n", p.Name, origin, p.Description)
		}
		return nil
	},
}
