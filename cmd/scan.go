package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/webscan-engine/internal/config"
	"github.com/CosmoTheDev/webscan-engine/internal/database"
	"github.com/CosmoTheDev/webscan-engine/internal/engine"
	"github.com/CosmoTheDev/webscan-engine/internal/events"
	"github.com/CosmoTheDev/webscan-engine/internal/findings"
	"github.com/CosmoTheDev/webscan-engine/internal/profiles"
	"github.com/CosmoTheDev/webscan-engine/models"
)

var (
	scanTarget    string
	scanType      string
	scanScanners  []string
	scanProfile   string
	scanDeadline  int
	scanOutputFmt string
	scanNoArchive bool
)

var scanCmd = &cobra.Command{
	Use:   "scan [target]",
	Short: "Scan a target URL for security issues",
	Long: `Runs the scan engine in-process against a single target and prints the
findings. The scan is archived to the local database unless --no-archive
is set.

Exits 0 on a clean scan and 2 when at least one high or critical
finding was reported, so the command slots into CI pipelines.

Examples:
  webscan scan https://staging.example.com
  webscan scan https://staging.example.com --type quick
  webscan scan https://staging.example.com --scanners headers,cookies,cors
  webscan scan https://staging.example.com --profile deep --output json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanType, "type", "", "Scan type: full|quick|custom (default full)")
	scanCmd.Flags().StringSliceVar(&scanScanners, "scanners", nil, "Scanners to run (implies --type custom)")
	scanCmd.Flags().StringVar(&scanProfile, "profile", "", "Scan profile to apply (see 'webscan scanners')")
	scanCmd.Flags().IntVar(&scanDeadline, "deadline", 0, "Global scan deadline in seconds (overrides config)")
	scanCmd.Flags().StringVar(&scanOutputFmt, "output", "table", "Output format: table|json")
	scanCmd.Flags().BoolVar(&scanNoArchive, "no-archive", false, "Skip archiving the scan to the database")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if len(args) > 0 {
		scanTarget = args[0]
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if scanTarget == "" {
		if err := promptScanInput(); err != nil {
			return err
		}
	}

	req := models.ScanRequest{
		Target:   scanTarget,
		ScanType: models.ScanType(scanType),
		Options: models.ScanOptions{
			Scanners:              scanScanners,
			GlobalDeadlineSeconds: scanDeadline,
		},
	}
	if len(scanScanners) > 0 && req.ScanType == "" {
		req.ScanType = models.ScanTypeCustom
	}
	if req.ScanType == "" {
		req.ScanType = models.ScanTypeFull
	}

	if scanProfile != "" {
		dir := cfg.Profiles.Dir
		if dir == "" {
			dir = profiles.DefaultDir()
		}
		p, err := profiles.Load(scanProfile, dir)
		if err != nil {
			return fmt.Errorf("loading profile %q: %w", scanProfile, err)
		}
		p.Apply(&req)
	}

	eng := engine.New(cfg, slog.Default())
	defer eng.Shutdown(5 * time.Second)

	scanID, err := eng.StartScan(req)
	if err != nil {
		return err
	}
	sub, err := eng.Subscribe(scanID)
	if err != nil {
		return err
	}
	defer sub.Cancel()

	fmt.Printf("Scanning %s (scan %s)\n\n", scanTarget, scanID)

	live := scanOutputFmt != "json"
	for evt := range sub.C {
		if live {
			printScanEvent(evt)
		}
		if evt.Type == events.TypeScanCompleted {
			break
		}
	}

	results, err := eng.GetResults(scanID)
	if err != nil {
		return fmt.Errorf("collecting results: %w", err)
	}
	snap, err := eng.GetScan(scanID)
	if err != nil {
		return fmt.Errorf("reading scan state: %w", err)
	}

	if !scanNoArchive {
		if err := archiveScan(ctx, cfg, snap, results.Findings); err != nil {
			slog.Warn("archiving scan failed", "scan_id", scanID, "error", err)
		}
	}

	if scanOutputFmt == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		printResults(results, snap)
	}

	if results.Counters.Critical > 0 || results.Counters.High > 0 {
		os.Exit(2)
	}
	return nil
}

func promptScanInput() error {
	if scanType == "" {
		scanType = string(models.ScanTypeFull)
	}
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Target URL").
				Placeholder("https://staging.example.com").
				Validate(func(s string) error {
					_, err := models.ParseTarget(s)
					return err
				}).
				Value(&scanTarget),
			huh.NewSelect[string]().
				Title("Scan type").
				Options(
					huh.NewOption("full — all scanners", string(models.ScanTypeFull)),
					huh.NewOption("quick — passive checks only", string(models.ScanTypeQuick)),
				).
				Value(&scanType),
		),
	)
	return form.Run()
}

func archiveScan(ctx context.Context, cfg *config.Config, snap models.ScanSnapshot, found []models.Finding) error {
	db, err := database.New(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	return findings.NewStore(db).ArchiveScan(ctx, snap, found)
}

func printScanEvent(evt events.Envelope) {
	switch d := evt.Data.(type) {
	case events.ScanStartedData:
		fmt.Printf("  %d scanners queued\n", d.TotalModules)
	case events.ModuleStatusData:
		if !d.Status.IsTerminal() {
			return
		}
		line := fmt.Sprintf("  [%s] %s", d.Status, d.Name)
		if d.FindingsCount != nil && *d.FindingsCount > 0 {
			line += fmt.Sprintf(" — %d findings", *d.FindingsCount)
		}
		if d.Error != nil {
			line += " — " + d.Error.Message
		}
		fmt.Println(line)
	case events.NewFindingData:
		fmt.Printf("    ! %-8s %s (%s)\n", d.Finding.Severity, d.Finding.Title, d.Finding.Location)
	}
}

func printResults(results engine.Results, snap models.ScanSnapshot) {
	fmt.Println("\n=== Scan Results ===")
	status := string(results.Status)
	if results.DeadlineExceeded {
		status += " (deadline exceeded, partial results)"
	}
	fmt.Printf("Status: %s\n\n", status)

	if len(results.Findings) == 0 {
		fmt.Println("No findings.")
	} else {
		for _, f := range results.Findings {
			fmt.Printf("[%-8s] %s\n", f.Severity, f.Title)
			fmt.Printf("           %s", f.Location)
			if f.Category != "" {
				fmt.Printf("  (%s)", f.Category)
			}
			fmt.Println()
		}
		fmt.Println()
	}

	fmt.Printf("Totals — Critical: %d  High: %d  Medium: %d  Low: %d  Info: %d\n",
		results.Counters.Critical, results.Counters.High,
		results.Counters.Medium, results.Counters.Low, results.Counters.Info)

	if len(results.Categories) > 0 {
		cats := make([]string, 0, len(results.Categories))
		for c := range results.Categories {
			cats = append(cats, c)
		}
		sort.Strings(cats)
		parts := make([]string, 0, len(cats))
		for _, c := range cats {
			parts = append(parts, fmt.Sprintf("%s: %d", c, results.Categories[c]))
		}
		fmt.Printf("Categories — %s\n", strings.Join(parts, "  "))
	}

	if snap.StartedAt != nil && snap.EndedAt != nil {
		fmt.Printf("Duration — %s\n", snap.EndedAt.Sub(*snap.StartedAt).Round(time.Millisecond))
	}
}
