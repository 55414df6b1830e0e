package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/portwatch/portwatch/internal/config"
	"github.com/portwatch/portwatch/internal/db"
	"github.com/portwatch/portwatch/internal/logging"
	"github.com/portwatch/portwatch/internal/profiles"
	"github.com/portwatch/portwatch/internal/scanner"
)

var (
	scanProfile string
	scanTimeout time.Duration
	scanSave    bool
)

// scanCmd represents the scan command.
var scanCmd = &cobra.Command{
	Use:   "scan <target>",
	Short: "Run an ad-hoc scan against a target",
	Long: `Run a scan against a single target using one of the predefined
profiles. Progress is reported while the scan runs and extracted results
are printed when it completes.

Targets may be IPv4 addresses, CIDR networks, hyphenated ranges or
hostnames.`,
	Example: `  portwatch scan 192.168.1.10
  portwatch scan 192.168.1.0/24 --profile "Ping"
  portwatch scan scanme.nmap.org --profile "Service" --save`,
	Args: cobra.ExactArgs(1),
	Run:  runScan,
}

// profilesCmd lists the available scan profiles.
var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List available scan profiles",
	Run:   runProfiles,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(profilesCmd)

	scanCmd.Flags().StringVar(&scanProfile, "profile", profiles.ProfileQuick, "Scan profile to use")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 30*time.Minute, "Maximum time to wait for scan completion")
	scanCmd.Flags().BoolVar(&scanSave, "save", false, "Persist the scan result to the database")
}

func runScan(_ *cobra.Command, args []string) {
	target := args[0]

	if !scanner.ValidTarget(target) {
		fmt.Fprintf(os.Stderr, "Error: invalid target %q\n", target)
		os.Exit(1)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	engine := scanner.NewEngine(scanner.Config{
		Binary:             cfg.Scanner.Binary,
		MaxConcurrentScans: cfg.Scanner.MaxConcurrentScans,
		StatsInterval:      cfg.Scanner.StatsInterval,
		StopGracePeriod:    cfg.Scanner.StopGracePeriod,
	}, logging.Default())
	defer engine.Close()

	manager := profiles.NewManager(engine, cfg.Scanner.Binary, logging.Default())

	terminal := make(chan float64, 1)
	startedAt := time.Now()

	jobID, err := manager.StartScan(target, scanProfile, func(_ uuid.UUID, progress float64) {
		switch {
		case progress == scanner.ProgressComplete || progress < 0:
			terminal <- progress
		default:
			fmt.Printf("\rScanning %s... %.1f%%", target, progress)
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting scan: %v\n", err)
		os.Exit(1)
	}

	select {
	case progress := <-terminal:
		fmt.Println()
		if progress != scanner.ProgressComplete {
			reportScanFailure(manager, jobID, progress)
			os.Exit(1)
		}
	case <-time.After(scanTimeout):
		fmt.Println()
		fmt.Fprintf(os.Stderr, "Error: scan timed out after %s\n", scanTimeout)
		manager.CancelScan(jobID)
		os.Exit(1)
	}

	result, ok := manager.Result(jobID)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: scan completed but no result is available\n")
		os.Exit(1)
	}

	displayScanResult(target, result)

	if scanSave {
		saveScanResult(cfg, target, result, startedAt)
	}
}

// reportScanFailure prints the failure details for a terminal sentinel.
func reportScanFailure(manager *profiles.Manager, jobID uuid.UUID, progress float64) {
	reason := "scan failed"
	if progress == scanner.ProgressPermissionDenied {
		reason = "scan requires elevated privileges (try running as root)"
	}

	if status, ok := manager.Status(jobID); ok && status.Error != "" {
		fmt.Fprintf(os.Stderr, "Error: %s: %s\n", reason, status.Error)
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", reason)
}

func saveScanResult(cfg *config.Config, target string, result *scanner.Result, startedAt time.Time) {
	ctx := context.Background()

	database, err := db.Connect(ctx, &cfg.Database, logging.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to database: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	store := db.NewScanStore(database, logging.Default())
	scanID, err := store.SaveScanResult(ctx, target, scanProfile,
		profiles.Arguments(scanProfile), result, startedAt, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error saving scan result: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nSaved scan %s\n", scanID)
}

// displayScanResult prints the extracted result as summary lines plus a
// port table.
func displayScanResult(target string, result *scanner.Result) {
	fmt.Printf("\nScan of %s completed in %.2fs\n", target, result.Stats.Elapsed)
	fmt.Printf("Hosts: %d up, %d down, %d total\n",
		result.Stats.HostsUp, result.Stats.HostsDown, result.Stats.HostsTotal)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Host", "Port", "State", "Service", "Version")

	rows := 0
	for i := range result.Hosts {
		host := &result.Hosts[i]
		label := host.IP
		if host.Hostname != "" {
			label = fmt.Sprintf("%s (%s)", host.Hostname, host.IP)
		}

		if len(host.Ports) == 0 {
			_ = table.Append([]string{label, "-", host.Status, "-", "-"})
			rows++
			continue
		}

		for j := range host.Ports {
			port := &host.Ports[j]
			_ = table.Append([]string{
				label,
				fmt.Sprintf("%d/%s", port.Number, port.Protocol),
				port.State,
				port.Service,
				port.VersionInfo,
			})
			rows++
		}
	}

	if rows > 0 {
		fmt.Println()
		_ = table.Render()
	}
}

func runProfiles(_ *cobra.Command, _ []string) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Profile", "Arguments", "Privileged")

	for _, name := range profiles.ProfileNames() {
		_ = table.Append([]string{
			name,
			profiles.Arguments(name),
			strconv.FormatBool(profiles.RequiresPrivilege(name)),
		})
	}
	_ = table.Render()
}
