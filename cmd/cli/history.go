package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/portwatch/portwatch/internal/db"
	"github.com/portwatch/portwatch/internal/logging"
)

var (
	historyLimit  int
	historyOffset int
)

// historyCmd represents the history command.
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse saved scan results",
	Example: `  portwatch history
  portwatch history --limit 10
  portwatch history show <id>
  portwatch history delete <id>`,
	Run: runHistoryList,
}

// historyShowCmd shows one saved scan with its hosts and ports.
var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a saved scan result",
	Args:  cobra.ExactArgs(1),
	Run:   runHistoryShow,
}

// historyDeleteCmd deletes a saved scan.
var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a saved scan result",
	Args:  cobra.ExactArgs(1),
	Run:   runHistoryDelete,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyDeleteCmd)

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of scans to list")
	historyCmd.Flags().IntVar(&historyOffset, "offset", 0, "Number of scans to skip")
}

// scanStore builds a scan store backed by the configured database.
func scanStore(ctx context.Context) (*db.ScanStore, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	database, err := db.Connect(ctx, &cfg.Database, logging.Default())
	if err != nil {
		return nil, nil, err
	}

	store := db.NewScanStore(database, logging.Default())
	return store, func() { _ = database.Close() }, nil
}

func runHistoryList(_ *cobra.Command, _ []string) {
	ctx := context.Background()

	store, closeDB, err := scanStore(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeDB()

	scans, err := store.ListScans(ctx, historyLimit, historyOffset)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing scans: %v\n", err)
		os.Exit(1)
	}

	if len(scans) == 0 {
		fmt.Println("No saved scans found")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Target", "Profile", "Started", "Hosts Up", "Elapsed")

	for _, scan := range scans {
		_ = table.Append([]string{
			shortID(scan.ID),
			scan.Target,
			scan.Profile,
			scan.StartedAt.Local().Format("2006-01-02 15:04"),
			strconv.Itoa(scan.HostsUp),
			fmt.Sprintf("%.1fs", scan.Elapsed),
		})
	}
	_ = table.Render()
}

func runHistoryShow(_ *cobra.Command, args []string) {
	ctx := context.Background()
	id := parseScanID(args[0])

	store, closeDB, err := scanStore(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeDB()

	scan, err := store.GetScan(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading scan: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Scan %s\n", scan.ID)
	fmt.Printf("Target:  %s (%s)\n", scan.Target, scan.Profile)
	fmt.Printf("Started: %s\n", scan.StartedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Hosts:   %d up, %d down, %d total\n",
		scan.HostsUp, scan.HostsDown, scan.HostsTotal)

	hosts, err := store.GetScanHosts(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading hosts: %v\n", err)
		os.Exit(1)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Host", "Status", "Port", "State", "Service", "Version")

	for _, host := range hosts {
		label := host.IP
		if host.Hostname != nil {
			label = fmt.Sprintf("%s (%s)", *host.Hostname, host.IP)
		}

		ports, err := store.GetHostPorts(ctx, host.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading ports: %v\n", err)
			os.Exit(1)
		}

		if len(ports) == 0 {
			_ = table.Append([]string{label, host.Status, "-", "-", "-", "-"})
			continue
		}

		for _, port := range ports {
			_ = table.Append([]string{
				label,
				host.Status,
				fmt.Sprintf("%d/%s", port.Number, port.Protocol),
				port.State,
				stringOrDash(port.Service),
				stringOrDash(port.VersionInfo),
			})
		}
	}

	fmt.Println()
	_ = table.Render()
}

func runHistoryDelete(_ *cobra.Command, args []string) {
	ctx := context.Background()
	id := parseScanID(args[0])

	store, closeDB, err := scanStore(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeDB()

	if err := store.DeleteScan(ctx, id); err != nil {
		fmt.Fprintf(os.Stderr, "Error deleting scan: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Deleted scan %s\n", id)
}

func parseScanID(raw string) uuid.UUID {
	id, err := uuid.Parse(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid scan id %q\n", raw)
		os.Exit(1)
	}
	return id
}

func stringOrDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
