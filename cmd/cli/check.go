package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/portwatch/portwatch/internal/db"
	"github.com/portwatch/portwatch/internal/logging"
	"github.com/portwatch/portwatch/internal/profiles"
	"github.com/portwatch/portwatch/internal/scanner"
)

const checkConnectTimeout = 5 * time.Second

// checkCmd verifies the scan environment.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the scan environment",
	Long: `Verify that the scan tool is installed, report whether the process
has the privileges needed for privileged scan profiles, and test database
connectivity.`,
	Run: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(_ *cobra.Command, _ []string) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	failed := false

	engine := scanner.NewEngine(scanner.Config{Binary: cfg.Scanner.Binary}, logging.Default())
	defer engine.Close()
	manager := profiles.NewManager(engine, cfg.Scanner.Binary, logging.Default())

	if toolVersion, err := manager.CheckNmapInstallation(); err != nil {
		fmt.Printf("Scan tool:  MISSING (%v)\n", err)
		failed = true
	} else {
		fmt.Printf("Scan tool:  %s %s\n", cfg.Scanner.Binary, toolVersion)
	}

	if manager.CheckPrivileges() {
		fmt.Println("Privileges: elevated (all profiles available)")
	} else {
		fmt.Println("Privileges: unprivileged (OS Detection and Comprehensive profiles will fail)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), checkConnectTimeout)
	defer cancel()

	database, err := db.Connect(ctx, &cfg.Database, logging.Default())
	if err != nil {
		fmt.Printf("Database:   UNAVAILABLE (%v)\n", err)
		failed = true
	} else {
		fmt.Printf("Database:   %s:%d/%s\n",
			cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
		_ = database.Close()
	}

	if failed {
		os.Exit(1)
	}
}
