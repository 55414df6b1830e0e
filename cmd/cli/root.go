// Package cli implements the Cobra-based command-line interface for
// portwatch: ad-hoc scans, scan history, schedule management, environment
// checks, and the evaluator daemon.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/portwatch/portwatch/internal/config"
	"github.com/portwatch/portwatch/internal/logging"
)

var (
	cfgFile string
	verbose bool
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "portwatch",
	Short: "Network scan orchestration",
	Long: `Portwatch runs nmap scans with bounded concurrency, tracks their
progress, persists extracted results, and evaluates one-time, recurring
and cron schedules.`,
	Version: getVersion(),
}

// Execute adds all child commands to the root command and sets flags
// appropriately. It is called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./portwatch.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind verbose flag: %v\n", err)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("portwatch")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PORTWATCH")

	setConfigDefaults()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}

	initLogging()
}

// setConfigDefaults sets default values for configuration.
func setConfigDefaults() {
	viper.SetDefault("scanner.binary", "nmap")
	viper.SetDefault("scanner.max_concurrent_scans", 3)

	viper.SetDefault("scheduler.check_interval", "60s")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "portwatch")
	viper.SetDefault("database.username", "portwatch")
	viper.SetDefault("database.ssl_mode", "disable")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.listen_addr", "127.0.0.1")
	viper.SetDefault("metrics.port", 9090)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.output", "stdout")
}

// getConfigFilePath returns the config file the commands should load.
func getConfigFilePath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	if cfgFile != "" {
		return cfgFile
	}
	return "portwatch.yaml"
}

// loadConfig loads and validates the full configuration.
func loadConfig() (*config.Config, error) {
	return config.Load(getConfigFilePath())
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}

// initLogging initializes structured logging based on configuration.
func initLogging() {
	cfg, err := loadConfig()
	if err != nil {
		logging.SetDefault(logging.NewDefault())
		return
	}

	logConfig := cfg.Logging
	logConfig.AddSource = cfg.Logging.Level == logging.LevelDebug

	logger, err := logging.New(logConfig)
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)

	if verbose {
		logging.Info("structured logging initialized",
			"level", cfg.Logging.Level, "format", cfg.Logging.Format)
	}
}
