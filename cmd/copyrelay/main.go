package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/sawpanic/copyrelay/internal/config"
)

const (
	appName = "copyrelay"
	version = "v1.4.0"
)

var (
	configPath string
	logLevel   string
	prefix     string
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Master to slave trade signal relay",
		Version: version,
		Long: `copyrelay relays trading signals from one master terminal to any number of
slave terminals through a shared Redis ledger.

The master posts pending orders, fills, modifications, cancellations and
closures; slaves poll for the authoritative pending and filled sets plus the
recent events since their last sync.`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Path to YAML config file")
	pf.StringVar(&logLevel, "log-level", "", "Log level override (debug|info|warn|error)")
	pf.StringVar(&prefix, "prefix", "", "Ledger key prefix override")

	rootCmd.AddCommand(newServeCmd(), newMaintainCmd(), newResetCmd())
	return rootCmd
}

// loadConfig reads the config file and environment, then applies flags that
// were set explicitly on the command line.
func loadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if fs.Changed("prefix") {
		cfg.Prefix = prefix
	}
	if err := setupLogging(cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(level string) error {
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}
