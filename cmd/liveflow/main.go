// Command liveflow subscribes to change streams, runs the dev upstream and serves the
// status API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nkkko/liveflow/internal/config"
	"github.com/nkkko/liveflow/internal/logging"
)

var (
	configFile string
	flags      config.Flags
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "liveflow",
	Short: "Live change notifications and cache invalidation",
	Long: `liveflow keeps query results fresh by listening to a server-sent change stream.

Subscribers with the same filters and scope share one connection; significant
changes invalidate cached queries after a debounce window.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupCommand,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "path to a YAML config file")
	pf.StringVar(&flags.BaseURL, "base-url", "", "upstream base URL (overrides config)")
	pf.StringVar(&flags.Transport, "transport", "", "stream transport: sse or websocket")
	pf.StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(newWatchCmd(), newDevServerCmd(), newServeCmd())
}

// setupCommand loads configuration and configures logging before any subcommand runs
func setupCommand(cmd *cobra.Command, _ []string) error {
	loaded, err := config.LoadConfig(configFile, flags)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := logging.Setup(loaded.ToLoggingConfig()); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	cfg = loaded
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
