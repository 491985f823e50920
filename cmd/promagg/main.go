package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/promagg/internal/aggregator"
	"github.com/ethpandaops/promagg/internal/config"
	"github.com/ethpandaops/promagg/internal/version"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promagg",
		Short: "Asynchronous Prometheus metrics exporter and aggregator",
		Long: `promagg forwards counter, gauge and histogram observations from
short-lived or forking processes to an out-of-process aggregator,
which exposes them for Prometheus to scrape.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(
		&cfgFile, "config", "",
		"path to config file (defaults apply when omitted)",
	)
	cmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "",
		"override log level (debug, info, warn, error)",
	)

	cmd.AddCommand(aggregatorCmd(), emitCmd(), versionCmd())

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.FullWithPlatform())
		},
	}
}

// setup loads the config file, if any, and builds the logger.
func setup() (*config.Config, logrus.FieldLogger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg := config.DefaultConfig()

	if cfgFile != "" {
		loaded, err := config.LoadConfig(cfgFile)
		if err != nil {
			return nil, nil, fmt.Errorf("loading config: %w", err)
		}

		cfg = loaded
	}

	// CLI flag overrides config file.
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing log level %q: %w", cfg.LogLevel, err)
	}

	log.SetLevel(level)

	return cfg, log, nil
}

func aggregatorCmd() *cobra.Command {
	var listenAddr, metricsAddr string

	cmd := &cobra.Command{
		Use:   "aggregator",
		Short: "Run the reference aggregator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}

			if listenAddr != "" {
				cfg.Aggregator.ListenAddr = listenAddr
			}

			if metricsAddr != "" {
				cfg.Aggregator.MetricsAddr = metricsAddr
			}

			return runAggregator(log, cfg.Aggregator)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "override aggregator.listen_addr")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "override aggregator.metrics_addr")

	return cmd
}

func runAggregator(log logrus.FieldLogger, cfg aggregator.Config) error {
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	srv, err := aggregator.NewServer(log, cfg)
	if err != nil {
		return fmt.Errorf("creating aggregator: %w", err)
	}

	log.WithField("version", version.Full()).Info("Starting promagg aggregator")

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting aggregator: %w", err)
	}

	<-ctx.Done()

	log.Info("Shutting down promagg aggregator")

	if err := srv.Stop(); err != nil {
		log.WithError(err).Error("Error during shutdown")

		return fmt.Errorf("stopping aggregator: %w", err)
	}

	log.Info("Shutdown complete")

	return nil
}
