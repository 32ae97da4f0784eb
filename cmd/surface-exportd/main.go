package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/solarcloud7/clusterio-surface-export/pkg/cluster"
	"github.com/solarcloud7/clusterio-surface-export/pkg/config"
	"github.com/solarcloud7/clusterio-surface-export/pkg/controller"
	"github.com/solarcloud7/clusterio-surface-export/pkg/log"
	"github.com/solarcloud7/clusterio-surface-export/pkg/metrics"
	"github.com/solarcloud7/clusterio-surface-export/pkg/router"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "surface-exportd",
	Short: "Surface-export controller for clustered Factorio deployments",
	Long: `surface-exportd coordinates space-platform transfers between game
instances: it registers completed platform snapshots, orchestrates
multi-phase transfers with validation and rollback, journals every
transfer, and streams tree/transfer/log updates to control clients.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"surface-exportd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to controller config YAML")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(exportsCmd)
	rootCmd.AddCommand(logsCmd)
}

// loadConfig resolves the effective configuration from file and flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if jsonOut, _ := cmd.Flags().GetBool("log-json"); jsonOut {
		cfg.LogJSON = true
	}
	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the surface-export controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})

		rt := router.New(cfg.RequestTimeout())
		dir := cluster.NewDirectory()

		ctrl, err := controller.New(cfg, rt, dir)
		if err != nil {
			return fmt.Errorf("failed to start controller: %w", err)
		}

		if cfg.MetricsAddr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				log.Info(fmt.Sprintf("Metrics listening on %s", cfg.MetricsAddr))
				if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
					log.Errorf("Metrics server stopped", err)
				}
			}()
		}

		log.Info("Surface-export controller running; waiting for host bridges to attach")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("Shutting down...")
		ctrl.Shutdown()
		return nil
	},
}

var exportsCmd = &cobra.Command{
	Use:   "exports",
	Short: "Inspect persisted export storage",
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Inspect persisted transaction logs",
}

func init() {
	exportsCmd.AddCommand(exportsListCmd)
	logsCmd.AddCommand(logsListCmd)
}
