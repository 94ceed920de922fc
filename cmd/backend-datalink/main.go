package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ultimaops/backend-datalink/pkg/config"
	"github.com/ultimaops/backend-datalink/pkg/gateway"
	"github.com/ultimaops/backend-datalink/pkg/log"
	"github.com/ultimaops/backend-datalink/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var cfgPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "backend-datalink",
	Short: "Telemetry and control gateway",
	Long: `backend-datalink bridges WebSocket dashboard clients and an
MQTT control bus: it fans live host metrics out to subscribed clients,
persists connection and message history, and executes JSON-RPC 2.0
requests arriving over the broker.`,
	Version:      Version,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"backend-datalink version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().StringVar(&cfgPath, "pkg_config", "", "path to the JSON configuration file")
	_ = rootCmd.MarkFlagRequired("pkg_config")
}

func run(cmd *cobra.Command, args []string) error {
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	metrics.SetVersion(Version)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return err
	}
	if err := gw.Start(); err != nil {
		gw.Stop()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	gw.Stop()
	return nil
}
