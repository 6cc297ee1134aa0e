// Command nod-peer bootstraps one peer process of a NOD cluster: it
// loads the cluster's address book, starts this rank's RMA server,
// opens the database, and serves Prometheus metrics alongside a health
// endpoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/nod"
	"github.com/cuemby/nod/config"
	"github.com/cuemby/nod/internal/nodlog"
	"github.com/cuemby/nod/internal/nodmetrics"
	"github.com/cuemby/nod/rma/grpcpeer"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "nod-peer",
	Short:   "Run one peer process of a NOD distributed property graph",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("nod-peer version %s (%s)\n", Version, Commit))

	rootCmd.Flags().String("config", "", "Path to the peer's YAML config file (required)")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
	_ = rootCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	nodlog.Init(nodlog.Config{Level: nodlog.Level(logLevel), JSONOutput: logJSON})

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := nodlog.WithPeer(cfg.Rank)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := grpcpeer.NewServer(cfg.Rank == 0, cfg.Size())
	selfAddr := cfg.Peers[cfg.Rank].Addr
	serverErrs := make(chan error, 1)
	go func() {
		serverErrs <- server.Start(selfAddr)
	}()

	facade := grpcpeer.NewFacade(server, cfg.Rank, cfg.Addrs())
	defer facade.Close()

	log.Info().Str("addr", selfAddr).Int("peers", cfg.Size()).Msg("waiting for cluster barrier")
	if err := facade.Group().Barrier(ctx); err != nil {
		return fmt.Errorf("startup barrier: %w", err)
	}

	db, err := nod.Open(ctx, facade, nod.Options{
		BlockSizeBytes:         cfg.BlockSizeBytes,
		NumBlocksPerPeer:       cfg.NumBlocksPerPeer,
		IndexTableSlotsPerPeer: cfg.IndexTableSlotsPerPeer,
		IndexHeapSlotsPerPeer:  cfg.IndexHeapSlotsPerPeer,
		Debug:                  cfg.Debug,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	_ = db
	log.Info().Msg("database open")

	mux := http.NewServeMux()
	mux.Handle("/metrics", nodmetrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErrs:
		if err != nil {
			log.Error().Err(err).Msg("rma server exited")
		}
	}

	cancel()
	_ = metricsSrv.Close()
	server.Stop()
	return nil
}
