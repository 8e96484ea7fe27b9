package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/encodeous/tint"
	"github.com/hivemesh/hivemesh/internal/config"
	"github.com/hivemesh/hivemesh/internal/mesh"
	"github.com/hivemesh/hivemesh/internal/pool"
	"github.com/hivemesh/hivemesh/internal/proto"
	"github.com/hivemesh/hivemesh/internal/telemetry"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a mesh node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return err
			}
			cfg = config.Default()
		}
		return runNode(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func setupLogger(cfg config.Config) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	console := tint.NewHandler(os.Stderr, &tint.Options{
		Level:        level,
		TimeFormat:   "15:04:05",
		CustomPrefix: cfg.NodeID,
	})
	handler := slog.Handler(console)
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		handler = slogmulti.Fanout(console, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func runNode(ctx context.Context, cfg config.Config) error {
	if err := setupLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	node, err := mesh.NewNode(ctx, mesh.NodeConfig{
		ID:                proto.PeerID(cfg.NodeID),
		Addr:              cfg.Addr,
		AdvertiseInterval: cfg.AdvertiseInterval,
		DisableDiscovery:  cfg.DisableDiscovery,
		Pool: pool.Config{
			MaxSize:         cfg.MaxPoolSize,
			IdleTimeout:     cfg.IdleTimeout,
			CleanupInterval: cfg.CleanupInterval,
			PingTimeout:     cfg.PingTimeout,
		},
		Relay: mesh.Config{
			MaxTTL:        cfg.MaxTTL,
			SeenCacheSize: cfg.SeenCacheSize,
			SeenCacheTTL:  cfg.SeenCacheTTL,
		},
		OnMessage: func(src proto.PeerID, payload []byte) {
			slog.Info("message received", "from", src, "bytes", len(payload))
		},
	})
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer node.Close()
	slog.Info("node started", "id", cfg.NodeID, "addr", node.Addr())

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.MetricsHandler())
		mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(node.Relay().Stats())
		})
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				slog.Warn("metrics server stopped", "err", err)
			}
		}()
		slog.Info("metrics listening", "addr", cfg.MetricsAddr)
	}

	<-ctx.Done()
	slog.Info("node shutting down")
	return nil
}
