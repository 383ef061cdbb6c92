// Command writer runs the Writer Core run loop, spec.md §4.7.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/psi/sf-daq-broker/internal/config"
	"github.com/psi/sf-daq-broker/internal/dispatch"
	"github.com/psi/sf-daq-broker/internal/sender"
	"github.com/psi/sf-daq-broker/internal/writer"
)

func main() {
	var logLevel string

	root := &cobra.Command{
		Use:   "writer",
		Short: "sf-daq-writer: consolidates retrieved channel data into run files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Get()
			if logLevel != "" {
				cfg.Server.LogLevel = logLevel
			}
			configureLogging(cfg.Server.LogLevel)
			return run(cfg)
		},
	}
	root.Flags().StringVar(&logLevel, "log_level", "", "log level (DEBUG, INFO, WARN, ERROR)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configureLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func run(cfg *config.Config) error {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	snd := sender.New(sender.NewRedisQueue(redisClient), sender.Config{
		QueueKey: cfg.Redis.QueueKey,
	})

	w := writer.New(snd, dispatch.New(cfg.Writer.DataAPIQueryAddress, 30*time.Second), writer.Config{
		ReceiveTimeout:         time.Duration(cfg.Writer.ReceiveTimeoutMs) * time.Millisecond,
		DataRetrievalDelay:     time.Duration(cfg.Writer.DataRetrievalDelaySec) * time.Second,
		ErrorIfNoData:          cfg.Writer.ErrorIfNoData,
		CompactLayout:          cfg.Writer.CompactLayout,
		FacilityUTCOffsetHours: cfg.Writer.FacilityUTCOffsetHours,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		slog.Info("writer: metrics listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("writer: metrics server failed", "error", err)
		}
	}()

	slog.Info("writer: entering run loop")
	w.Run(ctx)
	return nil
}
