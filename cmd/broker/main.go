// Command broker runs the acquisition-coordination REST facade,
// spec.md §6 "CLI surface (broker)".
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

	"github.com/psi/sf-daq-broker/internal/api"
	"github.com/psi/sf-daq-broker/internal/audit"
	"github.com/psi/sf-daq-broker/internal/broker"
	"github.com/psi/sf-daq-broker/internal/config"
	"github.com/psi/sf-daq-broker/internal/detector"
	"github.com/psi/sf-daq-broker/internal/epicswriter"
	"github.com/psi/sf-daq-broker/internal/registry"
	"github.com/psi/sf-daq-broker/internal/roster"
	"github.com/psi/sf-daq-broker/internal/scaninfo"
	"github.com/psi/sf-daq-broker/internal/sender"
)

func main() {
	var (
		channelsFile   string
		outputPort     int
		queueLength    int64
		restPort       int
		logLevel       string
		auditTrailOnly bool
		epicsWriterURL string
	)

	root := &cobra.Command{
		Use:   "broker",
		Short: "sf-daq-broker: synchrotron acquisition broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Get()
			applyFlagOverrides(cfg, channelsFile, outputPort, queueLength, restPort, logLevel, auditTrailOnly, epicsWriterURL)
			configureLogging(cfg.Server.LogLevel)
			return run(cfg)
		},
	}

	root.Flags().StringVar(&channelsFile, "channels_file", "", "path to the BSREAD channel roster file")
	root.Flags().IntVar(&outputPort, "output_port", 0, "outbound writer-queue port (informational; transport is Redis)")
	root.Flags().Int64Var(&queueLength, "queue_length", 0, "bounded outbound queue depth")
	root.Flags().IntVar(&restPort, "rest_port", 0, "REST facade listen port")
	root.Flags().StringVar(&logLevel, "log_level", "", "log level (DEBUG, INFO, WARN, ERROR)")
	root.Flags().BoolVar(&auditTrailOnly, "audit_trail_only", false, "record the audit trail without dispatching to the writer")
	root.Flags().StringVar(&epicsWriterURL, "epics_writer_url", "", "epics writer PUT target")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func applyFlagOverrides(cfg *config.Config, channelsFile string, outputPort int, queueLength int64, restPort int, logLevel string, auditTrailOnly bool, epicsWriterURL string) {
	if channelsFile != "" {
		cfg.Broker.ChannelsFile = channelsFile
	}
	if outputPort != 0 {
		cfg.Broker.OutputPort = outputPort
	}
	if queueLength != 0 {
		cfg.Broker.QueueLength = queueLength
	}
	if restPort != 0 {
		cfg.Server.RestPort = restPort
	}
	if logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}
	if auditTrailOnly {
		cfg.Broker.AuditTrailOnly = auditTrailOnly
	}
	if epicsWriterURL != "" {
		cfg.Broker.EpicsWriterURL = epicsWriterURL
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
	rost, err := roster.New(cfg.Broker.ChannelsFile, cfg.Broker.ChannelsLimit, cfg.Broker.ChannelsLimitPicture)
	if err != nil {
		return fmt.Errorf("broker: loading channel roster: %w", err)
	}
	if err := rost.WatchForChanges(); err != nil {
		slog.Warn("broker: roster hot-reload watch failed, continuing without it", "error", err)
	}
	defer rost.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	snd := sender.New(sender.NewRedisQueue(redisClient), sender.Config{
		QueueKey:       cfg.Redis.QueueKey,
		QueueLength:    cfg.Broker.QueueLength,
		SendTimeout:    time.Duration(cfg.Broker.SendTimeoutMs) * time.Millisecond,
		Mode:           sender.ModeDropOldest,
		EpicsWriterURL: cfg.Broker.EpicsWriterURL,
		HTTPTimeout:    time.Duration(cfg.Broker.HTTPTimeoutSec) * time.Second,
	})

	mgr := broker.New(
		cfg,
		registry.New(cfg.Paths.DataRoot),
		rost,
		snd,
		audit.New(cfg.Broker.AuditFilename, cfg.Broker.AuditFileTimeFormat),
		detector.New(),
		epicswriter.New(cfg.Broker.EpicsWriterURL, time.Duration(cfg.Broker.HTTPTimeoutSec)*time.Second),
		scaninfo.New(),
	)

	mux := http.NewServeMux()
	mux.Handle("/", api.New(mgr))
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.RestPort),
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("broker: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("broker: server failed", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSec)*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
