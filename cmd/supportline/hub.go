package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zulandar/supportline/internal/db"
	"github.com/zulandar/supportline/internal/devhub"
	"github.com/zulandar/supportline/internal/notify"
)

func newHubCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the local development hub",
	}
	cmd.AddCommand(newHubServeCmd())
	return cmd
}

func newHubServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the support chat hub and REST API locally",
		Long:  "Starts a development hub speaking the support chat websocket and REST protocols, backed by sqlite or mysql.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHubServe(cmd, configPath, port)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to supportline config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides config)")
	return cmd
}

func runHubServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	dh := cfg.DevHub
	if port > 0 {
		dh.Port = port
	}
	if len(dh.Users) == 0 {
		return fmt.Errorf("devhub.users is empty: configure at least one user token")
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	gormDB, err := db.Connect(dh.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	notifier, err := notify.New(dh.Notify, logger.Named("notify"))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := devhub.New(devhub.Opts{
		DB:           gormDB,
		Port:         dh.Port,
		PingInterval: time.Duration(dh.PingIntervalSec) * time.Second,
		Users:        dh.Users,
		AutoClose:    dh.AutoClose,
		Notifier:     notifier,
		Registry:     reg,
		Logger:       logger.Named("devhub"),
		Out:          cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("dev hub starting",
		zap.Int("port", dh.Port),
		zap.String("database", dh.Database.Driver),
		zap.Int("users", len(dh.Users)))
	return srv.Run(ctx)
}
