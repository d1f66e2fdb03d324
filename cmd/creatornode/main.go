// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"audius.co/creatornode/creatornode"
)

func main() {
	root := &cobra.Command{
		Use:   "creatornode",
		Short: "Creator node replica-set synchronization service",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the creator node",
		RunE:  cmdRun,
	}
	root.AddCommand(runCmd)

	flags := runCmd.Flags()
	defaults := creatornode.DefaultConfig()

	flags.String("endpoint", "", "public endpoint of this creator node")
	flags.String("delegate-key", "", "shared delegate private key for signed peer requests")
	flags.String("chain-url", "", "base URL of the chain gateway")
	flags.Bool("dev-mode", false, "shorten bootstrap polling for local development")
	flags.String("server.address", defaults.Server.Address, "address to listen on")
	flags.String("database.path", defaults.Database.Path, "path of the sqlite database file")
	flags.String("storage.dir", defaults.Storage.Dir, "directory for content-addressed files")
	flags.Float64("storage.max-used-percent", defaults.Storage.MaxUsedPercent, "refuse syncs above this disk usage")
	flags.String("redis.address", defaults.Redis.Address, "redis URL of the coordination store")
	flags.Int("sync.max-concurrency", defaults.Sync.MaxConcurrency, "concurrent sync jobs")
	flags.Int("sync.file-save-max-concurrency", defaults.Sync.FileSaveMaxConcurrency, "concurrent content fetches per sync")
	flags.Int64("sync.max-failure-count-before-skip", defaults.Sync.MaxFailureCountBeforeSkip, "failed sync attempts before missing files are skipped")
	flags.Duration("sync.lock-ttl", defaults.Sync.LockTTL, "per-user sync lock duration")
	flags.Duration("sync.fetch-attempt-timeout", defaults.Sync.FetchAttemptTimeout, "timeout per peer when fetching one file")
	flags.StringSlice("sync.allowed-peers", nil, "optional whitelist of sync-source endpoints")
	flags.StringSlice("sync.denied-peers", nil, "optional blacklist of sync-source endpoints")
	flags.Duration("snapback.interval", defaults.Snapback.Interval, "cadence of the state machine loop")
	flags.Int("snapback.batch-size", defaults.Snapback.BatchSize, "users inspected per tick")
	flags.Int64("snapback.unhealthy-threshold", defaults.Snapback.UnhealthyThreshold, "failed probes before a secondary is replaced")
	flags.Duration("snapback.probe-timeout", defaults.Snapback.ProbeTimeout, "timeout of a secondary clock probe")
	flags.Duration("skipped.interval", defaults.Skipped.Interval, "cadence of the skipped-CID retry loop")
	flags.Int("skipped.batch-size", defaults.Skipped.BatchSize, "skipped files re-attempted per tick")
	flags.Int64("export.window", defaults.Export.Window, "maximum clock records per exported user")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func cmdRun(cmd *cobra.Command, args []string) error {
	vip := viper.New()
	vip.SetEnvPrefix("creatornode")
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()
	if err := vip.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	config := creatornode.Config{
		Identity: creatornode.IdentityConfig{
			Endpoint:    vip.GetString("endpoint"),
			DelegateKey: vip.GetString("delegate-key"),
			ChainURL:    vip.GetString("chain-url"),
			DevMode:     vip.GetBool("dev-mode"),
		},
		Server: creatornode.ServerConfig{
			Address: vip.GetString("server.address"),
		},
		Database: creatornode.DatabaseConfig{
			Path: vip.GetString("database.path"),
		},
		Storage: creatornode.StorageConfig{
			Dir:            vip.GetString("storage.dir"),
			MaxUsedPercent: vip.GetFloat64("storage.max-used-percent"),
		},
		Redis: creatornode.RedisConfig{
			Address: vip.GetString("redis.address"),
		},
		Sync: creatornode.SyncConfig{
			MaxConcurrency:            vip.GetInt("sync.max-concurrency"),
			FileSaveMaxConcurrency:    vip.GetInt("sync.file-save-max-concurrency"),
			MaxFailureCountBeforeSkip: vip.GetInt64("sync.max-failure-count-before-skip"),
			LockTTL:                   vip.GetDuration("sync.lock-ttl"),
			FetchAttemptTimeout:       vip.GetDuration("sync.fetch-attempt-timeout"),
			AllowedPeers:              vip.GetStringSlice("sync.allowed-peers"),
			DeniedPeers:               vip.GetStringSlice("sync.denied-peers"),
		},
		Snapback: creatornode.SnapbackConfig{
			Interval:           vip.GetDuration("snapback.interval"),
			BatchSize:          vip.GetInt("snapback.batch-size"),
			UnhealthyThreshold: vip.GetInt64("snapback.unhealthy-threshold"),
			ProbeTimeout:       vip.GetDuration("snapback.probe-timeout"),
		},
		Skipped: creatornode.SkippedConfig{
			Interval:  vip.GetDuration("skipped.interval"),
			BatchSize: vip.GetInt("skipped.batch-size"),
		},
		Export: creatornode.ExportConfig{
			Window: vip.GetInt64("export.window"),
		},
	}

	switch {
	case config.Identity.Endpoint == "":
		return fmt.Errorf("--endpoint is required")
	case config.Identity.DelegateKey == "":
		return fmt.Errorf("--delegate-key is required")
	case config.Identity.ChainURL == "":
		return fmt.Errorf("--chain-url is required")
	}

	log, err := newLogger(config.Identity.DevMode)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	peer, err := creatornode.New(ctx, log, config)
	if err != nil {
		log.Error("failed to create peer", zap.Error(err))
		return err
	}

	runErr := peer.Run(ctx)
	closeErr := peer.Close()
	if runErr != nil {
		log.Error("peer exited with error", zap.Error(runErr))
		return runErr
	}
	if closeErr != nil {
		log.Error("close failed", zap.Error(closeErr))
		return closeErr
	}
	log.Info("shutdown complete")
	return nil
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
