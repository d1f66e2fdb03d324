// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

package creatornode

import (
	"time"

	"audius.co/creatornode/creatornode/contentstore"
	"audius.co/creatornode/creatornode/export"
	"audius.co/creatornode/creatornode/skipped"
	"audius.co/creatornode/creatornode/snapback"
	"audius.co/creatornode/creatornode/syncer"
)

// Config is the full runtime configuration of a creator node.
type Config struct {
	Identity IdentityConfig
	Server   ServerConfig
	Database DatabaseConfig
	Storage  StorageConfig
	Redis    RedisConfig
	Sync     SyncConfig
	Snapback SnapbackConfig
	Skipped  SkippedConfig
	Export   ExportConfig
}

// IdentityConfig describes this node on chain.
type IdentityConfig struct {
	Endpoint    string // public endpoint of this creator node
	DelegateKey string // shared delegate private key for signed peer requests
	ChainURL    string // base URL of the chain gateway
	DevMode     bool   // shorten bootstrap polling for local development
}

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	Address string
}

// DatabaseConfig locates the clock log database.
type DatabaseConfig struct {
	Path string
}

// StorageConfig locates the content store.
type StorageConfig struct {
	Dir            string
	MaxUsedPercent float64 // refuse syncs above this disk usage
}

// RedisConfig locates the coordination store.
type RedisConfig struct {
	Address string // redis:// URL
}

// SyncConfig tunes the sync executor.
type SyncConfig struct {
	MaxConcurrency            int
	FileSaveMaxConcurrency    int
	MaxFailureCountBeforeSkip int64
	LockTTL                   time.Duration
	FetchAttemptTimeout       time.Duration
	AllowedPeers              []string // optional sync-source whitelist
	DeniedPeers               []string // optional sync-source blacklist
}

// SnapbackConfig tunes the snapback state machine.
type SnapbackConfig struct {
	Interval           time.Duration
	BatchSize          int
	UnhealthyThreshold int64
	ProbeTimeout       time.Duration
}

// SkippedConfig tunes the skipped-CID retry loop.
type SkippedConfig struct {
	Interval  time.Duration
	BatchSize int
}

// ExportConfig tunes the exporter.
type ExportConfig struct {
	Window int64 // maximum clock records per exported user
}

// DefaultConfig returns the production defaults. Identity fields have no
// defaults and must be supplied.
func DefaultConfig() Config {
	return Config{
		Server:   ServerConfig{Address: ":4000"},
		Database: DatabaseConfig{Path: "creatornode.db"},
		Storage:  StorageConfig{Dir: "file_storage", MaxUsedPercent: 95},
		Redis:    RedisConfig{Address: "redis://127.0.0.1:6379?db=0"},
		Sync: SyncConfig{
			MaxConcurrency:            100,
			FileSaveMaxConcurrency:    10,
			MaxFailureCountBeforeSkip: 3,
			LockTTL:                   syncer.DefaultLockTTL,
			FetchAttemptTimeout:       contentstore.DefaultAttemptTimeout,
		},
		Snapback: SnapbackConfig{
			Interval:           time.Minute,
			BatchSize:          100,
			UnhealthyThreshold: 5,
			ProbeTimeout:       5 * time.Second,
		},
		Skipped: SkippedConfig{
			Interval:  10 * time.Minute,
			BatchSize: 100,
		},
		Export: ExportConfig{Window: export.DefaultWindow},
	}
}

func (config SyncConfig) service(maxStorageUsedPercent float64) syncer.Config {
	return syncer.Config{
		MaxConcurrency:            config.MaxConcurrency,
		FileSaveMaxConcurrency:    config.FileSaveMaxConcurrency,
		MaxFailureCountBeforeSkip: config.MaxFailureCountBeforeSkip,
		MaxStorageUsedPercent:     maxStorageUsedPercent,
		AllowedPeers:              config.AllowedPeers,
		DeniedPeers:               config.DeniedPeers,
	}
}

func (config SnapbackConfig) service() snapback.Config {
	return snapback.Config{
		Interval:           config.Interval,
		BatchSize:          config.BatchSize,
		UnhealthyThreshold: config.UnhealthyThreshold,
		ProbeTimeout:       config.ProbeTimeout,
	}
}

func (config SkippedConfig) service() skipped.Config {
	return skipped.Config{
		Interval:  config.Interval,
		BatchSize: config.BatchSize,
	}
}
