// Package config is the configuration surface the embedding host hands
// to the engine. Everything here has a usable default; Validate
// normalizes and rejects impossible combinations.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quarrydb/quarry/core/storage/format"
	"github.com/quarrydb/quarry/core/vfs"
	"github.com/quarrydb/quarry/pkg/logger"
)

// SyncLevel controls how aggressively commits reach stable storage.
type SyncLevel string

const (
	// SyncOff never fsyncs; durability is left to the OS.
	SyncOff SyncLevel = "off"
	// SyncNormal fsyncs the WAL on commit.
	SyncNormal SyncLevel = "normal"
	// SyncFull additionally fsyncs the database file at checkpoint
	// boundaries before the WAL is reset.
	SyncFull SyncLevel = "full"
)

// Config collects all host-tunable engine parameters.
type Config struct {
	// PageSize in bytes. Power of two between 512 and 65536. Only
	// honored when creating a new database; existing files keep theirs.
	PageSize int `yaml:"page_size"`
	// CachePages is the page-cache capacity in pages.
	CachePages int `yaml:"cache_pages"`
	// WALAutoCheckpoint triggers a passive checkpoint once the log
	// holds this many frames. Zero disables auto-checkpointing.
	WALAutoCheckpoint int `yaml:"wal_auto_checkpoint"`
	// Synchronous is the durability level for commits.
	Synchronous SyncLevel `yaml:"synchronous"`
	// IOBackend selects "sync" (blocking) or "queue" (completion-queue)
	// I/O.
	IOBackend vfs.Backend `yaml:"io_backend"`
	// Log configures the engine logger.
	Log logger.Config `yaml:"log"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		PageSize:          format.DefaultPageSize,
		CachePages:        500,
		WALAutoCheckpoint: 1000,
		Synchronous:       SyncNormal,
		IOBackend:         vfs.BackendSync,
	}
}

// FromFile loads a YAML configuration file over the defaults.
func FromFile(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// Validate fills zero values with defaults and rejects bad settings.
func (c *Config) Validate() error {
	d := Default()
	if c.PageSize == 0 {
		c.PageSize = d.PageSize
	}
	if c.PageSize < format.MinPageSize || c.PageSize > format.MaxPageSize ||
		c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("page size %d must be a power of two in [%d, %d]",
			c.PageSize, format.MinPageSize, format.MaxPageSize)
	}
	if c.CachePages == 0 {
		c.CachePages = d.CachePages
	}
	if c.CachePages < 10 {
		return fmt.Errorf("cache of %d pages is too small (minimum 10)", c.CachePages)
	}
	if c.Synchronous == "" {
		c.Synchronous = d.Synchronous
	}
	switch c.Synchronous {
	case SyncOff, SyncNormal, SyncFull:
	default:
		return fmt.Errorf("unknown synchronous level %q", c.Synchronous)
	}
	if c.IOBackend == "" {
		c.IOBackend = d.IOBackend
	}
	switch c.IOBackend {
	case vfs.BackendSync, vfs.BackendQueue:
	default:
		return fmt.Errorf("unknown io backend %q", c.IOBackend)
	}
	return nil
}
