package engine

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rptdb/rptdb/internal/pager"
)

// Config is the engine's on-disk YAML configuration, covering the pager,
// lock manager, and maintenance scheduler in one document.
type Config struct {
	DBPath  string `yaml:"db_path"`
	WALPath string `yaml:"wal_path"`

	PageSize      int `yaml:"page_size"`
	MaxCachePages int `yaml:"max_cache_pages"`
	MaxActiveTxns int `yaml:"max_active_txns"`
	MaxDirtyPages int `yaml:"max_dirty_pages"`

	LockWaitTimeout time.Duration `yaml:"lock_wait_timeout"`

	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	CheckpointCron      string       `yaml:"checkpoint_cron"`

	WorkerPoolSize int `yaml:"worker_pool_size"`
	RequestQueueSize int `yaml:"request_queue_size"`
}

// DefaultConfig returns sane defaults for a single-file embedded store.
func DefaultConfig(dbPath string) Config {
	return Config{
		DBPath:             dbPath,
		WALPath:            dbPath + ".wal",
		PageSize:           pager.DefaultPageSize,
		MaxCachePages:      1024,
		MaxActiveTxns:      256,
		MaxDirtyPages:      4096,
		LockWaitTimeout:    5 * time.Second,
		CheckpointInterval: 30 * time.Second,
		WorkerPoolSize:     4,
		RequestQueueSize:   256,
	}
}

// LoadConfig reads and parses a YAML config file, filling any zero field
// with DefaultConfig's value for that field.
func LoadConfig(path string) (Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig("")
	cfg.WALPath = "" // derived from DBPath below unless the file sets it
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return Config{}, err
	}
	if cfg.WALPath == "" && cfg.DBPath != "" {
		cfg.WALPath = cfg.DBPath + ".wal"
	}
	return cfg, nil
}

// Save writes the config back out as YAML, for tooling that wants to
// persist a config derived at runtime.
func (c Config) Save(path string) error {
	buf, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}

func (c Config) pagerConfig() pager.PagerConfig {
	return pager.PagerConfig{
		DBPath:        c.DBPath,
		WALPath:       c.WALPath,
		PageSize:      c.PageSize,
		MaxCachePages: c.MaxCachePages,
		MaxActiveTxns: c.MaxActiveTxns,
		MaxDirtyPages: c.MaxDirtyPages,
	}
}
