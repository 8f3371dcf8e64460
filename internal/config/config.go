// Package config holds OPERATOR-LEVEL configuration for a covenant
// installation: storage backend selection, trust thresholds and tuning,
// backup policy, and retention. Set via env vars (COVENANT_*) or a config
// file (covenant.config.yaml). Agent identities and scores are data, not
// configuration; they live in the trust store.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/covenantd/covenant/internal/store"
	"github.com/covenantd/covenant/internal/trust"
)

// Viper keys. Each maps to an env var with the COVENANT_ prefix
// (e.g. "storage_backend" → COVENANT_STORAGE_BACKEND) and to a YAML field
// in covenant.config.yaml.
const (
	KeyDataDir        = "data_dir"
	KeyStorageBackend = "storage_backend"
	KeySchemaTarget   = "schema_target_version"

	KeyThresholdBasicTask    = "threshold_basic_task"
	KeyThresholdCriticalTask = "threshold_critical_task"
	KeyThresholdDelegation   = "threshold_delegation"
	KeyThresholdVerification = "threshold_verification"
	KeyThresholdConsensus    = "threshold_consensus"

	KeyBackupEnabled             = "backup_enabled"
	KeyBackupInterval            = "backup_interval"
	KeyBackupOnSignificantChange = "backup_on_significant_change"
	KeyBackupChangeThreshold     = "backup_significant_change_threshold"
	KeyBackupRetainCount         = "backup_retain_count"
	KeyBackupRetainAge           = "backup_retain_age"

	KeyLockTimeout     = "lock_timeout"
	KeyCacheMaxEntries = "cache_max_entries"
	KeyRetentionDays   = "retention_days"
	KeyDecayInterval   = "decay_interval"
)

// Defaults.
const (
	DefaultBackend         = store.KindSQLite
	DefaultLockTimeout     = 5 * time.Second
	DefaultCacheMaxEntries = 10000
	DefaultRetentionDays   = 90
	DefaultDecayInterval   = 24 * time.Hour
)

// Config is the resolved operator configuration for a covenant process.
type Config struct {
	DataDir        string // base directory for all state (~/.covenant)
	StorageBackend string // sqlite | file | memory
	SchemaTarget   int    // migration target version

	Thresholds trust.Thresholds

	BackupEnabled             bool
	BackupInterval            time.Duration
	BackupOnSignificantChange bool
	BackupChangeThreshold     float64
	BackupRetainCount         int
	BackupRetainAge           time.Duration

	LockTimeout     time.Duration // per-agent cache lock acquisition bound
	CacheMaxEntries int           // cached score ceiling, 0 for unbounded
	RetentionDays   int           // update events older than this are cleanup candidates
	DecayInterval   time.Duration // scheduled decay sweep interval, 0 disables
}

// TrustDBPath returns the SQLite database path.
func (c *Config) TrustDBPath() string {
	return filepath.Join(c.DataDir, "trust.db")
}

// FileStoreDir returns the file backend's data directory.
func (c *Config) FileStoreDir() string {
	return filepath.Join(c.DataDir, "trust")
}

// BackupDir returns where snapshots are written.
func (c *Config) BackupDir() string {
	return filepath.Join(c.DataDir, "backups")
}

// StorePath returns the backend-appropriate storage path.
func (c *Config) StorePath() string {
	if c.StorageBackend == store.KindFile {
		return c.FileStoreDir()
	}
	return c.TrustDBPath()
}

// BackupExt returns the snapshot extension for the configured backend.
func (c *Config) BackupExt() string {
	if c.StorageBackend == store.KindFile {
		return ".yaml"
	}
	return ".db"
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

func init() {
	viper.SetEnvPrefix("COVENANT")
	viper.AutomaticEnv()

	viper.SetDefault(KeyStorageBackend, DefaultBackend)
	viper.SetDefault(KeySchemaTarget, store.MaxSchemaVersion)

	th := trust.DefaultThresholds()
	viper.SetDefault(KeyThresholdBasicTask, th.BasicTask)
	viper.SetDefault(KeyThresholdCriticalTask, th.CriticalTask)
	viper.SetDefault(KeyThresholdDelegation, th.Delegation)
	viper.SetDefault(KeyThresholdVerification, th.Verification)
	viper.SetDefault(KeyThresholdConsensus, th.Consensus)

	viper.SetDefault(KeyBackupEnabled, true)
	viper.SetDefault(KeyBackupInterval, time.Hour)
	viper.SetDefault(KeyBackupOnSignificantChange, true)
	viper.SetDefault(KeyBackupChangeThreshold, 0.1)
	viper.SetDefault(KeyBackupRetainCount, 7)
	viper.SetDefault(KeyBackupRetainAge, time.Duration(0))

	viper.SetDefault(KeyLockTimeout, DefaultLockTimeout)
	viper.SetDefault(KeyCacheMaxEntries, DefaultCacheMaxEntries)
	viper.SetDefault(KeyRetentionDays, DefaultRetentionDays)
	viper.SetDefault(KeyDecayInterval, DefaultDecayInterval)
}

// Load reads configuration from Viper (which merges env vars, config file,
// and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:        resolveDataDir(),
		StorageBackend: viper.GetString(KeyStorageBackend),
		SchemaTarget:   viper.GetInt(KeySchemaTarget),
		Thresholds: trust.Thresholds{
			BasicTask:    viper.GetFloat64(KeyThresholdBasicTask),
			CriticalTask: viper.GetFloat64(KeyThresholdCriticalTask),
			Delegation:   viper.GetFloat64(KeyThresholdDelegation),
			Verification: viper.GetFloat64(KeyThresholdVerification),
			Consensus:    viper.GetFloat64(KeyThresholdConsensus),
		},
		BackupEnabled:             viper.GetBool(KeyBackupEnabled),
		BackupInterval:            viper.GetDuration(KeyBackupInterval),
		BackupOnSignificantChange: viper.GetBool(KeyBackupOnSignificantChange),
		BackupChangeThreshold:     viper.GetFloat64(KeyBackupChangeThreshold),
		BackupRetainCount:         viper.GetInt(KeyBackupRetainCount),
		BackupRetainAge:           viper.GetDuration(KeyBackupRetainAge),
		LockTimeout:               viper.GetDuration(KeyLockTimeout),
		CacheMaxEntries:           viper.GetInt(KeyCacheMaxEntries),
		RetentionDays:             viper.GetInt(KeyRetentionDays),
		DecayInterval:             viper.GetDuration(KeyDecayInterval),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".covenant"
	}
	return filepath.Join(home, ".covenant")
}

func (c *Config) validate() error {
	switch c.StorageBackend {
	case store.KindSQLite, store.KindFile, store.KindMemory:
	default:
		return fmt.Errorf("storage_backend must be one of sqlite, file, memory (got %q)", c.StorageBackend)
	}
	if c.SchemaTarget < 1 || c.SchemaTarget > store.MaxSchemaVersion {
		return fmt.Errorf("schema_target_version must be between 1 and %d (got %d)",
			store.MaxSchemaVersion, c.SchemaTarget)
	}
	for name, v := range map[string]float64{
		KeyThresholdBasicTask:    c.Thresholds.BasicTask,
		KeyThresholdCriticalTask: c.Thresholds.CriticalTask,
		KeyThresholdDelegation:   c.Thresholds.Delegation,
		KeyThresholdVerification: c.Thresholds.Verification,
		KeyThresholdConsensus:    c.Thresholds.Consensus,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1] (got %v)", name, v)
		}
	}
	if c.BackupEnabled && c.BackupInterval <= 0 {
		return fmt.Errorf("backup_interval must be positive when backups are enabled")
	}
	if c.BackupChangeThreshold < 0 || c.BackupChangeThreshold > 1 {
		return fmt.Errorf("backup_significant_change_threshold must be within [0,1]")
	}
	if c.BackupRetainCount < 0 {
		return fmt.Errorf("backup_retain_count must not be negative")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock_timeout must be positive")
	}
	if c.CacheMaxEntries < 0 {
		return fmt.Errorf("cache_max_entries must not be negative")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention_days must not be negative")
	}
	if c.DecayInterval < 0 {
		return fmt.Errorf("decay_interval must not be negative")
	}
	return nil
}
