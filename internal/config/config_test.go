package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenantd/covenant/internal/store"
	"github.com/covenantd/covenant/internal/trust"
)

func resetViper(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"COVENANT_DATA_DIR", "COVENANT_STORAGE_BACKEND", "COVENANT_SCHEMA_TARGET_VERSION",
		"COVENANT_THRESHOLD_BASIC_TASK", "COVENANT_THRESHOLD_CRITICAL_TASK",
		"COVENANT_BACKUP_ENABLED", "COVENANT_BACKUP_INTERVAL",
		"COVENANT_BACKUP_SIGNIFICANT_CHANGE_THRESHOLD", "COVENANT_BACKUP_RETAIN_COUNT",
		"COVENANT_LOCK_TIMEOUT", "COVENANT_RETENTION_DAYS",
	} {
		t.Setenv(key, "")
	}
	viper.Reset()
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
	viper.SetDefault(KeyLockTimeout, DefaultLockTimeout)
	viper.SetDefault(KeyCacheMaxEntries, DefaultCacheMaxEntries)
	viper.SetDefault(KeyRetentionDays, DefaultRetentionDays)
	viper.SetDefault(KeyDecayInterval, DefaultDecayInterval)
}

func TestLoad_Defaults(t *testing.T) {
	resetViper(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, store.KindSQLite, cfg.StorageBackend)
	assert.Equal(t, store.MaxSchemaVersion, cfg.SchemaTarget)
	assert.InDelta(t, 0.3, cfg.Thresholds.BasicTask, 1e-9)
	assert.InDelta(t, 0.7, cfg.Thresholds.CriticalTask, 1e-9)
	assert.True(t, cfg.BackupEnabled)
	assert.Equal(t, time.Hour, cfg.BackupInterval)
	assert.InDelta(t, 0.1, cfg.BackupChangeThreshold, 1e-9)
	assert.Equal(t, 7, cfg.BackupRetainCount)
	assert.Equal(t, DefaultLockTimeout, cfg.LockTimeout)
	assert.Equal(t, DefaultCacheMaxEntries, cfg.CacheMaxEntries)
	assert.Equal(t, DefaultRetentionDays, cfg.RetentionDays)
	assert.Equal(t, DefaultDecayInterval, cfg.DecayInterval)
}

func TestLoad_CustomBackend(t *testing.T) {
	resetViper(t)
	t.Setenv("COVENANT_STORAGE_BACKEND", "file")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, store.KindFile, cfg.StorageBackend)
}

func TestLoad_InvalidBackend(t *testing.T) {
	resetViper(t)
	t.Setenv("COVENANT_STORAGE_BACKEND", "postgres")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage_backend")
}

func TestLoad_ThresholdOutOfRange(t *testing.T) {
	resetViper(t)
	t.Setenv("COVENANT_THRESHOLD_CRITICAL_TASK", "1.5")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threshold_critical_task")
}

func TestLoad_SchemaTargetBounds(t *testing.T) {
	resetViper(t)
	t.Setenv("COVENANT_SCHEMA_TARGET_VERSION", "99")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema_target_version")
}

func TestLoad_BackupIntervalRequiredWhenEnabled(t *testing.T) {
	resetViper(t)
	t.Setenv("COVENANT_BACKUP_INTERVAL", "0s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backup_interval")
}

func TestLoad_CustomDataDir(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	t.Setenv("COVENANT_DATA_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
}

func TestLoad_CustomThreshold(t *testing.T) {
	resetViper(t)
	t.Setenv("COVENANT_THRESHOLD_BASIC_TASK", "0.45")

	cfg, err := Load()
	require.NoError(t, err)
	assert.InDelta(t, 0.45, cfg.Thresholds.BasicTask, 1e-9)
}

func TestConfig_Paths(t *testing.T) {
	cfg := &Config{DataDir: "/data/covenant", StorageBackend: store.KindSQLite}
	assert.Equal(t, "/data/covenant/trust.db", cfg.TrustDBPath())
	assert.Equal(t, "/data/covenant/backups", cfg.BackupDir())
	assert.Equal(t, "/data/covenant/trust.db", cfg.StorePath())
	assert.Equal(t, ".db", cfg.BackupExt())

	cfg.StorageBackend = store.KindFile
	assert.Equal(t, "/data/covenant/trust", cfg.StorePath())
	assert.Equal(t, ".yaml", cfg.BackupExt())
}

func TestConfig_EnsureDataDir(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{DataDir: dir + "/nested/deep"}
	require.NoError(t, cfg.EnsureDataDir())
}
