package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksheet/internal/config"
)

func TestFromViperDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TASKSHEET_DATA_DIR", dir)
	v := viper.New()
	config.SetDefaults(v)

	cfg, err := config.FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "_backup"), cfg.BackupDir)
	assert.Equal(t, filepath.Join(dir, "_logs", "audit.jsonl"), cfg.AuditFile)
	assert.True(t, cfg.AuditEnabled)
	assert.True(t, cfg.BackupEnabled)
	assert.True(t, cfg.OptimisticLock)
	assert.True(t, cfg.StrictValidation)
	assert.Equal(t, config.DefaultKeep, cfg.BackupKeep)
	assert.Equal(t, []string{"Sempre", "A", "B", "C"}, cfg.Rules.Conditions)
	assert.False(t, cfg.S3.Enabled())
}

func TestLegacyEnvironmentNames(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("SCHEMA_VALIDATION_STRICT", "false")
	t.Setenv("OPTIMISTIC_LOCK_ENABLED", "0")
	t.Setenv("BACKUP_ROTATION_ENABLED", "false")
	t.Setenv("AUDIT_ENABLED", "false")
	v := viper.New()
	config.SetDefaults(v)

	cfg, err := config.FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.False(t, cfg.StrictValidation)
	assert.False(t, cfg.OptimisticLock)
	assert.False(t, cfg.BackupEnabled)
	assert.False(t, cfg.AuditEnabled)
}

func TestRulesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.RulesPath(dir), []byte("conditions: [X, Y]\n"), 0o644))

	rules, err := config.LoadRules(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"X", "Y"}, rules.Conditions)
	assert.Contains(t, rules.Priorities, "Crítica")
	assert.Equal(t, "Concluído", rules.CompletionMarker)

	_, err = config.RulesFromYAML([]byte("conditions: []\n"))
	assert.Error(t, err)
	_, err = config.RulesFromYAML([]byte("conditions: [\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := config.Default(t.TempDir())
	require.NoError(t, cfg.Validate())

	cfg.BackupKeep = 0
	assert.Error(t, cfg.Validate())

	cfg = config.Default(t.TempDir())
	cfg.S3 = config.S3Config{Bucket: "b"}
	assert.Error(t, cfg.Validate())
}
