package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix       = "TASKSHEET"
	RulesFile       = "tasksheet.yml"
	DefaultKeep     = 7
	defaultDataDir  = "data"
	defaultAuditRel = "_logs/audit.jsonl"
	defaultBkpRel   = "_backup"
)

// Config holds process-level settings for the record store.
type Config struct {
	DataDir          string
	BackupDir        string
	AuditFile        string
	AuditEnabled     bool
	BackupEnabled    bool
	BackupKeep       int
	OptimisticLock   bool
	StrictValidation bool
	IndexEnabled     bool
	S3               S3Config
	Auth             AuthConfig
	Rules            Rules
}

// S3Config configures the optional off-site backup mirror.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	Prefix    string
	PathStyle bool
}

// Enabled reports whether a mirror bucket is configured.
func (c S3Config) Enabled() bool { return strings.TrimSpace(c.Bucket) != "" }

// AuthConfig controls how the API identifies the operator.
type AuthConfig struct {
	JWTSecret           string
	AllowOperatorHeader bool
}

// Rules models tasksheet.yml: the domain value sets used by validation.
type Rules struct {
	Conditions       []string `yaml:"conditions"`
	Priorities       []string `yaml:"priorities"`
	CompletionMarker string   `yaml:"completion_marker"`
}

// keys maps viper keys to the legacy environment names also accepted.
var keys = map[string][]string{
	"data-dir":              {"DATA_DIR"},
	"backup-dir":            nil,
	"audit-file":            nil,
	"audit-enabled":         {"AUDIT_ENABLED"},
	"backup-enabled":        {"BACKUP_ROTATION_ENABLED"},
	"backup-keep":           {"BACKUP_KEEP"},
	"optimistic-lock":       {"OPTIMISTIC_LOCK_ENABLED"},
	"strict-validation":     {"SCHEMA_VALIDATION_STRICT"},
	"index-enabled":         nil,
	"s3-bucket":             nil,
	"s3-region":             nil,
	"s3-endpoint":           nil,
	"s3-prefix":             nil,
	"s3-path-style":         nil,
	"jwt-secret":            nil,
	"allow-operator-header": nil,
}

// SetDefaults registers defaults and environment bindings on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data-dir", defaultDataDir)
	v.SetDefault("audit-enabled", true)
	v.SetDefault("backup-enabled", true)
	v.SetDefault("backup-keep", DefaultKeep)
	v.SetDefault("optimistic-lock", true)
	v.SetDefault("strict-validation", true)
	v.SetDefault("index-enabled", true)
	v.SetDefault("s3-region", "us-east-1")
	v.SetDefault("allow-operator-header", true)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for key, legacy := range keys {
		envs := []string{EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))}
		envs = append(envs, legacy...)
		_ = v.BindEnv(append([]string{key}, envs...)...)
	}
}

// FromViper builds a Config from v and loads the rules file of the data directory.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DataDir:          v.GetString("data-dir"),
		BackupDir:        v.GetString("backup-dir"),
		AuditFile:        v.GetString("audit-file"),
		AuditEnabled:     v.GetBool("audit-enabled"),
		BackupEnabled:    v.GetBool("backup-enabled"),
		BackupKeep:       v.GetInt("backup-keep"),
		OptimisticLock:   v.GetBool("optimistic-lock"),
		StrictValidation: v.GetBool("strict-validation"),
		IndexEnabled:     v.GetBool("index-enabled"),
		S3: S3Config{
			Bucket:    v.GetString("s3-bucket"),
			Region:    v.GetString("s3-region"),
			Endpoint:  v.GetString("s3-endpoint"),
			Prefix:    v.GetString("s3-prefix"),
			PathStyle: v.GetBool("s3-path-style"),
		},
		Auth: AuthConfig{
			JWTSecret:           v.GetString("jwt-secret"),
			AllowOperatorHeader: v.GetBool("allow-operator-header"),
		},
	}
	cfg.applyPaths()
	rules, err := LoadRules(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	cfg.Rules = *rules
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config rooted at dataDir with every safeguard on.
func Default(dataDir string) *Config {
	cfg := &Config{
		DataDir:          dataDir,
		AuditEnabled:     true,
		BackupEnabled:    true,
		BackupKeep:       DefaultKeep,
		OptimisticLock:   true,
		StrictValidation: true,
		Auth:             AuthConfig{AllowOperatorHeader: true},
		Rules:            DefaultRules(),
	}
	cfg.applyPaths()
	return cfg
}

func (c *Config) applyPaths() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.BackupDir == "" {
		c.BackupDir = filepath.Join(c.DataDir, defaultBkpRel)
	}
	if c.AuditFile == "" {
		c.AuditFile = filepath.Join(c.DataDir, filepath.FromSlash(defaultAuditRel))
	}
	if c.BackupKeep == 0 {
		c.BackupKeep = DefaultKeep
	}
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	if c.BackupKeep < 1 {
		return fmt.Errorf("backup-keep must be at least 1")
	}
	if c.S3.Enabled() && c.S3.Region == "" {
		return fmt.Errorf("s3-region is required when s3-bucket is set")
	}
	return c.Rules.Validate()
}

// Validate ensures the rules file is usable.
func (r Rules) Validate() error {
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rules.conditions is required")
	}
	for _, c := range r.Conditions {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("rules.conditions contains an empty value")
		}
	}
	for _, p := range r.Priorities {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("rules.priorities contains an empty value")
		}
	}
	if strings.TrimSpace(r.CompletionMarker) == "" {
		return fmt.Errorf("rules.completion_marker is required")
	}
	return nil
}

// RulesPath returns the rules file path for a data directory.
func RulesPath(dataDir string) string {
	if dataDir == "" {
		dataDir = "."
	}
	return filepath.Join(dataDir, RulesFile)
}

// LoadRules reads tasksheet.yml from dataDir, falling back to the defaults when absent.
func LoadRules(dataDir string) (*Rules, error) {
	data, err := os.ReadFile(RulesPath(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			r := DefaultRules()
			return &r, nil
		}
		return nil, err
	}
	return RulesFromYAML(data)
}

// RulesFromYAML parses and validates rules from raw YAML bytes.
func RulesFromYAML(data []byte) (*Rules, error) {
	r := DefaultRules()
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("invalid rules yaml: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// DefaultRules returns the built-in value sets.
func DefaultRules() Rules {
	var r Rules
	_ = yaml.Unmarshal([]byte(DefaultRulesYAML), &r)
	return r
}

// DefaultRulesYAML is written by `tasksheet project init-rules`.
const DefaultRulesYAML = `# Allowed values for the condition column (empty is always accepted).
conditions: [Sempre, A, B, C]

# Allowed values for the priority column (empty is always accepted).
priorities: [Crítica, Alta, Média, Baixa, Sempre, A, B, C]

# Written into the duration column when a task is completed.
completion_marker: Concluído
`
