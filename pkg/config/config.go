// Package config loads the backend's startup configuration from the
// environment. Only the recognized keys below are read; anything else in
// the environment is ignored, matching SPEC_FULL.md §6.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended (with an underscore) to every recognized key when
// resolving it against the process environment, e.g. data_dir becomes
// STORAGEDUCKDB_DATA_DIR.
const EnvPrefix = "STORAGEDUCKDB"

// Config is the fully resolved, read-only-after-startup process configuration.
type Config struct {
	DataDir           string
	CatalogPath       string
	SnapshotsDir      string
	FilesDir          string
	AdminKey          string
	Host              string
	Port              int
	OperationTimeout  int // seconds
	ConnectionTimeout int // seconds
	EngineThreads     int
	EngineMemoryLimit string
	MaxIdempotencyTTL int // seconds
	MaxFileSize       int64
	WorkspaceConnCap  int
	SessionIdleTimeout int // seconds
	S3AccessKey       string
	S3SecretKey       string
}

// recognized is the full allowlist of environment keys this service reads,
// each with its default value, per SPEC_FULL.md §6.
var recognized = map[string]any{
	"data_dir":                    "/data",
	"catalog_path":                "/data/catalog.db",
	"snapshots_dir":               "/data/snapshots",
	"files_dir":                   "/data/files",
	"admin_key":                   "",
	"host":                        "0.0.0.0",
	"port":                        8000,
	"operation_timeout":           240,
	"connection_timeout":          10,
	"engine_threads":              4,
	"engine_memory_limit":         "4GB",
	"max_idempotency_ttl":         600,
	"max_file_size":               int64(5 * 1024 * 1024 * 1024),
	"workspace_connection_cap":    10,
	"session_idle_timeout":        1800,
	"s3_access_key":               "",
	"s3_secret_key":               "",
}

// Load resolves Config from the process environment. Keys not in the
// recognized allowlist are never bound, so unrelated environment
// variables are silently ignored rather than rejected.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, def := range recognized {
		v.SetDefault(key, def)
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	cfg := &Config{
		DataDir:            v.GetString("data_dir"),
		CatalogPath:        v.GetString("catalog_path"),
		SnapshotsDir:       v.GetString("snapshots_dir"),
		FilesDir:           v.GetString("files_dir"),
		AdminKey:           v.GetString("admin_key"),
		Host:               v.GetString("host"),
		Port:               v.GetInt("port"),
		OperationTimeout:   v.GetInt("operation_timeout"),
		ConnectionTimeout:  v.GetInt("connection_timeout"),
		EngineThreads:      v.GetInt("engine_threads"),
		EngineMemoryLimit:  v.GetString("engine_memory_limit"),
		MaxIdempotencyTTL:  v.GetInt("max_idempotency_ttl"),
		MaxFileSize:        v.GetInt64("max_file_size"),
		WorkspaceConnCap:   v.GetInt("workspace_connection_cap"),
		SessionIdleTimeout: v.GetInt("session_idle_timeout"),
		S3AccessKey:        v.GetString("s3_access_key"),
		S3SecretKey:        v.GetString("s3_secret_key"),
	}

	if cfg.AdminKey == "" {
		return nil, fmt.Errorf("config: %s_ADMIN_KEY is required", EnvPrefix)
	}
	return cfg, nil
}
