package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/caseidx/caseidx/internal/db"
	"github.com/caseidx/caseidx/internal/logging"
)

// Config is the full runtime configuration for the service.
type Config struct {
	DB  db.Config
	Log logging.Config

	// HTTPAddr is the listen address for the intake/admin API.
	HTTPAddr string

	// MetadataDir is the directory holding canonical mapping definition
	// files (JSON, one class per file).
	MetadataDir string

	// IndexDefDir is the directory holding ad-hoc index definition files
	// (JSON, one derived table per file).
	IndexDefDir string

	// PollInterval controls how often the index worker scans for
	// pending requests.
	PollInterval time.Duration

	// WorkerBatchSize caps how many pending requests a single poll
	// cycle claims.
	WorkerBatchSize int

	// ExportDir is where spreadsheet exports are written.
	ExportDir string
}

// Default returns a local-development configuration.
func Default() Config {
	return Config{
		DB:              db.DefaultConfig(),
		Log:             logging.Config{Level: "info"},
		HTTPAddr:        ":8080",
		MetadataDir:     "metadata",
		IndexDefDir:     "index_definitions",
		PollInterval:    5 * time.Second,
		WorkerBatchSize: 50,
		ExportDir:       "exports",
	}
}

// Load reads config.yaml from configPath (if present) and applies
// environment overrides with the CASEIDX_ prefix, e.g.
// CASEIDX_DATABASE_DRIVER or CASEIDX_WORKER_POLL_INTERVAL.
func Load(configPath string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()
	v.SetEnvPrefix("CASEIDX")

	v.BindEnv("database.driver")
	v.BindEnv("database.dsn")
	v.BindEnv("database.max_open_conns")
	v.BindEnv("database.max_idle_conns")
	v.BindEnv("http.addr")
	v.BindEnv("metadata.dir")
	v.BindEnv("index_definitions.dir")
	v.BindEnv("worker.poll_interval")
	v.BindEnv("worker.batch_size")
	v.BindEnv("export.dir")
	v.BindEnv("log.level")
	v.BindEnv("log.pretty")

	if err := v.ReadInConfig(); err != nil {
		fmt.Println("No config.yaml found, using defaults and env vars")
	} else {
		fmt.Println("Loaded config.yaml")
	}

	if v.IsSet("database.driver") {
		cfg.DB.Driver = v.GetString("database.driver")
	}
	if v.IsSet("database.dsn") {
		cfg.DB.DSN = v.GetString("database.dsn")
	}
	if v.IsSet("database.max_open_conns") {
		cfg.DB.MaxOpenConns = v.GetInt("database.max_open_conns")
	}
	if v.IsSet("database.max_idle_conns") {
		cfg.DB.MaxIdleConns = v.GetInt("database.max_idle_conns")
	}
	if v.IsSet("http.addr") {
		cfg.HTTPAddr = v.GetString("http.addr")
	}
	if v.IsSet("metadata.dir") {
		cfg.MetadataDir = v.GetString("metadata.dir")
	}
	if v.IsSet("index_definitions.dir") {
		cfg.IndexDefDir = v.GetString("index_definitions.dir")
	}
	if v.IsSet("worker.poll_interval") {
		cfg.PollInterval = v.GetDuration("worker.poll_interval")
	}
	if v.IsSet("worker.batch_size") {
		cfg.WorkerBatchSize = v.GetInt("worker.batch_size")
	}
	if v.IsSet("export.dir") {
		cfg.ExportDir = v.GetString("export.dir")
	}
	if v.IsSet("log.level") {
		cfg.Log.Level = v.GetString("log.level")
	}
	if v.IsSet("log.pretty") {
		cfg.Log.Pretty = v.GetBool("log.pretty")
	}

	return cfg, nil
}
