package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/zbcumt/thingsboard/internal/db"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// QueryConfig tunes the query engine.
type QueryConfig struct {
	StatementTimeout      time.Duration
	MaxAlarmQueryEntities int
}

// ExportConfig tunes the background export subsystem.
type ExportConfig struct {
	Directory  string
	PageSize   int
	JobTimeout time.Duration
}

// Config is the full process configuration.
type Config struct {
	DB     db.Config
	Server ServerConfig
	Query  QueryConfig
	Export ExportConfig
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		DB: db.DefaultConfig(),
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Query: QueryConfig{
			StatementTimeout:      30 * time.Second,
			MaxAlarmQueryEntities: 1000,
		},
		Export: ExportConfig{
			PageSize:   1000,
			JobTimeout: 30 * time.Minute,
		},
	}
}

// Load reads config.yaml from configPath with env overrides (prefix TB).
func Load(configPath string) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv() // allow environment overrides
	v.SetEnvPrefix("TB")

	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")
	v.BindEnv("server.addr")
	v.BindEnv("query.statement_timeout")

	if err := v.ReadInConfig(); err != nil {
		// Config file not found? Just log it, use defaults + env
		fmt.Println("No config.yaml found, using defaults and env vars")
	} else {
		fmt.Println("Loaded config.yaml")
	}

	if v.IsSet("database.host") {
		cfg.DB.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.DB.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.DB.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.DB.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.DB.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.DB.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("server.addr") {
		cfg.Server.Addr = v.GetString("server.addr")
	}
	if v.IsSet("server.allowed_origins") {
		cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}
	if v.IsSet("query.statement_timeout") {
		cfg.Query.StatementTimeout = v.GetDuration("query.statement_timeout")
	}
	if v.IsSet("query.max_alarm_query_entities") {
		cfg.Query.MaxAlarmQueryEntities = v.GetInt("query.max_alarm_query_entities")
	}
	if v.IsSet("export.directory") {
		cfg.Export.Directory = v.GetString("export.directory")
	}
	if v.IsSet("export.page_size") {
		cfg.Export.PageSize = v.GetInt("export.page_size")
	}
	if v.IsSet("export.job_timeout") {
		cfg.Export.JobTimeout = v.GetDuration("export.job_timeout")
	}

	cfg.DB.StatementTimeout = cfg.Query.StatementTimeout
	return cfg, nil
}
