package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DB.Host != "localhost" || cfg.DB.Port != 5432 {
		t.Fatalf("database defaults missing: %+v", cfg.DB)
	}
	if cfg.Query.StatementTimeout != 30*time.Second {
		t.Fatalf("statement timeout default missing: %v", cfg.Query.StatementTimeout)
	}
	if cfg.Query.MaxAlarmQueryEntities != 1000 {
		t.Fatalf("alarm entity limit default missing: %d", cfg.Query.MaxAlarmQueryEntities)
	}
	if cfg.DB.StatementTimeout != cfg.Query.StatementTimeout {
		t.Fatalf("statement timeout not propagated to the pool config")
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	yaml := `
database:
  host: db.internal
  port: 6543
  dbname: queries
server:
  addr: ":9090"
query:
  statement_timeout: 5s
  max_alarm_query_entities: 250
export:
  page_size: 50
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DB.Host != "db.internal" || cfg.DB.Port != 6543 || cfg.DB.DBName != "queries" {
		t.Fatalf("database overrides not applied: %+v", cfg.DB)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("server override not applied: %s", cfg.Server.Addr)
	}
	if cfg.Query.StatementTimeout != 5*time.Second {
		t.Fatalf("statement timeout override not applied: %v", cfg.Query.StatementTimeout)
	}
	if cfg.Query.MaxAlarmQueryEntities != 250 {
		t.Fatalf("alarm entity limit override not applied: %d", cfg.Query.MaxAlarmQueryEntities)
	}
	if cfg.Export.PageSize != 50 {
		t.Fatalf("export page size override not applied: %d", cfg.Export.PageSize)
	}
}
