package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "limitd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
pool:
  id: "ethusdc-3000"
  host_token: "0xhost"
engine:
  fallback_treasury: "0xtreasury"
`

func TestLoad_FillsDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Engine.ExecutionBudget != 5 {
		t.Errorf("default execution budget: %d", cfg.Engine.ExecutionBudget)
	}
	if cfg.Engine.MaxOrdersPerScale != 20 {
		t.Errorf("default max orders per scale: %d", cfg.Engine.MaxOrdersPerScale)
	}
	if cfg.Pool.TickSpacing != 10 {
		t.Errorf("default tick spacing: %d", cfg.Pool.TickSpacing)
	}
	if cfg.Persist.BatchSize != 50 || cfg.Persist.FlushTimeoutMS != 10 {
		t.Errorf("default persist tuning: %+v", cfg.Persist)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default log level: %s", cfg.Log.Level)
	}
}

func TestLoad_EnvOverridesWin(t *testing.T) {
	t.Setenv("LIMITD_PG_DSN", "postgres://env-wins")
	t.Setenv("LIMITD_LOG_LEVEL", "debug")

	cfg, err := config.Load(writeConfig(t, minimalConfig+`
postgres:
  dsn: "postgres://from-yaml"
log:
  level: "warn"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://env-wins" {
		t.Errorf("env override lost: %s", cfg.Postgres.DSN)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("env override lost: %s", cfg.Log.Level)
	}
}

func TestLoad_MissingPoolID_Fails(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
pool:
  host_token: "0xhost"
engine:
  fallback_treasury: "0xtreasury"
`))
	if err == nil {
		t.Fatal("expected validation error for missing pool id")
	}
}

func TestLoad_MissingTreasury_Fails(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
pool:
  id: "ethusdc-3000"
  host_token: "0xhost"
`))
	if err == nil {
		t.Fatal("expected validation error for missing fallback treasury")
	}
}

func TestLoad_BadDecimals_Fails(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
pool:
  id: "ethusdc-3000"
  host_token: "0xhost"
  token0_decimals: 99
engine:
  fallback_treasury: "0xtreasury"
`))
	if err == nil {
		t.Fatal("expected validation error for out-of-range decimals")
	}
}
