package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
engine:
  k: 2.5
  levels: [1, 2, 4, 8, 16, 32, 64, 128]
  window_w10: 20
mission:
  target_units: 1200
  target_minutes: 360
storage:
  driver: sqlite
  path: /tmp/stakepilot.db
server:
  addr: ":9090"
  active_table_ttl: 2m
auth:
  users:
    - username: mario
      password_hash: "$2a$10$abcdefghijklmnopqrstuv"
report:
  cron: "0 */5 * * * *"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", sampleYAML))
	require.NoError(t, err)

	require.Equal(t, 2.5, cfg.Engine.K)
	require.Equal(t, []float64{1, 2, 4, 8, 16, 32, 64, 128}, cfg.Engine.Levels)
	// 文件未给出的字段保留默认值
	require.Equal(t, 61.0, cfg.Engine.L5LossUnits)
	require.Equal(t, 1200.0, cfg.Mission.TargetUnits)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Equal(t, ":9090", cfg.Server.Addr)
	require.Equal(t, 2*time.Minute, cfg.Server.ActiveTableTTL)
	require.Equal(t, 50, cfg.Server.RateLimit)
	require.Len(t, cfg.Auth.Users, 1)
	require.Equal(t, "0 */5 * * * *", cfg.Report.Cron)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STAKEPILOT_ADDR", ":7070")
	t.Setenv("STAKEPILOT_STORAGE_DRIVER", "memory")
	t.Setenv("STAKEPILOT_ACTIVE_TABLE_TTL", "30s")
	t.Setenv("ENGINE_K", "4")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("AUTH_USERNAME", "luigi")
	t.Setenv("AUTH_PASSWORD_HASH", "$2a$10$hash")

	cfg, err := Load(writeFile(t, "config.yml", sampleYAML))
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Server.Addr)
	require.Equal(t, "memory", cfg.Storage.Driver)
	require.Equal(t, 30*time.Second, cfg.Server.ActiveTableTTL)
	require.Equal(t, 4.0, cfg.Engine.K)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Len(t, cfg.Auth.Users, 2)
	require.Equal(t, "luigi", cfg.Auth.Users[1].Username)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "badger", cfg.Storage.Driver)
	require.Equal(t, 1.0, cfg.Engine.K)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Engine.K = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Engine.Levels = nil
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Engine.WindowW10 = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Storage.Driver = "postgres"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Auth.Users = []UserConfig{{Username: "x"}}
	require.Error(t, cfg.Validate())

	_, err := Load(writeFile(t, "config.toml", "k = 1"))
	require.Error(t, err)
}
