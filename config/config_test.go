package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"
)

func baseEnv() map[string]string {
	return map[string]string{
		"ARBITER_PRIVATE_KEY": "aa0011",
		"FUNDING_PRIVATE_KEY": "bb2233",
		"COMMISSION_WALLET":   "TCommissionAddr111111111111111111",
	}
}

func envGetter(env map[string]string) func(string) string {
	return func(key string) string { return env[key] }
}

func loadFrom(t *testing.T, tomlBody string, env map[string]string) (*Config, error) {
	t.Helper()
	path := ""
	if tomlBody != "" {
		path = filepath.Join(t.TempDir(), "trondeal.toml")
		require.NoError(t, os.WriteFile(path, []byte(tomlBody), 0o600))
	}
	cfg := &Config{}
	if path != "" {
		_, err := toml.DecodeFile(path, cfg)
		require.NoError(t, err)
	}
	cfg.applyEnv(envGetter(env))
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func TestDefaultsApplied(t *testing.T) {
	cfg, err := loadFrom(t, "", baseEnv())
	require.NoError(t, err)

	require.Equal(t, "https://api.trongrid.io", cfg.Node.URL)
	require.Equal(t, 30*time.Second, cfg.DepositInterval())
	require.Equal(t, 5*time.Minute, cfg.DeadlineInterval())
	require.Equal(t, 12*time.Hour, cfg.GracePeriod())
	require.Equal(t, int64(5), cfg.Monitors.ActivationTRX)
	require.Equal(t, int64(30), cfg.Payout.FallbackTRX)
	require.Equal(t, int64(1), cfg.Payout.SweepReserveTRX)
	require.Equal(t, 5*time.Minute, cfg.PriceTTL())
	require.Equal(t, ":8081", cfg.Admin.ListenAddress)
	require.Equal(t, "json", cfg.Log.Format)
}

func TestFileValuesSurviveNormalise(t *testing.T) {
	body := `
[node]
url = "https://nile.trongrid.io/"
rate_per_second = 10.0

[monitors]
deposit_interval_ms = 15000
grace_hours = 6

[energy]
enabled = true
url = "https://rental.example.com"

[log]
level = "debug"
format = "text"
`
	cfg, err := loadFrom(t, body, baseEnv())
	require.NoError(t, err)

	require.Equal(t, "https://nile.trongrid.io", cfg.Node.URL, "trailing slash trimmed")
	require.Equal(t, 15*time.Second, cfg.DepositInterval())
	require.Equal(t, 6*time.Hour, cfg.GracePeriod())
	require.True(t, cfg.Energy.Enabled)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestEnvOverridesFile(t *testing.T) {
	body := `
[monitors]
deposit_interval_ms = 15000
`
	env := baseEnv()
	env["DEPOSIT_CHECK_INTERVAL"] = "45000"
	env["MULTISIG_ACTIVATION_TRX"] = "7"
	env["FALLBACK_TRX_AMOUNT"] = "40"
	env["TRON_NODE_URL"] = "https://node.internal:8090"
	env["ADMIN_TOKEN"] = "op-token"

	cfg, err := loadFrom(t, body, env)
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, cfg.DepositInterval())
	require.Equal(t, int64(7), cfg.Monitors.ActivationTRX)
	require.Equal(t, int64(40), cfg.Payout.FallbackTRX)
	require.Equal(t, "https://node.internal:8090", cfg.Node.URL)
	require.Equal(t, "op-token", cfg.Admin.Token)
}

func TestMissingSecretsRejected(t *testing.T) {
	env := baseEnv()
	delete(env, "ARBITER_PRIVATE_KEY")
	_, err := loadFrom(t, "", env)
	require.ErrorContains(t, err, "ARBITER_PRIVATE_KEY")

	env = baseEnv()
	delete(env, "FUNDING_PRIVATE_KEY")
	_, err = loadFrom(t, "", env)
	require.ErrorContains(t, err, "FUNDING_PRIVATE_KEY")

	env = baseEnv()
	delete(env, "COMMISSION_WALLET")
	_, err = loadFrom(t, "", env)
	require.ErrorContains(t, err, "commission_address")
}

func TestEnergyEnabledNeedsURL(t *testing.T) {
	body := `
[energy]
enabled = true
`
	_, err := loadFrom(t, body, baseEnv())
	require.ErrorContains(t, err, "energy.url")
}

func TestBadLogSettingsRejected(t *testing.T) {
	_, err := loadFrom(t, "[log]\nlevel = \"verbose\"\n", baseEnv())
	require.ErrorContains(t, err, "log level")

	_, err = loadFrom(t, "[log]\nformat = \"logfmt\"\n", baseEnv())
	require.ErrorContains(t, err, "log format")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	for k, v := range baseEnv() {
		t.Setenv(k, v)
	}
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	require.Equal(t, "https://api.trongrid.io", cfg.Node.URL)
}
