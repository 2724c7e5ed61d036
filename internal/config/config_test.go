package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, 12*time.Hour, cfg.Auth.SessionTTL)
	require.True(t, cfg.TwoFactor.Enabled)
	require.False(t, cfg.Modules.FailOpenWithoutSchema)
	require.Equal(t, "branchgate.audit", cfg.Audit.KafkaTopic)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "branchgate.yaml")
	yaml := `
env: staging
postgres:
  dsn: postgres://file
http:
  addr: ":9000"
auth:
  session_ttl: 2h
modules:
  fail_open_without_schema: true
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("BRANCHGATE_HTTP_ADDR", ":7000")
	t.Setenv("BRANCHGATE_AUDIT_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "staging", cfg.Env)
	require.Equal(t, "postgres://file", cfg.Postgres.DSN)
	require.Equal(t, ":7000", cfg.HTTP.Addr)
	require.Equal(t, 2*time.Hour, cfg.Auth.SessionTTL)
	require.True(t, cfg.Modules.FailOpenWithoutSchema)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Audit.KafkaBrokers)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Env = "production"
	cfg.Modules.FailOpenWithoutSchema = true
	cfg.Auth.TokenSecret = "short"
	cfg.TwoFactor.Enabled = false
	cfg.TwoFactor.Required = true

	err = cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"postgres.dsn", "token_secret", "twofactor.required", "fail_open_without_schema"} {
		require.True(t, strings.Contains(msg, want), "missing %q in %q", want, msg)
	}
}

func TestValidateTrustedProxies(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Postgres.DSN = "postgres://x"
	require.Empty(t, cfg.HTTP.TrustedProxies)

	cfg.HTTP.TrustedProxies = []string{"10.0.0.0/8", "192.168.1.7", "::1"}
	require.NoError(t, cfg.Validate())

	cfg.HTTP.TrustedProxies = []string{"10.0.0.0/8", "proxy.internal", "10.0.0.0/33"}
	err = cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), `"proxy.internal"`)
	require.Contains(t, err.Error(), `"10.0.0.0/33"`)
}

func TestLoadTrustedProxiesFromEnv(t *testing.T) {
	t.Setenv("BRANCHGATE_HTTP_TRUSTED_PROXIES", "10.0.0.0/8,172.16.0.1")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.0/8", "172.16.0.1"}, cfg.HTTP.TrustedProxies)
}
