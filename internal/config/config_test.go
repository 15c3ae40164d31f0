package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"v1"}, cfg.Server.SupportedVersions)
	assert.Equal(t, "redact", cfg.PII.Mode)
	assert.Equal(t, 5*time.Minute, cfg.SLO.Window)
	assert.Equal(t, 5.0, cfg.Quarantine.DenyThreshold)
	assert.Equal(t, []string{"https"}, cfg.Anchor.AllowedSchemes)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\nrate_limit:\n  per_minute: 10\n"), 0o600))

	t.Setenv("PORT", "9191")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port, "environment wins over file")
	assert.Equal(t, 10, cfg.RateLimit.PerMinute, "file wins over defaults")
}

func TestSupportedVersionsList(t *testing.T) {
	t.Setenv("API_SUPPORTED_VERSIONS", "v1, v2")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, cfg.Server.SupportedVersions)
}

func TestTenantRateOverrides(t *testing.T) {
	t.Setenv("RATE_LIMIT_TENANT_OVERRIDES", "tenant-a=120, tenant-b=10, garbage, tenant-c=-1")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"tenant-a": 120, "tenant-b": 10}, cfg.RateLimit.TenantOverrides)
}

func TestProductionRequiresStrictProvenance(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("ADMIN_JWT_SECRET", "a-long-production-secret-value")
	_, err := Load("")
	require.Error(t, err, "production with POLICY_REQUIRE_SIGNED unset must refuse to start")

	t.Setenv("POLICY_REQUIRE_SIGNED", "true")
	_, err = Load("")
	require.NoError(t, err)
}

func TestStrictSecretsRejectsWeakValues(t *testing.T) {
	t.Setenv("STRICT_SECRETS", "true")
	t.Setenv("ADMIN_JWT_SECRET", "changeme")
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("ADMIN_JWT_SECRET", "sufficiently-long-random-secret")
	_, err = Load("")
	require.NoError(t, err)
}

func TestMTLSRequiresMaterial(t *testing.T) {
	t.Setenv("MTLS_REQUIRED", "true")
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("MTLS_CERT_FILE", "cert.pem")
	t.Setenv("MTLS_KEY_FILE", "key.pem")
	_, err = Load("")
	require.NoError(t, err)
}

func TestUnknownPIIModeRejected(t *testing.T) {
	t.Setenv("PII_MODE", "scramble")
	_, err := Load("")
	require.Error(t, err)
}
