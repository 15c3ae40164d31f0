// Package config resolves the gateway's runtime configuration. Environment
// variables win; an optional YAML file fills in what the environment leaves
// unset. Production mode refuses to start with weak or missing secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/agentgate/backend/internal/core"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Trace      TraceConfig      `yaml:"trace"`
	Policy     PolicyConfig     `yaml:"policy"`
	Broker     BrokerConfig     `yaml:"broker"`
	Admin      AdminConfig      `yaml:"admin"`
	Signing    SigningConfig    `yaml:"signing"`
	PII        PIIConfig        `yaml:"pii"`
	SLO        SLOConfig        `yaml:"slo"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Quarantine QuarantineConfig `yaml:"quarantine"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Anchor     AnchorConfig     `yaml:"anchor"`
}

type ServerConfig struct {
	Port              int      `yaml:"port"`
	Env               string   `yaml:"env"`
	SupportedVersions []string `yaml:"supported_versions"`
	RedisURL          string   `yaml:"redis_url"`
	ToolInvokerURL    string   `yaml:"tool_invoker_url"`
	StrictSecrets     bool     `yaml:"strict_secrets"`
}

type TraceConfig struct {
	DSN string `yaml:"dsn"`
}

type PolicyConfig struct {
	Path          string `yaml:"path"`
	RequireSigned bool   `yaml:"require_signed"`
	PackageSecret string `yaml:"package_secret"`
	OPAURL        string `yaml:"opa_url"`
	MTLSRequired  bool   `yaml:"mtls_required"`
	MTLSCertFile  string `yaml:"mtls_cert_file"`
	MTLSKeyFile   string `yaml:"mtls_key_file"`
	MTLSCAFile    string `yaml:"mtls_ca_file"`
}

type BrokerConfig struct {
	Kind          string `yaml:"kind"`
	HMACSecret    string `yaml:"hmac_secret"`
	URL           string `yaml:"url"`
	ClientID      string `yaml:"client_id"`
	ClientSecret  string `yaml:"client_secret"`
	RevocationURL string `yaml:"revocation_url"`
}

type AdminConfig struct {
	JWTSecret   string `yaml:"jwt_secret"`
	AllowAPIKey bool   `yaml:"allow_api_key"`
	APIKey      string `yaml:"api_key"`
}

type SigningConfig struct {
	Backend string `yaml:"backend"`
	Key     string `yaml:"key"`
	KeyFile string `yaml:"key_file"`
}

type PIIConfig struct {
	Mode      string `yaml:"mode"`
	TokenSalt string `yaml:"token_salt"`
}

type SLOConfig struct {
	Window             time.Duration `yaml:"window"`
	AvailabilityTarget float64       `yaml:"availability_target"`
	LatencyP95         time.Duration `yaml:"latency_p95"`
}

type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

type QuarantineConfig struct {
	Window        int     `yaml:"window"`
	DenyThreshold float64 `yaml:"deny_threshold"`
}

type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	// TenantOverrides maps tenant ids to budgets replacing PerMinute.
	TenantOverrides map[string]int `yaml:"tenant_overrides"`
}

type AnchorConfig struct {
	URL            string   `yaml:"url"`
	AllowedSchemes []string `yaml:"allowed_schemes"`
}

// Load resolves configuration: .env file (if present), then yamlPath (if
// non-empty), then environment variables on top.
func Load(yamlPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if yamlPath != "" {
		f, err := os.Open(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8080,
			Env:               "development",
			SupportedVersions: []string{"v1"},
		},
		Trace:      TraceConfig{DSN: "agentgate.db"},
		Broker:     BrokerConfig{Kind: "token"},
		Signing:    SigningConfig{Backend: "hmac"},
		PII:        PIIConfig{Mode: "redact"},
		SLO:        SLOConfig{Window: 5 * time.Minute, AvailabilityTarget: 0.999, LatencyP95: 1500 * time.Millisecond},
		Quarantine: QuarantineConfig{Window: 20, DenyThreshold: 5.0},
		RateLimit:  RateLimitConfig{PerMinute: 60},
		Anchor:     AnchorConfig{AllowedSchemes: []string{"https"}},
	}
}

func applyEnv(cfg *Config) {
	setInt(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.Env, "APP_ENV")
	setList(&cfg.Server.SupportedVersions, "API_SUPPORTED_VERSIONS")
	setString(&cfg.Server.RedisURL, "REDIS_URL")
	setString(&cfg.Server.ToolInvokerURL, "TOOL_INVOKER_URL")
	setBool(&cfg.Server.StrictSecrets, "STRICT_SECRETS")

	setString(&cfg.Trace.DSN, "TRACE_DB")

	setString(&cfg.Policy.Path, "POLICY_PATH")
	setBool(&cfg.Policy.RequireSigned, "POLICY_REQUIRE_SIGNED")
	setString(&cfg.Policy.PackageSecret, "POLICY_PACKAGE_SECRET")
	setString(&cfg.Policy.OPAURL, "OPA_URL")
	setBool(&cfg.Policy.MTLSRequired, "MTLS_REQUIRED")
	setString(&cfg.Policy.MTLSCertFile, "MTLS_CERT_FILE")
	setString(&cfg.Policy.MTLSKeyFile, "MTLS_KEY_FILE")
	setString(&cfg.Policy.MTLSCAFile, "MTLS_CA_FILE")

	setString(&cfg.Broker.Kind, "BROKER_KIND")
	setString(&cfg.Broker.HMACSecret, "BROKER_HMAC_SECRET")
	setString(&cfg.Broker.URL, "BROKER_URL")
	setString(&cfg.Broker.ClientID, "BROKER_CLIENT_ID")
	setString(&cfg.Broker.ClientSecret, "BROKER_CLIENT_SECRET")
	setString(&cfg.Broker.RevocationURL, "BROKER_REVOCATION_URL")

	setString(&cfg.Admin.JWTSecret, "ADMIN_JWT_SECRET")
	setBool(&cfg.Admin.AllowAPIKey, "ADMIN_ALLOW_API_KEY")
	setString(&cfg.Admin.APIKey, "ADMIN_API_KEY")

	setString(&cfg.Signing.Backend, "SIGNING_BACKEND")
	setString(&cfg.Signing.Key, "SIGNING_KEY")
	setString(&cfg.Signing.KeyFile, "SIGNING_KEY_FILE")

	setString(&cfg.PII.Mode, "PII_MODE")
	setString(&cfg.PII.TokenSalt, "PII_TOKEN_SALT")

	setDuration(&cfg.SLO.Window, "SLO_WINDOW")
	setFloat(&cfg.SLO.AvailabilityTarget, "SLO_AVAILABILITY_TARGET")
	if ms, ok := lookupInt("SLO_LATENCY_P95_MS"); ok {
		cfg.SLO.LatencyP95 = time.Duration(ms) * time.Millisecond
	}

	setString(&cfg.Webhook.URL, "WEBHOOK_URL")
	setString(&cfg.Webhook.Secret, "WEBHOOK_SECRET")

	setInt(&cfg.Quarantine.Window, "QUARANTINE_WINDOW")
	setFloat(&cfg.Quarantine.DenyThreshold, "QUARANTINE_DENY_THRESHOLD")

	setInt(&cfg.RateLimit.PerMinute, "RATE_LIMIT_PER_MINUTE")
	setIntMap(&cfg.RateLimit.TenantOverrides, "RATE_LIMIT_TENANT_OVERRIDES")

	setString(&cfg.Anchor.URL, "ANCHOR_URL")
	setList(&cfg.Anchor.AllowedSchemes, "ANCHOR_ALLOWED_SCHEMES")
}

// Production reports whether the deployment runs in production mode.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Server.Env, "production")
}

// Validate enforces the startup guards. Production refuses to run without
// strict provenance and real secrets.
func (c *Config) Validate() error {
	if c.Production() {
		if !c.Policy.RequireSigned {
			return core.EHint(core.KindValidation,
				"production requires POLICY_REQUIRE_SIGNED=true",
				"unsigned policy bundles are a development-only convenience")
		}
		if c.Admin.JWTSecret == "" {
			return core.E(core.KindValidation, "production requires ADMIN_JWT_SECRET")
		}
	}
	if c.Server.StrictSecrets || c.Production() {
		for name, v := range map[string]string{
			"ADMIN_JWT_SECRET":      c.Admin.JWTSecret,
			"POLICY_PACKAGE_SECRET": c.Policy.PackageSecret,
			"BROKER_HMAC_SECRET":    c.Broker.HMACSecret,
			"SIGNING_KEY":           c.Signing.Key,
		} {
			if v != "" && weakSecret(v) {
				return core.EHint(core.KindValidation,
					"weak secret in "+name,
					"secrets must be at least 16 characters and not a known default")
			}
		}
	}
	if c.Policy.MTLSRequired && (c.Policy.MTLSCertFile == "" || c.Policy.MTLSKeyFile == "") {
		return core.EHint(core.KindValidation,
			"MTLS_REQUIRED is set but certificate material is missing",
			"provide MTLS_CERT_FILE and MTLS_KEY_FILE or disable MTLS_REQUIRED")
	}
	switch c.PII.Mode {
	case "off", "redact", "tokenize":
	default:
		return core.E(core.KindValidation, fmt.Sprintf("unknown PII_MODE %q", c.PII.Mode))
	}
	switch c.Signing.Backend {
	case "hmac", "ed25519":
	default:
		return core.E(core.KindValidation, fmt.Sprintf("unknown SIGNING_BACKEND %q", c.Signing.Backend))
	}
	return nil
}

var knownDefaults = map[string]bool{
	"changeme": true,
	"secret":   true,
	"password": true,
	"test":     true,
	"dev":      true,
}

func weakSecret(v string) bool {
	return len(v) < 16 || knownDefaults[strings.ToLower(v)]
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst, _ = strconv.ParseBool(v)
	}
}

func setInt(dst *int, key string) {
	if v, ok := lookupInt(key); ok {
		*dst = v
	}
}

func lookupInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func setFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// setIntMap parses "key=value,key=value" pairs, e.g.
// RATE_LIMIT_TENANT_OVERRIDES="tenant-a=120,tenant-b=10".
func setIntMap(dst *map[string]int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	out := make(map[string]int)
	for _, pair := range strings.Split(v, ",") {
		name, val, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found {
			continue
		}
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			out[name] = n
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}

func setList(dst *[]string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}
