// Package config loads the control plane's process configuration from a
// YAML file plus environment-variable overrides, the same layered
// envdecode+godotenv+yaml idiom the teacher service used.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the admin/observability HTTP server.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`

	// TruncateOnStart empties the log file (when Output is a file path)
	// before the first write of a new process.
	TruncateOnStart bool `json:"truncate_on_start" env:"OPENCLAW_LOG_TRUNCATE_ON_START"`
	// Diagnostics selects which diagnostic subsystems emit verbose detail,
	// as a comma-separated list ("scheduler,callbacks" or "all").
	Diagnostics string `json:"diagnostics" env:"OPENCLAW_DIAGNOSTICS"`
}

// PostureConfig mirrors internal/posture.Config's env-var surface from
// spec §6: the deployment posture, its fail-closed hardened-runtime
// checks, and the three auth classes' credentials.
type PostureConfig struct {
	Profile        string `json:"profile" env:"OPENCLAW_PROFILE"`
	RuntimeProfile string `json:"runtime_profile" env:"OPENCLAW_RUNTIME_PROFILE"`

	AdminToken          string `json:"-" env:"OPENCLAW_ADMIN_TOKEN"`
	ObservabilityToken  string `json:"-" env:"OPENCLAW_OBSERVABILITY_TOKEN"`
	WebhookMode         string `json:"webhook_mode" env:"OPENCLAW_WEBHOOK_MODE"`
	WebhookBearerToken  string `json:"-" env:"OPENCLAW_WEBHOOK_BEARER_TOKEN"`
	WebhookHMACSecret   string `json:"-" env:"OPENCLAW_WEBHOOK_HMAC_SECRET"`
	RequireApproval     bool   `json:"require_approval" env:"OPENCLAW_REQUIRE_APPROVAL"`
	PresetsPublicRead   bool   `json:"presets_public_read" env:"OPENCLAW_PRESETS_PUBLIC_READ"`
	RemoteAdminAllowed  bool   `json:"remote_admin_allowed" env:"OPENCLAW_REMOTE_ADMIN_ALLOWED"`
	CSRFNoOriginOverride bool  `json:"csrf_no_origin_override" env:"OPENCLAW_CSRF_NO_ORIGIN_OVERRIDE"`

	TrustedProxies []string `json:"trusted_proxies" env:"OPENCLAW_TRUSTED_PROXIES"`
	TrustXFF       bool     `json:"trust_xff" env:"OPENCLAW_TRUST_XFF"`

	AnyPublicLLMHostAllowed bool `json:"any_public_llm_host_allowed" env:"OPENCLAW_ANY_PUBLIC_LLM_HOST_ALLOWED"`
	InsecureBaseURLAllowed  bool `json:"insecure_base_url_allowed" env:"OPENCLAW_INSECURE_BASE_URL_ALLOWED"`

	BridgeEnabled     bool   `json:"bridge_enabled" env:"OPENCLAW_BRIDGE_ENABLED"`
	BridgeDeviceToken string `json:"-" env:"OPENCLAW_BRIDGE_DEVICE_TOKEN"`
	BridgeMTLSBundle  string `json:"bridge_mtls_bundle" env:"OPENCLAW_BRIDGE_MTLS_BUNDLE"`

	SharedSurfaceAck bool `json:"shared_surface_ack" env:"OPENCLAW_SHARED_SURFACE_ACK"`

	ConnectorAllowlistConfigured bool     `json:"connector_allowlist_configured" env:"OPENCLAW_CONNECTOR_ALLOWLIST_CONFIGURED"`
	ActiveConnectors             []string `json:"active_connectors" env:"OPENCLAW_ACTIVE_CONNECTORS"`

	// ConnectorMediaTTL / ConnectorMediaMaxMB bound how long and how large
	// connector-relayed media may be held for delivery.
	ConnectorMediaTTL   time.Duration `json:"connector_media_ttl" env:"OPENCLAW_CONNECTOR_MEDIA_TTL"`
	ConnectorMediaMaxMB int           `json:"connector_media_max_mb" env:"OPENCLAW_CONNECTOR_MEDIA_MAX_MB"`

	// CallbackSecretMasterKeyHex, if set, is a 32-byte hex-encoded key used to
	// decrypt callback HMAC secrets stored in envelope-encrypted form
	// (values prefixed "v1:"). Plain unencrypted env values still resolve
	// when this is unset.
	CallbackSecretMasterKeyHex string `json:"-" env:"OPENCLAW_CALLBACK_SECRET_MASTER_KEY_HEX"`
}

// BudgetConfig configures the concurrency/budget gate (component H).
type BudgetConfig struct {
	Total   int `json:"total" env:"OPENCLAW_BUDGET_TOTAL"`
	Webhook int `json:"webhook" env:"OPENCLAW_BUDGET_WEBHOOK"`
	Bridge  int `json:"bridge" env:"OPENCLAW_BUDGET_BRIDGE"`

	// MaxRenderedWorkflowBytes caps the serialized size of any rendered
	// workflow document; admission past it fails with payload_too_large.
	MaxRenderedWorkflowBytes int `json:"max_rendered_workflow_bytes" env:"OPENCLAW_MAX_RENDERED_WORKFLOW_BYTES"`
}

// SafeIOConfig configures the SSRF-safe outbound policy (component B) used
// for callback delivery; LLM provider calls do not go through it.
type SafeIOConfig struct {
	AllowHTTP    bool     `json:"allow_http" env:"OPENCLAW_SAFEIO_ALLOW_HTTP"`
	AllowedHosts []string `json:"allowed_hosts" env:"OPENCLAW_SAFEIO_ALLOWED_HOSTS"`
	AllowPrivate bool     `json:"allow_private" env:"OPENCLAW_SAFEIO_ALLOW_PRIVATE"`
	MaxRedirects int      `json:"max_redirects" env:"OPENCLAW_SAFEIO_MAX_REDIRECTS"`

	// CallbackAllowHosts is the distinct allowlist callback destinations are
	// checked against; a callback host absent from it is refused at
	// admission, before anything is submitted.
	CallbackAllowHosts []string `json:"callback_allow_hosts" env:"OPENCLAW_CALLBACK_ALLOW_HOSTS"`

	// OutboundRequestsPerSecond throttles callback/delivery egress at the
	// HTTP transport, after the SSRF policy check. Zero uses a conservative
	// default.
	OutboundRequestsPerSecond float64 `json:"outbound_requests_per_second" env:"OPENCLAW_SAFEIO_OUTBOUND_RPS"`
	OutboundBurst             int     `json:"outbound_burst" env:"OPENCLAW_SAFEIO_OUTBOUND_BURST"`
}

// LLMCandidateConfig declares one provider candidate in failover order.
type LLMCandidateConfig struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	BaseURL   string `json:"base_url"`
	APIKeyEnv string `json:"api_key_env"`
}

// LLMConfig configures the failover layer (component L): per-attempt
// timeout, the allowed provider host set, and the ordered candidate chain.
// AllowedHosts is loaded but not applied to LLM calls.
type LLMConfig struct {
	TimeoutSeconds int                  `json:"timeout_seconds" env:"OPENCLAW_LLM_TIMEOUT_SECONDS"`
	AllowedHosts   []string             `json:"allowed_hosts" env:"OPENCLAW_LLM_ALLOWED_HOSTS"`
	Candidates     []LLMCandidateConfig `json:"candidates"`
}

// RenderEngineConfig points at the local render engine (component I).
type RenderEngineConfig struct {
	BaseURL string `json:"base_url" env:"OPENCLAW_RENDER_ENGINE_URL"`
}

// StateConfig locates the atomic-replace JSON state files the approval
// store, scheduler, and idempotency store persist to.
type StateConfig struct {
	Dir             string `json:"dir" env:"OPENCLAW_STATE_DIR"`
	ApprovalsFile   string `json:"approvals_file" env:"OPENCLAW_APPROVALS_FILE"`
	SchedulesFile   string `json:"schedules_file" env:"OPENCLAW_SCHEDULES_FILE"`
	IdempotencyFile string `json:"idempotency_file" env:"OPENCLAW_IDEMPOTENCY_FILE"`
	PresetsFile     string `json:"presets_file" env:"OPENCLAW_PRESETS_FILE"`
	RegistryDir     string `json:"registry_dir" env:"OPENCLAW_REGISTRY_DIR"`
}

// SchedulerConfig configures the tick loop's limits (component K).
type SchedulerConfig struct {
	MaxSchedules      int `json:"max_schedules" env:"OPENCLAW_SCHEDULER_MAX_SCHEDULES"`
	MaxRunRecords     int `json:"max_run_records" env:"OPENCLAW_SCHEDULER_MAX_RUN_RECORDS"`
	MaxCatchupPerTick int `json:"max_catchup_per_tick" env:"OPENCLAW_SCHEDULER_MAX_CATCHUP"`
	JitterMaxMS       int `json:"jitter_max_ms" env:"OPENCLAW_SCHEDULER_JITTER_MAX_MS"`
}

// IdempotencyConfig configures the dedupe store (component C).
type IdempotencyConfig struct {
	MaxSize int `json:"max_size" env:"OPENCLAW_IDEMPOTENCY_MAX_SIZE"`
	WaitMS  int `json:"wait_ms" env:"OPENCLAW_IDEMPOTENCY_WAIT_MS"`
}

// RateLimitConfig tunes the admin API's per-(trusted client IP, endpoint
// class) token-bucket rate limiter (component M, spec §5).
type RateLimitConfig struct {
	RequestsPerSecond int           `json:"requests_per_second" env:"OPENCLAW_RATE_LIMIT_RPS"`
	Burst             int           `json:"burst" env:"OPENCLAW_RATE_LIMIT_BURST"`
	LimiterTTL        time.Duration `json:"limiter_ttl" env:"OPENCLAW_RATE_LIMIT_IDLE_TTL"`
	BodyLimitBytes    int64         `json:"body_limit_bytes" env:"OPENCLAW_BODY_LIMIT_BYTES"`
	RequestTimeout    time.Duration `json:"request_timeout" env:"OPENCLAW_REQUEST_TIMEOUT"`
	CORSAllowedOrigins []string     `json:"cors_allowed_origins" env:"OPENCLAW_CORS_ALLOWED_ORIGINS"`
}

// TraceNotifyConfig optionally backs the trace event bus with Postgres
// LISTEN/NOTIFY (pkg/pgnotify) so multiple admin-API processes share one
// feed. Off by default; the in-process bus always works standalone.
type TraceNotifyConfig struct {
	DSN     string `json:"-" env:"TRACE_NOTIFY_DSN"`
	Channel string `json:"channel" env:"TRACE_NOTIFY_CHANNEL"`
}

// TracingConfig configures OTLP/Tracing exporters.
type TracingConfig struct {
	Endpoint           string            `json:"endpoint" env:"TRACING_OTLP_ENDPOINT"`
	Insecure           bool              `json:"insecure" env:"TRACING_OTLP_INSECURE"`
	ServiceName        string            `json:"service_name" env:"TRACING_SERVICE_NAME"`
	ResourceAttributes map[string]string `json:"resource_attributes" mapstructure:"resource_attributes"`
	AttributesEnv      string            `json:"-" yaml:"-" env:"TRACING_OTLP_ATTRIBUTES"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Logging      LoggingConfig      `json:"logging"`
	Posture      PostureConfig      `json:"posture"`
	Budget       BudgetConfig       `json:"budget"`
	SafeIO       SafeIOConfig       `json:"safeio"`
	LLM          LLMConfig          `json:"llm"`
	RenderEngine RenderEngineConfig `json:"render_engine"`
	State        StateConfig        `json:"state"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Idempotency  IdempotencyConfig  `json:"idempotency"`
	RateLimit    RateLimitConfig    `json:"rate_limit"`
	Tracing      TracingConfig      `json:"tracing"`
	TraceNotify  TraceNotifyConfig  `json:"trace_notify"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8787,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "openclaw-controlplane",
		},
		Posture: PostureConfig{
			Profile:        "local",
			RuntimeProfile: "minimal",
			WebhookMode:    "bearer",
		},
		Budget: BudgetConfig{
			Total:                    2,
			Webhook:                  1,
			Bridge:                   1,
			MaxRenderedWorkflowBytes: 512 * 1024,
		},
		SafeIO: SafeIOConfig{
			MaxRedirects:              3,
			OutboundRequestsPerSecond: 10,
			OutboundBurst:             20,
		},
		LLM: LLMConfig{
			TimeoutSeconds: 120,
		},
		RenderEngine: RenderEngineConfig{
			BaseURL: "http://127.0.0.1:8188",
		},
		State: StateConfig{
			Dir:             "./state",
			ApprovalsFile:   "./state/approvals.json",
			SchedulesFile:   "./state/schedules.json",
			IdempotencyFile: "./state/idempotency.json",
			PresetsFile:     "./state/presets.json",
			RegistryDir:     "./state/registry",
		},
		Scheduler: SchedulerConfig{
			MaxSchedules:      200,
			MaxRunRecords:     2000,
			MaxCatchupPerTick: 1,
			JitterMaxMS:       1500,
		},
		Idempotency: IdempotencyConfig{
			MaxSize: 10000,
			WaitMS:  5000,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			LimiterTTL:        30 * time.Minute,
			BodyLimitBytes:    8 << 20,
			RequestTimeout:    30 * time.Second,
		},
		Tracing: TracingConfig{},
		TraceNotify: TraceNotifyConfig{
			Channel: "openclaw_trace_events",
		},
	}
}

// legacyEnvAliases maps canonical env keys to their accepted legacy names.
// Legacy values are read with lower precedence: a canonical key that is set
// always wins.
var legacyEnvAliases = map[string]string{
	"OPENCLAW_PROFILE":             "MOLTBOT_PROFILE",
	"OPENCLAW_RUNTIME_PROFILE":     "MOLTBOT_RUNTIME_PROFILE",
	"OPENCLAW_ADMIN_TOKEN":         "MOLTBOT_ADMIN_TOKEN",
	"OPENCLAW_OBSERVABILITY_TOKEN": "MOLTBOT_OBSERVABILITY_TOKEN",
	"OPENCLAW_WEBHOOK_MODE":        "MOLTBOT_WEBHOOK_MODE",
	"OPENCLAW_WEBHOOK_BEARER_TOKEN": "MOLTBOT_WEBHOOK_BEARER_TOKEN",
	"OPENCLAW_WEBHOOK_HMAC_SECRET":  "MOLTBOT_WEBHOOK_HMAC_SECRET",
	"OPENCLAW_STATE_DIR":            "MOLTBOT_STATE_DIR",
	"OPENCLAW_RENDER_ENGINE_URL":    "MOLTBOT_RENDER_ENGINE_URL",
}

// applyLegacyEnvAliases copies a legacy env value into its canonical key
// when only the legacy one is set, so everything downstream sees one
// canonical surface.
func applyLegacyEnvAliases() {
	for canonical, legacy := range legacyEnvAliases {
		if os.Getenv(canonical) == "" {
			if v := os.Getenv(legacy); v != "" {
				os.Setenv(canonical, v)
			}
		}
	}
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()
	applyLegacyEnvAliases()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig loads a JSON config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func (t *TracingConfig) normalize() {
	if t == nil {
		return
	}
	t.MergeAttributes(t.AttributesEnv)
}

// MergeAttributes merges comma-separated key=value pairs into ResourceAttributes.
func (t *TracingConfig) MergeAttributes(raw string) {
	if t == nil {
		return
	}
	pairs := parseAttributePairs(raw)
	if len(pairs) == 0 {
		return
	}
	if t.ResourceAttributes == nil {
		t.ResourceAttributes = make(map[string]string, len(pairs))
	}
	for k, v := range pairs {
		if k == "" {
			continue
		}
		t.ResourceAttributes[k] = v
	}
}

func parseAttributePairs(raw string) map[string]string {
	result := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := strings.TrimSpace(kv[0])
		if key == "" {
			continue
		}
		val := ""
		if len(kv) > 1 {
			val = strings.TrimSpace(kv[1])
		}
		result[key] = val
	}
	return result
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Tracing.normalize()
}
