// Command openclaw runs the control plane: it loads configuration, locks
// the deployment posture, wires every component, and serves the admin/
// observability API (and, if enabled, the device bridge) until signaled
// to stop.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openclaw/controlplane/domain/jobspec"
	"github.com/openclaw/controlplane/domain/schedule"
	"github.com/openclaw/controlplane/infrastructure/crypto"
	"github.com/openclaw/controlplane/infrastructure/httputil"
	"github.com/openclaw/controlplane/infrastructure/logging"
	httpmetrics "github.com/openclaw/controlplane/infrastructure/metrics"
	"github.com/openclaw/controlplane/infrastructure/ratelimit"
	"github.com/openclaw/controlplane/internal/adminapi"
	"github.com/openclaw/controlplane/internal/admission"
	"github.com/openclaw/controlplane/internal/approval"
	"github.com/openclaw/controlplane/internal/bridge"
	"github.com/openclaw/controlplane/internal/budget"
	"github.com/openclaw/controlplane/internal/callback"
	"github.com/openclaw/controlplane/internal/idempotency"
	"github.com/openclaw/controlplane/internal/llm"
	"github.com/openclaw/controlplane/internal/packs"
	"github.com/openclaw/controlplane/internal/posture"
	"github.com/openclaw/controlplane/internal/preset"
	"github.com/openclaw/controlplane/internal/renderengine"
	"github.com/openclaw/controlplane/internal/safeio"
	"github.com/openclaw/controlplane/internal/scheduler"
	"github.com/openclaw/controlplane/internal/template"
	"github.com/openclaw/controlplane/internal/trace"
	"github.com/openclaw/controlplane/pkg/config"
	"github.com/openclaw/controlplane/pkg/pgnotify"
	"github.com/openclaw/controlplane/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "openclaw:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	appLog := logging.New("openclaw-controlplane", cfg.Logging.Level, cfg.Logging.Format)
	if out := cfg.Logging.Output; out != "" && out != "stdout" && out != "stderr" {
		flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
		if cfg.Logging.TruncateOnStart {
			flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		}
		logFile, openErr := os.OpenFile(out, flags, 0o644)
		if openErr != nil {
			return fmt.Errorf("open log file: %w", openErr)
		}
		defer logFile.Close()
		appLog.SetOutput(logFile)
	}
	entryLog := logrus.NewEntry(appLog.Logger)

	tracer := tracing.NoopTracer
	if cfg.Tracing.Endpoint != "" {
		provider, shutdownTracer, err := tracing.NewOTLPTracerProvider(context.Background(), tracing.OTLPConfig{
			Endpoint:           cfg.Tracing.Endpoint,
			Insecure:           cfg.Tracing.Insecure,
			ServiceName:        cfg.Tracing.ServiceName,
			ResourceAttributes: cfg.Tracing.ResourceAttributes,
		})
		if err != nil {
			return fmt.Errorf("otlp tracer: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracer(shutdownCtx)
		}()
		tracer = tracing.ConfigureGlobalTracer(provider, "openclaw-controlplane")
	}

	if err := os.MkdirAll(cfg.State.Dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	lockedPosture, err := posture.Lock(postureConfigFrom(cfg))
	if err != nil {
		return fmt.Errorf("posture lock: %w", err)
	}

	bus := trace.NewBus(0)
	if dsn := cfg.TraceNotify.DSN; dsn != "" {
		notifyBus, err := pgnotify.New(dsn, cfg.TraceNotify.Channel)
		if err != nil {
			return fmt.Errorf("trace notify: %w", err)
		}
		bus.AttachNotifier(notifyBus)
		entryLog.WithField("channel", cfg.TraceNotify.Channel).Info("trace bus relaying over postgres LISTEN/NOTIFY")
	}
	traces := trace.NewStore(0, 0, bus)

	idem := idempotency.New(appLog, idempotency.WithMaxSize(cfg.Idempotency.MaxSize),
		idempotency.WithWait(time.Duration(cfg.Idempotency.WaitMS)*time.Millisecond),
		idempotency.WithPersistFile(cfg.State.IdempotencyFile))

	postureGate := posture.NewGate(lockedPosture, idem, appLog)

	templates := buildTemplateRegistry(cfg.Budget.MaxRenderedWorkflowBytes)

	budgetGate := budget.New(budget.Caps{Total: cfg.Budget.Total, Webhook: cfg.Budget.Webhook, Bridge: cfg.Budget.Bridge})

	engine := renderengine.New(cfg.RenderEngine.BaseURL, nil)

	outboundTransport := ratelimit.NewRoundTripper(nil, ratelimit.RateLimitConfig{
		RequestsPerSecond: cfg.SafeIO.OutboundRequestsPerSecond,
		Burst:             cfg.SafeIO.OutboundBurst,
	})
	safeClient := safeio.NewClient(nil, httputil.CopyHTTPClientWithTimeout(&http.Client{Transport: outboundTransport}, 30*time.Second, false))
	safePolicy := safeio.Policy{
		AllowHTTP:    cfg.SafeIO.AllowHTTP,
		AllowedHosts: toHostSet(cfg.SafeIO.AllowedHosts),
		AllowPrivate: cfg.SafeIO.AllowPrivate,
		MaxRedirects: cfg.SafeIO.MaxRedirects,
	}
	callbackPolicy := safePolicy
	callbackPolicy.AllowedHosts = toHostSet(cfg.SafeIO.CallbackAllowHosts)

	var callbackMasterKey []byte
	if hexKey := cfg.Posture.CallbackSecretMasterKeyHex; hexKey != "" {
		decoded, decodeErr := hex.DecodeString(hexKey)
		if decodeErr != nil {
			return fmt.Errorf("decode callback secret master key: %w", decodeErr)
		}
		callbackMasterKey = decoded
	}
	secretResolver := callback.SecretResolver(func(secretRef string) (string, error) {
		v := os.Getenv(secretRef)
		if v == "" {
			return "", fmt.Errorf("unresolved callback secret ref %q", secretRef)
		}
		if strings.HasPrefix(v, "v1:") {
			if len(callbackMasterKey) == 0 {
				return "", fmt.Errorf("callback secret ref %q is envelope-encrypted but no master key configured", secretRef)
			}
			plaintext, decErr := crypto.DecryptEnvelope(callbackMasterKey, []byte(secretRef), "callback-secret", []byte(v))
			if decErr != nil {
				return "", fmt.Errorf("decrypt callback secret ref %q: %w", secretRef, decErr)
			}
			return string(plaintext), nil
		}
		return v, nil
	})
	callbacks := callback.New(engine, safeClient, secretResolver, callback.Config{Policy: callbackPolicy}, entryLog)

	approvals := approval.New(entryLog, approval.WithPersistFile(cfg.State.ApprovalsFile))

	presets := preset.New(entryLog, preset.WithPersistFile(cfg.State.PresetsFile))
	packRegistry := packs.NewRegistry(cfg.State.RegistryDir, entryLog)

	llmLayer := llm.New(nil, traces)
	llmLayer.SetLogger(appLog)
	llmLayer.SetTimeout(time.Duration(cfg.LLM.TimeoutSeconds) * time.Second)

	llmCandidates, err := buildLLMCandidates(cfg.LLM, lockedPosture)
	if err != nil {
		return err
	}

	pipeline := &admission.Pipeline{
		Traces:      traces,
		Templates:   templates,
		PostureGate: postureGate,
		Idempotency: idem,
		Approvals:   approvals,
		Budget:      budgetGate,
		Submit:      engine,
		Callbacks:   callbacks,
		RequiresApproval: func(source jobspec.Source, templateID, caller string) bool {
			if source == jobspec.SourceScheduler {
				return false
			}
			return cfg.Posture.RequireApproval
		},
		ValidateCallback: func(ctx context.Context, rawURL string) error {
			_, _, err := safeClient.Resolve(ctx, rawURL, callbackPolicy)
			return err
		},
		Tracer: tracer,
	}

	sched := scheduler.New(&scheduledExecutor{pipeline: pipeline}, scheduler.Config{
		MaxSchedules:      cfg.Scheduler.MaxSchedules,
		MaxRunRecords:     cfg.Scheduler.MaxRunRecords,
		MaxCatchupPerTick: cfg.Scheduler.MaxCatchupPerTick,
		JitterMax:         time.Duration(cfg.Scheduler.JitterMaxMS) * time.Millisecond,
		PersistPath:       cfg.State.SchedulesFile,
	}, entryLog)

	metrics := adminapi.NewMetrics()
	httpMetrics := httpmetrics.Init("openclaw-adminapi")
	admin := adminapi.NewServer(adminapi.Deps{
		Pipeline:      pipeline,
		Traces:        traces,
		Bus:           bus,
		Approvals:     approvals,
		Scheduler:     sched,
		Budget:        budgetGate,
		PostureGate:   postureGate,
		LLM:           llmLayer,
		LLMCandidates: llmCandidates,
		Presets:       presets,
		Packs:         packRegistry,
		Callbacks:     callbacks,
		Interrupter:   engine,
		Metrics:       metrics,
		Capabilities: map[string]bool{
			"approvals": true,
			"scheduler": true,
			"presets":   true,
			"packs":     true,
			"bridge":    lockedPosture.SubsystemEnabled("bridge"),
		},
		ConfigSnapshot: func() map[string]interface{} {
			return map[string]interface{}{
				"profile":         string(lockedPosture.Profile),
				"runtime_profile": string(lockedPosture.RuntimeProfile),
				"runtime_guardrails": map[string]interface{}{
					"require_approval":            cfg.Posture.RequireApproval,
					"trust_xff":                   cfg.Posture.TrustXFF,
					"bridge_enabled":              lockedPosture.SubsystemEnabled("bridge"),
					"budget_total":                cfg.Budget.Total,
					"budget_webhook":              cfg.Budget.Webhook,
					"budget_bridge":               cfg.Budget.Bridge,
					"max_rendered_workflow_bytes": cfg.Budget.MaxRenderedWorkflowBytes,
				},
			}
		},
		Logger:      appLog,
		HTTPMetrics: httpMetrics,
		RateLimit: adminapi.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
			LimiterTTL:        cfg.RateLimit.LimiterTTL,
			BodyLimitBytes:    cfg.RateLimit.BodyLimitBytes,
			RequestTimeout:    cfg.RateLimit.RequestTimeout,
		},
		CORSAllowedOrigins: cfg.RateLimit.CORSAllowedOrigins,
	})

	mux := http.NewServeMux()
	mux.Handle("/", admin.Router)

	if lockedPosture.SubsystemEnabled("bridge") {
		bridgeSrv := bridge.NewServer(lockedPosture, pipeline, bridge.Config{
			DeviceTokenSecret: cfg.Posture.BridgeDeviceToken,
		})
		mux.Handle("/bridge/", bridgeSrv.Router)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go sched.Run(ctx)
	go callbacks.Run(ctx)
	go sweepLoop(ctx, traces, idem, approvals)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		entryLog.WithField("addr", addr).Info("openclaw control plane listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// scheduledExecutor adapts the admission pipeline to scheduler.Executor,
// re-entering Admit with a pre-minted deterministic idempotency key so a
// duplicated tick never double-fires the same run.
type scheduledExecutor struct {
	pipeline *admission.Pipeline
}

func (e *scheduledExecutor) Execute(ctx context.Context, sch schedule.Schedule, idemKey string) (string, error) {
	res, err := e.pipeline.Admit(ctx, admission.Request{
		TemplateID:     sch.TemplateID,
		Inputs:         sch.Inputs,
		Source:         jobspec.SourceScheduler,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		return "", err
	}
	return res.JobSpec.PromptID, nil
}

// sweepLoop periodically evicts idle traces, expired idempotency keys, and
// past-deadline pending approvals, mirroring the ticker/select background
// loop pattern used throughout the control plane.
func sweepLoop(ctx context.Context, traces *trace.Store, idem *idempotency.Store, approvals *approval.Store) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			traces.Sweep()
			idem.Sweep()
			approvals.SweepExpired(time.Now())
		}
	}
}

func postureConfigFrom(cfg *config.Config) posture.Config {
	return posture.Config{
		Profile:                      posture.Profile(cfg.Posture.Profile),
		RuntimeProfile:               posture.RuntimeProfile(cfg.Posture.RuntimeProfile),
		AdminToken:                   cfg.Posture.AdminToken,
		ObservabilityToken:           cfg.Posture.ObservabilityToken,
		WebhookMode:                  posture.WebhookMode(cfg.Posture.WebhookMode),
		WebhookBearerToken:           cfg.Posture.WebhookBearerToken,
		WebhookHMACSecret:            cfg.Posture.WebhookHMACSecret,
		RequireApproval:              cfg.Posture.RequireApproval,
		PresetsPublicRead:            cfg.Posture.PresetsPublicRead,
		RemoteAdminAllowed:           cfg.Posture.RemoteAdminAllowed,
		CSRFNoOriginOverride:         cfg.Posture.CSRFNoOriginOverride,
		TrustedProxies:               cfg.Posture.TrustedProxies,
		TrustXFF:                     cfg.Posture.TrustXFF,
		AnyPublicLLMHostAllowed:      cfg.Posture.AnyPublicLLMHostAllowed,
		InsecureBaseURLAllowed:       cfg.Posture.InsecureBaseURLAllowed,
		BridgeEnabled:                cfg.Posture.BridgeEnabled,
		BridgeDeviceToken:            cfg.Posture.BridgeDeviceToken,
		BridgeMTLSBundle:             cfg.Posture.BridgeMTLSBundle,
		SharedSurfaceAck:             cfg.Posture.SharedSurfaceAck,
		ConnectorAllowlistConfigured: cfg.Posture.ConnectorAllowlistConfigured,
		ActiveConnectors:             cfg.Posture.ActiveConnectors,
	}
}

// buildLLMCandidates resolves the configured failover chain, enforcing the
// allowed-host policy unless the posture explicitly permits any public
// provider host.
func buildLLMCandidates(cfg config.LLMConfig, p *posture.DeploymentPosture) ([]llm.Candidate, error) {
	allowed := toHostSet(cfg.AllowedHosts)
	anyHost := p.AnyPublicLLMHostAllowed()

	out := make([]llm.Candidate, 0, len(cfg.Candidates))
	for _, c := range cfg.Candidates {
		parsed, err := url.Parse(c.BaseURL)
		if err != nil || parsed.Host == "" {
			return nil, fmt.Errorf("llm candidate %s/%s: invalid base url %q", c.Provider, c.Model, c.BaseURL)
		}
		if !anyHost && !allowed[parsed.Hostname()] {
			return nil, fmt.Errorf("llm candidate %s/%s: host %q not in OPENCLAW_LLM_ALLOWED_HOSTS", c.Provider, c.Model, parsed.Hostname())
		}
		apiKey := ""
		if c.APIKeyEnv != "" {
			apiKey = os.Getenv(c.APIKeyEnv)
		}
		out = append(out, llm.Candidate{
			Provider: llm.Provider(c.Provider),
			Model:    c.Model,
			BaseURL:  c.BaseURL,
			APIKey:   apiKey,
		})
	}
	return out, nil
}

func toHostSet(hosts []string) map[string]bool {
	out := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		out[h] = true
	}
	return out
}

// buildTemplateRegistry registers the built-in render presets. Additional
// templates are loaded from a trusted directory in a future iteration;
// registration only ever happens at startup, never at runtime.
func buildTemplateRegistry(maxRenderedBytes int) *template.Registry {
	reg := template.NewRegistry(maxRenderedBytes)
	_ = reg.Register(&template.Template{
		ID: "sdxl-basic",
		Schema: template.Schema{
			"prompt": {Type: template.FieldString, Required: true},
		},
		Skeleton: map[string]interface{}{"prompt": "${prompt}"},
		Labels:   map[string]string{"engine": "sdxl"},
	})
	return reg
}
