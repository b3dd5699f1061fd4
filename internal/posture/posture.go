// Package posture implements the deployment-posture gate (component E):
// admin/observability/webhook authentication, the startup fail-closed
// checks for hardened runtime / public deployment profiles, and CSRF
// protection for loopback-only admin access.
package posture

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openclaw/controlplane/infrastructure/errors"
	"github.com/openclaw/controlplane/infrastructure/logging"
	"github.com/openclaw/controlplane/internal/idempotency"
)

// Profile is the deployment posture label.
type Profile string

const (
	ProfileLocal  Profile = "local"
	ProfileLAN    Profile = "lan"
	ProfilePublic Profile = "public"
)

// RuntimeProfile toggles fail-closed behavior independent of deployment
// profile (an operator can run "hardened" even on a LAN deployment).
type RuntimeProfile string

const (
	RuntimeMinimal  RuntimeProfile = "minimal"
	RuntimeHardened RuntimeProfile = "hardened"
)

// WebhookMode selects which scheme(s) the webhook auth class accepts.
type WebhookMode string

const (
	WebhookModeBearer       WebhookMode = "bearer"
	WebhookModeHMAC         WebhookMode = "hmac"
	WebhookModeBearerOrHMAC WebhookMode = "bearer_or_hmac"
)

// Config is the full set of inputs the posture gate locks at startup. It
// mirrors the env-var surface in spec §6.
type Config struct {
	Profile        Profile
	RuntimeProfile RuntimeProfile

	AdminToken          string
	ObservabilityToken  string
	WebhookMode         WebhookMode
	WebhookBearerToken  string
	WebhookHMACSecret   string
	RequireApproval     bool
	PresetsPublicRead   bool
	RemoteAdminAllowed  bool
	CSRFNoOriginOverride bool

	TrustedProxies []string
	TrustXFF       bool

	AnyPublicLLMHostAllowed bool
	InsecureBaseURLAllowed  bool

	BridgeEnabled    bool
	BridgeDeviceToken string
	BridgeMTLSBundle string

	SharedSurfaceAck bool

	ConnectorAllowlistConfigured bool
	ActiveConnectors             []string
}

// DeploymentPosture is the immutable snapshot Lock produces. Once locked,
// no runtime path may mutate it.
type DeploymentPosture struct {
	Profile        Profile
	RuntimeProfile RuntimeProfile

	BridgeEnabled bool
	Subsystems    map[string]bool

	TrustedProxyCIDRs []*net.IPNet
	TrustXFF          bool

	cfg Config
}

// AnyPublicLLMHostAllowed reports whether the operator explicitly bypassed
// the LLM allowed-host policy. Lock refuses this in hardened/public posture.
func (p *DeploymentPosture) AnyPublicLLMHostAllowed() bool {
	if p == nil {
		return false
	}
	return p.cfg.AnyPublicLLMHostAllowed
}

// SubsystemEnabled reports whether a named optional subsystem (bridge,
// registry_sync, constrained_transforms, external_tools) is enabled.
func (p *DeploymentPosture) SubsystemEnabled(name string) bool {
	if p == nil {
		return false
	}
	return p.Subsystems[name]
}

// Lock evaluates cfg against the fail-closed rules for hardened runtime /
// public deployment profile and, if everything passes, returns the locked
// posture snapshot. A non-nil error means route registration must not
// proceed; the caller (cmd/openclaw/main.go) owns the actual process exit.
func Lock(cfg Config) (*DeploymentPosture, error) {
	if cfg.Profile == "" {
		cfg.Profile = ProfileLocal
	}
	if cfg.RuntimeProfile == "" {
		cfg.RuntimeProfile = RuntimeMinimal
	}

	failClosed := cfg.RuntimeProfile == RuntimeHardened || cfg.Profile == ProfilePublic

	if failClosed {
		if cfg.AdminToken == "" {
			return nil, errors.PostureViolation("admin token must be configured in hardened/public posture")
		}
		if cfg.WebhookBearerToken == "" && cfg.WebhookHMACSecret == "" {
			return nil, errors.PostureViolation("webhook credentials must be configured in hardened/public posture")
		}
		if cfg.AnyPublicLLMHostAllowed {
			return nil, errors.PostureViolation("any-public-llm-host bypass is not permitted in hardened/public posture")
		}
		if cfg.InsecureBaseURLAllowed {
			return nil, errors.PostureViolation("insecure-base-url bypass is not permitted in hardened/public posture")
		}
		if len(cfg.ActiveConnectors) > 0 && !cfg.ConnectorAllowlistConfigured {
			return nil, errors.PostureViolation("active connectors require a configured allowlist in hardened/public posture")
		}
		if cfg.Profile == ProfilePublic && !cfg.SharedSurfaceAck {
			return nil, errors.PostureViolation("public profile requires the shared-surface acknowledgement")
		}
	}

	if cfg.BridgeEnabled {
		if cfg.BridgeDeviceToken == "" {
			return nil, errors.PostureViolation("bridge enabled without a device token")
		}
		if cfg.Profile == ProfilePublic && cfg.BridgeMTLSBundle == "" {
			return nil, errors.PostureViolation("bridge in public profile requires an mTLS bundle")
		}
	}

	cidrs, err := parseCIDRs(cfg.TrustedProxies)
	if err != nil {
		return nil, errors.PostureViolation(fmt.Sprintf("invalid trusted proxy CIDR: %v", err))
	}

	return &DeploymentPosture{
		Profile:        cfg.Profile,
		RuntimeProfile: cfg.RuntimeProfile,
		BridgeEnabled:  cfg.BridgeEnabled,
		Subsystems: map[string]bool{
			"bridge": cfg.BridgeEnabled,
		},
		TrustedProxyCIDRs: cidrs,
		TrustXFF:          cfg.TrustXFF,
		cfg:               cfg,
	}, nil
}

func parseCIDRs(raw []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ipnet)
	}
	return out, nil
}

// Gate evaluates the per-request auth classes against a locked posture.
type Gate struct {
	posture  *DeploymentPosture
	replay   *idempotency.Store
	logger   *logging.Logger
}

// NewGate builds a Gate from a locked posture and the shared idempotency
// store used to consume webhook HMAC nonces (replay prevention).
func NewGate(p *DeploymentPosture, replay *idempotency.Store, logger *logging.Logger) *Gate {
	return &Gate{posture: p, replay: replay, logger: logger}
}

// ClientIP resolves the caller IP for r, honoring X-Forwarded-For only when
// the immediate peer is a configured trusted proxy. Used by rate limiting to
// key on the real caller rather than a shared reverse-proxy address.
func (g *Gate) ClientIP(r *http.Request) string {
	return g.posture.ClientIP(r)
}

func (g *Gate) isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// RequireAdmin enforces the admin auth class: constant-time shared-token
// comparison, or, when no token is configured, loopback-only access gated
// by a CSRF check on Origin/Sec-Fetch-Site.
func (g *Gate) RequireAdmin(r *http.Request) error {
	token := g.posture.cfg.AdminToken
	if token != "" {
		supplied := bearerToken(r)
		if supplied == "" {
			return errors.AuthMissing("admin token required")
		}
		if !constantTimeEqual(supplied, token) {
			return errors.AuthInvalid(fmt.Errorf("admin token mismatch"))
		}
		return nil
	}

	if !g.isLoopback(r) {
		return errors.AuthMissing("admin token not configured and caller is not loopback")
	}

	return g.checkCSRF(r)
}

func (g *Gate) checkCSRF(r *http.Request) error {
	origin := r.Header.Get("Origin")
	secFetchSite := r.Header.Get("Sec-Fetch-Site")

	if origin == "" && secFetchSite == "" {
		if g.posture.cfg.CSRFNoOriginOverride {
			return nil
		}
		return errors.CSRFFailed("missing Origin and Sec-Fetch-Site on loopback admin request")
	}
	if secFetchSite != "" && secFetchSite != "same-origin" && secFetchSite != "none" {
		return errors.CSRFFailed("cross-site Sec-Fetch-Site on admin request")
	}
	return nil
}

// RequireObservability enforces the read-auth class: the observability
// token when configured, except when the caller is loopback.
func (g *Gate) RequireObservability(r *http.Request) error {
	if g.isLoopback(r) {
		return nil
	}
	token := g.posture.cfg.ObservabilityToken
	if token == "" {
		return errors.AuthMissing("observability token required for non-loopback access")
	}
	supplied := bearerToken(r)
	if supplied == "" || !constantTimeEqual(supplied, token) {
		return errors.AuthInvalid(fmt.Errorf("observability token mismatch"))
	}
	return nil
}

// RequirePresetRead enforces read access to presets: public when the
// presets-public-read flag is set, otherwise the observability class.
func (g *Gate) RequirePresetRead(r *http.Request) error {
	if g.posture.cfg.PresetsPublicRead {
		return nil
	}
	return g.RequireObservability(r)
}

// RequireWebhook enforces the webhook auth class per the configured mode:
// bearer, HMAC (with nonce replay protection via the idempotency store), or
// either.
func (g *Gate) RequireWebhook(r *http.Request, body []byte) error {
	mode := g.posture.cfg.WebhookMode
	if mode == "" {
		mode = WebhookModeBearer
	}

	var bearerErr, hmacErr error
	switch mode {
	case WebhookModeBearer:
		return g.verifyBearer(r)
	case WebhookModeHMAC:
		return g.verifyHMAC(r, body)
	case WebhookModeBearerOrHMAC:
		bearerErr = g.verifyBearer(r)
		if bearerErr == nil {
			return nil
		}
		hmacErr = g.verifyHMAC(r, body)
		if hmacErr == nil {
			return nil
		}
		return errors.AuthInvalid(fmt.Errorf("neither bearer nor hmac verification succeeded: %v / %v", bearerErr, hmacErr))
	default:
		return errors.AuthMissing("webhook auth mode not configured")
	}
}

func (g *Gate) verifyBearer(r *http.Request) error {
	token := g.posture.cfg.WebhookBearerToken
	if token == "" {
		return errors.AuthMissing("webhook bearer token not configured")
	}
	supplied := bearerToken(r)
	if supplied == "" || !constantTimeEqual(supplied, token) {
		return errors.AuthInvalid(fmt.Errorf("webhook bearer mismatch"))
	}
	return nil
}

// HMACMaxSkew bounds how far X-Timestamp may drift from now before the
// signature is rejected outright (before even computing the HMAC).
const HMACMaxSkew = 5 * time.Minute

func (g *Gate) verifyHMAC(r *http.Request, body []byte) error {
	secret := g.posture.cfg.WebhookHMACSecret
	if secret == "" {
		return errors.AuthMissing("webhook hmac secret not configured")
	}

	ts := r.Header.Get("X-Timestamp")
	nonce := r.Header.Get("X-Nonce")
	sig := r.Header.Get("X-Signature")
	if ts == "" || nonce == "" || sig == "" {
		return errors.AuthMissing("missing hmac headers")
	}

	tsInt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return errors.AuthInvalid(fmt.Errorf("invalid X-Timestamp"))
	}
	skew := time.Since(time.Unix(tsInt, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > HMACMaxSkew {
		return errors.AuthInvalid(fmt.Errorf("X-Timestamp outside allowed skew"))
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(r.Method))
	mac.Write([]byte(r.URL.Path))
	mac.Write([]byte(ts))
	mac.Write([]byte(nonce))
	mac.Write(body)
	expected := mac.Sum(nil)

	expectedHex := fmt.Sprintf("%x", expected)
	if subtle.ConstantTimeCompare([]byte(expectedHex), []byte(strings.ToLower(sig))) != 1 {
		return errors.AuthInvalid(fmt.Errorf("hmac signature mismatch"))
	}

	if g.replay != nil {
		isNew, _ := g.replay.Begin("webhook-nonce:"+nonce, 10*time.Minute)
		if !isNew {
			return errors.AuthInvalid(fmt.Errorf("nonce already used"))
		}
		g.replay.Commit("webhook-nonce:"+nonce, &idempotency.Outcome{Status: "consumed"})
	}

	return nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func constantTimeEqual(a, b string) bool {
	ah := sha256.Sum256([]byte(a))
	bh := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ah[:], bh[:]) == 1
}

// ClientIP resolves the caller IP, honoring X-Forwarded-For only when the
// immediate peer is in the configured trusted-proxy CIDR list.
func (p *DeploymentPosture) ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer := net.ParseIP(host)

	if p.TrustXFF && peer != nil && p.peerIsTrustedProxy(peer) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			first := strings.TrimSpace(parts[0])
			if ip := net.ParseIP(first); ip != nil {
				return ip.String()
			}
		}
	}
	return host
}

func (p *DeploymentPosture) peerIsTrustedProxy(peer net.IP) bool {
	for _, cidr := range p.TrustedProxyCIDRs {
		if cidr.Contains(peer) {
			return true
		}
	}
	return false
}
