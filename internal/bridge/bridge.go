// Package bridge is the device bridge endpoint (component N): a disabled-
// by-default subtree for a companion device (phone app, desktop tray) to
// submit jobs and receive delivery callbacks over a narrower, device-token
// authenticated surface than the admin API, gated on the deployment
// posture's "bridge" subsystem flag.
package bridge

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/openclaw/controlplane/domain/jobspec"
	"github.com/openclaw/controlplane/infrastructure/errors"
	"github.com/openclaw/controlplane/internal/admission"
	"github.com/openclaw/controlplane/internal/posture"
)

// ProtocolVersion is the bridge wire-protocol version this build speaks.
// A handshake carrying a different version is rejected with 409.
const ProtocolVersion = 1

// Scope is one capability a device token can carry.
type Scope string

const (
	ScopeJobSubmit     Scope = "job:submit"
	ScopeDeliverySend  Scope = "delivery:send"
)

// DeviceClaims are the JWT claims carried by a bridge device token.
type DeviceClaims struct {
	DeviceID string   `json:"device_id"`
	Scopes   []string `json:"scopes"`
	jwt.RegisteredClaims
}

func (c DeviceClaims) hasScope(s Scope) bool {
	for _, have := range c.Scopes {
		if have == string(s) {
			return true
		}
	}
	return false
}

// TokenVerifier validates a bridge device token and returns its claims.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier builds a verifier from the posture-locked bridge device
// token (used as the HMAC secret; devices are provisioned out of band).
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses and validates a device token, rejecting anything not
// signed with the configured secret or missing a device_id.
func (v *TokenVerifier) Verify(raw string) (*DeviceClaims, error) {
	claims := &DeviceClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.AuthInvalid(nil)
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.AuthInvalid(err)
	}
	if claims.DeviceID == "" {
		return nil, errors.AuthInvalid(nil)
	}
	return claims, nil
}

// MintDeviceToken issues a device token for out-of-band provisioning
// (admin CLI / pairing flow), not exposed over HTTP.
func MintDeviceToken(secret, deviceID string, scopes []Scope, ttl time.Duration) (string, error) {
	now := time.Now()
	strScopes := make([]string, len(scopes))
	for i, s := range scopes {
		strScopes[i] = string(s)
	}
	claims := DeviceClaims{
		DeviceID: deviceID,
		Scopes:   strScopes,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "openclaw-bridge",
			Subject:   deviceID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// MTLSFingerprintPolicy optionally pins bridge clients to a set of
// SHA-256 leaf-certificate fingerprints in addition to device-token auth,
// for the public-profile deployment case.
type MTLSFingerprintPolicy struct {
	AllowedFingerprints map[string]bool
}

func (p *MTLSFingerprintPolicy) allows(state *tls.ConnectionState) bool {
	if p == nil || len(p.AllowedFingerprints) == 0 {
		return true
	}
	if state == nil || len(state.PeerCertificates) == 0 {
		return false
	}
	fp := fingerprint(state.PeerCertificates[0])
	return p.AllowedFingerprints[fp]
}

func fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// Server is the bridge HTTP subtree: disabled unless the posture lock
// enabled the "bridge" subsystem.
type Server struct {
	Router   *mux.Router
	verifier *TokenVerifier
	mtls     *MTLSFingerprintPolicy
	pipeline *admission.Pipeline
	posture  *posture.DeploymentPosture
}

// Config configures a bridge Server.
type Config struct {
	DeviceTokenSecret string
	MTLS              *MTLSFingerprintPolicy
}

// NewServer builds the bridge subtree. It does not consult the posture
// lock itself; cmd/openclaw/main.go constructs one only when
// SubsystemEnabled("bridge") reports true.
func NewServer(p *posture.DeploymentPosture, pipeline *admission.Pipeline, cfg Config) *Server {
	s := &Server{
		Router:   mux.NewRouter(),
		verifier: NewTokenVerifier(cfg.DeviceTokenSecret),
		mtls:     cfg.MTLS,
		pipeline: pipeline,
		posture:  p,
	}
	sub := s.Router.PathPrefix("/bridge").Subrouter()
	sub.HandleFunc("/handshake", s.handleHandshake).Methods(http.MethodPost)
	sub.HandleFunc("/submit", s.requireScope(ScopeJobSubmit, s.handleSubmit)).Methods(http.MethodPost)
	sub.HandleFunc("/deliver", s.requireScope(ScopeDeliverySend, s.handleDeliver)).Methods(http.MethodPost)
	sub.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return s
}

type handshakeRequest struct {
	ProtocolVersion int    `json:"protocol_version"`
	DeviceToken     string `json:"device_token"`
}

type handshakeResponse struct {
	OK              bool   `json:"ok"`
	ProtocolVersion int    `json:"protocol_version"`
	DeviceID        string `json:"device_id,omitempty"`
	Error           string `json:"error,omitempty"`
}

// handleHandshake negotiates protocol version and validates the device
// token before any submit/deliver call is attempted. A version mismatch
// is a 409, not a 400: the request was well-formed, just incompatible.
func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var req handshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, handshakeResponse{Error: "invalid json"})
		return
	}
	if req.ProtocolVersion != ProtocolVersion {
		writeJSON(w, http.StatusConflict, handshakeResponse{
			OK: false, ProtocolVersion: ProtocolVersion,
			Error: "protocol version mismatch",
		})
		return
	}
	claims, err := s.verifier.Verify(req.DeviceToken)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, handshakeResponse{Error: "invalid device token"})
		return
	}
	if !s.mtls.allows(r.TLS) {
		writeJSON(w, http.StatusForbidden, handshakeResponse{Error: "client certificate not pinned"})
		return
	}
	writeJSON(w, http.StatusOK, handshakeResponse{OK: true, ProtocolVersion: ProtocolVersion, DeviceID: claims.DeviceID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "bridge_enabled": s.posture.BridgeEnabled})
}

// requireScope wraps a handler with device-token auth plus mTLS pinning
// and a scope check, the bridge equivalent of posture.Gate's admin/
// webhook auth classes.
func (s *Server) requireScope(scope Scope, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "device token required"})
			return
		}
		claims, err := s.verifier.Verify(token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "invalid device token"})
			return
		}
		if !s.mtls.allows(r.TLS) {
			writeJSON(w, http.StatusForbidden, map[string]interface{}{"error": "client certificate not pinned"})
			return
		}
		if !claims.hasScope(scope) {
			writeJSON(w, http.StatusForbidden, map[string]interface{}{"error": "scope_denied"})
			return
		}
		ctx := context.WithValue(r.Context(), deviceIDKey{}, claims.DeviceID)
		next(w, r.WithContext(ctx))
	}
}

type deviceIDKey struct{}

// DeviceIDFromContext extracts the authenticated device ID set by
// requireScope.
func DeviceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(deviceIDKey{}).(string); ok {
		return v
	}
	return ""
}

type submitRequest struct {
	TemplateID     string                      `json:"template_id"`
	Inputs         map[string]interface{}      `json:"inputs"`
	IdempotencyKey string                      `json:"idempotency_key"`
	Callback       *jobspec.CallbackDescriptor `json:"callback"`
}

// handleSubmit re-enters the admission pipeline exactly as the webhook
// handler does, but sourced as SourceBridge so it draws from the bridge
// budget counter instead of the webhook one.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid json"})
		return
	}
	// Every state-changing bridge call carries an idempotency key so a
	// flaky device link can safely retry.
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	if req.IdempotencyKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "idempotency key required"})
		return
	}
	res, err := s.pipeline.Admit(r.Context(), admission.Request{
		HTTPRequest:    r,
		TemplateID:     req.TemplateID,
		Inputs:         req.Inputs,
		Source:         jobspec.SourceBridge,
		Caller:         DeviceIDFromContext(r.Context()),
		IdempotencyKey: req.IdempotencyKey,
		Callback:       req.Callback,
	})
	if err != nil {
		svcErr := errors.GetServiceError(err)
		status := http.StatusInternalServerError
		if svcErr != nil {
			status = svcErr.HTTPStatus
		}
		writeJSON(w, status, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"prompt_id": res.JobSpec.PromptID, "trace_id": res.JobSpec.TraceID})
}

type deliverRequest struct {
	PromptID string `json:"prompt_id"`
	Status   string `json:"status"`
}

// handleDeliver lets a device push a delivery-confirmation/ack back, used
// when the device itself, not the control plane's callback watcher, is the
// final consumer of a render result.
func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	var req deliverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid json"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "prompt_id": req.PromptID})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
