package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/controlplane/infrastructure/errors"
	"github.com/openclaw/controlplane/internal/admission"
	"github.com/openclaw/controlplane/internal/budget"
	"github.com/openclaw/controlplane/internal/idempotency"
	"github.com/openclaw/controlplane/internal/posture"
	"github.com/openclaw/controlplane/internal/template"
	"github.com/openclaw/controlplane/internal/trace"
)

const testSecret = "bridge-test-secret"

type fakeSubmitter struct{ calls int }

func (f *fakeSubmitter) Submit(ctx context.Context, rendered []byte, traceID string) (string, error) {
	f.calls++
	return "prompt-1", nil
}

func testPipeline() (*admission.Pipeline, *fakeSubmitter) {
	reg := template.NewRegistry(0)
	_ = reg.Register(&template.Template{
		ID: "sdxl-basic",
		Schema: template.Schema{
			"prompt": {Type: template.FieldString, Required: true},
		},
		Skeleton: map[string]interface{}{"prompt": "${prompt}"},
	})
	sub := &fakeSubmitter{}
	return &admission.Pipeline{
		Traces:      trace.NewStore(0, 0, nil),
		Templates:   reg,
		Idempotency: idempotency.New(nil),
		Budget:      budget.New(budget.DefaultCaps()),
		Submit:      sub,
	}, sub
}

func testServer(t *testing.T, validate func(ctx context.Context, rawURL string) error) (*Server, *fakeSubmitter) {
	t.Helper()
	p, err := posture.Lock(posture.Config{BridgeEnabled: true, BridgeDeviceToken: testSecret})
	require.NoError(t, err)
	pipeline, sub := testPipeline()
	pipeline.ValidateCallback = validate
	return NewServer(p, pipeline, Config{DeviceTokenSecret: testSecret}), sub
}

func deviceToken(t *testing.T, scopes ...Scope) string {
	t.Helper()
	tok, err := MintDeviceToken(testSecret, "device-1", scopes, time.Hour)
	require.NoError(t, err)
	return tok
}

func post(s *Server, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	return rec
}

func TestHandshakeNegotiatesVersion(t *testing.T) {
	s, _ := testServer(t, nil)
	rec := post(s, "/bridge/handshake", "", map[string]interface{}{
		"protocol_version": ProtocolVersion,
		"device_token":     deviceToken(t, ScopeJobSubmit),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHandshakeRejectsVersionMismatchWith409(t *testing.T) {
	s, _ := testServer(t, nil)
	rec := post(s, "/bridge/handshake", "", map[string]interface{}{
		"protocol_version": ProtocolVersion + 1,
		"device_token":     deviceToken(t, ScopeJobSubmit),
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitRequiresDeviceToken(t *testing.T) {
	s, _ := testServer(t, nil)
	rec := post(s, "/bridge/submit", "", map[string]interface{}{"template_id": "sdxl-basic"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitRejectsMissingScope(t *testing.T) {
	s, _ := testServer(t, nil)
	rec := post(s, "/bridge/submit", deviceToken(t, ScopeDeliverySend), map[string]interface{}{
		"template_id": "sdxl-basic",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSubmitRequiresIdempotencyKey(t *testing.T) {
	s, sub := testServer(t, nil)
	rec := post(s, "/bridge/submit", deviceToken(t, ScopeJobSubmit), map[string]interface{}{
		"template_id": "sdxl-basic",
		"inputs":      map[string]interface{}{"prompt": "a cat"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, sub.calls)
}

func TestSubmitHappyPath(t *testing.T) {
	s, sub := testServer(t, nil)
	rec := post(s, "/bridge/submit", deviceToken(t, ScopeJobSubmit), map[string]interface{}{
		"template_id":     "sdxl-basic",
		"inputs":          map[string]interface{}{"prompt": "a cat"},
		"idempotency_key": "bridge-k1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 1, sub.calls)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "prompt-1", out["prompt_id"])
}

func TestSubmitValidatesCallbackAgainstAllowlist(t *testing.T) {
	denied := func(ctx context.Context, rawURL string) error {
		return errors.SSRFBlocked("host not in allowlist")
	}
	s, sub := testServer(t, denied)
	rec := post(s, "/bridge/submit", deviceToken(t, ScopeJobSubmit), map[string]interface{}{
		"template_id":     "sdxl-basic",
		"inputs":          map[string]interface{}{"prompt": "a cat"},
		"idempotency_key": "bridge-k2",
		"callback":        map[string]interface{}{"url": "http://10.0.0.1/hook"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, sub.calls)
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	tok, err := MintDeviceToken("other-secret", "device-1", []Scope{ScopeJobSubmit}, time.Hour)
	require.NoError(t, err)
	_, err = NewTokenVerifier(testSecret).Verify(tok)
	require.Error(t, err)
}
