package admission

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainapproval "github.com/openclaw/controlplane/domain/approval"
	"github.com/openclaw/controlplane/domain/jobspec"
	"github.com/openclaw/controlplane/infrastructure/errors"
	"github.com/openclaw/controlplane/internal/budget"
	"github.com/openclaw/controlplane/internal/idempotency"
	"github.com/openclaw/controlplane/internal/posture"
	"github.com/openclaw/controlplane/internal/template"
	"github.com/openclaw/controlplane/internal/trace"
)

type fakeApprovals struct{ nextID string }

func (f *fakeApprovals) Create(ctx context.Context, req domainapproval.Request) (string, error) {
	return f.nextID, nil
}

type fakeBudget struct{ denyErr error }

func (f *fakeBudget) Acquire(src budget.Source) (*budget.Permit, error) {
	if f.denyErr != nil {
		return nil, f.denyErr
	}
	g := budget.New(budget.DefaultCaps())
	return g.Acquire(src)
}

type fakeSubmitter struct {
	promptID string
	err      error
}

func (f *fakeSubmitter) Submit(ctx context.Context, rendered []byte, traceID string) (string, error) {
	return f.promptID, f.err
}

type fakeCallbacks struct{ watched []jobspec.JobSpec }

func (f *fakeCallbacks) Watch(job jobspec.JobSpec) { f.watched = append(f.watched, job) }

func testTemplates() *template.Registry {
	reg := template.NewRegistry(0)
	_ = reg.Register(&template.Template{
		ID: "sdxl-basic",
		Schema: template.Schema{
			"prompt": {Type: template.FieldString, Required: true},
		},
		Skeleton: map[string]interface{}{"prompt": "${prompt}"},
	})
	return reg
}

func newPipeline() *Pipeline {
	return &Pipeline{
		Traces:      trace.NewStore(0, 0, nil),
		Templates:   testTemplates(),
		Idempotency: idempotency.New(nil),
		Approvals:   &fakeApprovals{nextID: "approval-1"},
		Budget:      &fakeBudget{},
		Submit:      &fakeSubmitter{promptID: "prompt-1"},
		Callbacks:   &fakeCallbacks{},
	}
}

func TestAdmitSubmitsWhenNoApprovalRequired(t *testing.T) {
	p := newPipeline()
	res, err := p.Admit(context.Background(), Request{
		TemplateID: "sdxl-basic",
		Inputs:     map[string]interface{}{"prompt": "a cat"},
		Source:     jobspec.SourceWebhook,
	})
	require.NoError(t, err)
	assert.Equal(t, "prompt-1", res.JobSpec.PromptID)
	assert.Empty(t, res.ApprovalID)
}

func TestAdmitRequiresApprovalWhenPolicySaysSo(t *testing.T) {
	p := newPipeline()
	p.RequiresApproval = func(source jobspec.Source, templateID, caller string) bool { return true }

	res, err := p.Admit(context.Background(), Request{
		TemplateID: "sdxl-basic",
		Inputs:     map[string]interface{}{"prompt": "a cat"},
		Source:     jobspec.SourceWebhook,
	})
	require.NoError(t, err)
	assert.Equal(t, "approval-1", res.ApprovalID)
	assert.Empty(t, res.JobSpec.PromptID)
}

func TestAdmitRejectsUnknownTemplate(t *testing.T) {
	p := newPipeline()
	_, err := p.Admit(context.Background(), Request{
		TemplateID: "does-not-exist",
		Inputs:     map[string]interface{}{},
		Source:     jobspec.SourceWebhook,
	})
	svcErr := errors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, errors.ErrCodeTemplateDenied, svcErr.Code)
}

func TestAdmitDedupesOnRepeatedIdempotencyKey(t *testing.T) {
	p := newPipeline()
	req := Request{
		TemplateID:     "sdxl-basic",
		Inputs:         map[string]interface{}{"prompt": "a cat"},
		Source:         jobspec.SourceWebhook,
		IdempotencyKey: "key-1",
	}
	res1, err := p.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "prompt-1", res1.JobSpec.PromptID)

	res2, err := p.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res2.DedupeHit)
	assert.Equal(t, "prompt-1", res2.JobSpec.PromptID)
}

func TestAdmitRegistersCallbackOnSuccess(t *testing.T) {
	p := newPipeline()
	fc := p.Callbacks.(*fakeCallbacks)

	_, err := p.Admit(context.Background(), Request{
		TemplateID: "sdxl-basic",
		Inputs:     map[string]interface{}{"prompt": "a cat"},
		Source:     jobspec.SourceWebhook,
		Callback: &jobspec.CallbackDescriptor{
			URL:              "https://example.com/cb",
			AllowlistMatched: true,
		},
	})
	require.NoError(t, err)
	require.Len(t, fc.watched, 1)
}

func TestAdmitValidatesCallbackThroughPolicy(t *testing.T) {
	p := newPipeline()
	var gotURL string
	p.ValidateCallback = func(ctx context.Context, rawURL string) error {
		gotURL = rawURL
		return nil
	}
	fc := p.Callbacks.(*fakeCallbacks)

	_, err := p.Admit(context.Background(), Request{
		TemplateID: "sdxl-basic",
		Inputs:     map[string]interface{}{"prompt": "a cat"},
		Source:     jobspec.SourceWebhook,
		Callback:   &jobspec.CallbackDescriptor{URL: "https://hooks.example/cb"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example/cb", gotURL)
	require.Len(t, fc.watched, 1)
	assert.True(t, fc.watched[0].Callback.AllowlistMatched)
}

func TestAdmitRejectsCallbackWhenValidatorRefuses(t *testing.T) {
	p := newPipeline()
	p.ValidateCallback = func(ctx context.Context, rawURL string) error {
		return errors.SSRFBlocked("host not in allowlist")
	}

	_, err := p.Admit(context.Background(), Request{
		TemplateID: "sdxl-basic",
		Inputs:     map[string]interface{}{"prompt": "a cat"},
		Source:     jobspec.SourceWebhook,
		Callback:   &jobspec.CallbackDescriptor{URL: "http://10.0.0.1/hook"},
	})
	svcErr := errors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, errors.ErrCodeSSRFBlocked, svcErr.Code)
}

func TestAuthFailurePrecedesCallbackValidation(t *testing.T) {
	p := newPipeline()
	locked, err := posture.Lock(posture.Config{WebhookMode: posture.WebhookModeBearer, WebhookBearerToken: "tok"})
	require.NoError(t, err)
	p.PostureGate = posture.NewGate(locked, nil, nil)

	var resolved bool
	p.ValidateCallback = func(ctx context.Context, rawURL string) error {
		resolved = true
		return nil
	}

	// No bearer token on the request: auth at step 2 must fail before the
	// callback validator (and its DNS resolution) is ever reached.
	req := httptest.NewRequest(http.MethodPost, "/openclaw/webhook", nil)
	_, admitErr := p.Admit(context.Background(), Request{
		HTTPRequest: req,
		TemplateID:  "sdxl-basic",
		Inputs:      map[string]interface{}{"prompt": "a cat"},
		Source:      jobspec.SourceWebhook,
		Callback:    &jobspec.CallbackDescriptor{URL: "http://attacker.example/hook"},
	})
	require.Error(t, admitErr)
	assert.False(t, resolved, "unauthenticated request must not trigger host resolution")
}

func TestNormalizeLowercasesCommandAndFixesPath(t *testing.T) {
	out := Normalize(map[string]interface{}{"command": "RENDER", "path": "foo/bar"})
	assert.Equal(t, "render", out["command"])
	assert.Equal(t, "/foo/bar", out["path"])
}
