// Package admission is the admission pipeline (component F): the eleven-
// step sequence every inbound request that will touch the render engine
// passes through, composing components A-E, G, H, I, J as injected
// interfaces so no component holds an owning reference to another.
package admission

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	domainapproval "github.com/openclaw/controlplane/domain/approval"
	"github.com/openclaw/controlplane/domain/jobspec"
	"github.com/openclaw/controlplane/infrastructure/errors"
	"github.com/openclaw/controlplane/internal/budget"
	"github.com/openclaw/controlplane/internal/idempotency"
	"github.com/openclaw/controlplane/internal/posture"
	"github.com/openclaw/controlplane/internal/template"
	"github.com/openclaw/controlplane/internal/trace"
	"github.com/openclaw/controlplane/pkg/tracing"
)

// ApprovalCreator is the subset of component G the pipeline needs at step 7.
type ApprovalCreator interface {
	Create(ctx context.Context, req domainapproval.Request) (string, error)
}

// BudgetAcquirer is the subset of component H the pipeline needs at step 9.
type BudgetAcquirer interface {
	Acquire(src budget.Source) (*budget.Permit, error)
}

// Submitter is the subset of component I the pipeline needs at step 10.
type Submitter interface {
	Submit(ctx context.Context, rendered []byte, traceID string) (string, error)
}

// CallbackRegistrar is the subset of component J the pipeline needs at step 11.
type CallbackRegistrar interface {
	Watch(job jobspec.JobSpec)
}

// ApprovalPolicy decides whether (source, templateID, caller) requires an
// approval gate before rendering proceeds.
type ApprovalPolicy func(source jobspec.Source, templateID, caller string) bool

// Pipeline wires every admission dependency as a handle, never an owning
// reference.
type Pipeline struct {
	Traces      *trace.Store
	Templates   *template.Registry
	PostureGate *posture.Gate
	Idempotency *idempotency.Store
	Approvals   ApprovalCreator
	Budget      BudgetAcquirer
	Submit      Submitter
	Callbacks   CallbackRegistrar
	RequiresApproval ApprovalPolicy

	// ValidateCallback checks a declared callback destination against the
	// callback allowlist via the SSRF policy (component B). It runs at step
	// 6, strictly after step 2's auth, so an unauthenticated caller can
	// never make the process resolve a host of their choosing. Nil refuses
	// any declared callback.
	ValidateCallback func(ctx context.Context, rawURL string) error

	// Tracer spans the render-engine submission call (step 10). Nil uses a
	// no-op tracer, so wiring an OTLP provider in is optional.
	Tracer tracing.Tracer
}

func (p *Pipeline) tracer() tracing.Tracer {
	if p.Tracer == nil {
		return tracing.NoopTracer
	}
	return p.Tracer
}

// Request is the normalized input to Admit, already containing everything
// the pipeline needs to perform its eleven steps.
type Request struct {
	HTTPRequest    *http.Request // for step 2 (auth) and trace_id header extraction
	RawBody        []byte        // for webhook HMAC verification
	TemplateID     string
	Inputs         map[string]interface{}
	Source         jobspec.Source
	Caller         string
	IdempotencyKey string
	Callback       *jobspec.CallbackDescriptor
	TraceID        string // pre-minted trace_id for non-HTTP sources (scheduler, trigger)
}

// Result is what Admit returns: either a queued JobSpec with its prompt_id,
// or a pending approval handle.
type Result struct {
	JobSpec       jobspec.JobSpec
	ApprovalID    string // set when approval is required instead of submission
	DedupeHit     bool
}

// Admit runs the eleven-step admission contract from spec §4.F. It appends
// a trace event at step 1 (admit), step 2 (auth_ok or auth_fail), step 3 on
// a replay (dedupe_hit), step 7 when approval is required (approval_wait),
// step 8 (template_render) and step 10 (submit). Steps 4, 5, 6, 9 and 11,
// and the failure returns after step 2, append no trace event.
func (p *Pipeline) Admit(ctx context.Context, req Request) (*Result, error) {
	// Step 1: extract or mint trace_id, open a trace timeline.
	traceID := req.TraceID
	if traceID == "" && req.HTTPRequest != nil {
		traceID = req.HTTPRequest.Header.Get("X-Trace-ID")
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}
	p.Traces.Append(traceID, trace.KindAdmit, map[string]interface{}{"source": string(req.Source), "template_id": req.TemplateID})

	// Step 2: resolve caller identity via E.
	if err := p.authenticate(req, req.RawBody); err != nil {
		p.Traces.Append(traceID, trace.KindAuthFail, map[string]interface{}{"error": err.Error()})
		return nil, err
	}
	p.Traces.Append(traceID, trace.KindAuthOK, map[string]interface{}{"caller": req.Caller})

	// Step 3: idempotency short-circuit. A replay reproduces the first
	// call's outcome, cached trace_id included.
	if req.IdempotencyKey != "" {
		isNew, prior := p.Idempotency.Begin(req.IdempotencyKey, 10*time.Minute)
		if !isNew {
			if prior == nil {
				var ok bool
				prior, ok = p.Idempotency.Wait(req.IdempotencyKey, ctx.Done())
				if !ok || prior == nil {
					return nil, idempotency.InFlightError(req.IdempotencyKey)
				}
			}
			p.Traces.Append(traceID, trace.KindDedupeHit, map[string]interface{}{"idempotency_key": req.IdempotencyKey})
			cachedTrace := prior.TraceID
			if cachedTrace == "" {
				cachedTrace = traceID
			}
			return &Result{
				JobSpec:    jobspec.JobSpec{PromptID: prior.PromptID, ApprovalRef: prior.ApprovalID, TraceID: cachedTrace},
				ApprovalID: prior.ApprovalID,
				DedupeHit:  true,
			}, nil
		}
	}

	// Step 4: normalize payload into a candidate JobSpec.
	inputs := Normalize(req.Inputs)
	job := jobspec.JobSpec{
		JobID:       uuid.NewString(),
		TemplateID:  req.TemplateID,
		Inputs:      inputs,
		Source:      req.Source,
		TraceID:     traceID,
		RequestedAt: time.Now(),
		Callback:    req.Callback,
		IdemKey:     req.IdempotencyKey,
	}

	// Step 5: validate template + inputs via D.
	tmpl, err := p.Templates.Lookup(job.TemplateID)
	if err != nil {
		p.forgetOnFailure(req.IdempotencyKey)
		return nil, err
	}
	if err := p.Templates.Validate(tmpl, job.Inputs); err != nil {
		p.forgetOnFailure(req.IdempotencyKey)
		return nil, err
	}

	// Step 6: validate the declared callback's host via B against the
	// callback allowlist. This stays behind step 2's auth so the DNS
	// resolution inside the policy check is never reachable without a
	// verified credential.
	if job.Callback != nil && !job.Callback.AllowlistMatched {
		if p.ValidateCallback == nil {
			p.forgetOnFailure(req.IdempotencyKey)
			return nil, errors.SSRFBlocked("callback host not validated against allowlist")
		}
		if err := p.ValidateCallback(ctx, job.Callback.URL); err != nil {
			p.forgetOnFailure(req.IdempotencyKey)
			return nil, err
		}
		job.Callback.AllowlistMatched = true
	}

	// Step 7: approval gate.
	if p.RequiresApproval != nil && p.RequiresApproval(job.Source, job.TemplateID, req.Caller) {
		approvalID, err := p.Approvals.Create(ctx, domainapproval.Request{Job: job, RequestedBy: req.Caller})
		if err != nil {
			p.forgetOnFailure(req.IdempotencyKey)
			return nil, err
		}
		p.Traces.Append(traceID, trace.KindApprovalWait, map[string]interface{}{"approval_id": approvalID})
		if req.IdempotencyKey != "" {
			p.Idempotency.Commit(req.IdempotencyKey, &idempotency.Outcome{ApprovalID: approvalID, TraceID: traceID, Status: "pending"})
		}
		return &Result{JobSpec: job, ApprovalID: approvalID}, nil
	}

	return p.renderAndSubmit(ctx, traceID, tmpl, job, req.IdempotencyKey)
}

// renderAndSubmit performs steps 8-11 and is also the path an approved
// auto_execute decision re-enters through.
func (p *Pipeline) renderAndSubmit(ctx context.Context, traceID string, tmpl *template.Template, job jobspec.JobSpec, idemKey string) (*Result, error) {
	// Step 8: render, measure size.
	rendered, err := p.Templates.Render(tmpl, job.Inputs)
	if err != nil {
		p.forgetOnFailure(idemKey)
		return nil, err
	}
	p.Traces.Append(traceID, trace.KindTemplateRender, map[string]interface{}{"bytes": len(rendered)})

	// Step 9: budget gate.
	permit, err := p.Budget.Acquire(sourceToBudget(job.Source))
	if err != nil {
		p.forgetOnFailure(idemKey)
		return nil, err
	}

	// Step 10: submit via I. Permits release on submit-failure and on
	// successful prompt_id capture alike, since I is async from actual
	// render-engine compute completion.
	spanCtx, endSpan := p.tracer().StartSpan(ctx, "admission.submit", map[string]string{
		"template_id": tmpl.ID,
		"trace_id":    traceID,
	})
	promptID, err := p.Submit.Submit(spanCtx, rendered, traceID)
	endSpan(err)
	permit.Release()
	if err != nil {
		p.forgetOnFailure(idemKey)
		return nil, err
	}
	job.PromptID = promptID
	p.Traces.LinkPrompt(promptID, traceID)
	p.Traces.Append(traceID, trace.KindSubmit, map[string]interface{}{"prompt_id": promptID})

	// Step 11: register with callback watcher.
	if job.Callback != nil && p.Callbacks != nil {
		p.Callbacks.Watch(job)
	}

	if idemKey != "" {
		p.Idempotency.Commit(idemKey, &idempotency.Outcome{PromptID: promptID, TraceID: traceID, Status: "submitted"})
	}

	return &Result{JobSpec: job}, nil
}

// ExecuteApproved re-enters the pipeline at step 8 for an approved request
// (admin approve with auto_execute, per spec §4.G).
func (p *Pipeline) ExecuteApproved(ctx context.Context, req domainapproval.Request) (*Result, error) {
	tmpl, err := p.Templates.Lookup(req.Job.TemplateID)
	if err != nil {
		return nil, err
	}
	return p.renderAndSubmit(ctx, req.Job.TraceID, tmpl, req.Job, req.Job.IdemKey)
}

func (p *Pipeline) forgetOnFailure(idemKey string) {
	if idemKey != "" {
		p.Idempotency.Forget(idemKey)
	}
}

func (p *Pipeline) authenticate(req Request, body []byte) error {
	if p.PostureGate == nil || req.HTTPRequest == nil {
		return nil
	}
	switch req.Source {
	case jobspec.SourceWebhook:
		return p.PostureGate.RequireWebhook(req.HTTPRequest, body)
	case jobspec.SourceAdmin:
		return p.PostureGate.RequireAdmin(req.HTTPRequest)
	default:
		return nil
	}
}

func sourceToBudget(s jobspec.Source) budget.Source {
	switch s {
	case jobspec.SourceWebhook:
		return budget.SourceWebhook
	case jobspec.SourceBridge:
		return budget.SourceBridge
	case jobspec.SourceScheduler:
		return budget.SourceScheduler
	case jobspec.SourceApproval:
		return budget.SourceApproval
	case jobspec.SourceAdmin:
		return budget.SourceAdmin
	default:
		return budget.SourceScheduler
	}
}

// Normalize unwraps well-known wrapper shapes, lowercases command-like
// fields, and repairs missing leading slashes, producing the candidate
// JobSpec input map for step 4.
func Normalize(inputs map[string]interface{}) map[string]interface{} {
	if inputs == nil {
		return map[string]interface{}{}
	}
	if wrapped, ok := inputs["payload"].(map[string]interface{}); ok {
		inputs = wrapped
	}
	out := make(map[string]interface{}, len(inputs))
	for k, v := range inputs {
		out[k] = normalizeValue(k, v)
	}
	return out
}

func normalizeValue(key string, v interface{}) interface{} {
	if key == "command" {
		if s, ok := v.(string); ok {
			return strings.ToLower(s)
		}
	}
	if key == "path" || strings.HasSuffix(key, "_path") {
		if s, ok := v.(string); ok && s != "" && !strings.HasPrefix(s, "/") {
			return "/" + s
		}
	}
	return v
}
