// Package jobspec defines JobSpec, the canonical representation of a
// queued or pending render produced by the admission pipeline.
package jobspec

import "time"

// Source identifies which ingress produced a JobSpec.
type Source string

const (
	SourceWebhook   Source = "webhook"
	SourceBridge    Source = "bridge"
	SourceScheduler Source = "scheduler"
	SourceTrigger   Source = "trigger"
	SourceApproval  Source = "approval"
	SourceAdmin     Source = "admin"
)

// CallbackAuthMode enumerates how a CallbackDescriptor authenticates its
// outbound delivery.
type CallbackAuthMode string

const (
	CallbackAuthNone   CallbackAuthMode = "none"
	CallbackAuthHMAC   CallbackAuthMode = "hmac"
	CallbackAuthBearer CallbackAuthMode = "bearer"
)

// CallbackDescriptor is the outbound delivery target for a JobSpec's
// result. It is destroyed along with its parent JobSpec.
type CallbackDescriptor struct {
	URL              string           `json:"url"`
	AuthMode         CallbackAuthMode `json:"auth_mode,omitempty"`
	SecretRef        string           `json:"secret_ref,omitempty"`
	MaxAttempts      int              `json:"max_attempts,omitempty"`
	BackoffBaseMS    int              `json:"backoff_base_ms,omitempty"`
	AllowlistMatched bool             `json:"-"`
}

// JobSpec is the canonical internal representation of a pending/queued
// render request (component F produces it; component I consumes it).
type JobSpec struct {
	JobID       string                 `json:"job_id"` // stable hash of normalized inputs
	TemplateID  string                 `json:"template_id"`
	Inputs      map[string]interface{} `json:"inputs,omitempty"`
	Source      Source                 `json:"source"`
	TraceID     string                 `json:"trace_id"`
	RequestedAt time.Time              `json:"requested_at"`
	Callback    *CallbackDescriptor    `json:"callback,omitempty"`
	ApprovalRef string                 `json:"approval_ref,omitempty"`
	IdemKey     string                 `json:"idem_key,omitempty"`
	PromptID    string                 `json:"prompt_id,omitempty"` // populated once component I submits successfully
}
