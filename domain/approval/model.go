// Package approval defines ApprovalRequest and its fixed state graph
// (component G): pending -> approved -> executed, with reject/expire/
// execute_fail edges.
package approval

import (
	"time"

	"github.com/openclaw/controlplane/domain/jobspec"
)

// Status is one node in the approval state graph.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
	StatusExecuted Status = "executed"
)

// transitions enumerates the only permitted edges; CanTransition is the
// single source of truth the store consults before mutating status.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusApproved: true,
		StatusRejected: true,
		StatusExpired:  true,
	},
	StatusApproved: {
		StatusExecuted: true,
		StatusApproved: true, // execute_fail loops back to approved with last_error
	},
}

// CanTransition reports whether moving from `from` to `to` is a legal edge
// in the approval state graph.
func CanTransition(from, to Status) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Request is the stored approval record.
type Request struct {
	ApprovalID   string          `json:"approval_id"`
	Job          jobspec.JobSpec `json:"job"` // pre-render JobSpec
	Status       Status          `json:"status"`
	RequestedBy  string          `json:"requested_by,omitempty"`
	RequestedAt  time.Time       `json:"requested_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	DecidedBy    string          `json:"decided_by,omitempty"`
	DecidedAt    time.Time       `json:"decided_at,omitempty"`
	PromptID     string          `json:"prompt_id,omitempty"` // populated after execute
	LastError    string          `json:"last_error,omitempty"`
	RejectReason string          `json:"reject_reason,omitempty"`
}
