package approval

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainapproval "github.com/openclaw/controlplane/domain/approval"
	"github.com/openclaw/controlplane/domain/jobspec"
	"github.com/openclaw/controlplane/infrastructure/errors"
)

func testStore() *Store {
	return New(logrus.NewEntry(logrus.New()))
}

func TestCreateStartsPending(t *testing.T) {
	s := testStore()
	id, err := s.Create(nil, domainapproval.Request{Job: jobspec.JobSpec{TemplateID: "sdxl-basic"}})
	require.NoError(t, err)

	req, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domainapproval.StatusPending, req.Status)
}

func TestApproveThenExecute(t *testing.T) {
	s := testStore()
	id, _ := s.Create(nil, domainapproval.Request{})

	require.NoError(t, s.Approve(id, "admin-1"))
	require.NoError(t, s.MarkExecuted(id, "prompt-123"))

	req, _ := s.Get(id)
	assert.Equal(t, domainapproval.StatusExecuted, req.Status)
	assert.Equal(t, "prompt-123", req.PromptID)
}

func TestRejectFromPending(t *testing.T) {
	s := testStore()
	id, _ := s.Create(nil, domainapproval.Request{})
	require.NoError(t, s.Reject(id, "admin-1", "not allowed"))

	req, _ := s.Get(id)
	assert.Equal(t, domainapproval.StatusRejected, req.Status)
	assert.Equal(t, "not allowed", req.RejectReason)
}

func TestIllegalTransitionRejected(t *testing.T) {
	s := testStore()
	id, _ := s.Create(nil, domainapproval.Request{})
	require.NoError(t, s.Reject(id, "admin-1", "no"))

	err := s.Approve(id, "admin-1")
	svcErr := errors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, errors.ErrCodeApprovalStateConflict, svcErr.Code)
}

func TestExecuteFailLoopsBackToApproved(t *testing.T) {
	s := testStore()
	id, _ := s.Create(nil, domainapproval.Request{})
	require.NoError(t, s.Approve(id, "admin-1"))
	require.NoError(t, s.MarkExecuteFailed(id, assertErr{"render engine timed out"}))

	req, _ := s.Get(id)
	assert.Equal(t, domainapproval.StatusApproved, req.Status)
	assert.Equal(t, "render engine timed out", req.LastError)

	require.NoError(t, s.MarkExecuted(id, "prompt-999"))
}

func TestSweepExpiredTransitionsPastDeadline(t *testing.T) {
	s := testStore()
	id, _ := s.Create(nil, domainapproval.Request{
		RequestedAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt:   time.Now().Add(-time.Hour),
	})

	n := s.SweepExpired(time.Now())
	assert.Equal(t, 1, n)

	req, _ := s.Get(id)
	assert.Equal(t, domainapproval.StatusExpired, req.Status)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
