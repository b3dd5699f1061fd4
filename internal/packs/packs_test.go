package packs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/controlplane/infrastructure/errors"
)

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry("", nil)
	hash := HashContent([]byte("pack-content"))
	require.NoError(t, r.Register(Pack{Name: "sdxl-pack", ContentHash: hash, TemplateIDs: []string{"sdxl-basic"}}))

	p, err := r.Get("sdxl-pack")
	require.NoError(t, err)
	assert.Equal(t, hash, p.ContentHash)
	assert.False(t, p.RegisteredAt.IsZero())
}

func TestRegisterRejectsMismatchedTrustRoot(t *testing.T) {
	r := NewRegistry("", nil)
	require.NoError(t, r.Register(Pack{Name: "pinned", ContentHash: HashContent([]byte("v1"))}))

	err := r.Register(Pack{Name: "pinned", ContentHash: HashContent([]byte("tampered"))})
	svcErr := errors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, errors.ErrCodeForbidden, svcErr.Code)
}

func TestReRegisterSameHashAllowed(t *testing.T) {
	r := NewRegistry("", nil)
	hash := HashContent([]byte("stable"))
	require.NoError(t, r.Register(Pack{Name: "stable", ContentHash: hash}))
	require.NoError(t, r.Register(Pack{Name: "stable", ContentHash: hash}))
}

func TestQuarantineRemovesAndBlocksReRegister(t *testing.T) {
	r := NewRegistry("", nil)
	hash := HashContent([]byte("suspect"))
	require.NoError(t, r.Register(Pack{Name: "suspect", ContentHash: hash}))
	require.NoError(t, r.Quarantine("suspect", "operator pulled it"))

	_, err := r.Get("suspect")
	require.Error(t, err)

	q := r.Quarantined()
	require.Len(t, q, 1)
	assert.Equal(t, "operator pulled it", q[0].Reason)

	err = r.Register(Pack{Name: "suspect", ContentHash: hash})
	svcErr := errors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, errors.ErrCodeForbidden, svcErr.Code)
}

func TestReleaseLiftsQuarantine(t *testing.T) {
	r := NewRegistry("", nil)
	hash := HashContent([]byte("redeemed"))
	require.NoError(t, r.Register(Pack{Name: "redeemed", ContentHash: hash}))
	require.NoError(t, r.Quarantine("redeemed", "false alarm"))
	require.NoError(t, r.Release("redeemed"))
	require.NoError(t, r.Register(Pack{Name: "redeemed", ContentHash: hash}))
}

func TestDeleteDropsTrustRoot(t *testing.T) {
	r := NewRegistry("", nil)
	require.NoError(t, r.Register(Pack{Name: "replaced", ContentHash: HashContent([]byte("v1"))}))
	require.NoError(t, r.Delete("replaced"))

	// Trust root dropped with the pack, so new content is acceptable.
	require.NoError(t, r.Register(Pack{Name: "replaced", ContentHash: HashContent([]byte("v2"))}))
}

func TestPersistenceSurvivesReload(t *testing.T) {
	dir := t.TempDir()

	r := NewRegistry(dir, nil)
	hash := HashContent([]byte("durable"))
	require.NoError(t, r.Register(Pack{Name: "durable", ContentHash: hash}))
	require.NoError(t, r.Register(Pack{Name: "pulled", ContentHash: HashContent([]byte("bad"))}))
	require.NoError(t, r.Quarantine("pulled", "reload test"))

	reloaded := NewRegistry(dir, nil)
	p, err := reloaded.Get("durable")
	require.NoError(t, err)
	assert.Equal(t, hash, p.ContentHash)

	q := reloaded.Quarantined()
	require.Len(t, q, 1)
	assert.Equal(t, "pulled", q[0].Name)

	err = reloaded.Register(Pack{Name: "durable", ContentHash: HashContent([]byte("other"))})
	require.Error(t, err)
}
