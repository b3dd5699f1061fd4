package posture

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/controlplane/infrastructure/errors"
	"github.com/openclaw/controlplane/internal/idempotency"
)

func TestLockFailsClosedInHardenedWithoutAdminToken(t *testing.T) {
	_, err := Lock(Config{RuntimeProfile: RuntimeHardened})
	svcErr := errors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, errors.ErrCodePostureViolation, svcErr.Code)
}

func TestLockFailsClosedForPublicWithoutSharedSurfaceAck(t *testing.T) {
	_, err := Lock(Config{
		Profile:            ProfilePublic,
		AdminToken:         "a",
		WebhookBearerToken: "b",
	})
	svcErr := errors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, errors.ErrCodePostureViolation, svcErr.Code)
}

func TestLockSucceedsLocalMinimal(t *testing.T) {
	p, err := Lock(Config{Profile: ProfileLocal, RuntimeProfile: RuntimeMinimal})
	require.NoError(t, err)
	assert.Equal(t, ProfileLocal, p.Profile)
}

func TestLockRejectsBridgeWithoutDeviceToken(t *testing.T) {
	_, err := Lock(Config{BridgeEnabled: true})
	svcErr := errors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, errors.ErrCodePostureViolation, svcErr.Code)
}

func TestRequireAdminWithTokenMismatch(t *testing.T) {
	p, err := Lock(Config{AdminToken: "secret", WebhookBearerToken: "w"})
	require.NoError(t, err)
	g := NewGate(p, nil, nil)

	r := httptest.NewRequest(http.MethodPut, "/config", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	err = g.RequireAdmin(r)
	svcErr := errors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, errors.ErrCodeAuthInvalid, svcErr.Code)
}

func TestRequireAdminWithValidToken(t *testing.T) {
	p, err := Lock(Config{AdminToken: "secret", WebhookBearerToken: "w"})
	require.NoError(t, err)
	g := NewGate(p, nil, nil)

	r := httptest.NewRequest(http.MethodPut, "/config", nil)
	r.Header.Set("Authorization", "Bearer secret")
	assert.NoError(t, g.RequireAdmin(r))
}

func TestRequireAdminLoopbackNoTokenNeedsCSRFHeaders(t *testing.T) {
	p, err := Lock(Config{})
	require.NoError(t, err)
	g := NewGate(p, nil, nil)

	r := httptest.NewRequest(http.MethodPut, "/config", nil)
	r.RemoteAddr = "127.0.0.1:55555"

	err = g.RequireAdmin(r)
	svcErr := errors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, errors.ErrCodeCSRFFailed, svcErr.Code)

	r.Header.Set("Sec-Fetch-Site", "same-origin")
	assert.NoError(t, g.RequireAdmin(r))
}

func TestVerifyHMACRejectsReplayedNonce(t *testing.T) {
	p, err := Lock(Config{
		WebhookMode:       WebhookModeHMAC,
		WebhookHMACSecret: "shh",
	})
	require.NoError(t, err)
	store := idempotency.New(nil)
	g := NewGate(p, store, nil)

	body := []byte(`{"template_id":"sdxl_basic"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := "nonce-1"

	mac := hmac.New(sha256.New, []byte("shh"))
	mac.Write([]byte(http.MethodPost))
	mac.Write([]byte("/webhook"))
	mac.Write([]byte(ts))
	mac.Write([]byte(nonce))
	mac.Write(body)
	sig := fmt.Sprintf("%x", mac.Sum(nil))

	makeReq := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/webhook", nil)
		r.Header.Set("X-Timestamp", ts)
		r.Header.Set("X-Nonce", nonce)
		r.Header.Set("X-Signature", sig)
		return r
	}

	require.NoError(t, g.RequireWebhook(makeReq(), body))

	err = g.RequireWebhook(makeReq(), body)
	svcErr := errors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, errors.ErrCodeAuthInvalid, svcErr.Code)
}
