package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func webhookRequest(key, signature, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/webhooks/authority", strings.NewReader(body))
	r.Header.Set(HeaderServiceKey, key)
	if signature != "" {
		r.Header.Set(HeaderServiceSignature, signature)
	}
	return r
}

func TestServiceKeyVerifierValidSignature(t *testing.T) {
	verifier := NewServiceKeyVerifier(map[string]string{"svc-1": "secret-1"})
	body := `{"event":"org.updated"}`

	var seen string
	handler := verifier.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, webhookRequest("svc-1", sign("secret-1", body), body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, seen, "body must be restored for the handler")
}

func TestServiceKeyVerifierBadSignature(t *testing.T) {
	verifier := NewServiceKeyVerifier(map[string]string{"svc-1": "secret-1"})
	body := `{"event":"org.updated"}`

	rec := httptest.NewRecorder()
	verifier.Handler(okHandler()).ServeHTTP(rec, webhookRequest("svc-1", sign("wrong-secret", body), body))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	verifier.Handler(okHandler()).ServeHTTP(rec, webhookRequest("svc-1", "", body))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServiceKeyVerifierUnknownKey(t *testing.T) {
	verifier := NewServiceKeyVerifier(map[string]string{"svc-1": "secret-1"})
	rec := httptest.NewRecorder()
	verifier.Handler(okHandler()).ServeHTTP(rec, webhookRequest("svc-9", sign("secret-1", "{}"), "{}"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
