package mcptools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	broker "github.com/cmsbridge/mcp-broker"
)

// beginProvisioning starts a flow and returns the state the identity
// provider would echo back on the redirect.
func beginProvisioning(t *testing.T, b *broker.Broker, subject string) string {
	t.Helper()
	authURL, err := b.BeginProvisioning(context.Background(), subject)
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state, "authorization URL carries no state")
	return state
}

func callbackGet(t *testing.T, handler http.Handler, query string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback"+query, nil))
	return rec
}

func TestCallbackHandler_CompletesProvisioning(t *testing.T) {
	f := newFixture(t, true)
	handler := CallbackHandler(f.broker, nil)

	state := beginProvisioning(t, f.broker, "alice")
	rec := callbackGet(t, handler, "?state="+state+"&code=auth-code")

	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Account connected")
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))

	status, err := f.broker.ProvisioningStatus(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, broker.StateProvisioned, status)
}

func TestCallbackHandler_MissingParameters(t *testing.T) {
	f := newFixture(t, true)
	handler := CallbackHandler(f.broker, nil)

	tests := []struct {
		name  string
		query string
	}{
		{name: "no parameters", query: ""},
		{name: "state only", query: "?state=some-state"},
		{name: "code only", query: "?code=auth-code"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := callbackGet(t, handler, tt.query)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCallbackHandler_UnknownState(t *testing.T) {
	f := newFixture(t, true)
	handler := CallbackHandler(f.broker, nil)

	rec := callbackGet(t, handler, "?state=never-issued&code=auth-code")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Provisioning failed")
}

func TestCallbackHandler_StateSingleUse(t *testing.T) {
	f := newFixture(t, true)
	handler := CallbackHandler(f.broker, nil)

	state := beginProvisioning(t, f.broker, "alice")
	require.Equal(t, http.StatusOK, callbackGet(t, handler, "?state="+state+"&code=auth-code").Code)

	// Replaying the redirect must not work a second time.
	rec := callbackGet(t, handler, "?state="+state+"&code=auth-code")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallbackHandler_ProviderDeniedConsent(t *testing.T) {
	f := newFixture(t, true)
	handler := CallbackHandler(f.broker, nil)

	rec := callbackGet(t, handler, "?error=access_denied&error_description=user+declined")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "access_denied")
}

func TestCallbackHandler_RejectsNonGET(t *testing.T) {
	f := newFixture(t, true)
	handler := CallbackHandler(f.broker, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/callback", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
