package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riptide/rgec/internal/security"
	"github.com/riptide/rgec/internal/types"
)

func TestHealthEndpointNeedsNoCore(t *testing.T) {
	h := New(nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, types.StatusOK, resp.Status)
}

func TestServeHTTPRejectsUnknownPath(t *testing.T) {
	h := New(nil)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServeHTTPRejectsWrongMethodOnExtract(t *testing.T) {
	h := New(nil)

	req := httptest.NewRequest(http.MethodGet, "/extract", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleExtractRejectsMissingURL(t *testing.T) {
	h := New(nil)

	req := httptest.NewRequest(http.MethodPost, "/extract", strings.NewReader(`{"mode":"article"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, types.CodeInvalidInput, resp.Code)
}

func TestHandleExtractRejectsInvalidJSON(t *testing.T) {
	h := New(nil)

	req := httptest.NewRequest(http.MethodPost, "/extract", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExtractRequestToOptionsDefaultsModeToArticle(t *testing.T) {
	req := extractRequest{URL: "https://example.com"}
	opts := req.toOptions()
	assert.Equal(t, types.ModeArticle, opts.Mode)
}

func TestExtractRequestToOptionsConvertsTTLOverride(t *testing.T) {
	req := extractRequest{URL: "https://example.com", TTLOverrideMs: 5000}
	opts := req.toOptions()
	assert.Equal(t, 5.0, opts.TTLOverride.Seconds())
}

func TestExtractRequestToOptionsCarriesHeaders(t *testing.T) {
	req := extractRequest{URL: "https://example.com", Headers: map[string]string{"X-Custom": "1"}}
	opts := req.toOptions()
	assert.Equal(t, "1", opts.Headers["X-Custom"])
}

func TestHandleExtractRejectsBlockedHeader(t *testing.T) {
	h := New(nil)

	req := httptest.NewRequest(http.MethodPost, "/extract",
		strings.NewReader(`{"url":"https://example.com","headers":{"Authorization":"Bearer x"}}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, types.CodeInvalidInput, resp.Code)
}

func TestRedactURLRedactsSecrets(t *testing.T) {
	got := security.RedactURL("https://example.com/path?api_key=secret&q=hello")
	require.NotEmpty(t, got)
	assert.NotContains(t, got, "secret")
	assert.Contains(t, got, "q=hello")
}

func TestRedactURLLeavesPlainURLsAlone(t *testing.T) {
	u := "https://example.com/path?q=hello"
	assert.Equal(t, u, security.RedactURL(u))
}

func TestCodeToHTTPStatusMapsKnownCodes(t *testing.T) {
	cases := map[types.Code]int{
		types.CodeInvalidInput:  http.StatusBadRequest,
		types.CodeRateLimited:   http.StatusTooManyRequests,
		types.CodeTimeout:       http.StatusGatewayTimeout,
		types.CodeCircuitOpen:   http.StatusServiceUnavailable,
		types.CodeUpstreamFetch: http.StatusBadGateway,
		types.CodeInternal:      http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, codeToHTTPStatus(code), "code %q", code)
	}
}

func TestToArtifactResponseHandlesNil(t *testing.T) {
	assert.Nil(t, toArtifactResponse(nil))
}
