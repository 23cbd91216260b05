package trigger

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cronflow/cronflow/internal/eventbus"
	"github.com/cronflow/cronflow/internal/models"
)

func newTestServer(t *testing.T, def *models.WorkflowDefinition, validation *models.ValidationConfig, path string) (*Server, *fakeRunCreator, *fakeJobSubmitter) {
	t.Helper()
	manager := NewManager()
	require.NoError(t, manager.RegisterWebhook(def.ID, path, "POST", validation))

	runs := &fakeRunCreator{def: def}
	jobs := &fakeJobSubmitter{}
	exec := NewExecutor(manager, runs, jobs, eventbus.NoopPublisher{}, zap.NewNop())

	srv := NewServer(ServerConfig{Host: "127.0.0.1", Port: 0}, manager, exec, zap.NewNop())
	return srv, runs, jobs
}

func sampleDef(id string) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:   id,
		Name: "sample",
		Steps: []models.StepDefinition{
			{ID: "a", Name: "a", Action: "noop"},
		},
	}
}

func TestWebhookHandlerSucceedsWithValidSignature(t *testing.T) {
	secret := "k"
	body := []byte(`{"hello":"world"}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	srv, runs, jobs := newTestServer(t, sampleDef("wf-1"), &models.ValidationConfig{
		Secret: secret, SignatureHeader: "x-hub-signature-256", SignatureAlgorithm: "sha256",
	}, "hooks/x")

	req := httptest.NewRequest(http.MethodPost, "/webhook/hooks/x", bytes.NewReader(body))
	req.Header.Set("x-hub-signature-256", sig)
	w := httptest.NewRecorder()

	srv.httpServer.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, runs.created, 1)
	require.Len(t, jobs.submitted, 1)
}

func TestWebhookHandlerRejectsBadSignature(t *testing.T) {
	srv, runs, _ := newTestServer(t, sampleDef("wf-2"), &models.ValidationConfig{
		Secret: "k", SignatureHeader: "x-hub-signature-256", SignatureAlgorithm: "sha256",
	}, "hooks/y")

	req := httptest.NewRequest(http.MethodPost, "/webhook/hooks/y", bytes.NewReader([]byte(`{"hello":"world"}`)))
	req.Header.Set("x-hub-signature-256", "sha256=deadbeef")
	w := httptest.NewRecorder()

	srv.httpServer.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Len(t, runs.created, 0)
}

func TestWebhookHandlerUnknownPath(t *testing.T) {
	srv, _, _ := newTestServer(t, sampleDef("wf-3"), nil, "hooks/z")

	req := httptest.NewRequest(http.MethodPost, "/webhook/does-not-exist", nil)
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookHandlerMethodMismatch(t *testing.T) {
	srv, _, _ := newTestServer(t, sampleDef("wf-4"), nil, "hooks/w")

	req := httptest.NewRequest(http.MethodGet, "/webhook/hooks/w", nil)
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestWebhookHandlerMissingRequiredField(t *testing.T) {
	srv, _, _ := newTestServer(t, sampleDef("wf-5"), &models.ValidationConfig{
		RequiredFields: []string{"event_type"},
	}, "hooks/v")

	body, _ := json.Marshal(map[string]string{"foo": "bar"})
	req := httptest.NewRequest(http.MethodPost, "/webhook/hooks/v", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, sampleDef("wf-6"), nil, "hooks/u")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}
