package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopfloor/internal/config"
	"shopfloor/internal/db"
	"shopfloor/internal/domain"
	"shopfloor/internal/engine"
	"shopfloor/internal/events"
	"shopfloor/internal/metrics"
	"shopfloor/internal/migrate"
	"shopfloor/internal/repo"
)

const testSecret = "test-secret"

const floorDoc = `
machines:
  - {code: M1, class: milling, axes: 4}
  - {code: M2, class: milling, axes: 3}
orders:
  - drawing_number: DWG-7
    quantity: 30
    deadline: "2024-04-01"
    priority: 2
    operations:
      - {sequence: 1, type: Milling, estimated_minutes: 5, status: IN_PROGRESS, machine: M1}
      - {sequence: 2, type: Drilling, estimated_minutes: 3}
`

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func testAuth() AuthConfig {
	return AuthConfig{
		JWTSecret:              testSecret,
		AllowLegacyActorHeader: true,
		LegacyPermissions:      []string{PermAll},
		EnableDevLogin:         true,
	}
}

func newTestServer(t *testing.T, tweaks ...func(*config.Config)) (*testServer, func()) {
	t.Helper()
	return newTestServerWithAuth(t, testAuth(), tweaks...)
}

func newTestServerWithAuth(t *testing.T, auth AuthConfig, tweaks ...func(*config.Config)) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("plant-1")
	for _, tweak := range tweaks {
		tweak(cfg)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	e.Bus = events.NewBus()
	e.Metrics = metrics.NewCollector(nil)
	doc, err := engine.ParseImportBytes([]byte(floorDoc))
	if err != nil {
		t.Fatalf("parse import: %v", err)
	}
	if _, err := e.Import(context.Background(), doc, "tester"); err != nil {
		t.Fatalf("import: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

// doJSON acts as the legacy header actor "tester" unless headers are given.
func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers == nil {
		headers = map[string]string{"X-Actor-Id": "tester"}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, err := srv.Client().Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/candidates", nil, map[string]string{})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
}

func TestCompleteOperationOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/candidates", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("candidates status %d: %s", res.StatusCode, string(data))
	}
	var list domain.CandidateList
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal candidates: %v", err)
	}
	if list.Total != 1 || list.ReadyToStart != 0 || list.NeedsPrerequisites != 1 {
		t.Fatalf("unexpected candidate counts: %+v", list)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/operations/1/complete", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var ack domain.Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if !ack.Success || !ack.Changed || ack.Status != domain.StatusCompleted {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/operations/1/complete", map[string]any{"actual_quantity": 30}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("repeat complete status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &ack)
	if !ack.Success || ack.Changed {
		t.Fatalf("repeat completion must be acknowledged without change: %+v", ack)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/operations/2/complete", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "transition_conflict" {
		t.Fatalf("expected transition_conflict, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/machines", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("machines status %d: %s", res.StatusCode, string(data))
	}
	var machines []domain.Machine
	_ = json.Unmarshal(data, &machines)
	if len(machines) != 2 || machines[0].Occupied {
		t.Fatalf("expected M1 to be freed: %+v", machines)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/operations/99/start", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "not_found", errorCode(t, data))

	// op 2 waits on op 1, which is still running.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/operations/2/assign", AssignRequest{MachineID: 2}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "bad_request", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/operations/1/completion-action", CompletionActionRequest{Action: "pause"}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestCompletionActionPlan(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/operations/1/completion-action", CompletionActionRequest{Action: engine.ActionPlan}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out domain.CompletionOutcome
	require.NoError(t, json.Unmarshal(data, &out))
	require.NotNil(t, out.FreedMachineID)
	assert.Equal(t, int64(1), *out.FreedMachineID)
	require.Len(t, out.Recommendations, 1)
	assert.Equal(t, int64(2), out.Recommendations[0].OperationID)
}

func TestPermissions(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", DevLoginRequest{
		ActorID:     "viewer",
		Permissions: []string{PermScheduleRead},
	}, map[string]string{})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))
	bearer := map[string]string{"Authorization": "Bearer " + login.Token}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, bearer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "viewer", me.ActorID)
	assert.Equal(t, "jwt", me.Source)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/dashboard", nil, bearer)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reconcile", nil, bearer)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "forbidden", errorCode(t, data))

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/candidates", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	secret := "sf_test_key"
	require.NoError(t, srv.Engine.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:          "key-1",
		ActorID:     "line-terminal",
		KeyHash:     repo.HashAPIKey(secret),
		Permissions: []string{PermOperationsWrite},
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}))
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reconcile", nil, map[string]string{"X-Api-Key": secret})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var result domain.ReconcileResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, 1, result.Machines)
}

func TestEventsPaging(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/operations/1/complete", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	require.NotEmpty(t, page.NextCursor)
	first := page.Items[0]
	assert.Equal(t, events.OperationCompleted, first.Type)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=200&cursor="+page.NextCursor, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var rest paginatedEvents
	require.NoError(t, json.Unmarshal(data, &rest))
	require.NotEmpty(t, rest.Items)
	assert.Less(t, rest.Items[0].ID, first.ID)
	assert.Empty(t, rest.NextCursor)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestMetricsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/operations/1/complete", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "shopfloor_operations_completed_total")
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, map[string]string{})
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, p := range []string{"/v0/candidates", "/v0/operations/{id}/completion-action", "/v0/notifications/{operation_id}"} {
		assert.Contains(t, doc.Paths, p)
	}
}

func TestDevLoginRequiresOptIn(t *testing.T) {
	auth := testAuth()
	auth.EnableDevLogin = false
	srv, cleanup := newTestServerWithAuth(t, auth)
	defer cleanup()
	client := srv.Client()
	login := DevLoginRequest{ActorID: "intruder", Permissions: []string{PermAll}}

	res, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", login, map[string]string{})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", login, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, map[string]string{})
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.NotContains(t, doc.Paths, "/v0/auth/dev/login")
	assert.Contains(t, doc.Paths, "/v0/me")
}

func TestWebhookDeliversSelectedEvents(t *testing.T) {
	var (
		mu       sync.Mutex
		received []*http.Request
		bodies   []webhookEvent
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, r)
		bodies = append(bodies, evt)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	srv, cleanup := newTestServer(t, func(c *config.Config) {
		c.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{events.OperationCompleted}, Secret: "s3"}}
	})
	defer cleanup()
	ctx := context.Background()

	d := newWebhookDispatcher(srv.Engine)
	require.NotNil(t, d)
	d.dispatchAll(ctx)

	_, err := srv.Engine.CompleteOperation(ctx, 1, nil, "tester")
	require.NoError(t, err)
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, events.OperationCompleted, received[0].Header.Get("X-Shopfloor-Event"))
	assert.Equal(t, "plant-1", received[0].Header.Get("X-Shopfloor-Plant"))
	assert.Equal(t, "s3", received[0].Header.Get("X-Shopfloor-Secret"))
	assert.Equal(t, "1", bodies[0].EntityID)
	assert.True(t, strings.HasPrefix(string(bodies[0].Payload), "{"))
}
