package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/deployments/internal/domain"
	"github.com/splax/deployments/internal/repository"
	"github.com/splax/deployments/internal/repository/memory"
	"github.com/splax/deployments/internal/service/deployment"
	"github.com/splax/deployments/internal/ws"
	jwtpkg "github.com/splax/deployments/pkg/jwt"
	"github.com/splax/deployments/pkg/logger"
)

func TestDeploymentLifecycle(t *testing.T) {
	router := setupRouter(t, memory.New(), nil, Config{})

	rr := do(t, router, http.MethodPost, "/deployments", `{"name":"api","version":"1.0.0","environment":"staging"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	created := decodeDeployment(t, rr)
	if created.ID == 0 || created.Name != "api" || created.Version != "1.0.0" || created.Environment != "staging" {
		t.Fatalf("unexpected created deployment %+v", created)
	}
	if created.CreatedAt.IsZero() || !created.CreatedAt.Equal(created.UpdatedAt) {
		t.Fatalf("expected matching timestamps, got %v / %v", created.CreatedAt, created.UpdatedAt)
	}
	if loc := rr.Header().Get("Location"); loc != "/deployments/1" {
		t.Fatalf("unexpected Location header %q", loc)
	}

	rr = do(t, router, http.MethodGet, "/deployments/1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := decodeDeployment(t, rr); got != created {
		t.Fatalf("expected %+v, got %+v", created, got)
	}

	rr = do(t, router, http.MethodPut, "/deployments/1", `{"version":"1.1.0"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	updated := decodeDeployment(t, rr)
	if updated.Version != "1.1.0" || updated.Name != "api" || updated.Environment != "staging" {
		t.Fatalf("partial update changed omitted fields: %+v", updated)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("created_at changed: %v -> %v", created.CreatedAt, updated.CreatedAt)
	}
	if updated.UpdatedAt.Before(created.UpdatedAt) {
		t.Fatalf("updated_at went backwards: %v -> %v", created.UpdatedAt, updated.UpdatedAt)
	}

	rr = do(t, router, http.MethodDelete, "/deployments/1", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Fatalf("expected empty body, got %q", rr.Body.String())
	}

	rr = do(t, router, http.MethodGet, "/deployments/1", "")
	assertNotFound(t, rr)
}

func TestListDeployments(t *testing.T) {
	router := setupRouter(t, memory.New(), nil, Config{})

	rr := do(t, router, http.MethodGet, "/deployments", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if body := strings.TrimSpace(rr.Body.String()); body != "[]" {
		t.Fatalf("expected empty array, got %q", body)
	}

	do(t, router, http.MethodPost, "/deployments", `{"name":"api","version":"1","environment":"prod"}`)
	do(t, router, http.MethodPost, "/deployments", `{"name":"web","version":"2","environment":"prod"}`)
	do(t, router, http.MethodPost, "/deployments", `{"name":"api","version":"3","environment":"dev"}`)

	items := decodeList(t, do(t, router, http.MethodGet, "/deployments", ""))
	if len(items) != 3 {
		t.Fatalf("expected 3 deployments, got %d", len(items))
	}
	for i, d := range items {
		if d.ID != int64(i+1) {
			t.Fatalf("expected id order, got %d at %d", d.ID, i)
		}
	}

	items = decodeList(t, do(t, router, http.MethodGet, "/deployments?name=api&environment=prod", ""))
	if len(items) != 1 || items[0].Version != "1" {
		t.Fatalf("unexpected filtered list %+v", items)
	}

	rr = do(t, router, http.MethodGet, "/deployments?name="+strings.Repeat("n", 101), "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 for oversized filter, got %d", rr.Code)
	}
	rr = do(t, router, http.MethodGet, "/deployments?environment=pr%00od", "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 for NUL in filter, got %d", rr.Code)
	}
}

func TestCreateDeploymentValidation(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		field string
	}{
		{name: "missing environment", body: `{"name":"api","version":"1"}`, field: "environment"},
		{name: "blank name", body: `{"name":"   ","version":"1","environment":"prod"}`, field: "name"},
		{name: "oversized version", body: `{"name":"api","version":"` + strings.Repeat("v", 51) + `","environment":"prod"}`, field: "version"},
		{name: "wrong type", body: `{"name":"api","version":1,"environment":"prod"}`, field: "version"},
		{name: "malformed json", body: `{"name":`},
		{name: "empty body", body: ``},
		{name: "array body", body: `[]`},
		{name: "trailing data", body: `{"name":"api","version":"1","environment":"dev"} trailing-garbage`},
		{name: "second object", body: `{"name":"api","version":"1","environment":"dev"}{"name":"web"}`},
		{name: "nul in name", body: `{"name":"a\u0000b","version":"1","environment":"dev"}`, field: "name"},
		{name: "keys are case sensitive", body: `{"NAME":"api","Version":"1","environment":"dev"}`, field: "name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := memory.New()
			router := setupRouter(t, repo, nil, Config{})
			rr := do(t, router, http.MethodPost, "/deployments", tc.body)
			if rr.Code != http.StatusUnprocessableEntity {
				t.Fatalf("expected status 422, got %d: %s", rr.Code, rr.Body.String())
			}
			body := decodeError(t, rr)
			if body.Detail == "" {
				t.Fatalf("expected detail message")
			}
			if tc.field != "" {
				if _, ok := body.Errors[tc.field]; !ok {
					t.Fatalf("expected error for %q, got %v", tc.field, body.Errors)
				}
			}
			items, _ := repo.ListDeployments(context.Background(), domain.DeploymentFilter{})
			if len(items) != 0 {
				t.Fatalf("invalid payload must not be stored, found %d records", len(items))
			}
		})
	}
}

func TestCreateTrimsWhitespace(t *testing.T) {
	router := setupRouter(t, memory.New(), nil, Config{})
	rr := do(t, router, http.MethodPost, "/deployments", `{"name":" api ","version":"1","environment":"prod\n"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rr.Code)
	}
	d := decodeDeployment(t, rr)
	if d.Name != "api" || d.Environment != "prod" {
		t.Fatalf("expected trimmed values, got %+v", d)
	}
}

func TestUpdateDeploymentValidation(t *testing.T) {
	router := setupRouter(t, memory.New(), nil, Config{})
	do(t, router, http.MethodPost, "/deployments", `{"name":"api","version":"1","environment":"prod"}`)

	rr := do(t, router, http.MethodPut, "/deployments/1", `{"name":""}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}
	if body := decodeError(t, rr); body.Errors["name"] == "" {
		t.Fatalf("expected name error, got %v", body.Errors)
	}

	rr = do(t, router, http.MethodPut, "/deployments/1", `{"environment":42}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 for wrong type, got %d", rr.Code)
	}

	rr = do(t, router, http.MethodPut, "/deployments/1", `{"name":"web"} {"name":"db"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 for trailing data, got %d", rr.Code)
	}

	rr = do(t, router, http.MethodPatch, "/deployments/1", `{"environment":"pr\u0000od"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 for NUL character, got %d", rr.Code)
	}
	if body := decodeError(t, rr); body.Errors["environment"] == "" {
		t.Fatalf("expected environment error, got %v", body.Errors)
	}

	d := decodeDeployment(t, do(t, router, http.MethodGet, "/deployments/1", ""))
	if d.Name != "api" || d.Environment != "prod" {
		t.Fatalf("rejected update must not apply, got %+v", d)
	}

	rr = do(t, router, http.MethodPut, "/deployments/1", `{"Name":"web"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if d := decodeDeployment(t, rr); d.Name != "api" {
		t.Fatalf("mis-cased key must be ignored, got %+v", d)
	}
}

func TestOversizedBodyIsRejected(t *testing.T) {
	repo := memory.New()
	router := setupRouter(t, repo, nil, Config{})
	body := `{"name":"` + strings.Repeat("a", maxBodyBytes) + `","version":"1","environment":"dev"}`

	rr := do(t, router, http.MethodPost, "/deployments", body)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413, got %d", rr.Code)
	}
	if body := decodeError(t, rr); body.Detail != "request body too large" {
		t.Fatalf("unexpected detail %q", body.Detail)
	}
	items, _ := repo.ListDeployments(context.Background(), domain.DeploymentFilter{})
	if len(items) != 0 {
		t.Fatalf("oversized payload must not be stored, found %d records", len(items))
	}
}

func TestUpdateNullFieldIsOmitted(t *testing.T) {
	router := setupRouter(t, memory.New(), nil, Config{})
	do(t, router, http.MethodPost, "/deployments", `{"name":"api","version":"1","environment":"prod"}`)

	rr := do(t, router, http.MethodPut, "/deployments/1", `{"name":null,"version":"2"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	d := decodeDeployment(t, rr)
	if d.Name != "api" || d.Version != "2" {
		t.Fatalf("unexpected result %+v", d)
	}
}

func TestEmptyPatchRefreshesUpdatedAt(t *testing.T) {
	clock := &stepClock{now: time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)}
	router := setupRouter(t, memory.New(memory.WithClock(clock.Now)), nil, Config{})

	created := decodeDeployment(t, do(t, router, http.MethodPost, "/deployments", `{"name":"api","version":"1","environment":"prod"}`))
	rr := do(t, router, http.MethodPut, "/deployments/1", `{}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	updated := decodeDeployment(t, rr)
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Fatalf("expected updated_at to advance: %v -> %v", created.UpdatedAt, updated.UpdatedAt)
	}
	if updated.Name != created.Name || updated.Version != created.Version || updated.Environment != created.Environment {
		t.Fatalf("empty patch changed fields: %+v", updated)
	}
}

func TestPatchIsAliasOfPut(t *testing.T) {
	router := setupRouter(t, memory.New(), nil, Config{})
	do(t, router, http.MethodPost, "/deployments", `{"name":"api","version":"1","environment":"prod"}`)

	rr := do(t, router, http.MethodPatch, "/deployments/1", `{"environment":"dev"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if d := decodeDeployment(t, rr); d.Environment != "dev" || d.Version != "1" {
		t.Fatalf("unexpected result %+v", d)
	}
}

func TestNotFoundIsUniform(t *testing.T) {
	router := setupRouter(t, memory.New(), nil, Config{})
	for _, tc := range []struct {
		method string
		body   string
	}{
		{http.MethodGet, ""},
		{http.MethodPut, `{"name":"x"}`},
		{http.MethodPatch, `{}`},
		{http.MethodDelete, ""},
	} {
		rr := do(t, router, tc.method, "/deployments/999", tc.body)
		assertNotFound(t, rr)
	}
	assertNotFound(t, do(t, router, http.MethodGet, "/deployments/0", ""))
	assertNotFound(t, do(t, router, http.MethodGet, "/deployments/-3", ""))
}

func TestDeleteIsTerminal(t *testing.T) {
	router := setupRouter(t, memory.New(), nil, Config{})
	do(t, router, http.MethodPost, "/deployments", `{"name":"api","version":"1","environment":"prod"}`)

	if rr := do(t, router, http.MethodDelete, "/deployments/1", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	assertNotFound(t, do(t, router, http.MethodDelete, "/deployments/1", ""))
	assertNotFound(t, do(t, router, http.MethodPut, "/deployments/1", `{"name":"again"}`))

	created := decodeDeployment(t, do(t, router, http.MethodPost, "/deployments", `{"name":"api","version":"2","environment":"prod"}`))
	if created.ID == 1 {
		t.Fatal("deleted id must not be reused")
	}
}

func TestNonIntegerIDIsValidationError(t *testing.T) {
	router := setupRouter(t, memory.New(), nil, Config{})
	rr := do(t, router, http.MethodGet, "/deployments/abc", "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}
	if body := decodeError(t, rr); body.Errors["id"] == "" {
		t.Fatalf("expected id error, got %v", body.Errors)
	}
}

func TestTrailingSlashIsAccepted(t *testing.T) {
	router := setupRouter(t, memory.New(), nil, Config{})

	rr := do(t, router, http.MethodPost, "/deployments/", `{"name":"api","version":"1","environment":"prod"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rr.Code)
	}
	if rr := do(t, router, http.MethodGet, "/deployments/", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 for list, got %d", rr.Code)
	}
	if rr := do(t, router, http.MethodGet, "/deployments/1/", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 for item, got %d", rr.Code)
	}
	if rr := do(t, router, http.MethodGet, "/healthz/", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 for healthz, got %d", rr.Code)
	}
}

func TestUnknownRoutesAndMethods(t *testing.T) {
	router := setupRouter(t, memory.New(), nil, Config{})

	rr := do(t, router, http.MethodGet, "/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	if body := decodeError(t, rr); body.Detail != "Not Found" {
		t.Fatalf("unexpected detail %q", body.Detail)
	}

	rr = do(t, router, http.MethodDelete, "/deployments", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rr.Code)
	}
	rr = do(t, router, http.MethodPost, "/deployments/1", `{}`)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rr.Code)
	}
}

func TestHealthz(t *testing.T) {
	router := setupRouter(t, memory.New(), nil, Config{StoreHealth: func(context.Context) error {
		return errors.New("down")
	}})
	rr := do(t, router, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if body := strings.TrimSpace(rr.Body.String()); body != `{"status":"ok"}` {
		t.Fatalf("unexpected body %q", body)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestReadyz(t *testing.T) {
	repo := memory.New()
	router := setupRouter(t, repo, nil, Config{StoreHealth: repo.Ping})
	rr := do(t, router, http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	router = setupRouter(t, repo, nil, Config{StoreHealth: func(context.Context) error {
		return errors.New("connection refused")
	}})
	rr = do(t, router, http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	var payload struct {
		Status     string                    `json:"status"`
		Components map[string]map[string]any `json:"components"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Status != "degraded" || payload.Components["store"]["status"] != "down" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestStorageFailureIsInternalError(t *testing.T) {
	router := setupRouter(t, failingRepo{err: errors.New("connection reset")}, nil, Config{})

	rr := do(t, router, http.MethodGet, "/deployments/1", "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}
	body := decodeError(t, rr)
	if body.Detail != "internal server error" {
		t.Fatalf("storage details must not leak, got %q", body.Detail)
	}

	rr = do(t, router, http.MethodPost, "/deployments", `{"name":"api","version":"1","environment":"prod"}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}
}

func TestReadRateLimited(t *testing.T) {
	limiter := newRateLimiterStub()
	reset := time.Unix(1_960_000_000, 0)
	limiter.allowFn = func(key string, limit int, window time.Duration) Decision {
		return Decision{Allowed: false, Count: limit, WindowEnd: reset}
	}
	router := setupRouter(t, memory.New(), limiter, Config{ReadLimit: 240, WriteLimit: 120})

	rr := do(t, router, http.MethodGet, "/deployments", "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "240" {
		t.Fatalf("unexpected limit header %q", rr.Header().Get("X-RateLimit-Limit"))
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected remaining header %q", rr.Header().Get("X-RateLimit-Remaining"))
	}
	if rr.Header().Get("X-RateLimit-Reset") != "1960000000" {
		t.Fatalf("unexpected reset header %q", rr.Header().Get("X-RateLimit-Reset"))
	}
	if body := decodeError(t, rr); body.Detail != "rate limit exceeded" {
		t.Fatalf("unexpected detail %q", body.Detail)
	}
	calls := limiter.snapshot()
	if len(calls) != 1 || calls[0].key != "client:192.0.2.1" || calls[0].window != time.Minute {
		t.Fatalf("unexpected limiter calls %+v", calls)
	}
}

func TestWriteRateLimitUsesWriteBudget(t *testing.T) {
	limiter := newRateLimiterStub()
	router := setupRouter(t, memory.New(), limiter, Config{ReadLimit: 240, WriteLimit: 120})

	rr := do(t, router, http.MethodPost, "/deployments", `{"name":"api","version":"1","environment":"prod"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "120" {
		t.Fatalf("unexpected limit header %q", rr.Header().Get("X-RateLimit-Limit"))
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "119" {
		t.Fatalf("unexpected remaining header %q", rr.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestHealthzIsNotRateLimited(t *testing.T) {
	limiter := newRateLimiterStub()
	limiter.allowFn = func(string, int, time.Duration) Decision { return Decision{} }
	router := setupRouter(t, memory.New(), limiter, Config{ReadLimit: 1, WriteLimit: 1})

	if rr := do(t, router, http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if len(limiter.snapshot()) != 0 {
		t.Fatal("healthz must bypass the limiter")
	}
}

func TestAuthGuardsMutations(t *testing.T) {
	limiter := newRateLimiterStub()
	router := setupRouter(t, memory.New(), limiter, Config{JWTSecret: "secret", WriteLimit: 10})

	rr := do(t, router, http.MethodPost, "/deployments", `{"name":"api","version":"1","environment":"prod"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 without token, got %d", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}

	readOnly, err := jwtpkg.GenerateToken("viewer", "secret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken returned error: %v", err)
	}
	rr = do(t, router, http.MethodPost, "/deployments", `{"name":"api","version":"1","environment":"prod"}`, "Authorization", "Bearer "+readOnly)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 without scope, got %d", rr.Code)
	}

	forged, _ := jwtpkg.GenerateToken("ops", "other", time.Hour, jwtpkg.ScopeWrite)
	rr = do(t, router, http.MethodPost, "/deployments", `{"name":"api","version":"1","environment":"prod"}`, "Authorization", "Bearer "+forged)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for forged token, got %d", rr.Code)
	}

	writer, err := jwtpkg.GenerateToken("ops", "secret", time.Hour, jwtpkg.ScopeWrite)
	if err != nil {
		t.Fatalf("GenerateToken returned error: %v", err)
	}
	rr = do(t, router, http.MethodPost, "/deployments", `{"name":"api","version":"1","environment":"prod"}`, "Authorization", "Bearer "+writer)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201 with token, got %d", rr.Code)
	}
	calls := limiter.snapshot()
	if len(calls) != 1 || calls[0].key != "operator:ops" {
		t.Fatalf("expected subject-keyed limiter call, got %+v", calls)
	}

	if rr := do(t, router, http.MethodGet, "/deployments/1", ""); rr.Code != http.StatusOK {
		t.Fatalf("reads must stay open, got %d", rr.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	router := setupRouter(t, memory.New(), nil, Config{})

	rr := do(t, router, http.MethodGet, "/healthz", "")
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected generated request id")
	}
	rr = do(t, router, http.MethodGet, "/healthz", "", "X-Request-ID", "abc-123")
	if got := rr.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("expected propagated request id, got %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router := setupRouter(t, memory.New(), nil, Config{})
	do(t, router, http.MethodGet, "/deployments/42", "")

	rr := do(t, router, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"deployments_api_http_requests_total",
		`deployments_store_operations_total{operation="get",result="not_found"}`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics to contain %q", want)
		}
	}
}

func TestEventStream(t *testing.T) {
	hub := ws.NewHub()
	t.Cleanup(hub.Close)
	svc := deployment.New(memory.New(), hub, logger.Discard())
	router := NewRouter(logger.Discard(), svc, hub, nil, Config{})
	t.Cleanup(router.Close)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/deployments?environment=prod"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ack map[string]string
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack["type"] != EventSubscribed || ack["topic"] != "prod" {
		t.Fatalf("unexpected ack %v", ack)
	}

	for _, body := range []string{
		`{"name":"api","version":"1","environment":"staging"}`,
		`{"name":"api","version":"2","environment":"prod"}`,
	} {
		resp, err := http.Post(srv.URL+"/deployments", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post deployment: %v", err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("expected status 201, got %d", resp.StatusCode)
		}
	}

	var event domain.DeploymentEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != domain.EventDeploymentCreated || event.Deployment.Environment != "prod" || event.Deployment.Version != "2" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestEventStreamDisabledWithoutHub(t *testing.T) {
	router := setupRouter(t, memory.New(), nil, Config{})
	rr := do(t, router, http.MethodGet, "/ws/deployments", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func setupRouter(t *testing.T, repo repository.DeploymentRepository, limiter RateLimiter, cfg Config) *Router {
	t.Helper()
	svc := deployment.New(repo, nil, logger.Discard())
	router := NewRouter(logger.Discard(), svc, nil, limiter, cfg)
	t.Cleanup(router.Close)
	return router
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.1:1234"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeDeployment(t *testing.T, rr *httptest.ResponseRecorder) domain.Deployment {
	t.Helper()
	var d domain.Deployment
	if err := json.NewDecoder(rr.Body).Decode(&d); err != nil {
		t.Fatalf("decode deployment: %v", err)
	}
	return d
}

func decodeList(t *testing.T, rr *httptest.ResponseRecorder) []domain.Deployment {
	t.Helper()
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var items []domain.Deployment
	if err := json.NewDecoder(rr.Body).Decode(&items); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	return items
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func assertNotFound(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	if body := strings.TrimSpace(rr.Body.String()); body != `{"detail":"Deployment not found"}` {
		t.Fatalf("unexpected not found body %q", body)
	}
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type rateLimiterStub struct {
	mu      sync.Mutex
	calls   []rateLimitCall
	allowFn func(key string, limit int, window time.Duration) Decision
}

type rateLimitCall struct {
	key    string
	limit  int
	window time.Duration
}

func newRateLimiterStub() *rateLimiterStub {
	return &rateLimiterStub{}
}

func (rl *rateLimiterStub) Allow(key string, limit int, window time.Duration) Decision {
	rl.mu.Lock()
	rl.calls = append(rl.calls, rateLimitCall{key: key, limit: limit, window: window})
	fn := rl.allowFn
	rl.mu.Unlock()
	if fn != nil {
		return fn(key, limit, window)
	}
	return Decision{Allowed: true, Count: 1, WindowEnd: time.Now().Add(window)}
}

func (rl *rateLimiterStub) Close() {}

func (rl *rateLimiterStub) snapshot() []rateLimitCall {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return append([]rateLimitCall(nil), rl.calls...)
}

type failingRepo struct {
	err error
}

func (f failingRepo) CreateDeployment(context.Context, domain.DeploymentInput) (domain.Deployment, error) {
	return domain.Deployment{}, f.err
}

func (f failingRepo) ListDeployments(context.Context, domain.DeploymentFilter) ([]domain.Deployment, error) {
	return nil, f.err
}

func (f failingRepo) GetDeploymentByID(context.Context, int64) (domain.Deployment, bool, error) {
	return domain.Deployment{}, false, f.err
}

func (f failingRepo) UpdateDeployment(context.Context, int64, domain.DeploymentPatch) (domain.Deployment, bool, error) {
	return domain.Deployment{}, false, f.err
}

func (f failingRepo) DeleteDeployment(context.Context, int64) (bool, error) {
	return false, f.err
}
