package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chestrestock-api/internal/handler"
	"chestrestock-api/internal/middleware"
	"chestrestock-api/internal/model"
	"chestrestock-api/internal/restock"
	"chestrestock-api/internal/router"
	"chestrestock-api/internal/service"
	"chestrestock-api/pkg/uid"
)

const breadChest = `{
	"capacity": 2,
	"policy": {"period": 60, "preserve_slots": true},
	"template": [{"slot": 0, "material": "BREAD", "amount": 5}]
}`

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code      string `json:"code"`
		RequestID string `json:"request_id"`
	} `json:"error"`
}

func newServer(t *testing.T, keys ...string) (http.Handler, *restock.ManualClock) {
	t.Helper()
	clock := restock.NewManualClock(time.UnixMilli(1_700_000_000_000))
	svc := service.NewRestockService(service.Config{Clock: clock})
	return router.New(router.Config{
		Handler:          handler.New(),
		ContainerHandler: handler.NewContainerHandler(svc),
		AdminHandler:     handler.NewAdminHandler(handler.AdminConfig{Service: svc}),
		AuthMiddleware:   middleware.NewAuthMiddleware(middleware.AuthConfig{APIKeys: keys}),
	}), clock
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func TestContainerLifecycle(t *testing.T) {
	h, clock := newServer(t)

	rec, _ := do(t, h, http.MethodPut, "/api/v1/containers/chest-1", breadChest)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec, _ = do(t, h, http.MethodPut, "/api/v1/containers/chest-1", breadChest)
	require.Equal(t, http.StatusOK, rec.Code, "replacing a definition")

	rec, env := do(t, h, http.MethodPost, "/api/v1/containers/chest-1/open", `{"consumer_id":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var opened service.OpenResult
	require.NoError(t, json.Unmarshal(env.Data, &opened))
	assert.True(t, opened.Outcome.Restocked)
	assert.True(t, opened.Outcome.Durable)
	assert.Equal(t, "BREAD", opened.Items[0].Material)
	assert.Equal(t, 5, opened.Items[0].Amount)

	rec, _ = do(t, h, http.MethodPost, "/api/v1/containers/chest-1/take", `{"consumer_id":"alice","slot":0,"amount":2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, env = do(t, h, http.MethodGet, "/api/v1/containers/chest-1/items", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[{"material":"BREAD","amount":3},{}]}`, string(env.Data))

	rec, env = do(t, h, http.MethodPost, "/api/v1/containers/chest-1/open", `{"consumer_id":"bob"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &opened))
	assert.Equal(t, restock.SkipNotDue, opened.Outcome.Skip)

	clock.Advance(time.Minute)
	rec, env = do(t, h, http.MethodPost, "/api/v1/containers/chest-1/open", `{"consumer_id":"bob"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &opened))
	assert.True(t, opened.Outcome.Restocked)
	assert.Equal(t, 8, opened.Items[0].Amount, "template merged onto the 3 left behind")

	rec, _ = do(t, h, http.MethodDelete, "/api/v1/containers/chest-1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, env = do(t, h, http.MethodGet, "/api/v1/containers/chest-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
	assert.True(t, uid.IsValid(env.Error.RequestID))
}

func TestBadRequests(t *testing.T) {
	h, _ := newServer(t)
	rec, _ := do(t, h, http.MethodPut, "/api/v1/containers/chest-1", breadChest)
	require.Equal(t, http.StatusCreated, rec.Code)

	tests := []struct {
		name, method, path, body string
		status                   int
		code                     string
	}{
		{"unknown container", http.MethodPost, "/api/v1/containers/nope/open", `{"consumer_id":"alice"}`, http.StatusNotFound, "NOT_FOUND"},
		{"missing consumer", http.MethodPost, "/api/v1/containers/chest-1/open", `{}`, http.StatusBadRequest, "BAD_REQUEST"},
		{"missing slot", http.MethodPost, "/api/v1/containers/chest-1/take", `{"consumer_id":"alice"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown field", http.MethodPost, "/api/v1/containers/chest-1/open", `{"player":"alice"}`, http.StatusBadRequest, "BAD_REQUEST"},
		{"id mismatch", http.MethodPut, "/api/v1/containers/chest-1", `{"id":"other","capacity":1}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"oversized capacity", http.MethodPut, "/api/v1/containers/big", `{"capacity":99}`, http.StatusBadRequest, "BAD_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, env.Error.Code)
			assert.False(t, env.Success)
		})
	}
}

// downStore fails every loot record read and accepts everything else.
type downStore struct{}

func (downStore) LoadLootRecord(context.Context, string, string) (*model.PlayerLootRecord, error) {
	return nil, errors.New("db down")
}
func (downStore) SaveLootRecord(context.Context, string, string, model.PlayerLootRecord) error {
	return nil
}
func (downStore) SaveContainer(context.Context, model.ContainerSnapshot) error { return nil }
func (downStore) LoadContainer(context.Context, string) (*model.ContainerSnapshot, error) {
	return nil, nil
}
func (downStore) Purge(context.Context, string) error { return nil }

func TestOpenReportsUnavailableStore(t *testing.T) {
	svc := service.NewRestockService(service.Config{Store: downStore{}})
	h := router.New(router.Config{ContainerHandler: handler.NewContainerHandler(svc)})

	rec, _ := do(t, h, http.MethodPut, "/api/v1/containers/chest-1", breadChest)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, env := do(t, h, http.MethodPost, "/api/v1/containers/chest-1/open", `{"consumer_id":"alice"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	assert.Equal(t, "SERVICE_UNAVAILABLE", env.Error.Code)
}

func TestAdminSweep(t *testing.T) {
	h, _ := newServer(t)
	for _, id := range []string{"a", "b"} {
		rec, _ := do(t, h, http.MethodPut, "/api/v1/containers/"+id, breadChest)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec, env := do(t, h, http.MethodPost, "/api/v1/admin/sweep", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"restocked":2}`, string(env.Data))

	rec, _ = do(t, h, http.MethodPost, "/api/v1/admin/grants", `{"consumer_id":"alice","container_name":"*"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuth(t *testing.T) {
	h, _ := newServer(t, "secret")

	tests := []struct {
		name   string
		path   string
		header []string
		status int
	}{
		{"health is public", "/api/v1/health", nil, http.StatusOK},
		{"status is public", "/api/status", nil, http.StatusOK},
		{"no key", "/api/v1/containers", nil, http.StatusUnauthorized},
		{"wrong key", "/api/v1/containers", []string{"X-API-Key", "nope"}, http.StatusUnauthorized},
		{"api key header", "/api/v1/containers", []string{"X-API-Key", "secret"}, http.StatusOK},
		{"bearer token", "/api/v1/containers", []string{"Authorization", "Bearer secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := do(t, h, http.MethodGet, tt.path, "", tt.header...)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestRequestIDReplacesInvalid(t *testing.T) {
	h, _ := newServer(t)

	rec, _ := do(t, h, http.MethodGet, "/api/v1/health", "", "X-Request-ID", "not-a-uuid")
	got := rec.Header().Get("X-Request-ID")
	assert.NotEqual(t, "not-a-uuid", got)
	assert.True(t, uid.IsValid(got))

	id := uid.New()
	rec, _ = do(t, h, http.MethodGet, "/api/v1/health", "", "X-Request-ID", id)
	assert.Equal(t, id, rec.Header().Get("X-Request-ID"))
}

func TestReadyReportsFailingCheck(t *testing.T) {
	h := handler.New(handler.ReadyCheck{Name: "store", Check: func(context.Context) error {
		return errors.New("down")
	}})
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"error"`)
}
