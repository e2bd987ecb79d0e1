package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"Revenue-API/internal/auth"
	"Revenue-API/internal/revenue"
	"Revenue-API/internal/task"
	"Revenue-API/internal/workflow"
)

func newTestServer(t *testing.T, authSvc *auth.Service) (*Server, *task.MemoryStore) {
	t.Helper()
	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(16)
	registry := workflow.NewRegistry()
	repo, err := revenue.NewFileRepository(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, revenue.NewHandlers(repo).RegisterAll(registry))
	svc := task.NewService(store, queue, registry, 3)
	server := NewServer(Config{
		Address: ":0",
		Name:    "revenue-api",
		Version: "0.1.0",
	}, svc, repo, authSvc)
	return server, store
}

func TestServiceInfoEndpoint(t *testing.T) {
	server, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var info ServiceInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.Equal(t, "revenue-api", info.Name)
	require.Equal(t, "ok", info.Status)
	require.Equal(t, "0.1.0", info.Version)
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "ok", payload["status"])
	require.Contains(t, payload, "tasks")
	require.Contains(t, payload, "ledger")
}

func TestSubmitTaskCreatesAndReplays(t *testing.T) {
	server, _ := newTestServer(t, nil)
	handler := server.Handler()

	body := map[string]any{
		"id":   "job-1",
		"type": revenue.JobTypeEcho,
		"payload": map[string]any{
			"hello": "world",
		},
	}
	encoded, err := json.Marshal(body)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(encoded)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "job-1", created.ID)
	require.Equal(t, task.StatusPending, created.Status)

	// 重复提交同一 ID 应返回 200 与已存在的任务。
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(encoded)))
	require.Equal(t, http.StatusOK, rec.Code)

	var replayed task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &replayed))
	require.Equal(t, created.ID, replayed.ID)
}

func TestSubmitTaskRejectsUnknownType(t *testing.T) {
	server, _ := newTestServer(t, nil)

	encoded, err := json.Marshal(map[string]any{"type": "no.such.type"})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(encoded)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, string(task.CodeTaskValidation), body["code"])
}

func TestTaskDetailAndNotFound(t *testing.T) {
	server, store := newTestServer(t, nil)
	handler := server.Handler()

	sample := &task.Task{
		ID:         "task-success",
		Type:       revenue.JobTypeEcho,
		Status:     task.StatusSucceeded,
		Attempts:   1,
		MaxRetries: 3,
		CreatedAt:  1700000000,
		UpdatedAt:  1700000001,
		Result:     &task.ExecutionResult{Summary: "echo"},
	}
	require.NoError(t, store.Create(context.Background(), sample))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/task-success", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, sample.ID, got.ID)
	require.NotNil(t, got.Result)
	require.Equal(t, "echo", got.Result.Summary)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasksValidatesQuery(t *testing.T) {
	server, _ := newTestServer(t, nil)
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks?status=bogus", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks?status=pending&limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "tasks")
	require.EqualValues(t, 0, body["count"])
}

func TestRecordAndSummarizeEntries(t *testing.T) {
	server, _ := newTestServer(t, nil)
	handler := server.Handler()

	encoded, err := json.Marshal(map[string]any{
		"entries": []map[string]any{
			{"account": "acct-1", "amount_cents": 1000, "currency": "USD"},
			{"account": "acct-1", "amount_cents": 500, "currency": "USD"},
		},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/revenue/entries", bytes.NewReader(encoded)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/revenue/entries?limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var listed struct {
		Entries []revenue.Entry `json:"entries"`
		Count   int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Equal(t, 2, listed.Count)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/revenue/summary?account=acct-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var summarized struct {
		Summaries []revenue.Summary `json:"summaries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summarized))
	require.Len(t, summarized.Summaries, 1)
	require.EqualValues(t, 1500, summarized.Summaries[0].TotalCents)
}

func TestRecordEntriesValidation(t *testing.T) {
	server, _ := newTestServer(t, nil)
	handler := server.Handler()

	encoded, err := json.Marshal(map[string]any{
		"entries": []map[string]any{
			{"account": "", "amount_cents": 1000, "currency": "USD"},
		},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/revenue/entries", bytes.NewReader(encoded)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/revenue/summary?since=200&until=100", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthProtectedRoutes(t *testing.T) {
	store, err := auth.NewMemoryStore([]auth.Seed{{
		Username:    "ops",
		Password:    "pw",
		Permissions: []string{"tasks:read"},
	}})
	require.NoError(t, err)
	authSvc, err := auth.NewService(context.Background(), auth.Config{
		Mode: auth.ModeJWT,
		JWT:  auth.JWTOptions{Secret: "api-test-secret"},
	}, store)
	require.NoError(t, err)

	server, _ := newTestServer(t, authSvc)
	handler := server.Handler()

	// 无令牌访问受保护路由应被拒绝。
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// 通过 token 端点换取访问令牌。
	encoded, err := json.Marshal(map[string]string{"username": "ops", "password": "pw"})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", bytes.NewReader(encoded)))
	require.Equal(t, http.StatusOK, rec.Code)

	var pair auth.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	require.NotEmpty(t, pair.AccessToken)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// 只有 tasks:read 权限，提交任务应返回 403。
	body, err := json.Marshal(map[string]any{"type": revenue.JobTypeEcho})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	server, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/tasks", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
