package revenue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAuthenticateStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auth/token" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var creds Credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(Token{
			AccessToken: "abc123",
			TokenType:   "Bearer",
			ExpiresIn:   3600,
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if _, err := client.Authenticate(context.Background(), Credentials{
		Username: "finance",
		Password: "secret",
	}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if got := client.AccessToken(); got != "abc123" {
		t.Fatalf("expected token abc123, got %q", got)
	}
}

func TestSubmitJobSendsBearerToken(t *testing.T) {
	jobSubmitted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/token":
			_ = json.NewEncoder(w).Encode(Token{AccessToken: "token"})
		case "/api/v1/tasks":
			if r.Header.Get("Authorization") != "Bearer token" {
				t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
			}
			jobSubmitted = true
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(Job{ID: "job-1", Status: "pending"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if _, err := client.Authenticate(context.Background(), Credentials{}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	job, err := client.SubmitJob(context.Background(), JobSubmission{Type: "revenue.record"})
	if err != nil {
		t.Fatalf("submit job: %v", err)
	}
	if job.ID != "job-1" || !jobSubmitted {
		t.Fatalf("job was not submitted: %+v", job)
	}
}

func TestGetJobError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/tasks/job-404" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "task not found",
				"code":  "TASK_NOT_FOUND",
			})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("token")

	_, err = client.GetJob(context.Background(), "job-404")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "TASK_NOT_FOUND" || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestListJobsBuildsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("status") != "failed" || query.Get("limit") != "5" || query.Get("q") != "usd" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tasks": []Job{{ID: "job-1", Status: "failed"}},
			"count": 1,
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("token")

	jobs, err := client.ListJobs(context.Background(), ListJobsOptions{
		Status: "failed",
		Limit:  5,
		Query:  "usd",
	})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-1" {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
}

func TestWaitForJobPollsUntilTerminal(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := "running"
		var result *JobResult
		if calls >= 3 {
			status = "succeeded"
			result = &JobResult{Summary: "done", Records: 2}
		}
		_ = json.NewEncoder(w).Encode(Job{ID: "job-1", Status: status, Result: result})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("token")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := client.WaitForJob(ctx, "job-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for job: %v", err)
	}
	if job.Status != "succeeded" || job.Result == nil || job.Result.Summary != "done" {
		t.Fatalf("unexpected terminal job: %+v", job)
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", calls)
	}
}

func TestRecordEntriesAndSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/revenue/entries":
			var payload struct {
				Entries []Entry `json:"entries"`
			}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatalf("decode entries: %v", err)
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"entries": payload.Entries,
				"count":   len(payload.Entries),
			})
		case "/api/v1/revenue/summary":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"summaries": []Summary{{Account: "acct-1", Currency: "USD", Entries: 2, TotalCents: 1500}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("token")

	recorded, err := client.RecordEntries(context.Background(), []Entry{
		{Account: "acct-1", AmountCents: 1000, Currency: "USD"},
		{Account: "acct-1", AmountCents: 500, Currency: "USD"},
	})
	if err != nil {
		t.Fatalf("record entries: %v", err)
	}
	if len(recorded) != 2 {
		t.Fatalf("unexpected recorded entries: %+v", recorded)
	}

	summaries, err := client.RevenueSummary(context.Background(), "acct-1", 0, 0)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(summaries) != 1 || summaries[0].TotalCents != 1500 {
		t.Fatalf("unexpected summaries: %+v", summaries)
	}
}
