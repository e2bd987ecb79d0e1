package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"Revenue-API/sdk/go/revenue"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(revenue.Token{AccessToken: "demo-token", TokenType: "Bearer", ExpiresIn: 3600})
	})
	mux.HandleFunc("/api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(revenue.Job{
				ID:     "job-demo",
				Type:   "revenue.record",
				Status: "pending",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/tasks/job-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(revenue.Job{
			ID:     "job-demo",
			Type:   "revenue.record",
			Status: "succeeded",
			Result: &revenue.JobResult{
				Summary:    "recorded 2 entries",
				Records:    2,
				TotalCents: 1500,
				Currency:   "USD",
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := revenue.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, err := client.Authenticate(ctx, revenue.Credentials{Username: "demo", Password: "secret"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("authenticated with token %s\n", token.AccessToken)

	job, err := client.SubmitJob(ctx, revenue.JobSubmission{
		Type: "revenue.record",
		Payload: map[string]any{
			"entries": []map[string]any{
				{"account": "acct-1", "amount_cents": 1000, "currency": "USD"},
				{"account": "acct-1", "amount_cents": 500, "currency": "USD"},
			},
		},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted job %s (status=%s)\n", job.ID, job.Status)

	done, err := client.WaitForJob(ctx, job.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("job %s finished: %s (%d cents %s)\n", done.ID, done.Result.Summary, done.Result.TotalCents, done.Result.Currency)
}
