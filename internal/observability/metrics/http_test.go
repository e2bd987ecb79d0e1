package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerRendersObservedRequests(t *testing.T) {
	ObserveHTTPRequest("tasks", "POST", 201, 40*time.Millisecond)
	ObserveHTTPRequest("tasks", "POST", 500, 120*time.Millisecond)
	ObserveJob("revenue.record", "succeeded")

	req := httptest.NewRequest("GET", "/metrics", nil)
	recorder := httptest.NewRecorder()
	Handler().ServeHTTP(recorder, req)

	resp := recorder.Result()
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("unexpected content type: %s", got)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	text := string(body)

	for _, want := range []string{
		`revenue_http_requests_total{handler="tasks",method="POST",code="201"} 1`,
		`revenue_http_requests_total{handler="tasks",method="POST",code="500"} 1`,
		`revenue_http_request_errors_total{handler="tasks",method="POST"} 1`,
		`revenue_http_request_duration_seconds_count{handler="tasks",method="POST"} 2`,
		`revenue_jobs_processed_total{type="revenue.record",outcome="succeeded"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing metric line %q in output:\n%s", want, text)
		}
	}
}
