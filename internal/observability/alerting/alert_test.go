package alerting

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "Revenue-API/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (n *recordingNotifier) Channel() Channel { return n.channel }

func (n *recordingNotifier) Notify(_ context.Context, event Event) error {
	n.events = append(n.events, event)
	return n.err
}

func TestFanoutBroadcasts(t *testing.T) {
	first := &recordingNotifier{channel: ChannelSlack}
	second := &recordingNotifier{channel: ChannelWebhook}
	dispatcher := NewFanout(first, second, nil)

	event := Event{
		Code:       "TASK_PROCESSING_FAILED",
		Message:    "boom",
		Severity:   xerrors.SeverityWarning,
		TaskID:     "job-1",
		OccurredAt: time.Now(),
	}
	if err := dispatcher.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(first.events) != 1 || len(second.events) != 1 {
		t.Fatalf("expected both channels to receive the event")
	}
}

func TestFanoutCollectsErrors(t *testing.T) {
	failing := &recordingNotifier{channel: ChannelWebhook, err: context.DeadlineExceeded}
	dispatcher := NewFanout(failing)

	if err := dispatcher.Notify(context.Background(), Event{TaskID: "job-2"}); err == nil {
		t.Fatal("expected aggregated error")
	}
}

func TestHTTPWebhookSender(t *testing.T) {
	var received map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender, err := NewHTTPWebhookSender(server.URL, time.Second)
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	if err := sender.Send(context.Background(), "alert text"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if received["text"] != "alert text" {
		t.Fatalf("unexpected payload: %v", received)
	}
}

func TestHTTPWebhookSenderRejectsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sender, err := NewHTTPWebhookSender(server.URL, time.Second)
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	if err := sender.Send(context.Background(), "alert"); err == nil {
		t.Fatal("expected error for 5xx response")
	}
}
