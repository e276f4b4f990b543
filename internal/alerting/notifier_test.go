package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"liquidation-sentinel/internal/cascade"
	"liquidation-sentinel/internal/events"
)

func sampleAlert() Alert {
	return Alert{
		ID:                     "a-1",
		AccountID:              "acct-1",
		RiskScore:              82.5,
		CascadeProbability:     0.68,
		TimeToLiquidationHours: 6,
		EstimatedLossesUSD:     312.4,
		RecommendedAction:      cascade.ActionProtect,
		Status:                 StatusActive,
		CreatedAt:              time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleAlert(), false); err != nil {
		t.Fatalf("notify should succeed: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("unexpected chat_id: %#v", received)
	}
	text := received["text"]
	for _, want := range []string{"acct-1", "82.5/100", "68.00%", "PROTECT"} {
		if !strings.Contains(text, want) {
			t.Fatalf("message should contain %q:\n%s", want, text)
		}
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleAlert(), false); err == nil {
		t.Fatal("ok=false should fail")
	}
}

type captureNotifier struct {
	calls    int
	critical bool
}

func (c *captureNotifier) Notify(_ context.Context, _ Alert, critical bool) error {
	c.calls++
	c.critical = critical
	return nil
}

func TestNotifierSinkFiltersEvents(t *testing.T) {
	n := &captureNotifier{}
	sink := NotifierSink{Notifier: n}
	ctx := context.Background()

	if err := sink.Publish(ctx, events.Event{Type: events.AlertUpdated, Payload: sampleAlert()}); err != nil {
		t.Fatal(err)
	}
	if n.calls != 0 {
		t.Fatal("updates should not notify")
	}
	if err := sink.Publish(ctx, events.Event{Type: events.AlertCritical, Payload: sampleAlert()}); err != nil {
		t.Fatal(err)
	}
	if n.calls != 1 || !n.critical {
		t.Fatalf("critical alert should notify as critical, got %+v", n)
	}
	if err := sink.Publish(ctx, events.Event{Type: events.AlertNew, Payload: "bogus"}); err == nil {
		t.Fatal("unexpected payload should fail")
	}
}

func TestRenderMessageCritical(t *testing.T) {
	msg := renderMessage(sampleAlert(), true)
	if !strings.HasPrefix(msg, "[CRITICAL") {
		t.Fatalf("critical header missing:\n%s", msg)
	}
	if !strings.Contains(msg, "~6h") {
		t.Fatalf("time to liquidation missing:\n%s", msg)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
