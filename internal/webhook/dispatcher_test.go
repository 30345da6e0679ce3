package webhook

import (
	"context"
	"crypto/hmac"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andreafio/competition-platform/internal/config"
	"github.com/andreafio/competition-platform/internal/store"
)

func newTestDispatcher(st store.Store, domains []string) *Dispatcher {
	d := NewDispatcher(config.Config{
		WebhookAllowedDomains: domains,
		WebhookMaxAttempts:    3,
		WebhookTimeout:        2 * time.Second,
	}, st)
	d.sleep = func(context.Context, time.Duration) error { return nil }
	d.now = func() time.Time { return time.Unix(1700000000, 0) }
	return d
}

func TestDeliverSignsPayload(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := store.NewMemory()
	d := newTestDispatcher(st, nil)

	err := d.Deliver(context.Background(), "job-1", srv.URL, "shared", "bracket.generated", map[string]any{
		"job_id":      "job-1",
		"bracket_id":  "b-1",
		"division_id": "div-1",
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if gotHeaders.Get("X-Athlos-Event") != "bracket.generated" {
		t.Fatalf("wrong event header: %q", gotHeaders.Get("X-Athlos-Event"))
	}
	if gotHeaders.Get("X-Athlos-Version") != "1" {
		t.Fatalf("wrong version header: %q", gotHeaders.Get("X-Athlos-Version"))
	}
	if gotHeaders.Get("X-Athlos-Timestamp") != "1700000000" {
		t.Fatalf("wrong timestamp header: %q", gotHeaders.Get("X-Athlos-Timestamp"))
	}

	// The receiver recomputes the signature over the exact bytes received.
	want := Sign(gotBody, "shared")
	if got := gotHeaders.Get("X-Athlos-Signature"); !hmac.Equal([]byte(got), []byte(want)) {
		t.Fatalf("signature mismatch: got %q want %q", got, want)
	}

	// Any altered byte invalidates the signature.
	tampered := append([]byte(nil), gotBody...)
	tampered[0] ^= 0xff
	if Sign(tampered, "shared") == want {
		t.Fatalf("tampered payload should not verify")
	}
	// So does the wrong secret.
	if Sign(gotBody, "other") == want {
		t.Fatalf("wrong secret should not verify")
	}
}

func TestDeliverRetriesThenDeadLetters(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := store.NewMemory()
	d := newTestDispatcher(st, nil)

	err := d.Deliver(context.Background(), "job-1", srv.URL, "shared", "bracket.generated", map[string]any{"job_id": "job-1"})
	if !errors.Is(err, ErrDeliveryExhausted) {
		t.Fatalf("expected ErrDeliveryExhausted, got %v", err)
	}
	if n := attempts.Load(); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}

	letters, err := st.ListDeadLetters(context.Background(), 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}
	dl := letters[0]
	if dl.JobID != "job-1" || dl.WebhookURL != srv.URL || dl.RetryCount != 3 {
		t.Fatalf("unexpected dead letter: %+v", dl)
	}
	if dl.Payload["event"] != "bracket.generated" {
		t.Fatalf("dead letter payload missing envelope: %+v", dl.Payload)
	}
}

func TestDeliverRejectsDisallowedDomain(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := store.NewMemory()
	d := newTestDispatcher(st, []string{"example.com"})

	err := d.Deliver(context.Background(), "job-1", srv.URL, "shared", "bracket.generated", nil)
	if !errors.Is(err, ErrDomainNotAllowed) {
		t.Fatalf("expected ErrDomainNotAllowed, got %v", err)
	}
	if n := attempts.Load(); n != 0 {
		t.Fatalf("expected zero network attempts, got %d", n)
	}

	letters, _ := st.ListDeadLetters(context.Background(), 10)
	if len(letters) != 1 || letters[0].RetryCount != 3 {
		t.Fatalf("expected dead letter with max retry count, got %+v", letters)
	}
}

func TestCheckDomain(t *testing.T) {
	d := newTestDispatcher(store.NewMemory(), []string{"example.com", "Hooks.Partner.IO"})

	cases := []struct {
		url     string
		allowed bool
	}{
		{"https://example.com/hook", true},
		{"https://api.example.com/hook", true},
		{"https://deep.api.example.com/hook", true},
		{"https://hooks.partner.io/x", true},
		{"https://badexample.com/hook", false},
		{"https://example.com.evil.net/hook", false},
		{"https://partner.io/x", false},
	}
	for _, tc := range cases {
		err := d.checkDomain(tc.url)
		if tc.allowed && err != nil {
			t.Errorf("%s: expected allowed, got %v", tc.url, err)
		}
		if !tc.allowed && !errors.Is(err, ErrDomainNotAllowed) {
			t.Errorf("%s: expected rejection, got %v", tc.url, err)
		}
	}

	// Empty list allows everything.
	open := newTestDispatcher(store.NewMemory(), nil)
	if err := open.checkDomain("https://anywhere.net/hook"); err != nil {
		t.Fatalf("empty allow-list should permit any host: %v", err)
	}
}
