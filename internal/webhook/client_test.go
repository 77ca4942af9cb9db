package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func verifySignature(secret, timestamp, signature string, body []byte) bool {
	return hmac.Equal([]byte(sign([]byte(secret), timestamp, body)), []byte(signature))
}

func TestSendSignsEnvelope(t *testing.T) {
	var (
		gotSig      string
		gotTS       string
		gotEvt      string
		gotDelivery string
		gotBody     []byte
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotTS = r.Header.Get(HeaderTimestamp)
		gotEvt = r.Header.Get(HeaderEvent)
		gotDelivery = r.Header.Get(HeaderDelivery)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(Config{
		SigningSecret:  "test-secret",
		Timeout:        2 * time.Second,
		MaxAttempts:    1,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	}, nil)
	client.now = func() time.Time { return time.Unix(1760000000, 0).UTC() }

	err := client.Send(context.Background(), srv.URL, EventBatchCompleted, map[string]any{"batch_id": "bat-1"})
	if err != nil {
		t.Fatalf("send returned error: %v", err)
	}

	if gotTS != "1760000000" {
		t.Fatalf("expected timestamp header from clock, got %q", gotTS)
	}
	if gotEvt != string(EventBatchCompleted) {
		t.Fatalf("expected event header %s, got %q", EventBatchCompleted, gotEvt)
	}
	if !verifySignature("test-secret", gotTS, gotSig, gotBody) {
		t.Fatal("signature did not verify against received body")
	}
	if verifySignature("other-secret", gotTS, gotSig, gotBody) {
		t.Fatal("signature verified with the wrong secret")
	}

	var envelope struct {
		DeliveryID string         `json:"delivery_id"`
		Event      string         `json:"event"`
		SentAt     time.Time      `json:"sent_at"`
		Data       map[string]any `json:"data"`
	}
	if err := json.Unmarshal(gotBody, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.DeliveryID == "" || envelope.DeliveryID != gotDelivery {
		t.Fatalf("delivery id mismatch: body %q header %q", envelope.DeliveryID, gotDelivery)
	}
	if envelope.Event != string(EventBatchCompleted) || envelope.Data["batch_id"] != "bat-1" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
}

func TestSendRetriesServerErrorsWithSameDelivery(t *testing.T) {
	var (
		calls      atomic.Int32
		deliveries = make(map[string]bool)
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deliveries[r.Header.Get(HeaderDelivery)] = true
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, nil)

	if err := client.Send(context.Background(), srv.URL, EventBatchCompleted, struct{}{}); err != nil {
		t.Fatalf("send returned error: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected retries to reuse one delivery id, got %d", len(deliveries))
	}
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	client := NewClient(Config{MaxAttempts: 5, InitialBackoff: time.Millisecond}, nil)
	err := client.Send(context.Background(), srv.URL, EventBatchCompleted, struct{}{})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestSendRetriesTooManyRequests(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// The ceiling bounds the receiver's one-second hint.
	client := NewClient(Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, nil)
	if err := client.Send(context.Background(), srv.URL, EventBatchCompleted, struct{}{}); err != nil {
		t.Fatalf("send returned error: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestSendGivesUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(Config{MaxAttempts: 2, InitialBackoff: time.Millisecond}, nil)
	err := client.Send(context.Background(), srv.URL, EventBatchCompleted, struct{}{})
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if errors.Is(err, ErrRejected) {
		t.Fatalf("server errors must stay retryable, got %v", err)
	}
}

func TestSendSkipsEmptyEndpoint(t *testing.T) {
	if err := NewClient(Config{}, nil).Send(context.Background(), "  ", EventBatchCompleted, struct{}{}); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestBackoffPolicy(t *testing.T) {
	p := backoffPolicy{initial: 10 * time.Millisecond, max: 50 * time.Millisecond}

	if got := p.next(0, 0); got != 10*time.Millisecond {
		t.Fatalf("first wait = %v", got)
	}
	if got := p.next(20*time.Millisecond, 0); got != 40*time.Millisecond {
		t.Fatalf("doubled wait = %v", got)
	}
	if got := p.next(40*time.Millisecond, 0); got != 50*time.Millisecond {
		t.Fatalf("capped wait = %v", got)
	}
	if got := p.next(0, time.Hour); got != 50*time.Millisecond {
		t.Fatalf("hinted wait = %v", got)
	}
	if got := retryAfter("3"); got != 3*time.Second {
		t.Fatalf("retryAfter(3) = %v", got)
	}
	if got := retryAfter("Wed, 21 Oct 2015 07:28:00 GMT"); got != 0 {
		t.Fatalf("http-date form should be ignored, got %v", got)
	}
}
