// Package webhook delivers signed batch notifications to caller-supplied
// endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/imgcompress/internal/id"
	"go.uber.org/zap"
)

const (
	HeaderSignature = "X-Imgcompress-Signature"
	HeaderTimestamp = "X-Imgcompress-Timestamp"
	HeaderEvent     = "X-Imgcompress-Event"
	HeaderDelivery  = "X-Imgcompress-Delivery"
)

type Event string

const EventBatchCompleted Event = "batch.completed"

// ErrRejected marks a 4xx answer that another attempt would not change.
var ErrRejected = errors.New("webhook endpoint rejected delivery")

// Envelope is the JSON body of every delivery. The signature covers
// "<timestamp>.<body>".
type Envelope struct {
	DeliveryID string    `json:"delivery_id"`
	Event      Event     `json:"event"`
	SentAt     time.Time `json:"sent_at"`
	Data       any       `json:"data"`
}

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	httpClient *http.Client
	secret     []byte
	attempts   int
	backoff    backoffPolicy
	logger     *zap.Logger
	now        func() time.Time
}

type backoffPolicy struct {
	initial time.Duration
	max     time.Duration
}

// next doubles the previous wait up to the ceiling. A Retry-After hint from
// the receiver replaces it, still bounded by the ceiling.
func (p backoffPolicy) next(prev time.Duration, hint time.Duration) time.Duration {
	wait := p.initial
	if prev > 0 {
		wait = prev * 2
	}
	if hint > 0 {
		wait = hint
	}
	return min(wait, p.max)
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		secret:     []byte(cfg.SigningSecret),
		attempts:   max(1, cfg.MaxAttempts),
		backoff:    backoffPolicy{initial: initial, max: max(cfg.MaxBackoff, initial)},
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Send wraps data in an Envelope and posts it. Transport errors, 408, 429 and
// 5xx answers are retried; any other non-2xx answer fails at once with
// ErrRejected. An empty endpoint is a no-op.
func (c *Client) Send(ctx context.Context, endpoint string, event Event, data any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	sentAt := c.now()
	envelope := Envelope{
		DeliveryID: id.New(),
		Event:      event,
		SentAt:     sentAt,
		Data:       data,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", event, err)
	}

	timestamp := strconv.FormatInt(sentAt.Unix(), 10)
	signature := sign(c.secret, timestamp, body)
	log := c.logger.With(
		zap.String("delivery_id", envelope.DeliveryID),
		zap.String("event", string(event)),
	)

	var (
		wait    time.Duration
		lastErr error
	)
	for attempt := 1; attempt <= c.attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderTimestamp, timestamp)
		req.Header.Set(HeaderSignature, signature)
		req.Header.Set(HeaderEvent, string(event))
		req.Header.Set(HeaderDelivery, envelope.DeliveryID)

		hint, retry, err := c.attempt(req)
		if err == nil {
			log.Debug("webhook delivered", zap.Int("attempt", attempt))
			return nil
		}
		if !retry {
			return err
		}
		lastErr = err
		if attempt == c.attempts {
			break
		}

		wait = c.backoff.next(wait, hint)
		log.Warn("webhook attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("%s delivery failed after %d attempts: %w", event, c.attempts, lastErr)
}

// attempt performs one POST. It reports whether a failure is worth retrying
// and any Retry-After delay the receiver asked for.
func (c *Client) attempt(req *http.Request) (time.Duration, bool, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return 0, false, req.Context().Err()
		}
		return 0, true, err
	}
	resp.Body.Close()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return 0, false, nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return retryAfter(resp.Header.Get("Retry-After")), true, fmt.Errorf("webhook returned status %d", code)
	default:
		return 0, false, fmt.Errorf("%w: status %d", ErrRejected, code)
	}
}

// retryAfter understands the delay-seconds form only.
func retryAfter(value string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
