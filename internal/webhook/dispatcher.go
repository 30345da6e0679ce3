// Package webhook delivers signed event callbacks with retry, allow-listing,
// and dead-lettering on exhaustion.
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
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andreafio/competition-platform/internal/config"
	"github.com/andreafio/competition-platform/internal/models"
	"github.com/andreafio/competition-platform/internal/store"
	"github.com/andreafio/competition-platform/internal/telemetry"
)

const payloadVersion = 1

var (
	// ErrDomainNotAllowed rejects a target host before any network call.
	ErrDomainNotAllowed = errors.New("webhook domain not allowed")

	// ErrDeliveryExhausted reports that every attempt failed and the payload
	// was dead-lettered.
	ErrDeliveryExhausted = errors.New("webhook delivery exhausted")
)

// Dispatcher signs and posts webhook payloads. Delivery is best-effort:
// exhausted deliveries are persisted as dead letters, never dropped.
type Dispatcher struct {
	store          store.Store
	allowedDomains []string
	maxAttempts    int
	httpClient     *http.Client

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error

	// now is swapped in tests to pin the envelope timestamp.
	now func() time.Time
}

func NewDispatcher(cfg config.Config, st store.Store) *Dispatcher {
	maxAttempts := cfg.WebhookMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	timeout := cfg.WebhookTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		store:          st,
		allowedDomains: cfg.WebhookAllowedDomains,
		maxAttempts:    maxAttempts,
		httpClient:     &http.Client{Timeout: timeout},
		sleep:          sleepCtx,
		now:            time.Now,
	}
}

// Deliver posts a signed envelope for eventName to targetURL. Failures after
// the final attempt (or an allow-list rejection) are dead-lettered under
// jobID; a dead-letter persistence failure is logged and never masks the
// delivery error.
func (d *Dispatcher) Deliver(ctx context.Context, jobID, targetURL, secret, eventName string, data map[string]any) error {
	envelope := buildEnvelope(eventName, d.now().Unix(), data)

	if err := d.checkDomain(targetURL); err != nil {
		d.deadLetter(ctx, jobID, targetURL, envelope, err)
		return err
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal webhook envelope: %w", err)
	}
	signature := Sign(body, secret)

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		lastErr = d.post(ctx, targetURL, eventName, envelope, body, signature)
		if lastErr == nil {
			telemetry.WebhookDelivered.Inc()
			return nil
		}
		if attempt < d.maxAttempts {
			if err := d.sleep(ctx, time.Duration(1<<attempt)*time.Second); err != nil {
				lastErr = err
				break
			}
		}
	}

	err = fmt.Errorf("%w after %d attempts: %w", ErrDeliveryExhausted, d.maxAttempts, lastErr)
	d.deadLetter(ctx, jobID, targetURL, envelope, err)
	return err
}

// Sign computes the HMAC-SHA256 signature header value for a payload.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) post(ctx context.Context, targetURL, eventName string, envelope map[string]any, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Athlos-Event", eventName)
	req.Header.Set("X-Athlos-Signature", signature)
	req.Header.Set("X-Athlos-Version", strconv.Itoa(payloadVersion))
	req.Header.Set("X-Athlos-Timestamp", fmt.Sprintf("%v", envelope["timestamp"]))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// checkDomain enforces the allow-list: with a non-empty list configured, the
// target host must equal or be a subdomain of an entry. An empty list allows
// everything.
func (d *Dispatcher) checkDomain(targetURL string) error {
	if len(d.allowedDomains) == 0 {
		return nil
	}
	u, err := url.Parse(targetURL)
	if err != nil {
		return fmt.Errorf("%w: unparseable url %q", ErrDomainNotAllowed, targetURL)
	}
	host := strings.ToLower(u.Hostname())
	for _, domain := range d.allowedDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return nil
		}
	}
	return fmt.Errorf("%w: host %q", ErrDomainNotAllowed, host)
}

func (d *Dispatcher) deadLetter(ctx context.Context, jobID, targetURL string, envelope map[string]any, cause error) {
	telemetry.WebhookDeadLetter.Inc()
	err := d.store.SaveDeadLetter(ctx, models.DeadLetter{
		JobID:        jobID,
		WebhookURL:   targetURL,
		Payload:      envelope,
		ErrorMessage: cause.Error(),
		RetryCount:   d.maxAttempts,
	})
	if err != nil {
		log.Printf("webhook: save dead letter for job %s: %v", jobID, err)
	}
}

// buildEnvelope flattens data into the versioned envelope. json.Marshal of a
// map emits keys in sorted order, so the serialization the signature covers
// is deterministic.
func buildEnvelope(eventName string, timestamp int64, data map[string]any) map[string]any {
	envelope := make(map[string]any, len(data)+3)
	for k, v := range data {
		envelope[k] = v
	}
	envelope["v"] = payloadVersion
	envelope["event"] = eventName
	envelope["timestamp"] = timestamp
	return envelope
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
