package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderSignature = "X-Greyflow-Signature"
	HeaderTimestamp = "X-Greyflow-Timestamp"
	HeaderEvent     = "X-Greyflow-Event"
	HeaderDelivery  = "X-Greyflow-Delivery"
)

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client posts signed JSON payloads with bounded exponential backoff.
type Client struct {
	http   *http.Client
	secret string
	policy retryPolicy
	now    func() time.Time
}

type retryPolicy struct {
	attempts int
	first    time.Duration
	ceiling  time.Duration
}

// delay is the wait before attempt n+1, doubling from first up to ceiling.
func (p retryPolicy) delay(n int) time.Duration {
	d := p.first
	for i := 1; i < n && d < p.ceiling; i++ {
		d *= 2
	}
	return min(d, p.ceiling)
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	policy := retryPolicy{
		attempts: max(cfg.MaxAttempts, 1),
		first:    cfg.InitialBackoff,
		ceiling:  cfg.MaxBackoff,
	}
	if policy.first <= 0 {
		policy.first = time.Second
	}
	policy.ceiling = max(policy.ceiling, policy.first)

	return &Client{
		http:   &http.Client{Timeout: cfg.Timeout},
		secret: cfg.SigningSecret,
		policy: policy,
		now:    time.Now,
	}
}

// delivery is one signed message; every attempt resends the same bytes and
// headers so receivers can dedupe on HeaderDelivery.
type delivery struct {
	id        string
	event     string
	timestamp string
	signature string
	body      []byte
}

// Send posts payload to endpoint with a signed body. An empty endpoint is a
// no-op. 4xx answers other than 408 and 429 are not retried.
func (c *Client) Send(ctx context.Context, endpoint, event string, payload any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	d, err := c.prepare(event, payload)
	if err != nil {
		return err
	}

	var lastErr error
	for n := 1; n <= c.policy.attempts; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		status, err := c.post(ctx, endpoint, d)
		if err == nil && status/100 == 2 {
			return nil
		}
		if err == nil {
			lastErr = fmt.Errorf("webhook returned status=%d", status)
		} else {
			lastErr = err
		}
		if n == c.policy.attempts || !retryable(status, err) {
			break
		}

		timer := time.NewTimer(c.policy.delay(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("webhook delivery %s failed: %w", d.id, lastErr)
}

func (c *Client) prepare(event string, payload any) (delivery, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return delivery{}, fmt.Errorf("marshal webhook payload: %w", err)
	}
	ts := strconv.FormatInt(c.now().UTC().Unix(), 10)
	return delivery{
		id:        uuid.NewString(),
		event:     event,
		timestamp: ts,
		signature: Sign(c.secret, ts, body),
		body:      body,
	}, nil
}

func (c *Client) post(ctx context.Context, endpoint string, d delivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(d.body))
	if err != nil {
		return 0, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, d.timestamp)
	req.Header.Set(HeaderSignature, d.signature)
	req.Header.Set(HeaderEvent, d.event)
	req.Header.Set(HeaderDelivery, d.id)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// Sign returns the signature header value for a timestamp and raw body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func retryable(status int, err error) bool {
	if err != nil {
		return true
	}
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return status < 400 || status >= 500
}
