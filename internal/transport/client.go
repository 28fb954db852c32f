// Package transport sends usage batches to the tracking service and
// fetches the authoritative triggered-limits list, with retry and
// circuit-breaking shared by every delivery strategy that uses it.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/aicostmanager/aicm-go/internal/config"
	"github.com/aicostmanager/aicm-go/internal/model"
	"github.com/aicostmanager/aicm-go/internal/wire"
)

// maxResponseSize bounds how much of a response body we will buffer,
// the same defensive limit the teacher's cloud client applies.
const maxResponseSize = 10 * 1024 * 1024

var bearerTokenPattern = regexp.MustCompile(`(?i)bearer\s+[a-z0-9._\-]+`)

var redactedFields = map[string]bool{
	"authorization": true,
	"api_key":       true,
	"password":      true,
	"token":         true,
}

// BatchResult is the outcome of one SendBatch call.
type BatchResult struct {
	Results         []wire.ResultWire
	TriggeredLimits []model.TriggeredLimit
}

// Client is a shared, per-Tracker HTTP client with retry and circuit
// breaking. It holds no limits cache: SendBatch returns any triggered
// limits in its BatchResult and the caller notifies its own cache, so the
// cache is guarded independently (internal/limits.Cache has its own mutex).
type Client struct {
	http    *http.Client
	breaker *gobreaker.CircuitBreaker

	settings config.Settings
	log      *slog.Logger
}

// New builds a Client with a connection-pooled *http.Client scoped to
// this instance (never a package-level global, per the design note
// against hidden shared lifecycle).
func New(settings config.Settings, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		Timeout: settings.Timeout,
	}

	breakerSettings := gobreaker.Settings{
		Name:        "aicm-transport",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &Client{
		http:     httpClient,
		breaker:  gobreaker.NewCircuitBreaker(breakerSettings),
		settings: settings,
		log:      logger.With("component", "transport.Client"),
	}
}

// SendBatch POSTs records to the track endpoint, retrying network errors
// and 5xx/429 responses with exponential backoff, and short-circuiting
// through a circuit breaker once failures accumulate.
func (c *Client) SendBatch(ctx context.Context, records []model.Record) (BatchResult, error) {
	body := wire.TrackRequest{Records: make([]wire.RecordWire, len(records))}
	for i, r := range records {
		body.Records[i] = wire.FromRecord(r)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return BatchResult{}, fmt.Errorf("aicm: encode track request: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxInterval = 30 * time.Second

	attempts := 0
	op := func() (BatchResult, error) {
		attempts++
		result, err := c.doSend(ctx, payload)
		if err != nil {
			if _, ok := err.(*model.PermanentServerError); ok {
				return BatchResult{}, backoff.Permanent(err)
			}
			if _, ok := err.(*model.ValidationError); ok {
				return BatchResult{}, backoff.Permanent(err)
			}
			return BatchResult{}, err
		}
		return result, nil
	}

	maxTries := uint(c.settings.MaxAttempts)
	if maxTries == 0 {
		maxTries = 1
	}

	breakerOp := func() (BatchResult, error) {
		out, err := c.breaker.Execute(func() (interface{}, error) {
			result, retryErr := backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(maxTries))
			return result, retryErr
		})
		if err != nil {
			return BatchResult{}, err
		}
		return out.(BatchResult), nil
	}

	result, err := breakerOp()
	if err != nil {
		if perm, ok := asPermanent(err); ok {
			return BatchResult{}, perm
		}
		return BatchResult{}, &model.TransportError{Attempts: attempts, Err: err}
	}
	return result, nil
}

func asPermanent(err error) (error, bool) {
	switch e := err.(type) {
	case *model.PermanentServerError:
		return e, true
	case *model.ValidationError:
		return e, true
	}
	return nil, false
}

func (c *Client) doSend(ctx context.Context, payload []byte) (BatchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.settings.TrackURL(), bytes.NewReader(payload))
	if err != nil {
		return BatchResult{}, fmt.Errorf("aicm: build track request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.settings.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logRequest(req, payload)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return BatchResult{}, fmt.Errorf("aicm: track request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := readLimited(resp.Body)
	if err != nil {
		return BatchResult{}, err
	}
	c.logResponse(resp.StatusCode, bodyBytes, time.Since(start))

	return c.classify(resp.StatusCode, bodyBytes)
}

func (c *Client) classify(status int, body []byte) (BatchResult, error) {
	switch {
	case status >= 200 && status < 300:
		var tr wire.TrackResponse
		if err := json.Unmarshal(body, &tr); err != nil {
			return BatchResult{}, fmt.Errorf("aicm: decode track response: %w", err)
		}
		limits := make([]model.TriggeredLimit, 0, len(tr.TriggeredLimits))
		for _, w := range tr.TriggeredLimits {
			limits = append(limits, wire.ToLimit(w))
		}
		return BatchResult{Results: tr.Results, TriggeredLimits: limits}, nil

	case status == 429 || status >= 500:
		return BatchResult{}, fmt.Errorf("aicm: retryable response status %d: %s", status, truncate(body))

	default:
		var er wire.ErrorResponse
		_ = json.Unmarshal(body, &er)
		return BatchResult{}, &model.PermanentServerError{StatusCode: status, Detail: er.Detail, Code: er.Code}
	}
}

// FetchLimits GETs the triggered-limits endpoint, supporting ETag-based
// conditional requests. A 304 response yields ok=false with the
// previous etag unchanged.
func (c *Client) FetchLimits(ctx context.Context, etag string) (limitsList []model.TriggeredLimit, newETag string, ok bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.settings.LimitsURL(), nil)
	if err != nil {
		return nil, "", false, fmt.Errorf("aicm: build limits request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.settings.APIKey)
	req.Header.Set("Accept", "application/json")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", false, fmt.Errorf("aicm: limits request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, etag, false, nil
	}

	body, err := readLimited(resp.Body)
	if err != nil {
		return nil, "", false, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var er wire.ErrorResponse
		_ = json.Unmarshal(body, &er)
		return nil, "", false, &model.PermanentServerError{StatusCode: resp.StatusCode, Detail: er.Detail, Code: er.Code}
	}

	var wireLimits []wire.TriggeredLimitWire
	if err := json.Unmarshal(body, &wireLimits); err != nil {
		return nil, "", false, fmt.Errorf("aicm: decode limits response: %w", err)
	}
	out := make([]model.TriggeredLimit, 0, len(wireLimits))
	for _, w := range wireLimits {
		out = append(out, wire.ToLimit(w))
	}
	return out, resp.Header.Get("ETag"), true, nil
}

func readLimited(r io.Reader) ([]byte, error) {
	limited := io.LimitReader(r, maxResponseSize)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("aicm: read response body: %w", err)
	}
	return body, nil
}

func (c *Client) logRequest(req *http.Request, payload []byte) {
	if !c.settings.LogBodies {
		c.log.Debug("track request", "method", req.Method, "url", req.URL.Path)
		return
	}
	c.log.Debug("track request", "method", req.Method, "url", req.URL.Path, "body", redact(payload))
}

func (c *Client) logResponse(status int, body []byte, d time.Duration) {
	if !c.settings.LogBodies {
		c.log.Debug("track response", "status", status, "duration", d)
		return
	}
	c.log.Debug("track response", "status", status, "duration", d, "body", redact(body))
}

// redact decodes body as a generic JSON value, blanks out a stable set
// of sensitive field names plus anything matching a bearer-token regex,
// and re-serializes it for logging. Non-JSON bodies are redacted by
// regex only.
func redact(body []byte) string {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return bearerTokenPattern.ReplaceAllString(string(body), "<redacted>")
	}
	redactValue(v)
	out, err := json.Marshal(v)
	if err != nil {
		return "<unserializable>"
	}
	return bearerTokenPattern.ReplaceAllString(string(out), "<redacted>")
}

func redactValue(v any) {
	m, ok := v.(map[string]any)
	if !ok {
		return
	}
	for k, val := range m {
		if redactedFields[strings.ToLower(k)] {
			m[k] = "<redacted>"
			continue
		}
		redactValue(val)
	}
}

func truncate(body []byte) string {
	const max = 256
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "..."
}
