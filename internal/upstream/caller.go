// Package upstream holds the clients for the TTS and lip-sync fusion
// services. Both are submit-then-poll APIs authenticated with a
// service-scoped bearer token carried per call.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mediaforge/longform/internal/config"
	"github.com/mediaforge/longform/internal/models"
	"github.com/mediaforge/longform/pkg/httpclient"
)

// maxErrorBodySize bounds how much of an upstream error body is read.
const maxErrorBodySize = 8 << 10

// policyCodes are upstream error codes that mean the content itself was
// refused; retrying cannot help.
var policyCodes = map[string]struct{}{
	"consent_required": {},
	"consent_revoked":  {},
	"content_blocked":  {},
	"face_rejected":    {},
	"policy_violation": {},
}

// errorBody is the error envelope both upstreams use.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (e errorBody) code() string {
	if e.Error != nil && e.Error.Code != "" {
		return e.Error.Code
	}
	return e.Code
}

func (e errorBody) message() string {
	if e.Error != nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return e.Message
}

// caller is the transport shared by the upstream clients: one resilient
// HTTP client, one rate limiter, and a cooldown honored across all
// callers when the upstream asks to back off.
type caller struct {
	name    string
	baseURL string
	http    *httpclient.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	mu            sync.Mutex
	cooldownUntil time.Time
}

func newCaller(name string, cfg config.UpstreamConfig, logger *slog.Logger) *caller {
	hcCfg := httpclient.DefaultConfig()
	hcCfg.Timeout = cfg.Timeout
	hcCfg.Logger = logger
	hcCfg.UserAgent = "longform/1.0"
	// Stage-level retries are handled by the worker; keep transport
	// retries short.
	hcCfg.RetryAttempts = 1
	hcCfg.RetryDelay = 500 * time.Millisecond

	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}

	c := &caller{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
	hcCfg.OnRetryableStatus = func(resp *http.Response) {
		if resp.StatusCode == http.StatusTooManyRequests {
			c.applyRetryAfter(resp.Header.Get("Retry-After"))
		}
	}
	c.http = httpclient.New(hcCfg)
	return c
}

// wait blocks until the limiter admits a request and any cooldown set by
// a previous Retry-After has passed.
func (c *caller) wait(ctx context.Context) error {
	c.mu.Lock()
	until := c.cooldownUntil
	c.mu.Unlock()

	if wait := time.Until(until); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return c.limiter.Wait(ctx)
}

// applyRetryAfter records an upstream-requested cooldown so every caller
// sharing this transport pauses.
func (c *caller) applyRetryAfter(header string) {
	if header == "" {
		return
	}
	var d time.Duration
	if secs, err := strconv.Atoi(header); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(header); err == nil {
		d = time.Until(at)
	}
	if d <= 0 {
		return
	}

	until := time.Now().Add(d)
	c.mu.Lock()
	if until.After(c.cooldownUntil) {
		c.cooldownUntil = until
	}
	c.mu.Unlock()

	c.logger.Info("upstream requested cooldown",
		slog.String("service", c.name),
		slog.Duration("duration", d),
	)
}

// postJSON sends a JSON body and decodes a JSON response.
func (c *caller) postJSON(ctx context.Context, path, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", c.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, token, out)
}

// getJSON fetches a JSON response.
func (c *caller) getJSON(ctx context.Context, path, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating %s request: %w", c.name, err)
	}
	return c.send(req, token, out)
}

func (c *caller) send(req *http.Request, token string, out any) error {
	ctx := req.Context()
	if err := c.wait(ctx); err != nil {
		return models.WrapError(models.KindTransient, c.name+" rate wait interrupted", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.DoWithContext(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return models.WrapError(models.KindTransient, c.name+" call interrupted", ctx.Err())
		}
		return models.WrapError(models.KindTransient, c.name+" unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return models.WrapError(models.KindTransient, c.name+" returned malformed response", err)
		}
		return nil
	}

	return c.statusError(resp)
}

// statusError converts a non-2xx response into a categorized error. The
// message carries the upstream's code and message but never the request
// URL or credentials.
func (c *caller) statusError(resp *http.Response) error {
	var body errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	_ = json.Unmarshal(raw, &body)

	kind := categorizeStatus(resp.StatusCode, body.code())
	msg := fmt.Sprintf("%s returned status %d", c.name, resp.StatusCode)
	if code := body.code(); code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, code)
	}
	if m := body.message(); m != "" {
		msg = fmt.Sprintf("%s: %s", msg, m)
	}
	return models.NewError(kind, msg)
}

// categorizeStatus maps an upstream HTTP status and error code onto the
// retry taxonomy.
func categorizeStatus(status int, code string) models.ErrorKind {
	if _, ok := policyCodes[code]; ok {
		return models.KindPolicy
	}
	switch {
	case status == http.StatusTooManyRequests:
		return models.KindTransient
	case status >= 500:
		return models.KindTransient
	case status >= 400:
		return models.KindUpstreamFatal
	default:
		return models.KindTransient
	}
}
