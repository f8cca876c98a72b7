// gpufleet is a control-plane service for rented GPU compute instances.
// Copyright (C) 2025 The gpufleet authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"gpufleet/pkg/fleet"
)

// Endpoint groups share a circuit breaker each.
const (
	groupProducts  = "products"
	groupTemplates = "templates"
	groupInstances = "instances"
	groupAuth      = "registry-auth"
)

// Config shapes the HTTP adapter.
type Config struct {
	BaseURL string
	APIKey  string

	// RequestTimeout is the per-call deadline.
	RequestTimeout time.Duration

	// MaxRetryAttempts bounds attempts per call (first try included).
	MaxRetryAttempts int

	// RetryBase and RetryCap shape the backoff between attempts.
	RetryBase time.Duration
	RetryCap  time.Duration

	// BreakerFailures consecutive failures open a group's breaker;
	// BreakerCooldown is the open interval before a half-open trial.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Retrier is the hook the adapter uses to count retries; the metrics
// registry satisfies it.
type Retrier interface {
	IncUpstreamRetry(op string)
}

// HTTPClient implements Client over the upstream REST API.
type HTTPClient struct {
	cfg      Config
	hc       *http.Client
	base     *url.URL
	logger   *zap.Logger
	retrier  Retrier
	breakers map[string]*gobreaker.CircuitBreaker

	jitter func() time.Duration
}

var _ Client = (*HTTPClient)(nil)

const maxRetryJitter = 250 * time.Millisecond

// NewHTTPClient validates cfg and builds the adapter. retrier may be nil.
func NewHTTPClient(cfg Config, logger *zap.Logger, retrier Retrier) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fleet.NewError(fleet.KindConfiguration, "upstream base URL is empty")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fleet.Errorf(fleet.KindConfiguration, "invalid upstream base URL %q", cfg.BaseURL)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 8 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	c := &HTTPClient{
		cfg:      cfg,
		hc:       &http.Client{Timeout: cfg.RequestTimeout},
		base:     u,
		logger:   logger.With(zap.String("component", "provider")),
		retrier:  retrier,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(maxRetryJitter)))
		},
	}
	for _, group := range []string{groupProducts, groupTemplates, groupInstances, groupAuth} {
		c.breakers[group] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        group,
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
		})
	}
	return c, nil
}

// Healthy reports whether every breaker is closed.
func (c *HTTPClient) Healthy() bool {
	for _, cb := range c.breakers {
		if cb.State() == gobreaker.StateOpen {
			return false
		}
	}
	return true
}

// call runs one upstream operation through the group's breaker and the
// retry layer, decoding a successful JSON body into out (when non-nil).
func (c *HTTPClient) call(ctx context.Context, group, op, method, path string, query url.Values, body, out any) error {
	cb := c.breakers[group]
	_, err := cb.Execute(func() (any, error) {
		return nil, c.doWithRetry(ctx, op, method, path, query, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fleet.Errorf(fleet.KindCircuitOpen, "%s: upstream circuit open", op)
	}
	return err
}

// doWithRetry issues the request, retrying transient categories with
// exponential backoff plus jitter and honoring Retry-After on 429.
func (c *HTTPClient) doWithRetry(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetryAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(c.cfg.RetryBase, c.cfg.RetryCap, attempt) + c.jitter()
			var fe *fleet.Error
			if errors.As(lastErr, &fe) && fe.RetryAfter > 0 {
				delay = fe.RetryAfter
			}
			if c.retrier != nil {
				c.retrier.IncUpstreamRetry(op)
			}
			c.logger.Debug("retrying upstream call",
				zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return fleet.WrapError(fleet.KindTimeout, op, ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = c.doOnce(ctx, op, method, path, query, body, out)
		if lastErr == nil {
			return nil
		}
		if !fleet.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *HTTPClient) doOnce(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = joinPath(u.Path, path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fleet.WrapError(fleet.KindSerialization, op, err)
		}
		rdr = bytes.NewReader(raw)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return fleet.WrapError(fleet.KindInternal, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fleet.Errorf(fleet.KindTimeout, "%s: deadline exceeded after %s", op, time.Since(start).Round(time.Millisecond))
		}
		return fleet.WrapError(fleet.KindNetwork, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fleet.WrapError(fleet.KindSerialization, op+": decode response", err)
		}
		return nil
	}

	// Drain a bounded slice of the error body for the message.
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return classifyStatus(op, resp.StatusCode, string(msg), resp.Header.Get("Retry-After"))
}

// classifyStatus maps an upstream HTTP status into the error taxonomy.
func classifyStatus(op string, status int, body, retryAfter string) error {
	e := &fleet.Error{Status: status, Message: fmt.Sprintf("%s: upstream returned %d: %s", op, status, truncate(body, 256))}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = fleet.KindAuth
	case status == http.StatusNotFound:
		e.Kind = fleet.KindNotFound
	case status == http.StatusRequestTimeout:
		e.Kind = fleet.KindTimeout
	case status == http.StatusTooManyRequests:
		e.Kind = fleet.KindRateLimit
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	case status >= 500:
		e.Kind = fleet.KindUpstream5xx
	default:
		e.Kind = fleet.KindUpstream4xx
	}
	return e
}

func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

func joinPath(base, p string) string {
	if base == "" || base == "/" {
		return p
	}
	return base + p
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// --------------- Typed operations ---------------

func (c *HTTPClient) ListProducts(ctx context.Context, f ProductFilter) ([]fleet.Product, error) {
	q := url.Values{}
	if f.ProductName != "" {
		q.Set("productName", f.ProductName)
	}
	if f.RegionID != "" {
		q.Set("regionId", f.RegionID)
	}
	var out struct {
		Products []fleet.Product `json:"products"`
	}
	if err := c.call(ctx, groupProducts, "listProducts", http.MethodGet, "/v1/products", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Products, nil
}

func (c *HTTPClient) GetTemplate(ctx context.Context, id string) (*fleet.Template, error) {
	var out struct {
		Template fleet.Template `json:"template"`
	}
	if err := c.call(ctx, groupTemplates, "getTemplate", http.MethodGet, "/v1/templates/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Template, nil
}

func (c *HTTPClient) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*Instance, error) {
	body := map[string]any{
		"name":       req.Name,
		"productId":  req.ProductID,
		"gpuNum":     req.GPUNum,
		"rootfsSize": req.RootfsSize,
		"imageUrl":   req.ImageURL,
		"ports":      req.Ports,
		"envs":       req.Envs,
	}
	if req.ImageAuth != "" {
		body["imageAuth"] = req.ImageAuth
	}
	var out struct {
		Instance Instance `json:"instance"`
	}
	if err := c.call(ctx, groupInstances, "createInstance", http.MethodPost, "/v1/instances", nil, body, &out); err != nil {
		return nil, err
	}
	return &out.Instance, nil
}

func (c *HTTPClient) StartInstance(ctx context.Context, upstreamID string) error {
	return c.call(ctx, groupInstances, "startInstance", http.MethodPost,
		"/v1/instances/"+url.PathEscape(upstreamID)+"/start", nil, nil, nil)
}

func (c *HTTPClient) StopInstance(ctx context.Context, upstreamID string) error {
	return c.call(ctx, groupInstances, "stopInstance", http.MethodPost,
		"/v1/instances/"+url.PathEscape(upstreamID)+"/stop", nil, nil, nil)
}

func (c *HTTPClient) GetInstance(ctx context.Context, upstreamID string) (*Instance, error) {
	var out struct {
		Instance Instance `json:"instance"`
	}
	if err := c.call(ctx, groupInstances, "getInstance", http.MethodGet,
		"/v1/instances/"+url.PathEscape(upstreamID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Instance, nil
}

func (c *HTTPClient) ListInstances(ctx context.Context, f InstanceFilter) ([]Instance, error) {
	q := url.Values{}
	if f.Name != "" {
		q.Set("name", f.Name)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	var out struct {
		Instances []Instance `json:"instances"`
	}
	if err := c.call(ctx, groupInstances, "listInstances", http.MethodGet, "/v1/instances", q, nil, &out); err != nil {
		return nil, err
	}
	if !f.ReclaimedOnly {
		return out.Instances, nil
	}
	reclaimed := out.Instances[:0]
	for _, in := range out.Instances {
		if in.Reclaimed() {
			reclaimed = append(reclaimed, in)
		}
	}
	return reclaimed, nil
}

func (c *HTTPClient) MigrateInstance(ctx context.Context, upstreamID string) (*MigrateResult, error) {
	var out MigrateResult
	if err := c.call(ctx, groupInstances, "migrateInstance", http.MethodPost,
		"/v1/instances/"+url.PathEscape(upstreamID)+"/migrate", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRegistryAuth fetches the stored credential list and selects the entry
// matching authID.
func (c *HTTPClient) GetRegistryAuth(ctx context.Context, authID string) (*fleet.RegistryAuth, error) {
	var out struct {
		Auths []fleet.RegistryAuth `json:"data"`
	}
	if err := c.call(ctx, groupAuth, "getRegistryAuth", http.MethodGet, "/v1/repository/auths", nil, nil, &out); err != nil {
		return nil, err
	}
	for _, a := range out.Auths {
		if a.ID == authID {
			return &a, nil
		}
	}
	return nil, fleet.Errorf(fleet.KindNotFound, "registry auth %q not found", authID)
}
