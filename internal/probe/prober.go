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

// Package probe verifies application-level readiness: every configured
// endpoint must answer successfully at least once within the overall wait
// budget. Endpoints are probed in parallel; each retries transient
// failures with exponential backoff and jitter.
package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gpufleet/pkg/fleet"
)

// FailureCategory classifies one failed probe attempt.
type FailureCategory string

const (
	FailTimeout           FailureCategory = "TIMEOUT"
	FailConnectionRefused FailureCategory = "CONNECTION_REFUSED"
	FailTLS               FailureCategory = "TLS"
	FailDNS               FailureCategory = "DNS"
	FailHTTPStatus        FailureCategory = "HTTP_STATUS"
	FailBodyRejected      FailureCategory = "BODY_REJECTED"
)

// retryable reports whether the category is worth another attempt.
func (c FailureCategory) retryable(status int) bool {
	switch c {
	case FailTimeout, FailConnectionRefused, FailDNS:
		return true
	case FailHTTPStatus:
		return status >= 500
	}
	return false
}

// probeError carries the category alongside the cause.
type probeError struct {
	category FailureCategory
	status   int
	err      error
}

func (e *probeError) Error() string {
	return fmt.Sprintf("%s: %v", e.category, e.err)
}

// Result is the aggregate outcome of one probe run.
type Result struct {
	Healthy   bool
	Endpoints []fleet.EndpointProgress
	LastError string
}

// ProgressFunc receives the per-endpoint progress after every attempt. The
// orchestrator persists it into InstanceState.healthCheck.
type ProgressFunc func([]fleet.EndpointProgress)

// Prober issues the readiness probes.
type Prober struct {
	logger *zap.Logger

	// BodyErrorIndicator, when non-empty, rejects 2xx responses whose
	// body contains it.
	BodyErrorIndicator string

	// newClient exists so tests can inject transports.
	newClient func(timeout time.Duration) *http.Client

	jitter func() time.Duration
}

const maxProbeJitter = 200 * time.Millisecond

// New builds a prober.
func New(logger *zap.Logger) *Prober {
	return &Prober{
		logger: logger.With(zap.String("component", "probe")),
		newClient: func(timeout time.Duration) *http.Client {
			return &http.Client{Timeout: timeout}
		},
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(maxProbeJitter)))
		},
	}
}

// Probe runs all endpoints in parallel under the cfg.MaxWaitMs budget.
// onProgress may be nil. The returned Result is always populated; the error
// is reserved for context cancellation from the caller.
func (p *Prober) Probe(ctx context.Context, endpoints []fleet.ProbeEndpoint, cfg fleet.ProbeConfig, onProgress ProgressFunc) (*Result, error) {
	if len(endpoints) == 0 {
		return &Result{Healthy: true}, nil
	}
	maxWait := time.Duration(cfg.MaxWaitMs) * time.Millisecond
	if maxWait <= 0 {
		maxWait = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	progress := make([]fleet.EndpointProgress, len(endpoints))
	for i, ep := range endpoints {
		progress[i] = fleet.EndpointProgress{Endpoint: endpointURL(ep), Status: fleet.ProbeStatusProbing}
	}
	var mu sync.Mutex
	emit := func() {
		if onProgress == nil {
			return
		}
		mu.Lock()
		cp := make([]fleet.EndpointProgress, len(progress))
		copy(cp, progress)
		mu.Unlock()
		onProgress(cp)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range endpoints {
		i := i
		g.Go(func() error {
			err := p.probeEndpoint(gctx, endpoints[i], cfg, func(attempts int, lastErr error) {
				mu.Lock()
				now := time.Now().UTC()
				progress[i].Attempts = attempts
				progress[i].LastCheckedAt = &now
				if lastErr != nil {
					progress[i].LastError = lastErr.Error()
				} else {
					progress[i].LastError = ""
					progress[i].Status = fleet.ProbeStatusHealthy
				}
				mu.Unlock()
				emit()
			})
			if err != nil {
				mu.Lock()
				progress[i].Status = fleet.ProbeStatusUnhealthy
				progress[i].LastError = err.Error()
				mu.Unlock()
				emit()
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	mu.Lock()
	res := &Result{Healthy: err == nil, Endpoints: progress}
	if err != nil {
		res.LastError = err.Error()
	}
	mu.Unlock()

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
		return res, ctxErr
	}
	return res, nil
}

// probeEndpoint retries one endpoint until success, a terminal failure, the
// attempt budget, or the deadline.
func (p *Prober) probeEndpoint(ctx context.Context, ep fleet.ProbeEndpoint, cfg fleet.ProbeConfig, report func(int, error)) error {
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	baseDelay := time.Duration(cfg.RetryDelayMs) * time.Millisecond
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	client := p.newClient(timeout)
	target := endpointURL(ep)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return &probeError{category: FailTimeout, err: fmt.Errorf("%s: wait budget exhausted", target)}
		}
		lastErr = p.probeOnce(ctx, client, ep, target)
		report(attempt, lastErr)
		if lastErr == nil {
			return nil
		}

		var pe *probeError
		if errors.As(lastErr, &pe) && !pe.category.retryable(pe.status) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		delay := baseDelay << (attempt - 1)
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
		select {
		case <-ctx.Done():
			return &probeError{category: FailTimeout, err: fmt.Errorf("%s: wait budget exhausted", target)}
		case <-time.After(delay + p.jitter()):
		}
	}
	return lastErr
}

func (p *Prober) probeOnce(ctx context.Context, client *http.Client, ep fleet.ProbeEndpoint, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return &probeError{category: FailDNS, err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return &probeError{category: categorizeTransport(err), err: err}
	}
	defer resp.Body.Close()

	wantStatus := ep.ExpectedStatus
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if wantStatus != 0 {
		ok = resp.StatusCode == wantStatus
	}
	if !ok {
		return &probeError{
			category: FailHTTPStatus,
			status:   resp.StatusCode,
			err:      fmt.Errorf("%s: status %d", target, resp.StatusCode),
		}
	}

	if p.BodyErrorIndicator != "" {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		if strings.Contains(string(body), p.BodyErrorIndicator) {
			return &probeError{
				category: FailBodyRejected,
				err:      fmt.Errorf("%s: body contains error indicator", target),
			}
		}
	}
	return nil
}

// categorizeTransport maps a transport failure into the taxonomy.
func categorizeTransport(err error) FailureCategory {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailDNS
	}
	var certErr *tls.CertificateVerificationError
	var hostErr x509.HostnameError
	var recErr tls.RecordHeaderError
	if errors.As(err, &certErr) || errors.As(err, &hostErr) || errors.As(err, &recErr) ||
		strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "x509:") {
		return FailTLS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailTimeout
	}
	if strings.Contains(err.Error(), "connection refused") {
		return FailConnectionRefused
	}
	return FailConnectionRefused
}

func endpointURL(ep fleet.ProbeEndpoint) string {
	scheme := string(ep.Protocol)
	if scheme == "" {
		scheme = "http"
	}
	path := ep.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, ep.Host, ep.Port, path)
}
