// Package request is the engine's single outbound HTTP path. Every
// provider call funnels through one Client, which resolves the provider
// from the URL host and applies that provider's pacing, retry, circuit
// breaker and byte-budget policy. Failures the pipeline can survive are
// absorbed into nil results so one flaky provider never aborts a run;
// only context cancellation propagates as an error.
package request

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chrono-downloader/chrono/internal/budget"
	"github.com/chrono-downloader/chrono/internal/config"
	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/netguard"
)

// defaultTimeout bounds one API request when the provider config leaves
// timeout_s unset. Artefact downloads stream without a total deadline;
// the worker timeout above them is the backstop.
const defaultTimeout = 60 * time.Second

const defaultUserAgent = "chrono-downloader/1.0"

// Body is a fetched API payload. A nil *Body means the failure was
// absorbed; callers treat it as "no result".
type Body struct {
	ContentType string
	Status      int
	Raw         []byte
}

// Bytes returns the raw payload, nil for an absorbed failure.
func (b *Body) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.Raw
}

// Text returns the payload as a string, empty for an absorbed failure.
func (b *Body) Text() string {
	if b == nil {
		return ""
	}
	return string(b.Raw)
}

// IsJSON reports whether the response declared a JSON content type.
func (b *Body) IsJSON() bool {
	return b != nil && strings.Contains(strings.ToLower(b.ContentType), "json")
}

// JSON decodes the payload into v.
func (b *Body) JSON(v any) error {
	if b == nil {
		return errors.New("request: no body")
	}
	return json.Unmarshal(b.Raw, v)
}

// Map decodes the payload as a generic JSON object.
func (b *Body) Map() (map[string]any, error) {
	var m map[string]any
	if err := b.JSON(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// Client issues provider requests. One instance is shared by all workers.
type Client struct {
	cfg    *config.Config
	guards *netguard.Manager
	budget *budget.Accountant

	base         *http.Client
	insecureOnce sync.Once
	insecureCli  *http.Client
}

// New builds the shared client from the run configuration.
func New(cfg *config.Config, guards *netguard.Manager, acct *budget.Accountant) *Client {
	return &Client{
		cfg:    cfg,
		guards: guards,
		budget: acct,
		base:   &http.Client{},
	}
}

// Config exposes the run configuration for collaborators that derive
// per-provider behaviour from it (page caps, rendering policy).
func (c *Client) Config() *config.Config { return c.cfg }

// Budget exposes the shared byte accountant.
func (c *Client) Budget() *budget.Accountant { return c.budget }

// insecure returns the client variant that skips TLS verification, built
// on first use for verify_ssl=false providers and the
// retry_insecure_once policy.
func (c *Client) insecure() *http.Client {
	c.insecureOnce.Do(func() {
		tr, ok := http.DefaultTransport.(*http.Transport)
		if !ok {
			c.insecureCli = c.base
			return
		}
		clone := tr.Clone()
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		c.insecureCli = &http.Client{Transport: clone}
	})
	return c.insecureCli
}

// Get fetches an API response. params are appended to the URL's query;
// headers override the provider's configured headers. A nil Body with a
// nil error is an absorbed failure.
func (c *Client) Get(ctx context.Context, rawurl string, params url.Values, headers map[string]string) (*Body, error) {
	key := guardKey(ProviderForURL(rawurl))
	n := c.cfg.Network(key)

	ctx, cancel := context.WithTimeout(ctx, n.Timeout(defaultTimeout))
	defer cancel()

	resp, err := c.open(ctx, key, n, rawurl, params, headers)
	if err != nil || resp == nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logx.Warnf("request [%s]: reading response from %s: %v", key, rawurl, err)
		return nil, nil
	}
	return &Body{
		ContentType: resp.Header.Get("Content-Type"),
		Status:      resp.StatusCode,
		Raw:         raw,
	}, nil
}

// open runs the guarded retry loop and hands back a live 2xx response.
// The caller owns resp.Body. A (nil, nil) return is an absorbed failure.
func (c *Client) open(ctx context.Context, key string, n config.NetworkSettings, rawurl string, params url.Values, headers map[string]string) (*http.Response, error) {
	guard := c.guards.Guard(key)

	if err := guard.Breaker.Allow(); err != nil {
		logx.Warnf("request [%s]: circuit open, dropping %s", guard.Key, rawurl)
		return nil, nil
	}

	target := rawurl
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(rawurl, "?") {
			sep = "&"
		}
		target = rawurl + sep + params.Encode()
	}

	httpClient := c.base
	if !n.GetVerifySSL() {
		httpClient = c.insecure()
	}

	maxAttempts := n.GetMaxAttempts()
	baseBackoff := time.Duration(n.GetBaseBackoffS() * float64(time.Second))
	maxBackoff := time.Duration(n.GetMaxBackoffS() * float64(time.Second))
	insecureRetried := false

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := guard.Limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, fmt.Errorf("request: building %s: %w", rawurl, err)
		}
		applyHeaders(req, n.Headers, headers)

		resp, err := httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			switch {
			case isCertError(err):
				if n.GetSSLErrorPolicy() == "retry_insecure_once" && !insecureRetried {
					insecureRetried = true
					httpClient = c.insecure()
					logx.Warnf("request [%s]: TLS verification failed for %s; retrying once without verification", guard.Key, rawurl)
					continue
				}
				logx.Errorf("request [%s]: TLS error for %s: %v", guard.Key, rawurl, err)
				guard.Breaker.RecordFailure()
				return nil, nil
			case isDNSError(err) && !n.DNSRetry:
				logx.Errorf("request [%s]: DNS lookup failed for %s: %v", guard.Key, rawurl, err)
				guard.Breaker.RecordFailure()
				return nil, nil
			}
			delay := netguard.BackoffDelay(baseBackoff, n.GetBackoffMultiplier(), maxBackoff, attempt)
			logx.Warnf("request [%s]: %v; retrying in %v (attempt %d/%d)", guard.Key, err, delay, attempt, maxAttempts)
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := guard.Limiter.Handle429(resp)
			drainClose(resp)
			logx.Warnf("request [%s]: 429 for %s; provider blocked %v (attempt %d/%d)", guard.Key, rawurl, wait, attempt, maxAttempts)
			// The next Wait sleeps out the raised block horizon.
			continue
		case retryableStatus(resp.StatusCode):
			drainClose(resp)
			delay := netguard.BackoffDelay(baseBackoff, n.GetBackoffMultiplier(), maxBackoff, attempt)
			logx.Warnf("request [%s]: HTTP %d for %s; retrying in %v (attempt %d/%d)", guard.Key, resp.StatusCode, rawurl, delay, attempt, maxAttempts)
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		case nonRetryableStatus(resp.StatusCode):
			drainClose(resp)
			logx.Errorf("request [%s]: non-retryable HTTP %d for %s", guard.Key, resp.StatusCode, rawurl)
			guard.Breaker.RecordFailure()
			return nil, nil
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			guard.Limiter.ReportSuccess()
			guard.Breaker.RecordSuccess()
			return resp, nil
		default:
			drainClose(resp)
			logx.Errorf("request [%s]: unexpected HTTP %d for %s", guard.Key, resp.StatusCode, rawurl)
			guard.Breaker.RecordFailure()
			return nil, nil
		}
	}

	guard.Breaker.RecordFailure()
	logx.Errorf("request [%s]: giving up on %s after %d attempts", guard.Key, rawurl, maxAttempts)
	return nil, nil
}

// guardKey maps hosts outside the provider map to the shared "default"
// policy and guard.
func guardKey(key string) string {
	if key == "" {
		return "default"
	}
	return key
}

func applyHeaders(req *http.Request, configured, override map[string]string) {
	for k, v := range configured {
		req.Header.Set(k, v)
	}
	for k, v := range override {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", defaultUserAgent)
	}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func nonRetryableStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusGone, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func isDNSError(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func isCertError(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		invalidCert      x509.CertificateInvalidError
		hostname         x509.HostnameError
		verification     *tls.CertificateVerificationError
	)
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &invalidCert) ||
		errors.As(err, &hostname) ||
		errors.As(err, &verification)
}

// drainClose consumes a small tail of the body before closing so the
// connection can be reused.
func drainClose(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
