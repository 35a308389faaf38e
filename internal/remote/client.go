// Siteforge is a bare-metal provisioning orchestrator.
// Copyright (C) 2025 The Siteforge Authors
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

package remote

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"context"

	"siteforge/internal/ctxkeys"
	"siteforge/internal/metrics"
)

// Service labels, re-exported from internal/metrics so callers need only
// import this package.
const (
	ServiceMAAS = metrics.ServiceMAAS
	ServiceOOB  = metrics.ServiceOOB
)

// Client is a thin, authenticated HTTP client for one external system
// (MAAS or a Redfish-style OOB endpoint), wrapping a bounded retry
// envelope and metrics/log instrumentation (spec §4.1).
type Client struct {
	hc      *http.Client
	baseURL *url.URL
	apiKey  string
	useSSL  bool
	service string
	logger  *slog.Logger

	maxRetries int
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient overrides the underlying *http.Client (tests inject a
// fake RoundTripper this way).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithMaxRetries overrides the retry envelope's attempt budget.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// NewClient builds a Client bound to a single external system's base
// URL. service is a short label ("maas" or "oob") used for logging and
// metrics cardinality control.
func NewClient(baseURL, apiKey string, useSSL bool, service string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported base url scheme %q", u.Scheme)
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	}
	c := &Client{
		hc:      &http.Client{Timeout: 30 * time.Second, Transport: transport},
		baseURL: u,
		apiKey:  apiKey,
		useSSL:  useSSL,
		service: service,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) buildURL(rel string) string {
	rel = "/" + strings.TrimPrefix(rel, "/")
	joined, err := url.JoinPath(c.baseURL.String(), rel)
	if err != nil {
		return strings.TrimRight(c.baseURL.String(), "/") + rel
	}
	return joined
}

// authHeader builds the OAuth1 PLAINTEXT-signed Authorization header
// MAAS-style APIs expect for a "consumer_key:token_key:token_secret"
// API key, and a bearer-style header for Redfish/OOB endpoints.
func (c *Client) authHeader() string {
	if c.service == ServiceMAAS {
		parts := strings.SplitN(c.apiKey, ":", 3)
		consumerKey, tokenKey, tokenSecret := "", "", ""
		switch len(parts) {
		case 3:
			consumerKey, tokenKey, tokenSecret = parts[0], parts[1], parts[2]
		case 1:
			consumerKey = parts[0]
		}
		nonce := strconv.FormatInt(rand.Int63(), 10)
		timestamp := strconv.FormatInt(timeNowUnix(), 10)
		return fmt.Sprintf(
			`OAuth oauth_version="1.0", oauth_signature_method="PLAINTEXT", oauth_consumer_key=%q, oauth_token=%q, oauth_signature=%q, oauth_nonce=%q, oauth_timestamp=%q`,
			consumerKey, tokenKey, "&"+tokenSecret, nonce, timestamp,
		)
	}
	return "Bearer " + c.apiKey
}

// timeNowUnix is a seam so this file has exactly one call into
// wall-clock time, kept out of doWithRetry's hot path.
var timeNowUnix = func() int64 { return time.Now().Unix() }

func (c *Client) newRequest(ctx context.Context, method, rel string, form url.Values) (*http.Request, error) {
	var body io.Reader
	if form != nil && (method == http.MethodPost || method == http.MethodPut) {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(rel), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Authorization", c.authHeader())
	if cid := ctxkeys.GetCorrelationID(ctx); cid != "" {
		req.Header.Set("X-Correlation-ID", cid)
	}
	return req, nil
}

// classify converts a transport-level error or non-2xx response into
// the spec §4.1 error taxonomy. A nil return means "success,
// caller owns the body".
func classify(op string, resp *http.Response, err error) error {
	if err != nil {
		return &TransientDriverError{Op: op, Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	wrapped := fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &TransientDriverError{Op: op, StatusCode: resp.StatusCode, Err: wrapped}
	}
	return &PersistentDriverError{Op: op, StatusCode: resp.StatusCode, Err: wrapped}
}

// doJSON issues one retried HTTP call and decodes a JSON response body
// into out (out may be nil for no-content responses).
func (c *Client) doJSON(ctx context.Context, op, method, rel string, form url.Values, out any) error {
	cfg := newDefaultRetryConfig(op, c.maxRetries)

	resp, err := c.doWithRetry(ctx, cfg, func(ctx context.Context) (*http.Response, error) {
		req, rerr := c.newRequest(ctx, method, rel, form)
		if rerr != nil {
			return nil, rerr
		}
		return c.hc.Do(req)
	})

	if classifyErr := classify(op, resp, err); classifyErr != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return classifyErr
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if derr := json.NewDecoder(resp.Body).Decode(out); derr != nil {
		return &PersistentDriverError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", derr)}
	}
	return nil
}

// Get issues a GET against rel and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, op, rel string, out any) error {
	return c.doJSON(ctx, op, http.MethodGet, rel, nil, out)
}

// Post issues a POST with an x-www-form-urlencoded body (the MAAS API
// convention for both CRUD and RPC-style "op=" calls) and decodes the
// JSON response into out, which may be nil.
func (c *Client) Post(ctx context.Context, op, rel string, form url.Values, out any) error {
	return c.doJSON(ctx, op, http.MethodPost, rel, form, out)
}

// Put issues a PUT with an x-www-form-urlencoded body.
func (c *Client) Put(ctx context.Context, op, rel string, form url.Values, out any) error {
	return c.doJSON(ctx, op, http.MethodPut, rel, form, out)
}

// Delete issues a DELETE; MAAS and Redfish both return no body on success.
func (c *Client) Delete(ctx context.Context, op, rel string) error {
	return c.doJSON(ctx, op, http.MethodDelete, rel, nil, nil)
}

// TestConnectivity probes that the base URL is reachable at all,
// independent of whether the API key is valid (spec §4.4 ValidateServices).
func (c *Client) TestConnectivity(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL("/"), nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return &TransientDriverError{Op: "connectivity", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// TestAuthentication probes that the configured credentials are
// accepted by issuing a lightweight authenticated GET.
func (c *Client) TestAuthentication(ctx context.Context, probePath string) error {
	return c.doJSON(ctx, "authentication", http.MethodGet, probePath, nil, nil)
}
