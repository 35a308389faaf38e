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
	"context"
	"math/rand"
	"net"
	"net/http"
	"time"

	"siteforge/internal/ctxkeys"
	"siteforge/internal/metrics"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 3 * time.Second
	defaultJitterFrac  = 0.25
)

// retryConfig parameterizes one call's retry envelope (spec §4.1: cap 3
// attempts, base 500ms, jitter +-25%, overridable by Driver config's
// max_retries).
type retryConfig struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitterFrac  float64
	opLabel     string
}

func newDefaultRetryConfig(opLabel string, maxRetries int) retryConfig {
	attempts := defaultMaxAttempts
	if maxRetries > 0 {
		attempts = maxRetries + 1
	}
	return retryConfig{
		maxAttempts: attempts,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		jitterFrac:  defaultJitterFrac,
		opLabel:     opLabel,
	}
}

// doWithRetry executes fn, retrying transient failures per cfg with
// exponential backoff and jitter. It closes any response body it
// discards on a retried attempt.
func (c *Client) doWithRetry(ctx context.Context, cfg retryConfig, fn func(context.Context) (*http.Response, error)) (*http.Response, error) {
	var lastErr error
	var lastResp *http.Response

	for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
		start := time.Now()
		resp, err := fn(ctx)
		duration := time.Since(start)

		code := -1
		if resp != nil {
			code = resp.StatusCode
		}
		metrics.ObserveRemoteRequest(c.service, cfg.opLabel, code, duration)

		if err == nil && resp != nil && resp.StatusCode < 300 {
			return resp, nil
		}

		if !isRetryable(err, resp) {
			return resp, err
		}

		lastErr = err
		lastResp = resp
		if resp != nil {
			_ = resp.Body.Close()
		}

		if attempt == cfg.maxAttempts-1 {
			break
		}

		metrics.IncRemoteRetry(c.service, cfg.opLabel)

		sleep := backoffWithJitter(cfg, attempt)
		c.logger.Debug("remote: retrying after transient failure",
			"service", c.service, "op", cfg.opLabel, "attempt", attempt+1,
			"sleep", sleep, "correlation_id", ctxkeys.GetCorrelationID(ctx))

		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	if lastErr == nil && lastResp != nil {
		lastErr = &TransientDriverError{Op: cfg.opLabel, StatusCode: lastResp.StatusCode, Err: errStatusExhausted}
	}
	return lastResp, lastErr
}

var errStatusExhausted = &statusExhaustedError{}

type statusExhaustedError struct{}

func (*statusExhaustedError) Error() string { return "retry attempts exhausted" }

func backoffWithJitter(cfg retryConfig, attempt int) time.Duration {
	backoff := cfg.baseDelay * (1 << uint(attempt))
	if backoff > cfg.maxDelay {
		backoff = cfg.maxDelay
	}
	jitterRange := cfg.jitterFrac * float64(backoff)
	jitter := time.Duration(rand.Float64()*2*jitterRange) - time.Duration(jitterRange)
	sleep := backoff + jitter
	if sleep < 0 {
		sleep = 0
	}
	return sleep
}

// isRetryable classifies a (err, resp) pair per spec §4.1's
// TransientDriverError/PersistentDriverError split.
func isRetryable(err error, resp *http.Response) bool {
	if err != nil {
		var netErr net.Error
		if asNetError(err, &netErr) && netErr.Timeout() {
			return true
		}
		return true // connection refused, DNS failure, context errors aside
	}
	if resp == nil {
		return false
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return false
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
