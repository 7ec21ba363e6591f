// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/mobiletoly/go-sitesync/syncmodel"
)

const maxResponseBytes = 64 << 20

// TransportConfig tunes the HTTP layer shared by both protocol clients.
type TransportConfig struct {
	BaseURL         string
	Timeout         time.Duration // per request; 0 means 60s
	RateLimit       float64       // requests per second; 0 disables limiting
	RateBurst       int
	BreakerFailures uint32        // consecutive failures that open the breaker; 0 means 5
	BreakerTimeout  time.Duration // open -> half-open; 0 means 30s
	AppVersion      string
	HTTPClient      *http.Client
}

type response struct {
	status int
	body   []byte
}

type errServerStatus int

func (e errServerStatus) Error() string { return fmt.Sprintf("server responded with status %d", int(e)) }

// transport sends requests through a rate limiter and a circuit breaker and
// turns connection failures into retryable transport errors.
type transport struct {
	baseURL    string
	appVersion string
	timeout    time.Duration
	http       *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[*response]
	logger     *slog.Logger
}

func newTransport(cfg TransportConfig, logger *slog.Logger) *transport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.AppVersion == "" {
		cfg.AppVersion = "dev"
	}

	t := &transport{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		appVersion: cfg.AppVersion,
		timeout:    cfg.Timeout,
		http:       cfg.HTTPClient,
		logger:     logger,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	failures := cfg.BreakerFailures
	t.breaker = gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        "sync:" + t.baseURL,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Sync circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return t
}

// do performs one request. Non-2xx statuses below 500 are returned as a
// response for the caller to classify; everything else is a transport error.
func (t *transport) do(ctx context.Context, op, method, path string, body []byte, decorate func(*http.Request)) (*response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, syncmodel.NewError(syncmodel.KindTransport, op, err)
		}
	}

	res, err := t.breaker.Execute(func() (*response, error) {
		reqCtx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, t.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("app-version", t.appVersion)
		if decorate != nil {
			decorate(req)
		}

		resp, err := t.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		r := &response{status: resp.StatusCode, body: data}
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return r, errServerStatus(resp.StatusCode)
		}
		return r, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			t.logger.Debug("Sync request rejected by circuit breaker", "op", op)
		}
		var status errServerStatus
		if errors.As(err, &status) && res != nil {
			err = fmt.Errorf("%w: %s", err, truncate(res.body, 512))
		}
		return nil, syncmodel.NewError(syncmodel.KindTransport, op, err)
	}
	return res, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
