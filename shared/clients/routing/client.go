package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"emergency-dispatch/shared/config"
	"emergency-dispatch/shared/metricsx"
	"emergency-dispatch/shared/retryx"
)

var (
	ErrCircuitOpen = errors.New("routing circuit open")
	ErrBadResponse = errors.New("routing response invalid")

	errTransient = errors.New("routing provider unavailable")
)

type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Request struct {
	Origin      Point  `json:"origin"`
	Destination Point  `json:"destination"`
	Mode        string `json:"mode"`
}

type Response struct {
	DurationSeconds        float64  `json:"duration_seconds"`
	DistanceMeters         float64  `json:"distance_meters"`
	TrafficDurationSeconds *float64 `json:"traffic_duration_seconds,omitempty"`
}

// Client calls the external routing provider. Every call is bounded by the
// configured timeout including retries.
type Client struct {
	baseURL  string
	timeout  time.Duration
	retryMax int
	http     *http.Client
	breaker  *retryx.Breaker
}

func New(cfg config.Config) (*Client, error) {
	if cfg.RoutingURL == "" {
		return nil, errors.New("ROUTING_URL is required")
	}
	timeout := time.Duration(cfg.RoutingTimeoutMS) * time.Millisecond
	breaker := retryx.NewBreaker(cfg.RoutingBreakerThreshold, time.Duration(cfg.RoutingBreakerResetSec)*time.Second)
	hc := &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	return NewWithHTTP(cfg.RoutingURL, timeout, cfg.RoutingRetryMax, breaker, hc), nil
}

func NewWithHTTP(baseURL string, timeout time.Duration, retryMax int, breaker *retryx.Breaker, hc *http.Client) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if breaker == nil {
		breaker = retryx.NewBreaker(5, 30*time.Second)
	}
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: baseURL, timeout: timeout, retryMax: retryMax, http: hc, breaker: breaker}
}

func (c *Client) Route(ctx context.Context, req Request) (Response, error) {
	if c == nil || c.http == nil {
		return Response{}, errors.New("routing client not initialized")
	}
	if c.breaker.Open() {
		return Response{}, ErrCircuitOpen
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	policy := retryx.DefaultPolicy(c.retryMax)
	policy.Retryable = func(err error) bool { return errors.Is(err, errTransient) }

	var out Response
	err = retryx.Do(ctx, policy, func(ctx context.Context) error {
		resp, err := c.post(ctx, body)
		if err != nil {
			if errors.Is(err, errTransient) || errors.Is(err, ErrBadResponse) {
				c.breaker.Fail()
			}
			return err
		}
		out = resp
		return nil
	})
	metricsx.ObserveRouteProviderLatency(time.Since(start))
	if err != nil {
		return Response{}, err
	}
	c.breaker.Success()
	return out, nil
}

func (c *Client) post(ctx context.Context, body []byte) (Response, error) {
	reqHTTP, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/route", bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	reqHTTP.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(reqHTTP)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", errTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Response{}, fmt.Errorf("%w: status %d", errTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("routing request rejected: status %d", resp.StatusCode)
	}
	var out Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if !finiteNonNegative(out.DurationSeconds) || !finiteNonNegative(out.DistanceMeters) {
		return Response{}, ErrBadResponse
	}
	if out.TrafficDurationSeconds != nil && !finiteNonNegative(*out.TrafficDurationSeconds) {
		out.TrafficDurationSeconds = nil
	}
	return out, nil
}

func finiteNonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
