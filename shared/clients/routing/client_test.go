package routing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"emergency-dispatch/shared/retryx"
)

func TestRouteDecodesTrafficDuration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/route" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Mode != "emergency" {
			t.Errorf("bad body: %v %#v", err, req)
		}
		_, _ = w.Write([]byte(`{"duration_seconds":600,"distance_meters":8000,"traffic_duration_seconds":720}`))
	}))
	defer srv.Close()

	c := NewWithHTTP(srv.URL, time.Second, 0, nil, srv.Client())
	resp, err := c.Route(context.Background(), Request{
		Origin:      Point{Lat: 52.52, Lon: 13.40},
		Destination: Point{Lat: 52.50, Lon: 13.45},
		Mode:        "emergency",
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.DurationSeconds != 600 || resp.TrafficDurationSeconds == nil || *resp.TrafficDurationSeconds != 720 {
		t.Fatalf("unexpected response %#v", resp)
	}
}

func TestRouteRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"duration_seconds":60,"distance_meters":500}`))
	}))
	defer srv.Close()

	c := NewWithHTTP(srv.URL, time.Second, 2, nil, srv.Client())
	if _, err := c.Route(context.Background(), Request{Mode: "driving"}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestRouteDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewWithHTTP(srv.URL, time.Second, 3, nil, srv.Client())
	if _, err := c.Route(context.Background(), Request{}); err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewWithHTTP(srv.URL, time.Second, 0, retryx.NewBreaker(2, time.Minute), srv.Client())
	for i := 0; i < 2; i++ {
		if _, err := c.Route(context.Background(), Request{}); err == nil {
			t.Fatalf("expected failure %d", i)
		}
	}
	_, err := c.Route(context.Background(), Request{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("open circuit must not call the provider, got %d calls", calls.Load())
	}
}

func TestRouteRejectsNegativeDuration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"duration_seconds":-5,"distance_meters":10}`))
	}))
	defer srv.Close()

	c := NewWithHTTP(srv.URL, time.Second, 0, nil, srv.Client())
	if _, err := c.Route(context.Background(), Request{}); !errors.Is(err, ErrBadResponse) {
		t.Fatalf("expected ErrBadResponse, got %v", err)
	}
}
