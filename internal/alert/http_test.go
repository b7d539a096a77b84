package alert

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"nightwatch/internal/domain"
)

func TestDispatchPostsEmptyBodyAndLogsResponse(t *testing.T) {
	t.Parallel()

	type request struct {
		method string
		body   []byte
	}
	requests := make(chan request, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- request{method: r.Method, body: body}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"sent"}`))
	}))
	defer server.Close()

	var logs bytes.Buffer
	alerter := NewHTTPAlerter(server.URL+"/send-sms", server.Client(), zerolog.New(&logs))

	if err := alerter.Dispatch(context.Background()); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	got := <-requests
	if got.method != http.MethodPost {
		t.Fatalf("expected POST, got %s", got.method)
	}
	if len(got.body) != 0 {
		t.Fatalf("expected empty body, got %q", got.body)
	}
	if !strings.Contains(logs.String(), `"response":{"status":"sent"}`) {
		t.Fatalf("expected response logged, got %s", logs.String())
	}
}

func TestDispatchNon2xxIsNetworkFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "twilio down", http.StatusBadGateway)
	}))
	defer server.Close()

	alerter := NewHTTPAlerter(server.URL, server.Client(), zerolog.Nop())
	err := alerter.Dispatch(context.Background())
	if !errors.Is(err, domain.ErrNetworkFailure) {
		t.Fatalf("expected network failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status in error, got %v", err)
	}
}

func TestDispatchUnreachableIsNetworkFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	alerter := NewHTTPAlerter(url, nil, zerolog.Nop())
	if err := alerter.Dispatch(context.Background()); !errors.Is(err, domain.ErrNetworkFailure) {
		t.Fatalf("expected network failure, got %v", err)
	}
}
