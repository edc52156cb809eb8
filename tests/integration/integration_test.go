//go:build integration

// Package integration exercises the demonstration HTTP API end to end
// against real network targets. Run with:
//
//	go test -tags=integration ./tests/integration/...
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/riptide/rgec/internal/config"
	"github.com/riptide/rgec/internal/core"
	"github.com/riptide/rgec/internal/handlers"
)

var testHandler *handlers.Handler
var testCore *core.Core

func TestMain(m *testing.M) {
	cfg := config.Load()
	cfg.Headless = false // integration probes only need the Raw engine
	cfg.MaxSessions = 10
	cfg.SessionTTL = 30 * time.Minute
	cfg.DefaultTimeout = 30 * time.Second
	cfg.MaxTimeout = 60 * time.Second
	cfg.LogLevel = "debug"
	cfg.Validate()

	var err error
	testCore, err = core.New(cfg, core.Dependencies{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize core: %v\n", err)
		os.Exit(1)
	}
	testHandler = handlers.New(testCore)

	code := m.Run()

	testCore.Close()
	os.Exit(code)
}

type jsonResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Artifact *struct {
		Title     string `json:"title"`
		Text      string `json:"text"`
		WordCount int    `json:"wordCount"`
	} `json:"artifact"`
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	testHandler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	var body jsonResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("Status = %q, want ok", body.Status)
	}
}

func TestExtractRawPage(t *testing.T) {
	reqBody, _ := json.Marshal(map[string]string{
		"url":  "https://httpbin.org/html",
		"mode": "article",
	})

	req := httptest.NewRequest(http.MethodPost, "/extract", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()
	testHandler.ServeHTTP(w, req)

	var body jsonResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("status = %q, message = %q", body.Status, body.Message)
	}
	if body.Artifact == nil || body.Artifact.WordCount == 0 {
		t.Error("expected a non-empty artifact")
	}
}

func TestExtractInvalidURLReturnsError(t *testing.T) {
	reqBody, _ := json.Marshal(map[string]string{"url": "not-a-valid-url"})

	req := httptest.NewRequest(http.MethodPost, "/extract", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()
	testHandler.ServeHTTP(w, req)

	var body jsonResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "error" {
		t.Errorf("status = %q, want error", body.Status)
	}
}

func TestExtractRespectsRequestTimeout(t *testing.T) {
	reqBody, _ := json.Marshal(map[string]interface{}{
		"url":       "https://httpbin.org/delay/10",
		"timeoutMs": 1000,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := httptest.NewRequest(http.MethodPost, "/extract", bytes.NewReader(reqBody)).WithContext(ctx)
	w := httptest.NewRecorder()
	testHandler.ServeHTTP(w, req)

	var body jsonResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status == "ok" {
		t.Log("request succeeded despite a slow upstream (server may have outraced the delay)")
	}
}

func TestResourceStatusEndpoint(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/resource-status", nil)
	w := httptest.NewRecorder()
	testHandler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestInvalidateRoundTrip(t *testing.T) {
	reqBody, _ := json.Marshal(map[string]string{"url": "https://httpbin.org/html"})

	req := httptest.NewRequest(http.MethodPost, "/invalidate", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()
	testHandler.ServeHTTP(w, req)

	var body jsonResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}
