package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestApp(t *testing.T) *App {
	t.Helper()

	t.Setenv("NEONTALK_AUTH_SECRET", strings.Repeat("s", 32))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := LoadConfig()

	a, err := New(context.Background(), log, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.close)
	return a
}

func TestHealthEndpoints(t *testing.T) {
	a := newTestApp(t)

	t.Run("healthz", func(t *testing.T) {
		rec := httptest.NewRecorder()
		a.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d want=%d", rec.Code, http.StatusOK)
		}
	})

	t.Run("readyz without db requirement", func(t *testing.T) {
		rec := httptest.NewRecorder()
		a.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d want=%d", rec.Code, http.StatusOK)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		a.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d want=%d", rec.Code, http.StatusOK)
		}
	})
}

func TestReadyzRequiresDBWhenConfigured(t *testing.T) {
	a := newTestApp(t)
	a.cfg.ReadinessRequireDB = true

	rec := httptest.NewRecorder()
	a.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want=%d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestNewFailsWithoutSecret(t *testing.T) {
	t.Setenv("NEONTALK_AUTH_SECRET", "")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := New(context.Background(), log, LoadConfig()); err == nil {
		t.Fatal("expected error with missing auth secret")
	}
}

func TestAPIWiredThroughRouter(t *testing.T) {
	a := newTestApp(t)

	body := strings.NewReader(`{"phone":"+15550001111","display_name":"Ada","public_key":"` + strings.Repeat("k", 43) + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/register", body)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	a.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "access_token") {
		t.Fatalf("body missing access_token: %s", rec.Body.String())
	}
}
