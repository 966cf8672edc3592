package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vitaluxe/vitaluxe-flow/internal/config"
	"github.com/vitaluxe/vitaluxe-flow/internal/domain/identity"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/auth"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/jobs"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/middleware"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/realtime"
)

const (
	testAppID = "970ca35de60c44645bbae8a215061b33"
	testCert  = "5cfd2fd1755d40ecb72977518be15d3b"
)

// The websocket endpoint checks impersonation sessions through identity.
var _ realtime.TokenValidator = (*identity.Service)(nil)

func TestVideoTokenIssuer(t *testing.T) {
	tokens, err := videoTokenIssuer(&config.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tokens != nil {
		t.Fatalf("expected a nil issuer without credentials, got %#v", tokens)
	}

	tokens, err = videoTokenIssuer(&config.Config{AgoraAppID: testAppID, AgoraAppCertificate: testCert, VideoTokenTTL: time.Hour})
	if err != nil || tokens == nil {
		t.Fatalf("expected an issuer, got %v, %v", tokens, err)
	}

	if _, err := videoTokenIssuer(&config.Config{AgoraAppID: "short", AgoraAppCertificate: testCert, VideoTokenTTL: time.Hour}); err == nil {
		t.Error("expected bad credentials to fail")
	}
}

func TestPaymentGateway(t *testing.T) {
	gw, err := paymentGateway(&config.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gw != nil {
		t.Fatalf("expected a nil gateway without a url, got %#v", gw)
	}

	if _, err := paymentGateway(&config.Config{PaymentAPIURL: "https://pay.example.test"}); err == nil {
		t.Error("expected a missing api key to fail")
	}

	gw, err = paymentGateway(&config.Config{PaymentAPIURL: "https://pay.example.test", PaymentAPIKey: "sk_test"})
	if err != nil || gw == nil {
		t.Fatalf("expected a gateway, got %v, %v", gw, err)
	}
}

func TestNotificationOptions(t *testing.T) {
	ctx := context.Background()

	opts, err := notificationOptions(ctx, &config.Config{Env: "development"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(opts) != 3 {
		t.Errorf("expected log senders on every channel in development, got %d", len(opts))
	}

	opts, err = notificationOptions(ctx, &config.Config{Env: "production"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(opts) != 0 {
		t.Errorf("expected no senders in production without providers, got %d", len(opts))
	}

	opts, err = notificationOptions(ctx, &config.Config{
		Env:              "production",
		TwilioAccountSID: "AC123",
		TwilioAuthToken:  "token",
		TwilioFrom:       "+15550100",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(opts) != 1 {
		t.Errorf("expected only the sms sender, got %d", len(opts))
	}
}

func TestJobRunner_RegistersEveryJob(t *testing.T) {
	a := &app{log: zerolog.Nop()}
	runner, err := a.jobRunner()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	names := runner.Names()
	want := []string{jobs.AppointmentReminders, jobs.CartCleanup, jobs.ImpersonationExpiry}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("got %v, want %v", names, want)
		}
	}
}

func testApp(t *testing.T) *app {
	t.Helper()
	cfg := &config.Config{
		Env:            "production",
		UploadDir:      t.TempDir(),
		MaxUploadBytes: 1 << 20,
		JWTSecret:      "0123456789abcdef0123456789abcdef",
	}
	return &app{
		cfg:    cfg,
		log:    zerolog.Nop(),
		tokens: auth.NewTokenIssuer(cfg.SigningSecret(), "vitaluxe", time.Minute),
		hub:    realtime.NewHub(zerolog.Nop()),
	}
}

func TestRoutes(t *testing.T) {
	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	defer limiter.Close()

	e, err := testApp(t).routes(limiter)
	if err != nil {
		t.Fatalf("routes: %v", err)
	}

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/api/v1/auth/me", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/orders", http.StatusUnauthorized},
		{http.MethodPost, "/api/v1/files", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRoutes_SecurityHeaders(t *testing.T) {
	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	defer limiter.Close()

	e, err := testApp(t).routes(limiter)
	if err != nil {
		t.Fatalf("routes: %v", err)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("expected nosniff header, got %q", rec.Header().Get("X-Content-Type-Options"))
	}
}
