package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newCtx(target string) echo.Context {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return echo.New().NewContext(req, httptest.NewRecorder())
}

func TestExtractPracticeSlug_Priority(t *testing.T) {
	c := newCtx("/?practice=from-query")
	if got := extractPracticeSlug(c, "default"); got != "from-query" {
		t.Errorf("expected query value, got %s", got)
	}

	c.Request().Header.Set("X-Practice-ID", "from-header")
	if got := extractPracticeSlug(c, "default"); got != "from-header" {
		t.Errorf("expected header to beat query, got %s", got)
	}

	c.Set(PracticeClaimKey, "from-token")
	if got := extractPracticeSlug(c, "default"); got != "from-token" {
		t.Errorf("expected token claim to win, got %s", got)
	}
}

func TestExtractPracticeSlug_Default(t *testing.T) {
	c := newCtx("/")
	c.Set(PracticeClaimKey, "")
	if got := extractPracticeSlug(c, "default"); got != "default" {
		t.Errorf("expected default, got %s", got)
	}
}

func TestValidPracticeSlug(t *testing.T) {
	valid := []string{"default", "glow-med-spa", "clinic_2", "a"}
	invalid := []string{"", "Upper", "has space", "semi;colon", "x'--", string(make([]byte, 64))}
	for _, s := range valid {
		if !ValidPracticeSlug(s) {
			t.Errorf("expected %q to be valid", s)
		}
	}
	for _, s := range invalid {
		if ValidPracticeSlug(s) {
			t.Errorf("expected %q to be invalid", s)
		}
	}
}

func TestPracticeContext(t *testing.T) {
	ctx := context.Background()
	if _, ok := PracticeFromContext(ctx); ok {
		t.Error("expected no practice in empty context")
	}
	if _, err := RequirePractice(ctx); err == nil {
		t.Error("expected RequirePractice to fail without practice")
	}
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil conn in empty context")
	}

	p := Practice{ID: uuid.New(), Slug: "glow"}
	ctx = WithPractice(ctx, p)
	got, err := RequirePractice(ctx)
	if err != nil {
		t.Fatalf("RequirePractice: %v", err)
	}
	if got != p {
		t.Errorf("expected %+v, got %+v", p, got)
	}
	if PracticeIDFromContext(ctx) != p.ID {
		t.Error("PracticeIDFromContext mismatch")
	}
}

func TestWithTx_NoConnection(t *testing.T) {
	err := WithTx(context.Background(), nil, func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error without connection or pool")
	}
}
