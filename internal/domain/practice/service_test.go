package practice

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vitaluxe/vitaluxe-flow/internal/platform/db"
)

// -- Mock Repositories --

type mockPracticeRepo struct {
	items map[uuid.UUID]*Practice
}

func newMockPracticeRepo() *mockPracticeRepo {
	return &mockPracticeRepo{items: make(map[uuid.UUID]*Practice)}
}

func (m *mockPracticeRepo) Create(_ context.Context, p *Practice) error {
	for _, existing := range m.items {
		if existing.Slug == p.Slug {
			return ErrSlugTaken
		}
	}
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = time.Now()
	m.items[p.ID] = p
	return nil
}

func (m *mockPracticeRepo) GetByID(_ context.Context, id uuid.UUID) (*Practice, error) {
	p, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *mockPracticeRepo) GetBySlug(_ context.Context, slug string) (*Practice, error) {
	for _, p := range m.items {
		if p.Slug == slug {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockPracticeRepo) Update(_ context.Context, p *Practice) error {
	if _, ok := m.items[p.ID]; !ok {
		return ErrNotFound
	}
	m.items[p.ID] = p
	return nil
}

func (m *mockPracticeRepo) List(_ context.Context, limit, offset int) ([]*Practice, int, error) {
	var result []*Practice
	for _, p := range m.items {
		result = append(result, p)
	}
	return result, len(result), nil
}

type mockProviderRepo struct {
	items map[uuid.UUID]*Provider
}

func newMockProviderRepo() *mockProviderRepo {
	return &mockProviderRepo{items: make(map[uuid.UUID]*Provider)}
}

func (m *mockProviderRepo) Create(_ context.Context, p *Provider) error {
	p.ID = uuid.New()
	m.items[p.ID] = p
	return nil
}

func (m *mockProviderRepo) GetByID(_ context.Context, id uuid.UUID) (*Provider, error) {
	p, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *mockProviderRepo) GetByUserID(_ context.Context, userID uuid.UUID) (*Provider, error) {
	for _, p := range m.items {
		if p.UserID != nil && *p.UserID == userID {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockProviderRepo) Update(_ context.Context, p *Provider) error {
	if _, ok := m.items[p.ID]; !ok {
		return ErrNotFound
	}
	m.items[p.ID] = p
	return nil
}

func (m *mockProviderRepo) Delete(_ context.Context, id uuid.UUID) error {
	delete(m.items, id)
	return nil
}

func (m *mockProviderRepo) List(_ context.Context, activeOnly bool, limit, offset int) ([]*Provider, int, error) {
	var result []*Provider
	for _, p := range m.items {
		if activeOnly && !p.Active {
			continue
		}
		result = append(result, p)
	}
	return result, len(result), nil
}

type mockPatientRepo struct {
	items map[uuid.UUID]*Patient
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{items: make(map[uuid.UUID]*Patient)}
}

func (m *mockPatientRepo) Create(_ context.Context, p *Patient) error {
	p.ID = uuid.New()
	m.items[p.ID] = p
	return nil
}

func (m *mockPatientRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *mockPatientRepo) GetByUserID(_ context.Context, userID uuid.UUID) (*Patient, error) {
	for _, p := range m.items {
		if p.UserID != nil && *p.UserID == userID {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockPatientRepo) Update(_ context.Context, p *Patient) error {
	if _, ok := m.items[p.ID]; !ok {
		return ErrNotFound
	}
	m.items[p.ID] = p
	return nil
}

func (m *mockPatientRepo) Delete(_ context.Context, id uuid.UUID) error {
	delete(m.items, id)
	return nil
}

func (m *mockPatientRepo) Search(_ context.Context, query string, limit, offset int) ([]*Patient, int, error) {
	var result []*Patient
	q := strings.ToLower(query)
	for _, p := range m.items {
		if q == "" || strings.Contains(strings.ToLower(p.FullName()), q) {
			result = append(result, p)
		}
	}
	return result, len(result), nil
}

func newTestService() *Service {
	return NewService(newMockPracticeRepo(), newMockProviderRepo(), newMockPatientRepo())
}

func practiceCtx(id uuid.UUID) context.Context {
	return db.WithPractice(context.Background(), db.Practice{ID: id, Slug: "glow"})
}

// -- Practice Tests --

func TestService_CreatePractice(t *testing.T) {
	svc := newTestService()
	p := &Practice{Slug: " Glow-Clinic ", Name: "Glow Clinic", Timezone: "America/New_York"}
	if err := svc.CreatePractice(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Slug != "glow-clinic" {
		t.Errorf("expected normalized slug, got %q", p.Slug)
	}
	if !p.Active {
		t.Error("expected new practice to be active")
	}
	if p.Location().String() != "America/New_York" {
		t.Errorf("unexpected location %s", p.Location())
	}
}

func TestService_CreatePractice_Validation(t *testing.T) {
	svc := newTestService()
	hook := "ftp://example.com"
	tests := []struct {
		name string
		p    Practice
	}{
		{"missing slug", Practice{Name: "A"}},
		{"bad slug", Practice{Slug: "bad slug!", Name: "A"}},
		{"missing name", Practice{Slug: "a"}},
		{"bad timezone", Practice{Slug: "a", Name: "A", Timezone: "Mars/Olympus"}},
		{"negative tax", Practice{Slug: "a", Name: "A", TaxRateBps: -1}},
		{"tax over 100%", Practice{Slug: "a", Name: "A", TaxRateBps: 10001}},
		{"bad webhook", Practice{Slug: "a", Name: "A", WebhookURL: &hook}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.p
			if err := svc.CreatePractice(context.Background(), &p); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestService_CreatePractice_DefaultsAndSecret(t *testing.T) {
	svc := newTestService()
	hook := "https://hooks.glow.test/orders"
	p := &Practice{Slug: "glow", Name: "Glow", WebhookURL: &hook}
	if err := svc.CreatePractice(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if p.Timezone != "UTC" {
		t.Errorf("expected UTC default, got %q", p.Timezone)
	}
	if !strings.HasPrefix(p.WebhookSecret, "whsec_") {
		t.Errorf("expected generated webhook secret, got %q", p.WebhookSecret)
	}
}

func TestService_CreatePractice_DuplicateSlug(t *testing.T) {
	svc := newTestService()
	if err := svc.CreatePractice(context.Background(), &Practice{Slug: "glow", Name: "Glow"}); err != nil {
		t.Fatal(err)
	}
	if err := svc.CreatePractice(context.Background(), &Practice{Slug: "glow", Name: "Other"}); err != ErrSlugTaken {
		t.Fatalf("expected ErrSlugTaken, got %v", err)
	}
}

func TestService_GetPractice_ByIDOrSlug(t *testing.T) {
	svc := newTestService()
	p := &Practice{Slug: "glow", Name: "Glow"}
	svc.CreatePractice(context.Background(), p)

	byID, err := svc.GetPractice(context.Background(), p.ID.String())
	if err != nil || byID.ID != p.ID {
		t.Fatalf("lookup by id failed: %v", err)
	}
	bySlug, err := svc.GetPractice(context.Background(), "glow")
	if err != nil || bySlug.ID != p.ID {
		t.Fatalf("lookup by slug failed: %v", err)
	}
}

func TestService_CurrentPractice(t *testing.T) {
	svc := newTestService()
	p := &Practice{Slug: "glow", Name: "Glow"}
	svc.CreatePractice(context.Background(), p)

	got, err := svc.CurrentPractice(practiceCtx(p.ID))
	if err != nil || got.ID != p.ID {
		t.Fatalf("expected current practice, got %v %v", got, err)
	}
	if _, err := svc.CurrentPractice(context.Background()); err == nil {
		t.Error("expected error without a scoped practice")
	}
}

func TestService_UpdatePractice_KeepsSlugAndSecret(t *testing.T) {
	svc := newTestService()
	hook := "https://hooks.glow.test/orders"
	p := &Practice{Slug: "glow", Name: "Glow", WebhookURL: &hook}
	svc.CreatePractice(context.Background(), p)
	secret := p.WebhookSecret

	upd := &Practice{ID: p.ID, Slug: "renamed", Name: "Glow Wellness", WebhookURL: &hook, TaxRateBps: 825}
	if err := svc.UpdatePractice(context.Background(), upd); err != nil {
		t.Fatal(err)
	}
	if upd.Slug != "glow" {
		t.Errorf("slug must not change, got %q", upd.Slug)
	}
	if upd.WebhookSecret != secret {
		t.Error("webhook secret must survive an update that omits it")
	}
}

// -- Provider / Patient Tests --

func TestService_CreateProvider_ScopedToPractice(t *testing.T) {
	svc := newTestService()
	practiceID := uuid.New()
	p := &Provider{Name: "Dr. Rivera", Email: " Rivera@Glow.test "}
	if err := svc.CreateProvider(practiceCtx(practiceID), p); err != nil {
		t.Fatal(err)
	}
	if p.PracticeID != practiceID || p.Email != "rivera@glow.test" || !p.Active {
		t.Errorf("unexpected provider %+v", p)
	}

	if err := svc.CreateProvider(context.Background(), &Provider{Name: "x"}); err == nil {
		t.Error("expected error without practice scope")
	}
	if err := svc.CreateProvider(practiceCtx(practiceID), &Provider{}); err == nil {
		t.Error("expected error for missing name")
	}
}

func TestService_CreatePatient_Validation(t *testing.T) {
	svc := newTestService()
	ctx := practiceCtx(uuid.New())
	future := time.Now().Add(48 * time.Hour)
	tests := []struct {
		name string
		p    Patient
	}{
		{"missing first", Patient{LastName: "Doe"}},
		{"missing last", Patient{FirstName: "Jane"}},
		{"bad email", Patient{FirstName: "Jane", LastName: "Doe", Email: "nope"}},
		{"future dob", Patient{FirstName: "Jane", LastName: "Doe", DateOfBirth: &future}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.p
			if err := svc.CreatePatient(ctx, &p); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestService_SearchPatients(t *testing.T) {
	svc := newTestService()
	ctx := practiceCtx(uuid.New())
	svc.CreatePatient(ctx, &Patient{FirstName: "Jane", LastName: "Doe"})
	svc.CreatePatient(ctx, &Patient{FirstName: "John", LastName: "Smith"})

	items, total, err := svc.SearchPatients(ctx, " doe ", 20, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || items[0].LastName != "Doe" {
		t.Errorf("expected Jane Doe, got %d results", total)
	}
}

func TestService_RecipientForUser(t *testing.T) {
	svc := newTestService()
	ctx := practiceCtx(uuid.New())

	patientUser, providerUser := uuid.New(), uuid.New()
	svc.CreatePatient(ctx, &Patient{UserID: &patientUser, FirstName: "Jane", LastName: "Doe",
		Email: "jane@example.com", Phone: "+15550100", PushTokens: []string{"tok"}})
	svc.CreateProvider(ctx, &Provider{UserID: &providerUser, Name: "Dr. Rivera", Email: "rivera@glow.test"})

	r, err := svc.RecipientForUser(ctx, patientUser)
	if err != nil {
		t.Fatal(err)
	}
	if r.Name != "Jane Doe" || r.Phone != "+15550100" || len(r.PushTokens) != 1 {
		t.Errorf("unexpected patient recipient %+v", r)
	}

	r, err = svc.RecipientForUser(ctx, providerUser)
	if err != nil || r.Email != "rivera@glow.test" {
		t.Errorf("unexpected provider recipient %+v %v", r, err)
	}

	if _, err := svc.RecipientForUser(ctx, uuid.New()); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
