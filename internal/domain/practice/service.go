// Package practice manages tenants and the providers and patients that
// belong to them.
package practice

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vitaluxe/vitaluxe-flow/internal/platform/db"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/notification"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/webhook"
)

// MaxTaxRateBps is 100%.
const MaxTaxRateBps = 10000

type Service struct {
	practices PracticeRepository
	providers ProviderRepository
	patients  PatientRepository
}

func NewService(practices PracticeRepository, providers ProviderRepository, patients PatientRepository) *Service {
	return &Service{practices: practices, providers: providers, patients: patients}
}

// -- Practice --

func (s *Service) validatePractice(p *Practice) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return fmt.Errorf("unknown timezone %q", p.Timezone)
	}
	if p.TaxRateBps < 0 || p.TaxRateBps > MaxTaxRateBps {
		return fmt.Errorf("tax_rate_bps must be between 0 and %d", MaxTaxRateBps)
	}
	if p.WebhookURL != nil && *p.WebhookURL == "" {
		p.WebhookURL = nil
	}
	if p.WebhookURL != nil {
		if err := webhook.ValidateURL(*p.WebhookURL); err != nil {
			return fmt.Errorf("webhook_url: %w", err)
		}
		if p.WebhookSecret == "" {
			secret, err := newWebhookSecret()
			if err != nil {
				return err
			}
			p.WebhookSecret = secret
		}
	}
	return nil
}

func (s *Service) CreatePractice(ctx context.Context, p *Practice) error {
	p.Slug = strings.ToLower(strings.TrimSpace(p.Slug))
	if p.Slug == "" {
		return fmt.Errorf("slug is required")
	}
	if !db.ValidPracticeSlug(p.Slug) {
		return fmt.Errorf("slug must match [a-z0-9_-]{1,63}")
	}
	if err := s.validatePractice(p); err != nil {
		return err
	}
	p.Active = true
	return s.practices.Create(ctx, p)
}

// GetPractice accepts either the practice id or its slug.
func (s *Service) GetPractice(ctx context.Context, idOrSlug string) (*Practice, error) {
	if id, err := uuid.Parse(idOrSlug); err == nil {
		return s.practices.GetByID(ctx, id)
	}
	return s.practices.GetBySlug(ctx, idOrSlug)
}

// CurrentPractice returns the practice the request is scoped to.
func (s *Service) CurrentPractice(ctx context.Context) (*Practice, error) {
	p, err := db.RequirePractice(ctx)
	if err != nil {
		return nil, err
	}
	return s.practices.GetByID(ctx, p.ID)
}

func (s *Service) UpdatePractice(ctx context.Context, p *Practice) error {
	existing, err := s.practices.GetByID(ctx, p.ID)
	if err != nil {
		return err
	}
	p.Slug = existing.Slug
	if p.WebhookSecret == "" {
		p.WebhookSecret = existing.WebhookSecret
	}
	if err := s.validatePractice(p); err != nil {
		return err
	}
	return s.practices.Update(ctx, p)
}

func (s *Service) ListPractices(ctx context.Context, limit, offset int) ([]*Practice, int, error) {
	return s.practices.List(ctx, limit, offset)
}

func newWebhookSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(b), nil
}

// -- Provider --

func (s *Service) CreateProvider(ctx context.Context, p *Provider) error {
	pr, err := db.RequirePractice(ctx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	p.PracticeID = pr.ID
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	p.Active = true
	return s.providers.Create(ctx, p)
}

func (s *Service) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	return s.providers.GetByID(ctx, id)
}

func (s *Service) GetProviderByUser(ctx context.Context, userID uuid.UUID) (*Provider, error) {
	return s.providers.GetByUserID(ctx, userID)
}

func (s *Service) UpdateProvider(ctx context.Context, p *Provider) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	return s.providers.Update(ctx, p)
}

func (s *Service) DeleteProvider(ctx context.Context, id uuid.UUID) error {
	return s.providers.Delete(ctx, id)
}

func (s *Service) ListProviders(ctx context.Context, activeOnly bool, limit, offset int) ([]*Provider, int, error) {
	return s.providers.List(ctx, activeOnly, limit, offset)
}

// -- Patient --

func (s *Service) validatePatient(p *Patient) error {
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	if p.FirstName == "" {
		return fmt.Errorf("first_name is required")
	}
	if p.LastName == "" {
		return fmt.Errorf("last_name is required")
	}
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	if p.Email != "" && !strings.Contains(p.Email, "@") {
		return fmt.Errorf("invalid email")
	}
	if p.DateOfBirth != nil && p.DateOfBirth.After(time.Now()) {
		return fmt.Errorf("date_of_birth must be in the past")
	}
	return nil
}

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	pr, err := db.RequirePractice(ctx)
	if err != nil {
		return err
	}
	if err := s.validatePatient(p); err != nil {
		return err
	}
	p.PracticeID = pr.ID
	return s.patients.Create(ctx, p)
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

func (s *Service) GetPatientByUser(ctx context.Context, userID uuid.UUID) (*Patient, error) {
	return s.patients.GetByUserID(ctx, userID)
}

func (s *Service) UpdatePatient(ctx context.Context, p *Patient) error {
	if err := s.validatePatient(p); err != nil {
		return err
	}
	return s.patients.Update(ctx, p)
}

func (s *Service) DeletePatient(ctx context.Context, id uuid.UUID) error {
	return s.patients.Delete(ctx, id)
}

func (s *Service) SearchPatients(ctx context.Context, query string, limit, offset int) ([]*Patient, int, error) {
	return s.patients.Search(ctx, strings.TrimSpace(query), limit, offset)
}

// PatientRecipient is where notifications for p are delivered.
func PatientRecipient(p *Patient) notification.Recipient {
	return notification.Recipient{
		Name:       p.FullName(),
		Email:      p.Email,
		Phone:      p.Phone,
		PushTokens: p.PushTokens,
	}
}

// RecipientForUser resolves a login to its contact details, looking at the
// patient record first and the provider record second.
func (s *Service) RecipientForUser(ctx context.Context, userID uuid.UUID) (notification.Recipient, error) {
	if p, err := s.patients.GetByUserID(ctx, userID); err == nil {
		return PatientRecipient(p), nil
	}
	if p, err := s.providers.GetByUserID(ctx, userID); err == nil {
		return notification.Recipient{Name: p.Name, Email: p.Email}, nil
	}
	return notification.Recipient{}, ErrNotFound
}
