// Package identity handles logins, refresh-token rotation, user accounts and
// admin impersonation.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vitaluxe/vitaluxe-flow/internal/domain/audit"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/auth"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidRefresh     = errors.New("invalid refresh token")
	ErrTokenReused        = errors.New("refresh token reused")
	ErrSessionExpired     = errors.New("session expired")
	ErrSelfImpersonation  = errors.New("cannot impersonate yourself")
	ErrImpersonateAdmin   = errors.New("cannot impersonate an admin")
	ErrForbidden          = errors.New("forbidden")
)

// dummyHash keeps unknown-email logins as slow as wrong-password ones.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

const (
	DefaultRefreshTTL       = 30 * 24 * time.Hour
	DefaultImpersonationTTL = 15 * time.Minute
)

// AuditRecorder stores audit events. Failures are the recorder's problem.
type AuditRecorder interface {
	Record(ctx context.Context, action, entityType, entityID string, detail map[string]any)
}

type Service struct {
	users    UserRepository
	sessions SessionRepository
	imps     ImpersonationRepository
	tokens   *auth.TokenIssuer
	audit    AuditRecorder

	refreshTTL time.Duration
	impTTL     time.Duration
	now        func() time.Time
}

type Option func(*Service)

func WithRefreshTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.refreshTTL = d
		}
	}
}

func WithImpersonationTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.impTTL = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(users UserRepository, sessions SessionRepository, imps ImpersonationRepository,
	tokens *auth.TokenIssuer, rec AuditRecorder, opts ...Option) *Service {
	s := &Service{
		users:      users,
		sessions:   sessions,
		imps:       imps,
		tokens:     tokens,
		audit:      rec,
		refreshTTL: DefaultRefreshTTL,
		impTTL:     DefaultImpersonationTTL,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func subject(u *User) auth.TokenSubject {
	return auth.TokenSubject{UserID: u.ID, Email: u.Email, Practice: u.Practice, Roles: u.Roles}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// -- Login / refresh --

func (s *Service) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	u, err := s.users.GetByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, ErrNotFound) {
		auth.CheckPassword(dummyHash, password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !auth.CheckPassword(u.PasswordHash, password) || !u.Active {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	if err := s.users.TouchLogin(ctx, u.ID, now); err != nil {
		return nil, fmt.Errorf("record login: %w", err)
	}
	u.LastLoginAt = &now

	pair, _, err := s.issuePair(ctx, u, uuid.New())
	if err != nil {
		return nil, err
	}
	s.audit.Record(auth.WithIdentity(ctx, auth.Identity{UserID: u.ID, Email: u.Email, Practice: u.Practice, Roles: u.Roles}),
		audit.ActionLogin, "user", u.ID.String(), nil)
	return pair, nil
}

func (s *Service) issuePair(ctx context.Context, u *User, sessionID uuid.UUID) (*TokenPair, *RefreshSession, error) {
	access, exp, err := s.tokens.IssueAccess(subject(u))
	if err != nil {
		return nil, nil, err
	}
	refresh, err := auth.NewRefreshToken()
	if err != nil {
		return nil, nil, err
	}
	sess := &RefreshSession{
		ID:        sessionID,
		UserID:    u.ID,
		TokenHash: auth.HashRefreshToken(refresh),
		ExpiresAt: s.now().Add(s.refreshTTL),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("store refresh session: %w", err)
	}
	return &TokenPair{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresAt:    exp,
		RefreshToken: refresh,
		User:         u,
	}, sess, nil
}

// Refresh rotates a refresh token. Presenting a token that was already
// rotated or revoked revokes every session of its user.
func (s *Service) Refresh(ctx context.Context, token string) (*TokenPair, error) {
	if token == "" {
		return nil, ErrInvalidRefresh
	}
	sess, err := s.sessions.GetByHash(ctx, auth.HashRefreshToken(token))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidRefresh
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	if sess.RevokedAt != nil {
		return nil, s.reuseDetected(ctx, sess.UserID, now)
	}
	if !now.Before(sess.ExpiresAt) {
		return nil, ErrSessionExpired
	}

	u, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if !u.Active {
		if _, err := s.sessions.RevokeAllForUser(ctx, u.ID, now); err != nil {
			return nil, err
		}
		return nil, ErrInvalidCredentials
	}

	next := uuid.New()
	ok, err := s.sessions.Replace(ctx, sess.ID, next, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race with another refresh of the same token.
		return nil, s.reuseDetected(ctx, sess.UserID, now)
	}
	pair, _, err := s.issuePair(ctx, u, next)
	return pair, err
}

func (s *Service) reuseDetected(ctx context.Context, userID uuid.UUID, now time.Time) error {
	if _, err := s.sessions.RevokeAllForUser(ctx, userID, now); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	return ErrTokenReused
}

// Logout revokes the session behind token. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	sess, err := s.sessions.GetByHash(ctx, auth.HashRefreshToken(token))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.sessions.Revoke(ctx, sess.ID, s.now())
}

// ValidateToken verifies an access token and, for impersonation tokens,
// that the session behind it is still open.
func (s *Service) ValidateToken(ctx context.Context, token string) (*auth.Claims, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil, err
	}
	if claims.IsImpersonated() {
		id, err := uuid.Parse(claims.ImpersonationSessionID)
		if err != nil {
			return nil, auth.ErrInvalidToken
		}
		if err := s.checkImpersonation(ctx, id); err != nil {
			return nil, err
		}
	}
	return claims, nil
}

func (s *Service) checkImpersonation(ctx context.Context, sessionID uuid.UUID) error {
	sess, err := s.imps.GetByID(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return ErrSessionExpired
	}
	if err != nil {
		return err
	}
	if !sess.ActiveAt(s.now(), s.impTTL) {
		return ErrSessionExpired
	}
	return nil
}

// -- Users --

func (s *Service) Me(ctx context.Context) (*User, error) {
	id := auth.UserIDFromContext(ctx)
	if id == uuid.Nil {
		return nil, ErrNotFound
	}
	return s.users.GetByID(ctx, id)
}

// CreateUser creates an account. Practice owners may only create non-admin
// users in their own practice.
func (s *Service) CreateUser(ctx context.Context, in CreateUserInput) (*User, error) {
	caller, _ := auth.IdentityFromContext(ctx)
	isAdmin := hasExactRole(caller.Roles, auth.RoleAdmin)

	email := normalizeEmail(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("valid email is required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("name is required")
	}
	if len(in.Roles) == 0 {
		return nil, fmt.Errorf("at least one role is required")
	}
	for _, r := range in.Roles {
		if !auth.ValidRole(r) {
			return nil, fmt.Errorf("invalid role: %s", r)
		}
		if r == auth.RoleAdmin && !isAdmin {
			return nil, ErrForbidden
		}
	}

	practice := strings.TrimSpace(in.Practice)
	if practice == "" {
		practice = caller.Practice
	}
	if !isAdmin && practice != caller.Practice {
		return nil, ErrForbidden
	}
	if practice == "" {
		return nil, fmt.Errorf("practice is required")
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	u := &User{
		Email:        email,
		PasswordHash: hash,
		Name:         strings.TrimSpace(in.Name),
		Roles:        in.Roles,
		Practice:     practice,
		Active:       true,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.ActionUserCreate, "user", u.ID.String(), map[string]any{
		"email": u.Email,
		"roles": u.Roles,
	})
	return u, nil
}

// ListUsers lists every user for admins and the caller's practice otherwise.
func (s *Service) ListUsers(ctx context.Context, limit, offset int) ([]*User, int, error) {
	caller, _ := auth.IdentityFromContext(ctx)
	practice := caller.Practice
	if hasExactRole(caller.Roles, auth.RoleAdmin) {
		practice = ""
	}
	return s.users.List(ctx, practice, limit, offset)
}

func hasExactRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

// -- Impersonation --

// StartImpersonation opens a session for adminID acting as targetID. Any
// session the admin still has open is ended first.
func (s *Service) StartImpersonation(ctx context.Context, adminID, targetID uuid.UUID, reason string) (*ImpersonationGrant, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("reason is required")
	}
	if adminID == targetID {
		return nil, ErrSelfImpersonation
	}
	admin, err := s.users.GetByID(ctx, adminID)
	if err != nil {
		return nil, err
	}
	if !hasExactRole(admin.Roles, auth.RoleAdmin) {
		return nil, ErrForbidden
	}
	target, err := s.users.GetByID(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if hasExactRole(target.Roles, auth.RoleAdmin) {
		return nil, ErrImpersonateAdmin
	}
	if !target.Active {
		return nil, fmt.Errorf("target user is inactive")
	}

	now := s.now()
	prev, err := s.imps.ActiveForAdmin(ctx, adminID, now.Add(-s.impTTL))
	switch {
	case err == nil:
		if err := s.imps.End(ctx, prev.ID, now); err != nil {
			return nil, err
		}
		s.audit.Record(ctx, audit.ActionImpersonationEnd, "impersonation_session", prev.ID.String(),
			map[string]any{"target_user_id": prev.TargetUserID.String(), "ended_by": "superseded"})
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	sess := &ImpersonationSession{
		ID:           uuid.New(),
		AdminID:      adminID,
		TargetUserID: targetID,
		Reason:       reason,
		StartedAt:    now,
	}
	if err := s.imps.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("store impersonation session: %w", err)
	}
	token, exp, err := s.tokens.IssueImpersonation(subject(target), adminID, sess.ID, s.impTTL)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.ActionImpersonationStart, "impersonation_session", sess.ID.String(),
		map[string]any{"target_user_id": targetID.String(), "reason": reason})
	return &ImpersonationGrant{Session: sess, AccessToken: token, ExpiresAt: exp}, nil
}

// EndImpersonation closes a session owned by adminID. Ending an already
// closed session succeeds.
func (s *Service) EndImpersonation(ctx context.Context, sessionID, adminID uuid.UUID) (*ImpersonationSession, error) {
	sess, err := s.imps.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.AdminID != adminID {
		return nil, ErrNotFound
	}
	if sess.EndedAt != nil {
		return sess, nil
	}
	now := s.now()
	if err := s.imps.End(ctx, sess.ID, now); err != nil {
		return nil, err
	}
	sess.EndedAt = &now
	s.audit.Record(ctx, audit.ActionImpersonationEnd, "impersonation_session", sess.ID.String(),
		map[string]any{"target_user_id": sess.TargetUserID.String(), "ended_by": "admin"})
	return sess, nil
}

// ActiveImpersonation returns the admin's open, unexpired session.
func (s *Service) ActiveImpersonation(ctx context.Context, adminID uuid.UUID) (*ImpersonationSession, error) {
	return s.imps.ActiveForAdmin(ctx, adminID, s.now().Add(-s.impTTL))
}

// ExpireStale closes sessions older than the impersonation TTL.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	ended, err := s.imps.EndStartedBefore(ctx, now.Add(-s.impTTL), now)
	if err != nil {
		return 0, err
	}
	for _, sess := range ended {
		s.audit.Record(ctx, audit.ActionImpersonationEnd, "impersonation_session", sess.ID.String(),
			map[string]any{
				"admin_id":       sess.AdminID.String(),
				"target_user_id": sess.TargetUserID.String(),
				"ended_by":       "expiry",
			})
	}
	return len(ended), nil
}
