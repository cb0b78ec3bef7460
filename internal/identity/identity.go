// Package identity turns a verified sign-in into a session and keeps the plan
// carried by that session fresh.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/usernamesearch/entitlements/internal/audit"
	"github.com/usernamesearch/entitlements/internal/auth"
	"github.com/usernamesearch/entitlements/internal/config"
	"github.com/usernamesearch/entitlements/internal/db/models"
	"github.com/usernamesearch/entitlements/internal/telemetry"
)

// DefaultPlanRefreshInterval applies when session.plan_refresh_interval is unset.
const DefaultPlanRefreshInterval = 10 * time.Minute

// ErrInvalidIdentity is returned for a sign-in without provider, account or email.
var ErrInvalidIdentity = errors.New("identity: provider, account id and email are required")

// UserStore is the user persistence used by the session layer.
type UserStore interface {
	UpsertUser(ctx context.Context, user *models.User) (*models.User, error)
	GetPlan(ctx context.Context, userID string) (string, error)
	SetPlan(ctx context.Context, userID, plan string) error
}

// PaymentHistory answers whether an email ever paid.
type PaymentHistory interface {
	HasFulfilledPayment(ctx context.Context, email string) (bool, error)
}

// Identity is what an identity provider vouches for.
type Identity struct {
	Provider  string
	AccountID string
	Email     string
	Name      string
	AvatarURL string
}

// UserID returns the stable "<provider>:<accountId>" id.
func (i Identity) UserID() string {
	return i.Provider + ":" + i.AccountID
}

// Session is an issued session token and what it asserts.
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Plan      string    `json:"plan"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service issues and refreshes sessions.
type Service struct {
	users           UserStore
	payments        PaymentHistory
	recorder        *audit.Recorder
	ttl             time.Duration
	refreshInterval time.Duration
	now             func() time.Time
}

// NewService creates the session service.
func NewService(cfg config.SessionConfig, users UserStore, payments PaymentHistory, recorder *audit.Recorder) *Service {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	interval := cfg.PlanRefreshInterval
	if interval <= 0 {
		interval = DefaultPlanRefreshInterval
	}
	return &Service{
		users:           users,
		payments:        payments,
		recorder:        recorder,
		ttl:             ttl,
		refreshInterval: interval,
		now:             time.Now,
	}
}

// OnSignIn records the sign-in and issues a session. A user on the free plan
// with a paid order on file is promoted to pro. When the store is unreachable
// the session is still issued, on the free plan.
func (s *Service) OnSignIn(ctx context.Context, id Identity) (*Session, error) {
	id.Email = models.NormalizeEmail(id.Email)
	if id.Provider == "" || id.AccountID == "" || id.Email == "" {
		return nil, ErrInvalidIdentity
	}

	userID, plan := s.resolvePlan(ctx, id)

	now := s.now()
	token, err := auth.GenerateJWT(userID, id.Email, plan, now, s.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to sign session: %w", err)
	}
	return &Session{
		Token:     token,
		UserID:    userID,
		Email:     id.Email,
		Name:      id.Name,
		Plan:      plan,
		ExpiresAt: now.Add(s.ttl),
	}, nil
}

// resolvePlan records the sign-in and returns the account id and plan the
// session should carry. The account differs from id.UserID() when another
// identity already signed in with the same email.
func (s *Service) resolvePlan(ctx context.Context, id Identity) (string, string) {
	user := &models.User{ID: id.UserID(), Email: id.Email}
	if id.Name != "" {
		user.Name = &id.Name
	}
	if id.AvatarURL != "" {
		user.AvatarURL = &id.AvatarURL
	}

	stored, err := s.users.UpsertUser(ctx, user)
	if err != nil {
		slog.Error("failed to record sign-in, issuing free session", "user_id", user.ID, "error", err)
		return user.ID, models.PlanFree
	}
	userID := stored.ID
	if userID != user.ID {
		slog.Info("sign-in linked to existing account by email", "identity", user.ID, "user_id", userID)
	}

	plan := stored.Plan
	if !models.IsValidPlan(plan) {
		plan = models.PlanFree
	}
	if plan != models.PlanFree {
		return userID, plan
	}

	paid, err := s.payments.HasFulfilledPayment(ctx, id.Email)
	if err != nil {
		slog.Warn("failed to check payment history", "user_id", userID, "error", err)
		return userID, plan
	}
	if !paid {
		return userID, plan
	}
	if err := s.users.SetPlan(ctx, userID, models.PlanPro); err != nil {
		slog.Error("failed to promote paying user", "user_id", userID, "error", err)
		return userID, plan
	}

	telemetry.PlanSelfHealsTotal.Inc()
	slog.Info("promoted user to pro from payment history", "user_id", userID)
	s.recorder.Record(ctx, audit.Event{
		Action:       audit.ActionPlanChanged,
		ActorEmail:   id.Email,
		ResourceType: "user",
		ResourceID:   userID,
		Metadata:     map[string]interface{}{"plan": models.PlanPro, "reason": "sign_in"},
	})
	return userID, models.PlanPro
}

// RefreshPlan re-reads the plan once the session's copy is older than the
// refresh interval and re-signs the token. It returns refreshed=false, with
// the claims untouched, when the copy is still fresh or the store failed.
func (s *Service) RefreshPlan(ctx context.Context, claims *auth.Claims) (string, bool, error) {
	now := s.now()
	if now.Sub(claims.PlanRefreshedTime()) < s.refreshInterval {
		return "", false, nil
	}

	plan, err := s.users.GetPlan(ctx, claims.UserID)
	if err != nil {
		telemetry.PlanRefreshesTotal.WithLabelValues("error").Inc()
		slog.Warn("plan refresh failed, keeping session plan", "user_id", claims.UserID, "error", err)
		return "", false, nil
	}
	if plan == "" {
		// The user row is gone; keep what the session says until it expires.
		plan = claims.Plan
	}

	token, err := auth.RefreshJWT(claims, plan, now)
	if err != nil {
		telemetry.PlanRefreshesTotal.WithLabelValues("error").Inc()
		return "", false, fmt.Errorf("failed to re-sign session: %w", err)
	}
	outcome := "unchanged"
	if plan != claims.Plan {
		outcome = "changed"
	}
	telemetry.PlanRefreshesTotal.WithLabelValues(outcome).Inc()

	claims.Plan = plan
	claims.PlanRefreshedAt = now.Unix()
	return token, true, nil
}
