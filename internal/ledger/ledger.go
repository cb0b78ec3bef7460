// Package ledger is the entitlement ledger: it issues prepaid API keys,
// validates them and spends their credits. All spend goes through a single
// conditional update in the store, so concurrent callers can never push
// used_credits past credits.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/usernamesearch/entitlements/internal/audit"
	"github.com/usernamesearch/entitlements/internal/auth"
	"github.com/usernamesearch/entitlements/internal/db/models"
	"github.com/usernamesearch/entitlements/internal/db/repositories"
	"github.com/usernamesearch/entitlements/internal/telemetry"
)

const createAttempts = 3

// KeyStore is the persistence contract of the ledger. ConsumeCredit must be a
// single atomic conditional decrement.
type KeyStore interface {
	Create(ctx context.Context, apiKey *models.APIKey) error
	GetByKey(ctx context.Context, key string) (*models.APIKey, error)
	GetByPaymentID(ctx context.Context, paymentID string) (*models.APIKey, error)
	ListByOwner(ctx context.Context, email string) ([]*models.APIKey, error)
	ConsumeCredit(ctx context.Context, key string) (credits, used int64, status string, ok bool, err error)
	UpdateStatus(ctx context.Context, key, from, to string) (bool, error)
}

// Stats is the read-only view of a key returned to its holder.
type Stats struct {
	OwnerEmail string    `json:"email"`
	Total      int64     `json:"total_credits"`
	Used       int64     `json:"used_credits"`
	Remaining  int64     `json:"remaining_credits"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Ledger issues and meters API keys.
type Ledger struct {
	store    KeyStore
	prefix   string
	recorder *audit.Recorder
	generate func(prefix string) (string, error)
}

// New creates a Ledger. recorder may be nil.
func New(store KeyStore, prefix string, recorder *audit.Recorder) *Ledger {
	if prefix == "" {
		prefix = auth.DefaultAPIKeyPrefix
	}
	return &Ledger{
		store:    store,
		prefix:   prefix,
		recorder: recorder,
		generate: auth.GenerateAPIKey,
	}
}

// CreateAPIKey issues a fresh key worth credits. A key collision is retried
// with a new credential; a second key for the same paymentID is ErrConflict.
func (l *Ledger) CreateAPIKey(ctx context.Context, email string, credits int64, paymentID *string) (*models.APIKey, error) {
	if credits <= 0 {
		return nil, fmt.Errorf("credits must be positive, got %d", credits)
	}
	email = models.NormalizeEmail(email)

	for attempt := 1; attempt <= createAttempts; attempt++ {
		key, err := l.generate(l.prefix)
		if err != nil {
			return nil, err
		}

		apiKey := &models.APIKey{
			Key:        key,
			OwnerEmail: email,
			Credits:    credits,
			PaymentID:  paymentID,
		}
		err = l.store.Create(ctx, apiKey)
		switch {
		case err == nil:
			telemetry.APIKeysIssuedTotal.Inc()
			l.recorder.Record(ctx, audit.Event{
				Action:       audit.ActionAPIKeyCreated,
				ActorEmail:   email,
				ResourceType: "api_key",
				ResourceID:   models.DisplayPrefix(key),
				Metadata:     map[string]interface{}{"credits": credits, "payment_id": paymentID},
			})
			return apiKey, nil
		case repositories.IsUniqueViolation(err, repositories.ConstraintAPIKeysPaymentID):
			return nil, ErrConflict
		case repositories.IsUniqueViolation(err, repositories.ConstraintAPIKeysPkey):
			slog.Warn("api key collision, regenerating", "attempt", attempt)
			continue
		default:
			return nil, fmt.Errorf("failed to create api key: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to create api key: %d consecutive key collisions", createAttempts)
}

// ValidateAPIKey returns the key record when it may authorize spend. It fails
// closed: every non-usable state is an error.
func (l *Ledger) ValidateAPIKey(ctx context.Context, key string) (*models.APIKey, error) {
	apiKey, err := l.validate(ctx, key)
	telemetry.APIKeyValidationsTotal.WithLabelValues(validationResult(err)).Inc()
	return apiKey, err
}

func (l *Ledger) validate(ctx context.Context, key string) (*models.APIKey, error) {
	if !auth.ValidateKeyFormat(l.prefix, key) {
		return nil, ErrInvalidFormat
	}

	apiKey, err := l.store.GetByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	if apiKey == nil {
		return nil, ErrNotFound
	}

	switch {
	case apiKey.Status == models.APIKeyStatusExpired:
		return nil, ErrExhausted
	case apiKey.Status != models.APIKeyStatusActive:
		return nil, fmt.Errorf("%w: status %s", ErrSuspended, apiKey.Status)
	case apiKey.UsedCredits >= apiKey.Credits:
		return nil, ErrExhausted
	}
	return apiKey, nil
}

// RecordUsage spends one credit and returns the credits left afterwards. When
// nothing was spent the key is re-read to report why.
func (l *Ledger) RecordUsage(ctx context.Context, key string) (int64, error) {
	if !auth.ValidateKeyFormat(l.prefix, key) {
		telemetry.APIKeyValidationsTotal.WithLabelValues(validationResult(ErrInvalidFormat)).Inc()
		return 0, ErrInvalidFormat
	}

	credits, used, status, ok, err := l.store.ConsumeCredit(ctx, key)
	if err != nil {
		telemetry.APIKeyValidationsTotal.WithLabelValues(validationResult(err)).Inc()
		return 0, fmt.Errorf("failed to record usage: %w", err)
	}

	if !ok {
		_, verr := l.ValidateAPIKey(ctx, key)
		if verr == nil {
			// The key is usable yet the conditional update matched nothing.
			// Only a concurrent writer can cause this; report it as transient.
			return 0, fmt.Errorf("usage not recorded for key %s", models.DisplayPrefix(key))
		}
		return 0, verr
	}

	telemetry.APIKeyValidationsTotal.WithLabelValues("valid").Inc()
	telemetry.CreditsConsumedTotal.Inc()
	if status == models.APIKeyStatusExpired {
		telemetry.APIKeyTransitionsTotal.WithLabelValues(models.APIKeyStatusExpired).Inc()
		l.recorder.Record(ctx, audit.Event{
			Action:       audit.ActionAPIKeyExhausted,
			ResourceType: "api_key",
			ResourceID:   models.DisplayPrefix(key),
			Metadata:     map[string]interface{}{"credits": credits},
		})
	}
	return credits - used, nil
}

// GetAPIKeyStats returns the balance of a key in any status.
func (l *Ledger) GetAPIKeyStats(ctx context.Context, key string) (*Stats, error) {
	if !auth.ValidateKeyFormat(l.prefix, key) {
		return nil, ErrNotFound
	}
	apiKey, err := l.store.GetByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	if apiKey == nil {
		return nil, ErrNotFound
	}
	return statsOf(apiKey), nil
}

// ListKeys returns the stats of every key owned by email, newest first.
func (l *Ledger) ListKeys(ctx context.Context, email string) ([]*Stats, error) {
	keys, err := l.store.ListByOwner(ctx, models.NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	out := make([]*Stats, 0, len(keys))
	for _, k := range keys {
		out = append(out, statsOf(k))
	}
	return out, nil
}

// SuspendAPIKey moves an active key to suspended. Suspending a suspended key
// is a no-op; an expired key cannot be suspended.
func (l *Ledger) SuspendAPIKey(ctx context.Context, key, actor string) error {
	changed, err := l.store.UpdateStatus(ctx, key, models.APIKeyStatusActive, models.APIKeyStatusSuspended)
	if err != nil {
		return fmt.Errorf("failed to suspend api key: %w", err)
	}
	if !changed {
		apiKey, err := l.store.GetByKey(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to look up api key: %w", err)
		}
		if apiKey == nil {
			return ErrNotFound
		}
		if apiKey.Status == models.APIKeyStatusSuspended {
			return nil
		}
		return fmt.Errorf("%w: key is %s", ErrInvalidTransition, apiKey.Status)
	}

	telemetry.APIKeyTransitionsTotal.WithLabelValues(models.APIKeyStatusSuspended).Inc()
	l.recorder.Record(ctx, audit.Event{
		Action:       audit.ActionAPIKeySuspended,
		ActorEmail:   actor,
		ResourceType: "api_key",
		ResourceID:   models.DisplayPrefix(key),
	})
	return nil
}

// GrantForPayment issues the key funded by orderID, or returns the key that
// already references it with created=false. Losing a concurrent race for the
// same order yields ErrConflict.
func (l *Ledger) GrantForPayment(ctx context.Context, email string, credits int64, orderID string) (apiKey *models.APIKey, created bool, err error) {
	existing, err := l.store.GetByPaymentID(ctx, orderID)
	if err != nil {
		telemetry.EntitlementGrantsTotal.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("failed to look up grant: %w", err)
	}
	if existing != nil {
		telemetry.EntitlementGrantsTotal.WithLabelValues("already_granted").Inc()
		return existing, false, nil
	}

	apiKey, err = l.CreateAPIKey(ctx, email, credits, &orderID)
	switch {
	case errors.Is(err, ErrConflict):
		telemetry.EntitlementGrantsTotal.WithLabelValues("conflict").Inc()
		return nil, false, err
	case err != nil:
		telemetry.EntitlementGrantsTotal.WithLabelValues("error").Inc()
		return nil, false, err
	}
	telemetry.EntitlementGrantsTotal.WithLabelValues("created").Inc()
	return apiKey, true, nil
}

func statsOf(k *models.APIKey) *Stats {
	return &Stats{
		OwnerEmail: k.OwnerEmail,
		Total:      k.Credits,
		Used:       k.UsedCredits,
		Remaining:  k.Remaining(),
		Status:     k.Status,
		CreatedAt:  k.CreatedAt,
	}
}

func validationResult(err error) string {
	switch {
	case err == nil:
		return "valid"
	case errors.Is(err, ErrInvalidFormat):
		return "invalid_format"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrSuspended):
		return "suspended"
	case errors.Is(err, ErrExhausted):
		return "exhausted"
	default:
		return "error"
	}
}
