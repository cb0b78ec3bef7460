// Package ledgertest provides an in-memory ledger.KeyStore for tests of the
// ledger and of the packages built on it.
package ledgertest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/usernamesearch/entitlements/internal/db/models"
	"github.com/usernamesearch/entitlements/internal/db/repositories"
)

// MemStore is a KeyStore whose ConsumeCredit has the same atomicity as the
// conditional UPDATE in PostgreSQL, and whose Create enforces the same unique
// constraints.
type MemStore struct {
	mu   sync.Mutex
	keys map[string]*models.APIKey

	// CreateErrs are returned by successive Create calls before any succeeds.
	CreateErrs []error
	// GetErr, when set, fails every lookup.
	GetErr error
	// ConsumeErr, when set, fails every ConsumeCredit.
	ConsumeErr error
}

// NewMemStore returns an empty store
func NewMemStore() *MemStore {
	return &MemStore{keys: make(map[string]*models.APIKey)}
}

// Key returns a copy of the stored key, or nil.
func (m *MemStore) Key(key string) *models.APIKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[key]
	if !ok {
		return nil
	}
	cp := *k
	return &cp
}

// SetStatus overwrites the status of a stored key.
func (m *MemStore) SetStatus(key, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[key]; ok {
		k.Status = status
	}
}

// Len returns the number of stored keys.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

func (m *MemStore) Create(_ context.Context, k *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.CreateErrs) > 0 {
		err := m.CreateErrs[0]
		m.CreateErrs = m.CreateErrs[1:]
		return err
	}
	if _, exists := m.keys[k.Key]; exists {
		return &pq.Error{Code: "23505", Constraint: repositories.ConstraintAPIKeysPkey}
	}
	if k.PaymentID != nil {
		for _, existing := range m.keys {
			if existing.PaymentID != nil && *existing.PaymentID == *k.PaymentID {
				return &pq.Error{Code: "23505", Constraint: repositories.ConstraintAPIKeysPaymentID}
			}
		}
	}
	now := time.Now()
	k.Status = models.APIKeyStatusActive
	k.UsedCredits = 0
	k.CreatedAt = now
	k.UpdatedAt = now
	cp := *k
	m.keys[k.Key] = &cp
	return nil
}

func (m *MemStore) GetByKey(_ context.Context, key string) (*models.APIKey, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	return m.Key(key), nil
}

func (m *MemStore) GetByPaymentID(_ context.Context, paymentID string) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	for _, k := range m.keys {
		if k.PaymentID != nil && *k.PaymentID == paymentID {
			cp := *k
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemStore) ListByOwner(_ context.Context, email string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.OwnerEmail == email {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) ConsumeCredit(_ context.Context, key string) (int64, int64, string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConsumeErr != nil {
		return 0, 0, "", false, m.ConsumeErr
	}
	k, ok := m.keys[key]
	if !ok || k.Status != models.APIKeyStatusActive || k.UsedCredits >= k.Credits {
		return 0, 0, "", false, nil
	}
	k.UsedCredits++
	if k.UsedCredits >= k.Credits {
		k.Status = models.APIKeyStatusExpired
	}
	k.UpdatedAt = time.Now()
	return k.Credits, k.UsedCredits, k.Status, true, nil
}

func (m *MemStore) UpdateStatus(_ context.Context, key, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[key]
	if !ok || k.Status != from {
		return false, nil
	}
	k.Status = to
	return true, nil
}
