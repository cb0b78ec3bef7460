// Package models defines the database model types of the entitlement service.
// Each type corresponds to a table; query logic lives in the repositories layer
// and business rules in the ledger, payments, identity and quota packages.
package models

import "time"

// API key statuses. active -> expired happens automatically when the last
// credit is spent; active -> suspended is administrative. Nothing returns a key
// to active.
const (
	APIKeyStatusActive    = "active"
	APIKeyStatusExpired   = "expired"
	APIKeyStatusSuspended = "suspended"
)

// APIKey is a prepaid credit balance addressed by an opaque key.
type APIKey struct {
	Key                 string
	OwnerEmail          string
	Credits             int64
	UsedCredits         int64
	Status              string
	PaymentID           *string // Order that funded this key
	LowCreditNotifiedAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Remaining returns the unspent credits, never negative.
func (k *APIKey) Remaining() int64 {
	if k.UsedCredits >= k.Credits {
		return 0
	}
	return k.Credits - k.UsedCredits
}

// Usable reports whether the key may authorize one more unit of spend.
func (k *APIKey) Usable() bool {
	return k.Status == APIKeyStatusActive && k.UsedCredits < k.Credits
}

// DisplayPrefix is the loggable part of a key.
func DisplayPrefix(key string) string {
	if len(key) <= 9 {
		return key
	}
	return key[:9]
}
