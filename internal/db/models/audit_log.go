// Package models - audit_log.go defines the AuditLog model recording entitlement
// transitions and payment events.
package models

import "time"

// AuditLog represents one audit trail entry
type AuditLog struct {
	ID           string
	Action       string  // "api_key.created", "payment.webhook", ...
	ActorEmail   *string // Nullable for system actions
	ResourceType *string // "api_key", "payment", "user"
	ResourceID   *string
	Metadata     map[string]interface{} // JSONB: additional context
	IPAddress    *string
	CreatedAt    time.Time
}
