// Package models - user.go defines the User model and the subscription plans
// a user can hold.
package models

import (
	"strings"
	"time"
)

// Subscription plans
const (
	PlanFree       = "free"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// User is one signed-in identity. ID is "<provider>:<providerAccountId>".
type User struct {
	ID          string
	Email       string
	Name        *string
	AvatarURL   *string
	Plan        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastLoginAt *time.Time
}

// IsPaidPlan reports whether plan lifts the free-tier daily quota.
func IsPaidPlan(plan string) bool {
	return plan == PlanPro || plan == PlanEnterprise
}

// IsValidPlan reports whether plan is one of the known subscription plans.
func IsValidPlan(plan string) bool {
	return plan == PlanFree || IsPaidPlan(plan)
}

// NormalizeEmail returns the form emails are stored and matched in. Payments,
// API key owners and users are joined on it.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
