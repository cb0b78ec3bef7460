package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/usernamesearch/entitlements/internal/db/models"
	"github.com/usernamesearch/entitlements/internal/safego"
)

// Actions recorded by the service.
const (
	ActionAPIKeyCreated   = "api_key.created"
	ActionAPIKeyExhausted = "api_key.exhausted"
	ActionAPIKeySuspended = "api_key.suspended"
	ActionOrderCreated    = "payment.order_created"
	ActionWebhookReceived = "payment.webhook"
	ActionPlanChanged     = "user.plan_changed"
)

// Event is one auditable fact.
type Event struct {
	Action       string
	ActorEmail   string
	ResourceType string
	ResourceID   string
	IPAddress    string
	Metadata     map[string]interface{}
}

// Store persists audit rows.
type Store interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// Recorder writes events to the store and forwards them to shippers. Failures
// are logged and never returned: auditing must not block the operation being
// audited. A nil *Recorder records nothing.
type Recorder struct {
	store   Store
	shipper Shipper
}

// NewRecorder creates a Recorder. shipper may be nil.
func NewRecorder(store Store, shipper Shipper) *Recorder {
	return &Recorder{store: store, shipper: shipper}
}

// Record persists e and ships it asynchronously.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}

	if r.store != nil {
		row := &models.AuditLog{
			Action:       e.Action,
			ActorEmail:   nonEmpty(e.ActorEmail),
			ResourceType: nonEmpty(e.ResourceType),
			ResourceID:   nonEmpty(e.ResourceID),
			IPAddress:    nonEmpty(e.IPAddress),
			Metadata:     e.Metadata,
		}
		if err := r.store.CreateAuditLog(ctx, row); err != nil {
			slog.Error("failed to write audit log", "action", e.Action, "error", err)
		}
	}

	if r.shipper == nil {
		return
	}
	entry := &LogEntry{
		Timestamp:    time.Now().UTC(),
		Action:       e.Action,
		ActorEmail:   e.ActorEmail,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		IPAddress:    e.IPAddress,
		Metadata:     e.Metadata,
	}
	shipCtx := context.WithoutCancel(ctx)
	safego.Go("audit-ship", func() {
		ctx, cancel := context.WithTimeout(shipCtx, 15*time.Second)
		defer cancel()
		_ = r.shipper.Ship(ctx, entry)
	})
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
