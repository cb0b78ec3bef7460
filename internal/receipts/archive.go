// Package receipts keeps every authenticated payment webhook body in object
// storage, one object per delivery. The payments table keeps only the latest
// body per order; the archive keeps the full history.
package receipts

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/usernamesearch/entitlements/internal/config"
	"github.com/usernamesearch/entitlements/internal/crypto"
	"github.com/usernamesearch/entitlements/internal/storage"
	"github.com/usernamesearch/entitlements/internal/telemetry"
)

const rootPrefix = "receipts/"

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Archive writes and reads receipts. A nil sealer stores bodies in the clear.
type Archive struct {
	store  storage.Storage
	sealer *crypto.Sealer
	now    func() time.Time
}

// NewArchive creates an Archive over store
func NewArchive(store storage.Storage, sealer *crypto.Sealer) *Archive {
	return &Archive{store: store, sealer: sealer, now: time.Now}
}

// FromConfig opens the archive on storage.default_backend, sealing bodies
// when storage.encryption_passphrase is set. The backend package must have
// been registered with a blank import.
func FromConfig(cfg *config.Config) (*Archive, error) {
	store, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, err
	}
	var sealer *crypto.Sealer
	if cfg.Storage.EncryptionPassphrase != "" {
		sealer, err = crypto.DeriveSealer(cfg.Storage.EncryptionPassphrase, []byte(cfg.Storage.EncryptionSalt))
		if err != nil {
			return nil, fmt.Errorf("failed to derive receipt key: %w", err)
		}
	}
	return NewArchive(store, sealer), nil
}

// Path returns receipts/<order>/<unix-nanos>-<status>.json with unsafe
// characters replaced.
func Path(orderID, status string, at time.Time) string {
	return fmt.Sprintf("%s%s/%d-%s.json", rootPrefix, sanitize(orderID), at.UnixNano(), sanitize(status))
}

func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	return unsafePathChars.ReplaceAllString(s, "_")
}

// Save archives one webhook body and returns its path
func (a *Archive) Save(ctx context.Context, orderID, status string, body []byte) (string, error) {
	data := body
	if a.sealer != nil {
		sealed, err := a.sealer.Seal(body)
		if err != nil {
			telemetry.ReceiptsArchivedTotal.WithLabelValues("error").Inc()
			return "", fmt.Errorf("failed to seal receipt: %w", err)
		}
		data = sealed
	}

	path := Path(orderID, status, a.now())
	if _, err := a.store.Put(ctx, path, data); err != nil {
		telemetry.ReceiptsArchivedTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("failed to archive receipt: %w", err)
	}
	telemetry.ReceiptsArchivedTotal.WithLabelValues("stored").Inc()
	return path, nil
}

// Open reads a receipt, unsealing it when needed
func (a *Archive) Open(ctx context.Context, path string) ([]byte, error) {
	data, err := a.store.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if !crypto.IsSealed(data) {
		return data, nil
	}
	if a.sealer == nil {
		return nil, fmt.Errorf("receipt %s is sealed and no encryption passphrase is configured", path)
	}
	return a.sealer.Open(data)
}

// ListOrder returns the receipt paths of one order, oldest first
func (a *Archive) ListOrder(ctx context.Context, orderID string) ([]string, error) {
	return a.store.List(ctx, rootPrefix+sanitize(orderID)+"/")
}
