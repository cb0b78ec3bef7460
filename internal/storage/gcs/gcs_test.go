package gcs

import (
	"testing"

	appconfig "github.com/usernamesearch/entitlements/internal/config"
)

// ---------------------------------------------------------------------------
// New(): constructor validation (no GCS connection required)
// ---------------------------------------------------------------------------

func TestNew_MissingBucket(t *testing.T) {
	if _, err := New(&appconfig.GCSStorageConfig{}); err == nil {
		t.Error("New() = nil error, want error for missing bucket")
	}
}

func TestNew_EmulatorEndpoint(t *testing.T) {
	s, err := New(&appconfig.GCSStorageConfig{
		Bucket:   "receipts",
		Endpoint: "http://127.0.0.1:4443/storage/v1/",
	})
	if err != nil {
		t.Fatalf("New() with emulator endpoint error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

func TestNew_CredentialsFileMissing(t *testing.T) {
	// Client creation may fail on the missing file or defer the error to the
	// first request; either way it must not panic.
	_, _ = New(&appconfig.GCSStorageConfig{
		Bucket:          "receipts",
		CredentialsFile: "/nonexistent/credentials.json",
	})
}
