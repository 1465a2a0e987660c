package waypoint

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestLocalAnalytics_MissingBundleIsNotAnError(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "waypoint.db"))
	if err != nil {
		t.Fatalf("NewStore() returned error: %v", err)
	}
	defer s.Close()

	c := &Client{store: s, log: zerolog.Nop()}
	a, err := c.localAnalytics("me")
	if err != nil || a != nil {
		t.Errorf("localAnalytics() = %q, %v; want nil, nil", a, err)
	}
}

func TestLocalAnalytics_ReadFailureSurfaces(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "waypoint.db"))
	if err != nil {
		t.Fatalf("NewStore() returned error: %v", err)
	}
	c := &Client{store: s, log: zerolog.Nop()}
	s.Close()

	_, err = c.localAnalytics("me")
	var lse *LocalStoreError
	if !errors.As(err, &lse) {
		t.Fatalf("localAnalytics() error = %v, want *LocalStoreError", err)
	}
	if lse.Kind != kindAnalytics || lse.EntityID != "me" {
		t.Errorf("LocalStoreError = %+v", lse)
	}
	if !errors.Is(err, ErrStoreClosed) {
		t.Errorf("localAnalytics() error = %v, want wrapped ErrStoreClosed", err)
	}
}
