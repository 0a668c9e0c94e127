package testutil

import (
	"testing"

	"github.com/nhle/leadmail/internal/ledger"
)

// NewTestLedger creates an in-memory SQLite ledger with all migrations
// applied. It automatically closes the ledger when the test completes.
func NewTestLedger(t *testing.T) *ledger.SQLStore {
	t.Helper()

	s, err := ledger.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("creating test ledger: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test ledger: %v", err)
		}
	})

	return s
}
