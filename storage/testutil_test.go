package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustUpsertTransfer(t *testing.T, store *Store, transfer Transfer) {
	t.Helper()

	if err := store.UpsertTransfer(transfer); err != nil {
		t.Fatalf("upsert transfer %q: %v", transfer.TransferID, err)
	}
}
