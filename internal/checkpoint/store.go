// Package checkpoint records which folders of which account have been
// confirmed synced, so a restarted run skips them.
package checkpoint

import (
	"fmt"
)

// Backends
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Store defines the interface for checkpoint persistence. Implementations
// serialize writes so concurrent batches of one account never lose an update.
type Store interface {
	// Confirmed returns the folders of account already confirmed synced.
	Confirmed(account string) ([]string, error)
	// MarkSynced adds folders to the account's confirmed set and persists it.
	MarkSynced(account string, folders []string) error
	// Snapshot returns every account's confirmed folders.
	Snapshot() (map[string][]string, error)
	// Reset forgets the account's folders, or every account's when account is empty.
	Reset(account string) error

	Close() error
}

// Open opens the checkpoint store of the given backend at path
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", BackendJSON:
		return NewJSONStore(path)
	case BackendSQLite:
		return NewSQLiteStore(path)
	}
	return nil, fmt.Errorf("unknown checkpoint backend %q", backend)
}

// Outstanding returns the folders of discovered not present in confirmed,
// preserving discovery order.
func Outstanding(discovered, confirmed []string) []string {
	done := make(map[string]bool, len(confirmed))
	for _, f := range confirmed {
		done[f] = true
	}
	var out []string
	for _, f := range discovered {
		if !done[f] {
			out = append(out, f)
		}
	}
	return out
}
