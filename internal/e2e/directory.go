package e2e

import (
	"context"
	"fmt"
	"sync"

	"github.com/MasterNumancs/Chat-App/internal/user"
)

// Directory is the published bundle registry. Publish replaces any prior
// bundle wholesale; Fetch hands out the current bundle with at most one
// one-time prekey, which is removed from the stored bundle so it is never
// served twice. An exhausted batch yields a bundle without a one-time
// prekey.
type Directory interface {
	Publish(ctx context.Context, bundle PreKeyBundle) error
	Fetch(ctx context.Context, userID user.ID) (PreKeyBundle, error)
}

// MemoryDirectory backs tests and single-process deployments.
type MemoryDirectory struct {
	mu      sync.Mutex
	bundles map[user.ID]PreKeyBundle
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{bundles: make(map[user.ID]PreKeyBundle)}
}

func (d *MemoryDirectory) Publish(_ context.Context, bundle PreKeyBundle) error {
	if bundle.UserID == "" {
		return fmt.Errorf("bundle user id is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bundles[bundle.UserID] = bundle
	return nil
}

func (d *MemoryDirectory) Fetch(_ context.Context, userID user.ID) (PreKeyBundle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored, ok := d.bundles[userID]
	if !ok {
		return PreKeyBundle{}, fmt.Errorf("%w: bundle for %s", ErrNotFound, userID)
	}

	served := stored
	served.OneTimePreKeys = nil
	if len(stored.OneTimePreKeys) > 0 {
		served.OneTimePreKeys = []OneTimePreKeyPublic{stored.OneTimePreKeys[0]}
		stored.OneTimePreKeys = stored.OneTimePreKeys[1:]
		d.bundles[userID] = stored
	}
	return served, nil
}
