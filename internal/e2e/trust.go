package e2e

import (
	"bytes"
	"fmt"

	"github.com/MasterNumancs/Chat-App/internal/user"
)

// TrustPolicy decides whether a peer's claimed identity key is acceptable
// before any secret material is derived from it.
type TrustPolicy interface {
	Check(peer user.ID, identity X25519Public) error
}

// TOFUPolicy pins the first identity key seen per peer and rejects
// unexplained changes afterwards. Forget clears a pin after an out-of-band
// re-verification.
type TOFUPolicy struct {
	store BlobStore
}

func NewTOFUPolicy(store BlobStore) *TOFUPolicy {
	return &TOFUPolicy{store: store}
}

func (p *TOFUPolicy) Check(peer user.ID, identity X25519Public) error {
	if p.store == nil {
		return fmt.Errorf("blob store is required")
	}
	key := trustBlobKey(peer)
	pinned, ok, err := p.store.Get(key)
	if err != nil {
		return fmt.Errorf("load trust pin: %w", err)
	}
	if !ok {
		if err := p.store.Put(key, identity.Slice()); err != nil {
			return fmt.Errorf("store trust pin: %w", err)
		}
		return nil
	}
	if !bytes.Equal(pinned, identity.Slice()) {
		return fmt.Errorf("%w: %s", ErrIdentityChanged, peer)
	}
	return nil
}

// Forget drops the pin for a peer.
func (p *TOFUPolicy) Forget(peer user.ID) error {
	if p.store == nil {
		return fmt.Errorf("blob store is required")
	}
	return p.store.Delete(trustBlobKey(peer))
}

func trustBlobKey(peer user.ID) string {
	return "trust/" + string(peer)
}
