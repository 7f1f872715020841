package e2e

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/MasterNumancs/Chat-App/internal/user"
)

const (
	identityBlobKey = "identity"
	spkBlobKey      = "signed_prekey"
	opkBlobKey      = "one_time_prekeys"

	// DefaultOneTimePreKeyCount is the batch size generated per identity.
	DefaultOneTimePreKeyCount = 8
)

// KeyStore generates and holds a user's long-term identity, one-time
// prekeys, and signed prekey. Private material never leaves the blob store.
type KeyStore struct {
	mu    sync.Mutex
	store BlobStore
}

func NewKeyStore(store BlobStore) *KeyStore {
	return &KeyStore{store: store}
}

// Generate creates fresh identity material and a prekey batch. Failure here
// is fatal to the caller: without valid identity material no session can be
// established or accepted. Calling Generate again replaces everything.
func (ks *KeyStore) Generate(userID user.ID) error {
	if ks.store == nil {
		return fmt.Errorf("blob store is required")
	}
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()

	xPriv, xPub, err := generateX25519()
	if err != nil {
		return err
	}
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	regID, err := generateRegistrationID()
	if err != nil {
		return err
	}

	identity := Identity{
		UserID:         userID,
		XPub:           xPub,
		XPriv:          xPriv,
		RegistrationID: regID,
	}
	copy(identity.EdPub[:], edPub)
	copy(identity.EdPriv[:], edPriv)

	spkPriv, spkPub, err := generateX25519()
	if err != nil {
		return err
	}
	spk := SignedPreKeyPair{
		ID:        1,
		Priv:      spkPriv,
		Pub:       spkPub,
		Signature: ed25519.Sign(edPriv, spkPub.Slice()),
	}

	opks := make([]OneTimePreKeyPair, 0, DefaultOneTimePreKeyCount)
	for i := uint32(1); i <= DefaultOneTimePreKeyCount; i++ {
		priv, pub, err := generateX25519()
		if err != nil {
			return err
		}
		opks = append(opks, OneTimePreKeyPair{ID: i, Priv: priv, Pub: pub})
	}

	if err := ks.putJSON(identityBlobKey, identity); err != nil {
		return err
	}
	if err := ks.putJSON(spkBlobKey, spk); err != nil {
		return err
	}
	return ks.putJSON(opkBlobKey, opks)
}

// Identity returns the stored identity material.
func (ks *KeyStore) Identity() (Identity, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	var identity Identity
	if err := ks.getJSON(identityBlobKey, &identity); err != nil {
		return Identity{}, err
	}
	return identity, nil
}

// Bundle publishes only public key material, including the full one-time
// prekey batch. The directory is responsible for handing each one-time
// prekey out at most once.
func (ks *KeyStore) Bundle() (PreKeyBundle, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	var identity Identity
	if err := ks.getJSON(identityBlobKey, &identity); err != nil {
		return PreKeyBundle{}, err
	}
	var spk SignedPreKeyPair
	if err := ks.getJSON(spkBlobKey, &spk); err != nil {
		return PreKeyBundle{}, err
	}
	var opks []OneTimePreKeyPair
	if err := ks.getJSON(opkBlobKey, &opks); err != nil {
		return PreKeyBundle{}, err
	}

	bundle := PreKeyBundle{
		UserID:                identity.UserID,
		RegistrationID:        identity.RegistrationID,
		IdentityKey:           identity.XPub,
		SigningKey:            identity.EdPub,
		SignedPreKeyID:        spk.ID,
		SignedPreKey:          spk.Pub,
		SignedPreKeySignature: spk.Signature,
	}
	for _, opk := range opks {
		bundle.OneTimePreKeys = append(bundle.OneTimePreKeys, OneTimePreKeyPublic{ID: opk.ID, Pub: opk.Pub})
	}
	return bundle, nil
}

// SignedPreKey returns the private half for the given id.
func (ks *KeyStore) SignedPreKey(id uint32) (X25519Private, bool, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	var spk SignedPreKeyPair
	if err := ks.getJSON(spkBlobKey, &spk); err != nil {
		return X25519Private{}, false, err
	}
	if spk.ID != id {
		return X25519Private{}, false, nil
	}
	return spk.Priv, true, nil
}

// ConsumeOneTimePreKey returns and removes the private half for the given
// id, enforcing single use on the responder side.
func (ks *KeyStore) ConsumeOneTimePreKey(id uint32) (X25519Private, bool, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	var opks []OneTimePreKeyPair
	if err := ks.getJSON(opkBlobKey, &opks); err != nil {
		return X25519Private{}, false, err
	}
	for i, opk := range opks {
		if opk.ID != id {
			continue
		}
		kept := append(opks[:i:i], opks[i+1:]...)
		if err := ks.putJSON(opkBlobKey, kept); err != nil {
			return X25519Private{}, false, err
		}
		return opk.Priv, true, nil
	}
	return X25519Private{}, false, nil
}

func (ks *KeyStore) putJSON(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := ks.store.Put(key, data); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func (ks *KeyStore) getJSON(key string, dst any) error {
	data, ok, err := ks.store.Get(key)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
