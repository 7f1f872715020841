// Package e2e implements the per-peer asynchronous key agreement and
// encrypted session layer: identity and prekey management, X3DH session
// negotiation, and a double-ratchet cipher session that survives restarts
// through a pluggable blob store.
package e2e

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/MasterNumancs/Chat-App/internal/user"
	"golang.org/x/crypto/curve25519"
)

type X25519Public [32]byte

func (p X25519Public) Slice() []byte { return p[:] }

type X25519Private [32]byte

func (k X25519Private) Slice() []byte { return k[:] }

type Ed25519Public [32]byte

func (p Ed25519Public) Slice() []byte { return p[:] }

type Ed25519Private [64]byte

func (k Ed25519Private) Slice() []byte { return k[:] }

var (
	ErrNotFound        = errors.New("not found")
	ErrNegotiation     = errors.New("negotiation failed")
	ErrUndecryptable   = errors.New("undecryptable message")
	ErrIdentityChanged = errors.New("peer identity key changed")
)

// Identity is a user's long-term key material. The identity keys are
// immutable for the life of the account; the registration id is rarely
// rotated.
type Identity struct {
	UserID         user.ID        `json:"user_id"`
	XPub           X25519Public   `json:"xpub"`
	XPriv          X25519Private  `json:"xpriv"`
	EdPub          Ed25519Public  `json:"edpub"`
	EdPriv         Ed25519Private `json:"edpriv"`
	RegistrationID uint32         `json:"registration_id"`
}

// SignedPreKeyPair is the locally stored signed prekey, public half signed
// under the Ed25519 identity key.
type SignedPreKeyPair struct {
	ID        uint32        `json:"id"`
	Priv      X25519Private `json:"priv"`
	Pub       X25519Public  `json:"pub"`
	Signature []byte        `json:"signature"`
}

// OneTimePreKeyPair is a locally stored one-time prekey. Each is consumed at
// most once when a peer bootstraps a session against it.
type OneTimePreKeyPair struct {
	ID   uint32        `json:"id"`
	Priv X25519Private `json:"priv"`
	Pub  X25519Public  `json:"pub"`
}

// OneTimePreKeyPublic is the public half published in bundles.
type OneTimePreKeyPublic struct {
	ID  uint32       `json:"id"`
	Pub X25519Public `json:"pub"`
}

// PreKeyBundle is the published public key material that lets a peer start a
// session while this user is offline. It is immutable once fetched for a
// negotiation.
type PreKeyBundle struct {
	UserID                user.ID               `json:"user_id"`
	RegistrationID        uint32                `json:"registration_id"`
	IdentityKey           X25519Public          `json:"identity_key"`
	SigningKey            Ed25519Public         `json:"signing_key"`
	SignedPreKeyID        uint32                `json:"signed_pre_key_id"`
	SignedPreKey          X25519Public          `json:"signed_pre_key"`
	SignedPreKeySignature []byte                `json:"signed_pre_key_signature"`
	OneTimePreKeys        []OneTimePreKeyPublic `json:"one_time_pre_keys,omitempty"`
}

// generateX25519 returns a clamped Curve25519 key pair.
func generateX25519() (X25519Private, X25519Public, error) {
	var priv X25519Private
	if _, err := rand.Read(priv[:]); err != nil {
		return X25519Private{}, X25519Public{}, fmt.Errorf("generate x25519 key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pubBytes, err := curve25519.X25519(priv.Slice(), curve25519.Basepoint)
	if err != nil {
		return X25519Private{}, X25519Public{}, fmt.Errorf("derive x25519 public: %w", err)
	}
	var pub X25519Public
	copy(pub[:], pubBytes)
	return priv, pub, nil
}

func generateRegistrationID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("generate registration id: %w", err)
	}
	// Keep it in the positive int32 range the web client expects.
	return binary.BigEndian.Uint32(buf[:]) & 0x7fffffff, nil
}
