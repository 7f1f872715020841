package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/MasterNumancs/Chat-App/internal/user"
	"github.com/sirupsen/logrus"
)

// MessageType distinguishes the session-bootstrapping first message from
// steady-state traffic.
type MessageType string

const (
	// MessageTypePreKey carries the X3DH handshake block; a responder with
	// no local session bootstraps from it.
	MessageTypePreKey MessageType = "prekey"
	MessageTypeNormal MessageType = "normal"
)

// SessionState is the cipher session lifecycle. Established means secret
// material is derived; Active means at least one successful ratchet step.
type SessionState string

const (
	StateUninitialized SessionState = "uninitialized"
	StateEstablished   SessionState = "established"
	StateActive        SessionState = "active"
)

// PreKeyMessage is the handshake block embedded in the first envelope of a
// conversation so the responder can derive the same root key.
type PreKeyMessage struct {
	IdentityKey     X25519Public `json:"identity_key"`
	EphemeralKey    X25519Public `json:"ephemeral_key"`
	SignedPreKeyID  uint32       `json:"signed_pre_key_id"`
	OneTimePreKeyID uint32       `json:"one_time_pre_key_id,omitempty"`
}

// Envelope is the wire form of one encrypted message.
type Envelope struct {
	Type           MessageType    `json:"type"`
	Header         Header         `json:"header"`
	Ciphertext     []byte         `json:"ciphertext"`
	RegistrationID uint32         `json:"registration_id"`
	PreKey         *PreKeyMessage `json:"pre_key,omitempty"`
}

// sessionRecord is the serialized blob persisted per peer.
type sessionRecord struct {
	Peer          user.ID      `json:"peer"`
	State         SessionState `json:"state"`
	PeerIdentity  X25519Public `json:"peer_identity"`
	EphemeralPub  X25519Public `json:"ephemeral_pub"`
	SignedPreKey  uint32       `json:"signed_pre_key_id"`
	OneTimePreKey uint32       `json:"one_time_pre_key_id"`
	PendingPreKey bool         `json:"pending_pre_key"`
	Ratchet       RatchetState `json:"ratchet"`
}

// Manager owns every cipher session for one local user. All mutation for a
// given peer is serialized behind a per-peer mutex: concurrent Encrypt,
// Decrypt, and Negotiate calls against the same peer are strictly ordered
// and converge on a single usable session.
type Manager struct {
	keys      *KeyStore
	store     BlobStore
	directory Directory
	trust     TrustPolicy

	mu    sync.Mutex
	locks map[user.ID]*sync.Mutex
}

func NewManager(keys *KeyStore, store BlobStore, directory Directory, trust TrustPolicy) *Manager {
	return &Manager{
		keys:      keys,
		store:     store,
		directory: directory,
		trust:     trust,
		locks:     make(map[user.ID]*sync.Mutex),
	}
}

// Negotiate establishes a session toward peer from its published bundle.
// A no-op when a session already exists.
func (m *Manager) Negotiate(ctx context.Context, peer user.ID) error {
	if peer == "" {
		return fmt.Errorf("%w: peer is required", ErrNegotiation)
	}
	lock := m.peerLock(peer)
	lock.Lock()
	defer lock.Unlock()

	if _, ok := m.loadSession(peer); ok {
		return nil
	}
	_, err := m.negotiateLocked(ctx, peer)
	return err
}

// Rekey discards any existing session and negotiates a fresh one.
func (m *Manager) Rekey(ctx context.Context, peer user.ID) error {
	lock := m.peerLock(peer)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.Delete(sessionBlobKey(peer)); err != nil {
		return fmt.Errorf("%w: drop session: %v", ErrNegotiation, err)
	}
	_, err := m.negotiateLocked(ctx, peer)
	return err
}

// Encrypt seals plaintext for peer, lazily negotiating when no session
// exists. The first message of a conversation is a PREKEY envelope carrying
// the handshake block; every call advances the ratchet.
func (m *Manager) Encrypt(ctx context.Context, peer user.ID, plaintext []byte) (Envelope, error) {
	lock := m.peerLock(peer)
	lock.Lock()
	defer lock.Unlock()

	rec, ok := m.loadSession(peer)
	if !ok {
		fresh, err := m.negotiateLocked(ctx, peer)
		if err != nil {
			return Envelope{}, err
		}
		rec = fresh
	}

	header, ct, err := ratchetEncrypt(&rec.Ratchet, nil, plaintext)
	if err != nil {
		return Envelope{}, fmt.Errorf("encrypt for %s: %w", peer, err)
	}

	identity, err := m.keys.Identity()
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		Type:           MessageTypeNormal,
		Header:         header,
		Ciphertext:     ct,
		RegistrationID: identity.RegistrationID,
	}
	if rec.PendingPreKey {
		env.Type = MessageTypePreKey
		env.PreKey = &PreKeyMessage{
			IdentityKey:     identity.XPub,
			EphemeralKey:    rec.EphemeralPub,
			SignedPreKeyID:  rec.SignedPreKey,
			OneTimePreKeyID: rec.OneTimePreKey,
		}
		rec.PendingPreKey = false
	}
	rec.State = StateActive

	if err := m.saveSession(rec); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Decrypt opens an envelope from peer. A PREKEY envelope received with no
// local session bootstraps a responder session from the embedded handshake
// block. Failures are per-message: the session is left as it was and the
// caller renders the message as undecryptable.
func (m *Manager) Decrypt(ctx context.Context, peer user.ID, env Envelope) ([]byte, error) {
	_ = ctx
	lock := m.peerLock(peer)
	lock.Lock()
	defer lock.Unlock()

	rec, ok := m.loadSession(peer)
	if !ok {
		if env.Type != MessageTypePreKey || env.PreKey == nil {
			return nil, fmt.Errorf("%w: no session with %s", ErrUndecryptable, peer)
		}
		bootstrapped, err := m.bootstrapResponder(peer, env)
		if err != nil {
			return nil, err
		}
		rec = bootstrapped
	}

	// Work on a copy so a failed decrypt cannot corrupt persisted state.
	working := rec.Ratchet
	working.Skipped = make(map[string][]byte, len(rec.Ratchet.Skipped))
	for k, v := range rec.Ratchet.Skipped {
		working.Skipped[k] = v
	}
	plaintext, err := ratchetDecrypt(&working, nil, env.Header, env.Ciphertext)
	if err != nil {
		logrus.WithField("peer", peer).Debug("e2e: decrypt failed")
		return nil, fmt.Errorf("%w: from %s", ErrUndecryptable, peer)
	}

	rec.Ratchet = working
	rec.State = StateActive
	if err := m.saveSession(rec); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// Reset wipes the session with peer, returning it to Uninitialized. The two
// sides may be desynchronized until they renegotiate.
func (m *Manager) Reset(peer user.ID) error {
	lock := m.peerLock(peer)
	lock.Lock()
	defer lock.Unlock()
	return m.store.Delete(sessionBlobKey(peer))
}

// State reports the session lifecycle state for peer.
func (m *Manager) State(peer user.ID) SessionState {
	lock := m.peerLock(peer)
	lock.Lock()
	defer lock.Unlock()

	rec, ok := m.loadSession(peer)
	if !ok {
		return StateUninitialized
	}
	return rec.State
}

// negotiateLocked runs the X3DH initiator flow. Caller holds the peer lock.
func (m *Manager) negotiateLocked(ctx context.Context, peer user.ID) (sessionRecord, error) {
	if m.directory == nil {
		return sessionRecord{}, fmt.Errorf("%w: no bundle directory", ErrNegotiation)
	}

	bundle, err := m.directory.Fetch(ctx, peer)
	if err != nil {
		return sessionRecord{}, fmt.Errorf("%w: fetch bundle for %s: %v", ErrNegotiation, peer, err)
	}
	if !verifySignedPreKey(bundle.SigningKey, bundle.SignedPreKey, bundle.SignedPreKeySignature) {
		return sessionRecord{}, fmt.Errorf("%w: signed prekey signature mismatch for %s", ErrNegotiation, peer)
	}
	if m.trust != nil {
		if err := m.trust.Check(peer, bundle.IdentityKey); err != nil {
			return sessionRecord{}, fmt.Errorf("%w: %v", ErrNegotiation, err)
		}
	}

	identity, err := m.keys.Identity()
	if err != nil {
		return sessionRecord{}, fmt.Errorf("%w: local identity: %v", ErrNegotiation, err)
	}

	ephPriv, ephPub, err := generateX25519()
	if err != nil {
		return sessionRecord{}, fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	var opkPub *X25519Public
	var opkID uint32
	if len(bundle.OneTimePreKeys) > 0 {
		opk := bundle.OneTimePreKeys[0]
		opkPub = &opk.Pub
		opkID = opk.ID
	}

	root, err := initiatorRoot(identity.XPriv, ephPriv, bundle.IdentityKey, bundle.SignedPreKey, opkPub)
	if err != nil {
		return sessionRecord{}, fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	ratchet, err := initRatchetInitiator(root, bundle.IdentityKey)
	if err != nil {
		return sessionRecord{}, fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	rec := sessionRecord{
		Peer:          peer,
		State:         StateEstablished,
		PeerIdentity:  bundle.IdentityKey,
		EphemeralPub:  ephPub,
		SignedPreKey:  bundle.SignedPreKeyID,
		OneTimePreKey: opkID,
		PendingPreKey: true,
		Ratchet:       ratchet,
	}
	if err := m.saveSession(rec); err != nil {
		return sessionRecord{}, err
	}
	return rec, nil
}

// bootstrapResponder derives a responder session from the handshake block of
// a PREKEY envelope, consuming the one-time prekey it targets.
func (m *Manager) bootstrapResponder(peer user.ID, env Envelope) (sessionRecord, error) {
	pk := env.PreKey
	if m.trust != nil {
		if err := m.trust.Check(peer, pk.IdentityKey); err != nil {
			return sessionRecord{}, fmt.Errorf("%w: %v", ErrUndecryptable, err)
		}
	}

	identity, err := m.keys.Identity()
	if err != nil {
		return sessionRecord{}, fmt.Errorf("%w: local identity: %v", ErrUndecryptable, err)
	}

	spkPriv, ok, err := m.keys.SignedPreKey(pk.SignedPreKeyID)
	if err != nil {
		return sessionRecord{}, fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	if !ok {
		return sessionRecord{}, fmt.Errorf("%w: unknown signed prekey %d", ErrUndecryptable, pk.SignedPreKeyID)
	}

	var opkPriv *X25519Private
	if pk.OneTimePreKeyID != 0 {
		priv, found, err := m.keys.ConsumeOneTimePreKey(pk.OneTimePreKeyID)
		if err != nil {
			return sessionRecord{}, fmt.Errorf("%w: %v", ErrUndecryptable, err)
		}
		if found {
			opkPriv = &priv
		}
	}

	root, err := responderRoot(identity.XPriv, spkPriv, opkPriv, pk.IdentityKey, pk.EphemeralKey)
	if err != nil {
		return sessionRecord{}, fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}

	if len(env.Header.DHPub) != 32 {
		return sessionRecord{}, fmt.Errorf("%w: bad ratchet header", ErrUndecryptable)
	}
	var senderRatchet X25519Public
	copy(senderRatchet[:], env.Header.DHPub)

	ratchet, err := initRatchetResponder(root, identity.XPriv, senderRatchet)
	if err != nil {
		return sessionRecord{}, fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}

	return sessionRecord{
		Peer:         peer,
		State:        StateEstablished,
		PeerIdentity: pk.IdentityKey,
		Ratchet:      ratchet,
	}, nil
}

func (m *Manager) peerLock(peer user.ID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[peer]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[peer] = lock
	}
	return lock
}

// loadSession returns the persisted record for peer. A missing or corrupt
// blob reads as no session, which forces fresh negotiation.
func (m *Manager) loadSession(peer user.ID) (sessionRecord, bool) {
	data, ok, err := m.store.Get(sessionBlobKey(peer))
	if err != nil || !ok {
		return sessionRecord{}, false
	}
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		logrus.WithField("peer", peer).Warn("e2e: corrupt session blob, renegotiating")
		return sessionRecord{}, false
	}
	return rec, true
}

func (m *Manager) saveSession(rec sessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session for %s: %w", rec.Peer, err)
	}
	if err := m.store.Put(sessionBlobKey(rec.Peer), data); err != nil {
		return fmt.Errorf("persist session for %s: %w", rec.Peer, err)
	}
	return nil
}

func sessionBlobKey(peer user.ID) string {
	return "session/" + string(peer)
}
