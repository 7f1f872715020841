package e2e

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const maxSkippedMessageKeys = 1000

var errChainUninitialized = errors.New("ratchet chain key is uninitialized")

// Header travels alongside every ciphertext.
type Header struct {
	DHPub []byte `json:"dh_pub"`
	PN    uint32 `json:"pn"`
	N     uint32 `json:"n"`
}

// RatchetState is everything the double ratchet tracks between messages.
// Prior key material is discarded on every step, which is what gives the
// channel forward secrecy.
type RatchetState struct {
	RootKey   []byte            `json:"root_key"`
	DHPriv    X25519Private     `json:"dh_priv"`
	DHPub     X25519Public      `json:"dh_pub"`
	PeerDHPub X25519Public      `json:"peer_dh_pub"`
	SendCK    []byte            `json:"send_ck,omitempty"`
	RecvCK    []byte            `json:"recv_ck,omitempty"`
	Ns        uint32            `json:"ns"`
	Nr        uint32            `json:"nr"`
	PN        uint32            `json:"pn"`
	Skipped   map[string][]byte `json:"skipped,omitempty"`
}

// initRatchetInitiator seeds the sending chain from the X3DH root with a
// fresh ratchet key pair, DH'd against the peer's identity key.
func initRatchetInitiator(root []byte, peerIdentity X25519Public) (RatchetState, error) {
	priv, pub, err := generateX25519()
	if err != nil {
		return RatchetState{}, err
	}
	shared, err := dh(priv, peerIdentity)
	if err != nil {
		return RatchetState{}, err
	}
	newRoot, sendCK := kdfRoot(root, shared)
	zero(shared)

	return RatchetState{
		RootKey:   newRoot,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: peerIdentity, // replaced by the peer's first ratchet pub
		SendCK:    sendCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// initRatchetResponder seeds the receiving chain from the root using our
// identity private key and the initiator's ratchet public from the header.
func initRatchetResponder(root []byte, idPriv X25519Private, senderRatchetPub X25519Public) (RatchetState, error) {
	priv, pub, err := generateX25519()
	if err != nil {
		return RatchetState{}, err
	}
	shared, err := dh(idPriv, senderRatchetPub)
	if err != nil {
		return RatchetState{}, err
	}
	newRoot, recvCK := kdfRoot(root, shared)
	zero(shared)

	return RatchetState{
		RootKey:   newRoot,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: senderRatchetPub,
		RecvCK:    recvCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// ratchetEncrypt advances the sending chain and seals the plaintext. The
// responder's first send performs a DH ratchet step to create its sending
// chain.
func ratchetEncrypt(st *RatchetState, ad, plaintext []byte) (Header, []byte, error) {
	if len(st.SendCK) == 0 {
		if err := stepSendingChain(st); err != nil {
			return Header{}, nil, err
		}
	}

	mk, err := nextSendKey(st)
	if err != nil {
		return Header{}, nil, err
	}
	header := Header{DHPub: st.DHPub.Slice(), PN: st.PN, N: st.Ns}

	ct, err := seal(mk, header, ad, plaintext)
	zero(mk)
	if err != nil {
		return Header{}, nil, err
	}
	st.Ns++
	return header, ct, nil
}

// ratchetDecrypt opens a ciphertext, handling out-of-order messages via
// skipped keys and stepping the DH ratchet when the peer presents a new
// ratchet public key.
func ratchetDecrypt(st *RatchetState, ad []byte, header Header, ciphertext []byte) ([]byte, error) {
	if len(header.DHPub) != 32 {
		return nil, fmt.Errorf("bad ratchet header")
	}

	var headerPub X25519Public
	copy(headerPub[:], header.DHPub)
	id := skippedKeyID(headerPub, header.N)
	if mk, ok := st.Skipped[id]; ok {
		delete(st.Skipped, id)
		pt, err := open(mk, header, ad, ciphertext)
		zero(mk)
		if err != nil {
			return nil, err
		}
		return pt, nil
	}

	if !samePeerKey(st, header.DHPub) {
		skipRecvKeys(st, header.PN)
		if err := stepReceivingChain(st, header.DHPub); err != nil {
			return nil, err
		}
	}
	skipRecvKeys(st, header.N)

	mk, err := nextRecvKey(st)
	if err != nil {
		return nil, err
	}
	pt, err := open(mk, header, ad, ciphertext)
	zero(mk)
	if err != nil {
		return nil, err
	}
	st.Nr++
	return pt, nil
}

// stepSendingChain rotates our ratchet key pair and derives a fresh sending
// chain against the peer's current ratchet public.
func stepSendingChain(st *RatchetState) error {
	st.PN = st.Ns
	st.Ns = 0

	priv, pub, err := generateX25519()
	if err != nil {
		return err
	}
	shared, err := dh(priv, st.PeerDHPub)
	if err != nil {
		return err
	}
	newRoot, sendCK := kdfRoot(st.RootKey, shared)
	zero(shared)

	st.RootKey = newRoot
	st.DHPriv, st.DHPub = priv, pub
	st.SendCK = sendCK
	return nil
}

// stepReceivingChain absorbs a new remote ratchet public: advance the
// receiving chain with it, then rotate our own pair and re-seed sending.
func stepReceivingChain(st *RatchetState, remote []byte) error {
	var peer X25519Public
	copy(peer[:], remote)

	shared, err := dh(st.DHPriv, peer)
	if err != nil {
		return err
	}
	rootAfterRecv, recvCK := kdfRoot(st.RootKey, shared)
	zero(shared)

	priv, pub, err := generateX25519()
	if err != nil {
		return err
	}
	shared2, err := dh(priv, peer)
	if err != nil {
		return err
	}
	rootAfterSend, sendCK := kdfRoot(rootAfterRecv, shared2)
	zero(shared2)

	st.PN = st.Ns
	st.Ns, st.Nr = 0, 0
	st.RootKey = rootAfterSend
	st.DHPriv, st.DHPub = priv, pub
	st.PeerDHPub = peer
	st.SendCK, st.RecvCK = sendCK, recvCK
	return nil
}

func seal(mk []byte, header Header, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], header.N)
	return aead.Seal(nil, nonce, plaintext, append(ad, headerBytes(header)...)), nil
}

func open(mk []byte, header Header, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], header.N)
	return aead.Open(nil, nonce, ciphertext, append(ad, headerBytes(header)...))
}

func headerBytes(h Header) []byte {
	out := make([]byte, 0, len(h.DHPub)+8)
	out = append(out, h.DHPub...)
	out = binary.BigEndian.AppendUint32(out, h.PN)
	out = binary.BigEndian.AppendUint32(out, h.N)
	return out
}

func kdfRoot(root, shared []byte) (newRoot, chainKey []byte) {
	r := hkdf.New(sha256.New, shared, root, []byte("chatapp-dr-root"))
	newRoot = make([]byte, 32)
	chainKey = make([]byte, 32)
	_, _ = io.ReadFull(r, newRoot)
	_, _ = io.ReadFull(r, chainKey)
	return
}

func kdfChain(ck []byte) (nextCK, mk []byte) {
	r := hkdf.New(sha256.New, ck, nil, []byte("chatapp-dr-chain"))
	nextCK = make([]byte, 32)
	mk = make([]byte, 32)
	_, _ = io.ReadFull(r, nextCK)
	_, _ = io.ReadFull(r, mk)
	return
}

func nextSendKey(st *RatchetState) ([]byte, error) {
	if len(st.SendCK) == 0 {
		return nil, errChainUninitialized
	}
	next, mk := kdfChain(st.SendCK)
	st.SendCK = next
	return mk, nil
}

func nextRecvKey(st *RatchetState) ([]byte, error) {
	if len(st.RecvCK) == 0 {
		return nil, errChainUninitialized
	}
	next, mk := kdfChain(st.RecvCK)
	st.RecvCK = next
	return mk, nil
}

// skipRecvKeys derives and caches message keys for gaps up to n, capped so a
// hostile header cannot balloon memory.
func skipRecvKeys(st *RatchetState, n uint32) {
	if st.Skipped == nil {
		st.Skipped = make(map[string][]byte)
	}
	for st.Nr < n && len(st.RecvCK) > 0 {
		mk, err := nextRecvKey(st)
		if err != nil {
			return
		}
		if len(st.Skipped) >= maxSkippedMessageKeys {
			for k := range st.Skipped {
				delete(st.Skipped, k)
				break
			}
		}
		st.Skipped[skippedKeyID(st.PeerDHPub, st.Nr)] = mk
		st.Nr++
	}
}

func skippedKeyID(peer X25519Public, n uint32) string {
	b := make([]byte, 0, 36)
	b = append(b, peer[:]...)
	b = binary.BigEndian.AppendUint32(b, n)
	return string(b)
}

func samePeerKey(st *RatchetState, dhPub []byte) bool {
	if len(dhPub) != 32 {
		return false
	}
	var v byte
	for i := 0; i < 32; i++ {
		v |= st.PeerDHPub[i] ^ dhPub[i]
	}
	return v == 0
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
