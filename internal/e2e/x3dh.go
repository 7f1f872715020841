package e2e

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// x3dhInfo is the context string bound into derived root keys.
var x3dhInfo = []byte("chatapp-x3dh-v1")

// initiatorRoot derives the shared root key on the initiating side:
//
//	DH1 = DH(IK_a, SPK_b)
//	DH2 = DH(EK_a, IK_b)
//	DH3 = DH(EK_a, SPK_b)
//	DH4 = DH(EK_a, OPK_b)   when a one-time prekey is available
func initiatorRoot(idPriv, ephPriv X25519Private, peerIdentity, peerSPK X25519Public, peerOPK *X25519Public) ([]byte, error) {
	dh1, err := dh(idPriv, peerSPK)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ephPriv, peerIdentity)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(ephPriv, peerSPK)
	if err != nil {
		return nil, err
	}

	combined := make([]byte, 0, 4*32)
	combined = append(combined, dh1...)
	combined = append(combined, dh2...)
	combined = append(combined, dh3...)
	if peerOPK != nil {
		dh4, err := dh(ephPriv, *peerOPK)
		if err != nil {
			return nil, err
		}
		combined = append(combined, dh4...)
	}

	return deriveRoot(combined)
}

// responderRoot mirrors initiatorRoot with the responder's private halves
// and the handshake keys carried in the first message.
func responderRoot(idPriv, spkPriv X25519Private, opkPriv *X25519Private, initIdentity, initEphemeral X25519Public) ([]byte, error) {
	dh1, err := dh(spkPriv, initIdentity)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(idPriv, initEphemeral)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(spkPriv, initEphemeral)
	if err != nil {
		return nil, err
	}

	combined := make([]byte, 0, 4*32)
	combined = append(combined, dh1...)
	combined = append(combined, dh2...)
	combined = append(combined, dh3...)
	if opkPriv != nil {
		dh4, err := dh(*opkPriv, initEphemeral)
		if err != nil {
			return nil, err
		}
		combined = append(combined, dh4...)
	}

	return deriveRoot(combined)
}

// verifySignedPreKey checks the bundle's signed-prekey signature against its
// Ed25519 signing key.
func verifySignedPreKey(signing Ed25519Public, spk X25519Public, sig []byte) bool {
	return ed25519.Verify(signing.Slice(), spk.Slice(), sig)
}

func dh(priv X25519Private, pub X25519Public) ([]byte, error) {
	shared, err := curve25519.X25519(priv.Slice(), pub.Slice())
	if err != nil {
		return nil, fmt.Errorf("x25519 exchange: %w", err)
	}
	return shared, nil
}

func deriveRoot(ikm []byte) ([]byte, error) {
	root := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, x3dhInfo), root); err != nil {
		return nil, fmt.Errorf("hkdf derive root: %w", err)
	}
	for i := range ikm {
		ikm[i] = 0
	}
	return root, nil
}
