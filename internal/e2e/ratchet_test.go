package e2e

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ratchetPair seeds a matched initiator/responder state the way a session
// bootstrap does: shared root, initiator sending chain keyed against the
// responder's identity key.
func ratchetPair(t *testing.T) (RatchetState, RatchetState) {
	t.Helper()
	root := make([]byte, 32)
	_, err := rand.Read(root)
	require.NoError(t, err)

	respIDPriv, respIDPub := mustKeyPair(t)

	initiator, err := initRatchetInitiator(root, respIDPub)
	require.NoError(t, err)
	responder, err := initRatchetResponder(root, respIDPriv, initiator.DHPub)
	require.NoError(t, err)
	return initiator, responder
}

func TestRatchetRoundTrip(t *testing.T) {
	sender, receiver := ratchetPair(t)

	header, ct, err := ratchetEncrypt(&sender, nil, []byte("hello"))
	require.NoError(t, err)
	assert.NotEqual(t, []byte("hello"), ct)

	pt, err := ratchetDecrypt(&receiver, nil, header, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)
}

func TestRatchetCounters(t *testing.T) {
	sender, receiver := ratchetPair(t)

	for i := 0; i < 5; i++ {
		header, ct, err := ratchetEncrypt(&sender, nil, []byte{byte(i)})
		require.NoError(t, err)
		assert.Equal(t, uint32(i), header.N)

		pt, err := ratchetDecrypt(&receiver, nil, header, ct)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, pt)
	}
	assert.Equal(t, uint32(5), sender.Ns)
	assert.Equal(t, uint32(5), receiver.Nr)
}

func TestRatchetDHStepOnReply(t *testing.T) {
	a, b := ratchetPair(t)

	h1, ct1, err := ratchetEncrypt(&a, nil, []byte("a1"))
	require.NoError(t, err)
	_, err = ratchetDecrypt(&b, nil, h1, ct1)
	require.NoError(t, err)

	// B's first send creates its sending chain with a fresh ratchet key.
	h2, ct2, err := ratchetEncrypt(&b, nil, []byte("b1"))
	require.NoError(t, err)
	assert.NotEqual(t, h1.DHPub, h2.DHPub)

	pt, err := ratchetDecrypt(&a, nil, h2, ct2)
	require.NoError(t, err)
	assert.Equal(t, []byte("b1"), pt)

	// And A's next send rotates again.
	h3, ct3, err := ratchetEncrypt(&a, nil, []byte("a2"))
	require.NoError(t, err)
	assert.NotEqual(t, h1.DHPub, h3.DHPub)

	pt, err = ratchetDecrypt(&b, nil, h3, ct3)
	require.NoError(t, err)
	assert.Equal(t, []byte("a2"), pt)
}

func TestRatchetReorderAcrossDHStep(t *testing.T) {
	a, b := ratchetPair(t)

	h1, ct1, err := ratchetEncrypt(&a, nil, []byte("a1"))
	require.NoError(t, err)
	_, err = ratchetDecrypt(&b, nil, h1, ct1)
	require.NoError(t, err)

	// B's fresh sending chain: two messages, delivered newest first.
	hb1, ctb1, err := ratchetEncrypt(&b, nil, []byte("b1"))
	require.NoError(t, err)
	hb2, ctb2, err := ratchetEncrypt(&b, nil, []byte("b2"))
	require.NoError(t, err)
	require.Equal(t, uint32(0), hb1.N)
	require.Equal(t, uint32(1), hb2.N)

	pt, err := ratchetDecrypt(&a, nil, hb2, ctb2)
	require.NoError(t, err)
	assert.Equal(t, []byte("b2"), pt)

	// b1's key was cached while skipping to b2.
	pt, err = ratchetDecrypt(&a, nil, hb1, ctb1)
	require.NoError(t, err)
	assert.Equal(t, []byte("b1"), pt)

	// the ratchet keeps working in both directions afterwards
	h2, ct2, err := ratchetEncrypt(&a, nil, []byte("a2"))
	require.NoError(t, err)
	pt, err = ratchetDecrypt(&b, nil, h2, ct2)
	require.NoError(t, err)
	assert.Equal(t, []byte("a2"), pt)
}

func TestRatchetReorderStraddlingDHStep(t *testing.T) {
	a, b := ratchetPair(t)

	// Two messages on A's first chain; only the first is delivered before
	// B replies and A ratchets forward.
	ha1, cta1, err := ratchetEncrypt(&a, nil, []byte("a1"))
	require.NoError(t, err)
	ha2, cta2, err := ratchetEncrypt(&a, nil, []byte("a2"))
	require.NoError(t, err)

	_, err = ratchetDecrypt(&b, nil, ha1, cta1)
	require.NoError(t, err)

	hb1, ctb1, err := ratchetEncrypt(&b, nil, []byte("b1"))
	require.NoError(t, err)
	_, err = ratchetDecrypt(&a, nil, hb1, ctb1)
	require.NoError(t, err)

	ha3, cta3, err := ratchetEncrypt(&a, nil, []byte("a3"))
	require.NoError(t, err)
	pt, err := ratchetDecrypt(&b, nil, ha3, cta3)
	require.NoError(t, err)
	assert.Equal(t, []byte("a3"), pt)

	// the straggler from the superseded chain still opens from the cache
	pt, err = ratchetDecrypt(&b, nil, ha2, cta2)
	require.NoError(t, err)
	assert.Equal(t, []byte("a2"), pt)
}

func TestRatchetSkippedKeys(t *testing.T) {
	sender, receiver := ratchetPair(t)

	type sealed struct {
		header Header
		ct     []byte
	}
	var msgs []sealed
	for i := 0; i < 4; i++ {
		header, ct, err := ratchetEncrypt(&sender, nil, []byte{byte(i)})
		require.NoError(t, err)
		msgs = append(msgs, sealed{header, ct})
	}

	// Deliver 3 first; keys for 0..2 are cached.
	pt, err := ratchetDecrypt(&receiver, nil, msgs[3].header, msgs[3].ct)
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, pt)
	assert.Len(t, receiver.Skipped, 3)

	for i := 2; i >= 0; i-- {
		pt, err := ratchetDecrypt(&receiver, nil, msgs[i].header, msgs[i].ct)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, pt)
	}
	assert.Empty(t, receiver.Skipped)
}

func TestRatchetRejectsTamperedHeader(t *testing.T) {
	sender, receiver := ratchetPair(t)

	header, ct, err := ratchetEncrypt(&sender, nil, []byte("bound"))
	require.NoError(t, err)

	// The header is authenticated data; changing it must break the open.
	header.PN = 42
	_, err = ratchetDecrypt(&receiver, nil, header, ct)
	require.Error(t, err)
}

func TestRatchetForwardSecrecyDiscardsChainKeys(t *testing.T) {
	sender, receiver := ratchetPair(t)

	before := append([]byte(nil), sender.SendCK...)
	header, ct, err := ratchetEncrypt(&sender, nil, []byte("x"))
	require.NoError(t, err)
	assert.NotEqual(t, before, sender.SendCK)

	beforeRecv := append([]byte(nil), receiver.RecvCK...)
	_, err = ratchetDecrypt(&receiver, nil, header, ct)
	require.NoError(t, err)
	assert.NotEqual(t, beforeRecv, receiver.RecvCK)
}

func TestSkippedKeyCacheBounded(t *testing.T) {
	st := RatchetState{
		RecvCK:  make([]byte, 32),
		Skipped: make(map[string][]byte),
	}
	skipRecvKeys(&st, maxSkippedMessageKeys+100)
	assert.LessOrEqual(t, len(st.Skipped), maxSkippedMessageKeys)
}
