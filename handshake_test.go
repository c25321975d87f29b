package p2pchunk

import (
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dannyzb/p2pchunk/peerprotocol"
)

const testHash = "aa0000000000000000000000000000000000000b"

func newTestHandshake(maxConn int, localHave map[string]bool) (*HandshakeManager, *[]capturedPacket) {
	sent := &[]capturedPacket{}
	send := func(b []byte, addr *net.UDPAddr) error {
		*sent = append(*sent, capturedPacket{to: addr, data: append([]byte(nil), b...)})
		return nil
	}
	roster := map[RosterIndex]*net.UDPAddr{
		0: {IP: net.ParseIP("127.0.0.1"), Port: 9000},
		1: {IP: net.ParseIP("127.0.0.1"), Port: 9001},
	}
	if localHave == nil {
		localHave = map[string]bool{}
	}
	hm := NewHandshakeManager(0, maxConn, roster, localHave, send, log.Default)
	return hm, sent
}

func TestHandleWhoHasRepliesIHaveOnlyForHeldHashes(t *testing.T) {
	hm, sent := newTestHandshake(1, map[string]bool{testHash: true})
	raw, err := hexToHash(testHash)
	require.NoError(t, err)

	pkt, err := peerprotocol.Decode(mustEncode(t, peerprotocol.EncodeWhoHas([][20]byte{raw})))
	require.NoError(t, err)
	require.NoError(t, hm.HandleWhoHas(1, pkt))

	require.Len(t, *sent, 1)
	reply, err := peerprotocol.Decode((*sent)[0].data)
	require.NoError(t, err)
	assert.Equal(t, peerprotocol.IHave, reply.Header.Type)
	assert.Equal(t, [][20]byte{raw}, reply.Hashes)
}

func TestHandleIHaveFiresOnResponderOnce(t *testing.T) {
	hm, _ := newTestHandshake(1, nil)
	calls := 0
	hm.OnResponder = func(hash string, peer RosterIndex) { calls++ }
	require.NoError(t, hm.BroadcastWhoHas([]string{testHash}, time.Now()))

	raw, _ := hexToHash(testHash)
	pkt, err := peerprotocol.Decode(mustEncode(t, peerprotocol.EncodeIHave([][20]byte{raw})))
	require.NoError(t, err)

	require.NoError(t, hm.HandleIHave(1, pkt))
	require.NoError(t, hm.HandleIHave(1, pkt))
	assert.Equal(t, 1, calls)
}

const testHash2 = "bb0000000000000000000000000000000000000c"

// GET rejections are always silent: DENIED is a WHOHAS-only signal
// (spec: "DENIED is the only rejection signal sent; refusal for any
// other reason is silent").
func TestHandleGetSilentlyRejectsWhenAtGlobalCapacity(t *testing.T) {
	hm, sent := newTestHandshake(1, map[string]bool{testHash: true, testHash2: true})
	raw, _ := hexToHash(testHash)
	raw2, _ := hexToHash(testHash2)
	getPkt, err := peerprotocol.Decode(peerprotocol.EncodeGet(raw, 0))
	require.NoError(t, err)
	getPkt2, err := peerprotocol.Decode(peerprotocol.EncodeGet(raw2, 0))
	require.NoError(t, err)

	_, admitted, err := hm.HandleGet(1, getPkt)
	require.NoError(t, err)
	assert.True(t, admitted)

	// A second, distinct hash from a different peer: global capacity (1)
	// is already exhausted by the first upload, so this is rejected too.
	_, admitted2, err := hm.HandleGet(0, getPkt2)
	require.NoError(t, err)
	assert.False(t, admitted2)

	assert.Len(t, *sent, 0)
}

func TestHandleGetSilentlyRejectsDuplicateHashFromSamePeer(t *testing.T) {
	hm, sent := newTestHandshake(4, map[string]bool{testHash: true})
	raw, _ := hexToHash(testHash)
	getPkt, err := peerprotocol.Decode(peerprotocol.EncodeGet(raw, 0))
	require.NoError(t, err)

	_, admitted, err := hm.HandleGet(1, getPkt)
	require.NoError(t, err)
	assert.True(t, admitted)

	_, admitted2, err := hm.HandleGet(1, getPkt)
	require.NoError(t, err)
	assert.False(t, admitted2)
	assert.Len(t, *sent, 0)
}

func TestHandleGetSilentlyRejectsWhenHashUnheld(t *testing.T) {
	hm, sent := newTestHandshake(4, nil)
	raw, _ := hexToHash(testHash)
	getPkt, err := peerprotocol.Decode(peerprotocol.EncodeGet(raw, 0))
	require.NoError(t, err)

	_, admitted, err := hm.HandleGet(1, getPkt)
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Len(t, *sent, 0)
}

func TestHandleWhoHasDeniesWhenNoHashHeld(t *testing.T) {
	hm, sent := newTestHandshake(4, nil)
	raw, _ := hexToHash(testHash)
	pkt, err := peerprotocol.Decode(mustEncode(t, peerprotocol.EncodeWhoHas([][20]byte{raw})))
	require.NoError(t, err)

	require.NoError(t, hm.HandleWhoHas(1, pkt))

	require.Len(t, *sent, 1)
	reply, err := peerprotocol.Decode((*sent)[0].data)
	require.NoError(t, err)
	assert.Equal(t, peerprotocol.Denied, reply.Header.Type)
}

func TestHandleWhoHasDeniesWhenAtGlobalCapacity(t *testing.T) {
	hm, sent := newTestHandshake(1, map[string]bool{testHash: true, testHash2: true})
	rawGet, _ := hexToHash(testHash)
	getPkt, err := peerprotocol.Decode(peerprotocol.EncodeGet(rawGet, 0))
	require.NoError(t, err)
	_, admitted, err := hm.HandleGet(1, getPkt)
	require.NoError(t, err)
	require.True(t, admitted)
	*sent = nil

	raw2, _ := hexToHash(testHash2)
	pkt, err := peerprotocol.Decode(mustEncode(t, peerprotocol.EncodeWhoHas([][20]byte{raw2})))
	require.NoError(t, err)
	require.NoError(t, hm.HandleWhoHas(0, pkt))

	require.Len(t, *sent, 1)
	reply, err := peerprotocol.Decode((*sent)[0].data)
	require.NoError(t, err)
	assert.Equal(t, peerprotocol.Denied, reply.Header.Type)
}

func TestReleaseUploadFreesAdmissionSlot(t *testing.T) {
	hm, _ := newTestHandshake(1, map[string]bool{testHash: true})
	raw, _ := hexToHash(testHash)
	getPkt, err := peerprotocol.Decode(peerprotocol.EncodeGet(raw, 0))
	require.NoError(t, err)

	_, admitted, err := hm.HandleGet(1, getPkt)
	require.NoError(t, err)
	require.True(t, admitted)

	hm.ReleaseUpload(1, testHash)
	_, admitted2, err := hm.HandleGet(1, getPkt)
	require.NoError(t, err)
	assert.True(t, admitted2)
}

func mustEncode(t *testing.T, b []byte, err error) []byte {
	t.Helper()
	require.NoError(t, err)
	return b
}
