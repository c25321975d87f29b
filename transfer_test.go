package p2pchunk

import (
	"net"
	"testing"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dannyzb/p2pchunk/peerprotocol"
)

type capturedPacket struct {
	to   *net.UDPAddr
	data []byte
}

func newTestTransfer() (*ReliableTransfer, *[]capturedPacket) {
	sent := &[]capturedPacket{}
	send := func(b []byte, addr *net.UDPAddr) error {
		*sent = append(*sent, capturedPacket{to: addr, data: append([]byte(nil), b...)})
		return nil
	}
	rt := NewReliableTransfer(send, log.Default)
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}
	rt.SetPeerAddr(1, addr)
	return rt, sent
}

func TestUploadSendsDataImmediatelyWithinWindow(t *testing.T) {
	rt, sent := newTestTransfer()
	data := make([]byte, peerprotocol.MaxPayload*2+10)
	rt.StartUpload(1, "hash", data, g.Option[time.Duration]{})

	// cwnd starts at 1, so only the first segment should have gone out.
	require.Len(t, *sent, 1)
	pkt, err := peerprotocol.Decode((*sent)[0].data)
	require.NoError(t, err)
	assert.Equal(t, peerprotocol.Data, pkt.Header.Type)
	assert.EqualValues(t, 0, pkt.Header.SeqNum)
}

func TestUploadCompletesWhenFinalAckArrives(t *testing.T) {
	rt, _ := newTestTransfer()
	data := make([]byte, 10)
	rt.StartUpload(1, "hash", data, g.Option[time.Duration]{})

	ackPkt, err := peerprotocol.Decode(peerprotocol.EncodeAck(1))
	require.NoError(t, err)
	require.NoError(t, rt.HandleAck(1, ackPkt, "hash", time.Now()))

	_, exists := rt.lookup(1, "hash", DirectionUpload)
	assert.False(t, exists)
}

func TestDownloadReassemblesInOrderSegments(t *testing.T) {
	rt, sent := newTestTransfer()
	var completed []byte
	rt.OnComplete = func(peer RosterIndex, hash string, data []byte) {
		completed = data
	}
	rt.StartDownload(1, "hash", g.Option[time.Duration]{})

	seg0 := make([]byte, peerprotocol.MaxPayload)
	for i := range seg0 {
		seg0[i] = 1
	}
	seg1 := []byte{9, 9, 9} // short final segment

	raw0, err := peerprotocol.EncodeData(0, seg0)
	require.NoError(t, err)
	p0, err := peerprotocol.Decode(raw0)
	require.NoError(t, err)
	require.NoError(t, rt.HandleData(1, p0, "hash", time.Now()))
	assert.Len(t, *sent, 1) // ack for seq 0

	raw1, err := peerprotocol.EncodeData(1, seg1)
	require.NoError(t, err)
	p1, err := peerprotocol.Decode(raw1)
	require.NoError(t, err)
	require.NoError(t, rt.HandleData(1, p1, "hash", time.Now()))

	require.NotNil(t, completed)
	assert.Equal(t, append(append([]byte{}, seg0...), seg1...), completed)
}

func TestDownloadBuffersOutOfOrderSegments(t *testing.T) {
	rt, _ := newTestTransfer()
	rt.StartDownload(1, "hash", g.Option[time.Duration]{})

	full := make([]byte, peerprotocol.MaxPayload)
	raw1, err := peerprotocol.EncodeData(1, full)
	require.NoError(t, err)
	p1, err := peerprotocol.Decode(raw1)
	require.NoError(t, err)
	require.NoError(t, rt.HandleData(1, p1, "hash", time.Now()))

	c, ok := rt.lookup(1, "hash", DirectionDownload)
	require.True(t, ok)
	assert.EqualValues(t, 0, c.nextSeqExpected) // seq 1 buffered, not yet contiguous
	assert.Len(t, c.received, 1)

	raw0, err := peerprotocol.EncodeData(0, full)
	require.NoError(t, err)
	p0, err := peerprotocol.Decode(raw0)
	require.NoError(t, err)
	require.NoError(t, rt.HandleData(1, p0, "hash", time.Now()))
	assert.EqualValues(t, 2, c.nextSeqExpected)
	assert.Len(t, c.received, 0)
}

func TestHandleTimeoutsRetransmitsAndBacksOff(t *testing.T) {
	rt, sent := newTestTransfer()
	data := make([]byte, 10)
	c := rt.StartUpload(1, "hash", data, g.Option[time.Duration]{})
	c.SetFixedRTO(1 * time.Millisecond)

	before := len(*sent)
	time.Sleep(2 * time.Millisecond)
	rt.HandleTimeouts(time.Now())

	assert.Greater(t, len(*sent), before)
	assert.EqualValues(t, 1, c.Stats.Retransmits.Int64())
	assert.Equal(t, phaseSlowStart, c.phase)
}
