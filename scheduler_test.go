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

func newTestScheduler(t *testing.T) (*Scheduler, *HandshakeManager, *ReliableTransfer, *[]capturedPacket) {
	t.Helper()
	sent := &[]capturedPacket{}
	send := func(b []byte, addr *net.UDPAddr) error {
		*sent = append(*sent, capturedPacket{to: addr, data: append([]byte(nil), b...)})
		return nil
	}
	roster := map[RosterIndex]*net.UDPAddr{
		0: {IP: net.ParseIP("127.0.0.1"), Port: 9000},
		1: {IP: net.ParseIP("127.0.0.1"), Port: 9001},
		2: {IP: net.ParseIP("127.0.0.1"), Port: 9002},
	}
	hm := NewHandshakeManager(0, 4, roster, map[string]bool{}, send, log.Default)
	rt := NewReliableTransfer(send, log.Default)
	for peer, addr := range roster {
		rt.SetPeerAddr(peer, addr)
	}
	s := NewScheduler(MaxConcurrentDownloads, hm, rt, g.Option[time.Duration]{})
	return s, hm, rt, sent
}

func TestStartDownloadBroadcastsWhoHas(t *testing.T) {
	s, _, _, sent := newTestScheduler(t)
	_, err := s.StartDownload("out1", []string{testHash}, nil, time.Now())
	require.NoError(t, err)
	assert.NotEmpty(t, *sent)
}

func TestStartDownloadCompletesImmediatelyWhenFullyPreloaded(t *testing.T) {
	s, _, _, sent := newTestScheduler(t)
	var completed *DownloadTask
	s.OnTaskComplete = func(task *DownloadTask) { completed = task }

	preload := map[string][]byte{testHash: []byte("chunk bytes")}
	_, err := s.StartDownload("out1", []string{testHash}, preload, time.Now())
	require.NoError(t, err)

	require.NotNil(t, completed)
	assert.Equal(t, "out1", completed.OutputPath)
	assert.Empty(t, *sent) // no WHOHAS: nothing was needed
}

func ihavePacketFor(t *testing.T, hash string) peerprotocol.Packet {
	t.Helper()
	raw, err := hexToHash(hash)
	require.NoError(t, err)
	buf, err := peerprotocol.EncodeIHave([][20]byte{raw})
	require.NoError(t, err)
	pkt, err := peerprotocol.Decode(buf)
	require.NoError(t, err)
	return pkt
}

func TestResponderTriggersGet(t *testing.T) {
	s, hm, _, sent := newTestScheduler(t)
	_, err := s.StartDownload("out1", []string{testHash}, nil, time.Now())
	require.NoError(t, err)
	*sent = nil

	require.NoError(t, hm.HandleIHave(1, ihavePacketFor(t, testHash)))

	task, ok := s.Task("out1")
	require.True(t, ok)
	assert.Equal(t, RosterIndex(1), task.inFlight[testHash])
	assert.NotEmpty(t, *sent) // the GET
}

func TestChunkCompleteMarksTaskDone(t *testing.T) {
	s, hm, rt, _ := newTestScheduler(t)
	_, err := s.StartDownload("out1", []string{testHash}, nil, time.Now())
	require.NoError(t, err)

	require.NoError(t, hm.HandleIHave(1, ihavePacketFor(t, testHash)))

	var completed *DownloadTask
	s.OnTaskComplete = func(task *DownloadTask) { completed = task }
	rt.OnComplete(1, testHash, []byte("chunk bytes"))

	require.NotNil(t, completed)
	assert.Equal(t, "out1", completed.OutputPath)
	assert.Equal(t, []byte("chunk bytes"), completed.chunks[testHash])
}
