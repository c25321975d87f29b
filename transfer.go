package p2pchunk

import (
	"fmt"
	"net"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/pkg/errors"

	"github.com/dannyzb/p2pchunk/peerprotocol"
)

// connKey identifies a Connection uniquely across the whole process: one
// peer can only have one outstanding transfer of a given hash at a time
// in either direction.
type connKey struct {
	peer RosterIndex
	hash string
	dir  TransferDirection
}

// ReliableTransfer owns every in-flight Connection and drives its
// sequencing, congestion control, and retransmission. It never decides
// which chunks to fetch or who to ask; that is the Scheduler and
// HandshakeManager's job. It only moves bytes once a GET has been
// admitted.
type ReliableTransfer struct {
	conns map[connKey]*Connection
	addrs map[RosterIndex]*net.UDPAddr
	send  func(b []byte, addr *net.UDPAddr) error
	logger log.Logger

	// OnComplete is invoked once a download Connection finishes
	// reassembling its chunk.
	OnComplete func(peer RosterIndex, hash string, data []byte)
	// OnFailed is invoked when a Connection gives up.
	OnFailed func(peer RosterIndex, hash string, err error)
}

func NewReliableTransfer(send func(b []byte, addr *net.UDPAddr) error, logger log.Logger) *ReliableTransfer {
	return &ReliableTransfer{
		conns:  make(map[connKey]*Connection),
		addrs:  make(map[RosterIndex]*net.UDPAddr),
		send:   send,
		logger: logger,
	}
}

func (rt *ReliableTransfer) SetPeerAddr(peer RosterIndex, addr *net.UDPAddr) {
	rt.addrs[peer] = addr
}

// StartUpload begins sending chunkData to peer as a sequence of DATA
// packets, admitted by the HandshakeManager already. It primes the
// congestion window and sends the first burst immediately.
func (rt *ReliableTransfer) StartUpload(peer RosterIndex, hash string, chunkData []byte, fixedRTO g.Option[time.Duration]) *Connection {
	c := NewConnection(peer, hash, DirectionUpload, rt.logger)
	c.outbound = chunkData
	c.State = StateTransferring
	if v, ok := fixedRTO.Get(); ok {
		c.SetFixedRTO(v)
	}
	rt.conns[connKey{peer, hash, DirectionUpload}] = c
	rt.pumpSends(c, time.Now())
	return c
}

// StartDownload begins a download Connection awaiting DATA packets for
// hash from peer, after a GET has been sent by the caller.
func (rt *ReliableTransfer) StartDownload(peer RosterIndex, hash string, fixedRTO g.Option[time.Duration]) *Connection {
	c := NewConnection(peer, hash, DirectionDownload, rt.logger)
	c.State = StateTransferring
	if v, ok := fixedRTO.Get(); ok {
		c.SetFixedRTO(v)
	}
	rt.conns[connKey{peer, hash, DirectionDownload}] = c
	return c
}

func (rt *ReliableTransfer) lookup(peer RosterIndex, hash string, dir TransferDirection) (*Connection, bool) {
	c, ok := rt.conns[connKey{peer, hash, dir}]
	return c, ok
}

// totalSegments returns how many MaxPayload-sized segments chunkData
// splits into.
func totalSegments(n int) uint32 {
	segs := n / peerprotocol.MaxPayload
	if n%peerprotocol.MaxPayload != 0 {
		segs++
	}
	return uint32(segs)
}

// pumpSends sends as many unsent segments as the congestion window
// currently allows, for an upload Connection.
func (rt *ReliableTransfer) pumpSends(c *Connection, now time.Time) {
	addr, ok := rt.addrs[c.Peer]
	if !ok {
		return
	}
	total := totalSegments(len(c.outbound))
	inFlight := c.nextSeqToSend - c.sendBase
	for inFlight < uint32(c.Window()) && c.nextSeqToSend < total {
		seq := c.nextSeqToSend
		start := int(seq) * peerprotocol.MaxPayload
		end := start + peerprotocol.MaxPayload
		if end > len(c.outbound) {
			end = len(c.outbound)
		}
		pkt, err := peerprotocol.EncodeData(seq, c.outbound[start:end])
		if err != nil {
			rt.fail(c, errors.Wrap(err, "encoding data packet"))
			return
		}
		if err := rt.send(pkt, addr); err != nil {
			rt.logger.Levelf(log.Debug, "send data seq=%d to peer %d: %v", seq, c.Peer, err)
		} else {
			c.Stats.PacketsSent.Add(1)
			c.Stats.BytesSent.Add(int64(end - start))
		}
		c.sentAt[seq] = now
		c.nextSeqToSend++
		c.touch(now)
		inFlight = c.nextSeqToSend - c.sendBase
	}
}

// HandleData processes an inbound DATA packet for a download Connection.
func (rt *ReliableTransfer) HandleData(peer RosterIndex, pkt peerprotocol.Packet, hash string, now time.Time) error {
	c, ok := rt.lookup(peer, hash, DirectionDownload)
	if !ok {
		return WrapKind(KindProtocol, errors.Errorf("data for unknown download %s from peer %d", hash, peer), "handle data")
	}
	c.touch(now)
	c.Stats.BytesReceived.Add(int64(len(pkt.Payload)))
	seq := pkt.Header.SeqNum
	if seq < c.nextSeqExpected {
		// Already delivered; still re-ACK so the sender's duplicate count
		// keeps moving and it does not stall waiting for this ACK.
		rt.sendAck(c, now)
		return nil
	}
	c.received[seq] = append([]byte(nil), pkt.Payload...)
	finished := false
	for {
		seg, ok := c.received[c.nextSeqExpected]
		if !ok {
			break
		}
		c.outbound = append(c.outbound, seg...)
		delete(c.received, c.nextSeqExpected)
		c.nextSeqExpected++
		if len(seg) < peerprotocol.MaxPayload {
			finished = true
			break
		}
	}
	rt.sendAck(c, now)
	if finished {
		// The first segment shorter than MaxPayload ends the chunk. It
		// counts only once delivered in order, so every earlier segment
		// is already in outbound when OnComplete fires.
		rt.completeDownload(c)
	}
	return nil
}

func (rt *ReliableTransfer) sendAck(c *Connection, now time.Time) {
	addr, ok := rt.addrs[c.Peer]
	if !ok {
		return
	}
	pkt := peerprotocol.EncodeAck(c.nextSeqExpected)
	if err := rt.send(pkt, addr); err != nil {
		rt.logger.Levelf(log.Debug, "send ack to peer %d: %v", c.Peer, err)
	}
}

func (rt *ReliableTransfer) completeDownload(c *Connection) {
	c.State = StateCompleted
	c.Close()
	delete(rt.conns, connKey{c.Peer, c.Hash, DirectionDownload})
	if rt.OnComplete != nil {
		rt.OnComplete(c.Peer, c.Hash, c.outbound)
	}
}

// HandleAck processes an inbound ACK packet for an upload Connection.
func (rt *ReliableTransfer) HandleAck(peer RosterIndex, pkt peerprotocol.Packet, hash string, now time.Time) error {
	c, ok := rt.lookup(peer, hash, DirectionUpload)
	if !ok {
		return WrapKind(KindProtocol, errors.Errorf("ack for unknown upload %s from peer %d", hash, peer), "handle ack")
	}
	c.touch(now)
	ack := pkt.Header.AckNum

	// Karn's rule: only sample RTT from packets that were never
	// retransmitted. sentAt is cleared on retransmit, so a present
	// timestamp implies a clean sample.
	if sentAt, ok := c.sentAt[ack-1]; ok && ack > 0 {
		c.updateRTT(now.Sub(sentAt))
	}
	for seq := c.sendBase; seq < ack; seq++ {
		delete(c.sentAt, seq)
	}
	c.Stats.PacketsAcked.Add(1)

	fastRetransmit := c.onAck(ack, now)
	if fastRetransmit {
		rt.retransmitFrom(c, ack, now)
	}

	total := totalSegments(len(c.outbound))
	if ack >= total {
		c.State = StateCompleted
		c.Close()
		delete(rt.conns, connKey{c.Peer, c.Hash, DirectionUpload})
		return nil
	}
	rt.pumpSends(c, now)
	return nil
}

func (rt *ReliableTransfer) retransmitFrom(c *Connection, seq uint32, now time.Time) {
	addr, ok := rt.addrs[c.Peer]
	if !ok {
		return
	}
	start := int(seq) * peerprotocol.MaxPayload
	if start >= len(c.outbound) {
		return
	}
	end := start + peerprotocol.MaxPayload
	if end > len(c.outbound) {
		end = len(c.outbound)
	}
	pkt, err := peerprotocol.EncodeData(seq, c.outbound[start:end])
	if err != nil {
		return
	}
	if err := rt.send(pkt, addr); err == nil {
		c.Stats.PacketsSent.Add(1)
	}
	delete(c.sentAt, seq) // this sample must never be used for RTT (Karn's rule)
	c.sentAt[seq] = now
	c.Stats.Retransmits.Add(1)
}

// HandleTimeouts scans every in-flight upload Connection whose oldest
// unacked segment has outlived its RTO and retransmits that segment,
// applying the Reno timeout response. Download Connections are not
// examined: a stalled download sends no extra ACK from here.
func (rt *ReliableTransfer) HandleTimeouts(now time.Time) {
	for _, c := range rt.conns {
		if c.Direction != DirectionUpload || c.State != StateTransferring {
			continue
		}
		sentAt, ok := c.sentAt[c.sendBase]
		if !ok {
			continue
		}
		if now.Sub(sentAt) < c.RTO() {
			continue
		}
		c.onTimeout()
		rt.retransmitFrom(c, c.sendBase, now)
		rt.pumpSends(c, now)
	}
}

// Cleanup drops upload and download connections that have seen no
// activity for longer than timeout, reporting them as failed.
func (rt *ReliableTransfer) Cleanup(now time.Time, timeout time.Duration) {
	for key, c := range rt.conns {
		if c.State != StateTransferring {
			continue
		}
		if !c.Idle(now, timeout) {
			continue
		}
		c.State = StateFailed
		c.Close()
		delete(rt.conns, key)
		if rt.OnFailed != nil {
			rt.OnFailed(c.Peer, c.Hash, errors.New("connection inactivity timeout"))
		}
	}
}

func (rt *ReliableTransfer) fail(c *Connection, err error) {
	c.State = StateFailed
	c.Close()
	delete(rt.conns, connKey{c.Peer, c.Hash, c.Direction})
	if rt.OnFailed != nil {
		rt.OnFailed(c.Peer, c.Hash, err)
	}
}

func (rt *ReliableTransfer) String() string {
	return fmt.Sprintf("ReliableTransfer{%d active connections}", len(rt.conns))
}
