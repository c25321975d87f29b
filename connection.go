package p2pchunk

import (
	"time"

	"github.com/anacrolix/chansync"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
)

// ConnectionState tracks where a single chunk transfer sits in its
// lifecycle.
type ConnectionState int

const (
	StateHandshaking ConnectionState = iota
	StateTransferring
	StateCompleted
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateTransferring:
		return "transferring"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TransferDirection says which end of the Connection is sending DATA.
type TransferDirection int

const (
	DirectionUpload TransferDirection = iota
	DirectionDownload
)

// congestionPhase is the Reno state machine: slow start doubles the
// window every RTT, congestion avoidance grows it by one packet per RTT,
// and a loss event halves ssthresh and collapses the window to one packet:
// after 3 duplicate ACKs it continues in congestion avoidance, after a
// timeout it restarts slow start.
type congestionPhase int

const (
	phaseSlowStart congestionPhase = iota
	phaseCongestionAvoidance
)

// Connection is one reliable, congestion-controlled, chunk-sized transfer
// between this peer and a remote peer, identified by the chunk hash being
// moved. It holds its own sequence space; it does not know about any
// other Connection.
type Connection struct {
	Peer      RosterIndex
	Hash      string
	Direction TransferDirection
	State     ConnectionState

	Stats ConnStats

	// Congestion control.
	cwnd        float64
	ssthresh    float64
	phase       congestionPhase
	dupAcks     int
	lastAckNum  uint32

	// RTT estimation (Jacobson/Karn).
	srtt       time.Duration
	rttvar     time.Duration
	haveRTT    bool
	fixedRTO   g.Option[time.Duration]

	// Sequencing.
	nextSeqToSend   uint32
	sendBase        uint32 // oldest unacked seq
	nextSeqExpected uint32 // for download: next contiguous seq we need

	// Per-packet send timestamps, keyed by seq_num, for RTT sampling and
	// per-packet timeout detection. Never optional: every in-flight
	// packet has exactly one timestamp until acked or retransmitted.
	sentAt map[uint32]time.Time

	// Payload being sent (upload) or assembled (download).
	outbound []byte // full chunk bytes being uploaded, sliced by seq*MaxPayload
	received map[uint32][]byte // download: out-of-order segments buffered by seq

	lastActivity time.Time
	closed       chansync.SetOnce

	logger log.Logger
}

// RosterIndex identifies a peer by its position in the roster file.
type RosterIndex int

func NewConnection(peer RosterIndex, hash string, dir TransferDirection, logger log.Logger) *Connection {
	return &Connection{
		Peer:         peer,
		Hash:         hash,
		Direction:    dir,
		State:        StateHandshaking,
		cwnd:         InitialCongestionWindow,
		ssthresh:     SlowStartThreshold,
		phase:        phaseSlowStart,
		sentAt:       make(map[uint32]time.Time),
		received:     make(map[uint32][]byte),
		lastActivity: time.Now(),
		logger:       logger,
	}
}

// Window returns the current congestion window, in packets.
func (c *Connection) Window() int {
	w := int(c.cwnd)
	if w < 1 {
		w = 1
	}
	return w
}

// onAck advances congestion state for a cumulative ACK of ackNum packets.
// It returns true if this ACK triggered a fast retransmit (3rd duplicate).
func (c *Connection) onAck(ackNum uint32, now time.Time) (fastRetransmit bool) {
	if ackNum == c.lastAckNum && ackNum == c.sendBase {
		c.dupAcks++
		if c.dupAcks == DupAckFastRetransmitCount {
			c.onLoss()
			return true
		}
		return false
	}

	// New data acknowledged: grow the window.
	c.dupAcks = 0
	c.lastAckNum = ackNum
	if ackNum > c.sendBase {
		c.sendBase = ackNum
	}
	switch c.phase {
	case phaseSlowStart:
		c.cwnd++
		if c.cwnd >= c.ssthresh {
			c.phase = phaseCongestionAvoidance
		}
	case phaseCongestionAvoidance:
		c.cwnd += 1 / c.cwnd
	}
	return false
}

// onLoss handles a detected loss (timeout or fast retransmit): drop the
// slow-start threshold to half the current window (floored at 2) and
// collapse cwnd to 1, falling back to congestion avoidance. No fast-recovery
// inflation: the window is never left partially open while recovering.
func (c *Connection) onLoss() {
	c.ssthresh = c.cwnd * CongestionMultiplicativeDecrease
	if c.ssthresh < 2 {
		c.ssthresh = 2
	}
	c.cwnd = InitialCongestionWindow
	c.phase = phaseCongestionAvoidance
	c.dupAcks = 0
}

// onTimeout is a stronger loss signal than dupAcks: slow start restarts
// from the initial window.
func (c *Connection) onTimeout() {
	c.ssthresh = c.cwnd * CongestionMultiplicativeDecrease
	if c.ssthresh < 2 {
		c.ssthresh = 2
	}
	c.cwnd = InitialCongestionWindow
	c.phase = phaseSlowStart
	c.dupAcks = 0
}

// updateRTT applies a fresh RTT sample using the Jacobson/Karn algorithm.
// Samples from retransmitted packets must never be passed here: the
// caller is responsible for Karn's rule (only sample RTT on packets that
// were never retransmitted).
func (c *Connection) updateRTT(sample time.Duration) {
	if !c.haveRTT {
		c.srtt = sample
		c.rttvar = sample / 2
		c.haveRTT = true
		return
	}
	diff := sample - c.srtt
	if diff < 0 {
		diff = -diff
	}
	c.rttvar = time.Duration((1-RTTBeta)*float64(c.rttvar) + RTTBeta*float64(diff))
	c.srtt = time.Duration((1-RTTAlpha)*float64(c.srtt) + RTTAlpha*float64(sample))
}

// RTO returns the current retransmission timeout: the configured fixed
// value if one was given on the command line, otherwise srtt + 4*rttvar
// per Jacobson's algorithm, floored at MinRetransmitWait and defaulting
// to DefaultRTT before any sample has been taken.
func (c *Connection) RTO() time.Duration {
	if v, ok := c.fixedRTO.Get(); ok {
		return v
	}
	if !c.haveRTT {
		return DefaultRTT
	}
	rto := c.srtt + 4*c.rttvar
	if rto < MinRetransmitWait {
		rto = MinRetransmitWait
	}
	return rto
}

func (c *Connection) SetFixedRTO(d time.Duration) {
	c.fixedRTO.Set(d)
}

func (c *Connection) touch(now time.Time) {
	c.lastActivity = now
}

func (c *Connection) Idle(now time.Time, timeout time.Duration) bool {
	return now.Sub(c.lastActivity) > timeout
}

func (c *Connection) Close() {
	panicif.True(c.closed.IsSet())
	c.closed.Set()
}

func (c *Connection) Closed() bool {
	return c.closed.IsSet()
}
