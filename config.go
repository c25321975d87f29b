package p2pchunk

import (
	"time"

	g "github.com/anacrolix/generics"
)

// Config is the immutable set of parameters threaded through every
// component's constructor. It is built once by cmd/peer from CLI flags
// and never mutated afterwards.
type Config struct {
	// SelfIndex is this peer's own roster index (-i).
	SelfIndex int
	// MaxConn bounds the number of simultaneous inbound transfers this
	// peer will admit (-m).
	MaxConn int
	// FixedTimeout, if set, overrides RTT-derived retransmit timeouts
	// with a constant value (-t, 0 meaning "use RTT estimation").
	FixedTimeout g.Option[time.Duration]
	// Verbosity selects how much is logged (-v, 0-3).
	Verbosity int
}

// Tuning constants carried over from the reference implementation's
// congestion control and scheduling behaviour.
const (
	ChunkSize = 512 * 1024

	// Congestion control (Reno-style).
	InitialCongestionWindow   = 1
	SlowStartThreshold        = 64
	CongestionMultiplicativeDecrease = 0.5
	DupAckFastRetransmitCount = 3

	// RTT estimation (Jacobson/Karn).
	RTTAlpha          = 0.15
	RTTBeta           = 0.30
	DefaultRTT        = 1 * time.Second
	MinRetransmitWait = 200 * time.Millisecond

	// Handshake / scheduler timers.
	WhoHasInterval             = 30 * time.Second
	ConnectionCleanupInterval  = 30 * time.Second
	DownloadInactivityTimeout  = 120 * time.Second
	MaxConcurrentDownloads     = 10

	// Event loop.
	PollInterval = 100 * time.Millisecond
)
