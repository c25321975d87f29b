package p2pchunk

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
)

// Count is an atomically-updated counter used for connection statistics
// (packets sent, packets acked, bytes transferred, retransmits). Even
// though the event loop itself is single-threaded, status reporting can
// be read from a signal handler or a debug endpoint running on another
// goroutine, so the counters stay atomic.
type Count struct {
	n int64
}

func (c *Count) Add(n int64) {
	atomic.AddInt64(&c.n, n)
}

func (c *Count) Int64() int64 {
	return atomic.LoadInt64(&c.n)
}

func (c *Count) String() string {
	return strconv.FormatInt(c.Int64(), 10)
}

func (c *Count) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Int64())
}

// ConnStats collects the per-connection counters surfaced in verbose
// status output.
type ConnStats struct {
	PacketsSent    Count
	PacketsAcked   Count
	PacketsLost    Count
	Retransmits    Count
	BytesSent      Count
	BytesReceived  Count
}
