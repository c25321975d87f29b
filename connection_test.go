package p2pchunk

import (
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
)

func TestSlowStartGrowsWindowOnEachAck(t *testing.T) {
	c := NewConnection(0, "hash", DirectionUpload, log.Default)
	assert.Equal(t, 1, c.Window())

	now := time.Now()
	c.onAck(1, now)
	assert.Equal(t, 2, c.Window())
	c.onAck(2, now)
	assert.Equal(t, 3, c.Window())
}

func TestThirdDuplicateAckTriggersFastRetransmit(t *testing.T) {
	c := NewConnection(0, "hash", DirectionUpload, log.Default)
	now := time.Now()
	c.onAck(5, now) // establishes sendBase=5, lastAckNum=5

	assert.False(t, c.onAck(5, now))
	assert.False(t, c.onAck(5, now))
	assert.True(t, c.onAck(5, now))
}

func TestLossCollapsesWindowToOneAndHalvesThreshold(t *testing.T) {
	c := NewConnection(0, "hash", DirectionUpload, log.Default)
	c.cwnd = 20
	c.onLoss()
	assert.Equal(t, float64(InitialCongestionWindow), c.cwnd)
	assert.Equal(t, 10.0, c.ssthresh)
	assert.Equal(t, phaseCongestionAvoidance, c.phase)
}

func TestLossFloorsThresholdAtTwo(t *testing.T) {
	c := NewConnection(0, "hash", DirectionUpload, log.Default)
	c.cwnd = 2
	c.onLoss()
	assert.Equal(t, float64(InitialCongestionWindow), c.cwnd)
	assert.Equal(t, 2.0, c.ssthresh)
}

func TestTimeoutResetsToSlowStart(t *testing.T) {
	c := NewConnection(0, "hash", DirectionUpload, log.Default)
	c.cwnd = 20
	c.onTimeout()
	assert.Equal(t, float64(InitialCongestionWindow), c.cwnd)
	assert.Equal(t, phaseSlowStart, c.phase)
}

func TestRTOUsesFixedValueWhenSet(t *testing.T) {
	c := NewConnection(0, "hash", DirectionUpload, log.Default)
	c.SetFixedRTO(5 * time.Second)
	assert.Equal(t, 5*time.Second, c.RTO())
}

func TestRTODefaultsBeforeAnySample(t *testing.T) {
	c := NewConnection(0, "hash", DirectionUpload, log.Default)
	assert.Equal(t, DefaultRTT, c.RTO())
}

func TestUpdateRTTConverges(t *testing.T) {
	c := NewConnection(0, "hash", DirectionUpload, log.Default)
	c.updateRTT(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, c.srtt)
	c.updateRTT(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, c.srtt)
}

func TestIdleDetection(t *testing.T) {
	c := NewConnection(0, "hash", DirectionUpload, log.Default)
	c.lastActivity = time.Now().Add(-time.Minute)
	assert.True(t, c.Idle(time.Now(), 30*time.Second))
	assert.False(t, c.Idle(time.Now(), 2*time.Minute))
}
