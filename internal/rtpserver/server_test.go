package rtpserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUpdateSequenceTrackingDetectsLoss(t *testing.T) {
	flow := &flowRecord{}
	assert.Equal(t, 0, updateSequenceTracking(flow, 100))
	assert.Equal(t, 0, updateSequenceTracking(flow, 101))
	assert.Equal(t, 3, updateSequenceTracking(flow, 105)) // 102,103,104 lost
}

func TestUpdateSequenceTrackingHandlesWraparound(t *testing.T) {
	flow := &flowRecord{}
	updateSequenceTracking(flow, 65534)
	loss := updateSequenceTracking(flow, 65535)
	assert.Equal(t, 0, loss)
	loss = updateSequenceTracking(flow, 0)
	assert.Equal(t, 0, loss, "sequence wraparound must not be reported as loss")
}

func TestUpdateJitterStartsAtZero(t *testing.T) {
	flow := &flowRecord{}
	now := time.Now()
	updateJitter(flow, 8000, now)
	assert.Equal(t, 0.0, flow.jitter, "first sample establishes a baseline, not a jitter estimate")
	flow.lastArrivalAt = now

	updateJitter(flow, 8160, now.Add(20*time.Millisecond))
	assert.GreaterOrEqual(t, flow.jitter, 0.0)
}
