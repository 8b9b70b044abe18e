package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFrameThrottle_Burst(t *testing.T) {
	now := time.Unix(1000, 0)
	th := NewFrameThrottle(1, 3, time.Minute)
	th.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, th.Allow("alice"), "burst frame %d", i)
	}
	assert.False(t, th.Allow("alice"))

	now = now.Add(time.Second)
	assert.True(t, th.Allow("alice"), "one token refilled")
	assert.False(t, th.Allow("alice"))
}

func TestFrameThrottle_Disabled(t *testing.T) {
	th := NewFrameThrottle(0, 0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, th.Allow("alice"))
	}
}

func TestFrameThrottle_Cleanup(t *testing.T) {
	now := time.Unix(1000, 0)
	th := NewFrameThrottle(10, 10, time.Minute)
	th.now = func() time.Time { return now }

	th.Allow("alice")
	now = now.Add(30 * time.Second)
	th.Allow("bob")
	assert.Equal(t, 2, th.Len())

	now = now.Add(40 * time.Second)
	assert.Equal(t, 1, th.Cleanup())
	assert.Equal(t, 1, th.Len())
}

func TestFrameThrottle_OpportunisticGC(t *testing.T) {
	now := time.Unix(1000, 0)
	th := NewFrameThrottle(10, 10, time.Minute)
	th.now = func() time.Time { return now }
	th.gcEveryN = 3

	th.Allow("idle")
	now = now.Add(2 * time.Minute)
	th.Allow("active")
	th.Allow("active")

	assert.Equal(t, 1, th.Len(), "third lookup swept the idle sender")
}
