package deadman

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFiresOnceWithoutKeepAlive(t *testing.T) {
	var hits atomic.Int32
	d := New(20*time.Millisecond, func() { hits.Add(1) })

	d.Start()
	time.Sleep(120 * time.Millisecond)

	assert.Equal(t, int32(1), hits.Load())
	assert.True(t, d.Fired())

	// keep-alive after the alarm does not re-arm the cycle
	d.KeepAlive()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), hits.Load())
}

func TestKeepAlivePreventsAlarm(t *testing.T) {
	var hits atomic.Int32
	d := New(80*time.Millisecond, func() { hits.Add(1) })

	d.Start()
	for i := 0; i < 10; i++ {
		time.Sleep(15 * time.Millisecond)
		d.KeepAlive()
	}
	d.Stop()
	time.Sleep(120 * time.Millisecond)

	assert.Zero(t, hits.Load())
	assert.False(t, d.Fired())
}

func TestStopDisarms(t *testing.T) {
	var hits atomic.Int32
	d := New(20*time.Millisecond, func() { hits.Add(1) })

	d.Start()
	d.Stop()
	time.Sleep(60 * time.Millisecond)

	assert.Zero(t, hits.Load())
}

func TestRestartBeginsNewCycle(t *testing.T) {
	var hits atomic.Int32
	d := New(15*time.Millisecond, func() { hits.Add(1) })

	d.Start()
	time.Sleep(60 * time.Millisecond)
	d.Stop()
	d.Start()
	time.Sleep(60 * time.Millisecond)
	d.Stop()

	assert.Equal(t, int32(2), hits.Load())
}

func TestZeroTimeoutDisabled(t *testing.T) {
	var hits atomic.Int32
	d := New(0, func() { hits.Add(1) })

	d.Start()
	d.KeepAlive()
	time.Sleep(20 * time.Millisecond)

	assert.Zero(t, hits.Load())
}
