package ringchan

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingChannelDropsOldest(t *testing.T) {
	rc := New[int](3)
	for i := 0; i < 10; i++ {
		assert.True(t, rc.Send(i), "Send MUST succeed while open")
	}
	rc.Close()

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}

	assert.Equal(t, []int{7, 8, 9}, got, "only the newest values MUST survive")
	m := rc.GetMetrics()
	assert.Equal(t, int64(10), m.Written)
	assert.Equal(t, int64(7), m.Overwritten)
}

func TestRingChannelClose(t *testing.T) {
	rc := New[int](2)
	rc.Send(1)
	rc.Close()
	rc.Close()

	assert.False(t, rc.Send(2), "Send after Close MUST report false")

	v, ok := <-rc.C()
	assert.True(t, ok, "buffered value MUST remain readable")
	assert.Equal(t, 1, v)

	_, ok = <-rc.C()
	assert.False(t, ok, "drained closed channel MUST report closed")
}

func TestRingChannelConcurrentSendAndClose(t *testing.T) {
	rc := New[int](4)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				rc.Send(p*1000 + i)
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range rc.C() {
		}
	}()

	wg.Wait()
	rc.Close()
	<-done

	m := rc.GetMetrics()
	assert.Equal(t, int64(8000), m.Written, "every Send before Close MUST be written")
}

func TestNewPanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}
