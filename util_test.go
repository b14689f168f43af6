package offline

import (
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMonitor(t *testing.T) {
	monitor := NewMonitor()

	notify := monitor.NotifyChannel()
	notified := false
	select {
	case <-notify:
		notified = true
	default:
	}
	assert.Equal(t, notified, false)

	monitor.NotifyAll()
	select {
	case <-notify:
	case <-time.After(1 * time.Second):
		t.FailNow()
	}

	// each channel is good for one edge. take a new one to wait again.
	notify = monitor.NotifyChannel()

	n := 8
	released := make(chan struct{}, n)
	wg := sync.WaitGroup{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-notify:
				released <- struct{}{}
			case <-time.After(5 * time.Second):
			}
		}()
	}

	monitor.NotifyAll()
	wg.Wait()
	assert.Equal(t, len(released), n)
}

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func(int)]()
	assert.Equal(t, callbacks.Count(), 0)

	sum := 0
	aId := callbacks.Add(func(v int) {
		sum += v
	})
	bId := callbacks.Add(func(v int) {
		sum += 10 * v
	})
	assert.Equal(t, callbacks.Count(), 2)

	for _, callback := range callbacks.Get() {
		callback(1)
	}
	assert.Equal(t, sum, 11)

	// Get is a snapshot. later adds do not appear in it.
	snapshot := callbacks.Get()
	callbacks.Add(func(v int) {
		sum += 100 * v
	})
	assert.Equal(t, len(snapshot), 2)
	assert.Equal(t, callbacks.Count(), 3)

	callbacks.Remove(aId)
	assert.Equal(t, callbacks.Count(), 2)

	sum = 0
	for _, callback := range callbacks.Get() {
		callback(1)
	}
	assert.Equal(t, sum, 110)

	// removing twice is a no-op
	callbacks.Remove(aId)
	callbacks.Remove(bId)
	assert.Equal(t, callbacks.Count(), 1)
}
