package offline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestConnectivityMonitorEdges(t *testing.T) {
	ctx := context.Background()

	monitor := NewConnectivityMonitorWithDefaults(ctx)
	defer monitor.Close()

	// reachability starts pessimistic
	assert.Equal(t, monitor.IsOnline(), false)

	transitions := []bool{}
	unsub := monitor.AddChangeCallback(func(online bool) {
		transitions = append(transitions, online)
	})

	monitor.SetOnline(true)
	// repeating the same value is not an edge
	monitor.SetOnline(true)
	monitor.SetOnline(false)
	monitor.SetOnline(true)

	assert.Equal(t, monitor.IsOnline(), true)
	assert.Equal(t, transitions, []bool{true, false, true})

	unsub()
	monitor.SetOnline(false)
	assert.Equal(t, monitor.IsOnline(), false)
	assert.Equal(t, transitions, []bool{true, false, true})
}

func TestConnectivityMonitorProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	settings := &ConnectivityMonitorSettings{
		ProbeUrl:      server.URL,
		ProbeInterval: 20 * time.Millisecond,
		ProbeTimeout:  1 * time.Second,
	}
	monitor := NewConnectivityMonitor(context.Background(), settings)
	defer monitor.Close()

	waitForOnline(t, monitor, true)

	// an unreachable probe target flips the monitor back offline
	server.Close()
	waitForOnline(t, monitor, false)
}

func waitForOnline(t *testing.T, monitor *ConnectivityMonitor, online bool) {
	end := time.Now().Add(5 * time.Second)
	for time.Now().Before(end) {
		if monitor.IsOnline() == online {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.FailNow()
}
