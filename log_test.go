package offline

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLogRateLimiter(t *testing.T) {
	limiter := NewLogRateLimiter(50 * time.Millisecond)

	// first entry for a tag always logs
	suppressed, allow := limiter.Allow("reconnect")
	assert.Equal(t, allow, true)
	assert.Equal(t, suppressed, 0)

	// repeats inside the interval are suppressed and counted
	suppressed, allow = limiter.Allow("reconnect")
	assert.Equal(t, allow, false)
	assert.Equal(t, suppressed, 1)
	suppressed, allow = limiter.Allow("reconnect")
	assert.Equal(t, allow, false)
	assert.Equal(t, suppressed, 2)

	// tags rate limit independently
	suppressed, allow = limiter.Allow("persist")
	assert.Equal(t, allow, true)
	assert.Equal(t, suppressed, 0)

	// after the interval the next entry logs and reports what was dropped
	time.Sleep(60 * time.Millisecond)
	suppressed, allow = limiter.Allow("reconnect")
	assert.Equal(t, allow, true)
	assert.Equal(t, suppressed, 2)

	// and the count starts over
	suppressed, allow = limiter.Allow("reconnect")
	assert.Equal(t, allow, false)
	assert.Equal(t, suppressed, 1)
}
