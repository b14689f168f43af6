package offline

import (
	"sync"
	"time"
)

// Logging convention in the `offline` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of one time (infrequent)
//     initialization data that is useful for monitoring
//     this includes:
//     - connectivity transitions and drain start/stop
//     - channel state transitions
// Warning:
//     errors that were swallowed for partial operation
//     this includes:
//     - dropped operations after the retry cap
//     - persistence failures
//     - recovered panics from listener callbacks
// V(1):
//     key events with ids that can be used to filter
// V(2):
//     frequent events - e.g. enqueue, dispatch, retry, notify - kept off
//     unless explicitly enabled

// Allows one log entry per tag per interval and counts the rest.
// The realtime channel uses this to go log-silent after repeated
// reconnect failures instead of warning on every attempt.
type LogRateLimiter struct {
	minInterval time.Duration

	mutex            sync.Mutex
	lastLogTimes     map[string]time.Time
	suppressedCounts map[string]int
}

func NewLogRateLimiter(minInterval time.Duration) *LogRateLimiter {
	return &LogRateLimiter{
		minInterval:      minInterval,
		lastLogTimes:     map[string]time.Time{},
		suppressedCounts: map[string]int{},
	}
}

// returns the number of entries suppressed since the last allowed entry,
// and whether this entry should be logged
func (self *LogRateLimiter) Allow(tag string) (int, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	now := time.Now()
	if lastLogTime, ok := self.lastLogTimes[tag]; ok {
		if now.Sub(lastLogTime) < self.minInterval {
			self.suppressedCounts[tag] += 1
			return self.suppressedCounts[tag], false
		}
	}
	suppressed := self.suppressedCounts[tag]
	self.suppressedCounts[tag] = 0
	self.lastLogTimes[tag] = now
	return suppressed, true
}
