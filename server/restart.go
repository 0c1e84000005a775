package server

import (
	"fmt"
	"math"
	"time"

	"github.com/matgreaves/stackup/spec"
)

// Decision is the restart policy's verdict on a process exit.
type Decision struct {
	Restart bool
	Reason  string
}

// OnExit decides whether a service whose process exited on its own should
// be relaunched. restarts is the number of restarts already performed.
// Teardown never reaches here: supervisors are cancelled before services
// are stopped.
func OnExit(policy spec.RestartPolicy, exitCode int, manuallyStopped, oneShot bool, restarts int) Decision {
	if oneShot && exitCode == 0 {
		return Decision{Reason: "completed successfully"}
	}
	switch policy.Policy {
	case spec.RestartAlways:
		return Decision{Restart: true, Reason: "restart policy always"}
	case spec.RestartUnlessStopped:
		if manuallyStopped {
			return Decision{Reason: "stopped manually"}
		}
		return Decision{Restart: true, Reason: "restart policy unless-stopped"}
	case spec.RestartOnFailure:
		if exitCode == 0 {
			return Decision{Reason: "exited cleanly"}
		}
		if manuallyStopped {
			return Decision{Reason: "stopped manually"}
		}
		if policy.MaxRetries > 0 && restarts >= policy.MaxRetries {
			return Decision{Reason: fmt.Sprintf("on-failure retry limit %d reached", policy.MaxRetries)}
		}
		return Decision{Restart: true, Reason: fmt.Sprintf("exit code %d", exitCode)}
	}
	return Decision{Reason: "restart policy no"}
}

// Backoff computes the delay before restart attempt n (starting at 1).
type Backoff interface {
	Next(attempt int) time.Duration
}

// ExponentialBackoff doubles from Initial up to Max.
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff matches the daemon's restart delay: 100ms doubling to 1m.
var DefaultBackoff Backoff = ExponentialBackoff{Initial: 100 * time.Millisecond, Max: time.Minute, Multiplier: 2}

func (b ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt <= 1 {
		return b.Initial
	}
	mult := b.Multiplier
	if mult <= 1 {
		mult = 2
	}
	d := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// FixedBackoff waits the same delay before every restart.
type FixedBackoff time.Duration

func (b FixedBackoff) Next(int) time.Duration { return time.Duration(b) }
