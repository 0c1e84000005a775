// Package ready implements service readiness checks and the probe loop that
// turns repeated check results into a healthy or failed verdict.
package ready

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/matgreaves/stackup/spec"
)

// ErrProbeExhausted is returned by Probe when the retry budget is used up
// after the start period.
var ErrProbeExhausted = errors.New("health check retries exhausted")

// Status is the outcome of a single check.
type Status string

const (
	Healthy   Status = "healthy"
	Unhealthy Status = "unhealthy"
	// Error means the check could not be executed at all (connection
	// refused, exec failure). It counts as a failure.
	Error Status = "error"
)

// Result is the outcome of a single check with a human-readable reason.
type Result struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// OK reports whether the check passed.
func (r Result) OK() bool { return r.Status == Healthy }

func healthy() Result { return Result{Status: Healthy} }

func unhealthy(format string, args ...any) Result {
	return Result{Status: Unhealthy, Reason: errors.Newf(format, args...).Error()}
}

func failed(err error) Result {
	return Result{Status: Error, Reason: err.Error()}
}

// Checker performs a single readiness check.
type Checker interface {
	Check(ctx context.Context) Result
}

// ExecFunc runs argv in the service's context and returns its exit code.
type ExecFunc func(ctx context.Context, argv []string) (int, error)

// ForHealthCheck returns the Checker for hc. Command checks run through exec.
func ForHealthCheck(hc spec.HealthCheck, exec ExecFunc) Checker {
	hc = hc.WithDefaults()
	switch hc.Kind {
	case spec.CheckHTTP:
		return &HTTP{URL: hc.Endpoint, SuccessMin: hc.SuccessMin, SuccessMax: hc.SuccessMax}
	case spec.CheckTCP:
		return &TCP{Addr: hc.Endpoint}
	case spec.CheckGRPC:
		return &GRPC{Addr: hc.Endpoint}
	default:
		return &Command{Argv: hc.Command, Exec: exec}
	}
}

// Policy controls the probe loop.
type Policy struct {
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// PolicyFor returns the probe policy for hc, with compose defaults applied.
func PolicyFor(hc spec.HealthCheck) Policy {
	hc = hc.WithDefaults()
	return Policy{
		Interval:    hc.Interval.Duration,
		Timeout:     hc.Timeout.Duration,
		Retries:     hc.Retries,
		StartPeriod: hc.StartPeriod.Duration,
	}
}

// Attempt describes one probe attempt as seen by the report callback.
type Attempt struct {
	N      int
	Result Result

	// Counted is false for failures inside the start period.
	Counted bool

	// Failures is the number of consecutive counted failures so far.
	Failures int
}

// Probe runs checker until it reports healthy (returns nil), the retry
// budget is exhausted (returns an error marked ErrProbeExhausted) or ctx
// ends (returns ctx.Err()). The first attempt runs immediately.
//
// Failures while the start period is still running never count toward
// Retries. report, if non-nil, is called after every attempt.
func Probe(ctx context.Context, checker Checker, p Policy, report func(Attempt)) error {
	if p.Retries <= 0 {
		p.Retries = spec.DefaultCheckRetries
	}
	started := time.Now()
	failures := 0

	for n := 1; ; n++ {
		res := checkOnce(ctx, checker, p.Timeout)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		a := Attempt{N: n, Result: res}
		if res.OK() {
			if report != nil {
				report(a)
			}
			return nil
		}
		if time.Since(started) >= p.StartPeriod {
			failures++
			a.Counted = true
		}
		a.Failures = failures
		if report != nil {
			report(a)
		}
		if failures >= p.Retries {
			return errors.Mark(
				errors.Newf("%d consecutive failures, last: %s", failures, res.Reason),
				ErrProbeExhausted,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Interval):
		}
	}
}

func checkOnce(ctx context.Context, checker Checker, timeout time.Duration) Result {
	if timeout <= 0 {
		return checker.Check(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res := checker.Check(actx)
	if !res.OK() && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return Result{Status: Error, Reason: "timed out after " + timeout.String()}
	}
	return res
}
