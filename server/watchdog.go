package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matgreaves/stackup/spec"
)

// StallSnapshot describes the services that are holding startup up.
type StallSnapshot struct {
	StalledFor time.Duration
	Services   []StalledService
}

// StalledService is one unsettled service and what it is waiting on.
type StalledService struct {
	Name      string
	Phase     spec.Phase
	Probe     string
	WaitingOn []string
}

// progressWatchdog logs a diagnostic snapshot whenever no transition has
// been recorded for stallTimeout. It exits when ctx ends or every service
// is steady.
func progressWatchdog(ctx context.Context, state *RunState, g *Graph, log *zap.Logger, stallTimeout time.Duration) {
	ticker := time.NewTicker(stallTimeout)
	defer ticker.Stop()

	var lastCount int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		count := len(state.Transitions())
		if count == lastCount {
			snap := buildStallSnapshot(state.Snapshot(), g, stallTimeout)
			if len(snap.Services) == 0 {
				return
			}
			log.Warn(formatStallMessage(snap))
		}
		lastCount = count
	}
}

// buildStallSnapshot lists every unsettled service. Pending services name
// the prerequisites whose conditions are not yet met.
func buildStallSnapshot(snap Snapshot, g *Graph, stalledFor time.Duration) StallSnapshot {
	out := StallSnapshot{StalledFor: stalledFor}
	for _, st := range snap.Services {
		if st.Steady() {
			continue
		}
		ss := StalledService{Name: st.Name, Phase: st.Phase}
		if st.LastProbe.Status != "" && !st.LastProbe.OK() {
			ss.Probe = fmt.Sprintf("%d attempts, last: %s", st.ProbeAttempts, st.LastProbe.Reason)
		}
		if st.Phase == spec.PhasePending {
			for _, dep := range g.Prerequisites(st.Name) {
				pre, _ := snap.Get(dep.Service)
				if !Satisfied(dep, pre) {
					ss.WaitingOn = append(ss.WaitingOn, fmt.Sprintf("%s (%s)", dep.Service, dep.Condition))
				}
			}
		}
		out.Services = append(out.Services, ss)
	}
	return out
}

func formatStallMessage(s StallSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "no progress for %s:", s.StalledFor)
	for _, svc := range s.Services {
		fmt.Fprintf(&b, "\n  %s: %s", svc.Name, svc.Phase)
		if len(svc.WaitingOn) > 0 {
			b.WriteString(", waiting on ")
			b.WriteString(strings.Join(svc.WaitingOn, ", "))
		}
		if svc.Probe != "" {
			b.WriteString(", health check ")
			b.WriteString(svc.Probe)
		}
	}
	return b.String()
}
