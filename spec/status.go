package spec

// Phase tracks a service through its lifecycle.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseLaunching Phase = "launching"
	PhaseRunning   Phase = "running"
	PhaseHealthy   Phase = "healthy"
	PhaseExited    Phase = "exited"
	PhaseFailed    Phase = "failed"
	PhaseBlocked   Phase = "blocked"
	PhaseStopped   Phase = "stopped"
)

// Active reports whether the phase has a live process behind it.
func (p Phase) Active() bool {
	return p == PhaseLaunching || p == PhaseRunning || p == PhaseHealthy
}

// RestartPolicy is the per-service rule applied when a running service's
// process exits on its own.
type RestartPolicy struct {
	Policy RestartMode `json:"policy" yaml:"policy"`

	// MaxRetries bounds restarts for on-failure. Zero means unbounded.
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// RestartMode is the restart policy tag.
type RestartMode string

const (
	RestartNo            RestartMode = "no"
	RestartUnlessStopped RestartMode = "unless-stopped"
	RestartAlways        RestartMode = "always"
	RestartOnFailure     RestartMode = "on-failure"
)
