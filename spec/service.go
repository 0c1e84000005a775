package spec

// Service defines a single launchable unit within a stack. A Service is
// produced once by the loader and never mutated afterwards.
type Service struct {
	// Name is the unique service identifier (the key under "services").
	Name string `json:"name" yaml:"name"`

	// Index is the declaration position in the stack file. It is the
	// tie-break for services that become launchable at the same time.
	Index int `json:"index" yaml:"index"`

	// DependsOn lists prerequisites in declaration order.
	DependsOn []Dependency `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// HealthCheck is the readiness check. Nil means none declared.
	HealthCheck *HealthCheck `json:"healthcheck,omitempty" yaml:"healthcheck,omitempty"`

	// Restart governs what happens when the service exits unexpectedly.
	Restart RestartPolicy `json:"restart" yaml:"restart"`

	// Launch directive. None of the fields below are interpreted by the
	// orchestrator; they are passed through to the launch backend.

	Image         string            `json:"image,omitempty" yaml:"image,omitempty"`
	ContainerName string            `json:"container_name,omitempty" yaml:"container_name,omitempty"`
	Entrypoint    []string          `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`
	Command       []string          `json:"command,omitempty" yaml:"command,omitempty"`
	WorkingDir    string            `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	Environment   map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	Volumes       []VolumeMount     `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	Networks      []string          `json:"networks,omitempty" yaml:"networks,omitempty"`
	Ports         []string          `json:"ports,omitempty" yaml:"ports,omitempty"`
	ExtraHosts    []string          `json:"extra_hosts,omitempty" yaml:"extra_hosts,omitempty"`
	CapAdd        []string          `json:"cap_add,omitempty" yaml:"cap_add,omitempty"`
	CapDrop       []string          `json:"cap_drop,omitempty" yaml:"cap_drop,omitempty"`
	Logging       *Logging          `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// Dependency is one prerequisite edge: the named service must satisfy
// Condition before the owning service may launch.
type Dependency struct {
	Service   string    `json:"service" yaml:"service"`
	Condition Condition `json:"condition" yaml:"condition"`

	// Restart asks for the dependent to be restarted whenever the
	// prerequisite is restarted.
	Restart bool `json:"restart,omitempty" yaml:"restart,omitempty"`

	// Required is false for optional prerequisites that may be absent from
	// the stack. Defaults to true.
	Required bool `json:"required" yaml:"required"`
}

// Condition is the criterion by which a dependent judges a prerequisite ready.
type Condition string

const (
	// ConditionStarted is satisfied once the prerequisite process exists.
	ConditionStarted Condition = "started"
	// ConditionHealthy is satisfied while the prerequisite's readiness check passes.
	ConditionHealthy Condition = "healthy"
	// ConditionCompletedSuccessfully is satisfied once the prerequisite
	// exited with code 0. It marks the prerequisite as a one-shot task.
	ConditionCompletedSuccessfully Condition = "completed_successfully"
)

// ParseCondition accepts both the short names and the compose spellings
// (service_started, service_healthy, service_completed_successfully).
// The empty string means started.
func ParseCondition(s string) (Condition, bool) {
	switch s {
	case "", "started", "service_started":
		return ConditionStarted, true
	case "healthy", "service_healthy":
		return ConditionHealthy, true
	case "completed_successfully", "service_completed_successfully":
		return ConditionCompletedSuccessfully, true
	}
	return "", false
}

// VolumeMount attaches a named volume or a host path to a service.
type VolumeMount struct {
	// Source is a named volume (Bind false) or an absolute host path (Bind true).
	Source   string `json:"source" yaml:"source"`
	Target   string `json:"target" yaml:"target"`
	Bind     bool   `json:"bind,omitempty" yaml:"bind,omitempty"`
	ReadOnly bool   `json:"read_only,omitempty" yaml:"read_only,omitempty"`
}

// Logging selects the log driver used by the backend for a service.
type Logging struct {
	Driver  string            `json:"driver,omitempty" yaml:"driver,omitempty"`
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// Network is a named shared network segment.
type Network struct {
	// Name is the backend-side name. Defaults to "<project>_<key>".
	Name     string `json:"name" yaml:"name"`
	Driver   string `json:"driver,omitempty" yaml:"driver,omitempty"`
	External bool   `json:"external,omitempty" yaml:"external,omitempty"`
}

// Volume is a named persistent storage volume.
type Volume struct {
	// Name is the backend-side name. Defaults to "<project>_<key>".
	Name     string `json:"name" yaml:"name"`
	Driver   string `json:"driver,omitempty" yaml:"driver,omitempty"`
	External bool   `json:"external,omitempty" yaml:"external,omitempty"`
}
