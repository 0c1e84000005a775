package spec

import (
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"
)

// CheckKind identifies how a readiness check is executed.
type CheckKind string

const (
	// CheckCommand runs a command in the service's context. Exit 0 is healthy.
	CheckCommand CheckKind = "command"
	// CheckHTTP issues a GET and expects a status in the success range.
	CheckHTTP CheckKind = "http"
	// CheckTCP dials an address.
	CheckTCP CheckKind = "tcp"
	// CheckGRPC calls the standard gRPC health service.
	CheckGRPC CheckKind = "grpc"
)

// Health check defaults, matching the compose defaults.
const (
	DefaultCheckInterval = 30 * time.Second
	DefaultCheckTimeout  = 30 * time.Second
	DefaultCheckRetries  = 3
)

// HealthCheck configures the readiness probe for a service.
type HealthCheck struct {
	Kind CheckKind `json:"kind" yaml:"kind"`

	// Command is the argv for command checks. A CMD-SHELL test is stored
	// as ["/bin/sh", "-c", script].
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`

	// Endpoint is the URL (http) or host:port (tcp, grpc) for endpoint checks.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// SuccessMin and SuccessMax bound the accepted HTTP status range
	// (inclusive). Zero values mean 200 and 399.
	SuccessMin int `json:"success_min,omitempty" yaml:"success_min,omitempty"`
	SuccessMax int `json:"success_max,omitempty" yaml:"success_max,omitempty"`

	// Interval is the delay between attempts.
	Interval Duration `json:"interval,omitempty" yaml:"interval,omitempty"`

	// Timeout bounds a single attempt.
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Retries is the number of counted consecutive failures after which the
	// service is considered failed.
	Retries int `json:"retries,omitempty" yaml:"retries,omitempty"`

	// StartPeriod is a grace period after launch during which failures do
	// not count toward Retries.
	StartPeriod Duration `json:"start_period,omitempty" yaml:"start_period,omitempty"`
}

// WithDefaults returns a copy of hc with zero fields replaced by defaults.
func (hc HealthCheck) WithDefaults() HealthCheck {
	if hc.Interval.Duration <= 0 {
		hc.Interval.Duration = DefaultCheckInterval
	}
	if hc.Timeout.Duration <= 0 {
		hc.Timeout.Duration = DefaultCheckTimeout
	}
	if hc.Retries <= 0 {
		hc.Retries = DefaultCheckRetries
	}
	if hc.SuccessMin == 0 {
		hc.SuccessMin = 200
	}
	if hc.SuccessMax == 0 {
		hc.SuccessMax = 399
	}
	return hc
}

// Duration wraps time.Duration with string marshalling ("5s", "100ms")
// instead of nanoseconds, for both JSON and YAML.
type Duration struct {
	time.Duration
}

// IsZero reports whether d is the zero duration. Used by encoding/json
// and yaml.v3 to evaluate omitempty on struct fields.
func (d Duration) IsZero() bool {
	return d.Duration == 0
}

func (d Duration) MarshalJSON() ([]byte, error) {
	if d.Duration == 0 {
		return []byte(`""`), nil
	}
	return json.Marshal(d.Duration.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	if d.Duration == 0 {
		return "", nil
	}
	return d.Duration.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}
