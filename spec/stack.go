package spec

// Stack is the top-level description of a collection of services and the
// shared networks and volumes they reference.
type Stack struct {
	// Name is the project name. Backend resources are prefixed with it.
	Name string `json:"name" yaml:"name"`

	// Services in declaration order. Services[i].Index == i.
	Services []Service `json:"services" yaml:"services"`

	// Networks maps the stack-local network key to its declaration.
	Networks map[string]Network `json:"networks,omitempty" yaml:"networks,omitempty"`

	// Volumes maps the stack-local volume key to its declaration.
	Volumes map[string]Volume `json:"volumes,omitempty" yaml:"volumes,omitempty"`

	// Dir is the directory the stack file was loaded from. Relative bind
	// mounts have already been resolved against it.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// DefaultNetwork is the key of the network services join when they declare none.
const DefaultNetwork = "default"

// Lookup returns the service with the given name.
func (s *Stack) Lookup(name string) (Service, bool) {
	for _, svc := range s.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return Service{}, false
}

// Names returns the service names in declaration order.
func (s *Stack) Names() []string {
	names := make([]string, len(s.Services))
	for i, svc := range s.Services {
		names[i] = svc.Name
	}
	return names
}

// NetworkName returns the backend-side name for a stack-local network key.
func (s *Stack) NetworkName(key string) string {
	if n, ok := s.Networks[key]; ok && n.Name != "" {
		return n.Name
	}
	return s.Name + "_" + key
}

// VolumeName returns the backend-side name for a stack-local volume key.
func (s *Stack) VolumeName(key string) string {
	if v, ok := s.Volumes[key]; ok && v.Name != "" {
		return v.Name
	}
	return s.Name + "_" + key
}

// Resolved returns a copy of svc with stack-local network and named volume
// keys replaced by their backend-side names. A service that declares no
// networks joins the default network.
func (s *Stack) Resolved(svc Service) Service {
	out := svc
	nets := svc.Networks
	if len(nets) == 0 {
		nets = []string{DefaultNetwork}
	}
	out.Networks = make([]string, len(nets))
	for i, key := range nets {
		out.Networks[i] = s.NetworkName(key)
	}
	if len(svc.Volumes) > 0 {
		out.Volumes = make([]VolumeMount, len(svc.Volumes))
		for i, m := range svc.Volumes {
			if !m.Bind {
				m.Source = s.VolumeName(m.Source)
			}
			out.Volumes[i] = m
		}
	}
	return out
}
