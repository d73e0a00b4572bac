package dispatch

import "fmt"

// Spec is the serialisable description of a target, used by config files
// and the HTTP API. Only out-of-process kinds can be described.
type Spec struct {
	Kind    Kind   `yaml:"kind" json:"kind"`
	Subject string `yaml:"subject,omitempty" json:"subject,omitempty"`
	Name    string `yaml:"name,omitempty" json:"name,omitempty"`
}

// Target builds the target described by s.
func (s Spec) Target() (Target, error) {
	switch s.Kind {
	case KindNATS:
		if s.Subject == "" {
			return nil, fmt.Errorf("%w: nats target needs a subject", ErrUnsupportedTarget)
		}
		return NATS{Subject: s.Subject}, nil
	case KindLog:
		name := s.Name
		if name == "" {
			name = "signals"
		}
		return Log{Name: name}, nil
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnsupportedTarget, s.Kind)
	}
}

// SpecOf describes t, when t is describable.
func SpecOf(t Target) (Spec, bool) {
	switch v := t.(type) {
	case NATS:
		return Spec{Kind: KindNATS, Subject: v.Subject}, true
	case Log:
		return Spec{Kind: KindLog, Name: v.Name}, true
	default:
		return Spec{}, false
	}
}
