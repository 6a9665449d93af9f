// Package instrument holds the per-model facts of the supported bench
// instruments: limits, supported transports, and SCPI command templates.
package instrument

import (
	"os"

	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/battlab/battlab/pkg/transport"
)

// Kind identifies an instrument model.
type Kind string

const (
	KindKeithley2281S  Kind = "keithley-2281s"
	KindSorensenSGX    Kind = "sorensen-sgx"
	KindProdigit34205A Kind = "prodigit-34205a"
)

// Spec is the immutable description of one instrument model. Command
// templates are fmt format strings keyed by operation name.
type Spec struct {
	Name       string            `yaml:"name"`
	Kind       Kind              `yaml:"kind"`
	MaxVoltage float64           `yaml:"maxVoltage"`
	MaxCurrent float64           `yaml:"maxCurrent"`
	MaxPower   float64           `yaml:"maxPower"`
	Transports []transport.Kind  `yaml:"transports"`
	Commands   map[string]string `yaml:"commands"`
}

// Command returns the template for the named operation.
func (s *Spec) Command(name string) (string, bool) {
	c, ok := s.Commands[name]
	return c, ok
}

// SupportsTransport reports whether the model is reachable over the given
// transport kind.
func (s *Spec) SupportsTransport(k transport.Kind) bool {
	for _, t := range s.Transports {
		if t == k {
			return true
		}
	}
	return false
}

// ByKind returns the built-in spec for a model, or nil.
func ByKind(k Kind) *Spec {
	s, ok := builtins[k]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// Builtins returns a copy of every built-in spec.
func Builtins() map[Kind]*Spec {
	out := make(map[Kind]*Spec, len(builtins))
	for k, s := range builtins {
		cp := *s
		out[k] = &cp
	}
	return out
}

// Kinds lists the known models.
func Kinds() []Kind {
	return []Kind{KindKeithley2281S, KindSorensenSGX, KindProdigit34205A}
}

// LoadFile reads spec overrides from a YAML file. Entries replace the
// built-in spec of the same kind wholesale.
func LoadFile(path string) (map[Kind]*Spec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "read instrument specs %s", path)
	}

	var loaded []*Spec
	if err := yaml.Unmarshal(b, &loaded); err != nil {
		return nil, pkgerrors.Wrapf(err, "parse instrument specs %s", path)
	}

	out := make(map[Kind]*Spec, len(builtins))
	for k, s := range builtins {
		cp := *s
		out[k] = &cp
	}
	for _, s := range loaded {
		if s.Kind == "" {
			return nil, pkgerrors.Errorf("instrument spec %q has no kind", s.Name)
		}
		out[s.Kind] = s
	}
	return out, nil
}
