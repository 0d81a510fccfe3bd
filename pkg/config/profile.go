package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/obsidia-labs/x108/pkg/engine"
	"github.com/obsidia-labs/x108/pkg/policy"
	"github.com/obsidia-labs/x108/pkg/risk"
	"github.com/obsidia-labs/x108/pkg/temporal"
)

// SupportedProfileVersions is the range of profile versions this build reads.
const SupportedProfileVersions = ">= 1.0.0, < 2.0.0"

// ErrInvalidProfile wraps every profile load failure other than I/O.
var ErrInvalidProfile = errors.New("invalid profile")

// profileFile is the on-disk shape. Pointers mark the keys that must be present.
type profileFile struct {
	Version            *string       `yaml:"version"`
	Tau                *float64      `yaml:"tau_seconds"`
	CoherenceThreshold *float64      `yaml:"coherence_threshold"`
	Killswitch         *killswitch   `yaml:"killswitch"`
	Policies           []policy.Rule `yaml:"policies"`
}

type killswitch struct {
	MaxDrawdown          *float64 `yaml:"max_drawdown"`
	MaxVolatility        *float64 `yaml:"max_volatility"`
	MaxConsecutiveLosses *int     `yaml:"max_consecutive_losses"`
	CooldownSteps        *int     `yaml:"cooldown_steps"`
}

// LoadProfile reads the gate profile at path.
func LoadProfile(path string) (engine.Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.Profile{}, fmt.Errorf("load profile %q: %w", path, err)
	}
	p, err := ParseProfile(data)
	if err != nil {
		return engine.Profile{}, fmt.Errorf("load profile %q: %w", path, err)
	}
	return p, nil
}

// ParseProfile decodes and checks a YAML profile. Unknown keys are rejected.
func ParseProfile(data []byte) (engine.Profile, error) {
	var f profileFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return engine.Profile{}, fmt.Errorf("%w: empty document", ErrInvalidProfile)
		}
		return engine.Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}

	var missing []string
	need := func(ok bool, key string) {
		if !ok {
			missing = append(missing, key)
		}
	}
	need(f.Version != nil, "version")
	need(f.Tau != nil, "tau_seconds")
	need(f.Killswitch != nil, "killswitch")
	if f.Killswitch != nil {
		need(f.Killswitch.MaxDrawdown != nil, "killswitch.max_drawdown")
		need(f.Killswitch.MaxVolatility != nil, "killswitch.max_volatility")
		need(f.Killswitch.MaxConsecutiveLosses != nil, "killswitch.max_consecutive_losses")
		need(f.Killswitch.CooldownSteps != nil, "killswitch.cooldown_steps")
	}
	if len(missing) > 0 {
		return engine.Profile{}, fmt.Errorf("%w: missing required keys %v", ErrInvalidProfile, missing)
	}

	if err := validateSchema(data); err != nil {
		return engine.Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if err := checkVersion(*f.Version); err != nil {
		return engine.Profile{}, err
	}

	threshold := temporal.DefaultCoherenceThreshold
	if f.CoherenceThreshold != nil {
		threshold = *f.CoherenceThreshold
	}
	return engine.Profile{
		Version:            *f.Version,
		Tau:                *f.Tau,
		CoherenceThreshold: threshold,
		Killswitch: risk.Config{
			MaxDrawdown:          *f.Killswitch.MaxDrawdown,
			MaxVolatility:        *f.Killswitch.MaxVolatility,
			MaxConsecutiveLosses: *f.Killswitch.MaxConsecutiveLosses,
			CooldownSteps:        *f.Killswitch.CooldownSteps,
		},
		Policies: f.Policies,
	}, nil
}

func checkVersion(raw string) error {
	v, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("%w: version %q: %v", ErrInvalidProfile, raw, err)
	}
	c, err := semver.NewConstraint(SupportedProfileVersions)
	if err != nil {
		return fmt.Errorf("%w: constraint: %v", ErrInvalidProfile, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: version %s outside %s", ErrInvalidProfile, v, SupportedProfileVersions)
	}
	return nil
}
