package jobmgr

import "fmt"

// Distribution describes a parameter sampled from a range rather than
// given as a fixed scalar.
type Distribution struct {
	Min  int    `json:"min"`
	Max  int    `json:"max"`
	Type string `json:"type"` // "normal" | "lognormal"
}

// ModelParameter is either a fixed Scalar or a Distribution, never both.
type ModelParameter struct {
	Scalar       *float64      `json:"scalar,omitempty"`
	Distribution *Distribution `json:"distribution,omitempty"`
}

// Validate checks that exactly one of Scalar/Distribution is set and that a
// Distribution's bounds and type are sane.
func (p ModelParameter) Validate() error {
	hasScalar := p.Scalar != nil
	hasDist := p.Distribution != nil
	if hasScalar == hasDist {
		return fmt.Errorf("parameter must set exactly one of scalar or distribution")
	}
	if hasDist {
		d := p.Distribution
		if d.Min > d.Max {
			return fmt.Errorf("distribution min %d exceeds max %d", d.Min, d.Max)
		}
		switch d.Type {
		case "normal", "lognormal":
		default:
			return fmt.Errorf("unsupported distribution type %q", d.Type)
		}
	}
	return nil
}

// ModelRequest is the per-model section of a job submit payload.
type ModelRequest struct {
	Version    float64                   `json:"version"`
	Output     string                    `json:"output"`
	Parameters map[string]ModelParameter `json:"parameters"`
}

// OriginatingRequest is the full context a Job was created from: the model
// execution request plus the caller identity and resource ask.
type OriginatingRequest struct {
	Model           string                  `json:"model_name"`
	ModelConfig     ModelRequest            `json:"model_config"`
	RequestedCPUs   int                     `json:"cpu_count"`
	RequestedMemory int64                   `json:"memory_size"`
	ConfigDataID    string                  `json:"config_data_id"`
	SessionSecret   string                  `json:"session_secret"`
	UserID          string                  `json:"user_id"`
	Policy          string                  `json:"allocation_policy,omitempty"`
}

// Validate accumulates every validation failure instead of stopping at the
// first, so a caller can fix every problem in one round trip rather than
// discovering them one at a time.
func (r OriginatingRequest) Validate() []string {
	var problems []string
	if r.Model == "" {
		problems = append(problems, "model name is required")
	}
	if r.RequestedCPUs <= 0 {
		problems = append(problems, "cpu_count must be a positive integer")
	}
	if r.RequestedMemory < 0 {
		problems = append(problems, "memory_size must not be negative")
	}
	if r.SessionSecret == "" {
		problems = append(problems, "session-secret is required")
	}
	for name, p := range r.ModelConfig.Parameters {
		if err := p.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("parameter %q: %s", name, err))
		}
	}
	return problems
}
