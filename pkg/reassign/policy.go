package reassign

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"taskflow/pkg/task"

	"gopkg.in/yaml.v3"
)

// Decision is what a Policy allows for one rejection.
type Decision struct {
	SpawnCounterpart bool
	Escalate         bool // notify administrators
}

// Policy decides, per rejected task and its new rejection count, whether the
// other tier gets a derivative task and whether to escalate.
type Policy interface {
	Decide(t *task.Task, rejections int) Decision
}

// DualTier always spawns a counterpart task and never escalates.
type DualTier struct{}

func (DualTier) Decide(*task.Task, int) Decision {
	return Decision{SpawnCounterpart: true}
}

// ThresholdPolicy spawns a counterpart only once a task has been rejected
// enough times for its priority, and escalates past EscalateAfter.
//
//	counterpart:
//	  default: 1
//	  by_priority:
//	    low: 3
//	    urgent: 1
//	escalate_after: 3
type ThresholdPolicy struct {
	Counterpart struct {
		Default    int                   `yaml:"default"`
		ByPriority map[task.Priority]int `yaml:"by_priority"`
	} `yaml:"counterpart"`
	EscalateAfter int `yaml:"escalate_after"` // 0 disables escalation
}

func (p *ThresholdPolicy) Decide(t *task.Task, rejections int) Decision {
	need := p.Counterpart.Default
	if n, ok := p.Counterpart.ByPriority[t.Priority]; ok {
		need = n
	}
	if need <= 0 {
		need = 1
	}
	return Decision{
		SpawnCounterpart: rejections >= need,
		Escalate:         p.EscalateAfter > 0 && rejections >= p.EscalateAfter,
	}
}

// ParsePolicy decodes a ThresholdPolicy document.
func ParsePolicy(data []byte) (*ThresholdPolicy, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("reassign: policy is empty")
	}
	var p ThresholdPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("reassign: decode policy: %w", err)
	}
	for prio, n := range p.Counterpart.ByPriority {
		if _, err := task.ParsePriority(string(prio)); err != nil || prio == "" {
			return nil, fmt.Errorf("reassign: policy: unknown priority %q", prio)
		}
		if n < 0 {
			return nil, fmt.Errorf("reassign: policy: negative threshold for %s", prio)
		}
	}
	if p.Counterpart.Default < 0 || p.EscalateAfter < 0 {
		return nil, fmt.Errorf("reassign: policy: thresholds must not be negative")
	}
	return &p, nil
}

// LoadPolicy reads a policy file. An empty path gives DualTier.
func LoadPolicy(path string) (Policy, error) {
	if strings.TrimSpace(path) == "" {
		return DualTier{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reassign: read %s: %w", path, err)
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("reassign: %s: %w", path, err)
	}
	return p, nil
}
