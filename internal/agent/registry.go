package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sitepipe/internal/domain"
)

type FieldKind string

const (
	FieldString FieldKind = "string"
	FieldNumber FieldKind = "number"
	FieldBool   FieldKind = "bool"
	FieldArray  FieldKind = "array"
	FieldObject FieldKind = "object"
	FieldAny    FieldKind = "any"
)

// Field declares one top-level key of a stage's input or output object.
type Field struct {
	Name     string    `yaml:"name"`
	Kind     FieldKind `yaml:"kind"`
	Required bool      `yaml:"required"`
}

// Spec is one stage's agent definition: prompt, schemas and execution
// limits. Specs are interchangeable; the invoker only depends on this shape.
type Spec struct {
	Stage          domain.Stage
	SystemPrompt   string
	Input          []Field
	Output         []Field
	OutputMode     domain.OutputMode
	Timeout        time.Duration
	MaxTokens      int
	Temperature    float64
	CostPerKTokens float64
	EnforceRetries int
	Critical       bool
}

// Registry maps stages to agent specs. It is built once at startup and
// passed by reference; there is no process-wide singleton.
type Registry struct {
	specs map[domain.Stage]Spec
}

func NewRegistry(specs ...Spec) (*Registry, error) {
	byStage := make(map[domain.Stage]Spec, len(specs))
	for _, spec := range specs {
		if spec.Stage == "" {
			return nil, fmt.Errorf("agent spec has empty stage")
		}
		if _, exists := byStage[spec.Stage]; exists {
			return nil, fmt.Errorf("duplicate agent spec for stage %s", spec.Stage)
		}
		if strings.TrimSpace(spec.SystemPrompt) == "" {
			return nil, fmt.Errorf("agent spec %s has empty system prompt", spec.Stage)
		}
		if spec.OutputMode == "" {
			spec.OutputMode = domain.OutputModeStrict
		}
		if spec.OutputMode != domain.OutputModeStrict && spec.OutputMode != domain.OutputModeBestEffort {
			return nil, fmt.Errorf("agent spec %s has unknown output mode %q", spec.Stage, spec.OutputMode)
		}
		if spec.Timeout <= 0 {
			spec.Timeout = 60 * time.Second
		}
		if spec.EnforceRetries <= 0 {
			spec.EnforceRetries = 3
		}
		byStage[spec.Stage] = spec
	}
	if len(byStage) == 0 {
		return nil, fmt.Errorf("registry needs at least one agent spec")
	}
	return &Registry{specs: byStage}, nil
}

func (r *Registry) Lookup(stage domain.Stage) (Spec, bool) {
	spec, ok := r.specs[stage]
	return spec, ok
}

// Critical reports whether a stage's terminal failure should halt the
// whole project.
func (r *Registry) Critical(stage domain.Stage) bool {
	spec, ok := r.specs[stage]
	return ok && spec.Critical
}

func (r *Registry) Stages() []domain.Stage {
	stages := make([]domain.Stage, 0, len(r.specs))
	for stage := range r.specs {
		stages = append(stages, stage)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i] < stages[j] })
	return stages
}

type playbookFile struct {
	Agents []playbookAgent `yaml:"agents"`
}

type playbookAgent struct {
	Stage          string  `yaml:"stage"`
	SystemPrompt   string  `yaml:"system_prompt"`
	Input          []Field `yaml:"input"`
	Output         []Field `yaml:"output"`
	OutputMode     string  `yaml:"output_mode"`
	TimeoutMS      int     `yaml:"timeout_ms"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	CostPerKTokens float64 `yaml:"cost_per_k_tokens"`
	EnforceRetries int     `yaml:"enforce_retries"`
	Critical       bool    `yaml:"critical"`
}

// LoadPlaybook reads stage agent definitions from a YAML playbook file.
func LoadPlaybook(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playbook %s: %w", path, err)
	}
	return ParsePlaybook(data)
}

func ParsePlaybook(data []byte) ([]Spec, error) {
	var file playbookFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode playbook: %w", err)
	}
	if len(file.Agents) == 0 {
		return nil, fmt.Errorf("playbook declares no agents")
	}
	specs := make([]Spec, 0, len(file.Agents))
	for _, item := range file.Agents {
		specs = append(specs, Spec{
			Stage:          domain.Stage(strings.TrimSpace(item.Stage)),
			SystemPrompt:   item.SystemPrompt,
			Input:          item.Input,
			Output:         item.Output,
			OutputMode:     domain.OutputMode(strings.TrimSpace(item.OutputMode)),
			Timeout:        time.Duration(item.TimeoutMS) * time.Millisecond,
			MaxTokens:      item.MaxTokens,
			Temperature:    item.Temperature,
			CostPerKTokens: item.CostPerKTokens,
			EnforceRetries: item.EnforceRetries,
			Critical:       item.Critical,
		})
	}
	return specs, nil
}

// ValidateObject checks a JSON value against declared top-level fields.
func ValidateObject(stage domain.Stage, fields []Field, raw json.RawMessage) error {
	if len(raw) == 0 {
		return domain.ValidationError{Stage: stage, Reason: "empty payload"}
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal(raw, &object); err != nil {
		return domain.ValidationError{Stage: stage, Reason: fmt.Sprintf("payload is not a JSON object: %v", err)}
	}
	for _, field := range fields {
		value, ok := object[field.Name]
		if !ok || isJSONNull(value) {
			if field.Required {
				return domain.ValidationError{Stage: stage, Field: field.Name, Reason: "required field missing"}
			}
			continue
		}
		if err := checkKind(field.Kind, value); err != nil {
			return domain.ValidationError{Stage: stage, Field: field.Name, Reason: err.Error()}
		}
	}
	return nil
}

func checkKind(kind FieldKind, value json.RawMessage) error {
	switch kind {
	case FieldAny, "":
		return nil
	case FieldString:
		var v string
		if err := json.Unmarshal(value, &v); err != nil {
			return fmt.Errorf("expected string")
		}
	case FieldNumber:
		var v float64
		if err := json.Unmarshal(value, &v); err != nil {
			return fmt.Errorf("expected number")
		}
	case FieldBool:
		var v bool
		if err := json.Unmarshal(value, &v); err != nil {
			return fmt.Errorf("expected bool")
		}
	case FieldArray:
		var v []json.RawMessage
		if err := json.Unmarshal(value, &v); err != nil {
			return fmt.Errorf("expected array")
		}
	case FieldObject:
		var v map[string]json.RawMessage
		if err := json.Unmarshal(value, &v); err != nil {
			return fmt.Errorf("expected object")
		}
	default:
		return fmt.Errorf("unknown field kind %q", kind)
	}
	return nil
}

func isJSONNull(value json.RawMessage) bool {
	return strings.TrimSpace(string(value)) == "null"
}
