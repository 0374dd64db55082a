package models

import (
	"encoding/json"
	"fmt"
)

// Steps is an ordered list of steps that knows how to decode the JSON
// tagged union: each element carries a "type" field naming its variant.
type Steps []Step

func (s *Steps) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	steps := make(Steps, 0, len(raw))

	for _, item := range raw {
		var envelope struct {
			Type StepType `json:"type"`
		}

		if err := json.Unmarshal(item, &envelope); err != nil {
			return err
		}

		step, err := decodeStep(envelope.Type, item)
		if err != nil {
			return err
		}

		steps = append(steps, step)
	}

	*s = steps

	return nil
}

func decodeStep(stepType StepType, data []byte) (Step, error) {
	var step Step

	switch stepType {
	case StepTypeAgent:
		step = &AgentStep{}
	case StepTypeCondition:
		step = &ConditionStep{}
	case StepTypeParallel:
		step = &ParallelStep{}
	case StepTypeAggregate:
		step = &AggregateStep{}
	case StepTypeTransform:
		step = &TransformStep{}
	case StepTypeValidate:
		step = &ValidateStep{}
	default:
		return nil, fmt.Errorf("Invalid step type: %s", stepType)
	}

	if err := json.Unmarshal(data, step); err != nil {
		return nil, err
	}

	return step, nil
}

func (s Steps) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(s))

	for _, step := range s {
		body, err := json.Marshal(step)
		if err != nil {
			return nil, err
		}

		var fields map[string]any
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, err
		}

		fields["type"] = step.StepType()

		tagged, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}

		raw = append(raw, tagged)
	}

	return json.Marshal(raw)
}

// Flatten returns the steps in depth-first order, branches included.
func (s Steps) Flatten() []Step {
	flat := make([]Step, 0, len(s))

	for _, step := range s {
		flat = append(flat, step)

		switch nested := step.(type) {
		case *ConditionStep:
			flat = append(flat, nested.Then.Flatten()...)
			flat = append(flat, nested.Else.Flatten()...)
		case *ParallelStep:
			flat = append(flat, nested.Branches.Flatten()...)
		}
	}

	return flat
}
