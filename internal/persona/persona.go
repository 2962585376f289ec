// Package persona holds the canonical persona record, the normalizer
// that turns loosely shaped stored fields into that record, and the
// compiler that flattens a record into a system prompt.
//
// Persona fields arrive in many shapes: newline-delimited strings from
// older editors, JSON arrays from the API, objects keyed by index from
// form posts. [Normalize] accepts all of them and always returns a
// valid (possibly empty) [Record]. Normalization is idempotent.
package persona

import "errors"

// ErrNotFound is returned by stores when no persona matches an id.
var ErrNotFound = errors.New("persona not found")

// Record is the canonical, normalized form of a persona.
type Record struct {
	ID          string     `json:"id"`
	Title       string     `json:"title,omitempty"`
	Role        string     `json:"role"`
	Guidelines  []string   `json:"guidelines"`
	Constraints []string   `json:"constraints"`
	Variables   []Variable `json:"variables"`
	Examples    []Example  `json:"examples"`
}

// Variable is a named placeholder token exposed to the model as
// {{name}}. Name is always a non-empty slug.
type Variable struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Example is a single few-shot exchange.
type Example struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// Fields returns the record as a raw field map of the shape [Normalize]
// consumes. Lists are []any so that re-normalizing a record exercises
// exactly the same code path as normalizing freshly decoded JSON.
func (r Record) Fields() map[string]any {
	guidelines := make([]any, len(r.Guidelines))
	for i, g := range r.Guidelines {
		guidelines[i] = g
	}
	constraints := make([]any, len(r.Constraints))
	for i, c := range r.Constraints {
		constraints[i] = c
	}
	variables := make([]any, len(r.Variables))
	for i, v := range r.Variables {
		variables[i] = map[string]any{"name": v.Name, "description": v.Description}
	}
	examples := make([]any, len(r.Examples))
	for i, e := range r.Examples {
		examples[i] = map[string]any{"input": e.Input, "output": e.Output}
	}
	return map[string]any{
		"id":          r.ID,
		"title":       r.Title,
		"role":        r.Role,
		"guidelines":  guidelines,
		"constraints": constraints,
		"variables":   variables,
		"examples":    examples,
	}
}

// Empty reports whether the record carries no prompt content at all.
func (r Record) Empty() bool {
	return r.Role == "" && len(r.Guidelines) == 0 && len(r.Constraints) == 0 &&
		len(r.Variables) == 0 && len(r.Examples) == 0
}
