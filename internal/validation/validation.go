// Package validation defines the schema capability the collection
// consumes and a rule-based validator for building concrete schemas.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Issue represents a single field validation failure.
type Issue struct {
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// Validator checks a record before it enters a collection. A nil
// issue slice means the (possibly normalized) value is accepted.
type Validator interface {
	Validate(value map[string]any) (map[string]any, []Issue)
}

// Collector accumulates issues without failing on first.
type Collector struct {
	issues []Issue
}

// Add appends an issue to the collector if non-nil.
func (c *Collector) Add(issue *Issue) {
	if issue != nil {
		c.issues = append(c.issues, *issue)
	}
}

// HasIssues returns true if the collector has accumulated any issues.
func (c *Collector) HasIssues() bool {
	return len(c.issues) > 0
}

// Issues returns all accumulated issues.
func (c *Collector) Issues() []Issue {
	return c.issues
}

// Rule checks one field value. The value is absent when ok is false.
type Rule func(path string, value any, ok bool) *Issue

// Rules is a field-keyed Validator. Every rule for every field runs;
// issues accumulate rather than short-circuiting.
type Rules map[string][]Rule

// Validate implements Validator.
func (r Rules) Validate(value map[string]any) (map[string]any, []Issue) {
	var c Collector
	for field, rules := range r {
		v, ok := value[field]
		for _, rule := range rules {
			c.Add(rule(field, v, ok))
		}
	}
	if c.HasIssues() {
		return nil, c.Issues()
	}
	return value, nil
}

// Required fails when the field is absent, nil, or whitespace-only.
func Required() Rule {
	return func(path string, value any, ok bool) *Issue {
		if !ok || value == nil {
			return &Issue{Path: path, Message: "is required"}
		}
		if s, isStr := value.(string); isStr && strings.TrimSpace(s) == "" {
			return &Issue{Path: path, Message: "is required"}
		}
		return nil
	}
}

// IsString fails when a present field is not a string or not valid
// UTF-8.
func IsString() Rule {
	return func(path string, value any, ok bool) *Issue {
		if !ok || value == nil {
			return nil
		}
		s, isStr := value.(string)
		if !isStr {
			return &Issue{Path: path, Message: "must be a string"}
		}
		if !utf8.ValidString(s) {
			return &Issue{Path: path, Message: "must be valid UTF-8"}
		}
		return nil
	}
}

// MaxLength fails when a present string exceeds max runes.
func MaxLength(max int) Rule {
	return func(path string, value any, ok bool) *Issue {
		s, isStr := value.(string)
		if !ok || !isStr {
			return nil
		}
		if utf8.RuneCountInString(s) > max {
			return &Issue{
				Path:    path,
				Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
			}
		}
		return nil
	}
}

// IsNumber fails when a present field is not numeric.
func IsNumber() Rule {
	return func(path string, value any, ok bool) *Issue {
		if !ok || value == nil {
			return nil
		}
		switch value.(type) {
		case int, int64, float64:
			return nil
		}
		return &Issue{Path: path, Message: "must be a number"}
	}
}

// Range fails when a present numeric field is outside [min, max].
func Range(min, max float64) Rule {
	return func(path string, value any, ok bool) *Issue {
		if !ok {
			return nil
		}
		var f float64
		switch n := value.(type) {
		case int:
			f = float64(n)
		case int64:
			f = float64(n)
		case float64:
			f = n
		default:
			return nil
		}
		if f < min || f > max {
			return &Issue{
				Path:    path,
				Message: fmt.Sprintf("must be between %.1f and %.1f", min, max),
			}
		}
		return nil
	}
}

// Enum fails when a present string field is not in the allowed list.
func Enum(allowed ...string) Rule {
	return func(path string, value any, ok bool) *Issue {
		s, isStr := value.(string)
		if !ok || !isStr {
			return nil
		}
		for _, a := range allowed {
			if s == a {
				return nil
			}
		}
		return &Issue{
			Path:    path,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
		}
	}
}
