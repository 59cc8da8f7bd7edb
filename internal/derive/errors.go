package derive

import (
	"fmt"
	"sort"
	"strings"
)

// FieldError is one failed field of a stage input.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError enumerates every field of a stage input that failed
// validation. No state changes accompany it.
type ValidationError struct {
	Stage  string       `json:"stage"`
	Fields []FieldError `json:"fields"`
}

func (e ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("%s validation failed: %s", e.Stage, strings.Join(parts, "; "))
}

// NotFoundError reports a catalog lookup miss.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s unavailable", e.Kind, e.Key)
}

type fieldErrors []FieldError

func (fe *fieldErrors) add(field, format string, args ...any) {
	*fe = append(*fe, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (fe fieldErrors) err(stage string) error {
	if len(fe) == 0 {
		return nil
	}
	out := make([]FieldError, len(fe))
	copy(out, fe)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return ValidationError{Stage: stage, Fields: out}
}

func invalid(stage, field, format string, args ...any) error {
	var fe fieldErrors
	fe.add(field, format, args...)
	return fe.err(stage)
}
