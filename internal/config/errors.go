package config

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a ConfigurationError.
type ErrorKind string

const (
	errRequired ErrorKind = "required"
	errInvalid  ErrorKind = "invalid"
)

// ConfigurationError describes one invalid configuration value. Field is
// the yaml key, with an index for list entries ("baseURLs[1]").
type ConfigurationError struct {
	Field       string    `json:"field"`
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Suggestions []string  `json:"suggestions,omitempty"`
}

func (ce ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s", ce.Field, ce.Message)
}

// ConfigurationErrorCollection is returned by Validate. It is a value type
// so callers can match it with errors.As on a ConfigurationErrorCollection.
type ConfigurationErrorCollection struct {
	Errors []ConfigurationError `json:"errors"`
}

func (cec ConfigurationErrorCollection) Error() string {
	switch len(cec.Errors) {
	case 0:
		return "no configuration errors"
	case 1:
		return cec.Errors[0].Error()
	}
	msgs := make([]string, len(cec.Errors))
	for i, e := range cec.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d configuration errors: %s", len(cec.Errors), strings.Join(msgs, "; "))
}

// HasErrors returns true if there are any errors in the collection.
func (cec *ConfigurationErrorCollection) HasErrors() bool {
	return len(cec.Errors) > 0
}

func (cec *ConfigurationErrorCollection) Count() int {
	return len(cec.Errors)
}

// AddError records a problem with field.
func (cec *ConfigurationErrorCollection) AddError(field string, kind ErrorKind, message string, suggestions ...string) {
	cec.Errors = append(cec.Errors, ConfigurationError{
		Field:       field,
		Kind:        kind,
		Message:     message,
		Suggestions: suggestions,
	})
}

// Field returns the errors reported for field.
func (cec *ConfigurationErrorCollection) Field(field string) []ConfigurationError {
	var filtered []ConfigurationError
	for _, err := range cec.Errors {
		if err.Field == field {
			filtered = append(filtered, err)
		}
	}
	return filtered
}

// Report renders one block per error with its suggestions, for printing
// under a failed command.
func (cec *ConfigurationErrorCollection) Report() string {
	var b strings.Builder
	for i, e := range cec.Errors {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s (%s): %s", e.Field, e.Kind, e.Message)
		for _, s := range e.Suggestions {
			fmt.Fprintf(&b, "\n  hint: %s", s)
		}
	}
	return b.String()
}
