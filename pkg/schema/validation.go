package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity indicates whether an issue blocks a flow.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a flow definition. Path points at
// the offending element, e.g. "steps[2].runner" or "connections.fetch[0]".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues of every validation pass. Only errors
// make a flow invalid.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddErrorf(path, code, format string, args ...any) {
	r.AddError(path, code, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends the issues of other. A nil other is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other != nil {
		r.Errors = append(r.Errors, other.Errors...)
		r.Warnings = append(r.Warnings, other.Warnings...)
	}
}

// Codes lists the distinct error codes in the order first seen.
func (r *ValidationResult) Codes() []string {
	seen := make(map[string]bool, len(r.Errors))
	var codes []string
	for _, iss := range r.Errors {
		if !seen[iss.Code] {
			seen[iss.Code] = true
			codes = append(codes, iss.Code)
		}
	}
	return codes
}

// Summary joins the error issues as "path: message" separated by "; ".
func (r *ValidationResult) Summary() string {
	parts := make([]string, len(r.Errors))
	for i, iss := range r.Errors {
		parts[i] = iss.String()
	}
	return strings.Join(parts, "; ")
}

// ToError returns nil for a valid result. Otherwise it returns a *FlowError
// whose code is the issue's own code when there is exactly one error, so
// callers can match UNKNOWN_NODE or CYCLE_DETECTED directly, and VALIDATION
// when there are several.
func (r *ValidationResult) ToError() error {
	switch len(r.Errors) {
	case 0:
		return nil
	case 1:
		return r.flowError(r.Errors[0].Code, r.Errors[0].Message)
	default:
		return r.flowError(ErrCodeValidation, fmt.Sprintf("validation failed with %d errors: %s", len(r.Errors), r.Summary()))
	}
}

func (r *ValidationResult) flowError(code, msg string) *FlowError {
	return NewError(code, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
