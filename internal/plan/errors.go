package plan

import "fmt"

// ConfigurationError reports invalid or missing provisioning input, such as an
// empty subnet selection or a literal value where a secret reference is required.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "configuration: " + e.Msg
}

// Configf builds a ConfigurationError from a format string.
func Configf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// DependencyError reports a referenced entity that is not yet ready, such as a
// security-group peer built out of order or a node group that has not reported
// ready before target-group attachment.
type DependencyError struct {
	Entity string
	Msg    string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency %s: %s", e.Entity, e.Msg)
}

// ConflictError reports two compute backends contending for the same target group.
type ConflictError struct {
	Resource string
	Msg      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Msg)
}
