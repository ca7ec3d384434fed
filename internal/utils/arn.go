// Package utils holds small display helpers shared across commands and logs.
package utils

import "strings"

// ShortName returns the final path segment of an ARN, e.g. the revision name
// of a task-definition ARN. Inputs without a "/" come back unchanged.
func ShortName(arn string) string {
	if i := strings.LastIndex(arn, "/"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}

// TargetGroupName extracts the group name from a target-group ARN, where the
// name sits between "targetgroup/" and the trailing hash segment. Inputs
// without that shape come back unchanged.
func TargetGroupName(arn string) string {
	parts := strings.Split(arn, "/")
	if len(parts) >= 3 {
		return parts[len(parts)-2]
	}
	return arn
}
