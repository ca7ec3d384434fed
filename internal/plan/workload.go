package plan

import "strings"

// BackendKind selects the compute backend. Switching kinds is a full replace
// of the workload, never a migration; both kinds expose the same target-group
// and health-check contract to the gateway.
type BackendKind string

const (
	BackendFargate   BackendKind = "fargate"
	BackendNodeGroup BackendKind = "nodegroup"
)

// HealthCheck is the single source of truth for readiness: the target group's
// health check and the orchestrator's probes are both derived from it, so the
// workload can't be healthy for one and failing for the other.
type HealthCheck struct {
	Path               string
	IntervalSeconds    int
	HealthyThreshold   int
	UnhealthyThreshold int
	Matcher            string
}

// TargetGroupSpec describes the target group both backends attach behind.
type TargetGroupSpec struct {
	Name       string
	Port       int
	Protocol   string
	TargetType string // "ip" for fargate, "instance" for nodegroup
	Health     HealthCheck
}

// EnvVar is a plain-value environment binding.
type EnvVar struct {
	Name  string
	Value string
}

// SecretRef binds an environment variable to a secret-store entry by ARN.
// Credential material never appears as a literal in the workload spec.
type SecretRef struct {
	Name     string
	ValueARN string
}

// Workload is the backend-independent compute specification.
type Workload struct {
	Kind          BackendKind
	Name          string
	Image         string
	ContainerPort int
	CPU           string
	Memory        string
	DesiredCount  int
	Env           []EnvVar
	Secrets       []SecretRef
	Health        HealthCheck
}

// Validate checks the workload invariants shared by both backends.
func (w Workload) Validate() error {
	if w.Kind != BackendFargate && w.Kind != BackendNodeGroup {
		return Configf("unknown backend kind %q", w.Kind)
	}
	if w.Image == "" {
		return Configf("workload %s: image is required", w.Name)
	}
	if w.ContainerPort <= 0 {
		return Configf("workload %s: container port is required", w.Name)
	}
	if w.DesiredCount <= 0 {
		return Configf("workload %s: desired count must be positive", w.Name)
	}
	if w.Health.Path == "" {
		return Configf("workload %s: health-check path is required", w.Name)
	}
	for _, s := range w.Secrets {
		if !strings.HasPrefix(s.ValueARN, "arn:") {
			return Configf("workload %s: secret %s must be bound by ARN reference, got a literal", w.Name, s.Name)
		}
	}
	return nil
}

// TargetType returns the target-group registration mode for the backend kind:
// fargate tasks register by IP, node-group workers by instance.
func (w Workload) TargetType() string {
	if w.Kind == BackendNodeGroup {
		return "instance"
	}
	return "ip"
}
