package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/videoproc-hackathon/provisioner/internal/plan"
)

// Config is the declarative stack manifest. One file describes everything a
// convergence run derives: the shared network to select from, the gateway
// gate, and the compute workload. The manifest is the single source of truth;
// nothing mutates it at runtime.
type Config struct {
	Stack   string `yaml:"stack"`
	Profile string `yaml:"profile"`
	Region  string `yaml:"region"`

	Network  NetworkConfig  `yaml:"network"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Workload WorkloadConfig `yaml:"workload"`
	Backend  BackendConfig  `yaml:"backend"`

	// StatePath is the SQLite file holding the last-applied resource graph.
	StatePath string `yaml:"state_path"`
}

// NetworkConfig identifies the pre-existing shared VPC and how subnets are
// selected from it.
type NetworkConfig struct {
	VPCID        string   `yaml:"vpc_id"`
	AllowedZones []string `yaml:"allowed_zones"`
	MaxSubnets   int      `yaml:"max_subnets"`
}

// GatewayConfig describes the public listener and its shared-secret gate.
type GatewayConfig struct {
	ListenerPort int    `yaml:"listener_port"`
	HeaderName   string `yaml:"header_name"`
	HeaderValue  string `yaml:"header_value"`
}

// HealthConfig is the shared health-check contract; the target group check and
// the orchestrator probes are both derived from it.
type HealthConfig struct {
	Path               string `yaml:"path"`
	IntervalSeconds    int    `yaml:"interval_seconds"`
	HealthyThreshold   int    `yaml:"healthy_threshold"`
	UnhealthyThreshold int    `yaml:"unhealthy_threshold"`
}

// WorkloadConfig is the backend-independent workload description.
type WorkloadConfig struct {
	Name          string            `yaml:"name"`
	Image         string            `yaml:"image"`
	ContainerPort int               `yaml:"container_port"`
	CPU           string            `yaml:"cpu"`
	Memory        string            `yaml:"memory"`
	DesiredCount  int               `yaml:"desired_count"`
	Health        HealthConfig      `yaml:"health"`
	Env           EnvContract       `yaml:"env"`
	Secrets       map[string]string `yaml:"secrets"` // env name -> secret ARN
}

// EnvContract is the logical configuration set every workload receives
// regardless of backend kind. The names match what the video-processing
// service reads at startup.
type EnvContract struct {
	BucketName      string `yaml:"bucket_name"`
	QueueURL        string `yaml:"queue_url"`
	NotificationURL string `yaml:"notification_url"`
	LogLevel        string `yaml:"log_level"`
}

// BackendConfig selects and parameterizes the compute backend.
type BackendConfig struct {
	Kind              string `yaml:"kind"` // fargate | nodegroup
	ExecutionRole     string `yaml:"execution_role"`
	ECSCluster        string `yaml:"ecs_cluster"`
	EKSCluster        string `yaml:"eks_cluster"`
	NodeRole          string `yaml:"node_role"`
	NodeInstanceType  string `yaml:"node_instance_type"`
	NodeCount         int    `yaml:"node_count"`
	NodeListenPort    int    `yaml:"node_listen_port"` // NodePort the service is exposed on
	ControlPlanePort  int    `yaml:"control_plane_port"`
	ReadinessTimeout  int    `yaml:"readiness_timeout_minutes"`
	KubeNamespace     string `yaml:"kube_namespace"`
	KubeSecret        string `yaml:"kube_secret"` // pre-existing Secret with credential entries
	LogGroup          string `yaml:"log_group"`
	LogStreamPrefix   string `yaml:"log_stream_prefix"`
}

// Load reads and validates a stack manifest.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Merge applies CLI flag overrides. Flags take precedence over manifest values.
func (c *Config) Merge(profile, region string) {
	if profile != "" {
		c.Profile = profile
	}
	if region != "" {
		c.Region = region
	}
}

func (c *Config) applyDefaults() {
	if c.Network.MaxSubnets == 0 {
		c.Network.MaxSubnets = 2
	}
	if c.Gateway.ListenerPort == 0 {
		c.Gateway.ListenerPort = 80
	}
	if c.Workload.ContainerPort == 0 {
		c.Workload.ContainerPort = 8000
	}
	if c.Workload.DesiredCount == 0 {
		c.Workload.DesiredCount = 2
	}
	if c.Workload.Health.Path == "" {
		c.Workload.Health.Path = "/health"
	}
	if c.Workload.Health.IntervalSeconds == 0 {
		c.Workload.Health.IntervalSeconds = 30
	}
	if c.Workload.Health.HealthyThreshold == 0 {
		c.Workload.Health.HealthyThreshold = 2
	}
	if c.Workload.Health.UnhealthyThreshold == 0 {
		c.Workload.Health.UnhealthyThreshold = 3
	}
	if c.Workload.Env.LogLevel == "" {
		c.Workload.Env.LogLevel = "INFO"
	}
	if c.Backend.ControlPlanePort == 0 {
		c.Backend.ControlPlanePort = 443
	}
	if c.Backend.NodeListenPort == 0 {
		c.Backend.NodeListenPort = 31080
	}
	if c.Backend.NodeCount == 0 {
		c.Backend.NodeCount = 2
	}
	if c.Backend.ReadinessTimeout == 0 {
		c.Backend.ReadinessTimeout = 20
	}
	if c.Backend.KubeNamespace == "" {
		c.Backend.KubeNamespace = "default"
	}
	if c.Backend.KubeSecret == "" && c.Workload.Name != "" {
		c.Backend.KubeSecret = c.Workload.Name + "-credentials"
	}
	if c.Backend.LogGroup == "" && c.Workload.Name != "" {
		c.Backend.LogGroup = "/ecs/" + c.Workload.Name
	}
	if c.StatePath == "" {
		c.StatePath = "provisioner.db"
	}
}

// Validate checks everything a convergence run needs up front, so a broken
// manifest fails before any AWS call is made.
func (c *Config) Validate() error {
	if c.Stack == "" {
		return plan.Configf("stack name is required")
	}
	if c.Network.VPCID == "" {
		return plan.Configf("network.vpc_id is required")
	}
	if len(c.Network.AllowedZones) == 0 {
		return plan.Configf("network.allowed_zones is required")
	}
	if c.Network.MaxSubnets < 2 || c.Network.MaxSubnets > 3 {
		return plan.Configf("network.max_subnets must be 2 or 3, got %d", c.Network.MaxSubnets)
	}
	if c.Gateway.HeaderName == "" || c.Gateway.HeaderValue == "" {
		return plan.Configf("gateway.header_name and gateway.header_value are required")
	}
	if c.Workload.Name == "" {
		return plan.Configf("workload.name is required")
	}
	if c.Workload.Image == "" {
		return plan.Configf("workload.image is required")
	}
	if c.Workload.Env.BucketName == "" {
		return plan.Configf("workload.env.bucket_name is required")
	}
	if q := c.Workload.Env.QueueURL; q != "" && !strings.HasPrefix(q, "https://sqs.") {
		return plan.Configf("workload.env.queue_url %q is not an SQS URL", q)
	}
	for name, arn := range c.Workload.Secrets {
		if !strings.HasPrefix(arn, "arn:") {
			return plan.Configf("workload.secrets.%s must be an ARN reference, got a literal", name)
		}
	}

	switch plan.BackendKind(c.Backend.Kind) {
	case plan.BackendFargate:
		if c.Backend.ECSCluster == "" {
			return plan.Configf("backend.ecs_cluster is required for the fargate backend")
		}
		if c.Backend.ExecutionRole == "" {
			return plan.Configf("backend.execution_role is required for the fargate backend")
		}
	case plan.BackendNodeGroup:
		if c.Backend.EKSCluster == "" {
			return plan.Configf("backend.eks_cluster is required for the nodegroup backend")
		}
		if c.Backend.NodeRole == "" {
			return plan.Configf("backend.node_role is required for the nodegroup backend")
		}
		if c.Backend.NodeInstanceType == "" {
			return plan.Configf("backend.node_instance_type is required for the nodegroup backend")
		}
	default:
		return plan.Configf("backend.kind must be %q or %q, got %q",
			plan.BackendFargate, plan.BackendNodeGroup, c.Backend.Kind)
	}

	return nil
}

// ToWorkload builds the backend-independent workload spec from the manifest.
// Secret bindings are emitted in sorted name order so repeated runs derive an
// identical spec.
func (c *Config) ToWorkload() plan.Workload {
	w := plan.Workload{
		Kind:          plan.BackendKind(c.Backend.Kind),
		Name:          c.Workload.Name,
		Image:         c.Workload.Image,
		ContainerPort: c.Workload.ContainerPort,
		CPU:           c.Workload.CPU,
		Memory:        c.Workload.Memory,
		DesiredCount:  c.Workload.DesiredCount,
		Health: plan.HealthCheck{
			Path:               c.Workload.Health.Path,
			IntervalSeconds:    c.Workload.Health.IntervalSeconds,
			HealthyThreshold:   c.Workload.Health.HealthyThreshold,
			UnhealthyThreshold: c.Workload.Health.UnhealthyThreshold,
			Matcher:            "200",
		},
		Env: []plan.EnvVar{
			{Name: "AWS_REGION", Value: c.Region},
			{Name: "S3_BUCKET_NAME", Value: c.Workload.Env.BucketName},
			{Name: "SQS_QUEUE_URL", Value: c.Workload.Env.QueueURL},
			{Name: "NOTIFICATION_SERVICE_URL", Value: c.Workload.Env.NotificationURL},
			{Name: "API_PORT", Value: fmt.Sprintf("%d", c.Workload.ContainerPort)},
			{Name: "LOG_LEVEL", Value: c.Workload.Env.LogLevel},
		},
	}
	names := make([]string, 0, len(c.Workload.Secrets))
	for name := range c.Workload.Secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w.Secrets = append(w.Secrets, plan.SecretRef{Name: name, ValueARN: c.Workload.Secrets[name]})
	}
	return w
}
