package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"

	awsecs "github.com/videoproc-hackathon/provisioner/internal/aws/ecs"
	awseks "github.com/videoproc-hackathon/provisioner/internal/aws/eks"
	awselb "github.com/videoproc-hackathon/provisioner/internal/aws/elb"
	"github.com/videoproc-hackathon/provisioner/internal/config"
	"github.com/videoproc-hackathon/provisioner/internal/plan"
	"github.com/videoproc-hackathon/provisioner/internal/state"
)

// fakeClients implements every engine interface and records call order, so
// tests can assert dependency ordering, not just outcomes.
type fakeClients struct {
	calls []string

	network   plan.Network
	clientset kubernetes.Interface

	waitErr     error
	instanceIDs []string

	registeredTargetType string
	servicePort          int
	serviceInput         awsecs.ServiceInput
}

func (f *fakeClients) record(call string) { f.calls = append(f.calls, call) }

func (f *fakeClients) DescribeNetwork(ctx context.Context, vpcID string) (plan.Network, error) {
	f.record("DescribeNetwork")
	return f.network, nil
}

func (f *fakeClients) EnsureGroup(ctx context.Context, vpcID string, spec plan.GroupSpec, peerIDs map[string]string) (string, error) {
	f.record("EnsureGroup/" + spec.Name)
	return "sg-" + spec.Name, nil
}
func (f *fakeClients) DeleteGroup(ctx context.Context, groupID string) error {
	f.record("DeleteGroup/" + groupID)
	return nil
}

func (f *fakeClients) EnsureLoadBalancer(ctx context.Context, name string, subnetIDs []string, gatewaySG string) (awselb.LoadBalancer, error) {
	f.record("EnsureLoadBalancer")
	return awselb.LoadBalancer{ARN: "arn:lb", DNSName: name + ".example.com"}, nil
}
func (f *fakeClients) EnsureTargetGroup(ctx context.Context, vpcID string, spec plan.TargetGroupSpec) (string, error) {
	f.record("EnsureTargetGroup")
	f.registeredTargetType = spec.TargetType
	return "arn:tg", nil
}
func (f *fakeClients) EnsureGatedListener(ctx context.Context, lbARN string, spec plan.GatewaySpec) (string, error) {
	f.record("EnsureGatedListener")
	return "arn:listener", nil
}
func (f *fakeClients) RegisterInstances(ctx context.Context, tgARN string, instanceIDs []string, port int) error {
	f.record("RegisterInstances")
	f.servicePort = port
	return nil
}
func (f *fakeClients) DeregisterInstances(ctx context.Context, tgARN string, instanceIDs []string) error {
	f.record("DeregisterInstances")
	return nil
}
func (f *fakeClients) DeleteListener(ctx context.Context, listenerARN string) error {
	f.record("DeleteListener")
	return nil
}
func (f *fakeClients) DeleteTargetGroup(ctx context.Context, tgARN string) error {
	f.record("DeleteTargetGroup")
	return nil
}
func (f *fakeClients) DeleteLoadBalancer(ctx context.Context, lbARN string) error {
	f.record("DeleteLoadBalancer")
	return nil
}

func (f *fakeClients) EnsureCluster(ctx context.Context, name string) (string, error) {
	f.record("EnsureCluster")
	return "arn:cluster", nil
}
func (f *fakeClients) RegisterTaskDefinition(ctx context.Context, in awsecs.TaskDefinitionInput) (string, error) {
	f.record("RegisterTaskDefinition")
	return "arn:taskdef", nil
}
func (f *fakeClients) EnsureService(ctx context.Context, in awsecs.ServiceInput) (string, error) {
	f.record("EnsureService")
	f.serviceInput = in
	return "arn:service", nil
}
func (f *fakeClients) DeleteService(ctx context.Context, cluster, service string) error {
	f.record("DeleteService")
	return nil
}

func (f *fakeClients) DescribeCluster(ctx context.Context, name string) (awseks.Cluster, error) {
	f.record("DescribeCluster")
	return awseks.Cluster{Name: name, Status: "ACTIVE"}, nil
}
func (f *fakeClients) EnsureNodeGroup(ctx context.Context, in awseks.NodeGroupInput) (string, error) {
	f.record("EnsureNodeGroup")
	return "arn:nodegroup", nil
}
func (f *fakeClients) WaitNodeGroupActive(ctx context.Context, cluster, name string, timeout time.Duration) error {
	f.record("WaitNodeGroupActive")
	return f.waitErr
}
func (f *fakeClients) NodeInstanceIDs(ctx context.Context, nodeGroup string) ([]string, error) {
	f.record("NodeInstanceIDs")
	return f.instanceIDs, nil
}
func (f *fakeClients) DeleteNodeGroup(ctx context.Context, cluster, name string) error {
	f.record("DeleteNodeGroup")
	return nil
}
func (f *fakeClients) KubernetesClientFor(cluster awseks.Cluster) (kubernetes.Interface, error) {
	f.record("KubernetesClientFor")
	// One clientset per fake, so apply and destroy see the same cluster.
	if f.clientset == nil {
		f.clientset = fake.NewSimpleClientset()
	}
	return f.clientset, nil
}

func (f *fakeClients) ResolveRole(ctx context.Context, nameOrARN string) (string, error) {
	f.record("ResolveRole")
	return "arn:aws:iam::123456789012:role/" + nameOrARN, nil
}
func (f *fakeClients) VerifyImage(ctx context.Context, image string) error {
	f.record("VerifyImage")
	return nil
}
func (f *fakeClients) VerifyBucket(ctx context.Context, name string) error {
	f.record("VerifyBucket")
	return nil
}
func (f *fakeClients) EnsureLogGroup(ctx context.Context, name string) error {
	f.record("EnsureLogGroup")
	return nil
}
func (f *fakeClients) DeleteLogGroup(ctx context.Context, name string) error {
	f.record("DeleteLogGroup")
	return nil
}

func clientsFor(f *fakeClients) Clients {
	return Clients{
		Network: f, Groups: f, Gateway: f, Tasks: f, Nodes: f,
		Roles: f, Images: f, Buckets: f, Logs: f,
	}
}

func testConfig(kind string) *config.Config {
	return &config.Config{
		Stack:  "videoproc",
		Region: "us-east-1",
		Network: config.NetworkConfig{
			VPCID:        "vpc-1",
			AllowedZones: []string{"us-east-1a", "us-east-1b"},
			MaxSubnets:   2,
		},
		Gateway: config.GatewayConfig{
			ListenerPort: 80,
			HeaderName:   "x-origin-verify",
			HeaderValue:  "s3cret",
		},
		Workload: config.WorkloadConfig{
			Name:          "video-processor",
			Image:         "123456789012.dkr.ecr.us-east-1.amazonaws.com/video-processor:latest",
			ContainerPort: 8000,
			CPU:           "512",
			Memory:        "1024",
			DesiredCount:  2,
			Health: config.HealthConfig{
				Path: "/health", IntervalSeconds: 30, HealthyThreshold: 2, UnhealthyThreshold: 3,
			},
			Env: config.EnvContract{
				BucketName: "video-frames",
				QueueURL:   "https://sqs.us-east-1.amazonaws.com/123456789012/frames",
				LogLevel:   "INFO",
			},
			Secrets: map[string]string{
				"API_SECURITY_INTERNAL_TOKEN": "arn:aws:ssm:::parameter/token",
			},
		},
		Backend: config.BackendConfig{
			Kind:             kind,
			ExecutionRole:    "ecsTaskExecutionRole",
			ECSCluster:       "videoproc",
			EKSCluster:       "videoproc",
			NodeRole:         "nodeRole",
			NodeInstanceType: "t3.medium",
			NodeCount:        2,
			NodeListenPort:   31080,
			ControlPlanePort: 443,
			ReadinessTimeout: 20,
			KubeNamespace:    "default",
			KubeSecret:       "video-processor-credentials",
			LogGroup:         "/ecs/video-processor",
		},
	}
}

func testNetwork() plan.Network {
	return plan.Network{
		VPCID: "vpc-1",
		CIDR:  "10.0.0.0/16",
		Subnets: []plan.Subnet{
			{ID: "subnet-a", Zone: "us-east-1a", CIDR: "10.0.1.0/24"},
			{ID: "subnet-b", Zone: "us-east-1b", CIDR: "10.0.2.0/24"},
			{ID: "subnet-c", Zone: "us-east-1c", CIDR: "10.0.3.0/24"},
		},
	}
}

func testStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func indexOf(calls []string, name string) int {
	for i, c := range calls {
		if c == name {
			return i
		}
	}
	return -1
}

func TestApply_FargateOrdering(t *testing.T) {
	f := &fakeClients{network: testNetwork()}
	store := testStore(t)
	e := New(testConfig("fargate"), clientsFor(f), store, zerolog.Nop())

	require.NoError(t, e.Apply(context.Background()))

	// Stages must run strictly in dependency order.
	order := []string{
		"VerifyBucket",
		"VerifyImage",
		"DescribeNetwork",
		"EnsureGroup/videoproc-gateway",
		"EnsureGroup/videoproc-backend",
		"EnsureLoadBalancer",
		"EnsureTargetGroup",
		"EnsureGatedListener",
		"EnsureLogGroup",
		"EnsureCluster",
		"RegisterTaskDefinition",
		"EnsureService",
	}
	prev := -1
	for _, call := range order {
		i := indexOf(f.calls, call)
		require.GreaterOrEqual(t, i, 0, "missing call %s in %v", call, f.calls)
		assert.Greater(t, i, prev, "%s ran out of order: %v", call, f.calls)
		prev = i
	}

	assert.Equal(t, "ip", f.registeredTargetType)
	assert.Equal(t, "sg-videoproc-backend", f.serviceInput.SecurityGroup)
	assert.Equal(t, []string{"subnet-a", "subnet-b"}, f.serviceInput.SubnetIDs)

	backend, ok, err := store.Get("videoproc", state.KindBackend)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fargate", backend.Extra)
}

func TestApply_NodeGroupAttachesAfterReady(t *testing.T) {
	f := &fakeClients{network: testNetwork(), instanceIDs: []string{"i-1", "i-2"}}
	store := testStore(t)
	e := New(testConfig("nodegroup"), clientsFor(f), store, zerolog.Nop())

	require.NoError(t, e.Apply(context.Background()))

	assert.Equal(t, "instance", f.registeredTargetType)
	assert.Equal(t, 31080, f.servicePort)

	wait := indexOf(f.calls, "WaitNodeGroupActive")
	attach := indexOf(f.calls, "RegisterInstances")
	deploy := indexOf(f.calls, "KubernetesClientFor")
	require.GreaterOrEqual(t, wait, 0)
	require.GreaterOrEqual(t, attach, 0)
	assert.Greater(t, attach, wait, "attachment must wait for readiness: %v", f.calls)
	assert.Greater(t, deploy, wait, "workload deploys only after readiness: %v", f.calls)
}

func TestApply_NodeGroupReadinessFailureAborts(t *testing.T) {
	f := &fakeClients{
		network: testNetwork(),
		waitErr: &plan.DependencyError{Entity: "videoproc/videoproc-nodes", Msg: "not ready"},
	}
	store := testStore(t)
	e := New(testConfig("nodegroup"), clientsFor(f), store, zerolog.Nop())

	err := e.Apply(context.Background())
	var depErr *plan.DependencyError
	require.ErrorAs(t, err, &depErr)

	assert.Equal(t, -1, indexOf(f.calls, "RegisterInstances"),
		"a group that never became ready must not be attached")

	// The node group itself stays recorded so destroy can find it.
	_, ok, err := store.Get("videoproc", state.KindNodeGroup)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestApply_BackendKindSwitchIsConflict(t *testing.T) {
	f := &fakeClients{network: testNetwork()}
	store := testStore(t)
	require.NoError(t, store.Record("videoproc", state.KindBackend, "arn:nodegroup", "nodegroup"))

	e := New(testConfig("fargate"), clientsFor(f), store, zerolog.Nop())
	err := e.Apply(context.Background())

	var conflict *plan.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Empty(t, f.calls, "no AWS call may happen after a kind conflict")
}

func TestDestroy_ReverseOrder(t *testing.T) {
	f := &fakeClients{network: testNetwork()}
	store := testStore(t)
	cfg := testConfig("fargate")
	e := New(cfg, clientsFor(f), store, zerolog.Nop())
	require.NoError(t, e.Apply(context.Background()))

	f.calls = nil
	require.NoError(t, e.Destroy(context.Background()))

	order := []string{
		"DeleteService",
		"DeleteListener",
		"DeleteTargetGroup",
		"DeleteLoadBalancer",
		"DeleteGroup/sg-videoproc-backend",
		"DeleteGroup/sg-videoproc-gateway",
		"DeleteLogGroup",
	}
	assert.Equal(t, order, f.calls)

	resources, err := store.Load("videoproc")
	require.NoError(t, err)
	assert.Empty(t, resources, "destroy must forget every recorded resource")
}

func TestDestroy_NodeGroupDetachesBeforeDelete(t *testing.T) {
	f := &fakeClients{network: testNetwork(), instanceIDs: []string{"i-1", "i-2"}}
	store := testStore(t)
	e := New(testConfig("nodegroup"), clientsFor(f), store, zerolog.Nop())
	require.NoError(t, e.Apply(context.Background()))

	f.calls = nil
	require.NoError(t, e.Destroy(context.Background()))

	detach := indexOf(f.calls, "DeregisterInstances")
	remove := indexOf(f.calls, "DeleteNodeGroup")
	require.GreaterOrEqual(t, detach, 0)
	require.GreaterOrEqual(t, remove, 0)
	assert.Less(t, detach, remove, "instances detach before the node group goes away: %v", f.calls)
}

func TestDestroy_NodeGroupRemovesWorkloadFromCluster(t *testing.T) {
	f := &fakeClients{network: testNetwork(), instanceIDs: []string{"i-1"}}
	store := testStore(t)
	e := New(testConfig("nodegroup"), clientsFor(f), store, zerolog.Nop())
	require.NoError(t, e.Apply(context.Background()))

	ctx := context.Background()
	deployments, err := f.clientset.AppsV1().Deployments("default").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, deployments.Items, 1, "apply must have scheduled the workload")

	f.calls = nil
	require.NoError(t, e.Destroy(ctx))

	// The cluster is a shared input: destroy removes what the engine put
	// there and nothing else.
	deployments, err = f.clientset.AppsV1().Deployments("default").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, deployments.Items, "destroy must remove the Deployment from the shared cluster")

	services, err := f.clientset.CoreV1().Services("default").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, services.Items, "destroy must remove the Service from the shared cluster")

	remove := indexOf(f.calls, "KubernetesClientFor")
	deleteNG := indexOf(f.calls, "DeleteNodeGroup")
	require.GreaterOrEqual(t, remove, 0)
	require.GreaterOrEqual(t, deleteNG, 0)
	assert.Less(t, remove, deleteNG, "workload comes off the cluster before its nodes go away: %v", f.calls)
}

func TestDestroy_EmptyStateIsNoop(t *testing.T) {
	f := &fakeClients{}
	e := New(testConfig("fargate"), clientsFor(f), testStore(t), zerolog.Nop())

	require.NoError(t, e.Destroy(context.Background()))
	assert.Empty(t, f.calls)
}

func TestApply_InvalidSecretLiteralFailsBeforeAnyCall(t *testing.T) {
	cfg := testConfig("fargate")
	cfg.Workload.Secrets = map[string]string{"API_SECURITY_INTERNAL_TOKEN": "literal-secret"}

	f := &fakeClients{network: testNetwork()}
	e := New(cfg, clientsFor(f), testStore(t), zerolog.Nop())

	err := e.Apply(context.Background())
	var cfgErr *plan.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Empty(t, f.calls)
}

func TestApply_ResumeAfterAbortConverges(t *testing.T) {
	// First run aborts at readiness; a re-run with the failure cleared
	// finishes the remaining stages without duplicating earlier ones.
	f := &fakeClients{
		network: testNetwork(),
		waitErr: errors.New("transient"),
	}
	store := testStore(t)
	e := New(testConfig("nodegroup"), clientsFor(f), store, zerolog.Nop())
	require.Error(t, e.Apply(context.Background()))

	f.waitErr = nil
	f.instanceIDs = []string{"i-1"}
	f.calls = nil
	require.NoError(t, e.Apply(context.Background()))
	assert.GreaterOrEqual(t, indexOf(f.calls, "RegisterInstances"), 0)
}
