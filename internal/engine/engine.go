// Package engine runs the convergence: a single dependency-ordered pass that
// discovers the shared network, derives the plan, and ensures each resource
// exists before anything that depends on it. There is no rollback; state is
// recorded after every stage, so an aborted run can be resumed or destroyed.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/client-go/kubernetes"

	awsecs "github.com/videoproc-hackathon/provisioner/internal/aws/ecs"
	awseks "github.com/videoproc-hackathon/provisioner/internal/aws/eks"
	awselb "github.com/videoproc-hackathon/provisioner/internal/aws/elb"
	"github.com/videoproc-hackathon/provisioner/internal/config"
	"github.com/videoproc-hackathon/provisioner/internal/logging"
	"github.com/videoproc-hackathon/provisioner/internal/plan"
	"github.com/videoproc-hackathon/provisioner/internal/state"
	"github.com/videoproc-hackathon/provisioner/internal/utils"
)

// NetworkAPI discovers the shared VPC and its subnets.
type NetworkAPI interface {
	DescribeNetwork(ctx context.Context, vpcID string) (plan.Network, error)
}

// GroupAPI converges security groups.
type GroupAPI interface {
	EnsureGroup(ctx context.Context, vpcID string, spec plan.GroupSpec, peerIDs map[string]string) (string, error)
	DeleteGroup(ctx context.Context, groupID string) error
}

// GatewayAPI converges the load balancer, target group and gated listener.
type GatewayAPI interface {
	EnsureLoadBalancer(ctx context.Context, name string, subnetIDs []string, gatewaySG string) (awselb.LoadBalancer, error)
	EnsureTargetGroup(ctx context.Context, vpcID string, spec plan.TargetGroupSpec) (string, error)
	EnsureGatedListener(ctx context.Context, lbARN string, spec plan.GatewaySpec) (string, error)
	RegisterInstances(ctx context.Context, tgARN string, instanceIDs []string, port int) error
	DeregisterInstances(ctx context.Context, tgARN string, instanceIDs []string) error
	DeleteListener(ctx context.Context, listenerARN string) error
	DeleteTargetGroup(ctx context.Context, tgARN string) error
	DeleteLoadBalancer(ctx context.Context, lbARN string) error
}

// TaskBackendAPI is the serverless-task compute backend.
type TaskBackendAPI interface {
	EnsureCluster(ctx context.Context, name string) (string, error)
	RegisterTaskDefinition(ctx context.Context, in awsecs.TaskDefinitionInput) (string, error)
	EnsureService(ctx context.Context, in awsecs.ServiceInput) (string, error)
	DeleteService(ctx context.Context, cluster, service string) error
}

// NodeBackendAPI is the cluster-node-group compute backend.
type NodeBackendAPI interface {
	DescribeCluster(ctx context.Context, name string) (awseks.Cluster, error)
	EnsureNodeGroup(ctx context.Context, in awseks.NodeGroupInput) (string, error)
	WaitNodeGroupActive(ctx context.Context, cluster, name string, timeout time.Duration) error
	NodeInstanceIDs(ctx context.Context, nodeGroup string) ([]string, error)
	DeleteNodeGroup(ctx context.Context, cluster, name string) error
	KubernetesClientFor(cluster awseks.Cluster) (kubernetes.Interface, error)
}

// RoleAPI resolves pre-existing IAM roles.
type RoleAPI interface {
	ResolveRole(ctx context.Context, nameOrARN string) (string, error)
}

// ImageAPI verifies the workload image exists before compute is created.
type ImageAPI interface {
	VerifyImage(ctx context.Context, image string) error
}

// BucketAPI verifies the shared storage bucket.
type BucketAPI interface {
	VerifyBucket(ctx context.Context, name string) error
}

// LogGroupAPI converges the task log group.
type LogGroupAPI interface {
	EnsureLogGroup(ctx context.Context, name string) error
	DeleteLogGroup(ctx context.Context, name string) error
}

// Clients bundles everything a run touches. Fields are interfaces so tests
// can converge against fakes.
type Clients struct {
	Network NetworkAPI
	Groups  GroupAPI
	Gateway GatewayAPI
	Tasks   TaskBackendAPI
	Nodes   NodeBackendAPI
	Roles   RoleAPI
	Images  ImageAPI
	Buckets BucketAPI
	Logs    LogGroupAPI
}

// Engine drives convergence for one stack manifest.
type Engine struct {
	cfg     *config.Config
	clients Clients
	store   *state.Store
	log     zerolog.Logger
}

func New(cfg *config.Config, clients Clients, store *state.Store, log zerolog.Logger) *Engine {
	return &Engine{cfg: cfg, clients: clients, store: store, log: log}
}

// Derived resource names. The stack name prefixes everything the engine
// creates, so two stacks in the same account never collide.
func (e *Engine) gatewayGroupName() string { return e.cfg.Stack + "-gateway" }
func (e *Engine) backendGroupName() string { return e.cfg.Stack + "-backend" }
func (e *Engine) loadBalancerName() string { return e.cfg.Stack + "-alb" }
func (e *Engine) targetGroupName() string  { return e.cfg.Stack + "-tg" }
func (e *Engine) nodeGroupName() string    { return e.cfg.Stack + "-nodes" }

// backendPort is the port the backend layer accepts traffic on: the container
// port for IP targets, the node listen port for instance targets.
func (e *Engine) backendPort(w plan.Workload) int {
	if w.Kind == plan.BackendNodeGroup {
		return e.cfg.Backend.NodeListenPort
	}
	return w.ContainerPort
}

func (e *Engine) groupLayers(w plan.Workload) []plan.GroupLayer {
	backend := plan.GroupLayer{
		Name:        e.backendGroupName(),
		Description: "workload backend, reachable only from the gateway",
		Port:        e.backendPort(w),
	}
	if w.Kind == plan.BackendNodeGroup {
		// Workers also talk to the cluster control plane inside the VPC.
		backend.Extra = []plan.Rule{{
			Protocol:    "tcp",
			FromPort:    e.cfg.Backend.ControlPlanePort,
			ToPort:      e.cfg.Backend.ControlPlanePort,
			Description: "cluster control plane",
		}}
	}
	return []plan.GroupLayer{
		{
			Name:        e.gatewayGroupName(),
			Description: "public gateway load balancer",
			Port:        e.cfg.Gateway.ListenerPort,
		},
		backend,
	}
}

// Apply converges the stack. Stages run in dependency order and the first
// failure aborts the run; everything converged so far stays recorded.
func (e *Engine) Apply(ctx context.Context) error {
	w := e.cfg.ToWorkload()
	if err := w.Validate(); err != nil {
		return err
	}
	if err := e.checkBackendKind(w.Kind); err != nil {
		return err
	}

	if err := e.preflight(ctx, w); err != nil {
		return err
	}

	network, subnets, err := e.selectNetwork(ctx)
	if err != nil {
		return err
	}

	groupIDs, err := e.convergeGroups(ctx, network, w)
	if err != nil {
		return err
	}

	tgARN, err := e.convergeGateway(ctx, network, subnets, groupIDs, w)
	if err != nil {
		return err
	}

	if err := e.convergeBackend(ctx, subnets, groupIDs, tgARN, w); err != nil {
		return err
	}

	e.log.Info().Str("stack", e.cfg.Stack).Msg("stack converged")
	return nil
}

// checkBackendKind rejects a run whose backend kind differs from what this
// stack last converged. Switching kinds is a full replace: destroy first.
func (e *Engine) checkBackendKind(kind plan.BackendKind) error {
	recorded, ok, err := e.store.Get(e.cfg.Stack, state.KindBackend)
	if err != nil {
		return err
	}
	if ok && recorded.Extra != string(kind) {
		return &plan.ConflictError{
			Resource: e.cfg.Stack,
			Msg: fmt.Sprintf("stack was converged with backend %s, cannot switch to %s in place; destroy first",
				recorded.Extra, kind),
		}
	}
	return nil
}

// preflight verifies every shared input the workload depends on before any
// resource is created.
func (e *Engine) preflight(ctx context.Context, w plan.Workload) error {
	log := logging.WithStage(e.log, "preflight")

	if err := e.clients.Buckets.VerifyBucket(ctx, e.cfg.Workload.Env.BucketName); err != nil {
		return err
	}
	if err := e.clients.Images.VerifyImage(ctx, w.Image); err != nil {
		return err
	}

	log.Info().Str("image", w.Image).Msg("shared inputs verified")
	return nil
}

func (e *Engine) selectNetwork(ctx context.Context) (plan.Network, []plan.Subnet, error) {
	log := logging.WithStage(e.log, "network")

	network, err := e.clients.Network.DescribeNetwork(ctx, e.cfg.Network.VPCID)
	if err != nil {
		return plan.Network{}, nil, err
	}

	subnets, err := plan.SelectSubnets(network.Subnets, e.cfg.Network.AllowedZones, e.cfg.Network.MaxSubnets)
	if err != nil {
		return plan.Network{}, nil, err
	}

	ids := plan.SubnetIDs(subnets)
	if err := e.store.Record(e.cfg.Stack, state.KindSubnets, strings.Join(ids, ","), ""); err != nil {
		return plan.Network{}, nil, err
	}

	log.Info().Strs("subnets", ids).Msg("subnets selected")
	return network, subnets, nil
}

// convergeGroups builds the security-group chain gateway-first, so every
// group-reference peer already exists when an inner layer is authorized.
func (e *Engine) convergeGroups(ctx context.Context, network plan.Network, w plan.Workload) (map[string]string, error) {
	log := logging.WithStage(e.log, "security-groups")

	specs, err := plan.BuildGroupChain(network.CIDR, e.groupLayers(w))
	if err != nil {
		return nil, err
	}

	groupIDs := make(map[string]string, len(specs))
	for _, spec := range specs {
		id, err := e.clients.Groups.EnsureGroup(ctx, network.VPCID, spec, groupIDs)
		if err != nil {
			return nil, err
		}
		groupIDs[spec.Name] = id
		if err := e.store.Record(e.cfg.Stack, state.KindSecurityGroup+"/"+spec.Name, id, ""); err != nil {
			return nil, err
		}
		log.Info().Str("group", spec.Name).Str("id", id).Msg("security group converged")
	}
	return groupIDs, nil
}

func (e *Engine) convergeGateway(ctx context.Context, network plan.Network, subnets []plan.Subnet, groupIDs map[string]string, w plan.Workload) (string, error) {
	log := logging.WithStage(e.log, "gateway")

	lb, err := e.clients.Gateway.EnsureLoadBalancer(ctx, e.loadBalancerName(), plan.SubnetIDs(subnets), groupIDs[e.gatewayGroupName()])
	if err != nil {
		return "", err
	}
	if err := e.store.Record(e.cfg.Stack, state.KindLoadBalancer, lb.ARN, lb.DNSName); err != nil {
		return "", err
	}

	tgARN, err := e.clients.Gateway.EnsureTargetGroup(ctx, network.VPCID, plan.TargetGroupSpec{
		Name:       e.targetGroupName(),
		Port:       e.backendPort(w),
		Protocol:   "HTTP",
		TargetType: w.TargetType(),
		Health:     w.Health,
	})
	if err != nil {
		return "", err
	}
	if err := e.store.Record(e.cfg.Stack, state.KindTargetGroup, tgARN, ""); err != nil {
		return "", err
	}

	spec := plan.BuildGatewaySpec(e.cfg.Gateway.ListenerPort, tgARN, e.cfg.Gateway.HeaderName, e.cfg.Gateway.HeaderValue)
	listenerARN, err := e.clients.Gateway.EnsureGatedListener(ctx, lb.ARN, spec)
	if err != nil {
		return "", err
	}
	if err := e.store.Record(e.cfg.Stack, state.KindListener, listenerARN, ""); err != nil {
		return "", err
	}

	log.Info().
		Str("dns", lb.DNSName).
		Int("port", spec.Port).
		Str("target_group", utils.TargetGroupName(tgARN)).
		Msg("gated listener converged")
	return tgARN, nil
}

func (e *Engine) convergeBackend(ctx context.Context, subnets []plan.Subnet, groupIDs map[string]string, tgARN string, w plan.Workload) error {
	switch w.Kind {
	case plan.BackendFargate:
		return e.convergeTaskBackend(ctx, subnets, groupIDs, tgARN, w)
	case plan.BackendNodeGroup:
		return e.convergeNodeBackend(ctx, subnets, groupIDs, tgARN, w)
	default:
		return plan.Configf("unknown backend kind %q", w.Kind)
	}
}

func (e *Engine) convergeTaskBackend(ctx context.Context, subnets []plan.Subnet, groupIDs map[string]string, tgARN string, w plan.Workload) error {
	log := logging.WithStage(e.log, "backend-fargate")

	if err := e.clients.Logs.EnsureLogGroup(ctx, e.cfg.Backend.LogGroup); err != nil {
		return err
	}
	if err := e.store.Record(e.cfg.Stack, state.KindLogGroup, e.cfg.Backend.LogGroup, ""); err != nil {
		return err
	}

	clusterARN, err := e.clients.Tasks.EnsureCluster(ctx, e.cfg.Backend.ECSCluster)
	if err != nil {
		return err
	}
	log.Info().Str("cluster", clusterARN).Msg("cluster ready")

	execRole, err := e.clients.Roles.ResolveRole(ctx, e.cfg.Backend.ExecutionRole)
	if err != nil {
		return err
	}

	taskDef, err := e.clients.Tasks.RegisterTaskDefinition(ctx, awsecs.TaskDefinitionInput{
		Workload:         w,
		ExecutionRoleARN: execRole,
		Region:           e.cfg.Region,
		LogGroup:         e.cfg.Backend.LogGroup,
		LogStreamPrefix:  e.cfg.Backend.LogStreamPrefix,
	})
	if err != nil {
		return err
	}

	serviceARN, err := e.clients.Tasks.EnsureService(ctx, awsecs.ServiceInput{
		Cluster:        e.cfg.Backend.ECSCluster,
		Workload:       w,
		TaskDefinition: taskDef,
		TargetGroupARN: tgARN,
		SubnetIDs:      plan.SubnetIDs(subnets),
		SecurityGroup:  groupIDs[e.backendGroupName()],
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("service", utils.ShortName(serviceARN)).
		Str("task_definition", utils.ShortName(taskDef)).
		Msg("service converged")
	return e.store.Record(e.cfg.Stack, state.KindBackend, serviceARN, string(w.Kind))
}

func (e *Engine) convergeNodeBackend(ctx context.Context, subnets []plan.Subnet, groupIDs map[string]string, tgARN string, w plan.Workload) error {
	log := logging.WithStage(e.log, "backend-nodegroup")

	cluster, err := e.clients.Nodes.DescribeCluster(ctx, e.cfg.Backend.EKSCluster)
	if err != nil {
		return err
	}

	nodeRole, err := e.clients.Roles.ResolveRole(ctx, e.cfg.Backend.NodeRole)
	if err != nil {
		return err
	}

	nodeGroup := e.nodeGroupName()
	ngARN, err := e.clients.Nodes.EnsureNodeGroup(ctx, awseks.NodeGroupInput{
		Cluster:      cluster.Name,
		Name:         nodeGroup,
		NodeRoleARN:  nodeRole,
		SubnetIDs:    plan.SubnetIDs(subnets),
		InstanceType: e.cfg.Backend.NodeInstanceType,
		Size:         e.cfg.Backend.NodeCount,
	})
	if err != nil {
		return err
	}
	if err := e.store.Record(e.cfg.Stack, state.KindNodeGroup, ngARN, nodeGroup); err != nil {
		return err
	}
	if err := e.store.Record(e.cfg.Stack, state.KindBackend, ngARN, string(w.Kind)); err != nil {
		return err
	}

	// Attachment is strictly ordered behind readiness: a group that never
	// reports ACTIVE is never registered with the target group.
	timeout := time.Duration(e.cfg.Backend.ReadinessTimeout) * time.Minute
	log.Info().Str("node_group", nodeGroup).Dur("timeout", timeout).Msg("waiting for node group")
	if err := e.clients.Nodes.WaitNodeGroupActive(ctx, cluster.Name, nodeGroup, timeout); err != nil {
		return err
	}

	clientset, err := e.clients.Nodes.KubernetesClientFor(cluster)
	if err != nil {
		return err
	}
	if err := awseks.DeployWorkload(ctx, clientset, awseks.DeployInput{
		Workload:   w,
		Namespace:  e.cfg.Backend.KubeNamespace,
		NodePort:   e.cfg.Backend.NodeListenPort,
		SecretName: e.cfg.Backend.KubeSecret,
	}); err != nil {
		return err
	}

	ids, err := e.clients.Nodes.NodeInstanceIDs(ctx, nodeGroup)
	if err != nil {
		return err
	}
	if err := e.clients.Gateway.RegisterInstances(ctx, tgARN, ids, e.cfg.Backend.NodeListenPort); err != nil {
		return err
	}
	if err := e.store.Record(e.cfg.Stack, state.KindAttachment, strings.Join(ids, ","), ""); err != nil {
		return err
	}

	log.Info().Strs("instances", ids).Msg("workers attached")
	return nil
}

// Destroy tears down every recorded resource in reverse dependency order.
// Shared inputs (VPC, subnets, roles, the EKS cluster, bucket) are never
// touched; only entities this engine recorded are removed.
func (e *Engine) Destroy(ctx context.Context) error {
	log := logging.WithStage(e.log, "destroy")
	stack := e.cfg.Stack

	if backend, ok, err := e.store.Get(stack, state.KindBackend); err != nil {
		return err
	} else if ok {
		switch plan.BackendKind(backend.Extra) {
		case plan.BackendFargate:
			if err := e.clients.Tasks.DeleteService(ctx, e.cfg.Backend.ECSCluster, e.cfg.Workload.Name); err != nil {
				return err
			}
		case plan.BackendNodeGroup:
			// The Deployment and Service live in the shared cluster, which
			// outlives the node group; left behind they would reschedule onto
			// any other capacity.
			cluster, err := e.clients.Nodes.DescribeCluster(ctx, e.cfg.Backend.EKSCluster)
			if err != nil {
				return err
			}
			clientset, err := e.clients.Nodes.KubernetesClientFor(cluster)
			if err != nil {
				return err
			}
			if err := awseks.RemoveWorkload(ctx, clientset, e.cfg.Backend.KubeNamespace, e.cfg.Workload.Name); err != nil {
				return err
			}
			if att, ok, err := e.store.Get(stack, state.KindAttachment); err != nil {
				return err
			} else if ok {
				tg, tgOK, err := e.store.Get(stack, state.KindTargetGroup)
				if err != nil {
					return err
				}
				if tgOK {
					ids := strings.Split(att.ID, ",")
					if err := e.clients.Gateway.DeregisterInstances(ctx, tg.ID, ids); err != nil {
						return err
					}
				}
			}
			if ng, ok, err := e.store.Get(stack, state.KindNodeGroup); err != nil {
				return err
			} else if ok {
				if err := e.clients.Nodes.DeleteNodeGroup(ctx, e.cfg.Backend.EKSCluster, ng.Extra); err != nil {
					return err
				}
				if err := e.store.Forget(stack, state.KindNodeGroup); err != nil {
					return err
				}
			}
		}
		if err := e.store.Forget(stack, state.KindBackend); err != nil {
			return err
		}
		if err := e.store.Forget(stack, state.KindAttachment); err != nil {
			return err
		}
		log.Info().Str("kind", backend.Extra).Msg("backend removed")
	}

	teardown := []struct {
		kind   string
		remove func(context.Context, state.Resource) error
	}{
		{state.KindListener, func(ctx context.Context, r state.Resource) error {
			return e.clients.Gateway.DeleteListener(ctx, r.ID)
		}},
		{state.KindTargetGroup, func(ctx context.Context, r state.Resource) error {
			return e.clients.Gateway.DeleteTargetGroup(ctx, r.ID)
		}},
		{state.KindLoadBalancer, func(ctx context.Context, r state.Resource) error {
			return e.clients.Gateway.DeleteLoadBalancer(ctx, r.ID)
		}},
		// Groups come down inner-first; the gateway group may still be
		// referenced by the backend group's rules until then.
		{state.KindSecurityGroup + "/" + e.backendGroupName(), func(ctx context.Context, r state.Resource) error {
			return e.clients.Groups.DeleteGroup(ctx, r.ID)
		}},
		{state.KindSecurityGroup + "/" + e.gatewayGroupName(), func(ctx context.Context, r state.Resource) error {
			return e.clients.Groups.DeleteGroup(ctx, r.ID)
		}},
		{state.KindLogGroup, func(ctx context.Context, r state.Resource) error {
			return e.clients.Logs.DeleteLogGroup(ctx, r.ID)
		}},
	}

	for _, step := range teardown {
		r, ok, err := e.store.Get(stack, step.kind)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := step.remove(ctx, r); err != nil {
			return err
		}
		if err := e.store.Forget(stack, step.kind); err != nil {
			return err
		}
		log.Info().Str("kind", step.kind).Str("id", r.ID).Msg("removed")
	}

	// The subnet record only marks what was selected, never created.
	if err := e.store.Forget(stack, state.KindSubnets); err != nil {
		return err
	}

	log.Info().Str("stack", stack).Msg("stack destroyed")
	return nil
}
