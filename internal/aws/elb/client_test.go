package elb

import (
	"context"
	"strconv"
	"testing"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/videoproc-hackathon/provisioner/internal/plan"
)

type mockELBAPI struct {
	describeLoadBalancersFunc func(ctx context.Context, params *elbv2.DescribeLoadBalancersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeLoadBalancersOutput, error)
	createLoadBalancerFunc    func(ctx context.Context, params *elbv2.CreateLoadBalancerInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateLoadBalancerOutput, error)
	deleteLoadBalancerFunc    func(ctx context.Context, params *elbv2.DeleteLoadBalancerInput, optFns ...func(*elbv2.Options)) (*elbv2.DeleteLoadBalancerOutput, error)
	describeTargetGroupsFunc  func(ctx context.Context, params *elbv2.DescribeTargetGroupsInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTargetGroupsOutput, error)
	createTargetGroupFunc     func(ctx context.Context, params *elbv2.CreateTargetGroupInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateTargetGroupOutput, error)
	deleteTargetGroupFunc     func(ctx context.Context, params *elbv2.DeleteTargetGroupInput, optFns ...func(*elbv2.Options)) (*elbv2.DeleteTargetGroupOutput, error)
	describeListenersFunc     func(ctx context.Context, params *elbv2.DescribeListenersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeListenersOutput, error)
	createListenerFunc        func(ctx context.Context, params *elbv2.CreateListenerInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateListenerOutput, error)
	deleteListenerFunc        func(ctx context.Context, params *elbv2.DeleteListenerInput, optFns ...func(*elbv2.Options)) (*elbv2.DeleteListenerOutput, error)
	describeRulesFunc         func(ctx context.Context, params *elbv2.DescribeRulesInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeRulesOutput, error)
	createRuleFunc            func(ctx context.Context, params *elbv2.CreateRuleInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateRuleOutput, error)
	registerTargetsFunc       func(ctx context.Context, params *elbv2.RegisterTargetsInput, optFns ...func(*elbv2.Options)) (*elbv2.RegisterTargetsOutput, error)
	deregisterTargetsFunc     func(ctx context.Context, params *elbv2.DeregisterTargetsInput, optFns ...func(*elbv2.Options)) (*elbv2.DeregisterTargetsOutput, error)
}

func (m *mockELBAPI) DescribeLoadBalancers(ctx context.Context, params *elbv2.DescribeLoadBalancersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeLoadBalancersOutput, error) {
	return m.describeLoadBalancersFunc(ctx, params, optFns...)
}
func (m *mockELBAPI) CreateLoadBalancer(ctx context.Context, params *elbv2.CreateLoadBalancerInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateLoadBalancerOutput, error) {
	return m.createLoadBalancerFunc(ctx, params, optFns...)
}
func (m *mockELBAPI) DeleteLoadBalancer(ctx context.Context, params *elbv2.DeleteLoadBalancerInput, optFns ...func(*elbv2.Options)) (*elbv2.DeleteLoadBalancerOutput, error) {
	return m.deleteLoadBalancerFunc(ctx, params, optFns...)
}
func (m *mockELBAPI) DescribeTargetGroups(ctx context.Context, params *elbv2.DescribeTargetGroupsInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTargetGroupsOutput, error) {
	return m.describeTargetGroupsFunc(ctx, params, optFns...)
}
func (m *mockELBAPI) CreateTargetGroup(ctx context.Context, params *elbv2.CreateTargetGroupInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateTargetGroupOutput, error) {
	return m.createTargetGroupFunc(ctx, params, optFns...)
}
func (m *mockELBAPI) DeleteTargetGroup(ctx context.Context, params *elbv2.DeleteTargetGroupInput, optFns ...func(*elbv2.Options)) (*elbv2.DeleteTargetGroupOutput, error) {
	return m.deleteTargetGroupFunc(ctx, params, optFns...)
}
func (m *mockELBAPI) DescribeListeners(ctx context.Context, params *elbv2.DescribeListenersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeListenersOutput, error) {
	return m.describeListenersFunc(ctx, params, optFns...)
}
func (m *mockELBAPI) CreateListener(ctx context.Context, params *elbv2.CreateListenerInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateListenerOutput, error) {
	return m.createListenerFunc(ctx, params, optFns...)
}
func (m *mockELBAPI) DeleteListener(ctx context.Context, params *elbv2.DeleteListenerInput, optFns ...func(*elbv2.Options)) (*elbv2.DeleteListenerOutput, error) {
	return m.deleteListenerFunc(ctx, params, optFns...)
}
func (m *mockELBAPI) DescribeRules(ctx context.Context, params *elbv2.DescribeRulesInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeRulesOutput, error) {
	return m.describeRulesFunc(ctx, params, optFns...)
}
func (m *mockELBAPI) CreateRule(ctx context.Context, params *elbv2.CreateRuleInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateRuleOutput, error) {
	return m.createRuleFunc(ctx, params, optFns...)
}
func (m *mockELBAPI) RegisterTargets(ctx context.Context, params *elbv2.RegisterTargetsInput, optFns ...func(*elbv2.Options)) (*elbv2.RegisterTargetsOutput, error) {
	return m.registerTargetsFunc(ctx, params, optFns...)
}
func (m *mockELBAPI) DeregisterTargets(ctx context.Context, params *elbv2.DeregisterTargetsInput, optFns ...func(*elbv2.Options)) (*elbv2.DeregisterTargetsOutput, error) {
	return m.deregisterTargetsFunc(ctx, params, optFns...)
}

type apiError struct{ code string }

func (e *apiError) Error() string                 { return e.code }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.code }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

func TestEnsureLoadBalancer_Creates(t *testing.T) {
	var created *elbv2.CreateLoadBalancerInput
	mock := &mockELBAPI{
		describeLoadBalancersFunc: func(ctx context.Context, params *elbv2.DescribeLoadBalancersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeLoadBalancersOutput, error) {
			return nil, &apiError{code: "LoadBalancerNotFound"}
		},
		createLoadBalancerFunc: func(ctx context.Context, params *elbv2.CreateLoadBalancerInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateLoadBalancerOutput, error) {
			created = params
			return &elbv2.CreateLoadBalancerOutput{
				LoadBalancers: []elbtypes.LoadBalancer{{
					LoadBalancerArn: awssdk.String("arn:lb"),
					DNSName:         awssdk.String("video-alb-123.elb.amazonaws.com"),
				}},
			}, nil
		},
	}

	client := NewClient(mock)
	lb, err := client.EnsureLoadBalancer(context.Background(), "video-alb", []string{"subnet-a", "subnet-c"}, "sg-gw")
	require.NoError(t, err)
	assert.Equal(t, "arn:lb", lb.ARN)
	assert.Equal(t, []string{"subnet-a", "subnet-c"}, created.Subnets)
	assert.Equal(t, []string{"sg-gw"}, created.SecurityGroups)
	assert.Equal(t, elbtypes.LoadBalancerSchemeEnumInternetFacing, created.Scheme)
}

func TestEnsureLoadBalancer_ReusesExisting(t *testing.T) {
	mock := &mockELBAPI{
		describeLoadBalancersFunc: func(ctx context.Context, params *elbv2.DescribeLoadBalancersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeLoadBalancersOutput, error) {
			return &elbv2.DescribeLoadBalancersOutput{
				LoadBalancers: []elbtypes.LoadBalancer{{
					LoadBalancerArn: awssdk.String("arn:existing"),
					DNSName:         awssdk.String("existing.elb.amazonaws.com"),
				}},
			}, nil
		},
	}

	client := NewClient(mock)
	lb, err := client.EnsureLoadBalancer(context.Background(), "video-alb", nil, "sg-gw")
	require.NoError(t, err)
	assert.Equal(t, "arn:existing", lb.ARN)
}

func TestEnsureTargetGroup_Creates(t *testing.T) {
	var created *elbv2.CreateTargetGroupInput
	mock := &mockELBAPI{
		describeTargetGroupsFunc: func(ctx context.Context, params *elbv2.DescribeTargetGroupsInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTargetGroupsOutput, error) {
			return nil, &apiError{code: "TargetGroupNotFound"}
		},
		createTargetGroupFunc: func(ctx context.Context, params *elbv2.CreateTargetGroupInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateTargetGroupOutput, error) {
			created = params
			return &elbv2.CreateTargetGroupOutput{
				TargetGroups: []elbtypes.TargetGroup{{TargetGroupArn: awssdk.String("arn:tg")}},
			}, nil
		},
	}

	spec := plan.TargetGroupSpec{
		Name:       "video-tg",
		Port:       8000,
		Protocol:   "HTTP",
		TargetType: "ip",
		Health: plan.HealthCheck{
			Path:               "/health",
			IntervalSeconds:    30,
			HealthyThreshold:   2,
			UnhealthyThreshold: 3,
			Matcher:            "200",
		},
	}

	client := NewClient(mock)
	arn, err := client.EnsureTargetGroup(context.Background(), "vpc-abc", spec)
	require.NoError(t, err)
	assert.Equal(t, "arn:tg", arn)
	assert.Equal(t, "/health", awssdk.ToString(created.HealthCheckPath))
	assert.Equal(t, "200", awssdk.ToString(created.Matcher.HttpCode))
	assert.Equal(t, elbtypes.TargetTypeEnum("ip"), created.TargetType)
}

func TestEnsureGatedListener_Creates(t *testing.T) {
	var createdListener *elbv2.CreateListenerInput
	var createdRule *elbv2.CreateRuleInput
	mock := &mockELBAPI{
		describeListenersFunc: func(ctx context.Context, params *elbv2.DescribeListenersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeListenersOutput, error) {
			return &elbv2.DescribeListenersOutput{}, nil
		},
		createListenerFunc: func(ctx context.Context, params *elbv2.CreateListenerInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateListenerOutput, error) {
			createdListener = params
			return &elbv2.CreateListenerOutput{
				Listeners: []elbtypes.Listener{{ListenerArn: awssdk.String("arn:listener")}},
			}, nil
		},
		describeRulesFunc: func(ctx context.Context, params *elbv2.DescribeRulesInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeRulesOutput, error) {
			return &elbv2.DescribeRulesOutput{
				Rules: []elbtypes.Rule{{Priority: awssdk.String("default"), IsDefault: awssdk.Bool(true)}},
			}, nil
		},
		createRuleFunc: func(ctx context.Context, params *elbv2.CreateRuleInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateRuleOutput, error) {
			createdRule = params
			return &elbv2.CreateRuleOutput{}, nil
		},
	}

	spec := plan.BuildGatewaySpec(80, "arn:tg", "x-apigateway-token", "tech-challenge-hackathon")
	client := NewClient(mock)
	arn, err := client.EnsureGatedListener(context.Background(), "arn:lb", spec)
	require.NoError(t, err)
	assert.Equal(t, "arn:listener", arn)

	// Default action denies everything.
	require.Len(t, createdListener.DefaultActions, 1)
	deny := createdListener.DefaultActions[0]
	assert.Equal(t, elbtypes.ActionTypeEnumFixedResponse, deny.Type)
	assert.Equal(t, strconv.Itoa(plan.DefaultDenyStatus), awssdk.ToString(deny.FixedResponseConfig.StatusCode))
	assert.Equal(t, plan.DefaultDenyBody, awssdk.ToString(deny.FixedResponseConfig.MessageBody))

	// One priority-1 header rule forwards to the backend.
	require.NotNil(t, createdRule)
	assert.Equal(t, int32(1), awssdk.ToInt32(createdRule.Priority))
	require.Len(t, createdRule.Conditions, 1)
	header := createdRule.Conditions[0].HttpHeaderConfig
	assert.Equal(t, "x-apigateway-token", awssdk.ToString(header.HttpHeaderName))
	assert.Equal(t, []string{"tech-challenge-hackathon"}, header.Values)
	require.Len(t, createdRule.Actions, 1)
	assert.Equal(t, "arn:tg", awssdk.ToString(createdRule.Actions[0].TargetGroupArn))
}

func TestEnsureGatedListener_RuleAlreadyConverged(t *testing.T) {
	mock := &mockELBAPI{
		describeListenersFunc: func(ctx context.Context, params *elbv2.DescribeListenersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeListenersOutput, error) {
			return &elbv2.DescribeListenersOutput{
				Listeners: []elbtypes.Listener{{
					ListenerArn: awssdk.String("arn:listener"),
					Port:        awssdk.Int32(80),
				}},
			}, nil
		},
		describeRulesFunc: func(ctx context.Context, params *elbv2.DescribeRulesInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeRulesOutput, error) {
			return &elbv2.DescribeRulesOutput{
				Rules: []elbtypes.Rule{{Priority: awssdk.String("1")}},
			}, nil
		},
		createRuleFunc: func(ctx context.Context, params *elbv2.CreateRuleInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateRuleOutput, error) {
			t.Fatal("CreateRule must not be called when the rule exists")
			return nil, nil
		},
	}

	spec := plan.BuildGatewaySpec(80, "arn:tg", "x-apigateway-token", "tech-challenge-hackathon")
	client := NewClient(mock)
	arn, err := client.EnsureGatedListener(context.Background(), "arn:lb", spec)
	require.NoError(t, err)
	assert.Equal(t, "arn:listener", arn)
}

func TestRegisterInstances(t *testing.T) {
	var registered *elbv2.RegisterTargetsInput
	mock := &mockELBAPI{
		registerTargetsFunc: func(ctx context.Context, params *elbv2.RegisterTargetsInput, optFns ...func(*elbv2.Options)) (*elbv2.RegisterTargetsOutput, error) {
			registered = params
			return &elbv2.RegisterTargetsOutput{}, nil
		},
	}

	client := NewClient(mock)
	err := client.RegisterInstances(context.Background(), "arn:tg", []string{"i-aaa", "i-bbb"}, 31080)
	require.NoError(t, err)
	require.Len(t, registered.Targets, 2)
	assert.Equal(t, "i-aaa", awssdk.ToString(registered.Targets[0].Id))
	assert.Equal(t, int32(31080), awssdk.ToInt32(registered.Targets[0].Port))
}

func TestRegisterInstances_Empty(t *testing.T) {
	client := NewClient(&mockELBAPI{})
	err := client.RegisterInstances(context.Background(), "arn:tg", nil, 31080)
	require.Error(t, err, "registering zero instances is a configuration error")
}
