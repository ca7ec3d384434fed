// Package elb converges the public entry point: the application load
// balancer, the backend target group, and the header-gated listener.
package elb

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/smithy-go"

	"github.com/videoproc-hackathon/provisioner/internal/plan"
)

type ELBAPI interface {
	DescribeLoadBalancers(ctx context.Context, params *elbv2.DescribeLoadBalancersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeLoadBalancersOutput, error)
	CreateLoadBalancer(ctx context.Context, params *elbv2.CreateLoadBalancerInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateLoadBalancerOutput, error)
	DeleteLoadBalancer(ctx context.Context, params *elbv2.DeleteLoadBalancerInput, optFns ...func(*elbv2.Options)) (*elbv2.DeleteLoadBalancerOutput, error)
	DescribeTargetGroups(ctx context.Context, params *elbv2.DescribeTargetGroupsInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTargetGroupsOutput, error)
	CreateTargetGroup(ctx context.Context, params *elbv2.CreateTargetGroupInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateTargetGroupOutput, error)
	DeleteTargetGroup(ctx context.Context, params *elbv2.DeleteTargetGroupInput, optFns ...func(*elbv2.Options)) (*elbv2.DeleteTargetGroupOutput, error)
	DescribeListeners(ctx context.Context, params *elbv2.DescribeListenersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeListenersOutput, error)
	CreateListener(ctx context.Context, params *elbv2.CreateListenerInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateListenerOutput, error)
	DeleteListener(ctx context.Context, params *elbv2.DeleteListenerInput, optFns ...func(*elbv2.Options)) (*elbv2.DeleteListenerOutput, error)
	DescribeRules(ctx context.Context, params *elbv2.DescribeRulesInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeRulesOutput, error)
	CreateRule(ctx context.Context, params *elbv2.CreateRuleInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateRuleOutput, error)
	RegisterTargets(ctx context.Context, params *elbv2.RegisterTargetsInput, optFns ...func(*elbv2.Options)) (*elbv2.RegisterTargetsOutput, error)
	DeregisterTargets(ctx context.Context, params *elbv2.DeregisterTargetsInput, optFns ...func(*elbv2.Options)) (*elbv2.DeregisterTargetsOutput, error)
}

type Client struct {
	api ELBAPI
}

func NewClient(api ELBAPI) *Client {
	return &Client{api: api}
}

// LoadBalancer is the converged ALB identity the rest of the run needs.
type LoadBalancer struct {
	ARN     string
	DNSName string
}

// EnsureLoadBalancer finds the ALB by name or creates it across the selected
// subnets with the gateway security group.
func (c *Client) EnsureLoadBalancer(ctx context.Context, name string, subnetIDs []string, gatewaySG string) (LoadBalancer, error) {
	out, err := c.api.DescribeLoadBalancers(ctx, &elbv2.DescribeLoadBalancersInput{
		Names: []string{name},
	})
	if err != nil && !isNotFound(err, "LoadBalancerNotFound") {
		return LoadBalancer{}, fmt.Errorf("DescribeLoadBalancers: %w", err)
	}
	if out != nil && len(out.LoadBalancers) > 0 {
		lb := out.LoadBalancers[0]
		return LoadBalancer{
			ARN:     aws.ToString(lb.LoadBalancerArn),
			DNSName: aws.ToString(lb.DNSName),
		}, nil
	}

	created, err := c.api.CreateLoadBalancer(ctx, &elbv2.CreateLoadBalancerInput{
		Name:           aws.String(name),
		Type:           elbtypes.LoadBalancerTypeEnumApplication,
		Scheme:         elbtypes.LoadBalancerSchemeEnumInternetFacing,
		IpAddressType:  elbtypes.IpAddressTypeIpv4,
		Subnets:        subnetIDs,
		SecurityGroups: []string{gatewaySG},
	})
	if err != nil {
		return LoadBalancer{}, fmt.Errorf("CreateLoadBalancer(%s): %w", name, err)
	}
	lb := created.LoadBalancers[0]
	return LoadBalancer{
		ARN:     aws.ToString(lb.LoadBalancerArn),
		DNSName: aws.ToString(lb.DNSName),
	}, nil
}

// EnsureTargetGroup finds the target group by name or creates it with the
// shared health check. Health-check path and matcher come from the same spec
// the orchestrator probes are derived from.
func (c *Client) EnsureTargetGroup(ctx context.Context, vpcID string, spec plan.TargetGroupSpec) (string, error) {
	out, err := c.api.DescribeTargetGroups(ctx, &elbv2.DescribeTargetGroupsInput{
		Names: []string{spec.Name},
	})
	if err != nil && !isNotFound(err, "TargetGroupNotFound") {
		return "", fmt.Errorf("DescribeTargetGroups: %w", err)
	}
	if out != nil && len(out.TargetGroups) > 0 {
		return aws.ToString(out.TargetGroups[0].TargetGroupArn), nil
	}

	created, err := c.api.CreateTargetGroup(ctx, &elbv2.CreateTargetGroupInput{
		Name:                       aws.String(spec.Name),
		VpcId:                      aws.String(vpcID),
		Port:                       aws.Int32(int32(spec.Port)),
		Protocol:                   elbtypes.ProtocolEnum(spec.Protocol),
		TargetType:                 elbtypes.TargetTypeEnum(spec.TargetType),
		HealthCheckPath:            aws.String(spec.Health.Path),
		HealthCheckIntervalSeconds: aws.Int32(int32(spec.Health.IntervalSeconds)),
		HealthyThresholdCount:      aws.Int32(int32(spec.Health.HealthyThreshold)),
		UnhealthyThresholdCount:    aws.Int32(int32(spec.Health.UnhealthyThreshold)),
		Matcher:                    &elbtypes.Matcher{HttpCode: aws.String(spec.Health.Matcher)},
	})
	if err != nil {
		return "", fmt.Errorf("CreateTargetGroup(%s): %w", spec.Name, err)
	}
	return aws.ToString(created.TargetGroups[0].TargetGroupArn), nil
}

// EnsureGatedListener converges the public listener: default action is a
// fixed 403 response, and a single priority-1 rule forwards requests bearing
// the secret header to the backend target group. Requests without the exact
// header value can never reach the target group through a listener this
// produces.
func (c *Client) EnsureGatedListener(ctx context.Context, lbARN string, spec plan.GatewaySpec) (string, error) {
	listenerARN, err := c.findListener(ctx, lbARN, spec.Port)
	if err != nil {
		return "", err
	}

	if listenerARN == "" {
		created, err := c.api.CreateListener(ctx, &elbv2.CreateListenerInput{
			LoadBalancerArn: aws.String(lbARN),
			Port:            aws.Int32(int32(spec.Port)),
			Protocol:        elbtypes.ProtocolEnum(spec.Protocol),
			DefaultActions: []elbtypes.Action{{
				Type: elbtypes.ActionTypeEnumFixedResponse,
				FixedResponseConfig: &elbtypes.FixedResponseActionConfig{
					StatusCode:  aws.String(strconv.Itoa(spec.DenyStatus)),
					ContentType: aws.String("text/plain"),
					MessageBody: aws.String(spec.DenyBody),
				},
			}},
		})
		if err != nil {
			return "", fmt.Errorf("CreateListener: %w", err)
		}
		listenerARN = aws.ToString(created.Listeners[0].ListenerArn)
	}

	for _, rule := range spec.Rules {
		if err := c.ensureHeaderRule(ctx, listenerARN, rule); err != nil {
			return "", err
		}
	}
	return listenerARN, nil
}

func (c *Client) findListener(ctx context.Context, lbARN string, port int) (string, error) {
	out, err := c.api.DescribeListeners(ctx, &elbv2.DescribeListenersInput{
		LoadBalancerArn: aws.String(lbARN),
	})
	if err != nil {
		return "", fmt.Errorf("DescribeListeners: %w", err)
	}
	for _, l := range out.Listeners {
		if int(aws.ToInt32(l.Port)) == port {
			return aws.ToString(l.ListenerArn), nil
		}
	}
	return "", nil
}

func (c *Client) ensureHeaderRule(ctx context.Context, listenerARN string, rule plan.HeaderRule) error {
	out, err := c.api.DescribeRules(ctx, &elbv2.DescribeRulesInput{
		ListenerArn: aws.String(listenerARN),
	})
	if err != nil {
		return fmt.Errorf("DescribeRules: %w", err)
	}
	for _, r := range out.Rules {
		if aws.ToString(r.Priority) == strconv.Itoa(rule.Priority) {
			return nil
		}
	}

	_, err = c.api.CreateRule(ctx, &elbv2.CreateRuleInput{
		ListenerArn: aws.String(listenerARN),
		Priority:    aws.Int32(int32(rule.Priority)),
		Conditions: []elbtypes.RuleCondition{{
			Field: aws.String("http-header"),
			HttpHeaderConfig: &elbtypes.HttpHeaderConditionConfig{
				HttpHeaderName: aws.String(rule.HeaderName),
				Values:         []string{rule.HeaderValue},
			},
		}},
		Actions: []elbtypes.Action{{
			Type:           elbtypes.ActionTypeEnumForward,
			TargetGroupArn: aws.String(rule.TargetGroup),
		}},
	})
	if err != nil {
		return fmt.Errorf("CreateRule(priority %d): %w", rule.Priority, err)
	}
	return nil
}

// RegisterInstances attaches worker instances to the target group. Used by
// the node-group backend once the group reports ready; the Fargate backend
// registers by IP through the service's own load-balancer binding instead.
func (c *Client) RegisterInstances(ctx context.Context, tgARN string, instanceIDs []string, port int) error {
	if len(instanceIDs) == 0 {
		return plan.Configf("no instances to register with %s", tgARN)
	}

	targets := make([]elbtypes.TargetDescription, len(instanceIDs))
	for i, id := range instanceIDs {
		targets[i] = elbtypes.TargetDescription{
			Id:   aws.String(id),
			Port: aws.Int32(int32(port)),
		}
	}

	_, err := c.api.RegisterTargets(ctx, &elbv2.RegisterTargetsInput{
		TargetGroupArn: aws.String(tgARN),
		Targets:        targets,
	})
	if err != nil {
		return fmt.Errorf("RegisterTargets: %w", err)
	}
	return nil
}

// DeregisterInstances detaches worker instances from the target group before
// the node group itself is torn down, so the listener stops routing to
// instances that are about to disappear.
func (c *Client) DeregisterInstances(ctx context.Context, tgARN string, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}

	targets := make([]elbtypes.TargetDescription, len(instanceIDs))
	for i, id := range instanceIDs {
		targets[i] = elbtypes.TargetDescription{Id: aws.String(id)}
	}

	_, err := c.api.DeregisterTargets(ctx, &elbv2.DeregisterTargetsInput{
		TargetGroupArn: aws.String(tgARN),
		Targets:        targets,
	})
	if err != nil {
		return fmt.Errorf("DeregisterTargets: %w", err)
	}
	return nil
}

// DeleteListener removes a converged listener.
func (c *Client) DeleteListener(ctx context.Context, listenerARN string) error {
	if _, err := c.api.DeleteListener(ctx, &elbv2.DeleteListenerInput{
		ListenerArn: aws.String(listenerARN),
	}); err != nil {
		return fmt.Errorf("DeleteListener: %w", err)
	}
	return nil
}

// DeleteTargetGroup removes a converged target group.
func (c *Client) DeleteTargetGroup(ctx context.Context, tgARN string) error {
	if _, err := c.api.DeleteTargetGroup(ctx, &elbv2.DeleteTargetGroupInput{
		TargetGroupArn: aws.String(tgARN),
	}); err != nil {
		return fmt.Errorf("DeleteTargetGroup: %w", err)
	}
	return nil
}

// DeleteLoadBalancer removes a converged ALB.
func (c *Client) DeleteLoadBalancer(ctx context.Context, lbARN string) error {
	if _, err := c.api.DeleteLoadBalancer(ctx, &elbv2.DeleteLoadBalancerInput{
		LoadBalancerArn: aws.String(lbARN),
	}); err != nil {
		return fmt.Errorf("DeleteLoadBalancer: %w", err)
	}
	return nil
}

func isNotFound(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}
