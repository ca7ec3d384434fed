// Package sg converges the layered security groups derived by the planner.
package sg

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/videoproc-hackathon/provisioner/internal/plan"
)

type SGAPI interface {
	DescribeSecurityGroups(ctx context.Context, params *awsec2.DescribeSecurityGroupsInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeSecurityGroupsOutput, error)
	CreateSecurityGroup(ctx context.Context, params *awsec2.CreateSecurityGroupInput, optFns ...func(*awsec2.Options)) (*awsec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, params *awsec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*awsec2.Options)) (*awsec2.AuthorizeSecurityGroupIngressOutput, error)
	AuthorizeSecurityGroupEgress(ctx context.Context, params *awsec2.AuthorizeSecurityGroupEgressInput, optFns ...func(*awsec2.Options)) (*awsec2.AuthorizeSecurityGroupEgressOutput, error)
	DeleteSecurityGroup(ctx context.Context, params *awsec2.DeleteSecurityGroupInput, optFns ...func(*awsec2.Options)) (*awsec2.DeleteSecurityGroupOutput, error)
}

type Client struct {
	api SGAPI
}

func NewClient(api SGAPI) *Client {
	return &Client{api: api}
}

// EnsureGroup converges one security group: finds it by name in the VPC or
// creates it, then authorizes the derived rules. Group-reference peers are
// resolved through peerIDs, the name→id map of already-converged layers;
// a missing peer is a DependencyError because chain order is gateway-first,
// backend-second, always.
//
// Duplicate-rule errors from re-runs are treated as already-converged.
func (c *Client) EnsureGroup(ctx context.Context, vpcID string, spec plan.GroupSpec, peerIDs map[string]string) (string, error) {
	groupID, err := c.findGroup(ctx, vpcID, spec.Name)
	if err != nil {
		return "", err
	}
	if groupID == "" {
		out, err := c.api.CreateSecurityGroup(ctx, &awsec2.CreateSecurityGroupInput{
			VpcId:       aws.String(vpcID),
			GroupName:   aws.String(spec.Name),
			Description: aws.String(spec.Description),
		})
		if err != nil {
			return "", fmt.Errorf("CreateSecurityGroup(%s): %w", spec.Name, err)
		}
		groupID = aws.ToString(out.GroupId)
	}

	ingress, err := toPermissions(spec.Ingress, peerIDs)
	if err != nil {
		return "", err
	}
	if len(ingress) > 0 {
		_, err = c.api.AuthorizeSecurityGroupIngress(ctx, &awsec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       aws.String(groupID),
			IpPermissions: ingress,
		})
		if err != nil && !isDuplicateRule(err) {
			return "", fmt.Errorf("AuthorizeSecurityGroupIngress(%s): %w", spec.Name, err)
		}
	}

	egress, err := toPermissions(spec.Egress, peerIDs)
	if err != nil {
		return "", err
	}
	if len(egress) > 0 {
		_, err = c.api.AuthorizeSecurityGroupEgress(ctx, &awsec2.AuthorizeSecurityGroupEgressInput{
			GroupId:       aws.String(groupID),
			IpPermissions: egress,
		})
		if err != nil && !isDuplicateRule(err) {
			return "", fmt.Errorf("AuthorizeSecurityGroupEgress(%s): %w", spec.Name, err)
		}
	}

	return groupID, nil
}

// DeleteGroup removes a converged group by id.
func (c *Client) DeleteGroup(ctx context.Context, groupID string) error {
	_, err := c.api.DeleteSecurityGroup(ctx, &awsec2.DeleteSecurityGroupInput{
		GroupId: aws.String(groupID),
	})
	if err != nil {
		return fmt.Errorf("DeleteSecurityGroup(%s): %w", groupID, err)
	}
	return nil
}

func (c *Client) findGroup(ctx context.Context, vpcID, name string) (string, error) {
	out, err := c.api.DescribeSecurityGroups(ctx, &awsec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{
			{Name: aws.String("vpc-id"), Values: []string{vpcID}},
			{Name: aws.String("group-name"), Values: []string{name}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("DescribeSecurityGroups: %w", err)
	}
	if len(out.SecurityGroups) == 0 {
		return "", nil
	}
	return aws.ToString(out.SecurityGroups[0].GroupId), nil
}

func toPermissions(rules []plan.Rule, peerIDs map[string]string) ([]types.IpPermission, error) {
	perms := make([]types.IpPermission, 0, len(rules))
	for _, r := range rules {
		perm := types.IpPermission{
			IpProtocol: aws.String(r.Protocol),
		}
		// Protocol -1 (all) carries no port range.
		if r.Protocol != "-1" {
			perm.FromPort = aws.Int32(int32(r.FromPort))
			perm.ToPort = aws.Int32(int32(r.ToPort))
		}

		switch {
		case r.PeerGroup != "":
			peerID, ok := peerIDs[r.PeerGroup]
			if !ok {
				return nil, &plan.DependencyError{Entity: r.PeerGroup, Msg: "peer group not converged yet"}
			}
			perm.UserIdGroupPairs = []types.UserIdGroupPair{{
				GroupId:     aws.String(peerID),
				Description: aws.String(r.Description),
			}}
		case r.PeerCIDR != "":
			perm.IpRanges = []types.IpRange{{
				CidrIp:      aws.String(r.PeerCIDR),
				Description: aws.String(r.Description),
			}}
		default:
			return nil, plan.Configf("rule on port %d has no peer", r.FromPort)
		}

		perms = append(perms, perm)
	}
	return perms, nil
}

// isDuplicateRule matches the EC2 error for a permission that already exists.
func isDuplicateRule(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidPermission.Duplicate"
}
