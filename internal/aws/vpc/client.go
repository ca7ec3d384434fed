// Package vpc discovers the shared network. Everything here is read-only:
// the VPC and its subnets are inputs the provisioner never creates, mutates
// or destroys.
package vpc

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/videoproc-hackathon/provisioner/internal/plan"
)

type VPCAPI interface {
	DescribeVpcs(ctx context.Context, params *awsec2.DescribeVpcsInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeVpcsOutput, error)
	DescribeSubnets(ctx context.Context, params *awsec2.DescribeSubnetsInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeSubnetsOutput, error)
}

type Client struct {
	api VPCAPI
}

func NewClient(api VPCAPI) *Client {
	return &Client{api: api}
}

// DescribeNetwork resolves the shared VPC and its subnets in discovery order.
// Subnet order is whatever the API returns for the first page onward; the
// selector depends on this being stable between runs, which DescribeSubnets
// guarantees for an unchanged subnet set.
func (c *Client) DescribeNetwork(ctx context.Context, vpcID string) (plan.Network, error) {
	vpcOut, err := c.api.DescribeVpcs(ctx, &awsec2.DescribeVpcsInput{
		VpcIds: []string{vpcID},
	})
	if err != nil {
		return plan.Network{}, fmt.Errorf("DescribeVpcs: %w", err)
	}
	if len(vpcOut.Vpcs) == 0 {
		return plan.Network{}, plan.Configf("shared VPC %s not found", vpcID)
	}

	network := plan.Network{
		VPCID: aws.ToString(vpcOut.Vpcs[0].VpcId),
		CIDR:  aws.ToString(vpcOut.Vpcs[0].CidrBlock),
	}

	var nextToken *string
	for {
		out, err := c.api.DescribeSubnets(ctx, &awsec2.DescribeSubnetsInput{
			Filters: []types.Filter{
				{Name: aws.String("vpc-id"), Values: []string{vpcID}},
			},
			NextToken: nextToken,
		})
		if err != nil {
			return plan.Network{}, fmt.Errorf("DescribeSubnets: %w", err)
		}

		for _, s := range out.Subnets {
			network.Subnets = append(network.Subnets, plan.Subnet{
				ID:   aws.ToString(s.SubnetId),
				Zone: aws.ToString(s.AvailabilityZone),
				CIDR: aws.ToString(s.CidrBlock),
			})
		}

		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}

	return network, nil
}
