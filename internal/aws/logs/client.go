// Package logs converges the CloudWatch log group task output is shipped to.
package logs

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awslogs "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	logstypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

type LogsAPI interface {
	CreateLogGroup(ctx context.Context, params *awslogs.CreateLogGroupInput, optFns ...func(*awslogs.Options)) (*awslogs.CreateLogGroupOutput, error)
	DeleteLogGroup(ctx context.Context, params *awslogs.DeleteLogGroupInput, optFns ...func(*awslogs.Options)) (*awslogs.DeleteLogGroupOutput, error)
}

type Client struct {
	api LogsAPI
}

func NewClient(api LogsAPI) *Client {
	return &Client{api: api}
}

// EnsureLogGroup creates the log group, treating an already-existing group as
// success.
func (c *Client) EnsureLogGroup(ctx context.Context, name string) error {
	_, err := c.api.CreateLogGroup(ctx, &awslogs.CreateLogGroupInput{
		LogGroupName: aws.String(name),
	})
	if err != nil {
		var exists *logstypes.ResourceAlreadyExistsException
		if errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("CreateLogGroup(%s): %w", name, err)
	}
	return nil
}

// DeleteLogGroup removes the group during destroy. A group that is already
// gone is not an error.
func (c *Client) DeleteLogGroup(ctx context.Context, name string) error {
	_, err := c.api.DeleteLogGroup(ctx, &awslogs.DeleteLogGroupInput{
		LogGroupName: aws.String(name),
	})
	if err != nil {
		var notFound *logstypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("DeleteLogGroup(%s): %w", name, err)
	}
	return nil
}
