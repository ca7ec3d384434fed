package s3

import (
	"context"
	"errors"
	"testing"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/videoproc-hackathon/provisioner/internal/plan"
)

type mockS3API struct {
	headBucketFunc func(ctx context.Context, params *awss3.HeadBucketInput, optFns ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
}

func (m *mockS3API) HeadBucket(ctx context.Context, params *awss3.HeadBucketInput, optFns ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error) {
	return m.headBucketFunc(ctx, params, optFns...)
}

func TestVerifyBucket(t *testing.T) {
	client := NewClient(&mockS3API{
		headBucketFunc: func(ctx context.Context, params *awss3.HeadBucketInput, optFns ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error) {
			if awssdk.ToString(params.Bucket) != "video-frames" {
				t.Errorf("bucket = %s", awssdk.ToString(params.Bucket))
			}
			return &awss3.HeadBucketOutput{}, nil
		},
	})

	if err := client.VerifyBucket(context.Background(), "video-frames"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVerifyBucket_MissingIsConfigurationError(t *testing.T) {
	client := NewClient(&mockS3API{
		headBucketFunc: func(ctx context.Context, params *awss3.HeadBucketInput, optFns ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error) {
			return nil, errors.New("NotFound")
		},
	})

	err := client.VerifyBucket(context.Background(), "gone")
	var cfgErr *plan.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}
