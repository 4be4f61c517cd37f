package storage

import (
	"context"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tietjen/generate-linux-templates/pkg/errors"
)

// Client reads cloud images mirrored into S3 buckets.
type Client struct {
	s3Client *s3.Client
}

// NewClient creates a new S3 client for anonymous access
func NewClient(ctx context.Context, region string) (*Client, error) {
	slog.Info("s3_client_init", "region", region)

	// Load AWS config with anonymous credentials
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &Client{s3Client: s3.NewFromConfig(cfg)}, nil
}

// GetObject opens an object for streaming. The returned size is -1 when S3
// did not report a content length.
func (c *Client) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	slog.Info("s3_get_object", "bucket", bucket, "s3_key", key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "bucket", bucket, "s3_key", key, "error", err)
		return nil, 0, classifyS3Error("s3://"+bucket+"/"+key, err)
	}

	size := int64(-1)
	if result.ContentLength != nil {
		size = *result.ContentLength
	}
	return result.Body, size, nil
}

// classifyS3Error maps SDK failures onto the download taxonomy: responses
// carrying an HTTP status keep it, anything else is a network failure.
func classifyS3Error(url string, err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return &errors.DownloadError{
			Kind:       errors.DownloadHTTPStatus,
			URL:        url,
			StatusCode: respErr.HTTPStatusCode(),
			Err:        err,
		}
	}
	return &errors.DownloadError{Kind: errors.DownloadNetwork, URL: url, Err: err}
}
