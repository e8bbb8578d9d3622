package retention

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ColdExporter marks rows as exported to a cold-storage tier before the
// table's Drop policy deletes them. A nil Manager.exporter skips the step.
type ColdExporter interface {
	Export(ctx context.Context, table string, before time.Time) error
}

// S3ColdExporter records the drop boundary for a table in S3, grounded on
// logger.InitCloudWatch's lazy aws-sdk-go-v2 client construction.
type S3ColdExporter struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3ColdExporter loads the default AWS config and returns nil, nil when
// bucket is empty: cold export is opt-in, not required for the Manager to
// run its compress/drop loop.
func NewS3ColdExporter(ctx context.Context, bucket, prefix, region string) (*S3ColdExporter, error) {
	if bucket == "" {
		return nil, nil
	}
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config for cold export: %w", err)
	}

	return &S3ColdExporter{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

// Export writes a marker object recording the table and cutoff time being
// dropped. The rows themselves are expected to already have been copied out
// by a separate bulk-export job; this records the boundary so that job can
// reconcile what the Manager actually removed.
func (e *S3ColdExporter) Export(ctx context.Context, table string, before time.Time) error {
	cutoff := before.UTC().Format(time.RFC3339)
	key := fmt.Sprintf("%s%s/%s.marker", e.prefix, table, cutoff)

	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(fmt.Sprintf("table=%s before=%s\n", table, cutoff)),
	})
	return err
}
