// Package storagecheck probes bucket contents through the S3 gateway to
// detect passphrase mismatches.
package storagecheck

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/arcstor/console-access-engine/internal/gateway"
)

// S3Counter counts objects in a bucket using freshly exchanged gateway
// credentials. Each probe builds its own client because the credentials
// are short-lived and change across derivations.
type S3Counter struct {
	region string
	logger *logrus.Entry
}

// NewS3Counter creates a counter. region may be empty; gateways ignore it
// but the SDK requires one.
func NewS3Counter(region string) *S3Counter {
	if region == "" {
		region = "us-east-1"
	}
	return &S3Counter{
		region: region,
		logger: logrus.WithField("module", "storagecheck"),
	}
}

// CountObjects returns the number of objects visible in the bucket with
// the given credentials.
func (c *S3Counter) CountObjects(ctx context.Context, creds *gateway.Credentials, bucket string) (int64, error) {
	if creds == nil || creds.AccessKeyID == "" || creds.SecretKey == "" {
		return 0, fmt.Errorf("gateway credentials are required")
	}
	if bucket == "" {
		return 0, fmt.Errorf("bucket name is required")
	}

	awsConfig := &aws.Config{
		Region:           aws.String(c.region),
		Credentials:      credentials.NewStaticCredentials(creds.AccessKeyID, creds.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	}
	if creds.Endpoint != "" {
		awsConfig.Endpoint = aws.String(creds.Endpoint)
		if strings.HasPrefix(creds.Endpoint, "http://") {
			awsConfig.DisableSSL = aws.Bool(true)
		}
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return 0, fmt.Errorf("failed to create S3 session: %w", err)
	}
	client := s3.New(sess)

	var total int64
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	}
	err = client.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, _ bool) bool {
			total += int64(len(page.Contents))
			return true
		})
	if err != nil {
		return 0, fmt.Errorf("failed to list bucket %q: %w", bucket, err)
	}

	c.logger.WithFields(logrus.Fields{
		"bucket": bucket,
		"count":  total,
	}).Debug("Object count probe completed")

	return total, nil
}
