// Package artifacts mirrors run outputs to S3-compatible object storage.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// Environment variables read by ConfigFromEnv
const (
	OSS_ENDPOINT          = "OSS_ENDPOINT"
	AWS_ACCESS_KEY_ID     = "AWS_ACCESS_KEY_ID"
	AWS_SECRET_ACCESS_KEY = "AWS_SECRET_ACCESS_KEY"
	AWS_REGION            = "AWS_REGION"
)

// AwsConfig holds the connection settings of an S3-compatible endpoint
type AwsConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	AccessKeySecret string
	MaxRetries      int // 0 keeps the SDK default
}

// ConfigFromEnv reads the endpoint and credentials from the environment
func ConfigFromEnv() AwsConfig {
	return AwsConfig{
		Endpoint:        os.Getenv(OSS_ENDPOINT),
		Region:          os.Getenv(AWS_REGION),
		AccessKeyID:     os.Getenv(AWS_ACCESS_KEY_ID),
		AccessKeySecret: os.Getenv(AWS_SECRET_ACCESS_KEY),
	}
}

// ParseURI splits s3://bucket/prefix into its bucket and key prefix
func ParseURI(uri string) (bucket, prefix string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid mirror uri %q: %w", uri, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid mirror uri %q: want s3://bucket/prefix", uri)
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}

// S3Mirror uploads local files under a bucket prefix, keeping their base
// names
type S3Mirror struct {
	bucket   string
	prefix   string
	uploader *s3manager.Uploader
	logger   *log.Entry
}

// NewS3Mirror creates a mirror for uri (s3://bucket/prefix)
func NewS3Mirror(uri string, conf AwsConfig) (*S3Mirror, error) {
	bucket, prefix, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	client, err := s3Client(conf)
	if err != nil {
		return nil, err
	}
	return &S3Mirror{
		bucket:   bucket,
		prefix:   prefix,
		uploader: s3manager.NewUploaderWithClient(client),
		logger:   log.WithFields(log.Fields{"component": "mirror", "bucket": bucket}),
	}, nil
}

func s3Client(conf AwsConfig) (*s3.S3, error) {
	region := conf.Region
	if region == "" {
		region = "dummy"
	}
	config := &aws.Config{
		Region:           aws.String(region),
		S3ForcePathStyle: aws.Bool(true),
		Credentials:      credentials.NewStaticCredentials(conf.AccessKeyID, conf.AccessKeySecret, ""),
	}
	if conf.Endpoint != "" {
		config.Endpoint = aws.String(conf.Endpoint)
	}
	if conf.MaxRetries > 0 {
		config.MaxRetries = aws.Int(conf.MaxRetries)
	}

	sess, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 session: %w", err)
	}
	return s3.New(sess, config), nil
}

// Key returns the object key a local file is uploaded to
func (m *S3Mirror) Key(localPath string) string {
	return path.Join(m.prefix, filepath.Base(localPath))
}

// Upload copies the file at localPath to the mirror, replacing any object
// of the same name
func (m *S3Mirror) Upload(ctx context.Context, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", localPath, err)
	}

	key := m.Key(localPath)
	up, err := m.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		m.logger.WithError(err).Errorf("upload %s failed", localPath)
		return fmt.Errorf("failed to upload %s to s3://%s/%s: %w", localPath, m.bucket, key, err)
	}
	m.logger.WithField("location", up.Location).Debugf("uploaded %s", localPath)
	return nil
}
