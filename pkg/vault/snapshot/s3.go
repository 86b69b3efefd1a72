/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config addresses an S3-compatible bucket for offsite copies
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	// PathStyle is needed by most self-hosted S3 implementations
	PathStyle bool `mapstructure:"path_style"`
	Retention int  `mapstructure:"retention"`
}

// Enabled reports whether an offsite bucket is configured
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// S3Store uploads snapshots to a bucket and keeps a bounded history there
type S3Store struct {
	s3        *s3.Client
	bucket    string
	prefix    string
	retention int
}

// NewS3Store creates an S3Store with static credentials
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newS3Store(client, cfg), nil
}

func newS3Store(client *s3.Client, cfg S3Config) *S3Store {
	retention := cfg.Retention
	if retention < 1 {
		retention = DefaultRetention
	}
	return &S3Store{
		s3:        client,
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		retention: retention,
	}
}

// Upload copies snap to the bucket, then prunes the oldest objects beyond
// the retention depth.
func (s *S3Store) Upload(ctx context.Context, snap *Snapshot) error {
	f, err := os.Open(snap.Path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	key := s.key(snap.Name)
	_, err = s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(snap.Size),
		Metadata:      map[string]string{"sha256": snap.SHA256},
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s in bucket %s: %w", key, s.bucket, err)
	}

	_, err = s.Prune(ctx)
	return err
}

// Prune deletes snapshot objects beyond the retention depth and returns the
// deleted keys.
func (s *S3Store) Prune(ctx context.Context) ([]string, error) {
	keys, err := s.list(ctx)
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, key := range Expired(keys, s.retention) {
		_, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil && !isNotFoundError(err) {
			return deleted, fmt.Errorf("failed to delete object %s from bucket %s: %w", key, s.bucket, err)
		}
		deleted = append(deleted, key)
	}
	return deleted, nil
}

// list returns snapshot keys under the prefix, oldest first
func (s *S3Store) list(ctx context.Context) ([]string, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix + "/")
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.s3, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects in bucket %s: %w", s.bucket, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil && isSnapshotName(path.Base(*obj.Key)) {
				keys = append(keys, *obj.Key)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *S3Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func isNotFoundError(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	// S3-compatible services do not always return the SDK's typed errors
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound" || code == "404"
	}
	return false
}
