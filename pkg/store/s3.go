// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type s3Store struct {
	client *s3.Client
	loc    Location
}

func newS3(ctx context.Context, loc Location, opts Options) (*s3Store, error) {
	var lopts []func(*config.LoadOptions) error
	if opts.Anonymous {
		lopts = append(lopts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}
	cfg, err := config.LoadDefaultConfig(ctx, lopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &s3Store{client: client, loc: loc}, nil
}

func (s *s3Store) WriteOnce(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.loc.Bucket),
		Key:         aws.String(join(s.loc.Prefix, key)),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		var re *awshttp.ResponseError
		if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusPreconditionFailed {
			return fmt.Errorf("%s: %w", s.URL(key), ErrExists)
		}
		return fmt.Errorf("failed to write %s: %w", s.URL(key), err)
	}
	return nil
}

func (s *s3Store) ReadIfExists(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.loc.Bucket),
		Key:    aws.String(join(s.loc.Prefix, key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read %s: %w", s.URL(key), err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", s.URL(key), err)
	}
	return data, true, nil
}

func (s *s3Store) List(ctx context.Context, prefix string) ([]string, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.loc.Bucket),
		Prefix: aws.String(join(s.loc.Prefix, prefix)),
	})
	var keys []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", s.URL(prefix), err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, relative(s.loc.Prefix, aws.ToString(obj.Key)))
		}
	}
	return keys, nil
}

func (s *s3Store) Delete(ctx context.Context, pattern string) ([]string, error) {
	keys, err := s.List(ctx, listPrefix(pattern))
	if err != nil {
		return nil, err
	}
	matched, err := selectMatching(keys, pattern)
	if err != nil {
		return nil, err
	}
	for _, k := range matched {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.loc.Bucket),
			Key:    aws.String(join(s.loc.Prefix, k)),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to delete %s: %w", s.URL(k), err)
		}
	}
	return matched, nil
}

func (s *s3Store) URL(key string) string {
	return "s3://" + s.loc.Bucket + "/" + join(s.loc.Prefix, key)
}

func (s *s3Store) Close() error { return nil }
