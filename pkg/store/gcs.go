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
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type gcsStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	loc    Location
}

func newGCS(ctx context.Context, loc Location, opts Options) (*gcsStore, error) {
	var copts []option.ClientOption
	if opts.Endpoint != "" {
		copts = append(copts, option.WithEndpoint(opts.Endpoint))
	}
	if opts.Anonymous {
		copts = append(copts, option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, copts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &gcsStore{client: client, bucket: client.Bucket(loc.Bucket), loc: loc}, nil
}

func (s *gcsStore) WriteOnce(ctx context.Context, key string, data []byte) error {
	obj := s.bucket.Object(join(s.loc.Prefix, key)).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = "text/plain"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write %s: %w", s.URL(key), err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return fmt.Errorf("%s: %w", s.URL(key), ErrExists)
		}
		return fmt.Errorf("failed to write %s: %w", s.URL(key), err)
	}
	return nil
}

func (s *gcsStore) ReadIfExists(ctx context.Context, key string) ([]byte, bool, error) {
	r, err := s.bucket.Object(join(s.loc.Prefix, key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", s.URL(key), err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", s.URL(key), err)
	}
	return data, true, nil
}

func (s *gcsStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: join(s.loc.Prefix, prefix)})
	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", s.URL(prefix), err)
		}
		keys = append(keys, relative(s.loc.Prefix, attrs.Name))
	}
	return keys, nil
}

func (s *gcsStore) Delete(ctx context.Context, pattern string) ([]string, error) {
	keys, err := s.List(ctx, listPrefix(pattern))
	if err != nil {
		return nil, err
	}
	matched, err := selectMatching(keys, pattern)
	if err != nil {
		return nil, err
	}
	for _, k := range matched {
		err := s.bucket.Object(join(s.loc.Prefix, k)).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("failed to delete %s: %w", s.URL(k), err)
		}
	}
	return matched, nil
}

func (s *gcsStore) URL(key string) string {
	return "gs://" + s.loc.Bucket + "/" + join(s.loc.Prefix, key)
}

func (s *gcsStore) Close() error {
	return s.client.Close()
}
