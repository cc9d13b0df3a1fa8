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
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

type azureStore struct {
	client    *azblob.Client
	account   string
	container string
	loc       Location
}

func newAzure(loc Location, opts Options) (*azureStore, error) {
	account, container, _ := strings.Cut(loc.Bucket, "/")
	serviceURL := opts.Endpoint
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	}

	var client *azblob.Client
	var err error
	if opts.Anonymous {
		client, err = azblob.NewClientWithNoCredential(serviceURL, nil)
	} else {
		var cred *azidentity.DefaultAzureCredential
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to get Azure credentials: %w", err)
		}
		client, err = azblob.NewClient(serviceURL, cred, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client for %s: %w", serviceURL, err)
	}
	return &azureStore{client: client, account: account, container: container, loc: loc}, nil
}

func (s *azureStore) WriteOnce(ctx context.Context, key string, data []byte) error {
	_, err := s.client.UploadBuffer(ctx, s.container, join(s.loc.Prefix, key), data, &azblob.UploadBufferOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		},
	})
	if bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet) {
		return fmt.Errorf("%s: %w", s.URL(key), ErrExists)
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", s.URL(key), err)
	}
	return nil
}

func (s *azureStore) ReadIfExists(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, join(s.loc.Prefix, key), nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", s.URL(key), err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", s.URL(key), err)
	}
	return data, true, nil
}

func (s *azureStore) List(ctx context.Context, prefix string) ([]string, error) {
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: to.Ptr(join(s.loc.Prefix, prefix)),
	})
	var keys []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", s.URL(prefix), err)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				keys = append(keys, relative(s.loc.Prefix, *item.Name))
			}
		}
	}
	return keys, nil
}

func (s *azureStore) Delete(ctx context.Context, pattern string) ([]string, error) {
	keys, err := s.List(ctx, listPrefix(pattern))
	if err != nil {
		return nil, err
	}
	matched, err := selectMatching(keys, pattern)
	if err != nil {
		return nil, err
	}
	for _, k := range matched {
		_, err := s.client.DeleteBlob(ctx, s.container, join(s.loc.Prefix, k), nil)
		if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, fmt.Errorf("failed to delete %s: %w", s.URL(k), err)
		}
	}
	return matched, nil
}

func (s *azureStore) URL(key string) string {
	return "az://" + s.account + "/" + s.container + "/" + join(s.loc.Prefix, key)
}

func (s *azureStore) Close() error { return nil }
