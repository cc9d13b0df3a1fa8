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
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// Local is an ObjectStore backed by a file system directory.
type Local struct {
	fs   afero.Fs
	root string
}

// NewLocal returns a store rooted at dir on fsys. A nil fsys means the OS file system.
func NewLocal(fsys afero.Fs, dir string) *Local {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Local{fs: fsys, root: filepath.Clean(dir)}
}

func (l *Local) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(strings.TrimPrefix(key, "/")))
}

// WriteOnce implements ObjectStore.
func (l *Local) WriteOnce(_ context.Context, key string, data []byte) error {
	p := l.path(key)
	if err := l.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", p, err)
	}
	f, err := l.fs.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s: %w", l.URL(key), ErrExists)
		}
		return fmt.Errorf("failed to create %s: %w", p, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	return f.Close()
}

// ReadIfExists implements ObjectStore.
func (l *Local) ReadIfExists(_ context.Context, key string) ([]byte, bool, error) {
	data, err := afero.ReadFile(l.fs, l.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", l.URL(key), err)
	}
	return data, true, nil
}

// List implements ObjectStore.
func (l *Local) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := afero.Walk(l.fs, l.root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, strings.TrimPrefix(prefix, "/")) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", l.URL(prefix), err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete implements ObjectStore.
func (l *Local) Delete(ctx context.Context, pattern string) ([]string, error) {
	keys, err := l.List(ctx, listPrefix(pattern))
	if err != nil {
		return nil, err
	}
	matched, err := selectMatching(keys, pattern)
	if err != nil {
		return nil, err
	}
	for _, k := range matched {
		if err := l.fs.Remove(l.path(k)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to delete %s: %w", l.URL(k), err)
		}
	}
	return matched, nil
}

// URL implements ObjectStore.
func (l *Local) URL(key string) string {
	return "file://" + path.Join(filepath.ToSlash(l.root), strings.TrimPrefix(key, "/"))
}

// Close implements ObjectStore.
func (l *Local) Close() error { return nil }
