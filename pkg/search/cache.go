// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package search

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gomlx/kernels/pkg/kernel"
	"github.com/gomlx/kernels/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Cache stores the optimizations found by the search in a directory, one JSON file per kernel and
// device. It is safe for concurrent use: files are written atomically.
type Cache struct {
	dir string
}

// cacheEntry is the content of a cache file. The full key is stored to detect hash collisions.
type cacheEntry struct {
	Device     string       `json:"device"`
	Key        string       `json:"key"`
	TensorCore string       `json:"tensor_core,omitempty"`
	Opts       []kernel.Opt `json:"opts"`
}

// NewCache returns a cache in dir, creating it if needed. A leading "~" is replaced by the
// user's home directory.
func NewCache(dir string) (*Cache, error) {
	dir, err := fsutil.EnsureDir(dir)
	if err != nil {
		return nil, errors.WithMessage(err, "search.NewCache")
	}
	return &Cache{dir: dir}, nil
}

// Dir returns the directory of the cache.
func (c *Cache) Dir() string { return c.dir }

func (c *Cache) path(deviceName, key string) string {
	sum := sha256.Sum256([]byte(deviceName + "\x00" + key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:16])+".json")
}

// Get returns the optimizations stored for the kernel key on the device: the tensor core name (empty
// if none) and the opts applied after it.
func (c *Cache) Get(deviceName, key string) (opts []kernel.Opt, tensorCore string, found bool) {
	data, err := os.ReadFile(c.path(deviceName, key))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			klog.Warningf("search: reading cache: %v", err)
		}
		return nil, "", false
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		klog.Warningf("search: corrupted cache entry %s: %v", c.path(deviceName, key), err)
		return nil, "", false
	}
	if entry.Device != deviceName || entry.Key != key {
		return nil, "", false
	}
	return entry.Opts, entry.TensorCore, true
}

// Put stores the optimizations of k, found for the kernel key on the device.
func (c *Cache) Put(deviceName, key string, k *kernel.Kernel) error {
	entry := cacheEntry{Device: deviceName, Key: key, Opts: k.AppliedOpts()}
	if tc := k.TensorCore(); tc != nil {
		entry.TensorCore = tc.Name
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return errors.Wrap(err, "search: encoding cache entry")
	}
	path := c.path(deviceName, key)
	tmp, err := os.CreateTemp(c.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "search: writing cache entry")
	}
	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrapf(err, "search: writing cache entry %s", path)
	}
	return nil
}
