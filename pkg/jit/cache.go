// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package jit

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gomlx/einjit/backends"
	"github.com/gomlx/einjit/pkg/support/xsync"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Cache of compiled kernels, keyed by Signature.
//
// At most one compilation per signature is in flight: concurrent requests for the same signature
// wait for it to finish and share its kernel. Stored kernels are immutable and are never evicted.
// Failed compilations are not stored, so they are attempted again on the next request.
//
// It's safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[Signature]*cacheEntry

	hits, misses, waits atomic.Int64
}

type compiled struct {
	kernel backends.Kernel
	err    error
}

type cacheEntry struct {
	done *xsync.LatchWithValue[compiled]
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[Signature]*cacheEntry)}
}

// CacheStats counts the requests served by a Cache.
type CacheStats struct {
	// Hits are requests served by an already compiled kernel.
	Hits int64

	// Misses are requests that compiled the kernel.
	Misses int64

	// Waits are requests that waited for a compilation in flight.
	Waits int64
}

// String implements fmt.Stringer.
func (s CacheStats) String() string {
	return fmt.Sprintf("hits=%d, misses=%d, waits=%d", s.Hits, s.Misses, s.Waits)
}

// Stats returns the request counters of the cache.
func (c *Cache) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Waits: c.waits.Load()}
}

// Len returns the number of signatures stored or being compiled.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Lookup returns the kernel compiled for the signature, if there is one. It doesn't wait for
// compilations in flight.
func (c *Cache) Lookup(sig Signature) (backends.Kernel, bool) {
	c.mu.Lock()
	entry, found := c.entries[sig]
	c.mu.Unlock()
	if !found || !entry.done.Test() {
		return nil, false
	}
	result := entry.done.Wait()
	return result.kernel, result.err == nil
}

// Store the kernel for the signature. Stored kernels are never replaced: it returns false if the
// signature already has a kernel or a compilation in flight.
func (c *Cache) Store(sig Signature, kernel backends.Kernel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, found := c.entries[sig]; found {
		return false
	}
	entry := &cacheEntry{done: xsync.NewLatchWithValue[compiled]()}
	entry.done.Trigger(compiled{kernel: kernel})
	c.entries[sig] = entry
	return true
}

// GetOrCompile returns the kernel for the signature, calling compile if there is none stored
// and no compilation in flight. Otherwise, it waits for the compilation in flight.
func (c *Cache) GetOrCompile(sig Signature, compile func() (backends.Kernel, error)) (backends.Kernel, error) {
	c.mu.Lock()
	entry, found := c.entries[sig]
	if found {
		c.mu.Unlock()
		if entry.done.Test() {
			c.hits.Add(1)
		} else {
			c.waits.Add(1)
			klog.V(1).Infof("jit: waiting for compilation of %s", sig)
		}
		result := entry.done.Wait()
		return result.kernel, result.err
	}
	entry = &cacheEntry{done: xsync.NewLatchWithValue[compiled]()}
	c.entries[sig] = entry
	c.mu.Unlock()

	c.misses.Add(1)
	klog.V(1).Infof("jit: cache miss for %s, compiling", sig)
	var result compiled
	if exception := exceptions.Try(func() { result.kernel, result.err = compile() }); exception != nil {
		result = compiled{err: errors.Errorf("compiling %s panicked: %v", sig, exception)}
	}
	if result.err != nil {
		// A Reset may have happened meanwhile, and the signature stored again.
		c.mu.Lock()
		if c.entries[sig] == entry {
			delete(c.entries, sig)
		}
		c.mu.Unlock()
	}
	entry.done.Trigger(result)
	return result.kernel, result.err
}

// Reset removes every stored kernel. Compilations in flight complete, but their kernels are
// not stored.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Signature]*cacheEntry)
}
