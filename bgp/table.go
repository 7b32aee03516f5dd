// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bgp

import (
	"cmp"
	"iter"
	"maps"
	"net/netip"
	"slices"
	"sync"
)

// table maps prefixes to routes. It backs both the per-session RIB-IN and the
// global best route tables.
type table struct {
	mu     sync.RWMutex
	routes map[netip.Prefix]*RouteEntry
}

func newTable() *table {
	return &table{routes: map[netip.Prefix]*RouteEntry{}}
}

func (t *table) Get(p netip.Prefix) *RouteEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.routes[p]
}

// Set installs r under its prefix and returns the route it replaced, if any.
func (t *table) Set(r *RouteEntry) *RouteEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.routes[r.Prefix()]
	t.routes[r.Prefix()] = r
	return old
}

// Remove deletes the route for p and returns it, or nil if there was none.
func (t *table) Remove(p netip.Prefix) *RouteEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	old, ok := t.routes[p]
	if !ok {
		return nil
	}
	delete(t.routes, p)
	return old
}

// Clear empties the table and returns its former contents sorted by prefix.
func (t *table) Clear() []*RouteEntry {
	t.mu.Lock()
	old := t.routes
	t.routes = map[netip.Prefix]*RouteEntry{}
	t.mu.Unlock()
	return sortRoutes(slices.Collect(maps.Values(old)))
}

func (t *table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// Snapshot returns the routes sorted by prefix.
func (t *table) Snapshot() []*RouteEntry {
	t.mu.RLock()
	routes := slices.Collect(maps.Values(t.routes))
	t.mu.RUnlock()
	return sortRoutes(routes)
}

// All returns an iterator over a snapshot of the table, in prefix order.
func (t *table) All() iter.Seq2[netip.Prefix, *RouteEntry] {
	return func(yield func(netip.Prefix, *RouteEntry) bool) {
		for _, r := range t.Snapshot() {
			if !yield(r.Prefix(), r) {
				return
			}
		}
	}
}

func comparePrefix(a, b netip.Prefix) int {
	return cmp.Or(
		a.Addr().Compare(b.Addr()),
		cmp.Compare(a.Bits(), b.Bits()),
	)
}

func sortRoutes(routes []*RouteEntry) []*RouteEntry {
	slices.SortFunc(routes, func(a, b *RouteEntry) int {
		return comparePrefix(a.Prefix(), b.Prefix())
	})
	return routes
}
