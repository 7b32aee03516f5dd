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
	"net/netip"
	"sync"
)

// RouteUpdateType says whether a best route was installed or removed.
type RouteUpdateType int

const (
	// RouteUpdated means Route is the new best route for its prefix.
	RouteUpdated RouteUpdateType = iota + 1
	// RouteDeleted means no route to the prefix remains. Route is the last
	// best route.
	RouteDeleted
)

func (t RouteUpdateType) String() string {
	switch t {
	case RouteUpdated:
		return "update"
	case RouteDeleted:
		return "delete"
	default:
		return "unknown"
	}
}

// RouteUpdate is a change to the global best route table.
type RouteUpdate struct {
	Type  RouteUpdateType
	Route *RouteEntry
}

// A RouteListener consumes best route changes. Update is called from a single
// goroutine with batches in the order they were produced.
type RouteListener interface {
	Update(updates []RouteUpdate)
}

// RouteListenerFunc adapts a function to the RouteListener interface.
type RouteListenerFunc func(updates []RouteUpdate)

func (f RouteListenerFunc) Update(updates []RouteUpdate) {
	f(updates)
}

// selector maintains the global best route per prefix across all sessions.
// All work happens under one lock, so batches from different sessions are
// applied one at a time.
type selector struct {
	server *Server

	mu    sync.Mutex
	best4 *table
	best6 *table
}

func newSelector(s *Server) *selector {
	return &selector{
		server: s,
		best4:  newTable(),
		best6:  newTable(),
	}
}

func (sel *selector) bestTable(p netip.Prefix) *table {
	if p.Addr().Is4() {
		return sel.best4
	}
	return sel.best6
}

// submit runs commit, which mutates the RIB-IN of session s and returns the
// routes it stopped and started advertising, then recomputes the best routes
// for those prefixes. Deletes are processed before adds. The resulting batch
// is queued for the route listener and also returned. While the server shuts
// down commit still runs but no selection takes place.
func (sel *selector) submit(s *PeerSession, commit func() (deleted, added []*RouteEntry)) []RouteUpdate {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	deleted, added := commit()
	if sel.server.shutdown.Load() {
		return nil
	}
	var updates []RouteUpdate
	for _, r := range deleted {
		updates = sel.processDelete(r, updates)
	}
	for _, r := range added {
		updates = sel.processAdd(s, r, updates)
	}
	sel.server.metrics().setBestRoutes(sel.best4.Len(), sel.best6.Len())
	sel.server.deliver(updates)
	return updates
}

func (sel *selector) processAdd(s *PeerSession, r *RouteEntry, updates []RouteUpdate) []RouteUpdate {
	t := sel.bestTable(r.Prefix())
	best := t.Get(r.Prefix())
	switch {
	case best == nil || r.IsBetterThan(best):
		t.Set(r)
		return append(updates, RouteUpdate{Type: RouteUpdated, Route: r})
	case best.Session() != s:
		// The current best comes from another session and still wins.
		return updates
	}
	// s replaced its own best route with a worse one.
	winner := sel.findBest(r.Prefix())
	if winner == nil {
		winner = r
	}
	t.Set(winner)
	return append(updates, RouteUpdate{Type: RouteUpdated, Route: winner})
}

func (sel *selector) processDelete(r *RouteEntry, updates []RouteUpdate) []RouteUpdate {
	t := sel.bestTable(r.Prefix())
	if t.Get(r.Prefix()) != r {
		return updates
	}
	if winner := sel.findBest(r.Prefix()); winner != nil {
		t.Set(winner)
		return append(updates, RouteUpdate{Type: RouteUpdated, Route: winner})
	}
	t.Remove(r.Prefix())
	return append(updates, RouteUpdate{Type: RouteDeleted, Route: r})
}

// findBest scans the RIB-IN of every registered session.
func (sel *selector) findBest(p netip.Prefix) *RouteEntry {
	var best *RouteEntry
	for _, s := range sel.server.sessionList() {
		r := s.ribIn(p).Get(p)
		if r != nil && (best == nil || r.IsBetterThan(best)) {
			best = r
		}
	}
	return best
}
