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
	"fmt"
	"net/netip"
)

// LowestMultiExitDisc is the MULTI_EXIT_DISC assumed for routes that do not
// carry one. It is the most preferred value.
const LowestMultiExitDisc uint32 = 0

// RouteEntry is one route learned from a peer. It is immutable.
type RouteEntry struct {
	prefix  netip.Prefix
	attrs   PathAttributes
	session *PeerSession
	// peerID and peerAddr are copied from the session for use in tie-breaks.
	peerID   netip.Addr
	peerAddr netip.AddrPort
}

// NewRouteEntry returns a route for a prefix learned from session s. The
// prefix is masked to its length.
func NewRouteEntry(prefix netip.Prefix, attrs PathAttributes, s *PeerSession) *RouteEntry {
	r := &RouteEntry{
		prefix:  prefix.Masked(),
		attrs:   attrs,
		session: s,
	}
	if s != nil {
		r.peerID = s.remoteBGPID()
		r.peerAddr = s.RemoteAddr()
	}
	return r
}

func (r *RouteEntry) Prefix() netip.Prefix { return r.prefix }
func (r *RouteEntry) NextHop() netip.Addr { return r.attrs.NextHop }
func (r *RouteEntry) Origin() Origin { return r.attrs.Origin }
func (r *RouteEntry) ASPath() ASPath { return r.attrs.ASPath }
func (r *RouteEntry) LocalPref() uint32 { return r.attrs.LocalPref }
func (r *RouteEntry) MultiExitDisc() uint32 { return r.attrs.MultiExitDisc }
func (r *RouteEntry) AtomicAggregate() bool { return r.attrs.AtomicAggregate }
func (r *RouteEntry) Aggregator() Aggregator { return r.attrs.Aggregator }
func (r *RouteEntry) Attributes() PathAttributes { return r.attrs }

// Session returns the session that advertised the route.
func (r *RouteEntry) Session() *PeerSession { return r.session }

// PeerAddr returns the remote socket address of the advertising session.
func (r *RouteEntry) PeerAddr() netip.AddrPort { return r.peerAddr }

// PeerID returns the BGP Identifier of the advertising peer.
func (r *RouteEntry) PeerID() netip.Addr { return r.peerID }

// HasASPathLoop reports whether the AS path contains the given AS.
func (r *RouteEntry) HasASPathLoop(localAS uint32) bool {
	return r.attrs.ASPath.Contains(localAS)
}

func (r *RouteEntry) String() string {
	return fmt.Sprintf("{%v nexthop=%v path=[%v] origin=%v localpref=%v med=%v peer=%v}",
		r.prefix, r.attrs.NextHop, r.attrs.ASPath, r.attrs.Origin, r.attrs.LocalPref, r.attrs.MultiExitDisc, r.peerAddr)
}

// IsBetterThan reports whether r is strictly preferred over o.
func (r *RouteEntry) IsBetterThan(o *RouteEntry) bool {
	return Compare(r, o) < 0
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

// Compare decides which route is better. It returns a negative number if a is
// better than b, a positive number if b is better than a, and zero only if the
// two routes cannot be told apart. Better routes are identified by:
//   - Local preference (higher values first)
//   - AS path length, counting every ASN of every segment (shorter first)
//   - Origin (IGP, then EGP, then INCOMPLETE)
//   - MED (lower values first), compared regardless of the neighbor AS
//
// Remaining ties are broken by the lower peer BGP Identifier, then the lower
// peer address and port, then the lower next hop, then the prefix, AS path
// content, ATOMIC_AGGREGATE and AGGREGATOR.
func Compare(a, b *RouteEntry) int {
	if c := cmp.Compare(b.attrs.LocalPref, a.attrs.LocalPref); c != 0 {
		return c
	}
	if c := cmp.Compare(a.attrs.ASPath.Len(), b.attrs.ASPath.Len()); c != 0 {
		return c
	}
	if c := cmp.Compare(a.attrs.Origin, b.attrs.Origin); c != 0 {
		return c
	}
	if c := cmp.Compare(a.attrs.MultiExitDisc, b.attrs.MultiExitDisc); c != 0 {
		return c
	}
	return cmp.Or(
		a.peerID.Compare(b.peerID),
		a.peerAddr.Addr().Compare(b.peerAddr.Addr()),
		cmp.Compare(a.peerAddr.Port(), b.peerAddr.Port()),
		a.attrs.NextHop.Compare(b.attrs.NextHop),
		a.prefix.Addr().Compare(b.prefix.Addr()),
		cmp.Compare(a.prefix.Bits(), b.prefix.Bits()),
		compareASPath(a.attrs.ASPath, b.attrs.ASPath),
		compareBool(a.attrs.AtomicAggregate, b.attrs.AtomicAggregate),
		cmp.Compare(a.attrs.Aggregator.AS, b.attrs.Aggregator.AS),
		a.attrs.Aggregator.Addr.Compare(b.attrs.Aggregator.Addr),
	)
}
