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
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

// parsedAttributes is the interpretation of the attribute block of an UPDATE.
type parsedAttributes struct {
	attrs PathAttributes
	seen  map[bgp.BGPAttrType]bool
	// mpNextHop, mpReach and mpUnreach come from MP_REACH_NLRI and
	// MP_UNREACH_NLRI.
	mpNextHop netip.Addr
	mpReach   []netip.Prefix
	mpUnreach []netip.Prefix
}

// attributeError reports a problem with a single attribute. The diagnostic
// data is the whole attribute as received.
func attributeError(subcode uint8, a RawAttribute, format string, args ...any) error {
	return updateError(subcode, a.Bytes(), "attribute %d: %v", a.Type, fmt.Sprintf(format, args...))
}

func isWellKnown(t bgp.BGPAttrType) bool {
	switch t {
	case bgp.BGP_ATTR_TYPE_ORIGIN,
		bgp.BGP_ATTR_TYPE_AS_PATH,
		bgp.BGP_ATTR_TYPE_NEXT_HOP,
		bgp.BGP_ATTR_TYPE_LOCAL_PREF,
		bgp.BGP_ATTR_TYPE_ATOMIC_AGGREGATE:
		return true
	}
	return false
}

func isRecognizedOptional(t bgp.BGPAttrType) bool {
	switch t {
	case bgp.BGP_ATTR_TYPE_MULTI_EXIT_DISC,
		bgp.BGP_ATTR_TYPE_AGGREGATOR,
		bgp.BGP_ATTR_TYPE_MP_REACH_NLRI,
		bgp.BGP_ATTR_TYPE_MP_UNREACH_NLRI:
		return true
	}
	return false
}

func checkAttributeFlags(a RawAttribute) error {
	switch {
	case isWellKnown(a.Type) && (a.Optional() || !a.Transitive() || a.Partial()):
		return attributeError(bgp.BGP_ERROR_SUB_ATTRIBUTE_FLAGS_ERROR, a, "bad flags %#x for well-known attribute", uint8(a.Flags))
	case isRecognizedOptional(a.Type) && !a.Optional():
		return attributeError(bgp.BGP_ERROR_SUB_ATTRIBUTE_FLAGS_ERROR, a, "optional attribute without optional flag")
	case a.Optional() && !a.Transitive() && a.Partial():
		return attributeError(bgp.BGP_ERROR_SUB_ATTRIBUTE_FLAGS_ERROR, a, "partial flag on non-transitive attribute")
	}
	return nil
}

// decodeASPath parses the segments of an AS_PATH attribute. ASNs are 4
// octets wide if as4 is set and 2 octets otherwise.
func decodeASPath(b []byte, as4 bool) (ASPath, error) {
	asnLen := 2
	if as4 {
		asnLen = 4
	}
	c := newCursor(b)
	var segs []PathSegment
	for c.Remaining() > 0 {
		typ, _ := c.Uint8()
		n, ok := c.Uint8()
		if !ok {
			return ASPath{}, errors.New("truncated segment header")
		}
		if !SegmentType(typ).valid() {
			return ASPath{}, fmt.Errorf("invalid segment type %d", typ)
		}
		v, ok := c.Next(int(n) * asnLen)
		if !ok {
			return ASPath{}, fmt.Errorf("segment of %d ASNs overflows the attribute", n)
		}
		asns := make([]uint32, n)
		for i := range asns {
			if as4 {
				asns[i] = binary.BigEndian.Uint32(v[4*i:])
			} else {
				asns[i] = uint32(binary.BigEndian.Uint16(v[2*i:]))
			}
		}
		segs = append(segs, PathSegment{Type: SegmentType(typ), ASNs: asns})
	}
	return NewASPath(segs...), nil
}

// decodeNextHop parses the next hop field of MP_REACH_NLRI. A 32 byte field
// carries a global and a link-local IPv6 address; the global one is used.
func decodeNextHop(b []byte) (netip.Addr, bool) {
	switch len(b) {
	case 4:
		return netip.AddrFrom4([4]byte(b)), true
	case 16, 32:
		return netip.AddrFrom16([16]byte(b[:16])), true
	}
	return netip.Addr{}, false
}

func addrLenFor(rf RouteFamily) int {
	if rf == IPv6Unicast {
		return 16
	}
	return 4
}

// decodeMPReach parses MP_REACH_NLRI. Families other than IPv4 and IPv6
// unicast yield ok == false.
func decodeMPReach(a RawAttribute) (nh netip.Addr, prefixes []netip.Prefix, ok bool, err error) {
	c := newCursor(a.Value)
	afi, _ := c.Uint16()
	safi, _ := c.Uint8()
	nhLen, hdrOK := c.Uint8()
	if !hdrOK {
		return nh, nil, false, attributeError(bgp.BGP_ERROR_SUB_OPTIONAL_ATTRIBUTE_ERROR, a, "truncated header")
	}
	rf := NewRouteFamily(afi, safi)
	if rf != IPv4Unicast && rf != IPv6Unicast {
		return nh, nil, false, nil
	}
	nhb, hdrOK := c.Next(int(nhLen))
	if !hdrOK {
		return nh, nil, false, attributeError(bgp.BGP_ERROR_SUB_OPTIONAL_ATTRIBUTE_ERROR, a, "next hop overflows the attribute")
	}
	if nh, hdrOK = decodeNextHop(nhb); !hdrOK {
		return nh, nil, false, attributeError(bgp.BGP_ERROR_SUB_OPTIONAL_ATTRIBUTE_ERROR, a, "bad next hop length %d", nhLen)
	}
	if _, hdrOK = c.Uint8(); !hdrOK {
		return nh, nil, false, attributeError(bgp.BGP_ERROR_SUB_OPTIONAL_ATTRIBUTE_ERROR, a, "missing reserved octet")
	}
	if prefixes, err = decodePackedPrefixes(c.Rest(), addrLenFor(rf)); err != nil {
		return nh, nil, false, attributeError(bgp.BGP_ERROR_SUB_OPTIONAL_ATTRIBUTE_ERROR, a, "%v", err)
	}
	return nh, prefixes, true, nil
}

// decodeMPUnreach parses MP_UNREACH_NLRI. Families other than IPv4 and IPv6
// unicast yield no prefixes.
func decodeMPUnreach(a RawAttribute) ([]netip.Prefix, error) {
	c := newCursor(a.Value)
	afi, _ := c.Uint16()
	safi, ok := c.Uint8()
	if !ok {
		return nil, attributeError(bgp.BGP_ERROR_SUB_OPTIONAL_ATTRIBUTE_ERROR, a, "truncated header")
	}
	rf := NewRouteFamily(afi, safi)
	if rf != IPv4Unicast && rf != IPv6Unicast {
		return nil, nil
	}
	prefixes, err := decodePackedPrefixes(c.Rest(), addrLenFor(rf))
	if err != nil {
		return nil, attributeError(bgp.BGP_ERROR_SUB_OPTIONAL_ATTRIBUTE_ERROR, a, "%v", err)
	}
	return prefixes, nil
}

func checkLength(a RawAttribute, want ...int) error {
	for _, n := range want {
		if len(a.Value) == n {
			return nil
		}
	}
	return attributeError(bgp.BGP_ERROR_SUB_ATTRIBUTE_LENGTH_ERROR, a, "bad length %d", len(a.Value))
}

// interpretAttributes validates and decodes the attributes of an UPDATE. as4
// selects the width of AS numbers; localIPv4 is the local end of the session
// and is rejected as a NEXT_HOP.
func (p *PeerSession) interpretAttributes(raw []RawAttribute, as4 bool, localIPv4 netip.Addr) (*parsedAttributes, error) {
	pa := &parsedAttributes{
		attrs: PathAttributes{MultiExitDisc: LowestMultiExitDisc},
		seen:  map[bgp.BGPAttrType]bool{},
	}
	for _, a := range raw {
		if pa.seen[a.Type] {
			return nil, updateError(bgp.BGP_ERROR_SUB_MALFORMED_ATTRIBUTE_LIST, nil, "duplicate attribute %d", a.Type)
		}
		pa.seen[a.Type] = true
		if !isWellKnown(a.Type) && !isRecognizedOptional(a.Type) && !a.Optional() {
			return nil, attributeError(bgp.BGP_ERROR_SUB_UNRECOGNIZED_WELL_KNOWN_ATTRIBUTE, a, "unrecognized well-known attribute")
		}
		if err := checkAttributeFlags(a); err != nil {
			return nil, err
		}
		switch a.Type {
		case bgp.BGP_ATTR_TYPE_ORIGIN:
			if err := checkLength(a, 1); err != nil {
				return nil, err
			}
			o := Origin(a.Value[0])
			if o > OriginIncomplete {
				return nil, attributeError(bgp.BGP_ERROR_SUB_INVALID_ORIGIN_ATTRIBUTE, a, "invalid origin %d", o)
			}
			pa.attrs.Origin = o
		case bgp.BGP_ATTR_TYPE_AS_PATH:
			path, err := decodeASPath(a.Value, as4)
			if err != nil {
				return nil, attributeError(bgp.BGP_ERROR_SUB_MALFORMED_AS_PATH, a, "%v", err)
			}
			pa.attrs.ASPath = path
		case bgp.BGP_ATTR_TYPE_NEXT_HOP:
			if err := checkLength(a, 4); err != nil {
				return nil, err
			}
			nh := netip.AddrFrom4([4]byte(a.Value))
			if nh == localIPv4 {
				return nil, attributeError(bgp.BGP_ERROR_SUB_INVALID_NEXT_HOP_ATTRIBUTE, a, "next hop %v is the local address", nh)
			}
			pa.attrs.NextHop = nh
		case bgp.BGP_ATTR_TYPE_MULTI_EXIT_DISC:
			if err := checkLength(a, 4); err != nil {
				return nil, err
			}
			pa.attrs.MultiExitDisc = binary.BigEndian.Uint32(a.Value)
		case bgp.BGP_ATTR_TYPE_LOCAL_PREF:
			if err := checkLength(a, 4); err != nil {
				return nil, err
			}
			pa.attrs.LocalPref = binary.BigEndian.Uint32(a.Value)
		case bgp.BGP_ATTR_TYPE_ATOMIC_AGGREGATE:
			if err := checkLength(a, 0); err != nil {
				return nil, err
			}
			pa.attrs.AtomicAggregate = true
		case bgp.BGP_ATTR_TYPE_AGGREGATOR:
			if as4 {
				if err := checkLength(a, 8); err != nil {
					return nil, err
				}
				pa.attrs.Aggregator = Aggregator{
					AS:   binary.BigEndian.Uint32(a.Value[0:4]),
					Addr: netip.AddrFrom4([4]byte(a.Value[4:8])),
				}
			} else {
				if err := checkLength(a, 6); err != nil {
					return nil, err
				}
				pa.attrs.Aggregator = Aggregator{
					AS:   uint32(binary.BigEndian.Uint16(a.Value[0:2])),
					Addr: netip.AddrFrom4([4]byte(a.Value[2:6])),
				}
			}
		case bgp.BGP_ATTR_TYPE_MP_REACH_NLRI:
			nh, prefixes, ok, err := decodeMPReach(a)
			if err != nil {
				return nil, err
			}
			if !ok {
				p.logger.Debug("Skipping MP_REACH_NLRI for unsupported family")
				continue
			}
			pa.mpNextHop = nh
			pa.mpReach = prefixes
		case bgp.BGP_ATTR_TYPE_MP_UNREACH_NLRI:
			prefixes, err := decodeMPUnreach(a)
			if err != nil {
				return nil, err
			}
			pa.mpUnreach = prefixes
		default:
			p.logger.Debug("Skipping unrecognized optional attribute", "type", uint8(a.Type), "flags", uint8(a.Flags))
		}
	}
	return pa, nil
}

// parseUpdate turns an UPDATE into the prefixes to remove from the RIB-IN and
// the routes to install. A prefix announced in the same message that
// withdraws it counts as announced. Announcements whose AS path contains the
// local AS are dropped and withdraw any earlier route for the prefix.
func (p *PeerSession) parseUpdate(u *Update) (withdrawn []netip.Prefix, added []*RouteEntry, err error) {
	p.mu.RLock()
	localAS := p.local.AS
	as4 := p.remote.Capabilities.FourOctetAS
	p.mu.RUnlock()
	var localIPv4 netip.Addr
	if a := p.localAddr.Addr(); a.Is4() {
		localIPv4 = a
	}

	pa, err := p.interpretAttributes(u.Attributes, as4, localIPv4)
	if err != nil {
		return nil, nil, err
	}
	if len(u.NLRI) > 0 || len(pa.mpReach) > 0 {
		mandatory := []bgp.BGPAttrType{bgp.BGP_ATTR_TYPE_ORIGIN, bgp.BGP_ATTR_TYPE_AS_PATH}
		if len(u.NLRI) > 0 {
			mandatory = append(mandatory, bgp.BGP_ATTR_TYPE_NEXT_HOP)
		}
		mandatory = append(mandatory, bgp.BGP_ATTR_TYPE_LOCAL_PREF)
		for _, t := range mandatory {
			if !pa.seen[t] {
				return nil, nil, updateError(bgp.BGP_ERROR_SUB_MISSING_WELL_KNOWN_ATTRIBUTE, []byte{byte(t)}, "missing well-known attribute %d", t)
			}
		}
	}

	handled := map[netip.Prefix]bool{}
	var looped []netip.Prefix
	announce := func(prefixes []netip.Prefix, nh netip.Addr) {
		attrs := pa.attrs
		attrs.NextHop = nh
		for _, prefix := range prefixes {
			r := NewRouteEntry(prefix, attrs, p)
			if handled[r.Prefix()] {
				continue
			}
			if r.HasASPathLoop(localAS) {
				p.logger.Debug("Dropping route with AS path loop", "prefix", r.Prefix(), "path", attrs.ASPath)
				looped = append(looped, r.Prefix())
				continue
			}
			handled[r.Prefix()] = true
			added = append(added, r)
		}
	}
	announce(u.NLRI, pa.attrs.NextHop)
	announce(pa.mpReach, pa.mpNextHop)

	for _, set := range [][]netip.Prefix{u.Withdrawn, pa.mpUnreach, looped} {
		for _, prefix := range set {
			prefix = prefix.Masked()
			if handled[prefix] {
				continue
			}
			handled[prefix] = true
			withdrawn = append(withdrawn, prefix)
		}
	}
	return withdrawn, added, nil
}
