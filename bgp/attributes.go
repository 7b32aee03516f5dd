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
	"fmt"
	"net/netip"
	"strings"
	"unique"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

// Origin is the value of the ORIGIN attribute.
type Origin uint8

const (
	OriginIGP        = Origin(bgp.BGP_ORIGIN_ATTR_TYPE_IGP)
	OriginEGP        = Origin(bgp.BGP_ORIGIN_ATTR_TYPE_EGP)
	OriginIncomplete = Origin(bgp.BGP_ORIGIN_ATTR_TYPE_INCOMPLETE)
)

func (o Origin) String() string {
	switch o {
	case OriginIGP:
		return "igp"
	case OriginEGP:
		return "egp"
	case OriginIncomplete:
		return "incomplete"
	default:
		return fmt.Sprintf("origin(%d)", uint8(o))
	}
}

// SegmentType is the type of an AS_PATH segment.
type SegmentType uint8

const (
	SegmentSet            SegmentType = bgp.BGP_ASPATH_ATTR_TYPE_SET
	SegmentSequence       SegmentType = bgp.BGP_ASPATH_ATTR_TYPE_SEQ
	SegmentConfedSequence SegmentType = bgp.BGP_ASPATH_ATTR_TYPE_CONFED_SEQ
	SegmentConfedSet      SegmentType = bgp.BGP_ASPATH_ATTR_TYPE_CONFED_SET
)

func (t SegmentType) valid() bool {
	return t >= SegmentSet && t <= SegmentConfedSet
}

// PathSegment is one segment of an AS path.
type PathSegment struct {
	Type SegmentType
	ASNs []uint32
}

// ASPath is an immutable AS path. ASPaths are comparable and may be used as
// map keys; equal paths share a single canonical copy.
type ASPath struct {
	h unique.Handle[string]
}

// serializePath encodes segments as a type byte, a 16 bit count and 32 bit
// ASNs, all big endian so that byte order matches numeric order.
func serializePath(segs []PathSegment) string {
	var n int
	for _, s := range segs {
		n += 3 + 4*len(s.ASNs)
	}
	b := make([]byte, 0, n)
	for _, s := range segs {
		b = append(b, byte(s.Type))
		b = binary.BigEndian.AppendUint16(b, uint16(len(s.ASNs)))
		for _, asn := range s.ASNs {
			b = binary.BigEndian.AppendUint32(b, asn)
		}
	}
	return string(b)
}

func deserializePath(s string) []PathSegment {
	var segs []PathSegment
	for len(s) > 0 {
		typ := SegmentType(s[0])
		count := int(binary.BigEndian.Uint16([]byte(s[1:3])))
		s = s[3:]
		asns := make([]uint32, count)
		for i := range asns {
			asns[i] = binary.BigEndian.Uint32([]byte(s[4*i : 4*i+4]))
		}
		s = s[4*count:]
		segs = append(segs, PathSegment{Type: typ, ASNs: asns})
	}
	return segs
}

// NewASPath returns a path made of the given segments. The segments are
// copied.
func NewASPath(segs ...PathSegment) ASPath {
	if len(segs) == 0 {
		return ASPath{}
	}
	return ASPath{h: unique.Make(serializePath(segs))}
}

func (p ASPath) serialized() string {
	if p.h == (unique.Handle[string]{}) {
		return ""
	}
	return p.h.Value()
}

// Segments returns a copy of the path segments.
func (p ASPath) Segments() []PathSegment {
	return deserializePath(p.serialized())
}

// Len returns the number of ASNs across all segments.
func (p ASPath) Len() int {
	var n int
	for _, s := range p.Segments() {
		n += len(s.ASNs)
	}
	return n
}

// Contains checks whether an AS is present in any segment.
func (p ASPath) Contains(asn uint32) bool {
	for _, s := range p.Segments() {
		for _, a := range s.ASNs {
			if a == asn {
				return true
			}
		}
	}
	return false
}

func (p ASPath) String() string {
	var parts []string
	for _, s := range p.Segments() {
		asns := make([]string, len(s.ASNs))
		for i, a := range s.ASNs {
			asns[i] = fmt.Sprint(a)
		}
		switch s.Type {
		case SegmentSet:
			parts = append(parts, "{"+strings.Join(asns, ",")+"}")
		case SegmentConfedSequence:
			parts = append(parts, "("+strings.Join(asns, " ")+")")
		case SegmentConfedSet:
			parts = append(parts, "["+strings.Join(asns, ",")+"]")
		default:
			parts = append(parts, strings.Join(asns, " "))
		}
	}
	return strings.Join(parts, " ")
}

// compareASPath orders paths by their serialized form.
func compareASPath(a, b ASPath) int {
	return strings.Compare(a.serialized(), b.serialized())
}

// Aggregator is the value of the AGGREGATOR attribute.
type Aggregator struct {
	AS   uint32
	Addr netip.Addr
}

func (a Aggregator) IsValid() bool {
	return a.Addr.IsValid()
}

// PathAttributes holds the attributes that an UPDATE applies to each of its
// prefixes.
type PathAttributes struct {
	Origin          Origin
	ASPath          ASPath
	NextHop         netip.Addr
	LocalPref       uint32
	MultiExitDisc   uint32
	AtomicAggregate bool
	Aggregator      Aggregator
}
