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
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

const (
	IPv4Unicast = RouteFamily(bgp.AFI_IP)<<16 | RouteFamily(bgp.SAFI_UNICAST)
	IPv6Unicast = RouteFamily(bgp.AFI_IP6)<<16 | RouteFamily(bgp.SAFI_UNICAST)
)

// RouteFamily is an AFI/SAFI tuple packed into a single value.
type RouteFamily uint32

func NewRouteFamily(afi uint16, safi uint8) RouteFamily {
	return RouteFamily(afi)<<16 | RouteFamily(safi)
}

func (a RouteFamily) Split() (uint16, uint8) {
	return uint16(a >> 16), uint8(a & 0xffff)
}

func (a RouteFamily) String() string {
	switch a {
	case IPv4Unicast:
		return "ipv4-unicast"
	case IPv6Unicast:
		return "ipv6-unicast"
	}
	afi, safi := a.Split()
	return fmt.Sprintf("afi=%d/safi=%d", afi, safi)
}

func RouteFamilyFor(a netip.Addr) RouteFamily {
	switch {
	case a.Is4():
		return IPv4Unicast
	case a.Is6():
		return IPv6Unicast
	default:
		return 0
	}
}

// Capabilities is the subset of the OPEN capabilities that this speaker keeps
// track of.
type Capabilities struct {
	// Families lists the multiprotocol AFI/SAFI tuples in the order announced.
	Families []RouteFamily
	// FourOctetAS is set if the 4-octet AS number capability was announced, in
	// which case AS holds the full AS number.
	FourOctetAS bool
	AS          uint32
}

// Supports reports whether a multiprotocol family was announced.
func (c Capabilities) Supports(rf RouteFamily) bool {
	return slices.Contains(c.Families, rf)
}

func (c Capabilities) String() string {
	parts := make([]string, 0, len(c.Families)+1)
	for _, rf := range c.Families {
		parts = append(parts, rf.String())
	}
	if c.FourOctetAS {
		parts = append(parts, fmt.Sprintf("as4=%d", c.AS))
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// mirror returns the capabilities to announce in reply to a peer that
// announced c. The local AS is substituted into the 4-octet AS capability.
func (c Capabilities) mirror(localAS uint32) Capabilities {
	m := Capabilities{
		Families:    slices.Clone(c.Families),
		FourOctetAS: c.FourOctetAS,
	}
	if m.FourOctetAS {
		m.AS = localAS
	}
	return m
}

// optionParameters converts the capabilities into OPEN optional parameters.
// It returns nil if there is nothing to announce.
func (c Capabilities) optionParameters() []bgp.OptionParameterInterface {
	caps := make([]bgp.ParameterCapabilityInterface, 0, len(c.Families)+1)
	for _, rf := range c.Families {
		afi, safi := rf.Split()
		caps = append(caps, bgp.NewCapMultiProtocol(bgp.AfiSafiToRouteFamily(afi, safi)))
	}
	if c.FourOctetAS {
		caps = append(caps, bgp.NewCapFourOctetASNumber(c.AS))
	}
	if len(caps) == 0 {
		return nil
	}
	return []bgp.OptionParameterInterface{bgp.NewOptionParameterCapability(caps)}
}
