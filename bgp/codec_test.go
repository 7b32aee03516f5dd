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
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

// appendPackedPrefix appends p in the length-prefixed NLRI encoding.
func appendPackedPrefix(b []byte, p netip.Prefix) []byte {
	n := (p.Bits() + 7) / 8
	b = append(b, byte(p.Bits()))
	return append(b, p.Addr().AsSlice()[:n]...)
}

// rawMessage frames body with a BGP header.
func rawMessage(typ uint8, body []byte) []byte {
	b := bytes.Repeat([]byte{0xff}, 16)
	b = binary.BigEndian.AppendUint16(b, uint16(headerLen+len(body)))
	b = append(b, typ)
	return append(b, body...)
}

// rawHeader returns a bare header announcing the given length.
func rawHeader(length uint16, typ uint8) []byte {
	b := bytes.Repeat([]byte{0xff}, 16)
	b = binary.BigEndian.AppendUint16(b, length)
	return append(b, typ)
}

// rawUpdate builds an UPDATE from already encoded sections.
func rawUpdate(withdrawn, attrs, nlri []byte) []byte {
	var body []byte
	body = binary.BigEndian.AppendUint16(body, uint16(len(withdrawn)))
	body = append(body, withdrawn...)
	body = binary.BigEndian.AppendUint16(body, uint16(len(attrs)))
	body = append(body, attrs...)
	body = append(body, nlri...)
	return rawMessage(bgp.BGP_MSG_UPDATE, body)
}

// notification is the part of a *bgp.MessageError that goes on the wire.
type notification struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

func notificationOf(t *testing.T, err error) notification {
	t.Helper()
	var me *bgp.MessageError
	if !errors.As(err, &me) {
		t.Fatalf("got error %v, want a *bgp.MessageError", err)
	}
	return notification{Code: me.TypeCode, Subcode: me.SubTypeCode, Data: me.Data}
}

func serialize(t *testing.T, m *bgp.BGPMessage) []byte {
	t.Helper()
	b, err := m.Serialize()
	if err != nil {
		t.Fatalf("failed to serialize %v: %v", m, err)
	}
	return b
}

func TestDecodeMessageErrors(t *testing.T) {
	for _, tc := range []struct {
		Name  string
		Input []byte
		Want  notification
	}{
		{
			Name:  "length_below_header",
			Input: rawHeader(18, bgp.BGP_MSG_KEEPALIVE),
			Want:  notification{1, 2, []byte{0, 18}},
		},
		{
			Name:  "length_above_maximum",
			Input: rawHeader(4097, bgp.BGP_MSG_UPDATE),
			Want:  notification{1, 2, []byte{0x10, 0x01}},
		},
		{
			Name:  "bad_type",
			Input: rawHeader(19, 5),
			Want:  notification{1, 3, []byte{5}},
		},
		{
			Name:  "type_zero",
			Input: rawHeader(19, 0),
			Want:  notification{1, 3, []byte{0}},
		},
		{
			Name:  "long_keepalive",
			Input: rawMessage(bgp.BGP_MSG_KEEPALIVE, []byte{0}),
			Want:  notification{1, 2, []byte{0, 20}},
		},
		{
			Name:  "short_open",
			Input: rawMessage(bgp.BGP_MSG_OPEN, []byte{4, 0xfd, 0xe9, 0, 90, 10, 0, 0, 1}),
			Want:  notification{1, 2, []byte{0, 28}},
		},
		{
			Name:  "short_update",
			Input: rawMessage(bgp.BGP_MSG_UPDATE, []byte{0, 0, 0}),
			Want:  notification{1, 2, []byte{0, 22}},
		},
		{
			Name:  "short_notification",
			Input: rawMessage(bgp.BGP_MSG_NOTIFICATION, []byte{6}),
			Want:  notification{1, 2, []byte{0, 20}},
		},
		{
			Name:  "open_parameters_overflow",
			Input: rawMessage(bgp.BGP_MSG_OPEN, []byte{4, 0xfd, 0xe9, 0, 90, 10, 0, 0, 1, 1}),
			Want:  notification{1, 2, []byte{0, 29}},
		},
		{
			Name:  "open_trailing_bytes",
			Input: rawMessage(bgp.BGP_MSG_OPEN, []byte{4, 0xfd, 0xe9, 0, 90, 10, 0, 0, 1, 0, 0}),
			Want:  notification{1, 2, []byte{0, 30}},
		},
		{
			Name:  "withdrawn_overflow",
			Input: rawMessage(bgp.BGP_MSG_UPDATE, []byte{0, 5, 0, 0}),
			Want:  notification{3, 1, nil},
		},
		{
			Name:  "missing_attribute_length",
			Input: rawMessage(bgp.BGP_MSG_UPDATE, []byte{0, 1, 0, 0}),
			Want:  notification{3, 1, nil},
		},
		{
			Name:  "withdrawn_prefix_too_long",
			Input: rawUpdate([]byte{33, 10, 0, 0, 0, 0}, nil, nil),
			Want:  notification{3, 10, nil},
		},
		{
			Name:  "nlri_truncated",
			Input: rawUpdate(nil, nil, []byte{24, 10}),
			Want:  notification{3, 10, nil},
		},
		{
			Name:  "attribute_block_overflow",
			Input: rawMessage(bgp.BGP_MSG_UPDATE, []byte{0, 0, 0, 9, 0x40}),
			Want:  notification{3, 1, nil},
		},
		{
			Name:  "truncated_attribute_header",
			Input: rawUpdate(nil, []byte{0x40}, nil),
			Want:  notification{3, 1, nil},
		},
		{
			Name:  "truncated_extended_length",
			Input: rawUpdate(nil, []byte{0x50, 2, 0}, nil),
			Want:  notification{3, 1, nil},
		},
		{
			Name:  "attribute_value_overflow",
			Input: rawUpdate(nil, []byte{0x40, 1, 5, 0}, nil),
			Want:  notification{3, 1, nil},
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			_, err := DecodeMessage(tc.Input)
			if diff := cmp.Diff(tc.Want, notificationOf(t, err), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("DecodeMessage error mismatch (-want +got):\n%s", diff)
			}
			_, err = ReadMessage(bytes.NewReader(tc.Input))
			if diff := cmp.Diff(tc.Want, notificationOf(t, err), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("ReadMessage error mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeMessageShortInput(t *testing.T) {
	for _, tc := range []struct {
		Name  string
		Input []byte
	}{
		{"empty", nil},
		{"partial_header", bytes.Repeat([]byte{0xff}, 10)},
		{"partial_body", rawHeader(23, bgp.BGP_MSG_UPDATE)},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			if _, err := DecodeMessage(tc.Input); !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Errorf("got error %v, want %v", err, io.ErrUnexpectedEOF)
			}
		})
	}
	if _, err := ReadMessage(bytes.NewReader(nil)); err != io.EOF {
		t.Errorf("ReadMessage on empty input: got error %v, want %v", err, io.EOF)
	}
	if _, err := ReadMessage(bytes.NewReader(append(rawHeader(23, bgp.BGP_MSG_UPDATE), 0))); err != io.ErrUnexpectedEOF {
		t.Errorf("ReadMessage on truncated body: got error %v, want %v", err, io.ErrUnexpectedEOF)
	}
}

func TestDecodeMessage(t *testing.T) {
	update := bgp.NewBGPUpdateMessage(
		[]*bgp.IPAddrPrefix{bgp.NewIPAddrPrefix(24, "10.1.2.0")},
		[]bgp.PathAttributeInterface{
			bgp.NewPathAttributeOrigin(bgp.BGP_ORIGIN_ATTR_TYPE_IGP),
			bgp.NewPathAttributeNextHop("10.0.0.1"),
		},
		[]*bgp.IPAddrPrefix{bgp.NewIPAddrPrefix(16, "10.2.0.0"), bgp.NewIPAddrPrefix(0, "0.0.0.0")},
	)
	for _, tc := range []struct {
		Name  string
		Input []byte
		Want  Message
	}{
		{
			Name:  "keepalive",
			Input: serialize(t, bgp.NewBGPKeepAliveMessage()),
			Want:  &Keepalive{},
		},
		{
			Name:  "notification",
			Input: serialize(t, bgp.NewBGPNotificationMessage(bgp.BGP_ERROR_CEASE, 2, []byte("bye"))),
			Want:  &Notification{Code: 6, Subcode: 2, Data: []byte("bye")},
		},
		{
			Name:  "open",
			Input: serialize(t, bgp.NewBGPOpenMessage(65001, 90, "192.0.2.1", nil)),
			Want: &Open{
				Version:  4,
				AS:       65001,
				HoldTime: 90,
				ID:       netip.MustParseAddr("192.0.2.1"),
			},
		},
		{
			Name:  "update",
			Input: serialize(t, update),
			Want: &Update{
				Withdrawn: []netip.Prefix{netip.MustParsePrefix("10.1.2.0/24")},
				Attributes: []RawAttribute{
					{Flags: bgp.BGP_ATTR_FLAG_TRANSITIVE, Type: bgp.BGP_ATTR_TYPE_ORIGIN, Value: []byte{0}},
					{Flags: bgp.BGP_ATTR_FLAG_TRANSITIVE, Type: bgp.BGP_ATTR_TYPE_NEXT_HOP, Value: []byte{10, 0, 0, 1}},
				},
				NLRI: []netip.Prefix{
					netip.MustParsePrefix("10.2.0.0/16"),
					netip.MustParsePrefix("0.0.0.0/0"),
				},
			},
		},
		{
			Name:  "update_host_bits",
			Input: rawUpdate(nil, nil, []byte{23, 10, 1, 3}),
			Want: &Update{
				NLRI: []netip.Prefix{netip.PrefixFrom(netip.MustParseAddr("10.1.3.0"), 23)},
			},
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			got, err := DecodeMessage(tc.Input)
			if err != nil {
				t.Fatalf("DecodeMessage failed: %v", err)
			}
			if diff := cmp.Diff(tc.Want, got, cmpopts.EquateEmpty(), cmpopts.EquateComparable(netip.Addr{}, netip.Prefix{})); diff != "" {
				t.Errorf("DecodeMessage mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMessageRoundTrip(t *testing.T) {
	longValue := bytes.Repeat([]byte{0xab}, 300)
	for _, tc := range []struct {
		Name string
		Msg  *bgp.BGPMessage
	}{
		{
			Name: "keepalive",
			Msg:  bgp.NewBGPKeepAliveMessage(),
		},
		{
			Name: "notification_without_data",
			Msg:  bgp.NewBGPNotificationMessage(bgp.BGP_ERROR_HOLD_TIMER_EXPIRED, 0, nil),
		},
		{
			Name: "open_with_capabilities",
			Msg: bgp.NewBGPOpenMessage(65001, 180, "192.0.2.1", []bgp.OptionParameterInterface{
				bgp.NewOptionParameterCapability([]bgp.ParameterCapabilityInterface{
					bgp.NewCapMultiProtocol(bgp.RF_IPv4_UC),
					bgp.NewCapRouteRefresh(),
					bgp.NewCapFourOctetASNumber(4200000000),
				}),
			}),
		},
		{
			Name: "update",
			Msg: bgp.NewBGPUpdateMessage(
				[]*bgp.IPAddrPrefix{bgp.NewIPAddrPrefix(24, "10.1.2.0")},
				[]bgp.PathAttributeInterface{
					bgp.NewPathAttributeOrigin(bgp.BGP_ORIGIN_ATTR_TYPE_EGP),
					bgp.NewPathAttributeAsPath([]bgp.AsPathParamInterface{
						bgp.NewAs4PathParam(bgp.BGP_ASPATH_ATTR_TYPE_SEQ, []uint32{65001, 65002}),
					}),
					bgp.NewPathAttributeNextHop("10.0.0.1"),
					bgp.NewPathAttributeMultiExitDisc(5),
					bgp.NewPathAttributeLocalPref(100),
					bgp.NewPathAttributeMpReachNLRI("2001:db8::1", []bgp.AddrPrefixInterface{
						bgp.NewIPv6AddrPrefix(48, "2001:db8:1::"),
					}),
				},
				[]*bgp.IPAddrPrefix{bgp.NewIPAddrPrefix(16, "10.2.0.0")},
			),
		},
		{
			Name: "update_extended_length_attribute",
			Msg: bgp.NewBGPUpdateMessage(nil, []bgp.PathAttributeInterface{
				bgp.NewPathAttributeUnknown(bgp.BGP_ATTR_FLAG_OPTIONAL|bgp.BGP_ATTR_FLAG_TRANSITIVE, 99, longValue),
				bgp.NewPathAttributeUnknown(bgp.BGP_ATTR_FLAG_OPTIONAL|bgp.BGP_ATTR_FLAG_EXTENDED_LENGTH, 98, []byte{1}),
			}, nil),
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			want := serialize(t, tc.Msg)
			m, err := DecodeMessage(want)
			if err != nil {
				t.Fatalf("DecodeMessage failed: %v", err)
			}
			got, err := EncodeMessage(m)
			if err != nil {
				t.Fatalf("EncodeMessage failed: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPrefixRoundTrip(t *testing.T) {
	patterns := []netip.Addr{
		netip.MustParseAddr("255.255.255.255"),
		netip.MustParseAddr("10.170.85.1"),
		netip.MustParseAddr("0.0.0.0"),
	}
	for _, a := range patterns {
		var nlri []byte
		for bits := 0; bits <= 32; bits++ {
			nlri = appendPackedPrefix(nlri, netip.PrefixFrom(a, bits))
		}
		want := rawUpdate(nlri, nil, nlri)
		m, err := DecodeMessage(want)
		if err != nil {
			t.Fatalf("%v: DecodeMessage failed: %v", a, err)
		}
		u := m.(*Update)
		if got := len(u.NLRI); got != 33 {
			t.Fatalf("%v: got %v prefixes, want 33", a, got)
		}
		for bits, p := range u.NLRI {
			if p.Bits() != bits {
				t.Errorf("%v: prefix %v has length %v, want %v", a, p, p.Bits(), bits)
			}
		}
		got, err := EncodeMessage(u)
		if err != nil {
			t.Fatalf("%v: EncodeMessage failed: %v", a, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%v: round trip mismatch:\n got %x\nwant %x", a, got, want)
		}
	}
}

func TestEncodeMessageErrors(t *testing.T) {
	for _, tc := range []struct {
		Name string
		Msg  Message
	}{
		{
			Name: "ipv6_nlri",
			Msg:  &Update{NLRI: []netip.Prefix{netip.MustParsePrefix("2001:db8::/32")}},
		},
		{
			Name: "ipv6_withdrawn",
			Msg:  &Update{Withdrawn: []netip.Prefix{netip.MustParsePrefix("2001:db8::/32")}},
		},
		{
			Name: "ipv6_identifier",
			Msg:  &Open{Version: 4, ID: netip.MustParseAddr("2001:db8::1")},
		},
		{
			Name: "truncated_parameters",
			Msg:  &Open{Version: 4, ID: netip.MustParseAddr("192.0.2.1"), OptParams: []byte{2, 6, 1}},
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			if _, err := EncodeMessage(tc.Msg); err == nil {
				t.Errorf("EncodeMessage succeeded, want error")
			}
		})
	}
}

func TestOpenCapabilities(t *testing.T) {
	decodeOpenMessage := func(t *testing.T, m *bgp.BGPMessage) *Open {
		t.Helper()
		got, err := DecodeMessage(serialize(t, m))
		if err != nil {
			t.Fatalf("DecodeMessage failed: %v", err)
		}
		return got.(*Open)
	}
	for _, tc := range []struct {
		Name string
		Open *Open
		Want Capabilities
	}{
		{
			Name: "none",
			Open: &Open{},
			Want: Capabilities{},
		},
		{
			Name: "all",
			Open: decodeOpenMessage(t, bgp.NewBGPOpenMessage(bgp.AS_TRANS, 90, "192.0.2.1", []bgp.OptionParameterInterface{
				bgp.NewOptionParameterCapability([]bgp.ParameterCapabilityInterface{
					bgp.NewCapMultiProtocol(bgp.RF_IPv4_UC),
					bgp.NewCapRouteRefresh(),
					bgp.NewCapMultiProtocol(bgp.RF_IPv6_UC),
					bgp.NewCapFourOctetASNumber(4200000000),
				}),
			})),
			Want: Capabilities{
				Families:    []RouteFamily{IPv4Unicast, IPv6Unicast},
				FourOctetAS: true,
				AS:          4200000000,
			},
		},
		{
			Name: "one_capability_per_parameter",
			Open: decodeOpenMessage(t, bgp.NewBGPOpenMessage(65001, 90, "192.0.2.1", []bgp.OptionParameterInterface{
				bgp.NewOptionParameterCapability([]bgp.ParameterCapabilityInterface{bgp.NewCapMultiProtocol(bgp.RF_IPv6_UC)}),
				bgp.NewOptionParameterCapability([]bgp.ParameterCapabilityInterface{bgp.NewCapMultiProtocol(bgp.RF_IPv6_UC)}),
				bgp.NewOptionParameterCapability([]bgp.ParameterCapabilityInterface{bgp.NewCapFourOctetASNumber(65001)}),
			})),
			Want: Capabilities{
				Families:    []RouteFamily{IPv6Unicast},
				FourOctetAS: true,
				AS:          65001,
			},
		},
		{
			Name: "other_parameter_types",
			Open: &Open{OptParams: []byte{1, 2, 0xaa, 0xbb, 2, 6, 1, 4, 0, 1, 0, 1}},
			Want: Capabilities{Families: []RouteFamily{IPv4Unicast}},
		},
		{
			Name: "other_families",
			Open: &Open{OptParams: []byte{2, 6, 1, 4, 0, 1, 0, 2}},
			Want: Capabilities{Families: []RouteFamily{NewRouteFamily(bgp.AFI_IP, bgp.SAFI_MULTICAST)}},
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			got, err := tc.Open.Capabilities()
			if err != nil {
				t.Fatalf("Capabilities failed: %v", err)
			}
			if diff := cmp.Diff(tc.Want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Capabilities mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOpenCapabilitiesErrors(t *testing.T) {
	for _, tc := range []struct {
		Name      string
		OptParams []byte
	}{
		{"truncated_parameter", []byte{2}},
		{"parameter_overflow", []byte{2, 4, 65, 4}},
		{"truncated_capability", []byte{2, 1, 65}},
		{"capability_overflow", []byte{2, 2, 65, 4}},
		{"short_multiprotocol", []byte{2, 5, 1, 3, 0, 1, 0}},
		{"short_four_octet_as", []byte{2, 4, 65, 2, 0, 1}},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			_, err := (&Open{OptParams: tc.OptParams}).Capabilities()
			want := notification{Code: bgp.BGP_ERROR_OPEN_MESSAGE_ERROR, Subcode: 0}
			if diff := cmp.Diff(want, notificationOf(t, err), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Capabilities error mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNewOpenMessage(t *testing.T) {
	id := netip.MustParseAddr("192.0.2.7")
	caps := Capabilities{
		Families:    []RouteFamily{IPv4Unicast},
		FourOctetAS: true,
		AS:          4200000000,
	}
	m, err := DecodeMessage(serialize(t, newOpenMessage(4200000000, 90, id, caps)))
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	o := m.(*Open)
	if o.AS != bgp.AS_TRANS {
		t.Errorf("got AS %v, want AS_TRANS", o.AS)
	}
	if o.HoldTime != 90 {
		t.Errorf("got hold time %v, want 90", o.HoldTime)
	}
	if o.ID != id {
		t.Errorf("got BGP identifier %v, want %v", o.ID, id)
	}
	got, err := o.Capabilities()
	if err != nil {
		t.Fatalf("Capabilities failed: %v", err)
	}
	if diff := cmp.Diff(caps, got); diff != "" {
		t.Errorf("Capabilities mismatch (-want +got):\n%s", diff)
	}
}

func TestReadMessageSequence(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(serialize(t, bgp.NewBGPKeepAliveMessage()))
	buf.Write(serialize(t, bgp.NewBGPNotificationMessage(6, 4, nil)))
	buf.Write(serialize(t, bgp.NewBGPKeepAliveMessage()))

	var got []uint8
	for {
		m, err := ReadMessage(&buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		got = append(got, m.Type())
	}
	want := []uint8{bgp.BGP_MSG_KEEPALIVE, bgp.BGP_MSG_NOTIFICATION, bgp.BGP_MSG_KEEPALIVE}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("message types mismatch (-want +got):\n%s", diff)
	}
}
