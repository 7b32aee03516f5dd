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

// This file translates between wire bytes and typed messages. Decoding is
// implemented here so that every malformation maps onto the exact error code
// of RFC 4271 section 6; encoding is delegated to GoBGP's message builders.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

const (
	headerLen          = bgp.BGP_HEADER_LENGTH
	maxMessageLen      = bgp.BGP_MAX_MESSAGE_LENGTH
	minOpenLen         = headerLen + 10
	minUpdateLen       = headerLen + 4
	minNotificationLen = headerLen + 2
	keepaliveLen       = headerLen
)

// A Message is one of *Open, *Update, *Keepalive or *Notification.
type Message interface {
	// Type returns the message type code from the BGP header.
	Type() uint8
}

// Open is an OPEN message.
type Open struct {
	Version  uint8
	AS       uint16
	HoldTime uint16
	ID       netip.Addr
	// OptParams holds the optional parameters in wire format. They are only
	// interpreted by the Capabilities method.
	OptParams []byte
}

func (*Open) Type() uint8 { return bgp.BGP_MSG_OPEN }

// Update is an UPDATE message. Path attributes are framed but not
// interpreted.
type Update struct {
	Withdrawn  []netip.Prefix
	Attributes []RawAttribute
	NLRI       []netip.Prefix
}

func (*Update) Type() uint8 { return bgp.BGP_MSG_UPDATE }

// Keepalive is a KEEPALIVE message.
type Keepalive struct{}

func (*Keepalive) Type() uint8 { return bgp.BGP_MSG_KEEPALIVE }

// Notification is a NOTIFICATION message.
type Notification struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

func (*Notification) Type() uint8 { return bgp.BGP_MSG_NOTIFICATION }

func (n *Notification) String() string {
	return fmt.Sprintf("code=%v subcode=%v data=%x", n.Code, n.Subcode, n.Data)
}

// RawAttribute is a single path attribute as found on the wire.
type RawAttribute struct {
	Flags bgp.BGPAttrFlag
	Type  bgp.BGPAttrType
	Value []byte
}

func (a RawAttribute) Optional() bool {
	return a.Flags&bgp.BGP_ATTR_FLAG_OPTIONAL != 0
}

func (a RawAttribute) Transitive() bool {
	return a.Flags&bgp.BGP_ATTR_FLAG_TRANSITIVE != 0
}

func (a RawAttribute) Partial() bool {
	return a.Flags&bgp.BGP_ATTR_FLAG_PARTIAL != 0
}

// Bytes returns the attribute in wire format: flags, type, length and value.
func (a RawAttribute) Bytes() []byte {
	flags := a.Flags
	if len(a.Value) > 255 {
		flags |= bgp.BGP_ATTR_FLAG_EXTENDED_LENGTH
	}
	b := make([]byte, 0, 4+len(a.Value))
	b = append(b, byte(flags), byte(a.Type))
	if flags&bgp.BGP_ATTR_FLAG_EXTENDED_LENGTH != 0 {
		b = binary.BigEndian.AppendUint16(b, uint16(len(a.Value)))
	} else {
		b = append(b, byte(len(a.Value)))
	}
	return append(b, a.Value...)
}

func messageTypeName(typ uint8) string {
	switch typ {
	case bgp.BGP_MSG_OPEN:
		return "open"
	case bgp.BGP_MSG_UPDATE:
		return "update"
	case bgp.BGP_MSG_NOTIFICATION:
		return "notification"
	case bgp.BGP_MSG_KEEPALIVE:
		return "keepalive"
	default:
		return "unknown"
	}
}

func badMessageLength(length int) error {
	return bgp.NewMessageError(
		bgp.BGP_ERROR_MESSAGE_HEADER_ERROR,
		bgp.BGP_ERROR_SUB_BAD_MESSAGE_LENGTH,
		binary.BigEndian.AppendUint16(nil, uint16(length)),
		fmt.Sprintf("bad message length %d", length),
	)
}

func updateError(subcode uint8, data []byte, format string, args ...any) error {
	return bgp.NewMessageError(bgp.BGP_ERROR_UPDATE_MESSAGE_ERROR, subcode, data, fmt.Sprintf(format, args...))
}

// decodeHeader validates the fixed header. The marker is not checked.
func decodeHeader(h []byte) (int, uint8, error) {
	length := int(binary.BigEndian.Uint16(h[16:18]))
	typ := h[18]
	if length < headerLen || length > maxMessageLen {
		return 0, 0, badMessageLength(length)
	}
	if typ < bgp.BGP_MSG_OPEN || typ > bgp.BGP_MSG_KEEPALIVE {
		return 0, 0, bgp.NewMessageError(
			bgp.BGP_ERROR_MESSAGE_HEADER_ERROR,
			bgp.BGP_ERROR_SUB_BAD_MESSAGE_TYPE,
			[]byte{typ},
			fmt.Sprintf("bad message type %d", typ),
		)
	}
	return length, typ, nil
}

// DecodeMessage decodes the message at the start of b. The returned message
// may alias b.
func DecodeMessage(b []byte) (Message, error) {
	if len(b) < headerLen {
		return nil, fmt.Errorf("message header: %w", io.ErrUnexpectedEOF)
	}
	length, typ, err := decodeHeader(b[:headerLen])
	if err != nil {
		return nil, err
	}
	if len(b) < length {
		return nil, fmt.Errorf("message body: %w", io.ErrUnexpectedEOF)
	}
	return decodeBody(typ, length, b[headerLen:length])
}

// ReadMessage reads exactly one message from r. Transport errors are returned
// unchanged; protocol errors are returned as *bgp.MessageError.
func ReadMessage(r io.Reader) (Message, error) {
	var h [headerLen]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, err
	}
	length, typ, err := decodeHeader(h[:])
	if err != nil {
		return nil, err
	}
	body := make([]byte, length-headerLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return decodeBody(typ, length, body)
}

func decodeBody(typ uint8, length int, body []byte) (Message, error) {
	switch typ {
	case bgp.BGP_MSG_OPEN:
		if length < minOpenLen {
			return nil, badMessageLength(length)
		}
		return decodeOpen(body, length)
	case bgp.BGP_MSG_UPDATE:
		if length < minUpdateLen {
			return nil, badMessageLength(length)
		}
		return decodeUpdate(body)
	case bgp.BGP_MSG_NOTIFICATION:
		if length < minNotificationLen {
			return nil, badMessageLength(length)
		}
		return &Notification{
			Code:    body[0],
			Subcode: body[1],
			Data:    body[2:],
		}, nil
	case bgp.BGP_MSG_KEEPALIVE:
		if length != keepaliveLen {
			return nil, badMessageLength(length)
		}
		return &Keepalive{}, nil
	}
	return nil, fmt.Errorf("unsupported message type %d", typ)
}

func decodeOpen(body []byte, length int) (*Open, error) {
	c := newCursor(body)
	o := &Open{}
	o.Version, _ = c.Uint8()
	o.AS, _ = c.Uint16()
	o.HoldTime, _ = c.Uint16()
	id, _ := c.Next(4)
	o.ID = netip.AddrFrom4([4]byte(id))
	n, _ := c.Uint8()
	params, ok := c.Next(int(n))
	if !ok || c.Remaining() != 0 {
		return nil, badMessageLength(length)
	}
	o.OptParams = params
	return o, nil
}

type optionalParameter struct {
	Type  uint8
	Value []byte
}

func splitOptionalParameters(b []byte) ([]optionalParameter, error) {
	c := newCursor(b)
	var params []optionalParameter
	for c.Remaining() > 0 {
		typ, _ := c.Uint8()
		n, ok := c.Uint8()
		if !ok {
			return nil, errors.New("truncated optional parameter")
		}
		v, ok := c.Next(int(n))
		if !ok {
			return nil, fmt.Errorf("optional parameter %d overflows the message", typ)
		}
		params = append(params, optionalParameter{Type: typ, Value: v})
	}
	return params, nil
}

// Capabilities parses the multiprotocol and 4-octet AS capabilities out of the
// optional parameters. Other parameters and capabilities are skipped. Any
// malformation is reported as an OPEN Message Error with subcode 0.
func (o *Open) Capabilities() (Capabilities, error) {
	var caps Capabilities
	malformed := func(format string, args ...any) (Capabilities, error) {
		return Capabilities{}, bgp.NewMessageError(bgp.BGP_ERROR_OPEN_MESSAGE_ERROR, 0, nil, fmt.Sprintf(format, args...))
	}
	params, err := splitOptionalParameters(o.OptParams)
	if err != nil {
		return malformed("%v", err)
	}
	for _, p := range params {
		if p.Type != bgp.BGP_OPT_CAPABILITY {
			continue
		}
		c := newCursor(p.Value)
		for c.Remaining() > 0 {
			code, _ := c.Uint8()
			n, ok := c.Uint8()
			if !ok {
				return malformed("truncated capability")
			}
			v, ok := c.Next(int(n))
			if !ok {
				return malformed("capability %d overflows its parameter", code)
			}
			switch bgp.BGPCapabilityCode(code) {
			case bgp.BGP_CAP_MULTIPROTOCOL:
				if len(v) != 4 {
					return malformed("multiprotocol capability has length %d", len(v))
				}
				rf := NewRouteFamily(binary.BigEndian.Uint16(v[0:2]), v[3])
				if !caps.Supports(rf) {
					caps.Families = append(caps.Families, rf)
				}
			case bgp.BGP_CAP_FOUR_OCTET_AS_NUMBER:
				if len(v) != 4 {
					return malformed("4-octet AS capability has length %d", len(v))
				}
				caps.FourOctetAS = true
				caps.AS = binary.BigEndian.Uint32(v)
			}
		}
	}
	return caps, nil
}

func decodeUpdate(body []byte) (*Update, error) {
	c := newCursor(body)
	u := &Update{}
	wl, _ := c.Uint16()
	wb, ok := c.Next(int(wl))
	if !ok {
		return nil, updateError(bgp.BGP_ERROR_SUB_MALFORMED_ATTRIBUTE_LIST, nil, "withdrawn routes length %d exceeds message", wl)
	}
	var err error
	if u.Withdrawn, err = decodePackedPrefixes(wb, 4); err != nil {
		return nil, updateError(bgp.BGP_ERROR_SUB_INVALID_NETWORK_FIELD, nil, "withdrawn routes: %v", err)
	}
	al, ok := c.Uint16()
	if !ok {
		return nil, updateError(bgp.BGP_ERROR_SUB_MALFORMED_ATTRIBUTE_LIST, nil, "missing path attribute length")
	}
	ab, ok := c.Next(int(al))
	if !ok {
		return nil, updateError(bgp.BGP_ERROR_SUB_MALFORMED_ATTRIBUTE_LIST, nil, "path attribute length %d exceeds message", al)
	}
	if u.Attributes, err = decodeAttributes(ab); err != nil {
		return nil, err
	}
	if u.NLRI, err = decodePackedPrefixes(c.Rest(), 4); err != nil {
		return nil, updateError(bgp.BGP_ERROR_SUB_INVALID_NETWORK_FIELD, nil, "nlri: %v", err)
	}
	return u, nil
}

func decodeAttributes(b []byte) ([]RawAttribute, error) {
	c := newCursor(b)
	var attrs []RawAttribute
	for c.Remaining() > 0 {
		start := c.Position()
		flags, _ := c.Uint8()
		typ, ok := c.Uint8()
		if !ok {
			return nil, updateError(bgp.BGP_ERROR_SUB_MALFORMED_ATTRIBUTE_LIST, nil, "truncated attribute at offset %d", start)
		}
		var n int
		if bgp.BGPAttrFlag(flags)&bgp.BGP_ATTR_FLAG_EXTENDED_LENGTH != 0 {
			l, ok := c.Uint16()
			if !ok {
				return nil, updateError(bgp.BGP_ERROR_SUB_MALFORMED_ATTRIBUTE_LIST, nil, "truncated attribute %d", typ)
			}
			n = int(l)
		} else {
			l, ok := c.Uint8()
			if !ok {
				return nil, updateError(bgp.BGP_ERROR_SUB_MALFORMED_ATTRIBUTE_LIST, nil, "truncated attribute %d", typ)
			}
			n = int(l)
		}
		v, ok := c.Next(n)
		if !ok {
			return nil, updateError(bgp.BGP_ERROR_SUB_MALFORMED_ATTRIBUTE_LIST, nil, "attribute %d length %d exceeds attribute block", typ, n)
		}
		attrs = append(attrs, RawAttribute{
			Flags: bgp.BGPAttrFlag(flags),
			Type:  bgp.BGPAttrType(typ),
			Value: v,
		})
	}
	return attrs, nil
}

// decodePackedPrefix reads one length-prefixed address prefix. Missing low
// order bytes are padded with zeros. Bits beyond the prefix length are kept
// as received.
func decodePackedPrefix(c *cursor, addrLen int) (netip.Prefix, error) {
	bits, ok := c.Uint8()
	if !ok {
		return netip.Prefix{}, errors.New("missing prefix length")
	}
	if int(bits) > 8*addrLen {
		return netip.Prefix{}, fmt.Errorf("prefix length %d exceeds %d bits", bits, 8*addrLen)
	}
	b, ok := c.Next((int(bits) + 7) / 8)
	if !ok {
		return netip.Prefix{}, fmt.Errorf("prefix of length %d overflows the buffer", bits)
	}
	var a netip.Addr
	if addrLen == 4 {
		var a4 [4]byte
		copy(a4[:], b)
		a = netip.AddrFrom4(a4)
	} else {
		var a16 [16]byte
		copy(a16[:], b)
		a = netip.AddrFrom16(a16)
	}
	return netip.PrefixFrom(a, int(bits)), nil
}

func decodePackedPrefixes(b []byte, addrLen int) ([]netip.Prefix, error) {
	c := newCursor(b)
	var prefixes []netip.Prefix
	for c.Remaining() > 0 {
		p, err := decodePackedPrefix(c, addrLen)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}

func ipv4AddrPrefixes(ps []netip.Prefix) ([]*bgp.IPAddrPrefix, error) {
	var out []*bgp.IPAddrPrefix
	for _, p := range ps {
		if !p.Addr().Is4() {
			return nil, fmt.Errorf("prefix %v is not ipv4", p)
		}
		ap := bgp.NewIPAddrPrefix(uint8(p.Bits()), p.Addr().String())
		// NewIPAddrPrefix clears host bits. Keep them as received.
		ap.Prefix = net.IP(p.Addr().AsSlice())
		out = append(out, ap)
	}
	return out, nil
}

// toBGPMessage converts a message into the GoBGP representation used for
// serialization.
func toBGPMessage(m Message) (*bgp.BGPMessage, error) {
	switch m := m.(type) {
	case *Open:
		if !m.ID.Is4() {
			return nil, fmt.Errorf("bgp identifier %v is not ipv4", m.ID)
		}
		params, err := splitOptionalParameters(m.OptParams)
		if err != nil {
			return nil, err
		}
		opts := make([]bgp.OptionParameterInterface, 0, len(params))
		for _, p := range params {
			opts = append(opts, &bgp.OptionParameterUnknown{
				ParamType: p.Type,
				ParamLen:  uint8(len(p.Value)),
				Value:     p.Value,
			})
		}
		msg := bgp.NewBGPOpenMessage(m.AS, m.HoldTime, m.ID.String(), opts)
		msg.Body.(*bgp.BGPOpen).Version = m.Version
		return msg, nil
	case *Update:
		withdrawn, err := ipv4AddrPrefixes(m.Withdrawn)
		if err != nil {
			return nil, err
		}
		nlri, err := ipv4AddrPrefixes(m.NLRI)
		if err != nil {
			return nil, err
		}
		attrs := make([]bgp.PathAttributeInterface, 0, len(m.Attributes))
		for _, a := range m.Attributes {
			attrs = append(attrs, bgp.NewPathAttributeUnknown(a.Flags, a.Type, a.Value))
		}
		return bgp.NewBGPUpdateMessage(withdrawn, attrs, nlri), nil
	case *Keepalive:
		return bgp.NewBGPKeepAliveMessage(), nil
	case *Notification:
		return bgp.NewBGPNotificationMessage(m.Code, m.Subcode, m.Data), nil
	}
	return nil, fmt.Errorf("unsupported message %T", m)
}

// EncodeMessage serializes a message including its header.
func EncodeMessage(m Message) ([]byte, error) {
	msg, err := toBGPMessage(m)
	if err != nil {
		return nil, err
	}
	return msg.Serialize()
}

// newOpenMessage builds the OPEN sent by this speaker. AS numbers that do not
// fit in two octets are replaced by AS_TRANS.
func newOpenMessage(as uint32, holdTime uint16, id netip.Addr, caps Capabilities) *bgp.BGPMessage {
	myAS := uint16(as)
	if as > 0xffff {
		myAS = bgp.AS_TRANS
	}
	return bgp.NewBGPOpenMessage(myAS, holdTime, id.String(), caps.optionParameters())
}
