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

import "encoding/binary"

// cursor reads big endian fields from a byte slice. Every read either consumes
// exactly the requested number of bytes or fails without consuming anything.
type cursor struct {
	b   []byte
	off int
}

func newCursor(b []byte) *cursor {
	return &cursor{b: b}
}

// Position returns the number of bytes consumed so far.
func (c *cursor) Position() int {
	return c.off
}

// Remaining returns the number of unread bytes.
func (c *cursor) Remaining() int {
	return len(c.b) - c.off
}

// Next returns the next n bytes. The returned slice aliases the underlying
// buffer.
func (c *cursor) Next(n int) ([]byte, bool) {
	if n < 0 || n > c.Remaining() {
		return nil, false
	}
	b := c.b[c.off : c.off+n]
	c.off += n
	return b, true
}

// Rest consumes and returns all unread bytes.
func (c *cursor) Rest() []byte {
	b := c.b[c.off:]
	c.off = len(c.b)
	return b
}

func (c *cursor) Uint8() (uint8, bool) {
	b, ok := c.Next(1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

func (c *cursor) Uint16() (uint16, bool) {
	b, ok := c.Next(2)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint16(b), true
}

func (c *cursor) Uint32() (uint32, bool) {
	b, ok := c.Next(4)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}
