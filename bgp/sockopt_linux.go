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

//go:build linux

package bgp

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// tosInternetControl is DSCP CS6 in the upper six bits of the TOS octet.
const tosInternetControl = 0xc0

// controlSocket marks BGP traffic on the listening socket as network control.
// Accepted connections inherit the marking. See
// https://pkg.go.dev/net#ListenConfig for details.
func controlSocket(network, _ string, c syscall.RawConn) error {
	var sockerr error
	if err := c.Control(func(fd uintptr) {
		switch network {
		case "tcp6":
			sockerr = os.NewSyscallError("setsockopt", unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tosInternetControl))
			// Dual stack sockets also carry IPv4 traffic. Not all kernels accept
			// IP_TOS on an IPv6 socket, so failures are ignored.
			unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tosInternetControl)
		default:
			sockerr = os.NewSyscallError("setsockopt", unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tosInternetControl))
		}
	}); err != nil {
		return err
	}
	return sockerr
}
