// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build unix

package socktune

import (
	"net"

	"golang.org/x/sys/unix"
)

var setsockoptInt = unix.SetsockoptInt

func (t *Tuner) trafficClass(conn net.Conn) error {
	if isIPv6(conn) {
		return t.rawSetsockopt(conn, OptTrafficClass, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, IPTOSLowDelay)
	}
	return t.rawSetsockopt(conn, OptTrafficClass, unix.IPPROTO_IP, unix.IP_TOS, IPTOSLowDelay)
}
