// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package socktune

import (
	"net"

	"golang.org/x/sys/unix"
)

// quickAck sets TCP_QUICKACK. The kernel clears it again after some
// delayed-ack decisions, so it only helps the start of a connection.
func (t *Tuner) quickAck(conn net.Conn) error {
	return t.rawSetsockopt(conn, OptQuickAck, unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
}
