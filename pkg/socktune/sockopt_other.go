// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !linux

package socktune

import (
	"net"
	"runtime"
)

func (t *Tuner) quickAck(net.Conn) error {
	return &OptionUnavailableError{Option: OptQuickAck, Reason: "TCP_QUICKACK not supported on " + runtime.GOOS}
}
