// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !unix

package socktune

import (
	"errors"
	"net"
	"runtime"
)

func setsockoptInt(fd, level, opt, value int) error {
	return errors.ErrUnsupported
}

func (t *Tuner) trafficClass(net.Conn) error {
	return &OptionUnavailableError{Option: OptTrafficClass, Reason: "traffic class not supported on " + runtime.GOOS}
}
