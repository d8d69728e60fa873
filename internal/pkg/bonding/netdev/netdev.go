// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package netdev implements bond slaves and masters on top of Linux network links.
//
// Links are managed with rtnetlink, link status and speed are queried with ethtool,
// and ARP monitoring traffic is sent and received on a packet socket bound to the link.
package netdev

import (
	"errors"
	"math"
	"net/netip"
	"os"

	"github.com/mdlayher/ethtool"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/bondd/internal/pkg/bonding"
	"github.com/siderolabs/bondd/pkg/machinery/nethelpers"
)

// Receiver consumes the traffic received on a slave.
//
// It is implemented by *bonding.Bond.
type Receiver interface {
	ReceiveARP(ifindex int, sender, target netip.Addr)
	RecordRx(ifindex int)
}

// notSupported maps ethtool errors of drivers which can't answer the query.
func notSupported(err error) error {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOTSUP) {
		return bonding.ErrNotSupported
	}

	return err
}

// speedDuplex converts the ethtool link mode, unknown speed is reported as missing.
func speedDuplex(mode *ethtool.LinkMode) (bonding.SpeedDuplex, bool) {
	if mode == nil || mode.SpeedMegabits == 0 || uint32(mode.SpeedMegabits) == math.MaxUint32 {
		return bonding.SpeedDuplex{}, false
	}

	return bonding.SpeedDuplex{
		SpeedMegabits: uint32(mode.SpeedMegabits),
		Duplex:        nethelpers.Duplex(mode.Duplex),
	}, true
}

// features returns the offloads assumed for a link of the given type.
//
// Offloads aren't queried, every Ethernet device is assumed to support them.
func features(typ nethelpers.LinkType) bonding.Features {
	switch typ { //nolint:exhaustive
	case nethelpers.LinkEther:
		return bonding.FeatureSG | bonding.FeatureHWChecksum | bonding.FeatureTSO | bonding.FeatureHighDMA
	case nethelpers.LinkLoopbck, nethelpers.LinkPpp, nethelpers.LinkNone, nethelpers.LinkVoid:
		return bonding.FeatureVLANChallenged
	default:
		return 0
	}
}

// counter tracks a reference count and reports when it crosses zero.
type counter int

// add returns +1 when the count becomes positive, -1 when it drops back to zero, and 0 otherwise.
func (c *counter) add(delta int) int {
	before := *c
	*c = max(before+counter(delta), 0)

	switch {
	case before == 0 && *c > 0:
		return 1
	case before > 0 && *c == 0:
		return -1
	default:
		return 0
	}
}
