// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bonding

import (
	"net"
	"net/netip"

	"github.com/mdlayher/arp"

	"github.com/siderolabs/bondd/pkg/machinery/nethelpers"
)

// Features is a set of offload capabilities of a device.
type Features uint32

// Features constants.
const (
	FeatureSG Features = 1 << iota
	FeatureHWChecksum
	FeatureTSO
	FeatureHighDMA
	FeatureVLANChallenged
)

// bondFeatureMask is the set of capabilities a bond can advertise.
const bondFeatureMask = FeatureSG | FeatureHWChecksum | FeatureTSO | FeatureHighDMA

// SpeedDuplex is the negotiated speed and duplex of a link.
type SpeedDuplex struct {
	SpeedMegabits uint32
	Duplex        nethelpers.Duplex
}

// Better returns true if sd is strictly faster than other, or has the same speed with a better duplex.
func (sd SpeedDuplex) Better(other SpeedDuplex) bool {
	if sd.SpeedMegabits != other.SpeedMegabits {
		return sd.SpeedMegabits > other.SpeedMegabits
	}

	return sd.Duplex == nethelpers.Full && other.Duplex != nethelpers.Full
}

// ARPProbe is an ARP packet to be sent out of a slave.
type ARPProbe struct {
	Operation arp.Operation
	Source    netip.Addr
	Target    netip.Addr
	// VLAN is the 802.1Q tag, zero for untagged.
	VLAN uint16
}

// Device is a network device which can be attached to a bond.
//
// Device methods are called with the administrative lock held, but never with the bond lock
// held for writing, except for the read-only accessors and the link queries.
type Device interface {
	Name() string
	Index() int
	HardwareAddr() net.HardwareAddr
	SetHardwareAddr(net.HardwareAddr) error

	SetPromiscuous(delta int) error
	SetAllMulti(delta int) error
	AddMulticast(net.HardwareAddr) error
	RemoveMulticast(net.HardwareAddr) error
	AddVLAN(id uint16) error
	RemoveVLAN(id uint16) error

	Open() error
	Close() error

	// AdminUp reports whether the device is administratively up (IFF_UP), regardless of its carrier.
	AdminUp() bool
	// Carrier returns the driver carrier flag, or ErrNotSupported.
	Carrier() (bool, error)
	// QueryLinkStatus queries the hardware link status, or returns ErrNotSupported.
	QueryLinkStatus() (bool, error)
	QuerySpeedDuplex() (SpeedDuplex, bool)

	SendARP(ARPProbe) error

	LinkType() nethelpers.LinkType
	Features() Features
}

// Master is the logical bond device exposed to the rest of the system.
type Master interface {
	Name() string
	HardwareAddr() net.HardwareAddr
	SetHardwareAddr(net.HardwareAddr) error
	SetCarrier(up bool) error
}

// Policy is the mode-specific aggregation logic (802.3ad, TLB, ALB) the core calls into.
//
// Hooks run synchronously with the bond lock held and must not call back into the bond.
type Policy interface {
	// SlaveBound is called when a slave is attached, an error rejects the slave.
	SlaveBound(h SlaveHandle) error
	// SlaveUnbound is called when a slave is detached.
	SlaveUnbound(h SlaveHandle)
	LinkChanged(h SlaveHandle, link LinkState)
	// ActiveChanged is called on failover, handles might be zero.
	ActiveChanged(old, new SlaveHandle)
}

// NopPolicy is a Policy which does nothing.
type NopPolicy struct{}

// SlaveBound implements Policy.
func (NopPolicy) SlaveBound(SlaveHandle) error { return nil }

// SlaveUnbound implements Policy.
func (NopPolicy) SlaveUnbound(SlaveHandle) {}

// LinkChanged implements Policy.
func (NopPolicy) LinkChanged(SlaveHandle, LinkState) {}

// ActiveChanged implements Policy.
func (NopPolicy) ActiveChanged(SlaveHandle, SlaveHandle) {}

// EventType is the kind of bond event.
type EventType int

// EventType constants.
const (
	EventLinkChange EventType = iota
	EventFailover
	EventCarrier
)

// String implements fmt.Stringer.
func (typ EventType) String() string {
	switch typ {
	case EventLinkChange:
		return "link-change"
	case EventFailover:
		return "failover"
	case EventCarrier:
		return "carrier"
	default:
		return "unknown"
	}
}

// Event is a notification about bond state changes.
type Event struct {
	Type  EventType
	Bond  string
	Slave string
	// Link is set for EventLinkChange.
	Link LinkState
	// Carrier is set for EventCarrier.
	Carrier bool
}
