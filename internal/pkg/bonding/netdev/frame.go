// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netdev

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"

	"github.com/mdlayher/arp"
	"github.com/mdlayher/ethernet"

	"github.com/siderolabs/bondd/internal/pkg/bonding"
)

// arpFrame builds the Ethernet frame carrying the probe, tagged if the probe goes to a VLAN.
func arpFrame(src net.HardwareAddr, probe bonding.ARPProbe) ([]byte, error) {
	packet, err := arp.NewPacket(probe.Operation, src, probe.Source, ethernet.Broadcast, probe.Target)
	if err != nil {
		return nil, fmt.Errorf("error building ARP packet: %w", err)
	}

	payload, err := packet.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("error marshaling ARP packet: %w", err)
	}

	frame := &ethernet.Frame{
		Destination: ethernet.Broadcast,
		Source:      src,
		EtherType:   ethernet.EtherTypeARP,
		Payload:     payload,
	}

	if probe.VLAN != 0 {
		frame.VLAN = &ethernet.VLAN{ID: probe.VLAN}
	}

	return frame.MarshalBinary()
}

type frameKind int

const (
	frameIgnored frameKind = iota
	frameARP
	frameOther
)

// received is a classified incoming frame.
type received struct {
	kind   frameKind
	sender netip.Addr
	target netip.Addr
}

// classify parses an incoming frame.
//
// Frames sent by the link itself and frames tagged with a VLAN which isn't on the bond are ignored.
// Tags stripped by the driver aren't seen here, such frames are processed as untagged.
func classify(b []byte, own net.HardwareAddr, vlanAllowed func(id uint16) bool) received {
	var frame ethernet.Frame

	if err := frame.UnmarshalBinary(b); err != nil {
		return received{}
	}

	if bytes.Equal(frame.Source, own) {
		return received{}
	}

	if frame.VLAN != nil && !vlanAllowed(frame.VLAN.ID) {
		return received{}
	}

	if frame.EtherType != ethernet.EtherTypeARP {
		return received{kind: frameOther}
	}

	var packet arp.Packet

	if err := packet.UnmarshalBinary(frame.Payload); err != nil {
		return received{kind: frameOther}
	}

	return received{
		kind:   frameARP,
		sender: packet.SenderIP,
		target: packet.TargetIP,
	}
}
