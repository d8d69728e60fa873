// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netdev

import (
	"fmt"
	"net"
	"slices"

	"github.com/jsimonetti/rtnetlink/v2"

	"github.com/siderolabs/bondd/internal/pkg/bonding"
)

// Master is the Linux link which represents the bond, usually a dummy link.
type Master struct {
	conn  *rtnetlink.Conn
	index int
	name  string
}

var _ bonding.Master = (*Master)(nil)

// NewMaster looks up the master link by name.
func NewMaster(conn *rtnetlink.Conn, name string) (*Master, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("error looking up bond link %q: %w", name, err)
	}

	return &Master{
		conn:  conn,
		index: iface.Index,
		name:  name,
	}, nil
}

// Name implements bonding.Master.
func (m *Master) Name() string {
	return m.name
}

// Index of the master link.
func (m *Master) Index() int {
	return m.index
}

// HardwareAddr implements bonding.Master.
func (m *Master) HardwareAddr() net.HardwareAddr {
	msg, err := m.conn.Link.Get(uint32(m.index))
	if err != nil || msg.Attributes == nil {
		return nil
	}

	return slices.Clone(msg.Attributes.Address)
}

// SetHardwareAddr implements bonding.Master.
func (m *Master) SetHardwareAddr(addr net.HardwareAddr) error {
	return setAddress(m.conn, m.index, addr)
}

// SetCarrier implements bonding.Master.
func (m *Master) SetCarrier(up bool) error {
	msg, err := m.conn.Link.Get(uint32(m.index))
	if err != nil {
		return fmt.Errorf("error getting bond link %q: %w", m.name, err)
	}

	var carrier uint8

	if up {
		carrier = 1
	}

	return m.conn.Link.Set(&rtnetlink.LinkMessage{
		Family: msg.Family,
		Type:   msg.Type,
		Index:  uint32(m.index),
		Attributes: &rtnetlink.LinkAttributes{
			Carrier: &carrier,
		},
	})
}

// setAddress changes the link-layer address of the link.
func setAddress(conn *rtnetlink.Conn, index int, addr net.HardwareAddr) error {
	msg, err := conn.Link.Get(uint32(index))
	if err != nil {
		return fmt.Errorf("error getting link %d: %w", index, err)
	}

	if err = conn.Link.Set(&rtnetlink.LinkMessage{
		Family: msg.Family,
		Type:   msg.Type,
		Index:  uint32(index),
		Attributes: &rtnetlink.LinkAttributes{
			Address: addr,
		},
	}); err != nil {
		return fmt.Errorf("error setting address of link %d: %w", index, err)
	}

	return nil
}
