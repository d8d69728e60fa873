// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netdev

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/jsimonetti/rtnetlink/v2"
	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/ethtool"
	"github.com/mdlayher/packet"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/bondd/internal/pkg/bonding"
	"github.com/siderolabs/bondd/pkg/machinery/nethelpers"
)

const receiveBufferSize = 64 * 1024

// Link is a Linux network link which can be enslaved to a bond.
type Link struct {
	conn     *rtnetlink.Conn
	ethtool  *ethtool.Client
	receiver Receiver
	logger   *zap.Logger

	index    int
	name     string
	linkType nethelpers.LinkType

	addr atomic.Pointer[net.HardwareAddr]

	mu       sync.Mutex
	pconn    *packet.Conn
	promisc  counter
	allmulti counter
	vlans    map[uint16]struct{}

	wg sync.WaitGroup
}

var _ bonding.Device = (*Link)(nil)

// NewLink looks up the link by name.
//
// Traffic received on the link once it is opened is passed to the receiver.
// The ethtool client might be nil, the link status is then taken from the carrier only.
func NewLink(conn *rtnetlink.Conn, eth *ethtool.Client, name string, receiver Receiver, logger *zap.Logger) (*Link, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("error looking up link %q: %w", name, err)
	}

	msg, err := conn.Link.Get(uint32(iface.Index))
	if err != nil {
		return nil, fmt.Errorf("error getting link %q: %w", name, err)
	}

	link := &Link{
		conn:     conn,
		ethtool:  eth,
		receiver: receiver,
		logger:   logger.With(zap.String("link", name)),
		index:    iface.Index,
		name:     name,
		linkType: nethelpers.LinkType(msg.Type),
		vlans:    map[uint16]struct{}{},
	}

	if msg.Attributes != nil {
		link.storeAddr(msg.Attributes.Address)
	}

	return link, nil
}

// Name implements bonding.Device.
func (l *Link) Name() string { return l.name }

// Index implements bonding.Device.
func (l *Link) Index() int { return l.index }

// LinkType implements bonding.Device.
func (l *Link) LinkType() nethelpers.LinkType { return l.linkType }

// Features implements bonding.Device.
func (l *Link) Features() bonding.Features { return features(l.linkType) }

func (l *Link) storeAddr(addr net.HardwareAddr) {
	addr = slices.Clone(addr)

	l.addr.Store(&addr)
}

func (l *Link) loadAddr() net.HardwareAddr {
	if addr := l.addr.Load(); addr != nil {
		return *addr
	}

	return nil
}

// HardwareAddr implements bonding.Device.
func (l *Link) HardwareAddr() net.HardwareAddr {
	msg, err := l.conn.Link.Get(uint32(l.index))
	if err != nil || msg.Attributes == nil {
		l.logger.Warn("failed to get link address", zap.Error(err))

		return slices.Clone(l.loadAddr())
	}

	l.storeAddr(msg.Attributes.Address)

	return slices.Clone(msg.Attributes.Address)
}

// SetHardwareAddr implements bonding.Device.
func (l *Link) SetHardwareAddr(addr net.HardwareAddr) error {
	if err := setAddress(l.conn, l.index, addr); err != nil {
		return err
	}

	l.storeAddr(addr)

	return nil
}

func (l *Link) flags() (uint32, error) {
	msg, err := l.conn.Link.Get(uint32(l.index))
	if err != nil {
		return 0, fmt.Errorf("error getting link %q: %w", l.name, err)
	}

	return msg.Flags, nil
}

// setFlags changes the link flags selected by the mask.
func (l *Link) setFlags(flags, mask uint32) error {
	msg, err := l.conn.Link.Get(uint32(l.index))
	if err != nil {
		return fmt.Errorf("error getting link %q: %w", l.name, err)
	}

	return l.conn.Link.Set(&rtnetlink.LinkMessage{
		Family: msg.Family,
		Type:   msg.Type,
		Index:  uint32(l.index),
		Flags:  flags,
		Change: mask,
	})
}

// AdminUp implements bonding.Device.
func (l *Link) AdminUp() bool {
	flags, err := l.flags()
	if err != nil {
		l.logger.Warn("failed to get link flags", zap.Error(err))

		return false
	}

	return flags&unix.IFF_UP != 0
}

// Carrier implements bonding.Device.
func (l *Link) Carrier() (bool, error) {
	flags, err := l.flags()
	if err != nil {
		return false, err
	}

	return flags&unix.IFF_LOWER_UP != 0, nil
}

// QueryLinkStatus implements bonding.Device.
func (l *Link) QueryLinkStatus() (bool, error) {
	if l.ethtool == nil {
		return false, bonding.ErrNotSupported
	}

	state, err := l.ethtool.LinkState(ethtool.Interface{Index: l.index})
	if err != nil {
		return false, notSupported(err)
	}

	return state.Link, nil
}

// QuerySpeedDuplex implements bonding.Device.
func (l *Link) QuerySpeedDuplex() (bonding.SpeedDuplex, bool) {
	if l.ethtool == nil {
		return bonding.SpeedDuplex{}, false
	}

	mode, err := l.ethtool.LinkMode(ethtool.Interface{Index: l.index})
	if err != nil {
		return bonding.SpeedDuplex{}, false
	}

	return speedDuplex(mode)
}

// Open brings the link up and starts receiving on it.
func (l *Link) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pconn != nil {
		return nil
	}

	if err := l.setFlags(unix.IFF_UP, unix.IFF_UP); err != nil {
		return fmt.Errorf("error bringing link %q up: %w", l.name, err)
	}

	iface, err := net.InterfaceByIndex(l.index)
	if err != nil {
		return fmt.Errorf("error looking up link %q: %w", l.name, err)
	}

	pconn, err := packet.Listen(iface, packet.Raw, unix.ETH_P_ALL, nil)
	if err != nil {
		return fmt.Errorf("error opening packet socket on %q: %w", l.name, err)
	}

	l.pconn = pconn

	l.wg.Add(1)

	go func() {
		defer l.wg.Done()

		l.receive(pconn)
	}()

	return nil
}

// Close stops receiving and brings the link down.
//
// Memberships of the packet socket are dropped along with it.
func (l *Link) Close() error {
	l.mu.Lock()

	pconn := l.pconn
	l.pconn = nil
	l.promisc, l.allmulti = 0, 0

	l.mu.Unlock()

	if pconn == nil {
		return nil
	}

	var result *multierror.Error

	if err := pconn.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("error closing packet socket: %w", err))
	}

	l.wg.Wait()

	if err := l.setFlags(0, unix.IFF_UP); err != nil {
		result = multierror.Append(result, fmt.Errorf("error bringing link %q down: %w", l.name, err))
	}

	return result.ErrorOrNil()
}

func (l *Link) receive(pconn *packet.Conn) {
	buf := make([]byte, receiveBufferSize)

	for {
		n, _, err := pconn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.logger.Warn("receive failed", zap.Error(err))
			}

			return
		}

		r := classify(buf[:n], l.loadAddr(), l.vlanAllowed)

		switch r.kind {
		case frameARP:
			l.receiver.ReceiveARP(l.index, r.sender, r.target)
		case frameOther:
			l.receiver.RecordRx(l.index)
		case frameIgnored:
		}
	}
}

func (l *Link) vlanAllowed(id uint16) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.vlans[id]

	return ok
}

// open returns the packet socket, or an error if the link isn't open.
//
// Requires l.mu.
func (l *Link) open() (*packet.Conn, error) {
	if l.pconn == nil {
		return nil, fmt.Errorf("link %q is not open", l.name)
	}

	return l.pconn, nil
}

// SetPromiscuous implements bonding.Device.
func (l *Link) SetPromiscuous(delta int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pconn, err := l.open()
	if err != nil {
		return err
	}

	switch l.promisc.add(delta) {
	case 1:
		return pconn.SetPromiscuous(true)
	case -1:
		return pconn.SetPromiscuous(false)
	}

	return nil
}

// SetAllMulti implements bonding.Device.
func (l *Link) SetAllMulti(delta int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pconn, err := l.open()
	if err != nil {
		return err
	}

	switch l.allmulti.add(delta) {
	case 1:
		return l.membership(pconn, unix.PACKET_MR_ALLMULTI, nil, true)
	case -1:
		return l.membership(pconn, unix.PACKET_MR_ALLMULTI, nil, false)
	}

	return nil
}

// AddMulticast implements bonding.Device.
func (l *Link) AddMulticast(addr net.HardwareAddr) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pconn, err := l.open()
	if err != nil {
		return err
	}

	return l.membership(pconn, unix.PACKET_MR_MULTICAST, addr, true)
}

// RemoveMulticast implements bonding.Device.
func (l *Link) RemoveMulticast(addr net.HardwareAddr) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pconn, err := l.open()
	if err != nil {
		return err
	}

	return l.membership(pconn, unix.PACKET_MR_MULTICAST, addr, false)
}

func (l *Link) membership(pconn *packet.Conn, typ uint16, addr net.HardwareAddr, add bool) error {
	rc, err := pconn.SyscallConn()
	if err != nil {
		return err
	}

	mreq := unix.PacketMreq{
		Ifindex: int32(l.index),
		Type:    typ,
		Alen:    uint16(len(addr)),
	}

	copy(mreq.Address[:], addr)

	opt := unix.PACKET_ADD_MEMBERSHIP
	if !add {
		opt = unix.PACKET_DROP_MEMBERSHIP
	}

	var sockErr error

	if err = rc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptPacketMreq(int(fd), unix.SOL_PACKET, opt, &mreq)
	}); err != nil {
		return err
	}

	if sockErr != nil {
		return fmt.Errorf("error updating packet membership on %q: %w", l.name, sockErr)
	}

	return nil
}

// AddVLAN implements bonding.Device.
//
// Frames tagged with the VLAN are accepted by the receive path.
func (l *Link) AddVLAN(id uint16) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.vlans[id] = struct{}{}

	return nil
}

// RemoveVLAN implements bonding.Device.
func (l *Link) RemoveVLAN(id uint16) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.vlans, id)

	return nil
}

// SendARP implements bonding.Device.
func (l *Link) SendARP(probe bonding.ARPProbe) error {
	frame, err := arpFrame(l.loadAddr(), probe)
	if err != nil {
		return err
	}

	l.mu.Lock()
	pconn, err := l.open()
	l.mu.Unlock()

	if err != nil {
		return err
	}

	if _, err = pconn.WriteTo(frame, &packet.Addr{HardwareAddr: ethernet.Broadcast}); err != nil {
		return fmt.Errorf("error sending ARP probe on %q: %w", l.name, err)
	}

	return nil
}
