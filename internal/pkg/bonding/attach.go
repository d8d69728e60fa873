// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bonding

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"
	"slices"

	"go.uber.org/zap"

	"github.com/siderolabs/bondd/pkg/machinery/nethelpers"
)

// Attach enslaves the device.
//
// A failed attach undoes every step already done in reverse order, so that
// the device is left as it was found.
//
//nolint:gocyclo,cyclop
func (b *Bond) Attach(dev Device) (h SlaveHandle, err error) {
	b.admin.Lock()
	defer b.admin.Unlock()

	logger := b.logger.With(zap.String("slave", dev.Name()))

	var rollback []func()

	defer func() {
		if err == nil {
			return
		}

		for _, undo := range slices.Backward(rollback) {
			undo()
		}

		logger.Warn("failed to attach slave", zap.Error(err))
	}()

	if err = b.claims.claim(dev.Index(), b.cfg.Name); err != nil {
		return h, fmt.Errorf("%s: %w", dev.Name(), err)
	}

	rollback = append(rollback, func() { b.claims.release(dev.Index()) })

	b.mu.RLock()
	count := b.slaves.Len()
	linkType := b.linkType
	vlanIDs := b.vlanIDs()
	promisc, allmulti, mcList := b.promisc, b.allmulti, slices.Clone(b.mcList)
	b.mu.RUnlock()

	if count > 0 && dev.LinkType() != linkType {
		return h, fmt.Errorf("%s is %s, bond is %s: %w", dev.Name(), dev.LinkType(), linkType, ErrIncompatibleType)
	}

	if dev.Features()&FeatureVLANChallenged != 0 && len(vlanIDs) > 0 {
		return h, fmt.Errorf("%s: %w", dev.Name(), ErrVLANConflict)
	}

	permAddr := slices.Clone(dev.HardwareAddr())
	bondAddr := slices.Clone(b.master.HardwareAddr())

	if isZeroMAC(bondAddr) {
		origAddr := bondAddr

		if err = b.master.SetHardwareAddr(permAddr); err != nil {
			return h, fmt.Errorf("error setting bond MAC address: %w", err)
		}

		logger.Info("bond MAC address set from the first slave", zap.Stringer("addr", permAddr))

		rollback = append(rollback, func() {
			if restoreErr := b.master.SetHardwareAddr(origAddr); restoreErr != nil {
				logger.Warn("failed to restore bond MAC address", zap.Error(restoreErr))
			}
		})

		bondAddr = permAddr
	}

	if b.rewritesSlaveMAC() && !bytes.Equal(permAddr, bondAddr) {
		if err = dev.SetHardwareAddr(bondAddr); err != nil {
			return h, fmt.Errorf("%s: %w: %w", dev.Name(), ErrMACSetFailed, err)
		}

		rollback = append(rollback, func() {
			if restoreErr := dev.SetHardwareAddr(permAddr); restoreErr != nil {
				logger.Warn("failed to restore slave MAC address", zap.Error(restoreErr))
			}
		})
	}

	if err = dev.Open(); err != nil {
		return h, fmt.Errorf("%s: %w: %w", dev.Name(), ErrDeviceOpenFailed, err)
	}

	rollback = append(rollback, func() { dev.Close() }) //nolint:errcheck

	for _, id := range vlanIDs {
		if err = dev.AddVLAN(id); err != nil {
			return h, fmt.Errorf("error adding VLAN %d to %s: %w", id, dev.Name(), err)
		}

		rollback = append(rollback, func() { dev.RemoveVLAN(id) }) //nolint:errcheck
	}

	if !b.mode.UsesPrimary() {
		applyMembership(dev, logger, promisc, allmulti, mcList, true)

		rollback = append(rollback, func() { applyMembership(dev, logger, -promisc, -allmulti, mcList, false) })
	}

	s := newSlave(dev, permAddr, b.logger)
	s.link, s.delay = b.initialLink(s)
	s.updateSpeedDuplex()

	now := b.clock.Now()
	s.lastLinkUp = now

	// pretend the last packets were seen one interval ago, so that an up slave isn't demoted right away
	storeStamp(&s.lastRx, now.Add(-b.cfg.ARPInterval))
	storeStamp(&s.lastTx, now.Add(-b.cfg.ARPInterval))

	err = b.update(func(tx *txn) error {
		h = b.slaves.Add(s)

		if policyErr := b.policy.SlaveBound(h); policyErr != nil {
			b.slaves.Remove(h)

			h = SlaveHandle{}

			return fmt.Errorf("%s: %w: %w", dev.Name(), ErrPolicyRejected, policyErr)
		}

		b.linkType = dev.LinkType()
		b.updateFeatures()

		if s.link == LinkUp {
			s.role = b.mode.UpRole()
		}

		if b.primaryName != "" && b.primaryName == dev.Name() {
			b.setPrimary(h)
			b.forcePrimary = true
		}

		logger.Info("attached slave",
			zap.Stringer("link", s.link),
			zap.Stringer("perm_addr", permAddr),
			zap.Uint32("speed", s.speedDuplex.SpeedMegabits),
			zap.Stringer("duplex", s.speedDuplex.Duplex),
		)

		b.selectActive(tx)

		return nil
	})

	return h, err
}

// rewritesSlaveMAC returns true if slaves share the bond MAC address.
func (b *Bond) rewritesSlaveMAC() bool {
	return b.cfg.FailOverMAC == nethelpers.FailOverMACNone || b.cfg.Mode != nethelpers.BondModeActiveBackup
}

// initialLink returns the link state of a freshly attached slave.
func (b *Bond) initialLink(s *Slave) (LinkState, int) {
	switch {
	case b.cfg.MIIMon > 0:
		if !b.readLink(s) {
			return LinkDown, 0
		}

		if delay := b.cfg.debounce().UpDelay; delay > 0 {
			return LinkBack, delay
		}

		return LinkUp, 0
	case b.cfg.ARPInterval > 0:
		if carrier, err := s.dev.Carrier(); err == nil && !carrier {
			return LinkDown, 0
		}

		return LinkUp, 0
	default:
		return LinkUp, 0
	}
}

// Detach releases the slave.
//
// Once the handle is resolved, detach always completes: device errors are logged.
func (b *Bond) Detach(h SlaveHandle) error {
	b.admin.Lock()
	defer b.admin.Unlock()

	return b.detach(h)
}

// detach requires the administrative lock.
//
//nolint:gocyclo
func (b *Bond) detach(h SlaveHandle) error {
	return b.update(func(tx *txn) error {
		s, ok := b.slaves.Get(h)
		if !ok {
			return ErrNotASlave
		}

		wasActive := h == b.active

		if wasActive {
			s.logger.Info("releasing active interface")

			b.changeActive(tx, nil)
		}

		if h == b.primary {
			b.setPrimary(SlaveHandle{})
		}

		if h == b.arpProbe {
			b.setARPProbe(SlaveHandle{})
		}

		b.policy.SlaveUnbound(h)
		b.slaves.Remove(h)
		b.updateFeatures()

		bondAddr := b.master.HardwareAddr()

		if b.slaves.Len() == 0 {
			b.linkType = 0

			zero := make(net.HardwareAddr, len(bondAddr))

			tx.do(func() {
				if err := b.master.SetHardwareAddr(zero); err != nil {
					b.logger.Warn("failed to clear bond MAC address", zap.Error(err))
				}
			})
		} else if b.rewritesSlaveMAC() && bytes.Equal(s.permAddr, bondAddr) {
			s.logger.Warn("the permanent address of the slave is still in use by the bond, " +
				"set the address of the bond to a different one to avoid conflicts")
		}

		if wasActive {
			b.selectActive(tx)
		} else {
			b.updateCarrier(tx)
		}

		usesPrimary := b.mode.UsesPrimary()
		promisc, allmulti, mcList := b.promisc, b.allmulti, slices.Clone(b.mcList)
		vlanIDs := b.vlanIDs()
		restoreMAC := b.cfg.FailOverMAC != nethelpers.FailOverMACActive || b.cfg.Mode != nethelpers.BondModeActiveBackup

		tx.do(func() {
			dev := s.dev

			if !usesPrimary {
				applyMembership(dev, s.logger, -promisc, -allmulti, mcList, false)
			}

			for _, id := range vlanIDs {
				if err := dev.RemoveVLAN(id); err != nil {
					s.logger.Warn("failed to remove VLAN", zap.Uint16("vlan", id), zap.Error(err))
				}
			}

			if err := dev.Close(); err != nil {
				s.logger.Warn("failed to close slave", zap.Error(err))
			}

			if restoreMAC && !bytes.Equal(dev.HardwareAddr(), s.permAddr) {
				if err := dev.SetHardwareAddr(s.permAddr); err != nil {
					s.logger.Warn("failed to restore permanent MAC address", zap.Error(err))
				}
			}

			b.claims.release(dev.Index())
		})

		s.logger.Info("detached slave")

		return nil
	})
}

// SetPromiscuous changes the bond promiscuity by delta and propagates it to the slaves.
func (b *Bond) SetPromiscuous(delta int) error {
	return b.updateMembership(func(tx *txn, targets []*Slave) {
		b.promisc += delta

		for _, s := range targets {
			dev, logger := s.dev, s.logger

			tx.do(func() { applyMembership(dev, logger, delta, 0, nil, true) })
		}
	})
}

// SetAllMulti changes the bond allmulti counter by delta and propagates it to the slaves.
func (b *Bond) SetAllMulti(delta int) error {
	return b.updateMembership(func(tx *txn, targets []*Slave) {
		b.allmulti += delta

		for _, s := range targets {
			dev, logger := s.dev, s.logger

			tx.do(func() { applyMembership(dev, logger, 0, delta, nil, true) })
		}
	})
}

// AddMulticast subscribes the bond to the link-layer multicast address.
func (b *Bond) AddMulticast(addr net.HardwareAddr) error {
	return b.updateMembership(func(tx *txn, targets []*Slave) {
		if slices.ContainsFunc(b.mcList, func(a net.HardwareAddr) bool { return bytes.Equal(a, addr) }) {
			return
		}

		b.mcList = append(b.mcList, slices.Clone(addr))

		for _, s := range targets {
			dev, logger := s.dev, s.logger

			tx.do(func() { applyMembership(dev, logger, 0, 0, []net.HardwareAddr{addr}, true) })
		}
	})
}

// RemoveMulticast unsubscribes the bond from the link-layer multicast address.
func (b *Bond) RemoveMulticast(addr net.HardwareAddr) error {
	return b.updateMembership(func(tx *txn, targets []*Slave) {
		idx := slices.IndexFunc(b.mcList, func(a net.HardwareAddr) bool { return bytes.Equal(a, addr) })
		if idx < 0 {
			return
		}

		b.mcList = slices.Delete(b.mcList, idx, idx+1)

		for _, s := range targets {
			dev, logger := s.dev, s.logger

			tx.do(func() { applyMembership(dev, logger, 0, 0, []net.HardwareAddr{addr}, false) })
		}
	})
}

// updateMembership runs fn with the slaves which carry the bond membership:
// the active slave in modes with an active slave, every slave otherwise.
func (b *Bond) updateMembership(fn func(tx *txn, targets []*Slave)) error {
	b.admin.Lock()
	defer b.admin.Unlock()

	return b.update(func(tx *txn) error {
		var targets []*Slave

		if b.mode.UsesPrimary() {
			if active, ok := b.slaves.Get(b.active); ok {
				targets = append(targets, active)
			}
		} else {
			targets = slices.Collect(b.slaves.All())
		}

		fn(tx, targets)

		return nil
	})
}

// AddVLAN adds a VLAN on top of the bond, or updates the VLAN addresses.
func (b *Bond) AddVLAN(id uint16, addresses []netip.Prefix) error {
	b.admin.Lock()
	defer b.admin.Unlock()

	return b.update(func(tx *txn) error {
		if _, exists := b.vlans[id]; !exists {
			if b.features&FeatureVLANChallenged != 0 {
				return fmt.Errorf("VLAN %d: %w", id, ErrVLANConflict)
			}

			for s := range b.slaves.All() {
				dev, logger := s.dev, s.logger

				tx.do(func() {
					if err := dev.AddVLAN(id); err != nil {
						logger.Warn("failed to add VLAN", zap.Uint16("vlan", id), zap.Error(err))
					}
				})
			}
		}

		b.vlans[id] = slices.Clone(addresses)

		return b.rebuildLocalIPs()
	})
}

// RemoveVLAN removes the VLAN from the bond.
func (b *Bond) RemoveVLAN(id uint16) error {
	b.admin.Lock()
	defer b.admin.Unlock()

	return b.update(func(tx *txn) error {
		if _, exists := b.vlans[id]; !exists {
			return nil
		}

		delete(b.vlans, id)

		for s := range b.slaves.All() {
			dev, logger := s.dev, s.logger

			tx.do(func() {
				if err := dev.RemoveVLAN(id); err != nil {
					logger.Warn("failed to remove VLAN", zap.Uint16("vlan", id), zap.Error(err))
				}
			})
		}

		return b.rebuildLocalIPs()
	})
}

// SetAddresses replaces the addresses of the bond itself.
func (b *Bond) SetAddresses(addresses []netip.Prefix) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.addresses = slices.Clone(addresses)

	return b.rebuildLocalIPs()
}

// SetVLANAddresses replaces the addresses of the VLAN on top of the bond.
func (b *Bond) SetVLANAddresses(id uint16, addresses []netip.Prefix) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.vlans[id]; !ok {
		return fmt.Errorf("VLAN %d is not configured on %s", id, b.cfg.Name)
	}

	b.vlans[id] = slices.Clone(addresses)

	return b.rebuildLocalIPs()
}
