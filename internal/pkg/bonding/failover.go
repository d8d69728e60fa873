// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bonding

import (
	"fmt"
	"math"
	"net"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/siderolabs/bondd/pkg/machinery/nethelpers"
)

// Select returns the slave which should be active, without changing anything.
func (b *Bond) Select() SlaveHandle {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if best := b.findBest(); best != nil {
		return best.handle
	}

	return SlaveHandle{}
}

// findBest picks the best slave to be active.
//
// Requires b.mu.
func (b *Bond) findBest() *Slave {
	active, _ := b.slaves.Get(b.active)

	seed := active
	if seed == nil {
		seed = b.slaves.First()
	}

	if seed == nil {
		return nil
	}

	if primary, ok := b.slaves.Get(b.primary); ok && primary.link == LinkUp && b.primaryPreempts(primary, active) {
		return primary
	}

	var (
		best     *Slave
		minDelay = math.MaxInt
	)

	for s := range b.slaves.From(seed.handle) {
		switch {
		case s.link == LinkUp:
			return s
		case s.link == LinkBack && s.dev.AdminUp() && s.delay < minDelay:
			best, minDelay = s, s.delay
		}
	}

	return best
}

// primaryPreempts decides whether an up primary takes over from the current active slave.
func (b *Bond) primaryPreempts(primary, active *Slave) bool {
	if active == nil || active == primary || active.link != LinkUp || b.forcePrimary {
		return true
	}

	switch b.cfg.PrimaryReselect {
	case nethelpers.PrimaryReselectBetter:
		return primary.speedDuplex.Better(active.speedDuplex)
	case nethelpers.PrimaryReselectFailure:
		return false
	case nethelpers.PrimaryReselectAlways:
		return true
	default:
		return true
	}
}

// selectActive switches to the best slave if it differs from the active one.
//
// Requires b.mu for writing.
func (b *Bond) selectActive(tx *txn) {
	best := b.findBest()

	b.forcePrimary = false

	if best == nil {
		if !b.active.IsZero() {
			b.changeActive(tx, nil)
		}
	} else if best.handle != b.active {
		b.changeActive(tx, best)
	}

	b.updateCarrier(tx)
}

// changeActive makes newActive the active slave, newActive might be nil.
//
// Requires b.mu for writing.
//
//nolint:gocyclo
func (b *Bond) changeActive(tx *txn, newActive *Slave) {
	oldActive, _ := b.slaves.Get(b.active)
	if oldActive == newActive {
		return
	}

	if newActive != nil {
		newActive.lastLinkUp = b.clock.Now()

		if newActive.link == LinkBack {
			if b.mode.UsesPrimary() {
				newActive.logger.Info("making interface the new active one early",
					zap.Duration("ahead_of_updelay", time.Duration(newActive.delay)*b.cfg.MIIMon))
			}

			newActive.link = LinkUp
			newActive.delay = 0

			b.policy.LinkChanged(newActive.handle, LinkUp)
			tx.emit(Event{Type: EventLinkChange, Slave: newActive.Name(), Link: LinkUp})
		}
	}

	if b.mode.UsesPrimary() {
		if b.mode.AssignsRoles() {
			if oldActive != nil {
				oldActive.role = RoleBackup
			}

			if newActive != nil {
				newActive.role = RoleActive
			}
		}

		b.moveMembership(tx, oldActive, newActive)
		b.failOverMAC(tx, oldActive, newActive)
	}

	// a probe candidate is only needed while there is no active slave
	if newActive != nil {
		if candidate, ok := b.slaves.Get(b.arpProbe); ok && candidate != newActive {
			candidate.role = RoleBackup
		}

		b.setARPProbe(SlaveHandle{})
	}

	oldHandle := b.active
	newHandle := SlaveHandle{}

	if newActive != nil {
		newHandle = newActive.handle
	}

	b.setActive(newHandle)
	b.policy.ActiveChanged(oldHandle, newHandle)

	switch {
	case newActive == nil:
		b.logger.Warn("now running without any active interface")
	case b.mode.UsesPrimary():
		newActive.logger.Info("making interface the new active one")
	}

	if newActive != nil && b.mode.NotifiesPeers() {
		tx.do(b.notifier.Schedule)
		tx.emit(Event{Type: EventFailover, Slave: newActive.Name()})
	}
}

// moveMembership transfers promiscuity, allmulti and multicast addresses from the old active slave to the new one.
func (b *Bond) moveMembership(tx *txn, oldActive, newActive *Slave) {
	promisc, allmulti, mcList := b.promisc, b.allmulti, slices.Clone(b.mcList)

	if oldActive != nil {
		dev, logger := oldActive.dev, oldActive.logger

		tx.do(func() {
			applyMembership(dev, logger, -promisc, -allmulti, mcList, false)
		})
	}

	if newActive != nil {
		dev, logger := newActive.dev, newActive.logger

		tx.do(func() {
			applyMembership(dev, logger, promisc, allmulti, mcList, true)
		})
	}
}

func applyMembership(dev Device, logger *zap.Logger, promisc, allmulti int, mcList []net.HardwareAddr, add bool) {
	if promisc != 0 {
		if err := dev.SetPromiscuous(promisc); err != nil {
			logger.Warn("failed to change promiscuity", zap.Int("delta", promisc), zap.Error(err))
		}
	}

	if allmulti != 0 {
		if err := dev.SetAllMulti(allmulti); err != nil {
			logger.Warn("failed to change allmulti", zap.Int("delta", allmulti), zap.Error(err))
		}
	}

	for _, addr := range mcList {
		var err error

		if add {
			err = dev.AddMulticast(addr)
		} else {
			err = dev.RemoveMulticast(addr)
		}

		if err != nil {
			logger.Warn("failed to update multicast address", zap.Stringer("addr", addr), zap.Bool("add", add), zap.Error(err))
		}
	}
}

// failOverMAC applies the fail_over_mac policy.
//
// MAC address updates are best effort: a failure is logged, the failover is not rolled back.
func (b *Bond) failOverMAC(tx *txn, oldActive, newActive *Slave) {
	if newActive == nil {
		return
	}

	switch b.cfg.FailOverMAC {
	case nethelpers.FailOverMACNone:
	case nethelpers.FailOverMACActive:
		newDev := newActive.dev

		tx.do(func() {
			addr := slices.Clone(newDev.HardwareAddr())

			if err := b.master.SetHardwareAddr(addr); err != nil {
				b.logger.Warn("failed to set bond MAC address to the new active slave one",
					zap.String("slave", newDev.Name()), zap.Stringer("addr", addr), zap.Error(err))
			}
		})
	case nethelpers.FailOverMACFollow:
		newDev := newActive.dev

		var oldDev Device

		if oldActive != nil {
			oldDev = oldActive.dev
		}

		tx.do(func() {
			b.swapMAC(oldDev, newDev)
		})
	}
}

// swapMAC hands the MAC address of the old active slave (or the bond) to the new active one,
// and gives the old active slave the previous address of the new one.
func (b *Bond) swapMAC(oldDev, newDev Device) {
	newAddr := slices.Clone(newDev.HardwareAddr())

	var target net.HardwareAddr

	if oldDev != nil {
		target = slices.Clone(oldDev.HardwareAddr())
	} else {
		target = slices.Clone(b.master.HardwareAddr())
	}

	if err := newDev.SetHardwareAddr(target); err != nil {
		b.logger.Warn("failed to set MAC address of the new active slave",
			zap.String("slave", newDev.Name()), zap.Stringer("addr", target), zap.Error(err))

		return
	}

	if oldDev == nil {
		return
	}

	if err := oldDev.SetHardwareAddr(newAddr); err != nil {
		b.logger.Warn("failed to set MAC address of the old active slave",
			zap.String("slave", oldDev.Name()), zap.Stringer("addr", newAddr), zap.Error(err))
	}
}

// SetActive makes the slave active, overriding the selection.
func (b *Bond) SetActive(h SlaveHandle) error {
	b.admin.Lock()
	defer b.admin.Unlock()

	return b.update(func(tx *txn) error {
		if !b.mode.UsesPrimary() {
			return fmt.Errorf("%s: %w", b.cfg.Mode, ErrNoPrimaryMode)
		}

		s, ok := b.slaves.Get(h)
		if !ok {
			return ErrNotASlave
		}

		if h == b.active {
			return nil
		}

		if s.link != LinkUp || !s.dev.AdminUp() {
			return fmt.Errorf("%s: %w", s.Name(), ErrSlaveNotUp)
		}

		b.changeActive(tx, s)
		b.updateCarrier(tx)

		return nil
	})
}

// SetPrimary changes the primary slave and reselects the active one, zero handle clears the primary.
func (b *Bond) SetPrimary(h SlaveHandle) error {
	b.admin.Lock()
	defer b.admin.Unlock()

	return b.update(func(tx *txn) error {
		if !b.mode.UsesPrimary() {
			return fmt.Errorf("%s: %w", b.cfg.Mode, ErrNoPrimaryMode)
		}

		if h.IsZero() {
			b.setPrimary(SlaveHandle{})
			b.primaryName = ""

			b.logger.Info("primary slave cleared")

			b.selectActive(tx)

			return nil
		}

		s, ok := b.slaves.Get(h)
		if !ok {
			return ErrNotASlave
		}

		b.setPrimary(h)
		b.primaryName = s.Name()
		b.forcePrimary = true

		s.logger.Info("setting primary slave")

		b.selectActive(tx)

		return nil
	})
}
