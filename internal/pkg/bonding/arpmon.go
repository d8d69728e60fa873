// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bonding

import (
	"net/netip"
	"slices"
	"time"

	"github.com/mdlayher/arp"
	"go.uber.org/zap"
)

// ARP monitor windows, in ARP intervals.
//
// These are tuned values, they are kept as named constants to be adjusted.
const (
	// a down slave is promoted if it received within the window
	arpUpRxWindow = 1
	// the active slave is demoted if it didn't transmit within the window
	arpActiveTxWindow = 1
	// the active slave is demoted if it didn't receive within the window
	arpActiveRxWindow = 2
	// a backup slave is demoted if it didn't receive within the window
	arpBackupRxWindow = 3
	// an up slave isn't demoted within the window after it was attached or made active
	arpAttachGrace = 2

	lbARPUpWindow   = 1
	lbARPDownWindow = 2
)

type queuedProbe struct {
	slave *Slave
	probe ARPProbe
}

// inWindow returns true if stamp is within the given number of ARP intervals before now.
//
// Half an interval of slack covers the monitor tick jitter.
func (b *Bond) inWindow(now, stamp time.Time, intervals int) bool {
	if stamp.IsZero() {
		return false
	}

	interval := b.cfg.ARPInterval
	age := now.Sub(stamp)

	return age >= -interval && age <= time.Duration(intervals)*interval+interval/2
}

// arpLoadBalanceTick runs a single ARP monitor pass for the load balancing modes.
func (b *Bond) arpLoadBalanceTick() {
	now := b.clock.Now()

	var results []inspected

	b.mu.RLock()

	for s := range b.slaves.All() {
		status := s.status()
		in := Inspection{Link: status.Link, Delay: status.Delay}

		tx, rx := loadStamp(&s.lastTx), loadStamp(&s.lastRx)

		if status.Link != LinkUp {
			if b.inWindow(now, tx, lbARPUpWindow) && b.inWindow(now, rx, lbARPUpWindow) {
				in.Pending = PendingUp
			}
		} else if !b.inWindow(now, tx, lbARPDownWindow) || !b.inWindow(now, rx, lbARPDownWindow) {
			in.Pending = PendingDown
		}

		if in.Pending != NoChange {
			results = append(results, inspected{slave: s, status: status, in: in})
		}
	}

	b.mu.RUnlock()

	if len(results) > 0 && b.admin.TryLock() {
		b.update(func(tx *txn) error { //nolint:errcheck
			b.commitInspections(tx, results, true)

			return nil
		})

		b.admin.Unlock()
	}

	b.mu.RLock()

	var probes []queuedProbe

	for s := range b.slaves.All() {
		if s.dev.AdminUp() {
			probes = append(probes, b.probesFor(s)...)
		}
	}

	b.mu.RUnlock()

	b.sendProbes(probes)
}

// arpActiveBackupTick runs a single ARP monitor pass for the active-backup mode.
func (b *Bond) arpActiveBackupTick() {
	now := b.clock.Now()

	b.mu.RLock()
	results := b.inspectActiveBackup(now)
	b.mu.RUnlock()

	if len(results) > 0 && b.admin.TryLock() {
		b.update(func(tx *txn) error { //nolint:errcheck
			b.commitActiveBackup(tx, results)

			return nil
		})

		b.admin.Unlock()
	}

	b.probeActiveBackup(now)
}

// inspectActiveBackup computes pending transitions out of the ARP timestamps.
//
// Requires b.mu.
func (b *Bond) inspectActiveBackup(now time.Time) []inspected {
	var results []inspected

	for s := range b.slaves.All() {
		status := s.status()
		in := Inspection{Link: status.Link, Delay: status.Delay}
		rx := loadStamp(&s.lastRx)

		switch {
		case status.Link != LinkUp:
			if b.inWindow(now, rx, arpUpRxWindow) {
				in.Pending = PendingUp
			}
		case b.inWindow(now, s.lastLinkUp, arpAttachGrace):
		case s.handle == b.active:
			if !b.inWindow(now, loadStamp(&s.lastTx), arpActiveTxWindow) || !b.inWindow(now, rx, arpActiveRxWindow) {
				in.Pending = PendingDown
			}
		case s.role == RoleBackup && b.arpProbe.IsZero():
			if !b.inWindow(now, rx, arpBackupRxWindow) {
				in.Pending = PendingDown
			}
		}

		if in.Pending != NoChange {
			results = append(results, inspected{slave: s, status: status, in: in})
		}
	}

	return results
}

// commitActiveBackup applies the transitions found by inspectActiveBackup.
//
// Requires b.mu for writing.
func (b *Bond) commitActiveBackup(tx *txn, results []inspected) {
	var failover bool

	for _, r := range results {
		s := r.slave

		if !b.slaves.Contains(s.handle) || s.status() != r.status {
			continue
		}

		switch r.in.Pending {
		case PendingUp:
			if candidate, ok := b.slaves.Get(b.arpProbe); ok {
				if candidate != s {
					b.dropCandidate(candidate)
				}

				b.setARPProbe(SlaveHandle{})
			}

			failover = b.commitUp(tx, s) || failover
		case PendingDown:
			failover = b.commitDown(tx, s) || failover
		case NoChange:
		}
	}

	if failover {
		b.selectActive(tx)
	} else {
		b.updateCarrier(tx)
	}
}

// dropCandidate demotes the slave which was under probe.
func (b *Bond) dropCandidate(s *Slave) {
	s.role = RoleBackup

	if s.link == LinkBack {
		s.link = LinkDown
		s.delay = 0
	}
}

// probeActiveBackup sends probes out of the active slave, or moves the probe
// to the next slave in the ring if there is no active slave.
func (b *Bond) probeActiveBackup(now time.Time) {
	var probes []queuedProbe

	b.mu.RLock()

	active, ok := b.slaves.Get(b.active)
	if ok {
		probes = b.probesFor(active)
	}

	b.mu.RUnlock()

	if ok {
		b.sendProbes(probes)

		return
	}

	if !b.admin.TryLock() {
		return
	}

	defer b.admin.Unlock()

	b.update(func(tx *txn) error { //nolint:errcheck
		probes = b.rotateProbe(tx, now)

		return nil
	})

	b.sendProbes(probes)
}

// rotateProbe advances the probe candidate one step around the ring.
//
// Requires b.mu for writing.
func (b *Bond) rotateProbe(tx *txn, now time.Time) []queuedProbe {
	if active, ok := b.slaves.Get(b.active); ok {
		return b.probesFor(active)
	}

	var start *Slave

	if old, ok := b.slaves.Get(b.arpProbe); ok {
		b.dropCandidate(old)

		start = b.slaves.Next(old.handle)
	} else {
		start = b.slaves.First()
	}

	b.setARPProbe(SlaveHandle{})

	if start == nil {
		return nil
	}

	var candidate *Slave

	for s := range b.slaves.From(start.handle) {
		if s.dev.AdminUp() {
			if candidate == nil {
				candidate = s
			}

			continue
		}

		if s.link == LinkUp {
			s.link = LinkDown
			s.delay = 0
			s.role = RoleBackup
			s.countFailure()

			b.policy.LinkChanged(s.handle, LinkDown)
			tx.emit(Event{Type: EventLinkChange, Slave: s.Name(), Link: LinkDown})

			s.logger.Info("backup interface is now down")
		}
	}

	b.updateCarrier(tx)

	if candidate == nil {
		return nil
	}

	candidate.link = LinkBack
	candidate.delay = 0
	candidate.role = RoleActive
	candidate.lastLinkUp = now

	b.setARPProbe(candidate.handle)

	return b.probesFor(candidate)
}

// probesFor builds ARP requests to every target out of the slave.
//
// Requires b.mu.
func (b *Bond) probesFor(s *Slave) []queuedProbe {
	probes := make([]queuedProbe, 0, len(b.cfg.ARPTargets))

	for _, target := range b.cfg.ARPTargets {
		check := "route/" + target.String()

		source, vlan, ok := b.probeRoute(target)
		if ok {
			b.cleared(s, check)
		} else {
			b.repeated(s, check).Warn("no route to ARP target, sending probe from unspecified address", zap.Stringer("target", target))

			source = netip.IPv4Unspecified()
		}

		probes = append(probes, queuedProbe{
			slave: s,
			probe: ARPProbe{
				Operation: arp.OperationRequest,
				Source:    source,
				Target:    target,
				VLAN:      vlan,
			},
		})
	}

	return probes
}

// probeRoute picks the source address and VLAN for a probe to the target.
//
// Directly connected networks of the bond come first, then the ones of its VLANs,
// then any address of the bond itself.
//
// Requires b.mu.
func (b *Bond) probeRoute(target netip.Addr) (netip.Addr, uint16, bool) {
	for _, prefix := range b.addresses {
		if prefix.Addr().Is4() && prefix.Contains(target) {
			return prefix.Addr(), 0, true
		}
	}

	for _, id := range b.vlanIDs() {
		for _, prefix := range b.vlans[id] {
			if prefix.Addr().Is4() && prefix.Contains(target) {
				return prefix.Addr(), id, true
			}
		}
	}

	for _, prefix := range b.addresses {
		if prefix.Addr().Is4() {
			return prefix.Addr(), 0, true
		}
	}

	return netip.Addr{}, 0, false
}

func (b *Bond) sendProbes(probes []queuedProbe) {
	for _, p := range probes {
		if err := p.slave.dev.SendARP(p.probe); err != nil {
			b.repeated(p.slave, "send").Warn("failed to send ARP probe", zap.Stringer("target", p.probe.Target), zap.Error(err))

			continue
		}

		storeStamp(&p.slave.lastTx, b.clock.Now())
	}
}

// ReceiveARP records an ARP packet received on the slave with the given interface index.
//
// If validation is enabled for the slave role, only ARP exchanges between a configured
// target and a local address count; a backup slave sees the request of the active
// slave, so sender and target are swapped for it.
func (b *Bond) ReceiveARP(ifindex int, sender, target netip.Addr) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := b.slaveByIndex(ifindex)
	if s == nil {
		return
	}

	active := s.role == RoleActive

	if b.cfg.ARPValidate.Validates(active) {
		if !active {
			sender, target = target, sender
		}

		if !slices.Contains(b.cfg.ARPTargets, sender) || !b.localIPs.Contains(target) {
			return
		}
	}

	storeStamp(&s.lastRx, b.clock.Now())
}

// RecordRx records any other packet received on the slave.
//
// It only counts as liveness if received frames aren't validated for the slave role.
func (b *Bond) RecordRx(ifindex int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := b.slaveByIndex(ifindex)
	if s == nil || b.cfg.ARPValidate.Validates(s.role == RoleActive) {
		return
	}

	storeStamp(&s.lastRx, b.clock.Now())
}

// slaveByIndex requires b.mu.
func (b *Bond) slaveByIndex(ifindex int) *Slave {
	return b.slaves.Find(func(s *Slave) bool { return s.dev.Index() == ifindex })
}
