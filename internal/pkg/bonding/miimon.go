// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bonding

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// inspected is the per-tick scratch state of a monitor.
type inspected struct {
	slave  *Slave
	status LinkStatus
	in     Inspection
}

// miiTick runs a single MII monitor pass.
func (b *Bond) miiTick() {
	debounce := b.cfg.debounce()

	b.mu.RLock()

	var (
		results []inspected
		pending bool
	)

	links := map[*Slave]bool{}

	for s := range b.slaves.All() {
		links[s] = b.readLink(s)
	}

	ignore := b.ignoreUpDelayTarget(links)

	for s := range b.slaves.All() {
		status := s.status()
		in := Inspect(status, links[s], debounce, s == ignore)

		if !in.Changed(status) {
			continue
		}

		results = append(results, inspected{slave: s, status: status, in: in})
		pending = pending || in.Pending != NoChange
	}

	b.mu.RUnlock()

	if len(results) == 0 {
		return
	}

	// committing requires the administrative lock, if it is busy the transitions are retried on the next tick
	locked := pending && b.admin.TryLock()
	if locked {
		defer b.admin.Unlock()
	}

	b.update(func(tx *txn) error { //nolint:errcheck
		b.commitInspections(tx, results, locked)

		return nil
	})
}

// ignoreUpDelayTarget picks the slave which skips the up delay, if the bond has no active slave.
//
// The primary wins if it is recovering, otherwise the first recovering slave in the ring.
func (b *Bond) ignoreUpDelayTarget(links map[*Slave]bool) *Slave {
	if b.slaves.Contains(b.active) {
		return nil
	}

	recovering := func(s *Slave) bool {
		return links[s] && (s.link == LinkDown || s.link == LinkBack)
	}

	if primary, ok := b.slaves.Get(b.primary); ok && recovering(primary) {
		return primary
	}

	return b.slaves.Find(recovering)
}

// commitInspections writes back inspection results, and commits pending transitions if locked.
//
// Requires b.mu for writing.
func (b *Bond) commitInspections(tx *txn, results []inspected, locked bool) {
	var failover bool

	for _, r := range results {
		s := r.slave

		// detached or changed by another monitor since the inspection
		if !b.slaves.Contains(s.handle) || s.status() != r.status {
			continue
		}

		b.logTransition(s, r.status, r.in)

		s.link, s.delay = r.in.Link, r.in.Delay

		if !locked {
			continue
		}

		switch r.in.Pending {
		case PendingUp:
			failover = b.commitUp(tx, s) || failover
		case PendingDown:
			failover = b.commitDown(tx, s) || failover
		case NoChange:
		}
	}

	if !locked {
		return
	}

	if failover {
		b.selectActive(tx)
	} else {
		b.updateCarrier(tx)
	}
}

func (b *Bond) logTransition(s *Slave, from LinkStatus, in Inspection) {
	tick := b.cfg.MIIMon

	switch {
	case from.Link == LinkUp && in.Link == LinkFail && in.Pending == NoChange:
		s.logger.Info("link status down, disabling slave later", zap.Duration("downdelay", time.Duration(in.Delay)*tick))
	case from.Link == LinkDown && in.Link == LinkBack && in.Pending == NoChange:
		s.logger.Info("link status up, enabling slave later", zap.Duration("updelay", time.Duration(in.Delay)*tick))
	case from.Link == LinkFail && in.Link == LinkUp:
		s.logger.Info("link status up again", zap.Duration("remaining_downdelay", time.Duration(from.Delay)*tick))
	case from.Link == LinkBack && in.Link == LinkDown:
		s.logger.Info("link status down again", zap.Duration("remaining_updelay", time.Duration(from.Delay)*tick))
	}
}

// commitUp marks the slave up, it returns true if the active slave should be reselected.
//
// Requires b.mu for writing.
func (b *Bond) commitUp(tx *txn, s *Slave) bool {
	s.link = LinkUp
	s.delay = 0
	s.lastLinkUp = b.clock.Now()
	s.updateSpeedDuplex()

	if s.handle != b.active {
		s.role = b.mode.UpRole()
	}

	b.policy.LinkChanged(s.handle, LinkUp)
	tx.emit(Event{Type: EventLinkChange, Slave: s.Name(), Link: LinkUp})

	s.logger.Info("link status definitely up",
		zap.Uint32("speed", s.speedDuplex.SpeedMegabits),
		zap.Stringer("duplex", s.speedDuplex.Duplex),
	)

	return !b.slaves.Contains(b.active) || s.handle == b.primary
}

// commitDown marks the slave down, it returns true if the slave was active.
//
// Requires b.mu for writing.
func (b *Bond) commitDown(tx *txn, s *Slave) bool {
	s.link = LinkDown
	s.delay = 0
	s.countFailure()

	wasActive := s.handle == b.active

	if !wasActive || !b.mode.UsesPrimary() {
		s.role = RoleBackup
	}

	b.policy.LinkChanged(s.handle, LinkDown)
	tx.emit(Event{Type: EventLinkChange, Slave: s.Name(), Link: LinkDown})

	s.logger.Info("link status definitely down", zap.Uint32("failures", s.failures))

	return wasActive
}

// readLink returns the raw link status of the slave.
//
// Devices which can't report the link status are treated as always up.
func (b *Bond) readLink(s *Slave) bool {
	if !s.dev.AdminUp() {
		return false
	}

	if s.linkQueryFailed.Load() {
		return true
	}

	if b.cfg.UseCarrier {
		if carrier, err := s.dev.Carrier(); err == nil {
			return carrier
		}
	}

	up, err := s.dev.QueryLinkStatus()

	switch {
	case err == nil:
		return up
	case errors.Is(err, ErrNotSupported):
		if s.linkQueryFailed.CompareAndSwap(false, true) {
			s.logger.Warn("device doesn't report link status, assuming the link is always up")
		}

		return true
	default:
		b.repeated(s, "link").Warn("failed to query link status", zap.Error(err))

		return false
	}
}
