// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bonding

import (
	"context"
	"net/netip"

	"github.com/mdlayher/arp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Peer notification rate limits: bursts of failovers are coalesced.
const (
	peerNotifyRate  = 10
	peerNotifyBurst = 5
)

// peerNotifier announces the addresses of the bond through the new active slave after a failover.
type peerNotifier struct {
	bond    *Bond
	limiter *rate.Limiter
	ch      chan struct{}
}

func newPeerNotifier(b *Bond) *peerNotifier {
	return &peerNotifier{
		bond:    b,
		limiter: rate.NewLimiter(peerNotifyRate, peerNotifyBurst),
		ch:      make(chan struct{}, 1),
	}
}

// Schedule queues a notification.
//
// The notification is dropped if one is already queued. This function returns immediately.
func (n *peerNotifier) Schedule() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

func (n *peerNotifier) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.ch:
		}

		if !n.wait(ctx) {
			return
		}

		for round := range n.bond.cfg.NumPeerNotif {
			if round > 0 && n.bond.cfg.PeerNotifyDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-n.bond.clock.After(n.bond.cfg.PeerNotifyDelay):
				}
			}

			n.announce()
		}
	}
}

// wait blocks until the rate limiter admits a notification, the delay runs on the bond clock.
func (n *peerNotifier) wait(ctx context.Context) bool {
	now := n.bond.clock.Now()

	r := n.limiter.ReserveN(now, 1)

	delay := r.DelayFrom(now)
	if delay <= 0 {
		return true
	}

	timer := n.bond.clock.Timer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		r.CancelAt(n.bond.clock.Now())

		return false
	case <-timer.C:
		return true
	}
}

// announce sends gratuitous ARPs for every IPv4 address of the bond and its VLANs out of the active slave.
func (n *peerNotifier) announce() {
	b := n.bond

	var probes []queuedProbe

	b.mu.RLock()

	if active, ok := b.slaves.Get(b.active); ok {
		for _, prefix := range b.addresses {
			if prefix.Addr().Is4() {
				probes = append(probes, gratuitous(active, prefix.Addr().Unmap(), 0))
			}
		}

		for _, id := range b.vlanIDs() {
			for _, prefix := range b.vlans[id] {
				if prefix.Addr().Is4() {
					probes = append(probes, gratuitous(active, prefix.Addr().Unmap(), id))
				}
			}
		}
	}

	b.mu.RUnlock()

	if len(probes) == 0 {
		return
	}

	probes[0].slave.logger.Debug("sending gratuitous ARPs", zap.Int("count", len(probes)))

	b.sendProbes(probes)
}

func gratuitous(s *Slave, addr netip.Addr, vlan uint16) queuedProbe {
	return queuedProbe{
		slave: s,
		probe: ARPProbe{
			Operation: arp.OperationRequest,
			Source:    addr,
			Target:    addr,
			VLAN:      vlan,
		},
	}
}
