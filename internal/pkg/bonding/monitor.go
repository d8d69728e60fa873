// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bonding

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// runner runs a periodic monitor task.
type runner struct {
	name     string
	interval time.Duration
	clock    clock.Clock
	tick     func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start the runner with a given context.
func (r *runner) Start(ctx context.Context, logger *zap.Logger) {
	r.wg.Add(1)

	ctx, r.cancel = context.WithCancel(ctx)

	go func() {
		defer r.wg.Done()

		r.run(ctx, logger)
	}()
}

// Stop the runner, an in-flight tick always completes.
func (r *runner) Stop() {
	r.cancel()

	r.wg.Wait()
}

func (r *runner) run(ctx context.Context, logger *zap.Logger) {
	logger = logger.With(zap.String("monitor", r.name))

	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	logger.Debug("monitor started", zap.Duration("interval", r.interval))

	for {
		select {
		case <-ctx.Done():
			logger.Debug("monitor stopped")

			return
		case <-ticker.C:
		}

		r.tick()
	}
}

// Start the link monitors of the bond.
func (b *Bond) Start(ctx context.Context) {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	if len(b.runners) > 0 {
		return
	}

	switch {
	case b.cfg.MIIMon > 0:
		b.runners = append(b.runners, &runner{name: "mii", interval: b.cfg.MIIMon, clock: b.clock, tick: b.miiTick})
	case b.cfg.ARPInterval > 0:
		switch b.mode.ARPMonitor() {
		case arpLoadBalance:
			b.runners = append(b.runners, &runner{name: "arp", interval: b.cfg.ARPInterval, clock: b.clock, tick: b.arpLoadBalanceTick})
		case arpActiveBackup:
			b.runners = append(b.runners, &runner{name: "arp", interval: b.cfg.ARPInterval, clock: b.clock, tick: b.arpActiveBackupTick})
		case arpUnsupported:
			b.logger.Warn("ARP monitoring is not supported in this mode, link monitoring is disabled", zap.Stringer("mode", b.cfg.Mode))
		}
	default:
		b.logger.Warn("no link monitoring configured, slaves are assumed to be always up")
	}

	ctx, cancel := context.WithCancel(ctx)

	// the notifier is stopped along with the monitors
	notifier := &runner{name: "peer-notify", cancel: cancel}

	if b.mode.NotifiesPeers() && b.cfg.NumPeerNotif > 0 {
		notifier.wg.Add(1)

		go func() {
			defer notifier.wg.Done()

			b.notifier.run(ctx)
		}()
	}

	for _, r := range b.runners {
		r.Start(ctx, b.logger)
	}

	b.runners = append(b.runners, notifier)
}

// Stop the link monitors and wait for them to finish.
func (b *Bond) Stop() {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	for _, r := range b.runners {
		r.Stop()
	}

	b.runners = nil
}

// Close stops the monitors and detaches every slave.
func (b *Bond) Close() error {
	b.Stop()

	b.admin.Lock()
	defer b.admin.Unlock()

	b.mu.RLock()
	handles := make([]SlaveHandle, 0, b.slaves.Len())

	for s := range b.slaves.All() {
		handles = append(handles, s.handle)
	}

	b.mu.RUnlock()

	for _, h := range handles {
		if err := b.detach(h); err != nil {
			b.logger.Warn("failed to detach slave", zap.Stringer("handle", h), zap.Error(err))
		}
	}

	b.cancel()

	return nil
}
