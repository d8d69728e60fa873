// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bondd

import (
	"context"
	"fmt"
	"sync"

	"github.com/jsimonetti/rtnetlink/v2"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// Trigger is notified when the watched state changes.
type Trigger interface {
	QueueReconcile()
}

// TriggerFunc adapts a function to the Trigger interface.
type TriggerFunc func()

// QueueReconcile implements Trigger.
func (f TriggerFunc) QueueReconcile() {
	f()
}

// RateLimitedTrigger wraps a Trigger with rate limiting.
type RateLimitedTrigger struct {
	trigger Trigger
	limiter *rate.Limiter
	ch      chan struct{}
	done    chan struct{}
}

var _ Trigger = &RateLimitedTrigger{}

// NewRateLimitedTrigger creates a new RateLimitedTrigger with specified params.
//
// Trigger's goroutine exits when the context is canceled.
func NewRateLimitedTrigger(ctx context.Context, trigger Trigger, rateLimit rate.Limit, burst int) *RateLimitedTrigger {
	t := &RateLimitedTrigger{
		trigger: trigger,
		limiter: rate.NewLimiter(rateLimit, burst),
		ch:      make(chan struct{}),
		done:    make(chan struct{}),
	}

	go t.run(ctx)

	return t
}

// QueueReconcile implements Trigger interface.
//
// The event is dropped if the goroutine is busy processing a previous one.
func (t *RateLimitedTrigger) QueueReconcile() {
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// Done is closed when the trigger goroutine exits.
func (t *RateLimitedTrigger) Done() <-chan struct{} {
	return t.done
}

func (t *RateLimitedTrigger) run(ctx context.Context) {
	defer close(t.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.ch:
		}

		if err := t.limiter.Wait(ctx); err != nil {
			return
		}

		t.trigger.QueueReconcile()
	}
}

// addressWatcher fires the trigger on every address change notification.
type addressWatcher struct {
	wg     sync.WaitGroup
	cancel context.CancelFunc
	conn   *rtnetlink.Conn
}

func newAddressWatcher(ctx context.Context, trigger Trigger) (*addressWatcher, error) {
	watcher := &addressWatcher{}

	ctx, watcher.cancel = context.WithCancel(ctx)

	var err error

	watcher.conn, err = rtnetlink.Dial(&netlink.Config{
		Groups: unix.RTMGRP_IPV4_IFADDR | unix.RTMGRP_IPV6_IFADDR,
	})
	if err != nil {
		watcher.cancel()

		return nil, fmt.Errorf("error dialing watch socket: %w", err)
	}

	watcher.wg.Add(1)

	go func() {
		defer watcher.wg.Done()

		for {
			if _, _, err := watcher.conn.Receive(); err != nil {
				return
			}

			select {
			case <-ctx.Done():
				return
			default:
			}

			trigger.QueueReconcile()
		}
	}()

	return watcher, nil
}

func (watcher *addressWatcher) Done() {
	watcher.cancel()
	watcher.conn.Close() //nolint:errcheck

	watcher.wg.Wait()
}
