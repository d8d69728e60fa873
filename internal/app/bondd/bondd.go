// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package bondd implements the bonding daemon.
package bondd

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/jsimonetti/rtnetlink/v2"
	"github.com/mdlayher/ethtool"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/siderolabs/bondd/internal/pkg/bonding"
	"github.com/siderolabs/bondd/internal/pkg/bonding/netdev"
	"github.com/siderolabs/bondd/pkg/logging"
	"github.com/siderolabs/bondd/pkg/machinery/config/types/bond"
)

const (
	eventBacklog = 64

	addressRefreshRate  = 10
	addressRefreshBurst = 5
)

// Daemon runs the configured bonds on top of the Linux links.
type Daemon struct {
	logger  *zap.Logger
	conn    *rtnetlink.Conn
	ethtool *ethtool.Client
	manager *bonding.Manager

	events chan bonding.Event
	stop   chan struct{}
	wg     sync.WaitGroup

	configured map[string][]netip.Prefix
}

// New validates the configuration, creates the bonds and attaches their links.
//
// The bond links themselves (usually dummy links) should exist already.
func New(logger *zap.Logger, docs []*bond.ConfigV1Alpha1) (*Daemon, error) {
	if err := Validate(logger, docs); err != nil {
		return nil, err
	}

	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("error dialing rtnetlink socket: %w", err)
	}

	eth, err := ethtool.New()
	if err != nil {
		logger.Warn("ethtool is not available, link status is taken from the carrier", zap.Error(err))

		eth = nil
	}

	d := &Daemon{
		logger:     logger,
		conn:       conn,
		ethtool:    eth,
		events:     make(chan bonding.Event, eventBacklog),
		stop:       make(chan struct{}),
		configured: map[string][]netip.Prefix{},
	}

	d.manager = bonding.NewManager(
		bonding.WithLogger(logger.With(logging.Component("bond"))),
		bonding.WithEvents(d.events),
	)

	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		d.logEvents()
	}()

	for _, doc := range docs {
		if err = d.create(doc); err != nil {
			d.Close() //nolint:errcheck

			return nil, err
		}
	}

	return d, nil
}

// Manager returns the bond manager.
func (d *Daemon) Manager() *bonding.Manager {
	return d.manager
}

func (d *Daemon) create(doc *bond.ConfigV1Alpha1) error {
	cfg := bondingConfig(doc)

	master, err := netdev.NewMaster(d.conn, cfg.Name)
	if err != nil {
		return err
	}

	b, err := d.manager.Create(cfg, master, nil)
	if err != nil {
		return err
	}

	maps.Copy(d.configured, configuredAddresses(cfg))

	var (
		result   *multierror.Error
		attached int
	)

	logger := d.logger.With(logging.Component("netdev"), zap.String("bond", cfg.Name))

	for _, name := range doc.Links() {
		link, err := netdev.NewLink(d.conn, d.ethtool, name, b, logger)
		if err != nil {
			result = multierror.Append(result, err)

			continue
		}

		if _, err = b.Attach(link); err != nil {
			result = multierror.Append(result, fmt.Errorf("error attaching %q: %w", name, err))

			continue
		}

		attached++
	}

	if err = result.ErrorOrNil(); err != nil {
		if attached == 0 {
			return fmt.Errorf("bond %q has no links: %w", cfg.Name, err)
		}

		d.logger.Warn("some links were not attached", zap.String("bond", cfg.Name), zap.Error(err))
	}

	return nil
}

// Run the monitors until the context is canceled.
//
// The status of every bond is written to the status writer on SIGUSR1.
func (d *Daemon) Run(ctx context.Context, status io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.refreshAddresses()

	trigger := NewRateLimitedTrigger(ctx, TriggerFunc(d.refreshAddresses), addressRefreshRate, addressRefreshBurst)

	defer func() {
		cancel()
		<-trigger.Done()
	}()

	watcher, err := newAddressWatcher(ctx, trigger)
	if err != nil {
		return err
	}

	defer watcher.Done()

	d.manager.Start(ctx)

	d.logger.Info("bonds started", zap.Int("count", len(d.manager.Bonds())))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGUSR1)

	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigCh:
			if err = d.DumpStatus(status); err != nil {
				d.logger.Warn("failed to dump status", zap.Error(err))
			}
		}
	}
}

// DumpStatus writes the status of every bond as YAML.
func (d *Daemon) DumpStatus(w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)

	if err := encoder.Encode(d.manager.Snapshot()); err != nil {
		return fmt.Errorf("error encoding status: %w", err)
	}

	return encoder.Close()
}

// refreshAddresses passes the addresses of the bonds and their VLANs to the manager.
func (d *Daemon) refreshAddresses() {
	kernel, err := kernelAddresses(d.conn)
	if err != nil {
		d.logger.Warn("failed to refresh addresses", zap.Error(err))

		return
	}

	for name, configured := range d.configured {
		var current []netip.Prefix

		if iface, err := net.InterfaceByName(name); err == nil {
			current = kernel[iface.Index]
		}

		if err = d.manager.HandleAddressChange(name, mergeAddresses(configured, current)); err != nil {
			d.logger.Warn("failed to update addresses", zap.String("link", name), zap.Error(err))
		}
	}
}

func (d *Daemon) logEvents() {
	for {
		select {
		case <-d.stop:
			return
		case ev := <-d.events:
			fields := []zap.Field{zap.String("bond", ev.Bond), zap.String("slave", ev.Slave)}

			switch ev.Type {
			case bonding.EventLinkChange:
				fields = append(fields, zap.Stringer("link", ev.Link))
			case bonding.EventCarrier:
				fields = append(fields, zap.Bool("carrier", ev.Carrier))
			case bonding.EventFailover:
			}

			d.logger.Info(ev.Type.String(), fields...)
		}
	}
}

// Close deletes the bonds, detaching all the links.
func (d *Daemon) Close() error {
	var result *multierror.Error

	if err := d.manager.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	close(d.stop)
	d.wg.Wait()

	if d.ethtool != nil {
		if err := d.ethtool.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := d.conn.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}
