// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bonding

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/siderolabs/gen/maps"
	"go.uber.org/zap"
)

// claimSet tracks which devices are enslaved, across all bonds.
type claimSet struct {
	mu     sync.Mutex
	owners map[int]string
}

func newClaimSet() *claimSet {
	return &claimSet{owners: map[int]string{}}
}

func (c *claimSet) claim(ifindex int, bond string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if owner, ok := c.owners[ifindex]; ok {
		return fmt.Errorf("%w of %s", ErrAlreadyAttached, owner)
	}

	c.owners[ifindex] = bond

	return nil
}

func (c *claimSet) release(ifindex int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.owners, ifindex)
}

func (c *claimSet) owner(ifindex int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	owner, ok := c.owners[ifindex]

	return owner, ok
}

// Manager owns all bonds of the system.
//
// Bonds created by the manager share the administrative lock and the set of enslaved devices.
type Manager struct {
	logger *zap.Logger
	clock  clock.Clock
	events chan<- Event

	admin  sync.Mutex
	claims *claimSet

	mu    sync.Mutex
	bonds map[string]*Bond
}

// NewManager creates a new Manager.
//
// Only WithLogger, WithClock and WithEvents options are used.
func NewManager(opts ...Option) *Manager {
	var options Options

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}

	if options.Clock == nil {
		options.Clock = clock.New()
	}

	return &Manager{
		logger: options.Logger,
		clock:  options.Clock,
		events: options.Events,
		claims: newClaimSet(),
		bonds:  map[string]*Bond{},
	}
}

// Create a bond on top of the master device.
func (m *Manager) Create(cfg Config, master Master, policy Policy) (*Bond, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bonds[cfg.Name]; exists {
		return nil, fmt.Errorf("%s: %w", cfg.Name, ErrBondExists)
	}

	if policy == nil {
		policy = NopPolicy{}
	}

	b, err := New(cfg, master,
		WithLogger(m.logger),
		WithClock(m.clock),
		WithEvents(m.events),
		WithPolicy(policy),
		withShared(&m.admin, m.claims),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating bond %s: %w", cfg.Name, err)
	}

	m.bonds[cfg.Name] = b

	m.logger.Info("bond created", zap.String("bond", cfg.Name), zap.Stringer("mode", cfg.Mode))

	return b, nil
}

// Get a bond by name.
func (m *Manager) Get(name string) (*Bond, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bonds[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrBondNotFound)
	}

	return b, nil
}

// Delete stops the bond and releases all of its slaves.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()

	b, ok := m.bonds[name]
	if ok {
		delete(m.bonds, name)
	}

	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: %w", name, ErrBondNotFound)
	}

	if err := b.Close(); err != nil {
		return fmt.Errorf("error closing bond %s: %w", name, err)
	}

	m.logger.Info("bond deleted", zap.String("bond", name))

	return nil
}

// Bonds returns all bonds sorted by name.
func (m *Manager) Bonds() []*Bond {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := maps.Keys(m.bonds)
	slices.Sort(names)

	bonds := make([]*Bond, 0, len(names))

	for _, name := range names {
		bonds = append(bonds, m.bonds[name])
	}

	return bonds
}

// FindBySlave returns the bond which enslaved the device.
func (m *Manager) FindBySlave(ifindex int) (*Bond, bool) {
	owner, ok := m.claims.owner(ifindex)
	if !ok {
		return nil, false
	}

	b, err := m.Get(owner)

	return b, err == nil
}

// HandleAddressChange refreshes the local addresses of the bond owning the interface.
//
// The interface is either the bond itself or one of the VLANs on top of it,
// addresses of unrelated interfaces are ignored.
func (m *Manager) HandleAddressChange(ifname string, addresses []netip.Prefix) error {
	for _, b := range m.Bonds() {
		if ifname == b.Name() {
			return b.SetAddresses(addresses)
		}

		if id, ok := b.vlanOf(ifname); ok {
			return b.SetVLANAddresses(id, addresses)
		}
	}

	return nil
}

// Start the monitors of every bond.
func (m *Manager) Start(ctx context.Context) {
	for _, b := range m.Bonds() {
		b.Start(ctx)
	}
}

// Snapshot returns the status of every bond.
func (m *Manager) Snapshot() []Snapshot {
	bonds := m.Bonds()

	snapshots := make([]Snapshot, 0, len(bonds))

	for _, b := range bonds {
		snapshots = append(snapshots, b.QueryStatus())
	}

	return snapshots
}

// Close deletes every bond.
func (m *Manager) Close() error {
	var result *multierror.Error

	for _, b := range m.Bonds() {
		if err := m.Delete(b.Name()); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
