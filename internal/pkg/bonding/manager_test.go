// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bonding

import (
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"

	"github.com/siderolabs/bondd/pkg/machinery/nethelpers"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()

	m := NewManager(append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithClock(clock.NewMock()),
	}, opts...)...)

	t.Cleanup(func() { assert.NoError(t, m.Close()) })

	return m
}

func TestManagerCreate(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)

	for _, name := range []string{"bond1", "bond0"} {
		_, err := m.Create(Config{Name: name, Mode: nethelpers.BondModeActiveBackup}, newFakeMaster(name), nil)
		require.NoError(t, err)
	}

	_, err := m.Create(Config{Name: "bond0"}, newFakeMaster("bond0"), nil)
	assert.ErrorIs(t, err, ErrBondExists)

	_, err = m.Get("bond2")
	assert.ErrorIs(t, err, ErrBondNotFound)

	b, err := m.Get("bond1")
	require.NoError(t, err)
	assert.Equal(t, "bond1", b.Name())

	bonds := m.Bonds()
	require.Len(t, bonds, 2)
	assert.Equal(t, "bond0", bonds[0].Name())
	assert.Equal(t, "bond1", bonds[1].Name())

	require.NoError(t, m.Delete("bond1"))
	assert.ErrorIs(t, m.Delete("bond1"), ErrBondNotFound)

	assert.Len(t, m.Bonds(), 1)
}

func TestManagerSharedClaims(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)

	bond0, err := m.Create(Config{Name: "bond0", Mode: nethelpers.BondModeActiveBackup}, newFakeMaster("bond0"), nil)
	require.NoError(t, err)

	bond1, err := m.Create(Config{Name: "bond1", Mode: nethelpers.BondModeXOR}, newFakeMaster("bond1"), nil)
	require.NoError(t, err)

	dev := newFakeDevice(7)

	h, err := bond0.Attach(dev)
	require.NoError(t, err)

	_, err = bond1.Attach(dev)
	require.ErrorIs(t, err, ErrAlreadyAttached)
	assert.ErrorContains(t, err, "bond0")

	owner, ok := m.FindBySlave(7)
	require.True(t, ok)
	assert.Equal(t, "bond0", owner.Name())

	_, ok = m.FindBySlave(8)
	assert.False(t, ok)

	require.NoError(t, bond0.Detach(h))

	_, ok = m.FindBySlave(7)
	assert.False(t, ok)

	_, err = bond1.Attach(dev)
	require.NoError(t, err)

	// deleting the bond releases the device
	require.NoError(t, m.Delete("bond1"))

	_, err = bond0.Attach(dev)
	require.NoError(t, err)
}

func TestManagerHandleAddressChange(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)

	cfg := Config{
		Name:        "bond0",
		Mode:        nethelpers.BondModeXOR,
		ARPInterval: 100 * time.Millisecond,
		ARPTargets:  []netip.Addr{netip.MustParseAddr("10.0.100.1")},
		VLANs:       []VLAN{{ID: 100}},
	}

	b, err := m.Create(cfg, newFakeMaster("bond0"), nil)
	require.NoError(t, err)

	dev := newFakeDevice(3)

	_, err = b.Attach(dev)
	require.NoError(t, err)

	require.NoError(t, m.HandleAddressChange("bond0", []netip.Prefix{netip.MustParsePrefix("192.168.0.10/24")}))
	require.NoError(t, m.HandleAddressChange("bond0.100", []netip.Prefix{netip.MustParsePrefix("10.0.100.10/24")}))

	// unrelated interfaces are ignored
	require.NoError(t, m.HandleAddressChange("bond0.200", []netip.Prefix{netip.MustParsePrefix("10.0.200.10/24")}))
	require.NoError(t, m.HandleAddressChange("eth1", []netip.Prefix{netip.MustParsePrefix("10.0.1.10/24")}))

	b.mu.RLock()
	localIPs := b.localIPs
	b.mu.RUnlock()

	assert.True(t, localIPs.Contains(netip.MustParseAddr("192.168.0.10")))
	assert.True(t, localIPs.Contains(netip.MustParseAddr("10.0.100.10")))
	assert.False(t, localIPs.Contains(netip.MustParseAddr("10.0.200.10")))
	assert.False(t, localIPs.Contains(netip.MustParseAddr("10.0.1.10")))

	// probes to the target go out tagged, from the VLAN address
	b.mu.RLock()
	source, vlan, ok := b.probeRoute(netip.MustParseAddr("10.0.100.1"))
	b.mu.RUnlock()

	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("10.0.100.10"), source)
	assert.EqualValues(t, 100, vlan)
}

func TestManagerSnapshot(t *testing.T) {
	t.Parallel()

	events := make(chan Event, 64)

	m := newTestManager(t, WithEvents(events))

	b, err := m.Create(Config{
		Name:       "bond0",
		Mode:       nethelpers.BondModeActiveBackup,
		MIIMon:     100 * time.Millisecond,
		UseCarrier: true,
		Primary:    "eth1",
	}, newFakeMaster("bond0"), nil)
	require.NoError(t, err)

	for i := range 2 {
		_, err = b.Attach(newFakeDevice(i + 1))
		require.NoError(t, err)
	}

	snapshots := m.Snapshot()
	require.Len(t, snapshots, 1)

	snapshot := snapshots[0]

	assert.Equal(t, "bond0", snapshot.Name)
	assert.Equal(t, "eth1", snapshot.Active)
	assert.Equal(t, "eth1", snapshot.Primary)
	assert.True(t, snapshot.Carrier)
	assert.Equal(t, "02:00:00:00:00:01", snapshot.MAC)
	assert.Equal(t, nethelpers.LinkEther, snapshot.LinkType)
	require.Len(t, snapshot.Slaves, 2)

	out, err := yaml.Marshal(snapshots)
	require.NoError(t, err)

	var decoded []map[string]any

	require.NoError(t, yaml.Unmarshal(out, &decoded))
	require.Len(t, decoded, 1)

	assert.Equal(t, "active-backup", decoded[0]["mode"])
	assert.Equal(t, "eth1", decoded[0]["active"])

	slaves, ok := decoded[0]["slaves"].([]any)
	require.True(t, ok)
	require.Len(t, slaves, 2)

	eth1, ok := slaves[1].(map[string]any)
	require.True(t, ok)

	assert.Equal(t, "eth1", eth1["name"])
	assert.Equal(t, "up", eth1["link"])
	assert.Equal(t, "active", eth1["role"])

	// failover events carry the bond name
	var failovers []Event

	for len(events) > 0 {
		if ev := <-events; ev.Type == EventFailover {
			failovers = append(failovers, ev)
		}
	}

	require.Len(t, failovers, 2)
	assert.Equal(t, Event{Type: EventFailover, Bond: "bond0", Slave: "eth1"}, failovers[1])
}
