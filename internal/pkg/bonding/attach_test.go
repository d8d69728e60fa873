// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bonding

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/bondd/pkg/machinery/nethelpers"
)

func TestAttachRollbackOnOpenFailure(t *testing.T) {
	t.Parallel()

	b, master, _ := newTestBond(t, activeBackupConfig())

	bondAddr := net.HardwareAddr{0x02, 0xaa, 0, 0, 0, 1}
	require.NoError(t, master.SetHardwareAddr(bondAddr))

	dev := newFakeDevice(1)
	dev.openErr = assert.AnError

	perm := dev.HardwareAddr()

	_, err := b.Attach(dev)
	require.ErrorIs(t, err, ErrDeviceOpenFailed)
	require.ErrorIs(t, err, assert.AnError)

	assert.Empty(t, b.Slaves())

	opened, promisc, allmulti, vlans, addr := dev.state()
	assert.False(t, opened)
	assert.Zero(t, promisc)
	assert.Zero(t, allmulti)
	assert.Empty(t, vlans)
	assert.Equal(t, perm, addr)
	assert.Equal(t, bondAddr, master.HardwareAddr())

	// the device is released, attaching it again works
	dev.openErr = nil

	h, err := b.Attach(dev)
	require.NoError(t, err)
	assert.Equal(t, h, b.Active())
	assert.Equal(t, bondAddr, dev.HardwareAddr())
}

func TestAttachRollbackRestoresBondMAC(t *testing.T) {
	t.Parallel()

	b, master, _ := newTestBond(t, activeBackupConfig())

	dev := newFakeDevice(1)
	dev.openErr = assert.AnError

	_, err := b.Attach(dev)
	require.ErrorIs(t, err, ErrDeviceOpenFailed)

	assert.Equal(t, make(net.HardwareAddr, 6), master.HardwareAddr())

	next := newFakeDevice(2)

	_, err = b.Attach(next)
	require.NoError(t, err)

	assert.Equal(t, next.HardwareAddr(), master.HardwareAddr())
	assert.Equal(t, net.HardwareAddr{0x02, 0, 0, 0, 0, 2}, next.HardwareAddr())
}

func TestAttachRollbackOnPolicyReject(t *testing.T) {
	t.Parallel()

	policy := &recordingPolicy{rejectErr: assert.AnError}

	cfg := Config{
		Name:       "bond0",
		Mode:       nethelpers.BondModeXOR,
		MIIMon:     100 * time.Millisecond,
		UseCarrier: true,
		VLANs:      []VLAN{{ID: 100}},
	}

	b, _, _ := newTestBond(t, cfg, WithPolicy(policy))

	require.NoError(t, b.SetPromiscuous(1))
	require.NoError(t, b.SetAllMulti(2))
	require.NoError(t, b.AddMulticast(net.HardwareAddr{0x01, 0, 0x5e, 0, 0, 1}))

	dev := newFakeDevice(1)

	_, err := b.Attach(dev)
	require.ErrorIs(t, err, ErrPolicyRejected)

	assert.Empty(t, b.Slaves())

	opened, promisc, allmulti, vlans, _ := dev.state()
	assert.False(t, opened)
	assert.Zero(t, promisc)
	assert.Zero(t, allmulti)
	assert.Empty(t, vlans)
	assert.Empty(t, dev.mc)

	policy.rejectErr = nil

	_, err = b.Attach(dev)
	require.NoError(t, err)

	opened, promisc, allmulti, vlans, _ = dev.state()
	assert.True(t, opened)
	assert.Equal(t, 1, promisc)
	assert.Equal(t, 2, allmulti)
	assert.Equal(t, []uint16{100}, vlans)
	assert.Len(t, dev.mc, 1)
}

func TestAttachValidation(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBond(t, activeBackupConfig())

	eth := newFakeDevice(1)
	attachAll(t, b, eth)

	_, err := b.Attach(eth)
	assert.ErrorIs(t, err, ErrAlreadyAttached)

	ib := newFakeDevice(2)
	ib.linkType = nethelpers.LinkInfiniband

	_, err = b.Attach(ib)
	assert.ErrorIs(t, err, ErrIncompatibleType)

	stubborn := newFakeDevice(3)
	stubborn.macErr = assert.AnError

	_, err = b.Attach(stubborn)
	assert.ErrorIs(t, err, ErrMACSetFailed)

	assert.Len(t, b.Slaves(), 1)

	// the failed devices are released
	ib.linkType = nethelpers.LinkEther
	stubborn.macErr = nil

	attachAll(t, b, ib, stubborn)
}

func TestAttachVLANConflict(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBond(t, activeBackupConfig())

	challenged := newFakeDevice(1)
	challenged.features |= FeatureVLANChallenged

	attachAll(t, b, challenged)

	assert.NotZero(t, b.Features()&FeatureVLANChallenged)
	assert.ErrorIs(t, b.AddVLAN(100, nil), ErrVLANConflict)

	require.NoError(t, b.Detach(b.Active()))
	require.NoError(t, b.AddVLAN(100, nil))

	_, err := b.Attach(challenged)
	assert.ErrorIs(t, err, ErrVLANConflict)
}

func TestAttachFeatures(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBond(t, activeBackupConfig())

	full := newFakeDevice(1)
	noTSO := newFakeDevice(2)
	noTSO.features &^= FeatureTSO

	handles := attachAll(t, b, full, noTSO)

	assert.Equal(t, bondFeatureMask&^FeatureTSO, b.Features())
	assert.Equal(t, []string{"sg", "hw-csum", "highdma"}, b.QueryStatus().Features)

	require.NoError(t, b.Detach(handles[1]))

	assert.Equal(t, bondFeatureMask, b.Features())
}

func TestDetachRestoresDevice(t *testing.T) {
	t.Parallel()

	policy := &recordingPolicy{}

	b, master, _ := newTestBond(t, activeBackupConfig(), WithPolicy(policy))

	a, bb := newFakeDevice(1), newFakeDevice(2)
	handles := attachAll(t, b, a, bb)

	require.NoError(t, b.AddVLAN(10, []netip.Prefix{netip.MustParsePrefix("10.0.10.1/24")}))
	require.NoError(t, b.SetPromiscuous(1))

	// the bond address came from the first slave, the second one got it
	assert.Equal(t, a.HardwareAddr(), master.HardwareAddr())
	assert.Equal(t, a.HardwareAddr(), bb.HardwareAddr())

	opened, promisc, _, vlans, _ := a.state()
	assert.True(t, opened)
	assert.Equal(t, 1, promisc)
	assert.Equal(t, []uint16{10}, vlans)

	// membership is carried by the active slave only
	_, promisc, _, _, _ = bb.state()
	assert.Zero(t, promisc)

	require.NoError(t, b.Detach(handles[1]))

	opened, _, _, vlans, addr := bb.state()
	assert.False(t, opened)
	assert.Empty(t, vlans)
	assert.Equal(t, net.HardwareAddr{0x02, 0, 0, 0, 0, 2}, addr)

	require.NoError(t, b.Detach(handles[0]))

	opened, promisc, _, vlans, _ = a.state()
	assert.False(t, opened)
	assert.Zero(t, promisc)
	assert.Empty(t, vlans)

	// the last slave is gone, the bond address is cleared
	assert.Equal(t, make(net.HardwareAddr, 6), master.HardwareAddr())

	assert.Equal(t, handles, policy.bound)
	assert.Equal(t, []SlaveHandle{handles[1], handles[0]}, policy.unbound)
}

func TestMembershipFollowsActive(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBond(t, activeBackupConfig())

	a, bb := newFakeDevice(1), newFakeDevice(2)
	attachAll(t, b, a, bb)

	group := net.HardwareAddr{0x01, 0, 0x5e, 0, 0, 0xfb}

	require.NoError(t, b.SetAllMulti(1))
	require.NoError(t, b.AddMulticast(group))
	require.NoError(t, b.AddMulticast(group))

	assert.Len(t, a.mc, 1)
	assert.Empty(t, bb.mc)

	a.setCarrier(false)
	b.miiTick()

	_, _, allmultiA, _, _ := a.state()
	_, _, allmultiB, _, _ := bb.state()

	assert.Zero(t, allmultiA)
	assert.Equal(t, 1, allmultiB)
	assert.Empty(t, a.mc)
	assert.Len(t, bb.mc, 1)

	require.NoError(t, b.RemoveMulticast(group))
	assert.Empty(t, bb.mc)
}

func TestMembershipAllSlaves(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBond(t, Config{Name: "bond0", Mode: nethelpers.BondModeRoundrobin})

	a, bb := newFakeDevice(1), newFakeDevice(2)
	attachAll(t, b, a, bb)

	require.NoError(t, b.SetPromiscuous(1))
	require.NoError(t, b.AddVLAN(5, nil))

	for _, dev := range []*fakeDevice{a, bb} {
		_, promisc, _, vlans, _ := dev.state()

		assert.Equal(t, 1, promisc)
		assert.Equal(t, []uint16{5}, vlans)
	}

	require.NoError(t, b.SetPromiscuous(-1))
	require.NoError(t, b.RemoveVLAN(5))

	for _, dev := range []*fakeDevice{a, bb} {
		_, promisc, _, vlans, _ := dev.state()

		assert.Zero(t, promisc)
		assert.Empty(t, vlans)
	}

	// every up slave is active in load balancing modes
	assert.Equal(t, 2, activeRoles(b))
}

func TestInitialLinkState(t *testing.T) {
	t.Parallel()

	cfg := activeBackupConfig()
	cfg.UpDelay = 2 * cfg.MIIMon

	b, _, _ := newTestBond(t, cfg)

	up, down := newFakeDevice(1), newFakeDevice(2)
	down.carrier = false

	attachAll(t, b, up, down)

	assert.Equal(t, LinkUp, slaveStatus(t, b, "eth0").Link)
	assert.Equal(t, LinkDown, slaveStatus(t, b, "eth1").Link)

	snapshot := b.QueryStatus()
	assert.EqualValues(t, 1000, snapshot.Slaves[0].Speed)
	assert.Equal(t, nethelpers.Full, snapshot.Slaves[0].Duplex)
	assert.Equal(t, "02:00:00:00:00:02", snapshot.Slaves[1].PermanentAddr)

	noMonitor, _, _ := newTestBond(t, Config{Name: "bond1", Mode: nethelpers.BondModeActiveBackup})

	dev := newFakeDevice(3)
	dev.carrier = false

	attachAll(t, noMonitor, dev)

	// without any monitor the link is assumed up
	assert.Equal(t, LinkUp, slaveStatus(t, noMonitor, "eth2").Link)
}
