// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bonding

import (
	"bytes"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/siderolabs/bondd/pkg/machinery/nethelpers"
)

// fakeDevice is an in-memory Device.
type fakeDevice struct {
	mu sync.Mutex

	name  string
	index int
	addr  net.HardwareAddr

	carrier    bool
	adminUp    bool
	carrierErr error
	linkErr    error
	openErr    error
	macErr     error
	sendErr    error

	linkType  nethelpers.LinkType
	features  Features
	speed     SpeedDuplex
	haveSpeed bool

	opened   bool
	promisc  int
	allmulti int
	mc       []net.HardwareAddr
	vlans    []uint16
	sent     []ARPProbe
}

func newFakeDevice(index int) *fakeDevice {
	return &fakeDevice{
		name:      "eth" + string(rune('0'+index-1)),
		index:     index,
		addr:      net.HardwareAddr{0x02, 0, 0, 0, 0, byte(index)},
		carrier:   true,
		adminUp:   true,
		linkType:  nethelpers.LinkEther,
		features:  bondFeatureMask,
		speed:     SpeedDuplex{SpeedMegabits: 1000, Duplex: nethelpers.Full},
		haveSpeed: true,
	}
}

func (d *fakeDevice) Name() string { return d.name }
func (d *fakeDevice) Index() int { return d.index }

func (d *fakeDevice) HardwareAddr() net.HardwareAddr {
	d.mu.Lock()
	defer d.mu.Unlock()

	return slices.Clone(d.addr)
}

func (d *fakeDevice) SetHardwareAddr(addr net.HardwareAddr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.macErr != nil {
		return d.macErr
	}

	d.addr = slices.Clone(addr)

	return nil
}

func (d *fakeDevice) SetPromiscuous(delta int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.promisc += delta

	return nil
}

func (d *fakeDevice) SetAllMulti(delta int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.allmulti += delta

	return nil
}

func (d *fakeDevice) AddMulticast(addr net.HardwareAddr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.mc = append(d.mc, slices.Clone(addr))

	return nil
}

func (d *fakeDevice) RemoveMulticast(addr net.HardwareAddr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.mc = slices.DeleteFunc(d.mc, func(a net.HardwareAddr) bool { return bytes.Equal(a, addr) })

	return nil
}

func (d *fakeDevice) AddVLAN(id uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.vlans = append(d.vlans, id)

	return nil
}

func (d *fakeDevice) RemoveVLAN(id uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.vlans = slices.DeleteFunc(d.vlans, func(v uint16) bool { return v == id })

	return nil
}

func (d *fakeDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.openErr != nil {
		return d.openErr
	}

	d.opened = true

	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.opened = false

	return nil
}

func (d *fakeDevice) AdminUp() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.adminUp
}

func (d *fakeDevice) Carrier() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.carrierErr != nil {
		return false, d.carrierErr
	}

	return d.carrier, nil
}

func (d *fakeDevice) QueryLinkStatus() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.linkErr != nil {
		return false, d.linkErr
	}

	return d.carrier, nil
}

func (d *fakeDevice) QuerySpeedDuplex() (SpeedDuplex, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.speed, d.haveSpeed
}

func (d *fakeDevice) SendARP(probe ARPProbe) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sendErr != nil {
		return d.sendErr
	}

	d.sent = append(d.sent, probe)

	return nil
}

func (d *fakeDevice) LinkType() nethelpers.LinkType { return d.linkType }
func (d *fakeDevice) Features() Features { return d.features }

func (d *fakeDevice) setCarrier(up bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.carrier = up
}

func (d *fakeDevice) takeSent() []ARPProbe {
	d.mu.Lock()
	defer d.mu.Unlock()

	sent := d.sent
	d.sent = nil

	return sent
}

func (d *fakeDevice) state() (opened bool, promisc, allmulti int, vlans []uint16, addr net.HardwareAddr) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.opened, d.promisc, d.allmulti, slices.Clone(d.vlans), slices.Clone(d.addr)
}

// fakeMaster is an in-memory Master.
type fakeMaster struct {
	mu sync.Mutex

	name    string
	addr    net.HardwareAddr
	carrier bool
}

func newFakeMaster(name string) *fakeMaster {
	return &fakeMaster{
		name: name,
		addr: make(net.HardwareAddr, 6),
	}
}

func (m *fakeMaster) Name() string { return m.name }

func (m *fakeMaster) HardwareAddr() net.HardwareAddr {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.addr)
}

func (m *fakeMaster) SetHardwareAddr(addr net.HardwareAddr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.addr = slices.Clone(addr)

	return nil
}

func (m *fakeMaster) SetCarrier(up bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.carrier = up

	return nil
}

func (m *fakeMaster) Carrier() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.carrier
}

// recordingPolicy records hook calls and can reject slaves.
type recordingPolicy struct {
	NopPolicy

	rejectErr error
	bound     []SlaveHandle
	unbound   []SlaveHandle
	changes   [][2]SlaveHandle
}

func (p *recordingPolicy) SlaveBound(h SlaveHandle) error {
	if p.rejectErr != nil {
		return p.rejectErr
	}

	p.bound = append(p.bound, h)

	return nil
}

func (p *recordingPolicy) SlaveUnbound(h SlaveHandle) {
	p.unbound = append(p.unbound, h)
}

func (p *recordingPolicy) ActiveChanged(old, next SlaveHandle) {
	p.changes = append(p.changes, [2]SlaveHandle{old, next})
}

func newTestBond(t *testing.T, cfg Config, opts ...Option) (*Bond, *fakeMaster, *clock.Mock) {
	t.Helper()

	clk := clock.NewMock()
	master := newFakeMaster(cfg.Name)

	b, err := New(cfg, master, append([]Option{WithLogger(zaptest.NewLogger(t)), WithClock(clk)}, opts...)...)
	require.NoError(t, err)

	return b, master, clk
}

func attachAll(t *testing.T, b *Bond, devs ...*fakeDevice) []SlaveHandle {
	t.Helper()

	handles := make([]SlaveHandle, 0, len(devs))

	for _, dev := range devs {
		h, err := b.Attach(dev)
		require.NoError(t, err)

		handles = append(handles, h)
	}

	return handles
}

// slaveStatus returns the snapshot of the slave with the given name.
func slaveStatus(t *testing.T, b *Bond, name string) SlaveSnapshot {
	t.Helper()

	for _, s := range b.QueryStatus().Slaves {
		if s.Name == name {
			return s
		}
	}

	require.Failf(t, "slave not found", "slave %s", name)

	return SlaveSnapshot{}
}

func activeRoles(b *Bond) int {
	n := 0

	for _, s := range b.QueryStatus().Slaves {
		if s.Role == RoleActive {
			n++
		}
	}

	return n
}

func activeBackupConfig() Config {
	return Config{
		Name:       "bond0",
		Mode:       nethelpers.BondModeActiveBackup,
		MIIMon:     100 * time.Millisecond,
		UseCarrier: true,
	}
}
