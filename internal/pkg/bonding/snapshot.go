// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bonding

import (
	"slices"

	"github.com/siderolabs/gen/xslices"

	"github.com/siderolabs/bondd/pkg/machinery/nethelpers"
)

// Snapshot is the point-in-time status of a bond.
type Snapshot struct {
	Name     string              `yaml:"name"`
	Mode     nethelpers.BondMode `yaml:"mode"`
	Carrier  bool                `yaml:"carrier"`
	Active   string              `yaml:"active,omitempty"`
	Primary  string              `yaml:"primary,omitempty"`
	ARPProbe string              `yaml:"arpProbe,omitempty"`
	MAC      string              `yaml:"mac"`
	LinkType nethelpers.LinkType `yaml:"linkType,omitempty"`
	Features []string            `yaml:"features,omitempty"`
	VLANs    []uint16            `yaml:"vlans,omitempty"`
	Slaves   []SlaveSnapshot     `yaml:"slaves"`
}

// SlaveSnapshot is the status of a single slave.
type SlaveSnapshot struct {
	Name          string            `yaml:"name"`
	Link          LinkState         `yaml:"link"`
	Role          Role              `yaml:"role"`
	FailureCount  uint32            `yaml:"failureCount"`
	Speed         uint32            `yaml:"speedMbps,omitempty"`
	Duplex        nethelpers.Duplex `yaml:"duplex"`
	PermanentAddr string            `yaml:"permanentAddr"`
}

var featureNames = []struct {
	feature Features
	name    string
}{
	{FeatureSG, "sg"},
	{FeatureHWChecksum, "hw-csum"},
	{FeatureTSO, "tso"},
	{FeatureHighDMA, "highdma"},
	{FeatureVLANChallenged, "vlan-challenged"},
}

// Strings returns the names of the features in the set.
func (f Features) Strings() []string {
	var names []string

	for _, fn := range featureNames {
		if f&fn.feature != 0 {
			names = append(names, fn.name)
		}
	}

	return names
}

// QueryStatus returns the current status of the bond.
func (b *Bond) QueryStatus() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	name := func(h SlaveHandle) string {
		if s, ok := b.slaves.Get(h); ok {
			return s.Name()
		}

		return ""
	}

	snapshot := Snapshot{
		Name:     b.cfg.Name,
		Mode:     b.cfg.Mode,
		Carrier:  b.carrier,
		Active:   name(b.active),
		Primary:  name(b.primary),
		ARPProbe: name(b.arpProbe),
		MAC:      b.master.HardwareAddr().String(),
		Features: b.features.Strings(),
		LinkType: b.linkType,
		VLANs:    b.vlanIDs(),
	}

	snapshot.Slaves = xslices.Map(slices.Collect(b.slaves.All()), func(s *Slave) SlaveSnapshot {
		snap := SlaveSnapshot{
			Name:          s.Name(),
			Link:          s.link,
			Role:          s.role,
			FailureCount:  s.failures,
			PermanentAddr: s.permAddr.String(),
		}

		if s.haveSpeed {
			snap.Speed = s.speedDuplex.SpeedMegabits
			snap.Duplex = s.speedDuplex.Duplex
		}

		return snap
	})

	return snapshot
}
