// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bondd

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/siderolabs/bondd/internal/pkg/bonding"
	"github.com/siderolabs/bondd/pkg/machinery/config/types/bond"
	"github.com/siderolabs/bondd/pkg/machinery/nethelpers"
)

const testConfig = `apiVersion: v1alpha1
kind: BondConfig
name: bond0
links: [eth0, eth1]
mode: active-backup
miimon: 100
updelay: 250
downdelay: 200
useCarrier: false
primary: eth1
primaryReselect: failure
failOverMac: follow
numPeerNotif: 2
peerNotifyDelay: 50
addresses: [192.168.1.10/24]
vlans:
  - id: 100
    addresses: [10.0.100.10/24]
---
apiVersion: v1alpha1
kind: BondConfig
name: bond1
links: [eth2, eth3]
mode: 802.3ad
miimon: 100
minLinks: 2
`

func loadTestConfig(t *testing.T, config string) []*bond.ConfigV1Alpha1 {
	t.Helper()

	docs, err := bond.Load(strings.NewReader(config))
	require.NoError(t, err)

	return docs
}

func TestBondingConfig(t *testing.T) {
	t.Parallel()

	docs := loadTestConfig(t, testConfig)
	require.Len(t, docs, 2)

	assert.Equal(t, bonding.Config{
		Name:            "bond0",
		Mode:            nethelpers.BondModeActiveBackup,
		MIIMon:          100 * time.Millisecond,
		UpDelay:         250 * time.Millisecond,
		DownDelay:       200 * time.Millisecond,
		UseCarrier:      false,
		ARPValidate:     nethelpers.ARPValidateNone,
		Primary:         "eth1",
		PrimaryReselect: nethelpers.PrimaryReselectFailure,
		FailOverMAC:     nethelpers.FailOverMACFollow,
		NumPeerNotif:    2,
		PeerNotifyDelay: 50 * time.Millisecond,
		Addresses:       []netip.Prefix{netip.MustParsePrefix("192.168.1.10/24")},
		VLANs: []bonding.VLAN{
			{
				ID:        100,
				Addresses: []netip.Prefix{netip.MustParsePrefix("10.0.100.10/24")},
			},
		},
	}, bondingConfig(docs[0]))

	cfg := bondingConfig(docs[1])
	assert.Equal(t, nethelpers.BondMode8023AD, cfg.Mode)
	assert.Equal(t, 2, cfg.MinLinks)
	assert.True(t, cfg.UseCarrier)
	assert.Equal(t, 1, cfg.NumPeerNotif)
	assert.Empty(t, cfg.VLANs)
}

func TestConfiguredAddresses(t *testing.T) {
	t.Parallel()

	docs := loadTestConfig(t, testConfig)

	assert.Equal(t, map[string][]netip.Prefix{
		"bond0":     {netip.MustParsePrefix("192.168.1.10/24")},
		"bond0.100": {netip.MustParsePrefix("10.0.100.10/24")},
	}, configuredAddresses(bondingConfig(docs[0])))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)

	require.NoError(t, Validate(logger, loadTestConfig(t, testConfig)))
	assert.Equal(t, 1, logs.FilterMessage("config warning").FilterField(zap.String("bond", "bond0")).Len())

	require.Error(t, Validate(logger, nil))

	err := Validate(logger, loadTestConfig(t, `apiVersion: v1alpha1
kind: BondConfig
name: bond2
mode: balance-rr
primary: eth0
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `bond "bond2"`)
}
