// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bond_test

import (
	"bytes"
	_ "embed"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/siderolabs/go-pointer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/bondd/pkg/machinery/config/types/bond"
	"github.com/siderolabs/bondd/pkg/machinery/nethelpers"
)

//go:embed testdata/bondconfig.yaml
var bondConfigDocuments []byte

func TestBondConfigUnmarshal(t *testing.T) {
	t.Parallel()

	docs, err := bond.Load(bytes.NewReader(bondConfigDocuments))
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, &bond.ConfigV1Alpha1{
		Meta: bond.Meta{
			MetaAPIVersion: "v1alpha1",
			MetaKind:       bond.Kind,
		},
		MetaName:            "bond0",
		BondLinks:           []string{"eth0", "eth1"},
		BondMode:            pointer.To(nethelpers.BondModeActiveBackup),
		BondMIIMon:          pointer.To(uint32(100)),
		BondUpDelay:         pointer.To(uint32(200)),
		BondDownDelay:       pointer.To(uint32(200)),
		BondPrimary:         "eth0",
		BondPrimaryReselect: pointer.To(nethelpers.PrimaryReselectBetter),
		BondFailOverMAC:     pointer.To(nethelpers.FailOverMACActive),
		BondNumPeerNotif:    pointer.To(uint8(3)),
		BondPeerNotifyDelay: pointer.To(uint32(100)),
		LinkAddresses:       []netip.Prefix{netip.MustParsePrefix("192.168.1.10/24")},
		BondVLANs: []bond.VLANConfig{
			{
				VLANID:        100,
				VLANAddresses: []netip.Prefix{netip.MustParsePrefix("10.0.100.10/24")},
			},
		},
	}, docs[0])

	second := docs[1]
	assert.Equal(t, "bond1", second.Name())
	assert.Equal(t, nethelpers.BondModeXOR, second.Mode())
	assert.Equal(t, 500*time.Millisecond, second.ARPInterval())
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.5.0.1"), netip.MustParseAddr("10.5.0.2")}, second.ARPIPTargets())
	assert.Equal(t, nethelpers.ARPValidateAll, second.ARPValidate())
	assert.True(t, second.UseCarrier())
	assert.Equal(t, 1, second.NumPeerNotif())

	for _, doc := range docs {
		warnings, err := doc.Validate()
		assert.NoError(t, err)
		assert.Empty(t, warnings)
	}
}

func TestBondConfigMarshalLoad(t *testing.T) {
	t.Parallel()

	cfg := bond.NewConfigV1Alpha1("agg.0")
	cfg.BondLinks = []string{"eth0", "eth1"}
	cfg.BondMode = pointer.To(nethelpers.BondMode8023AD)
	cfg.BondMIIMon = pointer.To(uint32(100))
	cfg.BondMinLinks = pointer.To(uint32(1))
	cfg.BondFailOverMAC = pointer.To(nethelpers.FailOverMACFollow)
	cfg.LinkAddresses = []netip.Prefix{netip.MustParsePrefix("1.2.3.4/24")}

	marshaled, err := bond.Marshal(cfg)
	require.NoError(t, err)

	t.Log(string(marshaled))

	assert.Contains(t, string(marshaled), "mode: 802.3ad")
	assert.Contains(t, string(marshaled), "failOverMac: follow")

	docs, err := bond.Load(bytes.NewReader(marshaled))
	require.NoError(t, err)
	require.Len(t, docs, 1)

	assert.Equal(t, cfg, docs[0])
}

func TestBondConfigLoadErrors(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name     string
		document string

		expectedError string
	}{
		{
			name:          "unknown field",
			document:      "apiVersion: v1alpha1\nkind: BondConfig\nname: bond0\nlacpRate: fast\n",
			expectedError: "field lacpRate not found",
		},
		{
			name:          "unknown kind",
			document:      "apiVersion: v1alpha1\nkind: VLANConfig\nname: bond0\n",
			expectedError: `unsupported document kind "VLANConfig"`,
		},
		{
			name:          "unknown version",
			document:      "apiVersion: v1alpha2\nkind: BondConfig\nname: bond0\n",
			expectedError: `unsupported BondConfig version "v1alpha2"`,
		},
		{
			name:          "invalid mode",
			document:      "apiVersion: v1alpha1\nkind: BondConfig\nname: bond0\nmode: balance-foo\n",
			expectedError: "invalid bond type balance-foo",
		},
		{
			name:          "duplicate",
			document:      "apiVersion: v1alpha1\nkind: BondConfig\nname: bond0\n---\napiVersion: v1alpha1\nkind: BondConfig\nname: bond0\n",
			expectedError: `duplicate bond "bond0"`,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			_, err := bond.Load(strings.NewReader(test.document))
			require.Error(t, err)
			assert.ErrorContains(t, err, test.expectedError)
		})
	}
}

func TestBondValidate(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		cfg  func() *bond.ConfigV1Alpha1

		expectedError    string
		expectedWarnings []string
	}{
		{
			name: "empty",
			cfg: func() *bond.ConfigV1Alpha1 {
				return bond.NewConfigV1Alpha1("")
			},

			expectedError: "name must be specified\nat least one link must be specified\nbond mode must be specified",
			expectedWarnings: []string{
				"no link monitoring configured, link failures will not be detected",
			},
		},
		{
			name: "primary in balance-rr",
			cfg: func() *bond.ConfigV1Alpha1 {
				cfg := bond.NewConfigV1Alpha1("bond0")
				cfg.BondLinks = []string{"eth0", "eth1"}
				cfg.BondMode = pointer.To(nethelpers.BondModeRoundrobin)
				cfg.BondMIIMon = pointer.To(uint32(100))
				cfg.BondPrimary = "eth2"

				return cfg
			},

			expectedError: "primary is not supported in balance-rr mode\nprimary link \"eth2\" is not one of the bond links",
		},
		{
			name: "arp targets",
			cfg: func() *bond.ConfigV1Alpha1 {
				cfg := bond.NewConfigV1Alpha1("bond0")
				cfg.BondLinks = []string{"eth0", "eth0"}
				cfg.BondMode = pointer.To(nethelpers.BondModeTLB)
				cfg.BondARPInterval = pointer.To(uint32(100))
				cfg.BondARPIPTargets = []netip.Addr{netip.MustParseAddr("fd00::1"), netip.MustParseAddr("224.0.0.1")}

				return cfg
			},

			expectedError: "link \"eth0\" is specified more than once\ninvalid ARP IP target fd00::1\ninvalid ARP IP target 224.0.0.1\nARP monitoring is not supported in balance-tlb mode",
		},
		{
			name: "arp without targets",
			cfg: func() *bond.ConfigV1Alpha1 {
				cfg := bond.NewConfigV1Alpha1("bond0")
				cfg.BondLinks = []string{"eth0"}
				cfg.BondMode = pointer.To(nethelpers.BondModeActiveBackup)
				cfg.BondARPInterval = pointer.To(uint32(100))
				cfg.BondVLANs = []bond.VLANConfig{{VLANID: 0}, {VLANID: 10}, {VLANID: 10}}

				return cfg
			},

			expectedError: "arpIPTargets must be specified when arpInterval is set\ninvalid VLAN ID 0\nVLAN 10 is specified more than once",
		},
		{
			name: "delays",
			cfg: func() *bond.ConfigV1Alpha1 {
				cfg := bond.NewConfigV1Alpha1("bond0")
				cfg.BondLinks = []string{"eth0", "eth1"}
				cfg.BondMode = pointer.To(nethelpers.BondModeActiveBackup)
				cfg.BondMIIMon = pointer.To(uint32(100))
				cfg.BondUpDelay = pointer.To(uint32(250))
				cfg.BondARPInterval = pointer.To(uint32(100))
				cfg.BondARPIPTargets = []netip.Addr{netip.MustParseAddr("192.168.1.1")}

				return cfg
			},

			expectedWarnings: []string{
				"both miimon and arpInterval are set, ARP monitoring is disabled",
				"updelay 250ms is not a multiple of miimon 100ms, rounded down to 200ms",
			},
		},
		{
			name: "valid 802.3ad",
			cfg: func() *bond.ConfigV1Alpha1 {
				cfg := bond.NewConfigV1Alpha1("bond25")
				cfg.BondLinks = []string{"eth0", "eth1"}
				cfg.BondMode = pointer.To(nethelpers.BondMode8023AD)
				cfg.LinkAddresses = []netip.Prefix{
					netip.MustParsePrefix("192.168.1.100/24"),
					netip.MustParsePrefix("fd00::1/64"),
				}

				return cfg
			},

			expectedWarnings: []string{
				"miimon was not specified for 802.3ad bond",
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			warnings, err := test.cfg().Validate()

			assert.Equal(t, test.expectedWarnings, warnings)

			if test.expectedError != "" {
				assert.EqualError(t, err, test.expectedError)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestARPIntervalDisabledByMIIMon(t *testing.T) {
	t.Parallel()

	cfg := bond.NewConfigV1Alpha1("bond0")
	cfg.BondARPInterval = pointer.To(uint32(100))

	assert.Equal(t, 100*time.Millisecond, cfg.ARPInterval())

	cfg.BondMIIMon = pointer.To(uint32(50))

	assert.Zero(t, cfg.ARPInterval())
}
