// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package bond provides the bond configuration document.
package bond

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/siderolabs/bondd/pkg/machinery/nethelpers"
)

// Kind is a BondConfig document kind.
const Kind = "BondConfig"

// APIVersion is the only supported document version.
const APIVersion = "v1alpha1"

// MaxARPTargets is the maximum number of ARP IP targets per bond.
const MaxARPTargets = 16

// Meta is the document header.
type Meta struct {
	MetaAPIVersion string `yaml:"apiVersion"`
	MetaKind       string `yaml:"kind"`
}

// ConfigV1Alpha1 is a config document to create a bond (link aggregation).
//
// Delays and intervals are in milliseconds.
type ConfigV1Alpha1 struct {
	Meta `yaml:",inline"`

	// Name of the bond link (interface) to be created.
	MetaName string `yaml:"name"`
	// Names of the links (interfaces) to be aggregated.
	BondLinks []string `yaml:"links,omitempty"`
	// Bond mode.
	BondMode *nethelpers.BondMode `yaml:"mode,omitempty"`
	// Link monitoring frequency.
	BondMIIMon *uint32 `yaml:"miimon,omitempty"`
	// The time to wait before enabling a slave after a link recovery has been detected.
	BondUpDelay *uint32 `yaml:"updelay,omitempty"`
	// The time to wait before disabling a slave after a link failure has been detected.
	BondDownDelay *uint32 `yaml:"downdelay,omitempty"`
	// Use the driver carrier flag instead of the hardware link status query.
	BondUseCarrier *bool `yaml:"useCarrier,omitempty"`
	// ARP link monitoring frequency.
	BondARPInterval *uint32 `yaml:"arpInterval,omitempty"`
	// IPv4 addresses probed by the ARP monitor.
	BondARPIPTargets []netip.Addr `yaml:"arpIPTargets,omitempty"`
	// Which slaves have received ARP traffic validated.
	BondARPValidate *nethelpers.ARPValidate `yaml:"arpValidate,omitempty"`
	// Preferred slave.
	BondPrimary string `yaml:"primary,omitempty"`
	// When the primary slave preempts the active one after recovery.
	BondPrimaryReselect *nethelpers.PrimaryReselect `yaml:"primaryReselect,omitempty"`
	// MAC address policy on failover.
	BondFailOverMAC *nethelpers.FailOverMAC `yaml:"failOverMac,omitempty"`
	// Number of peer notifications to send after a failover.
	BondNumPeerNotif *uint8 `yaml:"numPeerNotif,omitempty"`
	// Delay between peer notifications.
	BondPeerNotifyDelay *uint32 `yaml:"peerNotifyDelay,omitempty"`
	// Minimum number of up slaves for the 802.3ad bond to assert carrier.
	BondMinLinks *uint32 `yaml:"minLinks,omitempty"`
	// Addresses assigned to the bond itself.
	LinkAddresses []netip.Prefix `yaml:"addresses,omitempty"`
	// VLANs stacked on top of the bond.
	BondVLANs []VLANConfig `yaml:"vlans,omitempty"`
}

// VLANConfig is a VLAN on top of the bond.
type VLANConfig struct {
	VLANID        uint16         `yaml:"id"`
	VLANAddresses []netip.Prefix `yaml:"addresses,omitempty"`
}

// NewConfigV1Alpha1 creates a new BondConfig config document.
func NewConfigV1Alpha1(name string) *ConfigV1Alpha1 {
	return &ConfigV1Alpha1{
		Meta: Meta{
			MetaKind:       Kind,
			MetaAPIVersion: APIVersion,
		},
		MetaName: name,
	}
}

// Name of the bond.
func (s *ConfigV1Alpha1) Name() string {
	return s.MetaName
}

// Links returns the slave link names.
func (s *ConfigV1Alpha1) Links() []string {
	return s.BondLinks
}

// Mode returns the bond mode.
func (s *ConfigV1Alpha1) Mode() nethelpers.BondMode {
	return derefOr(s.BondMode, nethelpers.BondModeRoundrobin)
}

// MIIMon returns the MII monitoring interval, zero if disabled.
func (s *ConfigV1Alpha1) MIIMon() time.Duration {
	return milliseconds(s.BondMIIMon)
}

// UpDelay returns the up delay.
func (s *ConfigV1Alpha1) UpDelay() time.Duration {
	return milliseconds(s.BondUpDelay)
}

// DownDelay returns the down delay.
func (s *ConfigV1Alpha1) DownDelay() time.Duration {
	return milliseconds(s.BondDownDelay)
}

// UseCarrier returns whether the driver carrier flag is used, defaults to true.
func (s *ConfigV1Alpha1) UseCarrier() bool {
	return derefOr(s.BondUseCarrier, true)
}

// ARPInterval returns the effective ARP monitoring interval.
//
// ARP monitoring is disabled when MII monitoring is configured.
func (s *ConfigV1Alpha1) ARPInterval() time.Duration {
	if s.MIIMon() > 0 {
		return 0
	}

	return milliseconds(s.BondARPInterval)
}

// ARPIPTargets returns the ARP targets.
func (s *ConfigV1Alpha1) ARPIPTargets() []netip.Addr {
	return s.BondARPIPTargets
}

// ARPValidate returns the ARP validation mode.
func (s *ConfigV1Alpha1) ARPValidate() nethelpers.ARPValidate {
	return derefOr(s.BondARPValidate, nethelpers.ARPValidateNone)
}

// Primary returns the primary link name.
func (s *ConfigV1Alpha1) Primary() string {
	return s.BondPrimary
}

// PrimaryReselect returns the primary reselection policy.
func (s *ConfigV1Alpha1) PrimaryReselect() nethelpers.PrimaryReselect {
	return derefOr(s.BondPrimaryReselect, nethelpers.PrimaryReselectAlways)
}

// FailOverMAC returns the MAC failover policy.
func (s *ConfigV1Alpha1) FailOverMAC() nethelpers.FailOverMAC {
	return derefOr(s.BondFailOverMAC, nethelpers.FailOverMACNone)
}

// NumPeerNotif returns the number of peer notifications, defaults to 1.
func (s *ConfigV1Alpha1) NumPeerNotif() int {
	return int(derefOr(s.BondNumPeerNotif, 1))
}

// PeerNotifyDelay returns the delay between peer notifications.
func (s *ConfigV1Alpha1) PeerNotifyDelay() time.Duration {
	return milliseconds(s.BondPeerNotifyDelay)
}

// MinLinks returns the minimum number of up links.
func (s *ConfigV1Alpha1) MinLinks() int {
	return int(derefOr(s.BondMinLinks, 0))
}

// Addresses returns the bond addresses.
func (s *ConfigV1Alpha1) Addresses() []netip.Prefix {
	return s.LinkAddresses
}

// VLANs returns the bond VLANs.
func (s *ConfigV1Alpha1) VLANs() []VLANConfig {
	return s.BondVLANs
}

// Validate the document, returning warnings and errors.
//
//nolint:gocyclo,cyclop
func (s *ConfigV1Alpha1) Validate() ([]string, error) {
	var (
		errs     error
		warnings []string
	)

	if s.MetaName == "" {
		errs = errors.Join(errs, errors.New("name must be specified"))
	}

	if len(s.BondLinks) == 0 {
		errs = errors.Join(errs, errors.New("at least one link must be specified"))
	}

	for i, link := range s.BondLinks {
		if link == s.MetaName {
			errs = errors.Join(errs, fmt.Errorf("bond %q can't aggregate itself", link))
		}

		if slices.Contains(s.BondLinks[:i], link) {
			errs = errors.Join(errs, fmt.Errorf("link %q is specified more than once", link))
		}
	}

	if s.BondMode == nil {
		errs = errors.Join(errs, errors.New("bond mode must be specified"))
	}

	mode := s.Mode()

	if s.BondPrimary != "" {
		if s.BondMode != nil && !mode.UsesPrimary() {
			errs = errors.Join(errs, fmt.Errorf("primary is not supported in %s mode", mode))
		}

		if !slices.Contains(s.BondLinks, s.BondPrimary) {
			errs = errors.Join(errs, fmt.Errorf("primary link %q is not one of the bond links", s.BondPrimary))
		}
	}

	if len(s.BondARPIPTargets) > MaxARPTargets {
		errs = errors.Join(errs, fmt.Errorf("at most %d ARP IP targets are supported", MaxARPTargets))
	}

	for _, target := range s.BondARPIPTargets {
		if !target.Is4() || target.IsUnspecified() || target.IsMulticast() {
			errs = errors.Join(errs, fmt.Errorf("invalid ARP IP target %s", target))
		}
	}

	arpInterval := milliseconds(s.BondARPInterval)

	if arpInterval > 0 {
		if len(s.BondARPIPTargets) == 0 {
			errs = errors.Join(errs, errors.New("arpIPTargets must be specified when arpInterval is set"))
		}

		switch mode { //nolint:exhaustive
		case nethelpers.BondMode8023AD, nethelpers.BondModeTLB, nethelpers.BondModeALB:
			errs = errors.Join(errs, fmt.Errorf("ARP monitoring is not supported in %s mode", mode))
		}
	}

	for i, vlan := range s.BondVLANs {
		if vlan.VLANID == 0 || vlan.VLANID > 4094 {
			errs = errors.Join(errs, fmt.Errorf("invalid VLAN ID %d", vlan.VLANID))
		}

		if slices.ContainsFunc(s.BondVLANs[:i], func(other VLANConfig) bool { return other.VLANID == vlan.VLANID }) {
			errs = errors.Join(errs, fmt.Errorf("VLAN %d is specified more than once", vlan.VLANID))
		}
	}

	miimon := s.MIIMon()

	switch {
	case miimon > 0 && arpInterval > 0:
		warnings = append(warnings, "both miimon and arpInterval are set, ARP monitoring is disabled")
	case miimon == 0 && arpInterval == 0:
		if mode == nethelpers.BondMode8023AD {
			warnings = append(warnings, "miimon was not specified for 802.3ad bond")
		} else {
			warnings = append(warnings, "no link monitoring configured, link failures will not be detected")
		}
	}

	if miimon > 0 {
		for _, delay := range []struct {
			name  string
			value time.Duration
		}{
			{"updelay", s.UpDelay()},
			{"downdelay", s.DownDelay()},
		} {
			if delay.value%miimon != 0 {
				warnings = append(warnings, fmt.Sprintf("%s %s is not a multiple of miimon %s, rounded down to %s",
					delay.name, delay.value, miimon, delay.value-delay.value%miimon))
			}
		}
	} else if s.UpDelay() > 0 || s.DownDelay() > 0 {
		warnings = append(warnings, "updelay and downdelay have no effect without miimon")
	}

	return warnings, errs
}

func derefOr[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}

	return *ptr
}

func milliseconds(ptr *uint32) time.Duration {
	return time.Duration(derefOr(ptr, 0)) * time.Millisecond
}
