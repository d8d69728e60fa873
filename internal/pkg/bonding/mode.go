// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bonding

import "github.com/siderolabs/bondd/pkg/machinery/nethelpers"

// modeBehavior captures how a bond mode affects the core.
type modeBehavior interface {
	Mode() nethelpers.BondMode
	// UsesPrimary is true if a single active slave carries the traffic.
	UsesPrimary() bool
	// UpRole is the role a slave gets when its link is committed up.
	UpRole() Role
	// AssignsRoles is false if the policy hooks decide which slaves carry traffic.
	AssignsRoles() bool
	// NotifiesPeers is true if failover is announced with gratuitous ARPs.
	NotifiesPeers() bool
	// Carrier computes the bond carrier out of the number of up slaves.
	Carrier(upSlaves, minLinks int) bool
	// ARPMonitor returns the ARP monitor variant for the mode.
	ARPMonitor() arpVariant
}

type arpVariant int

const (
	arpUnsupported arpVariant = iota
	arpLoadBalance
	arpActiveBackup
)

func modeFor(mode nethelpers.BondMode) modeBehavior {
	switch mode { //nolint:exhaustive
	case nethelpers.BondModeActiveBackup:
		return activeBackupMode{}
	case nethelpers.BondMode8023AD:
		return lacpMode{}
	case nethelpers.BondModeTLB, nethelpers.BondModeALB:
		return adaptiveMode{mode: mode}
	default:
		return loadBalanceMode{mode: mode}
	}
}

// loadBalanceMode is balance-rr, balance-xor and broadcast: every up slave carries traffic.
type loadBalanceMode struct {
	mode nethelpers.BondMode
}

func (m loadBalanceMode) Mode() nethelpers.BondMode { return m.mode }
func (loadBalanceMode) UsesPrimary() bool { return false }
func (loadBalanceMode) UpRole() Role { return RoleActive }
func (loadBalanceMode) AssignsRoles() bool { return true }
func (loadBalanceMode) NotifiesPeers() bool { return false }
func (loadBalanceMode) Carrier(upSlaves, _ int) bool { return upSlaves > 0 }
func (loadBalanceMode) ARPMonitor() arpVariant { return arpLoadBalance }

type activeBackupMode struct{}

func (activeBackupMode) Mode() nethelpers.BondMode { return nethelpers.BondModeActiveBackup }
func (activeBackupMode) UsesPrimary() bool { return true }
func (activeBackupMode) UpRole() Role { return RoleBackup }
func (activeBackupMode) AssignsRoles() bool { return true }
func (activeBackupMode) NotifiesPeers() bool { return true }
func (activeBackupMode) Carrier(upSlaves, _ int) bool { return upSlaves > 0 }
func (activeBackupMode) ARPMonitor() arpVariant { return arpActiveBackup }

// lacpMode leaves activation to the aggregator policy, the carrier follows min_links.
//
// The active slave is only tracked as a handle for the policy, every up slave stays a backup in the core.
type lacpMode struct{}

func (lacpMode) Mode() nethelpers.BondMode { return nethelpers.BondMode8023AD }
func (lacpMode) UsesPrimary() bool { return true }
func (lacpMode) UpRole() Role { return RoleBackup }
func (lacpMode) AssignsRoles() bool { return false }
func (lacpMode) NotifiesPeers() bool { return false }
func (lacpMode) ARPMonitor() arpVariant { return arpUnsupported }

func (lacpMode) Carrier(upSlaves, minLinks int) bool {
	return upSlaves > 0 && upSlaves >= minLinks
}

// adaptiveMode is balance-tlb and balance-alb.
type adaptiveMode struct {
	mode nethelpers.BondMode
}

func (m adaptiveMode) Mode() nethelpers.BondMode { return m.mode }
func (adaptiveMode) UsesPrimary() bool { return true }
func (adaptiveMode) UpRole() Role { return RoleBackup }
func (adaptiveMode) AssignsRoles() bool { return true }
func (adaptiveMode) NotifiesPeers() bool { return false }
func (adaptiveMode) Carrier(upSlaves, _ int) bool { return upSlaves > 0 }
func (adaptiveMode) ARPMonitor() arpVariant { return arpUnsupported }
