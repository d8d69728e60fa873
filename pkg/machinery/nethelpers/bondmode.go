// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package nethelpers

import "fmt"

// BondMode is a bond mode.
type BondMode uint8

// BondMode constants.
const (
	BondModeRoundrobin   BondMode = iota // balance-rr
	BondModeActiveBackup                 // active-backup
	BondModeXOR                          // balance-xor
	BondModeBroadcast                    // broadcast
	BondMode8023AD                       // 802.3ad
	BondModeTLB                          // balance-tlb
	BondModeALB                          // balance-alb
)

var bondModeNames = [...]string{
	BondModeRoundrobin:   "balance-rr",
	BondModeActiveBackup: "active-backup",
	BondModeXOR:          "balance-xor",
	BondModeBroadcast:    "broadcast",
	BondMode8023AD:       "802.3ad",
	BondModeTLB:          "balance-tlb",
	BondModeALB:          "balance-alb",
}

// UsesPrimary returns true for the modes which elect a single active slave.
func (mode BondMode) UsesPrimary() bool {
	switch mode {
	case BondModeActiveBackup, BondMode8023AD, BondModeTLB, BondModeALB:
		return true
	case BondModeRoundrobin, BondModeXOR, BondModeBroadcast:
		return false
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (mode BondMode) String() string {
	if int(mode) < len(bondModeNames) {
		return bondModeNames[mode]
	}

	return fmt.Sprintf("BondMode(%d)", mode)
}

// MarshalText implements encoding.TextMarshaler.
func (mode BondMode) MarshalText() ([]byte, error) {
	return []byte(mode.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (mode *BondMode) UnmarshalText(text []byte) error {
	var err error

	*mode, err = BondModeByName(string(text))

	return err
}

// BondModeByName parses bond mode.
//
// Both the symbolic name and the numeric kernel value are accepted.
func BondModeByName(mode string) (BondMode, error) {
	switch mode {
	case "balance-rr", "0":
		return BondModeRoundrobin, nil
	case "active-backup", "1":
		return BondModeActiveBackup, nil
	case "balance-xor", "2":
		return BondModeXOR, nil
	case "broadcast", "3":
		return BondModeBroadcast, nil
	case "802.3ad", "4":
		return BondMode8023AD, nil
	case "balance-tlb", "5":
		return BondModeTLB, nil
	case "balance-alb", "6":
		return BondModeALB, nil
	default:
		return 0, fmt.Errorf("invalid bond type %v", mode)
	}
}
