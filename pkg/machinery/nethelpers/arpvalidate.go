// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package nethelpers

import "fmt"

// ARPValidate is an ARP Validation mode.
type ARPValidate uint32

// ARPValidate constants.
const (
	ARPValidateNone   ARPValidate = iota // none
	ARPValidateActive                    // active
	ARPValidateBackup                    // backup
	ARPValidateAll                       // all
)

// Validates reports whether received ARP frames are validated for a slave
// in the given role.
func (a ARPValidate) Validates(active bool) bool {
	if active {
		return a&ARPValidateActive != 0
	}

	return a&ARPValidateBackup != 0
}

// String implements fmt.Stringer.
func (a ARPValidate) String() string {
	switch a {
	case ARPValidateNone:
		return "none"
	case ARPValidateActive:
		return "active"
	case ARPValidateBackup:
		return "backup"
	case ARPValidateAll:
		return "all"
	default:
		return fmt.Sprintf("ARPValidate(%d)", a)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a ARPValidate) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *ARPValidate) UnmarshalText(text []byte) error {
	var err error

	*a, err = ARPValidateByName(string(text))

	return err
}

// ARPValidateByName parses ARPValidate.
func ARPValidateByName(a string) (ARPValidate, error) {
	switch a {
	case "", "none":
		return ARPValidateNone, nil
	case "active":
		return ARPValidateActive, nil
	case "backup":
		return ARPValidateBackup, nil
	case "all":
		return ARPValidateAll, nil
	default:
		return 0, fmt.Errorf("invalid arp_validate mode %v", a)
	}
}
