// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package nethelpers

import "fmt"

// FailOverMAC is a MAC failover mode.
type FailOverMAC uint8

// FailOverMAC constants.
const (
	FailOverMACNone   FailOverMAC = iota // none
	FailOverMACActive                    // active
	FailOverMACFollow                    // follow
)

// String implements fmt.Stringer.
func (f FailOverMAC) String() string {
	switch f {
	case FailOverMACNone:
		return "none"
	case FailOverMACActive:
		return "active"
	case FailOverMACFollow:
		return "follow"
	default:
		return fmt.Sprintf("FailOverMAC(%d)", f)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (f FailOverMAC) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *FailOverMAC) UnmarshalText(text []byte) error {
	var err error

	*f, err = FailOverMACByName(string(text))

	return err
}

// FailOverMACByName parses FailOverMac.
func FailOverMACByName(f string) (FailOverMAC, error) {
	switch f {
	case "", "none":
		return FailOverMACNone, nil
	case "active":
		return FailOverMACActive, nil
	case "follow":
		return FailOverMACFollow, nil
	default:
		return 0, fmt.Errorf("invalid fail_over_mac value %v", f)
	}
}
