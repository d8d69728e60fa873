// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package nethelpers

import "fmt"

// PrimaryReselect controls when a recovered primary slave preempts the active one.
type PrimaryReselect uint8

// PrimaryReselect constants.
const (
	PrimaryReselectAlways  PrimaryReselect = iota // always
	PrimaryReselectBetter                         // better
	PrimaryReselectFailure                        // failure
)

// String implements fmt.Stringer.
func (p PrimaryReselect) String() string {
	switch p {
	case PrimaryReselectAlways:
		return "always"
	case PrimaryReselectBetter:
		return "better"
	case PrimaryReselectFailure:
		return "failure"
	default:
		return fmt.Sprintf("PrimaryReselect(%d)", p)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p PrimaryReselect) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PrimaryReselect) UnmarshalText(text []byte) error {
	var err error

	*p, err = PrimaryReselectByName(string(text))

	return err
}

// PrimaryReselectByName parses PrimaryReselect.
func PrimaryReselectByName(p string) (PrimaryReselect, error) {
	switch p {
	case "", "always":
		return PrimaryReselectAlways, nil
	case "better":
		return PrimaryReselectBetter, nil
	case "failure":
		return PrimaryReselectFailure, nil
	default:
		return 0, fmt.Errorf("invalid primary_reselect mode %v", p)
	}
}
