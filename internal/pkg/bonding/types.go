// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bonding

import (
	"errors"
	"fmt"
)

// LinkState is the link state of a slave as tracked by the monitors.
type LinkState uint8

// LinkState constants.
const (
	LinkDown LinkState = iota // down
	LinkFail                  // fail
	LinkUp                    // up
	LinkBack                  // back
)

// String implements fmt.Stringer.
func (state LinkState) String() string {
	switch state {
	case LinkDown:
		return "down"
	case LinkFail:
		return "fail"
	case LinkUp:
		return "up"
	case LinkBack:
		return "back"
	default:
		return fmt.Sprintf("LinkState(%d)", state)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (state LinkState) MarshalText() ([]byte, error) {
	return []byte(state.String()), nil
}

// PendingLink is the outcome of an inspection which is applied on commit.
type PendingLink uint8

// PendingLink constants.
const (
	NoChange PendingLink = iota
	PendingUp
	PendingDown
)

// String implements fmt.Stringer.
func (pending PendingLink) String() string {
	switch pending {
	case NoChange:
		return "none"
	case PendingUp:
		return "up"
	case PendingDown:
		return "down"
	default:
		return fmt.Sprintf("PendingLink(%d)", pending)
	}
}

// Role is the bonding role of a slave, independent of its link state.
type Role uint8

// Role constants.
const (
	RoleBackup Role = iota
	RoleActive
)

// String implements fmt.Stringer.
func (role Role) String() string {
	if role == RoleActive {
		return "active"
	}

	return "backup"
}

// MarshalText implements encoding.TextMarshaler.
func (role Role) MarshalText() ([]byte, error) {
	return []byte(role.String()), nil
}

// SlaveHandle identifies a slave within its bond.
//
// Handles are generation checked: a handle of a detached slave never resolves,
// even if its slot got reused. The zero value is "no slave".
type SlaveHandle struct {
	index uint32
	gen   uint32
}

// IsZero returns true for the "no slave" handle.
func (h SlaveHandle) IsZero() bool {
	return h.gen == 0
}

// String implements fmt.Stringer.
func (h SlaveHandle) String() string {
	if h.IsZero() {
		return "none"
	}

	return fmt.Sprintf("%d/%d", h.index, h.gen)
}

// Attach errors.
var (
	ErrAlreadyAttached  = errors.New("device is already a slave")
	ErrIncompatibleType = errors.New("device link type differs from the bond")
	ErrVLANConflict     = errors.New("device is VLAN challenged and the bond has VLANs")
	ErrMACSetFailed     = errors.New("failed to set device MAC address")
	ErrDeviceOpenFailed = errors.New("failed to open device")
	ErrPolicyRejected   = errors.New("slave rejected by mode policy")
)

// Detach and selection errors.
var (
	ErrNotASlave     = errors.New("not a slave of this bond")
	ErrNoPrimaryMode = errors.New("bond mode doesn't use an active slave")
	ErrSlaveNotUp    = errors.New("slave link is not up")
)

// Manager errors.
var (
	ErrBondExists   = errors.New("bond already exists")
	ErrBondNotFound = errors.New("bond not found")
)

// ErrNotSupported is returned by devices which can't report the requested link status.
var ErrNotSupported = errors.New("not supported")
