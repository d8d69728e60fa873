// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package nethelpers

import "fmt"

// LinkType is a link-layer (ARPHRD_*) type.
type LinkType uint16

// LinkType constants.
//
// Only the types a bond can aggregate or reject explicitly are named here,
// any other kernel value is still representable.
const (
	LinkEther      LinkType = 1     // ether
	LinkIeee802    LinkType = 6     // ieee802
	LinkInfiniband LinkType = 32    // infiniband
	LinkPpp        LinkType = 512   // ppp
	LinkTunnel     LinkType = 768   // ipip
	LinkLoopbck    LinkType = 772   // loopback
	LinkIpgre      LinkType = 778   // gre
	LinkVoid       LinkType = 65535 // void
	LinkNone       LinkType = 65534 // nohdr
)

var linkTypeNames = map[LinkType]string{
	LinkEther:      "ether",
	LinkIeee802:    "ieee802",
	LinkInfiniband: "infiniband",
	LinkPpp:        "ppp",
	LinkTunnel:     "ipip",
	LinkLoopbck:    "loopback",
	LinkIpgre:      "gre",
	LinkVoid:       "void",
	LinkNone:       "nohdr",
}

// String implements fmt.Stringer.
func (typ LinkType) String() string {
	if name, ok := linkTypeNames[typ]; ok {
		return name
	}

	return fmt.Sprintf("LinkType(%d)", uint16(typ))
}

// MarshalYAML implements yaml.Marshaler.
func (typ LinkType) MarshalYAML() (any, error) {
	return typ.String(), nil
}
