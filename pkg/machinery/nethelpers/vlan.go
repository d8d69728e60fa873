// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package nethelpers

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// maxLinkNameLength is IFNAMSIZ without the trailing NUL.
const maxLinkNameLength = 15

// VLANLinkName builds a VLAN link name out of the base link name and VLAN ID.
//
// If the result doesn't fit into the kernel limit, the base name is replaced
// with a short hash of it.
func VLANLinkName(base string, vlanID uint16) string {
	name := fmt.Sprintf("%s.%d", base, vlanID)

	if len(name) <= maxLinkNameLength {
		return name
	}

	h := fnv.New32a()
	h.Write([]byte(base)) //nolint:errcheck

	prefix := base
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}

	return fmt.Sprintf("%s%07x.%d", prefix, h.Sum32()&0xfffffff, vlanID)
}

// ParseVLANLinkName splits a name built by VLANLinkName for short base names.
//
// It returns false if the name doesn't look like a VLAN link name.
func ParseVLANLinkName(name string) (base string, vlanID uint16, ok bool) {
	idx := strings.LastIndexByte(name, '.')
	if idx <= 0 || idx == len(name)-1 {
		return "", 0, false
	}

	id, err := strconv.ParseUint(name[idx+1:], 10, 12)
	if err != nil {
		return "", 0, false
	}

	return name[:idx], uint16(id), true
}
