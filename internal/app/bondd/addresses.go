// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bondd

import (
	"fmt"
	"net/netip"
	"slices"

	"github.com/jsimonetti/rtnetlink/v2"
)

// kernelAddresses lists the addresses assigned to the links, by link index.
func kernelAddresses(conn *rtnetlink.Conn) (map[int][]netip.Prefix, error) {
	msgs, err := conn.Address.List()
	if err != nil {
		return nil, fmt.Errorf("error listing addresses: %w", err)
	}

	addresses := map[int][]netip.Prefix{}

	for _, msg := range msgs {
		if msg.Attributes == nil {
			continue
		}

		addr, ok := netip.AddrFromSlice(msg.Attributes.Address)
		if !ok {
			continue
		}

		prefix := netip.PrefixFrom(addr.Unmap(), int(msg.PrefixLength))
		if !prefix.IsValid() {
			continue
		}

		addresses[int(msg.Index)] = append(addresses[int(msg.Index)], prefix)
	}

	return addresses, nil
}

// mergeAddresses returns the configured addresses followed by the kernel ones which aren't configured.
func mergeAddresses(configured, kernel []netip.Prefix) []netip.Prefix {
	merged := slices.Clone(configured)

	for _, prefix := range kernel {
		if !slices.Contains(merged, prefix) {
			merged = append(merged, prefix)
		}
	}

	return merged
}
