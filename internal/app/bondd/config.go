// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bondd

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"

	"github.com/siderolabs/gen/xslices"
	"go.uber.org/zap"

	"github.com/siderolabs/bondd/internal/pkg/bonding"
	"github.com/siderolabs/bondd/pkg/machinery/config/types/bond"
	"github.com/siderolabs/bondd/pkg/machinery/nethelpers"
)

// bondingConfig converts the config document into the bond configuration.
func bondingConfig(doc *bond.ConfigV1Alpha1) bonding.Config {
	return bonding.Config{
		Name: doc.Name(),
		Mode: doc.Mode(),

		MIIMon:     doc.MIIMon(),
		UpDelay:    doc.UpDelay(),
		DownDelay:  doc.DownDelay(),
		UseCarrier: doc.UseCarrier(),

		ARPInterval: doc.ARPInterval(),
		ARPTargets:  slices.Clone(doc.ARPIPTargets()),
		ARPValidate: doc.ARPValidate(),

		Primary:         doc.Primary(),
		PrimaryReselect: doc.PrimaryReselect(),
		FailOverMAC:     doc.FailOverMAC(),

		NumPeerNotif:    doc.NumPeerNotif(),
		PeerNotifyDelay: doc.PeerNotifyDelay(),

		MinLinks: doc.MinLinks(),

		Addresses: slices.Clone(doc.Addresses()),
		VLANs: xslices.Map(doc.VLANs(), func(vlan bond.VLANConfig) bonding.VLAN {
			return bonding.VLAN{
				ID:        vlan.VLANID,
				Addresses: slices.Clone(vlan.VLANAddresses),
			}
		}),
	}
}

// Validate the documents, logging the warnings.
func Validate(logger *zap.Logger, docs []*bond.ConfigV1Alpha1) error {
	var errs error

	if len(docs) == 0 {
		return errors.New("no bonds configured")
	}

	for _, doc := range docs {
		warnings, err := doc.Validate()

		for _, warning := range warnings {
			logger.Warn("config warning", zap.String("bond", doc.Name()), zap.String("warning", warning))
		}

		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("bond %q: %w", doc.Name(), err))
		}
	}

	return errs
}

// configuredAddresses maps the bond and its VLAN interfaces to the configured addresses.
func configuredAddresses(cfg bonding.Config) map[string][]netip.Prefix {
	addresses := map[string][]netip.Prefix{
		cfg.Name: cfg.Addresses,
	}

	for _, vlan := range cfg.VLANs {
		addresses[nethelpers.VLANLinkName(cfg.Name, vlan.ID)] = vlan.Addresses
	}

	return addresses
}
