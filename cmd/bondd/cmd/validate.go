// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/siderolabs/bondd/pkg/machinery/config/types/bond"
)

var validateCmdFlags struct {
	config string
}

// validateCmd reads in the config file and attempts to parse it.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config",
	Long:  ``,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		docs, err := bond.LoadFile(validateCmdFlags.config)
		if err != nil {
			return err
		}

		if len(docs) == 0 {
			return fmt.Errorf("%s: no bonds configured", validateCmdFlags.config)
		}

		var errs error

		for _, doc := range docs {
			warnings, err := doc.Validate()

			for _, w := range warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "WARNING: %s: %s\n", doc.Name(), w)
			}

			if err != nil {
				errs = errors.Join(errs, fmt.Errorf("%s: %w", doc.Name(), err))
			}
		}

		if errs != nil {
			return errs
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", validateCmdFlags.config)

		return nil
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateCmdFlags.config, "config", "/etc/bondd/bonds.yaml", "path to the config file")
	rootCmd.AddCommand(validateCmd)
}
