// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/bondd/internal/app/bondd"
	"github.com/siderolabs/bondd/pkg/logging"
	"github.com/siderolabs/bondd/pkg/machinery/config/types/bond"
)

var runCmdFlags struct {
	config string
}

// runCmd runs the daemon until it is interrupted.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured bonds",
	Long: `Creates the bonds from the config file, attaches their links and monitors them.

Send SIGUSR1 to dump the status of the bonds to stdout.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger, err := newLogger(cmd)
		if err != nil {
			return err
		}

		defer logger.Sync() //nolint:errcheck

		docs, err := bond.LoadFile(runCmdFlags.config)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
		defer stop()

		daemon, err := bondd.New(logger.With(logging.Component("bondd")), docs)
		if err != nil {
			return err
		}

		runErr := daemon.Run(ctx, cmd.OutOrStdout())

		if err = daemon.Close(); err != nil {
			logger.Error("failed to delete bonds", zap.Error(err))
		}

		return runErr
	},
}

func init() {
	runCmd.Flags().StringVar(&runCmdFlags.config, "config", "/etc/bondd/bonds.yaml", "path to the config file")
	rootCmd.AddCommand(runCmd)
}
