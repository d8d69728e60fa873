// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cmd implements the bondd commands.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/siderolabs/bondd/pkg/logging"
)

var rootCmdFlags struct {
	logLevel string
	logJSON  bool
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:               "bondd",
	Short:             "Userspace link aggregation (bonding) daemon",
	Long:              ``,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
	}

	return err
}

func newLogger(cmd *cobra.Command) (*zap.Logger, error) {
	level, err := logging.ParseLevel(rootCmdFlags.logLevel)
	if err != nil {
		return nil, err
	}

	var opts []logging.EncoderOption

	switch {
	case rootCmdFlags.logJSON:
		opts = append(opts, logging.WithJSON())
	case cmd.ErrOrStderr() == os.Stderr && isatty.IsTerminal(os.Stderr.Fd()):
		opts = append(opts, logging.WithColoredLevels())
	}

	return logging.ZapLogger(logging.NewLogDestination(cmd.ErrOrStderr(), level, opts...)), nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootCmdFlags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&rootCmdFlags.logJSON, "log-json", false, "log in JSON format")
}
