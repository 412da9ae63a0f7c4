// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jeranaias/ztgate/internal/config"
)

// Version information (can be overridden at build time)
var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	envFile    string
	output     string

	cfg *config.Config
}

// config returns the configuration loaded in PersistentPreRunE.
func (o *rootOptions) config() *config.Config {
	if o.cfg == nil {
		return config.Default()
	}
	return o.cfg
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "ztgate",
		Short: "Zero-trust access gateway",
		Long: `ztgate authenticates operators in two steps (credentials, then a
one-time code scored against device trust) and gates resources by role and
clearance. Every login attempt and access decision is written to a
hash-chained audit ledger.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			if err := validOutput(opts.output); err != nil {
				return NewUsageError(cmd.Name(), err.Error())
			}
			if err := loadEnvFile(opts.envFile, cmd.Flags().Changed("env-file")); err != nil {
				return NewConfigError(cmd.Name(), err)
			}
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return NewConfigError(cmd.Name(), err)
			}
			opts.cfg = cfg
			config.SetGlobal(cfg)
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default: $ZTGATE_CONFIG or ./ztgate.toml)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Environment file loaded before the config")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", OutputTable, "Output format: table, json")

	root.AddCommand(
		newServeCmd(opts),
		newHashPasswordCmd(),
		newEnrollCmd(opts),
		newOperatorsCmd(opts),
		newAuditCmd(opts),
		newPolicyCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}
