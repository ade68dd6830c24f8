// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/jeranaias/rigchat/internal/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change configuration",
		Long: `Show or change configuration. Keys use dotted TOML names such as
chat.model or service.base_url; run "rigchat config keys" for the full list.

Environment variables (RIGCHAT_*) and .env files override the file, so "show"
prints the effective values.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			shown := *a.cfg
			if shown.Storage.Passphrase != "" {
				shown.Storage.Passphrase = "********"
			}
			if a.jsonOutput {
				return printJSON(a.out, "config show", shown)
			}
			return toml.NewEncoder(a.out).Encode(shown)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print one value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.cfg.Get(args[0])
			if err != nil {
				return &UsageError{Msg: err.Error()}
			}
			if args[0] == "storage.passphrase" && v != "" {
				v = "********"
			}
			fmt.Fprintln(a.out, v)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one value and save the config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.configFile()
			if err != nil {
				return err
			}
			// Environment overrides must not be written back.
			fileCfg, err := config.LoadFile(path)
			if err != nil {
				return err
			}
			if err := fileCfg.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := config.Save(fileCfg, path); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s %s = %s\n", SuccessStyle.Render("✓"), args[0], args[1])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := a.configFile()
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "keys",
		Short: "List settable keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, k := range config.Keys() {
				fmt.Fprintln(a.out, k)
			}
			return nil
		},
	})
	return cmd
}
