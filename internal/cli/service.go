// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newModelsCmd(a *app) *cobra.Command {
	var provider string
	var refresh bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models each provider offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			client, err := a.transport(ctx)
			if err != nil {
				return err
			}
			lists, err := client.ListModels(ctx, provider, refresh)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return printJSON(a.out, "models", lists)
			}
			for i, pm := range lists {
				if i > 0 {
					fmt.Fprintln(a.out)
				}
				fmt.Fprintln(a.out, TitleStyle.Render(pm.Provider))
				if len(pm.Models) == 0 {
					fmt.Fprintln(a.out, DimStyle.Render("  (no models)"))
				}
				for _, m := range pm.Models {
					line := "  " + m
					if m == pm.Default {
						line += DimStyle.Render(" (default)")
					}
					fmt.Fprintln(a.out, line)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "only this provider")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "ask the service to re-query providers")
	return cmd
}

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the chat service and its providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			client, err := a.transport(ctx)
			if err != nil {
				return err
			}
			h, err := client.Health(ctx)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return printJSON(a.out, "health", h)
			}

			header := h.Service
			if h.Version != "" {
				header += " " + h.Version
			}
			fmt.Fprintf(a.out, "%s %s\n", RenderStatus(h.Status), TitleStyle.Render(strings.TrimSpace(header)))

			names := make([]string, 0, len(h.Providers))
			for name := range h.Providers {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				p := h.Providers[name]
				status, detail := "available", strconv.Itoa(p.ModelsCount)+" models"
				if !p.Available {
					status, detail = "unavailable", p.Error
				}
				fmt.Fprintf(a.out, "  %s %s %s\n", RenderStatus(status), RenderLabel(name, 12), DimStyle.Render(detail))
			}
			if !h.Healthy() {
				return fmt.Errorf("service reports %q", h.Status)
			}
			return nil
		},
	}
}
