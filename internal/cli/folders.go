// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newFoldersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "folders",
		Aliases: []string{"folder"},
		Short:   "Manage conversation folders",
	}

	cmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List folders with their conversation counts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			repo, err := a.store()
			if err != nil {
				return err
			}
			folders, err := repo.ListFolders(ctx)
			if err != nil {
				return err
			}
			convs, err := repo.ListConversations(ctx)
			if err != nil {
				return err
			}
			counts := make(map[string]int)
			for _, c := range convs {
				counts[c.FolderID]++
			}

			if a.jsonOutput {
				type row struct {
					ID            string    `json:"id"`
					Name          string    `json:"name"`
					CreatedAt     time.Time `json:"createdAt"`
					Conversations int       `json:"conversations"`
				}
				rows := make([]row, 0, len(folders))
				for _, f := range folders {
					rows = append(rows, row{f.ID, f.Name, f.CreatedAt, counts[f.ID]})
				}
				return printJSON(a.out, "folders list", rows)
			}
			if len(folders) == 0 {
				fmt.Fprintln(a.out, DimStyle.Render("No folders."))
				return nil
			}
			t := &table{header: []string{"ID", "CONVS", "NAME"}}
			for _, f := range folders {
				t.add(shortID(f.ID), strconv.Itoa(counts[f.ID]), f.Name)
			}
			t.render(a.out)
			if n := counts[""]; n > 0 {
				fmt.Fprintln(a.out, DimStyle.Render(fmt.Sprintf("%d unfiled", n)))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a folder",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.store()
			if err != nil {
				return err
			}
			f, err := repo.CreateFolder(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return printJSON(a.out, "folders create", f)
			}
			fmt.Fprintf(a.out, "%s Created folder %q (%s)\n", SuccessStyle.Render("✓"), f.Name, shortID(f.ID))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rename <folder> <name>",
		Short: "Rename a folder",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := a.store()
			if err != nil {
				return err
			}
			id, err := resolveFolderID(ctx, repo, args[0])
			if err != nil {
				return err
			}
			f, err := repo.RenameFolder(ctx, id, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s Renamed folder to %q\n", SuccessStyle.Render("✓"), f.Name)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "delete <folder>",
		Aliases: []string{"rm"},
		Short:   "Delete a folder; its conversations become unfiled",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := a.store()
			if err != nil {
				return err
			}
			id, err := resolveFolderID(ctx, repo, args[0])
			if err != nil {
				return err
			}
			if err := repo.DeleteFolder(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s Deleted folder %s\n", SuccessStyle.Render("✓"), shortID(id))
			return nil
		},
	})
	return cmd
}
