// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigchat/internal/export"
	"github.com/jeranaias/rigchat/internal/model"
	"github.com/jeranaias/rigchat/internal/storage"
	"github.com/jeranaias/rigchat/internal/util"
)

// watchDebounce coalesces the bursts of events one atomic write produces.
const watchDebounce = 150 * time.Millisecond

func newConversationsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv", "c"},
		Short:   "Manage stored conversations",
	}
	cmd.AddCommand(
		newConvListCmd(a),
		newConvShowCmd(a),
		newConvRenameCmd(a),
		newConvDeleteCmd(a),
		newConvClearCmd(a),
		newConvMoveCmd(a),
		newConvSearchCmd(a),
		newConvExportCmd(a),
		newConvWatchCmd(a),
	)
	return cmd
}

// conversationSummary is the --json shape of a listing row.
type conversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	FolderID  string    `json:"folderId,omitempty"`
	Messages  int       `json:"messages"`
	UpdatedAt time.Time `json:"updatedAt"`
	Preview   string    `json:"preview,omitempty"`
}

func summarize(convs []model.Conversation) []conversationSummary {
	out := make([]conversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationSummary{
			ID:        c.ID,
			Title:     c.Title,
			FolderID:  c.FolderID,
			Messages:  len(c.Messages),
			UpdatedAt: c.UpdatedAt,
			Preview:   c.Preview(60),
		})
	}
	return out
}

func (a *app) printConversations(command string, convs []model.Conversation) error {
	if a.jsonOutput {
		return printJSON(a.out, command, summarize(convs))
	}
	if len(convs) == 0 {
		fmt.Fprintln(a.out, DimStyle.Render("No conversations."))
		return nil
	}
	t := &table{header: []string{"ID", "UPDATED", "MSGS", "TITLE"}}
	now := time.Now()
	for _, c := range convs {
		t.add(shortID(c.ID), relativeTime(c.UpdatedAt, now), strconv.Itoa(len(c.Messages)),
			util.TruncateWidth(c.Title, 50))
	}
	t.render(a.out)
	return nil
}

func newConvListCmd(a *app) *cobra.Command {
	var folder string
	var unfiled bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List conversations, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			repo, err := a.store()
			if err != nil {
				return err
			}
			var convs []model.Conversation
			switch {
			case unfiled:
				convs, err = repo.ListConversationsInFolder(ctx, "")
			case folder != "":
				id, ferr := resolveFolderID(ctx, repo, folder)
				if ferr != nil {
					return ferr
				}
				convs, err = repo.ListConversationsInFolder(ctx, id)
			default:
				convs, err = repo.ListConversations(ctx)
			}
			if err != nil {
				return err
			}
			return a.printConversations("conversations list", convs)
		},
	}
	cmd.Flags().StringVarP(&folder, "folder", "f", "", "only conversations in this folder (ID or name)")
	cmd.Flags().BoolVar(&unfiled, "unfiled", false, "only conversations outside any folder")
	return cmd
}

func newConvShowCmd(a *app) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := a.store()
			if err != nil {
				return err
			}
			id, err := resolveConversationID(ctx, repo, args[0])
			if err != nil {
				return err
			}
			conv, err := repo.GetConversation(ctx, id)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return printJSON(a.out, "conversations show", conv)
			}
			printConversation(a.out, conv, !raw && isTerminal(a.out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "do not render markdown")
	return cmd
}

// printConversation writes a header and every message.
func printConversation(w io.Writer, conv *model.Conversation, render bool) {
	fmt.Fprintln(w, TitleStyle.Render(conv.Title))
	fmt.Fprintln(w, DimStyle.Render(fmt.Sprintf("%s · %d messages · created %s",
		conv.ID, len(conv.Messages), conv.CreatedAt.Local().Format("2006-01-02 15:04"))))
	fmt.Fprintln(w, RenderSeparator())
	for _, m := range conv.Messages {
		switch m.Role {
		case model.RoleAssistant:
			fmt.Fprintln(w, AssistantStyle.Render(m.Role.DisplayName()+":"))
			printReply(w, m, render)
		default:
			fmt.Fprintln(w, UserPromptStyle.Render(m.Role.DisplayName()+":"))
			fmt.Fprintln(w, m.Content)
		}
		fmt.Fprintln(w)
	}
}

func newConvRenameCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Change a conversation's title",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := a.store()
			if err != nil {
				return err
			}
			id, err := resolveConversationID(ctx, repo, args[0])
			if err != nil {
				return err
			}
			conv, err := repo.RenameConversation(ctx, id, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s Renamed to %q\n", SuccessStyle.Render("✓"), conv.Title)
			return nil
		},
	}
}

func newConvDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>...",
		Aliases: []string{"rm"},
		Short:   "Delete conversations",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := a.store()
			if err != nil {
				return err
			}
			for _, ref := range args {
				id, err := resolveConversationID(ctx, repo, ref)
				if err != nil {
					return err
				}
				if err := repo.DeleteConversation(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%s Deleted %s\n", SuccessStyle.Render("✓"), shortID(id))
			}
			return nil
		},
	}
}

func newConvClearCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every conversation (folders are kept)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return usageErrorf("refusing to delete all conversations without --yes")
			}
			repo, err := a.store()
			if err != nil {
				return err
			}
			if err := repo.ClearConversations(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s All conversations deleted\n", SuccessStyle.Render("✓"))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm")
	return cmd
}

func newConvMoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "move <id> [folder]",
		Short: "File a conversation under a folder, or unfile it",
		Long:  "File a conversation under a folder given by ID or name. Omit the folder to unfile it.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := a.store()
			if err != nil {
				return err
			}
			id, err := resolveConversationID(ctx, repo, args[0])
			if err != nil {
				return err
			}
			folderID := ""
			if len(args) == 2 {
				if folderID, err = resolveFolderID(ctx, repo, args[1]); err != nil {
					return err
				}
			}
			if _, err := repo.MoveConversationToFolder(ctx, id, folderID); err != nil {
				return err
			}
			if folderID == "" {
				fmt.Fprintf(a.out, "%s Unfiled %s\n", SuccessStyle.Render("✓"), shortID(id))
			} else {
				fmt.Fprintf(a.out, "%s Moved %s to %s\n", SuccessStyle.Render("✓"), shortID(id), args[1])
			}
			return nil
		},
	}
}

func newConvSearchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Find conversations whose title or messages contain text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.store()
			if err != nil {
				return err
			}
			convs, err := repo.SearchConversations(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			return a.printConversations("conversations search", convs)
		},
	}
}

func newConvExportCmd(a *app) *cobra.Command {
	opts := export.DefaultOptions()
	var format string
	var noThoughts, noMetadata bool
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Write a conversation to a Markdown, HTML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := a.store()
			if err != nil {
				return err
			}
			id, err := resolveConversationID(ctx, repo, args[0])
			if err != nil {
				return err
			}
			conv, err := repo.GetConversation(ctx, id)
			if err != nil {
				return err
			}

			opts.IncludeThoughts = !noThoughts
			opts.IncludeMetadata = !noMetadata
			exp, err := export.ForFormat(format, opts)
			if err != nil {
				return &UsageError{Msg: err.Error()}
			}
			path, err := export.ExportToFile(conv, exp, opts)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return printJSON(a.out, "conversations export", map[string]string{"path": path, "mimeType": exp.MimeType()})
			}
			fmt.Fprintf(a.out, "%s Exported to %s\n", SuccessStyle.Render("✓"), path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "markdown", "markdown, html or json")
	cmd.Flags().StringVarP(&opts.OutputDir, "output", "o", ".", "output directory")
	cmd.Flags().BoolVar(&opts.OpenAfterExport, "open", false, "open the file afterwards")
	cmd.Flags().StringVar(&opts.Theme, "theme", "dark", "HTML theme: light or dark")
	cmd.Flags().BoolVar(&noThoughts, "no-thoughts", false, "leave out reasoning segments")
	cmd.Flags().BoolVar(&noMetadata, "no-metadata", false, "leave out header and reply stats")
	return cmd
}

func newConvWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Re-list conversations whenever another process changes the store",
		Long: `Re-list conversations whenever another process changes the store. Only
the file storage driver supports watching.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			repo, err := a.store()
			if err != nil {
				return err
			}
			fb, ok := a.backend.(*storage.FileBackend)
			if !ok {
				return fmt.Errorf("watch needs the file storage driver (have %q)", a.cfg.Storage.Driver)
			}
			return watchConversations(ctx, a, repo, fb)
		},
	}
}

func watchConversations(ctx context.Context, a *app, repo *storage.Repository, fb *storage.FileBackend) error {
	show := func() {
		convs, err := repo.ListConversations(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				PrintError(a.errOut, err)
			}
			return
		}
		fmt.Fprintln(a.out, DimStyle.Render(time.Now().Format("15:04:05")+" store changed"))
		_ = a.printConversations("conversations watch", convs)
	}
	show()
	return fb.Watch(ctx, storage.DefaultKey, watchDebounce, show)
}

// resolveFolderID accepts a folder ID, ID prefix or exact name.
func resolveFolderID(ctx context.Context, repo *storage.Repository, ref string) (string, error) {
	folders, err := repo.ListFolders(ctx)
	if err != nil {
		return "", err
	}
	var byPrefix []string
	for _, f := range folders {
		if f.ID == ref {
			return f.ID, nil
		}
		if strings.HasPrefix(f.ID, ref) {
			byPrefix = append(byPrefix, f.ID)
		}
	}
	for _, f := range folders {
		if strings.EqualFold(f.Name, ref) {
			return f.ID, nil
		}
	}
	if len(byPrefix) == 1 {
		return byPrefix[0], nil
	}
	if len(byPrefix) > 1 {
		return "", usageErrorf("folder prefix %q is ambiguous", ref)
	}
	return "", fmt.Errorf("%w: %s", storage.ErrFolderNotFound, ref)
}
