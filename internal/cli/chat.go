// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/rigchat/internal/chat"
	"github.com/jeranaias/rigchat/internal/config"
	"github.com/jeranaias/rigchat/internal/export"
	"github.com/jeranaias/rigchat/internal/offline"
	"github.com/jeranaias/rigchat/internal/storage"
	"github.com/jeranaias/rigchat/internal/util"
)

type chatOptions struct {
	conversationID string
	provider       string
	model          string
}

func newChatCmd(a *app) *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		Long: `Start an interactive chat. Replies stream as they arrive; Ctrl+C stops the
reply in progress and keeps what arrived so far. Type /help for commands.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), a, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.conversationID, "conversation", "c", "", "resume this conversation")
	cmd.Flags().StringVarP(&opts.provider, "provider", "p", "", "provider (default from config)")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "model (default from config)")
	return cmd
}

// =============================================================================
// INPUT HISTORY
// =============================================================================

// lineReader wraps liner with a persisted history file.
type lineReader struct {
	line        *liner.State
	historyFile string
}

func newLineReader() *lineReader {
	r := &lineReader{line: liner.NewLiner()}
	r.line.SetCtrlCAborts(true)
	if dir, err := config.Dir(); err == nil {
		r.historyFile = filepath.Join(dir, "chat_history")
		if f, err := os.Open(r.historyFile); err == nil {
			_, _ = r.line.ReadHistory(f)
			f.Close()
		}
	}
	return r
}

func (r *lineReader) prompt(p string) (string, error) {
	input, err := r.line.Prompt(p)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

func (r *lineReader) close() {
	if r.historyFile != "" {
		if err := os.MkdirAll(filepath.Dir(r.historyFile), 0o700); err == nil {
			if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
				_, _ = r.line.WriteHistory(f)
				f.Close()
			}
		}
	}
	r.line.Close()
}

// =============================================================================
// REPL
// =============================================================================

// repl holds per-session chat state. Slash commands act on it.
type repl struct {
	a        *app
	orch     *chat.Orchestrator
	repo     *storage.Repository
	out      io.Writer
	provider string
	model    string
}

func runChat(ctx context.Context, a *app, opts chatOptions) error {
	orch, err := a.chat(ctx)
	if err != nil {
		return err
	}
	repo, err := a.store()
	if err != nil {
		return err
	}
	r := &repl{
		a:        a,
		orch:     orch,
		repo:     repo,
		out:      a.out,
		provider: firstNonEmpty(opts.provider, a.cfg.Chat.Provider),
		model:    firstNonEmpty(opts.model, a.cfg.Chat.Model),
	}
	if opts.conversationID != "" {
		id, err := resolveConversationID(ctx, repo, opts.conversationID)
		if err != nil {
			return err
		}
		if _, err := orch.Select(ctx, id); err != nil {
			return err
		}
	}

	// Ctrl+C while a reply streams cancels it; at the prompt liner reports
	// it as ErrPromptAborted instead.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if orch.Busy() {
				orch.Cancel()
			}
		}
	}()

	input := newLineReader()
	defer input.close()

	r.banner(ctx)
	for {
		line, err := input.prompt("rigchat> ")
		if err != nil {
			// Ctrl+C, Ctrl+D or closed input.
			fmt.Fprintln(r.out)
			return nil
		}
		quit, err := r.handle(ctx, line)
		if err != nil {
			PrintError(a.errOut, err)
		}
		if quit {
			return nil
		}
	}
}

func (r *repl) banner(ctx context.Context) {
	fmt.Fprintln(r.out, TitleStyle.Render("rigchat "+Version))
	fmt.Fprintf(r.out, "%s %s %s\n",
		DimStyle.Render(r.a.cfg.Service.BaseURL),
		DimStyle.Render("·"),
		DimStyle.Render(r.provider+"/"+r.model))
	if r.a.cfg.Offline {
		fmt.Fprintln(r.out, WarningStyle.Render(offline.StatusIndicator(true)))
	}
	if conv, err := r.orch.Current(ctx); err == nil {
		fmt.Fprintf(r.out, "Resuming %q (%d messages)\n", conv.Title, len(conv.Messages))
	}
	fmt.Fprintln(r.out, DimStyle.Render("Type /help for commands, Ctrl+D to quit."))
	fmt.Fprintln(r.out)
}

// handle runs one line of input and reports whether the session should end.
func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false, nil
	case strings.EqualFold(line, "exit"), strings.EqualFold(line, "quit"):
		return true, nil
	case strings.HasPrefix(line, "/"):
		return r.command(ctx, line)
	}
	return false, r.send(ctx, line)
}

func (r *repl) send(ctx context.Context, content string) error {
	printer := &streamPrinter{w: r.out}
	fmt.Fprintln(r.out, AssistantStyle.Render("Assistant:"))
	res, err := r.orch.Send(ctx, chat.SendRequest{
		ConversationID: r.orch.CurrentID(),
		Content:        content,
		Provider:       r.provider,
		Model:          r.model,
		OnProgress:     printer.update,
	})
	printer.finish()
	if err != nil {
		return err
	}
	if res.Cancelled {
		fmt.Fprintln(r.out, WarningStyle.Render("[Cancelled]"))
	}
	fmt.Fprintln(r.out)
	return nil
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

const replHelp = `Commands:
  /new [title]         start a new conversation
  /list                list recent conversations
  /open <id>           switch to a conversation (ID prefix accepted)
  /title <text>        rename the current conversation
  /history             show the current conversation
  /model <name>        change model
  /provider <name>     change provider
  /export <format>     export the current conversation (markdown, html, json)
  /help                show this help
  /quit                leave`

func (r *repl) command(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "quit", "exit", "q":
		return true, nil
	case "help", "?":
		fmt.Fprintln(r.out, replHelp)
	case "new":
		conv, err := r.orch.NewConversation(ctx, arg)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "Started %q\n", conv.Title)
	case "list":
		convs, err := r.repo.ListConversations(ctx)
		if err != nil {
			return false, err
		}
		current := r.orch.CurrentID()
		now := time.Now()
		for i, c := range convs {
			if i == 10 {
				fmt.Fprintln(r.out, DimStyle.Render(fmt.Sprintf("... %d more", len(convs)-10)))
				break
			}
			marker := " "
			if c.ID == current {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s %s  %s  %s\n", marker, shortID(c.ID),
				util.TruncateRunes(c.Title, 40), DimStyle.Render(relativeTime(c.UpdatedAt, now)))
		}
	case "open":
		if arg == "" {
			return false, usageErrorf("usage: /open <id>")
		}
		id, err := resolveConversationID(ctx, r.repo, arg)
		if err != nil {
			return false, err
		}
		conv, err := r.orch.Select(ctx, id)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "Switched to %q (%d messages)\n", conv.Title, len(conv.Messages))
	case "title":
		id := r.orch.CurrentID()
		if id == "" {
			return false, chat.ErrNoCurrent
		}
		if arg == "" {
			return false, usageErrorf("usage: /title <text>")
		}
		conv, err := r.repo.RenameConversation(ctx, id, arg)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "Renamed to %q\n", conv.Title)
	case "history":
		conv, err := r.orch.Current(ctx)
		if err != nil {
			return false, err
		}
		printConversation(r.out, conv, false)
	case "model":
		if arg == "" {
			fmt.Fprintln(r.out, r.model)
			return false, nil
		}
		r.model = arg
		fmt.Fprintf(r.out, "Model set to %s\n", arg)
	case "provider":
		if arg == "" {
			fmt.Fprintln(r.out, r.provider)
			return false, nil
		}
		r.provider = strings.ToLower(arg)
		fmt.Fprintf(r.out, "Provider set to %s\n", r.provider)
	case "export":
		conv, err := r.orch.Current(ctx)
		if err != nil {
			return false, err
		}
		exp, err := export.ForFormat(firstNonEmpty(arg, "markdown"), nil)
		if err != nil {
			return false, err
		}
		path, err := export.ExportToFile(conv, exp, nil)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "Exported to %s\n", path)
	default:
		return false, usageErrorf("unknown command /%s (try /help)", name)
	}
	return false, nil
}

// resolveConversationID accepts a full ID or a unique prefix.
func resolveConversationID(ctx context.Context, repo *storage.Repository, ref string) (string, error) {
	if _, err := repo.GetConversation(ctx, ref); err == nil {
		return ref, nil
	} else if !errors.Is(err, storage.ErrConversationNotFound) {
		return "", err
	}

	convs, err := repo.ListConversations(ctx)
	if err != nil {
		return "", err
	}
	var match string
	for _, c := range convs {
		if strings.HasPrefix(c.ID, ref) {
			if match != "" {
				return "", usageErrorf("conversation prefix %q is ambiguous", ref)
			}
			match = c.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", storage.ErrConversationNotFound, ref)
	}
	return match, nil
}
