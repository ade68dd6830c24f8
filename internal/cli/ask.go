// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigchat/internal/chat"
	"github.com/jeranaias/rigchat/internal/cloud"
	"github.com/jeranaias/rigchat/internal/model"
)

type askOptions struct {
	conversationID string
	provider       string
	model          string
	raw            bool
}

func newAskCmd(a *app) *cobra.Command {
	var opts askOptions
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Send one message and print the reply",
		Long: `Send one message and print the reply. Without arguments the question
is read from stdin.

The exchange is stored like any chat turn. Use --conversation to continue an
existing conversation.`,
		Example: `  rigchat ask "What does the -race flag do?"
  git diff | rigchat ask --model gpt-4o
  rigchat ask -c 3f2a91c0 "And in Go 1.24?"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			if question == "" {
				b, err := io.ReadAll(a.in)
				if err != nil {
					return fmt.Errorf("read question: %w", err)
				}
				question = string(b)
			}
			if strings.TrimSpace(question) == "" {
				return usageErrorf("no question given")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAsk(ctx, a, question, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.conversationID, "conversation", "c", "", "continue this conversation")
	cmd.Flags().StringVarP(&opts.provider, "provider", "p", "", "provider (default from config)")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "model (default from config)")
	cmd.Flags().BoolVar(&opts.raw, "raw", false, "stream plain text even on a terminal")
	return cmd
}

func runAsk(ctx context.Context, a *app, question string, opts askOptions) error {
	orch, err := a.chat(ctx)
	if err != nil {
		return err
	}

	req := chat.SendRequest{
		ConversationID: opts.conversationID,
		Content:        question,
		Provider:       firstNonEmpty(opts.provider, a.cfg.Chat.Provider),
		Model:          firstNonEmpty(opts.model, a.cfg.Chat.Model),
	}

	render := !opts.raw && !a.jsonOutput && isTerminal(a.out)
	printer := &streamPrinter{w: a.out}
	if !render && !a.jsonOutput {
		req.OnProgress = printer.update
	}

	res, err := orch.Send(ctx, req)
	if !render && !a.jsonOutput {
		printer.finish()
	}
	if err != nil {
		return err
	}
	if res.Cancelled {
		return cloud.ErrCancelled
	}

	if a.jsonOutput {
		return printJSON(a.out, "ask", res)
	}
	if render {
		reply := model.Message{Role: model.RoleAssistant, Content: res.Content}
		if res.Model != "" || res.Provider != "" {
			reply.Metadata = &model.Metadata{Model: res.Model, Provider: res.Provider}
		}
		printReply(a.out, reply, true)
	}
	a.log.Debug().
		Str("conversation", res.ConversationID).
		Dur("duration", res.Duration).
		Msg("ask complete")
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
