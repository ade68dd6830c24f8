// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigchat/internal/offline"
	"github.com/jeranaias/rigchat/internal/session"
)

func newLoginCmd(a *app) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the bearer token used for chat requests",
		Long: `Store the bearer token used for chat requests. Without --token the token
is prompted for without echo, or read from stdin when it is not a terminal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				var err error
				if token, err = a.readToken(); err != nil {
					return err
				}
			}
			sess, err := a.session()
			if err != nil {
				return err
			}
			if err := sess.Login(token); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s Logged in (%s)\n", SuccessStyle.Render("✓"), sess.GetStatus().Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "token value (visible in shell history)")
	return cmd
}

func (a *app) readToken() (string, error) {
	if f, ok := a.in.(*os.File); ok && f == os.Stdin && IsTTY() {
		fmt.Fprint(a.errOut, "Token: ")
		tok, err := readSecret(int(f.Fd()))
		fmt.Fprintln(a.errOut)
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return tok, nil
	}
	line, err := bufio.NewReader(a.in).ReadString('\n')
	if err != nil && strings.TrimSpace(line) == "" {
		return "", usageErrorf("no token given")
	}
	return strings.TrimSpace(line), nil
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.session()
			if err != nil {
				return err
			}
			if !sess.LoggedIn() {
				fmt.Fprintln(a.out, DimStyle.Render("Not logged in."))
				return nil
			}
			sess.Logout()
			fmt.Fprintf(a.out, "%s Logged out\n", SuccessStyle.Render("✓"))
			return nil
		},
	}
}

// statusReport is the --json shape of "status".
type statusReport struct {
	Version       string `json:"version"`
	ServiceURL    string `json:"serviceUrl"`
	ClientVersion string `json:"clientVersion"`
	Offline       bool   `json:"offline"`
	Anonymous     bool   `json:"anonymous"`
	LoggedIn      bool   `json:"loggedIn"`
	Token         string `json:"token,omitempty"`
	Provider      string `json:"provider"`
	Model         string `json:"model"`
	Streaming     bool   `json:"streaming"`
	StorageDriver string `json:"storageDriver"`
	Encrypted     bool   `json:"encrypted"`
	Conversations int    `json:"conversations"`
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"s"},
		Short:   "Show session, service and storage status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.session()
			if err != nil {
				return err
			}
			repo, err := a.store()
			if err != nil {
				return err
			}
			convs, err := repo.ListConversations(cmd.Context())
			if err != nil {
				return err
			}
			st := sess.GetStatus()
			r := statusReport{
				Version:       Version,
				ServiceURL:    a.cfg.Service.BaseURL,
				ClientVersion: a.cfg.Service.Version,
				Offline:       a.cfg.Offline,
				Anonymous:     a.cfg.Service.Anonymous,
				LoggedIn:      st.LoggedIn,
				Token:         st.Token,
				Provider:      a.cfg.Chat.Provider,
				Model:         a.cfg.Chat.Model,
				Streaming:     a.cfg.Chat.Streaming,
				StorageDriver: a.cfg.Storage.Driver,
				Encrypted:     a.cfg.Storage.Passphrase != "",
				Conversations: len(convs),
			}
			if a.jsonOutput {
				return printJSON(a.out, "status", r)
			}

			const w = 16
			fmt.Fprintln(a.out, TitleStyle.Render("rigchat "+Version))
			fmt.Fprintln(a.out, RenderLabel("Service", w)+r.ServiceURL)
			fmt.Fprintln(a.out, RenderLabel("Client version", w)+r.ClientVersion)
			fmt.Fprintln(a.out, RenderLabel("Network", w)+offline.StatusIndicator(r.Offline))
			switch {
			case st.LoggedIn:
				line := r.Token + DimStyle.Render(" since "+st.Since.Local().Format("2006-01-02 15:04"))
				if st.IdleTimeout > 0 {
					line += DimStyle.Render(fmt.Sprintf(" (idle %s of %s)",
						session.FormatDuration(st.IdleFor), session.FormatDuration(st.IdleTimeout)))
				}
				fmt.Fprintln(a.out, RenderLabel("Session", w)+RenderStatus("ok")+" "+line)
			case r.Anonymous:
				fmt.Fprintln(a.out, RenderLabel("Session", w)+"anonymous")
			default:
				fmt.Fprintln(a.out, RenderLabel("Session", w)+RenderStatus("warn")+" not logged in")
			}
			fmt.Fprintln(a.out, RenderLabel("Model", w)+r.Provider+"/"+r.Model)
			storageLine := r.StorageDriver
			if r.Encrypted {
				storageLine += " (encrypted)"
			}
			fmt.Fprintln(a.out, RenderLabel("Storage", w)+storageLine)
			fmt.Fprintln(a.out, RenderLabel("Conversations", w)+fmt.Sprint(r.Conversations))
			return nil
		},
	}
}
