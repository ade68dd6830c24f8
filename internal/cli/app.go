// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigchat/internal/chat"
	"github.com/jeranaias/rigchat/internal/cloud"
	"github.com/jeranaias/rigchat/internal/config"
	"github.com/jeranaias/rigchat/internal/logger"
	"github.com/jeranaias/rigchat/internal/metrics"
	"github.com/jeranaias/rigchat/internal/server"
	"github.com/jeranaias/rigchat/internal/session"
	"github.com/jeranaias/rigchat/internal/storage"
)

// tokenFile holds the persisted bearer token under the config directory.
const tokenFile = "token"

// app owns everything a command may need. Collaborators are built on first
// use so that "config path" never opens the store and "conversations list"
// never touches the network.
type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	// Persistent flags.
	configPath  string
	logLevel    string
	metricsAddr string
	offline     bool
	jsonOutput  bool

	cfg     *config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics

	backend      storage.Backend
	repo         *storage.Repository
	sessions     *session.Manager
	client       *cloud.Client
	orchestrator *chat.Orchestrator
	metricsSrv   *server.Server
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	return &app{in: in, out: out, errOut: errOut, log: logger.Nop()}
}

// load reads configuration and applies flag overrides. It runs before every
// command.
func (a *app) load() error {
	var (
		cfg *config.Config
		err error
	)
	if a.configPath != "" {
		cfg, err = config.LoadFrom(a.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.metricsAddr != "" {
		cfg.Log.MetricsAddr = a.metricsAddr
	}
	if a.offline {
		cfg.Offline = true
	}
	a.cfg = cfg
	config.SetGlobal(cfg)

	a.log = logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		Output: a.errOut,
	})
	a.metrics = metrics.New()
	return a.serveMetrics()
}

// configFile returns the path "config set" writes to.
func (a *app) configFile() (string, error) {
	if a.configPath != "" {
		return a.configPath, nil
	}
	return config.Path()
}

func (a *app) serveMetrics() error {
	addr := a.cfg.Log.MetricsAddr
	if addr == "" {
		return nil
	}
	version, driver, offline := Version, a.cfg.Storage.Driver, a.cfg.Offline
	a.metricsSrv = server.New(a.metrics, func() map[string]any {
		return map[string]any{"version": version, "storage": driver, "offline": offline}
	}, a.log)
	if err := a.metricsSrv.Start(addr); err != nil {
		a.metricsSrv = nil
		return err
	}
	return nil
}

// store opens the configured backend and repository.
func (a *app) store() (*storage.Repository, error) {
	if a.repo != nil {
		return a.repo, nil
	}
	st := a.cfg.Storage
	if st.Driver != storage.DriverMemory {
		if err := os.MkdirAll(st.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	backend, err := storage.Open(st.Driver, st.Dir, st.Passphrase)
	if err != nil {
		return nil, err
	}
	a.backend = backend
	a.repo = storage.NewRepository(backend,
		storage.WithLogger(a.log),
		storage.WithMetrics(a.metrics),
	)
	return a.repo, nil
}

// session loads the credential store. The token lives next to the config
// file.
func (a *app) session() (*session.Manager, error) {
	if a.sessions != nil {
		return a.sessions, nil
	}
	dir, err := config.Dir()
	if err != nil {
		return nil, err
	}
	m, err := session.NewManager(session.Config{
		TokenPath:   filepath.Join(dir, tokenFile),
		IdleTimeout: time.Duration(a.cfg.Session.IdleTimeoutMinutes) * time.Minute,
	}, a.log)
	if err != nil {
		return nil, err
	}
	m.OnLogout(func(reason string) {
		if reason != session.ReasonLogout {
			fmt.Fprintln(a.errOut, WarningStyle.Render("Signed out: "+reason))
		}
	})
	a.sessions = m
	return m, nil
}

// transport builds the service client. A configured version of "remote"
// is replaced by the one the service advertises.
func (a *app) transport(ctx context.Context) (*cloud.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	sess, err := a.session()
	if err != nil {
		return nil, err
	}
	mode, err := cloud.ParseChunkMode(a.cfg.Transport.ChunkMode)
	if err != nil {
		return nil, err
	}

	svc := a.cfg.Service
	remote := svc.Version == "remote"
	version := svc.Version
	if remote {
		version = config.Default().Service.Version
	}

	client, err := cloud.NewClient(svc.BaseURL,
		cloud.WithTokens(sess),
		cloud.WithAnonymous(svc.Anonymous),
		cloud.WithOffline(a.cfg.Offline),
		cloud.WithVersion(version),
		cloud.WithChunkMode(mode),
		cloud.WithTimeout(svc.Timeout()),
		cloud.WithRateLimit(a.cfg.Transport.RequestsPerSecond, a.cfg.Transport.Burst),
		cloud.WithMaxRetries(a.cfg.Transport.MaxRetries),
		cloud.WithLogger(a.log),
		cloud.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, err
	}

	if remote {
		rc, err := client.FetchRemoteConfig(ctx)
		switch {
		case err != nil:
			a.log.Warn().Err(err).Str("fallback", version).Msg("could not fetch remote version")
		case rc.Version != "":
			client.SetVersion(rc.Version)
		}
	}
	a.client = client
	return client, nil
}

// chat wires the orchestrator over the store and transport.
func (a *app) chat(ctx context.Context) (*chat.Orchestrator, error) {
	if a.orchestrator != nil {
		return a.orchestrator, nil
	}
	repo, err := a.store()
	if err != nil {
		return nil, err
	}
	client, err := a.transport(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := a.session()
	if err != nil {
		return nil, err
	}
	a.orchestrator = chat.New(repo, client, chat.Config{
		MaxContextMessages: a.cfg.Chat.MaxContextMessages,
		Streaming:          a.cfg.Chat.Streaming,
		SystemPrompt:       a.cfg.Chat.SystemPrompt,
		Session:            sess,
		Logger:             a.log,
		Metrics:            a.metrics,
	})
	return a.orchestrator, nil
}

// close releases the store and stops the metrics server.
func (a *app) close() {
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.metricsSrv.Shutdown(ctx)
		cancel()
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.log.Warn().Err(err).Msg("closing store")
		}
	}
}
