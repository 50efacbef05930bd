// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/lexcab/dossiermail/internal/api"
	"github.com/lexcab/dossiermail/internal/config"
	"github.com/lexcab/dossiermail/internal/dossier"
	"github.com/lexcab/dossiermail/internal/gmail"
	"github.com/lexcab/dossiermail/internal/match"
	"github.com/lexcab/dossiermail/internal/message"
	"github.com/lexcab/dossiermail/internal/outbound"
	"github.com/lexcab/dossiermail/internal/persist"
	"github.com/lexcab/dossiermail/internal/sync"
	"github.com/lexcab/dossiermail/internal/token"
	"github.com/lexcab/dossiermail/internal/tracehttp"
	"github.com/lexcab/dossiermail/internal/workflow"
)

var (
	flagTrace       = flag.Bool("T", false, "request debug tracing")
	flagSync        = flag.Bool("sync", false, "run one ingestion pass and exit")
	flagServe       = flag.Bool("serve", false, "serve the HTTP API")
	flagSeedRules   = flag.String("seed-rules", "", "load workflow rules from a YAML `file`")
	flagResetCursor = flag.Bool("reset-cursor", false, "forget the sync cursor so the next pass backfills")
	flagMax         = flag.Int64("max", 0, "messages to backfill (default SYNC_MAX_RESULTS)")
)

const shutdownTimeout = 10 * time.Second

type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	db       *persist.DB
	tokens   *token.Provider
	gmail    *gmail.Service
	pipeline *sync.Pipeline
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	db, err := persist.Open(ctx, cfg.DBDriver, cfg.DBDSN, log)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize database")
	}

	oauthConfig := token.NewConfig(cfg.GoogleClientID, cfg.GoogleClientSecret,
		cfg.GoogleRedirectURL, gmail.Scopes)
	tokens := token.New(oauthConfig, db, log)

	svc, err := gmail.New(ctx, log, option.WithHTTPClient(tokens.Client(ctx, nil)))
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "unable to initialize GMail")
	}

	return &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		tokens:   tokens,
		gmail:    svc,
		pipeline: sync.NewPipeline(tokens, svc, db, db, match.New(db), log),
	}, nil
}

func (a *app) seedRules(ctx context.Context, path string) error {
	rules, err := workflow.LoadSeed(path)
	if err != nil {
		return err
	}
	if err := workflow.Seed(ctx, a.db, rules); err != nil {
		return err
	}
	a.log.Info().Int("rules", len(rules)).Str("file", path).Msg("workflow rules loaded")
	return nil
}

func (a *app) sync(ctx context.Context, maxResults int64) error {
	res, err := a.pipeline.Run(ctx, maxResults)
	if err != nil {
		return errors.Wrap(err, "unable to synchronize")
	}
	a.log.Info().Int("processed", res.Processed).Int("linked", res.Linked).Msg("sync complete")
	return nil
}

// profile reads the mailbox profile with freshly exchanged credentials.
func (a *app) profile(ctx context.Context, tok *oauth2.Token) (*message.Profile, error) {
	svc, err := gmail.New(ctx, a.log, option.WithHTTPClient(token.Bootstrap(tok, nil)))
	if err != nil {
		return nil, err
	}
	return svc.GetProfile(ctx)
}

func (a *app) serve(ctx context.Context, maxResults int64) error {
	trigger := workflow.New(a.db, a.log)
	deps := api.Deps{
		Sync:       a.pipeline,
		Stages:     dossier.NewTransitioner(a.db, trigger, a.log),
		Automation: trigger,
		Store:      a.db,
	}
	if a.cfg.OAuthConfigured() {
		deps.OAuth = a.tokens
		deps.Profile = a.profile
	} else {
		a.log.Warn().Msg("GOOGLE_CLIENT_ID or GOOGLE_CLIENT_SECRET unset; mailbox connection disabled")
	}
	if a.cfg.DefaultSender != "" {
		deps.Mailer = outbound.NewSender(a.gmail, a.db, a.cfg.DefaultSender, a.log)
	}
	if a.cfg.CronSecret == "" {
		a.log.Warn().Msg("CRON_SECRET unset; scheduled sync endpoint disabled")
	}

	s := api.New(api.Settings{CronSecret: a.cfg.CronSecret, SyncMaxResults: maxResults}, deps, a.log)
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", srv.Addr).Msg("listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return errors.Wrap(err, "HTTP server failed")
	case <-ctx.Done():
	}
	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, _ := cfg.Level()
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()

	if *flagTrace {
		tracehttp.WrapDefaultTransport(log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.db.Close()

	maxResults := cfg.SyncMaxResults
	if *flagMax > 0 {
		maxResults = *flagMax
	}

	if *flagSeedRules != "" {
		if err := a.seedRules(ctx, *flagSeedRules); err != nil {
			return errors.Wrap(err, "unable to load workflow rules")
		}
	}
	if *flagResetCursor {
		if err := a.db.ClearCursor(ctx); err != nil {
			return err
		}
		log.Info().Msg("sync cursor cleared; the next pass backfills")
	}

	idle := *flagSeedRules == "" && !*flagResetCursor && !*flagServe
	if *flagSync || idle {
		if err := a.sync(ctx, maxResults); err != nil {
			return err
		}
	}
	if *flagServe {
		return a.serve(ctx, maxResults)
	}
	return nil
}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed: %v\n", err)
		os.Exit(1)
	}
}
