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

// Package api exposes the pipeline, the workflow automation, exports
// and the mailbox connection over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/lexcab/dossiermail/internal/dossier"
	"github.com/lexcab/dossiermail/internal/message"
	"github.com/lexcab/dossiermail/internal/model"
	"github.com/lexcab/dossiermail/internal/outbound"
	mailsync "github.com/lexcab/dossiermail/internal/sync"
	"github.com/lexcab/dossiermail/internal/workflow"
)

type Syncer interface {
	Run(ctx context.Context, maxResults int64) (mailsync.Result, error)
}

type Transitioner interface {
	Transition(ctx context.Context, id string, target model.Stage) (dossier.Outcome, error)
}

type Automation interface {
	Fire(ctx context.Context, dossierID string, source, target model.Stage, c workflow.Context) workflow.Result
}

type Mailer interface {
	Send(ctx context.Context, m outbound.Mail) (*model.EmailRecord, error)
}

// Connector runs the OAuth consent flow.
type Connector interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Connect(ctx context.Context, email string, tok *oauth2.Token) error
}

// ProfileFunc reads the mailbox profile with a token that is not
// stored yet.
type ProfileFunc func(ctx context.Context, tok *oauth2.Token) (*message.Profile, error)

type Store interface {
	Mailbox(ctx context.Context) (*model.Mailbox, error)
	MarkEmailRead(ctx context.Context, id string) error
	ExportDossiers(ctx context.Context) ([]model.DossierRow, error)
	Clients(ctx context.Context) ([]model.Client, error)
}

// Deps are the components behind the routes.  OAuth and Profile may be
// nil when no Google client is configured.
type Deps struct {
	Sync       Syncer
	Stages     Transitioner
	Automation Automation
	Mailer     Mailer
	OAuth      Connector
	Profile    ProfileFunc
	Store      Store
}

type Settings struct {
	// Bearer token the scheduler must present.  Empty disables the
	// polling endpoint.
	CronSecret     string
	SyncMaxResults int64
}

type Server struct {
	deps     Deps
	settings Settings
	log      zerolog.Logger
	flight   singleflight.Group
	states   *stateStore
}

func New(settings Settings, deps Deps, log zerolog.Logger) *Server {
	return &Server{
		deps:     deps,
		settings: settings,
		log:      log,
		states:   newStateStore(stateTTL),
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		cron := api.Group("/cron", s.requireCronSecret())
		cron.POST("/gmail-sync", s.gmailSync)
		cron.GET("/gmail-sync", s.gmailSync)

		api.POST("/workflow/trigger", s.workflowTrigger)
		api.POST("/dossiers/:id/stage", s.changeStage)
		api.POST("/emails/:id/read", s.markRead)

		api.GET("/export/dossiers.csv", s.exportDossiers)
		api.GET("/export/clients.csv", s.exportClients)

		gmail := api.Group("/gmail")
		gmail.GET("/auth", s.gmailAuth)
		gmail.GET("/callback", s.gmailCallback)
		gmail.GET("/status", s.gmailStatus)
		gmail.POST("/send", s.gmailSend)
	}
	return r
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := s.log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = s.log.Warn()
		}
		ev.Str("method", c.Request.Method).Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, code string, err error) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error": gin.H{
			"code":    code,
			"message": err.Error(),
		},
	})
}
