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

package api

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/lexcab/dossiermail/internal/outbound"
	"github.com/lexcab/dossiermail/internal/token"
)

var errOAuthNotConfigured = errors.New("Google OAuth client is not configured")

// redirectHome sends the browser back to the application with the
// outcome of the consent flow.
func redirectHome(c *gin.Context, key, value string) {
	c.Redirect(http.StatusFound, "/?"+url.Values{key: {value}}.Encode())
}

// gmailAuth starts the consent flow.
func (s *Server) gmailAuth(c *gin.Context) {
	if s.deps.OAuth == nil {
		fail(c, http.StatusServiceUnavailable, "OAUTH_NOT_CONFIGURED", errOAuthNotConfigured)
		return
	}
	state, err := s.states.issue()
	if err != nil {
		fail(c, http.StatusInternalServerError, "STATE_GENERATION_FAILED", err)
		return
	}
	c.Redirect(http.StatusFound, s.deps.OAuth.AuthURL(state))
}

func (s *Server) gmailCallback(c *gin.Context) {
	if s.deps.OAuth == nil || s.deps.Profile == nil {
		redirectHome(c, "gmail_error", "not_configured")
		return
	}
	if e := c.Query("error"); e != "" {
		redirectHome(c, "gmail_error", e)
		return
	}
	code, state := c.Query("code"), c.Query("state")
	if code == "" || state == "" {
		redirectHome(c, "gmail_error", "missing_params")
		return
	}
	if !s.states.consume(state) {
		redirectHome(c, "gmail_error", "invalid_state")
		return
	}

	ctx := c.Request.Context()
	tok, err := s.deps.OAuth.Exchange(ctx, code)
	if err != nil {
		s.log.Warn().Err(err).Msg("OAuth code exchange failed")
		redirectHome(c, "gmail_error", "token_exchange_failed")
		return
	}
	profile, err := s.deps.Profile(ctx, tok)
	if err != nil {
		s.log.Warn().Err(err).Msg("reading mailbox profile failed")
		redirectHome(c, "gmail_error", "profile_failed")
		return
	}
	if err := s.deps.OAuth.Connect(ctx, profile.EmailAddress, tok); err != nil {
		s.log.Error().Err(err).Msg("saving mailbox connection failed")
		redirectHome(c, "gmail_error", "save_failed")
		return
	}
	redirectHome(c, "gmail_connected", profile.EmailAddress)
}

type statusResponse struct {
	Connected bool   `json:"connected"`
	Email     string `json:"email,omitempty"`
	HistoryID uint64 `json:"history_id,omitempty,string"`
}

func (s *Server) gmailStatus(c *gin.Context) {
	mb, err := s.deps.Store.Mailbox(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, "STATUS_FAILED", err)
		return
	}
	var st statusResponse
	if mb != nil {
		st = statusResponse{Connected: mb.Connected(), Email: mb.EmailAddress, HistoryID: mb.HistoryID}
	}
	ok(c, st)
}

type sendRequest struct {
	To        string `json:"to" binding:"required"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	DossierID string `json:"dossier_id"`
	ClientID  string `json:"client_id"`
}

func (s *Server) gmailSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}
	if s.deps.Mailer == nil {
		fail(c, http.StatusServiceUnavailable, "SENDER_NOT_CONFIGURED", errors.New("no default sender configured"))
		return
	}
	rec, err := s.deps.Mailer.Send(c.Request.Context(), outbound.Mail{
		To:        req.To,
		Subject:   req.Subject,
		Body:      req.Body,
		DossierID: req.DossierID,
		ClientID:  req.ClientID,
	})
	if rec == nil && err != nil {
		switch {
		case errors.Is(err, token.ErrNotConnected):
			fail(c, http.StatusConflict, "NOT_CONNECTED", err)
		case errors.Is(err, outbound.ErrNoRecipient), errors.Is(err, outbound.ErrInvalidAddress):
			fail(c, http.StatusBadRequest, "INVALID_ADDRESS", err)
		default:
			fail(c, http.StatusBadGateway, "SEND_FAILED", err)
		}
		return
	}
	if err != nil {
		// Delivered but not recorded.
		s.log.Error().Err(err).Str("message_id", rec.ExternalID).Msg("sent mail not recorded")
	}
	ok(c, gin.H{"id": rec.ExternalID, "thread_id": rec.ThreadID})
}
