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
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	mailsync "github.com/lexcab/dossiermail/internal/sync"
	"github.com/lexcab/dossiermail/internal/token"
)

const bearerPrefix = "Bearer "

// syncTimeout bounds a shared ingestion pass.
const syncTimeout = 5 * time.Minute

func (s *Server) requireCronSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.settings.CronSecret == "" {
			fail(c, http.StatusServiceUnavailable, "CRON_DISABLED", errors.New("no scheduler secret configured"))
			return
		}
		h := c.GetHeader("Authorization")
		got := strings.TrimPrefix(h, bearerPrefix)
		if !strings.HasPrefix(h, bearerPrefix) ||
			subtle.ConstantTimeCompare([]byte(got), []byte(s.settings.CronSecret)) != 1 {
			fail(c, http.StatusUnauthorized, "UNAUTHORIZED", errors.New("invalid scheduler credentials"))
			return
		}
		c.Next()
	}
}

type syncResponse struct {
	mailsync.Result
	// Shared is set when the result came from a run already in
	// progress.
	Shared bool `json:"shared"`
}

// gmailSync runs one ingestion pass.  Overlapping calls share the run
// in progress, which outlives the caller that started it.
func (s *Server) gmailSync(c *gin.Context) {
	v, err, shared := s.flight.Do("gmail-sync", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), syncTimeout)
		defer cancel()
		return s.deps.Sync.Run(ctx, s.settings.SyncMaxResults)
	})
	if err != nil {
		switch errors.Cause(err) {
		case token.ErrNotConnected:
			fail(c, http.StatusConflict, "NOT_CONNECTED", err)
		case token.ErrTokenExchangeFailed:
			fail(c, http.StatusBadGateway, "TOKEN_EXCHANGE_FAILED", err)
		default:
			fail(c, http.StatusBadGateway, "SYNC_FAILED", err)
		}
		s.log.Error().Err(err).Msg("scheduled sync failed")
		return
	}
	ok(c, syncResponse{Result: v.(mailsync.Result), Shared: shared})
}
