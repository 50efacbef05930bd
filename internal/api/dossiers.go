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

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/lexcab/dossiermail/internal/dossier"
	"github.com/lexcab/dossiermail/internal/export"
	"github.com/lexcab/dossiermail/internal/model"
	"github.com/lexcab/dossiermail/internal/persist"
	"github.com/lexcab/dossiermail/internal/workflow"
)

type triggerRequest struct {
	DossierID   string           `json:"dossier_id" binding:"required"`
	SourceStage model.Stage      `json:"source_stage" binding:"required"`
	TargetStage model.Stage      `json:"target_stage" binding:"required"`
	Context     workflow.Context `json:"context"`
}

// workflowTrigger runs the automation for a transition the caller has
// already stored.
func (s *Server) workflowTrigger(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}
	res := s.deps.Automation.Fire(c.Request.Context(), req.DossierID,
		req.SourceStage, req.TargetStage, req.Context)
	ok(c, res)
}

type stageRequest struct {
	Stage model.Stage `json:"stage" binding:"required"`
}

func (s *Server) changeStage(c *gin.Context) {
	var req stageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}
	out, err := s.deps.Stages.Transition(c.Request.Context(), c.Param("id"), req.Stage)
	switch errors.Cause(err) {
	case nil:
		ok(c, out)
	case dossier.ErrUnknownStage:
		fail(c, http.StatusBadRequest, "UNKNOWN_STAGE", err)
	case persist.ErrNotFound:
		fail(c, http.StatusNotFound, "NOT_FOUND", err)
	default:
		fail(c, http.StatusInternalServerError, "STAGE_CHANGE_FAILED", err)
	}
}

func (s *Server) markRead(c *gin.Context) {
	err := s.deps.Store.MarkEmailRead(c.Request.Context(), c.Param("id"))
	switch errors.Cause(err) {
	case nil:
		ok(c, gin.H{"id": c.Param("id"), "read": true})
	case persist.ErrNotFound:
		fail(c, http.StatusNotFound, "NOT_FOUND", err)
	default:
		fail(c, http.StatusInternalServerError, "UPDATE_FAILED", err)
	}
}

func csvHeaders(c *gin.Context, filename string) {
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Status(http.StatusOK)
}

func (s *Server) exportDossiers(c *gin.Context) {
	rows, err := s.deps.Store.ExportDossiers(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, "EXPORT_FAILED", err)
		return
	}
	csvHeaders(c, "dossiers.csv")
	if err := export.Dossiers(c.Writer, rows); err != nil {
		s.log.Warn().Err(err).Msg("writing dossier export")
	}
}

func (s *Server) exportClients(c *gin.Context) {
	clients, err := s.deps.Store.Clients(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, "EXPORT_FAILED", err)
		return
	}
	csvHeaders(c, "clients.csv")
	if err := export.Clients(c.Writer, clients); err != nil {
		s.log.Warn().Err(err).Msg("writing client export")
	}
}
