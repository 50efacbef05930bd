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

// Package dossier owns dossier stage transitions.  Every stage change
// goes through Transition, which fires the workflow automation once the
// new stage is stored.
package dossier

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/lexcab/dossiermail/internal/model"
	"github.com/lexcab/dossiermail/internal/workflow"
)

var ErrUnknownStage = errors.New("unknown dossier stage")

// Stages lists the dossier stages from intake to archival.
var Stages = []model.Stage{
	model.StageQualification,
	model.StageMandate,
	model.StageExpertise,
	model.StageNegotiation,
	model.StageJudicial,
	model.StageClosed,
	model.StageArchived,
}

// Valid reports whether s is a known stage.
func Valid(s model.Stage) bool {
	for _, stage := range Stages {
		if stage == s {
			return true
		}
	}
	return false
}

type Store interface {
	Dossier(ctx context.Context, id string) (*model.Dossier, error)
	SetStage(ctx context.Context, id string, stage model.Stage) error
}

// Hook runs after a stage change.
type Hook interface {
	Fire(ctx context.Context, dossierID string, source, target model.Stage, c workflow.Context) workflow.Result
}

// Outcome describes a transition.
type Outcome struct {
	From       model.Stage     `json:"from"`
	To         model.Stage     `json:"to"`
	Changed    bool            `json:"changed"`
	Automation workflow.Result `json:"automation"`
}

type Transitioner struct {
	store Store
	hook  Hook
	log   zerolog.Logger
}

func NewTransitioner(store Store, hook Hook, log zerolog.Logger) *Transitioner {
	return &Transitioner{store: store, hook: hook, log: log}
}

// Transition moves dossier id to target.  Moving to the current stage
// changes nothing and runs no automation.
func (t *Transitioner) Transition(ctx context.Context, id string, target model.Stage) (Outcome, error) {
	if !Valid(target) {
		return Outcome{}, errors.Wrapf(ErrUnknownStage, "%q", target)
	}
	d, err := t.store.Dossier(ctx, id)
	if err != nil {
		return Outcome{}, errors.Wrapf(err, "loading dossier %s", id)
	}
	out := Outcome{From: d.Stage, To: target}
	if d.Stage == target {
		return out, nil
	}
	if err := t.store.SetStage(ctx, id, target); err != nil {
		return out, errors.Wrapf(err, "moving dossier %s to %s", id, target)
	}
	out.Changed = true
	t.log.Info().Str("dossier", id).Str("from", string(d.Stage)).Str("to", string(target)).
		Msg("dossier stage changed")

	out.Automation = t.hook.Fire(ctx, id, d.Stage, target, ContextOf(d))
	return out, nil
}

// ContextOf returns the automation context of d.
func ContextOf(d *model.Dossier) workflow.Context {
	c := workflow.Context{Track: d.Track}
	if d.JuristeID != nil {
		c.JuristeID = *d.JuristeID
	}
	if d.AvocatID != nil {
		c.AvocatID = *d.AvocatID
	}
	return c
}
