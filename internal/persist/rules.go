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

package persist

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/lexcab/dossiermail/internal/model"
	"github.com/lexcab/dossiermail/internal/workflow"
)

type ruleRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	SourceStage string `db:"source_stage"`
	TargetStage string `db:"target_stage"`
	Condition   string `db:"condition_tag"`
	Actions     string `db:"actions"`
	Active      bool   `db:"active"`
	Position    int    `db:"position"`
}

// unavailableError reports a failed rule lookup.  It matches
// ErrRuleStoreUnavailable and unwraps to the driver error.
type unavailableError struct {
	err error
}

func (e *unavailableError) Error() string {
	return ErrRuleStoreUnavailable.Error() + ": " + e.err.Error()
}

func (e *unavailableError) Unwrap() error { return e.err }

func (e *unavailableError) Is(target error) bool { return target == ErrRuleStoreUnavailable }

// ActiveRules returns the active rules for an exact stage transition,
// in rule order.  A rule whose actions cannot be decoded is skipped.
func (db *DB) ActiveRules(ctx context.Context, source, target model.Stage) ([]workflow.Rule, error) {
	var rows []ruleRow
	err := db.selectAll(ctx, &rows, `SELECT id, name, source_stage, target_stage, condition_tag,
actions, active, position
FROM workflow_rules
WHERE source_stage = ? AND target_stage = ? AND active = ?
ORDER BY position, created_at, id`, string(source), string(target), true)
	if err != nil {
		return nil, &unavailableError{err: err}
	}

	rules := make([]workflow.Rule, 0, len(rows))
	for _, row := range rows {
		var actions workflow.Actions
		if err := json.Unmarshal([]byte(row.Actions), &actions); err != nil {
			db.log.Warn().Err(err).Str("rule", row.ID).Msg("skipping rule with invalid actions")
			continue
		}
		rules = append(rules, workflow.Rule{
			ID:          row.ID,
			Name:        row.Name,
			SourceStage: model.Stage(row.SourceStage),
			TargetStage: model.Stage(row.TargetStage),
			Condition:   workflow.Condition(row.Condition),
			Actions:     actions,
			Active:      row.Active,
			Position:    row.Position,
		})
	}
	return rules, nil
}

// UpsertRule stores r, replacing any rule with the same id.
func (db *DB) UpsertRule(ctx context.Context, r workflow.Rule) error {
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return errors.Wrapf(err, "encoding actions of rule %s", r.ID)
	}
	const q = `INSERT INTO workflow_rules (
id, name, source_stage, target_stage, condition_tag, actions, active, position, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
name = excluded.name,
source_stage = excluded.source_stage,
target_stage = excluded.target_stage,
condition_tag = excluded.condition_tag,
actions = excluded.actions,
active = excluded.active,
position = excluded.position`
	_, err = db.exec(ctx, q, r.ID, r.Name, string(r.SourceStage), string(r.TargetStage),
		string(r.Condition), string(actions), r.Active, r.Position, db.stamp())
	if err != nil {
		return errors.Wrapf(err, "upserting rule %s", r.ID)
	}
	return nil
}
