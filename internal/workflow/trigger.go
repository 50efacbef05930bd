// Package workflow runs automation rules when a dossier changes stage.
//
// Automation is best effort.  A missing rule store means no rules, and
// an action that cannot be persisted is logged and skipped without
// stopping the others.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/lexcab/dossiermail/internal/model"
)

// Context is what the caller knows about the dossier being moved.
type Context struct {
	Track     model.Track `json:"track"`
	JuristeID string      `json:"juriste_id,omitempty"`
	AvocatID  string      `json:"avocat_id,omitempty"`
}

// assignee returns the id of the staff member holding role, or nil.
func (c Context) assignee(role Role) *string {
	var id string
	switch role {
	case RoleJuriste:
		id = c.JuristeID
	case RoleAvocat:
		id = c.AvocatID
	}
	if id == "" {
		return nil
	}
	return &id
}

// Store reads rules and writes the entities actions create.
type Store interface {
	// ActiveRules returns active rules for the exact transition,
	// in rule order.
	ActiveRules(ctx context.Context, source, target model.Stage) ([]Rule, error)

	CreateTask(ctx context.Context, t *model.Task) error
	CreateReminder(ctx context.Context, r *model.Reminder) error
	CreateNote(ctx context.Context, n *model.Note) error
}

// Result summarizes one Fire call.
type Result struct {
	ActionsExecuted int      `json:"actions_executed"`
	Tasks           []string `json:"tasks"`
	Reminders       []string `json:"reminders"`
	Notes           int      `json:"notes"`
}

// Trigger executes the rules matching a stage transition.
type Trigger struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

func New(store Store, log zerolog.Logger) *Trigger {
	return &Trigger{store: store, log: log, now: time.Now}
}

// Fire runs every active rule for the source -> target transition
// whose condition admits c.Track, then appends one automation log note
// if anything was created.
func (t *Trigger) Fire(ctx context.Context, dossierID string, source, target model.Stage, c Context) Result {
	res := Result{Tasks: []string{}, Reminders: []string{}}
	log := t.log.With().Str("dossier", dossierID).
		Str("from", string(source)).Str("to", string(target)).Logger()

	rules, err := t.store.ActiveRules(ctx, source, target)
	if err != nil {
		log.Warn().Err(err).Msg("rule store unavailable; no automation run")
		return res
	}

	for _, rule := range rules {
		if !rule.Active || !rule.Condition.Allows(c.Track) {
			continue
		}
		for _, action := range rule.Actions {
			if err := t.execute(ctx, dossierID, c, action, &res); err != nil {
				log.Warn().Err(err).Str("rule", rule.ID).
					Str("action", action.kind()).Msg("automation action failed")
				continue
			}
			res.ActionsExecuted++
		}
	}

	if res.ActionsExecuted > 0 {
		note := &model.Note{
			DossierID: dossierID,
			Body:      summary(source, target, res),
			Kind:      model.NoteKindAutomation,
		}
		if err := t.store.CreateNote(ctx, note); err != nil {
			log.Warn().Err(err).Msg("automation summary note failed")
		}
	}
	log.Info().Int("actions", res.ActionsExecuted).Msg("automation finished")
	return res
}

func (t *Trigger) execute(ctx context.Context, dossierID string, c Context, action Action, res *Result) error {
	switch a := action.(type) {
	case CreateTask:
		task := &model.Task{
			DossierID:   dossierID,
			Title:       a.Title,
			Description: a.Description,
			Priority:    a.Priority,
			DueDate:     t.now().AddDate(0, 0, a.DueInDays).UTC(),
			AssigneeID:  c.assignee(a.AssignTo),
			Status:      model.TaskStatusOpen,
			Automated:   true,
		}
		if err := t.store.CreateTask(ctx, task); err != nil {
			return err
		}
		res.Tasks = append(res.Tasks, a.Title)
	case CreateReminder:
		reminder := &model.Reminder{
			DossierID: dossierID,
			Channel:   a.Channel,
			Reason:    a.Reason,
			Status:    model.ReminderStatusPlanned,
		}
		if err := t.store.CreateReminder(ctx, reminder); err != nil {
			return err
		}
		res.Reminders = append(res.Reminders, a.Reason)
	case AppendNote:
		note := &model.Note{DossierID: dossierID, Body: a.Text, Kind: model.NoteKindNote}
		if err := t.store.CreateNote(ctx, note); err != nil {
			return err
		}
		res.Notes++
	default:
		return errors.Errorf("unsupported action %T", action)
	}
	return nil
}

func summary(source, target model.Stage, res Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automation %s -> %s.", source, target)
	if len(res.Tasks) > 0 {
		fmt.Fprintf(&b, " Tasks: %s.", strings.Join(res.Tasks, ", "))
	}
	if len(res.Reminders) > 0 {
		fmt.Fprintf(&b, " Reminders: %s.", strings.Join(res.Reminders, ", "))
	}
	return b.String()
}
