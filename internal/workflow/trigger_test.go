package workflow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/lexcab/dossiermail/internal/model"
)

type fakeStore struct {
	rules     []Rule
	rulesErr  error
	taskErr   error
	tasks     []model.Task
	reminders []model.Reminder
	notes     []model.Note
	gotSource model.Stage
	gotTarget model.Stage
}

func (f *fakeStore) ActiveRules(_ context.Context, source, target model.Stage) ([]Rule, error) {
	f.gotSource, f.gotTarget = source, target
	if f.rulesErr != nil {
		return nil, f.rulesErr
	}
	var out []Rule
	for _, r := range f.rules {
		if r.SourceStage == source && r.TargetStage == target && r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateTask(_ context.Context, t *model.Task) error {
	if f.taskErr != nil {
		return f.taskErr
	}
	f.tasks = append(f.tasks, *t)
	return nil
}

func (f *fakeStore) CreateReminder(_ context.Context, r *model.Reminder) error {
	f.reminders = append(f.reminders, *r)
	return nil
}

func (f *fakeStore) CreateNote(_ context.Context, n *model.Note) error {
	f.notes = append(f.notes, *n)
	return nil
}

var fixedNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTrigger(s Store) *Trigger {
	t := New(s, zerolog.Nop())
	t.now = func() time.Time { return fixedNow }
	return t
}

func mandateRule() Rule {
	return Rule{
		ID:          "r1",
		SourceStage: model.StageQualification,
		TargetStage: model.StageMandate,
		Active:      true,
		Actions: Actions{
			CreateTask{Title: "Envoyer la convention", Priority: "haute", DueInDays: 7, AssignTo: RoleJuriste},
			CreateReminder{Channel: "email", Reason: "Relancer pour signature"},
			AppendNote{Text: "Mandat en cours"},
		},
	}
}

func TestFireExecutesActionsInOrder(t *testing.T) {
	store := &fakeStore{rules: []Rule{mandateRule()}}
	c := Context{Track: model.TrackAmicable, JuristeID: "u-juriste"}

	res := newTrigger(store).Fire(context.Background(), "d1", model.StageQualification, model.StageMandate, c)

	want := Result{
		ActionsExecuted: 3,
		Tasks:           []string{"Envoyer la convention"},
		Reminders:       []string{"Relancer pour signature"},
		Notes:           1,
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Fire() mismatch (-want +got):\n%s", diff)
	}

	if len(store.tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(store.tasks))
	}
	task := store.tasks[0]
	if !task.DueDate.Equal(fixedNow.AddDate(0, 0, 7)) {
		t.Errorf("task due %v, want %v", task.DueDate, fixedNow.AddDate(0, 0, 7))
	}
	if task.AssigneeID == nil || *task.AssigneeID != "u-juriste" {
		t.Errorf("task assignee = %v, want u-juriste", task.AssigneeID)
	}
	if !task.Automated || task.Status != model.TaskStatusOpen {
		t.Errorf("task = %+v, want automated open task", task)
	}

	if len(store.reminders) != 1 || store.reminders[0].Status != model.ReminderStatusPlanned {
		t.Errorf("reminders = %+v, want one planned reminder", store.reminders)
	}

	if len(store.notes) != 2 {
		t.Fatalf("got %d notes, want 2", len(store.notes))
	}
	if store.notes[0].Kind != model.NoteKindNote || store.notes[0].Body != "Mandat en cours" {
		t.Errorf("first note = %+v", store.notes[0])
	}
	log := store.notes[1]
	if log.Kind != model.NoteKindAutomation {
		t.Errorf("summary note kind = %q, want %q", log.Kind, model.NoteKindAutomation)
	}
	ti := strings.Index(log.Body, "Envoyer la convention")
	ri := strings.Index(log.Body, "Relancer pour signature")
	if ti < 0 || ri < 0 || ti > ri {
		t.Errorf("summary %q should list the task title before the reminder reason", log.Body)
	}
}

func TestFireConditions(t *testing.T) {
	judicialOnly := Rule{
		ID:          "j",
		SourceStage: model.StageNegotiation,
		TargetStage: model.StageJudicial,
		Condition:   RequiresJudicial,
		Active:      true,
		Actions:     Actions{AppendNote{Text: "assignation"}},
	}
	cases := []struct {
		track model.Track
		want  int
	}{
		{model.TrackJudicial, 1},
		{model.TrackAmicable, 0},
		{model.TrackNone, 0},
	}
	for _, tc := range cases {
		store := &fakeStore{rules: []Rule{judicialOnly}}
		res := newTrigger(store).Fire(context.Background(), "d1",
			model.StageNegotiation, model.StageJudicial, Context{Track: tc.track})
		if res.ActionsExecuted != tc.want {
			t.Errorf("track %q: executed %d, want %d", tc.track, res.ActionsExecuted, tc.want)
		}
	}
}

func TestConditionAllows(t *testing.T) {
	cases := []struct {
		c     Condition
		track model.Track
		want  bool
	}{
		{Always, model.TrackNone, true},
		{Always, model.TrackJudicial, true},
		{RequiresAmicable, model.TrackAmicable, true},
		{RequiresAmicable, model.TrackJudicial, false},
		{RequiresJudicial, model.TrackJudicial, true},
		{Condition("bogus"), model.TrackJudicial, false},
	}
	for _, tc := range cases {
		if got := tc.c.Allows(tc.track); got != tc.want {
			t.Errorf("%q.Allows(%q) = %v, want %v", tc.c, tc.track, got, tc.want)
		}
	}
}

func TestFireRuleStoreUnavailable(t *testing.T) {
	store := &fakeStore{rulesErr: errors.New("no such table: workflow_rules")}
	res := newTrigger(store).Fire(context.Background(), "d1",
		model.StageQualification, model.StageMandate, Context{})
	if res.ActionsExecuted != 0 || len(store.notes) != 0 {
		t.Errorf("Fire() = %+v with notes %v, want nothing", res, store.notes)
	}
}

func TestFireSkipsFailedActions(t *testing.T) {
	store := &fakeStore{rules: []Rule{mandateRule()}, taskErr: errors.New("write failed")}
	res := newTrigger(store).Fire(context.Background(), "d1",
		model.StageQualification, model.StageMandate, Context{})
	if res.ActionsExecuted != 2 {
		t.Errorf("executed %d, want 2", res.ActionsExecuted)
	}
	if len(res.Tasks) != 0 || len(store.reminders) != 1 {
		t.Errorf("Fire() = %+v, want reminder created and no task", res)
	}
	if len(store.notes) != 2 {
		t.Errorf("got %d notes, want note plus summary", len(store.notes))
	}
}

func TestFireNoMatchingRules(t *testing.T) {
	store := &fakeStore{rules: []Rule{mandateRule()}}
	res := newTrigger(store).Fire(context.Background(), "d1",
		model.StageMandate, model.StageExpertise, Context{})
	if res.ActionsExecuted != 0 || len(store.notes) != 0 {
		t.Errorf("Fire() = %+v, want nothing", res)
	}
	if store.gotSource != model.StageMandate || store.gotTarget != model.StageExpertise {
		t.Errorf("rules queried for %s -> %s", store.gotSource, store.gotTarget)
	}
}

func TestUnassignedTask(t *testing.T) {
	rule := mandateRule()
	rule.Actions = Actions{
		CreateTask{Title: "a", AssignTo: RoleAvocat},
		CreateTask{Title: "b", AssignTo: RoleNone},
	}
	store := &fakeStore{rules: []Rule{rule}}
	newTrigger(store).Fire(context.Background(), "d1",
		model.StageQualification, model.StageMandate, Context{JuristeID: "j"})
	for _, task := range store.tasks {
		if task.AssigneeID != nil {
			t.Errorf("task %q assigned to %q, want unassigned", task.Title, *task.AssigneeID)
		}
	}
}
