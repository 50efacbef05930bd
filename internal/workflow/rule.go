package workflow

import (
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/lexcab/dossiermail/internal/model"
)

// Condition restricts a rule to dossiers on a given track.
type Condition string

const (
	Always           Condition = ""
	RequiresJudicial Condition = "requires_judicial"
	RequiresAmicable Condition = "requires_amicable"
)

// Allows reports whether a dossier on track satisfies c.
func (c Condition) Allows(track model.Track) bool {
	switch c {
	case Always:
		return true
	case RequiresJudicial:
		return track == model.TrackJudicial
	case RequiresAmicable:
		return track == model.TrackAmicable
	}
	return false
}

// Rule runs its actions when a dossier moves from SourceStage to
// TargetStage.
type Rule struct {
	ID          string
	Name        string
	SourceStage model.Stage
	TargetStage model.Stage
	Condition   Condition
	Actions     Actions
	Active      bool
	Position    int
}

// Role names the staff member a created task is assigned to.
type Role string

const (
	RoleNone    Role = "none"
	RoleJuriste Role = "juriste"
	RoleAvocat  Role = "avocat"
)

// Action is one step of a rule.  It is one of CreateTask,
// CreateReminder or AppendNote.
type Action interface {
	kind() string
}

type CreateTask struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority"`
	DueInDays   int    `json:"due_in_days"`
	AssignTo    Role   `json:"assign_to"`
}

type CreateReminder struct {
	Channel string `json:"channel"`
	Reason  string `json:"reason"`
}

type AppendNote struct {
	Text string `json:"text"`
}

const (
	kindCreateTask     = "create_task"
	kindCreateReminder = "create_reminder"
	kindAppendNote     = "append_note"
)

func (CreateTask) kind() string     { return kindCreateTask }
func (CreateReminder) kind() string { return kindCreateReminder }
func (AppendNote) kind() string     { return kindAppendNote }

// Actions is an ordered action list.  It is stored as a JSON array of
// objects tagged by "type".
type Actions []Action

type envelope struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

func (a Actions) MarshalJSON() ([]byte, error) {
	out := make([]envelope, 0, len(a))
	for _, action := range a {
		config, err := json.Marshal(action)
		if err != nil {
			return nil, err
		}
		out = append(out, envelope{Type: action.kind(), Config: config})
	}
	return json.Marshal(out)
}

func (a *Actions) UnmarshalJSON(data []byte) error {
	var in []envelope
	if err := json.Unmarshal(data, &in); err != nil {
		return errors.Wrap(err, "decoding actions")
	}
	out := make(Actions, 0, len(in))
	for i, env := range in {
		action, err := decodeAction(env)
		if err != nil {
			return errors.Wrapf(err, "decoding action %d", i)
		}
		out = append(out, action)
	}
	*a = out
	return nil
}

func decodeAction(env envelope) (Action, error) {
	config := env.Config
	if len(config) == 0 {
		config = []byte("{}")
	}
	switch env.Type {
	case kindCreateTask:
		var t CreateTask
		err := json.Unmarshal(config, &t)
		return t, err
	case kindCreateReminder:
		var r CreateReminder
		err := json.Unmarshal(config, &r)
		return r, err
	case kindAppendNote:
		var n AppendNote
		err := json.Unmarshal(config, &n)
		return n, err
	}
	return nil, errors.Errorf("unknown action type %q", env.Type)
}
