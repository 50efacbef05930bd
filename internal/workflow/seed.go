package workflow

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/lexcab/dossiermail/internal/model"
)

// seedAction is the flat, file friendly form of an Action.
type seedAction struct {
	Type        string `mapstructure:"type"`
	Title       string `mapstructure:"title"`
	Description string `mapstructure:"description"`
	Priority    string `mapstructure:"priority"`
	DueInDays   int    `mapstructure:"due_in_days"`
	AssignTo    string `mapstructure:"assign_to"`
	Channel     string `mapstructure:"channel"`
	Reason      string `mapstructure:"reason"`
	Text        string `mapstructure:"text"`
}

type seedRule struct {
	ID        string       `mapstructure:"id"`
	Name      string       `mapstructure:"name"`
	From      string       `mapstructure:"from"`
	To        string       `mapstructure:"to"`
	Condition string       `mapstructure:"condition"`
	Active    *bool        `mapstructure:"active"`
	Actions   []seedAction `mapstructure:"actions"`
}

// LoadSeed reads rule definitions from a YAML (or any viper supported)
// file with a top level "rules" list.
func LoadSeed(path string) ([]Rule, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading rule seed %s", path)
	}
	var seed struct {
		Rules []seedRule `mapstructure:"rules"`
	}
	if err := v.Unmarshal(&seed); err != nil {
		return nil, errors.Wrapf(err, "decoding rule seed %s", path)
	}

	rules := make([]Rule, 0, len(seed.Rules))
	for i, sr := range seed.Rules {
		r, err := sr.rule(i)
		if err != nil {
			return nil, errors.Wrapf(err, "rule %d of %s", i, path)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func (sr seedRule) rule(position int) (Rule, error) {
	if sr.From == "" || sr.To == "" {
		return Rule{}, errors.New("from and to stages are required")
	}
	cond := Condition(sr.Condition)
	switch cond {
	case Always, RequiresJudicial, RequiresAmicable:
	default:
		return Rule{}, errors.Errorf("unknown condition %q", sr.Condition)
	}
	r := Rule{
		ID:          sr.ID,
		Name:        sr.Name,
		SourceStage: model.Stage(sr.From),
		TargetStage: model.Stage(sr.To),
		Condition:   cond,
		Active:      sr.Active == nil || *sr.Active,
		Position:    position,
	}
	if r.ID == "" {
		r.ID = fmt.Sprintf("%s-%s-%d", sr.From, sr.To, position)
	}
	for _, sa := range sr.Actions {
		a, err := sa.action()
		if err != nil {
			return Rule{}, err
		}
		r.Actions = append(r.Actions, a)
	}
	return r, nil
}

func (sa seedAction) action() (Action, error) {
	switch sa.Type {
	case kindCreateTask:
		role := Role(sa.AssignTo)
		if role == "" {
			role = RoleNone
		}
		return CreateTask{
			Title:       sa.Title,
			Description: sa.Description,
			Priority:    sa.Priority,
			DueInDays:   sa.DueInDays,
			AssignTo:    role,
		}, nil
	case kindCreateReminder:
		return CreateReminder{Channel: sa.Channel, Reason: sa.Reason}, nil
	case kindAppendNote:
		return AppendNote{Text: sa.Text}, nil
	}
	return nil, errors.Errorf("unknown action type %q", sa.Type)
}

// RuleWriter stores rule definitions.
type RuleWriter interface {
	UpsertRule(ctx context.Context, r Rule) error
}

// Seed writes rules to w, replacing rules with the same id.
func Seed(ctx context.Context, w RuleWriter, rules []Rule) error {
	for _, r := range rules {
		if err := w.UpsertRule(ctx, r); err != nil {
			return errors.Wrapf(err, "seeding rule %s", r.ID)
		}
	}
	return nil
}
