package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/lexcab/dossiermail/internal/model"
)

func TestActionsJSON(t *testing.T) {
	in := Actions{
		CreateTask{Title: "Convocation expertise", Priority: "normale", DueInDays: 3, AssignTo: RoleAvocat},
		CreateReminder{Channel: "sms", Reason: "Rappeler le RDV"},
		AppendNote{Text: "Expertise fixée"},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out Actions
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("actions changed through JSON (-want +got):\n%s", diff)
	}
}

func TestActionsJSONUnknownType(t *testing.T) {
	var out Actions
	err := json.Unmarshal([]byte(`[{"type":"send_fax","config":{}}]`), &out)
	if err == nil {
		t.Errorf("Unmarshal() accepted unknown action type: %v", out)
	}
}

func TestDecodeActionErrorHasStack(t *testing.T) {
	_, err := decodeAction(envelope{Type: "send_fax"})
	if err == nil {
		t.Fatal("decodeAction() accepted unknown action type")
	}
	if trace := fmt.Sprintf("%+v", err); !strings.Contains(trace, "workflow.decodeAction") {
		t.Errorf("error carries no stack trace:\n%s", trace)
	}
}

func TestLoadSeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	const yaml = `
rules:
  - id: mandat
    name: Mandat signé
    from: qualification
    to: mandat
    actions:
      - type: create_task
        title: Envoyer la convention
        priority: haute
        due_in_days: 7
        assign_to: juriste
      - type: create_reminder
        channel: email
        reason: Relancer
  - from: negociation
    to: procedure_judiciaire
    condition: requires_judicial
    active: false
    actions:
      - type: append_note
        text: Passage au contentieux
`
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}
	rules, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("LoadSeed() error: %v", err)
	}
	want := []Rule{
		{
			ID:          "mandat",
			Name:        "Mandat signé",
			SourceStage: model.StageQualification,
			TargetStage: model.StageMandate,
			Active:      true,
			Actions: Actions{
				CreateTask{Title: "Envoyer la convention", Priority: "haute", DueInDays: 7, AssignTo: RoleJuriste},
				CreateReminder{Channel: "email", Reason: "Relancer"},
			},
		},
		{
			ID:          "negociation-procedure_judiciaire-1",
			SourceStage: model.StageNegotiation,
			TargetStage: model.StageJudicial,
			Condition:   RequiresJudicial,
			Active:      false,
			Position:    1,
			Actions:     Actions{AppendNote{Text: "Passage au contentieux"}},
		},
	}
	if diff := cmp.Diff(want, rules); diff != "" {
		t.Errorf("LoadSeed() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadSeedRejectsBadCondition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	const yaml = `
rules:
  - from: a
    to: b
    condition: sometimes
`
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSeed(path); err == nil {
		t.Error("LoadSeed() accepted an unknown condition")
	}
}
