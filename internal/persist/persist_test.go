package persist

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/lexcab/dossiermail/internal/match"
	"github.com/lexcab/dossiermail/internal/model"
	"github.com/lexcab/dossiermail/internal/workflow"
)

func TestOrdered(t *testing.T) {
	cases := []struct {
		u uint64
		s int64
	}{
		{0, math.MinInt64},
		{math.MaxUint64, math.MaxInt64},
		{math.MaxInt64 + 1, 0},
	}
	for _, tc := range cases {
		s := orderedToSigned(tc.u)
		if s != tc.s {
			t.Errorf("orderedToSigned(%x) = %x, want %x", tc.u, s, tc.s)
		}
		u := orderedToUnsigned(tc.s)
		if u != tc.u {
			t.Errorf("orderedToUnsigned(%x) = %x, want %x", tc.s, u, tc.u)
		}
	}
}

func TestDSNFromPath(t *testing.T) {
	cases := []struct {
		path, want string
	}{
		{"/var/lib/dossiermail.db", "file:///var/lib/dossiermail.db?_busy_timeout=1000"},
		{"file:test.db?mode=ro", "file:test.db?_busy_timeout=1000&mode=ro"},
	}
	for _, tc := range cases {
		got, err := dsnFromPath(tc.path, map[string][]string{"_busy_timeout": {"1000"}})
		if err != nil {
			t.Errorf("dsnFromPath(%q) failed: %v", tc.path, err)
			continue
		}
		if got != tc.want {
			t.Errorf("dsnFromPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

// clock hands out strictly increasing timestamps.
type clock struct {
	t time.Time
}

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), "sqlite3", ":memory:", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	c := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	db.now = c.now
	return db
}

func TestMailbox(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	m, err := db.Mailbox(ctx)
	if err != nil || m != nil {
		t.Fatalf("Mailbox() on empty db = %v, %v", m, err)
	}
	if err := db.SaveAccessToken(ctx, "a", time.Time{}, ""); err != ErrNoMailbox {
		t.Errorf("SaveAccessToken() without mailbox = %v, want %v", err, ErrNoMailbox)
	}

	expiry := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := db.SaveConnection(ctx, "cabinet@mail.fr", "r1", "a1", expiry); err != nil {
		t.Fatal(err)
	}
	if err := db.AdvanceCursor(ctx, 500); err != nil {
		t.Fatal(err)
	}
	later := expiry.Add(time.Hour)
	if err := db.SaveAccessToken(ctx, "a2", later, ""); err != nil {
		t.Fatal(err)
	}
	m, err = db.Mailbox(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := &model.Mailbox{
		EmailAddress: "cabinet@mail.fr",
		RefreshToken: "r1",
		AccessToken:  "a2",
		TokenExpiry:  later,
		HistoryID:    500,
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("Mailbox() mismatch (-want +got):\n%s", diff)
	}

	// Reconnecting replaces credentials but keeps the cursor.
	if err := db.SaveConnection(ctx, "cabinet@mail.fr", "r2", "a3", time.Time{}); err != nil {
		t.Fatal(err)
	}
	m, _ = db.Mailbox(ctx)
	if m.RefreshToken != "r2" || !m.TokenExpiry.IsZero() || m.HistoryID != 500 {
		t.Errorf("after reconnect Mailbox() = %+v", m)
	}
}

func TestCursor(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.AdvanceCursor(ctx, 10); err != ErrNoMailbox {
		t.Errorf("AdvanceCursor() without mailbox = %v, want %v", err, ErrNoMailbox)
	}
	if err := db.SaveConnection(ctx, "cabinet@mail.fr", "r", "a", time.Time{}); err != nil {
		t.Fatal(err)
	}
	if c, err := db.Cursor(ctx); err != nil || c != 0 {
		t.Errorf("Cursor() = %d, %v, want 0", c, err)
	}

	steps := []struct {
		id   uint64
		want error
	}{
		{100, nil},
		{100, nil},
		{99, ErrCursorRegression},
		{math.MaxUint64, nil},
	}
	for _, s := range steps {
		if err := db.AdvanceCursor(ctx, s.id); err != s.want {
			t.Errorf("AdvanceCursor(%d) = %v, want %v", s.id, err, s.want)
		}
	}
	if c, _ := db.Cursor(ctx); c != math.MaxUint64 {
		t.Errorf("Cursor() = %d, want %d", c, uint64(math.MaxUint64))
	}

	if err := db.ClearCursor(ctx); err != nil {
		t.Fatal(err)
	}
	if c, _ := db.Cursor(ctx); c != 0 {
		t.Errorf("Cursor() after clear = %d, want 0", c)
	}
	if err := db.AdvanceCursor(ctx, 5); err != nil {
		t.Errorf("AdvanceCursor() after clear = %v", err)
	}
}

func TestInsertEmail(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	dossier := "d1"
	sent := time.Date(2024, 2, 28, 17, 4, 0, 0, time.UTC)
	e := &model.EmailRecord{
		Direction:   model.DirectionReceived,
		DossierID:   &dossier,
		From:        "Jean Dupont <jean.dupont@mail.fr>",
		To:          "cabinet@mail.fr",
		Subject:     "Re: CC-2024-0153",
		Preview:     "Bonjour",
		ExternalID:  "18e0c",
		ThreadID:    "18e0a",
		AutoMatched: true,
		SentAt:      sent,
	}
	if ok, err := db.EmailExists(ctx, "18e0c"); err != nil || ok {
		t.Fatalf("EmailExists() before insert = %v, %v", ok, err)
	}
	if err := db.InsertEmail(ctx, e); err != nil {
		t.Fatal(err)
	}
	if e.ID == "" || e.CreatedAt.IsZero() {
		t.Errorf("InsertEmail() did not fill id and creation time: %+v", e)
	}
	if ok, err := db.EmailExists(ctx, "18e0c"); err != nil || !ok {
		t.Errorf("EmailExists() after insert = %v, %v", ok, err)
	}

	dup := *e
	dup.ID = ""
	if err := db.InsertEmail(ctx, &dup); err != ErrDuplicate {
		t.Errorf("second InsertEmail() = %v, want %v", err, ErrDuplicate)
	}

	got, err := db.Emails(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]model.EmailRecord{*e}, got); diff != "" {
		t.Errorf("Emails() mismatch (-want +got):\n%s", diff)
	}

	if err := db.MarkEmailRead(ctx, e.ID); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.Emails(ctx, ""); len(got) != 1 || !got[0].Read {
		t.Errorf("Emails() after MarkEmailRead = %+v", got)
	}
	if err := db.MarkEmailRead(ctx, "nope"); err != ErrNotFound {
		t.Errorf("MarkEmailRead(unknown) = %v, want %v", err, ErrNotFound)
	}
}

// seedDirectory creates two clients; Jean has two dossiers.
func seedDirectory(t *testing.T, db *DB) (jean, marie model.Client, older, newer model.Dossier) {
	t.Helper()
	ctx := context.Background()
	jean = model.Client{FirstName: "Jean", LastName: "Dupont", Email: "Jean.Dupont@Mail.fr"}
	marie = model.Client{FirstName: "Marie", LastName: "Curie", Email: "marie@mail.fr"}
	for _, c := range []*model.Client{&jean, &marie} {
		if err := db.CreateClient(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	older = model.Dossier{Reference: "CC-2024-0100", ClientID: jean.ID, Title: "Chute", Stage: model.StageMandate}
	newer = model.Dossier{Reference: "CC-2024-0153", ClientID: jean.ID, Title: "Accident", Stage: model.StageExpertise, Track: model.TrackAmicable}
	for _, d := range []*model.Dossier{&older, &newer} {
		if err := db.CreateDossier(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	return jean, marie, older, newer
}

func TestDirectoryLookups(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	jean, _, older, newer := seedDirectory(t, db)

	if id, err := db.ClientByEmail(ctx, "JEAN.DUPONT@mail.FR"); err != nil || id != jean.ID {
		t.Errorf("ClientByEmail() = %q, %v, want %q", id, err, jean.ID)
	}
	if id, err := db.ClientByEmail(ctx, "nobody@mail.fr"); err != nil || id != "" {
		t.Errorf("ClientByEmail(unknown) = %q, %v", id, err)
	}
	if id, err := db.DossierByReference(ctx, "CC-2024-0153"); err != nil || id != newer.ID {
		t.Errorf("DossierByReference() = %q, %v, want %q", id, err, newer.ID)
	}
	if id, err := db.DossierByReference(ctx, "cc-2024-0153"); err != nil || id != "" {
		t.Errorf("DossierByReference() is not exact: %q, %v", id, err)
	}
	ids, err := db.DossiersForClient(ctx, jean.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{newer.ID, older.ID}, ids); diff != "" {
		t.Errorf("DossiersForClient() mismatch (-want +got):\n%s", diff)
	}
}

func TestMatchAgainstStore(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, marie, older, newer := seedDirectory(t, db)
	m := match.New(db)

	cases := []struct {
		desc, subject, from, body, want string
	}{
		{"reference", "Re: CC-2024-0100", "x@y.fr", "", older.ID},
		{"sender fallback", "Bonjour", "Jean <jean.dupont@mail.fr>", "", newer.ID},
		{"client without dossier", "Bonjour", marie.Email, "", ""},
		{"unknown", "Bonjour", "x@y.fr", "", ""},
	}
	for _, tc := range cases {
		got, err := m.Match(ctx, tc.subject, tc.from, tc.body)
		if err != nil {
			t.Errorf("%s: Match() failed: %v", tc.desc, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: Match() = %q, want %q", tc.desc, got, tc.want)
		}
	}
}

func TestSetStage(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, _, older, _ := seedDirectory(t, db)

	if err := db.SetStage(ctx, older.ID, model.StageExpertise); err != nil {
		t.Fatal(err)
	}
	d, err := db.Dossier(ctx, older.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Stage != model.StageExpertise || !d.UpdatedAt.After(d.CreatedAt) {
		t.Errorf("Dossier() after SetStage = %+v", d)
	}
	if err := db.SetStage(ctx, "nope", model.StageClosed); err != ErrNotFound {
		t.Errorf("SetStage(unknown) = %v, want %v", err, ErrNotFound)
	}
	if _, err := db.Dossier(ctx, "nope"); err != ErrNotFound {
		t.Errorf("Dossier(unknown) = %v, want %v", err, ErrNotFound)
	}
}

func TestExportDossiers(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, _, older, newer := seedDirectory(t, db)
	orphan := model.Dossier{Reference: "CC-2024-0001", ClientID: "gone", Stage: model.StageQualification}
	if err := db.CreateDossier(ctx, &orphan); err != nil {
		t.Fatal(err)
	}

	rows, err := db.ExportDossiers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var got []model.DossierRow
	for _, r := range rows {
		got = append(got, model.DossierRow{
			Dossier:     model.Dossier{Reference: r.Reference},
			ClientName:  r.ClientName,
			ClientEmail: r.ClientEmail,
		})
	}
	want := []model.DossierRow{
		{Dossier: model.Dossier{Reference: orphan.Reference}},
		{Dossier: model.Dossier{Reference: older.Reference}, ClientName: "Jean Dupont", ClientEmail: "Jean.Dupont@Mail.fr"},
		{Dossier: model.Dossier{Reference: newer.Reference}, ClientName: "Jean Dupont", ClientEmail: "Jean.Dupont@Mail.fr"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ExportDossiers() mismatch (-want +got):\n%s", diff)
	}

	clients, err := db.Clients(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(clients) != 2 || clients[0].LastName != "Curie" {
		t.Errorf("Clients() = %+v, want Curie first", clients)
	}
}

func TestRules(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	rules := []workflow.Rule{
		{
			ID:          "second",
			SourceStage: model.StageNegotiation,
			TargetStage: model.StageJudicial,
			Actions:     workflow.Actions{workflow.AppendNote{Text: "Passage au contentieux"}},
			Active:      true,
			Position:    2,
		},
		{
			ID:          "first",
			Name:        "Assignation",
			SourceStage: model.StageNegotiation,
			TargetStage: model.StageJudicial,
			Condition:   workflow.RequiresJudicial,
			Actions: workflow.Actions{
				workflow.CreateTask{Title: "Rédiger l'assignation", Priority: "haute", DueInDays: 7, AssignTo: workflow.RoleAvocat},
				workflow.CreateReminder{Channel: "email", Reason: "Informer le client"},
			},
			Active:   true,
			Position: 1,
		},
		{
			ID:          "inactive",
			SourceStage: model.StageNegotiation,
			TargetStage: model.StageJudicial,
			Actions:     workflow.Actions{workflow.AppendNote{Text: "x"}},
			Position:    0,
		},
		{
			ID:          "other",
			SourceStage: model.StageMandate,
			TargetStage: model.StageExpertise,
			Actions:     workflow.Actions{workflow.AppendNote{Text: "y"}},
			Active:      true,
		},
	}
	if err := workflow.Seed(ctx, db, rules); err != nil {
		t.Fatal(err)
	}

	got, err := db.ActiveRules(ctx, model.StageNegotiation, model.StageJudicial)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]workflow.Rule{rules[1], rules[0]}, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("ActiveRules() mismatch (-want +got):\n%s", diff)
	}

	// Upserting replaces the rule in place.
	rules[0].Active = false
	if err := db.UpsertRule(ctx, rules[0]); err != nil {
		t.Fatal(err)
	}
	got, _ = db.ActiveRules(ctx, model.StageNegotiation, model.StageJudicial)
	if len(got) != 1 || got[0].ID != "first" {
		t.Errorf("ActiveRules() after deactivation = %+v", got)
	}
}

func TestRulesSkipUndecodable(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, err := db.exec(ctx, `INSERT INTO workflow_rules
(id, source_stage, target_stage, actions, active, position, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`, "broken", string(model.StageMandate), string(model.StageExpertise),
		`[{"type":"teleport","config":{}}]`, true, 0, db.stamp())
	if err != nil {
		t.Fatal(err)
	}
	got, err := db.ActiveRules(ctx, model.StageMandate, model.StageExpertise)
	if err != nil || len(got) != 0 {
		t.Errorf("ActiveRules() = %+v, %v, want none", got, err)
	}
}

func TestRuleStoreUnavailable(t *testing.T) {
	db := openTestDB(t)
	db.Close()
	_, err := db.ActiveRules(context.Background(), model.StageMandate, model.StageExpertise)
	if err == nil || !errors.Is(err, ErrRuleStoreUnavailable) {
		t.Errorf("ActiveRules() on closed db = %v, want %v", err, ErrRuleStoreUnavailable)
	}
	if cause := errors.Unwrap(err); cause == nil || !strings.Contains(cause.Error(), "database is closed") {
		t.Errorf("ActiveRules() lost the driver error: unwraps to %v", cause)
	}
}

func TestAutomationRecords(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, _, _, d := seedDirectory(t, db)

	due := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	task := &model.Task{DossierID: d.ID, Title: "Relancer l'expert", Priority: "normale", DueDate: due,
		Status: model.TaskStatusOpen, Automated: true}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateReminder(ctx, &model.Reminder{DossierID: d.ID, Channel: "sms", Reason: "RDV",
		Status: model.ReminderStatusPlanned}); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateNote(ctx, &model.Note{DossierID: d.ID, Body: "ok", Kind: model.NoteKindAutomation}); err != nil {
		t.Fatal(err)
	}

	tasks, err := db.Tasks(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]model.Task{*task}, tasks); diff != "" {
		t.Errorf("Tasks() mismatch (-want +got):\n%s", diff)
	}
	reminders, _ := db.Reminders(ctx, d.ID)
	notes, _ := db.Notes(ctx, d.ID)
	if len(reminders) != 1 || len(notes) != 1 || notes[0].Kind != model.NoteKindAutomation {
		t.Errorf("Reminders() = %+v, Notes() = %+v", reminders, notes)
	}
}
