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
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lexcab/dossiermail/internal/model"
)

// EmailExists reports whether an email with the given external id has
// been recorded.
func (db *DB) EmailExists(ctx context.Context, externalID string) (bool, error) {
	var n int
	err := db.get(ctx, &n, `SELECT COUNT(*) FROM emails WHERE external_id = ?`, externalID)
	if err != nil {
		return false, errors.Wrapf(err, "checking email %s", externalID)
	}
	return n > 0, nil
}

// InsertEmail records e, filling in its id and creation time.  It
// returns ErrDuplicate if the external id is already recorded.
func (db *DB) InsertEmail(ctx context.Context, e *model.EmailRecord) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = db.stamp()
	const q = `INSERT INTO emails (
id, direction, dossier_id, client_id, from_address, to_address,
subject, preview, external_id, thread_id, auto_matched, is_read,
sent_at, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (external_id) DO NOTHING`
	res, err := db.exec(ctx, q,
		e.ID, string(e.Direction), e.DossierID, e.ClientID, e.From, e.To,
		e.Subject, e.Preview, e.ExternalID, e.ThreadID, e.AutoMatched, e.Read,
		e.SentAt.UTC(), e.CreatedAt)
	if err != nil {
		return errors.Wrapf(err, "inserting email %s", e.ExternalID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}

const emailColumns = `id, direction, dossier_id, client_id, from_address, to_address,
subject, preview, external_id, thread_id, auto_matched, is_read, sent_at, created_at`

// Emails returns recorded emails, newest first.  An empty dossierID
// lists every email.
func (db *DB) Emails(ctx context.Context, dossierID string) ([]model.EmailRecord, error) {
	var out []model.EmailRecord
	var err error
	if dossierID == "" {
		err = db.selectAll(ctx, &out, `SELECT `+emailColumns+` FROM emails ORDER BY sent_at DESC, id`)
	} else {
		err = db.selectAll(ctx, &out, `SELECT `+emailColumns+` FROM emails
WHERE dossier_id = ? ORDER BY sent_at DESC, id`, dossierID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "listing emails")
	}
	return out, nil
}

// MarkEmailRead flags an email as read.
func (db *DB) MarkEmailRead(ctx context.Context, id string) error {
	res, err := db.exec(ctx, `UPDATE emails SET is_read = ? WHERE id = ?`, true, id)
	if err != nil {
		return errors.Wrapf(err, "marking email %s read", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateClient inserts c, filling in its id and creation time.
func (db *DB) CreateClient(ctx context.Context, c *model.Client) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = db.stamp()
	}
	_, err := db.exec(ctx, `INSERT INTO clients (id, first_name, last_name, email, phone, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.FirstName, c.LastName, c.Email, c.Phone, c.CreatedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "creating client")
	}
	return nil
}

// Clients lists all clients by last name.
func (db *DB) Clients(ctx context.Context) ([]model.Client, error) {
	var out []model.Client
	err := db.selectAll(ctx, &out, `SELECT id, first_name, last_name, email, phone, created_at
FROM clients ORDER BY last_name, first_name, id`)
	if err != nil {
		return nil, errors.Wrap(err, "listing clients")
	}
	return out, nil
}

// ClientByEmail returns the id of the client with the given email,
// compared case-insensitively, or "".  When several clients share the
// address the earliest created wins.
func (db *DB) ClientByEmail(ctx context.Context, email string) (string, error) {
	var id string
	err := db.get(ctx, &id, `SELECT id FROM clients WHERE LOWER(email) = ?
ORDER BY created_at, id LIMIT 1`, strings.ToLower(email))
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "looking up client %s", email)
	}
	return id, nil
}

// CreateDossier inserts d, filling in its id and timestamps.
func (db *DB) CreateDossier(ctx context.Context, d *model.Dossier) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = db.stamp()
	}
	d.UpdatedAt = d.CreatedAt
	_, err := db.exec(ctx, `INSERT INTO dossiers (
id, reference, client_id, title, stage, track, juriste_id, avocat_id, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Reference, d.ClientID, d.Title, string(d.Stage), string(d.Track),
		d.JuristeID, d.AvocatID, d.CreatedAt.UTC(), d.UpdatedAt.UTC())
	if err != nil {
		return errors.Wrapf(err, "creating dossier %s", d.Reference)
	}
	return nil
}

const dossierColumns = `id, reference, client_id, title, stage, track, juriste_id, avocat_id, created_at, updated_at`

// Dossier returns the dossier with the given id, or ErrNotFound.
func (db *DB) Dossier(ctx context.Context, id string) (*model.Dossier, error) {
	var d model.Dossier
	err := db.get(ctx, &d, `SELECT `+dossierColumns+` FROM dossiers WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting dossier %s", id)
	}
	return &d, nil
}

// DossierByReference returns the id of the dossier with exactly the
// given reference, or "".
func (db *DB) DossierByReference(ctx context.Context, ref string) (string, error) {
	var id string
	err := db.get(ctx, &id, `SELECT id FROM dossiers WHERE reference = ?`, ref)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "looking up dossier %s", ref)
	}
	return id, nil
}

// DossiersForClient returns the ids of a client's dossiers, most
// recently created first.
func (db *DB) DossiersForClient(ctx context.Context, clientID string) ([]string, error) {
	var ids []string
	err := db.selectAll(ctx, &ids, `SELECT id FROM dossiers WHERE client_id = ?
ORDER BY created_at DESC, id DESC`, clientID)
	if err != nil {
		return nil, errors.Wrapf(err, "listing dossiers of client %s", clientID)
	}
	return ids, nil
}

// SetStage moves a dossier to stage.
func (db *DB) SetStage(ctx context.Context, id string, stage model.Stage) error {
	res, err := db.exec(ctx, `UPDATE dossiers SET stage = ?, updated_at = ? WHERE id = ?`,
		string(stage), db.stamp(), id)
	if err != nil {
		return errors.Wrapf(err, "setting stage of dossier %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExportDossiers lists every dossier joined with its client, by
// reference.
func (db *DB) ExportDossiers(ctx context.Context) ([]model.DossierRow, error) {
	var out []model.DossierRow
	err := db.selectAll(ctx, &out, `SELECT
d.id, d.reference, d.client_id, d.title, d.stage, d.track, d.juriste_id, d.avocat_id,
d.created_at, d.updated_at,
COALESCE(c.first_name || ' ' || c.last_name, '') AS client_name,
COALESCE(c.email, '') AS client_email
FROM dossiers d LEFT JOIN clients c ON c.id = d.client_id
ORDER BY d.reference`)
	if err != nil {
		return nil, errors.Wrap(err, "exporting dossiers")
	}
	return out, nil
}

// CreateTask inserts t, filling in its id and creation time.
func (db *DB) CreateTask(ctx context.Context, t *model.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = db.stamp()
	_, err := db.exec(ctx, `INSERT INTO tasks (
id, dossier_id, title, description, priority, due_date, assignee_id, status, automated, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.DossierID, t.Title, t.Description, t.Priority, t.DueDate.UTC(),
		t.AssigneeID, t.Status, t.Automated, t.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "creating task")
	}
	return nil
}

// Tasks lists a dossier's tasks in creation order.
func (db *DB) Tasks(ctx context.Context, dossierID string) ([]model.Task, error) {
	var out []model.Task
	err := db.selectAll(ctx, &out, `SELECT id, dossier_id, title, description, priority, due_date,
assignee_id, status, automated, created_at
FROM tasks WHERE dossier_id = ? ORDER BY created_at, id`, dossierID)
	if err != nil {
		return nil, errors.Wrap(err, "listing tasks")
	}
	return out, nil
}

// CreateReminder inserts r, filling in its id and creation time.
func (db *DB) CreateReminder(ctx context.Context, r *model.Reminder) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = db.stamp()
	_, err := db.exec(ctx, `INSERT INTO reminders (id, dossier_id, channel, reason, status, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.DossierID, r.Channel, r.Reason, r.Status, r.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "creating reminder")
	}
	return nil
}

// Reminders lists a dossier's reminders in creation order.
func (db *DB) Reminders(ctx context.Context, dossierID string) ([]model.Reminder, error) {
	var out []model.Reminder
	err := db.selectAll(ctx, &out, `SELECT id, dossier_id, channel, reason, status, created_at
FROM reminders WHERE dossier_id = ? ORDER BY created_at, id`, dossierID)
	if err != nil {
		return nil, errors.Wrap(err, "listing reminders")
	}
	return out, nil
}

// CreateNote inserts n, filling in its id and creation time.
func (db *DB) CreateNote(ctx context.Context, n *model.Note) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = db.stamp()
	_, err := db.exec(ctx, `INSERT INTO notes (id, dossier_id, body, kind, created_at)
VALUES (?, ?, ?, ?, ?)`,
		n.ID, n.DossierID, n.Body, string(n.Kind), n.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "creating note")
	}
	return nil
}

// Notes lists a dossier's notes in creation order.
func (db *DB) Notes(ctx context.Context, dossierID string) ([]model.Note, error) {
	var out []model.Note
	err := db.selectAll(ctx, &out, `SELECT id, dossier_id, body, kind, created_at
FROM notes WHERE dossier_id = ? ORDER BY created_at, id`, dossierID)
	if err != nil {
		return nil, errors.Wrap(err, "listing notes")
	}
	return out, nil
}
