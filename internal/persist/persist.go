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
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/lexcab/dossiermail/internal/model"

	// Postgres (Supabase) driver, registered as "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"
	// SQLite driver for local installs and tests, registered as "sqlite3".
	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound             = errors.New("record not found")
	ErrDuplicate            = errors.New("duplicate record")
	ErrNoMailbox            = errors.New("mailbox configuration missing")
	ErrCursorRegression     = errors.New("attempt to decrease the sync cursor")
	ErrRuleStoreUnavailable = errors.New("workflow rule store unavailable")
)

var (
	createTableSql = []string{
		// The mailbox_config table holds the single connected
		// mailbox.  There is at most one row, with id 1.
		//
		// Field: refresh_token, access_token, token_expiry
		//
		//   OAuth credentials.  An empty refresh_token means the
		//   mailbox is not connected.  token_expiry is NULL when
		//   the access token's lifetime is unknown.
		//
		// Field: history_id
		//
		//   The sync cursor: the Gmail history ID up to which the
		//   mailbox has been ingested, stored order-preserving
		//   as a signed integer (see orderedToSigned).  NULL means
		//   no sync has completed and the next run backfills.
		//
		//   Only ever increases, except when an operator clears
		//   it to force a backfill.
		`
CREATE TABLE IF NOT EXISTS mailbox_config (
id INTEGER NOT NULL PRIMARY KEY,
email_address TEXT NOT NULL DEFAULT '',
refresh_token TEXT NOT NULL DEFAULT '',
access_token TEXT NOT NULL DEFAULT '',
token_expiry TIMESTAMP,
history_id BIGINT,
connected_at TIMESTAMP
);`,
		`
CREATE TABLE IF NOT EXISTS clients (
id TEXT NOT NULL PRIMARY KEY,
first_name TEXT NOT NULL DEFAULT '',
last_name TEXT NOT NULL DEFAULT '',
email TEXT NOT NULL DEFAULT '',
phone TEXT NOT NULL DEFAULT '',
created_at TIMESTAMP NOT NULL
);`,
		// The dossiers table holds case files.
		//
		// Field: reference
		//
		//   Human readable code such as CC-2024-0153.  Inbound
		//   mail is matched against it.
		//
		// Field: juriste_id, avocat_id
		//
		//   Staff assigned to the dossier; automation assigns
		//   tasks to them by role.
		`
CREATE TABLE IF NOT EXISTS dossiers (
id TEXT NOT NULL PRIMARY KEY,
reference TEXT NOT NULL UNIQUE,
client_id TEXT NOT NULL,
title TEXT NOT NULL DEFAULT '',
stage TEXT NOT NULL,
track TEXT NOT NULL DEFAULT '',
juriste_id TEXT,
avocat_id TEXT,
created_at TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL
);`,
		// The emails table records sent and received mail.
		//
		// Field: external_id
		//
		//   Gmail Users.messages resource "id".  Unique, which
		//   makes ingestion idempotent.
		//
		// Field: dossier_id, client_id
		//
		//   NULL when the message could not be linked.
		`
CREATE TABLE IF NOT EXISTS emails (
id TEXT NOT NULL PRIMARY KEY,
direction TEXT NOT NULL,
dossier_id TEXT,
client_id TEXT,
from_address TEXT NOT NULL DEFAULT '',
to_address TEXT NOT NULL DEFAULT '',
subject TEXT NOT NULL DEFAULT '',
preview TEXT NOT NULL DEFAULT '',
external_id TEXT NOT NULL UNIQUE,
thread_id TEXT NOT NULL DEFAULT '',
auto_matched BOOLEAN NOT NULL DEFAULT FALSE,
is_read BOOLEAN NOT NULL DEFAULT FALSE,
sent_at TIMESTAMP NOT NULL,
created_at TIMESTAMP NOT NULL
);`,
		// The workflow_rules table holds automation rules, authored
		// outside the pipeline.
		//
		// Field: condition_tag
		//
		//   Empty, "requires_judicial" or "requires_amicable".
		//
		// Field: actions
		//
		//   JSON array of tagged actions, executed in order.
		`
CREATE TABLE IF NOT EXISTS workflow_rules (
id TEXT NOT NULL PRIMARY KEY,
name TEXT NOT NULL DEFAULT '',
source_stage TEXT NOT NULL,
target_stage TEXT NOT NULL,
condition_tag TEXT NOT NULL DEFAULT '',
actions TEXT NOT NULL,
active BOOLEAN NOT NULL DEFAULT TRUE,
position INTEGER NOT NULL DEFAULT 0,
created_at TIMESTAMP NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS tasks (
id TEXT NOT NULL PRIMARY KEY,
dossier_id TEXT NOT NULL,
title TEXT NOT NULL,
description TEXT NOT NULL DEFAULT '',
priority TEXT NOT NULL DEFAULT '',
due_date TIMESTAMP NOT NULL,
assignee_id TEXT,
status TEXT NOT NULL,
automated BOOLEAN NOT NULL DEFAULT FALSE,
created_at TIMESTAMP NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS reminders (
id TEXT NOT NULL PRIMARY KEY,
dossier_id TEXT NOT NULL,
channel TEXT NOT NULL,
reason TEXT NOT NULL,
status TEXT NOT NULL,
created_at TIMESTAMP NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS notes (
id TEXT NOT NULL PRIMARY KEY,
dossier_id TEXT NOT NULL,
body TEXT NOT NULL,
kind TEXT NOT NULL,
created_at TIMESTAMP NOT NULL
);`,
	}
)

// DB is the application's relational store.  It implements the
// storage interfaces of the sync, match, token, workflow, dossier and
// outbound packages.
type DB struct {
	db  *sqlx.DB
	log zerolog.Logger
	now func() time.Time
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open connects to the database and creates any missing tables.
// driver is "sqlite3" or "pgx"; for sqlite3, dsn is a file path or
// ":memory:".
func Open(ctx context.Context, driver, dsn string, log zerolog.Logger) (*DB, error) {
	if driver == "sqlite3" && dsn != ":memory:" {
		// The _busy_timeout is a SQLite extension that controls
		// how long SQLite will poll before giving up.
		var busyTimeout = int(5*time.Minute) / int(time.Millisecond)
		var err error
		dsn, err = dsnFromPath(dsn, url.Values{
			"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
		if err != nil {
			return nil, errors.Wrapf(err,
				"Open(%q) failed: could not form a DB DSN from "+
					"the given path", dsn)
		}
	}
	log.Info().Str("driver", driver).Msg("opening database")
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "Open(%q) failed", driver)
	}
	if driver == "sqlite3" {
		// An in-memory database lives and dies with its
		// connection.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err = initSchema(ctx, db, log); err != nil {
		db.Close()
		return nil, errors.Wrap(err,
			"Open failed: could not initialize the database schema")
	}

	return &DB{db: db, log: log, now: time.Now}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func initSchema(ctx context.Context, db *sqlx.DB, log zerolog.Logger) error {
	for _, sql := range createTableSql {
		log.Debug().Str("sql", sql).Msg("SQL Exec")
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}
	return nil
}

func (db *DB) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.db.ExecContext(ctx, db.db.Rebind(query), args...)
}

func (db *DB) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return db.db.GetContext(ctx, dest, db.db.Rebind(query), args...)
}

func (db *DB) selectAll(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return db.db.SelectContext(ctx, dest, db.db.Rebind(query), args...)
}

func (db *DB) stamp() time.Time {
	return db.now().UTC()
}

func orderedToSigned(u uint64) int64 {
	return int64(u - -math.MinInt64) // Imagine 0..255 -> -128..127
}

func orderedToUnsigned(s int64) uint64 {
	return uint64(s) + -math.MinInt64 // Imagine -128..127 -> 0..255
}

type mailboxRow struct {
	EmailAddress string        `db:"email_address"`
	RefreshToken string        `db:"refresh_token"`
	AccessToken  string        `db:"access_token"`
	TokenExpiry  sql.NullTime  `db:"token_expiry"`
	HistoryID    sql.NullInt64 `db:"history_id"`
}

// Mailbox returns the mailbox configuration, or nil if no mailbox was
// ever connected.
func (db *DB) Mailbox(ctx context.Context) (*model.Mailbox, error) {
	const q = `SELECT email_address, refresh_token, access_token, token_expiry, history_id
FROM mailbox_config WHERE id = 1`
	var row mailboxRow
	if err := db.get(ctx, &row, q); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // a non-error
		}
		return nil, errors.Wrap(err, "reading mailbox configuration")
	}
	m := &model.Mailbox{
		EmailAddress: row.EmailAddress,
		RefreshToken: row.RefreshToken,
		AccessToken:  row.AccessToken,
	}
	if row.TokenExpiry.Valid {
		m.TokenExpiry = row.TokenExpiry.Time
	}
	if row.HistoryID.Valid {
		m.HistoryID = orderedToUnsigned(row.HistoryID.Int64)
	}
	return m, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// SaveConnection stores the credentials obtained when the mailbox is
// connected.  The sync cursor is kept.
func (db *DB) SaveConnection(ctx context.Context, email, refresh, access string, expiry time.Time) error {
	const q = `INSERT INTO mailbox_config
(id, email_address, refresh_token, access_token, token_expiry, connected_at)
VALUES (1, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
email_address = excluded.email_address,
refresh_token = excluded.refresh_token,
access_token = excluded.access_token,
token_expiry = excluded.token_expiry,
connected_at = excluded.connected_at`
	if _, err := db.exec(ctx, q, email, refresh, access, nullTime(expiry), db.stamp()); err != nil {
		return errors.Wrap(err, "saving mailbox connection")
	}
	return nil
}

// SaveAccessToken stores a refreshed access token.  A non-empty
// refresh token replaces the stored one.
func (db *DB) SaveAccessToken(ctx context.Context, access string, expiry time.Time, refresh string) error {
	q := `UPDATE mailbox_config SET access_token = ?, token_expiry = ? WHERE id = 1`
	args := []interface{}{access, nullTime(expiry)}
	if refresh != "" {
		q = `UPDATE mailbox_config SET access_token = ?, token_expiry = ?, refresh_token = ? WHERE id = 1`
		args = append(args, refresh)
	}
	res, err := db.exec(ctx, q, args...)
	if err != nil {
		return errors.Wrap(err, "saving access token")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoMailbox
	}
	return nil
}

// Cursor returns the sync cursor, or zero if none is stored.
func (db *DB) Cursor(ctx context.Context) (uint64, error) {
	m, err := db.Mailbox(ctx)
	if err != nil || m == nil {
		return 0, err
	}
	return m.HistoryID, nil
}

// AdvanceCursor stores historyID as the sync cursor.  Writing the
// current value again is allowed; writing a lower one is not.
func (db *DB) AdvanceCursor(ctx context.Context, historyID uint64) error {
	const q = `UPDATE mailbox_config SET history_id = ?
WHERE id = 1 AND (history_id IS NULL OR history_id <= ?)`
	s := orderedToSigned(historyID)
	res, err := db.exec(ctx, q, s, s)
	if err != nil {
		return errors.Wrap(err, "db update failed")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	m, err := db.Mailbox(ctx)
	if err != nil {
		return err
	}
	if m == nil {
		return ErrNoMailbox
	}
	return ErrCursorRegression
}

// ClearCursor forgets the sync cursor so that the next run backfills.
func (db *DB) ClearCursor(ctx context.Context) error {
	if _, err := db.exec(ctx, `UPDATE mailbox_config SET history_id = NULL WHERE id = 1`); err != nil {
		return errors.Wrap(err, "clearing sync cursor")
	}
	return nil
}
