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

// Package model holds the records persisted by the case management
// store: clients, case files (dossiers), email records and the
// entities created by workflow automation.
package model

import "time"

// Direction of an email record relative to the firm's mailbox.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Stage is the current phase of a dossier's lifecycle.
type Stage string

const (
	StageQualification Stage = "qualification"
	StageMandate       Stage = "mandat"
	StageExpertise     Stage = "expertise"
	StageNegotiation   Stage = "negociation"
	StageJudicial      Stage = "procedure_judiciaire"
	StageClosed        Stage = "cloture"
	StageArchived      Stage = "archive"
)

// Track is whether a dossier proceeds amicably or before a court.
type Track string

const (
	TrackNone     Track = ""
	TrackAmicable Track = "amicable"
	TrackJudicial Track = "judicial"
)

// Client is a person represented by the firm.
type Client struct {
	ID        string    `db:"id"`
	FirstName string    `db:"first_name"`
	LastName  string    `db:"last_name"`
	Email     string    `db:"email"`
	Phone     string    `db:"phone"`
	CreatedAt time.Time `db:"created_at"`
}

// Dossier is a legal matter tracked through the stage sequence.
type Dossier struct {
	ID        string  `db:"id"`
	Reference string  `db:"reference"`
	ClientID  string  `db:"client_id"`
	Title     string  `db:"title"`
	Stage     Stage   `db:"stage"`
	Track     Track   `db:"track"`
	JuristeID *string `db:"juriste_id"`
	AvocatID  *string `db:"avocat_id"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// DossierRow is a dossier joined with its client, as exported.
type DossierRow struct {
	Dossier
	ClientName  string `db:"client_name"`
	ClientEmail string `db:"client_email"`
}

// EmailRecord is one persisted email.  The external id is unique so an
// inbound message is recorded at most once.
type EmailRecord struct {
	ID          string    `db:"id"`
	Direction   Direction `db:"direction"`
	DossierID   *string   `db:"dossier_id"`
	ClientID    *string   `db:"client_id"`
	From        string    `db:"from_address"`
	To          string    `db:"to_address"`
	Subject     string    `db:"subject"`
	Preview     string    `db:"preview"`
	ExternalID  string    `db:"external_id"`
	ThreadID    string    `db:"thread_id"`
	AutoMatched bool      `db:"auto_matched"`
	Read        bool      `db:"is_read"`
	SentAt      time.Time `db:"sent_at"`
	CreatedAt   time.Time `db:"created_at"`
}

// Mailbox is the singleton mailbox configuration: OAuth credentials
// and the sync cursor.
type Mailbox struct {
	EmailAddress string
	RefreshToken string
	AccessToken  string

	// Zero when unknown.
	TokenExpiry time.Time

	// Last fully ingested history id; zero means none.
	HistoryID uint64
}

// Connected reports whether refresh credentials are stored.
func (m *Mailbox) Connected() bool {
	return m != nil && m.RefreshToken != ""
}

// Task is a to-do attached to a dossier.
type Task struct {
	ID          string    `db:"id"`
	DossierID   string    `db:"dossier_id"`
	Title       string    `db:"title"`
	Description string    `db:"description"`
	Priority    string    `db:"priority"`
	DueDate     time.Time `db:"due_date"`
	AssigneeID  *string   `db:"assignee_id"`
	Status      string    `db:"status"`
	Automated   bool      `db:"automated"`
	CreatedAt   time.Time `db:"created_at"`
}

const (
	TaskStatusOpen        = "a_faire"
	ReminderStatusPlanned = "planifie"
)

// Reminder is a planned follow-up with the client.
type Reminder struct {
	ID        string    `db:"id"`
	DossierID string    `db:"dossier_id"`
	Channel   string    `db:"channel"`
	Reason    string    `db:"reason"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
}

// NoteKind distinguishes user notes from automation log entries.
type NoteKind string

const (
	NoteKindNote       NoteKind = "note"
	NoteKindAutomation NoteKind = "automation_log"
)

// Note is a free text entry on a dossier.
type Note struct {
	ID        string    `db:"id"`
	DossierID string    `db:"dossier_id"`
	Body      string    `db:"body"`
	Kind      NoteKind  `db:"kind"`
	CreatedAt time.Time `db:"created_at"`
}
