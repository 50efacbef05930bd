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

package sync

// This file declares the collaborators of the ingestion pipeline.

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/lexcab/dossiermail/internal/message"
	"github.com/lexcab/dossiermail/internal/model"
)

// MessageLister lists message identifiers from the mailbox provider.
type MessageLister interface {
	// ListRecent returns at most maxResults recent inbox messages.
	ListRecent(ctx context.Context, maxResults int64) ([]message.ID, error)

	// ListFrom returns the messages added since historyID and the
	// provider's new history id.
	ListFrom(ctx context.Context, historyID uint64) ([]message.ID, uint64, error)
}

// MessageGetter gets one full message.
type MessageGetter interface {
	GetMessage(ctx context.Context, id string) (*message.Message, error)
}

// MessageProfiler gets per account metadata from the provider.
type MessageProfiler interface {
	GetProfile(ctx context.Context) (*message.Profile, error)
}

// MessageSource provides everything the pipeline reads from the
// provider.
type MessageSource interface {
	MessageLister
	MessageGetter
	MessageProfiler
}

// CursorStore persists the sync cursor.  AdvanceCursor must refuse to
// move the cursor backwards.
type CursorStore interface {
	Cursor(ctx context.Context) (uint64, error)
	AdvanceCursor(ctx context.Context, historyID uint64) error
}

// RecordStore persists email records.
type RecordStore interface {
	EmailExists(ctx context.Context, externalID string) (bool, error)
	InsertEmail(ctx context.Context, e *model.EmailRecord) error
}

// Matcher associates a message with a dossier and a client.
type Matcher interface {
	Match(ctx context.Context, subject, from, body string) (string, error)
	ClientForSender(ctx context.Context, from string) (string, error)
}

// Authorizer yields a valid mailbox token, failing when the mailbox is
// not connected or the credentials were revoked.
type Authorizer interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}
