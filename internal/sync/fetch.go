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

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/lexcab/dossiermail/internal/message"
	"github.com/lexcab/dossiermail/internal/persist"
)

// Mode is how one fetch cycle pulls from the provider: either Backfill
// or Incremental.
type Mode interface {
	isMode()
}

// Backfill lists the most recent inbox messages and seeds the cursor.
// It runs when no cursor is stored.
type Backfill struct {
	MaxResults int64
}

// Incremental reads the provider history from Cursor.
type Incremental struct {
	Cursor uint64
}

func (Backfill) isMode()    {}
func (Incremental) isMode() {}

// ModeFor selects the fetch mode for a stored cursor.  Zero means no
// cursor.
func ModeFor(cursor uint64, maxResults int64) Mode {
	if cursor == 0 {
		return Backfill{MaxResults: maxResults}
	}
	return Incremental{Cursor: cursor}
}

// Fetcher retrieves the identifiers of new inbound messages and keeps
// the sync cursor moving forward.
type Fetcher struct {
	source interface {
		MessageLister
		MessageProfiler
	}
	cursor CursorStore
	log    zerolog.Logger
}

func NewFetcher(source MessageSource, cursor CursorStore, log zerolog.Logger) *Fetcher {
	return &Fetcher{source: source, cursor: cursor, log: log}
}

// FetchNew returns the messages to ingest, in provider order.  No new
// activity is an empty list, not an error.
func (f *Fetcher) FetchNew(ctx context.Context, maxResults int64) ([]message.ID, error) {
	cur, err := f.cursor.Cursor(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading sync cursor")
	}
	switch m := ModeFor(cur, maxResults).(type) {
	case Backfill:
		return f.backfill(ctx, m)
	case Incremental:
		return f.incremental(ctx, m)
	default:
		return nil, errors.Errorf("unknown fetch mode %T", m)
	}
}

// backfill reads the profile first so that messages arriving during
// the listing are seen again by the next incremental cycle.
func (f *Fetcher) backfill(ctx context.Context, m Backfill) ([]message.ID, error) {
	profile, err := f.source.GetProfile(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "seeding sync cursor")
	}
	f.log.Info().Uint64("history_id", profile.HistoryID).Str("mailbox", profile.EmailAddress).
		Int64("max", m.MaxResults).Msg("backfill sync")

	ids, err := f.source.ListRecent(ctx, m.MaxResults)
	if err != nil {
		return nil, errors.Wrap(err, "unable to retrieve recent messages")
	}
	if err := f.advance(ctx, 0, profile.HistoryID); err != nil {
		return nil, err
	}
	return ids, nil
}

func (f *Fetcher) incremental(ctx context.Context, m Incremental) ([]message.ID, error) {
	f.log.Info().Uint64("history_id", m.Cursor).Msg("incremental sync")
	ids, latest, err := f.source.ListFrom(ctx, m.Cursor)
	if err != nil {
		return nil, errors.Wrap(err, "unable to retrieve incremental messages")
	}
	if err := f.advance(ctx, m.Cursor, latest); err != nil {
		return nil, err
	}
	return ids, nil
}

// advance stores next if it is ahead of cur.  A provider answer behind
// the stored cursor is logged and ignored.
func (f *Fetcher) advance(ctx context.Context, cur, next uint64) error {
	switch {
	case next == cur:
		return nil
	case next < cur:
		f.log.Warn().Uint64("stored", cur).Uint64("provider", next).
			Msg("provider history id is behind the stored cursor; keeping cursor")
		return nil
	}
	err := f.cursor.AdvanceCursor(ctx, next)
	if errors.Cause(err) == persist.ErrCursorRegression {
		f.log.Warn().Uint64("history_id", next).Msg("cursor moved by a concurrent run; keeping cursor")
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "advancing sync cursor to %d", next)
	}
	return nil
}
