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

/*
Package sync ingests inbound mail into email records.

One run fetches the new message ids, then handles each message in
fetch order: skip it if already recorded, get the full message, parse
it, match it to a dossier and a client, and record it.  A failure on one
message is logged and the message is skipped; it was never recorded, so
the next run whose listing includes it will try again.  A token failure
or a failed listing aborts the run.

Runs must not overlap.  The caller serializes them.
*/
package sync

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/lexcab/dossiermail/internal/message"
	"github.com/lexcab/dossiermail/internal/model"
	"github.com/lexcab/dossiermail/internal/parse"
	"github.com/lexcab/dossiermail/internal/persist"
)

// Result counts what one run recorded.
type Result struct {
	Processed int `json:"processed"`
	Linked    int `json:"linked"`
}

type Pipeline struct {
	auth    Authorizer
	fetcher *Fetcher
	source  MessageGetter
	records RecordStore
	matcher Matcher
	log     zerolog.Logger
	now     func() time.Time
}

func NewPipeline(auth Authorizer, source MessageSource, cursor CursorStore,
	records RecordStore, matcher Matcher, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		auth:    auth,
		fetcher: NewFetcher(source, cursor, log),
		source:  source,
		records: records,
		matcher: matcher,
		log:     log,
		now:     time.Now,
	}
}

// Run performs one ingestion pass over at most maxResults messages
// when backfilling, or over the whole history since the cursor.
func (p *Pipeline) Run(ctx context.Context, maxResults int64) (Result, error) {
	var res Result
	if _, err := p.auth.Token(ctx); err != nil {
		return res, errors.Wrap(err, "failed to sync")
	}
	ids, err := p.fetcher.FetchNew(ctx, maxResults)
	if err != nil {
		return res, errors.Wrap(err, "failed to sync")
	}
	p.log.Info().Int("messages", len(ids)).Msg("pulling Gmail messages")

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		recorded, linked, err := p.ingest(ctx, id)
		if err != nil {
			p.log.Warn().Err(err).Str("message_id", id.PermID).Msg("skipping message")
			continue
		}
		if recorded {
			res.Processed++
		}
		if linked {
			res.Linked++
		}
	}
	p.log.Info().Int("processed", res.Processed).Int("linked", res.Linked).Msg("sync done")
	return res, nil
}

// ingest records one message.  recorded is false when the message was
// already known.
func (p *Pipeline) ingest(ctx context.Context, id message.ID) (recorded, linked bool, err error) {
	exists, err := p.records.EmailExists(ctx, id.PermID)
	if err != nil {
		return false, false, err
	}
	if exists {
		return false, false, nil
	}

	msg, err := p.source.GetMessage(ctx, id.PermID)
	if err != nil {
		return false, false, err
	}
	parsed := parse.Message(msg)

	dossierID, err := p.matcher.Match(ctx, parsed.Subject, parsed.From, parsed.Body)
	if err != nil {
		return false, false, errors.Wrap(err, "matching dossier")
	}
	clientID, err := p.matcher.ClientForSender(ctx, parsed.From)
	if err != nil {
		return false, false, errors.Wrap(err, "resolving client")
	}

	threadID := msg.ID.ThreadID
	if threadID == "" {
		threadID = id.ThreadID
	}
	rec := &model.EmailRecord{
		Direction:   model.DirectionReceived,
		DossierID:   optional(dossierID),
		ClientID:    optional(clientID),
		From:        parsed.From,
		To:          parsed.To,
		Subject:     parsed.Subject,
		Preview:     parse.Preview(parsed.Body),
		ExternalID:  id.PermID,
		ThreadID:    threadID,
		AutoMatched: dossierID != "",
		SentAt:      parse.Timestamp(parsed.Date, msg.InternalDate, p.now()),
	}
	err = p.records.InsertEmail(ctx, rec)
	if errors.Cause(err) == persist.ErrDuplicate {
		// Recorded since the existence check.
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	p.log.Debug().Str("message_id", id.PermID).Str("dossier", dossierID).
		Str("client", clientID).Msg("recorded email")
	return true, rec.AutoMatched, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
