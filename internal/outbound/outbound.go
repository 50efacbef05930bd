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

// Package outbound sends mail from the firm's mailbox and records it.
package outbound

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/lexcab/dossiermail/internal/message"
	"github.com/lexcab/dossiermail/internal/model"
	"github.com/lexcab/dossiermail/internal/parse"
)

var (
	ErrNoRecipient    = errors.New("no recipient")
	ErrInvalidAddress = errors.New("invalid recipient address")
)

// Mail is one outgoing plain text message.
type Mail struct {
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	DossierID string `json:"dossier_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
}

// Compose renders m as an RFC 5322 message from the given sender.
func Compose(from string, m Mail, date time.Time) ([]byte, error) {
	sender, err := mail.ParseAddress(from)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid sender %q", from)
	}
	if strings.TrimSpace(m.To) == "" {
		return nil, ErrNoRecipient
	}
	to, err := mail.ParseAddressList(m.To)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidAddress, "%q: %v", m.To, err)
	}

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{sender})
	h.SetAddressList("To", to)
	h.SetSubject(m.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, errors.Wrap(err, "generating message id")
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, m.Body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Provider delivers a rendered message.
type Provider interface {
	Send(ctx context.Context, raw []byte) (message.ID, error)
}

type Store interface {
	InsertEmail(ctx context.Context, e *model.EmailRecord) error
}

type Sender struct {
	provider Provider
	store    Store
	from     string
	log      zerolog.Logger
	now      func() time.Time
}

// NewSender returns a Sender mailing from the address from.
func NewSender(provider Provider, store Store, from string, log zerolog.Logger) *Sender {
	return &Sender{provider: provider, store: store, from: from, log: log, now: time.Now}
}

// Send delivers m and records it as a sent, read email.  A message that
// was delivered but could not be recorded is reported as an error
// together with the record.
func (s *Sender) Send(ctx context.Context, m Mail) (*model.EmailRecord, error) {
	now := s.now()
	raw, err := Compose(s.from, m, now)
	if err != nil {
		return nil, err
	}
	id, err := s.provider.Send(ctx, raw)
	if err != nil {
		return nil, err
	}
	rec := &model.EmailRecord{
		Direction:  model.DirectionSent,
		DossierID:  optional(m.DossierID),
		ClientID:   optional(m.ClientID),
		From:       s.from,
		To:         m.To,
		Subject:    m.Subject,
		Preview:    parse.Preview(m.Body),
		ExternalID: id.PermID,
		ThreadID:   id.ThreadID,
		Read:       true,
		SentAt:     now.UTC(),
	}
	if err := s.store.InsertEmail(ctx, rec); err != nil {
		return rec, errors.Wrapf(err, "recording sent message %s", id.PermID)
	}
	s.log.Info().Str("message_id", id.PermID).Str("dossier", m.DossierID).Msg("mail sent")
	return rec, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
