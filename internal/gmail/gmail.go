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

package gmail

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/lexcab/dossiermail/internal/message"
)

const (
	ReadonlyScope = gmail.GmailReadonlyScope
	SendScope     = gmail.GmailSendScope

	// See https://developers.google.com/gmail/api/v1/reference/quota
	quotaUnitsMessagesGet     = 5
	quotaUnitsPerGetProfile   = 1
	quotaUnitsPerHistoryList  = 2
	quotaUnitsPerMessagesList = 5
	quotaUnitsPerMessagesSend = 100

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	// Attempts at a message get that keeps answering 429.
	maxGetAttempts = 3
)

// Scopes are the OAuth scopes the application requests.
var Scopes = []string{ReadonlyScope, SendScope}

var (
	ErrMessageNotFound = errors.New("gmail message not found")
)

// Service provides access to the firm's mailbox stored in Google's
// GMail system.
type Service struct {
	service *gmail.Service
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

func hasLabel(labels []string, name string) bool {
	for _, label := range labels {
		if label == name {
			return true
		}
	}
	return false
}

func isChat(labels []string) bool {
	return hasLabel(labels, "CHAT")
}

// outgoing reports whether a message was written from this mailbox
// rather than received by it.
func outgoing(labels []string) bool {
	return hasLabel(labels, "DRAFT") || hasLabel(labels, "SENT")
}

// tripsBreaker reports whether err counts as a provider failure.
// Client errors such as 404 are answers, not outages.
func tripsBreaker(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 500 || apiErr.Code == http.StatusTooManyRequests
	}
	return true
}

// New returns a Service.  opts must supply authentication, normally
// option.WithHTTPClient with a token-bearing client.
func New(ctx context.Context, log zerolog.Logger, opts ...option.ClientOption) (*Service, error) {
	s, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	l := rate.NewLimiter(rateLimitPerSecond, rateLimitBurst)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return !tripsBreaker(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).
				Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return &Service{service: s, limiter: l, cb: cb, log: log}, nil
}

// call runs fn through the circuit breaker.
func (s *Service) call(op string, fn func() error) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		s.log.Warn().Str("op", op).Err(err).Msg("gmail call rejected by circuit breaker")
	}
	return err
}

// ListRecent returns the ids of at most maxResults of the most recent
// inbox messages.  Only the first page is read.
func (s *Service) ListRecent(ctx context.Context, maxResults int64) ([]message.ID, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerMessagesList); err != nil {
		return nil, err
	}
	req := s.service.Users.Messages.List("me").LabelIds("INBOX").
		MaxResults(maxResults).Context(ctx)
	var page *gmail.ListMessagesResponse
	err := s.call("messages.list", func() (err error) {
		page, err = req.Do()
		return
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to list recent messages")
	}
	ids := make([]message.ID, 0, len(page.Messages))
	for _, msg := range page.Messages {
		ids = append(ids, message.ID{PermID: msg.Id, ThreadID: msg.ThreadId})
	}
	s.log.Debug().Int("count", len(ids)).Msg("listed recent Gmail messages")
	return ids, nil
}

// ListFrom returns the ids of inbox messages added since historyID, in
// history order, together with the mailbox's current history id.
// Other history event kinds, drafts and sent mail are ignored.
func (s *Service) ListFrom(ctx context.Context, historyID uint64) ([]message.ID, uint64, error) {
	wait := func() error {
		return s.limiter.WaitN(ctx, quotaUnitsPerHistoryList)
	}
	if err := wait(); err != nil {
		return nil, 0, err
	}

	req := s.service.Users.History.List("me").Context(ctx).
		HistoryTypes("messageAdded").LabelId("INBOX").StartHistoryId(historyID)
	var ids []message.ID
	var latest uint64
	total := 0
	err := s.call("history.list", func() error {
		ids, latest, total = nil, 0, 0
		return req.Pages(ctx, func(page *gmail.ListHistoryResponse) (err error) {
			total += len(page.History)
			if page.HistoryId > latest {
				latest = page.HistoryId
			}
			for _, h := range page.History {
				for _, added := range h.MessagesAdded {
					if added == nil || added.Message == nil {
						continue
					}
					if labels := added.Message.LabelIds; isChat(labels) || outgoing(labels) {
						continue
					}
					ids = append(ids, message.ID{
						PermID:   added.Message.Id,
						ThreadID: added.Message.ThreadId,
					})
				}
			}
			if page.NextPageToken != "" {
				err = wait()
			}
			return
		})
	})
	if err != nil {
		return nil, 0, errors.Wrapf(err, "unable to list history from %d", historyID)
	}
	s.log.Debug().Int("records", total).Int("added", len(ids)).
		Uint64("history_id", latest).Msg("done listing Gmail history")
	return ids, latest, nil
}

func (s *Service) getMessage(ctx context.Context, call *gmail.UsersMessagesGetCall) (*gmail.Message, error) {
	var err error
	for attempt := 0; attempt < maxGetAttempts; attempt++ {
		if err = s.limiter.WaitN(ctx, quotaUnitsMessagesGet); err != nil {
			return nil, err
		}
		var msg *gmail.Message
		err = s.call("messages.get", func() (err error) {
			msg, err = call.Do()
			return
		})
		if err == nil && isChat(msg.LabelIds) {
			err = ErrMessageNotFound
		}
		if err == nil {
			return msg, nil
		}

		switch cause := errors.Cause(err).(type) {
		case *googleapi.Error:
			if cause.Code == http.StatusTooManyRequests {
				continue // retry
			}
			if cause.Code == http.StatusNotFound {
				for _, item := range cause.Errors {
					if item.Reason == "notFound" {
						err = ErrMessageNotFound
					}
				}
			}
		}
		return nil, err
	}
	return nil, err
}

// GetMessage fetches the full message id, headers and body tree.
func (s *Service) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	msg, err := s.getMessage(ctx, s.service.Users.Messages.Get("me", id).
		Context(ctx).Format("full"))
	if err != nil {
		return nil, errors.Wrapf(err, "getting message %v from gmail", id)
	}
	return &message.Message{
		ID:           message.ID{PermID: msg.Id, ThreadID: msg.ThreadId},
		LabelIDs:     msg.LabelIds,
		HistoryID:    msg.HistoryId,
		InternalDate: msg.InternalDate,
		Payload:      convertPart(msg.Payload),
	}, nil
}

func convertPart(p *gmail.MessagePart) *message.Part {
	if p == nil {
		return nil
	}
	part := &message.Part{MimeType: p.MimeType}
	for _, h := range p.Headers {
		if h != nil {
			part.Headers = append(part.Headers, message.Header{Name: h.Name, Value: h.Value})
		}
	}
	if p.Body != nil {
		part.Data = p.Body.Data
	}
	for _, child := range p.Parts {
		if c := convertPart(child); c != nil {
			part.Parts = append(part.Parts, c)
		}
	}
	return part
}

// GetProfile returns the mailbox address and current history id.
func (s *Service) GetProfile(ctx context.Context) (*message.Profile, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerGetProfile); err != nil {
		return nil, err
	}
	var u *gmail.Profile
	err := s.call("getProfile", func() (err error) {
		u, err = s.service.Users.GetProfile("me").Context(ctx).Do()
		return
	})
	if err != nil {
		return nil, errors.Wrap(err, "getting gmail profile")
	}
	return &message.Profile{
		EmailAddress: u.EmailAddress,
		HistoryID:    u.HistoryId,
	}, nil
}

// Send delivers an RFC 5322 message and returns the ids the provider
// assigned to it.
func (s *Service) Send(ctx context.Context, raw []byte) (message.ID, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerMessagesSend); err != nil {
		return message.ID{}, err
	}
	out := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)}
	var sent *gmail.Message
	err := s.call("messages.send", func() (err error) {
		sent, err = s.service.Users.Messages.Send("me", out).Context(ctx).Do()
		return
	})
	if err != nil {
		return message.ID{}, errors.Wrap(err, "sending message")
	}
	return message.ID{PermID: sent.Id, ThreadID: sent.ThreadId}, nil
}
