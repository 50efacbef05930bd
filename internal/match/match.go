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

// Package match associates an inbound email with the dossier it
// concerns.  Matching is best effort: a miss leaves the email unlinked.
package match

import (
	"context"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

var (
	// Dossier references look like CC-2024-0153: two to four
	// capitals, a year and a three or four digit sequence.  A match
	// must not touch another letter or digit; see References.
	referencePattern = regexp.MustCompile(`[A-Z]{2,4}-\d{4}-\d{3,4}`)

	addressPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
)

// Store looks up the records used for matching.  Each lookup returns
// the empty string, and no error, when nothing matches.
type Store interface {
	// DossierByReference returns the id of the dossier whose
	// reference is exactly ref.
	DossierByReference(ctx context.Context, ref string) (string, error)

	// ClientByEmail returns the id of the client with the given
	// lower cased email address.
	ClientByEmail(ctx context.Context, email string) (string, error)

	// DossiersForClient returns the client's dossier ids, most
	// recently created first.
	DossiersForClient(ctx context.Context, clientID string) ([]string, error)
}

// Matcher implements the reference-then-sender matching heuristic.
type Matcher struct {
	store Store
}

func New(store Store) *Matcher {
	return &Matcher{store: store}
}

// References returns every dossier reference in text, in order of
// appearance.
// A reference may touch punctuation, including the underscore of
// file names such as CC-2024-0153_rapport.pdf.
func References(text string) []string {
	var refs []string
	for _, loc := range referencePattern.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		if start > 0 && isAlnum(text[start-1]) {
			continue
		}
		if end < len(text) && isAlnum(text[end]) {
			continue
		}
		refs = append(refs, text[start:end])
	}
	return refs
}

func isAlnum(c byte) bool {
	return 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9'
}

// SenderAddress extracts the bare, lower cased address from a From
// header value such as "Jean Dupont <Jean.Dupont@mail.fr>".
func SenderAddress(from string) string {
	return strings.ToLower(addressPattern.FindString(from))
}

// Match returns the id of the dossier the message concerns, or "".
//
// References found in the subject and then the body are tried first;
// the first one naming an existing dossier wins.  Otherwise the sender
// address is matched against client emails and that client's newest
// dossier is returned.
func (m *Matcher) Match(ctx context.Context, subject, from, body string) (string, error) {
	for _, ref := range References(subject + " " + body) {
		id, err := m.store.DossierByReference(ctx, ref)
		if err != nil {
			return "", errors.Wrapf(err, "looking up dossier %s", ref)
		}
		if id != "" {
			return id, nil
		}
	}

	clientID, err := m.ClientForSender(ctx, from)
	if err != nil || clientID == "" {
		return "", err
	}
	ids, err := m.store.DossiersForClient(ctx, clientID)
	if err != nil {
		return "", errors.Wrapf(err, "listing dossiers of client %s", clientID)
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

// ClientForSender returns the id of the client whose email is the
// sender address of from, or "".
func (m *Matcher) ClientForSender(ctx context.Context, from string) (string, error) {
	addr := SenderAddress(from)
	if addr == "" {
		return "", nil
	}
	id, err := m.store.ClientByEmail(ctx, addr)
	if err != nil {
		return "", errors.Wrapf(err, "looking up client %s", addr)
	}
	return id, nil
}
