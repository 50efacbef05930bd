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

// Package parse extracts header fields and the plain text body from a
// fetched message.  Every function here is total: missing or malformed
// data yields an empty string, never an error.
package parse

import (
	"encoding/base64"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lexcab/dossiermail/internal/message"
)

// PreviewLength is the maximum number of runes kept in a body preview.
const PreviewLength = 500

// Parsed holds the fields the pipeline needs from one message.
type Parsed struct {
	From    string
	To      string
	Subject string
	Date    string
	Body    string
}

// Message extracts headers and body text from m.
func Message(m *message.Message) Parsed {
	hdrs := m.Headers()
	var body string
	if m != nil {
		body = Body(m.Payload)
	}
	return Parsed{
		From:    Header(hdrs, "From"),
		To:      Header(hdrs, "To"),
		Subject: Header(hdrs, "Subject"),
		Date:    Header(hdrs, "Date"),
		Body:    body,
	}
}

// Header returns the value of the first header called name, compared
// case-insensitively, or "".
func Header(headers []message.Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Body returns the plain text body of the tree rooted at p.
//
// Inline data on p itself is used when p is plain text or untyped.
// Otherwise the direct children are searched for a text/plain part,
// and failing that each child is searched recursively in listed
// order.  HTML is never converted.
func Body(p *message.Part) string {
	if p == nil {
		return ""
	}
	if p.Data != "" && (p.MimeType == "" || isPlainText(p.MimeType)) {
		if text, ok := decode(p.Data); ok && text != "" {
			return text
		}
	}
	for _, part := range p.Parts {
		if part == nil || !isPlainText(part.MimeType) {
			continue
		}
		if text, ok := decode(part.Data); ok && text != "" {
			return text
		}
	}
	for _, part := range p.Parts {
		if part == nil || len(part.Parts) == 0 {
			continue
		}
		if text := Body(part); text != "" {
			return text
		}
	}
	return ""
}

func isPlainText(mimeType string) bool {
	mt, _, _ := strings.Cut(mimeType, ";")
	return strings.EqualFold(strings.TrimSpace(mt), "text/plain")
}

// decode undoes the provider's base64url body encoding, with or
// without padding.
func decode(data string) (string, bool) {
	if data == "" {
		return "", false
	}
	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.RawURLEncoding, base64.StdEncoding} {
		if b, err := enc.DecodeString(data); err == nil {
			return string(b), true
		}
	}
	return "", false
}

// Preview truncates body to PreviewLength runes.
func Preview(body string) string {
	body = strings.TrimSpace(body)
	if utf8.RuneCountInString(body) <= PreviewLength {
		return body
	}
	runes := []rune(body)
	return string(runes[:PreviewLength])
}

// Timestamp returns the message date from the Date header, else from
// the provider's receipt time in milliseconds, else now.
func Timestamp(date string, internalDate int64, now time.Time) time.Time {
	if date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			return t.UTC()
		}
	}
	if internalDate > 0 {
		return time.UnixMilli(internalDate).UTC()
	}
	return now.UTC()
}
