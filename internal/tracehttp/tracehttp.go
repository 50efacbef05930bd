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


// Package tracehttp dumps HTTP traffic to a logger for debugging.
// Credentials are redacted from the dumps.
package tracehttp

import (
	"net/http"
	"net/http/httputil"
	"regexp"

	"github.com/rs/zerolog"
)

var secretPattern = regexp.MustCompile(
	`(?i)((?:Authorization: *Bearer|"(?:access|refresh)_token" *:) *"?)[^"\r\n]+`)

// redact masks bearer tokens and OAuth token fields in dump.
func redact(dump []byte) string {
	return secretPattern.ReplaceAllString(string(dump), "${1}REDACTED")
}

type traceTransport struct {
	delegate http.RoundTripper
	log      zerolog.Logger
}

func (t *traceTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	dump, dumpErr := httputil.DumpRequestOut(req, true)
	if dumpErr == nil {
		t.log.Debug().Str("dump", redact(dump)).Msg("HTTP request")
	}
	resp, err = t.delegate.RoundTrip(req)
	if err == nil {
		dump, dumpErr = httputil.DumpResponse(resp, true)
		if dumpErr == nil {
			t.log.Debug().Str("dump", redact(dump)).Msg("HTTP response")
		}
	}
	return resp, err
}

// Wrap returns a RoundTripper that logs every exchange through d.  A
// nil d means http.DefaultTransport.
func Wrap(d http.RoundTripper, log zerolog.Logger) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	return &traceTransport{delegate: d, log: log}
}

func WrapDefaultTransport(log zerolog.Logger) {
	http.DefaultTransport = Wrap(http.DefaultTransport, log)
}
