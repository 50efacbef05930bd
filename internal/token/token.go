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
Package token keeps a valid OAuth 2.0 bearer token for the firm's
mailbox.

Credentials live in the mailbox configuration record.  The stored
access token is reused until it is within a minute of expiry, then the
refresh token is exchanged for a new one and the result is written
back.  A token with no known expiry is always refreshed.

The expiry margin is only an optimization.  The provider may still
reject a token early; callers see that as a request error and the next
call refreshes again once the stored expiry has passed.
*/
package token

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/lexcab/dossiermail/internal/model"
)

var (
	ErrNotConnected        = errors.New("mailbox not connected")
	ErrTokenExchangeFailed = errors.New("token exchange failed")
)

// expiryMargin is how close to expiry a stored token is still used.
const expiryMargin = 60 * time.Second

// Store persists the mailbox credentials.
type Store interface {
	// Mailbox returns the stored configuration, or nil.
	Mailbox(ctx context.Context) (*model.Mailbox, error)

	// SaveAccessToken records a refreshed access token.  A
	// non-empty refresh token replaces the stored one.
	SaveAccessToken(ctx context.Context, access string, expiry time.Time, refresh string) error

	// SaveConnection records the credentials of a newly connected
	// mailbox.
	SaveConnection(ctx context.Context, email, refresh, access string, expiry time.Time) error
}

// NewConfig returns the OAuth client configuration for Google.
func NewConfig(clientID, clientSecret, redirectURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
		Endpoint:     google.Endpoint,
	}
}

// Provider hands out valid access tokens for the stored mailbox.
type Provider struct {
	config *oauth2.Config
	store  Store
	log    zerolog.Logger
	now    func() time.Time
}

func New(config *oauth2.Config, store Store, log zerolog.Logger) *Provider {
	return &Provider{config: config, store: store, log: log, now: time.Now}
}

// Token returns a valid access token, refreshing and persisting it
// when the stored one is missing or about to expire.
func (p *Provider) Token(ctx context.Context) (*oauth2.Token, error) {
	mb, err := p.store.Mailbox(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading mailbox credentials")
	}
	if !mb.Connected() {
		return nil, ErrNotConnected
	}

	if mb.AccessToken != "" && !mb.TokenExpiry.IsZero() &&
		mb.TokenExpiry.After(p.now().Add(expiryMargin)) {
		return &oauth2.Token{
			AccessToken: mb.AccessToken,
			TokenType:   "Bearer",
			Expiry:      mb.TokenExpiry,
		}, nil
	}

	p.log.Debug().Time("expiry", mb.TokenExpiry).Msg("refreshing mailbox access token")
	src := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: mb.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, errors.Wrap(ErrTokenExchangeFailed, err.Error())
	}

	refresh := ""
	if tok.RefreshToken != mb.RefreshToken {
		refresh = tok.RefreshToken
	}
	if err := p.store.SaveAccessToken(ctx, tok.AccessToken, tok.Expiry, refresh); err != nil {
		return nil, errors.Wrap(err, "saving refreshed access token")
	}
	return tok, nil
}

// AuthURL returns the consent page URL that starts a connection.
// Offline access and forced approval make Google return a refresh
// token every time.
func (p *Provider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for credentials.  Nothing is
// stored until Connect.
func (p *Provider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, errors.Wrap(ErrTokenExchangeFailed, err.Error())
	}
	if tok.RefreshToken == "" {
		return nil, errors.Wrap(ErrTokenExchangeFailed, "provider returned no refresh token")
	}
	return tok, nil
}

// Connect stores freshly exchanged credentials for the mailbox email.
func (p *Provider) Connect(ctx context.Context, email string, tok *oauth2.Token) error {
	err := p.store.SaveConnection(ctx, email, tok.RefreshToken, tok.AccessToken, tok.Expiry)
	if err != nil {
		return errors.Wrap(err, "saving mailbox connection")
	}
	p.log.Info().Str("mailbox", email).Msg("mailbox connected")
	return nil
}

// tokenSource adapts a Provider to oauth2.TokenSource.
type tokenSource struct {
	ctx context.Context
	p   *Provider
}

func (s tokenSource) Token() (*oauth2.Token, error) {
	return s.p.Token(s.ctx)
}

// TokenSource returns an oauth2.TokenSource backed by p.  The stored
// credentials are consulted on every call.
func (p *Provider) TokenSource(ctx context.Context) oauth2.TokenSource {
	return tokenSource{ctx: ctx, p: p}
}

// Client returns an HTTP client that authenticates every request with
// a token from p, delegating transport to base (or the default
// transport when nil).
func (p *Provider) Client(ctx context.Context, base http.RoundTripper) *http.Client {
	return &http.Client{Transport: &oauth2.Transport{
		Source: p.TokenSource(ctx),
		Base:   base,
	}}
}

// Bootstrap returns an HTTP client authenticated with tok, used right
// after an exchange before credentials are stored.
func Bootstrap(tok *oauth2.Token, base http.RoundTripper) *http.Client {
	return &http.Client{Transport: &oauth2.Transport{
		Source: oauth2.StaticTokenSource(tok),
		Base:   base,
	}}
}
