// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GoogleUserinfoURL is where the verified profile is fetched after the code
// exchange
var GoogleUserinfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

// Exchanger runs the provider side of an OAuth login: it builds the login
// redirect and exchanges the callback code for a verified identity
type Exchanger interface {
	LoginURL(state string) string
	Exchange(ctx context.Context, code string) (*Identity, error)
}

// Google implements the Exchanger interface against Google's OAuth endpoints
type Google struct {
	config *oauth2.Config
}

// NewGoogle returns a new Exchanger for the given Google OAuth client. The
// redirect URL must match the /auth/callback route of this gateway.
func NewGoogle(clientID, clientSecret, redirectURL string) *Google {
	return &Google{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		},
	}
}

// LoginURL implements the Exchanger interface
func (g *Google) LoginURL(state string) string {
	return g.config.AuthCodeURL(state)
}

// Exchange implements the Exchanger interface
func (g *Google) Exchange(ctx context.Context, code string) (*Identity, error) {
	token, err := g.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	res, err := g.config.Client(ctx, token).Get(GoogleUserinfoURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: userinfo returned %s", ErrExchangeFailed, res.Status)
	}
	identity := &Identity{}
	if err := json.NewDecoder(res.Body).Decode(identity); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	if identity.Subject == "" {
		return nil, fmt.Errorf("%w: userinfo without subject", ErrExchangeFailed)
	}
	return identity, nil
}

var _ Exchanger = (*Google)(nil)
