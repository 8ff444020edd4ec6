package auth

import (
	"time"

	"golang.org/x/oauth2"
)

// RefreshSkew is how long before expiry a token is considered near-expiry.
const RefreshSkew = 5 * time.Minute

// TokenState holds the OAuth tokens of one mail identity.
// The three fields are always replaced together.
type TokenState struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// NearExpiry reports whether the access token should be refreshed before use.
func (t TokenState) NearExpiry(now time.Time) bool {
	return !now.Before(t.ExpiresAt.Add(-RefreshSkew))
}

// Merge returns t with the refresh token of prev when the provider did not
// rotate it.
func (t TokenState) Merge(prev TokenState) TokenState {
	if t.RefreshToken == "" {
		t.RefreshToken = prev.RefreshToken
	}
	return t
}

func fromOAuth2(tok *oauth2.Token, now time.Time) TokenState {
	ts := TokenState{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if tok.ExpiresIn > 0 {
		ts.ExpiresAt = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	// No expires_in: treat as already expiring so the next call refreshes.
	if ts.ExpiresAt.IsZero() {
		ts.ExpiresAt = now
	}
	return ts
}
