package auth

import (
	"time"

	"doctrace/internal/store"
)

// Fixed storage keys. The persisted surface is deliberately small: two
// token strings and an expiry timestamp.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyExpiresAt    = "expires_at"
)

// Credentials is the token state owned by the Manager. It is mutated only
// by login, refresh, and logout; everything else receives copies.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// ExpiredAt reports whether the access token should be treated as expired
// at the given instant, applying margin as a safety window. A zero
// ExpiresAt means the backend did not communicate an expiry; the token is
// used until the server rejects it.
func (c *Credentials) ExpiredAt(now time.Time, margin time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(margin).Before(c.ExpiresAt)
}

// loadCredentials reads persisted credentials. Returns nil when no access
// token is stored.
func loadCredentials(st store.CredentialStore) (*Credentials, error) {
	access, ok, err := st.Get(KeyAccessToken)
	if err != nil {
		return nil, err
	}
	if !ok || access == "" {
		return nil, nil
	}

	creds := &Credentials{AccessToken: access}
	if refresh, ok, err := st.Get(KeyRefreshToken); err != nil {
		return nil, err
	} else if ok {
		creds.RefreshToken = refresh
	}
	if raw, ok, err := st.Get(KeyExpiresAt); err != nil {
		return nil, err
	} else if ok && raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			creds.ExpiresAt = ts
		}
	}
	return creds, nil
}

// saveCredentials persists credentials under the fixed keys.
func saveCredentials(st store.CredentialStore, c *Credentials) error {
	if err := st.Set(KeyAccessToken, c.AccessToken); err != nil {
		return err
	}
	if err := st.Set(KeyRefreshToken, c.RefreshToken); err != nil {
		return err
	}
	expires := ""
	if !c.ExpiresAt.IsZero() {
		expires = c.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return st.Set(KeyExpiresAt, expires)
}

// clearCredentials removes all persisted credential keys.
func clearCredentials(st store.CredentialStore) error {
	return st.Delete(KeyAccessToken, KeyRefreshToken, KeyExpiresAt)
}
