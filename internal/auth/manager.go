// Package auth owns the access/refresh-token state machine for doctrace.
//
// The Manager is the sole writer of credential state. Refresh is linearized:
// no matter how many callers observe an expired token concurrently, exactly
// one refresh-token exchange reaches the backend and every caller receives
// its outcome.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"doctrace/internal/logging"
	"doctrace/internal/store"
)

// ErrNotAuthenticated is returned when no credentials are present.
var ErrNotAuthenticated = errors.New("not authenticated")

// ErrSessionExpired is returned when the refresh token is rejected and the
// session cannot be recovered without a new login.
var ErrSessionExpired = errors.New("session expired")

// State is the token manager's lifecycle state.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticated   State = "authenticated"
	StateRefreshing      State = "refreshing"
)

// User identifies the logged-in dashboard user as reported by the backend.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Manager owns credential state and the refresh lock.
type Manager struct {
	baseURL    string
	httpClient *http.Client
	store      store.CredentialStore
	margin     time.Duration

	mu         sync.Mutex
	creds      *Credentials
	refreshing bool
	onExpired  func()

	// sf collapses concurrent Refresh calls into one exchange.
	sf singleflight.Group
}

// NewManager creates a token manager backed by st. Previously persisted
// credentials are loaded so a restart resumes the session.
func NewManager(baseURL string, httpClient *http.Client, st store.CredentialStore, margin time.Duration) (*Manager, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	m := &Manager{
		baseURL:    baseURL,
		httpClient: httpClient,
		store:      st,
		margin:     margin,
	}

	creds, err := loadCredentials(st)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	m.creds = creds
	if creds != nil {
		logging.AuthDebug("resumed persisted session (expires %s)", creds.ExpiresAt)
	}
	return m, nil
}

// OnSessionExpired registers the callback fired when an unrecoverable
// refresh failure tears the session down. Replaces any implicit
// redirect-on-401 behavior: the caller decides how to react.
func (m *Manager) OnSessionExpired(fn func()) {
	m.mu.Lock()
	m.onExpired = fn
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.refreshing:
		return StateRefreshing
	case m.creds != nil:
		return StateAuthenticated
	default:
		return StateUnauthenticated
	}
}

// IsAuthenticated reports whether an access token is held. Derived, never
// stored.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds != nil && m.creds.AccessToken != ""
}

// Credentials returns a copy of the current credentials, or nil.
func (m *Manager) Credentials() *Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return nil
	}
	c := *m.creds
	return &c
}

// GetValidToken returns the current access token if unexpired; otherwise it
// triggers a refresh and waits for it.
func (m *Manager) GetValidToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.creds == nil || m.creds.AccessToken == "" {
		m.mu.Unlock()
		return "", ErrNotAuthenticated
	}
	if !m.creds.ExpiredAt(time.Now(), m.margin) {
		token := m.creds.AccessToken
		m.mu.Unlock()
		return token, nil
	}
	m.mu.Unlock()

	logging.AuthDebug("access token expired, refreshing")
	return m.Refresh(ctx)
}

// Refresh performs the refresh-token exchange and returns the new access
// token. Concurrent callers join the in-flight exchange instead of issuing
// duplicates. On failure the session is torn down: credentials are cleared,
// every waiter receives ErrSessionExpired, and the expiry callback fires.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	token, err, _ := m.sf.Do("refresh", func() (interface{}, error) {
		return m.doRefresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.creds == nil || m.creds.RefreshToken == "" {
		m.mu.Unlock()
		m.expire()
		return "", ErrSessionExpired
	}
	refreshToken := m.creds.RefreshToken
	m.refreshing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.refreshing = false
		m.mu.Unlock()
	}()

	body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return "", fmt.Errorf("marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		logging.Get(logging.CategoryAuth).Error("refresh request failed: %v", err)
		m.expire()
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		logging.Get(logging.CategoryAuth).Error("refresh rejected with status %d: %s", resp.StatusCode, raw)
		m.expire()
		return "", fmt.Errorf("%w: refresh rejected with status %d", ErrSessionExpired, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		m.expire()
		return "", fmt.Errorf("%w: decode refresh response: %v", ErrSessionExpired, err)
	}

	m.mu.Lock()
	creds := &Credentials{
		AccessToken:  tr.AccessToken,
		RefreshToken: refreshToken,
	}
	// The backend may rotate the refresh token.
	if tr.RefreshToken != "" {
		creds.RefreshToken = tr.RefreshToken
	}
	if tr.ExpiresIn > 0 {
		creds.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	m.creds = creds
	m.mu.Unlock()

	if err := saveCredentials(m.store, creds); err != nil {
		logging.Get(logging.CategoryAuth).Warn("persist refreshed credentials: %v", err)
	}

	logging.Auth("token refreshed (expires %s)", creds.ExpiresAt)
	return creds.AccessToken, nil
}

// expire clears state and fires the session-expired callback.
func (m *Manager) expire() {
	m.Invalidate()

	m.mu.Lock()
	fn := m.onExpired
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Login exchanges user credentials for tokens and persists them.
func (m *Manager) Login(ctx context.Context, email, password string) (*User, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, fmt.Errorf("marshal login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("login failed with status %d: %s", resp.StatusCode, raw)
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	if lr.AccessToken == "" {
		return nil, fmt.Errorf("login response missing access token")
	}

	creds := &Credentials{
		AccessToken:  lr.AccessToken,
		RefreshToken: lr.RefreshToken,
	}
	if lr.ExpiresIn > 0 {
		creds.ExpiresAt = time.Now().Add(time.Duration(lr.ExpiresIn) * time.Second)
	}

	m.mu.Lock()
	m.creds = creds
	m.mu.Unlock()

	if err := saveCredentials(m.store, creds); err != nil {
		return nil, fmt.Errorf("persist credentials: %w", err)
	}

	logging.Auth("logged in as %s", lr.User.Email)
	return &lr.User, nil
}

// Logout notifies the backend (best effort) and clears all credential
// state, in-memory and persisted.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	var token string
	if m.creds != nil {
		token = m.creds.AccessToken
	}
	m.mu.Unlock()

	if token != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/auth/logout", nil)
		if err == nil {
			req.Header.Set("Authorization", "Bearer "+token)
			if resp, err := m.httpClient.Do(req); err == nil {
				resp.Body.Close()
			} else {
				logging.Get(logging.CategoryAuth).Warn("logout notification failed: %v", err)
			}
		}
	}

	m.Invalidate()
	logging.Auth("logged out")
	return nil
}

// Invalidate synchronously clears in-memory and persisted credentials.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.creds = nil
	m.mu.Unlock()

	if err := clearCredentials(m.store); err != nil {
		logging.Get(logging.CategoryAuth).Warn("clear persisted credentials: %v", err)
	}
}

// ReloadFromStore re-reads persisted credentials. Used by the file watcher
// when another process rewrites the credentials file.
func (m *Manager) ReloadFromStore() error {
	creds, err := loadCredentials(m.store)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.creds = creds
	m.mu.Unlock()
	logging.AuthDebug("credentials reloaded from store")
	return nil
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int    `json:"expiresIn,omitempty"` // seconds
}

type loginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn,omitempty"`
	User         User   `json:"user"`
}
