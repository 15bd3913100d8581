// Package api implements the authenticated request pipeline for the
// document-processing backend: authorization injection, response
// classification, and the single refresh-and-retry on 401.
//
// The pipeline returns classified errors rather than panicking or hiding
// failures, and it never retries on its own beyond the one auth-driven
// re-issue; retry policy for transient failures belongs to the caller.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"doctrace/internal/auth"
	"doctrace/internal/logging"
)

// TokenSource supplies and renews access tokens. *auth.Manager implements
// it; tests substitute fakes.
type TokenSource interface {
	GetValidToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Client dispatches authenticated calls. It is an explicit, constructible
// instance: the HTTP client is injected so tests run against fake
// transports, never a process-global.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource

	// onSessionExpired fires when a retried request still gets 401,
	// meaning the session is unusable even with a fresh token.
	onSessionExpired func()
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, httpClient *http.Client, tokens TokenSource) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     tokens,
	}
}

// OnSessionExpired registers the callback for post-retry 401s.
func (c *Client) OnSessionExpired(fn func()) {
	c.onSessionExpired = fn
}

// requestContext is the per-call record. Immutable except for retried.
type requestContext struct {
	id      string
	method  string
	path    string
	query   url.Values
	body    []byte
	retried bool
}

// Do issues an authenticated call. A non-nil body is sent as JSON; a
// non-nil out receives the decoded 2xx response body. All failures come
// back as *Error with a Kind from the closed taxonomy (auth failures may
// additionally match auth.ErrSessionExpired via errors.Is).
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	rc := &requestContext{
		id:     uuid.NewString(),
		method: method,
		path:   path,
		query:  query,
	}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		rc.body = data
	}
	return c.send(ctx, rc, out)
}

// Get issues an authenticated GET.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.Do(ctx, http.MethodGet, path, query, nil, out)
}

// Post issues an authenticated POST.
func (c *Client) Post(ctx context.Context, path string, body, out interface{}) error {
	return c.Do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *Client) send(ctx context.Context, rc *requestContext, out interface{}) error {
	log := logging.WithRequestID(logging.CategoryAPI, rc.id)

	token, err := c.tokens.GetValidToken(ctx)
	if err != nil {
		return err
	}

	resp, err := c.dispatch(ctx, rc, token)
	if err != nil {
		log.Warn("%s %s transport failure: %v", rc.method, rc.path, err)
		return transientError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Warn("%s %s read body: %v", rc.method, rc.path, err)
		return transientError(err)
	}

	if resp.StatusCode == http.StatusUnauthorized && !rc.retried {
		log.Info("%s %s got 401, refreshing and retrying once", rc.method, rc.path)
		token, err := c.tokens.Refresh(ctx)
		if err != nil {
			return err
		}
		rc.retried = true

		resp2, err := c.dispatch(ctx, rc, token)
		if err != nil {
			return transientError(err)
		}
		defer resp2.Body.Close()

		respBody, err = io.ReadAll(resp2.Body)
		if err != nil {
			return transientError(err)
		}
		resp = resp2
	}

	if resp.StatusCode == http.StatusUnauthorized {
		// Fresh token, still rejected. The session is unusable.
		log.Warn("%s %s still 401 after refresh, session expired", rc.method, rc.path)
		if c.onSessionExpired != nil {
			c.onSessionExpired()
		}
		return &Error{
			Kind:    KindUnauthorized,
			Status:  resp.StatusCode,
			Message: "session expired",
			err:     auth.ErrSessionExpired,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := classifyStatus(resp.StatusCode, respBody)
		log.Info("%s %s classified %s (status %d)", rc.method, rc.path, apiErr.Kind, resp.StatusCode)
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			// Server said OK but the payload is not the expected shape.
			// That is a client/contract defect, not a server error.
			log.Error("%s %s malformed response body: %v", rc.method, rc.path, err)
			return malformedError(resp.StatusCode, err)
		}
	}

	log.Debug("%s %s ok (status %d, %d bytes)", rc.method, rc.path, resp.StatusCode, len(respBody))
	return nil
}

// dispatch builds and issues one HTTP request for rc with the given token.
// The body bytes are replayed from the context so a retried request is
// byte-identical to the original.
func (c *Client) dispatch(ctx context.Context, rc *requestContext, token string) (*http.Response, error) {
	u := c.baseURL + rc.path
	if len(rc.query) > 0 {
		u += "?" + rc.query.Encode()
	}

	var reader io.Reader
	if rc.body != nil {
		reader = bytes.NewReader(rc.body)
	}

	req, err := http.NewRequestWithContext(ctx, rc.method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if rc.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

// Stream opens an authenticated long-lived GET (SSE) and returns the
// response for the caller to consume. A 401 gets the same single
// refresh-and-retry as Do. The caller owns resp.Body.
func (c *Client) Stream(ctx context.Context, path string) (*http.Response, error) {
	token, err := c.tokens.GetValidToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.openStream(ctx, path, token)
	if err != nil {
		return nil, transientError(err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		token, err := c.tokens.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		resp, err = c.openStream(ctx, path, token)
		if err != nil {
			return nil, transientError(err)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			if c.onSessionExpired != nil {
				c.onSessionExpired()
			}
			return nil, &Error{
				Kind:    KindUnauthorized,
				Status:  http.StatusUnauthorized,
				Message: "session expired",
				err:     auth.ErrSessionExpired,
			}
		}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, classifyStatus(resp.StatusCode, body)
	}
	return resp, nil
}

func (c *Client) openStream(ctx context.Context, path, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Connection", "keep-alive")

	// Long-lived streams must not inherit the client-wide timeout.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	return streamClient.Do(req)
}

// IsSessionExpired reports whether err indicates the session is gone.
func IsSessionExpired(err error) bool {
	return errors.Is(err, auth.ErrSessionExpired) || IsKind(err, KindUnauthorized)
}
