// Package scm is a client for the SCM-Manager REST API used by the plugin
// console.
package scm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/netroby/scm-manager/pkg/plugin"
)

// DefaultHTTPTimeout bounds requests whose context carries no deadline.
// Plugin operations set their own, longer deadline.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the SCM-Manager REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
	username    string
	password    string
}

// Tag is a repository tag as listed by the tags endpoint.
type Tag struct {
	Name     string `json:"name"`
	Revision string `json:"revision"`
}

// Installation kinds understood by HgInstallations.
const (
	InstallationHg     = "hg"
	InstallationPython = "python"
)

// APIError represents a non-2xx answer of the server.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("scm api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("scm api error (%d): %s", e.StatusCode, e.Message)
}

// HTTPStatus returns the status code the server answered with.
func (e *APIError) HTTPStatus() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

// NewClient instantiates a client for the REST API rooted at rawURL, e.g.
// "http://localhost:8080/scm/api/rest/". When httpClient is nil a default
// client is used; its per-request bound comes from DefaultHTTPTimeout.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the bearer token sent with every request.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SetBasicAuth sets credentials sent when no access token is configured.
func (c *Client) SetBasicAuth(username, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username, c.password = username, password
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// Post issues a bodiless POST to endpoint. It satisfies plugin.Transport.
func (c *Client) Post(ctx context.Context, endpoint string) error {
	return c.send(ctx, http.MethodPost, endpoint, nil)
}

// Install requests the installation of pluginID.
func (c *Client) Install(ctx context.Context, pluginID string) error {
	return c.Post(ctx, plugin.OperationInstall.Endpoint(pluginID))
}

// Uninstall requests the removal of pluginID.
func (c *Client) Uninstall(ctx context.Context, pluginID string) error {
	return c.Post(ctx, plugin.OperationUninstall.Endpoint(pluginID))
}

// Update requests the update of pluginID.
func (c *Client) Update(ctx context.Context, pluginID string) error {
	return c.Post(ctx, plugin.OperationUpdate.Endpoint(pluginID))
}

// Overview lists every plugin known to the server.
func (c *Client) Overview(ctx context.Context) ([]plugin.Record, error) {
	var raw json.RawMessage
	if err := c.send(ctx, http.MethodGet, "plugins/overview.json", &raw); err != nil {
		return nil, err
	}
	return decodeOverview(raw)
}

// Tags lists the tags of the repository identified by repositoryID.
func (c *Client) Tags(ctx context.Context, repositoryID string) ([]Tag, error) {
	if repositoryID == "" || strings.Contains(repositoryID, "/") {
		return nil, fmt.Errorf("invalid repository id %q", repositoryID)
	}
	var payload struct {
		Tag []Tag `json:"tag"`
	}
	endpoint := "repositories/" + repositoryID + "/tags.json"
	if err := c.send(ctx, http.MethodGet, endpoint, &payload); err != nil {
		return nil, err
	}
	return payload.Tag, nil
}

// HgInstallations lists the Mercurial or Python binaries detected on the
// server. kind is InstallationHg or InstallationPython.
func (c *Client) HgInstallations(ctx context.Context, kind string) ([]string, error) {
	if kind != InstallationHg && kind != InstallationPython {
		return nil, fmt.Errorf("unknown installation kind %q", kind)
	}
	var payload struct {
		Path []string `json:"path"`
	}
	endpoint := "config/repositories/hg/installations/" + kind + ".json"
	if err := c.send(ctx, http.MethodGet, endpoint, &payload); err != nil {
		return nil, err
	}
	return payload.Path, nil
}

// decodeOverview accepts the bare array and the {"plugin": [...]} envelope
// older servers answer with.
func decodeOverview(raw json.RawMessage) ([]plugin.Record, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var records []plugin.Record
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("decode overview: %w", err)
		}
		return records, nil
	}
	var envelope struct {
		Plugin []plugin.Record `json:"plugin"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("decode overview: %w", err)
	}
	return envelope.Plugin, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHTTPTimeout)
		defer cancel()
	}
	req, err := c.newRequest(ctx, method, endpoint)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string) (*http.Request, error) {
	rel := &url.URL{Path: path.Join("/", c.baseURL.Path, strings.TrimPrefix(endpoint, "/"))}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.mu.RLock()
	token, user, pass := c.accessToken, c.username, c.password
	c.mu.RUnlock()
	switch {
	case token != "":
		req.Header.Set("Authorization", "Bearer "+token)
	case user != "":
		req.SetBasicAuth(user, pass)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil || apiErr.Message == "" {
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		apiErr.StatusCode = resp.StatusCode
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return &apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var _ plugin.Transport = (*Client)(nil)
