// Package deviceapi is a client for the HTTP API served by a device
// itself: configuration, restart, logout and the file browser.
//
// Every request carries the record's auth token as a bearer token.
package deviceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 4 << 10

// Errors matched by StatusError.
var (
	ErrUnauthorized = errors.New("deviceapi: unauthorized")
	ErrNotFound     = errors.New("deviceapi: not found")
)

// StatusError is returned for a non-2xx response. Message is the device's
// error field, or the trimmed body.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("device request failed: %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("device request failed: %d", e.StatusCode)
}

// Unwrap maps 401 and 404 onto ErrUnauthorized and ErrNotFound.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// Config is the device's JSON configuration document.
type Config map[string]any

// FileEntry is one row of a directory listing.
type FileEntry struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	IsDirectory bool   `json:"isDirectory"`
	Size        int64  `json:"size"`
	Modified    int64  `json:"modified"`
}

// Client talks to one device.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the device at baseURL
// (e.g. http://10.0.0.7). token may be empty for devices without auth.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the device address the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// FetchConfig returns the device configuration.
func (c *Client) FetchConfig(ctx context.Context) (Config, error) {
	var cfg Config
	if err := c.doJSON(ctx, http.MethodGet, "/api/config", nil, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig merges patch into the device configuration and returns the
// merged document. The device writes it to flash from its main loop.
func (c *Client) SaveConfig(ctx context.Context, patch Config) (Config, error) {
	var merged Config
	if err := c.doJSON(ctx, http.MethodPut, "/api/config", patch, &merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// SaveConfigToDevice is SaveConfig; the device has a single persisting
// endpoint.
func (c *Client) SaveConfigToDevice(ctx context.Context, patch Config) (Config, error) {
	return c.SaveConfig(ctx, patch)
}

// RestartDevice asks the device to reboot.
func (c *Client) RestartDevice(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/restart", nil, nil)
}

// Logout invalidates the device session for the token.
func (c *Client) Logout(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
}

// ListFiles lists dir on filesystem fs ("lfs" or "sd").
func (c *Client) ListFiles(ctx context.Context, fs, dir string) ([]FileEntry, error) {
	var resp struct {
		Files []FileEntry `json:"files"`
	}
	endpoint := "/api/files?" + url.Values{"fs": {fs}, "path": {dir}}.Encode()
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// Mkdir creates directory name under dir.
func (c *Client) Mkdir(ctx context.Context, fs, dir, name string) error {
	body := map[string]string{"fs": fs, "path": dir, "name": name}
	return c.doJSON(ctx, http.MethodPost, "/api/files/mkdir", body, nil)
}

// Rename renames oldPath to newName within its directory.
func (c *Client) Rename(ctx context.Context, fs, oldPath, newName string) error {
	endpoint := "/api/files/rename?" + url.Values{"fs": {fs}, "oldPath": {oldPath}, "newName": {newName}}.Encode()
	return c.doJSON(ctx, http.MethodPost, endpoint, nil, nil)
}

// Delete removes a file or empty directory.
func (c *Client) Delete(ctx context.Context, fs, path string) error {
	endpoint := "/api/files/delete?" + url.Values{"fs": {fs}, "path": {path}}.Encode()
	return c.doJSON(ctx, http.MethodPost, endpoint, nil, nil)
}

// Upload stores content as filename in dir.
func (c *Client) Upload(ctx context.Context, fs, dir, filename string, content io.Reader) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("reading upload content: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("closing multipart body: %w", err)
	}

	endpoint := "/api/files/upload?" + url.Values{"fs": {fs}, "path": {dir}}.Encode()
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("device request %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody)) //nolint:errcheck // best effort error text
		return &StatusError{StatusCode: res.StatusCode, Message: errorMessage(body)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding device response: %w", err)
	}
	return nil
}

// errorMessage extracts {"error": "..."} or falls back to the raw text.
func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}
