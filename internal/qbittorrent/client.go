// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package qbittorrent is a session-managed client for the qBittorrent
// WebUI API with circuit breaking on both credentials and endpoint
// reachability, and a tracked add protocol that verifies the torrent
// actually landed in the client.
package qbittorrent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/mikanarr/mikanarr/internal/buildinfo"
)

const (
	apiBase    = "/api/v2"
	sessionTTL = 30 * time.Minute

	// The WebUI returns 200 with this body on bad credentials instead
	// of an error status.
	loginFailsBody = "Fails."
)

// Config is the connection identity plus the request timeout.
type Config struct {
	Host           string
	Username       string
	Password       string
	TimeoutSeconds int
}

type Client struct {
	endpoint   string
	username   string
	password   string
	httpClient *http.Client
	timeout    time.Duration

	breakers *BreakerRegistry
	credKey  string

	mu            sync.RWMutex
	sessionCookie string
	sessionExpiry time.Time

	loginGroup singleflight.Group
}

func NewClient(cfg Config, breakers *BreakerRegistry) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	endpoint := strings.TrimRight(cfg.Host, "/")

	return &Client{
		endpoint:   endpoint,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		breakers:   breakers,
		credKey:    CredentialKey(endpoint, cfg.Username, cfg.Password),
	}
}

func (c *Client) Endpoint() string { return c.endpoint }

// Timeout exposes the configured request timeout for callers sizing
// their own deadlines around it.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Torrent is the subset of the torrents/info response the downloader
// cares about.
type Torrent struct {
	Hash     string  `json:"hash"`
	Name     string  `json:"name"`
	Category string  `json:"category"`
	SavePath string  `json:"save_path"`
	Progress float64 `json:"progress"`
	State    string  `json:"state"`
	Size     int64   `json:"size"`
}

// AddOptions shape a torrents/add request.
type AddOptions struct {
	SavePath string
	Category string
	Tags     []string
	Paused   bool
}

func (o AddOptions) values() url.Values {
	form := url.Values{}
	if o.SavePath != "" {
		form.Set("savepath", o.SavePath)
	}
	if o.Category != "" {
		form.Set("category", o.Category)
	}
	if len(o.Tags) > 0 {
		form.Set("tags", strings.Join(o.Tags, ","))
	}
	if o.Paused {
		// Both spellings so old and new WebUI versions honor it.
		form.Set("paused", "true")
		form.Set("stopped", "true")
	}
	return form
}

// sessionValid is the read-lock fast path for ensureLoggedIn.
func (c *Client) sessionValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionCookie != "" && time.Now().Before(c.sessionExpiry)
}

// ensureLoggedIn guarantees a fresh session cookie. Concurrent callers
// collapse onto a single login request; the winner's result is shared.
func (c *Client) ensureLoggedIn(ctx context.Context) error {
	if c.sessionValid() {
		return nil
	}

	_, err, _ := c.loginGroup.Do("login", func() (interface{}, error) {
		// Another caller may have logged in while we queued.
		if c.sessionValid() {
			return nil, nil
		}
		return nil, c.login(ctx)
	})
	return err
}

func (c *Client) login(ctx context.Context) error {
	if err := c.breakers.AllowCredential(c.credKey); err != nil {
		return err
	}
	if err := c.breakers.AllowEndpoint(c.endpoint); err != nil {
		return err
	}

	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+apiBase+"/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	// The WebUI rejects logins with a foreign Referer.
	req.Header.Set("Referer", c.endpoint)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isNetworkError(err) {
			c.breakers.SuspendEndpoint(c.endpoint, "login: "+err.Error())
		}
		return errors.Wrap(err, "login request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("read login response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) == loginFailsBody {
		c.breakers.RecordLoginFailure(c.credKey)
		return &LoginError{Endpoint: c.endpoint}
	}

	cookie := sessionCookieFrom(resp)
	if cookie == "" {
		c.breakers.RecordLoginFailure(c.credKey)
		return fmt.Errorf("login succeeded but no session cookie returned by %s", c.endpoint)
	}

	c.mu.Lock()
	c.sessionCookie = cookie
	c.sessionExpiry = time.Now().Add(sessionTTL)
	c.mu.Unlock()

	c.breakers.RecordLoginSuccess(c.credKey)
	c.breakers.ClearEndpoint(c.endpoint)

	log.Debug().Str("endpoint", c.endpoint).Msg("Logged in to download client")
	return nil
}

func sessionCookieFrom(resp *http.Response) string {
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "SID" && cookie.Value != "" {
			return cookie.Name + "=" + cookie.Value
		}
	}
	return ""
}

// invalidateSession drops the cached cookie so the next call logs in
// again.
func (c *Client) invalidateSession() {
	c.mu.Lock()
	c.sessionCookie = ""
	c.sessionExpiry = time.Time{}
	c.mu.Unlock()
}

// do performs an authenticated API request. A 403 invalidates the
// session and retries once after a fresh login; transport failures
// suspend the endpoint and surface the original error.
func (c *Client) do(ctx context.Context, req func() (*http.Request, error)) (int, []byte, error) {
	if err := c.breakers.AllowEndpoint(c.endpoint); err != nil {
		return 0, nil, err
	}

	retried := false
	for {
		if err := c.ensureLoggedIn(ctx); err != nil {
			return 0, nil, err
		}

		r, err := req()
		if err != nil {
			return 0, nil, err
		}
		r.Header.Set("User-Agent", buildinfo.UserAgent)

		c.mu.RLock()
		r.Header.Set("Cookie", c.sessionCookie)
		c.mu.RUnlock()

		resp, err := c.httpClient.Do(r)
		if err != nil {
			if isNetworkError(err) {
				c.breakers.SuspendEndpoint(c.endpoint, err.Error())
			}
			return 0, nil, errors.Wrapf(err, "request %s failed", r.URL.Path)
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		resp.Body.Close()
		if readErr != nil {
			return resp.StatusCode, nil, fmt.Errorf("read response from %s: %w", r.URL.Path, readErr)
		}

		if resp.StatusCode == http.StatusForbidden && !retried {
			retried = true
			c.invalidateSession()
			continue
		}

		c.breakers.ClearEndpoint(c.endpoint)
		return resp.StatusCode, body, nil
	}
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) (int, []byte, error) {
	return c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+apiBase+path, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, fmt.Errorf("build request %s: %w", path, err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	target := c.endpoint + apiBase + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	status, body, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, fmt.Errorf("build request %s: %w", path, err)
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%s returned status %d", path, status)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// ListTorrents returns the torrents visible to the session, optionally
// filtered by category and/or hashes.
func (c *Client) ListTorrents(ctx context.Context, category string, hashes ...string) ([]Torrent, error) {
	query := url.Values{}
	if category != "" {
		query.Set("category", category)
	}
	if len(hashes) > 0 {
		query.Set("hashes", strings.ToLower(strings.Join(hashes, "|")))
	}

	var torrents []Torrent
	if err := c.getJSON(ctx, "/torrents/info", query, &torrents); err != nil {
		return nil, err
	}
	return torrents, nil
}

// AddTorrentByURL submits magnet links or .torrent URLs. The WebUI
// answers 200 "Fails." when it could not ingest any of them.
func (c *Client) AddTorrentByURL(ctx context.Context, urls []string, opts AddOptions) error {
	form := opts.values()
	form.Set("urls", strings.Join(urls, "\n"))

	status, body, err := c.postForm(ctx, "/torrents/add", form)
	if err != nil {
		return err
	}
	return checkAddResponse(status, body)
}

// AddTorrentByFile submits a raw .torrent payload as multipart form
// data, used as the fallback when URL submission is not visible in the
// client afterwards.
func (c *Client) AddTorrentByFile(ctx context.Context, filename string, payload []byte, opts AddOptions) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("torrents", filename)
	if err != nil {
		return fmt.Errorf("build multipart payload: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return fmt.Errorf("write multipart payload: %w", err)
	}
	for key, values := range opts.values() {
		for _, value := range values {
			if err := writer.WriteField(key, value); err != nil {
				return fmt.Errorf("write multipart field %s: %w", key, err)
			}
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalize multipart payload: %w", err)
	}
	contentType := writer.FormDataContentType()
	raw := buf.Bytes()

	status, body, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+apiBase+"/torrents/add", bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("build request /torrents/add: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	})
	if err != nil {
		return err
	}
	return checkAddResponse(status, body)
}

func checkAddResponse(status int, body []byte) error {
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return fmt.Errorf("torrents/add returned status %d", status)
	}
	if strings.TrimSpace(string(body)) == loginFailsBody {
		return fmt.Errorf("download client rejected the torrent")
	}
	return nil
}

// PauseTorrents pauses the given hashes, falling back to the renamed
// stop endpoint on WebUI versions that dropped pause.
func (c *Client) PauseTorrents(ctx context.Context, hashes []string) error {
	return c.torrentAction(ctx, hashes, "/torrents/pause", "/torrents/stop")
}

// ResumeTorrents resumes the given hashes, falling back to the renamed
// start endpoint.
func (c *Client) ResumeTorrents(ctx context.Context, hashes []string) error {
	return c.torrentAction(ctx, hashes, "/torrents/resume", "/torrents/start")
}

func (c *Client) torrentAction(ctx context.Context, hashes []string, path, fallbackPath string) error {
	form := url.Values{}
	form.Set("hashes", strings.ToLower(strings.Join(hashes, "|")))

	status, _, err := c.postForm(ctx, path, form)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound && fallbackPath != "" {
		status, _, err = c.postForm(ctx, fallbackPath, form)
		if err != nil {
			return err
		}
		path = fallbackPath
	}
	if status != http.StatusOK {
		return fmt.Errorf("%s returned status %d", path, status)
	}
	return nil
}

// DeleteTorrents removes the given hashes, optionally with their data.
func (c *Client) DeleteTorrents(ctx context.Context, hashes []string, deleteFiles bool) error {
	form := url.Values{}
	form.Set("hashes", strings.ToLower(strings.Join(hashes, "|")))
	form.Set("deleteFiles", strconv.FormatBool(deleteFiles))

	status, _, err := c.postForm(ctx, "/torrents/delete", form)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("torrents/delete returned status %d", status)
	}
	return nil
}

// SetLocation moves the given hashes to a new save path. Safe to call
// when the torrent is already there.
func (c *Client) SetLocation(ctx context.Context, hashes []string, location string) error {
	form := url.Values{}
	form.Set("hashes", strings.ToLower(strings.Join(hashes, "|")))
	form.Set("location", location)

	status, _, err := c.postForm(ctx, "/torrents/setLocation", form)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("torrents/setLocation returned status %d", status)
	}
	return nil
}
