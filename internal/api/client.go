// Package api is the HTTP client for the rosegarden API server.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"rosegarden/internal/models"
)

// RefreshCookie is the cookie carrying the refresh token to /reissue.
const RefreshCookie = "refreshToken"

var ErrUnauthorized = errors.New("unauthorized")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

type Client struct {
	baseURL *url.URL
	http    *http.Client

	mu          sync.RWMutex
	accessToken string
}

// New creates a client for baseURL. A non-empty refreshToken is planted in
// the cookie jar so /reissue can be called right away.
func New(baseURL, accessToken, refreshToken string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if refreshToken != "" {
		jar.SetCookies(u, []*http.Cookie{{Name: RefreshCookie, Value: refreshToken, Path: "/"}})
	}

	return &Client{
		baseURL:     u,
		http:        &http.Client{Jar: jar, Timeout: 15 * time.Second},
		accessToken: strings.TrimPrefix(accessToken, "Bearer "),
	}, nil
}

func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

func (c *Client) setAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

// RoomInfo fetches a room's name, kind and participants.
func (c *Client) RoomInfo(ctx context.Context, roomID int64) (*models.RoomInfo, error) {
	var info models.RoomInfo
	if err := c.do(ctx, http.MethodGet, roomPath(roomID, "info"), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// History fetches a page of room messages. A nil cursor returns the newest
// page; otherwise the page holds messages older than the cursor.
func (c *Client) History(ctx context.Context, roomID int64, cursor *time.Time) ([]models.ChatMessage, error) {
	path := "/chat/history/" + strconv.FormatInt(roomID, 10)
	if cursor != nil {
		q := url.Values{}
		q.Set("cursor", models.NewTimestamp(*cursor).Cursor())
		path += "?" + q.Encode()
	}

	var page []models.ChatMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return page, nil
}

// MarkRead tells the server the current user has read the room.
func (c *Client) MarkRead(ctx context.Context, roomID int64) error {
	return c.do(ctx, http.MethodPost, roomPath(roomID, "read"), nil, nil)
}

type reissueResponse struct {
	AccessToken string `json:"accessToken"`
}

// Reissue exchanges the refresh cookie for a new access token. The server may
// return it in the Authorization header or in the body.
func (c *Client) Reissue(ctx context.Context) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/reissue", nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("POST /reissue: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("POST /reissue: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Method: http.MethodPost, Path: "/reissue", Status: resp.StatusCode, Body: string(body)}
	}

	token := strings.TrimPrefix(resp.Header.Get("Authorization"), "Bearer ")
	if token == "" && len(body) > 0 {
		var r reissueResponse
		if err := json.Unmarshal(body, &r); err != nil {
			return "", fmt.Errorf("POST /reissue: decode body: %w", err)
		}
		token = strings.TrimPrefix(r.AccessToken, "Bearer ")
	}
	if token == "" {
		return "", fmt.Errorf("POST /reissue: no access token in response")
	}

	c.setAccessToken(token)
	slog.Debug("[API] Access token reissued")
	return token, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	slog.Debug("[API] Request completed", "method", method, "path", path, "status", resp.StatusCode, "took", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: string(msg)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func roomPath(roomID int64, action string) string {
	return "/chat/room/" + strconv.FormatInt(roomID, 10) + "/" + action
}
