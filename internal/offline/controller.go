// Package offline serves the app shell and static assets from a versioned
// cache so the web app keeps working through transient network loss.
//
// A Controller moves through three phases. Install pre-populates the cache
// store of the running version, Activate deletes every other version's store
// and takes control, and Intercept answers requests cache-first.
package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	ControlSkipWaiting = "SKIP_WAITING"

	defaultConcurrency = 4
)

var ErrUnknownControl = errors.New("offline: unknown control message")

type Phase int

const (
	PhaseNew Phase = iota
	PhaseWaiting
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseWaiting:
		return "waiting"
	case PhaseActive:
		return "active"
	default:
		return "unknown"
	}
}

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewFetcher returns a client that hands redirects back to the caller instead
// of following them, so the browser sees the 3xx and its Location.
func NewFetcher(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// CacheName is the store name of a build version.
func CacheName(prefix, version string) string {
	return prefix + "-" + version
}

// RegistrationURL embeds the version in the URL the controller is registered
// under, so a new build is always fetched instead of a stale copy.
func RegistrationURL(scriptPath, version string) string {
	return scriptPath + "?v=" + url.QueryEscape(version)
}

type Config struct {
	Origin   *url.URL
	Version  string
	Prefix   string
	Manifest []string
	// Fallback is served to HTML navigations that fail while offline.
	Fallback string
	Policy   Policy

	// WaitForControl keeps an installed version waiting until a
	// SKIP_WAITING control message arrives.
	WaitForControl bool

	Concurrency int
}

type InstallResult struct {
	Cached []string
	Failed []string
}

type Controller struct {
	cfg       Config
	cacheName string
	storage   Storage
	fetcher   Fetcher
	flight    singleflight.Group

	mu    sync.RWMutex
	phase Phase
}

func NewController(cfg Config, storage Storage, fetcher Fetcher) *Controller {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Fallback == "" {
		cfg.Fallback = "/index.html"
	}
	return &Controller{
		cfg:       cfg,
		cacheName: CacheName(cfg.Prefix, cfg.Version),
		storage:   storage,
		fetcher:   fetcher,
	}
}

func (c *Controller) Version() string   { return c.cfg.Version }
func (c *Controller) CacheName() string { return c.cacheName }

func (c *Controller) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// Install pre-populates the current store with the manifest. Every entry is
// fetched independently; a failed entry is logged and skipped, and Install
// itself never fails on account of one. Unless WaitForControl is set, the
// installed version activates right away.
func (c *Controller) Install(ctx context.Context) (InstallResult, error) {
	var result InstallResult

	store, err := c.storage.Open(ctx, c.cacheName)
	if err != nil {
		slog.Error("[OFFLINE] Failed to open cache store, installing without precache", "cache", c.cacheName, "error", err)
		result.Failed = slices.Clone(c.cfg.Manifest)
	} else {
		result = c.precache(ctx, store)
	}

	c.mu.Lock()
	if c.phase == PhaseNew {
		c.phase = PhaseWaiting
	}
	c.mu.Unlock()

	slog.Info("[OFFLINE] Installed", "cache", c.cacheName, "cached", len(result.Cached), "failed", len(result.Failed))

	if !c.cfg.WaitForControl {
		if _, err := c.Activate(ctx); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (c *Controller) precache(ctx context.Context, store Store) InstallResult {
	var (
		mu     sync.Mutex
		result InstallResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	for _, entry := range c.cfg.Manifest {
		entry := entry
		g.Go(func() error {
			err := c.precacheOne(gctx, store, entry)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("[OFFLINE] Failed to precache asset", "asset", entry, "error", err)
				result.Failed = append(result.Failed, entry)
			} else {
				result.Cached = append(result.Cached, entry)
			}
			// Partial success: one asset never fails the whole install.
			return nil
		})
	}
	g.Wait()

	slices.Sort(result.Cached)
	slices.Sort(result.Failed)
	return result
}

func (c *Controller) precacheOne(ctx context.Context, store Store, entry string) error {
	ref, err := url.Parse(entry)
	if err != nil {
		return fmt.Errorf("parse manifest entry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Origin.ResolveReference(ref).String(), nil)
	if err != nil {
		return err
	}

	resp, err := c.fetcher.Do(req)
	if err != nil {
		return err
	}
	snap, err := snapshot(c.key(req.URL), resp)
	if err != nil {
		return err
	}
	if !c.cacheable(req, snap, resp) {
		return fmt.Errorf("not cacheable: status %d", snap.Status)
	}

	return store.Put(ctx, snap.Key, snap)
}

// Activate deletes the stores of every other version and takes control of
// requests. Failed deletions are logged and skipped. It returns the names of
// the deleted stores.
func (c *Controller) Activate(ctx context.Context) ([]string, error) {
	var deleted []string

	names, err := c.storage.Names(ctx)
	if err != nil {
		slog.Error("[OFFLINE] Failed to list cache stores, skipping cleanup", "error", err)
	}

	for _, name := range names {
		if name == c.cacheName {
			continue
		}
		ok, err := c.storage.Delete(ctx, name)
		if err != nil {
			slog.Error("[OFFLINE] Failed to delete stale cache store", "cache", name, "error", err)
			continue
		}
		if ok {
			deleted = append(deleted, name)
		}
	}

	c.mu.Lock()
	c.phase = PhaseActive
	c.mu.Unlock()

	slog.Info("[OFFLINE] Activated", "cache", c.cacheName, "deleted", deleted)
	return deleted, nil
}

type ControlMessage struct {
	Type string `json:"type"`
}

// HandleControl processes a message posted by a page.
func (c *Controller) HandleControl(ctx context.Context, msg ControlMessage) error {
	switch msg.Type {
	case ControlSkipWaiting:
		if c.Phase() == PhaseActive {
			return nil
		}
		_, err := c.Activate(ctx)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnknownControl, msg.Type)
	}
}

// RoundTrip lets the controller sit in an http.Client.
func (c *Controller) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.Intercept(req)
}

// Intercept answers req cache-first. Requests the policy bypasses, and all
// requests before activation, go straight to the network.
func (c *Controller) Intercept(req *http.Request) (*http.Response, error) {
	if c.Phase() != PhaseActive {
		return c.fetcher.Do(req)
	}
	if d := c.cfg.Policy.Classify(req); d != Intercept {
		slog.Debug("[OFFLINE] Bypassing cache", "url", req.URL.String(), "method", req.Method, "reason", d)
		return c.fetcher.Do(req)
	}

	ctx := req.Context()
	key := c.key(req.URL)

	store, err := c.storage.Open(ctx, c.cacheName)
	if err != nil {
		slog.Error("[OFFLINE] Cache open failed, using network", "cache", c.cacheName, "error", err)
		return c.fetcher.Do(req)
	}

	cached, err := store.Match(ctx, key)
	switch {
	case err == nil:
		slog.Debug("[OFFLINE] Cache hit", "key", key)
		return hit(cached.Response(req)), nil
	case !errors.Is(err, ErrNotCached):
		slog.Error("[OFFLINE] Cache lookup failed, using network", "key", key, "error", err)
		return c.fetcher.Do(req)
	}

	resp, err := c.fetchAndStore(req, store, key)
	if err == nil {
		return resp, nil
	}

	if acceptsHTML(req) {
		if fallback, ferr := store.Match(ctx, c.cfg.Fallback); ferr == nil {
			slog.Info("[OFFLINE] Network failed, serving offline fallback", "url", req.URL.String(), "error", err)
			return hit(fallback.Response(req)), nil
		}
	}
	return nil, err
}

type flightResult struct {
	snap *CachedResponse
	// shareable is set when the response was fit for the shared cache and
	// may therefore be handed to every caller waiting on the same key.
	shareable bool
}

// fetchAndStore fetches req from the network, coalescing concurrent misses of
// the same key, and stores cacheable responses. A caller that joined another
// request's flight only reuses the result if it was cacheable; otherwise it
// makes its own request.
func (c *Controller) fetchAndStore(req *http.Request, store Store, key string) (*http.Response, error) {
	led := false
	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		led = true
		resp, err := c.fetcher.Do(req)
		if err != nil {
			return nil, err
		}
		snap, err := snapshot(key, resp)
		if err != nil {
			return nil, err
		}

		result := &flightResult{snap: snap}
		if c.cacheable(req, snap, resp) {
			result.shareable = true
			// Detached from the request so a caller going away does not
			// abort the write.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), 5*time.Second)
			defer cancel()
			if err := store.Put(ctx, key, snap); err != nil {
				slog.Warn("[OFFLINE] Failed to cache response", "key", key, "error", err)
			}
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}

	result := v.(*flightResult)
	if !led && !result.shareable {
		return c.fetcher.Do(req)
	}
	return result.snap.Response(req), nil
}

// cacheable reports whether resp may be stored in the cache every client
// shares: a 200 for exactly the requested same-origin URL that carries no
// per-user state and does not vary by request headers.
func (c *Controller) cacheable(req *http.Request, snap *CachedResponse, resp *http.Response) bool {
	if snap.Status != http.StatusOK {
		return false
	}
	final := resp.Request
	if final == nil || final.URL == nil || final.URL.String() != req.URL.String() {
		return false
	}
	if !sameOrigin(final.URL, c.cfg.Origin) {
		return false
	}
	return !private(snap.Header) && !varies(snap.Header)
}

// private reports whether a response sets cookies or forbids shared storage.
func private(h http.Header) bool {
	if len(h.Values("Set-Cookie")) > 0 {
		return true
	}
	for _, v := range h.Values("Cache-Control") {
		for _, directive := range strings.Split(v, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(name) {
			case "private", "no-store":
				return true
			}
		}
	}
	return false
}

// varies reports whether a response depends on request headers. A decoded
// body listed only under Vary: Accept-Encoding suits every client.
func varies(h http.Header) bool {
	for _, v := range h.Values("Vary") {
		for _, field := range strings.Split(v, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			if !strings.EqualFold(field, "Accept-Encoding") {
				return true
			}
			if ce := h.Get("Content-Encoding"); ce != "" && !strings.EqualFold(ce, "identity") {
				return true
			}
		}
	}
	return false
}

// key is the request URI for same-origin URLs and the full URL otherwise.
func (c *Controller) key(u *url.URL) string {
	if sameOrigin(u, c.cfg.Origin) {
		return u.RequestURI()
	}
	return u.String()
}

// Keys lists what the current store holds.
func (c *Controller) Keys(ctx context.Context) ([]string, error) {
	store, err := c.storage.Open(ctx, c.cacheName)
	if err != nil {
		return nil, err
	}
	return store.Keys(ctx)
}

func snapshot(key string, resp *http.Response) (*CachedResponse, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &CachedResponse{
		Key:      key,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now(),
	}, nil
}

func hit(resp *http.Response) *http.Response {
	resp.Header.Set("X-Cache", "HIT")
	return resp
}

func sameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

func acceptsHTML(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}
