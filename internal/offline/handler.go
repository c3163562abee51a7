package offline

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

const (
	ControlPath      = "/__offline/control"
	RegistrationPath = "/__offline/registration"
	ScriptPath       = "/__offline/controller.js"
)

// Hop-by-hop headers are not forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type Registration struct {
	Version   string `json:"version"`
	CacheName string `json:"cacheName"`
	ScriptURL string `json:"scriptUrl"`
	Phase     string `json:"phase"`
}

// NewHandler fronts origin with the controller: control routes are served
// locally, everything else is rewritten to origin and intercepted.
func NewHandler(c *Controller, origin *url.URL) http.Handler {
	r := mux.NewRouter()
	r.Use(loggingMiddleware)

	r.HandleFunc(ControlPath, func(w http.ResponseWriter, r *http.Request) {
		var msg ControlMessage
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&msg); err != nil {
			http.Error(w, "invalid control message", http.StatusBadRequest)
			return
		}
		if err := c.HandleControl(r.Context(), msg); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrUnknownControl) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	r.HandleFunc(RegistrationPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		json.NewEncoder(w).Encode(Registration{
			Version:   c.Version(),
			CacheName: c.CacheName(),
			ScriptURL: RegistrationURL(ScriptPath, c.Version()),
			Phase:     c.Phase().String(),
		})
	}).Methods(http.MethodGet)

	r.PathPrefix("/").Handler(proxy(c, origin))
	return r
}

func proxy(c *Controller, origin *url.URL) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := r.Clone(r.Context())
		out.RequestURI = ""
		out.URL = origin.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})
		out.Host = origin.Host
		for _, h := range hopHeaders {
			out.Header.Del(h)
		}
		// Let the transport negotiate compression so stored bodies are decoded.
		out.Header.Del("Accept-Encoding")

		resp, err := c.Intercept(out)
		if err != nil {
			slog.Warn("[OFFLINE] Upstream unavailable", "url", out.URL.String(), "error", err)
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		for _, h := range hopHeaders {
			w.Header().Del(h)
		}
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			slog.Warn("[OFFLINE] Failed to copy response body", "url", out.URL.String(), "error", err)
		}
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("[OFFLINE] Request served", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}
