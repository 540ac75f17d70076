package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"edge-tunnel/store"
	"edge-tunnel/tunnel"
)

//
// -------------------------------------------------------------
// FALLBACK STATIC SERVER
// -------------------------------------------------------------
//
// Serves the same store directly over local HTTP, for clients that can
// reach the device while the relay cannot.

type fallbackServer struct {
	resolver *store.Resolver
	index    *store.Index
	session  *tunnel.Session
	stats    *tunnel.Stats
	deviceID string
	spa      bool
}

type healthSummary struct {
	DeviceID string `json:"device_id"`
	State    string `json:"state"`
	LinkID   string `json:"link_id,omitempty"`
	Connects uint64 `json:"connects"`
	Files    int    `json:"files"`
}

func (f *fallbackServer) mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/__tunnel/health", func(w http.ResponseWriter, r *http.Request) {
		summary := healthSummary{
			DeviceID: f.deviceID,
			State:    f.session.State().String(),
			LinkID:   f.session.LinkID(),
			Connects: f.session.Connects(),
			Files:    f.index.Count(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(summary); err != nil {
			http.Error(w, "failed to encode health summary", http.StatusInternalServerError)
		}
	})

	mux.HandleFunc("/__tunnel/metrics", func(w http.ResponseWriter, r *http.Request) {
		snap := f.stats.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(&snap); err != nil {
			http.Error(w, "failed to encode metrics", http.StatusInternalServerError)
		}
	})

	mux.HandleFunc("/", f.serveStatic)
	return mux
}

func (f *fallbackServer) serveStatic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	p := r.URL.Path
	if p == "/" {
		p = "/index.html"
	}

	// Prevent ../../ escapes
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	if f.resolver.Exists(p) {
		f.serveFile(w, r, p)
		return
	}

	if f.spa && f.resolver.Exists("/index.html") {
		f.serveFile(w, r, "/index.html")
		return
	}

	http.NotFound(w, r)
}

// serveFile writes the store entry at p. http.ServeFileFS is not used
// because it redirects any URL ending in /index.html.
func (f *fallbackServer) serveFile(w http.ResponseWriter, r *http.Request, p string) {
	file, err := f.resolver.FS().Open(strings.TrimPrefix(p, "/"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		http.Error(w, "failed to stat file", http.StatusInternalServerError)
		return
	}

	content, ok := file.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "failed to read file", http.StatusInternalServerError)
			return
		}
		content = bytes.NewReader(data)
	}

	w.Header().Set("Content-Type", store.MimeType(p))
	http.ServeContent(w, r, info.Name(), info.ModTime(), content)
}
