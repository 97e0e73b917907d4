// Package frontend serves the admin console. In development mode it proxies
// to a local dev server, otherwise it serves the embedded files.
package frontend

import (
	"errors"
	"io/fs"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultDevHost is the default dev server address.
	DefaultDevHost = "localhost:5173"

	// DefaultIndexFile is served for every path that is not a file.
	DefaultIndexFile = "index.html"
)

// Config holds the configuration for frontend serving.
type Config struct {
	// DevHost is the address of the dev server (default: localhost:5173).
	DevHost string

	// Dev proxies to the dev server instead of serving files.
	Dev bool

	// IndexFile is the name of the index file (default: "index.html").
	IndexFile string
}

// Setup serves the embedded console under every path not matched by an
// earlier route of router. Under `go run` it proxies to the dev server.
func Setup(router *mux.Router) {
	SetupWithConfig(router, Assets(), &Config{Dev: IsDev()})
}

// SetupWithConfig configures frontend serving of files with custom
// configuration.
func SetupWithConfig(router *mux.Router, files fs.FS, cfg *Config) {
	if cfg.DevHost == "" {
		cfg.DevHost = DefaultDevHost
	}
	if cfg.IndexFile == "" {
		cfg.IndexFile = DefaultIndexFile
	}

	if cfg.Dev {
		log.Info().
			Str("devHost", cfg.DevHost).
			Msg("Dev mode detected. Frontend is being proxied to the dev server")

		proxy := httputil.NewSingleHostReverseProxy(&url.URL{
			Scheme: "http",
			Host:   cfg.DevHost,
		})
		router.PathPrefix("/").Handler(proxy)
		return
	}

	log.Info().Msg("Serving admin console from embedded filesystem")
	router.PathPrefix("/").Handler(NewSPAHandler(files, cfg.IndexFile))
}

// IsDev returns true when the application is running via `go run`.
// It detects this by checking if the executable path contains "go-build",
// which is the temporary directory used by `go run`.
func IsDev() bool {
	ex, err := os.Executable()
	if err != nil {
		return false
	}
	return strings.Contains(filepath.Dir(ex), "go-build")
}

// SPAHandler serves a single page application. Existing files are served
// as is and every other path gets the index file, so client-side routes
// survive a reload. API paths never fall back to the index.
type SPAHandler struct {
	files      fs.FS
	indexFile  string
	fileServer http.Handler
}

// NewSPAHandler creates a new SPA handler over files.
func NewSPAHandler(files fs.FS, indexFile string) *SPAHandler {
	return &SPAHandler{
		files:      files,
		indexFile:  indexFile,
		fileServer: http.FileServer(http.FS(files)),
	}
}

// ServeHTTP implements http.Handler for serving the SPA.
func (h *SPAHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		http.NotFound(w, r)
		return
	}

	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name == "" || name == h.indexFile {
		h.serveIndex(w)
		return
	}

	info, err := fs.Stat(h.files, name)
	switch {
	case errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()):
		h.serveIndex(w)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.fileServer.ServeHTTP(w, r)
}

func (h *SPAHandler) serveIndex(w http.ResponseWriter) {
	index, err := fs.ReadFile(h.files, h.indexFile)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(index)
}
