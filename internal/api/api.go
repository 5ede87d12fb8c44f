// Package api exposes the package repository over HTTP: listing, manifests
// and ranged file downloads behind admission control and optional auth.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/FraMan97/modsync/internal/auth"
	"github.com/FraMan97/modsync/internal/models"
	"github.com/FraMan97/modsync/internal/ratelimit"
	"github.com/FraMan97/modsync/internal/store"
	"github.com/klauspost/compress/gzhttp"
	"github.com/pkg/errors"
)

// Catalog is the read side of the server's manifest index.
type Catalog interface {
	Summaries() ([]models.PackageSummary, error)
	Manifest(name string) (*models.PackageManifest, error)
	PublishedFile(name, path string) (size int64, digest string, err error)
}

type Server struct {
	catalog Catalog
	store   store.Store
	buffers sync.Pool
}

// New wires routes, admission and auth. gate and verifier may be nil.
func New(catalog Catalog, st store.Store, bufferSize int, gate *ratelimit.Gate, verifier *auth.Verifier) http.Handler {
	if bufferSize <= 0 {
		bufferSize = 32 * 1024
	}
	s := &Server{catalog: catalog, store: st}
	s.buffers.New = func() any {
		b := make([]byte, bufferSize)
		return &b
	}

	mux := http.NewServeMux()
	mux.Handle("GET /packages", gzhttp.GzipHandler(http.HandlerFunc(s.ListPackages)))
	mux.Handle("GET /packages/{name}", gzhttp.GzipHandler(http.HandlerFunc(s.GetManifest)))
	mux.HandleFunc("GET /packages/{name}/files/{file...}", s.ServeFile)

	var h http.Handler = verifier.Middleware(mux)
	if gate != nil {
		h = gate.Middleware(h)
	}
	return h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Println("[API] - Error encoding response:", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{Error: msg})
}

func (s *Server) ListPackages(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.catalog.Summaries()
	if err != nil {
		log.Println("[Packages] - Error listing packages:", err)
		writeError(w, http.StatusInternalServerError, "Error listing packages")
		return
	}
	if summaries == nil {
		summaries = []models.PackageSummary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) GetManifest(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	m, err := s.catalog.Manifest(name)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Package '%s' not found", name))
		return
	}
	if err != nil {
		log.Printf("[Manifest] - Error loading manifest '%s': %v\n", name, err)
		writeError(w, http.StatusInternalServerError, "Error loading manifest")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ServeFile streams a whole file or one byte range of it. The body never
// passes through memory beyond one transfer buffer.
func (s *Server) ServeFile(w http.ResponseWriter, r *http.Request) {
	name, file := r.PathValue("name"), r.PathValue("file")
	ctx := r.Context()

	obj, err := s.store.Stat(ctx, name, file)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidPath) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("File '%s/%s' not found", name, file))
		return
	}
	if err != nil {
		log.Printf("[Range] - Error stat '%s/%s': %v\n", name, file, err)
		writeError(w, http.StatusInternalServerError, "Error reading file")
		return
	}

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", "application/octet-stream")
	if !obj.ModTime.IsZero() {
		h.Set("Last-Modified", obj.ModTime.UTC().Format(http.TimeFormat))
	}
	if etag := s.etag(name, file, obj.Size); etag != "" {
		h.Set("ETag", etag)
	}

	start, end, partial, err := ParseRange(r.Header.Get("Range"), obj.Size)
	if err != nil {
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", obj.Size))
		writeError(w, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}
	length := end - start + 1

	h.Set("Content-Length", strconv.FormatInt(length, 10))
	status := http.StatusOK
	if partial {
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, obj.Size))
		status = http.StatusPartialContent
	}
	if r.Method == http.MethodHead || length == 0 {
		w.WriteHeader(status)
		return
	}

	rc, err := s.store.Open(ctx, name, file, start, length)
	if err != nil {
		h.Del("Content-Length")
		h.Del("Content-Range")
		log.Printf("[Range] - Error opening '%s/%s': %v\n", name, file, err)
		writeError(w, http.StatusInternalServerError, "Error reading file")
		return
	}
	defer rc.Close()

	w.WriteHeader(status)
	bufp := s.buffers.Get().(*[]byte)
	defer s.buffers.Put(bufp)
	// Hide ReaderFrom so the copy goes through our bounded buffer.
	n, err := io.CopyBuffer(struct{ io.Writer }{w}, rc, *bufp)
	if err != nil && ctx.Err() == nil {
		log.Printf("[Range] - Stream '%s/%s' aborted after %d/%d bytes: %v\n", name, file, n, length, err)
	}
}

// etag is the published digest of the file, or empty when the stored bytes
// no longer have the published size.
func (s *Server) etag(name, file string, size int64) string {
	published, digest, err := s.catalog.PublishedFile(name, file)
	if err != nil || published != size {
		return ""
	}
	return strconv.Quote(digest)
}
