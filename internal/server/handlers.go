// Package server exposes the relay's HTTP surface: websocket upgrades, the
// file upload and download gateways, and the health check.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/anonfunchat/relay/internal/store"
)

// multipartMemory is how much of a parsed upload is buffered in memory
// before the multipart reader spills to disk.
const multipartMemory = 32 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// Handler bundles the relay's HTTP endpoints with the hub and file store
// they operate on.
type Handler struct {
	hub    *Hub
	store  *store.Store
	logger *slog.Logger
}

// NewHandler creates the endpoint handler for the given hub and store.
func NewHandler(hub *Hub, st *store.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:    hub,
		store:  st,
		logger: logger.With(slog.String("component", "http")),
	}
}

// uploadResponse is the JSON body returned by a successful upload.
type uploadResponse struct {
	Handle     string `json:"handle"`
	Link       string `json:"link"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	Mime       string `json:"mime"`
	TTLMinutes int    `json:"ttlMinutes"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WebSocket upgrades the request and registers the connection as a new hub
// participant. The hub launches the client's pump goroutines.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	h.hub.Register(NewClient(conn, h.hub, r.RemoteAddr))
}

// Upload accepts a multipart payload in the "file" field, stores it, and
// returns the handle plus download link. An optional "filename" field
// overrides the name from the multipart header. Oversized requests fail at
// the transport level; nothing is stored on any failure path.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	// Cap the whole request a little above the payload limit so multipart
	// framing does not push a maximum-size file over the edge.
	r.Body = http.MaxBytesReader(w, r.Body, h.store.MaxBytes()+multipartMemory)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "File too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "No file uploaded"})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "No file uploaded"})
		return
	}
	defer file.Close()

	// Buffer the payload fully before touching the store, so no lock is
	// ever held across network reads.
	payload, err := io.ReadAll(file)
	if err != nil {
		h.logger.Warn("failed reading upload body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Upload aborted"})
		return
	}

	name := r.FormValue("filename")
	if name == "" {
		name = header.Filename
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mimetype.Detect(payload).String()
	}

	rec, err := h.store.Put(payload, contentType, name)
	if err != nil {
		if errors.Is(err, store.ErrPayloadTooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "File too large"})
			return
		}
		h.logger.Error("store rejected upload", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Upload failed"})
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		Handle:     rec.Handle,
		Link:       "/download/" + rec.Handle,
		Filename:   rec.DisplayName,
		Size:       rec.Size,
		Mime:       rec.ContentType,
		TTLMinutes: h.store.TTLMinutes(),
	})
}

// Download streams a stored payload by handle. Absent and expired handles
// are indistinguishable: both answer 404 with a plain-text body.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")

	rec, ok := h.store.Get(handle)
	if !ok {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		_, _ = fmt.Fprint(w, "File not found or expired.")
		return
	}

	contentType := rec.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s"`, url.PathEscape(rec.DisplayName)))
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	if _, err := w.Write(rec.Payload); err != nil {
		h.logger.Debug("download write aborted",
			slog.String("handle", handle),
			slog.String("error", err.Error()),
		)
	}
}

// Health is a plain-text liveness check.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "Relay server is running!")
}
