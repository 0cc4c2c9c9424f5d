// Package server exposes the ingestion and query pipeline over HTTP,
// plus a WebSocket endpoint for interactive chat with progress
// updates.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/kestrelab/docqa/internal/types"
	"github.com/kestrelab/docqa/pkg/cleanup"
	"github.com/kestrelab/docqa/pkg/pipeline"
	"github.com/kestrelab/docqa/pkg/query"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Be careful with this in production
	},
}

type Message struct {
	Type    string      `json:"type"`
	Content string      `json:"content"`
	Data    interface{} `json:"data,omitempty"`
}

type Config struct {
	Addr      string
	UploadDir string
}

type Server struct {
	config   Config
	pipeline *pipeline.Pipeline
	engine   *query.Engine
	sweeper  *cleanup.Sweeper
	tracker  types.Tracker
	index    types.VectorIndex
}

func New(cfg Config, pipe *pipeline.Pipeline, engine *query.Engine, sweeper *cleanup.Sweeper,
	tracker types.Tracker, index types.VectorIndex) (*Server, error) {

	if pipe == nil || engine == nil || tracker == nil || index == nil {
		return nil, fmt.Errorf("server: pipeline, engine, tracker and index must be provided")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	return &Server{
		config:   cfg,
		pipeline: pipe,
		engine:   engine,
		sweeper:  sweeper,
		tracker:  tracker,
		index:    index,
	}, nil
}

// Handler builds the route table. Exposed separately so tests can use
// httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/sync/status", s.handleSyncStatus)
	mux.HandleFunc("/query", s.handleQuery)
	mux.HandleFunc("/cleanup", s.handleCleanup)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

func (s *Server) ListenAndServe() error {
	log.Printf("Starting server on %s", s.config.Addr)
	return http.ListenAndServe(s.config.Addr, s.Handler())
}

// handleUpload accepts multipart file uploads, stores them in the
// upload directory and ingests them in the same request.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		httpError(w, http.StatusBadRequest, "invalid multipart form: %v", err)
		return
	}

	// Base names must be unique within one request; a collision would
	// silently drop one of the uploads.
	seen := make(map[string]bool)
	var saved []string
	for _, headers := range r.MultipartForm.File {
		for _, hdr := range headers {
			name := filepath.Base(hdr.Filename)
			if seen[name] {
				httpError(w, http.StatusBadRequest, "duplicate file name %q in request", name)
				return
			}
			seen[name] = true

			path, err := s.saveUpload(hdr)
			if err != nil {
				httpError(w, http.StatusBadRequest, "save %s: %v", hdr.Filename, err)
				return
			}
			saved = append(saved, path)
		}
	}
	if len(saved) == 0 {
		httpError(w, http.StatusBadRequest, "no files in request")
		return
	}

	report, err := s.pipeline.ProcessBatch(r.Context(), saved)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "ingest: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) saveUpload(hdr *multipart.FileHeader) (string, error) {
	src, err := hdr.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	name := filepath.Base(hdr.Filename)
	if name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("invalid file name %q", hdr.Filename)
	}

	path := filepath.Join(s.config.UploadDir, name)
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// handleSync reprocesses the upload directory. New and changed files
// are ingested, unchanged files skipped.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	report, err := s.pipeline.Sync(r.Context(), s.config.UploadDir)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "sync: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	pending, processed, err := s.pipeline.Status(s.config.UploadDir)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "status: %v", err)
		return
	}
	stats := s.tracker.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending":   orEmpty(pending),
		"processed": orEmpty(processed),
		"tracked":   stats.TotalTracked,
		"failed":    stats.Failed,
	})
}

type queryRequest struct {
	Question string `json:"question"`
	K        int    `json:"k,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Question == "" {
		httpError(w, http.StatusBadRequest, "question is required")
		return
	}

	result, err := s.engine.Answer(r.Context(), req.Question, req.K)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "query: %v", err)
		return
	}

	type source struct {
		SourceID string  `json:"source_id"`
		Seq      int     `json:"seq"`
		Score    float64 `json:"score"`
		Text     string  `json:"text"`
	}
	sources := make([]source, len(result.Sources))
	for i, sc := range result.Sources {
		sources[i] = source{
			SourceID: sc.Chunk.SourceID,
			Seq:      sc.Chunk.Seq,
			Score:    sc.Score,
			Text:     sc.Chunk.Text,
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"answer":      result.Answer,
		"sources":     sources,
		"no_evidence": result.NoEvidence,
		"latency_ms":  result.Latency.Milliseconds(),
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		httpError(w, http.StatusNotFound, "cleanup is not configured")
		return
	}
	switch r.Method {
	case http.MethodPost:
		report, err := s.sweeper.Sweep(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "sweep: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	case http.MethodGet:
		stats, err := s.sweeper.Stats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	default:
		httpError(w, http.StatusMethodNotAllowed, "GET or POST required")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	n, err := s.index.Count(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"chunks": n,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Error unmarshaling message: %v", err)
			continue
		}

		s.handleMessage(r.Context(), conn, msg)
	}
}

func (s *Server) handleMessage(ctx context.Context, conn *websocket.Conn, msg Message) {
	switch msg.Type {
	case "sync":
		s.sendMessage(conn, "status", "Syncing upload directory")

		var done int32
		report, err := s.pipeline.SyncWithProgress(ctx, s.config.UploadDir, func(path string, skipped bool, err error) {
			n := atomic.AddInt32(&done, 1)
			s.sendMessage(conn, "progress", fmt.Sprintf("Processed %d files", n))
		})
		if err != nil {
			s.sendMessage(conn, "error", fmt.Sprintf("Sync failed: %v", err))
			return
		}
		s.sendMessage(conn, "status", fmt.Sprintf("Sync done: %d processed, %d skipped, %d failed",
			report.Processed, report.Skipped, len(report.Failed)))

	case "query", "":
		if msg.Content == "" {
			s.sendMessage(conn, "error", "empty question")
			return
		}
		result, err := s.engine.Answer(ctx, msg.Content, 0)
		if err != nil {
			s.sendMessage(conn, "error", fmt.Sprintf("Error: %v", err))
			return
		}
		reply := Message{Type: "response", Content: result.Answer, Data: result.Sources}
		if err := conn.WriteJSON(reply); err != nil {
			log.Printf("Error sending message: %v", err)
		}

	default:
		s.sendMessage(conn, "error", fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (s *Server) sendMessage(conn *websocket.Conn, msgType string, content string) {
	msg := Message{
		Type:    msgType,
		Content: content,
	}
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("Error sending message: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func httpError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func orEmpty(paths []string) []string {
	if paths == nil {
		return []string{}
	}
	return paths
}
