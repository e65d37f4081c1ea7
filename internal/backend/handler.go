// Package backend is a self-contained development stand-in for the real
// query/classification engine. It speaks the same wire protocol (/chat,
// /chat/stream with SSE framing, /user/context, /health, and the document
// endpoints) over canned classifications and data, so the session engine
// has a live backend to talk to in development and tests.
package backend

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/controlsuite/rag-assistant/internal/domain"
)

const version = "0.3.0"

// Handler serves the assistant wire protocol.
type Handler struct {
	logger *slog.Logger

	mu   sync.Mutex
	docs []domain.Document

	// ChunkDelay paces streamed content chunks. Zero in tests.
	ChunkDelay time.Duration
}

// NewHandler creates a handler seeded with a small document catalog.
func NewHandler(logger *slog.Logger) *Handler {
	return &Handler{
		logger: logger,
		docs: []domain.Document{
			{ID: uuid.NewString(), Name: "controls-handbook.pdf", Application: string(domain.AppEControls), UploadDate: time.Now().UTC().Add(-48 * time.Hour), Size: 482133, UploadedBy: "asmith"},
			{ID: uuid.NewString(), Name: "kri-methodology.docx", Application: string(domain.AppMyKRI), UploadDate: time.Now().UTC().Add(-24 * time.Hour), Size: 90412, UploadedBy: "bjones"},
		},
	}
}

// Routes builds the router with request-id and logging middleware applied.
// All endpoints live under /api, matching the base URL clients default to.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", h.handleChat)
		r.Post("/chat/stream", h.handleChatStream)
		r.Get("/user/context/{userID}", h.handleUserContext)
		r.Get("/health", h.handleHealth)
		r.Get("/documents", h.handleListDocuments)
		r.Post("/documents/upload", h.handleUploadDocument)
	})

	return r
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserContext == nil {
		http.Error(w, "user_context is required", http.StatusBadRequest)
		return
	}

	// A confirmed request is a pre-approved statement: execute directly,
	// no re-classification.
	if req.Confirmed {
		writeJSON(w, &domain.ChatResponse{
			Response:    "Operation completed successfully. 1 row(s) affected.",
			Data:        map[string]any{"affected_rows": 1},
			SQLExecuted: req.Query,
		})
		return
	}

	cls := classify(req.Query)

	if cls.Application == domain.AppRAGOnly {
		writeJSON(w, &domain.ChatResponse{
			Response:       "Based on the indexed documents: controls are reviewed quarterly by the owning OU, and KRI breaches escalate within two business days.",
			Sources:        cannedSources(),
			Classification: cls,
		})
		return
	}

	sqlQuery := generateSQL(cls, req.UserContext)

	if cls.RequiresConfirmation {
		writeJSON(w, &domain.ChatResponse{
			RequiresConfirmation: true,
			SQLQuery:             sqlQuery,
			Application:          cls.Application,
			Message:              fmt.Sprintf("This operation will modify data in %s. Please confirm to proceed.", cls.Application),
			Classification:       cls,
		})
		return
	}

	rows := queryRows(cls, req.UserContext)
	writeJSON(w, &domain.ChatResponse{
		Response:       fmt.Sprintf("I found %d result(s) matching your query.", len(rows)),
		Data:           rows,
		SQLExecuted:    sqlQuery,
		Sources:        cannedSources(),
		Classification: cls,
	})
}

func (h *Handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserContext == nil {
		http.Error(w, "user_context is required", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	emit := func(v any) {
		data, err := json.Marshal(v)
		if err != nil {
			h.logger.Error("failed to marshal stream event", slog.String("error", err.Error()))
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	emit(map[string]any{"type": "status", "message": "Analyzing query..."})

	cls := classify(req.Query)
	emit(map[string]any{"type": "classification", "data": cls})

	if cls.RequiresConfirmation {
		// Mutating statement: propose, never execute. The client arms its
		// confirmation gate from the classification plus this statement.
		sqlQuery := generateSQL(cls, req.UserContext)
		emit(map[string]any{"type": "status", "message": "Generating query..."})
		h.streamText(emit, fmt.Sprintf("This operation will modify data in %s. Please confirm to proceed.", cls.Application))
		emit(map[string]any{"type": "data", "result": map[string]any{"sql_query": sqlQuery, "requires_confirmation": true}})
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
		return
	}

	if cls.Application == domain.AppRAGOnly {
		emit(map[string]any{"type": "status", "message": "Searching documents..."})
		h.streamText(emit, "Based on the indexed documents: controls are reviewed quarterly by the owning OU, and KRI breaches escalate within two business days.")
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
		return
	}

	emit(map[string]any{"type": "status", "message": "Executing query..."})
	rows := queryRows(cls, req.UserContext)

	emit(map[string]any{"type": "status", "message": "Generating response..."})
	h.streamText(emit, fmt.Sprintf("I found %d result(s) matching your query.", len(rows)))

	emit(map[string]any{"type": "data", "result": rows})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// streamText emits text as content events, five words per chunk, the way the
// real engine paces its answers.
func (h *Handler) streamText(emit func(any), text string) {
	words := strings.Fields(text)
	for i := 0; i < len(words); i += 5 {
		end := i + 5
		if end > len(words) {
			end = len(words)
		}
		emit(map[string]any{"type": "content", "chunk": strings.Join(words[i:end], " ") + " "})
		if h.ChunkDelay > 0 {
			time.Sleep(h.ChunkDelay)
		}
	}
}

var users = map[int]domain.UserContext{
	1: {UserID: 1, Username: "asmith", Email: "asmith@example.com", OU: "Operational Risk", LRE: "US-01", Country: "US", Role: domain.UserRoleAdmin},
	2: {UserID: 2, Username: "bjones", Email: "bjones@example.com", OU: "Internal Audit", LRE: "DE-02", Country: "DE", Role: domain.UserRoleUser},
}

func (h *Handler) handleUserContext(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	user, ok := users[id]
	if !ok {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	writeJSON(w, user)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, domain.HealthStatus{
		Status:          "healthy",
		Version:         version,
		RAGAPIConnected: true,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	docs := make([]domain.Document, len(h.docs))
	copy(docs, h.docs)
	h.mu.Unlock()
	writeJSON(w, docs)
}

func (h *Handler) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	size, err := io.Copy(io.Discard, file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	application := r.FormValue("application")
	if application == "" {
		application = "General"
	}

	doc := domain.Document{
		ID:          uuid.NewString(),
		Name:        header.Filename,
		Application: application,
		UploadDate:  time.Now().UTC(),
		Size:        size,
		UploadedBy:  "dev",
	}

	h.mu.Lock()
	h.docs = append(h.docs, doc)
	h.mu.Unlock()

	writeJSON(w, map[string]any{
		"document_id":   doc.ID,
		"document_name": doc.Name,
		"status":        "indexed",
		"chunks":        1 + size/2048,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
