package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"flowidly/api/internal/assets"
	"flowidly/api/internal/auth"
	"flowidly/api/internal/export"
	"flowidly/api/internal/metrics"
	"flowidly/api/internal/session"
	"flowidly/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	metrics    *metrics.Metrics
	corsOrigin string
}

func NewHTTPServer(service *Service, m *metrics.Metrics, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, metrics: m, corsOrigin: corsOrigin}
}

type callerHandler func(http.ResponseWriter, *http.Request, Caller)

func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/proposals", s.authed(s.handleListProposals)).Methods(http.MethodGet)
	api.HandleFunc("/proposals", s.authed(s.handleCreateProposal)).Methods(http.MethodPost)
	api.HandleFunc("/proposals/{id}", s.authed(s.handleGetProposal)).Methods(http.MethodGet)
	api.HandleFunc("/proposals/{id}", s.authed(s.handleUpdateProposal)).Methods(http.MethodPut)
	api.HandleFunc("/proposals/{id}", s.authed(s.handleDeleteProposal)).Methods(http.MethodDelete)
	api.HandleFunc("/proposals/{id}/blocks", s.authed(s.handleProposalBlocks)).Methods(http.MethodGet)
	api.HandleFunc("/proposals/{id}/export", s.authed(s.handleExport)).Methods(http.MethodGet)

	api.HandleFunc("/proposals/{id}/sessions", s.authed(s.handleOpenDraft)).Methods(http.MethodPost)
	api.HandleFunc("/proposals/{id}/sessions/{sid}", s.authed(s.handleGetDraft)).Methods(http.MethodGet)
	api.HandleFunc("/proposals/{id}/sessions/{sid}", s.authed(s.handleDiscardDraft)).Methods(http.MethodDelete)
	api.HandleFunc("/proposals/{id}/sessions/{sid}/commands", s.authed(s.handleCommand)).Methods(http.MethodPost)
	api.HandleFunc("/proposals/{id}/sessions/{sid}/save", s.authed(s.handleSaveDraft)).Methods(http.MethodPost)

	api.HandleFunc("/proposals/{id}/history", s.authed(s.handleHistory)).Methods(http.MethodGet)
	api.HandleFunc("/proposals/{id}/history/{hash}", s.authed(s.handleSnapshot)).Methods(http.MethodGet)
	api.HandleFunc("/proposals/{id}/events", s.authed(s.handleListEvents)).Methods(http.MethodGet)
	api.HandleFunc("/proposals/{id}/events", s.authed(s.handleReportEvent)).Methods(http.MethodPost)
	api.HandleFunc("/proposals/{id}/assets", s.authed(s.handleUploadAsset)).Methods(http.MethodPost)

	api.HandleFunc("/templates", s.authed(s.handleListTemplates)).Methods(http.MethodGet)
	api.HandleFunc("/templates/{id}/proposals", s.authed(s.handleCreateFromTemplate)).Methods(http.MethodPost)
	api.HandleFunc("/search", s.authed(s.handleSearch)).Methods(http.MethodGet)

	api.HandleFunc("/public/{token}", s.handlePublicProposal).Methods(http.MethodGet)
	r.HandleFunc("/p/{token}", s.handlePublicHTML).Methods(http.MethodGet)
	r.HandleFunc("/p/{token}/pdf", s.handlePublicPDF).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	return s.withMiddleware(r)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Ping(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleListProposals(w http.ResponseWriter, r *http.Request, caller Caller) {
	includeTemplates, _ := strconv.ParseBool(r.URL.Query().Get("include_templates"))
	items, err := s.service.ListProposals(r.Context(), caller, includeTemplates)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": s.service.Views(items)})
}

func (s *HTTPServer) handleCreateProposal(w http.ResponseWriter, r *http.Request, caller Caller) {
	var body CreateProposalInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	created, err := s.service.CreateProposal(r.Context(), caller, body)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.service.View(created))
}

func (s *HTTPServer) handleGetProposal(w http.ResponseWriter, r *http.Request, caller Caller) {
	proposal, err := s.service.GetProposal(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.service.View(proposal))
}

func (s *HTTPServer) handleUpdateProposal(w http.ResponseWriter, r *http.Request, caller Caller) {
	var body UpdateProposalInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	updated, err := s.service.UpdateProposal(r.Context(), caller, mux.Vars(r)["id"], body)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.service.View(updated))
}

func (s *HTTPServer) handleDeleteProposal(w http.ResponseWriter, r *http.Request, caller Caller) {
	if err := s.service.DeleteProposal(r.Context(), caller, mux.Vars(r)["id"]); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *HTTPServer) handleProposalBlocks(w http.ResponseWriter, r *http.Request, caller Caller) {
	view, err := s.service.ProposalBlocks(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, caller Caller) {
	result, err := s.service.Export(r.Context(), caller, mux.Vars(r)["id"], r.URL.Query().Get("format"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeFile(w, result, true)
}

func (s *HTTPServer) handleOpenDraft(w http.ResponseWriter, r *http.Request, caller Caller) {
	draft, err := s.service.OpenDraft(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, draft)
}

func (s *HTTPServer) handleGetDraft(w http.ResponseWriter, r *http.Request, caller Caller) {
	vars := mux.Vars(r)
	draft, err := s.service.GetDraft(r.Context(), caller, vars["id"], vars["sid"])
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *HTTPServer) handleDiscardDraft(w http.ResponseWriter, r *http.Request, caller Caller) {
	vars := mux.Vars(r)
	if err := s.service.DiscardDraft(r.Context(), caller, vars["id"], vars["sid"]); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"discarded": true})
}

func (s *HTTPServer) handleCommand(w http.ResponseWriter, r *http.Request, caller Caller) {
	var cmd Command
	if err := decodeBody(r, &cmd); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	vars := mux.Vars(r)
	draft, err := s.service.ApplyCommand(r.Context(), caller, vars["id"], vars["sid"], cmd)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *HTTPServer) handleSaveDraft(w http.ResponseWriter, r *http.Request, caller Caller) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	vars := mux.Vars(r)
	outcome, err := s.service.SaveDraft(r.Context(), caller, vars["id"], vars["sid"], force)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, caller Caller) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	commits, err := s.service.History(r.Context(), caller, mux.Vars(r)["id"], limit)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
}

func (s *HTTPServer) handleSnapshot(w http.ResponseWriter, r *http.Request, caller Caller) {
	vars := mux.Vars(r)
	snapshot, err := s.service.SnapshotAt(r.Context(), caller, vars["id"], vars["hash"])
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *HTTPServer) handleListEvents(w http.ResponseWriter, r *http.Request, caller Caller) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.service.ListEvents(r.Context(), caller, mux.Vars(r)["id"], limit)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *HTTPServer) handleReportEvent(w http.ResponseWriter, r *http.Request, caller Caller) {
	var body ReportEventInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	event, err := s.service.ReportEvent(r.Context(), caller, mux.Vars(r)["id"], body, requestMeta(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (s *HTTPServer) handleUploadAsset(w http.ResponseWriter, r *http.Request, caller Caller) {
	r.Body = http.MaxBytesReader(w, r.Body, assets.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(assets.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "multipart form with a file field is required", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "file is required", nil)
		return
	}
	defer file.Close()

	asset, err := s.service.UploadAsset(r.Context(), caller, mux.Vars(r)["id"], header.Filename,
		header.Header.Get("Content-Type"), file, header.Size)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"url": asset.URL, "key": asset.Key})
}

func (s *HTTPServer) handleListTemplates(w http.ResponseWriter, r *http.Request, caller Caller) {
	items, err := s.service.ListTemplates(r.Context(), caller)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": s.service.Views(items)})
}

func (s *HTTPServer) handleCreateFromTemplate(w http.ResponseWriter, r *http.Request, caller Caller) {
	var body FromTemplateInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	created, err := s.service.CreateFromTemplate(r.Context(), caller, mux.Vars(r)["id"], body)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.service.View(created))
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, caller Caller) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	response, err := s.service.Search(r.Context(), caller, r.URL.Query().Get("q"), limit)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handlePublicProposal(w http.ResponseWriter, r *http.Request) {
	proposal, err := s.service.PublicProposal(r.Context(), mux.Vars(r)["token"], requestMeta(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (s *HTTPServer) handlePublicHTML(w http.ResponseWriter, r *http.Request) {
	html, err := s.service.PublicHTML(r.Context(), mux.Vars(r)["token"], requestMeta(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(html))
}

func (s *HTTPServer) handlePublicPDF(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.PublicPDF(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeFile(w, result, false)
}

// authed resolves the bearer token into a Caller before calling next.
func (s *HTTPServer) authed(next callerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		caller, err := s.service.CallerFromToken(token)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		next(w, r, caller)
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

// instrument records request metrics under the matched route template so
// ids do not explode label cardinality.
func (s *HTTPServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)
		s.metrics.ObserveRequest(route, r.Method, writer.status, time.Since(started))
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError && code == "SERVER_ERROR" {
		log.Error().Err(err).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func writeFile(w http.ResponseWriter, result *export.Result, attachment bool) {
	disposition := "inline"
	if attachment {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", disposition+"; filename=\""+result.Filename+"\"")
	w.Header().Set("Content-Type", result.MimeType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func requestMeta(r *http.Request) RequestMeta {
	ip := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip, _, _ = strings.Cut(forwarded, ",")
	} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	return RequestMeta{IP: strings.TrimSpace(ip), UserAgent: r.UserAgent()}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, session.ErrDraftNotFound):
		return http.StatusNotFound, "DRAFT_NOT_FOUND", "Editing session not found or expired", nil
	case errors.Is(err, session.ErrDraftBusy):
		return http.StatusConflict, "DRAFT_BUSY", "The editing session is busy, retry the change", nil
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, "VERSION_CONFLICT", "The proposal was changed by someone else", nil
	case errors.Is(err, assets.ErrDisabled):
		return http.StatusServiceUnavailable, "ASSETS_UNAVAILABLE", "Asset storage is not configured", nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not available", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
