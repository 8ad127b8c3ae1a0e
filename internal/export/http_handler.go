package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/zbcumt/thingsboard/internal/auth"
	"github.com/zbcumt/thingsboard/internal/domain"
	"github.com/zbcumt/thingsboard/internal/repository"
	"github.com/zbcumt/thingsboard/internal/service"
)

// Handler exposes the export subsystem over REST.
type Handler struct {
	service *Service
}

func NewHTTPHandler(svc *Service) *Handler {
	return &Handler{service: svc}
}

// Register mounts the export routes on a mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/api/entitiesQuery/export", auth.Middleware(http.HandlerFunc(h.handleQueue)))
	mux.Handle("/api/exports", auth.Middleware(http.HandlerFunc(h.handleListJobs)))
	mux.Handle("/api/exports/", auth.Middleware(http.HandlerFunc(h.handleJob)))
}

type queuePayload struct {
	Query  domain.EntityDataQuery `json:"query"`
	Format string                 `json:"format"`
}

type jobResponse struct {
	domain.ExportJob
	DownloadURL *string `json:"downloadUrl,omitempty"`
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "missing caller identity", http.StatusForbidden)
		return
	}
	defer r.Body.Close()
	var payload queuePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	req := Request{Query: payload.Query, Format: domain.ExportFormat(strings.ToUpper(strings.TrimSpace(payload.Format)))}
	if payload.Format == "" {
		req.Format = domain.ExportFormatCSV
	}
	job, err := h.service.Queue(r.Context(), user, req)
	if err != nil {
		writeExportError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{ExportJob: job})
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "missing caller identity", http.StatusForbidden)
		return
	}
	query := r.URL.Query()
	statuses := parseStatuses(query["status"])
	limit := 20
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "offset must be zero or positive", http.StatusBadRequest)
			return
		}
		offset = parsed
	}
	jobs, err := h.service.ListJobs(r.Context(), user, statuses, limit, offset)
	if err != nil {
		http.Error(w, fmt.Sprintf("list jobs: %v", err), http.StatusInternalServerError)
		return
	}
	responses := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		download, _ := h.service.BuildDownloadURL(job)
		responses = append(responses, jobResponse{ExportJob: job, DownloadURL: download})
	}
	writeJSON(w, http.StatusOK, responses)
}

// handleJob routes /api/exports/{id}, /api/exports/{id}/cancel, and
// /api/exports/files/{id}.
func (h *Handler) handleJob(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "missing caller identity", http.StatusForbidden)
		return
	}
	path := strings.TrimPrefix(strings.TrimSuffix(r.URL.Path, "/"), "/api/exports/")
	switch {
	case strings.HasPrefix(path, "files/"):
		h.handleDownload(w, r, user, strings.TrimPrefix(path, "files/"))
	case strings.HasSuffix(path, "/cancel") && r.Method == http.MethodPost:
		h.handleCancel(w, r, user, strings.TrimSuffix(path, "/cancel"))
	case r.Method == http.MethodGet:
		h.handleGet(w, r, user, path)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, user service.SecurityUser, idRaw string) {
	jobID, err := uuid.Parse(idRaw)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid export identifier: %v", err), http.StatusBadRequest)
		return
	}
	job, err := h.service.GetJob(r.Context(), user, jobID)
	if err != nil {
		writeExportError(w, err)
		return
	}
	download, _ := h.service.BuildDownloadURL(job)
	writeJSON(w, http.StatusOK, jobResponse{ExportJob: job, DownloadURL: download})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request, user service.SecurityUser, idRaw string) {
	jobID, err := uuid.Parse(idRaw)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid export identifier: %v", err), http.StatusBadRequest)
		return
	}
	job, err := h.service.CancelJob(r.Context(), user, jobID)
	if err != nil {
		writeExportError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{ExportJob: job})
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request, user service.SecurityUser, idRaw string) {
	jobID, err := uuid.Parse(idRaw)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid export identifier: %v", err), http.StatusBadRequest)
		return
	}
	job, err := h.service.GetJob(r.Context(), user, jobID)
	if err != nil {
		writeExportError(w, err)
		return
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if err := h.service.ValidateDownloadToken(jobID, token); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	file, err := h.service.OpenJobFile(job)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer file.Close()

	filename := filepath.Base(strings.TrimSpace(*job.FilePath))
	contentType := "application/octet-stream"
	if job.FileMimeType != nil && strings.TrimSpace(*job.FileMimeType) != "" {
		contentType = *job.FileMimeType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	http.ServeContent(w, r, filename, job.UpdatedAt, file)
}

func parseStatuses(values []string) []domain.ExportJobStatus {
	var result []domain.ExportJobStatus
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			trimmed := strings.ToUpper(strings.TrimSpace(part))
			switch domain.ExportJobStatus(trimmed) {
			case domain.ExportJobPending, domain.ExportJobRunning, domain.ExportJobCompleted,
				domain.ExportJobFailed, domain.ExportJobCancelled:
				result = append(result, domain.ExportJobStatus(trimmed))
			}
		}
	}
	return result
}

func writeExportError(w http.ResponseWriter, err error) {
	var qe *domain.QueryError
	switch {
	case errors.Is(err, repository.ErrExportJobNotFound):
		http.Error(w, "export job not found", http.StatusNotFound)
	case errors.As(err, &qe) && qe.Code == domain.CodeInvalidQuery:
		http.Error(w, qe.Message, http.StatusBadRequest)
	case errors.As(err, &qe) && qe.Code == domain.CodeForbidden:
		http.Error(w, qe.Message, http.StatusForbidden)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
