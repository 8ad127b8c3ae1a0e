package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/zbcumt/thingsboard/internal/auth"
	"github.com/zbcumt/thingsboard/internal/domain"
	"github.com/zbcumt/thingsboard/internal/service"
)

// EntityQueryHandler exposes the query engine over REST.
type EntityQueryHandler struct {
	service *service.EntityQueryService
}

func NewEntityQueryHandler(svc *service.EntityQueryService) *EntityQueryHandler {
	return &EntityQueryHandler{service: svc}
}

// Register mounts the query routes on a mux.
func (h *EntityQueryHandler) Register(mux *http.ServeMux) {
	mux.Handle("/api/entitiesQuery/count", auth.Middleware(http.HandlerFunc(h.handleCount)))
	mux.Handle("/api/entitiesQuery/find", auth.Middleware(http.HandlerFunc(h.handleFind)))
	mux.Handle("/api/alarmsQuery/find", auth.Middleware(http.HandlerFunc(h.handleFindAlarms)))
}

func (h *EntityQueryHandler) handleCount(w http.ResponseWriter, r *http.Request) {
	user, ok := requirePost(w, r)
	if !ok {
		return
	}
	defer r.Body.Close()
	var query domain.EntityCountQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		writeError(w, domain.NewInvalidQuery(fmt.Sprintf("malformed count query: %v", err)))
		return
	}
	count, err := h.service.CountEntities(r.Context(), user, query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, count)
}

func (h *EntityQueryHandler) handleFind(w http.ResponseWriter, r *http.Request) {
	user, ok := requirePost(w, r)
	if !ok {
		return
	}
	defer r.Body.Close()
	var query domain.EntityDataQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		writeError(w, domain.NewInvalidQuery(fmt.Sprintf("malformed data query: %v", err)))
		return
	}
	page, err := h.service.FindEntityData(r.Context(), user, query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *EntityQueryHandler) handleFindAlarms(w http.ResponseWriter, r *http.Request) {
	user, ok := requirePost(w, r)
	if !ok {
		return
	}
	defer r.Body.Close()
	var query domain.AlarmDataQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		writeError(w, domain.NewInvalidQuery(fmt.Sprintf("malformed alarm query: %v", err)))
		return
	}
	page, err := h.service.FindAlarmData(r.Context(), user, query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func requirePost(w http.ResponseWriter, r *http.Request) (service.SecurityUser, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return service.SecurityUser{}, false
	}
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "missing caller identity", http.StatusForbidden)
		return service.SecurityUser{}, false
	}
	return user, true
}

// writeError maps the error taxonomy to HTTP statuses. Invalid queries (400)
// and forbidden callers (403) carry their message; everything else stays
// generic with a server-side log line.
func writeError(w http.ResponseWriter, err error) {
	var qe *domain.QueryError
	if errors.As(err, &qe) {
		switch qe.Code {
		case domain.CodeInvalidQuery:
			http.Error(w, qe.Message, http.StatusBadRequest)
			return
		case domain.CodeForbidden:
			http.Error(w, qe.Message, http.StatusForbidden)
			return
		}
	}
	log.Printf("[httpapi] query failed: %v", err)
	http.Error(w, "query execution failed", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}
