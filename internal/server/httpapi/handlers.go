// Package httpapi exposes the Search Console link flow over HTTP. It is thin
// glue: all decisions live in the service layer, and responses carry only
// sanitized errors from the taxonomy — provider internals are never echoed.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/TheHypedge/riviso-sub001/internal/errs"
	"github.com/TheHypedge/riviso-sub001/internal/model"
	"github.com/TheHypedge/riviso-sub001/internal/service"
)

// subjectHeader carries the authenticated user ID set by the API gateway.
const subjectHeader = "X-Subject-ID"

// Server wires the link service into HTTP handlers.
type Server struct {
	links service.LinkService
	log   *zap.Logger
}

// New constructs an HTTP server facade.
func New(links service.LinkService, log *zap.Logger) *Server {
	return &Server{links: links, log: log}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(Recover(s.log), Logging(s.log))

	api := r.PathPrefix("/api/v1/search-console").Subrouter()
	api.HandleFunc("/connect", s.handleConnect).Methods(http.MethodGet)
	api.HandleFunc("/callback", s.handleCallback).Methods(http.MethodGet)
	api.HandleFunc("/connection", s.handleDisconnect).Methods(http.MethodDelete)
	return r
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := subjectFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	websiteID, err := uuid.FromString(r.URL.Query().Get("website_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid website_id")
		return
	}

	authURL, err := s.links.BeginLink(r.Context(), subjectID, websiteID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		writeError(w, http.StatusNotFound, "website not found")
	case errors.Is(err, errs.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "forbidden")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal")
	default:
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// callbackResponse is the sanitized completion payload.
type callbackResponse struct {
	AccountID  string                   `json:"account_id,omitempty"`
	Identity   string                   `json:"identity,omitempty"`
	Property   *model.ExternalProperty  `json:"property,omitempty"`
	Candidates []model.ExternalProperty `json:"candidates,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("error") == "access_denied" {
		writeJSON(w, http.StatusConflict, callbackResponse{Error: "access_denied"})
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "missing code or state")
		return
	}

	res, err := s.links.CompleteLink(r.Context(), code, state)
	switch {
	case errors.Is(err, errs.ErrCSRF):
		// Generic message only; details would help an attacker probe the signer.
		writeJSON(w, http.StatusBadRequest, callbackResponse{Error: "link_failed"})
	case errors.Is(err, errs.ErrAccessDenied):
		writeJSON(w, http.StatusConflict, callbackResponse{Error: "access_denied"})
	case errors.Is(err, errs.ErrNoProperties):
		writeJSON(w, http.StatusUnprocessableEntity, callbackResponse{Error: "no_properties"})
	case errors.Is(err, errs.ErrAmbiguousMatch):
		writeJSON(w, http.StatusConflict, callbackResponse{
			Error:      "ambiguous_match",
			AccountID:  res.AccountID.String(),
			Candidates: res.Candidates,
		})
	case err != nil:
		writeJSON(w, http.StatusBadGateway, callbackResponse{Error: "link_failed"})
	default:
		writeJSON(w, http.StatusOK, callbackResponse{
			AccountID:  res.AccountID.String(),
			Identity:   res.ProviderIdentity,
			Property:   res.Property,
			Candidates: res.Candidates,
		})
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := subjectFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.links.Disconnect(r.Context(), subjectID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func subjectFrom(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.FromString(r.Header.Get(subjectHeader))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
