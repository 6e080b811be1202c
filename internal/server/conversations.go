package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(q, "limit", 50)
	offset := queryInt(q, "offset", 0)
	sessions, err := s.deps.Store.ListSessions(r.Context(), limit, offset)
	if err != nil {
		writeDomainError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *server) handleListSessionMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetSession(r.Context(), id); err != nil {
		writeDomainError(w, r.Context(), err)
		return
	}
	messages, err := s.deps.Store.ListMessages(r.Context(), id)
	if err != nil {
		writeDomainError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}
