package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/codepromptu/codepromptu/internal/prompt"
	"github.com/codepromptu/codepromptu/internal/similarity"
	"github.com/codepromptu/codepromptu/internal/storage"
)

// createPromptRequest is the wire shape for POST /prompts.
type createPromptRequest struct {
	Content         string         `json:"content"`
	Author          *string        `json:"author"`
	TeamOwner       *string        `json:"team_owner"`
	Purpose         *string        `json:"purpose"`
	SuccessCriteria *string        `json:"success_criteria"`
	ModelTarget     *string        `json:"model_target"`
	Tags            []string       `json:"tags"`
	Metadata        map[string]any `json:"metadata"`
	ParentID        *string        `json:"parent_id"`
}

// updatePromptRequest is the wire shape for PUT /prompts/{id}.
type updatePromptRequest struct {
	ExpectedVersion int            `json:"expected_version"`
	Content         *string        `json:"content"`
	Author          *string        `json:"author"`
	TeamOwner       *string        `json:"team_owner"`
	Purpose         *string        `json:"purpose"`
	SuccessCriteria *string        `json:"success_criteria"`
	ModelTarget     *string        `json:"model_target"`
	Tags            []string       `json:"tags"`
	Metadata        map[string]any `json:"metadata"`
	ParentID        *string        `json:"parent_id"`
}

// statusIsActive maps the ?status= query param to ListFilter.IsActive:
// "active" (default) lists only live prompts, "retired" only retired ones,
// "all" returns both.
func statusIsActive(q interface{ Get(string) string }) *bool {
	switch q.Get("status") {
	case "retired":
		f := false
		return &f
	case "all":
		return nil
	default:
		t := true
		return &t
	}
}

func (s *server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.ListFilter{
		TeamOwner:     q.Get("team_owner"),
		Author:        q.Get("author"),
		Tag:           q.Get("tag"),
		ContentSearch: q.Get("content_search"),
		IsActive:      statusIsActive(q),
		Limit:         queryInt(q, "limit", 50),
		Offset:        queryInt(q, "offset", 0),
	}
	prompts, err := s.deps.Prompts.ListBy(r.Context(), f)
	if err != nil {
		writeDomainError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, prompts)
}

func (s *server) handleCreatePrompt(w http.ResponseWriter, r *http.Request) {
	var req createPromptRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	p, err := s.deps.Prompts.Create(r.Context(), prompt.CreateDraft{
		Content:         req.Content,
		Author:          req.Author,
		TeamOwner:       req.TeamOwner,
		Purpose:         req.Purpose,
		SuccessCriteria: req.SuccessCriteria,
		ModelTarget:     req.ModelTarget,
		Tags:            req.Tags,
		Metadata:        req.Metadata,
		ParentID:        req.ParentID,
	})
	if err != nil {
		writeDomainError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.deps.Prompts.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleUpdatePrompt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updatePromptRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	p, err := s.deps.Prompts.Update(r.Context(), id, prompt.UpdateDraft{
		ExpectedVersion: req.ExpectedVersion,
		Content:         req.Content,
		Author:          req.Author,
		TeamOwner:       req.TeamOwner,
		Purpose:         req.Purpose,
		SuccessCriteria: req.SuccessCriteria,
		ModelTarget:     req.ModelTarget,
		Tags:            req.Tags,
		Metadata:        req.Metadata,
		ParentID:        req.ParentID,
	})
	if err != nil {
		writeDomainError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleRetirePrompt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Prompts.Retire(r.Context(), id); err != nil {
		writeDomainError(w, r.Context(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleForkPrompt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()
	content := q.Get("content")
	var author *string
	if a := q.Get("author"); a != "" {
		author = &a
	}
	p, err := s.deps.Prompts.Fork(r.Context(), id, content, author)
	if err != nil {
		writeDomainError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *server) handleAncestors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ancestors, err := s.deps.Prompts.Ancestors(r.Context(), id)
	if err != nil {
		writeDomainError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, ancestors)
}

// similarResponse is the shared wire shape for both similar-prompt lookups
// and text-driven similarity search.
type similarResponse struct {
	Matches []similarity.Match `json:"matches"`
}

func (s *server) handleSimilarToPrompt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.deps.Prompts.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r.Context(), err)
		return
	}
	limit := queryInt(r.URL.Query(), "limit", 10)
	if len(p.Embedding) == 0 {
		writeJSON(w, http.StatusOK, similarResponse{Matches: []similarity.Match{}})
		return
	}
	matches, err := s.deps.Similarity.FindSimilarVector(r.Context(), p.Embedding, limit)
	if err != nil {
		writeDomainError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, similarResponse{Matches: matches})
}

type searchSimilarRequest struct {
	Content string `json:"content"`
	Limit   int    `json:"limit"`
}

func (s *server) handleSearchSimilar(w http.ResponseWriter, r *http.Request) {
	var req searchSimilarRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("content is required"))
		return
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	matches, err := s.deps.Similarity.FindSimilarText(r.Context(), req.Content, req.Limit)
	if err != nil {
		writeDomainError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, similarResponse{Matches: matches})
}

func (s *server) handleClassify(w http.ResponseWriter, r *http.Request) {
	content := r.URL.Query().Get("content")
	if content == "" {
		var req searchSimilarRequest
		if ok := decodeRequestBodyOptional(r, &req); ok {
			content = req.Content
		}
	}
	if content == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("content is required"))
		return
	}
	result, err := s.deps.Similarity.Classify(r.Context(), content)
	if err != nil {
		writeDomainError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// decodeRequestBodyOptional is decodeRequestBody without the 400-on-failure
// side effect, for handlers that accept content via either a query
// parameter or a JSON body.
func decodeRequestBodyOptional(r *http.Request, v any) bool {
	if r.ContentLength <= 0 {
		return false
	}
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bodyPool.Put(buf)
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return false
	}
	return json.Unmarshal(buf.Bytes(), v) == nil
}

func queryInt(q interface{ Get(string) string }, key string, def int) int {
	v := q.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
