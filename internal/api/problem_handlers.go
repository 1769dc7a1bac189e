package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/streetwise/internal/store"
	"github.com/hyperengineering/streetwise/internal/types"
	"github.com/hyperengineering/streetwise/internal/validation"
)

var statusValues = []string{
	string(types.StatusActive),
	string(types.StatusSolved),
	string(types.StatusInvalid),
	string(types.StatusDeleted),
}

func categoryValues() []string {
	out := make([]string, len(types.Categories))
	for i, c := range types.Categories {
		out[i] = string(c)
	}
	return out
}

// ProblemView is a problem with its engagement counters.
type ProblemView struct {
	types.Problem
	Upvotes  int  `json:"upvotes"`
	Comments int  `json:"comments"`
	Upvoted  bool `json:"upvoted"`
}

// ProblemList is the body of GET /problems.
type ProblemList struct {
	Problems []ProblemView `json:"problems"`
	Count    int           `json:"count"`
	Loading  bool          `json:"loading"`
	Error    string        `json:"error,omitempty"`
}

func (h *Handler) view(p types.Problem) ProblemView {
	uid := h.userID()
	return ProblemView{
		Problem:  p,
		Upvotes:  h.upvotes.CountForProblem(p.ID),
		Comments: h.comments.CountForProblem(p.ID),
		Upvoted:  uid != "" && h.upvotes.HasUpvoted(p.ID, uid),
	}
}

// ListProblems handles GET /api/v1/problems?status=&category=
func (h *Handler) ListProblems(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	category := r.URL.Query().Get("category")

	var c validation.Collector
	if status != "" {
		c.Add(validation.ValidateEnum("status", status, statusValues))
	}
	if category != "" {
		c.Add(validation.ValidateEnum("category", category, categoryValues()))
	}
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Invalid filter", c.Errors())
		return
	}

	var problems []types.Problem
	switch {
	case status != "":
		problems = h.problems.ByStatus(types.ProblemStatus(status))
	case category != "":
		problems = h.problems.ByCategory(types.ProblemCategory(category))
	default:
		problems = h.problems.Items()
	}

	resp := ProblemList{Problems: make([]ProblemView, 0, len(problems))}
	for _, p := range problems {
		if category != "" && p.Category != types.ProblemCategory(category) {
			continue
		}
		resp.Problems = append(resp.Problems, h.view(p))
	}
	resp.Count = len(resp.Problems)
	snap := h.problems.Snapshot()
	resp.Loading = snap.Loading
	resp.Error = snap.Error
	writeJSON(w, http.StatusOK, resp)
}

// ProblemStats handles GET /api/v1/problems/stats
func (h *Handler) ProblemStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.problems.Stats())
}

// GetProblem handles GET /api/v1/problems/{id}
func (h *Handler) GetProblem(w http.ResponseWriter, r *http.Request) {
	p, ok := h.problems.Get(chi.URLParam(r, "id"))
	if !ok {
		MapError(w, r, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h.view(p))
}

// ReportProblem handles POST /api/v1/problems
func (h *Handler) ReportProblem(w http.ResponseWriter, r *http.Request) {
	var req types.NewProblem
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := h.problems.Report(r.Context(), req)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(p))
}

// StatusRequest is the body of POST /problems/{id}/status.
type StatusRequest struct {
	Status string `json:"status"`
}

// ChangeStatus handles POST /api/v1/problems/{id}/status. Moving to
// "active" reopens a terminal problem.
func (h *Handler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if verr := validation.ValidateEnum("status", req.Status, statusValues); verr != nil {
		WriteProblemWithErrors(w, r, "Invalid status", []validation.ValidationError{*verr})
		return
	}

	id := chi.URLParam(r, "id")
	var err error
	switch types.ProblemStatus(req.Status) {
	case types.StatusSolved:
		err = h.problems.Solve(r.Context(), id)
	case types.StatusInvalid:
		err = h.problems.Invalidate(r.Context(), id)
	case types.StatusDeleted:
		err = h.problems.Delete(r.Context(), id)
	case types.StatusActive:
		err = h.problems.Reopen(r.Context(), id)
	}
	if err != nil {
		MapError(w, r, err)
		return
	}

	p, ok := h.problems.Get(id)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, h.view(p))
}

// ListComments handles GET /api/v1/problems/{id}/comments. Comments are
// fetched on demand, so this also refreshes the mirror.
func (h *Handler) ListComments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.comments.Fetch(r.Context(), id); err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.commentsFor(id))
}

// CommentRequest is the body of comment writes.
type CommentRequest struct {
	Content string `json:"content"`
}

// AddComment handles POST /api/v1/problems/{id}/comments
func (h *Handler) AddComment(w http.ResponseWriter, r *http.Request) {
	var req CommentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.comments.Create(r.Context(), id, req.Content); err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.commentsFor(id))
}

func (h *Handler) commentsFor(problemID string) []types.Comment {
	comments := h.comments.ForProblem(problemID)
	if comments == nil {
		comments = []types.Comment{}
	}
	return comments
}

// UpdateComment handles PATCH /api/v1/comments/{id}
func (h *Handler) UpdateComment(w http.ResponseWriter, r *http.Request) {
	var req CommentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.comments.Update(r.Context(), id, req.Content); err != nil {
		MapError(w, r, err)
		return
	}
	c, ok := h.comments.Get(id)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// DeleteComment handles DELETE /api/v1/comments/{id}
func (h *Handler) DeleteComment(w http.ResponseWriter, r *http.Request) {
	if err := h.comments.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		MapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddUpvote handles POST /api/v1/problems/{id}/upvote
func (h *Handler) AddUpvote(w http.ResponseWriter, r *http.Request) {
	h.upvote(w, r, h.upvotes.Add)
}

// RemoveUpvote handles DELETE /api/v1/problems/{id}/upvote
func (h *Handler) RemoveUpvote(w http.ResponseWriter, r *http.Request) {
	h.upvote(w, r, h.upvotes.Remove)
}

// UpvoteResponse reports the upvote state after a toggle.
type UpvoteResponse struct {
	ProblemID string `json:"problem_id"`
	Upvotes   int    `json:"upvotes"`
	Upvoted   bool   `json:"upvoted"`
}

func (h *Handler) upvote(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, problemID string) error) {
	id := chi.URLParam(r, "id")
	if err := op(r.Context(), id); err != nil {
		MapError(w, r, err)
		return
	}
	uid := h.userID()
	writeJSON(w, http.StatusOK, UpvoteResponse{
		ProblemID: id,
		Upvotes:   h.upvotes.CountForProblem(id),
		Upvoted:   uid != "" && h.upvotes.HasUpvoted(id, uid),
	})
}

// decodeBody decodes a JSON request body, writing a 400 problem on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return false
	}
	return true
}
