package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/streetwise/internal/feed"
	"github.com/hyperengineering/streetwise/internal/profile"
	"github.com/hyperengineering/streetwise/internal/store"
	"github.com/hyperengineering/streetwise/internal/validation"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

type problemType struct {
	typeURI string
	title   string
}

const problemBaseURI = "https://streetwise.dev/errors/"

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]problemType{
	http.StatusBadRequest:          {problemBaseURI + "bad-request", "Bad Request"},
	http.StatusUnauthorized:        {problemBaseURI + "unauthorized", "Unauthorized"},
	http.StatusForbidden:           {problemBaseURI + "forbidden", "Forbidden"},
	http.StatusNotFound:            {problemBaseURI + "not-found", "Not Found"},
	http.StatusConflict:            {problemBaseURI + "conflict", "Conflict"},
	http.StatusUnprocessableEntity: {problemBaseURI + "validation-error", "Validation Error"},
	http.StatusInternalServerError: {problemBaseURI + "internal-error", "Internal Server Error"},
	http.StatusBadGateway:          {problemBaseURI + "backend-unavailable", "Bad Gateway"},
	http.StatusServiceUnavailable:  {problemBaseURI + "service-unavailable", "Service Unavailable"},
}

func newProblem(r *http.Request, status int, detail string) Problem {
	pt, ok := problemTypes[status]
	if !ok {
		pt = problemType{problemBaseURI + "unknown", http.StatusText(status)}
	}
	return Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblemBody(w, status, newProblem(r, status, detail))
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	p := ProblemWithErrors{
		Problem: newProblem(r, http.StatusUnprocessableEntity, detail),
		Errors:  errs,
	}
	writeProblemBody(w, http.StatusUnprocessableEntity, p)
}

func writeProblemBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "component", "api", "error", err)
	}
}

// MapError converts domain errors to Problem Details responses.
func MapError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validation.Errors
	switch {
	case errors.As(err, &verrs):
		WriteProblemWithErrors(w, r, "Request contains invalid fields", verrs)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, feed.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
	case errors.Is(err, store.ErrInvalidTransition):
		WriteProblem(w, r, http.StatusConflict, "Status change not allowed from the current status")
	case errors.Is(err, profile.ErrCheckInTooSoon):
		WriteProblem(w, r, http.StatusConflict, "Already checked in recently")
	case errors.Is(err, store.ErrNotOwner):
		WriteProblem(w, r, http.StatusForbidden, "Resource belongs to another user")
	case errors.Is(err, store.ErrNoSession):
		WriteProblem(w, r, http.StatusUnauthorized, "No signed-in user")
	case errors.Is(err, profile.ErrNotLoaded):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Profile not loaded yet")
	case errors.Is(err, feed.ErrRemote):
		WriteProblem(w, r, http.StatusBadGateway, "Backend request failed")
	default:
		// Internal details stay in the log.
		slog.Error("unhandled error",
			"component", "api",
			"path", r.URL.Path,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
