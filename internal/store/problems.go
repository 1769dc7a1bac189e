package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/streetwise/internal/feed"
	"github.com/hyperengineering/streetwise/internal/types"
	"github.com/hyperengineering/streetwise/internal/validation"
)

// Procedures backing problem writes.
const (
	ProcReportProblem     = "report_problem"
	ProcSolveProblem      = "solve_problem"
	ProcInvalidateProblem = "invalidate_problem"
	ProcDeleteProblem     = "delete_problem"
	ProcReopenProblem     = "reopen_problem"
)

const earthRadiusKm = 6371.0

// Problems mirrors the problems table.
type Problems struct {
	*EntityStore[types.Problem]
	userID func() string
}

// NewProblems creates the problems store. userID returns the signed-in user,
// or "" when there is no session.
func NewProblems(client feed.Client, userID func() string) *Problems {
	return &Problems{
		EntityStore: NewEntityStore(client, Config[types.Problem]{
			Name:   "problems",
			Table:  types.TableProblems,
			Filter: feed.AllEvents,
			Decode: decodeProblem,
			ID:     func(p types.Problem) string { return p.ID },
		}),
		userID: userID,
	}
}

func decodeProblem(raw json.RawMessage) (types.Problem, error) {
	var row types.ProblemRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return types.Problem{}, err
	}
	return row.ToProblem(), nil
}

// Fetch loads every problem, newest report first.
func (s *Problems) Fetch(ctx context.Context) error {
	q := feed.Query{}.OrderBy("reported_at", false)
	return s.fetchInto(ctx, "fetch", types.TableProblems, q, nil)
}

type reportParams struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	ImageURL    string  `json:"image_url,omitempty"`
	ReportedBy  string  `json:"reported_by"`
}

// Report validates np and files it as a new problem owned by the current
// user. The id is minted locally.
func (s *Problems) Report(ctx context.Context, np types.NewProblem) (types.Problem, error) {
	if err := validation.ValidateNewProblem(np); err != nil {
		return types.Problem{}, err
	}
	uid := s.userID()
	if uid == "" {
		return types.Problem{}, ErrNoSession
	}

	params := reportParams{
		ID:          ulid.Make().String(),
		Title:       strings.TrimSpace(np.Title),
		Description: strings.TrimSpace(np.Description),
		Category:    string(np.Category),
		Latitude:    np.Location.Latitude,
		Longitude:   np.Location.Longitude,
		ImageURL:    np.ImageURL,
		ReportedBy:  uid,
	}

	s.begin()
	raw, err := s.client.Call(ctx, ProcReportProblem, params)
	if err != nil {
		return types.Problem{}, s.end("report", err)
	}
	p, ok := s.acceptResult(raw)
	if !ok {
		s.refresh(ctx, types.TableProblems, params.ID)
		p, _ = s.Get(params.ID)
	}
	return p, s.end("report", nil)
}

// Solve marks an active problem as solved by the current user.
func (s *Problems) Solve(ctx context.Context, id string) error {
	return s.transition(ctx, id, types.StatusSolved, ProcSolveProblem)
}

// Invalidate marks an active problem as invalid.
func (s *Problems) Invalidate(ctx context.Context, id string) error {
	return s.transition(ctx, id, types.StatusInvalid, ProcInvalidateProblem)
}

// Delete soft-deletes an active problem.
func (s *Problems) Delete(ctx context.Context, id string) error {
	return s.transition(ctx, id, types.StatusDeleted, ProcDeleteProblem)
}

// Reopen returns a solved, invalid or deleted problem to active.
func (s *Problems) Reopen(ctx context.Context, id string) error {
	return s.transition(ctx, id, types.StatusActive, ProcReopenProblem)
}

type transitionParams struct {
	ProblemID string `json:"problem_id"`
	UserID    string `json:"user_id"`
}

func (s *Problems) transition(ctx context.Context, id string, to types.ProblemStatus, proc string) error {
	uid := s.userID()
	if uid == "" {
		return ErrNoSession
	}
	p, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("problem %s: %w", id, ErrNotFound)
	}
	if !types.CanTransition(p.Status, to) {
		return fmt.Errorf("problem %s %s -> %s: %w", id, p.Status, to, ErrInvalidTransition)
	}

	s.begin()
	raw, err := s.client.Call(ctx, proc, transitionParams{ProblemID: id, UserID: uid})
	if err != nil {
		return s.end(proc, err)
	}
	if _, ok := s.acceptResult(raw); !ok {
		s.refresh(ctx, types.TableProblems, id)
	}
	return s.end(proc, nil)
}

// Active returns problems that are still open.
func (s *Problems) Active() []types.Problem {
	return s.ByStatus(types.StatusActive)
}

// Solved returns solved problems.
func (s *Problems) Solved() []types.Problem {
	return s.ByStatus(types.StatusSolved)
}

// ByStatus returns problems with the given status.
func (s *Problems) ByStatus(status types.ProblemStatus) []types.Problem {
	return s.filter(func(p types.Problem) bool { return p.Status == status })
}

// ByReporter returns problems reported by uid.
func (s *Problems) ByReporter(uid string) []types.Problem {
	return s.filter(func(p types.Problem) bool { return p.ReportedBy == uid })
}

// BySolver returns problems solved by uid.
func (s *Problems) BySolver(uid string) []types.Problem {
	return s.filter(func(p types.Problem) bool { return p.SolvedBy != nil && *p.SolvedBy == uid })
}

// ByCategory returns problems in category c.
func (s *Problems) ByCategory(c types.ProblemCategory) []types.Problem {
	return s.filter(func(p types.Problem) bool { return p.Category == c })
}

// Nearby returns non-deleted problems within radiusKm of center, closest first.
func (s *Problems) Nearby(center types.Point, radiusKm float64) []types.Problem {
	type hit struct {
		p    types.Problem
		dist float64
	}
	var hits []hit
	for _, p := range s.filter(func(p types.Problem) bool { return p.Status != types.StatusDeleted }) {
		if d := Distance(center, p.Location); d <= radiusKm {
			hits = append(hits, hit{p, d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })

	out := make([]types.Problem, len(hits))
	for i, h := range hits {
		out[i] = h.p
	}
	return out
}

// Stats counts problems by status. Deleted problems are excluded; the solve
// rate is the solved share of the total, in percent.
func (s *Problems) Stats() types.ProblemStats {
	var st types.ProblemStats
	for _, p := range s.Items() {
		switch p.Status {
		case types.StatusActive:
			st.Active++
		case types.StatusSolved:
			st.Solved++
		case types.StatusInvalid:
			st.Invalid++
		default:
			continue
		}
		st.Total++
	}
	if st.Total > 0 {
		st.SolveRate = float64(st.Solved) / float64(st.Total) * 100
	}
	return st
}

// Distance is the great-circle distance between a and b in kilometres.
func Distance(a, b types.Point) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLng := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}
