package store

import (
	"context"
	"encoding/json"

	"github.com/hyperengineering/streetwise/internal/feed"
	"github.com/hyperengineering/streetwise/internal/types"
)

// Procedures backing upvote writes.
const (
	ProcAddUpvote    = "add_upvote"
	ProcRemoveUpvote = "remove_upvote"
)

// Upvotes mirrors the upvotes table.
type Upvotes struct {
	*EntityStore[types.Upvote]
	userID func() string
}

// NewUpvotes creates the upvotes store.
func NewUpvotes(client feed.Client, userID func() string) *Upvotes {
	return &Upvotes{
		EntityStore: NewEntityStore(client, Config[types.Upvote]{
			Name:   "upvotes",
			Table:  types.TableUpvotes,
			Filter: feed.AllEvents,
			Decode: decodeUpvote,
			ID:     func(u types.Upvote) string { return u.ID },
			// One upvote per user and problem.
			Same: func(a, b types.Upvote) bool {
				return a.ProblemID == b.ProblemID && a.UserID == b.UserID
			},
		}),
		userID: userID,
	}
}

func decodeUpvote(raw json.RawMessage) (types.Upvote, error) {
	var row types.UpvoteRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return types.Upvote{}, err
	}
	return row.ToUpvote(), nil
}

// Fetch loads every upvote.
func (s *Upvotes) Fetch(ctx context.Context) error {
	return s.fetchInto(ctx, "fetch", types.TableUpvotes, feed.Query{}, nil)
}

type upvoteParams struct {
	ProblemID string `json:"problem_id"`
	UserID    string `json:"user_id"`
}

// Add upvotes problemID as the current user. It does nothing if the user
// already upvoted it.
func (s *Upvotes) Add(ctx context.Context, problemID string) error {
	uid := s.userID()
	if uid == "" {
		return ErrNoSession
	}
	if s.HasUpvoted(problemID, uid) {
		return nil
	}

	s.begin()
	params := upvoteParams{ProblemID: problemID, UserID: uid}
	raw, err := s.client.Call(ctx, ProcAddUpvote, params)
	if err != nil {
		return s.end("add", err)
	}
	if _, ok := s.acceptResult(raw); !ok {
		s.reload(ctx, params)
	}
	return s.end("add", nil)
}

// Remove withdraws the current user's upvote on problemID, if any.
func (s *Upvotes) Remove(ctx context.Context, problemID string) error {
	uid := s.userID()
	if uid == "" {
		return ErrNoSession
	}
	mine := s.filter(func(u types.Upvote) bool { return u.ProblemID == problemID && u.UserID == uid })
	if len(mine) == 0 {
		return nil
	}

	s.begin()
	if _, err := s.client.Call(ctx, ProcRemoveUpvote, upvoteParams{ProblemID: problemID, UserID: uid}); err != nil {
		return s.end("remove", err)
	}
	for _, u := range mine {
		s.EntityStore.Remove(u.ID)
	}
	return s.end("remove", nil)
}

// reload picks up the user's upvote row after a write that returned none.
func (s *Upvotes) reload(ctx context.Context, p upvoteParams) {
	q := feed.Where(feed.Eq("problem_id", p.ProblemID), feed.Eq("user_id", p.UserID))
	rows, err := s.fetchRows(ctx, types.TableUpvotes, q)
	if err != nil {
		return
	}
	for _, u := range rows {
		s.put(u)
	}
}

// CountForProblem returns how many distinct users upvoted problemID.
func (s *Upvotes) CountForProblem(problemID string) int {
	users := make(map[string]struct{})
	for _, u := range s.filter(func(u types.Upvote) bool { return u.ProblemID == problemID }) {
		users[u.UserID] = struct{}{}
	}
	return len(users)
}

// HasUpvoted reports whether uid upvoted problemID.
func (s *Upvotes) HasUpvoted(problemID, uid string) bool {
	return len(s.filter(func(u types.Upvote) bool { return u.ProblemID == problemID && u.UserID == uid })) > 0
}

// ForUser returns the upvotes cast by uid.
func (s *Upvotes) ForUser(uid string) []types.Upvote {
	return s.filter(func(u types.Upvote) bool { return u.UserID == uid })
}
