package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/streetwise/internal/feed"
	"github.com/hyperengineering/streetwise/internal/types"
	"github.com/hyperengineering/streetwise/internal/validation"
)

// Procedures backing comment writes.
const (
	ProcAddComment    = "add_comment"
	ProcUpdateComment = "update_comment"
	ProcDeleteComment = "delete_comment"
)

// Comments mirrors the comments table. Rows come from the
// comments_with_author read model so author fields are always present;
// change events on the normalized table are resolved against it by id.
type Comments struct {
	*EntityStore[types.Comment]
	client feed.Client
	userID func() string
}

// NewComments creates the comments store.
func NewComments(client feed.Client, userID func() string) *Comments {
	c := &Comments{client: client, userID: userID}
	c.EntityStore = NewEntityStore(client, Config[types.Comment]{
		Name:    "comments",
		Table:   types.TableComments,
		Filter:  feed.AllEvents,
		Decode:  decodeComment,
		ID:      func(c types.Comment) string { return c.ID },
		Resolve: c.resolve,
	})
	return c
}

func decodeComment(raw json.RawMessage) (types.Comment, error) {
	var row types.CommentAuthorRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return types.Comment{}, err
	}
	return row.ToComment(), nil
}

// resolve loads one comment with its author fields.
func (s *Comments) resolve(ctx context.Context, id string) (types.Comment, error) {
	rows, err := s.client.Fetch(ctx, types.TableCommentsWithAuthor, feed.ByID(id))
	if err != nil {
		return types.Comment{}, err
	}
	if len(rows) == 0 {
		return types.Comment{}, fmt.Errorf("comment %s: %w", id, feed.ErrNotFound)
	}
	return decodeComment(rows[0])
}

// Fetch loads the comments on problemID, oldest first. Comments on other
// problems are left alone.
func (s *Comments) Fetch(ctx context.Context, problemID string) error {
	q := feed.Where(feed.Eq("problem_id", problemID)).OrderBy("created_at", true)
	scope := func(c types.Comment) bool { return c.ProblemID == problemID }
	return s.fetchInto(ctx, "fetch", types.TableCommentsWithAuthor, q, scope)
}

type addCommentParams struct {
	ID        string `json:"id"`
	ProblemID string `json:"problem_id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
}

type editCommentParams struct {
	CommentID string `json:"comment_id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content,omitempty"`
}

// Create posts a comment on problemID as the current user.
func (s *Comments) Create(ctx context.Context, problemID, content string) error {
	if err := validation.ValidateComment(content); err != nil {
		return err
	}
	uid := s.userID()
	if uid == "" {
		return ErrNoSession
	}

	params := addCommentParams{
		ID:        ulid.Make().String(),
		ProblemID: problemID,
		UserID:    uid,
		Content:   strings.TrimSpace(content),
	}

	s.begin()
	if _, err := s.client.Call(ctx, ProcAddComment, params); err != nil {
		return s.end("create", err)
	}
	s.refresh(ctx, types.TableCommentsWithAuthor, params.ID)
	return s.end("create", nil)
}

// Update replaces the text of one of the current user's comments.
func (s *Comments) Update(ctx context.Context, id, content string) error {
	if err := validation.ValidateComment(content); err != nil {
		return err
	}
	uid, err := s.owned(id)
	if err != nil {
		return err
	}

	s.begin()
	params := editCommentParams{CommentID: id, UserID: uid, Content: strings.TrimSpace(content)}
	if _, err := s.client.Call(ctx, ProcUpdateComment, params); err != nil {
		return s.end("update", err)
	}
	s.refresh(ctx, types.TableCommentsWithAuthor, id)
	return s.end("update", nil)
}

// Delete removes one of the current user's comments.
func (s *Comments) Delete(ctx context.Context, id string) error {
	uid, err := s.owned(id)
	if err != nil {
		return err
	}

	s.begin()
	if _, err := s.client.Call(ctx, ProcDeleteComment, editCommentParams{CommentID: id, UserID: uid}); err != nil {
		return s.end("delete", err)
	}
	s.Remove(id)
	return s.end("delete", nil)
}

func (s *Comments) owned(id string) (string, error) {
	uid := s.userID()
	if uid == "" {
		return "", ErrNoSession
	}
	c, ok := s.Get(id)
	if !ok {
		return "", fmt.Errorf("comment %s: %w", id, ErrNotFound)
	}
	if c.UserID != uid {
		return "", fmt.Errorf("comment %s: %w", id, ErrNotOwner)
	}
	return uid, nil
}

// ForProblem returns the comments on problemID ordered by creation time.
func (s *Comments) ForProblem(problemID string) []types.Comment {
	out := s.filter(func(c types.Comment) bool { return c.ProblemID == problemID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CountForProblem returns how many comments problemID has.
func (s *Comments) CountForProblem(problemID string) int {
	return len(s.filter(func(c types.Comment) bool { return c.ProblemID == problemID }))
}
