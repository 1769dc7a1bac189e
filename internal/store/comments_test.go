package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hyperengineering/streetwise/internal/feed"
	"github.com/hyperengineering/streetwise/internal/feed/feedtest"
	"github.com/hyperengineering/streetwise/internal/types"
)

var commentEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func commentRow(id, problemID, userID, content string, minute int) types.CommentRow {
	at := commentEpoch.Add(time.Duration(minute) * time.Minute)
	return types.CommentRow{ID: id, ProblemID: problemID, UserID: userID, Content: content, CreatedAt: at, UpdatedAt: at}
}

func authored(row types.CommentRow, username string) types.CommentAuthorRow {
	return types.CommentAuthorRow{CommentRow: row, Username: username}
}

func startedComments(t *testing.T, client *feedtest.Client, uid string) *Comments {
	t.Helper()
	s := NewComments(client, func() string { return uid })
	if err := s.StartRealtime(context.Background()); err != nil {
		t.Fatalf("StartRealtime() error = %v", err)
	}
	t.Cleanup(s.StopRealtime)
	return s
}

func TestComments_InsertEventResolvesAuthor(t *testing.T) {
	client := feedtest.New()
	s := startedComments(t, client, "u1")

	row := commentRow("c1", "p1", "u2", "same here", 0)
	client.Seed(types.TableCommentsWithAuthor, authored(row, "mehmet"))
	client.PushInsert(types.TableComments, row)

	c, ok := s.Get("c1")
	if !ok {
		t.Fatal("comment not applied")
	}
	if c.Username != "mehmet" {
		t.Errorf("Username = %q, want mehmet", c.Username)
	}
	if client.FetchCount(types.TableCommentsWithAuthor) != 1 {
		t.Errorf("read-model lookups = %d, want 1", client.FetchCount(types.TableCommentsWithAuthor))
	}
}

func TestComments_ResolveFailureLeavesStateUnchanged(t *testing.T) {
	client := feedtest.New()
	s := startedComments(t, client, "u1")

	original := commentRow("c1", "p1", "u2", "first", 0)
	client.Seed(types.TableCommentsWithAuthor, authored(original, "mehmet"))
	client.PushInsert(types.TableComments, original)

	client.FailFetch(types.TableCommentsWithAuthor, errors.New("timeout"))
	edited := original
	edited.Content = "edited"
	client.PushUpdate(types.TableComments, edited)
	client.PushInsert(types.TableComments, commentRow("c2", "p1", "u3", "new", 1))

	c, _ := s.Get("c1")
	if c.Content != "first" {
		t.Errorf("Content = %q, want unchanged", c.Content)
	}
	if _, ok := s.Get("c2"); ok {
		t.Error("unresolved insert was applied")
	}
	if !errors.Is(s.Err(), feed.ErrRemote) {
		t.Errorf("Err() = %v, want recorded remote error", s.Err())
	}
}

// stoppedClient fails author lookups the way a cancelled realtime context does.
type stoppedClient struct {
	*feedtest.Client
}

func (c stoppedClient) Fetch(ctx context.Context, table string, q feed.Query) ([]json.RawMessage, error) {
	if table == types.TableCommentsWithAuthor {
		return nil, fmt.Errorf("fetch %s: %w", table, context.Canceled)
	}
	return c.Client.Fetch(ctx, table, q)
}

func TestComments_CancelledResolveRecordsNoError(t *testing.T) {
	client := feedtest.New()
	s := NewComments(stoppedClient{client}, func() string { return "u1" })
	if err := s.StartRealtime(context.Background()); err != nil {
		t.Fatalf("StartRealtime() error = %v", err)
	}
	t.Cleanup(s.StopRealtime)

	changes := 0
	s.OnChange(func() { changes++ })
	client.PushInsert(types.TableComments, commentRow("c1", "p1", "u2", "hello", 0))

	if s.Err() != nil {
		t.Errorf("Err() = %v, want nil for a cancelled lookup", s.Err())
	}
	if changes != 0 {
		t.Errorf("listeners notified %d times, want 0", changes)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want event dropped", s.Len())
	}
}

func TestComments_ResolveMissingRowDropsEvent(t *testing.T) {
	client := feedtest.New()
	s := startedComments(t, client, "u1")

	client.PushInsert(types.TableComments, commentRow("ghost", "p1", "u2", "gone", 0))

	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
	if !errors.Is(s.Err(), feed.ErrNotFound) {
		t.Errorf("Err() = %v, want ErrNotFound", s.Err())
	}
}

func TestComments_DeleteEvent(t *testing.T) {
	client := feedtest.New()
	s := startedComments(t, client, "u1")
	s.Restore([]types.Comment{{ID: "c1", ProblemID: "p1"}})

	client.PushDelete(types.TableComments, "c1")
	client.PushDelete(types.TableComments, "c1")

	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestComments_FetchIsScopedToProblem(t *testing.T) {
	client := feedtest.New()
	client.Seed(types.TableCommentsWithAuthor,
		authored(commentRow("c2", "p1", "u2", "second", 2), "b"),
		authored(commentRow("c1", "p1", "u2", "first", 1), "a"),
		authored(commentRow("c3", "p2", "u2", "other", 0), "c"),
	)
	s := NewComments(client, func() string { return "u1" })
	s.Restore([]types.Comment{
		{ID: "keep", ProblemID: "p9"},
		{ID: "drop", ProblemID: "p1"},
	})

	if err := s.Fetch(context.Background(), "p1"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if _, ok := s.Get("keep"); !ok {
		t.Error("comment on another problem removed by scoped fetch")
	}
	if _, ok := s.Get("drop"); ok {
		t.Error("stale comment on fetched problem survived")
	}
	if _, ok := s.Get("c3"); ok {
		t.Error("comment on unfetched problem loaded")
	}

	got := s.ForProblem("p1")
	if len(got) != 2 || got[0].ID != "c1" || got[1].ID != "c2" {
		t.Errorf("ForProblem(p1) = %+v, want [c1 c2]", got)
	}
	if s.CountForProblem("p1") != 2 {
		t.Errorf("CountForProblem(p1) = %d, want 2", s.CountForProblem("p1"))
	}
}

func TestComments_ForProblemSortsLiveInserts(t *testing.T) {
	client := feedtest.New()
	s := startedComments(t, client, "u1")

	late := commentRow("late", "p1", "u2", "late", 5)
	early := commentRow("early", "p1", "u2", "early", 1)
	client.Seed(types.TableCommentsWithAuthor, authored(late, "x"), authored(early, "y"))
	client.PushInsert(types.TableComments, late)
	client.PushInsert(types.TableComments, early)

	got := s.ForProblem("p1")
	if len(got) != 2 || got[0].ID != "early" {
		t.Errorf("ForProblem() = %v, want early first", got)
	}
}

func TestComments_Create(t *testing.T) {
	client := feedtest.New()
	client.Handle(ProcAddComment, func(params json.RawMessage) (any, error) {
		var p addCommentParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		client.Seed(types.TableCommentsWithAuthor, authored(commentRow(p.ID, p.ProblemID, p.UserID, p.Content, 0), "me"))
		return nil, nil
	})
	s := NewComments(client, func() string { return "u1" })

	if err := s.Create(context.Background(), "p1", "  needs fixing  "); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got := s.ForProblem("p1")
	if len(got) != 1 {
		t.Fatalf("ForProblem() = %d comments, want 1", len(got))
	}
	if got[0].Content != "needs fixing" || got[0].Username != "me" || got[0].UserID != "u1" {
		t.Errorf("comment = %+v", got[0])
	}
}

func TestComments_CreateValidation(t *testing.T) {
	client := feedtest.New()
	s := NewComments(client, func() string { return "u1" })

	if err := s.Create(context.Background(), "p1", "x"); err == nil {
		t.Fatal("Create() with one-character text succeeded")
	}
	if client.CallCount(ProcAddComment) != 0 {
		t.Error("invalid comment reached the backend")
	}
}

func TestComments_UpdateAndDeleteRequireOwnership(t *testing.T) {
	client := feedtest.New()
	s := NewComments(client, func() string { return "u1" })
	s.Restore([]types.Comment{
		{ID: "mine", ProblemID: "p1", UserID: "u1", Content: "old"},
		{ID: "theirs", ProblemID: "p1", UserID: "u2", Content: "x"},
	})

	if err := s.Update(context.Background(), "theirs", "hijack"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("Update(theirs) error = %v, want ErrNotOwner", err)
	}
	if err := s.Delete(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(missing) error = %v, want ErrNotFound", err)
	}

	client.Seed(types.TableCommentsWithAuthor, authored(types.CommentRow{ID: "mine", ProblemID: "p1", UserID: "u1", Content: "new"}, "me"))
	if err := s.Update(context.Background(), "mine", "new"); err != nil {
		t.Fatalf("Update(mine) error = %v", err)
	}
	if c, _ := s.Get("mine"); c.Content != "new" {
		t.Errorf("Content = %q, want new", c.Content)
	}

	if err := s.Delete(context.Background(), "mine"); err != nil {
		t.Fatalf("Delete(mine) error = %v", err)
	}
	if _, ok := s.Get("mine"); ok {
		t.Error("deleted comment still present")
	}
	if client.CallCount(ProcUpdateComment) != 1 || client.CallCount(ProcDeleteComment) != 1 {
		t.Errorf("calls = %+v", client.Calls())
	}
}
