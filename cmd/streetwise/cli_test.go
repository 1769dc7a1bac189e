package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/streetwise/internal/localstate"
	"github.com/hyperengineering/streetwise/internal/profile"
	"github.com/hyperengineering/streetwise/internal/types"
)

// executeCmd runs the root command with captured output. Package-level flag
// variables are reset first because cobra parses into them.
func executeCmd(t *testing.T, stdin string, args ...string) (stdout string, err error) {
	t.Helper()
	jsonOutput = false
	cacheDBOverride = ""
	clearForce = false

	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetArgs(nil)
	})

	err = rootCmd.Execute()
	return out.String(), err
}

func seedCache(t *testing.T, path string) {
	t.Helper()
	local, err := localstate.Open(path)
	if err != nil {
		t.Fatalf("localstate.Open() error = %v", err)
	}
	defer local.Close()

	ctx := context.Background()
	problems := []types.Problem{{ID: "p1", Title: "Broken bench"}, {ID: "p2", Title: "Graffiti"}}
	if err := localstate.SaveItems(ctx, local, cacheProblems, problems, func(p types.Problem) string { return p.ID }); err != nil {
		t.Fatalf("SaveItems() error = %v", err)
	}
	if err := local.SaveLevelWatermark(ctx, "u1", 3); err != nil {
		t.Fatalf("SaveLevelWatermark() error = %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCmd(t, "", "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if strings.TrimSpace(out) != Version {
		t.Errorf("output = %q, want %q", out, Version)
	}
}

func TestCacheInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	seedCache(t, path)

	out, err := executeCmd(t, "", "cache", "info", "--db", path)
	if err != nil {
		t.Fatalf("cache info error = %v", err)
	}
	for _, want := range []string{"STORE", "problems", "never"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestCacheInfo_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	seedCache(t, path)

	out, err := executeCmd(t, "", "cache", "info", "--db", path, "--json")
	if err != nil {
		t.Fatalf("cache info error = %v", err)
	}
	var rows []cacheInfoRow
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %+v, want 3 stores", rows)
	}
	if rows[0].Store != cacheProblems || !rows[0].Cached || rows[0].Count != 2 {
		t.Errorf("problems row = %+v", rows[0])
	}
	if rows[1].Cached || rows[2].Cached {
		t.Errorf("comments/upvotes reported cached: %+v", rows[1:])
	}
}

func TestCacheClear(t *testing.T) {
	tests := []struct {
		name        string
		stdin       string
		args        []string
		wantCleared bool
	}{
		{"force", "", []string{"--force"}, true},
		{"confirmed", "y\n", nil, true},
		{"declined", "n\n", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state.db")
			seedCache(t, path)

			args := append([]string{"cache", "clear", "--db", path}, tt.args...)
			if _, err := executeCmd(t, tt.stdin, args...); err != nil {
				t.Fatalf("cache clear error = %v", err)
			}

			local, err := localstate.Open(path)
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer local.Close()
			ctx := context.Background()

			_, infoErr := local.Info(ctx, cacheProblems)
			cleared := infoErr != nil
			if cleared != tt.wantCleared {
				t.Errorf("cleared = %v, want %v (Info error %v)", cleared, tt.wantCleared, infoErr)
			}
			if level, _ := local.LevelWatermark(ctx, "u1"); level != 3 {
				t.Errorf("watermark = %d, want 3 (kept)", level)
			}
		})
	}
}

func TestCheckInRequiresUser(t *testing.T) {
	t.Setenv("STREETWISE_DEV_MODE", "true")
	t.Setenv("STREETWISE_USER_ID", "")
	t.Setenv("STREETWISE_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("STREETWISE_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	if _, err := executeCmd(t, "", "checkin"); err != errNoUser {
		t.Errorf("checkin error = %v, want errNoUser", err)
	}
}

func TestPrintProgress(t *testing.T) {
	snap := profile.Snapshot{
		Profile:      &types.UserProfile{Username: "alice", Level: 2, XP: 150, CurrentStreak: 3, MaxStreak: 5},
		CurrentLevel: &types.LevelConfig{Level: 2, Title: "Neighbor"},
		CanCheckIn:   true,
		StreakAlive:  true,
		Achievements: []types.MergedAchievement{
			{Achievement: types.Achievement{Title: "First report", Requirement: 1, XPReward: 10}, CurrentProgress: 1, CompletedAt: ptr(time.Now())},
		},
		Summary: types.AchievementSummary{Completed: 1, Total: 1, EarnedXP: 10},
	}
	snap.Progress.Percent = 25
	snap.Progress.XPToNext = 50

	var buf bytes.Buffer
	if err := printProgress(&buf, snap); err != nil {
		t.Fatalf("printProgress() error = %v", err)
	}
	for _, want := range []string{"alice", "2 (Neighbor)", "25%, 50 XP to go", "First report", "1/1"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q:\n%s", want, buf.String())
		}
	}

	if err := printProgress(&buf, profile.Snapshot{}); err != profile.ErrNotLoaded {
		t.Errorf("empty snapshot error = %v, want ErrNotLoaded", err)
	}
}

func ptr[T any](v T) *T { return &v }
