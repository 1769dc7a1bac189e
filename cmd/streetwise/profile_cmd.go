package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/streetwise/internal/clock"
	"github.com/hyperengineering/streetwise/internal/config"
	"github.com/hyperengineering/streetwise/internal/localstate"
	"github.com/hyperengineering/streetwise/internal/profile"
)

var jsonOutput bool

var checkInCmd = &cobra.Command{
	Use:   "checkin",
	Short: "Perform the daily check-in for the configured user",
	Args:  cobra.NoArgs,
	RunE:  runCheckIn,
}

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Show level, streak and achievements for the configured user",
	Args:  cobra.NoArgs,
	RunE:  runProgress,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

var errNoUser = errors.New("no user configured: set STREETWISE_USER_ID")

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.AddCommand(checkInCmd, progressCmd, versionCmd)
}

// oneShot opens local state and a loaded profile for a single command.
// Logs go to stderr so stdout stays parseable.
func oneShot(ctx context.Context, cmd *cobra.Command) (*app, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(newLogger(cmd.ErrOrStderr(), cfg.Log))
	if cfg.Session.UserID == "" {
		return nil, nil, errNoUser
	}

	local, err := localstate.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	client := newRemoteClient(cfg)
	a := newApp(cfg, client, local, clock.Real{})
	cleanup := func() {
		a.close(context.Background())
		client.Close()
		local.Close()
	}
	if err := a.profile.Load(ctx, cfg.Session.UserID); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("load profile: %w", err)
	}
	return a, cleanup, nil
}

func runCheckIn(cmd *cobra.Command, args []string) error {
	a, cleanup, err := oneShot(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	before, _ := a.profile.Profile()
	after, err := a.profile.CheckIn(cmd.Context())
	if errors.Is(err, profile.ErrCheckInTooSoon) {
		fmt.Fprintln(cmd.OutOrStdout(), "Already checked in today.")
		return nil
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]any{
			"xp_gained": after.XP - before.XP,
			"xp":        after.XP,
			"level":     after.Level,
			"streak":    after.CurrentStreak,
		})
	}
	fmt.Fprintf(out, "Checked in: +%d XP (streak %d, level %d)\n",
		after.XP-before.XP, after.CurrentStreak, after.Level)
	return nil
}

func runProgress(cmd *cobra.Command, args []string) error {
	a, cleanup, err := oneShot(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	snap := a.profile.Snapshot()
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, snap)
	}
	return printProgress(out, snap)
}

func printProgress(out io.Writer, snap profile.Snapshot) error {
	if snap.Profile == nil {
		return profile.ErrNotLoaded
	}
	p := snap.Profile
	level := fmt.Sprintf("%d", p.Level)
	if snap.CurrentLevel != nil {
		level += " (" + snap.CurrentLevel.Title + ")"
	}
	next := "max level"
	if !snap.Progress.MaxLevel {
		next = fmt.Sprintf("%.0f%%, %d XP to go", snap.Progress.Percent, snap.Progress.XPToNext)
	}

	fmt.Fprintf(out, "User:      %s\n", p.Username)
	fmt.Fprintf(out, "Level:     %s\n", level)
	fmt.Fprintf(out, "XP:        %d\n", p.XP)
	fmt.Fprintf(out, "Next:      %s\n", next)
	fmt.Fprintf(out, "Streak:    %d (best %d, alive %v)\n", p.CurrentStreak, p.MaxStreak, snap.StreakAlive)
	fmt.Fprintf(out, "Check-in:  %v\n", snap.CanCheckIn)
	fmt.Fprintf(out, "Achieved:  %d/%d (+%d XP)\n\n", snap.Summary.Completed, snap.Summary.Total, snap.Summary.EarnedXP)

	w := newTabWriter(out)
	fmt.Fprintln(w, "ACHIEVEMENT\tPROGRESS\tXP")
	for _, m := range snap.Achievements {
		fmt.Fprintf(w, "%s\t%d/%d\t%d\n", m.Title, m.CurrentProgress, m.Requirement, m.XPReward)
	}
	return w.Flush()
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
