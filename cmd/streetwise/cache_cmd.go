package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/streetwise/internal/config"
	"github.com/hyperengineering/streetwise/internal/localstate"
)

var (
	cacheDBOverride string
	clearForce      bool
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the on-device cache",
	Long:  "Show or clear the rows cached for warm starts without running the client.",
}

var cacheInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show what is cached per store",
	Args:  cobra.NoArgs,
	RunE:  runCacheInfo,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every cached row (level watermarks are kept)",
	Args:  cobra.NoArgs,
	RunE:  runCacheClear,
}

func init() {
	cacheCmd.PersistentFlags().StringVar(&cacheDBOverride, "db", "",
		"Local state path (overrides config and STREETWISE_DB_PATH)")
	cacheClearCmd.Flags().BoolVarP(&clearForce, "force", "f", false, "Skip confirmation prompt")

	cacheCmd.AddCommand(cacheInfoCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}

// openLocalState opens the cache database from config with optional --db override.
func openLocalState() (*localstate.Store, error) {
	path := cacheDBOverride
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		path = cfg.Database.Path
	}
	return localstate.Open(path)
}

// cacheInfoRow is the JSON shape of one store in `cache info`.
type cacheInfoRow struct {
	Store   string `json:"store"`
	Cached  bool   `json:"cached"`
	Count   int    `json:"count"`
	SavedAt string `json:"saved_at,omitempty"`
}

func runCacheInfo(cmd *cobra.Command, args []string) error {
	local, err := openLocalState()
	if err != nil {
		return err
	}
	defer local.Close()

	var rows []cacheInfoRow
	for _, name := range []string{cacheProblems, cacheComments, cacheUpvotes} {
		info, err := local.Info(cmd.Context(), name)
		if errors.Is(err, localstate.ErrNoSnapshot) {
			rows = append(rows, cacheInfoRow{Store: name})
			continue
		}
		if err != nil {
			return err
		}
		rows = append(rows, cacheInfoRow{
			Store:   name,
			Cached:  true,
			Count:   info.Count,
			SavedAt: info.SavedAt.Format("2006-01-02 15:04:05 MST"),
		})
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, rows)
	}

	w := newTabWriter(out)
	fmt.Fprintln(w, "STORE\tROWS\tSAVED")
	for _, r := range rows {
		saved := "never"
		if r.Cached {
			saved = r.SavedAt
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", r.Store, r.Count, saved)
	}
	return w.Flush()
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	if !clearForce {
		fmt.Fprint(cmd.OutOrStdout(), "Clear all cached rows? [y/N] ")
		var answer string
		fmt.Fscanln(cmd.InOrStdin(), &answer)
		if answer != "y" && answer != "Y" {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
	}

	local, err := openLocalState()
	if err != nil {
		return err
	}
	defer local.Close()

	if err := local.ClearRows(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared.")
	return nil
}
