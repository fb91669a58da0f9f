package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"guardwatch.ai/internal/persistence/snapshot"
	"guardwatch.ai/internal/sim/guard"
	"guardwatch.ai/internal/sim/guard/kernel/ids"
	"guardwatch.ai/internal/sim/tuning"
)

type offline struct{}

func (offline) Locate(ids.ActorID) (guard.Position, bool) { return guard.Position{}, false }

// restoredEngine loads stored state into a throwaway engine so queries go
// through the same read paths the server uses.
func restoredEngine(opts *options) (*guard.Engine, error) {
	db, err := opts.openDB()
	if err != nil {
		return nil, err
	}
	defer db.Close()
	st, err := db.LoadState(background())
	if err != nil {
		return nil, err
	}
	eng, err := guard.New(guard.Config{Tuning: tuning.Defaults(), Locator: offline{}})
	if err != nil {
		return nil, err
	}
	if err := eng.Restore(st); err != nil {
		eng.Close()
		return nil, err
	}
	return eng, nil
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <actor-id>",
		Short: "Show one actor's stored duty, wanted, token and detention state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := ids.Parse(args[0])
			if err != nil {
				return writeCommandError(cmd, fmt.Errorf("invalid actor id: %s", args[0]))
			}
			eng, err := restoredEngine(opts)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer eng.Close()

			st := eng.Status(id)
			if opts.json {
				return printJSON(cmd.OutOrStdout(), st)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "actor         %s\n", st.Actor)
			fmt.Fprintf(out, "on duty       %v\n", st.OnDuty)
			fmt.Fprintf(out, "off-duty min  %d\n", st.OffDutyMinutes)
			fmt.Fprintf(out, "tokens        %d\n", st.Tokens)
			fmt.Fprintf(out, "wanted level  %d\n", st.WantedLevel)
			if st.Detention != nil {
				fmt.Fprintf(out, "detained      until %s (%s)\n", st.Detention.ReleaseAt.Format(time.RFC3339), st.Detention.Reason)
			}
			if st.Pending != nil {
				fmt.Fprintf(out, "queued        %.1f min (%s)\n", st.Pending.Minutes, st.Pending.Reason)
			}
			return nil
		},
	}
}

func newTopCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Rank actors by token balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.openDB()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer db.Close()
			rows, err := db.TopTokens(background(), limit)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			var out [][]string
			for _, r := range rows {
				out = append(out, []string{r.Actor, strconv.FormatInt(r.Balance, 10)})
			}
			return table(cmd.OutOrStdout(), "ACTOR\tTOKENS", out)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "result limit")
	return cmd
}

func newAuditsCmd(opts *options) *cobra.Command {
	var (
		actor string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "audits",
		Short: "List recent audit entries from the state db",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.openDB()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer db.Close()
			rows, err := db.Audits(background(), actor, limit)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			var out [][]string
			for _, r := range rows {
				out = append(out, []string{strconv.FormatInt(r.Seq, 10), r.At, r.Action, r.Actor, r.Target, r.Reason})
			}
			return table(cmd.OutOrStdout(), "SEQ\tAT\tACTION\tACTOR\tTARGET\tREASON", out)
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "only entries involving this actor id")
	cmd.Flags().IntVar(&limit, "limit", 50, "result limit")
	return cmd
}

func newSnapshotsCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List snapshots recorded in the state db",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.openDB()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer db.Close()
			rows, err := db.Snapshots(background(), limit)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			var out [][]string
			for _, r := range rows {
				out = append(out, []string{r.SavedAt.Format(time.RFC3339), strconv.Itoa(r.Actors), strconv.Itoa(r.Detentions), strconv.Itoa(r.Pending), r.Path})
			}
			return table(cmd.OutOrStdout(), "SAVED\tACTORS\tDETAINED\tQUEUED\tPATH", out)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "result limit")
	return cmd
}

func newExportCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "export <snapshot-path>",
		Short: "Write the stored state to a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.openDB()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer db.Close()
			st, err := db.LoadState(background())
			if err != nil {
				return writeCommandError(cmd, err)
			}
			st.SavedAt = time.Now().UTC()
			snap := snapshot.FromState(st)
			if err := snapshot.WriteSnapshot(args[0], snap); err != nil {
				return writeCommandError(cmd, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d actors, %d detentions to %s\n", snap.Header.Actors, snap.Header.Detentions, args[0])
			return nil
		},
	}
}

func newImportCmd(opts *options) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "import <snapshot-path>",
		Short: "Replace the stored state with a snapshot (server must be stopped)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return writeCommandError(cmd, fmt.Errorf("import replaces all stored state; pass --force"))
			}
			snap, err := snapshot.ReadSnapshot(args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			st, err := snapshot.ToState(snap)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			db, err := opts.openDB()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer db.Close()
			if err := db.SaveState(background(), st); err != nil {
				return writeCommandError(cmd, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported snapshot saved_at=%s actors=%d\n", snap.Header.SavedAt.Format(time.RFC3339), snap.Header.Actors)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm replacing stored state")
	return cmd
}

func newInspectCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <snapshot-path>",
		Short: "Print a snapshot header",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := snapshot.ReadHeader(args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			return printJSON(cmd.OutOrStdout(), h)
		},
	}
}
