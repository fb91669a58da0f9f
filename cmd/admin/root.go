package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"guardwatch.ai/internal/persistence/statedb"
	"guardwatch.ai/internal/platform/config"
)

type options struct {
	dataDir string
	dbPath  string
	url     string
	token   string
	json    bool
}

func (o *options) resolveDB() string {
	if p := strings.TrimSpace(o.dbPath); p != "" {
		return p
	}
	return filepath.Join(o.dataDir, "state", "guard.sqlite")
}

func (o *options) openDB() (*statedb.DB, error) {
	return statedb.OpenSQLite(o.resolveDB())
}

func newRootCmd(envCfg config.AdminEnv) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "admin",
		Short:         "Inspect and repair guard state",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&opts.dataDir, "data", "./data", "runtime data directory")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", envCfg.DBPath, "state db path (default <data>/state/guard.sqlite)")
	root.PersistentFlags().StringVar(&opts.url, "url", envCfg.ServerURL, "server base url for live operations")
	root.PersistentFlags().StringVar(&opts.token, "token", envCfg.AdminToken, "admin bearer token")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print JSON")

	root.AddCommand(
		newStatusCmd(opts),
		newTopCmd(opts),
		newAuditsCmd(opts),
		newSnapshotsCmd(opts),
		newExportCmd(opts),
		newImportCmd(opts),
		newInspectCmd(opts),
		newLogCmd(opts),
		newOpCmd(opts),
	)
	return root
}

func writeCommandError(cmd *cobra.Command, err error) error {
	fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func table(w io.Writer, header string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, header)
	for _, r := range rows {
		fmt.Fprintln(tw, strings.Join(r, "\t"))
	}
	return tw.Flush()
}

func background() context.Context { return context.Background() }
