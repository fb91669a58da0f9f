package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	persistlog "guardwatch.ai/internal/persistence/log"
	admintransport "guardwatch.ai/internal/transport/admin"
)

// newOpCmd calls POST /v1/admin/{op} on a running server.
func newOpCmd(opts *options) *cobra.Command {
	var req admintransport.Request
	cmd := &cobra.Command{
		Use:   "op <name>",
		Short: "Run a live admin operation on the server",
		Long: `Run a live admin operation on the server.

Operations:
  add_minutes set_minutes add_tokens set_tokens spend_tokens
  set_wanted clear_wanted set_rank_multiplier jail release
  cooldown flush snapshot`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(req)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			u := strings.TrimRight(strings.TrimSpace(opts.url), "/") + "/v1/admin/" + args[0]
			hreq, err := http.NewRequestWithContext(background(), http.MethodPost, u, bytes.NewReader(body))
			if err != nil {
				return writeCommandError(cmd, err)
			}
			hreq.Header.Set("Content-Type", "application/json")
			if opts.token != "" {
				hreq.Header.Set("Authorization", "Bearer "+opts.token)
			}
			cl := &http.Client{Timeout: 15 * time.Second}
			resp, err := cl.Do(hreq)
			if err != nil {
				return writeCommandError(cmd, fmt.Errorf("request: %w", err))
			}
			defer resp.Body.Close()
			b, _ := io.ReadAll(resp.Body)
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(b)))
			if resp.StatusCode/100 != 2 {
				return fmt.Errorf("server returned %s", resp.Status)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Admin, "admin", "", "acting admin id (default: console)")
	f.StringVar(&req.Actor, "actor", "", "target actor id")
	f.Float64Var(&req.Minutes, "minutes", 0, "jail minutes (0 derives from wanted level)")
	f.Int64Var(&req.Amount, "amount", 0, "minutes or tokens")
	f.IntVar(&req.Level, "level", 0, "wanted level")
	f.StringVar(&req.Rank, "rank", "", "rank name")
	f.Float64Var(&req.Multiplier, "multiplier", 0, "rank reward multiplier")
	f.StringVar(&req.Name, "name", "", "cooldown name (loot|penalty)")
	f.IntVar(&req.Seconds, "seconds", 0, "cooldown seconds")
	f.StringVar(&req.Reason, "reason", "", "reason recorded in the audit log")
	return cmd
}

// newLogCmd prints an audit or event log file line by line.
func newLogCmd(opts *options) *cobra.Command {
	var action string
	cmd := &cobra.Command{
		Use:   "log <file.jsonl.zst>",
		Short: "Print a compressed audit or event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			err := persistlog.ReadJSONL(args[0], func(line []byte) error {
				if action != "" {
					var probe struct {
						Action string `json:"action"`
						Kind   string `json:"kind"`
					}
					if err := json.Unmarshal(line, &probe); err != nil {
						return err
					}
					if probe.Action != action && probe.Kind != action {
						return nil
					}
				}
				_, err := fmt.Fprintln(out, string(line))
				return err
			})
			if err != nil {
				return writeCommandError(cmd, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&action, "filter", "", "only lines with this audit action or event kind")
	return cmd
}
