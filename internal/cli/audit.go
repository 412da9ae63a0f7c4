// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/ztgate/internal/audit"
)

func newAuditCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect an audit database",
		Long: `Inspect the SQLite audit database written by a gateway with
storage.audit_db_path set. These commands read the file directly and work
while the gateway is running.`,
	}
	cmd.AddCommand(newAuditQueryCmd(opts), newAuditVerifyCmd(opts))
	return cmd
}

// openAuditDB opens an existing audit database. OpenSQLite would create a
// missing file, which is never what a reader wants.
func openAuditDB(command, path string) (*audit.SQLiteStore, error) {
	if path == "" {
		return nil, NewUsageError(command, "--db is required when storage.audit_db_path is not configured")
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, NewNotFoundError(command, "audit database", path)
		}
		return nil, err
	}
	return audit.OpenSQLite(path)
}

type auditQueryFlags struct {
	db       string
	kind     string
	typ      string
	actor    string
	decision string
	since    string
	until    string
	afterSeq uint64
	limit    int
}

// values renders the flags as the query parameters ParseFilter accepts, so
// the CLI and /api/audit-logs filter identically.
func (f auditQueryFlags) values() url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("kind", f.kind)
	set("type", f.typ)
	set("actor", f.actor)
	set("decision", f.decision)
	set("since", f.since)
	set("until", f.until)
	if f.afterSeq > 0 {
		q.Set("after_seq", strconv.FormatUint(f.afterSeq, 10))
	}
	if f.limit > 0 {
		q.Set("limit", strconv.Itoa(f.limit))
	}
	return q
}

func newAuditQueryCmd(opts *rootOptions) *cobra.Command {
	var f auditQueryFlags

	cmd := &cobra.Command{
		Use:   "query",
		Short: "List audit events matching a filter",
		Example: `  ztgate audit query --db audit.db --kind AUTH --type LOGIN_FAIL --since 2025-03-14T00:00:00Z
  ztgate audit query --db audit.db --decision DENY --limit 20 -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := audit.ParseFilter(f.values())
			if err != nil {
				return NewUsageError("audit query", err.Error())
			}
			if f.db == "" {
				f.db = opts.config().Storage.AuditDBPath
			}
			store, err := openAuditDB("audit query", f.db)
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.Query(cmd.Context(), filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.output == OutputJSON {
				return NewJSONResponse("audit query", events).Print(out)
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "SEQ\tTIME\tKIND\tTYPE\tACTOR\tRESULT\tRESOURCE\tRISK")
			for _, e := range events {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
					e.Seq, e.Timestamp.UTC().Format(time.RFC3339), e.Kind, e.Type,
					dash(e.Actor), eventResult(e), dash(e.ResourceID), e.RiskScore)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%d event(s)\n", len(events))
			return nil
		},
	}

	cmd.Flags().StringVar(&f.db, "db", "", "Audit database (default: storage.audit_db_path)")
	cmd.Flags().StringVar(&f.kind, "kind", "", "Event kind: AUTH or POLICY")
	cmd.Flags().StringVar(&f.typ, "type", "", "Event type, e.g. LOGIN_FAIL")
	cmd.Flags().StringVar(&f.actor, "actor", "", "Masked actor, e.g. hash:1a2b3c4d5e6f")
	cmd.Flags().StringVar(&f.decision, "decision", "", "Policy decision: PERMIT or DENY")
	cmd.Flags().StringVar(&f.since, "since", "", "Earliest timestamp, RFC 3339 (inclusive)")
	cmd.Flags().StringVar(&f.until, "until", "", "Latest timestamp, RFC 3339 (exclusive)")
	cmd.Flags().Uint64Var(&f.afterSeq, "after-seq", 0, "Only events after this sequence number")
	cmd.Flags().IntVarP(&f.limit, "limit", "n", 0, "Newest N matches (default and max 1000)")
	return cmd
}

func eventResult(e audit.Event) string {
	if e.Decision != "" {
		return e.Decision
	}
	if e.Success {
		return "OK"
	}
	return "FAIL"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newAuditVerifyCmd(opts *rootOptions) *cobra.Command {
	var db string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the hash chain of an audit database",
		Long: `Walk every event in sequence and check its hash and its link to the
previous event. Exits with status 4 if the chain is broken.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if db == "" {
				db = opts.config().Storage.AuditDBPath
			}
			store, err := openAuditDB("audit verify", db)
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			res := audit.VerifyEvents(events)

			var verifyErr error
			if !res.OK {
				verifyErr = NewIntegrityError("audit verify", res.BrokenAt, res.Reason)
			}

			out := cmd.OutOrStdout()
			if opts.output == OutputJSON {
				if verifyErr != nil {
					if err := NewJSONErrorResponse("audit verify", res, verifyErr).Print(out); err != nil {
						return err
					}
					return verifyErr
				}
				return NewJSONResponse("audit verify", res).Print(out)
			}
			if verifyErr != nil {
				fmt.Fprintf(out, "BROKEN: %d event(s), chain broken at seq %d: %s\n", res.Events, res.BrokenAt, res.Reason)
				return verifyErr
			}
			fmt.Fprintf(out, "OK: %d event(s), chain intact\n", res.Events)
			return nil
		},
	}

	cmd.Flags().StringVar(&db, "db", "", "Audit database (default: storage.audit_db_path)")
	return cmd
}
