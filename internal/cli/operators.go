// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/ztgate/internal/security"
	"github.com/jeranaias/ztgate/internal/util"
)

// readSecret reads the first line of r with the line ending removed.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readOperators loads path, or returns no records if it does not exist.
func readOperators(path string) ([]security.OperatorRecord, error) {
	data, ok, err := util.ReadFileIfExists(path)
	if err != nil || !ok {
		return nil, err
	}
	return security.ParseOperators(data)
}

// writeOperators validates records and replaces path atomically. A running
// gateway watching the file picks the change up on rename.
func writeOperators(path string, records []security.OperatorRecord) error {
	data, err := security.MarshalOperators(records)
	if err != nil {
		return err
	}
	if _, err := security.ParseOperators(data); err != nil {
		return err
	}
	return util.AtomicWriteFile(path, data, 0o600)
}

// =============================================================================
// HASH-PASSWORD
// =============================================================================

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a secret read from stdin for an operators file",
		Example: `  printf '%s\n' "$PASSWORD" | ztgate hash-password`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if secret == "" {
				return NewUsageError("hash-password", "no secret on stdin")
			}
			hash, err := security.HashSecret(secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

// =============================================================================
// ENROLL
// =============================================================================

// EnrollResult is the output of `ztgate enroll` and `ztgate operators add`.
type EnrollResult struct {
	OperatorID string `json:"operator_id"`
	security.Enrollment
	File string `json:"file,omitempty"`
}

func printEnrollment(cmd *cobra.Command, opts *rootOptions, command string, res EnrollResult) error {
	out := cmd.OutOrStdout()
	if opts.output == OutputJSON {
		return NewJSONResponse(command, res).Print(out)
	}
	fmt.Fprintf(out, "Operator:         %s\n", res.OperatorID)
	fmt.Fprintf(out, "Secret:           %s\n", res.Secret)
	fmt.Fprintf(out, "Provisioning URI: %s\n", res.ProvisioningURI)
	if res.File != "" {
		fmt.Fprintf(out, "Written to:       %s\n", res.File)
	}
	return nil
}

func newEnrollCmd(opts *rootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "enroll <operator>",
		Short: "Issue a new one-time-code secret for an operator",
		Long: `Generate a new one-time-code secret and its otpauth:// provisioning URI.

With --file (or operators.path in the config) the operator's record is
updated in place and any previous secret stops working. Without a file the
secret is only printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			cfg := opts.config()
			if file == "" {
				file = cfg.Operators.Path
			}

			enrollment, err := security.GenerateEnrollment(cfg.TOTP.OTP(), id)
			if err != nil {
				return err
			}
			res := EnrollResult{OperatorID: id, Enrollment: enrollment}

			if file != "" {
				records, err := readOperators(file)
				if err != nil {
					return err
				}
				i := slices.IndexFunc(records, func(r security.OperatorRecord) bool { return r.ID == id })
				if i < 0 {
					return NewNotFoundError("enroll", "operator", id)
				}
				records[i].TOTPSecret = enrollment.Secret
				if err := writeOperators(file, records); err != nil {
					return err
				}
				res.File = file
			} else {
				fmt.Fprintln(cmd.ErrOrStderr(), "No operators file configured; add the secret to the operator's totp_secret.")
			}

			return printEnrollment(cmd, opts, "enroll", res)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Operators file to update (default: operators.path)")
	return cmd
}

// =============================================================================
// OPERATORS
// =============================================================================

func newOperatorsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operators",
		Short: "Manage the operators file",
	}
	cmd.AddCommand(newOperatorsAddCmd(opts), newOperatorsListCmd(opts))
	return cmd
}

type operatorsAddFlags struct {
	file      string
	id        string
	name      string
	role      string
	clearance string
}

func newOperatorsAddCmd(opts *rootOptions) *cobra.Command {
	var f operatorsAddFlags

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an operator and enroll it",
		Long: `Append an operator record to the operators file. The password is read
from stdin and stored as a bcrypt hash; a one-time-code secret is generated
and its provisioning URI printed.`,
		Example: `  printf '%s\n' "$PASSWORD" | ztgate operators add -f operators.yaml \
      --id j.doe --name "Jane Doe" --role SOC_ANALYST --clearance SECRET`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.config()
			if f.file == "" {
				f.file = cfg.Operators.Path
			}
			if f.file == "" {
				return NewUsageError("operators add", "--file is required when operators.path is not configured")
			}
			if f.id == "" {
				return NewUsageError("operators add", "--id is required")
			}
			role, err := security.ParseRole(f.role)
			if err != nil {
				return NewUsageError("operators add", err.Error())
			}
			clearance, err := security.ParseClearance(f.clearance)
			if err != nil {
				return NewUsageError("operators add", err.Error())
			}

			records, err := readOperators(f.file)
			if err != nil {
				return err
			}
			if slices.ContainsFunc(records, func(r security.OperatorRecord) bool { return r.ID == f.id }) {
				return NewUsageError("operators add", fmt.Sprintf("operator %q already exists", f.id))
			}

			password, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if password == "" {
				return NewUsageError("operators add", "no password on stdin")
			}
			hash, err := security.HashSecret(password)
			if err != nil {
				return err
			}
			enrollment, err := security.GenerateEnrollment(cfg.TOTP.OTP(), f.id)
			if err != nil {
				return err
			}

			name := f.name
			if name == "" {
				name = f.id
			}
			records = append(records, security.OperatorRecord{
				ID:           f.id,
				DisplayName:  name,
				Role:         role,
				Clearance:    clearance,
				PasswordHash: hash,
				TOTPSecret:   enrollment.Secret,
			})
			if err := writeOperators(f.file, records); err != nil {
				return err
			}

			return printEnrollment(cmd, opts, "operators add", EnrollResult{
				OperatorID: f.id,
				Enrollment: enrollment,
				File:       f.file,
			})
		},
	}

	cmd.Flags().StringVarP(&f.file, "file", "f", "", "Operators file (default: operators.path)")
	cmd.Flags().StringVar(&f.id, "id", "", "Operator identifier")
	cmd.Flags().StringVar(&f.name, "name", "", "Display name (default: the identifier)")
	cmd.Flags().StringVar(&f.role, "role", "", "Role: COMMANDER, SOC_ANALYST, RED_TEAM")
	cmd.Flags().StringVar(&f.clearance, "clearance", "", "Clearance: CONFIDENTIAL, SECRET, TOP_SECRET")
	return cmd
}

// OperatorSummary is one row of `ztgate operators list`. Hashes and secrets
// are never printed.
type OperatorSummary struct {
	ID          string             `json:"id"`
	DisplayName string             `json:"display_name"`
	Role        security.Role      `json:"role"`
	Clearance   security.Clearance `json:"clearance"`
	Enrolled    bool               `json:"enrolled"`
	Disabled    bool               `json:"disabled"`
}

func newOperatorsListCmd(opts *rootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operators without their secrets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = opts.config().Operators.Path
			}
			if file == "" {
				return NewUsageError("operators list", "--file is required when operators.path is not configured")
			}
			records, err := readOperators(file)
			if err != nil {
				return err
			}

			rows := make([]OperatorSummary, 0, len(records))
			for _, r := range records {
				rows = append(rows, OperatorSummary{
					ID:          r.ID,
					DisplayName: r.DisplayName,
					Role:        r.Role,
					Clearance:   r.Clearance,
					Enrolled:    r.TOTPSecret != "",
					Disabled:    r.Disabled,
				})
			}

			out := cmd.OutOrStdout()
			if opts.output == OutputJSON {
				return NewJSONResponse("operators list", rows).Print(out)
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "ID\tNAME\tROLE\tCLEARANCE\tENROLLED\tDISABLED")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%t\n", r.ID, r.DisplayName, r.Role, r.Clearance, r.Enrolled, r.Disabled)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Operators file (default: operators.path)")
	return cmd
}
