// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/ztgate/internal/security"
)

func newPolicyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Work with the access policy",
	}
	cmd.AddCommand(newPolicyCheckCmd(opts))
	return cmd
}

// PolicyCheckResult is the output of `ztgate policy check`.
type PolicyCheckResult struct {
	Role              security.Role      `json:"role"`
	Clearance         security.Clearance `json:"clearance"`
	ResourceID        string             `json:"resource_id"`
	ResourceName      string             `json:"resource_name"`
	RequiredClearance security.Clearance `json:"required_clearance"`
	AllowedRoles      []security.Role    `json:"allowed_roles"`
	Decision          security.Decision  `json:"decision"`
	RiskScore         int                `json:"risk_score"`
	Reasons           []string           `json:"reasons"`
	CatalogVersion    string             `json:"catalog_version"`
}

func loadCatalog(path string) (*security.Catalog, error) {
	if path != "" {
		return security.LoadCatalog(path)
	}
	return security.DefaultCatalog()
}

func newPolicyCheckCmd(opts *rootOptions) *cobra.Command {
	var role, clearance, resource, catalogPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate the decision rule for a role and clearance",
		Long: `Evaluate the decision rule offline, exactly as the gateway's policy
decision point would, without recording anything.`,
		Example: `  ztgate policy check --role SOC_ANALYST --clearance SECRET --resource AL`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := security.ParseRole(role)
			if err != nil {
				return NewUsageError("policy check", err.Error())
			}
			c, err := security.ParseClearance(clearance)
			if err != nil {
				return NewUsageError("policy check", err.Error())
			}
			if resource == "" {
				return NewUsageError("policy check", "--resource is required")
			}
			if catalogPath == "" {
				catalogPath = opts.config().Catalog.Path
			}
			catalog, err := loadCatalog(catalogPath)
			if err != nil {
				return NewConfigError("policy check", err)
			}
			desc, err := catalog.Lookup(resource)
			if errors.Is(err, security.ErrUnknownResource) {
				return NewNotFoundError("policy check", "resource", resource)
			}
			if err != nil {
				return err
			}

			decision, risk, reasons := security.Decide(security.Subject{Role: r, Clearance: c}, desc)
			res := PolicyCheckResult{
				Role:              r,
				Clearance:         c,
				ResourceID:        desc.ID,
				ResourceName:      desc.Name,
				RequiredClearance: desc.RequiredClearance,
				AllowedRoles:      desc.AllowedRoles,
				Decision:          decision,
				RiskScore:         risk,
				Reasons:           reasons,
				CatalogVersion:    catalog.Version(),
			}

			out := cmd.OutOrStdout()
			if opts.output == OutputJSON {
				return NewJSONResponse("policy check", res).Print(out)
			}
			fmt.Fprintf(out, "%s  %s (%s)\n", res.Decision, res.ResourceName, res.ResourceID)
			fmt.Fprintf(out, "  subject:  %s / %s\n", res.Role, res.Clearance)
			fmt.Fprintf(out, "  requires: %s, roles %s\n", res.RequiredClearance, joinRoles(res.AllowedRoles))
			fmt.Fprintf(out, "  risk:     %d\n", res.RiskScore)
			if len(res.Reasons) > 0 {
				fmt.Fprintf(out, "  reasons:  %s\n", strings.Join(res.Reasons, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "Subject role")
	cmd.Flags().StringVar(&clearance, "clearance", "", "Subject clearance")
	cmd.Flags().StringVarP(&resource, "resource", "r", "", "Resource id")
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "Catalog file (default: catalog.path, else built-in)")
	return cmd
}

func joinRoles(roles []security.Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, ", ")
}
