package main

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/goentitle/pkg/config"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// errDenied makes the check command exit non-zero on a deny decision
var errDenied = errors.New("access denied")

func newCheckCmd() *cobra.Command {
	var req entitlement.Request
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate access for a license key or email against the configured store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			return runCheck(cmd, cfg, req)
		},
	}
	cmd.Flags().StringVar(&req.LicenseKey, "license-key", "", "license key to check")
	cmd.Flags().StringVar(&req.Email, "email", "", "email to check when no license key is given")
	return cmd
}

type checkOutput struct {
	Active    bool   `json:"active"`
	Reason    string `json:"reason,omitempty"`
	Status    string `json:"status,omitempty"`
	Plan      string `json:"plan,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
	Source    string `json:"source"`
}

func runCheck(cmd *cobra.Command, cfg config.Config, req entitlement.Request) error {
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	d := a.checker.Check(cmd.Context(), req)
	if err := writeDecision(cmd.OutOrStdout(), d); err != nil {
		return err
	}
	if !d.Active {
		return errDenied
	}
	return nil
}

func writeDecision(w io.Writer, d entitlement.Decision) error {
	out := checkOutput{
		Active: d.Active,
		Reason: string(d.Reason),
		Status: string(d.Status),
		Plan:   d.Plan,
		Source: d.Source,
	}
	if d.ExpiresAt != nil {
		out.ExpiresAt = d.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
