package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/billing/internal/config"
	"github.com/clinic/billing/internal/domain/billing"
	"github.com/clinic/billing/internal/platform/auth"
	"github.com/clinic/billing/internal/platform/db"
	"github.com/clinic/billing/migrations"
	"github.com/clinic/billing/pkg/money"
)

func parseUUID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid patient id %q: %w", raw, err)
	}
	return id, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

// calculateCmd runs the copayment calculator offline against the configured
// policy. Nothing is read from or written to a store.
func calculateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calculate",
		Short: "Split a charge between patient and insurer",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawStatus, _ := cmd.Flags().GetString("status")
			rawAcc, _ := cmd.Flags().GetString("accumulated")
			rawTotal, _ := cmd.Flags().GetString("total")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			policy, err := cfg.CopaymentPolicy()
			if err != nil {
				return err
			}

			status, err := billing.ParseInsuranceStatus(rawStatus)
			if err != nil {
				return err
			}
			acc, err := money.Parse(rawAcc)
			if err != nil {
				return fmt.Errorf("--accumulated: %w", err)
			}
			total, err := money.Parse(rawTotal)
			if err != nil {
				return fmt.Errorf("--total: %w", err)
			}
			if total.IsZero() {
				return billing.ErrInvalidChargeAmount
			}

			res, err := billing.NewCalculator(policy).Calculate(billing.ChargeRequest{
				TotalCost:                        total,
				InsuranceStatus:                  status,
				AccumulatedPatientResponsibility: acc,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().String("status", string(billing.InsuranceActive), "Insurance status: none, active or inactive")
	cmd.Flags().String("accumulated", "0", "Copayment already billed this year")
	cmd.Flags().String("total", "", "Total cost of the charge")
	_ = cmd.MarkFlagRequired("total")
	return cmd
}

func invoicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoices",
		Short: "Work with stored invoices",
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export a patient's invoices to a parquet file",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawPatient, _ := cmd.Flags().GetString("patient")
			year, _ := cmd.Flags().GetInt("year")
			out, _ := cmd.Flags().GetString("out")

			patientID, err := parseUUID(rawPatient)
			if err != nil {
				return err
			}
			if year != 0 && !billing.Year(year).Valid() {
				return fmt.Errorf("invalid year %d", year)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx := context.Background()
			be, err := openBackend(ctx, cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			defer be.Close()

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			n, err := be.svc.ExportInvoicesParquet(ctx, f, patientID, billing.Year(year))
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("export invoices: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d invoice(s) to %s\n", n, out)
			return nil
		},
	}
	exportCmd.Flags().String("patient", "", "Patient ID")
	exportCmd.Flags().Int("year", 0, "Accumulation year (0 exports every year)")
	exportCmd.Flags().String("out", "invoices.parquet", "Output file")
	_ = exportCmd.MarkFlagRequired("patient")
	cmd.AddCommand(exportCmd)

	return cmd
}

func patientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patients",
		Short: "Manage patient insurance status in the billing store",
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Record a patient's insurance status",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawPatient, _ := cmd.Flags().GetString("id")
			rawStatus, _ := cmd.Flags().GetString("status")

			status, err := billing.ParseInsuranceStatus(rawStatus)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx := context.Background()
			be, err := openBackend(ctx, cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			defer be.Close()

			if err := be.putPatient(ctx, cfg, rawPatient, status); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Patient %s insurance status set to %s\n", rawPatient, status)
			return nil
		},
	}
	setCmd.Flags().String("id", "", "Patient ID")
	setCmd.Flags().String("status", "", "Insurance status: none, active or inactive")
	_ = setCmd.MarkFlagRequired("id")
	_ = setCmd.MarkFlagRequired("status")
	cmd.AddCommand(setCmd)

	return cmd
}

// tokenCmd issues an HS256 token signed with AUTH_SIGNING_KEY, for operators
// and local testing.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, _ := cmd.Flags().GetString("sub")
			rawRoles, _ := cmd.Flags().GetString("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			var roles []string
			for _, r := range strings.Split(rawRoles, ",") {
				if r = strings.TrimSpace(r); r != "" {
					roles = append(roles, r)
				}
			}
			token, err := auth.IssueToken(auth.JWTConfig{
				Issuer:     cfg.AuthIssuer,
				Audience:   cfg.AuthAudience,
				SigningKey: []byte(cfg.AuthSigningKey),
			}, sub, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("sub", "", "Token subject")
	cmd.Flags().String("roles", "billing", "Comma-separated roles")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}
