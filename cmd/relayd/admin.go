package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tbourn/deepdive-relay/internal/config"
	"github.com/tbourn/deepdive-relay/internal/repo"
	"github.com/tbourn/deepdive-relay/internal/services"
)

// --- migrate ---

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the SQLite schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer closeDB(db)
		fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", cfg.DBPath)
		return nil
	},
}

// --- credits ---

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and top up account balances",
}

var creditsGrantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Grant credits to an account",
	Long: `Grant credits to an account. A grant is recorded once per --reference,
so re-running the same command with the same reference is a no-op.

Examples:
  relayd credits grant --account acc_123 --amount 20
  relayd credits grant --account acc_123 --amount 20 --reference promo-2026-10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		account, _ := cmd.Flags().GetString("account")
		amount, _ := cmd.Flags().GetInt("amount")
		ref, _ := cmd.Flags().GetString("reference")
		if account == "" {
			return errors.New("--account is required")
		}
		if amount <= 0 {
			return errors.New("--amount must be positive")
		}
		if ref == "" {
			ref = uuid.NewString()
		}

		ledger, closer, err := openLedger()
		if err != nil {
			return err
		}
		defer closer()

		balance, err := ledger.Grant(cmd.Context(), account, amount, "grant:"+ref)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "granted %d to %s (reference %s), balance %d\n", amount, account, ref, balance)
		return nil
	},
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Print an account balance as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		account, _ := cmd.Flags().GetString("account")
		if account == "" {
			return errors.New("--account is required")
		}
		ledger, closer, err := openLedger()
		if err != nil {
			return err
		}
		defer closer()

		view, err := ledger.Balance(cmd.Context(), account)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	},
}

// --- guests ---

var guestsCmd = &cobra.Command{
	Use:   "guests",
	Short: "Manage guest sessions",
}

var guestsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Retire expired guest sessions and release stale conversation leases",
	RunE: func(cmd *cobra.Command, args []string) error {
		grace, _ := cmd.Flags().GetDuration("grace")
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		guests, claims, err := a.deps.Identity.Sweep(cmd.Context(), grace)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "retired %d guests, released %d leases\n", guests, claims)
		return nil
	},
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:    "session",
	Short:  "Account session tokens",
	Hidden: true,
}

var sessionIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a bearer session token for an account (development and support use)",
	RunE: func(cmd *cobra.Command, args []string) error {
		account, _ := cmd.Flags().GetString("account")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if account == "" {
			return errors.New("--account is required")
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ids, err := services.NewIdentityService(nil, nil, cfg.SessionSecret, cfg.Guest.TTL)
		if err != nil {
			return err
		}
		tok, err := ids.IssueSession(account, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	creditsGrantCmd.Flags().String("account", "", "account id")
	creditsGrantCmd.Flags().Int("amount", 0, "credits to add")
	creditsGrantCmd.Flags().String("reference", "", "idempotency reference (random when empty)")
	creditsBalanceCmd.Flags().String("account", "", "account id")
	creditsCmd.AddCommand(creditsGrantCmd, creditsBalanceCmd)

	guestsSweepCmd.Flags().Duration("grace", 0, "skip guests that expired less than this long ago")
	guestsCmd.AddCommand(guestsSweepCmd)

	sessionIssueCmd.Flags().String("account", "", "account id")
	sessionIssueCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	sessionCmd.AddCommand(sessionIssueCmd)
}

// openDB opens and migrates the SQLite database named by cfg.
func openDB(cfg config.Config) (*gorm.DB, error) {
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return db, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// openLedger returns a ledger over the configured database. Operator
// commands never touch the conversation store.
func openLedger() (*services.LedgerService, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	ledger := services.NewLedgerService(db, cfg.Billing.MonthlyAllocation, cfg.Guest.Allocation, cfg.Guest.DailyCap)
	return ledger, func() { closeDB(db) }, nil
}
