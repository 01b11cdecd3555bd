// tokenledger-cli - Command-line interface for token ledger operations
//
// This tool provides administrative operations for the ledger including:
// - Balance reads and manual grants
// - App and user registration
// - Ledger entry inspection
// - Admin operations (mirror, verify integrity)
//
// Usage:
//   tokenledger-cli balance get --user-id usr_123
//   tokenledger-cli users register --app-id app_demo --external-id discord:42
//   tokenledger-cli entries list --user-id usr_123
//   tokenledger-cli admin mirror-all
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/veyra/tokenledger/internal/ledger"
	"github.com/veyra/tokenledger/internal/store"
	"github.com/veyra/tokenledger/internal/store/postgres"
	"github.com/veyra/tokenledger/internal/store/sqlite"
	syncpkg "github.com/veyra/tokenledger/internal/sync"
)

var (
	// Version is set during build
	Version   = "dev"
	BuildTime = "unknown"

	// Global flags
	postgresURL string
	sqlitePath  string
	redisAddr   string
	verbose     bool

	// Shared per-invocation state
	st     store.Store
	engine *ledger.Engine
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Root command
	rootCmd := &cobra.Command{
		Use:   "tokenledger-cli",
		Short: "Command-line interface for token ledger operations",
		Long: `tokenledger-cli provides administrative operations for the Veyra token ledger.

Operations include balance management, app and user registration, ledger inspection, and admin tools.`,
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Setup logger level
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}

			// Initialize the store for commands that need it
			if cmd.Name() != "version" && cmd.Name() != "help" {
				var err error
				st, err = openStore()
				if err != nil {
					return fmt.Errorf("failed to initialize store: %w", err)
				}
				engine = ledger.NewEngine(st, log.Logger)
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if st != nil {
				st.Close()
			}
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&postgresURL, "postgres-url", getEnv("POSTGRES_URL", ""), "PostgreSQL connection URL")
	rootCmd.PersistentFlags().StringVar(&sqlitePath, "sqlite-path", getEnv("SQLITE_PATH", "data/tokenledger.db"), "SQLite database path (used when no PostgreSQL URL is set)")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis address")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	// Add command groups
	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(appsCmd())
	rootCmd.AddCommand(usersCmd())
	rootCmd.AddCommand(entriesCmd())
	rootCmd.AddCommand(adminCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openStore() (store.Store, error) {
	if postgresURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return postgres.New(ctx, postgresURL)
	}
	return sqlite.New(sqlitePath)
}

// balanceCmd creates the balance command group
func balanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Balance operations",
		Long:  "Read effective balances and apply manual grants",
	}

	// balance get
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Get a user's effective balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user-id")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			bal, err := engine.GetEffectiveTokenBalance(ctx, userID)
			if err != nil {
				return fmt.Errorf("failed to get balance: %w", err)
			}

			printJSON(map[string]interface{}{
				"user_id":           userID,
				"effective_balance": bal.EffectiveBalance,
				"stored_balance":    bal.StoredBalance,
				"expired_amount":    bal.ExpiredAmount,
			})
			return nil
		},
	}
	getCmd.Flags().String("user-id", "", "App user ID (required)")
	getCmd.MarkFlagRequired("user-id")

	// balance grant
	grantCmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant tokens to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user-id")
			amount, _ := cmd.Flags().GetInt64("amount")
			reason, _ := cmd.Flags().GetString("reason")
			idemKey, _ := cmd.Flags().GetString("idempotency-key")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			res, err := engine.GrantTokens(ctx, ledger.GrantRequest{
				UserID:         userID,
				Amount:         amount,
				Reason:         reason,
				IdempotencyKey: idemKey,
			})
			if err != nil {
				return fmt.Errorf("grant failed: %w", err)
			}

			printJSON(map[string]interface{}{
				"user_id":        userID,
				"balance":        res.Balance,
				"transaction_id": res.TransactionID,
				"duplicate":      res.Duplicate,
			})
			return nil
		},
	}
	grantCmd.Flags().String("user-id", "", "App user ID (required)")
	grantCmd.Flags().Int64("amount", 0, "Token amount (required)")
	grantCmd.Flags().String("reason", "CLI grant", "Grant description")
	grantCmd.Flags().String("idempotency-key", "", "Idempotency key for safe retries")
	grantCmd.MarkFlagRequired("user-id")
	grantCmd.MarkFlagRequired("amount")

	cmd.AddCommand(getCmd, grantCmd)
	return cmd
}

// appsCmd creates the apps command group
func appsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apps",
		Short: "App management",
		Long:  "Register and inspect apps (tenants)",
	}

	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new app",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			name, _ := cmd.Flags().GetString("name")
			defaultGrant, _ := cmd.Flags().GetInt64("default-grant")
			dailyGrant, _ := cmd.Flags().GetInt64("daily-grant")
			expirationDays, _ := cmd.Flags().GetInt("expiration-days")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			app := &store.App{
				ID:                id,
				Name:              name,
				DefaultTokenGrant: defaultGrant,
				DailyTokenGrant:   dailyGrant,
				CreatedAt:         time.Now().UTC(),
			}
			if expirationDays > 0 {
				app.TokenExpirationDays = &expirationDays
			}

			if err := st.CreateApp(ctx, app); err != nil {
				return fmt.Errorf("failed to create app: %w", err)
			}

			printJSON(app)
			return nil
		},
	}
	registerCmd.Flags().String("id", "", "App ID (required)")
	registerCmd.Flags().String("name", "", "App display name (required)")
	registerCmd.Flags().Int64("default-grant", 0, "Welcome grant for new users")
	registerCmd.Flags().Int64("daily-grant", 0, "Recurring daily grant")
	registerCmd.Flags().Int("expiration-days", 0, "Grant retention in days (0 = never expires)")
	registerCmd.MarkFlagRequired("id")
	registerCmd.MarkFlagRequired("name")

	cmd.AddCommand(registerCmd)
	return cmd
}

// usersCmd creates the users command group
func usersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "User management",
		Long:  "Register users and apply pending welcome grants",
	}

	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register an app user (applies the welcome grant)",
		RunE: func(cmd *cobra.Command, args []string) error {
			appID, _ := cmd.Flags().GetString("app-id")
			externalID, _ := cmd.Flags().GetString("external-id")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			u, err := engine.RegisterAppUser(ctx, appID, externalID, nil)
			if err != nil {
				return fmt.Errorf("registration failed: %w", err)
			}

			printJSON(map[string]interface{}{
				"user_id":       u.ID,
				"app_id":        u.AppID,
				"external_id":   u.ExternalID,
				"token_balance": u.TokenBalance,
			})
			return nil
		},
	}
	registerCmd.Flags().String("app-id", "", "App ID (required)")
	registerCmd.Flags().String("external-id", "", "External user ID (required)")
	registerCmd.MarkFlagRequired("app-id")
	registerCmd.MarkFlagRequired("external-id")

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Apply the pending welcome grant to an out-of-band user",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user-id")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			res, applied, err := engine.SyncUserTokens(ctx, userID)
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}

			out := map[string]interface{}{"user_id": userID, "applied": applied}
			if res != nil {
				out["balance"] = res.Balance
				out["transaction_id"] = res.TransactionID
			}
			printJSON(out)
			return nil
		},
	}
	syncCmd.Flags().String("user-id", "", "App user ID (required)")
	syncCmd.MarkFlagRequired("user-id")

	cmd.AddCommand(registerCmd, syncCmd)
	return cmd
}

// entriesCmd creates the entries command group
func entriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entries",
		Short: "Ledger entry inspection",
		Long:  "View a user's ledger history",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger entries for a user, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user-id")
			limit, _ := cmd.Flags().GetInt("limit")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			entries, err := st.EntriesForUser(ctx, userID, limit)
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}

			out := []map[string]interface{}{}
			for _, e := range entries {
				row := map[string]interface{}{
					"id":            e.ID,
					"amount":        e.Amount,
					"balance_after": e.BalanceAfter,
					"type":          e.Type,
					"description":   e.Description,
					"created_at":    e.CreatedAt.Format(time.RFC3339),
				}
				if e.JobID != "" {
					row["job_id"] = e.JobID
				}
				if e.ExpiresAt != nil {
					row["expires_at"] = e.ExpiresAt.Format(time.RFC3339)
				}
				out = append(out, row)
			}

			printJSON(out)
			return nil
		},
	}
	listCmd.Flags().String("user-id", "", "App user ID (required)")
	listCmd.Flags().Int("limit", 10, "Maximum number of entries to return")
	listCmd.MarkFlagRequired("user-id")

	cmd.AddCommand(listCmd)
	return cmd
}

// adminCmd creates the admin command group
func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative operations",
		Long:  "Advanced admin operations (mirror, verify, etc.)",
	}

	// admin mirror-all
	mirrorCmd := &cobra.Command{
		Use:   "mirror-all",
		Short: "Mirror all user balances from the store to Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
			defer rdb.Close()

			mirror := syncpkg.NewMirror(rdb, st, log.Logger)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			log.Info().Msg("Starting full mirror...")
			if err := mirror.MirrorAll(ctx); err != nil {
				return fmt.Errorf("mirror failed: %w", err)
			}

			log.Info().Msg("✓ Mirror complete")
			return nil
		},
	}

	// admin verify-integrity
	verifyCmd := &cobra.Command{
		Use:   "verify-integrity",
		Short: "Verify stored balance against the ledger sum for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user-id")

			rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
			defer rdb.Close()

			mirror := syncpkg.NewMirror(rdb, st, log.Logger)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			discrepancies, err := mirror.VerifyIntegrity(ctx, []string{userID})
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}

			if len(discrepancies) > 0 {
				printJSON(discrepancies)
				log.Warn().Msg("⚠️  Balance integrity check FAILED")
				return fmt.Errorf("balance mismatch detected")
			}

			printJSON(map[string]interface{}{"user_id": userID, "is_valid": true})
			log.Info().Msg("✓ Balance integrity verified")
			return nil
		},
	}
	verifyCmd.Flags().String("user-id", "", "App user ID (required)")
	verifyCmd.MarkFlagRequired("user-id")

	cmd.AddCommand(mirrorCmd, verifyCmd)
	return cmd
}

// Helpers

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		return
	}
	fmt.Println(string(b))
}
