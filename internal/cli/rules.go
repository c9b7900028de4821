package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/knoguchi/trackrank/internal/auth"
	"github.com/knoguchi/trackrank/internal/repository"
	"github.com/knoguchi/trackrank/internal/repository/postgres"
	"github.com/knoguchi/trackrank/internal/rules"
)

func newRulesCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage business rule sets",
	}
	cmd.AddCommand(
		newRulesValidateCommand(opts),
		newRulesImportCommand(opts),
		newRulesGetCommand(opts),
		newRulesDeleteCommand(opts),
	)
	return cmd
}

// openDB connects to PostgreSQL and brings the schema up to date.
func openDB(ctx context.Context, databaseURL string) (*postgres.DB, error) {
	if databaseURL == "" {
		return nil, errors.New("--database-url or DATABASE_URL is required")
	}
	db, err := postgres.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func databaseURLFlag(cmd *cobra.Command, dst *string) {
	cmd.Flags().StringVar(dst, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")
}

func newRulesValidateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <rules.yaml>",
		Short: "Check a rules file without applying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := rules.NewFileLoader(args[0]).Load(cmd.Context())
			if err != nil {
				return err
			}
			enabled := 0
			for _, r := range rs {
				if r.Enabled {
					enabled++
				}
			}
			fmt.Fprintf(opts.out, "%s: %d rules ok (%d enabled)\n", args[0], len(rs), enabled)
			return nil
		},
	}
}

func newRulesImportCommand(opts *options) *cobra.Command {
	var databaseURL string

	cmd := &cobra.Command{
		Use:   "import <rules.yaml>",
		Short: "Validate a rules file and upsert it into PostgreSQL",
		Long: `Validate a rules file and upsert every rule into the business_rules
table. Rules not present in the file are left untouched. A running
trackrankd with RULES_SOURCE=postgres picks the change up on its next reload.

	Examples:
	  trackrank rules import --database-url $DATABASE_URL configs/business_rules.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := rules.NewFileLoader(args[0]).Load(cmd.Context())
			if err != nil {
				return err
			}

			db, err := openDB(cmd.Context(), databaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := postgres.NewRuleRepo(db).Upsert(cmd.Context(), rs); err != nil {
				return err
			}
			fmt.Fprintf(opts.out, "imported %d rules\n", len(rs))
			return nil
		},
	}
	databaseURLFlag(cmd, &databaseURL)
	return cmd
}

func newRulesGetCommand(opts *options) *cobra.Command {
	var databaseURL string

	cmd := &cobra.Command{
		Use:   "get <rule-id>",
		Short: "Print one stored rule as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd.Context(), databaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			rule, err := postgres.NewRuleRepo(db).Get(cmd.Context(), args[0])
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("rule %q not found", args[0])
			}
			if err != nil {
				return err
			}
			return opts.printJSON(rule)
		},
	}
	databaseURLFlag(cmd, &databaseURL)
	return cmd
}

func newRulesDeleteCommand(opts *options) *cobra.Command {
	var databaseURL string

	cmd := &cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Remove a stored rule",
		Long: `Remove a rule from the business_rules table. A running trackrankd with
RULES_SOURCE=postgres stops applying it after its next reload.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd.Context(), databaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			err = postgres.NewRuleRepo(db).Delete(cmd.Context(), args[0])
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("rule %q not found", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(opts.out, "deleted %s\n", args[0])
			return nil
		},
	}
	databaseURLFlag(cmd, &databaseURL)
	return cmd
}

func newTokenCommand(opts *options) *cobra.Command {
	var (
		role   string
		secret string
		expiry time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <operator>",
		Short: "Issue a signed token for the admin API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("--secret or JWT_SECRET is required")
			}
			if role != auth.RoleAdmin && role != auth.RoleViewer {
				return fmt.Errorf("unknown role %q", role)
			}
			token, err := auth.NewJWTManager(auth.DefaultJWTConfig(secret)).
				GenerateTokenWithExpiry(args[0], role, expiry)
			if err != nil {
				return err
			}
			fmt.Fprintln(opts.out, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", auth.RoleAdmin, "token role (admin or viewer)")
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "HMAC signing secret")
	cmd.Flags().DurationVar(&expiry, "expiry", 24*time.Hour, "token lifetime")
	return cmd
}
