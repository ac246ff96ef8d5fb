package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/linkgate/linkgate/internal/limiter"
	"github.com/linkgate/linkgate/internal/realtime"
)

var limitCmd = &cobra.Command{
	Use:   "limit",
	Short: "Inspect and override rate limit blocks",
	Long: `Hard-block, inspect or clear an identifier for one rate-limited action.

These commands talk to the shared Redis backend. The memory backend lives
inside the server process and cannot be reached from the command line.

Identifiers are the ones the server uses: the account id for link_code and
bot_api, "<client ip>|<login>" for login, and --external-id for link_redeem.

Examples:
  linkgate limit block --action link_redeem --external-id 123456789 --duration 24h
  linkgate limit status --action login --identifier "203.0.113.7|alice"
  linkgate limit unblock --action link_code --identifier acc-42`,
}

var limitBlockCmd = &cobra.Command{
	Use:   "block",
	Short: "Deny an identifier for a duration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSharedLimiter(cmd, func(ctx context.Context, l limiter.RateLimiter, id string) error {
			return blockIdentifier(ctx, cmd.OutOrStdout(), l, limitFlags.Action, id, limitFlags.Duration)
		})
	},
}

var limitStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether an identifier is blocked",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSharedLimiter(cmd, func(ctx context.Context, l limiter.RateLimiter, id string) error {
			return limitStatus(ctx, cmd.OutOrStdout(), l, limitFlags.Action, id)
		})
	},
}

var limitUnblockCmd = &cobra.Command{
	Use:   "unblock",
	Short: "Clear the block and attempt counter of an identifier",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSharedLimiter(cmd, func(ctx context.Context, l limiter.RateLimiter, id string) error {
			return unblockIdentifier(ctx, cmd.OutOrStdout(), l, limitFlags.Action, id)
		})
	},
}

var limitFlags struct {
	Action     string
	Identifier string
	ExternalID int64
	Duration   time.Duration
}

func init() {
	for _, c := range []*cobra.Command{limitBlockCmd, limitStatusCmd, limitUnblockCmd} {
		c.Flags().StringVar(&limitFlags.Action, "action", "", "Rate-limited action (required)")
		c.Flags().StringVar(&limitFlags.Identifier, "identifier", "", "Identifier as the server keys it")
		c.Flags().Int64Var(&limitFlags.ExternalID, "external-id", 0, "External identity id, instead of --identifier")
		_ = c.MarkFlagRequired("action")
		limitCmd.AddCommand(c)
	}
	limitBlockCmd.Flags().DurationVar(&limitFlags.Duration, "duration", time.Hour, "How long the block lasts")

	RootCmd.AddCommand(limitCmd)
}

// limitIdentifier picks the identifier from the flags.
func limitIdentifier(identifier string, externalID int64) (string, error) {
	switch {
	case identifier != "" && externalID != 0:
		return "", fmt.Errorf("use either --identifier or --external-id, not both")
	case externalID != 0:
		return realtime.ExternalKey(externalID), nil
	case identifier != "":
		return identifier, nil
	default:
		return "", fmt.Errorf("--identifier or --external-id is required")
	}
}

func withSharedLimiter(cmd *cobra.Command, fn func(ctx context.Context, l limiter.RateLimiter, identifier string) error) error {
	id, err := limitIdentifier(limitFlags.Identifier, limitFlags.ExternalID)
	if err != nil {
		return err
	}
	_, cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	if _, ok := cfg.RateLimit.Rule(limitFlags.Action); !ok {
		return fmt.Errorf("unknown action %q", limitFlags.Action)
	}
	if cfg.RateLimit.Backend != "redis" {
		return fmt.Errorf("limit commands need rate_limit.backend: redis, got %q", cfg.RateLimit.Backend)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	client, err := limiter.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer closeRedis(client, newLogger(cfg))

	return fn(ctx, limiter.NewRedisLimiter(client, nil), id)
}

func blockIdentifier(ctx context.Context, w io.Writer, l limiter.RateLimiter, action, identifier string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	if err := l.BlockFor(ctx, identifier, action, d); err != nil {
		return fmt.Errorf("failed to block %s: %w", identifier, err)
	}
	if globalFlags.JSON {
		return json.NewEncoder(w).Encode(map[string]interface{}{
			"action":     action,
			"identifier": identifier,
			"blocked":    true,
			"expires_at": time.Now().Add(d).UTC(),
		})
	}
	fmt.Fprintf(w, "Blocked %s for %s for %s\n", identifier, action, d)
	return nil
}

func limitStatus(ctx context.Context, w io.Writer, l limiter.RateLimiter, action, identifier string) error {
	blocked, err := l.IsBlocked(ctx, identifier, action)
	if err != nil {
		return fmt.Errorf("failed to read block state: %w", err)
	}
	if globalFlags.JSON {
		return json.NewEncoder(w).Encode(map[string]interface{}{
			"action":     action,
			"identifier": identifier,
			"blocked":    blocked,
		})
	}
	state := "not blocked"
	if blocked {
		state = "blocked"
	}
	fmt.Fprintf(w, "%s is %s for %s\n", identifier, state, action)
	return nil
}

func unblockIdentifier(ctx context.Context, w io.Writer, l limiter.RateLimiter, action, identifier string) error {
	if err := l.Reset(ctx, identifier, action); err != nil {
		return fmt.Errorf("failed to unblock %s: %w", identifier, err)
	}
	fmt.Fprintf(w, "Cleared %s for %s\n", identifier, action)
	return nil
}
