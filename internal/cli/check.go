package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/linkgate/linkgate/internal/config"
	"github.com/linkgate/linkgate/internal/limiter"
	"github.com/linkgate/linkgate/internal/session"
)

const (
	statusOK   = "OK"
	statusWarn = "WARN"
	statusFail = "FAIL"
)

// checkCmd verifies that serve would start.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify configuration and dependencies",
	Long: `Load the configuration and probe every dependency serve needs:
the session secret, the store, Redis (when selected) and the Telegram token.

Example:
  linkgate check --config config.yaml`,
	RunE: runCheck,
}

func init() {
	RootCmd.AddCommand(checkCmd)
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := []CheckResult{}
	_, cfg, err := loadConfig(false)
	if err != nil {
		results = append(results, CheckResult{Name: "config", Status: statusFail, Message: err.Error()})
		_ = outputCheckResults(cmd.OutOrStdout(), results)
		return err
	}
	results = append(results, CheckResult{Name: "config", Status: statusOK, Message: globalFlags.Config})
	results = append(results, runChecks(ctx, cfg)...)

	if err := outputCheckResults(cmd.OutOrStdout(), results); err != nil {
		return err
	}
	for _, r := range results {
		if r.Status == statusFail {
			return fmt.Errorf("check %s failed", r.Name)
		}
	}
	return nil
}

func runChecks(ctx context.Context, cfg *config.Config) []CheckResult {
	return []CheckResult{
		checkSessionSecret(cfg),
		checkStore(ctx, cfg),
		checkRedis(ctx, cfg),
		checkTelegram(cfg),
		checkWebhook(cfg),
	}
}

func checkSessionSecret(cfg *config.Config) CheckResult {
	codec := session.NewCodec(cfg.Session.Secret, session.WithMinSecretBytes(cfg.Session.MinSecretBytes))
	if err := codec.CheckSecret(); err != nil {
		return CheckResult{Name: "session secret", Status: statusFail, Message: err.Error()}
	}
	return CheckResult{Name: "session secret", Status: statusOK, Message: fmt.Sprintf("%d bytes", len(cfg.Session.Secret))}
}

func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	name := "store (" + cfg.Storage.Driver + ")"
	st, err := openStore(ctx, cfg)
	if err != nil {
		return CheckResult{Name: name, Status: statusFail, Message: err.Error()}
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		return CheckResult{Name: name, Status: statusFail, Message: err.Error()}
	}
	return CheckResult{Name: name, Status: statusOK, Message: "reachable"}
}

func checkRedis(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg.RateLimit.Backend != "redis" {
		return CheckResult{Name: "rate limiter", Status: statusOK, Message: "memory backend (single instance only)"}
	}
	client, err := limiter.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		return CheckResult{Name: "rate limiter", Status: statusFail, Message: err.Error()}
	}
	_ = client.Close()
	return CheckResult{Name: "rate limiter", Status: statusOK, Message: "redis reachable"}
}

func checkTelegram(cfg *config.Config) CheckResult {
	if !cfg.Telegram.Enabled {
		return CheckResult{Name: "telegram", Status: statusWarn, Message: "disabled; codes can only be redeemed over the API"}
	}
	return CheckResult{Name: "telegram", Status: statusOK, Message: "enabled"}
}

func checkWebhook(cfg *config.Config) CheckResult {
	if cfg.Webhook.Secret == "" {
		return CheckResult{Name: "webhook", Status: statusWarn, Message: "no secret; /api/v1/link/redeem rejects every call"}
	}
	return CheckResult{Name: "webhook", Status: statusOK, Message: "secret configured"}
}

func outputCheckResults(w io.Writer, results []CheckResult) error {
	if globalFlags.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECK\tSTATUS\tDETAILS")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, r.Status, r.Message)
	}
	return tw.Flush()
}
