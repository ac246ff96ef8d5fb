package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/linkgate/linkgate/internal/bottoken"
	"github.com/linkgate/linkgate/internal/logging"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage bot tokens",
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke the bot token of an external identity",
	Long: `Revoke the bot token bound to an external identity. The binding is kept
but can no longer authenticate until the identity links again.

Example:
  linkgate token revoke --external-id 123456789`,
	RunE: runTokenRevoke,
}

var tokenFlags struct {
	ExternalID int64
}

func init() {
	tokenRevokeCmd.Flags().Int64Var(&tokenFlags.ExternalID, "external-id", 0, "External identity id (required)")
	_ = tokenRevokeCmd.MarkFlagRequired("external-id")

	tokenCmd.AddCommand(tokenRevokeCmd)
	RootCmd.AddCommand(tokenCmd)
}

func runTokenRevoke(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	logger := newLogger(cfg)
	tokens := bottoken.NewManager(st, bottoken.WithLogger(logger), bottoken.WithAuditor(logging.NewAuditLogger(logger)))
	return revokeToken(ctx, cmd.OutOrStdout(), tokens, tokenFlags.ExternalID)
}

func revokeToken(ctx context.Context, w io.Writer, tokens *bottoken.Manager, externalID int64) error {
	existed, err := tokens.Revoke(ctx, externalID)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	if globalFlags.JSON {
		return json.NewEncoder(w).Encode(map[string]interface{}{
			"external_id": externalID,
			"revoked":     existed,
		})
	}
	if !existed {
		fmt.Fprintf(w, "No binding for external id %d\n", externalID)
		return nil
	}
	fmt.Fprintf(w, "Revoked bot token of external id %d\n", externalID)
	return nil
}
