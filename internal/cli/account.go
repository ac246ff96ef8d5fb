package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/linkgate/linkgate/internal/models"
	"github.com/linkgate/linkgate/internal/store"
)

const minPasswordLength = 8

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage sign-in accounts",
}

var accountCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an account that can sign in with a password",
	Long: `Create an account. The password is stored as a bcrypt hash.

Example:
  linkgate account create --login alice --password 's3cret-passphrase'`,
	RunE: runAccountCreate,
}

var accountFlags struct {
	Login    string
	Password string
	ID       string
}

func init() {
	accountCreateCmd.Flags().StringVar(&accountFlags.Login, "login", "", "Login name (required)")
	accountCreateCmd.Flags().StringVar(&accountFlags.Password, "password", "", "Password (required)")
	accountCreateCmd.Flags().StringVar(&accountFlags.ID, "id", "", "Account id (default: random UUID)")
	_ = accountCreateCmd.MarkFlagRequired("login")
	_ = accountCreateCmd.MarkFlagRequired("password")

	accountCmd.AddCommand(accountCreateCmd)
	RootCmd.AddCommand(accountCmd)
}

func runAccountCreate(cmd *cobra.Command, args []string) error {
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

	acc, err := createAccount(ctx, st, accountFlags.ID, accountFlags.Login, accountFlags.Password, bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return printAccount(cmd.OutOrStdout(), acc)
}

// createAccount hashes password and stores a new account.
func createAccount(ctx context.Context, s store.AccountStore, id, login, password string, cost int) (*models.Account, error) {
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	acc := &models.Account{
		ID:           id,
		Login:        login,
		PasswordHash: string(hash),
	}
	if err := s.CreateAccount(ctx, acc); err != nil {
		return nil, fmt.Errorf("failed to create account %q: %w", models.NormalizeLogin(login), err)
	}
	return acc, nil
}

func printAccount(w io.Writer, acc *models.Account) error {
	if globalFlags.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(acc)
	}
	fmt.Fprintf(w, "Created account %s (login %s)\n", acc.ID, acc.Login)
	return nil
}
