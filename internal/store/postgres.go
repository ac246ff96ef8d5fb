package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/linkgate/linkgate/internal/errors"
	"github.com/linkgate/linkgate/internal/models"
)

// PostgresStore is the Store for multi-instance deployments.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: "postgres", Err: fmt.Errorf("parse config: %w", err)}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: "postgres", Err: err}
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &errors.ErrDatabaseOpen{Path: "postgres", Err: err}
	}

	s := &PostgresStore{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`
		CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			login TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
		`,
		`
		CREATE TABLE IF NOT EXISTS bindings (
			external_id BIGINT PRIMARY KEY,
			account_id TEXT NOT NULL,
			external_display_name TEXT NOT NULL DEFAULT '',
			token_hash TEXT UNIQUE,
			token_expires_at TIMESTAMPTZ,
			revoked BOOLEAN NOT NULL DEFAULT FALSE,
			last_seen_at TIMESTAMPTZ,
			linked_via TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
		`,
		`CREATE INDEX IF NOT EXISTS bindings_account_id_idx ON bindings(account_id)`,
		`
		CREATE TABLE IF NOT EXISTS linking_codes (
			code TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			used_at TIMESTAMPTZ
		)
		`,
		`CREATE INDEX IF NOT EXISTS linking_codes_expires_at_idx ON linking_codes(expires_at)`,
	}

	for i, query := range queries {
		if _, err := s.pool.Exec(ctx, query); err != nil {
			return &errors.ErrDatabaseMigration{Version: i + 1, Err: err}
		}
	}
	return nil
}

// Ping checks the pool.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return errors.Unavailable("ping", s.pool.Ping(ctx))
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// Account operations

// CreateAccount inserts acc. The login is normalized first.
func (s *PostgresStore) CreateAccount(ctx context.Context, acc *models.Account) error {
	acc.Login = models.NormalizeLogin(acc.Login)
	if err := acc.Validate(); err != nil {
		return err
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, login, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING created_at, updated_at
	`, acc.ID, acc.Login, acc.PasswordHash).Scan(&acc.CreatedAt, &acc.UpdatedAt)
	if isPgUniqueViolation(err) {
		return errors.ErrConflict
	}
	return errors.Unavailable("create account", err)
}

func (s *PostgresStore) scanAccount(row pgx.Row, op string) (*models.Account, error) {
	var acc models.Account
	err := row.Scan(&acc.ID, &acc.Login, &acc.PasswordHash, &acc.CreatedAt, &acc.UpdatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, errors.Unavailable(op, err)
	}
	return &acc, nil
}

// GetAccount retrieves an account by ID
func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, login, password_hash, created_at, updated_at FROM accounts WHERE id = $1
	`, id)
	return s.scanAccount(row, "get account")
}

// GetAccountByLogin retrieves an account by its normalized login.
func (s *PostgresStore) GetAccountByLogin(ctx context.Context, login string) (*models.Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, login, password_hash, created_at, updated_at FROM accounts WHERE login = $1
	`, models.NormalizeLogin(login))
	return s.scanAccount(row, "get account by login")
}

// Binding operations

func scanPgBinding(row pgx.Row, op string) (*models.Binding, error) {
	var b models.Binding
	var linkedVia string
	err := row.Scan(&b.ExternalID, &b.AccountID, &b.ExternalDisplayName, &b.TokenHash, &b.TokenExpiresAt,
		&b.Revoked, &b.LastSeenAt, &linkedVia, &b.CreatedAt, &b.UpdatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, errors.Unavailable(op, err)
	}
	b.LinkedVia = models.LinkMethod(linkedVia)
	return &b, nil
}

// FindBindingByExternalID returns the binding for externalID, revoked or not.
func (s *PostgresStore) FindBindingByExternalID(ctx context.Context, externalID int64) (*models.Binding, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+bindingColumns+` FROM bindings WHERE external_id = $1`, externalID)
	return scanPgBinding(row, "find binding by external id")
}

// FindBindingByTokenHash returns the active binding holding tokenHash.
func (s *PostgresStore) FindBindingByTokenHash(ctx context.Context, tokenHash string, now time.Time) (*models.Binding, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+bindingColumns+` FROM bindings
		WHERE token_hash = $1 AND revoked = FALSE AND token_expires_at > $2
	`, tokenHash, now)
	return scanPgBinding(row, "find binding by token hash")
}

// FindBindingByAccountID returns the most recently updated active binding.
func (s *PostgresStore) FindBindingByAccountID(ctx context.Context, accountID string) (*models.Binding, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+bindingColumns+` FROM bindings
		WHERE account_id = $1 AND revoked = FALSE
		ORDER BY updated_at DESC LIMIT 1
	`, accountID)
	return scanPgBinding(row, "find binding by account id")
}

// UpsertBinding writes the binding and revokes the account's other bindings in one transaction.
func (s *PostgresStore) UpsertBinding(ctx context.Context, in models.BindingUpsert) (*models.Binding, error) {
	if in.LinkedVia == "" {
		in.LinkedVia = models.LinkMethodCode
	}

	var b *models.Binding
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO bindings (external_id, account_id, external_display_name, token_hash, token_expires_at,
				revoked, linked_via, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7, $7)
			ON CONFLICT (external_id) DO UPDATE SET
				account_id = EXCLUDED.account_id,
				external_display_name = CASE WHEN EXCLUDED.external_display_name <> ''
					THEN EXCLUDED.external_display_name ELSE bindings.external_display_name END,
				token_hash = EXCLUDED.token_hash,
				token_expires_at = EXCLUDED.token_expires_at,
				revoked = FALSE,
				updated_at = EXCLUDED.updated_at
			RETURNING `+bindingColumns,
			in.ExternalID, in.AccountID, in.ExternalDisplayName, in.TokenHash, in.TokenExpiresAt,
			string(in.LinkedVia), in.Now)
		var err error
		b, err = scanPgBinding(row, "upsert binding")
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE bindings SET revoked = TRUE, token_hash = NULL, updated_at = $1
			WHERE account_id = $2 AND external_id <> $3 AND revoked = FALSE
		`, in.Now, in.AccountID, in.ExternalID)
		return err
	})
	if err != nil {
		if errors.IsDependencyUnavailable(err) {
			return nil, err
		}
		return nil, errors.Unavailable("upsert binding", err)
	}
	return b, nil
}

// TouchLastSeen records bot activity for externalID.
func (s *PostgresStore) TouchLastSeen(ctx context.Context, externalID int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE bindings SET last_seen_at = $1 WHERE external_id = $2`, at, externalID)
	return errors.Unavailable("touch last seen", err)
}

// RevokeBinding marks the binding revoked and drops its token hash.
func (s *PostgresStore) RevokeBinding(ctx context.Context, externalID int64, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bindings SET revoked = TRUE, token_hash = NULL, updated_at = $1 WHERE external_id = $2
	`, at, externalID)
	if err != nil {
		return false, errors.Unavailable("revoke binding", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Linking code operations

func scanPgLinkingCode(row pgx.Row, op string) (*models.LinkingCode, error) {
	var c models.LinkingCode
	err := row.Scan(&c.Code, &c.AccountID, &c.CreatedAt, &c.ExpiresAt, &c.UsedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, errors.Unavailable(op, err)
	}
	return &c, nil
}

// InsertLinkingCode stores a new code.
func (s *PostgresStore) InsertLinkingCode(ctx context.Context, code *models.LinkingCode) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO linking_codes (code, account_id, created_at, expires_at, used_at)
		VALUES ($1, $2, $3, $4, $5)
	`, code.Code, code.AccountID, code.CreatedAt, code.ExpiresAt, code.UsedAt)
	if isPgUniqueViolation(err) {
		return errors.ErrConflict
	}
	return errors.Unavailable("insert linking code", err)
}

// FindLinkingCodeByValue returns the code regardless of state.
func (s *PostgresStore) FindLinkingCodeByValue(ctx context.Context, code string) (*models.LinkingCode, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+linkingCodeColumns+` FROM linking_codes WHERE code = $1`, code)
	return scanPgLinkingCode(row, "find linking code")
}

// ClaimLinkingCode marks the code used with a single conditional UPDATE.
func (s *PostgresStore) ClaimLinkingCode(ctx context.Context, code string, now time.Time) (*models.LinkingCode, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE linking_codes SET used_at = $1
		WHERE code = $2 AND used_at IS NULL AND expires_at > $1
		RETURNING `+linkingCodeColumns,
		now, code)
	return scanPgLinkingCode(row, "claim linking code")
}

// PurgeLinkingCodes removes codes that were used or expired before cutoff.
func (s *PostgresStore) PurgeLinkingCodes(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM linking_codes WHERE expires_at < $1 OR (used_at IS NOT NULL AND used_at < $1)
	`, cutoff)
	if err != nil {
		return 0, errors.Unavailable("purge linking codes", err)
	}
	return tag.RowsAffected(), nil
}
