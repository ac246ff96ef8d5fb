package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/linkgate/linkgate/internal/errors"
	"github.com/linkgate/linkgate/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the default Store, using SQLite in WAL mode. Instants are
// stored as unix milliseconds so range comparisons happen on integers.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Create directory if it doesn't exist
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &errors.ErrDirectoryCreate{Path: dir, Err: err}
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "create migrations table", Err: err}
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "get current migration version", Err: err}
	}

	migrations := []struct {
		version int
		up      string
	}{
		{
			version: 1,
			up: `
				CREATE TABLE IF NOT EXISTS accounts (
					id TEXT PRIMARY KEY,
					login TEXT NOT NULL UNIQUE,
					password_hash TEXT NOT NULL,
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL
				);

				CREATE TABLE IF NOT EXISTS bindings (
					external_id INTEGER PRIMARY KEY,
					account_id TEXT NOT NULL,
					external_display_name TEXT NOT NULL DEFAULT '',
					token_hash TEXT UNIQUE,
					token_expires_at INTEGER,
					revoked INTEGER NOT NULL DEFAULT 0,
					last_seen_at INTEGER,
					linked_via TEXT NOT NULL,
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_bindings_account ON bindings(account_id);

				CREATE TABLE IF NOT EXISTS linking_codes (
					code TEXT PRIMARY KEY,
					account_id TEXT NOT NULL,
					created_at INTEGER NOT NULL,
					expires_at INTEGER NOT NULL,
					used_at INTEGER
				);

				CREATE INDEX IF NOT EXISTS idx_linking_codes_expires ON linking_codes(expires_at);
			`,
		},
	}

	tx, err := db.Begin()
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "begin transaction", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, m := range migrations {
		if m.version > currentVersion {
			if _, err := tx.Exec(m.up); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
			if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "commit migrations", Err: err}
	}

	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return errors.Unavailable("ping", s.db.PingContext(ctx))
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Account operations

// CreateAccount inserts acc. The login is normalized first.
func (s *SQLiteStore) CreateAccount(ctx context.Context, acc *models.Account) error {
	acc.Login = models.NormalizeLogin(acc.Login)
	if err := acc.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, login, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, acc.ID, acc.Login, acc.PasswordHash, toMillis(acc.CreatedAt), toMillis(acc.UpdatedAt))
	if isUniqueViolation(err) {
		return errors.ErrConflict
	}
	return errors.Unavailable("create account", err)
}

// GetAccount retrieves an account by ID
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, login, password_hash, created_at, updated_at FROM accounts WHERE id = ?
	`, id)
	return scanAccount(row, "get account")
}

// GetAccountByLogin retrieves an account by its normalized login.
func (s *SQLiteStore) GetAccountByLogin(ctx context.Context, login string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, login, password_hash, created_at, updated_at FROM accounts WHERE login = ?
	`, models.NormalizeLogin(login))
	return scanAccount(row, "get account by login")
}

func scanAccount(row *sql.Row, op string) (*models.Account, error) {
	var acc models.Account
	var created, updated int64
	err := row.Scan(&acc.ID, &acc.Login, &acc.PasswordHash, &created, &updated)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, errors.Unavailable(op, err)
	}
	acc.CreatedAt = fromMillis(created)
	acc.UpdatedAt = fromMillis(updated)
	return &acc, nil
}

// Binding operations

const bindingColumns = `external_id, account_id, external_display_name, token_hash, token_expires_at,
	revoked, last_seen_at, linked_via, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBinding(row rowScanner, op string) (*models.Binding, error) {
	var b models.Binding
	var tokenHash sql.NullString
	var expires, lastSeen sql.NullInt64
	var revoked int
	var linkedVia string
	var created, updated int64

	err := row.Scan(&b.ExternalID, &b.AccountID, &b.ExternalDisplayName, &tokenHash, &expires,
		&revoked, &lastSeen, &linkedVia, &created, &updated)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, errors.Unavailable(op, err)
	}

	if tokenHash.Valid {
		h := tokenHash.String
		b.TokenHash = &h
	}
	b.TokenExpiresAt = timePtr(expires)
	b.Revoked = revoked != 0
	b.LastSeenAt = timePtr(lastSeen)
	b.LinkedVia = models.LinkMethod(linkedVia)
	b.CreatedAt = fromMillis(created)
	b.UpdatedAt = fromMillis(updated)
	return &b, nil
}

// FindBindingByExternalID returns the binding for externalID, revoked or not.
func (s *SQLiteStore) FindBindingByExternalID(ctx context.Context, externalID int64) (*models.Binding, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bindingColumns+` FROM bindings WHERE external_id = ?`, externalID)
	return scanBinding(row, "find binding by external id")
}

// FindBindingByTokenHash returns the active binding holding tokenHash.
func (s *SQLiteStore) FindBindingByTokenHash(ctx context.Context, tokenHash string, now time.Time) (*models.Binding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+bindingColumns+` FROM bindings
		WHERE token_hash = ? AND revoked = 0 AND token_expires_at > ?
	`, tokenHash, toMillis(now))
	return scanBinding(row, "find binding by token hash")
}

// FindBindingByAccountID returns the most recently updated active binding.
func (s *SQLiteStore) FindBindingByAccountID(ctx context.Context, accountID string) (*models.Binding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+bindingColumns+` FROM bindings
		WHERE account_id = ? AND revoked = 0
		ORDER BY updated_at DESC LIMIT 1
	`, accountID)
	return scanBinding(row, "find binding by account id")
}

// UpsertBinding writes the binding and revokes the account's other bindings in one transaction.
func (s *SQLiteStore) UpsertBinding(ctx context.Context, in models.BindingUpsert) (*models.Binding, error) {
	if in.LinkedVia == "" {
		in.LinkedVia = models.LinkMethodCode
	}
	now := toMillis(in.Now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Unavailable("upsert binding", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO bindings (external_id, account_id, external_display_name, token_hash, token_expires_at,
			revoked, linked_via, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			account_id = excluded.account_id,
			external_display_name = CASE WHEN excluded.external_display_name != ''
				THEN excluded.external_display_name ELSE bindings.external_display_name END,
			token_hash = excluded.token_hash,
			token_expires_at = excluded.token_expires_at,
			revoked = 0,
			updated_at = excluded.updated_at
		RETURNING `+bindingColumns,
		in.ExternalID, in.AccountID, in.ExternalDisplayName, in.TokenHash, toMillis(in.TokenExpiresAt),
		string(in.LinkedVia), now, now)
	b, err := scanBinding(row, "upsert binding")
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE bindings SET revoked = 1, token_hash = NULL, updated_at = ?
		WHERE account_id = ? AND external_id != ? AND revoked = 0
	`, now, in.AccountID, in.ExternalID); err != nil {
		return nil, errors.Unavailable("upsert binding", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Unavailable("upsert binding", err)
	}
	return b, nil
}

// TouchLastSeen records bot activity for externalID.
func (s *SQLiteStore) TouchLastSeen(ctx context.Context, externalID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE bindings SET last_seen_at = ? WHERE external_id = ?`, toMillis(at), externalID)
	return errors.Unavailable("touch last seen", err)
}

// RevokeBinding marks the binding revoked and drops its token hash.
func (s *SQLiteStore) RevokeBinding(ctx context.Context, externalID int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bindings SET revoked = 1, token_hash = NULL, updated_at = ? WHERE external_id = ?
	`, toMillis(at), externalID)
	if err != nil {
		return false, errors.Unavailable("revoke binding", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Unavailable("revoke binding", err)
	}
	return n > 0, nil
}

// Linking code operations

const linkingCodeColumns = `code, account_id, created_at, expires_at, used_at`

func scanLinkingCode(row rowScanner, op string) (*models.LinkingCode, error) {
	var c models.LinkingCode
	var created, expires int64
	var used sql.NullInt64
	err := row.Scan(&c.Code, &c.AccountID, &created, &expires, &used)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, errors.Unavailable(op, err)
	}
	c.CreatedAt = fromMillis(created)
	c.ExpiresAt = fromMillis(expires)
	c.UsedAt = timePtr(used)
	return &c, nil
}

// InsertLinkingCode stores a new code.
func (s *SQLiteStore) InsertLinkingCode(ctx context.Context, code *models.LinkingCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO linking_codes (code, account_id, created_at, expires_at, used_at)
		VALUES (?, ?, ?, ?, ?)
	`, code.Code, code.AccountID, toMillis(code.CreatedAt), toMillis(code.ExpiresAt), nullMillis(code.UsedAt))
	if isUniqueViolation(err) {
		return errors.ErrConflict
	}
	return errors.Unavailable("insert linking code", err)
}

// FindLinkingCodeByValue returns the code regardless of state.
func (s *SQLiteStore) FindLinkingCodeByValue(ctx context.Context, code string) (*models.LinkingCode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+linkingCodeColumns+` FROM linking_codes WHERE code = ?`, code)
	return scanLinkingCode(row, "find linking code")
}

// ClaimLinkingCode marks the code used with a single conditional UPDATE.
func (s *SQLiteStore) ClaimLinkingCode(ctx context.Context, code string, now time.Time) (*models.LinkingCode, error) {
	ms := toMillis(now)
	row := s.db.QueryRowContext(ctx, `
		UPDATE linking_codes SET used_at = ?
		WHERE code = ? AND used_at IS NULL AND expires_at > ?
		RETURNING `+linkingCodeColumns,
		ms, code, ms)
	return scanLinkingCode(row, "claim linking code")
}

// PurgeLinkingCodes removes codes that were used or expired before cutoff.
func (s *SQLiteStore) PurgeLinkingCodes(ctx context.Context, cutoff time.Time) (int64, error) {
	ms := toMillis(cutoff)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM linking_codes WHERE expires_at < ? OR (used_at IS NOT NULL AND used_at < ?)
	`, ms, ms)
	if err != nil {
		return 0, errors.Unavailable("purge linking codes", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Unavailable("purge linking codes", err)
	}
	return n, nil
}
