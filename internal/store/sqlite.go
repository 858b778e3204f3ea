package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/example/logica/internal/account"
	"modernc.org/sqlite"
)

var (
	_ account.Store = (*SQLiteDB)(nil)

	sqliteUnique = regexp.MustCompile(`UNIQUE constraint failed: users\.(\w+)`)
)

// SQLite's LOWER only folds ASCII; fold_case lowers the way
// strings.ToLower does so search matches the other adapters.
func init() {
	sqlite.MustRegisterDeterministicScalarFunction("fold_case", 1, foldCase)
}

func foldCase(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	switch v := args[0].(type) {
	case nil:
		return nil, nil
	case string:
		return strings.ToLower(v), nil
	case []byte:
		return strings.ToLower(string(v)), nil
	default:
		return v, nil
	}
}

// SQLite DB
type SQLiteDB struct {
	db   *sql.DB
	path string
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases and PRAGMAs consistent
	d.SetMaxOpenConns(1)
	s := &SQLiteDB{db: d, path: path}
	if err := s.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init() error {
	queries := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL UNIQUE,
			phone TEXT UNIQUE,
			password TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'standard',
			approved INTEGER NOT NULL DEFAULT 0,
			provider TEXT NOT NULL DEFAULT '',
			provider_id TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			remember_token TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS access_tokens (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			secret_hash TEXT NOT NULL,
			abilities TEXT NOT NULL DEFAULT '',
			expires_at TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS access_tokens_user_id ON access_tokens(user_id);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteDB) CreateAccount(ctx context.Context, a *account.Account) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(name,email,phone,password,role,approved,provider,provider_id,avatar_url,remember_token,created_at,updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.Name, a.Email, a.Phone, a.PasswordHash, string(a.Role), boolInt(a.Approved),
		a.Provider, a.ProviderID, a.AvatarURL, a.RememberToken, formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		return sqliteError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	a.ID = id
	return nil
}

func (s *SQLiteDB) AccountByID(ctx context.Context, id int64) (*account.Account, error) {
	return scanSQLiteAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM users WHERE id = ?`, id))
}

func (s *SQLiteDB) AccountByEmail(ctx context.Context, email string) (*account.Account, error) {
	return scanSQLiteAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM users WHERE email = ?`, email))
}

func (s *SQLiteDB) UpdateAccount(ctx context.Context, a *account.Account) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET name=?,email=?,phone=?,password=?,role=?,approved=?,provider=?,provider_id=?,avatar_url=?,remember_token=?,updated_at=?
		 WHERE id = ?`,
		a.Name, a.Email, a.Phone, a.PasswordHash, string(a.Role), boolInt(a.Approved),
		a.Provider, a.ProviderID, a.AvatarURL, a.RememberToken, formatTime(a.UpdatedAt), a.ID)
	if err != nil {
		return sqliteError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return account.ErrNotFound
	}
	return nil
}

func (s *SQLiteDB) DeleteAccount(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM access_tokens WHERE user_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return account.ErrNotFound
	}
	return tx.Commit()
}

func (s *SQLiteDB) ListAccounts(ctx context.Context) ([]*account.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return collectSQLite(rows)
}

func (s *SQLiteDB) SearchAccounts(ctx context.Context, query string) ([]*account.Account, error) {
	p := likePattern(query)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM users
		 WHERE fold_case(name) LIKE ? ESCAPE '\' OR fold_case(email) LIKE ? ESCAPE '\' OR fold_case(role) LIKE ? ESCAPE '\'
		 ORDER BY id`, p, p, p)
	if err != nil {
		return nil, err
	}
	return collectSQLite(rows)
}

func (s *SQLiteDB) Conflicts(ctx context.Context, probe account.Identity, excludeID int64) ([]string, error) {
	q, args := conflictQuery(probe, excludeID, func(int) string { return "?" })
	if q == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	taken := map[string]bool{}
	for rows.Next() {
		var name, email string
		var phone sql.NullString
		if err := rows.Scan(&name, &email, &phone); err != nil {
			return nil, err
		}
		takenFields(probe, name, email, nullString(phone), taken)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sortedFields(taken), nil
}

func (s *SQLiteDB) ReplaceTokens(ctx context.Context, accountID int64, t *account.Token) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = ?`, accountID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return account.ErrNotFound
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM access_tokens WHERE user_id = ?`, accountID); err != nil {
		return err
	}
	var expires any
	if t.ExpiresAt != nil {
		expires = formatTime(*t.ExpiresAt)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO access_tokens(id,user_id,secret_hash,abilities,expires_at,created_at) VALUES(?,?,?,?,?,?)`,
		t.ID, accountID, t.SecretHash, strings.Join(t.Abilities, ","), expires, formatTime(t.CreatedAt)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteDB) RevokeTokens(ctx context.Context, accountID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE user_id = ?`, accountID)
	return err
}

func (s *SQLiteDB) TokenByID(ctx context.Context, id string) (*account.Token, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,user_id,secret_hash,abilities,expires_at,created_at FROM access_tokens WHERE id = ?`, id)
	var (
		t         account.Token
		abilities string
		expires   sql.NullString
		created   string
	)
	if err := row.Scan(&t.ID, &t.AccountID, &t.SecretHash, &abilities, &expires, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, account.ErrNotFound
		}
		return nil, err
	}
	if abilities != "" {
		t.Abilities = strings.Split(abilities, ",")
	}
	var err error
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if expires.Valid {
		exp, err := parseTime(expires.String)
		if err != nil {
			return nil, err
		}
		t.ExpiresAt = &exp
	}
	return &t, nil
}

// lifecycle helpers
func (s *SQLiteDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteDB) Close() error                   { return s.db.Close() }

func scanSQLiteAccount(row scanner) (*account.Account, error) {
	var (
		a                account.Account
		role             string
		approved         int
		phone, remember  sql.NullString
		created, updated string
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Email, &phone, &a.PasswordHash, &role, &approved,
		&a.Provider, &a.ProviderID, &a.AvatarURL, &remember, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, account.ErrNotFound
		}
		return nil, err
	}
	a.Role = account.Role(role)
	a.Approved = approved != 0
	a.Phone = nullString(phone)
	a.RememberToken = nullString(remember)
	var err error
	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &a, nil
}

func collectSQLite(rows *sql.Rows) ([]*account.Account, error) {
	defer rows.Close()
	out := []*account.Account{}
	for rows.Next() {
		a, err := scanSQLiteAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// sqliteError maps unique violations to *account.DuplicateError.
func sqliteError(err error) error {
	if m := sqliteUnique.FindStringSubmatch(err.Error()); m != nil {
		return &account.DuplicateError{Field: m[1]}
	}
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
