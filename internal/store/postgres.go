package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/example/logica/internal/account"
	"github.com/lib/pq"
)

var _ account.Store = (*PostgresDB)(nil)

// unique constraint names from the migrations
var pgUniqueFields = map[string]string{
	"users_name_key":  "name",
	"users_email_key": "email",
	"users_phone_key": "phone",
}

type PostgresDB struct {
	db  *sql.DB
	dsn string
}

func NewPostgresDB(dsn string) (*PostgresDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresDB{db: d, dsn: dsn}
	if err := p.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDB) Init() error {
	// rely on migrations to create tables; just verify connectivity
	if err := p.db.Ping(); err != nil {
		return err
	}
	return nil
}

func (p *PostgresDB) CreateAccount(ctx context.Context, a *account.Account) error {
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO users(name,email,phone,password,role,approved,provider,provider_id,avatar_url,remember_token,created_at,updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id`,
		a.Name, a.Email, a.Phone, a.PasswordHash, string(a.Role), a.Approved,
		a.Provider, a.ProviderID, a.AvatarURL, a.RememberToken, a.CreatedAt, a.UpdatedAt).Scan(&a.ID)
	if err != nil {
		return pgError(err)
	}
	return nil
}

func (p *PostgresDB) AccountByID(ctx context.Context, id int64) (*account.Account, error) {
	return scanPgAccount(p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM users WHERE id = $1`, id))
}

func (p *PostgresDB) AccountByEmail(ctx context.Context, email string) (*account.Account, error) {
	return scanPgAccount(p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM users WHERE email = $1`, email))
}

func (p *PostgresDB) UpdateAccount(ctx context.Context, a *account.Account) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE users SET name=$1,email=$2,phone=$3,password=$4,role=$5,approved=$6,provider=$7,provider_id=$8,avatar_url=$9,remember_token=$10,updated_at=$11
		 WHERE id = $12`,
		a.Name, a.Email, a.Phone, a.PasswordHash, string(a.Role), a.Approved,
		a.Provider, a.ProviderID, a.AvatarURL, a.RememberToken, a.UpdatedAt, a.ID)
	if err != nil {
		return pgError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return account.ErrNotFound
	}
	return nil
}

// DeleteAccount relies on ON DELETE CASCADE for the tokens.
func (p *PostgresDB) DeleteAccount(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return account.ErrNotFound
	}
	return nil
}

func (p *PostgresDB) ListAccounts(ctx context.Context) ([]*account.Account, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return collectPg(rows)
}

func (p *PostgresDB) SearchAccounts(ctx context.Context, query string) ([]*account.Account, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM users
		 WHERE LOWER(name) LIKE $1 ESCAPE '\' OR LOWER(email) LIKE $1 ESCAPE '\' OR LOWER(role) LIKE $1 ESCAPE '\'
		 ORDER BY id`, likePattern(query))
	if err != nil {
		return nil, err
	}
	return collectPg(rows)
}

func (p *PostgresDB) Conflicts(ctx context.Context, probe account.Identity, excludeID int64) ([]string, error) {
	q, args := conflictQuery(probe, excludeID, func(n int) string { return fmt.Sprintf("$%d", n) })
	if q == "" {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
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

// ReplaceTokens locks the account row so concurrent sign-ins of the same
// account serialize on revoke+insert.
func (p *PostgresDB) ReplaceTokens(ctx context.Context, accountID int64, t *account.Token) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, accountID).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return account.ErrNotFound
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM access_tokens WHERE user_id = $1`, accountID); err != nil {
		return err
	}
	abilities := t.Abilities
	if abilities == nil {
		abilities = []string{}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO access_tokens(id,user_id,secret_hash,abilities,expires_at,created_at) VALUES($1,$2,$3,$4,$5,$6)`,
		t.ID, accountID, t.SecretHash, pq.Array(abilities), t.ExpiresAt, t.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresDB) RevokeTokens(ctx context.Context, accountID int64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE user_id = $1`, accountID)
	return err
}

func (p *PostgresDB) TokenByID(ctx context.Context, id string) (*account.Token, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id,user_id,secret_hash,abilities,expires_at,created_at FROM access_tokens WHERE id = $1`, id)
	var (
		t       account.Token
		expires sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.AccountID, &t.SecretHash, pq.Array(&t.Abilities), &expires, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, account.ErrNotFound
		}
		return nil, err
	}
	if expires.Valid {
		exp := expires.Time
		t.ExpiresAt = &exp
	}
	return &t, nil
}

func (p *PostgresDB) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *PostgresDB) Close() error                   { return p.db.Close() }

func scanPgAccount(row scanner) (*account.Account, error) {
	var (
		a               account.Account
		role            string
		phone, remember sql.NullString
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Email, &phone, &a.PasswordHash, &role, &a.Approved,
		&a.Provider, &a.ProviderID, &a.AvatarURL, &remember, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, account.ErrNotFound
		}
		return nil, err
	}
	a.Role = account.Role(role)
	a.Phone = nullString(phone)
	a.RememberToken = nullString(remember)
	return &a, nil
}

func collectPg(rows *sql.Rows) ([]*account.Account, error) {
	defer rows.Close()
	out := []*account.Account{}
	for rows.Next() {
		a, err := scanPgAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// pgError maps unique violations (SQLSTATE 23505) to *account.DuplicateError.
func pgError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if f, ok := pgUniqueFields[pqErr.Constraint]; ok {
			return &account.DuplicateError{Field: f}
		}
	}
	return err
}
