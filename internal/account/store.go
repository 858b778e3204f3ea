package account

import "context"

// Store persists accounts and their tokens.
//
// Implementations must enforce uniqueness of name, email and phone atomically
// and report a violation as *DuplicateError. Lookups of missing rows return
// ErrNotFound. Deleting an account deletes its tokens.
type Store interface {
	CreateAccount(ctx context.Context, a *Account) error
	AccountByID(ctx context.Context, id int64) (*Account, error)
	AccountByEmail(ctx context.Context, email string) (*Account, error)
	UpdateAccount(ctx context.Context, a *Account) error
	DeleteAccount(ctx context.Context, id int64) error
	ListAccounts(ctx context.Context) ([]*Account, error)
	// SearchAccounts matches query case-insensitively as a substring of
	// name, email or role.
	SearchAccounts(ctx context.Context, query string) ([]*Account, error)
	// Conflicts returns the fields of probe already taken by an account
	// other than excludeID.
	Conflicts(ctx context.Context, probe Identity, excludeID int64) ([]string, error)

	// ReplaceTokens revokes every token of the account and stores t in one
	// atomic step.
	ReplaceTokens(ctx context.Context, accountID int64, t *Token) error
	RevokeTokens(ctx context.Context, accountID int64) error
	TokenByID(ctx context.Context, id string) (*Token, error)

	Ping(ctx context.Context) error
	Close() error
}
