// Package store provides the account.Store adapters: in-memory, SQLite and
// PostgreSQL.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/example/logica/internal/account"
)

var _ account.Store = (*MemDB)(nil)

// MemDB keeps everything in process memory. Not for production.
type MemDB struct {
	mu       sync.RWMutex
	accounts map[int64]*account.Account
	tokens   map[string]*account.Token
	seq      int64
}

func NewMemoryDB() *MemDB {
	return &MemDB{accounts: map[int64]*account.Account{}, tokens: map[string]*account.Token{}, seq: 1}
}

func (m *MemDB) CreateAccount(_ context.Context, a *account.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f := m.conflict(a, 0); f != "" {
		return &account.DuplicateError{Field: f}
	}
	a.ID = m.seq
	m.seq++
	m.accounts[a.ID] = a.Clone()
	return nil
}

func (m *MemDB) AccountByID(_ context.Context, id int64) (*account.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.accounts[id]; ok {
		return a.Clone(), nil
	}
	return nil, account.ErrNotFound
}

func (m *MemDB) AccountByEmail(_ context.Context, email string) (*account.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.accounts {
		if a.Email == email {
			return a.Clone(), nil
		}
	}
	return nil, account.ErrNotFound
}

func (m *MemDB) UpdateAccount(_ context.Context, a *account.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.ID]; !ok {
		return account.ErrNotFound
	}
	if f := m.conflict(a, a.ID); f != "" {
		return &account.DuplicateError{Field: f}
	}
	m.accounts[a.ID] = a.Clone()
	return nil
}

func (m *MemDB) DeleteAccount(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return account.ErrNotFound
	}
	delete(m.accounts, id)
	m.revoke(id)
	return nil
}

func (m *MemDB) ListAccounts(_ context.Context) ([]*account.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(func(*account.Account) bool { return true }), nil
}

func (m *MemDB) SearchAccounts(_ context.Context, query string) ([]*account.Account, error) {
	q := strings.ToLower(query)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(func(a *account.Account) bool {
		return strings.Contains(strings.ToLower(a.Name), q) ||
			strings.Contains(strings.ToLower(a.Email), q) ||
			strings.Contains(strings.ToLower(string(a.Role)), q)
	}), nil
}

func (m *MemDB) Conflicts(_ context.Context, probe account.Identity, excludeID int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	taken := map[string]bool{}
	for id, a := range m.accounts {
		if id == excludeID {
			continue
		}
		if probe.Name != "" && a.Name == probe.Name {
			taken["name"] = true
		}
		if probe.Email != "" && a.Email == probe.Email {
			taken["email"] = true
		}
		if probe.Phone != "" && a.Phone != nil && *a.Phone == probe.Phone {
			taken["phone"] = true
		}
	}
	return sortedFields(taken), nil
}

func (m *MemDB) ReplaceTokens(_ context.Context, accountID int64, t *account.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[accountID]; !ok {
		return account.ErrNotFound
	}
	m.revoke(accountID)
	c := *t
	c.Abilities = append([]string(nil), t.Abilities...)
	m.tokens[t.ID] = &c
	return nil
}

func (m *MemDB) RevokeTokens(_ context.Context, accountID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoke(accountID)
	return nil
}

func (m *MemDB) TokenByID(_ context.Context, id string) (*account.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[id]
	if !ok {
		return nil, account.ErrNotFound
	}
	c := *t
	c.Abilities = append([]string(nil), t.Abilities...)
	return &c, nil
}

// lifecycle helpers
func (m *MemDB) Ping(context.Context) error { return nil }
func (m *MemDB) Close() error               { return nil }

func (m *MemDB) revoke(accountID int64) {
	for id, t := range m.tokens {
		if t.AccountID == accountID {
			delete(m.tokens, id)
		}
	}
}

// conflict returns the first unique field of a held by another account.
func (m *MemDB) conflict(a *account.Account, excludeID int64) string {
	for id, o := range m.accounts {
		if id == excludeID {
			continue
		}
		switch {
		case o.Email == a.Email:
			return "email"
		case o.Name == a.Name:
			return "name"
		case a.Phone != nil && o.Phone != nil && *o.Phone == *a.Phone:
			return "phone"
		}
	}
	return ""
}

func (m *MemDB) collect(keep func(*account.Account) bool) []*account.Account {
	out := []*account.Account{}
	for _, a := range m.accounts {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedFields(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
