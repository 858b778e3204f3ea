// Package account implements the account and session lifecycle: registration
// behind an approval gate, credential and federated sign-in, bearer token
// issue and revocation, profile maintenance and the account directory.
//
// Every operation that acts on behalf of a caller takes an explicit
// *Principal resolved by Authenticate.
package account

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const takenMessage = "has already been taken"

// Options tunes a Manager.
type Options struct {
	// TokenTTL bounds the lifetime of issued tokens; zero never expires them.
	TokenTTL time.Duration
	// PhoneRegion, when set, requires phone numbers valid for that region
	// (ISO 3166 alpha-2) and stores them in E.164.
	PhoneRegion string
	// EnforceFederatedApproval applies the approval gate to federated
	// sign-in. Off by default: federated sign-in issues a token to
	// unapproved accounts.
	EnforceFederatedApproval bool
}

type Manager struct {
	store  Store
	hasher Hasher
	policy *Policy
	logger *zap.Logger
	opts   Options
	locks  *accountLocks
	now    func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

func NewManager(store Store, hasher Hasher, policy *Policy, logger *zap.Logger, opts Options) *Manager {
	if hasher == nil {
		hasher = BcryptHasher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		hasher: hasher,
		policy: policy,
		logger: logger,
		opts:   opts,
		locks:  newAccountLocks(),
		now:    time.Now,
	}
}

// Register creates an unapproved account.
func (m *Manager) Register(ctx context.Context, in RegisterInput) (*Account, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = normalizeEmail(in.Email)
	if err := in.Validate(); err != nil {
		return nil, validationFailure(err)
	}
	phone, err := normalizePhone(in.Phone, m.opts.PhoneRegion)
	if err != nil {
		return nil, ValidationError(map[string]string{"phone": err.Error()})
	}
	if err := m.checkUnique(ctx, Identity{Name: in.Name, Email: in.Email, Phone: phone}, 0); err != nil {
		return nil, err
	}

	hash, err := m.hasher.Hash(in.Password)
	if err != nil {
		return nil, internal("hashing password", err)
	}
	role := in.Role
	if role == "" {
		role = RoleStandard
	}

	now := m.now()
	a := &Account{
		Name:         in.Name,
		Email:        in.Email,
		Phone:        &phone,
		PasswordHash: hash,
		Role:         role,
		Approved:     false,
		AvatarURL:    in.Photo,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.CreateAccount(ctx, a); err != nil {
		return nil, m.storeFailure("creating account", err)
	}

	m.logger.Info("account registered", zap.Int64("account_id", a.ID), zap.String("role", string(a.Role)))
	return a, nil
}

// Login verifies credentials and replaces every token of the account with a
// new one. Unknown email and wrong password fail identically.
func (m *Manager) Login(ctx context.Context, in LoginInput) (*Session, error) {
	in.Email = normalizeEmail(in.Email)
	if err := in.Validate(); err != nil {
		return nil, validationFailure(err)
	}

	a, err := m.store.AccountByEmail(ctx, in.Email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, internal("loading account", err)
	}
	if a == nil {
		// keep the cost of a miss equal to a wrong password
		m.hasher.Compare(m.dummy(), in.Password)
		m.logger.Debug("login failed", zap.String("email", in.Email))
		return nil, ErrInvalidCredentials
	}
	if !m.hasher.Compare(a.PasswordHash, in.Password) {
		m.logger.Debug("login failed", zap.String("email", in.Email))
		return nil, ErrInvalidCredentials
	}
	if !a.Approved {
		m.logger.Debug("login refused, account pending approval", zap.Int64("account_id", a.ID))
		return nil, ErrPendingApproval
	}

	return m.issue(ctx, a.ID, true)
}

// FederatedSignIn signs in the account matching the provider email, creating
// an unapproved standard account when none exists. Unless
// EnforceFederatedApproval is set the approval flag is not checked.
func (m *Manager) FederatedSignIn(ctx context.Context, profile *ExternalProfile) (*Session, error) {
	if profile == nil || normalizeEmail(profile.Email) == "" {
		return nil, providerFailure(errors.New("provider profile has no email"))
	}
	email := normalizeEmail(profile.Email)

	a, err := m.store.AccountByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, internal("loading account", err)
	}
	if a == nil {
		if a, err = m.createFederated(ctx, email, profile); err != nil {
			return nil, err
		}
	}

	if m.opts.EnforceFederatedApproval && !a.Approved {
		m.logger.Debug("federated sign-in refused, account pending approval", zap.Int64("account_id", a.ID))
		return nil, ErrPendingApproval
	}
	return m.issue(ctx, a.ID, m.opts.EnforceFederatedApproval)
}

func (m *Manager) createFederated(ctx context.Context, email string, profile *ExternalProfile) (*Account, error) {
	// the account gets a random password nobody knows
	secret, err := genToken(16)
	if err != nil {
		return nil, internal("generating password", err)
	}
	hash, err := m.hasher.Hash(secret)
	if err != nil {
		return nil, internal("hashing password", err)
	}

	name := strings.TrimSpace(profile.Name)
	if name == "" {
		name = email
	}
	now := m.now()
	a := &Account{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         RoleStandard,
		Approved:     false,
		Provider:     profile.Provider,
		ProviderID:   profile.Subject,
		AvatarURL:    profile.AvatarURL,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.CreateAccount(ctx, a); err != nil {
		return nil, m.storeFailure("creating account", err)
	}
	m.logger.Info("federated account created",
		zap.Int64("account_id", a.ID),
		zap.String("provider", profile.Provider))
	return a, nil
}

// Authenticate resolves a presented bearer token to its principal.
func (m *Manager) Authenticate(ctx context.Context, bearer string) (*Principal, error) {
	id, secret, ok := splitToken(bearer)
	if !ok {
		return nil, ErrInvalidToken
	}
	t, err := m.store.TokenByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, internal("loading token", err)
	}
	if !t.matches(secret) || t.Expired(m.now()) {
		return nil, ErrInvalidToken
	}

	a, err := m.store.AccountByID(ctx, t.AccountID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, internal("loading account", err)
	}
	return &Principal{Account: a, TokenID: t.ID, Abilities: t.Abilities}, nil
}

// Logout revokes every token of the caller. Revoking an empty set succeeds.
func (m *Manager) Logout(ctx context.Context, p *Principal) error {
	if err := requirePrincipal(p); err != nil {
		return err
	}
	unlock := m.locks.lock(p.Account.ID)
	defer unlock()
	if err := m.store.RevokeTokens(ctx, p.Account.ID); err != nil {
		return internal("revoking tokens", err)
	}
	m.logger.Info("tokens revoked", zap.Int64("account_id", p.Account.ID))
	return nil
}

// Me returns the account bound to the principal.
func (m *Manager) Me(p *Principal) (*Account, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	return p.Account, nil
}

// UpdateProfile persists the provided fields only. Uniqueness ignores the
// caller's own row.
func (m *Manager) UpdateProfile(ctx context.Context, p *Principal, in ProfileInput) (*Account, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	if in.Name != nil {
		n := strings.TrimSpace(*in.Name)
		in.Name = &n
	}
	if in.Email != nil {
		e := normalizeEmail(*in.Email)
		in.Email = &e
	}
	if err := in.Validate(); err != nil {
		return nil, validationFailure(err)
	}

	a, err := m.reload(ctx, p)
	if err != nil {
		return nil, err
	}

	var probe Identity
	if in.Name != nil {
		probe.Name = *in.Name
		a.Name = *in.Name
	}
	if in.Email != nil {
		probe.Email = *in.Email
		a.Email = *in.Email
	}
	if in.Phone != nil {
		phone, err := normalizePhone(*in.Phone, m.opts.PhoneRegion)
		if err != nil {
			return nil, ValidationError(map[string]string{"phone": err.Error()})
		}
		probe.Phone = phone
		a.Phone = &phone
	}
	if probe == (Identity{}) {
		return a, nil
	}
	if err := m.checkUnique(ctx, probe, a.ID); err != nil {
		return nil, err
	}

	a.UpdatedAt = m.now()
	if err := m.store.UpdateAccount(ctx, a); err != nil {
		return nil, m.storeFailure("updating account", err)
	}
	m.logger.Info("profile updated", zap.Int64("account_id", a.ID))
	return a, nil
}

// ChangePassword replaces the password hash after verifying the current
// password and clears the remember token.
func (m *Manager) ChangePassword(ctx context.Context, p *Principal, in PasswordInput) error {
	if err := requirePrincipal(p); err != nil {
		return err
	}
	if err := in.Validate(); err != nil {
		return validationFailure(err)
	}

	a, err := m.reload(ctx, p)
	if err != nil {
		return err
	}
	if !m.hasher.Compare(a.PasswordHash, in.CurrentPassword) {
		return ErrCurrentPasswordMismatch
	}

	hash, err := m.hasher.Hash(in.Password)
	if err != nil {
		return internal("hashing password", err)
	}
	a.PasswordHash = hash
	a.RememberToken = nil
	a.UpdatedAt = m.now()
	if err := m.store.UpdateAccount(ctx, a); err != nil {
		return m.storeFailure("updating account", err)
	}
	m.logger.Info("password changed", zap.Int64("account_id", a.ID))
	return nil
}

// DeleteAccount revokes the caller's tokens and deletes the account for good.
func (m *Manager) DeleteAccount(ctx context.Context, p *Principal) error {
	if err := requirePrincipal(p); err != nil {
		return err
	}
	id := p.Account.ID
	unlock := m.locks.lock(id)
	defer unlock()

	if err := m.store.RevokeTokens(ctx, id); err != nil {
		return internal("revoking tokens", err)
	}
	if err := m.store.DeleteAccount(ctx, id); err != nil {
		return m.storeFailure("deleting account", err)
	}
	m.logger.Info("account deleted", zap.Int64("account_id", id))
	return nil
}

// ListAccounts returns every account, unpaginated.
func (m *Manager) ListAccounts(ctx context.Context, p *Principal) ([]*Account, error) {
	if err := m.authorize(p, ActionList); err != nil {
		return nil, err
	}
	accounts, err := m.store.ListAccounts(ctx)
	if err != nil {
		return nil, internal("listing accounts", err)
	}
	return accounts, nil
}

// SearchAccounts returns accounts whose name, email or role contains query,
// ignoring case. An empty query matches every account.
func (m *Manager) SearchAccounts(ctx context.Context, p *Principal, query string) ([]*Account, error) {
	if err := m.authorize(p, ActionSearch); err != nil {
		return nil, err
	}
	accounts, err := m.store.SearchAccounts(ctx, query)
	if err != nil {
		return nil, internal("searching accounts", err)
	}
	return accounts, nil
}

// SetApproval flips the approval flag of an account. Withdrawing approval
// revokes the account's tokens.
func (m *Manager) SetApproval(ctx context.Context, p *Principal, id int64, approved bool) (*Account, error) {
	if err := m.authorize(p, ActionApprove); err != nil {
		return nil, err
	}

	unlock := m.locks.lock(id)
	defer unlock()

	a, err := m.store.AccountByID(ctx, id)
	if err != nil {
		return nil, m.storeFailure("loading account", err)
	}
	a.Approved = approved
	a.UpdatedAt = m.now()
	if err := m.store.UpdateAccount(ctx, a); err != nil {
		return nil, m.storeFailure("updating account", err)
	}
	if !approved {
		if err := m.store.RevokeTokens(ctx, id); err != nil {
			return nil, internal("revoking tokens", err)
		}
	}

	m.logger.Info("approval changed",
		zap.Int64("account_id", id),
		zap.Bool("approved", approved),
		zap.Int64("actor_id", p.Account.ID))
	return a, nil
}

// issue replaces the tokens of account id with a new one. The account is
// reloaded under its lock so a concurrent SetApproval(false) cannot be
// overtaken when requireApproved is set.
func (m *Manager) issue(ctx context.Context, id int64, requireApproved bool) (*Session, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	a, err := m.store.AccountByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, internal("loading account", err)
	}
	if requireApproved && !a.Approved {
		m.logger.Debug("sign-in refused, approval withdrawn", zap.Int64("account_id", id))
		return nil, ErrPendingApproval
	}

	plain, t, err := newToken(a.ID, []string{string(a.Role)}, m.opts.TokenTTL, m.now())
	if err != nil {
		return nil, internal("minting token", err)
	}
	if err := m.store.ReplaceTokens(ctx, a.ID, t); err != nil {
		return nil, m.storeFailure("storing token", err)
	}

	m.logger.Info("token issued", zap.Int64("account_id", a.ID), zap.String("token_id", t.ID))
	return &Session{AccessToken: plain, TokenType: TokenTypeBearer, Account: a}, nil
}

func (m *Manager) authorize(p *Principal, action string) error {
	if err := requirePrincipal(p); err != nil {
		return err
	}
	if !m.policy.Allowed(p.Abilities, ObjectAccounts, action) {
		m.logger.Debug("directory access denied",
			zap.Int64("account_id", p.Account.ID),
			zap.String("action", action))
		return ErrForbidden
	}
	return nil
}

// reload fetches a fresh copy of the caller's row.
func (m *Manager) reload(ctx context.Context, p *Principal) (*Account, error) {
	a, err := m.store.AccountByID(ctx, p.Account.ID)
	if err != nil {
		return nil, m.storeFailure("loading account", err)
	}
	return a, nil
}

func (m *Manager) checkUnique(ctx context.Context, probe Identity, excludeID int64) error {
	taken, err := m.store.Conflicts(ctx, probe, excludeID)
	if err != nil {
		return internal("checking uniqueness", err)
	}
	if len(taken) == 0 {
		return nil
	}
	fields := make(map[string]string, len(taken))
	for _, f := range taken {
		fields[f] = takenMessage
	}
	return ValidationError(fields)
}

// storeFailure translates store errors into the account taxonomy. A
// duplicate here means a concurrent writer won the race past checkUnique.
func (m *Manager) storeFailure(msg string, err error) error {
	var dup *DuplicateError
	if errors.As(err, &dup) {
		return ValidationError(map[string]string{dup.Field: takenMessage})
	}
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return internal(msg, err)
}

func (m *Manager) dummy() string {
	m.dummyOnce.Do(func() {
		secret, _ := genToken(16)
		m.dummyHash, _ = m.hasher.Hash(secret)
	})
	return m.dummyHash
}

func requirePrincipal(p *Principal) error {
	if p == nil || p.Account == nil {
		return ErrInvalidToken
	}
	return nil
}
