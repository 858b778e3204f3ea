package account

import "time"

// Role is the capability level of an account. A token carries the role of its
// owner at issuance time as its only ability.
type Role string

const (
	RoleStandard      Role = "standard"
	RoleManager       Role = "manager"
	RoleAdministrator Role = "administrator"
)

// Roles lists every assignable role.
var Roles = []Role{RoleStandard, RoleManager, RoleAdministrator}

func (r Role) Valid() bool {
	for _, v := range Roles {
		if v == r {
			return true
		}
	}
	return false
}

// Account represents a registered user. The password hash and the remember
// token never leave the process.
type Account struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	Phone         *string   `json:"phone"`
	PasswordHash  string    `json:"-"`
	Role          Role      `json:"role"`
	Approved      bool      `json:"approved"`
	Provider      string    `json:"provider,omitempty"`
	ProviderID    string    `json:"provider_id,omitempty"`
	AvatarURL     string    `json:"avatar_url,omitempty"`
	RememberToken *string   `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone returns a deep copy, so stores can hand out rows without aliasing.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	if a.Phone != nil {
		p := *a.Phone
		c.Phone = &p
	}
	if a.RememberToken != nil {
		t := *a.RememberToken
		c.RememberToken = &t
	}
	return &c
}

// Token is the stored half of a bearer token. Only the SHA-256 of the secret
// is persisted.
type Token struct {
	ID         string
	AccountID  int64
	SecretHash string
	Abilities  []string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}

func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// Identity holds the uniquely-constrained fields of an account. Empty fields
// are ignored by uniqueness probes.
type Identity struct {
	Name  string
	Email string
	Phone string
}

// ExternalProfile is what a federated identity provider returns for the
// signed-in user.
type ExternalProfile struct {
	Provider  string
	Subject   string
	Name      string
	Email     string
	AvatarURL string
}

// Principal is the authenticated caller of an operation, resolved from a
// bearer token.
type Principal struct {
	Account   *Account
	TokenID   string
	Abilities []string
}

// Session is the outcome of a successful sign-in.
type Session struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type"`
	Account     *Account `json:"user"`
}

// TokenTypeBearer is the token type marker returned with every session.
const TokenTypeBearer = "Bearer"
