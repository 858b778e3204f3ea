package account

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

const tokenSecretBytes = 20

// newToken mints a bearer token of the form "<uuid>|<secret>". The returned
// Token holds only the hash of the secret.
func newToken(accountID int64, abilities []string, ttl time.Duration, now time.Time) (string, *Token, error) {
	secret, err := genToken(tokenSecretBytes)
	if err != nil {
		return "", nil, err
	}
	t := &Token{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		SecretHash: hashSecret(secret),
		Abilities:  append([]string(nil), abilities...),
		CreatedAt:  now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		t.ExpiresAt = &exp
	}
	return t.ID + "|" + secret, t, nil
}

// splitToken separates a presented bearer token into id and secret.
func splitToken(plain string) (id, secret string, ok bool) {
	id, secret, ok = strings.Cut(strings.TrimSpace(plain), "|")
	if !ok || secret == "" {
		return "", "", false
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", "", false
	}
	return id, secret, true
}

func (t *Token) matches(secret string) bool {
	return subtle.ConstantTimeCompare([]byte(t.SecretHash), []byte(hashSecret(secret))) == 1
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
