// Package oauth carries the federated sign-in round trip: a signed state
// parameter bound to a browser cookie, and the identity providers that turn
// an authorization code into an account.ExternalProfile.
package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const (
	DefaultStateTTL = 10 * time.Minute
	stateIssuer     = "logica"
)

var (
	ErrInvalidState  = errors.New("invalid oauth state")
	ErrStateMismatch = errors.New("oauth state does not match this browser")
)

type stateClaims struct {
	jwt.RegisteredClaims
	Provider string `json:"prv"`
	// NonceHash is the SHA-256 of the nonce kept in the browser cookie. It
	// doubles as the PKCE verifier, so only its hash travels in the URL.
	NonceHash string `json:"nh"`
}

// StateSigner issues and verifies HS256-signed state parameters.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewStateSigner(secret []byte, ttl time.Duration) (*StateSigner, error) {
	if len(secret) == 0 {
		return nil, errors.New("state secret must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateSigner{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue returns a state for provider and the nonce the caller must keep on
// the browser side. The nonce is a valid PKCE verifier.
func (s *StateSigner) Issue(provider string) (state, nonce string, err error) {
	nonce = oauth2.GenerateVerifier()
	now := s.now()
	claims := stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    stateIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Provider:  provider,
		NonceHash: hashNonce(nonce),
	}
	state, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", fmt.Errorf("signing state: %w", err)
	}
	return state, nonce, nil
}

// Verify checks the signature and expiry of state and that it was issued
// for provider together with nonce.
func (s *StateSigner) Verify(state, nonce, provider string) error {
	if state == "" || nonce == "" {
		return ErrInvalidState
	}
	claims := &stateClaims{}
	_, err := jwt.ParseWithClaims(state, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if claims.Provider != provider {
		return ErrStateMismatch
	}
	if subtle.ConstantTimeCompare([]byte(claims.NonceHash), []byte(hashNonce(nonce))) != 1 {
		return ErrStateMismatch
	}
	return nil
}

func hashNonce(nonce string) string {
	sum := sha256.Sum256([]byte(nonce))
	return hex.EncodeToString(sum[:])
}
