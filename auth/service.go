package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken signals a bearer token that failed verification.
var ErrInvalidToken = errors.New("auth: invalid token")

// MissingProfilePolicy decides what happens when an actor has no stored profile.
type MissingProfilePolicy interface {
	OnMissingProfile(actorID string) (Role, error)
}

// FallbackRole resolves actors without a profile to the given role.
type FallbackRole Role

func (f FallbackRole) OnMissingProfile(string) (Role, error) {
	return Role(f), nil
}

// StrictProfile surfaces ErrProfileNotFound to the caller.
type StrictProfile struct{}

func (StrictProfile) OnMissingProfile(string) (Role, error) {
	return "", ErrProfileNotFound
}

// DefaultMissingProfilePolicy keeps the workflow available for actors whose
// profile row has not been written yet.
var DefaultMissingProfilePolicy MissingProfilePolicy = FallbackRole(RoleAgent)

// Resolver maps an authenticated actor to a role.
type Resolver struct {
	repo    Repository
	missing MissingProfilePolicy
}

// NewResolver builds a Resolver. A nil policy selects DefaultMissingProfilePolicy.
func NewResolver(repo Repository, missing MissingProfilePolicy) *Resolver {
	if missing == nil {
		missing = DefaultMissingProfilePolicy
	}
	return &Resolver{repo: repo, missing: missing}
}

// ResolveRole returns the stored role for actorID.
func (r *Resolver) ResolveRole(ctx context.Context, actorID string) (Role, error) {
	if strings.TrimSpace(actorID) == "" {
		return "", fmt.Errorf("auth: missing actor id")
	}

	profile, err := r.repo.GetProfileByID(ctx, actorID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			role, perr := r.missing.OnMissingProfile(actorID)
			if perr != nil {
				return "", perr
			}
			log.Printf("auth: no profile for actor %s, resolved role %s by policy", actorID, role)
			return role, nil
		}
		return "", err
	}

	return profile.Role, nil
}

// TokenVerifier validates HS256 bearer tokens issued by the identity provider.
type TokenVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewTokenVerifier creates a verifier for tokens signed with secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// Verify validates a token and returns the actor ID carried in its subject.
func (v *TokenVerifier) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return subject, nil
}

// Issue signs a token for actorID. Tokens are normally minted by the identity
// provider; this is used by local tooling and tests.
func (v *TokenVerifier) Issue(actorID string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   actorID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
