// Package auth implements the admin-capability check every ControlPlane
// command prologue requires (spec.md §4.7 step 1, §6 "require
// CAP_NET_ADMIN").
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/clsplane/clsplane/internal/xerrors"
)

// Claims is the admin-capability token payload: a namespace scope plus
// the standard registered claims.
type Claims struct {
	Namespace string `json:"ns"`
	Admin     bool   `json:"admin"`
	jwt.RegisteredClaims
}

// Checker verifies a bearer token grants admin capability within a
// namespace (spec.md §4.7 step 1: "admin capability on the originating
// user-namespace").
type Checker struct {
	secret []byte
}

func NewChecker(secret []byte) *Checker {
	return &Checker{secret: secret}
}

type ctxKey struct{}

// WithToken attaches a raw bearer token to ctx for RequireAdmin to read.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ctxKey{}, token)
}

// RequireAdmin parses and validates the token carried on ctx and checks
// it grants admin capability for namespace. control.Plane calls it for
// the mutating commands only (NewFilter, DelFilter, NewChain, DelChain);
// GetFilter, GetChain, DumpFilter and DumpChain do not call it.
func (c *Checker) RequireAdmin(ctx context.Context, namespace string) error {
	raw, _ := ctx.Value(ctxKey{}).(string)
	if raw == "" {
		return xerrors.Permission("missing admin token")
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return c.secret, nil
	})
	if err != nil {
		return xerrors.Permission("invalid admin token: " + err.Error())
	}
	if !claims.Admin || claims.Namespace != namespace {
		return xerrors.Permission("token does not grant admin capability on namespace " + namespace)
	}
	return nil
}

// Issue mints a token for tests and local tooling; production admission
// is expected to come from an external issuer.
func (c *Checker) Issue(namespace string, ttl time.Duration) (string, error) {
	claims := &Claims{
		Namespace: namespace,
		Admin:     true,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(c.secret)
}
