// Package token mints opaque access tokens and signed JWTs for exchange
// results, and verifies JWTs against the configured key set.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// opaqueBytes is the entropy of an opaque token: 256 bits.
const opaqueBytes = 32

// ErrInvalidToken is returned by Verify for any JWT that does not verify
// against the key set.
var ErrInvalidToken = errors.New("invalid token")

// Actor identifies the acting party of a delegated token (RFC 8693 act claim).
type Actor struct {
	Subject string `json:"sub,omitempty"`
	Email   string `json:"email,omitempty"`
}

// Claims is the claim set of an exchanged JWT. aud is always an array and
// scope is always an array of strings.
type Claims struct {
	Email  string          `json:"email,omitempty"`
	Scope  []string        `json:"scope"`
	Grants Grants          `json:"grants,omitempty"`
	Act    *Actor          `json:"act,omitempty"`
	MayAct json.RawMessage `json:"may_act,omitempty"`
	jwt.RegisteredClaims
}

// JWTRequest carries the inputs of MintJWT. An empty KeyID means the key
// set's current kid; a zero IssuedAt means now.
type JWTRequest struct {
	IssuedAt  time.Time
	Subject   string
	Email     string
	Audiences []string
	Scopes    []string
	Lifetime  time.Duration
	JTI       string
	KeyID     string
	Grants    Grants
	Actor     *Actor
	MayAct    json.RawMessage
}

// MintResult holds a signed JWT and the metadata stamped into it.
type MintResult struct {
	Token     string
	KeyID     string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Generator produces token material. It is safe for concurrent use.
type Generator struct {
	keys   *KeySet
	issuer string
	now    func() time.Time
}

// NewGenerator creates a Generator. keys may be nil when only opaque tokens
// are issued; JWT operations then fail with ErrUnknownKey.
func NewGenerator(keys *KeySet, issuer string) *Generator {
	return &Generator{keys: keys, issuer: issuer, now: time.Now}
}

// Keys returns the key set, or nil.
func (g *Generator) Keys() *KeySet { return g.keys }

// MintOpaque returns a URL-safe random string with 256 bits of entropy.
func (g *Generator) MintOpaque() (string, error) {
	buf := make([]byte, opaqueBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewTokenID returns a fresh jti.
func NewTokenID() string {
	return uuid.New().String()
}

// MintJWT signs a JWT with the key registered under req.KeyID.
func (g *Generator) MintJWT(req JWTRequest) (MintResult, error) {
	if g.keys == nil {
		return MintResult{}, fmt.Errorf("%w: no signing keys configured", ErrUnknownKey)
	}
	kid := req.KeyID
	if kid == "" {
		kid = g.keys.CurrentKID()
	}
	key, err := g.keys.signer(kid)
	if err != nil {
		return MintResult{}, err
	}

	jti := req.JTI
	if jti == "" {
		jti = NewTokenID()
	}
	now := req.IssuedAt
	if now.IsZero() {
		now = g.now()
	}
	now = now.UTC().Truncate(time.Second)
	exp := now.Add(req.Lifetime)

	scopes := req.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	claims := Claims{
		Email:  req.Email,
		Scope:  scopes,
		Grants: req.Grants,
		Act:    req.Actor,
		MayAct: req.MayAct,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.issuer,
			Subject:   req.Subject,
			Audience:  jwt.ClaimStrings(req.Audiences),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	}

	tok := jwt.NewWithClaims(g.keys.method, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	if err != nil {
		return MintResult{}, fmt.Errorf("sign token: %w", err)
	}

	return MintResult{
		Token:     signed,
		KeyID:     kid,
		TokenID:   jti,
		IssuedAt:  now,
		ExpiresAt: exp,
	}, nil
}

// Verify checks the signature of a JWT against the key named by its kid
// header. Expiry and revocation are not checked here.
func (g *Generator) Verify(tokenStr string) (*Claims, error) {
	if g.keys == nil {
		return nil, fmt.Errorf("%w: no verification keys configured", ErrInvalidToken)
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid header")
		}
		pub, ok := g.keys.PublicKey(kid)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{g.keys.Algorithm()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
