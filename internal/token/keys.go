package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"sort"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnknownKey is a configuration error: the requested kid is not in the key set.
var ErrUnknownKey = errors.New("unknown signing key id")

// KeySet holds every signing key the service accepts and the one it mints with.
// It is immutable after construction; rotation builds a new KeySet.
type KeySet struct {
	method     jwt.SigningMethod
	keys       map[string]crypto.Signer
	currentKID string
}

// NewKeySet validates that alg is a known JWT algorithm, that every key
// matches its family and that currentKID is one of the keys. An empty
// currentKID is allowed only for a set used purely for verification.
func NewKeySet(alg, currentKID string, keys map[string]crypto.Signer) (*KeySet, error) {
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return nil, fmt.Errorf("unsupported jwt algorithm %q", alg)
	}
	cp := make(map[string]crypto.Signer, len(keys))
	for kid, k := range keys {
		if kid == "" {
			return nil, errors.New("signing key with empty kid")
		}
		if err := checkFamily(alg, k); err != nil {
			return nil, fmt.Errorf("key %q: %w", kid, err)
		}
		cp[kid] = k
	}
	if currentKID != "" {
		if _, ok := cp[currentKID]; !ok {
			return nil, fmt.Errorf("%w: current kid %q", ErrUnknownKey, currentKID)
		}
	}
	return &KeySet{method: method, keys: cp, currentKID: currentKID}, nil
}

func checkFamily(alg string, k crypto.Signer) error {
	var ok bool
	switch {
	case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"):
		_, ok = k.(*rsa.PrivateKey)
	case strings.HasPrefix(alg, "ES"):
		_, ok = k.(*ecdsa.PrivateKey)
	case alg == "EdDSA":
		_, ok = k.(ed25519.PrivateKey)
	}
	if !ok {
		return fmt.Errorf("key type %T does not match algorithm %s", k, alg)
	}
	return nil
}

// ParsePrivateKeyPEM decodes a PEM private key for the family of alg.
func ParsePrivateKeyPEM(alg string, pemBytes []byte) (crypto.Signer, error) {
	switch {
	case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"):
		return jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	case strings.HasPrefix(alg, "ES"):
		return jwt.ParseECPrivateKeyFromPEM(pemBytes)
	case alg == "EdDSA":
		k, err := jwt.ParseEdPrivateKeyFromPEM(pemBytes)
		if err != nil {
			return nil, err
		}
		signer, ok := k.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key type %T cannot sign", k)
		}
		return signer, nil
	}
	return nil, fmt.Errorf("unsupported jwt algorithm %q", alg)
}

// Algorithm returns the JWT alg header value.
func (s *KeySet) Algorithm() string { return s.method.Alg() }

// CurrentKID returns the kid new JWTs are signed with.
func (s *KeySet) CurrentKID() string { return s.currentKID }

// KIDs returns the configured key ids in sorted order.
func (s *KeySet) KIDs() []string {
	out := make([]string, 0, len(s.keys))
	for kid := range s.keys {
		out = append(out, kid)
	}
	sort.Strings(out)
	return out
}

func (s *KeySet) signer(kid string) (crypto.Signer, error) {
	k, ok := s.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
	}
	return k, nil
}

// PublicKey returns the verification key for kid.
func (s *KeySet) PublicKey(kid string) (crypto.PublicKey, bool) {
	k, ok := s.keys[kid]
	if !ok {
		return nil, false
	}
	return k.Public(), true
}

// JWKS returns the public half of every key as a JSON Web Key Set.
func (s *KeySet) JWKS() jose.JSONWebKeySet {
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(s.keys))}
	for _, kid := range s.KIDs() {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       s.keys[kid].Public(),
			KeyID:     kid,
			Algorithm: s.method.Alg(),
			Use:       "sig",
		})
	}
	return set
}
