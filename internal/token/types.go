package token

import "fmt"

// URNs from RFC 8693 section 3.
const (
	GrantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"

	TokenTypeAccessToken  = "urn:ietf:params:oauth:token-type:access_token"
	TokenTypeRefreshToken = "urn:ietf:params:oauth:token-type:refresh_token"
	TokenTypeJWT          = "urn:ietf:params:oauth:token-type:jwt"
)

// Type is the shape of an exchanged token. Both shapes share one storage
// row; a JWT additionally records the kid it was signed with.
type Type string

const (
	TypeAccessToken Type = "access_token"
	TypeJWT         Type = "jwt"
)

// URN returns the RFC 8693 token type identifier for t.
func (t Type) URN() string {
	if t == TypeJWT {
		return TokenTypeJWT
	}
	return TokenTypeAccessToken
}

// ParseType accepts either the short name or the URN.
func ParseType(s string) (Type, error) {
	switch s {
	case string(TypeAccessToken), TokenTypeAccessToken:
		return TypeAccessToken, nil
	case string(TypeJWT), TokenTypeJWT:
		return TypeJWT, nil
	}
	return "", fmt.Errorf("unsupported token type %q", s)
}

// Throttle is a downstream rate hint. The rate string is opaque here and
// only enforced by resource servers. An unset rate encodes as {}.
type Throttle struct {
	Rate string `json:"rate,omitempty" cbor:"rate,omitempty"`
}

// Grant is one scope granted on an audience.
type Grant struct {
	Scope    string   `json:"scope" cbor:"scope"`
	Throttle Throttle `json:"throttle" cbor:"throttle"`
}

// Grants maps an audience id to the scopes granted on it, in grant order.
type Grants map[string][]Grant

// Scopes returns the distinct scopes across all audiences in the order the
// audiences are listed.
func (g Grants) Scopes(audiences []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, aud := range audiences {
		for _, gr := range g[aud] {
			if _, ok := seen[gr.Scope]; ok {
				continue
			}
			seen[gr.Scope] = struct{}{}
			out = append(out, gr.Scope)
		}
	}
	return out
}
