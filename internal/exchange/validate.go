package exchange

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ngaddam369/token-exchange/internal/policy"
	"github.com/ngaddam369/token-exchange/internal/token"
)

// Request is the exchange request as received on the wire.
type Request struct {
	GrantType          string `json:"grant_type"`
	SubjectToken       string `json:"subject_token"`
	SubjectTokenType   string `json:"subject_token_type"`
	RequestedTokenType string `json:"requested_token_type"`
	Audience           string `json:"audience"`
	Scope              string `json:"scope"`
	ExpiresIn          string `json:"expires_in"`
	ActorToken         string `json:"actor_token"`
	ActorTokenType     string `json:"actor_token_type"`
}

// Params is a syntactically valid exchange request.
type Params struct {
	SubjectToken string
	TokenType    token.Type

	// Audiences is nil when the client sent none.
	Audiences []string

	// Scopes holds ordinary scopes; Actions holds at most one action.
	// Both empty means best-effort mode.
	Scopes  []string
	Actions []string

	// ExpiresIn is zero when the client sent none.
	ExpiresIn time.Duration

	ActorToken     string
	ActorTokenType string
}

// BestEffort reports whether the client requested no scope at all.
func (p Params) BestEffort() bool {
	return len(p.Scopes) == 0 && len(p.Actions) == 0
}

// Limits bound what Validate accepts.
type Limits struct {
	MaxExpiresIn time.Duration
	AllowedTypes []token.Type
}

// Validate checks request shape: URNs, numeric bounds and the scope/action
// exclusivity. It does not consult policy.
func Validate(req Request, lim Limits) (Params, error) {
	switch {
	case req.GrantType == "":
		return Params{}, invalidRequest("grant_type is required")
	case req.GrantType != token.GrantTypeTokenExchange:
		return Params{}, invalidRequest("unsupported grant_type %q", req.GrantType)
	case req.SubjectToken == "":
		return Params{}, invalidRequest("subject_token is required")
	case req.SubjectTokenType == "":
		return Params{}, invalidRequest("subject_token_type is required")
	case req.SubjectTokenType != token.TokenTypeAccessToken:
		return Params{}, invalidRequest("unsupported subject_token_type %q", req.SubjectTokenType)
	}

	p := Params{
		SubjectToken: req.SubjectToken,
		TokenType:    token.TypeAccessToken,
		Audiences:    unique(strings.Fields(req.Audience)),
	}

	if req.RequestedTokenType != "" {
		if req.RequestedTokenType == token.TokenTypeRefreshToken {
			return Params{}, invalidRequest("refresh tokens cannot be requested")
		}
		t, err := token.ParseType(req.RequestedTokenType)
		if err != nil {
			return Params{}, invalidRequest("unsupported requested_token_type %q", req.RequestedTokenType)
		}
		p.TokenType = t
	}
	if len(lim.AllowedTypes) > 0 && !slices.Contains(lim.AllowedTypes, p.TokenType) {
		return Params{}, invalidRequest("requested_token_type %q is not allowed", p.TokenType.URN())
	}

	if req.ExpiresIn != "" {
		secs, err := strconv.ParseInt(req.ExpiresIn, 10, 64)
		if err != nil || secs <= 0 {
			return Params{}, invalidRequest("expires_in must be a positive integer")
		}
		if lim.MaxExpiresIn > 0 && secs > int64(lim.MaxExpiresIn/time.Second) {
			return Params{}, invalidRequest("expires_in exceeds the maximum of %d seconds", int64(lim.MaxExpiresIn/time.Second))
		}
		p.ExpiresIn = time.Duration(secs) * time.Second
	}

	if (req.ActorToken == "") != (req.ActorTokenType == "") {
		return Params{}, invalidRequest("actor_token and actor_token_type must be sent together")
	}
	if req.ActorToken != "" {
		if req.ActorTokenType != token.TokenTypeAccessToken && req.ActorTokenType != token.TokenTypeJWT {
			return Params{}, invalidRequest("unsupported actor_token_type %q", req.ActorTokenType)
		}
		p.ActorToken = req.ActorToken
		p.ActorTokenType = req.ActorTokenType
	}

	for _, s := range unique(strings.Fields(req.Scope)) {
		if policy.IsAction(s) {
			p.Actions = append(p.Actions, s)
		} else {
			p.Scopes = append(p.Scopes, s)
		}
	}
	if len(p.Actions) > 1 {
		return Params{}, invalidRequest("at most one action may be requested")
	}
	if len(p.Actions) == 1 && len(p.Scopes) > 0 {
		return Params{}, invalidRequest("an action cannot be combined with other scopes")
	}

	return p, nil
}

func unique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
