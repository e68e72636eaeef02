// Package auth authenticates calling services with HTTP Basic client
// credentials and carries the resolved caller through the request context.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ngaddam369/token-exchange/internal/metrics"
	"github.com/ngaddam369/token-exchange/internal/policy"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")

	ErrNoCredentials  = fmt.Errorf("%w: no basic credentials", ErrNotAuthenticated)
	ErrMalformed      = fmt.Errorf("%w: malformed basic credentials", ErrNotAuthenticated)
	ErrUnknownClient  = fmt.Errorf("%w: unknown client", ErrNotAuthenticated)
	ErrInactiveClient = fmt.Errorf("%w: inactive client", ErrNotAuthenticated)
	ErrBadSecret      = fmt.Errorf("%w: secret mismatch", ErrNotAuthenticated)
)

// unknownClientHash is compared against when the client id does not exist
// so that the response time does not reveal which ids are registered.
var unknownClientHash = policy.HashSecret("unknown-client")

// CredentialStore looks up service credentials by client id.
type CredentialStore interface {
	Credentials(ctx context.Context, clientID string) (policy.Credentials, error)
}

// Caller is an authenticated calling service.
type Caller struct {
	ClientID string
	Audience string

	// AllowedOrigins lists the browser origins the caller may be used from.
	AllowedOrigins []string
}

// AllowsOrigin reports whether origin is on the caller's allow-list.
func (c Caller) AllowsOrigin(origin string) bool {
	return origin != "" && slices.Contains(c.AllowedOrigins, origin)
}

type callerKey struct{}

// WithCaller returns a copy of ctx carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext returns the caller attached by Middleware.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// ParseBasic decodes an Authorization header value. Client id and secret
// are form-urlencoded per RFC 6749 section 2.3.1.
func ParseBasic(header string) (clientID, secret string, err error) {
	if header == "" {
		return "", "", ErrNoCredentials
	}
	scheme, payload, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return "", "", ErrNoCredentials
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return "", "", ErrMalformed
	}
	id, sec, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return "", "", ErrMalformed
	}
	if id, err = url.QueryUnescape(id); err != nil {
		return "", "", ErrMalformed
	}
	if sec, err = url.QueryUnescape(sec); err != nil {
		return "", "", ErrMalformed
	}
	return id, sec, nil
}

// Authenticate resolves the caller from an Authorization header value.
// Store failures other than ErrNotFound are returned unwrapped so that
// callers can tell an outage from bad credentials.
func Authenticate(ctx context.Context, store CredentialStore, header string) (Caller, error) {
	clientID, secret, err := ParseBasic(header)
	if err != nil {
		return Caller{}, err
	}
	creds, err := store.Credentials(ctx, clientID)
	if errors.Is(err, policy.ErrNotFound) {
		policy.CompareSecret(unknownClientHash, secret)
		return Caller{}, ErrUnknownClient
	}
	if err != nil {
		return Caller{}, fmt.Errorf("look up client %q: %w", clientID, err)
	}
	if !policy.CompareSecret(creds.SecretHash, secret) {
		return Caller{}, ErrBadSecret
	}
	if !creds.Active {
		return Caller{}, ErrInactiveClient
	}
	return Caller{ClientID: creds.ClientID, Audience: creds.Audience, AllowedOrigins: creds.AllowedOrigins}, nil
}

// FailureFunc writes the response for a request that failed authentication.
type FailureFunc func(w http.ResponseWriter, r *http.Request, err error)

// Middleware authenticates every request and attaches the Caller to its
// context. Requests that fail are answered by onFailure.
func Middleware(store CredentialStore, m *metrics.Metrics, onFailure FailureFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := Authenticate(r.Context(), store, r.Header.Get("Authorization"))
			m.Authentication(err == nil)
			if err != nil {
				onFailure(w, r, err)
				return
			}
			ctx := WithCaller(r.Context(), caller)
			zerolog.Ctx(ctx).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("client_id", caller.ClientID).Str("caller", caller.Audience)
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
