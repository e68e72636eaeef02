// Package introspection resolves upstream access tokens into claims by
// calling an RFC 7662 introspection endpoint.
package introspection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ngaddam369/token-exchange/internal/metrics"
	"github.com/ngaddam369/token-exchange/internal/tracing"
)

var (
	// ErrUpstreamUnavailable is returned for network failures, non-200
	// responses and undecodable bodies.
	ErrUpstreamUnavailable = errors.New("introspection endpoint unavailable")

	// ErrInactive is returned when the upstream reports the token inactive.
	ErrInactive = errors.New("token is not active")

	// ErrNoIdentity is returned when an active token has neither sub nor email.
	ErrNoIdentity = errors.New("token has no sub or email")
)

// Introspector resolves a token into claims.
type Introspector interface {
	Introspect(ctx context.Context, token string) (Claims, error)
}

// Claims is the subset of the upstream response the exchange needs.
type Claims struct {
	Active    bool
	Subject   string
	Email     string
	Scopes    []string
	TokenID   string
	Audiences []string
	MayAct    json.RawMessage
}

// HasScope reports whether s is one of the token's scopes.
func (c Claims) HasScope(s string) bool {
	for _, have := range c.Scopes {
		if have == s {
			return true
		}
	}
	return false
}

// BoundTo reports whether the token was issued for audience. A string claim
// must equal it; an array claim must contain it.
func (c Claims) BoundTo(audience string) bool {
	for _, a := range c.Audiences {
		if a == audience {
			return true
		}
	}
	return false
}

// Config configures an HTTP Client.
type Config struct {
	EndpointURL  string
	ClientID     string
	ClientSecret string

	// AudienceClaim names the claim identifying the service the upstream
	// token was issued for. Defaults to "aud".
	AudienceClaim string

	// Timeout bounds each upstream call. Defaults to 5s.
	Timeout time.Duration

	HTTPClient *http.Client
	Metrics    *metrics.Metrics
}

// Client is an Introspector backed by an upstream HTTP endpoint.
// Concurrent introspections of the same token share one upstream call.
type Client struct {
	endpoint      string
	clientID      string
	clientSecret  string
	audienceClaim string
	timeout       time.Duration
	http          *http.Client
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	group         singleflight.Group
}

var _ Introspector = (*Client)(nil)

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.EndpointURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid introspection endpoint %q", cfg.EndpointURL)
	}
	c := &Client{
		endpoint:      cfg.EndpointURL,
		clientID:      cfg.ClientID,
		clientSecret:  cfg.ClientSecret,
		audienceClaim: cfg.AudienceClaim,
		timeout:       cfg.Timeout,
		http:          cfg.HTTPClient,
		metrics:       cfg.Metrics,
		tracer:        tracing.Tracer(),
	}
	if c.audienceClaim == "" {
		c.audienceClaim = "aud"
	}
	if c.timeout <= 0 {
		c.timeout = 5 * time.Second
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c, nil
}

// Introspect returns the claims of an active token carrying an identity.
func (c *Client) Introspect(ctx context.Context, token string) (Claims, error) {
	if token == "" {
		return Claims{}, ErrInactive
	}
	v, err, _ := c.group.Do(token, func() (any, error) {
		// Detached from the first caller's cancellation so that one
		// aborted request does not fail the others waiting on it.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.introspect(ctx, token)
	})
	if err != nil {
		return Claims{}, err
	}
	claims := v.(Claims)
	claims.Scopes = append([]string(nil), claims.Scopes...)
	claims.Audiences = append([]string(nil), claims.Audiences...)
	return claims, nil
}

func (c *Client) introspect(ctx context.Context, token string) (claims Claims, err error) {
	ctx, span := c.tracer.Start(ctx, "introspection.upstream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", c.endpoint)))
	start := time.Now()
	defer func() {
		result := "active"
		switch {
		case errors.Is(err, ErrUpstreamUnavailable):
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "upstream unavailable")
		case err != nil:
			result = "inactive"
		}
		c.metrics.Upstream(result, time.Since(start))
		span.End()
	}()

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: new request: %v", ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if c.clientID != "" {
		req.SetBasicAuth(url.QueryEscape(c.clientID), url.QueryEscape(c.clientSecret))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return Claims{}, fmt.Errorf("%w: unexpected HTTP status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&raw); err != nil {
		return Claims{}, fmt.Errorf("%w: decode response: %v", ErrUpstreamUnavailable, err)
	}
	return parseClaims(raw, c.audienceClaim)
}

// parseClaims normalises an RFC 7662 response body.
func parseClaims(raw map[string]json.RawMessage, audienceClaim string) (Claims, error) {
	var claims Claims
	if err := decodeOptional(raw, "active", &claims.Active); err != nil || !claims.Active {
		return Claims{}, ErrInactive
	}
	if err := decodeOptional(raw, "sub", &claims.Subject); err != nil {
		return Claims{}, fmt.Errorf("%w: sub: %v", ErrInactive, err)
	}
	if err := decodeOptional(raw, "email", &claims.Email); err != nil {
		return Claims{}, fmt.Errorf("%w: email: %v", ErrInactive, err)
	}
	if claims.Subject == "" && claims.Email == "" {
		return Claims{}, ErrNoIdentity
	}
	var scope string
	if err := decodeOptional(raw, "scope", &scope); err != nil {
		return Claims{}, fmt.Errorf("%w: scope: %v", ErrInactive, err)
	}
	claims.Scopes = uniqueFields(scope)
	if err := decodeOptional(raw, "jti", &claims.TokenID); err != nil {
		return Claims{}, fmt.Errorf("%w: jti: %v", ErrInactive, err)
	}
	claims.Audiences = audiences(raw[audienceClaim])
	if v, ok := raw["may_act"]; ok && string(v) != "null" {
		claims.MayAct = v
	}
	return claims, nil
}

func decodeOptional(raw map[string]json.RawMessage, key string, dst any) error {
	v, ok := raw[key]
	if !ok || string(v) == "null" {
		return nil
	}
	return json.Unmarshal(v, dst)
}

// audiences accepts a string or an array of strings.
func audiences(v json.RawMessage) []string {
	if len(v) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(v, &one); err == nil {
		if one == "" {
			return nil
		}
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(v, &many); err == nil {
		return many
	}
	return nil
}

func uniqueFields(s string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, f := range strings.Fields(s) {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
