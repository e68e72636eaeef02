package server_test

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/ngaddam369/token-exchange/internal/audit"
	"github.com/ngaddam369/token-exchange/internal/exchange"
	"github.com/ngaddam369/token-exchange/internal/introspection"
	"github.com/ngaddam369/token-exchange/internal/policy/policytest"
	"github.com/ngaddam369/token-exchange/internal/server"
	"github.com/ngaddam369/token-exchange/internal/token"
	"github.com/ngaddam369/token-exchange/internal/tokenstore"
)

var signingKey = sync.OnceValue(func() *rsa.PrivateKey {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return k
})

type fakeIntrospector map[string]introspection.Claims

func (f fakeIntrospector) Introspect(_ context.Context, tok string) (introspection.Claims, error) {
	if tok == "upstream-down" {
		return introspection.Claims{}, introspection.ErrUpstreamUnavailable
	}
	c, ok := f[tok]
	if !ok {
		return introspection.Claims{}, introspection.ErrInactive
	}
	return c, nil
}

var upstream = fakeIntrospector{
	"user-token": {
		Active:    true,
		Subject:   "user-1",
		Email:     "user@example.com",
		Scopes:    []string{"orders.read", "payments.write"},
		TokenID:   "upstream-jti",
		Audiences: []string{"service-a"},
	},
	"admin-token": {
		Active:    true,
		Subject:   "admin-1",
		Scopes:    []string{"admin"},
		Audiences: []string{"service-a"},
	},
}

// --- test helpers ---

type harness struct {
	t        *testing.T
	handler  http.Handler
	keys     *token.KeySet
	auditLog *bytes.Buffer

	mu  sync.Mutex
	now time.Time
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func newHarness(t *testing.T, rps float64, burst int) *harness {
	t.Helper()
	h := &harness{t: t, now: time.Unix(1_700_000_000, 0), auditLog: &bytes.Buffer{}}

	credStore := policytest.NewStore(t, policytest.Scenario)

	tokens, err := tokenstore.OpenBolt(filepath.Join(t.TempDir(), "tokens.bolt"), tokenstore.Options{Now: h.clock})
	if err != nil {
		t.Fatalf("open token store: %v", err)
	}
	t.Cleanup(func() { tokens.Close() })

	h.keys, err = token.NewKeySet("RS256", "k1", map[string]crypto.Signer{"k1": signingKey()})
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}
	gen := token.NewGenerator(h.keys, "https://exchange.example.com")

	engine := exchange.New(exchange.Config{
		Enabled:          true,
		DefaultExpiresIn: time.Hour,
		MaxExpiresIn:     24 * time.Hour,
		AllowedTypes:     []token.Type{token.TypeAccessToken, token.TypeJWT},
	}, exchange.Deps{
		Policy:       credStore,
		Introspector: upstream,
		Tokens:       tokens,
		Generator:    gen,
		Now:          h.clock,
	})

	h.handler = server.New(server.Config{
		Engine:            engine,
		Tokens:            tokens,
		Generator:         gen,
		Credentials:       credStore,
		Audit:             audit.New(h.auditLog),
		Logger:            zerolog.Nop(),
		RequestsPerSecond: rps,
		Burst:             burst,
		Now:               h.clock,
	}).Handler()
	return h
}

func basic(id, secret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(id+":"+secret))
}

func (h *harness) post(path, clientID, secret string, form url.Values) *httptest.ResponseRecorder {
	h.t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if clientID != "" {
		req.Header.Set("Authorization", basic(clientID, secret))
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) postJSON(path string, body string) *httptest.ResponseRecorder {
	h.t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", basic("client-a", "secret-a"))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func exchangeForm(subjectToken string, extra ...string) url.Values {
	form := url.Values{
		"grant_type":         {token.GrantTypeTokenExchange},
		"subject_token":      {subjectToken},
		"subject_token_type": {token.TokenTypeAccessToken},
	}
	for i := 0; i+1 < len(extra); i += 2 {
		form.Set(extra[i], extra[i+1])
	}
	return form
}

type exchangeBody struct {
	AccessToken     string       `json:"access_token"`
	IssuedTokenType string       `json:"issued_token_type"`
	TokenType       string       `json:"token_type"`
	ExpiresIn       int64        `json:"expires_in"`
	Scope           string       `json:"scope"`
	Grants          token.Grants `json:"grants"`
	Error           string       `json:"error"`
	Description     string       `json:"error_description"`
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return v
}

func (h *harness) exchange(extra ...string) exchangeBody {
	h.t.Helper()
	rec := h.post(server.ExchangeRoute, "client-a", "secret-a", exchangeForm("user-token", extra...))
	if rec.Code != http.StatusOK {
		h.t.Fatalf("exchange status = %d, body %s", rec.Code, rec.Body.String())
	}
	return decodeBody[exchangeBody](h.t, rec)
}

func (h *harness) introspect(tok string) map[string]any {
	h.t.Helper()
	rec := h.post(server.IntrospectRoute, "client-b", "secret-b", url.Values{"token": {tok}})
	if rec.Code != http.StatusOK {
		h.t.Fatalf("introspect status = %d, body %s", rec.Code, rec.Body.String())
	}
	return decodeBody[map[string]any](h.t, rec)
}

// --- tests ---

func TestExchangeEndpoint(t *testing.T) {
	h := newHarness(t, 0, 0)
	rec := h.post(server.ExchangeRoute, "client-a", "secret-a", exchangeForm("user-token", "audience", "service-b"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	if rec.Header().Get(server.CorrelationIDHeader) == "" {
		t.Error("no correlation id header")
	}

	body := decodeBody[exchangeBody](t, rec)
	if body.AccessToken == "" {
		t.Fatal("empty access_token")
	}
	if body.IssuedTokenType != token.TokenTypeAccessToken || body.TokenType != "Bearer" || body.ExpiresIn != 3600 {
		t.Errorf("got issued_token_type=%q token_type=%q expires_in=%d", body.IssuedTokenType, body.TokenType, body.ExpiresIn)
	}
	if body.Scope != "orders.read payments.write" {
		t.Errorf("scope = %q, want %q", body.Scope, "orders.read payments.write")
	}
	want := token.Grants{"service-b": {
		{Scope: "orders.read"},
		{Scope: "payments.write", Throttle: token.Throttle{Rate: "5/h"}},
	}}
	if diff := cmp.Diff(want, body.Grants); diff != "" {
		t.Errorf("grants mismatch (-want +got):\n%s", diff)
	}

	// The empty throttle is serialized as an object, never omitted.
	if !strings.Contains(rec.Body.String(), `{"scope":"orders.read","throttle":{}}`) {
		t.Errorf("body %s lacks an empty throttle object", rec.Body.String())
	}
}

func TestExchangeEndpointJSONBody(t *testing.T) {
	tests := []struct {
		name       string
		expiresIn  string
		wantStatus int
	}{
		{"integer", "600", http.StatusOK},
		{"integral float", "600.0", http.StatusOK},
		{"exponent", "6e2", http.StatusOK},
		{"fraction", "600.5", http.StatusBadRequest},
		{"boolean", "true", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 0, 0)
			body := fmt.Sprintf(`{
				"grant_type": %q,
				"subject_token": "admin-token",
				"subject_token_type": %q,
				"audience": ["service-b"],
				"scope": "action:upload-transcript",
				"expires_in": %s
			}`, token.GrantTypeTokenExchange, token.TokenTypeAccessToken, tt.expiresIn)

			rec := h.postJSON(server.ExchangeRoute+"/", body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			got := decodeBody[exchangeBody](t, rec)
			if got.ExpiresIn != 600 {
				t.Errorf("expires_in = %d, want 600", got.ExpiresIn)
			}
			want := token.Grants{"service-b": {
				{Scope: "files.write", Throttle: token.Throttle{Rate: "10/h"}},
				{Scope: "transcripts.create", Throttle: token.Throttle{Rate: "5/h"}},
			}}
			if diff := cmp.Diff(want, got.Grants); diff != "" {
				t.Errorf("grants mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExchangeEndpointJWT(t *testing.T) {
	h := newHarness(t, 0, 0)
	body := h.exchange("audience", "service-b", "requested_token_type", token.TokenTypeJWT)
	if body.IssuedTokenType != token.TokenTypeJWT {
		t.Errorf("issued_token_type = %q", body.IssuedTokenType)
	}

	claims := &token.Claims{}
	parsed, err := jwt.ParseWithClaims(body.AccessToken, claims, func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		pub, ok := h.keys.PublicKey(kid)
		if !ok {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return pub, nil
	}, jwt.WithTimeFunc(h.clock))
	if err != nil {
		t.Fatalf("parse JWT: %v", err)
	}
	if parsed.Header["alg"] != "RS256" || parsed.Header["kid"] != "k1" {
		t.Errorf("header = %v, want alg RS256 and kid k1", parsed.Header)
	}
	if diff := cmp.Diff([]string{"service-b"}, []string(claims.Audience)); diff != "" {
		t.Errorf("aud mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"orders.read", "payments.write"}, claims.Scope); diff != "" {
		t.Errorf("scope mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(body.Grants, claims.Grants); diff != "" {
		t.Errorf("grants claim mismatch (-response +claim):\n%s", diff)
	}
}

func TestExchangeEndpointErrors(t *testing.T) {
	tests := []struct {
		name       string
		form       url.Values
		wantStatus int
		wantError  string
	}{
		{"unknown audience", exchangeForm("user-token", "audience", "service-unknown"), http.StatusBadRequest, "invalid_target"},
		{"refresh token requested", exchangeForm("user-token", "requested_token_type", token.TokenTypeRefreshToken), http.StatusBadRequest, "invalid_request"},
		{"wrong grant type", url.Values{"grant_type": {"password"}}, http.StatusBadRequest, "invalid_request"},
		{"inactive subject token", exchangeForm("revoked-token", "audience", "service-b"), http.StatusBadRequest, "invalid_token"},
		{"upstream down", exchangeForm("upstream-down", "audience", "service-b"), http.StatusServiceUnavailable, "temporarily_unavailable"},
		{"action denied", exchangeForm("user-token", "audience", "service-b", "scope", "action:upload-transcript"), http.StatusBadRequest, "invalid_target"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 0, 0)
			rec := h.post(server.ExchangeRoute, "client-a", "secret-a", tt.form)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			body := decodeBody[exchangeBody](t, rec)
			if body.Error != tt.wantError || body.Description == "" {
				t.Errorf("error = %q (%q), want %q with a description", body.Error, body.Description, tt.wantError)
			}
			if body.AccessToken != "" {
				t.Error("error response carries an access token")
			}
		})
	}
}

func TestExchangeEndpointUnsupportedBody(t *testing.T) {
	h := newHarness(t, 0, 0)
	req := httptest.NewRequest(http.MethodPost, server.ExchangeRoute, strings.NewReader("<xml/>"))
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Authorization", basic("client-a", "secret-a"))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := decodeBody[exchangeBody](t, rec).Error; got != "invalid_request" {
		t.Errorf("error = %q, want invalid_request", got)
	}
}

func TestAuthentication(t *testing.T) {
	tests := []struct {
		name           string
		route          string
		clientID, pass string
	}{
		{"exchange without credentials", server.ExchangeRoute, "", ""},
		{"introspect without credentials", server.IntrospectRoute, "", ""},
		{"revoke without credentials", server.RevokeRoute, "", ""},
		{"wrong secret", server.ExchangeRoute, "client-a", "nope"},
		{"unknown client", server.ExchangeRoute, "client-x", "secret-a"},
		{"inactive client", server.ExchangeRoute, "client-d", "secret-d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 0, 0)
			rec := h.post(tt.route, tt.clientID, tt.pass, exchangeForm("user-token"))
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
			if got := decodeBody[exchangeBody](t, rec).Error; got != "invalid_client" {
				t.Errorf("error = %q, want invalid_client", got)
			}
		})
	}
}

func TestIntrospectIssuedToken(t *testing.T) {
	for _, typ := range []string{token.TokenTypeAccessToken, token.TokenTypeJWT} {
		t.Run(typ, func(t *testing.T) {
			h := newHarness(t, 0, 0)
			issued := h.exchange("audience", "service-b", "requested_token_type", typ)

			got := h.introspect(issued.AccessToken)
			want := map[string]any{
				"active":     true,
				"scope":      "orders.read payments.write",
				"username":   "user@example.com",
				"token_type": "Bearer",
				"exp":        float64(h.clock().Add(time.Hour).Unix()),
				"iat":        float64(h.clock().Unix()),
				"sub":        "user-1",
				"email":      "user@example.com",
				"aud":        []any{"service-b"},
				"client_id":  "client-a",
			}
			jti, _ := got["jti"].(string)
			if jti == "" {
				t.Error("introspection response has no jti")
			}
			delete(got, "jti")
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("introspection mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestIntrospectInactive(t *testing.T) {
	h := newHarness(t, 0, 0)
	issued := h.exchange("audience", "service-b")

	cases := map[string]url.Values{
		"missing token": {},
		"empty token":   {"token": {""}},
		"unknown token": {"token": {"never-issued"}},
	}
	for name, form := range cases {
		t.Run(name, func(t *testing.T) {
			rec := h.post(server.IntrospectRoute, "client-b", "secret-b", form)
			if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"active":false}` {
				t.Errorf("got %d %s, want 200 {\"active\":false}", rec.Code, rec.Body.String())
			}
		})
	}

	t.Run("expired", func(t *testing.T) {
		if got := h.introspect(issued.AccessToken); got["active"] != true {
			t.Fatalf("token inactive before expiry: %v", got)
		}
		h.advance(time.Hour)
		if got := h.introspect(issued.AccessToken); got["active"] != false {
			t.Errorf("token active at expiry: %v", got)
		}
	})
}

func TestRevoke(t *testing.T) {
	h := newHarness(t, 0, 0)
	issued := h.exchange("audience", "service-b")

	for i := range 2 {
		rec := h.post(server.RevokeRoute, "client-b", "secret-b", url.Values{"token": {issued.AccessToken}})
		if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
			t.Fatalf("revoke %d: got %d %q, want 200 with empty body", i, rec.Code, rec.Body.String())
		}
		if got := h.introspect(issued.AccessToken); got["active"] != false {
			t.Errorf("after revoke %d: introspection = %v", i, got)
		}
	}

	if !strings.Contains(h.auditLog.String(), `"event":"token.revoke"`) {
		t.Error("no revocation audit entry")
	}
}

func TestRevokeAlwaysSucceeds(t *testing.T) {
	h := newHarness(t, 0, 0)
	cases := []struct {
		name        string
		contentType string
		body        string
	}{
		{"unknown token", "application/x-www-form-urlencoded", "token=never-issued"},
		{"missing token", "application/x-www-form-urlencoded", "token_type_hint=access_token"},
		{"garbage json", "application/json", "{"},
		{"unsupported content type", "text/plain", "token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, server.RevokeRoute+"/", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", tc.contentType)
			req.Header.Set("Authorization", basic("client-b", "secret-b"))
			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
				t.Errorf("got %d %q, want 200 with empty body", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, 0.001, 1)
	h.exchange("audience", "service-b")

	rec := h.post(server.ExchangeRoute, "client-a", "secret-a", exchangeForm("user-token", "audience", "service-b"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if got := decodeBody[exchangeBody](t, rec).Error; got != "slow_down" {
		t.Errorf("error = %q, want slow_down", got)
	}

	// Buckets are per caller and introspection is not limited.
	if got := h.introspect("anything"); got["active"] != false {
		t.Errorf("introspection = %v", got)
	}
}

func TestJWKS(t *testing.T) {
	h := newHarness(t, 0, 0)
	req := httptest.NewRequest(http.MethodGet, server.JWKSRoute, nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(rec.Body, 1<<16)).Decode(&set); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(set.Keys) != 1 || set.Keys[0]["kid"] != "k1" || set.Keys[0]["kty"] != "RSA" {
		t.Errorf("keys = %v, want one RSA key k1", set.Keys)
	}
	if _, ok := set.Keys[0]["d"]; ok {
		t.Error("JWKS leaks the private exponent")
	}
}

func TestCorrelationIDPropagates(t *testing.T) {
	h := newHarness(t, 0, 0)
	req := httptest.NewRequest(http.MethodPost, server.IntrospectRoute, strings.NewReader("token=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", basic("client-b", "secret-b"))
	req.Header.Set(server.CorrelationIDHeader, "req-123")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get(server.CorrelationIDHeader); got != "req-123" {
		t.Errorf("correlation id = %q, want req-123", got)
	}
	if !strings.Contains(h.auditLog.String(), `"correlation_id":"req-123"`) {
		t.Errorf("audit log lacks the correlation id: %s", h.auditLog.String())
	}
}

func TestCORSAllowList(t *testing.T) {
	tests := []struct {
		name     string
		origin   string
		wantCORS string
	}{
		{"listed origin", "https://app.example.com", "https://app.example.com"},
		{"unlisted origin", "https://evil.example.com", ""},
		{"no origin", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 0, 0)
			req := httptest.NewRequest(http.MethodPost, server.IntrospectRoute, strings.NewReader("token=x"))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.Header.Set("Authorization", basic("client-a", "secret-a"))
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantCORS {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantCORS)
			}
		})
	}
}
