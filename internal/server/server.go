// Package server exposes the token exchange, introspection and revocation
// endpoints over HTTP.
package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ngaddam369/token-exchange/internal/audit"
	"github.com/ngaddam369/token-exchange/internal/auth"
	"github.com/ngaddam369/token-exchange/internal/exchange"
	"github.com/ngaddam369/token-exchange/internal/metrics"
	"github.com/ngaddam369/token-exchange/internal/token"
	"github.com/ngaddam369/token-exchange/internal/tokenstore"
)

// Routes served by Handler. Each POST route also answers with a trailing slash.
const (
	ExchangeRoute   = "/token/exchange"
	IntrospectRoute = "/token/introspect"
	RevokeRoute     = "/token/revoke"
	JWKSRoute       = "/.well-known/jwks.json"
)

// Config holds the collaborators of a Server.
type Config struct {
	Engine      *exchange.Engine
	Tokens      tokenstore.Store
	Generator   *token.Generator
	Credentials auth.CredentialStore
	Audit       *audit.Logger
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger

	// RequestsPerSecond and Burst size the per-caller exchange rate limit.
	// Zero disables it.
	RequestsPerSecond float64
	Burst             int

	// Now defaults to time.Now.
	Now func() time.Time
}

// Server implements the HTTP surface.
type Server struct {
	engine  *exchange.Engine
	tokens  tokenstore.Store
	gen     *token.Generator
	creds   auth.CredentialStore
	audit   *audit.Logger
	metrics *metrics.Metrics
	logger  zerolog.Logger
	limiter *callerLimiter
	now     func() time.Time
}

// New creates a Server.
func New(cfg Config) *Server {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		engine:  cfg.Engine,
		tokens:  cfg.Tokens,
		gen:     cfg.Generator,
		creds:   cfg.Credentials,
		audit:   cfg.Audit,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		limiter: newCallerLimiter(cfg.RequestsPerSecond, cfg.Burst, cfg.Metrics),
		now:     now,
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	authn := auth.Middleware(s.creds, s.metrics, s.authFailed)
	authenticated := func(next http.Handler) http.Handler { return authn(cors(next)) }

	mux := http.NewServeMux()
	post := func(route string, h http.Handler) {
		mux.Handle("POST "+route, h)
		mux.Handle("POST "+route+"/{$}", h)
	}
	post(ExchangeRoute, authenticated(s.limiter.middleware(http.HandlerFunc(s.handleExchange))))
	post(IntrospectRoute, authenticated(http.HandlerFunc(s.handleIntrospect)))
	post(RevokeRoute, authenticated(http.HandlerFunc(s.handleRevoke)))
	mux.HandleFunc("GET "+JWKSRoute, s.handleJWKS)

	return correlation(logging(s.logger)(recoverPanics(mux)))
}

func (s *Server) authFailed(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, auth.ErrNotAuthenticated) {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("caller authentication failed")
		writeError(w, r, http.StatusInternalServerError, codeServerError, "Internal server error")
		return
	}
	zerolog.Ctx(r.Context()).Info().Err(err).Msg("caller rejected")
	w.Header().Set("WWW-Authenticate", `Basic realm="token-exchange"`)
	writeError(w, r, http.StatusUnauthorized, codeInvalidClient, "Client authentication failed")
}

// exchangeResponse is the RFC 8693 section 2.2.1 success body.
type exchangeResponse struct {
	AccessToken     string       `json:"access_token"`
	IssuedTokenType string       `json:"issued_token_type"`
	TokenType       string       `json:"token_type"`
	ExpiresIn       int64        `json:"expires_in"`
	Scope           string       `json:"scope,omitempty"`
	Grants          token.Grants `json:"grants,omitempty"`
}

func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)
	caller, _ := auth.CallerFromContext(ctx)

	event := audit.ExchangeEvent{
		CorrelationID: CorrelationID(ctx),
		ClientID:      caller.ClientID,
		Caller:        caller.Audience,
	}
	fail := func(err error) {
		xe := exchange.AsError(err)
		ev := logger.Info()
		if xe.Status >= http.StatusInternalServerError {
			ev = logger.Error()
		}
		ev.Err(xe.Err).Str("error_code", xe.Code).Msg(xe.Description)

		event.ErrorCode = xe.Code
		event.DenialReason = xe.Description
		s.audit.LogExchange(event)
		s.metrics.Exchange(xe.Code, "")
		writeError(w, r, xe.Status, xe.Code, xe.Description)
	}

	form, err := params(w, r)
	if err != nil {
		fail(&exchange.Error{
			Code:        exchange.CodeInvalidRequest,
			Description: "Malformed request body",
			Status:      http.StatusBadRequest,
			Err:         err,
		})
		return
	}
	req := exchange.Request{
		GrantType:          form["grant_type"],
		SubjectToken:       form["subject_token"],
		SubjectTokenType:   form["subject_token_type"],
		RequestedTokenType: form["requested_token_type"],
		Audience:           form["audience"],
		Scope:              form["scope"],
		ExpiresIn:          form["expires_in"],
		ActorToken:         form["actor_token"],
		ActorTokenType:     form["actor_token_type"],
	}
	event.Audiences = strings.Fields(req.Audience)
	event.ScopesRequested = strings.Fields(req.Scope)

	p, err := exchange.Validate(req, s.engine.Config().Limits())
	if err != nil {
		fail(err)
		return
	}
	res, err := s.engine.Exchange(ctx, caller, p)
	if err != nil {
		fail(err)
		return
	}

	rec := res.Record
	event.Granted = true
	event.SubjectTokenJTI = rec.SubjectTokenJTI
	event.Subject = rec.SubjectSub
	event.Email = rec.SubjectEmail
	event.Audiences = rec.Audiences
	event.ScopesGranted = res.Scope
	event.TokenType = string(res.IssuedTokenType)
	event.KeyID = rec.KeyID
	event.TokenID = rec.TokenID
	event.ExpiresIn = res.ExpiresIn
	event.Evicted = res.Evicted
	s.audit.LogExchange(event)
	s.metrics.Exchange("granted", string(res.IssuedTokenType))

	writeJSON(w, r, http.StatusOK, exchangeResponse{
		AccessToken:     res.AccessToken,
		IssuedTokenType: res.IssuedTokenType.URN(),
		TokenType:       "Bearer",
		ExpiresIn:       res.ExpiresIn,
		Scope:           strings.Join(res.Scope, " "),
		Grants:          res.Grants,
	})
}

// introspectionResponse is the RFC 7662 section 2.2 body.
type introspectionResponse struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	Username  string   `json:"username,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	Exp       int64    `json:"exp,omitempty"`
	Iat       int64    `json:"iat,omitempty"`
	Sub       string   `json:"sub,omitempty"`
	Email     string   `json:"email,omitempty"`
	Aud       []string `json:"aud,omitempty"`
	Jti       string   `json:"jti,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
}

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := auth.CallerFromContext(ctx)
	event := audit.TokenEvent{CorrelationID: CorrelationID(ctx), ClientID: caller.ClientID}

	rec, found := s.lookup(w, r)
	active := found && rec.Valid(s.now())
	if active && rec.Type == token.TypeJWT {
		if _, err := s.gen.Verify(rec.Token); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("token_id", rec.TokenID).Msg("stored JWT failed verification")
			active = false
		}
	}
	if found {
		event = tokenEvent(event, rec)
	}
	event.Active = active
	s.audit.LogIntrospection(event)
	s.metrics.Introspection(active)

	if !active {
		writeJSON(w, r, http.StatusOK, introspectionResponse{Active: false})
		return
	}
	username := rec.SubjectEmail
	if username == "" {
		username = rec.SubjectSub
	}
	writeJSON(w, r, http.StatusOK, introspectionResponse{
		Active:    true,
		Scope:     strings.Join(rec.Scope, " "),
		Username:  username,
		TokenType: "Bearer",
		Exp:       rec.ExpiresAt.Unix(),
		Iat:       rec.CreatedAt.Unix(),
		Sub:       rec.SubjectSub,
		Email:     rec.SubjectEmail,
		Aud:       rec.Audiences,
		Jti:       rec.TokenID,
		ClientID:  rec.ClientID,
	})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)
	caller, _ := auth.CallerFromContext(ctx)
	event := audit.TokenEvent{CorrelationID: CorrelationID(ctx), ClientID: caller.ClientID}

	form, err := params(w, r)
	if err != nil {
		logger.Info().Err(err).Msg("ignoring malformed revocation request")
		w.WriteHeader(http.StatusOK)
		return
	}
	tok := form["token"]
	if tok == "" {
		logger.Info().Msg("ignoring revocation request without token")
		w.WriteHeader(http.StatusOK)
		return
	}

	rec, err := s.tokens.Get(ctx, tok)
	switch {
	case err == nil:
		event = tokenEvent(event, rec)
	case !errors.Is(err, tokenstore.ErrNotFound):
		logger.Error().Err(err).Msg("look up token for revocation")
	}
	found, err := s.tokens.Revoke(ctx, tok)
	if err != nil {
		logger.Error().Err(err).Msg("revoke token")
	}
	event.Found = found
	s.audit.LogRevocation(event)
	s.metrics.Revocation(found)

	w.WriteHeader(http.StatusOK)
}

// lookup resolves the token parameter of an introspection request. Every
// failure reads as "not found".
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (tokenstore.Record, bool) {
	logger := zerolog.Ctx(r.Context())
	form, err := params(w, r)
	if err != nil {
		logger.Info().Err(err).Msg("malformed introspection request")
		return tokenstore.Record{}, false
	}
	tok := form["token"]
	if tok == "" {
		return tokenstore.Record{}, false
	}
	rec, err := s.tokens.Get(r.Context(), tok)
	if err != nil {
		if !errors.Is(err, tokenstore.ErrNotFound) {
			logger.Error().Err(err).Msg("look up token for introspection")
		}
		return tokenstore.Record{}, false
	}
	return rec, true
}

func tokenEvent(e audit.TokenEvent, rec tokenstore.Record) audit.TokenEvent {
	e.Found = true
	e.TokenID = rec.TokenID
	e.SubjectTokenJTI = rec.SubjectTokenJTI
	e.Subject = rec.SubjectSub
	e.Email = rec.SubjectEmail
	e.Audiences = rec.Audiences
	e.TokenType = string(rec.Type)
	e.KeyID = rec.KeyID
	return e
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	keys := s.gen.Keys()
	if keys == nil {
		writeJSON(w, r, http.StatusOK, map[string][]any{"keys": {}})
		return
	}
	writeJSON(w, r, http.StatusOK, keys.JWKS())
}
