// Package exchange implements RFC 8693 token exchange: a syntactic request
// validator and the policy engine that decides which scopes a subject token
// may be exchanged for on which audiences.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ngaddam369/token-exchange/internal/auth"
	"github.com/ngaddam369/token-exchange/internal/introspection"
	"github.com/ngaddam369/token-exchange/internal/metrics"
	"github.com/ngaddam369/token-exchange/internal/policy"
	"github.com/ngaddam369/token-exchange/internal/token"
	"github.com/ngaddam369/token-exchange/internal/tokenstore"
	"github.com/ngaddam369/token-exchange/internal/tracing"
)

// PolicyStore is the read side of the policy store used by the engine.
type PolicyStore interface {
	KnownAudiences(ctx context.Context, audiences []string) ([]string, error)
	RulesFor(ctx context.Context, source string, targets []string) ([]policy.Rule, error)
	ScopeGrantsFor(ctx context.Context, rules []policy.Rule, sourceScopes []string) ([]policy.ScopeGrant, error)
	ActionPermissionsFor(ctx context.Context, rules []policy.Rule) ([]policy.ActionPermission, error)
	ActionGrantsFor(ctx context.Context, action string, targets []string) ([]policy.ActionGrant, error)
}

// Config holds the exchange settings.
type Config struct {
	Enabled          bool
	MultiAudience    bool
	DefaultExpiresIn time.Duration
	MaxExpiresIn     time.Duration
	AllowedTypes     []token.Type
}

// Limits returns the validation bounds implied by c.
func (c Config) Limits() Limits {
	return Limits{MaxExpiresIn: c.MaxExpiresIn, AllowedTypes: c.AllowedTypes}
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Policy       PolicyStore
	Introspector introspection.Introspector
	Tokens       tokenstore.Store
	Generator    *token.Generator
	Metrics      *metrics.Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine runs exchanges. It is safe for concurrent use.
type Engine struct {
	cfg    Config
	deps   Deps
	now    func() time.Time
	tracer trace.Tracer
}

// New returns an Engine.
func New(cfg Config, deps Deps) *Engine {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{cfg: cfg, deps: deps, now: now, tracer: tracing.Tracer()}
}

// Config returns the engine's settings.
func (e *Engine) Config() Config { return e.cfg }

// Result is a successful exchange.
type Result struct {
	AccessToken     string
	IssuedTokenType token.Type
	ExpiresIn       int64
	Scope           []string
	Grants          token.Grants
	Record          tokenstore.Record
	Evicted         int
}

// grantSet accumulates per-audience grants, keeping one entry per
// (audience, scope) and the lexicographically smallest non-empty rate.
type grantSet struct {
	grants token.Grants
	rules  map[int64]struct{}
}

func newGrantSet() *grantSet {
	return &grantSet{grants: token.Grants{}, rules: map[int64]struct{}{}}
}

func (g *grantSet) add(audience, scope, rate string, ruleID int64) {
	if ruleID != 0 {
		g.rules[ruleID] = struct{}{}
	}
	list := g.grants[audience]
	for i := range list {
		if list[i].Scope != scope {
			continue
		}
		if cur := list[i].Throttle.Rate; rate != "" && (cur == "" || rate < cur) {
			list[i].Throttle.Rate = rate
		}
		return
	}
	g.grants[audience] = append(list, token.Grant{Scope: scope, Throttle: token.Throttle{Rate: rate}})
}

func (g *grantSet) empty() bool { return len(g.grants) == 0 }

// Exchange runs the policy engine for caller and issues a token.
func (e *Engine) Exchange(ctx context.Context, caller auth.Caller, p Params) (res *Result, err error) {
	ctx, span := e.tracer.Start(ctx, "exchange.Exchange", trace.WithAttributes(
		attribute.String("caller", caller.Audience),
		attribute.String("token_type", string(p.TokenType)),
	))
	defer func() {
		if err != nil {
			xe := AsError(err)
			span.SetAttributes(attribute.String("error.code", xe.Code))
			span.SetStatus(codes.Error, xe.Description)
		}
		span.End()
	}()

	if !e.cfg.Enabled {
		return nil, disabled()
	}

	audiences := p.Audiences
	if len(audiences) == 0 {
		audiences = []string{caller.Audience}
	}
	if !e.cfg.MultiAudience && len(audiences) > 1 {
		audiences = audiences[:1]
	}

	known, rules, err := e.loadRules(ctx, caller, audiences)
	if err != nil {
		return nil, err
	}

	subject, err := e.introspect(ctx, p.SubjectToken)
	if err != nil {
		return nil, err
	}
	if subject.Subject == "" && subject.Email == "" {
		return nil, invalidToken(introspection.ErrNoIdentity)
	}
	if !subject.BoundTo(caller.Audience) {
		zerolog.Ctx(ctx).Warn().
			Str("caller", caller.Audience).
			Strs("token_audience", subject.Audiences).
			Str("subject_token_jti", subject.TokenID).
			Msg("subject token was issued for another service")
		return nil, invalidRequest("subject_token was not issued for the calling service")
	}

	var actor *introspection.Claims
	if p.ActorToken != "" {
		c, err := e.introspect(ctx, p.ActorToken)
		if err != nil {
			if xe := AsError(err); xe.Code == CodeInvalidToken {
				return nil, invalidRequest("actor_token is not active")
			}
			return nil, err
		}
		actor = &c
	}

	set := newGrantSet()
	bestEffort := p.BestEffort()
	requested := p.Scopes
	if bestEffort {
		requested = subject.Scopes
	}

	if len(requested) > 0 {
		if err := e.grantScopes(ctx, set, rules, subject, audiences, requested, bestEffort); err != nil {
			return nil, err
		}
	}
	if err := e.grantActions(ctx, set, rules, subject, known, p.Actions); err != nil {
		return nil, err
	}
	if set.empty() {
		return nil, invalidTarget(errors.New("no scope granted"))
	}

	final := make([]string, 0, len(audiences))
	for _, a := range audiences {
		if len(set.grants[a]) > 0 {
			final = append(final, a)
		}
	}
	grants := token.Grants{}
	for _, a := range final {
		grants[a] = set.grants[a]
	}
	scopes := grants.Scopes(final)

	return e.issue(ctx, caller, p, issueInput{
		subject:   subject,
		actor:     actor,
		audiences: final,
		scopes:    scopes,
		grants:    grants,
		lifetime:  e.lifetime(p, rules, set),
	})
}

// loadRules returns the known requested audiences and the active rules
// from the caller to them.
func (e *Engine) loadRules(ctx context.Context, caller auth.Caller, audiences []string) ([]string, []policy.Rule, error) {
	known, err := e.deps.Policy.KnownAudiences(ctx, audiences)
	if err != nil {
		return nil, nil, serverError(fmt.Errorf("load audiences: %w", err))
	}
	if len(known) == 0 {
		return nil, nil, invalidTarget(fmt.Errorf("unknown audiences %v", audiences))
	}
	rules, err := e.deps.Policy.RulesFor(ctx, caller.Audience, known)
	if err != nil {
		return nil, nil, serverError(fmt.Errorf("load rules: %w", err))
	}
	if len(rules) == 0 {
		return nil, nil, invalidTarget(fmt.Errorf("no active rule from %s", caller.Audience))
	}
	for _, a := range known {
		if !slices.ContainsFunc(rules, func(r policy.Rule) bool { return r.Target == a }) {
			return nil, nil, invalidTarget(fmt.Errorf("no active rule from %s to %s", caller.Audience, a))
		}
	}
	return known, rules, nil
}

func (e *Engine) introspect(ctx context.Context, tok string) (introspection.Claims, error) {
	claims, err := e.deps.Introspector.Introspect(ctx, tok)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, introspection.ErrInactive), errors.Is(err, introspection.ErrNoIdentity):
		return introspection.Claims{}, invalidToken(err)
	case errors.Is(err, introspection.ErrUpstreamUnavailable):
		return introspection.Claims{}, unavailable(err)
	default:
		return introspection.Claims{}, serverError(fmt.Errorf("introspect: %w", err))
	}
}

// grantScopes matches the audience x scope request matrix against the
// scope grants the subject's scopes unlock. In strict mode every pair must
// be covered; in best-effort mode uncovered pairs are dropped.
func (e *Engine) grantScopes(ctx context.Context, set *grantSet, rules []policy.Rule, subject introspection.Claims,
	audiences, requested []string, bestEffort bool) error {
	available, err := e.deps.Policy.ScopeGrantsFor(ctx, rules, subject.Scopes)
	if err != nil {
		return serverError(fmt.Errorf("load scope grants: %w", err))
	}
	byPair := make(map[string][]policy.ScopeGrant, len(available))
	for _, g := range available {
		key := g.Target + ":" + g.GrantedScope
		byPair[key] = append(byPair[key], g)
	}

	for _, aud := range audiences {
		for _, scope := range requested {
			candidates := byPair[aud+":"+scope]
			if len(candidates) == 0 {
				if bestEffort {
					continue
				}
				return invalidTarget(fmt.Errorf("%s not granted on %s", scope, aud))
			}
			for _, g := range candidates {
				if !subject.HasScope(g.SourceScope) {
					continue
				}
				set.add(aud, g.GrantedScope, g.Throttle, g.RuleID)
			}
		}
	}
	return nil
}

// grantActions adds the scopes of every action the rules permit and the
// subject qualifies for. When actions were requested, only those are
// considered and each must be granted.
func (e *Engine) grantActions(ctx context.Context, set *grantSet, rules []policy.Rule, subject introspection.Claims,
	targets, requested []string) error {
	perms, err := e.deps.Policy.ActionPermissionsFor(ctx, rules)
	if err != nil {
		return serverError(fmt.Errorf("load action permissions: %w", err))
	}

	granted := make(map[string]bool)
	for _, perm := range perms {
		if perm.RequiredSourceScope != "" && !subject.HasScope(perm.RequiredSourceScope) {
			continue
		}
		if len(requested) > 0 && !slices.Contains(requested, perm.Action) {
			continue
		}
		if granted[perm.Action] {
			set.rules[perm.RuleID] = struct{}{}
			continue
		}
		actionGrants, err := e.deps.Policy.ActionGrantsFor(ctx, perm.Action, targets)
		if err != nil {
			return serverError(fmt.Errorf("load grants of %s: %w", perm.Action, err))
		}
		for _, g := range actionGrants {
			set.add(g.Target, g.GrantedScope, g.Throttle, perm.RuleID)
		}
		granted[perm.Action] = true
	}

	for _, a := range requested {
		if !granted[a] {
			return invalidTarget(fmt.Errorf("action %s not granted", a))
		}
	}
	return nil
}

// lifetime is the client's expires_in, else the shortest default of the
// contributing rules, else the configured default, capped at the maximum.
func (e *Engine) lifetime(p Params, rules []policy.Rule, set *grantSet) time.Duration {
	d := p.ExpiresIn
	if d <= 0 {
		for _, r := range rules {
			if _, ok := set.rules[r.ID]; !ok || r.DefaultDuration <= 0 {
				continue
			}
			if d <= 0 || r.DefaultDuration < d {
				d = r.DefaultDuration
			}
		}
	}
	if d <= 0 {
		d = e.cfg.DefaultExpiresIn
	}
	if e.cfg.MaxExpiresIn > 0 && d > e.cfg.MaxExpiresIn {
		d = e.cfg.MaxExpiresIn
	}
	return d
}

type issueInput struct {
	subject   introspection.Claims
	actor     *introspection.Claims
	audiences []string
	scopes    []string
	grants    token.Grants
	lifetime  time.Duration
}

// issue mints the token and persists it under the subject ceiling.
func (e *Engine) issue(ctx context.Context, caller auth.Caller, p Params, in issueInput) (*Result, error) {
	now := e.now()
	rec := tokenstore.Record{
		TokenID:           token.NewTokenID(),
		Type:              p.TokenType,
		ClientID:          caller.ClientID,
		SubjectSub:        in.subject.Subject,
		SubjectEmail:      in.subject.Email,
		Audiences:         in.audiences,
		Scope:             in.scopes,
		Grants:            in.grants,
		CreatedAt:         now,
		ExpiresAt:         now.Add(in.lifetime),
		SubjectTokenJTI:   in.subject.TokenID,
		SubjectTokenScope: in.subject.Scopes,
		ActorToken:        p.ActorToken,
		MayAct:            in.subject.MayAct,
	}

	switch p.TokenType {
	case token.TypeJWT:
		req := token.JWTRequest{
			IssuedAt:  now,
			Subject:   in.subject.Subject,
			Email:     in.subject.Email,
			Audiences: in.audiences,
			Scopes:    in.scopes,
			Lifetime:  in.lifetime,
			JTI:       rec.TokenID,
			Grants:    in.grants,
			MayAct:    in.subject.MayAct,
		}
		if in.actor != nil {
			req.Actor = &token.Actor{Subject: in.actor.Subject, Email: in.actor.Email}
		}
		minted, err := e.deps.Generator.MintJWT(req)
		if err != nil {
			return nil, serverError(fmt.Errorf("mint JWT: %w", err))
		}
		rec.Token = minted.Token
		rec.KeyID = minted.KeyID
		rec.ExpiresAt = minted.ExpiresAt
	default:
		opaque, err := e.deps.Generator.MintOpaque()
		if err != nil {
			return nil, serverError(fmt.Errorf("mint opaque token: %w", err))
		}
		rec.Token = opaque
	}

	evicted, err := e.deps.Tokens.Put(ctx, rec)
	if err != nil {
		return nil, serverError(fmt.Errorf("store token: %w", err))
	}
	e.deps.Metrics.Evicted(evicted)

	return &Result{
		AccessToken:     rec.Token,
		IssuedTokenType: p.TokenType,
		ExpiresIn:       int64(in.lifetime / time.Second),
		Scope:           in.scopes,
		Grants:          in.grants,
		Record:          rec,
		Evicted:         evicted,
	}, nil
}
