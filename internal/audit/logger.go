// Package audit emits one structured JSON line per token exchange,
// introspection and revocation.
package audit

import (
	"io"

	"github.com/rs/zerolog"
)

// Logger writes audit events as structured JSON.
type Logger struct {
	log zerolog.Logger
}

// New creates an audit Logger writing to w.
func New(w io.Writer) *Logger {
	return &Logger{
		log: zerolog.New(w).With().Timestamp().Str("stream", "audit").Logger(),
	}
}

// ExchangeEvent is the payload for a token exchange audit log entry.
type ExchangeEvent struct {
	CorrelationID   string
	ClientID        string
	Caller          string
	SubjectTokenJTI string
	Subject         string
	Email           string
	Audiences       []string
	ScopesRequested []string
	ScopesGranted   []string
	TokenType       string
	KeyID           string
	TokenID         string
	ExpiresIn       int64
	Evicted         int
	Granted         bool
	ErrorCode       string
	DenialReason    string
}

// LogExchange emits one audit log line for a token exchange attempt.
func (l *Logger) LogExchange(e ExchangeEvent) {
	ev := l.log.Info().
		Str("event", "token.exchange").
		Str("correlation_id", e.CorrelationID).
		Str("client_id", e.ClientID).
		Str("caller", e.Caller).
		Strs("audiences", e.Audiences).
		Strs("scopes_requested", e.ScopesRequested).
		Bool("granted", e.Granted)

	if e.SubjectTokenJTI != "" {
		ev = ev.Str("subject_token_jti", e.SubjectTokenJTI)
	}
	ev = identity(ev, e.Subject, e.Email)

	if e.Granted {
		ev = ev.
			Strs("scopes_granted", e.ScopesGranted).
			Str("token_type", e.TokenType).
			Str("token_id", e.TokenID).
			Int64("expires_in", e.ExpiresIn)
		if e.KeyID != "" {
			ev = ev.Str("kid", e.KeyID)
		}
		if e.Evicted > 0 {
			ev = ev.Int("evicted", e.Evicted)
		}
	} else {
		ev = ev.Str("error", e.ErrorCode).Str("denial_reason", e.DenialReason)
	}

	ev.Send()
}

// TokenEvent describes an introspection or revocation of an issued token.
type TokenEvent struct {
	CorrelationID   string
	ClientID        string
	Found           bool
	Active          bool
	TokenID         string
	SubjectTokenJTI string
	Subject         string
	Email           string
	Audiences       []string
	TokenType       string
	KeyID           string
}

// LogIntrospection emits one audit log line for an introspection request.
func (l *Logger) LogIntrospection(e TokenEvent) {
	l.token("token.introspect", e).Bool("active", e.Active).Send()
}

// LogRevocation emits one audit log line for a revocation request.
func (l *Logger) LogRevocation(e TokenEvent) {
	l.token("token.revoke", e).Send()
}

func (l *Logger) token(event string, e TokenEvent) *zerolog.Event {
	ev := l.log.Info().
		Str("event", event).
		Str("correlation_id", e.CorrelationID).
		Str("client_id", e.ClientID).
		Bool("found", e.Found)
	if !e.Found {
		return ev
	}
	ev = ev.
		Str("token_id", e.TokenID).
		Str("subject_token_jti", e.SubjectTokenJTI).
		Strs("audiences", e.Audiences).
		Str("token_type", e.TokenType)
	if e.KeyID != "" {
		ev = ev.Str("kid", e.KeyID)
	}
	return identity(ev, e.Subject, e.Email)
}

func identity(ev *zerolog.Event, sub, email string) *zerolog.Event {
	if sub != "" {
		ev = ev.Str("sub", sub)
	}
	if email != "" {
		ev = ev.Str("email", email)
	}
	return ev
}
