package audit

import (
	"bytes"
	"encoding/json"
	"testing"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v\noutput: %s", err, buf.String())
	}
	return entry
}

func checkFields(t *testing.T, entry map[string]any, want map[string]any, absent []string) {
	t.Helper()
	for k, w := range want {
		if got := entry[k]; got != w {
			t.Errorf("field %q = %v, want %v", k, got, w)
		}
	}
	for _, k := range absent {
		if _, ok := entry[k]; ok {
			t.Errorf("field %q should not be present", k)
		}
	}
}

func TestLogExchange(t *testing.T) {
	tests := []struct {
		name       string
		event      ExchangeEvent
		wantFields map[string]any
		absentKeys []string
	}{
		{
			name: "granted jwt",
			event: ExchangeEvent{
				ClientID:        "client-a",
				Caller:          "service-a",
				SubjectTokenJTI: "upstream-jti",
				Subject:         "user-1",
				Audiences:       []string{"service-b"},
				ScopesGranted:   []string{"orders.read"},
				TokenType:       "jwt",
				KeyID:           "k1",
				TokenID:         "test-jti-123",
				ExpiresIn:       300,
				Granted:         true,
			},
			wantFields: map[string]any{
				"event":             "token.exchange",
				"stream":            "audit",
				"caller":            "service-a",
				"subject_token_jti": "upstream-jti",
				"sub":               "user-1",
				"granted":           true,
				"token_type":        "jwt",
				"kid":               "k1",
				"expires_in":        float64(300),
				"token_id":          "test-jti-123",
			},
			absentKeys: []string{"denial_reason", "email", "evicted"},
		},
		{
			name: "granted opaque with eviction",
			event: ExchangeEvent{
				Email:     "u@example.com",
				TokenType: "access_token",
				Evicted:   2,
				Granted:   true,
			},
			wantFields: map[string]any{
				"email":   "u@example.com",
				"evicted": float64(2),
			},
			absentKeys: []string{"kid", "sub"},
		},
		{
			name: "denied",
			event: ExchangeEvent{
				Caller:       "service-a",
				Audiences:    []string{"service-unknown"},
				ErrorCode:    "invalid_target",
				DenialReason: "Invalid target audience",
			},
			wantFields: map[string]any{
				"granted":       false,
				"error":         "invalid_target",
				"denial_reason": "Invalid target audience",
			},
			absentKeys: []string{"token_id", "expires_in", "subject_token_jti"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			New(&buf).LogExchange(tc.event)
			checkFields(t, decode(t, &buf), tc.wantFields, tc.absentKeys)
		})
	}
}

func TestLogTokenEvents(t *testing.T) {
	found := TokenEvent{
		ClientID:        "client-b",
		Found:           true,
		Active:          true,
		TokenID:         "jti-1",
		SubjectTokenJTI: "upstream-jti",
		Subject:         "user-1",
		Audiences:       []string{"service-b"},
		TokenType:       "access_token",
	}

	t.Run("introspect", func(t *testing.T) {
		var buf bytes.Buffer
		New(&buf).LogIntrospection(found)
		checkFields(t, decode(t, &buf), map[string]any{
			"event":             "token.introspect",
			"active":            true,
			"subject_token_jti": "upstream-jti",
			"sub":               "user-1",
		}, []string{"kid"})
	})

	t.Run("revoke unknown", func(t *testing.T) {
		var buf bytes.Buffer
		New(&buf).LogRevocation(TokenEvent{ClientID: "client-b"})
		checkFields(t, decode(t, &buf), map[string]any{
			"event": "token.revoke",
			"found": false,
		}, []string{"token_id", "audiences", "active"})
	})
}
