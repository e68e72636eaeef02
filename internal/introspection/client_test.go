package introspection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newUpstream(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func respondJSON(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func newClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestIntrospectRequest(t *testing.T) {
	var (
		gotToken, gotUser, gotPass, gotType string
		gotOK                               bool
	)
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		gotUser, gotPass, gotOK = r.BasicAuth()
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		gotToken = r.PostForm.Get("token")
		respondJSON(`{"active":true,"sub":"user-1","aud":"service-a"}`)(w, r)
	})

	c := newClient(t, Config{EndpointURL: srv.URL, ClientID: "exchange", ClientSecret: "s3cret"})
	if _, err := c.Introspect(context.Background(), "subject-token"); err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if gotToken != "subject-token" {
		t.Errorf("token = %q, want subject-token", gotToken)
	}
	if !gotOK || gotUser != "exchange" || gotPass != "s3cret" {
		t.Errorf("basic auth = %q/%q (%v), want exchange/s3cret", gotUser, gotPass, gotOK)
	}
	if gotType != "application/x-www-form-urlencoded" {
		t.Errorf("Content-Type = %q", gotType)
	}
}

func TestIntrospectClaims(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		audienceClaim string
		want          Claims
	}{
		{
			name: "string audience",
			body: `{"active":true,"sub":"user-1","email":"u@example.com","scope":"orders.read payments.write orders.read","jti":"abc","aud":"service-a"}`,
			want: Claims{
				Active:    true,
				Subject:   "user-1",
				Email:     "u@example.com",
				Scopes:    []string{"orders.read", "payments.write"},
				TokenID:   "abc",
				Audiences: []string{"service-a"},
			},
		},
		{
			name: "array audience",
			body: `{"active":true,"email":"u@example.com","aud":["service-a","service-z"]}`,
			want: Claims{
				Active:    true,
				Email:     "u@example.com",
				Audiences: []string{"service-a", "service-z"},
			},
		},
		{
			name:          "custom audience claim",
			body:          `{"active":true,"sub":"user-1","aud":"ignored","client_id":"service-a"}`,
			audienceClaim: "client_id",
			want:          Claims{Active: true, Subject: "user-1", Audiences: []string{"service-a"}},
		},
		{
			name: "may_act passed through",
			body: `{"active":true,"sub":"user-1","may_act":{"sub":"svc"}}`,
			want: Claims{Active: true, Subject: "user-1", MayAct: json.RawMessage(`{"sub":"svc"}`)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newUpstream(t, respondJSON(tt.body))
			c := newClient(t, Config{EndpointURL: srv.URL, AudienceClaim: tt.audienceClaim})
			got, err := c.Introspect(context.Background(), "tok")
			if err != nil {
				t.Fatalf("Introspect: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("claims mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestIntrospectErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{"inactive", respondJSON(`{"active":false}`), ErrInactive},
		{"active missing", respondJSON(`{"sub":"user-1"}`), ErrInactive},
		{"active wrong type", respondJSON(`{"active":"yes","sub":"user-1"}`), ErrInactive},
		{"no identity", respondJSON(`{"active":true,"scope":"read"}`), ErrNoIdentity},
		{"server error", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}, ErrUpstreamUnavailable},
		{"unauthorized", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}, ErrUpstreamUnavailable},
		{"garbage body", respondJSON(`<html>`), ErrUpstreamUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newUpstream(t, tt.handler)
			c := newClient(t, Config{EndpointURL: srv.URL})
			_, err := c.Introspect(context.Background(), "tok")
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestIntrospectUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newClient(t, Config{EndpointURL: url})
	if _, err := c.Introspect(context.Background(), "tok"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestIntrospectTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	c := newClient(t, Config{EndpointURL: srv.URL, Timeout: 50 * time.Millisecond})
	if _, err := c.Introspect(context.Background(), "tok"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestIntrospectEmptyToken(t *testing.T) {
	var hits atomic.Int32
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		respondJSON(`{"active":true,"sub":"x"}`)(w, r)
	})
	c := newClient(t, Config{EndpointURL: srv.URL})
	if _, err := c.Introspect(context.Background(), ""); !errors.Is(err, ErrInactive) {
		t.Errorf("error = %v, want ErrInactive", err)
	}
	if hits.Load() != 0 {
		t.Errorf("upstream called %d times for an empty token", hits.Load())
	}
}

func TestIntrospectCoalescesConcurrentCalls(t *testing.T) {
	var hits atomic.Int32
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		respondJSON(`{"active":true,"sub":"user-1","scope":"read"}`)(w, r)
	})
	c := newClient(t, Config{EndpointURL: srv.URL})

	var wg sync.WaitGroup
	results := make(chan Claims, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claims, err := c.Introspect(context.Background(), "same-token")
			if err != nil {
				t.Errorf("Introspect: %v", err)
				return
			}
			results <- claims
		}()
	}
	<-entered
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	if got := hits.Load(); got != 1 {
		t.Errorf("upstream hits = %d, want 1", got)
	}
	for claims := range results {
		if claims.Subject != "user-1" {
			t.Errorf("subject = %q, want user-1", claims.Subject)
		}
	}
}

func TestNewRejectsBadEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "not a url", "ftp://example.com/introspect", "http://"} {
		if _, err := New(Config{EndpointURL: endpoint}); err == nil {
			t.Errorf("New(%q) succeeded, want error", endpoint)
		}
	}
}

func TestClaimsBoundTo(t *testing.T) {
	tests := []struct {
		name      string
		audiences []string
		want      bool
	}{
		{"exact", []string{"service-a"}, true},
		{"contained", []string{"service-z", "service-a"}, true},
		{"other", []string{"service-b"}, false},
		{"missing", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Claims{Audiences: tt.audiences}
			if got := c.BoundTo("service-a"); got != tt.want {
				t.Errorf("BoundTo = %v, want %v", got, tt.want)
			}
		})
	}
}
