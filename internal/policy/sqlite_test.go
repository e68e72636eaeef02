package policy_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ngaddam369/token-exchange/internal/policy"
	"github.com/ngaddam369/token-exchange/internal/policy/policytest"
)

func TestSQLiteStoreQueries(t *testing.T) {
	ctx := context.Background()
	store := policytest.NewStore(t, policytest.Scenario)

	t.Run("known audiences", func(t *testing.T) {
		got, err := store.KnownAudiences(ctx, []string{"service-b", "service-unknown", "service-c"})
		if err != nil {
			t.Fatalf("KnownAudiences: %v", err)
		}
		if diff := cmp.Diff([]string{"service-b", "service-c"}, got); diff != "" {
			t.Errorf("mismatch (-want +got):\n%s", diff)
		}
	})

	rules, err := store.RulesFor(ctx, "service-a", []string{"service-b", "service-c"})
	if err != nil {
		t.Fatalf("RulesFor: %v", err)
	}

	t.Run("rules are active only", func(t *testing.T) {
		if len(rules) != 1 || rules[0].Target != "service-b" || !rules[0].Active {
			t.Fatalf("rules = %+v, want the active service-b rule only", rules)
		}
	})

	t.Run("scope grants filtered by source scope", func(t *testing.T) {
		got, err := store.ScopeGrantsFor(ctx, rules, []string{"payments.write"})
		if err != nil {
			t.Fatalf("ScopeGrantsFor: %v", err)
		}
		want := []policy.ScopeGrant{
			{RuleID: rules[0].ID, SourceScope: "payments.write", GrantedScope: "payments.write", Throttle: "5/h", Target: "service-b"},
			{RuleID: rules[0].ID, SourceScope: "payments.write", GrantedScope: "payments.refund", Throttle: "5/h", Target: "service-b"},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("action permissions", func(t *testing.T) {
		got, err := store.ActionPermissionsFor(ctx, rules)
		if err != nil {
			t.Fatalf("ActionPermissionsFor: %v", err)
		}
		want := []policy.ActionPermission{{RuleID: rules[0].ID, Action: "action:upload-transcript", RequiredSourceScope: "admin"}}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("action grants by target", func(t *testing.T) {
		got, err := store.ActionGrantsFor(ctx, "action:upload-transcript", []string{"service-b"})
		if err != nil {
			t.Fatalf("ActionGrantsFor: %v", err)
		}
		want := []policy.ActionGrant{
			{Target: "service-b", GrantedScope: "files.write", Throttle: "10/h"},
			{Target: "service-b", GrantedScope: "transcripts.create", Throttle: "5/h"},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("mismatch (-want +got):\n%s", diff)
		}

		none, err := store.ActionGrantsFor(ctx, "action:upload-transcript", []string{"service-a"})
		if err != nil {
			t.Fatalf("ActionGrantsFor: %v", err)
		}
		if len(none) != 0 {
			t.Errorf("grants on service-a = %+v, want none", none)
		}
	})

	t.Run("empty inputs short-circuit", func(t *testing.T) {
		if got, err := store.RulesFor(ctx, "service-a", nil); err != nil || got != nil {
			t.Errorf("RulesFor(nil) = %v, %v", got, err)
		}
		if got, err := store.ScopeGrantsFor(ctx, rules, nil); err != nil || got != nil {
			t.Errorf("ScopeGrantsFor(nil scopes) = %v, %v", got, err)
		}
	})
}

func TestSQLiteStoreCredentials(t *testing.T) {
	ctx := context.Background()
	store := policytest.NewStore(t, policytest.Scenario)

	c, err := store.Credentials(ctx, "client-a")
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if c.Audience != "service-a" || !c.Active {
		t.Errorf("credentials = %+v", c)
	}
	if diff := cmp.Diff([]string{"https://app.example.com"}, c.AllowedOrigins); diff != "" {
		t.Errorf("allowed origins mismatch (-want +got):\n%s", diff)
	}
	if !policy.CompareSecret(c.SecretHash, "secret-a") {
		t.Error("stored hash does not match the imported secret")
	}

	inactive, err := store.Credentials(ctx, "client-d")
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if inactive.Active {
		t.Error("client-d should be inactive")
	}

	if _, err := store.Credentials(ctx, "nobody"); !errors.Is(err, policy.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestImportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := policytest.NewStore(t, policytest.Scenario)
	policytest.Seed(t, store, policytest.Scenario)

	rules, err := store.RulesFor(ctx, "service-a", []string{"service-b"})
	if err != nil {
		t.Fatalf("RulesFor: %v", err)
	}
	grants, err := store.ScopeGrantsFor(ctx, rules, []string{"orders.read", "payments.write"})
	if err != nil {
		t.Fatalf("ScopeGrantsFor: %v", err)
	}
	if len(grants) != 3 {
		t.Errorf("got %d scope grants after re-import, want 3", len(grants))
	}
	actions, err := store.ActionGrantsFor(ctx, "action:upload-transcript", []string{"service-b"})
	if err != nil {
		t.Fatalf("ActionGrantsFor: %v", err)
	}
	if len(actions) != 2 {
		t.Errorf("got %d action grants after re-import, want 2", len(actions))
	}
}

func TestImportRollsBackOnUnknownReference(t *testing.T) {
	ctx := context.Background()
	store := policy.NewSQLiteStore(policytest.OpenPool(t))

	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "rule target not a service",
			doc: `
services: [{audience: service-a}]
exchange_rules: [{source: service-a, target: service-x}]`,
		},
		{
			name: "permission names an unknown action",
			doc: `
services: [{audience: service-a}, {audience: service-b}]
exchange_rules:
  - source: service-a
    target: service-b
    action_permissions: [{action: "action:missing"}]`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, err := policy.Parse([]byte(tc.doc))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if _, err := store.Import(ctx, f); !errors.Is(err, policy.ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}
			known, err := store.KnownAudiences(ctx, []string{"service-a", "service-b"})
			if err != nil {
				t.Fatalf("KnownAudiences: %v", err)
			}
			if len(known) != 0 {
				t.Errorf("services %v written despite failed import", known)
			}
		})
	}
}
