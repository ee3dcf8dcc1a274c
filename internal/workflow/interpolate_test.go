package workflow

import "testing"

func TestInterpolate(t *testing.T) {
	vars := map[string]any{
		"customer": map[string]any{
			"name":  "Ada",
			"score": float64(87),
		},
		"aiResponse": "hello",
	}

	cases := []struct {
		name     string
		template string
		want     string
	}{
		{"simple token", "Hi {{customer.name}}", "Hi Ada"},
		{"integer renders without decimal", "Score: {{customer.score}}", "Score: 87"},
		{"top-level token", "{{aiResponse}}!", "hello!"},
		{"unresolved token left untouched", "Hi {{customer.missing}}", "Hi {{customer.missing}}"},
		{"whitespace tolerated", "Hi {{ customer.name }}", "Hi Ada"},
		{"no tokens", "plain text", "plain text"},
		{"multiple tokens", "{{customer.name}}: {{customer.score}}", "Ada: 87"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := interpolate(tc.template, vars); got != tc.want {
				t.Fatalf("interpolate(%q) = %q, want %q", tc.template, got, tc.want)
			}
		})
	}
}

func TestResolvePathRejectsNonMapTraversal(t *testing.T) {
	vars := map[string]any{"customer": "not a map"}
	if _, ok := resolvePath(vars, "customer.name"); ok {
		t.Fatal("resolved a path through a non-map value")
	}
}

func TestEvaluateConditionOperators(t *testing.T) {
	vars := map[string]any{
		"plan":  "pro",
		"score": float64(87),
		"note":  "needs onboarding help",
	}

	cases := []struct {
		name string
		cfg  ConditionConfig
		want bool
	}{
		{"equals match", ConditionConfig{Field: "plan", Operator: "equals", Value: "pro"}, true},
		{"equals mismatch", ConditionConfig{Field: "plan", Operator: "equals", Value: "free"}, false},
		{"not_equals", ConditionConfig{Field: "plan", Operator: "not_equals", Value: "free"}, true},
		{"contains", ConditionConfig{Field: "note", Operator: "contains", Value: "onboarding"}, true},
		{"greater_than", ConditionConfig{Field: "score", Operator: "greater_than", Value: "50"}, true},
		{"less_than", ConditionConfig{Field: "score", Operator: "less_than", Value: "50"}, false},
		{"is_set present", ConditionConfig{Field: "plan", Operator: "is_set"}, true},
		{"is_set absent", ConditionConfig{Field: "missing", Operator: "is_set"}, false},
		{"is_not_set absent", ConditionConfig{Field: "missing", Operator: "is_not_set"}, true},
		{"non-numeric field fails numeric compare", ConditionConfig{Field: "plan", Operator: "greater_than", Value: "1"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := evaluateCondition(vars, tc.cfg)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}

	if _, err := evaluateCondition(vars, ConditionConfig{Field: "plan", Operator: "between"}); err == nil {
		t.Fatal("expected error for unknown operator")
	}
}
