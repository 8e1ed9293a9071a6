package triggers

import "testing"

func sshAlert() map[string]any {
	return map[string]any{
		"rule": map[string]any{
			"id":          "5710",
			"level":       float64(10),
			"description": "sshd: Attempt to login using a non-existent user",
		},
		"data": map[string]any{
			"srcip": "1.2.3.4",
		},
		"tags": []any{"ssh", "brute-force"},
	}
}

func TestEvaluateAllShortCircuits(t *testing.T) {
	trigger := Trigger{
		Match: MatchAll,
		Conditions: []Condition{
			{Field: "rule.id", Operator: OpEquals, Value: "5710"},
			{Field: "rule.level", Operator: OpGTE, Value: float64(7)},
		},
	}
	result := Evaluate(trigger, sshAlert())
	if !result.Matched {
		t.Fatalf("expected match: %+v", result)
	}

	trigger.Conditions[0].Value = "9999"
	result = Evaluate(trigger, sshAlert())
	if result.Matched {
		t.Fatal("expected drop")
	}
	if len(result.Conditions) != 1 {
		t.Fatalf("ALL should short-circuit after first false, evaluated %d", len(result.Conditions))
	}
}

func TestEvaluateAnyShortCircuits(t *testing.T) {
	trigger := Trigger{
		Match: MatchAny,
		Conditions: []Condition{
			{Field: "rule.id", Operator: OpEquals, Value: "5710"},
			{Field: "rule.level", Operator: OpGTE, Value: float64(99)},
		},
	}
	result := Evaluate(trigger, sshAlert())
	if !result.Matched {
		t.Fatal("expected match")
	}
	if len(result.Conditions) != 1 {
		t.Fatalf("ANY should short-circuit after first true, evaluated %d", len(result.Conditions))
	}
}

func TestEvaluateEmptyTriggerMatches(t *testing.T) {
	if !Evaluate(Trigger{Match: MatchAll}, sshAlert()).Matched {
		t.Fatal("empty condition list must match")
	}
}

func TestOperators(t *testing.T) {
	alert := sshAlert()

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals string", Condition{Field: "rule.id", Operator: OpEquals, Value: "5710"}, true},
		{"equals string-number concession", Condition{Field: "rule.id", Operator: OpEquals, Value: float64(5710)}, true},
		{"equals type mismatch", Condition{Field: "rule.level", Operator: OpEquals, Value: true}, false},
		{"not_equals", Condition{Field: "rule.id", Operator: OpNotEquals, Value: "1"}, true},
		{"gt", Condition{Field: "rule.level", Operator: OpGT, Value: float64(9)}, true},
		{"gte boundary", Condition{Field: "rule.level", Operator: OpGTE, Value: float64(10)}, true},
		{"lt false", Condition{Field: "rule.level", Operator: OpLT, Value: float64(10)}, false},
		{"order needs numbers", Condition{Field: "rule.id", Operator: OpGT, Value: float64(1)}, false},
		{"contains case-insensitive", Condition{Field: "rule.description", Operator: OpContains, Value: "SSHD"}, true},
		{"not_contains", Condition{Field: "rule.description", Operator: OpNotContains, Value: "windows"}, true},
		{"starts_with", Condition{Field: "rule.description", Operator: OpStartsWith, Value: "sshd:"}, true},
		{"ends_with", Condition{Field: "rule.description", Operator: OpEndsWith, Value: "USER"}, true},
		{"string op on number", Condition{Field: "rule.level", Operator: OpContains, Value: "1"}, false},
		{"in", Condition{Field: "rule.id", Operator: OpIn, Value: []any{"5710", "5712"}}, true},
		{"not_in", Condition{Field: "rule.id", Operator: OpNotIn, Value: []any{"1", "2"}}, true},
		{"in needs array", Condition{Field: "rule.id", Operator: OpIn, Value: "5710"}, false},
		{"array_contains", Condition{Field: "tags", Operator: OpArrayContains, Value: "ssh"}, true},
		{"array_contains miss", Condition{Field: "tags", Operator: OpArrayContains, Value: "rdp"}, false},
		{"array_contains_any", Condition{Field: "tags", Operator: OpArrayContainsAny, Value: []any{"rdp", "brute-force"}}, true},
		{"exists", Condition{Field: "data.srcip", Operator: OpExists}, true},
		{"exists miss", Condition{Field: "data.dstip", Operator: OpExists}, false},
		{"not_exists", Condition{Field: "data.dstip", Operator: OpNotExists}, true},
		{"absent field is false", Condition{Field: "data.dstip", Operator: OpEquals, Value: "x"}, false},
		{"unknown operator", Condition{Field: "rule.id", Operator: "matches", Value: "5710"}, false},
	}

	for _, tc := range tests {
		trigger := Trigger{Match: MatchAll, Conditions: []Condition{tc.cond}}
		if got := Evaluate(trigger, alert).Matched; got != tc.want {
			t.Errorf("%s: matched=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNormalizeAlertAddsAliases(t *testing.T) {
	normalized := NormalizeAlert(sshAlert())

	if normalized["source_ip"] != "1.2.3.4" {
		t.Fatalf("source_ip alias = %v", normalized["source_ip"])
	}
	if normalized["rule_id"] != "5710" {
		t.Fatalf("rule_id alias = %v", normalized["rule_id"])
	}
	if normalized["severity"] != float64(10) {
		t.Fatalf("severity alias = %v", normalized["severity"])
	}
	// Originals preserved.
	data := normalized["data"].(map[string]any)
	if data["srcip"] != "1.2.3.4" {
		t.Fatal("original field lost")
	}
}

func TestNormalizeAlertNeverOverwrites(t *testing.T) {
	alert := sshAlert()
	alert["source_ip"] = "9.9.9.9"
	normalized := NormalizeAlert(alert)
	if normalized["source_ip"] != "9.9.9.9" {
		t.Fatalf("alias overwrote existing field: %v", normalized["source_ip"])
	}
}

func TestNormalizeAlertDoesNotMutateInput(t *testing.T) {
	alert := sshAlert()
	_ = NormalizeAlert(alert)
	if _, present := alert["source_ip"]; present {
		t.Fatal("input alert mutated")
	}
}
