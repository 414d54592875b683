package main

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestRuleSpecActiveDefaultsTrue(t *testing.T) {
	t.Parallel()

	var file ruleFile
	raw := []byte(`
user_id: 6b1f7e1e-0000-0000-0000-000000000000
rules:
  - name: refunds to billing
    priority: 10
    keywords: [refund, chargeback]
    set_category: billing
  - name: muted rule
    active: false
`)
	if err := yaml.Unmarshal(raw, &file); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(file.Rules) != 2 {
		t.Fatalf("rules=%d want 2", len(file.Rules))
	}

	first := file.Rules[0].toInput()
	if !first.Active {
		t.Fatalf("rule without active field should default to active")
	}
	if len(first.Keywords) != 2 || first.Keywords[0] != "refund" {
		t.Fatalf("keywords=%v", first.Keywords)
	}
	if string(first.SetCategory) != "billing" {
		t.Fatalf("set_category=%q", first.SetCategory)
	}

	second := file.Rules[1].toInput()
	if second.Active {
		t.Fatalf("active: false should stay false")
	}
}
