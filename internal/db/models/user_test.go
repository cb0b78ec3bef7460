package models

import "testing"

func TestPlans(t *testing.T) {
	tests := []struct {
		plan  string
		paid  bool
		valid bool
	}{
		{PlanFree, false, true},
		{PlanPro, true, true},
		{PlanEnterprise, true, true},
		{"gold", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.plan, func(t *testing.T) {
			if got := IsPaidPlan(tt.plan); got != tt.paid {
				t.Errorf("IsPaidPlan(%q) = %v, want %v", tt.plan, got, tt.paid)
			}
			if got := IsValidPlan(tt.plan); got != tt.valid {
				t.Errorf("IsValidPlan(%q) = %v, want %v", tt.plan, got, tt.valid)
			}
		})
	}
}

func TestNormalizeEmail(t *testing.T) {
	tests := map[string]string{
		"buyer@example.com":    "buyer@example.com",
		" Buyer@Example.COM\n": "buyer@example.com",
		"":                     "",
	}
	for in, want := range tests {
		if got := NormalizeEmail(in); got != want {
			t.Errorf("NormalizeEmail(%q) = %q, want %q", in, got, want)
		}
	}
}
