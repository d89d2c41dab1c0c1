package consent

import "testing"

func TestScopeSatisfies(t *testing.T) {
	tests := []struct {
		granted   string
		requested string
		want      bool
	}{
		{"financial.risk_profile", "financial.risk_profile", true},
		{"financial.risk_profile", "financial.balance", false},
		{"financial.*", "financial.risk_profile", true},
		{"financial.*", "financial.balance", true},
		{"financial.*", "health.weight", false},
		{"financial.*", "financial", false},
		{"*", "financial.risk_profile", true},
		{"*", "health.weight", true},
		{"*", "*", true},
		{"health.*", "healthcare.plan", false},
		{"attr.financial.*", "attr.financial.risk_profile", true},
		{"attr.financial.*", "attr.health.weight", false},
		{"", "financial.balance", false},
		{"financial.*", "", false},
	}

	for _, tc := range tests {
		if got := ScopeSatisfies(tc.granted, tc.requested); got != tc.want {
			t.Errorf("ScopeSatisfies(%q, %q) = %v, want %v", tc.granted, tc.requested, got, tc.want)
		}
	}
}
