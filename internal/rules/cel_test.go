package rules

import (
	"testing"

	"github.com/opensource-gaming/talon/internal/domain"
)

func newTestEvaluator(t *testing.T) *celEvaluator {
	t.Helper()
	evaluator, err := newCELEvaluator()
	if err != nil {
		t.Fatalf("failed to create CEL evaluator: %v", err)
	}
	return evaluator
}

func TestCELEvaluate(t *testing.T) {
	evaluator := newTestEvaluator(t)
	state := domain.PlayerState{
		"segment":       "LOSING",
		"tier":          "GOLD",
		"net_loss":      500.0,
		"total_wagered": 12000.0,
		"abuse_score":   30.0,
	}

	tests := []struct {
		name       string
		expression string
		want       bool
	}{
		{"SegmentMatch", `segment == "LOSING"`, true},
		{"Conjunction", `segment == "LOSING" && net_loss > 100.0`, true},
		{"Disjunction", `segment == "VIP" || total_wagered >= 10000.0`, true},
		{"Arithmetic", `net_loss / total_wagered > 0.1`, false},
		{"AbuseGuard", `abuse_score < 31.0`, true},
		{"TierCheck", `tier in ["GOLD", "PLATINUM", "DIAMOND"]`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.Evaluate(tt.expression, state)
			if err != nil {
				t.Fatalf("Evaluate(%q) failed: %v", tt.expression, err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expression, got, tt.want)
			}
		})
	}
}

func TestCELMissingFieldsDefaultToZero(t *testing.T) {
	evaluator := newTestEvaluator(t)

	// Promoted scalars default to zero values, so expressions stay total
	// over players with no history.
	got, err := evaluator.Evaluate(`total_wagered > 0.0 || segment == "VIP"`, domain.PlayerState{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if got {
		t.Error("expected false against empty state")
	}
}

func TestCELCompileErrors(t *testing.T) {
	evaluator := newTestEvaluator(t)

	t.Run("NonBoolExpression", func(t *testing.T) {
		if err := evaluator.Compile(`net_loss * 2.0`); err == nil {
			t.Error("expected error for non-bool expression")
		}
	})

	t.Run("SyntaxError", func(t *testing.T) {
		if err := evaluator.Compile(`segment == `); err == nil {
			t.Error("expected error for malformed expression")
		}
	})

	t.Run("UnknownVariable", func(t *testing.T) {
		if err := evaluator.Compile(`lifetime_value > 0.0`); err == nil {
			t.Error("expected error for undeclared variable")
		}
	})
}

func TestCELProgramCaching(t *testing.T) {
	evaluator := newTestEvaluator(t)
	expr := `net_loss > 100.0`

	if err := evaluator.Compile(expr); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	evaluator.mu.RLock()
	_, cached := evaluator.programs[expr]
	evaluator.mu.RUnlock()
	if !cached {
		t.Error("expected compiled program to be cached")
	}

	got, err := evaluator.Evaluate(expr, domain.PlayerState{"net_loss": 500.0})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !got {
		t.Error("expected true for net_loss 500")
	}
}
