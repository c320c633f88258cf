package outcome

import (
	"testing"

	"github.com/betbot/stakepilot/internal/domain"
)

func TestInfer(t *testing.T) {
	c := New(0)
	prev := Prev{Present: true, Level: 2, Margin: 10, Stake: 7}

	cases := []struct {
		name      string
		prev      Prev
		newLevel  int
		newMargin float64
		want      domain.Outcome
	}{
		{"no previous hand", Prev{}, 3, 50, domain.OutcomeTie},
		{"flat", prev, 2, 10.4, domain.OutcomeTie},
		{"win back to base", prev, 0, 17, domain.OutcomeBanker},
		{"loss steps up", prev, 3, 3, domain.OutcomePlayer},
		{"level up without matching delta", prev, 4, 100, domain.OutcomePlayer},
		{"level down without matching delta", prev, 1, 100, domain.OutcomeBanker},
		{"same level, margin moved", prev, 2, 30, domain.OutcomeTie},
	}
	for _, tc := range cases {
		if got := c.Infer(tc.prev, tc.newLevel, tc.newMargin); got != tc.want {
			t.Fatalf("%s: got=%q want=%q", tc.name, got, tc.want)
		}
	}
}

func TestInferTolerance(t *testing.T) {
	prev := Prev{Present: true, Level: 0, Margin: 0, Stake: 1}
	// 0.9 偏差：默认容差下不算持平
	if got := New(0).Infer(prev, 0, 0.9); got != domain.OutcomeBanker {
		t.Fatalf("default tolerance: got=%q want=B", got)
	}
	if got := New(1.0).Infer(prev, 0, 0.9); got != domain.OutcomeTie {
		t.Fatalf("wide tolerance: got=%q want=T", got)
	}
}

func TestToLevelIndex(t *testing.T) {
	for ui := 1; ui <= 8; ui++ {
		if got := ToLevelIndex(ui); got != ui-1 {
			t.Fatalf("ui=%d got=%d want=%d", ui, got, ui-1)
		}
	}
	cases := map[int]int{0: 0, -3: 0, 9: 7, 42: 7}
	for ui, want := range cases {
		if got := ToLevelIndex(ui); got != want {
			t.Fatalf("ui=%d got=%d want=%d", ui, got, want)
		}
	}
}
