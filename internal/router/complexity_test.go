package router

import "testing"

func TestComplexity(t *testing.T) {
	tests := []struct {
		path string
		want int
	}{
		{"user.created", 13000},
		{"user.*", 9100},
		{"user.**", 8200},
		{"*", 1000},
		{"**", 0},
		{"*.b", 6000},
		{"a.b.c", 24000},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := Complexity(tt.path); got != tt.want {
				t.Errorf("Complexity(%q) = %d, want %d", tt.path, got, tt.want)
			}
		})
	}
}

func TestComplexityOrdering(t *testing.T) {
	ordered := []string{"a.b.c", "a.b.*", "a.*.c", "a.**", "*.b.c"}
	for i := 1; i < len(ordered); i++ {
		if Complexity(ordered[i-1]) <= Complexity(ordered[i]) {
			t.Errorf("Complexity(%q)=%d should exceed Complexity(%q)=%d",
				ordered[i-1], Complexity(ordered[i-1]), ordered[i], Complexity(ordered[i]))
		}
	}
}
