package tokenutil

import "testing"

func TestEstimateFast(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"whitespace", "   \n\t", 0},
		{"short words", "a b c", 3},
		{"long run", "abcdefghijklmnopqrstuvwxyz abcdefghijklmnopqrstuvwxyz", 13},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateFast(tt.text); got != tt.want {
				t.Errorf("EstimateFast(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestCountTokensNonZero(t *testing.T) {
	if got := CountTokens("the knowledge graph has many nodes"); got == 0 {
		t.Error("CountTokens returned 0 for non-empty text")
	}
	if got := CountTokens(""); got != 0 {
		t.Errorf("CountTokens(\"\") = %d, want 0", got)
	}
}
