package audit

import "testing"

func TestRotationPolicy_Limit(t *testing.T) {
	tests := []struct {
		max  int64
		want int64
	}{
		{0, DefaultMaxFileBytes},
		{-1, -1},
		{-100, -1},
		{1, 1},
		{4096, 4096},
	}
	for _, tt := range tests {
		if got := (RotationPolicy{MaxFileBytes: tt.max}).Limit(); got != tt.want {
			t.Errorf("Limit() with max=%d = %d, want %d", tt.max, got, tt.want)
		}
	}
}

func TestRotationPolicy_ShouldRotate(t *testing.T) {
	tests := []struct {
		name             string
		max              int64
		current, pending int64
		want             bool
	}{
		{"empty file never rotates", 10, 0, 100, false},
		{"fits exactly", 100, 60, 40, false},
		{"one byte over", 100, 60, 41, true},
		{"already over", 100, 150, 1, true},
		{"max one rotates every non-empty file", 1, 1, 1, true},
		{"disabled", -1, 1 << 40, 1 << 20, false},
		{"default below threshold", 0, DefaultMaxFileBytes - 200, 100, false},
		{"default above threshold", 0, DefaultMaxFileBytes - 50, 100, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := RotationPolicy{MaxFileBytes: tt.max}
			if got := p.ShouldRotate(tt.current, tt.pending); got != tt.want {
				t.Errorf("ShouldRotate(%d, %d) = %v, want %v", tt.current, tt.pending, got, tt.want)
			}
		})
	}
}
