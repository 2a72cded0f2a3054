package transport

import (
	"testing"

	"adbot/internal/errors"
)

func TestParseDestination(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want ChatTarget
		ok   bool
	}{
		{in: "-1001234567890", want: ChatTarget{ChatID: -1001234567890}, ok: true},
		{in: " -100123:45 ", want: ChatTarget{ChatID: -100123, ThreadID: 45}, ok: true},
		{in: "42", want: ChatTarget{ChatID: 42}, ok: true},
		{in: "", ok: false},
		{in: "0", ok: false},
		{in: "group@g.us", ok: false},
		{in: "-100:abc", ok: false},
	}
	for _, tt := range tests {
		got, err := ParseDestination(tt.in)
		if !tt.ok {
			if !errors.IsValidation(err) {
				t.Fatalf("ParseDestination(%q) err = %v, want validation", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseDestination(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseDestination(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
		if back, _ := ParseDestination(got.String()); back != got {
			t.Fatalf("String() does not parse back: %q", got.String())
		}
	}
}
