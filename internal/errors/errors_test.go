package errors

import "testing"

func TestKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "validation", err: Validationf("interval %d out of range", 0), want: "validation"},
		{name: "wrapped not found", err: Wrap(NotFoundf("job %s", "7"), "remove"), want: "not_found"},
		{name: "rejected", err: Wrapf(ErrRemoteRejected, "status %d", 422), want: "remote_rejected"},
		{name: "unavailable", err: Wrap(ErrRemoteUnavailable, "dial"), want: "remote_unavailable"},
		{name: "transport", err: Mark(New("bot offline"), ErrTransport), want: "transport"},
		{name: "plain", err: New("boom"), want: "internal"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Kind(tt.err); got != tt.want {
				t.Fatalf("Kind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMarkKeepsMessage(t *testing.T) {
	t.Parallel()
	err := Validationf("content is empty")
	if err.Error() != "content is empty" {
		t.Fatalf("message = %q", err.Error())
	}
	if !IsValidation(err) || IsNotFound(err) {
		t.Fatalf("unexpected kind for %v", err)
	}
}
