package chat

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"plain", "hello", true},
		{"unicode", "héllo 👋", true},
		{"empty", "", false},
		{"too many bytes", strings.Repeat("a", MaxMessageBytes+1), false},
		{"too many chars", strings.Repeat("é", MaxTextChars+1), false},
		{"invalid utf8", "\xff\xfe", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.input)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("expected ErrInvalidMessage, got %v", err)
			}
		})
	}
}

func TestValidateReplyTo(t *testing.T) {
	if err := ValidateReplyTo(""); err != nil {
		t.Errorf("empty reply reference rejected: %v", err)
	}
	if err := ValidateReplyTo(strings.Repeat("x", MaxReplyToBytes+1)); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage, got %v", err)
	}
}
