package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeValidation, "test message: %s", "value")

	if err.Code != ErrCodeValidation {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeValidation)
	}

	if err.Message != "test message: value" {
		t.Errorf("Message = %v, want %v", err.Message, "test message: value")
	}

	expected := "VALIDATION: test message: value"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := Wrap(ErrCodeExternalService, cause, "failed to score")

	if err.Code != ErrCodeExternalService {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeExternalService)
	}

	if err.Cause != cause {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}

	unwrapped := errors.Unwrap(err)
	if unwrapped != cause {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
	}

	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		code     Code
		expected bool
	}{
		{
			name:     "matching code",
			err:      Validation("test"),
			code:     ErrCodeValidation,
			expected: true,
		},
		{
			name:     "non-matching code",
			err:      Validation("test"),
			code:     ErrCodeExternalService,
			expected: false,
		},
		{
			name:     "outer code wins",
			err:      Wrap(ErrCodeExternalService, Validation("inner"), "outer"),
			code:     ErrCodeExternalService,
			expected: true,
		},
		{
			name:     "wrapped with fmt",
			err:      fmt.Errorf("visualize: %w", Render(errors.New("exit 1"), "plot code failed")),
			code:     ErrCodeRender,
			expected: true,
		},
		{
			name:     "inside phase error",
			err:      InPhase("planning", New(ErrCodeExternalService, "x")),
			code:     ErrCodeExternalService,
			expected: true,
		},
		{
			name:     "non-Error type",
			err:      errors.New("plain error"),
			code:     ErrCodeValidation,
			expected: false,
		},
		{
			name:     "nil error",
			err:      nil,
			code:     ErrCodeValidation,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.expected {
				t.Errorf("Is() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Code
	}{
		{"Error type", New(ErrCodeRender, "test"), ErrCodeRender},
		{"plain error", errors.New("plain"), ""},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.expected {
				t.Errorf("GetCode() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "Error type",
			err:      Validation("friendly message"),
			expected: "friendly message",
		},
		{
			name:     "Error with cause",
			err:      Wrap(ErrCodeExternalService, errors.New("status 503"), "critique failed"),
			expected: "critique failed: status 503",
		},
		{
			name:     "plain error",
			err:      errors.New("plain error"),
			expected: "plain error",
		},
		{
			name:     "nil",
			err:      nil,
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UserMessage(tt.err); got != tt.expected {
				t.Errorf("UserMessage() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestPhaseError(t *testing.T) {
	cause := New(ErrCodeExternalService, "plan failed")
	err := fmt.Errorf("run: %w", InPhase("planning", cause))

	if got := PhaseOf(err); got != "planning" {
		t.Errorf("PhaseOf() = %q, want %q", got, "planning")
	}
	if !errors.Is(err, cause) {
		t.Error("phase error should unwrap to cause")
	}
	if InPhase("refining", nil) != nil {
		t.Error("InPhase(nil) should be nil")
	}
	if PhaseOf(errors.New("x")) != "" {
		t.Error("PhaseOf plain error should be empty")
	}
}
