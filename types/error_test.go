package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrCodeTimeout, "quote window elapsed").
		WithCause(root).
		WithRetryable(true)

	if GetErrorCode(err) != ErrCodeTimeout {
		t.Fatalf("expected code %s, got %s", ErrCodeTimeout, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_WrappedChain(t *testing.T) {
	t.Parallel()

	inner := NewValidationError("bad task kind")
	wrapped := fmt.Errorf("enqueue: %w", inner)

	if GetErrorCode(wrapped) != ErrCodeValidation {
		t.Fatalf("expected code through wrap, got %s", GetErrorCode(wrapped))
	}
	if !IsCode(wrapped, ErrCodeValidation) {
		t.Fatalf("IsCode should see through fmt.Errorf wrapping")
	}
	if IsRetryable(wrapped) {
		t.Fatalf("validation errors are not retryable")
	}
}

func TestError_Constructors(t *testing.T) {
	t.Parallel()

	if !IsRetryable(NewCapacityError("queue full")) {
		t.Fatalf("capacity errors are retryable")
	}
	if !IsRetryable(NewTimeoutError("deadline")) {
		t.Fatalf("timeout errors are retryable")
	}
	if IsRetryable(NewTerminalError("retries exhausted")) {
		t.Fatalf("terminal errors are not retryable")
	}
	if GetErrorCode(errors.New("plain")) != "" {
		t.Fatalf("plain errors carry no code")
	}
}
