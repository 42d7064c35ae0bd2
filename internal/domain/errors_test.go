package domain_test

import (
	"strings"
	"testing"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
)

func TestTaskNotFoundError(t *testing.T) {
	err := &domain.TaskNotFoundError{TaskID: "abc-123"}
	if !strings.Contains(err.Error(), "abc-123") {
		t.Errorf("error message should contain task ID, got: %q", err.Error())
	}
}

func TestNotFoundError(t *testing.T) {
	err := &domain.NotFoundError{Kind: "book", ID: "b-9"}
	if got := err.Error(); got != "book not found: b-9" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestRateLimitExceededError(t *testing.T) {
	err := &domain.RateLimitExceededError{Key: "reader:a1", Limit: 100}
	msg := err.Error()
	if !strings.Contains(msg, "reader:a1") {
		t.Errorf("error message should contain key, got: %q", msg)
	}
	if !strings.Contains(msg, "100") {
		t.Errorf("error message should contain limit, got: %q", msg)
	}
}

func TestInvalidTaskTypeError(t *testing.T) {
	err := &domain.InvalidTaskTypeError{TaskType: "unknown-type"}
	if !strings.Contains(err.Error(), "unknown-type") {
		t.Errorf("error message should contain task type, got: %q", err.Error())
	}
}

func TestInsufficientBalanceError(t *testing.T) {
	err := &domain.InsufficientBalanceError{AgentID: "a1", Balance: 2, Amount: 5}
	msg := err.Error()
	for _, want := range []string{"a1", "2", "5"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q should contain %q", msg, want)
		}
	}
}
