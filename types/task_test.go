package types

import (
	"testing"
	"time"
)

func TestTaskPriority_Weights(t *testing.T) {
	t.Parallel()

	order := []TaskPriority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}
	for i := 1; i < len(order); i++ {
		if order[i-1].Weight() >= order[i].Weight() {
			t.Fatalf("%s must weigh less than %s", order[i-1], order[i])
		}
	}
	if TaskPriority("rush").Weight() != PriorityNormal.Weight() {
		t.Fatalf("unknown priority should weigh as normal")
	}
	if TaskPriority("rush").Valid() {
		t.Fatalf("unknown priority must not validate")
	}
}

func TestTaskStatus_Terminal(t *testing.T) {
	t.Parallel()

	if TaskStatusPending.IsTerminal() || TaskStatusInProgress.IsTerminal() {
		t.Fatalf("pending and in_progress are not terminal")
	}
	if !TaskStatusCompleted.IsTerminal() || !TaskStatusFailed.IsTerminal() {
		t.Fatalf("completed and failed are terminal")
	}
}

func TestAgentTask_Validate(t *testing.T) {
	t.Parallel()

	task := AgentTask{
		Kind:    "search_flights",
		Context: MessageContext{RequestID: "req-1"},
	}
	if err := task.Validate(); err != nil {
		t.Fatalf("valid task rejected: %v", err)
	}

	bad := task
	bad.Kind = ""
	if err := bad.Validate(); !IsCode(err, ErrCodeValidation) {
		t.Fatalf("missing kind: expected VALIDATION, got %v", err)
	}

	bad = task
	bad.Priority = "rush"
	if err := bad.Validate(); !IsCode(err, ErrCodeValidation) {
		t.Fatalf("bad priority: expected VALIDATION, got %v", err)
	}

	bad = task
	bad.Context.RequestID = ""
	if err := bad.Validate(); !IsCode(err, ErrCodeValidation) {
		t.Fatalf("missing request id: expected VALIDATION, got %v", err)
	}
}

func TestAgentTask_CloneIndependence(t *testing.T) {
	t.Parallel()

	exp := time.Now().Add(30 * time.Second)
	orig := &AgentTask{
		ID:             "t1",
		Kind:           "search_flights",
		Payload:        []byte(`{"route":"KTEB-EGGW"}`),
		LeaseExpiresAt: &exp,
	}

	clone := orig.Clone()
	clone.Payload[0] = 'X'
	*clone.LeaseExpiresAt = exp.Add(time.Hour)

	if orig.Payload[0] == 'X' {
		t.Fatalf("clone shares payload backing array")
	}
	if !orig.LeaseExpiresAt.Equal(exp) {
		t.Fatalf("clone shares lease expiry pointer")
	}
}
