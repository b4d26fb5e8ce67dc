// Copyright (c) CharterFlow Authors.
// Licensed under the MIT License.

/*
Package handoff routes task delegations between agents.

# Overview

A handoff is the controlled way one agent passes work to another: the
manager validates that the target agent is registered, available, and
capable of the task kind, and that the workflow's current state permits
the target's role. Validation is all-or-nothing — a failed check leaves
no queued task, no record, and no event.

On success the task is tagged for the target, enqueued, and recorded as
a pending handoff; AGENT_HANDOFF is published. The target resolves the
handoff by accepting or rejecting it; a rejection routes the task back
through the queue's failure path so the usual retry budget applies.
Pending handoffs older than the configured window are swept to
timed_out and announced with HANDOFF_TIMEOUT for escalation.
*/
package handoff
